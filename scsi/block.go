package scsi

import (
	"fmt"
	"io"
	"os"
)

// defaultBlockSize is the logical block size assumed for a plain disk LU;
// OpticalDevice overrides it to the 2048-byte sector size MMC media uses.
const defaultBlockSize = 512

// BlockDevice is a direct-access block device backed by a host file:
// READ/WRITE (10), READ CAPACITY (10), and WRITE SAME (10).
type BlockDevice struct {
	Device

	f         *os.File
	capacity  int64
	readOnly  bool
	blockSize uint32
}

// OpenBlockDevice opens fn as the backing store for a block LU. When
// readOnly is set, WRITE (10) and WRITE SAME (10) are rejected with CHECK
// CONDITION (INVALID COMMAND OPERATION CODE).
func OpenBlockDevice(fn string, readOnly bool) (*BlockDevice, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(fn, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("opening block device backing file %s: %w", fn, err)
	}

	sz, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()

		return nil, err
	}

	d := &BlockDevice{capacity: sz, readOnly: readOnly, blockSize: defaultBlockSize}
	d.f = f
	d.Device.Ident = Ident{
		PeripheralDeviceType: 0x00,
		T10VendorID:          "DEVEVER",
		T10VendorSubID:       "BLKDEV",
		EUI64:                []byte{0x11, 0x22, 0x33, 0x44, 0x11, 0x22, 0x33, 0x44},
		Version:              0x04,
		VendorID:             "DEVEVER",
		ProductID:            "BLKDEV",
		ProductRev:           "0",
		VersionDescriptors:   [8]uint16{0x0080, 0x0600},
	}

	return d, nil
}

func (d *BlockDevice) ExecuteCommand(req *Cmd) (Result, error) {
	r := d.executeBlock(req)
	d.lastSenseData = r.SenseData

	return r, nil
}

func (d *BlockDevice) executeBlock(req *Cmd) Result {
	switch req.CDB[0] {
	case 0x25: // READ CAPACITY (10)
		return d.handleReadCapacity10(req)
	case 0x28: // READ (10)
		return d.handleRead10(req)
	case 0x1A: // MODE SENSE (6)
		return CheckCondition(SenseInvalidCommandOperationCode)
	case 0x2A: // WRITE (10)
		if d.readOnly {
			return CheckCondition(SenseInvalidCommandOperationCode)
		}

		return d.handleWrite10(req)
	case 0x41: // WRITE SAME (10)
		if d.readOnly {
			return CheckCondition(SenseInvalidCommandOperationCode)
		}

		return d.handleWriteSame10(req)
	default:
		return d.executeBase(req)
	}
}

func (d *BlockDevice) handleReadCapacity10(req *Cmd) Result {
	if len(req.CDB) < 10 {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	lba := beUint32(req.CDB[2:6])
	if lba != 0 || req.CDB[8]&1 != 0 {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	// The first field is the address of the last logical block.
	lastLBA := uint64(d.capacity) / uint64(d.blockSize)
	if lastLBA > 0 {
		lastLBA--
	}

	if lastLBA > 0xFFFF_FFFF {
		lastLBA = 0xFFFF_FFFF
	}

	out := make([]byte, 8)
	putBE32(out[0:4], uint32(lastLBA))
	putBE32(out[4:8], d.blockSize)
	req.WriteDataIn(out)

	return Good()
}

func (d *BlockDevice) handleRead10(req *Cmd) Result {
	if len(req.CDB) < 10 {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	lba := beUint32(req.CDB[2:6])
	xferLen := beUint16(req.CDB[7:9])

	if _, err := d.f.Seek(int64(lba)*int64(d.blockSize), io.SeekStart); err != nil {
		return CheckCondition(SenseLogicalUnitFailure)
	}

	buf := make([]byte, d.blockSize)
	for i := uint16(0); i < xferLen; i++ {
		if _, err := io.ReadFull(d.f, buf); err != nil {
			return CheckCondition(SenseLBAOutOfRange)
		}

		req.WriteDataIn(buf)
	}

	return Good()
}

func (d *BlockDevice) handleWrite10(req *Cmd) Result {
	if len(req.CDB) < 10 {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	lba := beUint32(req.CDB[2:6])
	xferLen := beUint16(req.CDB[7:9])

	if _, err := d.f.Seek(int64(lba)*int64(d.blockSize), io.SeekStart); err != nil {
		return CheckCondition(SenseLogicalUnitFailure)
	}

	buf := make([]byte, d.blockSize)
	for i := uint16(0); i < xferLen; i++ {
		if _, err := io.ReadFull(req.DataOut, buf); err != nil {
			return CheckCondition(SenseInvalidFieldInCDB)
		}

		if _, err := d.f.Write(buf); err != nil {
			return CheckCondition(SenseLogicalUnitFailure)
		}
	}

	return Good()
}

func (d *BlockDevice) handleWriteSame10(req *Cmd) Result {
	if len(req.CDB) < 10 {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	lba := beUint32(req.CDB[2:6])
	xferLen := beUint16(req.CDB[7:9])

	if req.CDB[1]&0b110 != 0 {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	buf := make([]byte, d.blockSize)
	if _, err := io.ReadFull(req.DataOut, buf); err != nil {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	if _, err := d.f.Seek(int64(lba)*int64(d.blockSize), io.SeekStart); err != nil {
		return CheckCondition(SenseLogicalUnitFailure)
	}

	for i := uint16(0); i < xferLen; i++ {
		if _, err := d.f.Write(buf); err != nil {
			return CheckCondition(SenseLogicalUnitFailure)
		}
	}

	return Good()
}

func putBE32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}
