package virtio

import (
	"bytes"
	"encoding/binary"
	"log"

	"github.com/hlandau/kvmtest/iodev"
	"github.com/hlandau/kvmtest/memory"
	"github.com/hlandau/kvmtest/pci"
	"github.com/hlandau/kvmtest/scsi"
)

const numQueues = 3

// Queue indices: only requestQueue is functionally consumed; the other two
// accept area configuration (a real driver probes all three) but never
// receive a notification this device processes.
const (
	controlQueue = 0
	eventQueue   = 1
	requestQueue = 2
)

// IRQRaiser is the subset of *kvm.VM the device needs to signal an
// interrupt; an interface purely so virtio_test.go can substitute a fake.
type IRQRaiser interface {
	SetIRQLine(irq uint32, level bool) error
}

// Bar0 is the virtio-scsi-pci device's single memory BAR: the common
// configuration, ISR, device-specific and notification regions of a
// virtio 1.0 PCI device, laid out back to back in one 4 KiB window.
type Bar0 struct {
	rf   *iodev.RegisterFile
	base uint64

	mem      *memory.Manager
	scsi     scsi.Subsystem
	vm       IRQRaiser
	intrLine func() uint8

	devFeatSel uint32
	drvFeatSel uint32
	msixCfg    uint16
	devStatus  uint8
	cfgGen     uint8

	queueSel          uint16
	queueLens         [numQueues]uint16
	maxQueueLens      [numQueues]uint16
	queueMsixVectors  [numQueues]uint16
	queueEnables      [numQueues]bool
	queueDescAreas    [numQueues]uint64
	queueDriverAreas  [numQueues]uint64
	queueDeviceAreas  [numQueues]uint64
	queueAvailIdx     [numQueues]uint16
	queueUsedIdx      [numQueues]uint16

	isrStatus uint8

	scsiSenseLen uint32
	scsiCdbLen   uint32
}

// NewBar0 builds the virtio-scsi BAR0 register file. intrLine reads the
// function's currently-programmed legacy interrupt line on demand (it can
// change after construction, via a config-space write).
func NewBar0(mem *memory.Manager, subsystem scsi.Subsystem, vm IRQRaiser, intrLine func() uint8) *Bar0 {
	b := &Bar0{mem: mem, scsi: subsystem, vm: vm, intrLine: intrLine}
	for i := range b.maxQueueLens {
		b.maxQueueLens[i] = 16
	}

	b.resetQueues()

	regs := []*iodev.Register{
		{Name: "comDevFeatSel", Offset: 0x00, Width: 32,
			Get: func() uint64 { return uint64(b.devFeatSel) },
			Set: func(v uint64) { b.devFeatSel = uint32(v) }},
		{Name: "comDevFeat", Offset: 0x04, Width: 32, RO: true, Get: b.getDevFeat},
		{Name: "comDrvFeatSel", Offset: 0x08, Width: 32,
			Get: func() uint64 { return uint64(b.drvFeatSel) },
			Set: func(v uint64) { b.drvFeatSel = uint32(v) }},
		{Name: "comDrvFeat", Offset: 0x0C, Width: 32, Get: b.getDrvFeat, Set: b.setDrvFeat},
		{Name: "comMsixCfg", Offset: 0x10, Width: 16,
			Get: func() uint64 { return uint64(b.msixCfg) },
			Set: func(v uint64) { b.msixCfg = uint16(v) }},
		{Name: "comNumQueue", Offset: 0x12, Width: 16, RO: true, Initial: numQueues},
		{Name: "comDevStatus", Offset: 0x14, Width: 8,
			Get:      func() uint64 { return uint64(b.devStatus) },
			Set:      func(v uint64) { b.devStatus = uint8(v) },
			AfterSet: b.onDevStatusChange},
		{Name: "comCfgGen", Offset: 0x15, Width: 8, RO: true, Get: func() uint64 { return uint64(b.cfgGen) }},

		{Name: "comQueueSel", Offset: 0x16, Width: 16,
			Get: func() uint64 { return uint64(b.queueSel) },
			Set: func(v uint64) { b.queueSel = uint16(v) }},
		{Name: "comQueueLen", Offset: 0x18, Width: 16, Get: b.getQueueLen, Set: b.setQueueLen},
		{Name: "comQueueMsixVector", Offset: 0x1A, Width: 16, Get: b.getQueueMsixVector, Set: b.setQueueMsixVector},
		{Name: "comQueueEnable", Offset: 0x1C, Width: 16, Get: b.getQueueEnable, Set: b.setQueueEnable},
		{Name: "comQueueNotifyOff", Offset: 0x1E, Width: 16, RO: true},
		{Name: "comQueueDesc", Offset: 0x20, Width: 64, Get: b.getQueueDesc, Set: b.setQueueDesc},
		{Name: "comQueueDrv", Offset: 0x28, Width: 64, Get: b.getQueueDrv, Set: b.setQueueDrv},
		{Name: "comQueueDev", Offset: 0x30, Width: 64, Get: b.getQueueDev, Set: b.setQueueDev},

		{Name: "isrStatus", Offset: 0x40, Width: 8, RO: true, Get: b.readAndClearISR},

		{Name: "scsiNumQueue", Offset: 0x44, Width: 32, RO: true, Initial: 1},
		{Name: "scsiSegMax", Offset: 0x48, Width: 32, RO: true, Initial: 4},
		{Name: "scsiMaxSectors", Offset: 0x4C, Width: 32, RO: true, Initial: 128 * 1024},
		{Name: "scsiCmdPerLun", Offset: 0x50, Width: 32, RO: true, Initial: 16},
		{Name: "scsiEventInfoLen", Offset: 0x54, Width: 32, RO: true},
		{Name: "scsiSenseLen", Offset: 0x58, Width: 32,
			Get: func() uint64 { return uint64(b.scsiSenseLen) },
			Set: func(v uint64) { b.scsiSenseLen = uint32(v) }},
		{Name: "scsiCdbLen", Offset: 0x5C, Width: 32,
			Get: func() uint64 { return uint64(b.scsiCdbLen) },
			Set: func(v uint64) { b.scsiCdbLen = uint32(v) }},
		{Name: "scsiMaxChannel", Offset: 0x60, Width: 16, RO: true},
		{Name: "scsiMaxTarget", Offset: 0x62, Width: 16, RO: true, Initial: 1},
		{Name: "scsiMaxLun", Offset: 0x64, Width: 32, RO: true, Initial: 1},

		{Name: "notify0", Offset: 0x70, Width: 16, Set: b.onNotify},
	}

	b.scsiSenseLen = 96
	b.scsiCdbLen = 32

	b.rf = iodev.NewRegisterFile(0, 4*1024, regs)

	return b
}

func (b *Bar0) Base() uint64        { return b.base }
func (b *Bar0) Len() uint64         { return 4 * 1024 }
func (b *Bar0) SetBase(addr uint64) { b.base = addr }

func (b *Bar0) Read(addr uint64, data []byte) error {
	return b.rf.Read(addr-b.base, data)
}

func (b *Bar0) Write(addr uint64, data []byte) error {
	return b.rf.Write(addr-b.base, data)
}

var _ iodev.MemoryHandler = (*Bar0)(nil)
var _ pci.BarHandler = (*Bar0)(nil)

func (b *Bar0) deviceHasFeature(n uint32) bool {
	return n == FeatureVersion1 || n == FeatureSCSIInOut
}

func (b *Bar0) getDevFeat() uint64 {
	page := b.devFeatSel
	var v uint32

	for i := uint32(0); i < 32; i++ {
		if b.deviceHasFeature(page*32 + i) {
			v |= 1 << i
		}
	}

	return uint64(v)
}

// getDrvFeat always reads back zero: driver-selected features are accepted
// (logged) but this device acknowledges none of them.
func (b *Bar0) getDrvFeat() uint64 {
	return 0
}

func (b *Bar0) setDrvFeat(v uint64) {
	log.Printf("virtio: driver selected feature page %d = %#x (not acknowledged)", b.drvFeatSel, uint32(v))
}

func (b *Bar0) onDevStatusChange(v uint64) {
	if v == 0 {
		b.resetQueues()
	}
}

func (b *Bar0) resetQueues() {
	b.queueLens = b.maxQueueLens
	b.queueEnables = [numQueues]bool{}
	b.queueDescAreas = [numQueues]uint64{}
	b.queueDriverAreas = [numQueues]uint64{}
	b.queueDeviceAreas = [numQueues]uint64{}
	b.queueAvailIdx = [numQueues]uint16{}
	b.queueUsedIdx = [numQueues]uint16{}
}

func (b *Bar0) getQueueLen() uint64 {
	if int(b.queueSel) >= numQueues {
		return 0
	}

	return uint64(b.queueLens[b.queueSel])
}

func (b *Bar0) setQueueLen(v uint64) {
	if int(b.queueSel) >= numQueues {
		return
	}

	n := uint16(v)
	if n > b.maxQueueLens[b.queueSel] {
		n = b.maxQueueLens[b.queueSel]
	}

	b.queueLens[b.queueSel] = n
}

func (b *Bar0) getQueueMsixVector() uint64 {
	if int(b.queueSel) >= numQueues {
		return 0
	}

	return uint64(b.queueMsixVectors[b.queueSel])
}

func (b *Bar0) setQueueMsixVector(v uint64) {
	if int(b.queueSel) >= numQueues {
		return
	}

	b.queueMsixVectors[b.queueSel] = uint16(v)
}

func (b *Bar0) getQueueEnable() uint64 {
	if int(b.queueSel) >= numQueues {
		return 0
	}

	if b.queueEnables[b.queueSel] {
		return 1
	}

	return 0
}

func (b *Bar0) setQueueEnable(v uint64) {
	if int(b.queueSel) >= numQueues {
		return
	}

	b.queueEnables[b.queueSel] = v != 0
}

func (b *Bar0) getQueueDesc() uint64 {
	if int(b.queueSel) >= numQueues {
		return 0
	}

	return b.queueDescAreas[b.queueSel]
}

func (b *Bar0) setQueueDesc(v uint64) {
	if int(b.queueSel) >= numQueues {
		return
	}

	b.queueDescAreas[b.queueSel] = v
}

func (b *Bar0) getQueueDrv() uint64 {
	if int(b.queueSel) >= numQueues {
		return 0
	}

	return b.queueDriverAreas[b.queueSel]
}

func (b *Bar0) setQueueDrv(v uint64) {
	if int(b.queueSel) >= numQueues {
		return
	}

	b.queueDriverAreas[b.queueSel] = v
}

func (b *Bar0) getQueueDev() uint64 {
	if int(b.queueSel) >= numQueues {
		return 0
	}

	return b.queueDeviceAreas[b.queueSel]
}

func (b *Bar0) setQueueDev(v uint64) {
	if int(b.queueSel) >= numQueues {
		return
	}

	b.queueDeviceAreas[b.queueSel] = v
}

// readAndClearISR implements the virtio-PCI contract that reading the ISR
// status register clears it and de-asserts the interrupt line.
func (b *Bar0) readAndClearISR() uint64 {
	v := b.isrStatus
	b.isrStatus = 0
	b.updateIntr()

	return uint64(v)
}

func (b *Bar0) assertQueueIntr() {
	b.isrStatus |= 1 << 0
	b.updateIntr()
}

func (b *Bar0) updateIntr() {
	if b.vm == nil {
		return
	}

	if err := b.vm.SetIRQLine(uint32(b.intrLine()), b.isrStatus != 0); err != nil {
		log.Printf("virtio: set irq line: %v", err)
	}
}

func (b *Bar0) onNotify(v uint64) {
	queueIdx := uint16(v)
	if int(queueIdx) != requestQueue {
		return
	}

	b.syncProcessAvail(int(queueIdx))
}

const descriptorSize = 16

func (b *Bar0) syncProcessAvail(queueNo int) {
	queueLen := b.queueLens[queueNo]
	pAvail := b.queueDriverAreas[queueNo]

	avail, err := b.mem.Read(pAvail, 4+2*int(queueLen)+2)
	if err != nil {
		log.Printf("virtio: cannot read avail ring at %#x: %v", pAvail, err)

		return
	}

	availIdx := binary.LittleEndian.Uint16(avail[2:4])
	cur := b.queueAvailIdx[queueNo]

	for cur != availIdx {
		headOff := 4 + 2*(int(cur)%int(queueLen))
		headDescIdx := binary.LittleEndian.Uint16(avail[headOff : headOff+2])
		cur = (cur + 1) & 0xFFFF
		b.syncProcessDescriptor(queueNo, headDescIdx)
	}

	b.queueAvailIdx[queueNo] = cur
}

func (b *Bar0) syncProcessDescriptor(queueNo int, headDescIdx uint16) {
	queueLen := b.queueLens[queueNo]
	pDescriptors := b.queueDescAreas[queueNo]

	var readBufs, writeBufs []memory.MemoryExtent

	curDescIdx := headDescIdx
	for {
		if int(curDescIdx) >= int(queueLen) {
			log.Printf("virtio: invalid descriptor index %#x", headDescIdx)

			return
		}

		descBuf, err := b.mem.Read(pDescriptors+descriptorSize*uint64(curDescIdx)%(descriptorSize*uint64(queueLen)), descriptorSize)
		if err != nil {
			log.Printf("virtio: cannot read descriptor %#x: %v", headDescIdx, err)

			return
		}

		dAddr := binary.LittleEndian.Uint64(descBuf[0:8])
		dLen := binary.LittleEndian.Uint32(descBuf[8:12])
		dFlags := binary.LittleEndian.Uint16(descBuf[12:14])
		dNext := binary.LittleEndian.Uint16(descBuf[14:16])

		const (
			descFlagNext     = 1 << 0
			descFlagWrite    = 1 << 1
			descFlagIndirect = 1 << 2
		)

		if dFlags&descFlagIndirect != 0 {
			log.Printf("virtio: indirect descriptors not supported")

			return
		}

		extents, err := b.mem.ResolveExtents(dAddr, int(dLen))
		if err != nil {
			log.Printf("virtio: cannot resolve descriptor buffer at %#x: %v", dAddr, err)

			return
		}

		if dFlags&descFlagWrite != 0 {
			writeBufs = append(writeBufs, extents...)
		} else {
			readBufs = append(readBufs, extents...)
		}

		curDescIdx = dNext
		if dFlags&descFlagNext == 0 {
			break
		}
	}

	rbuf := memory.NewMultiReadBuffer(readBufs)
	wbuf := memory.NewMultiWriteBuffer(writeBufs)
	wbufTotal := wbuf.Remaining()

	b.syncProcessBuffers(rbuf, wbuf)

	written := wbufTotal - wbuf.Remaining()
	b.syncProcessUsed(queueNo, headDescIdx, written)
}

func (b *Bar0) syncProcessUsed(queueNo int, headDescIdx uint16, totalWritten int) {
	queueLen := b.queueLens[queueNo]
	pUsed := b.queueDeviceAreas[queueNo]
	cur := b.queueUsedIdx[queueNo]

	entry := make([]byte, 8)
	binary.LittleEndian.PutUint32(entry[0:4], uint32(headDescIdx))
	binary.LittleEndian.PutUint32(entry[4:8], uint32(totalWritten))

	if err := b.mem.Write(pUsed+4+8*uint64(cur)%(8*uint64(queueLen)), entry); err != nil {
		log.Printf("virtio: writing used ring entry: %v", err)
	}

	idxBuf := make([]byte, 2)
	binary.LittleEndian.PutUint16(idxBuf, (cur+1)&0xFFFF)

	if err := b.mem.Write(pUsed+2, idxBuf); err != nil {
		log.Printf("virtio: writing used index: %v", err)
	}

	b.queueUsedIdx[queueNo] = (cur + 1) & 0xFFFF
	b.assertQueueIntr()
}

func (b *Bar0) syncProcessBuffers(rbuf *memory.MultiReadBuffer, wbuf *memory.MultiWriteBuffer) {
	reqHeaderLen := 8 + 8 + 1 + 1 + 1 + int(b.scsiCdbLen)
	req := make([]byte, reqHeaderLen)

	if n := rbuf.Read(req); n < reqHeaderLen {
		b.writeTargetFailure(wbuf)

		return
	}

	lun := binary.BigEndian.Uint64(req[0:8])
	id := binary.LittleEndian.Uint64(req[8:16])
	taskAttr := req[16]
	priority := req[17]
	cdb := req[19 : 19+int(b.scsiCdbLen)]

	cmd := &scsi.Cmd{
		LUN:      lun,
		ID:       id,
		CDB:      cdb,
		TaskAttr: taskAttr,
		Priority: priority,
	}

	// Any bytes remaining in the read-side descriptors beyond the fixed
	// header form the command's data-out payload.
	dataOut := make([]byte, rbuf.Remaining())
	rbuf.Read(dataOut)
	cmd.DataOut = bytes.NewReader(dataOut)

	cmd.DataIn = &bytes.Buffer{}
	cmd.DataInLen = wbuf.Remaining()

	res, err := b.scsi.ExecuteCommand(cmd)
	if err != nil {
		b.writeTargetFailure(wbuf)

		return
	}

	senseLen := len(res.SenseData)
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(senseLen))
	binary.LittleEndian.PutUint32(hdr[4:8], 0) // residual
	binary.LittleEndian.PutUint16(hdr[8:10], res.StatusQualifier)
	hdr[10] = res.Status
	hdr[11] = ScsiStatusOK

	wbuf.Write(hdr)

	sense := make([]byte, b.scsiSenseLen)
	copy(sense, res.SenseData)
	wbuf.Write(sense)

	wbuf.Write(cmd.DataIn.Bytes())
}

func (b *Bar0) writeTargetFailure(wbuf *memory.MultiWriteBuffer) {
	hdr := make([]byte, 12)
	hdr[11] = ScsiStatusTargetFailure
	wbuf.Write(hdr)
}
