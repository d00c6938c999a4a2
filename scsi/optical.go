package scsi

// OpticalDevice is an MMC optical drive backed by a host file (an ISO
// image). Beyond the block commands it implements READ TOC/PMA/ATIP and GET
// CONFIGURATION, the minimum udev's cdrom_id helper needs to recognize
// inserted media and let an installer ISO's filesystem label be found.
type OpticalDevice struct {
	BlockDevice
}

// OpenOpticalDevice opens fn (e.g. an ISO image) as a read-only optical LU.
func OpenOpticalDevice(fn string) (*OpticalDevice, error) {
	bd, err := OpenBlockDevice(fn, true)
	if err != nil {
		return nil, err
	}

	bd.Device.Ident.PeripheralDeviceType = 0x05 // MMC
	bd.blockSize = opticalBlockSize

	return &OpticalDevice{BlockDevice: *bd}, nil
}

// opticalBlockSize is the sector size MMC optical media uses, overriding
// BlockDevice's 512-byte disk default.
const opticalBlockSize = 2048

func (d *OpticalDevice) ExecuteCommand(req *Cmd) (Result, error) {
	var r Result

	switch req.CDB[0] {
	case 0x43: // READ TOC/PMA/ATIP
		r = d.handleReadTOC(req)
	case 0x46: // GET CONFIGURATION
		r = d.handleGetConfiguration(req)
	default:
		return d.BlockDevice.ExecuteCommand(req)
	}

	d.lastSenseData = r.SenseData

	return r, nil
}

func (d *OpticalDevice) handleReadTOC(req *Cmd) Result {
	format := req.CDB[2] & 0xF
	trackSessionNo := req.CDB[6]

	switch format {
	case 0:
		return d.handleReadTOCData(req, trackSessionNo)
	case 1:
		return d.handleReadSessionInfo(req)
	default:
		return CheckCondition(SenseInvalidFieldInCDB)
	}
}

func (d *OpticalDevice) handleReadTOCData(req *Cmd, trackSessionNo uint8) Result {
	const firstTrack, lastTrack = 1, 1

	if trackSessionNo > 1 && trackSessionNo != 0xAA {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	var data []byte

	if trackSessionNo <= 1 {
		data = append(data, trackDescriptor(0x14, 1, 0)...)
	}

	leadOutLBA := uint32(d.capacity / opticalBlockSize)
	data = append(data, trackDescriptor(0x16, 0xAA, leadOutLBA)...)

	out := make([]byte, 4)
	out[0] = byte((len(data) + 2) >> 8)
	out[1] = byte(len(data) + 2)
	out[2] = firstTrack
	out[3] = lastTrack
	out = append(out, data...)

	req.WriteDataIn(out)

	return Good()
}

func trackDescriptor(adrCtrl, trackNo uint8, lba uint32) []byte {
	b := make([]byte, 8)
	b[1] = adrCtrl
	b[2] = trackNo
	putBE32(b[4:8], lba)

	return b
}

func (d *OpticalDevice) handleReadSessionInfo(req *Cmd) Result {
	const firstSession, lastSession = 1, 1

	data := trackDescriptor(0b0100, 1, 0)

	out := make([]byte, 4)
	out[0] = byte((len(data) + 2) >> 8)
	out[1] = byte(len(data) + 2)
	out[2] = firstSession
	out[3] = lastSession
	out = append(out, data...)

	req.WriteDataIn(out)

	return Good()
}

// feature describes one GET CONFIGURATION feature descriptor.
type feature struct {
	code  uint16
	flags uint8
	data  []byte
}

func (d *OpticalDevice) handleGetConfiguration(req *Cmd) Result {
	const curProfile = 0x40 // BD-ROM

	features := []feature{
		{code: 0x0000, flags: 0x3, data: []byte{0x00, 0x40, 1, 0}}, // Profile List: BD-ROM
		{code: 0x0001, flags: 0xB, data: []byte{0, 0, 0, 1, 1, 0, 0, 0}}, // Core
		{code: 0x0040, flags: 0x5, data: []byte{0, 0, 0, 0, 0, 0b0110, 0, 0, 0, 0b0010, 0, 0, 0b0010}}, // BD Read
	}

	var body []byte
	body = append(body, 0, 0, byte(curProfile>>8), byte(curProfile))

	for _, f := range features {
		hdr := []byte{byte(f.code >> 8), byte(f.code), f.flags, byte(len(f.data))}
		body = append(body, hdr...)
		body = append(body, f.data...)
	}

	out := make([]byte, 4)
	putBE32(out, uint32(len(body)))
	out = append(out, body...)

	req.WriteDataIn(out)

	return Good()
}
