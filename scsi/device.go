package scsi

import "bytes"

// Ident is the static identification data a Device reports through
// INQUIRY, mirroring the SPC-4 standard INQUIRY data fields.
type Ident struct {
	PeripheralDeviceType uint8
	T10VendorID          string
	T10VendorSubID       string
	EUI64                []byte
	Version              uint8
	VendorID             string
	ProductID            string
	ProductRev           string
	VersionDescriptors   [8]uint16
}

// Device is the base SCSI logical unit: TEST UNIT READY, REQUEST SENSE and
// INQUIRY (standard data plus the 0x00 and 0x83 EVPD pages), common to
// every concrete LU type built on it.
type Device struct {
	Ident Ident

	lastSenseData []byte
}

// ExecuteCommand dispatches a command to the base handlers; concrete LU
// types embed Device and override with their own opcode set, falling back
// to this for the commands every LU must support.
func (d *Device) ExecuteCommand(req *Cmd) (Result, error) {
	r := d.executeBase(req)
	d.lastSenseData = r.SenseData

	return r, nil
}

func (d *Device) executeBase(req *Cmd) Result {
	switch req.CDB[0] {
	case 0x00: // TEST UNIT READY
		return Good()
	case 0x03: // REQUEST SENSE
		return d.handleRequestSense(req)
	case 0x12: // INQUIRY
		return d.handleInquiry(req)
	default:
		return CheckCondition(SenseInvalidCommandOperationCode)
	}
}

func (d *Device) handleRequestSense(req *Cmd) Result {
	maxLen := int(req.CDB[4])
	useDesc := req.CDB[1]&1 != 0
	if useDesc {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	data := d.lastSenseData
	if data == nil {
		data = SenseNone.Make()
	}

	if maxLen < len(data) {
		data = data[:maxLen]
	}

	req.WriteDataIn(data)

	return Good()
}

func ljust(s string, n int, pad byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = pad
	}

	copy(b, s)

	return b
}

func (d *Device) handleInquiry(req *Cmd) Result {
	cmdDt := req.CDB[1]&2 != 0
	evpd := req.CDB[1]&1 != 0
	page := req.CDB[2]

	periQual := uint8(0)
	periByte := d.Ident.PeripheralDeviceType | (periQual << 5)

	if evpd {
		if cmdDt {
			return CheckCondition(SenseInvalidFieldInCDB)
		}

		switch page {
		case 0x00: // Supported VPD Pages
			pages := []byte{0x00, 0x83}
			out := append([]byte{periByte, 0x00, 0, uint8(len(pages))}, pages...)
			req.WriteDataIn(out)

			return Good()
		case 0x83: // Device Identification
			t10 := append(ljust(d.Ident.T10VendorID, 8, ' '), []byte(d.Ident.T10VendorSubID)...)
			ident2 := d.Ident.EUI64

			var body bytes.Buffer
			body.Write([]byte{2, 1, 0, uint8(len(t10))})
			body.Write(t10)
			body.Write([]byte{1, 2, 0, uint8(len(ident2))})
			body.Write(ident2)

			out := append([]byte{periByte, 0x83, 0, uint8(body.Len())}, body.Bytes()...)
			req.WriteDataIn(out)

			return Good()
		default:
			return CheckCondition(SenseInvalidFieldInCDB)
		}
	}

	if cmdDt || page != 0 {
		return CheckCondition(SenseInvalidFieldInCDB)
	}

	var out bytes.Buffer
	out.WriteByte(periByte)
	out.WriteByte(0)
	out.WriteByte(d.Ident.Version)
	out.WriteByte(2)
	out.WriteByte(0) // additional length (reported as 0)
	out.Write(make([]byte, 3))
	out.Write(ljust(d.Ident.VendorID, 8, ' '))
	out.Write(ljust(d.Ident.ProductID, 16, ' '))
	out.Write(ljust(d.Ident.ProductRev, 4, ' '))
	out.Write(make([]byte, 20))
	out.Write(make([]byte, 2))

	for _, vd := range d.Ident.VersionDescriptors {
		out.WriteByte(byte(vd >> 8))
		out.WriteByte(byte(vd))
	}

	out.Write(make([]byte, 22))

	data := out.Bytes()
	if allocLen := int(beUint16(req.CDB[3:5])); allocLen < len(data) {
		data = data[:allocLen]
	}

	req.WriteDataIn(data)

	return Good()
}
