package scsi

// Fixed LUN identifiers used to route commands to the optical and disk
// logical units. These match the well-known NAA-format LUN values a guest
// sees over the virtio-scsi transport for the single-disk, single-optical
// configuration this monitor supports.
const (
	LUNOptical uint64 = 0x0100_4000_0000_0000
	LUNDisk    uint64 = 0x0100_4001_0000_0000
)

// HostSubsystem is the top-level SCSI target: it routes ExecuteCommand by
// LUN to at most one disk and one optical logical unit.
type HostSubsystem struct {
	disk    *BlockDevice
	optical *OpticalDevice
}

// NewHostSubsystem builds a subsystem from optional backing file paths.
// Either path may be empty, in which case that LU is absent and any command
// addressed to its LUN is answered with LOGICAL UNIT NOT SUPPORTED.
func NewHostSubsystem(diskPath, opticalPath string) (*HostSubsystem, error) {
	s := &HostSubsystem{}

	if diskPath != "" {
		d, err := OpenBlockDevice(diskPath, false)
		if err != nil {
			return nil, err
		}

		s.disk = d
	}

	if opticalPath != "" {
		o, err := OpenOpticalDevice(opticalPath)
		if err != nil {
			return nil, err
		}

		s.optical = o
	}

	return s, nil
}

func (s *HostSubsystem) ExecuteCommand(req *Cmd) (Result, error) {
	switch req.LUN {
	case LUNDisk:
		if s.disk == nil {
			return CheckCondition(SenseLogicalUnitNotSupported), nil
		}

		return s.disk.ExecuteCommand(req)
	case LUNOptical:
		if s.optical == nil {
			return CheckCondition(SenseLogicalUnitNotSupported), nil
		}

		return s.optical.ExecuteCommand(req)
	default:
		return CheckCondition(SenseLogicalUnitNotSupported), nil
	}
}
