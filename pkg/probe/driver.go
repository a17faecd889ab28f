package probe

import (
	"errors"
	"fmt"
	"strings"
)

// DriverVersion is reported as ProbeInfo.DriverVersion by the drivers in
// this package.
const DriverVersion = "0.4.0"

// Interface selects the target debug interface.
type Interface int

const (
	InterfaceSWD Interface = iota
	InterfaceJTAG
)

func (i Interface) String() string {
	switch i {
	case InterfaceSWD:
		return "SWD"
	case InterfaceJTAG:
		return "JTAG"
	default:
		return fmt.Sprintf("Interface(%d)", int(i))
	}
}

// ParseInterface accepts "swd" or "jtag" in any case.
func ParseInterface(s string) (Interface, error) {
	switch strings.ToLower(s) {
	case "swd", "":
		return InterfaceSWD, nil
	case "jtag":
		return InterfaceJTAG, nil
	}
	return 0, fmt.Errorf("probe: unknown interface %q (supported: swd, jtag)", s)
}

// Endian describes the target data endianness.
type Endian int

const (
	EndianLittle Endian = iota
	EndianBig
	EndianUnknown
)

func (e Endian) String() string {
	switch e {
	case EndianLittle:
		return "Little"
	case EndianBig:
		return "Big"
	default:
		return "Unknown"
	}
}

// ProbeInfo describes the probe and the software talking to it.
type ProbeInfo struct {
	Name             string
	Vendor           string
	Model            string
	SerialNumber     string
	Firmware         string
	FirmwareOutdated bool
	DriverVersion    string
}

// CoreInfo describes the connected target core.
type CoreInfo struct {
	Name       string // "Cortex-M4"
	Designer   string // DP designer, e.g. "ARM Ltd"
	Endian     Endian
	SpeedKHz   int // interface clock
	CPUSpeedHz int // 0 when the probe cannot measure it
}

// DeviceInfo is one entry of the supported device catalog.
type DeviceInfo struct {
	Name         string
	Manufacturer string
	Core         string
	FlashSize    uint32
	RAMSize      uint32
	RAMBase      uint32
}

// Driver is the probe capability surface the RTT core depends on. It is
// modelled on the J-Link SDK calls the viewer needs; SimDriver and DAPDriver
// implement it without the vendor library.
type Driver interface {
	Open() error
	Close() error
	Info() (ProbeInfo, error)

	NumSupportedDevices() int
	SupportedDevice(index int) (DeviceInfo, error)

	SetInterface(kind Interface) error
	Connect(device string, speedKHz int) error
	CoreInfo() (CoreInfo, error)
	TargetConnected() bool

	RTTStart() error
	RTTStop() error
	// RTTBufferCounts returns ErrControlBlockNotFound until the target
	// firmware has published its control block.
	RTTBufferCounts() (up, down int, err error)
	RTTRead(index, max int) ([]byte, error)
	RTTWrite(index int, p []byte) (int, error)
}

// ControlBlockReporter is implemented by drivers that locate the control
// block themselves and can report where it is.
type ControlBlockReporter interface {
	ControlBlock() (ControlBlock, bool)
}

var (
	// ErrNotImplemented lets drivers signal that a capability is not available.
	ErrNotImplemented = errors.New("probe: not implemented")
	// ErrControlBlockNotFound means the RTT control block is not (yet) in target RAM.
	ErrControlBlockNotFound = errors.New("probe: RTT control block has not yet been found")
	// ErrNotConnected is returned by target operations before Connect succeeds.
	ErrNotConnected = errors.New("probe: target not connected")
	// ErrNoProbe is returned by Open when no probe hardware answers.
	ErrNoProbe = errors.New("probe: no probe found")
	// ErrUnknownDevice is returned by Connect for names outside the catalog.
	ErrUnknownDevice = errors.New("probe: unknown device")
)
