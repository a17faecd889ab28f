package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const (
	// Raspberry Pi Debug Probe / picoprobe CMSIS-DAP firmware
	VendorIDRaspberryPi = 0x2E8A
	ProductIDCMSISDAP   = 0x000C

	// SEGGER J-Link
	VendorIDSegger = 0x1366

	// Default packet size for CMSIS-DAP v1/v2
	DefaultPacketSize = 64
	DefaultTimeout    = time.Second
)

// USBTransport moves CMSIS-DAP command and response packets over the probe's
// vendor-class bulk endpoints.
type USBTransport struct {
	ctx  *gousb.Context
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface

	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint

	packetSize int
	timeout    time.Duration
}

// NewUSBTransport opens the first device matching vid:pid. ErrNoProbe is
// returned when nothing matches.
func NewUSBTransport(vid, pid uint16) (*USBTransport, error) {
	ctx := gousb.NewContext()

	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("USB error: %w", err)
	}
	if dev == nil {
		ctx.Close()
		return nil, fmt.Errorf("%w (VID:0x%04X PID:0x%04X)", ErrNoProbe, vid, pid)
	}

	// Not supported on every platform; claiming reports the real problem.
	_ = dev.SetAutoDetach(true)

	t := &USBTransport{
		ctx:        ctx,
		dev:        dev,
		packetSize: DefaultPacketSize,
		timeout:    DefaultTimeout,
	}

	if err := t.claimInterface(); err != nil {
		t.Close()
		return nil, err
	}

	return t, nil
}

// claimInterface finds and claims the CMSIS-DAP vendor interface
func (t *USBTransport) claimInterface() error {
	cfg, err := t.dev.Config(1)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}
	t.cfg = cfg

	// CMSIS-DAP v2 uses a vendor-specific class (0xFF) with bulk endpoints.
	vendorIntfNum := -1
	for _, intf := range cfg.Desc.Interfaces {
		if len(intf.AltSettings) > 0 && intf.AltSettings[0].Class == gousb.ClassVendorSpec {
			vendorIntfNum = intf.Number
			break
		}
	}
	if vendorIntfNum == -1 {
		vendorIntfNum = 0
	}

	intf, err := cfg.Interface(vendorIntfNum, 0)
	if err != nil {
		return fmt.Errorf("failed to claim interface %d: %w", vendorIntfNum, err)
	}
	t.intf = intf

	return t.findEndpoints()
}

// findEndpoints discovers the bulk IN and OUT endpoints
func (t *USBTransport) findEndpoints() error {
	var outAddr, inAddr int
	for _, ep := range t.intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		switch {
		case ep.Direction == gousb.EndpointDirectionOut && outAddr == 0:
			outAddr = ep.Number
		case ep.Direction == gousb.EndpointDirectionIn && inAddr == 0:
			inAddr = ep.Number
			t.packetSize = ep.MaxPacketSize
		}
	}

	if outAddr == 0 {
		return fmt.Errorf("bulk OUT endpoint not found")
	}
	if inAddr == 0 {
		return fmt.Errorf("bulk IN endpoint not found")
	}

	epOut, err := t.intf.OutEndpoint(outAddr)
	if err != nil {
		return fmt.Errorf("failed to open OUT endpoint: %w", err)
	}
	t.epOut = epOut

	epIn, err := t.intf.InEndpoint(inAddr)
	if err != nil {
		return fmt.Errorf("failed to open IN endpoint: %w", err)
	}
	t.epIn = epIn

	return nil
}

// Write sends a command packet to the probe
func (t *USBTransport) Write(data []byte) (int, error) {
	if len(data) > t.packetSize {
		return 0, fmt.Errorf("command of %d bytes exceeds packet size %d", len(data), t.packetSize)
	}
	// CMSIS-DAP packets are fixed size, pad if necessary
	packet := make([]byte, t.packetSize)
	copy(packet, data)

	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	n, err := t.epOut.WriteContext(ctx, packet)
	if err != nil {
		return 0, fmt.Errorf("USB write failed: %w", err)
	}
	return n, nil
}

// Read receives a response packet from the probe
func (t *USBTransport) Read(data []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	n, err := t.epIn.ReadContext(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("USB read failed: %w", err)
	}
	return n, nil
}

// WriteRead performs a command/response transaction
func (t *USBTransport) WriteRead(cmd []byte) ([]byte, error) {
	if _, err := t.Write(cmd); err != nil {
		return nil, err
	}

	resp := make([]byte, t.packetSize)
	n, err := t.Read(resp)
	if err != nil {
		return nil, err
	}
	return resp[:n], nil
}

// PacketSize returns the negotiated packet size
func (t *USBTransport) PacketSize() int {
	return t.packetSize
}

// SetTimeout sets the read/write timeout
func (t *USBTransport) SetTimeout(timeout time.Duration) {
	t.timeout = timeout
}

// SerialNumber returns the USB iSerial string, if any.
func (t *USBTransport) SerialNumber() string {
	if t.dev == nil {
		return ""
	}
	s, _ := t.dev.SerialNumber()
	return s
}

// Close releases USB resources. Safe to call more than once.
func (t *USBTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
		t.intf = nil
	}
	if t.cfg != nil {
		t.cfg.Close()
		t.cfg = nil
	}
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
	}
	if t.ctx != nil {
		t.ctx.Close()
		t.ctx = nil
	}
	return nil
}

// Kind categorizes probe families.
type Kind string

const (
	KindCMSISDAP Kind = "cmsis-dap"
	KindJLink    Kind = "j-link"
	KindSim      Kind = "simulator"
)

// ProbeEntry describes a probe detected on the host.
type ProbeEntry struct {
	Kind         Kind
	Description  string
	VendorID     uint16
	ProductID    uint16
	SerialNumber string
}

// Label returns a user-friendly description for the probe.
func (p ProbeEntry) Label() string {
	if p.Description != "" {
		return p.Description
	}
	return fmt.Sprintf("%s (%04X:%04X)", string(p.Kind), p.VendorID, p.ProductID)
}

type knownUSBDevice struct {
	Kind        Kind
	VendorID    uint16
	ProductID   uint16
	Description string
}

var knownProbes = []knownUSBDevice{
	{KindCMSISDAP, VendorIDRaspberryPi, ProductIDCMSISDAP, "Raspberry Pi Debug Probe (CMSIS-DAP)"},
	{KindCMSISDAP, 0x0d28, 0x0204, "DAPLink CMSIS-DAP"},
	{KindCMSISDAP, 0x1fc9, 0x0143, "NXP MCU-Link CMSIS-DAP"},
	{KindCMSISDAP, VendorIDSegger, 0x1008, "SEGGER J-Link OB (CMSIS-DAP)"},
	{KindJLink, VendorIDSegger, 0x0101, "SEGGER J-Link"},
	{KindJLink, VendorIDSegger, 0x0105, "SEGGER J-Link (CDC)"},
	{KindJLink, VendorIDSegger, 0x1015, "SEGGER J-Link OB"},
	{KindJLink, VendorIDSegger, 0x1051, "SEGGER J-Link (WinUSB)"},
}

func classifyUSBDevice(desc *gousb.DeviceDesc) (ProbeEntry, bool) {
	for _, known := range knownProbes {
		if uint16(desc.Vendor) == known.VendorID && uint16(desc.Product) == known.ProductID {
			return ProbeEntry{
				Kind:        known.Kind,
				Description: known.Description,
				VendorID:    known.VendorID,
				ProductID:   known.ProductID,
			}, true
		}
	}
	return ProbeEntry{}, false
}

// DiscoverProbes enumerates connected debug probes that match known VID/PID
// pairs. It always returns the simulator entry last so the viewer can be
// exercised without hardware.
func DiscoverProbes(ctx context.Context) ([]ProbeEntry, error) {
	var results []ProbeEntry
	usb := gousb.NewContext()
	defer usb.Close()

	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		_, ok := classifyUSBDevice(desc)
		return ok
	})
	for _, dev := range devs {
		if entry, ok := classifyUSBDevice(dev.Desc); ok {
			entry.SerialNumber, _ = dev.SerialNumber()
			results = append(results, entry)
		}
		dev.Close()
	}
	if err != nil && !errors.Is(err, gousb.ErrorAccess) {
		return results, err
	}

	results = append(results, ProbeEntry{
		Kind:        KindSim,
		Description: "Simulator (no hardware)",
	})
	return results, nil
}
