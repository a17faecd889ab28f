package rtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
)

// ProbeTransport reads RTT through a debug probe driver. The address passed
// to Open is the target device name.
type ProbeTransport struct {
	driver probe.Driver
	cfg    Config
	log    logr.Logger

	opened  bool
	started bool
	device  string
	cb      ControlBlock
}

func NewProbeTransport(driver probe.Driver, cfg Config, log logr.Logger) *ProbeTransport {
	return &ProbeTransport{driver: driver, cfg: cfg, log: log}
}

// Open opens the probe, connects to device and starts RTT. Any failure
// leaves the probe closed.
func (t *ProbeTransport) Open(ctx context.Context, device string) error {
	if device == "" {
		return errors.New("rtt: no target device given")
	}
	if t.started {
		return ErrAlreadyOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !t.opened {
		if err := t.driver.Open(); err != nil {
			if errors.Is(err, probe.ErrNoProbe) {
				return &RefusedError{
					Address: "USB",
					Hint:    "connect a J-Link or CMSIS-DAP probe, or run with --driver simulator",
					Err:     err,
				}
			}
			return fmt.Errorf("rtt: open probe: %w", err)
		}
		t.opened = true
	}

	if err := t.driver.SetInterface(t.cfg.Interface); err != nil {
		t.Close()
		return fmt.Errorf("rtt: select %s interface: %w", t.cfg.Interface, err)
	}
	if err := t.driver.Connect(device, t.cfg.SpeedKHz); err != nil {
		t.Close()
		return fmt.Errorf("rtt: connect to %s: %w", device, err)
	}
	if err := t.driver.RTTStart(); err != nil {
		t.Close()
		return fmt.Errorf("rtt: start: %w", err)
	}

	t.device = device
	t.started = true
	t.cb = ControlBlock{}
	t.log.V(1).Info("probe connected", "device", device, "speedKHz", t.cfg.SpeedKHz, "interface", t.cfg.Interface)
	return nil
}

// LocateControlBlock asks the driver whether the firmware has published
// its control block yet.
func (t *ProbeTransport) LocateControlBlock() (ControlBlock, error) {
	if !t.started {
		return ControlBlock{}, ErrNotConnected
	}
	up, down, err := t.driver.RTTBufferCounts()
	if err != nil {
		if errors.Is(err, probe.ErrControlBlockNotFound) {
			return ControlBlock{}, fmt.Errorf("%w: %w", ErrControlBlockNotFound, err)
		}
		return ControlBlock{}, err
	}

	t.cb = ControlBlock{UpBuffers: up, DownBuffers: down}
	if r, ok := t.driver.(probe.ControlBlockReporter); ok {
		if cb, ok := r.ControlBlock(); ok {
			t.cb.Address = cb.Address
		}
	}
	return t.cb, nil
}

// ReadAvailable polls the up buffers in index order and returns the first
// non-empty chunk. It does not wait; the caller paces empty polls.
func (t *ProbeTransport) ReadAvailable(time.Duration) ([]byte, error) {
	if !t.started {
		return nil, nil
	}
	for i := 0; i < t.cb.UpBuffers; i++ {
		data, err := t.driver.RTTRead(i, t.cfg.MaxChunk)
		if err != nil {
			return nil, fmt.Errorf("rtt: read up buffer %d: %w", i, err)
		}
		if len(data) > 0 {
			return data, nil
		}
	}
	return nil, nil
}

// Write puts p into down buffer 0. Bytes that do not fit are dropped and
// reported.
func (t *ProbeTransport) Write(p []byte) error {
	if !t.started {
		return ErrNotConnected
	}
	for len(p) > 0 {
		n, err := t.driver.RTTWrite(0, p)
		if err != nil {
			return fmt.Errorf("rtt: write down buffer 0: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("rtt: down buffer 0 full, dropped %d bytes", len(p))
		}
		p = p[n:]
	}
	return nil
}

func (t *ProbeTransport) IsConnected() bool {
	return t.started && t.driver.TargetConnected()
}

// Close stops RTT and closes the probe, ignoring driver errors.
func (t *ProbeTransport) Close() error {
	if t.started {
		if err := t.driver.RTTStop(); err != nil {
			t.log.V(1).Info("rtt stop failed", "error", err.Error())
		}
		t.started = false
	}
	if t.opened {
		if err := t.driver.Close(); err != nil {
			t.log.V(1).Info("probe close failed", "error", err.Error())
		}
		t.opened = false
	}
	return nil
}

func (t *ProbeTransport) SessionInfo() SessionInfo {
	info := SessionInfo{
		Transport:           "probe",
		Address:             t.device,
		ToolVersion:         t.cfg.ToolVersion,
		Device:              t.device,
		SpeedKHz:            t.cfg.SpeedKHz,
		Endian:              probe.EndianUnknown,
		UpBuffers:           t.cb.UpBuffers,
		DownBuffers:         t.cb.DownBuffers,
		ControlBlockAddress: t.cb.Address,
	}
	if p, err := t.driver.Info(); err == nil {
		info.DriverVersion = p.DriverVersion
		info.ProbeName = p.Name
		info.ProbeModel = p.Model
		info.ProbeFirmware = p.Firmware
		info.ProbeSerial = p.SerialNumber
		info.FirmwareOutdated = p.FirmwareOutdated
	}
	if c, err := t.driver.CoreInfo(); err == nil {
		info.Core = c.Name
		info.Designer = c.Designer
		info.Endian = c.Endian
		info.CPUSpeedHz = c.CPUSpeedHz
		if c.SpeedKHz > 0 {
			info.SpeedKHz = c.SpeedKHz
		}
	}
	return info
}
