package rtt

import (
	"fmt"
	"strings"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
)

// SessionInfo is a snapshot taken when a connection reaches Connected. It is
// informational only.
type SessionInfo struct {
	Transport string // "telnet" or "probe"
	Address   string

	ToolVersion   string
	DriverVersion string

	ProbeName        string
	ProbeModel       string
	ProbeFirmware    string
	ProbeSerial      string
	FirmwareOutdated bool

	Device     string
	Core       string
	Designer   string
	SpeedKHz   int
	CPUSpeedHz int
	Endian     probe.Endian

	UpBuffers           int
	DownBuffers         int
	ControlBlockAddress uint32

	// Telnet banner fields
	ServerVersion string
	ProcessName   string
}

// Summary renders the snapshot as human readable lines.
func (s SessionInfo) Summary() []string {
	var lines []string
	switch s.Transport {
	case "telnet":
		server := "RTT server"
		if s.ServerVersion != "" {
			server = "J-Link " + s.ServerVersion + " RTT server"
		}
		lines = append(lines, fmt.Sprintf("Connected to %s at %s", server, s.Address))
		if s.ProbeModel != "" || s.ProbeSerial != "" {
			lines = append(lines, fmt.Sprintf("Probe: J-Link %s, SN=%s", s.ProbeModel, s.ProbeSerial))
		}
		if s.ProcessName != "" {
			lines = append(lines, "Process: "+s.ProcessName)
		}
	default:
		fw := s.ProbeFirmware
		if s.FirmwareOutdated {
			fw += " (outdated)"
		}
		lines = append(lines, fmt.Sprintf("Using rtt %s with driver v%s on %s running FW %s",
			s.ToolVersion, s.DriverVersion, s.ProbeName, fw))
		if s.ProbeSerial != "" {
			lines = append(lines, "Probe serial number: "+s.ProbeSerial)
		}

		var b strings.Builder
		fmt.Fprintf(&b, "RTT (using %d RX buffers at %d kHz) connected to %s-Endian %s",
			s.UpBuffers, s.SpeedKHz, s.Endian, s.Core)
		if s.Device != "" {
			fmt.Fprintf(&b, " on %s", s.Device)
		}
		if s.CPUSpeedHz > 0 {
			fmt.Fprintf(&b, " running at %.3f MHz", float64(s.CPUSpeedHz)/1e6)
		}
		lines = append(lines, b.String())
		if s.Designer != "" {
			lines = append(lines, "Debug port designer: "+s.Designer)
		}
		if s.ControlBlockAddress != 0 {
			lines = append(lines, fmt.Sprintf("RTT control block at 0x%08X", s.ControlBlockAddress))
		}
	}
	return lines
}
