package rtt

import (
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
)

// DefaultTelnetAddress is where J-Link GDB Server and J-Link RTT Logger
// serve RTT channel 0.
const DefaultTelnetAddress = "localhost:19021"

// Config holds the timing and sizing policy of a session.
type Config struct {
	// ReadTimeout bounds a single transport read.
	ReadTimeout time.Duration
	// PollInterval is the framer backoff between empty reads.
	PollInterval time.Duration

	// ControlBlockAttempts is the total number of control block queries
	// before giving up, spaced ControlBlockInterval apart.
	ControlBlockAttempts int
	ControlBlockInterval time.Duration

	// MaxChunk caps how many bytes are read from one up buffer at a time.
	MaxChunk int

	DialTimeout time.Duration
	// BannerWait bounds how long a telnet Open waits for the server
	// greeting before the session starts without it.
	BannerWait time.Duration
	SpeedKHz   int
	Interface   probe.Interface

	// ToolVersion is reported in SessionInfo.
	ToolVersion string
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:          10 * time.Millisecond,
		PollInterval:         10 * time.Millisecond,
		ControlBlockAttempts: 20,
		ControlBlockInterval: 100 * time.Millisecond,
		MaxChunk:             1024,
		DialTimeout:          5 * time.Second,
		BannerWait:           200 * time.Millisecond,
		SpeedKHz:             4000,
		Interface:            probe.InterfaceSWD,
		ToolVersion:          "dev",
	}
}

// Validate rejects settings the lifecycle cannot work with.
func (c Config) Validate() error {
	switch {
	case c.ReadTimeout <= 0:
		return fmt.Errorf("read timeout must be positive, got %v", c.ReadTimeout)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %v", c.PollInterval)
	case c.ControlBlockAttempts < 1:
		return fmt.Errorf("control block attempts must be at least 1, got %d", c.ControlBlockAttempts)
	case c.ControlBlockInterval < 0:
		return fmt.Errorf("control block interval must not be negative, got %v", c.ControlBlockInterval)
	case c.MaxChunk < 1:
		return fmt.Errorf("max chunk must be at least 1, got %d", c.MaxChunk)
	case c.DialTimeout <= 0:
		return fmt.Errorf("dial timeout must be positive, got %v", c.DialTimeout)
	case c.BannerWait < 0:
		return fmt.Errorf("banner wait must not be negative, got %v", c.BannerWait)
	case c.SpeedKHz <= 0:
		return fmt.Errorf("speed must be positive, got %d kHz", c.SpeedKHz)
	}
	return nil
}
