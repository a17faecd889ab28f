package rtt

import (
	"context"
	"time"
)

// Transport is a duplex byte channel to a target's RTT console.
//
// ReadAvailable returns whatever arrived within timeout; an empty result
// means "try again", never end of stream. End of stream is reported by
// IsConnected turning false. Close is idempotent.
type Transport interface {
	Open(ctx context.Context, address string) error
	ReadAvailable(timeout time.Duration) ([]byte, error)
	Write(p []byte) error
	IsConnected() bool
	Close() error
}

// ControlBlock describes a located RTT control block.
type ControlBlock struct {
	Address     uint32
	UpBuffers   int
	DownBuffers int
}

// ControlBlockLocator is implemented by transports that must wait for the
// target to publish its RTT control block before data flows. Until then
// LocateControlBlock returns an error wrapping ErrControlBlockNotFound.
type ControlBlockLocator interface {
	LocateControlBlock() (ControlBlock, error)
}

// SessionReporter is implemented by transports that can describe the
// session for diagnostics.
type SessionReporter interface {
	SessionInfo() SessionInfo
}
