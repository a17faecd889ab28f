package rtt

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrControlBlockNotFound is the "not ready yet" answer of a
	// ControlBlockLocator. The lifecycle retries on it.
	ErrControlBlockNotFound = errors.New("rtt: control block has not yet been found")
	// ErrAlreadyOpen is returned by Connection.Open after the first call.
	ErrAlreadyOpen = errors.New("rtt: connection already opened")
	// ErrNotConnected is returned for I/O on a transport or connection that
	// is not connected.
	ErrNotConnected = errors.New("rtt: not connected")
	// ErrTransportReset marks a peer reset. It never leaves a transport; the
	// transport reports IsConnected() == false instead.
	ErrTransportReset = errors.New("rtt: transport reset by peer")
)

// RefusedError reports that nothing is serving RTT at Address.
type RefusedError struct {
	Address string
	Hint    string
	Err     error
}

func (e *RefusedError) Error() string {
	msg := fmt.Sprintf("rtt: connection to %s refused", e.Address)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *RefusedError) Unwrap() error { return e.Err }

// ControlBlockTimeoutError reports that the target never published its RTT
// control block.
type ControlBlockTimeoutError struct {
	Attempts int
	Interval time.Duration
	Err      error
}

func (e *ControlBlockTimeoutError) Error() string {
	return fmt.Sprintf("rtt: control block not found after %d attempts %v apart; is RTT initialized by the firmware?",
		e.Attempts, e.Interval)
}

func (e *ControlBlockTimeoutError) Unwrap() error { return e.Err }

// DecodeError reports bytes that are not valid UTF-8. They were replaced
// with U+FFFD in the emitted line, or dropped with the trailing fragment
// when Trailing is set.
type DecodeError struct {
	Bytes    []byte
	Trailing bool
}

func (e *DecodeError) Error() string {
	if e.Trailing {
		return fmt.Sprintf("rtt: discarded undecodable trailing bytes % X", e.Bytes)
	}
	return fmt.Sprintf("rtt: invalid UTF-8 in line (% X)", e.Bytes)
}
