package rtt

import (
	"context"
	"errors"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
)

// Connection drives one transport through bring-up, steady state and
// teardown:
//
//	Disconnected -> Connecting -> [AwaitingControlBlock ->] Connected -> Closed
//
// Every failed bring-up closes the transport before the error is returned.
type Connection struct {
	transport Transport
	cfg       Config
	log       logr.Logger

	mu     sync.Mutex
	state  State
	framer *LineFramer
	info   SessionInfo
}

func NewConnection(t Transport, cfg Config, log logr.Logger) *Connection {
	return &Connection{transport: t, cfg: cfg, log: log}
}

// Open brings the transport up. Transports implementing ControlBlockLocator
// are polled until the control block shows up or the attempt budget is
// spent, which yields a *ControlBlockTimeoutError.
func (c *Connection) Open(ctx context.Context, address string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Disconnected {
		return ErrAlreadyOpen
	}
	if err := c.cfg.Validate(); err != nil {
		c.state = Closed
		return err
	}

	c.setState(Connecting)
	if err := c.transport.Open(ctx, address); err != nil {
		c.closeLocked()
		return err
	}

	var cb ControlBlock
	if loc, ok := c.transport.(ControlBlockLocator); ok {
		c.setState(AwaitingControlBlock)
		var err error
		cb, err = c.awaitControlBlock(ctx, loc)
		if err != nil {
			c.closeLocked()
			return err
		}
	}

	c.info = SessionInfo{ToolVersion: c.cfg.ToolVersion, Address: address}
	if r, ok := c.transport.(SessionReporter); ok {
		c.info = r.SessionInfo()
	}
	if cb.UpBuffers > 0 {
		c.info.UpBuffers = cb.UpBuffers
		c.info.DownBuffers = cb.DownBuffers
		c.info.ControlBlockAddress = cb.Address
	}

	c.framer = NewLineFramer(c.transport, c.cfg, c.log)
	c.setState(Connected)
	return nil
}

func (c *Connection) awaitControlBlock(ctx context.Context, loc ControlBlockLocator) (ControlBlock, error) {
	var (
		cb       ControlBlock
		attempts int
	)
	op := func() error {
		attempts++
		found, err := loc.LocateControlBlock()
		if err == nil {
			cb = found
			return nil
		}
		if errors.Is(err, ErrControlBlockNotFound) {
			c.log.V(1).Info("control block not found yet", "attempt", attempts)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.cfg.ControlBlockInterval),
			uint64(c.cfg.ControlBlockAttempts-1),
		),
		ctx,
	)
	err := backoff.Retry(op, b)
	if err == nil {
		c.log.V(1).Info("control block found", "attempts", attempts, "up", cb.UpBuffers, "down", cb.DownBuffers)
		return cb, nil
	}
	if errors.Is(err, ErrControlBlockNotFound) && ctx.Err() == nil {
		return ControlBlock{}, &ControlBlockTimeoutError{
			Attempts: attempts,
			Interval: c.cfg.ControlBlockInterval,
			Err:      err,
		}
	}
	return ControlBlock{}, err
}

func (c *Connection) setState(s State) {
	if c.state != s {
		c.log.V(1).Info("connection state", "from", c.state.String(), "to", s.String())
	}
	c.state = s
}

// Lines returns the line sequence of the current session, nil before Open
// succeeded.
func (c *Connection) Lines() *LineFramer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framer
}

// Connected reports whether the session is live. Observing a dropped
// transport closes the connection.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Connected {
		return false
	}
	if !c.transport.IsConnected() {
		c.closeLocked()
		return false
	}
	return true
}

// Info returns the snapshot taken when the connection came up.
func (c *Connection) Info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send writes cmd followed by a single '\n'.
func (c *Connection) Send(cmd []byte) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != Connected {
		return ErrNotConnected
	}
	msg := make([]byte, 0, len(cmd)+1)
	msg = append(msg, cmd...)
	msg = append(msg, '\n')
	return c.transport.Write(msg)
}

// Close tears the session down. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Connection) closeLocked() error {
	if c.state == Closed {
		return nil
	}
	err := c.transport.Close()
	c.setState(Closed)
	return err
}
