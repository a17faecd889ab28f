package rtt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-logr/logr"
)

const telnetReadSize = 4096

// TelnetTransport reads RTT channel 0 from a J-Link telnet RTT server.
type TelnetTransport struct {
	dialTimeout time.Duration
	bannerWait  time.Duration
	toolVersion string
	log         logr.Logger

	mu        sync.Mutex
	conn      net.Conn
	address   string
	connected atomic.Bool
	banner    bannerStripper
	buf       []byte
	// data read past the banner while Open waited for it
	pending []byte
}

func NewTelnetTransport(cfg Config, log logr.Logger) *TelnetTransport {
	return &TelnetTransport{
		dialTimeout: cfg.DialTimeout,
		bannerWait:  cfg.BannerWait,
		toolVersion: cfg.ToolVersion,
		log:         log,
		buf:         make([]byte, telnetReadSize),
	}
}

// Open dials address, DefaultTelnetAddress when empty, and waits up to
// BannerWait for the server greeting so SessionInfo can report it.
func (t *TelnetTransport) Open(ctx context.Context, address string) error {
	if address == "" {
		address = DefaultTelnetAddress
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return ErrAlreadyOpen
	}

	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return &RefusedError{
				Address: address,
				Hint:    "start JLinkGDBServer or JLinkRTTLogger for the target so that it serves RTT on " + address,
				Err:     err,
			}
		}
		return fmt.Errorf("rtt: dial %s: %w", address, err)
	}

	t.conn = conn
	t.address = address
	t.banner = bannerStripper{}
	t.pending = nil
	t.connected.Store(true)
	t.log.V(1).Info("telnet connected", "address", address)

	t.awaitBanner(ctx)
	return nil
}

// awaitBanner reads until the greeting is over or the wait expires. Stream
// data that arrives with the banner is kept for ReadAvailable; read errors
// are left for ReadAvailable to observe again.
func (t *TelnetTransport) awaitBanner(ctx context.Context) {
	if t.bannerWait <= 0 {
		return
	}
	deadline := time.Now().Add(t.bannerWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for !t.banner.Done() && ctx.Err() == nil {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return
		}
		n, err := t.conn.Read(t.buf)
		if n > 0 {
			t.pending = append(t.pending, t.banner.Feed(bytes.Clone(t.buf[:n]))...)
		}
		if err != nil {
			break
		}
	}
	if b, ok := t.banner.Banner(); ok {
		t.log.V(1).Info("telnet banner", "version", b.Version, "serial", b.Serial, "process", b.ProcessName)
	}
}

// ReadAvailable waits up to timeout for bytes. EOF and resets end the
// session quietly.
func (t *TelnetTransport) ReadAvailable(timeout time.Duration) ([]byte, error) {
	conn, pending := t.takePending()
	if len(pending) > 0 {
		return pending, nil
	}
	if conn == nil || !t.connected.Load() {
		return nil, nil
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.markReset(err)
		return nil, nil
	}
	n, err := conn.Read(t.buf)

	var data []byte
	if n > 0 {
		data = t.banner.Feed(bytes.Clone(t.buf[:n]))
	}

	switch {
	case err == nil:
	case errors.Is(err, os.ErrDeadlineExceeded):
	case errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNRESET), errors.Is(err, net.ErrClosed):
		t.markReset(err)
	default:
		t.connected.Store(false)
		return data, fmt.Errorf("rtt: read from %s: %w", t.address, err)
	}
	return data, nil
}

func (t *TelnetTransport) markReset(cause error) {
	if t.connected.Swap(false) {
		t.log.V(1).Info("telnet session ended", "address", t.address, "reason", fmt.Errorf("%w: %w", ErrTransportReset, cause).Error())
	}
}

func (t *TelnetTransport) takePending() (net.Conn, []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending
	t.pending = nil
	return t.conn, p
}

func (t *TelnetTransport) current() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *TelnetTransport) Write(p []byte) error {
	conn := t.current()
	if conn == nil || !t.connected.Load() {
		return ErrNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.dialTimeout)); err != nil {
		return err
	}
	if _, err := conn.Write(p); err != nil {
		return fmt.Errorf("rtt: write to %s: %w", t.address, err)
	}
	return nil
}

func (t *TelnetTransport) IsConnected() bool {
	return t.connected.Load()
}

// Close shuts the socket. It is safe to call repeatedly.
func (t *TelnetTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.connected.Store(false)
	t.pending = nil
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Banner returns the server greeting, if one was received.
func (t *TelnetTransport) Banner() (Banner, bool) {
	return t.banner.Banner()
}

func (t *TelnetTransport) SessionInfo() SessionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, _ := t.banner.Banner()
	return SessionInfo{
		Transport:     "telnet",
		Address:       t.address,
		ToolVersion:   t.toolVersion,
		ProbeModel:    b.Hardware,
		ProbeSerial:   b.Serial,
		ServerVersion: b.Version,
		ProcessName:   b.ProcessName,
		UpBuffers:     1,
		DownBuffers:   1,
	}
}
