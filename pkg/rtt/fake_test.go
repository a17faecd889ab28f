package rtt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// scriptedTransport replays a fixed list of reads. A nil entry is a
// zero-byte read.
type scriptedTransport struct {
	mu        sync.Mutex
	reads     [][]byte
	readErr   error
	drop      bool
	connected bool
	openErr   error
	opens     int
	closes    int
	written   [][]byte
}

func (s *scriptedTransport) Open(ctx context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.openErr != nil {
		return s.openErr
	}
	s.connected = true
	return nil
}

func (s *scriptedTransport) ReadAvailable(time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reads) == 0 {
		if s.drop {
			s.connected = false
		}
		if s.readErr != nil {
			err := s.readErr
			s.readErr = nil
			return nil, err
		}
		return nil, nil
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	if len(s.reads) == 0 && s.drop {
		s.connected = false
	}
	return r, nil
}

func (s *scriptedTransport) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.written = append(s.written, append([]byte(nil), p...))
	return nil
}

func (s *scriptedTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *scriptedTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.connected = false
	return nil
}

func (s *scriptedTransport) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// locatingTransport reports "not found" for the first failures queries.
type locatingTransport struct {
	scriptedTransport
	failures  int
	locateErr error
	calls     int
}

func (l *locatingTransport) LocateControlBlock() (ControlBlock, error) {
	l.calls++
	if l.locateErr != nil {
		return ControlBlock{}, l.locateErr
	}
	if l.calls <= l.failures {
		return ControlBlock{}, fmt.Errorf("query %d: %w", l.calls, ErrControlBlockNotFound)
	}
	return ControlBlock{Address: 0x20000800, UpBuffers: 3, DownBuffers: 1}, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ControlBlockInterval = time.Millisecond
	cfg.PollInterval = time.Millisecond
	cfg.ReadTimeout = 5 * time.Millisecond
	cfg.ToolVersion = "test"
	return cfg
}

// drainFramer pulls lines with TryNext until the sequence ends.
func drainFramer(f *LineFramer) []string {
	var lines []string
	for i := 0; i < 10000 && !f.Done(); i++ {
		if line, ok := f.TryNext(); ok {
			lines = append(lines, line)
		}
	}
	return lines
}
