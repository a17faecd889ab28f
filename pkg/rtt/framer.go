package rtt

import (
	"bytes"
	"context"
	"time"
	"unicode/utf8"

	"github.com/go-logr/logr"
	"golang.org/x/text/encoding/unicode"
)

// LineFramer turns the byte stream of one transport session into complete
// lines. Lines are split on '\n' with one trailing '\r' removed. The
// newline-less tail is held back until it is completed and is discarded
// when the transport disconnects.
//
// A LineFramer is bound to a single session and cannot be restarted.
type LineFramer struct {
	transport    Transport
	readTimeout  time.Duration
	pollInterval time.Duration
	log          logr.Logger

	buf     []byte
	pending []string
	done    bool
	err     error
}

// NewLineFramer creates a framer reading from t with the timing of cfg.
func NewLineFramer(t Transport, cfg Config, log logr.Logger) *LineFramer {
	return &LineFramer{
		transport:    t,
		readTimeout:  cfg.ReadTimeout,
		pollInterval: cfg.PollInterval,
		log:          log,
	}
}

// TryNext returns the next line if one is available after at most one
// transport read.
func (f *LineFramer) TryNext() (string, bool) {
	if line, ok := f.pop(); ok {
		return line, true
	}
	if f.done {
		return "", false
	}
	if !f.transport.IsConnected() {
		f.finish()
		return "", false
	}

	data, err := f.transport.ReadAvailable(f.readTimeout)
	if len(data) > 0 {
		f.feed(data)
	}
	if err != nil {
		f.log.Error(err, "transport read failed, ending line sequence")
		f.finish()
		f.err = err
	}
	return f.pop()
}

// Next blocks until a line is available, the sequence ends or ctx is
// cancelled. Empty reads are retried after the poll interval.
func (f *LineFramer) Next(ctx context.Context) (string, bool) {
	for {
		if line, ok := f.TryNext(); ok {
			return line, true
		}
		if f.Done() {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(f.pollInterval):
		}
	}
}

// Done reports whether the sequence has ended and every line was returned.
func (f *LineFramer) Done() bool {
	return f.done && len(f.pending) == 0
}

// Err returns the most recent read or decode error. Decode errors do not
// end the sequence.
func (f *LineFramer) Err() error {
	return f.err
}

func (f *LineFramer) pop() (string, bool) {
	if len(f.pending) == 0 {
		return "", false
	}
	line := f.pending[0]
	f.pending[0] = ""
	f.pending = f.pending[1:]
	return line, true
}

// feed appends data and moves every completed line to pending. '\n' never
// occurs inside a multi-byte UTF-8 sequence, so splitting bytes is safe
// whatever the read boundaries were.
func (f *LineFramer) feed(data []byte) {
	f.buf = append(f.buf, data...)

	rest := f.buf
	for {
		i := bytes.IndexByte(rest, '\n')
		if i < 0 {
			break
		}
		seg := bytes.TrimSuffix(rest[:i], []byte{'\r'})
		f.pending = append(f.pending, f.decode(seg))
		rest = rest[i+1:]
	}
	f.buf = append(f.buf[:0], rest...)
}

func (f *LineFramer) decode(seg []byte) string {
	if utf8.Valid(seg) {
		return string(seg)
	}
	err := &DecodeError{Bytes: bytes.Clone(seg)}
	f.err = err
	f.log.Info("replacing invalid UTF-8 in line", "error", err.Error())

	out, terr := unicode.UTF8.NewDecoder().Bytes(seg)
	if terr != nil {
		return string(bytes.ToValidUTF8(seg, []byte(string(utf8.RuneError))))
	}
	return string(out)
}

func (f *LineFramer) finish() {
	f.done = true
	if len(f.buf) == 0 {
		return
	}
	if !utf8.Valid(f.buf) {
		err := &DecodeError{Bytes: bytes.Clone(f.buf), Trailing: true}
		f.err = err
		f.log.Info("discarding undecodable trailing bytes", "error", err.Error())
	} else {
		f.log.V(1).Info("discarding unterminated trailing fragment", "bytes", len(f.buf))
	}
	f.buf = nil
}
