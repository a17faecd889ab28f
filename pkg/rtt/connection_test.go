package rtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionControlBlockFoundOnLastAttempt(t *testing.T) {
	tr := &locatingTransport{failures: 19}
	c := NewConnection(tr, testConfig(), logr.Discard())

	require.NoError(t, c.Open(context.Background(), "NRF52840_XXAA"))
	assert.Equal(t, Connected, c.State())
	assert.True(t, c.Connected())
	assert.Equal(t, 20, tr.calls)

	info := c.Info()
	assert.Equal(t, 3, info.UpBuffers)
	assert.Equal(t, 1, info.DownBuffers)
	assert.Equal(t, uint32(0x20000800), info.ControlBlockAddress)
	assert.NotNil(t, c.Lines())
}

func TestConnectionControlBlockTimeout(t *testing.T) {
	tr := &locatingTransport{failures: 20}
	c := NewConnection(tr, testConfig(), logr.Discard())

	err := c.Open(context.Background(), "NRF52840_XXAA")
	var timeout *ControlBlockTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, 20, timeout.Attempts)
	assert.Equal(t, time.Millisecond, timeout.Interval)
	assert.ErrorIs(t, err, ErrControlBlockNotFound)

	assert.Equal(t, 20, tr.calls)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, tr.closeCount())
	assert.False(t, c.Connected())
	assert.Nil(t, c.Lines())
}

func TestConnectionControlBlockOtherError(t *testing.T) {
	boom := errors.New("probe unplugged")
	tr := &locatingTransport{locateErr: boom}
	c := NewConnection(tr, testConfig(), logr.Discard())

	err := c.Open(context.Background(), "NRF52840_XXAA")
	assert.ErrorIs(t, err, boom)
	var timeout *ControlBlockTimeoutError
	assert.False(t, errors.As(err, &timeout))
	assert.Equal(t, 1, tr.calls)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, tr.closeCount())
}

func TestConnectionControlBlockCancelled(t *testing.T) {
	tr := &locatingTransport{failures: 1000}
	cfg := testConfig()
	cfg.ControlBlockAttempts = 1000
	cfg.ControlBlockInterval = 5 * time.Millisecond
	c := NewConnection(tr, cfg, logr.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Open(ctx, "NRF52840_XXAA")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Closed, c.State())
}

func TestConnectionRefused(t *testing.T) {
	refused := &RefusedError{Address: "localhost:19021", Hint: "start the server"}
	tr := &scriptedTransport{openErr: refused}
	c := NewConnection(tr, testConfig(), logr.Discard())

	err := c.Open(context.Background(), "localhost:19021")
	var re *RefusedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "start the server", re.Hint)
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, tr.closeCount())

	require.NoError(t, c.Close())
	assert.Equal(t, 1, tr.closeCount())
}

func TestConnectionSocketSkipsControlBlock(t *testing.T) {
	tr := &scriptedTransport{reads: chunks("hi\n"), drop: true}
	c := NewConnection(tr, testConfig(), logr.Discard())

	require.NoError(t, c.Open(context.Background(), "localhost:19021"))
	assert.Equal(t, Connected, c.State())
	assert.Equal(t, "test", c.Info().ToolVersion)
	assert.Equal(t, []string{"hi"}, drainFramer(c.Lines()))

	// The drop is observed and the connection closes itself.
	assert.False(t, c.Connected())
	assert.Equal(t, Closed, c.State())
	assert.Equal(t, 1, tr.closeCount())

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, tr.closeCount())
}

func TestConnectionAlreadyOpen(t *testing.T) {
	tr := &scriptedTransport{}
	c := NewConnection(tr, testConfig(), logr.Discard())

	require.NoError(t, c.Open(context.Background(), "x"))
	assert.ErrorIs(t, c.Open(context.Background(), "x"), ErrAlreadyOpen)
	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Open(context.Background(), "x"), ErrAlreadyOpen)
	assert.Equal(t, 1, tr.opens)
}

func TestConnectionSend(t *testing.T) {
	tr := &scriptedTransport{}
	c := NewConnection(tr, testConfig(), logr.Discard())

	assert.ErrorIs(t, c.Send([]byte("early")), ErrNotConnected)

	require.NoError(t, c.Open(context.Background(), "x"))
	require.NoError(t, c.Send([]byte("\t")))
	require.NoError(t, c.Send([]byte("reset")))
	assert.Equal(t, [][]byte{[]byte("\t\n"), []byte("reset\n")}, tr.written)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Send([]byte("late")), ErrNotConnected)
}

func TestConnectionInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.ControlBlockAttempts = 0
	tr := &scriptedTransport{}
	c := NewConnection(tr, cfg, logr.Discard())

	assert.Error(t, c.Open(context.Background(), "x"))
	assert.Equal(t, 0, tr.opens)
	assert.Equal(t, Closed, c.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingControlBlock", AwaitingControlBlock.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := map[string]func(*Config){
		"read timeout":  func(c *Config) { c.ReadTimeout = 0 },
		"poll interval": func(c *Config) { c.PollInterval = -1 },
		"attempts":      func(c *Config) { c.ControlBlockAttempts = 0 },
		"interval":      func(c *Config) { c.ControlBlockInterval = -time.Second },
		"max chunk":     func(c *Config) { c.MaxChunk = 0 },
		"dial timeout":  func(c *Config) { c.DialTimeout = 0 },
		"speed":         func(c *Config) { c.SpeedKHz = 0 },
	}
	for name, mutate := range tests {
		cfg := DefaultConfig()
		mutate(&cfg)
		assert.Error(t, cfg.Validate(), name)
	}
}
