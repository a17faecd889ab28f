package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"1", zapcore.Level(-1), false},
		{"4", zapcore.Level(-4), false},
		{"0", zapcore.InfoLevel, true},
		{"-2", zapcore.InfoLevel, true},
		{"loud", zapcore.InfoLevel, true},
	}
	for _, tt := range tests {
		got, err := StringToLevel(tt.in, zapcore.InfoLevel)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestVerbosityFlag(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("rtt", &buf)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)

	log.V(1).Info("hidden")
	assert.NotContains(t, buf.String(), "hidden")

	require.NoError(t, fs.Parse([]string{"-v", "debug"}))
	assert.Equal(t, zapcore.DebugLevel, log.Level())
	log.V(1).Info("shown", "channel", 0)
	log.Flush()
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "rtt")

	assert.Error(t, fs.Parse([]string{"--verbosity", "nope"}))
}

func TestErrorLevelHidesInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("rtt", &buf)
	log.SetLevel(zapcore.ErrorLevel)

	log.Info("chatty")
	log.Error(errors.New("boom"), "failed")
	assert.NotContains(t, buf.String(), "chatty")
	assert.Contains(t, buf.String(), "boom")
}

func TestWithFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "rtt.log")
	log := NewWithWriter("rtt", &console).WithFile(path, 1)

	log.Info("session started", "device", "NRF52840_XXAA")
	log.Flush()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"session started"`)
	assert.Contains(t, string(data), `"device":"NRF52840_XXAA"`)
	assert.Contains(t, console.String(), "session started")
}
