package console

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/device"
	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
)

func TestScannerEditor(t *testing.T) {
	var out bytes.Buffer
	le := NewScannerEditor(strings.NewReader("nrf\n\n52840\n"), &out)
	defer le.Close()
	assert.False(t, le.IsInteractive())

	for _, want := range []string{"nrf", "", "52840"} {
		got, err := le.ReadFragment("> ")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := le.ReadFragment("> ")
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "> > > > ", out.String())
}

func TestScannerEditorDrivesResolver(t *testing.T) {
	var prompts, messages bytes.Buffer
	le := NewScannerEditor(strings.NewReader("nrf5284\n"), &prompts)

	r := device.NewResolver(probe.DefaultCatalog(), device.NewMemoryStore(), le, &messages, logr.Discard())
	name, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "NRF52840_XXAA", name)
	assert.Equal(t, "Chip name: ", prompts.String())
}

func TestScannerEditorCancel(t *testing.T) {
	le := NewScannerEditor(strings.NewReader("nrf"), nil)
	r := device.NewResolver(probe.DefaultCatalog(), device.NewMemoryStore(), le, nil, logr.Discard())

	_, err := r.Resolve("")
	assert.ErrorIs(t, err, device.ErrCancelled)
}
