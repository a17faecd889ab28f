package device

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
)

type scriptedInput struct {
	frags   []string
	prompts []string
	err     error
}

func (s *scriptedInput) ReadFragment(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.frags) == 0 {
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	}
	f := s.frags[0]
	s.frags = s.frags[1:]
	return f, nil
}

func threeDevices() *probe.Catalog {
	return probe.NewCatalog([]probe.DeviceInfo{
		{Name: "NRF52840_XXAA", Manufacturer: "Nordic Semi", Core: "Cortex-M4", FlashSize: 1 << 20, RAMSize: 256 << 10},
		{Name: "NRF52832_XXAA", Manufacturer: "Nordic Semi", Core: "Cortex-M4", FlashSize: 512 << 10, RAMSize: 64 << 10},
		{Name: "STM32F407VG", Manufacturer: "ST", Core: "Cortex-M4", FlashSize: 1 << 20, RAMSize: 128 << 10},
	})
}

func newTestResolver(input FragmentReader, store Store) (*Resolver, *bytes.Buffer) {
	var out bytes.Buffer
	return NewResolver(threeDevices(), store, input, &out, logr.Discard()), &out
}

func TestResolveConvergesOnPrefix(t *testing.T) {
	in := &scriptedInput{frags: []string{"NRF52", "84", "unused"}}
	store := NewMemoryStore()
	r, out := newTestResolver(in, store)

	name, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "NRF52840_XXAA", name)
	assert.Equal(t, []string{"unused"}, in.frags, "no input needed after the set shrinks to one")
	assert.Equal(t, []string{"Chip name: ", "Chip name: NRF52"}, in.prompts)

	cached, _ := store.Get(LastDeviceKey)
	assert.Equal(t, "NRF52840_XXAA", cached)

	assert.Contains(t, out.String(), "out of 3 supported")
	assert.Contains(t, out.String(), "  1: NRF52832_XXAA (Nordic Semi, 512 kB Flash, 64 kB RAM)")
	assert.Contains(t, out.String(), "  0: NRF52840_XXAA (Nordic Semi, 1,024 kB Flash, 256 kB RAM)")
}

func TestResolveSharedPrefixAsksAgain(t *testing.T) {
	// NRF52840_XXAA and NRF52832_XXAA both start with NRF528.
	in := &scriptedInput{frags: []string{"NRF52", "8"}}
	store := NewMemoryStore()
	r, out := newTestResolver(in, store)

	_, err := r.Resolve("")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, []string{"Chip name: ", "Chip name: NRF52", "Chip name: NRF528"}, in.prompts)
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("NRF52832_XXAA (")))
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("NRF52840_XXAA (")))

	cached, _ := store.Get(LastDeviceKey)
	assert.Empty(t, cached)
}

func TestResolveIsCaseInsensitive(t *testing.T) {
	in := &scriptedInput{frags: []string{"stm"}}
	r, _ := newTestResolver(in, NewMemoryStore())

	name, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "STM32F407VG", name)
}

func TestResolveNoMatch(t *testing.T) {
	in := &scriptedInput{frags: []string{"ZZZ"}}
	store := NewMemoryStore()
	r, out := newTestResolver(in, store)

	_, err := r.Resolve("")
	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, "ZZZ", nm.Prefix)
	assert.False(t, errors.Is(err, ErrCancelled))
	assert.Contains(t, out.String(), "No supported devices found with name starting with 'ZZZ'")

	cached, _ := store.Get(LastDeviceKey)
	assert.Empty(t, cached)
}

func TestResolveNoMatchAfterNarrowing(t *testing.T) {
	in := &scriptedInput{frags: []string{"nrf", "9"}}
	r, _ := newTestResolver(in, NewMemoryStore())

	_, err := r.Resolve("")
	var nm *NoMatchError
	require.ErrorAs(t, err, &nm)
	assert.Equal(t, "nrf9", nm.Prefix)
}

func TestResolveEmptyFragmentsRelist(t *testing.T) {
	in := &scriptedInput{frags: []string{"", "NRF", "  ", "528", "4"}}
	r, out := newTestResolver(in, NewMemoryStore())

	name, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "NRF52840_XXAA", name)
	assert.Equal(t, 3, bytes.Count(out.Bytes(), []byte("NRF52832_XXAA (")))
}

func TestResolveCancelled(t *testing.T) {
	in := &scriptedInput{frags: []string{"NRF"}}
	r, _ := newTestResolver(in, NewMemoryStore())

	_, err := r.Resolve("")
	assert.ErrorIs(t, err, ErrCancelled)

	in = &scriptedInput{err: errors.New("tty gone")}
	r, _ = newTestResolver(in, NewMemoryStore())
	_, err = r.Resolve("")
	assert.EqualError(t, err, "device: read input: tty gone")
}

func TestResolveNoInput(t *testing.T) {
	r, _ := newTestResolver(nil, NewMemoryStore())
	_, err := r.Resolve("")
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestResolveUsesValidCache(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(LastDeviceKey, "stm32f407vg"))
	in := &scriptedInput{}
	r, _ := newTestResolver(in, store)

	name, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "STM32F407VG", name)
	assert.Empty(t, in.prompts)

	// Rewritten even though it came from the cache.
	cached, _ := store.Get(LastDeviceKey)
	assert.Equal(t, "STM32F407VG", cached)
}

func TestResolveDiscardsInvalidCache(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(LastDeviceKey, "GONE_CHIP"))
	in := &scriptedInput{frags: []string{"STM"}}
	r, out := newTestResolver(in, store)

	name, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "STM32F407VG", name)
	assert.Contains(t, out.String(), "Last used device name 'GONE_CHIP' is not valid.")

	cached, _ := store.Get(LastDeviceKey)
	assert.Equal(t, "STM32F407VG", cached)
}

func TestResolveRequested(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Put(LastDeviceKey, "STM32F407VG"))

	r, _ := newTestResolver(&scriptedInput{}, store)
	name, err := r.Resolve("nrf52832_xxaa")
	require.NoError(t, err)
	assert.Equal(t, "NRF52832_XXAA", name)

	// An invalid request falls back to the cache.
	r, out := newTestResolver(&scriptedInput{}, store)
	name, err = r.Resolve("BOGUS")
	require.NoError(t, err)
	assert.Equal(t, "NRF52832_XXAA", name)
	assert.Contains(t, out.String(), "Device name 'BOGUS' is not valid.")
}

type failingStore struct{}

func (failingStore) Get(string) (string, error) { return "", errors.New("disk on fire") }
func (failingStore) Put(string, string) error   { return errors.New("disk on fire") }

func TestResolveStoreErrorsAreNotFatal(t *testing.T) {
	r, _ := newTestResolver(&scriptedInput{}, failingStore{})
	name, err := r.Resolve("STM32F407VG")
	require.NoError(t, err)
	assert.Equal(t, "STM32F407VG", name)
}

func TestResolveListIsCapped(t *testing.T) {
	devices := make([]probe.DeviceInfo, 60)
	for i := range devices {
		devices[i] = probe.DeviceInfo{Name: fmt.Sprintf("CHIP%02d", i), Manufacturer: "Acme", FlashSize: 2048, RAMSize: 1024}
	}
	var out bytes.Buffer
	in := &scriptedInput{frags: []string{"chip"}}
	r := NewResolver(probe.NewCatalog(devices), NewMemoryStore(), in, &out, logr.Discard())

	_, err := r.Resolve("")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Contains(t, out.String(), " 49: CHIP49 (Acme, 2 kB Flash, 1 kB RAM)")
	assert.NotContains(t, out.String(), "CHIP50 (")
	assert.Contains(t, out.String(), "... and 10 more")
}

func TestValidate(t *testing.T) {
	r, _ := newTestResolver(nil, NewMemoryStore())

	name, ok := r.Validate("Nrf52840_xxAA")
	assert.True(t, ok)
	assert.Equal(t, "NRF52840_XXAA", name)

	_, ok = r.Validate("NRF52840")
	assert.False(t, ok)
}
