// Package device picks the target chip a probe session connects to.
package device

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-logr/logr"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/probe"
)

// LastDeviceKey is the store key holding the last resolved device name.
const LastDeviceKey = "jlink_last_used_device_name"

// maxListed bounds how many candidates are printed after each fragment.
const maxListed = 50

// ErrCancelled is returned when the user ends input before a device is
// chosen.
var ErrCancelled = errors.New("device: resolution cancelled")

// NoMatchError means no catalog device starts with Prefix.
type NoMatchError struct {
	Prefix string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("device: no supported devices found with name starting with %q", e.Prefix)
}

// Catalog is the supported-device list. Every probe.Driver satisfies it, as
// does *probe.Catalog.
type Catalog interface {
	NumSupportedDevices() int
	SupportedDevice(index int) (probe.DeviceInfo, error)
}

// FragmentReader supplies the characters the user typed since the last
// call. io.EOF cancels resolution.
type FragmentReader interface {
	ReadFragment(prompt string) (string, error)
}

// Resolver turns a requested, cached or interactively typed name into a
// validated catalog device name.
type Resolver struct {
	catalog Catalog
	store   Store
	input   FragmentReader
	out     io.Writer
	log     logr.Logger

	fold cases.Caser
	p    *message.Printer
}

// NewResolver builds a resolver. input may be nil when no interactive
// fallback is wanted; out may be nil to discard messages.
func NewResolver(catalog Catalog, store Store, input FragmentReader, out io.Writer, log logr.Logger) *Resolver {
	if out == nil {
		out = io.Discard
	}
	r := &Resolver{
		catalog: catalog,
		store:   store,
		input:   input,
		out:     out,
		log:     log,
		fold:    cases.Fold(),
	}
	r.Localize(language.AmericanEnglish)
	return r
}

// Localize selects the language used for prompts and listings.
func (r *Resolver) Localize(tag language.Tag) {
	r.p = message.NewPrinter(tag)
}

// Resolve returns the device to connect to. A non-empty requested name is
// tried first, then the stored last device, then interactive prefix search.
// The result is stored under LastDeviceKey.
func (r *Resolver) Resolve(requested string) (string, error) {
	name := ""
	if requested != "" {
		if canonical, ok := r.Validate(requested); ok {
			name = canonical
		} else {
			r.p.Fprintf(r.out, "msg.requested_invalid", requested)
		}
	}

	if name == "" {
		cached, err := r.store.Get(LastDeviceKey)
		if err != nil {
			r.log.Error(err, "could not read last used device")
		}
		if cached != "" {
			if canonical, ok := r.Validate(cached); ok {
				name = canonical
			} else {
				r.p.Fprintf(r.out, "msg.cached_invalid", cached)
			}
		}
	}

	if name == "" {
		var err error
		if name, err = r.interactive(); err != nil {
			return "", err
		}
	}

	if err := r.store.Put(LastDeviceKey, name); err != nil {
		r.log.Error(err, "could not store last used device", "device", name)
	}
	r.log.V(1).Info("device resolved", "device", name)
	return name, nil
}

// Validate reports whether name is in the catalog, ignoring case, and
// returns the catalog spelling.
func (r *Resolver) Validate(name string) (string, bool) {
	want := r.fold.String(name)
	for i, n := 0, r.catalog.NumSupportedDevices(); i < n; i++ {
		d, err := r.catalog.SupportedDevice(i)
		if err != nil {
			continue
		}
		if r.fold.String(d.Name) == want {
			return d.Name, true
		}
	}
	return "", false
}

type candidate struct {
	info   probe.DeviceInfo
	folded string
}

func (r *Resolver) interactive() (string, error) {
	if r.input == nil {
		return "", fmt.Errorf("device: no valid device name and no interactive input: %w", ErrCancelled)
	}

	r.p.Fprintf(r.out, "msg.enter_device", r.catalog.NumSupportedDevices())

	var (
		prefix     string
		candidates []candidate
		first      = true
	)
	for {
		frag, err := r.input.ReadFragment(r.p.Sprintf("msg.prompt", prefix))
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "", ErrCancelled
			}
			return "", fmt.Errorf("device: read input: %w", err)
		}
		frag = strings.TrimSpace(frag)
		if frag == "" {
			if !first {
				r.list(candidates)
			}
			continue
		}
		prefix += frag
		folded := r.fold.String(prefix)

		// The full catalog is only walked once; later fragments narrow the
		// previous result.
		if first {
			candidates = r.startingWith(folded)
			first = false
		} else {
			kept := candidates[:0]
			for _, c := range candidates {
				if strings.HasPrefix(c.folded, folded) {
					kept = append(kept, c)
				}
			}
			candidates = kept
		}

		if len(candidates) == 0 {
			r.p.Fprintf(r.out, "msg.no_match", prefix)
			return "", &NoMatchError{Prefix: prefix}
		}
		r.list(candidates)
		if len(candidates) == 1 {
			return candidates[0].info.Name, nil
		}
	}
}

func (r *Resolver) startingWith(folded string) []candidate {
	var out []candidate
	for i, n := 0, r.catalog.NumSupportedDevices(); i < n; i++ {
		d, err := r.catalog.SupportedDevice(i)
		if err != nil {
			r.log.V(1).Info("skipping catalog entry", "index", i, "error", err.Error())
			continue
		}
		f := r.fold.String(d.Name)
		if strings.HasPrefix(f, folded) {
			out = append(out, candidate{info: d, folded: f})
		}
	}
	return out
}

func (r *Resolver) list(candidates []candidate) {
	for i, c := range candidates {
		if i == maxListed {
			r.p.Fprintf(r.out, "msg.more", len(candidates)-maxListed)
			return
		}
		r.p.Fprintf(r.out, "msg.entry", i, c.info.Name, c.info.Manufacturer,
			kilobytes(c.info.FlashSize), kilobytes(c.info.RAMSize))
	}
}

func kilobytes(n uint32) uint32 {
	return (n + 512) / 1024
}

//nolint:errcheck
func init() {
	message.SetString(language.AmericanEnglish, "msg.requested_invalid", "Device name '%s' is not valid.\n")
	message.SetString(language.AmericanEnglish, "msg.cached_invalid", "Last used device name '%s' is not valid.\n")
	message.SetString(language.AmericanEnglish, "msg.enter_device",
		"Please enter target device (chip) name. Entry is not case sensitive and Enter can be pressed any time"+
			" to print out all of the matching devices (out of %d supported).\n")
	message.SetString(language.AmericanEnglish, "msg.prompt", "Chip name: %s")
	message.SetString(language.AmericanEnglish, "msg.no_match", "No supported devices found with name starting with '%s'\n")
	message.SetString(language.AmericanEnglish, "msg.entry", " %2d: %s (%s, %d kB Flash, %d kB RAM)\n")
	message.SetString(language.AmericanEnglish, "msg.more", "... and %d more\n")
}
