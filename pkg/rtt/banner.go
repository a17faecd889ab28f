package rtt

import (
	"bytes"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// J-Link RTT telnet servers greet with up to three lines:
//
//	SEGGER J-Link V7.94e - Real time terminal output
//	SEGGER J-Link V11.0, SN=801012345
//	Process: JLinkGDBServerCLExe
var bannerLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Word", Pattern: `[^\s,=:-][^\s,=:]*`},
	{Name: "Punct", Pattern: `[-,=:]`},
})

type headerLine struct {
	Version []string `"SEGGER" "J-Link" @Word+ "-" "Real" "time" "terminal" "output"`
}

type probeLine struct {
	Hardware []string `"SEGGER" "J-Link" @Word+`
	Serial   string   `"," "SN" "=" @Word`
}

type processLine struct {
	Name []string `"Process" ":" @Word+`
}

var (
	headerParser  = participle.MustBuild[headerLine](participle.Lexer(bannerLexer), participle.Elide("Whitespace"))
	probeParser   = participle.MustBuild[probeLine](participle.Lexer(bannerLexer), participle.Elide("Whitespace"))
	processParser = participle.MustBuild[processLine](participle.Lexer(bannerLexer), participle.Elide("Whitespace"))
)

const (
	headerPrefix  = "SEGGER J-Link"
	processPrefix = "Process:"

	// maxBannerLine bounds how much is held back while waiting for a
	// banner line to complete.
	maxBannerLine = 256
)

// Banner holds what the server announced.
type Banner struct {
	Version     string
	Hardware    string
	Serial      string
	ProcessName string
}

type bannerState int

const (
	bannerStart bannerState = iota
	bannerFollow
	bannerDone
)

// bannerStripper removes the J-Link greeting from the head of a telnet
// stream. It holds back bytes only while they may still belong to a banner
// line and passes everything after the banner through untouched.
type bannerStripper struct {
	state  bannerState
	held   []byte
	extra  int
	banner Banner
	seen   bool
}

// Feed consumes a chunk and returns the bytes that are stream data.
func (b *bannerStripper) Feed(p []byte) []byte {
	if b.state == bannerDone {
		return p
	}
	b.held = append(b.held, p...)

	for b.state != bannerDone {
		i := bytes.IndexByte(b.held, '\n')
		if i < 0 {
			if !b.mayBeBanner(b.held) {
				return b.release()
			}
			return nil
		}

		line := strings.TrimRight(string(b.held[:i]), "\r")
		if !b.consume(line) {
			return b.release()
		}
		b.held = b.held[i+1:]
	}
	return b.release()
}

// Done reports whether the greeting is over, either fully consumed or
// ruled out by the first data bytes.
func (b *bannerStripper) Done() bool {
	return b.state == bannerDone
}

// Banner returns the parsed greeting and whether one was seen.
func (b *bannerStripper) Banner() (Banner, bool) {
	return b.banner, b.seen
}

func (b *bannerStripper) release() []byte {
	b.state = bannerDone
	out := b.held
	b.held = nil
	if len(out) == 0 {
		return nil
	}
	return out
}

// consume parses one complete line and reports whether it was banner.
func (b *bannerStripper) consume(line string) bool {
	switch b.state {
	case bannerStart:
		h, err := headerParser.ParseString("", line)
		if err != nil {
			return false
		}
		b.banner.Version = strings.Join(h.Version, " ")
		b.seen = true
		b.state = bannerFollow
		return true

	case bannerFollow:
		if p, err := probeParser.ParseString("", line); err == nil {
			b.banner.Hardware = strings.Join(p.Hardware, " ")
			b.banner.Serial = p.Serial
		} else if p, err := processParser.ParseString("", line); err == nil {
			b.banner.ProcessName = strings.Join(p.Name, " ")
		} else {
			return false
		}
		b.extra++
		if b.extra == 2 {
			b.state = bannerDone
		}
		return true
	}
	return false
}

// mayBeBanner reports whether an incomplete line could still turn into a
// banner line once more bytes arrive.
func (b *bannerStripper) mayBeBanner(partial []byte) bool {
	if len(partial) > maxBannerLine {
		return false
	}
	s := strings.TrimLeft(string(partial), " \t")
	prefixes := []string{headerPrefix}
	if b.state == bannerFollow {
		prefixes = append(prefixes, processPrefix)
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) || strings.HasPrefix(prefix, s) {
			return true
		}
	}
	return false
}
