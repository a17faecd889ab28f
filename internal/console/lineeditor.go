// Package console reads device-name fragments from the user.
package console

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ergochat/readline"
	"golang.org/x/term"
)

// LineEditor reads one line per fragment. On a terminal it uses readline
// for editing; otherwise it scans lines from the input and echoes the
// prompt itself.
type LineEditor struct {
	interactive bool
	rl          *readline.Instance

	scanner *bufio.Scanner
	out     io.Writer
}

// NewLineEditor picks readline when stdin is a terminal.
func NewLineEditor(out io.Writer) *LineEditor {
	if !term.IsTerminal(int(os.Stdin.Fd())) || os.Getenv("INSIDE_EMACS") != "" {
		return NewScannerEditor(os.Stdin, out)
	}

	rl, err := readline.NewFromConfig(&readline.Config{
		DisableAutoSaveHistory: true,
		Prompt:                 "",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: readline init failed (%v), using basic input\n", err)
		return NewScannerEditor(os.Stdin, out)
	}
	return &LineEditor{interactive: true, rl: rl}
}

// NewScannerEditor reads plain lines from in.
func NewScannerEditor(in io.Reader, out io.Writer) *LineEditor {
	if out == nil {
		out = io.Discard
	}
	return &LineEditor{scanner: bufio.NewScanner(in), out: out}
}

// ReadFragment shows prompt and returns the next line. Ctrl-C and Ctrl-D
// both end input with io.EOF.
func (le *LineEditor) ReadFragment(prompt string) (string, error) {
	if le.interactive {
		le.rl.SetPrompt(prompt)
		line, err := le.rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			return "", io.EOF
		}
		return line, err
	}

	fmt.Fprint(le.out, prompt)
	if !le.scanner.Scan() {
		if err := le.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return le.scanner.Text(), nil
}

func (le *LineEditor) IsInteractive() bool {
	return le.interactive
}

// Close is safe to call more than once.
func (le *LineEditor) Close() {
	if le.rl != nil {
		le.rl.Close()
		le.rl = nil
	}
}
