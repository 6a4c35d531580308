// Package prompt holds the confirmation and line-input seams used by the
// interactive commands. Components depend on the Confirmer interface so that
// non-interactive runs can answer from flags.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"
)

// Confirmer answers a yes/no question.
type Confirmer interface {
	Confirm(question string) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(question string) (bool, error)

func (f ConfirmFunc) Confirm(question string) (bool, error) { return f(question) }

// Always returns a Confirmer that answers every question with answer.
func Always(answer bool) Confirmer {
	return ConfirmFunc(func(string) (bool, error) { return answer, nil })
}

// Interactive asks on the terminal, defaulting to "no".
type Interactive struct{}

func (Interactive) Confirm(question string) (bool, error) {
	return pterm.DefaultInteractiveConfirm.
		WithDefaultValue(false).
		Show(question)
}

// ReaderConfirmer reads y/n answers line by line. Anything other than "y"
// or "yes" is a no.
type ReaderConfirmer struct {
	in  *bufio.Reader
	out io.Writer
}

// NewReaderConfirmer creates a Confirmer over r, echoing questions to w.
func NewReaderConfirmer(r io.Reader, w io.Writer) *ReaderConfirmer {
	return &ReaderConfirmer{in: bufio.NewReader(r), out: w}
}

func (c *ReaderConfirmer) Confirm(question string) (bool, error) {
	fmt.Fprintf(c.out, "%s (y/n): ", question)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("reading answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Lines reads trimmed input lines for the interactive predict/detect loops.
type Lines struct {
	in  *bufio.Reader
	out io.Writer
}

// NewLines creates a line prompt over r, printing labels to w.
func NewLines(r io.Reader, w io.Writer) *Lines {
	return &Lines{in: bufio.NewReader(r), out: w}
}

// Ask prints label and returns the next trimmed line. io.EOF is returned
// once input is exhausted and no partial line remains.
func (l *Lines) Ask(label string) (string, error) {
	fmt.Fprint(l.out, label)
	line, err := l.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// IsQuit reports whether input is one of the quit words.
func IsQuit(input string, words ...string) bool {
	input = strings.ToLower(strings.TrimSpace(input))
	for _, w := range words {
		if input == w {
			return true
		}
	}
	return false
}
