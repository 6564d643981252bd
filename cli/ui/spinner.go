package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

type Spinner struct {
	*spinner.Spinner
	msg string

	// Without a terminal, only the final message is printed
	interactive bool
	out         io.Writer
}

// NewSpinner creates and starts a spinner on stderr with the given message.
func NewSpinner(msg string) *Spinner {
	s := &Spinner{
		Spinner: spinner.New(
			spinner.CharSets[14],
			200*time.Millisecond,
			spinner.WithHiddenCursor(true),
			spinner.WithWriter(os.Stderr),
			spinner.WithSuffix(" "+msg),
		),
		msg:         msg,
		interactive: isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
		out:         os.Stderr,
	}
	if s.interactive {
		s.Start()
	}
	return s
}

// UpdateMessage updates the spinner message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) UpdateMessage(msg string) {
	if s == nil {
		return
	}
	s.Spinner.Suffix = " " + msg
	s.msg = msg
}

// Success stops the spinner and prints a success message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Success(msg ...string) {
	s.stop(color.HiGreenString("✓"), msg)
}

// Warn stops the spinner and prints a warning message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Warn(msg ...string) {
	s.stop(color.HiYellowString("!"), msg)
}

// Fail stops the spinner and prints a failure message.
// This function is safe to call on a nil Spinner.
func (s *Spinner) Fail(msg ...string) {
	s.stop(color.HiRedString("✗"), msg)
}

func (s *Spinner) stop(mark string, msg []string) {
	if s == nil {
		return
	}
	if len(msg) == 0 {
		msg = []string{s.msg}
	}

	final := fmt.Sprintf("%s %s\n", mark, msg[0])
	if !s.interactive {
		fmt.Fprint(s.out, final)
		return
	}
	s.Spinner.FinalMSG = final
	s.Stop()
}
