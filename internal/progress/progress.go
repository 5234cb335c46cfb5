// Package progress reports long running provisioning steps to the user.
package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// Reporter receives step messages and wraps transfer streams.
type Reporter interface {
	// Report announces the next step.
	Report(message string)
	// Track wraps r so that reading it advances a progress display.
	// The returned function finalizes the display.
	Track(r io.Reader, size int64) (io.Reader, func())
}

// Discard ignores everything.
type Discard struct{}

// Report does nothing.
func (Discard) Report(string) {}

// Track returns r unchanged.
func (Discard) Track(r io.Reader, _ int64) (io.Reader, func()) {
	return r, func() {}
}

// Terminal prints steps and draws a progress bar when the output is a terminal.
type Terminal struct {
	out         io.Writer
	interactive bool
}

// NewTerminal creates a reporter writing to stderr.
func NewTerminal() *Terminal {
	fd := os.Stderr.Fd()

	return &Terminal{
		out:         os.Stderr,
		interactive: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}
}

// NewWriter creates a reporter writing plain steps to w without a progress bar.
func NewWriter(w io.Writer) *Terminal {
	return &Terminal{out: w}
}

// Report prints a step line.
func (t *Terminal) Report(message string) {
	fmt.Fprintln(t.out,
		color.BlueString(" •"),
		color.New(color.FgHiBlack).Sprint(message),
	)
}

// Track draws a bar for the stream when running interactively.
func (t *Terminal) Track(r io.Reader, size int64) (io.Reader, func()) {
	if !t.interactive || size <= 0 {
		return r, func() {}
	}

	bar := pb.
		New64(size).
		SetWriter(t.out).
		SetTemplate(
			pb.ProgressBarTemplate(
				color.New(color.FgHiBlack).Sprint(
					`   └ {{counters . }} {{bar . "[" "=" ">" " " "]" }} {{percent . }} {{speed . }}`,
				),
			),
		).
		SetRefreshRate(time.Second / 30).
		SetMaxWidth(100).
		Start()

	return bar.NewProxyReader(r), func() { bar.Finish() }
}
