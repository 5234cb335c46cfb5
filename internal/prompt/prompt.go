// Package prompt asks the user to confirm provisioning actions and shows
// notifications about their outcome.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level is the severity of a notification.
type Level int

// Notification levels.
const (
	LevelInfo Level = iota
	LevelWarning
	LevelError
)

// String returns the name of the level.
func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// Surface is the user-facing side of the coordinator.
type Surface interface {
	// Confirm asks a yes/no question. Declining is not an error.
	Confirm(ctx context.Context, message string) (bool, error)
	// Notify shows a message.
	Notify(ctx context.Context, message string, level Level)
}

// Console prompts on a terminal. A read left waiting by a cancelled Confirm is
// handed to the next Confirm, so the input is never read concurrently.
type Console struct {
	in  *bufio.Reader
	out io.Writer

	mu      sync.Mutex
	pending chan answer
}

type answer struct {
	line string
	err  error
}

// NewConsole creates a console surface over stdin and stderr.
func NewConsole() *Console {
	return NewConsoleWith(os.Stdin, os.Stderr)
}

// NewConsoleWith creates a console surface over the given streams.
func NewConsoleWith(in io.Reader, out io.Writer) *Console {
	return &Console{
		in:  bufio.NewReader(in),
		out: out,
	}
}

// Confirm prints the question and reads an answer. Anything except y or yes declines.
func (c *Console) Confirm(ctx context.Context, message string) (bool, error) {
	fmt.Fprintf(c.out, "%s %s %s ",
		color.MagentaString(" ?"),
		color.New(color.Bold).Sprint(message),
		color.New(color.FgHiBlack).Sprint("[y/N]"),
	)

	answers := c.read()

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)

		return false, ctx.Err()
	case a := <-answers:
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()

		if a.err != nil && a.line == "" {
			if errors.Is(a.err, io.EOF) {
				fmt.Fprintln(c.out)

				return false, nil
			}

			return false, fmt.Errorf("read answer: %w", a.err)
		}

		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// read starts reading one line unless an earlier read is still waiting.
func (c *Console) read() chan answer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != nil {
		return c.pending
	}

	answers := make(chan answer, 1)
	c.pending = answers

	go func() {
		line, err := c.in.ReadString('\n')
		answers <- answer{line: line, err: err}
	}()

	return answers
}

// Notify prints the message colored by level.
func (c *Console) Notify(_ context.Context, message string, level Level) {
	switch level {
	case LevelError:
		fmt.Fprintln(c.out, color.RedString(" ✘ %s", message))
	case LevelWarning:
		fmt.Fprintln(c.out, color.YellowString(" ! %s", message))
	default:
		fmt.Fprintln(c.out, color.GreenString(" ✔ %s", message))
	}
}

// AutoConfirm accepts every question and forwards notifications.
type AutoConfirm struct {
	Surface
}

// NewAutoConfirm wraps next so that Confirm always returns true.
func NewAutoConfirm(next Surface) AutoConfirm {
	return AutoConfirm{Surface: next}
}

// Confirm always accepts.
func (AutoConfirm) Confirm(context.Context, string) (bool, error) {
	return true, nil
}

// Notify forwards to the wrapped surface if there is one.
func (a AutoConfirm) Notify(ctx context.Context, message string, level Level) {
	if a.Surface != nil {
		a.Surface.Notify(ctx, message, level)
	}
}
