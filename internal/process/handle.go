package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-ps"

	"github.com/oshokin/server-provisioner/internal/logger"
	"github.com/oshokin/server-provisioner/internal/retry"
)

var errStillRunning = errors.New("process is still running")

// DefaultStopTimeout bounds waiting for killed processes to disappear.
const DefaultStopTimeout = 5 * time.Second

// Handle is the dependent process of an installation.
type Handle interface {
	// NeedsStop reports whether the process is running and must be stopped.
	NeedsStop(ctx context.Context) bool
	// Stop terminates the process.
	Stop(ctx context.Context) error
	// Start launches the process again.
	Start(ctx context.Context) error
}

// Noop is used when nothing depends on the installation.
type Noop struct{}

// NeedsStop always reports false.
func (Noop) NeedsStop(context.Context) bool { return false }

// Stop does nothing.
func (Noop) Stop(context.Context) error { return nil }

// Start does nothing.
func (Noop) Start(context.Context) error { return nil }

// Supervisor finds the process by executable name in the OS process table.
type Supervisor struct {
	name        string
	command     []string
	stopTimeout time.Duration
	listFn      func() ([]ps.Process, error)
	killFn      func(pid int) error
	startFn     func(name string, args ...string) error
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStopTimeout overrides how long Stop waits for processes to exit.
func WithStopTimeout(timeout time.Duration) Option {
	return func(s *Supervisor) {
		s.stopTimeout = timeout
	}
}

// NewSupervisor creates a supervisor for processes whose executable is name.
// command is what Start runs; an empty command makes Start a no-op.
func NewSupervisor(name string, command []string, opts ...Option) *Supervisor {
	s := &Supervisor{
		name:        name,
		command:     command,
		stopTimeout: DefaultStopTimeout,
		listFn:      ps.Processes,
		killFn:      killProcess,
		startFn:     startDetached,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// NeedsStop reports whether a matching process is running.
func (s *Supervisor) NeedsStop(ctx context.Context) bool {
	pids, err := s.find()
	if err != nil {
		logger.Warnf(ctx, "Unable to list processes: %v", err)

		return false
	}

	return len(pids) > 0
}

// Stop kills every matching process and waits until none is left.
func (s *Supervisor) Stop(ctx context.Context) error {
	pids, err := s.find()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}

	for _, pid := range pids {
		logger.InfoKV(ctx, "Stopping process", "name", s.name, "pid", pid)

		if err = s.killFn(pid); err != nil {
			return fmt.Errorf("kill process %d: %w", pid, err)
		}
	}

	err = retry.Do(ctx, retry.Policy{MaxDuration: s.stopTimeout}, func(context.Context) error {
		left, findErr := s.find()
		if findErr != nil {
			return retry.Permanent(findErr)
		}

		if len(left) > 0 {
			return fmt.Errorf("%s: %w", s.name, errStillRunning)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("wait for process exit: %w", err)
	}

	return nil
}

// Start launches the configured command without tying it to ctx, so the
// process outlives the provisioner.
func (s *Supervisor) Start(ctx context.Context) error {
	if len(s.command) == 0 {
		logger.Debug(ctx, "No start command configured")

		return nil
	}

	logger.InfoKV(ctx, "Starting process", "command", strings.Join(s.command, " "))

	if err := s.startFn(s.command[0], s.command[1:]...); err != nil {
		return fmt.Errorf("start %s: %w", s.command[0], err)
	}

	return nil
}

// find returns the pids of matching processes except the current one.
func (s *Supervisor) find() ([]int, error) {
	processList, err := s.listFn()
	if err != nil {
		return nil, err
	}

	thisProcessID := os.Getpid()

	var pids []int

	for _, process := range processList {
		if process.Pid() == thisProcessID {
			continue
		}

		if process.Executable() != s.name {
			continue
		}

		pids = append(pids, process.Pid())
	}

	return pids, nil
}

func killProcess(pid int) error {
	runningProcess, err := os.FindProcess(pid)
	if err != nil {
		return err
	}

	return runningProcess.Kill()
}

func startDetached(name string, args ...string) error {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd.exe", append([]string{"/C", "start", "", name}, args...)...).Start() //nolint:gosec // Command comes from settings.
	}

	return exec.Command(name, args...).Start() //nolint:gosec // Command comes from settings.
}
