package coordinator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/oshokin/server-provisioner/internal/domain/release"
	"github.com/oshokin/server-provisioner/internal/logger"
	"github.com/oshokin/server-provisioner/internal/metrics"
	"github.com/oshokin/server-provisioner/internal/process"
	"github.com/oshokin/server-provisioner/internal/progress"
	"github.com/oshokin/server-provisioner/internal/prompt"
	"github.com/oshokin/server-provisioner/internal/service/provisioner"
)

var errCustomPathMissing = errors.New("custom server path does not exist")

// DefaultCleanupTimeout bounds removal of the installation before a reinstall.
const DefaultCleanupTimeout = 5 * time.Second

// Provisioner is the part of provisioner.Provisioner the coordinator drives.
type Provisioner interface {
	ExecutablePath() string
	Record(ctx context.Context) (*release.Record, error)
	Installed(ctx context.Context) (bool, error)
	FetchDownloadInfo(ctx context.Context) (*release.Artifact, error)
	DownloadAndInstall(ctx context.Context, reporter progress.Reporter) (*provisioner.Result, error)
	Cleanup(ctx context.Context, timeout time.Duration) (bool, error)
	IsStale(ctx context.Context, maxAge time.Duration) (bool, error)
	Touch(ctx context.Context) (bool, error)
}

// Coordinator runs one operation at a time against one installation.
type Coordinator struct {
	provisioner    Provisioner
	process        process.Handle
	surface        prompt.Surface
	newReporter    func() progress.Reporter
	recorder       metrics.Recorder
	customPath     string
	cleanupTimeout time.Duration
	mu             sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCustomPath makes the coordinator report path instead of managing an installation.
func WithCustomPath(path string) Option {
	return func(c *Coordinator) {
		c.customPath = path
	}
}

// WithProcess sets the dependent process handle.
func WithProcess(handle process.Handle) Option {
	return func(c *Coordinator) {
		if handle != nil {
			c.process = handle
		}
	}
}

// WithSurface sets the prompt surface.
func WithSurface(surface prompt.Surface) Option {
	return func(c *Coordinator) {
		if surface != nil {
			c.surface = surface
		}
	}
}

// WithReporter sets the factory of progress reporters. Every install attempt
// gets a reporter of its own.
func WithReporter(newReporter func() progress.Reporter) Option {
	return func(c *Coordinator) {
		if newReporter != nil {
			c.newReporter = newReporter
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(c *Coordinator) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// WithCleanupTimeout sets how long Reinstall keeps retrying removal.
func WithCleanupTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.cleanupTimeout = timeout
	}
}

// New creates a coordinator. Without options it never prompts, drops
// notifications and manages no dependent process.
func New(p Provisioner, opts ...Option) *Coordinator {
	c := &Coordinator{
		provisioner:    p,
		process:        process.Noop{},
		surface:        prompt.NewAutoConfirm(nil),
		newReporter:    func() progress.Reporter { return progress.Discard{} },
		recorder:       metrics.Nop{},
		cleanupTimeout: DefaultCleanupTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CheckInstalled reports whether a usable executable exists: the custom path
// when one is set, otherwise a recorded installation whose executable is on disk.
func (c *Coordinator) CheckInstalled(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.customPath != "" {
		return fileExists(c.customPath), nil
	}

	return c.provisioner.Installed(ctx)
}

// CheckVersion classifies the installation. A custom path or a missing record
// is answered without contacting the release source.
func (c *Coordinator) CheckVersion(ctx context.Context) (CheckVersionResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx = logger.WithName(ctx, "coordinator")

	result, err := c.checkVersion(ctx)

	c.recorder.Operation("check_version", checkVersionOutcome(result, err))

	return result, err
}

func (c *Coordinator) checkVersion(ctx context.Context) (CheckVersionResult, error) {
	if c.customPath != "" {
		return CustomPath{Path: c.customPath}, nil
	}

	record, err := c.provisioner.Record(ctx)
	if err != nil {
		return nil, err
	}

	if record == nil {
		return NotInstalled{}, nil
	}

	artifact, err := c.provisioner.FetchDownloadInfo(ctx)
	if err != nil {
		return nil, err
	}

	if release.SameRelease(record, artifact) {
		return Same{Version: record.Version}, nil
	}

	return Different{Old: record.Version, New: artifact.Version}, nil
}

// EnsureInstalled installs the server when it is missing. doInstall false
// disables installing without prompting; ask requires confirmation first.
func (c *Coordinator) EnsureInstalled(ctx context.Context, ask, doInstall bool) EnsureInstalledResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx = logger.WithName(ctx, "coordinator")

	result := c.ensureInstalled(ctx, ask, doInstall)

	c.recorder.Operation("ensure_installed", installedOutcome(result))

	return result
}

func (c *Coordinator) ensureInstalled(ctx context.Context, ask, doInstall bool) EnsureInstalledResult {
	if c.customPath != "" {
		return c.customPathResult()
	}

	installed, err := c.provisioner.Installed(ctx)
	if err != nil {
		return EnsureInstalledResult{Reason: ReasonError, Err: err}
	}

	if installed {
		return EnsureInstalledResult{Available: true, Path: c.provisioner.ExecutablePath()}
	}

	if !doInstall {
		logger.Info(ctx, "Server is not installed and installing is disabled")

		return EnsureInstalledResult{Reason: ReasonDisabled}
	}

	if reason, err := c.confirm(ctx, ask, "The server is not installed. Download and install it now?"); reason != ReasonNone {
		return EnsureInstalledResult{Reason: reason, Err: err}
	}

	result, err := c.install(ctx, false)
	if err != nil {
		c.notifyFailure(ctx, ask, "Failed to install the server", err)

		return EnsureInstalledResult{Reason: ReasonError, Err: err}
	}

	if ask {
		c.surface.Notify(ctx, "Installed server "+displayVersion(result.Record.Version), prompt.LevelInfo)
	}

	return EnsureInstalledResult{
		Available: true,
		Installed: true,
		Path:      c.provisioner.ExecutablePath(),
	}
}

// EnsureUpdated installs a newer release when one is available, with the same
// gating as EnsureInstalled. showMessage announces an up to date installation.
func (c *Coordinator) EnsureUpdated(ctx context.Context, ask, doInstall, showMessage bool) EnsureUpdatedResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx = logger.WithName(ctx, "coordinator")

	result := c.ensureUpdated(ctx, ask, doInstall, showMessage)

	c.recorder.Operation("ensure_updated", updatedOutcome(result))

	return result
}

func (c *Coordinator) ensureUpdated(ctx context.Context, ask, doInstall, showMessage bool) EnsureUpdatedResult {
	check, err := c.checkVersion(ctx)
	if err != nil {
		logger.WarnKV(ctx, "Unable to check the server version", "error", err)

		return Outdated{Reason: ReasonError, Err: err}
	}

	var (
		versions *Versions
		question string
	)

	switch check := check.(type) {
	case CustomPath:
		return check
	case Same:
		if showMessage {
			c.surface.Notify(ctx, "Server "+displayVersion(check.Version)+" is up to date", prompt.LevelInfo)
		}

		return UpToDate{Version: check.Version}
	case Different:
		versions = &Versions{Old: check.Old, New: check.New}
		question = fmt.Sprintf("Server %s is available, installed is %s. Update now?",
			displayVersion(check.New), displayVersion(check.Old))
	default:
		versions = &Versions{}
		question = "The server is not installed. Download and install it now?"
	}

	if !doInstall {
		logger.InfoKV(ctx, "Server update is available but installing is disabled",
			"installed", versions.Old, "available", versions.New)

		return Outdated{Versions: versions, Reason: ReasonDisabled}
	}

	if reason, err := c.confirm(ctx, ask, question); reason != ReasonNone {
		return Outdated{Versions: versions, Reason: reason, Err: err}
	}

	result, err := c.install(ctx, false)
	if err != nil {
		c.notifyFailure(ctx, ask, "Failed to update the server", err)

		return Outdated{Versions: versions, Reason: ReasonError, Err: err}
	}

	versions.New = result.Record.Version

	if ask {
		c.surface.Notify(ctx, "Updated server to "+displayVersion(versions.New), prompt.LevelInfo)
	}

	return Outdated{Updated: true, Versions: versions}
}

// RegularUpdate runs EnsureUpdated without an up to date message when the
// installation is at least maxAge old. The boolean reports whether a check ran.
// Failures are only reported through the result.
func (c *Coordinator) RegularUpdate(ctx context.Context, maxAge time.Duration, ask, doInstall bool) (EnsureUpdatedResult, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx = logger.WithName(ctx, "coordinator")

	if c.customPath != "" {
		return CustomPath{Path: c.customPath}, false, nil
	}

	stale, err := c.provisioner.IsStale(ctx, maxAge)
	if err != nil {
		c.recorder.Operation("regular_update", "error")

		return nil, false, err
	}

	if !stale {
		logger.Debug(ctx, "Installation is fresh, skipping update check")
		c.recorder.Operation("regular_update", "fresh")

		return nil, false, nil
	}

	result := c.ensureUpdated(ctx, ask, doInstall, false)

	if _, ok := result.(UpToDate); ok {
		if _, err = c.provisioner.Touch(ctx); err != nil {
			logger.WarnKV(ctx, "Unable to refresh the install record timestamp", "error", err)
		}
	}

	c.recorder.Operation("regular_update", updatedOutcome(result))

	return result, true, nil
}

// Reinstall removes the installation and installs the current release again.
func (c *Coordinator) Reinstall(ctx context.Context, ask bool) EnsureInstalledResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx = logger.WithName(ctx, "coordinator")

	result := c.reinstall(ctx, ask)

	c.recorder.Operation("reinstall", installedOutcome(result))

	return result
}

func (c *Coordinator) reinstall(ctx context.Context, ask bool) EnsureInstalledResult {
	if c.customPath != "" {
		return c.customPathResult()
	}

	if reason, err := c.confirm(ctx, ask, "Remove the installed server and download it again?"); reason != ReasonNone {
		return EnsureInstalledResult{Reason: reason, Err: err}
	}

	result, err := c.install(ctx, true)
	if err != nil {
		c.notifyFailure(ctx, ask, "Failed to reinstall the server", err)

		return EnsureInstalledResult{Reason: ReasonError, Err: err}
	}

	if ask {
		c.surface.Notify(ctx, "Reinstalled server "+displayVersion(result.Record.Version), prompt.LevelInfo)
	}

	return EnsureInstalledResult{
		Available: true,
		Installed: true,
		Path:      c.provisioner.ExecutablePath(),
	}
}

// ServerPath returns the custom path or the installed executable path.
func (c *Coordinator) ServerPath(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.customPath != "" {
		if !fileExists(c.customPath) {
			return "", fmt.Errorf("%s: %w", c.customPath, errCustomPathMissing)
		}

		return c.customPath, nil
	}

	installed, err := c.provisioner.Installed(ctx)
	if err != nil {
		return "", err
	}

	if !installed {
		return "", ErrNotInstalled
	}

	return c.provisioner.ExecutablePath(), nil
}

// confirm asks the user when ask is set. It returns ReasonNone to proceed.
func (c *Coordinator) confirm(ctx context.Context, ask bool, question string) (Reason, error) {
	if !ask {
		return ReasonNone, nil
	}

	ok, err := c.surface.Confirm(ctx, question)
	if err != nil {
		logger.WarnKV(ctx, "Confirmation failed", "error", err)

		return ReasonError, fmt.Errorf("confirm: %w", err)
	}

	if !ok {
		logger.Info(ctx, "User declined")

		return ReasonCancelled, nil
	}

	return ReasonNone, nil
}

// install stops the dependent process, optionally removes the installation,
// installs, and starts the process again on every path once it was stopped.
func (c *Coordinator) install(ctx context.Context, clean bool) (result *provisioner.Result, err error) {
	if c.process.NeedsStop(ctx) {
		logger.Info(ctx, "Stopping the server process")

		defer func() {
			// The process may be partly stopped even when Stop failed.
			if startErr := c.process.Start(context.WithoutCancel(ctx)); startErr != nil {
				logger.ErrorKV(ctx, "Unable to start the server process", "error", startErr)
			}
		}()

		if err = c.process.Stop(ctx); err != nil {
			return nil, fmt.Errorf("stop server process: %w", err)
		}
	}

	if clean {
		if _, err = c.provisioner.Cleanup(ctx, c.cleanupTimeout); err != nil {
			return nil, err
		}
	}

	result, err = c.provisioner.DownloadAndInstall(ctx, c.newReporter())
	if err != nil {
		logger.ErrorKV(ctx, "Install attempt failed", "error", err)

		return nil, err
	}

	return result, nil
}

// notifyFailure shows an error notice only when the user was prompted.
func (c *Coordinator) notifyFailure(ctx context.Context, prompted bool, message string, err error) {
	if !prompted {
		return
	}

	c.surface.Notify(ctx, fmt.Sprintf("%s: %v", message, err), prompt.LevelError)
}

func (c *Coordinator) customPathResult() EnsureInstalledResult {
	if !fileExists(c.customPath) {
		return EnsureInstalledResult{
			Path:   c.customPath,
			Reason: ReasonError,
			Err:    fmt.Errorf("%s: %w", c.customPath, errCustomPathMissing),
		}
	}

	return EnsureInstalledResult{Available: true, Path: c.customPath}
}

func displayVersion(version string) string {
	if version == "" {
		return "(unversioned)"
	}

	return version
}

func fileExists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
