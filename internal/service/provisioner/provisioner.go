package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oshokin/server-provisioner/internal/domain/release"
	"github.com/oshokin/server-provisioner/internal/logger"
	"github.com/oshokin/server-provisioner/internal/metrics"
	"github.com/oshokin/server-provisioner/internal/progress"
	"github.com/oshokin/server-provisioner/internal/repository/state"
	"github.com/oshokin/server-provisioner/internal/retry"
	"github.com/oshokin/server-provisioner/internal/transport"
)

const (
	// DefaultCleanupTimeout bounds removal of files held by a just stopped process.
	DefaultCleanupTimeout = 5 * time.Second

	archiveName  = "archive"
	payloadName  = "payload"
	previousName = "previous"

	dirMode os.FileMode = 0o755
)

var errMissingExecutable = errors.New("archive does not contain the executable")

// Locator resolves the artifact of the current release.
type Locator interface {
	Resolve(ctx context.Context) (*release.Artifact, error)
}

// Extractor unpacks a downloaded archive.
type Extractor interface {
	Extract(ctx context.Context, archivePath string, format release.ArchiveFormat, targetDir, executable string) error
}

// Result describes a finished DownloadAndInstall call.
type Result struct {
	// Record is the committed install record.
	Record *release.Record
	// Previous is the record before the call, nil when nothing was installed.
	Previous *release.Record
	// Refreshed is true when the release was already installed and only the
	// record timestamp was updated.
	Refreshed bool
	// Downloaded is the number of artifact bytes transferred.
	Downloaded int64
}

// Provisioner owns one install directory and its install record.
type Provisioner struct {
	installDir string
	pkg        release.PackageSpec
	locator    Locator
	getter     transport.Getter
	extractor  Extractor
	records    state.Repository
	recorder   metrics.Recorder
	now        func() time.Time
	interval   time.Duration
	removeAll  func(path string) error
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithClock overrides the clock used for record timestamps and staleness.
func WithClock(now func() time.Time) Option {
	return func(p *Provisioner) {
		p.now = now
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(recorder metrics.Recorder) Option {
	return func(p *Provisioner) {
		if recorder != nil {
			p.recorder = recorder
		}
	}
}

// WithCleanupInterval sets the pause between removal attempts.
func WithCleanupInterval(interval time.Duration) Option {
	return func(p *Provisioner) {
		p.interval = interval
	}
}

// New creates a provisioner for installDir.
func New(
	installDir string,
	pkg release.PackageSpec,
	locator Locator,
	getter transport.Getter,
	extractor Extractor,
	records state.Repository,
	opts ...Option,
) (*Provisioner, error) {
	if strings.TrimSpace(installDir) == "" {
		return nil, fmt.Errorf("%w: install directory is empty", release.ErrConfiguration)
	}

	if err := pkg.Validate(); err != nil {
		return nil, err
	}

	p := &Provisioner{
		installDir: filepath.Clean(installDir),
		pkg:        pkg,
		locator:    locator,
		getter:     getter,
		extractor:  extractor,
		records:    records,
		recorder:   metrics.Nop{},
		now:        time.Now,
		interval:   retry.DefaultInterval,
		removeAll:  os.RemoveAll,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// InstallDir returns the directory owned by the provisioner.
func (p *Provisioner) InstallDir() string {
	return p.installDir
}

// ExecutablePath returns where the server executable lives once installed.
func (p *Provisioner) ExecutablePath() string {
	return filepath.Join(p.installDir, filepath.FromSlash(p.pkg.Executable))
}

// FetchDownloadInfo resolves the current release artifact.
func (p *Provisioner) FetchDownloadInfo(ctx context.Context) (*release.Artifact, error) {
	return p.locator.Resolve(ctx)
}

// Record returns the install record or nil when nothing is installed.
func (p *Provisioner) Record(ctx context.Context) (*release.Record, error) {
	record, err := p.records.Load(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return record, nil
}

// Installed reports whether a record exists and the executable is on disk.
func (p *Provisioner) Installed(ctx context.Context) (bool, error) {
	record, err := p.Record(ctx)
	if err != nil || record == nil {
		return false, err
	}

	return fileExists(p.ExecutablePath()), nil
}

// IsStale reports whether the installation should be checked for updates:
// nothing is recorded or the record is at least maxAge old.
func (p *Provisioner) IsStale(ctx context.Context, maxAge time.Duration) (bool, error) {
	record, err := p.Record(ctx)
	if err != nil {
		return false, err
	}

	if record == nil {
		return true, nil
	}

	return p.now().Sub(record.DownloadedAt) >= maxAge, nil
}

// Touch moves the record timestamp to now without touching the installation.
// It reports false when nothing is recorded.
func (p *Provisioner) Touch(ctx context.Context) (bool, error) {
	record, err := p.Record(ctx)
	if err != nil || record == nil {
		return false, err
	}

	record.DownloadedAt = p.now()

	if err = p.records.Save(ctx, record); err != nil {
		return false, fmt.Errorf("save install record: %w", err)
	}

	return true, nil
}

// DownloadAndInstall brings the installation to the current release. When the
// recorded release equals the resolved one only the record timestamp changes.
func (p *Provisioner) DownloadAndInstall(ctx context.Context, reporter progress.Reporter) (*Result, error) {
	ctx = logger.WithName(ctx, "provisioner")

	if reporter == nil {
		reporter = progress.Discard{}
	}

	p.removeLeftovers(ctx)

	reporter.Report("Resolving the current server release")

	artifact, err := p.locator.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	// A corrupt record is left for Cleanup to remove.
	previous, err := p.Record(ctx)
	if err != nil {
		return nil, err
	}

	if release.SameRelease(previous, artifact) && fileExists(p.ExecutablePath()) {
		return p.refresh(ctx, previous, artifact)
	}

	downloaded, err := p.stageAndSwap(ctx, reporter, artifact)
	if err != nil {
		return nil, err
	}

	record := release.NewRecord(artifact, p.now())
	if err = p.records.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("save install record: %w", err)
	}

	p.recorder.Installed(record.DownloadedAt)

	logger.InfoKV(ctx, "Installed server", "version", record.Version, "id", record.ID, "path", p.installDir)

	return &Result{
		Record:     record,
		Previous:   previous,
		Downloaded: downloaded,
	}, nil
}

// refresh bumps the timestamp of an up to date installation.
func (p *Provisioner) refresh(ctx context.Context, previous *release.Record, artifact *release.Artifact) (*Result, error) {
	record := previous.Clone()
	record.DownloadedAt = p.now()

	if record.URL == "" {
		record.URL = artifact.URL
	}

	if err := p.records.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("save install record: %w", err)
	}

	p.recorder.Installed(record.DownloadedAt)

	logger.InfoKV(ctx, "Server is already current", "version", record.Version, "id", record.ID)

	return &Result{
		Record:    record,
		Previous:  previous,
		Refreshed: true,
	}, nil
}

// stageAndSwap downloads and extracts the artifact beside the install
// directory and replaces the install directory with the result.
func (p *Provisioner) stageAndSwap(ctx context.Context, reporter progress.Reporter, artifact *release.Artifact) (int64, error) {
	parent := filepath.Dir(p.installDir)
	if err := os.MkdirAll(parent, dirMode); err != nil {
		return 0, fmt.Errorf("create storage directory: %w", err)
	}

	staging, err := os.MkdirTemp(parent, p.stagingPrefix())
	if err != nil {
		return 0, fmt.Errorf("create staging directory: %w", err)
	}

	defer p.removeStaging(ctx, staging)

	archivePath := filepath.Join(staging, archiveName)
	payloadDir := filepath.Join(staging, payloadName)

	reporter.Report("Downloading " + artifact.URL)

	downloaded, err := p.download(ctx, reporter, artifact.URL, archivePath)
	if err != nil {
		return downloaded, err
	}

	reporter.Report("Extracting the server")

	if err = p.extractor.Extract(ctx, archivePath, p.pkg.Format, payloadDir, p.pkg.Executable); err != nil {
		return downloaded, err
	}

	staged := filepath.Join(payloadDir, filepath.FromSlash(p.pkg.Executable))
	if !fileExists(staged) {
		return downloaded, fmt.Errorf("%w: %s: %w", release.ErrExtraction, p.pkg.Executable, errMissingExecutable)
	}

	if err = ctx.Err(); err != nil {
		return downloaded, err
	}

	reporter.Report("Replacing the installation")

	if err = p.swap(ctx, payloadDir, filepath.Join(staging, previousName)); err != nil {
		return downloaded, err
	}

	return downloaded, nil
}

// download streams url into path. Only HTTP 200 is accepted.
func (p *Provisioner) download(ctx context.Context, reporter progress.Reporter, url, path string) (int64, error) {
	download, err := p.getter.Get(ctx, url)
	if err != nil {
		return 0, fmt.Errorf("%w: download artifact: %w", release.ErrResolution, err)
	}

	defer download.Body.Close()

	out, err := os.Create(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("create archive file: %w", err)
	}

	body, done := reporter.Track(download.Body, download.Size)

	written, err := io.Copy(out, body)

	done()

	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	p.recorder.Downloaded(written)

	if err != nil {
		return written, fmt.Errorf("download artifact: %w", err)
	}

	logger.DebugKV(ctx, "Downloaded artifact", "url", url, "bytes", written)

	return written, nil
}

// swap moves the current install directory aside and the payload into its
// place. A failed second rename puts the previous directory back.
func (p *Provisioner) swap(ctx context.Context, payloadDir, previousDir string) error {
	hadPrevious := fileExists(p.installDir)

	if hadPrevious {
		err := retry.Do(ctx, p.cleanupPolicy(DefaultCleanupTimeout), func(context.Context) error {
			return os.Rename(p.installDir, previousDir)
		})
		if err != nil {
			return fmt.Errorf("move previous installation aside: %w", err)
		}
	}

	if err := os.Rename(payloadDir, p.installDir); err != nil {
		if hadPrevious {
			if restoreErr := os.Rename(previousDir, p.installDir); restoreErr != nil {
				logger.ErrorKV(ctx, "Unable to restore previous installation", "error", restoreErr)
			}
		}

		return fmt.Errorf("move new installation into place: %w", err)
	}

	return nil
}

// Cleanup removes the install directory and the install record. It reports
// false when there was nothing to remove. Removal is retried until timeout
// elapses, then the last error is returned wrapped in release.ErrCleanup.
func (p *Provisioner) Cleanup(ctx context.Context, timeout time.Duration) (bool, error) {
	ctx = logger.WithName(ctx, "provisioner")

	if !fileExists(p.installDir) && !fileExists(p.records.Path()) {
		return false, nil
	}

	logger.InfoKV(ctx, "Removing installation", "path", p.installDir)

	err := retry.Do(ctx, p.cleanupPolicy(timeout), func(ctx context.Context) error {
		if err := p.removeAll(p.installDir); err != nil {
			return err
		}

		_, err := p.records.Delete(ctx)

		return err
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", release.ErrCleanup, err)
	}

	return true, nil
}

func (p *Provisioner) cleanupPolicy(timeout time.Duration) retry.Policy {
	return retry.Policy{MaxDuration: timeout, Interval: p.interval}
}

func (p *Provisioner) stagingPrefix() string {
	return "." + filepath.Base(p.installDir) + ".staging-"
}

// removeStaging deletes a staging directory, retrying while files are held.
func (p *Provisioner) removeStaging(ctx context.Context, staging string) {
	err := retry.Do(context.WithoutCancel(ctx), p.cleanupPolicy(DefaultCleanupTimeout), func(context.Context) error {
		return p.removeAll(staging)
	})
	if err != nil {
		logger.WarnKV(ctx, "Unable to remove staging directory, it will be removed on the next run",
			"path", staging, "error", err)
	}
}

// removeLeftovers deletes staging directories of interrupted runs.
func (p *Provisioner) removeLeftovers(ctx context.Context) {
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(p.installDir), p.stagingPrefix()+"*"))
	if err != nil {
		return
	}

	for _, leftover := range matches {
		logger.DebugKV(ctx, "Removing leftover staging directory", "path", leftover)

		if err = p.removeAll(leftover); err != nil {
			logger.WarnKV(ctx, "Unable to remove leftover staging directory", "path", leftover, "error", err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)

	return err == nil
}
