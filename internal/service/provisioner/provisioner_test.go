package provisioner

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/server-provisioner/internal/domain/release"
	"github.com/oshokin/server-provisioner/internal/metrics"
	"github.com/oshokin/server-provisioner/internal/repository/state"
	"github.com/oshokin/server-provisioner/internal/service/extractor"
	"github.com/oshokin/server-provisioner/internal/service/locator"
	"github.com/oshokin/server-provisioner/internal/transport"
)

var (
	errNetwork = errors.New("connection refused")
	errCorrupt = errors.New("unexpected EOF")
	errLocked  = errors.New("file is being used by another process")
)

// staticLocator returns a fixed artifact.
type staticLocator struct {
	artifact *release.Artifact
	err      error
}

func (l *staticLocator) Resolve(context.Context) (*release.Artifact, error) {
	if l.err != nil {
		return nil, l.err
	}

	artifact := *l.artifact

	return &artifact, nil
}

// artifactServer serves archive bytes by URL and counts downloads.
type artifactServer struct {
	mu        sync.Mutex
	files     map[string][]byte
	downloads int
}

func (s *artifactServer) Get(_ context.Context, rawURL string) (*transport.Download, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.downloads++

	data, ok := s.files[rawURL]
	if !ok {
		return nil, fmt.Errorf("%s, 404 Not Found: %w", rawURL, transport.ErrBadHTTPStatus)
	}

	return &transport.Download{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data))}, nil
}

func (s *artifactServer) GetJSON(context.Context, string, any) error {
	return errNetwork
}

// countingExtractor wraps an extractor and counts calls.
type countingExtractor struct {
	next  Extractor
	err   error
	calls int
}

func (e *countingExtractor) Extract(ctx context.Context, archivePath string, format release.ArchiveFormat, targetDir, executable string) error {
	e.calls++
	if e.err != nil {
		return fmt.Errorf("%w: %w", release.ErrExtraction, e.err)
	}

	return e.next.Extract(ctx, archivePath, format, targetDir, executable)
}

// clock is a settable test clock.
type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func tarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	compressor := gzip.NewWriter(&buf)
	writer := tar.NewWriter(compressor)

	for name, body := range files {
		require.NoError(t, writer.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(body)),
			Typeflag: tar.TypeReg,
		}))

		_, err := writer.Write([]byte(body))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())
	require.NoError(t, compressor.Close())

	return buf.Bytes()
}

type fixture struct {
	dir        string
	installDir string
	records    *state.FileRepository
	server     *artifactServer
	extractor  *countingExtractor
	clock      *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()

	return &fixture{
		dir:        dir,
		installDir: filepath.Join(dir, "server"),
		records:    state.NewFileRepository(filepath.Join(dir, "server-state.json")),
		server:     &artifactServer{files: make(map[string][]byte)},
		extractor:  &countingExtractor{next: extractor.New()},
		clock:      &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
}

func (f *fixture) provisioner(t *testing.T, l Locator, pkg release.PackageSpec, opts ...Option) *Provisioner {
	t.Helper()

	opts = append([]Option{WithClock(f.clock.Now), WithCleanupInterval(5 * time.Millisecond)}, opts...)

	p, err := New(f.installDir, pkg, l, f.server, f.extractor, f.records, opts...)
	require.NoError(t, err)

	return p
}

var serverPackage = release.PackageSpec{
	Executable: "bin/server",
	Artifact:   "server-linux-x64.tar.gz",
	Format:     release.FormatTarGzip,
}

// installExisting puts a working v1.1 installation on disk.
func (f *fixture) installExisting(t *testing.T) *release.Record {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Join(f.installDir, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.installDir, "bin", "server"), []byte("v1.1"), 0o755))

	record := &release.Record{
		URL:          "https://example.com/v1.1/server-linux-x64.tar.gz",
		Version:      "v1.1",
		ID:           41,
		DownloadedAt: f.clock.now.Add(-48 * time.Hour),
	}
	require.NoError(t, f.records.Save(context.Background(), record))

	return record
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	contents, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(contents)
}

func requireNoStaging(t *testing.T, dir string) {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(dir, ".server.staging-*"))
	require.NoError(t, err)
	require.Empty(t, matches)
}

// TestDownloadAndInstall_FreshURLPrefix installs from a url-prefix repository
// into an empty storage directory.
func TestDownloadAndInstall_FreshURLPrefix(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.server.files["https://downloads.example.com/tools/tool-linux-x64.tar.gz"] = tarGz(t, map[string]string{"tool": "tool binary"})

	pkg := release.PackageSpec{Executable: "tool", Artifact: "tool-linux-x64.tar.gz", Format: release.FormatTarGzip}

	l, err := locator.New(release.RepositoryDescriptor{
		Kind:    release.KindURLPrefix,
		BaseURL: "https://downloads.example.com/tools/",
	}, pkg, f.server)
	require.NoError(t, err)

	p := f.provisioner(t, l, pkg)

	result, err := p.DownloadAndInstall(context.Background(), nil)
	require.NoError(t, err)
	require.False(t, result.Refreshed)
	require.Nil(t, result.Previous)

	require.Equal(t, "tool binary", readFile(t, p.ExecutablePath()))

	record, err := f.records.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, record.Version)
	require.Zero(t, record.ID)
	require.Equal(t, "https://downloads.example.com/tools/tool-linux-x64.tar.gz", record.URL)
	require.True(t, f.clock.now.Equal(record.DownloadedAt))

	installed, err := p.Installed(context.Background())
	require.NoError(t, err)
	require.True(t, installed)
	requireNoStaging(t, f.dir)
}

// TestDownloadAndInstall_SameReleaseOnlyRefreshes checks that an equal
// (id, version) pair neither downloads nor extracts.
func TestDownloadAndInstall_SameReleaseOnlyRefreshes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	previous := f.installExisting(t)

	recorder := metrics.NewPrometheus()
	p := f.provisioner(t, &staticLocator{artifact: &release.Artifact{
		URL:     previous.URL,
		Version: previous.Version,
		ID:      previous.ID,
	}}, serverPackage, WithMetrics(recorder))

	result, err := p.DownloadAndInstall(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, result.Refreshed)
	require.Zero(t, f.server.downloads)
	require.Zero(t, f.extractor.calls)

	record, err := f.records.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, previous.Version, record.Version)
	require.Equal(t, previous.ID, record.ID)
	require.True(t, f.clock.now.Equal(record.DownloadedAt))
	require.Equal(t, "v1.1", readFile(t, p.ExecutablePath()))
}

// TestDownloadAndInstall_ReplacesOutdated swaps the install directory as a unit.
func TestDownloadAndInstall_ReplacesOutdated(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	previous := f.installExisting(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.installDir, "stale.txt"), []byte("old"), 0o600))

	artifact := &release.Artifact{URL: "https://example.com/v1.2/server-linux-x64.tar.gz", Version: "v1.2", ID: 42}
	f.server.files[artifact.URL] = tarGz(t, map[string]string{"bin/server": "v1.2"})

	p := f.provisioner(t, &staticLocator{artifact: artifact}, serverPackage)

	result, err := p.DownloadAndInstall(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, previous.Version, result.Previous.Version)
	require.Equal(t, "v1.2", result.Record.Version)
	require.Positive(t, result.Downloaded)

	require.Equal(t, "v1.2", readFile(t, p.ExecutablePath()))
	require.NoFileExists(t, filepath.Join(f.installDir, "stale.txt"))
	requireNoStaging(t, f.dir)
}

// TestDownloadAndInstall_FailureKeepsPreviousInstallation covers every failure
// before the swap: the record and the files must stay as they were.
func TestDownloadAndInstall_FailureKeepsPreviousInstallation(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		locatorErr   error
		noArtifact   bool
		extractErr   error
		archiveFiles map[string]string
		wantErr      error
	}{
		"resolution": {
			locatorErr: fmt.Errorf("%w: %w", release.ErrResolution, errNetwork),
			wantErr:    release.ErrResolution,
		},
		"download status": {
			noArtifact: true,
			wantErr:    transport.ErrBadHTTPStatus,
		},
		"extraction": {
			extractErr: errCorrupt,
			wantErr:    release.ErrExtraction,
		},
		"missing executable": {
			archiveFiles: map[string]string{"README": "no binary here"},
			wantErr:      errMissingExecutable,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			previous := f.installExisting(t)

			artifact := &release.Artifact{URL: "https://example.com/v1.2/server.tar.gz", Version: "v1.2", ID: 42}

			files := tc.archiveFiles
			if files == nil {
				files = map[string]string{"bin/server": "v1.2"}
			}

			if !tc.noArtifact {
				f.server.files[artifact.URL] = tarGz(t, files)
			}

			f.extractor.err = tc.extractErr

			p := f.provisioner(t, &staticLocator{artifact: artifact, err: tc.locatorErr}, serverPackage)

			_, err := p.DownloadAndInstall(context.Background(), nil)
			require.ErrorIs(t, err, tc.wantErr)

			record, err := f.records.Load(context.Background())
			require.NoError(t, err)
			require.Equal(t, previous.Version, record.Version)
			require.Equal(t, previous.ID, record.ID)
			require.True(t, previous.DownloadedAt.Equal(record.DownloadedAt))
			require.Equal(t, "v1.1", readFile(t, p.ExecutablePath()))
			requireNoStaging(t, f.dir)
		})
	}
}

// TestDownloadAndInstall_CorruptRecordFails keeps a damaged record and the
// installation untouched until Cleanup removes them.
func TestDownloadAndInstall_CorruptRecordFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.installExisting(t)
	require.NoError(t, os.WriteFile(f.records.Path(), []byte("{"), 0o600))

	artifact := &release.Artifact{URL: "https://example.com/server.tar.gz", Version: "v1.2", ID: 42}
	f.server.files[artifact.URL] = tarGz(t, map[string]string{"bin/server": "v1.2"})

	p := f.provisioner(t, &staticLocator{artifact: artifact}, serverPackage)

	_, err := p.DownloadAndInstall(context.Background(), nil)
	require.ErrorIs(t, err, release.ErrCorruptState)
	require.Equal(t, "v1.1", readFile(t, filepath.Join(f.installDir, "bin", "server")))
	require.Equal(t, "{", readFile(t, f.records.Path()))

	removed, err := p.Cleanup(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, removed)

	_, err = p.DownloadAndInstall(context.Background(), nil)
	require.NoError(t, err)

	record, err := f.records.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "v1.2", record.Version)
}

// TestIsStale checks the staleness boundary.
func TestIsStale(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.provisioner(t, &staticLocator{}, serverPackage)

	stale, err := p.IsStale(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.True(t, stale, "no record means stale")

	for age, want := range map[time.Duration]bool{
		23 * time.Hour: false,
		24 * time.Hour: true,
		25 * time.Hour: true,
	} {
		require.NoError(t, f.records.Save(context.Background(), &release.Record{
			Version:      "v1",
			DownloadedAt: f.clock.now.Add(-age),
		}))

		stale, err = p.IsStale(context.Background(), 24*time.Hour)
		require.NoError(t, err)
		require.Equal(t, want, stale, age.String())
	}

	require.NoError(t, os.WriteFile(f.records.Path(), []byte("not json"), 0o600))

	_, err = p.IsStale(context.Background(), time.Hour)
	require.ErrorIs(t, err, release.ErrCorruptState)
}

// TestCleanup_NothingToRemove returns false without error.
func TestCleanup_NothingToRemove(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.provisioner(t, &staticLocator{}, serverPackage)

	removed, err := p.Cleanup(context.Background(), time.Second)
	require.NoError(t, err)
	require.False(t, removed)
}

// TestCleanup_RetriesLockedFiles absorbs transient failures within the timeout
// and reports the last one after it.
func TestCleanup_RetriesLockedFiles(t *testing.T) {
	t.Parallel()

	lockedFor := func(p *Provisioner, n int) {
		attempts := 0
		p.removeAll = func(path string) error {
			attempts++
			if attempts <= n {
				return fmt.Errorf("remove %s (attempt %d): %w", path, attempts, errLocked)
			}

			return os.RemoveAll(path)
		}
	}

	f := newFixture(t)
	f.installExisting(t)

	p := f.provisioner(t, &staticLocator{}, serverPackage)
	lockedFor(p, 3)

	removed, err := p.Cleanup(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, removed)
	require.NoDirExists(t, f.installDir)
	require.NoFileExists(t, f.records.Path())

	f = newFixture(t)
	f.installExisting(t)

	p = f.provisioner(t, &staticLocator{}, serverPackage)
	lockedFor(p, 1_000_000)

	removed, err = p.Cleanup(context.Background(), 30*time.Millisecond)
	require.ErrorIs(t, err, release.ErrCleanup)
	require.ErrorIs(t, err, errLocked)
	require.False(t, removed)
	require.DirExists(t, f.installDir)
}

// TestNew_Configuration rejects invalid construction input.
func TestNew_Configuration(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := New("", serverPackage, &staticLocator{}, f.server, f.extractor, f.records)
	require.ErrorIs(t, err, release.ErrConfiguration)

	_, err = New(f.installDir, release.PackageSpec{Executable: "server", Artifact: "a", Format: "rar"}, &staticLocator{}, f.server, f.extractor, f.records)
	require.ErrorIs(t, err, release.ErrConfiguration)
}

// TestTouch bumps the timestamp of an existing record only.
func TestTouch(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.provisioner(t, &staticLocator{}, serverPackage)

	touched, err := p.Touch(context.Background())
	require.NoError(t, err)
	require.False(t, touched)
	require.NoFileExists(t, f.records.Path())

	previous := f.installExisting(t)

	touched, err = p.Touch(context.Background())
	require.NoError(t, err)
	require.True(t, touched)

	record, err := f.records.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, previous.ID, record.ID)
	require.True(t, f.clock.now.Equal(record.DownloadedAt))
}
