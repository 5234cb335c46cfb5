package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oshokin/server-provisioner/internal/domain/release"
)

// Repository defines persistence operations for the install record.
type Repository interface {
	Load(ctx context.Context) (*release.Record, error)
	Save(ctx context.Context, record *release.Record) error
	Delete(ctx context.Context) (bool, error)
	Path() string
}

// FileRepository persists the install record to a JSON file on disk.
type FileRepository struct {
	// path is the filesystem location of the JSON state file.
	path string
	// mu protects concurrent access to the state file.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when the state file does not exist yet.
	ErrNotFound = errors.New("install record not found")

	errEmptyRecord = errors.New("record is empty")
)

// DefaultFilePermissions is the permission of the state file.
const DefaultFilePermissions = 0o600

// recordDocument is the on-disk shape of the install record.
type recordDocument struct {
	URL            string `json:"url"`
	Version        string `json:"version"`
	ID             int64  `json:"id"`
	DownloadedTime int64  `json:"downloadedTime"`
}

// NewFileRepository creates a repository that reads/writes JSON at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the location of the state file.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the record from disk.
func (r *FileRepository) Load(_ context.Context) (*release.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read state file: %w", err)
	}

	var document recordDocument
	if err = json.Unmarshal(contents, &document); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", release.ErrCorruptState, r.path, err)
	}

	// Every saved record has at least a URL or a download time.
	if document.URL == "" && document.DownloadedTime == 0 {
		return nil, fmt.Errorf("%w: %s: %w", release.ErrCorruptState, r.path, errEmptyRecord)
	}

	return fromDocument(&document), nil
}

// Save replaces the record on disk. The document is written to a temporary
// file first and renamed over the old one, so readers never see a partial record.
func (r *FileRepository) Save(_ context.Context, record *release.Record) error {
	if record == nil {
		return errors.New("install record is not set")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(toDocument(record))
	if err != nil {
		return fmt.Errorf("encode install record: %w", err)
	}

	dir := filepath.Dir(r.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(r.path)+".*")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}

	tmpName := tmp.Name()

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Chmod(tmpName, DefaultFilePermissions)
	}

	if err == nil {
		err = os.Rename(tmpName, r.path)
	}

	if err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("write state file: %w", err)
	}

	return nil
}

// Delete removes the state file. It reports false when there was nothing to remove.
func (r *FileRepository) Delete(_ context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := os.Remove(r.path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("remove state file: %w", err)
	}
}

// fromDocument converts the JSON document into the domain record.
func fromDocument(document *recordDocument) *release.Record {
	var downloadedAt time.Time
	if document.DownloadedTime > 0 {
		downloadedAt = time.UnixMilli(document.DownloadedTime)
	}

	return &release.Record{
		URL:          document.URL,
		Version:      document.Version,
		ID:           document.ID,
		DownloadedAt: downloadedAt,
	}
}

// toDocument converts the domain record into the JSON document.
func toDocument(record *release.Record) *recordDocument {
	var downloadedTime int64
	if !record.DownloadedAt.IsZero() {
		downloadedTime = record.DownloadedAt.UnixMilli()
	}

	return &recordDocument{
		URL:            record.URL,
		Version:        record.Version,
		ID:             record.ID,
		DownloadedTime: downloadedTime,
	}
}
