package release

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// DescriptorKind selects how releases are discovered.
type DescriptorKind string

const (
	// KindGitHub resolves releases through the GitHub releases API.
	KindGitHub DescriptorKind = "github"
	// KindURLPrefix builds the artifact URL from a fixed prefix; no version metadata is available.
	KindURLPrefix DescriptorKind = "url-prefix"
)

const (
	// DefaultChannel is the release channel used when none is configured.
	DefaultChannel = "latest"
	// DefaultAPIHost is the GitHub API host used when none is configured.
	DefaultAPIHost = "api.github.com"
)

// RepositoryDescriptor describes where releases are published.
type RepositoryDescriptor struct {
	// Kind is either KindGitHub or KindURLPrefix.
	Kind DescriptorKind `yaml:"kind"`
	// Repo is the "owner/name" slug of a GitHub repository.
	Repo string `yaml:"repo,omitempty"`
	// Channel is "latest" or a numeric release id.
	Channel string `yaml:"channel,omitempty"`
	// APIHost overrides the GitHub API host (GitHub Enterprise, tests).
	APIHost string `yaml:"api_host,omitempty"`
	// BaseURL is the prefix artifacts are downloaded from for KindURLPrefix.
	BaseURL string `yaml:"base_url,omitempty"`
}

// Validate checks the descriptor and fills channel and API host defaults.
func (d *RepositoryDescriptor) Validate() error {
	switch d.Kind {
	case KindGitHub:
		owner, name, ok := strings.Cut(strings.TrimSpace(d.Repo), "/")
		if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
			return fmt.Errorf("%w: github repository must look like owner/name, got %q", ErrConfiguration, d.Repo)
		}

		if d.Channel == "" {
			d.Channel = DefaultChannel
		}

		if d.APIHost == "" {
			d.APIHost = DefaultAPIHost
		}
	case KindURLPrefix:
		parsed, err := url.Parse(d.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: url-prefix repository needs an absolute base url, got %q", ErrConfiguration, d.BaseURL)
		}
	default:
		return fmt.Errorf("%w: unknown repository kind %q", ErrConfiguration, d.Kind)
	}

	return nil
}

// ArchiveFormat is the container format of a release artifact.
type ArchiveFormat string

const (
	// FormatZip is a zip archive extracted as a whole.
	FormatZip ArchiveFormat = "zip"
	// FormatGzip is a single gzip-compressed executable.
	FormatGzip ArchiveFormat = "gzip"
	// FormatTarGzip is a gzip-compressed tarball extracted as a whole.
	FormatTarGzip ArchiveFormat = "tar-gzip"
)

// MatchMode tells how PackageSpec.Artifact is compared with asset names.
type MatchMode string

const (
	// MatchLiteral requires the asset name to equal the artifact name.
	MatchLiteral MatchMode = "literal"
	// MatchPattern treats the artifact name as a regular expression.
	MatchPattern MatchMode = "pattern"
)

// PackageSpec describes the artifact published for one platform signature.
type PackageSpec struct {
	// Executable is the path of the server binary relative to the install directory.
	Executable string `yaml:"executable"`
	// Artifact is the asset file name, or a regular expression when Match is MatchPattern.
	Artifact string `yaml:"artifact"`
	// Match selects literal or pattern matching, literal by default.
	Match MatchMode `yaml:"match,omitempty"`
	// Format is the archive format of the artifact.
	Format ArchiveFormat `yaml:"format"`
}

// Validate checks the package fields.
func (p *PackageSpec) Validate() error {
	if strings.TrimSpace(p.Executable) == "" {
		return fmt.Errorf("%w: package executable path is empty", ErrConfiguration)
	}

	if strings.TrimSpace(p.Artifact) == "" {
		return fmt.Errorf("%w: package artifact name is empty", ErrConfiguration)
	}

	switch p.Match {
	case "":
		p.Match = MatchLiteral
	case MatchLiteral:
	case MatchPattern:
		if _, err := regexp.Compile(p.Artifact); err != nil {
			return fmt.Errorf("%w: artifact pattern %q: %w", ErrConfiguration, p.Artifact, err)
		}
	default:
		return fmt.Errorf("%w: unknown match mode %q", ErrConfiguration, p.Match)
	}

	switch p.Format {
	case FormatZip, FormatGzip, FormatTarGzip:
	default:
		return fmt.Errorf("%w: unknown archive format %q", ErrConfiguration, p.Format)
	}

	return nil
}

// Packages maps platform signatures ("linux-x64", "win32-x64", ...) to package specs.
type Packages map[string]PackageSpec

// Select returns the validated package for the platform signature.
func (p Packages) Select(signature string) (PackageSpec, error) {
	spec, ok := p[signature]
	if !ok {
		return PackageSpec{}, fmt.Errorf("%w: no package for platform %q", ErrConfiguration, signature)
	}

	if err := spec.Validate(); err != nil {
		return PackageSpec{}, fmt.Errorf("package for %s: %w", signature, err)
	}

	return spec, nil
}

// Artifact is a freshly resolved downloadable release artifact.
// It is never cached between resolutions.
type Artifact struct {
	// URL is where the artifact is downloaded from.
	URL string
	// Version is the release display name, compared as an opaque string.
	Version string
	// ID is the opaque release id, zero when the source has no metadata.
	ID int64
	// ResolvedAt is when the artifact was resolved.
	ResolvedAt time.Time
}

// HasVersionMetadata reports whether the artifact carries a release identity.
func (a *Artifact) HasVersionMetadata() bool {
	return a.ID != 0 || a.Version != ""
}

// Record describes what is currently installed.
type Record struct {
	// URL is the artifact URL the installation came from.
	URL string
	// Version is the release display name at install time.
	Version string
	// ID is the release id at install time.
	ID int64
	// DownloadedAt is when the installation was last downloaded or confirmed current.
	DownloadedAt time.Time
}

// NewRecord builds the record committed after installing the artifact.
func NewRecord(artifact *Artifact, now time.Time) *Record {
	return &Record{
		URL:          artifact.URL,
		Version:      artifact.Version,
		ID:           artifact.ID,
		DownloadedAt: now,
	}
}

// Clone returns a copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	cloned := *r

	return &cloned
}

// SameRelease reports whether the installed record and the resolved artifact
// denote the same release: both the release id and the version label must match.
// Artifacts without version metadata never match, so they are always re-downloaded.
func SameRelease(record *Record, artifact *Artifact) bool {
	if record == nil || artifact == nil || !artifact.HasVersionMetadata() {
		return false
	}

	return record.ID == artifact.ID && record.Version == artifact.Version
}
