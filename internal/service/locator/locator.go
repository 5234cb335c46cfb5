package locator

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/oshokin/server-provisioner/internal/domain/release"
	"github.com/oshokin/server-provisioner/internal/logger"
	"github.com/oshokin/server-provisioner/internal/transport"
)

// githubRelease is the subset of the GitHub release payload the locator uses.
type githubRelease struct {
	ID     int64         `json:"id"`
	Name   string        `json:"name"`
	Assets []githubAsset `json:"assets"`
}

// githubAsset is the subset of a GitHub release asset the locator uses.
type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// Locator resolves artifacts for one repository descriptor and one package.
type Locator struct {
	descriptor release.RepositoryDescriptor
	pkg        release.PackageSpec
	pattern    *regexp.Regexp
	getter     transport.Getter
	now        func() time.Time
}

// Option configures a Locator.
type Option func(*Locator)

// WithClock overrides the clock used for Artifact.ResolvedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Locator) {
		l.now = now
	}
}

// New validates the descriptor and the package and returns a locator.
// Configuration problems are reported as release.ErrConfiguration.
func New(descriptor release.RepositoryDescriptor, pkg release.PackageSpec, getter transport.Getter, opts ...Option) (*Locator, error) {
	if err := descriptor.Validate(); err != nil {
		return nil, err
	}

	if err := pkg.Validate(); err != nil {
		return nil, err
	}

	l := &Locator{
		descriptor: descriptor,
		pkg:        pkg,
		getter:     getter,
		now:        time.Now,
	}

	if pkg.Match == release.MatchPattern {
		pattern, err := regexp.Compile(pkg.Artifact)
		if err != nil {
			return nil, fmt.Errorf("%w: artifact pattern %q: %w", release.ErrConfiguration, pkg.Artifact, err)
		}

		l.pattern = pattern
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Resolve finds the artifact of the current release.
// Failures are reported as release.ErrResolution.
func (l *Locator) Resolve(ctx context.Context) (*release.Artifact, error) {
	ctx = logger.WithName(ctx, "locator")

	switch l.descriptor.Kind {
	case release.KindURLPrefix:
		return l.resolveURLPrefix(ctx)
	default:
		return l.resolveGitHub(ctx)
	}
}

// resolveURLPrefix joins the base url with the artifact name. No request is made
// and the artifact carries no version metadata.
func (l *Locator) resolveURLPrefix(ctx context.Context) (*release.Artifact, error) {
	base, err := url.Parse(l.descriptor.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %w", release.ErrResolution, err)
	}

	base.Path = path.Join("/", base.Path, l.pkg.Artifact)

	artifact := &release.Artifact{
		URL:        base.String(),
		ResolvedAt: l.now(),
	}

	logger.DebugKV(ctx, "Resolved artifact from url prefix", "url", artifact.URL)

	return artifact, nil
}

func (l *Locator) resolveGitHub(ctx context.Context) (*release.Artifact, error) {
	endpoint := l.releaseEndpoint()

	logger.DebugKV(ctx, "Fetching release metadata", "url", endpoint)

	var payload githubRelease
	if err := l.getter.GetJSON(ctx, endpoint, &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", release.ErrResolution, err)
	}

	for _, asset := range payload.Assets {
		if !l.matches(asset.Name) {
			continue
		}

		artifact := &release.Artifact{
			URL:        asset.BrowserDownloadURL,
			Version:    payload.Name,
			ID:         payload.ID,
			ResolvedAt: l.now(),
		}

		logger.DebugKV(ctx, "Resolved artifact",
			"asset", asset.Name, "version", artifact.Version, "id", artifact.ID)

		return artifact, nil
	}

	return nil, fmt.Errorf("%w: release %q has no asset matching %q", release.ErrResolution, payload.Name, l.pkg.Artifact)
}

// releaseEndpoint builds https://{host}/repos/{repo}/releases/{channel}.
// A host given with a scheme is used as is.
func (l *Locator) releaseEndpoint() string {
	host := strings.TrimSuffix(l.descriptor.APIHost, "/")
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}

	return fmt.Sprintf("%s/repos/%s/releases/%s",
		host,
		strings.TrimSpace(l.descriptor.Repo),
		url.PathEscape(l.descriptor.Channel),
	)
}

func (l *Locator) matches(name string) bool {
	if l.pattern != nil {
		return l.pattern.MatchString(name)
	}

	return name == l.pkg.Artifact
}
