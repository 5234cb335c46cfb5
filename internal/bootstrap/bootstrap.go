// Package bootstrap builds the provisioner object graph from settings. The
// platform signature and proxy settings are resolved here once and injected.
package bootstrap

import (
	"context"
	"net/url"
	"runtime"
	"strings"

	"github.com/oshokin/server-provisioner/internal/config"
	"github.com/oshokin/server-provisioner/internal/logger"
	"github.com/oshokin/server-provisioner/internal/metrics"
	"github.com/oshokin/server-provisioner/internal/platform"
	"github.com/oshokin/server-provisioner/internal/process"
	"github.com/oshokin/server-provisioner/internal/progress"
	"github.com/oshokin/server-provisioner/internal/prompt"
	"github.com/oshokin/server-provisioner/internal/repository/state"
	"github.com/oshokin/server-provisioner/internal/service/coordinator"
	"github.com/oshokin/server-provisioner/internal/service/extractor"
	"github.com/oshokin/server-provisioner/internal/service/locator"
	"github.com/oshokin/server-provisioner/internal/service/provisioner"
	"github.com/oshokin/server-provisioner/internal/transport"
	"github.com/oshokin/server-provisioner/internal/version"
)

// Options are the user-facing collaborators of the application.
type Options struct {
	// Platform overrides the detected platform signature.
	Platform string
	// Surface prompts and notifies; nil never prompts.
	Surface prompt.Surface
	// Reporter creates progress reporters; nil reports nothing.
	Reporter func() progress.Reporter
	// Process overrides the dependent process handle built from settings.
	Process process.Handle
}

// App is the wired application.
type App struct {
	Config      *config.Config
	Platform    string
	Provisioner *provisioner.Provisioner
	Coordinator *coordinator.Coordinator
	Metrics     *metrics.Prometheus
}

// New wires the application. Configuration problems, including a platform
// without a package, are reported as release.ErrConfiguration.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	ctx = logger.WithName(ctx, "bootstrap")

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	signature := opts.Platform
	if signature == "" {
		var err error

		if signature, err = platform.Current(); err != nil {
			return nil, err
		}
	}

	pkg, err := cfg.Packages.Select(signature)
	if err != nil {
		return nil, err
	}

	client := transport.New(cfg.Proxy, cfg.Timeout,
		transport.WithUserAgent(version.UserAgent()),
		transport.WithAuthToken(apiHostname(cfg.Repository.APIHost), cfg.GitHubToken),
	)

	releases, err := locator.New(cfg.Repository, pkg, client)
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewPrometheus()

	p, err := provisioner.New(
		cfg.InstallDir(),
		pkg,
		releases,
		client,
		extractor.New(),
		state.NewFileRepository(cfg.StateFile()),
		provisioner.WithMetrics(recorder),
		provisioner.WithCleanupInterval(cfg.CleanupInterval),
	)
	if err != nil {
		return nil, err
	}

	handle := opts.Process
	if handle == nil {
		handle = processHandle(cfg.Process)
	}

	c := coordinator.New(p,
		coordinator.WithCustomPath(cfg.CustomPath),
		coordinator.WithProcess(handle),
		coordinator.WithSurface(opts.Surface),
		coordinator.WithReporter(opts.Reporter),
		coordinator.WithMetrics(recorder),
		coordinator.WithCleanupTimeout(cfg.CleanupTimeout),
	)

	logger.DebugKV(ctx, "Application wired",
		"platform", signature,
		"repository", cfg.Repository.Kind,
		"install_dir", cfg.InstallDir(),
	)

	return &App{
		Config:      cfg,
		Platform:    signature,
		Provisioner: p,
		Coordinator: c,
		Metrics:     recorder,
	}, nil
}

func processHandle(settings config.Process) process.Handle {
	if settings.Name == "" {
		return process.Noop{}
	}

	return process.NewSupervisor(platform.ExecutableName(runtime.GOOS, strings.TrimSuffix(settings.Name, ".exe")), settings.Command)
}

// apiHostname strips an optional scheme and port from the configured API host.
func apiHostname(host string) string {
	if !strings.Contains(host, "://") {
		host = "https://" + host
	}

	parsed, err := url.Parse(host)
	if err != nil {
		return ""
	}

	return parsed.Hostname()
}
