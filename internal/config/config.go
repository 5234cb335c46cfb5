package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/server-provisioner/internal/domain/release"
	"github.com/oshokin/server-provisioner/internal/logger"
	"github.com/oshokin/server-provisioner/internal/transport"
)

// Config holds the provisioner settings.
type Config struct {
	// Repository describes where releases are published.
	Repository release.RepositoryDescriptor `yaml:"repository"`
	// Packages maps platform signatures to the artifact published for them.
	Packages release.Packages `yaml:"packages"`
	// StorageDir holds the installation and its state file.
	StorageDir string `yaml:"storage_dir"`
	// CustomPath points to a user provided server executable and disables provisioning.
	CustomPath string `yaml:"custom_path,omitempty"`
	// Enabled allows downloading and installing.
	Enabled bool `yaml:"enabled"`
	// Ask requires confirmation before installing.
	Ask bool `yaml:"ask"`
	// ShowUpToDate announces an installation that is already current.
	ShowUpToDate bool `yaml:"show_up_to_date"`
	// MaxAge is how old the installation may get before a regular update check.
	MaxAge time.Duration `yaml:"max_age"`
	// CleanupTimeout bounds removal of the installation before a reinstall.
	CleanupTimeout time.Duration `yaml:"cleanup_timeout"`
	// CleanupInterval is the pause between removal attempts.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// Timeout bounds connection setup and waiting for response headers.
	Timeout time.Duration `yaml:"timeout"`
	// Proxy configures outgoing HTTP requests.
	Proxy transport.ProxyConfig `yaml:"proxy"`
	// Process describes the dependent server process.
	Process Process `yaml:"process"`
	// GitHubToken is sent to the GitHub API host to raise rate limits.
	GitHubToken string `yaml:"github_token,omitempty"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Process describes the dependent server process.
type Process struct {
	// Name is the executable name looked up in the process table; empty disables process control.
	Name string `yaml:"name,omitempty"`
	// Command starts the process again after an install.
	Command []string `yaml:"command,omitempty"`
}

const (
	// DefaultConfigFilename is the default filename for settings.
	DefaultConfigFilename = "server-provisioner.yaml"

	// DefaultStorageDir is the default directory for the installation and its state.
	DefaultStorageDir = ".server-provisioner"

	// DefaultMaxAge is the default age that triggers a regular update check.
	DefaultMaxAge = 24 * time.Hour

	// DefaultCleanupTimeout is the default removal budget before a reinstall.
	DefaultCleanupTimeout = 5 * time.Second

	// DefaultCleanupInterval is the default pause between removal attempts.
	DefaultCleanupInterval = 100 * time.Millisecond

	// DefaultTimeout is the default duration for network operations.
	DefaultTimeout = 30 * time.Second

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600

	installDirName = "server"
	stateFileName  = "server-state.json"
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errNoPackages is returned when no platform package is configured.
	errNoPackages = errors.New("at least one package must be configured")
)

// Default returns settings with every default applied.
func Default() *Config {
	return &Config{
		StorageDir:      DefaultStorageDir,
		Enabled:         true,
		Ask:             true,
		MaxAge:          DefaultMaxAge,
		CleanupTimeout:  DefaultCleanupTimeout,
		CleanupInterval: DefaultCleanupInterval,
		Timeout:         DefaultTimeout,
		Proxy:           transport.ProxyConfig{StrictSSL: true},
		LogLevel:        "info",
	}
}

// Load reads configuration from the provided path over the defaults and validates it.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	cfg := Default()
	if err = yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err = Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions, the file may carry a token.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the settings and fills defaults for empty values.
// Problems are reported as release.ErrConfiguration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if err := cfg.Repository.Validate(); err != nil {
		return err
	}

	if len(cfg.Packages) == 0 {
		return fmt.Errorf("%w: %w", release.ErrConfiguration, errNoPackages)
	}

	for signature, pkg := range cfg.Packages {
		if err := pkg.Validate(); err != nil {
			return fmt.Errorf("package for %s: %w", signature, err)
		}

		cfg.Packages[signature] = pkg
	}

	if _, ok := logger.ParseLogLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("%w: unknown log level %q", release.ErrConfiguration, cfg.LogLevel)
	}

	if strings.TrimSpace(cfg.StorageDir) == "" {
		cfg.StorageDir = DefaultStorageDir
	}

	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}

	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = DefaultCleanupTimeout
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return nil
}

// InstallDir returns the directory owned by the provisioner.
func (c *Config) InstallDir() string {
	return filepath.Join(c.StorageDir, installDirName)
}

// StateFile returns the path of the install record.
func (c *Config) StateFile() string {
	return filepath.Join(c.StorageDir, stateFileName)
}
