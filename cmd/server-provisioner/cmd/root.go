package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/server-provisioner/internal/bootstrap"
	"github.com/oshokin/server-provisioner/internal/config"
	"github.com/oshokin/server-provisioner/internal/logger"
	"github.com/oshokin/server-provisioner/internal/progress"
	"github.com/oshokin/server-provisioner/internal/prompt"
	"github.com/oshokin/server-provisioner/internal/version"
)

var errUnknownLogLevel = errors.New("unknown log level")

var (
	// configPath to the configuration YAML file.
	configPath string
	// logLevel overrides the level from settings.
	logLevel string
	// metricsFile is where operation metrics are written after the run.
	metricsFile string

	// app is wired before every subcommand that needs it.
	app *bootstrap.App

	// rootCmd represents the base command.
	rootCmd = &cobra.Command{
		Use:          version.Name,
		Short:        "Install and update the server executable",
		Long:         "Resolve the current server release for this platform, install it and keep it up to date.",
		SilenceUsage: true,
	}
)

// Execute runs the CLI and exits with non-zero status on error.
func Execute() {
	// Setup graceful shutdown handling.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)

	version.AttachCobraVersionCommand(rootCmd)

	err := rootCmd.ExecuteContext(ctx)

	writeMetrics(ctx)
	stop()

	if err != nil {
		os.Exit(1)
	}
}

// setup loads settings, applies the log level and wires the application.
func setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}

	parsed, ok := logger.ParseLogLevel(level)
	if !ok {
		return errUnknownLogLevel
	}

	logger.SetLevel(parsed)

	app, err = bootstrap.New(cmd.Context(), cfg, bootstrap.Options{
		Surface:  prompt.NewConsoleWith(cmd.InOrStdin(), cmd.ErrOrStderr()),
		Reporter: func() progress.Reporter { return progress.NewTerminal() },
	})

	return err
}

func writeMetrics(ctx context.Context) {
	if metricsFile == "" || app == nil {
		return
	}

	if err := app.Metrics.WriteTextfile(metricsFile); err != nil {
		logger.ErrorKV(ctx, "Unable to write metrics", "path", metricsFile, "error", err)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFilename, "path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-file", "", "write operation metrics in Prometheus text format to this file")

	rootCmd.AddCommand(
		newStatusCommand(),
		newInstallCommand(),
		newUpdateCommand(),
		newAutoCommand(),
		newReinstallCommand(),
		newCleanupCommand(),
		newPathCommand(),
	)
}
