package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/oshokin/server-provisioner/internal/service/coordinator"
)

var errCleanupTimeout = errors.New("cleanup timeout must be positive")

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Compare the installed server with the current release",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result, err := app.Coordinator.CheckVersion(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			switch r := result.(type) {
			case coordinator.CustomPath:
				fmt.Fprintf(out, "custom server executable: %s\n", r.Path)
			case coordinator.NotInstalled:
				fmt.Fprintln(out, "server is not installed")
			case coordinator.Same:
				fmt.Fprintf(out, "server %s is up to date\n", r.Version)
			case coordinator.Different:
				fmt.Fprintf(out, "server %s is installed, %s is available\n", r.Old, r.New)
			}

			return nil
		},
	}
}

func newInstallCommand() *cobra.Command {
	var yes bool

	command := &cobra.Command{
		Use:     "install",
		Short:   "Install the server when it is missing",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.Config
			result := app.Coordinator.EnsureInstalled(cmd.Context(), cfg.Ask && !yes, cfg.Enabled)

			return reportInstalled(cmd, result)
		},
	}

	command.Flags().BoolVarP(&yes, "yes", "y", false, "install without asking for confirmation")

	return command
}

func newUpdateCommand() *cobra.Command {
	var (
		yes   bool
		quiet bool
	)

	command := &cobra.Command{
		Use:     "update",
		Short:   "Install or update the server to the current release",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.Config
			result := app.Coordinator.EnsureUpdated(cmd.Context(), cfg.Ask && !yes, cfg.Enabled, cfg.ShowUpToDate && !quiet)

			return reportUpdated(cmd, result)
		},
	}

	command.Flags().BoolVarP(&yes, "yes", "y", false, "update without asking for confirmation")
	command.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not announce an installation that is already current")

	return command
}

func newAutoCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "auto",
		Short:   "Update the server when the last check is older than max_age",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := app.Config

			result, checked, err := app.Coordinator.RegularUpdate(cmd.Context(), cfg.MaxAge, cfg.Ask, cfg.Enabled)
			if err != nil {
				return err
			}

			if !checked {
				fmt.Fprintln(cmd.OutOrStdout(), "server was checked recently")

				return nil
			}

			return reportUpdated(cmd, result)
		},
	}
}

func newReinstallCommand() *cobra.Command {
	var yes bool

	command := &cobra.Command{
		Use:     "reinstall",
		Short:   "Remove the installed server and install the current release",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			result := app.Coordinator.Reinstall(cmd.Context(), app.Config.Ask && !yes)

			return reportInstalled(cmd, result)
		},
	}

	command.Flags().BoolVarP(&yes, "yes", "y", false, "reinstall without asking for confirmation")

	return command
}

func newCleanupCommand() *cobra.Command {
	var timeout time.Duration

	command := &cobra.Command{
		Use:     "cleanup",
		Short:   "Remove the installed server and its install record",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if timeout == 0 {
				timeout = app.Config.CleanupTimeout
			}

			if timeout < 0 {
				return errCleanupTimeout
			}

			removed, err := app.Provisioner.Cleanup(cmd.Context(), timeout)
			if err != nil {
				return err
			}

			if removed {
				fmt.Fprintln(cmd.OutOrStdout(), "server removed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to remove")
			}

			return nil
		},
	}

	command.Flags().DurationVar(&timeout, "timeout", 0, "how long to retry removal, defaults to cleanup_timeout")

	return command
}

func newPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "path",
		Short:   "Print the server executable path",
		Args:    cobra.NoArgs,
		PreRunE: setup,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := app.Coordinator.ServerPath(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), path)

			return nil
		},
	}
}

func reportInstalled(cmd *cobra.Command, result coordinator.EnsureInstalledResult) error {
	out := cmd.OutOrStdout()

	switch {
	case result.Reason == coordinator.ReasonError:
		return result.Err
	case result.Installed:
		fmt.Fprintf(out, "server installed: %s\n", result.Path)
	case result.Available:
		fmt.Fprintf(out, "server is available: %s\n", result.Path)
	default:
		fmt.Fprintf(out, "server is not installed (%s)\n", result.Reason)
	}

	return nil
}

func reportUpdated(cmd *cobra.Command, result coordinator.EnsureUpdatedResult) error {
	out := cmd.OutOrStdout()

	switch r := result.(type) {
	case coordinator.CustomPath:
		fmt.Fprintf(out, "custom server executable: %s\n", r.Path)
	case coordinator.UpToDate:
		fmt.Fprintf(out, "server %s is up to date\n", r.Version)
	case coordinator.Outdated:
		if r.Reason == coordinator.ReasonError {
			return r.Err
		}

		switch {
		case r.Updated && r.Versions != nil && r.Versions.New != "":
			fmt.Fprintf(out, "server updated to %s\n", r.Versions.New)
		case r.Updated:
			fmt.Fprintln(out, "server updated")
		default:
			fmt.Fprintf(out, "server was not updated (%s)\n", r.Reason)
		}
	}

	return nil
}
