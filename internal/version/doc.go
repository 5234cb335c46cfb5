// Package version exposes build metadata for the provisioner.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. Short and Full render them for CLI output and UserAgent for
// requests to release hosts.
package version
