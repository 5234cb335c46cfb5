// Package platform maps Go runtime identifiers to the platform signatures used
// to select release artifacts, such as "linux-x64" or "win32-arm64".
package platform

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrUnsupported is returned for an operating system or architecture without a signature.
var ErrUnsupported = errors.New("unsupported platform")

//nolint:gochecknoglobals // Lookup tables.
var (
	osNames = map[string]string{
		"linux":   "linux",
		"darwin":  "darwin",
		"windows": "win32",
	}
	archNames = map[string]string{
		"amd64": "x64",
		"arm64": "arm64",
		"386":   "ia32",
		"arm":   "arm",
	}
)

// Signature returns the "<os>-<arch>" signature for a GOOS/GOARCH pair.
func Signature(goos, goarch string) (string, error) {
	osName, ok := osNames[goos]
	if !ok {
		return "", fmt.Errorf("operating system %q: %w", goos, ErrUnsupported)
	}

	archName, ok := archNames[goarch]
	if !ok {
		return "", fmt.Errorf("architecture %q: %w", goarch, ErrUnsupported)
	}

	return osName + "-" + archName, nil
}

// Current returns the signature of the running process.
func Current() (string, error) {
	return Signature(runtime.GOOS, runtime.GOARCH)
}

// ExecutableName appends the platform executable suffix to name.
func ExecutableName(goos, name string) string {
	if goos == "windows" {
		return name + ".exe"
	}

	return name
}
