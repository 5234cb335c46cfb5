package coordinator

import "errors"

// ErrNotInstalled is returned by ServerPath when no server is available.
var ErrNotInstalled = errors.New("server is not installed")

// Reason explains why an operation did not install anything.
type Reason int

const (
	// ReasonNone means the operation was not skipped.
	ReasonNone Reason = iota
	// ReasonCancelled means the user declined the confirmation prompt.
	ReasonCancelled
	// ReasonDisabled means installing is turned off in settings.
	ReasonDisabled
	// ReasonError means the attempt failed; see the result error.
	ReasonError
)

// String returns the lower-case name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonCancelled:
		return "cancelled"
	case ReasonDisabled:
		return "disabled"
	case ReasonError:
		return "error"
	default:
		return "none"
	}
}

// CheckVersionResult is one of CustomPath, NotInstalled, Same or Different.
type CheckVersionResult interface {
	isCheckVersionResult()
}

// EnsureUpdatedResult is one of CustomPath, UpToDate or Outdated.
type EnsureUpdatedResult interface {
	isEnsureUpdatedResult()
}

// CustomPath means a user provided executable overrides the managed installation.
type CustomPath struct {
	Path string
}

// NotInstalled means nothing is recorded as installed.
type NotInstalled struct{}

// Same means the installed release equals the current one.
type Same struct {
	Version string
}

// Different means a release other than the installed one is current.
type Different struct {
	Old string
	New string
}

// UpToDate means no update was needed.
type UpToDate struct {
	Version string
}

// Versions is the pair of installed and current version labels.
type Versions struct {
	Old string
	New string
}

// Outdated describes an update attempt. When Updated is false, Reason tells
// why and Err carries the failure for ReasonError.
type Outdated struct {
	Updated  bool
	Versions *Versions
	Reason   Reason
	Err      error
}

func (CustomPath) isCheckVersionResult()   {}
func (NotInstalled) isCheckVersionResult() {}
func (Same) isCheckVersionResult()         {}
func (Different) isCheckVersionResult()    {}

func (CustomPath) isEnsureUpdatedResult() {}
func (UpToDate) isEnsureUpdatedResult()   {}
func (Outdated) isEnsureUpdatedResult()   {}

// EnsureInstalledResult describes an install attempt.
type EnsureInstalledResult struct {
	// Available is true when an executable can be used after the call.
	Available bool
	// Installed is true when this call installed the server.
	Installed bool
	// Path is the executable path when Available.
	Path string
	// Reason tells why nothing was installed.
	Reason Reason
	// Err is the failure for ReasonError.
	Err error
}
