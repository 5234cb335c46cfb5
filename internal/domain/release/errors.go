package release

import "errors"

var (
	// ErrConfiguration marks fatal setup problems: no package for the current
	// platform or a malformed repository descriptor.
	ErrConfiguration = errors.New("configuration error")
	// ErrResolution marks a failed release lookup: network failure,
	// unexpected HTTP status or no matching release asset.
	ErrResolution = errors.New("release resolution failed")
	// ErrCorruptState marks a state file that exists but cannot be parsed.
	ErrCorruptState = errors.New("install state is corrupt")
	// ErrExtraction marks an archive that could not be unpacked.
	ErrExtraction = errors.New("archive extraction failed")
	// ErrCleanup marks files that stayed undeletable past the cleanup timeout.
	ErrCleanup = errors.New("cleanup failed")
)
