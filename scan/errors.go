package scan

import "errors"

var (
	// ErrInvalidPattern is returned when a hex or regex pattern fails to
	// decode. No scan or filter work is started.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrScanNotFound is returned when a filter, lookup or clear references
	// a scan id with no prior scan.
	ErrScanNotFound = errors.New("scan id not found")

	// ErrPassInProgress is returned when a filter is requested for a scan id
	// that already has a scan or filter pass running.
	ErrPassInProgress = errors.New("a pass is already in progress for this scan id")

	// ErrNotAttached is returned when no target process is configured.
	ErrNotAttached = errors.New("no process attached")
)
