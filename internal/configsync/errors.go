package configsync

import "github.com/nerrad567/gray-logic-mesh/internal/fault"

// Domain errors for the configsync package.
var (
	// ErrConflict is returned when the configuration changed since the
	// editor's download.
	ErrConflict = fault.New(fault.ErrConflict, "configsync: configuration changed since download")

	// ErrInvalidEdit is returned for a malformed edit set.
	ErrInvalidEdit = fault.New(fault.ErrValidation, "configsync: invalid edit")

	// ErrStructural is returned for submits while a structural operation
	// is running.
	ErrStructural = fault.New(fault.ErrBusy, "configsync: structural operation in progress")

	// ErrNoDownload is returned when a session submits before downloading.
	ErrNoDownload = fault.New(fault.ErrValidation, "configsync: session has no download")

	// ErrSessionClosed is returned by a closed session.
	ErrSessionClosed = fault.New(fault.ErrNotReady, "configsync: session closed")
)
