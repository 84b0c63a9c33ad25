package lua

import "github.com/cockroachdb/errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrNotFunction is returned when calling a value that is not a function.
	ErrNotFunction = errors.New("lua value is not a function")

	// ErrBusy is returned when another call holds the state for longer
	// than the call timeout.
	ErrBusy = errors.New("lua state is busy")

	// ErrNoExport is returned when calling a function the module does not export.
	ErrNoExport = errors.New("lua module does not export function")
)
