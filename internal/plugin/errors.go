package plugin

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Kind classifies plugin failures.
type Kind int

// Failure kinds.
const (
	// KindValidation - the manifest failed schema or custom keyword checks.
	KindValidation Kind = iota + 1

	// KindLoad - the module could not be loaded or failed at runtime.
	KindLoad

	// KindNotAPlugin - the module loaded but exports no extension point.
	KindNotAPlugin

	// KindDiscovery - a search path could not be read.
	KindDiscovery
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindLoad:
		return "load"
	case KindNotAPlugin:
		return "not-a-plugin"
	case KindDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrValidation = errors.New("plugin validation failed")
	ErrLoad       = errors.New("plugin load failed")
	ErrNotAPlugin = errors.New("module exports no extension point")
	ErrDiscovery  = errors.New("plugin discovery failed")
)

// Plugin system errors.
var (
	// ErrNotReady is returned when invoking a hook on a plugin that is not Ready.
	ErrNotReady = errors.New("plugin is not ready")

	// ErrIncomplete is returned when a plugin directory lacks a non-empty
	// manifest or package descriptor.
	ErrIncomplete = errors.New("plugin requires non-empty plugin manifest and package.json")

	// ErrEngineMismatch is returned when the host version does not satisfy
	// the manifest's engine constraint.
	ErrEngineMismatch = errors.New("host version does not satisfy plugin engine constraint")

	// ErrNoExtension is returned when invoking an extension point the plugin lacks.
	ErrNoExtension = errors.New("plugin does not export extension point")
)

// Error is a classified plugin failure.
type Error struct {
	Kind   Kind
	Plugin string
	Path   string
	Err    error
}

func (e *Error) Error() string {
	subject := e.Plugin
	if subject == "" {
		subject = e.Path
	}
	return fmt.Sprintf("plugin %s: %s: %v", subject, e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindLoad:
		return ErrLoad
	case KindNotAPlugin:
		return ErrNotAPlugin
	case KindDiscovery:
		return ErrDiscovery
	}
	return nil
}

func newError(kind Kind, plugin, path string, err error) *Error {
	return &Error{Kind: kind, Plugin: plugin, Path: path, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind, true
	}
	return 0, false
}
