// Package dispatch defines the host application's action dispatch
// convention: actions flow through an ordered list of interceptors before
// reaching the reducer.
//
// An interceptor receives the next function in the chain and returns a
// function that handles an action. It may forward the action (possibly
// modified), short-circuit by returning without calling next, or call next
// more than once.
package dispatch

import (
	"context"
)

// Action is a message dispatched to the host store.
type Action struct {
	// Type identifies the action (e.g. "player/PLAY").
	Type string `json:"type" yaml:"type"`

	// Payload carries action data.
	Payload any `json:"payload,omitempty" yaml:"payload,omitempty"`

	// Meta carries out-of-band information added by interceptors.
	Meta map[string]any `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// WithMeta returns a copy of a with key set in its metadata.
func (a Action) WithMeta(key string, value any) Action {
	meta := make(map[string]any, len(a.Meta)+1)
	for k, v := range a.Meta {
		meta[k] = v
	}
	meta[key] = value
	a.Meta = meta
	return a
}

// Func handles an action and returns a result.
type Func func(ctx context.Context, action Action) any

// Interceptor wraps the next Func in the chain.
type Interceptor func(next Func) Func

// Middleware builds an interceptor bound to a store.
type Middleware func(store Store) Interceptor

// Store is the host state container seen by middleware.
type Store interface {
	// Dispatch sends an action through the full middleware chain.
	Dispatch(ctx context.Context, action Action) any

	// GetState returns the current state.
	GetState() any
}

// Chain composes interceptors around terminal. The first interceptor is the
// outermost: it sees the action first and its next is the second interceptor.
// Nil interceptors are skipped.
func Chain(terminal Func, interceptors ...Interceptor) Func {
	fn := terminal
	for i := len(interceptors) - 1; i >= 0; i-- {
		if interceptors[i] == nil {
			continue
		}
		fn = interceptors[i](fn)
	}
	return fn
}

// Passthrough is the identity interceptor.
func Passthrough(next Func) Func {
	return next
}
