package dispatch

import (
	"context"
	"sync"
)

// Reducer computes the next state for an action.
type Reducer func(state any, action Action) any

// MemoryStore is an in-process Store whose dispatch runs through the
// middleware it was created with before reaching the reducer.
type MemoryStore struct {
	mu      sync.RWMutex
	state   any
	reducer Reducer

	dispatch Func
}

// NewStore creates a store. Middleware are applied in order; the first
// sees every action first.
func NewStore(reducer Reducer, initial any, middleware ...Middleware) *MemoryStore {
	s := &MemoryStore{
		state:   initial,
		reducer: reducer,
	}

	// Middleware receive a Store whose Dispatch goes through the finished
	// chain, so re-dispatch from inside an interceptor starts at the top.
	interceptors := make([]Interceptor, 0, len(middleware))
	for _, mw := range middleware {
		if mw != nil {
			interceptors = append(interceptors, mw(s))
		}
	}
	s.dispatch = Chain(s.reduce, interceptors...)
	return s
}

// Dispatch sends action through the middleware chain.
func (s *MemoryStore) Dispatch(ctx context.Context, action Action) any {
	return s.dispatch(ctx, action)
}

// GetState returns the current state.
func (s *MemoryStore) GetState() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) reduce(_ context.Context, action Action) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reducer != nil {
		s.state = s.reducer(s.state, action)
	}
	return action
}
