package lua

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	lua "github.com/yuin/gopher-lua"
)

// DefaultCallTimeout bounds a single call into Lua.
const DefaultCallTimeout = 5 * time.Second

// State wraps a gopher-lua LState with a lock and per-call context.
//
// gopher-lua's LState is not goroutine-safe, so Do holds the lock while Lua
// runs. A Go callback that needs to run Lua on the same State again passes
// Held(ctx) down its call chain; Do then runs nested instead of waiting for
// the lock it already owns. A Do that cannot get the lock within the call
// timeout returns ErrBusy.
type State struct {
	L *lua.LState

	sem         chan struct{}
	callTimeout time.Duration
	closed      bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithCallTimeout sets the deadline applied to each call. Zero disables it.
func WithCallTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.callTimeout = d
	}
}

// NewState creates a Lua state with the standard libraries open.
func NewState(opts ...StateOption) *State {
	s := &State{
		L:           lua.NewState(),
		sem:         make(chan struct{}, 1),
		callTimeout: DefaultCallTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type heldKey struct{ s *State }

// Held returns a context marking s as held by the current call chain.
// Only pass it to code running on the goroutine that called Do.
func (s *State) Held(ctx context.Context) context.Context {
	return context.WithValue(ctx, heldKey{s}, true)
}

func (s *State) isHeld(ctx context.Context) bool {
	held, _ := ctx.Value(heldKey{s}).(bool)
	return held
}

// Do runs fn with exclusive access to the LState. The LState carries ctx
// (bounded by the call timeout) for the duration of fn, so a cancelled
// context aborts running Lua code.
func (s *State) Do(ctx context.Context, fn func(L *lua.LState) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.isHeld(ctx) {
		if err := s.acquire(ctx); err != nil {
			return err
		}
		defer s.release()
	}

	if s.closed {
		return ErrStateClosed
	}
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	// Nested calls restore the outer call's context.
	outer := s.L.RemoveContext()
	s.L.SetContext(ctx)
	defer func() {
		s.L.RemoveContext()
		if outer != nil {
			s.L.SetContext(outer)
		}
	}()

	return doWithRecovery(func() error {
		return fn(s.L)
	})
}

func (s *State) acquire(ctx context.Context) error {
	var timeout <-chan time.Time
	if s.callTimeout > 0 {
		t := time.NewTimer(s.callTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for lua state")
	case <-timeout:
		return errors.Wrapf(ErrBusy, "waited %s", s.callTimeout)
	}
}

func (s *State) release() {
	<-s.sem
}

// DoString executes a Lua chunk.
func (s *State) DoString(ctx context.Context, code string) error {
	return s.Do(ctx, func(L *lua.LState) error {
		return L.DoString(code)
	})
}

// Call calls fn with args and returns every result.
// Returns an empty slice (not nil) if the function returns no values.
func (s *State) Call(ctx context.Context, fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	var results []lua.LValue
	err := s.Do(ctx, func(L *lua.LState) error {
		var err error
		results, err = PCall(L, fn, args...)
		return err
	})
	return results, err
}

// Close releases the LState once any running call has finished. Later
// calls return ErrStateClosed.
func (s *State) Close() error {
	s.sem <- struct{}{}
	defer s.release()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}

// PCall calls fn on L in protected mode. L must already be held by the caller.
func PCall(L *lua.LState, fn lua.LValue, args ...lua.LValue) (results []lua.LValue, err error) {
	if fn.Type() != lua.LTFunction {
		return nil, errors.Wrapf(ErrNotFunction, "got %s", fn.Type())
	}

	stackTop := L.GetTop()
	defer func() {
		if r := recover(); r != nil {
			L.SetTop(stackTop)
			results, err = nil, errors.Newf("lua panic: %v", r)
		}
	}()

	L.Push(fn)
	for _, arg := range args {
		L.Push(arg)
	}
	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}

	nRet := L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results = make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = L.Get(stackTop + i + 1)
	}
	L.Pop(nRet)
	return results, nil
}

func doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("lua panic: %v", r)
		}
	}()
	return fn()
}
