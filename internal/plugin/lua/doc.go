// Package lua runs plugin entry points on gopher-lua.
//
// # State
//
// A State owns one LState. Calls are serialized and bounded by a timeout;
// the caller's context is installed on the LState so cancellation aborts
// running Lua code:
//
//	state := lua.NewState(lua.WithCallTimeout(2 * time.Second))
//	defer state.Close()
//
//	if err := state.DoString(ctx, `x = 1`); err != nil {
//	    return err
//	}
//
// A Go callback running inside a call may re-enter the same State on its own
// goroutine by passing a context from State.Held. Any other caller waits up
// to the call timeout and then gets ErrBusy.
//
// # Module
//
// Open runs an entry chunk and collects its exports, either the table the
// chunk returns or the functions it defines as new globals. Compiled
// chunks are shared through a ProtoCache keyed by absolute path:
//
//	cache, _ := lua.NewProtoCache(lua.DefaultCacheSize)
//	mod, err := lua.Open(ctx, "/plugins/hello/init.lua", lua.WithCache(cache))
//
// Intercept calls middleware(store)(next)(action). The store table only
// exposes getState.
//
// # Bridge
//
// The Bridge converts values both ways. Lua sequences become []any and
// other tables become map[string]any; actions cross as tables with type,
// payload and meta fields.
package lua
