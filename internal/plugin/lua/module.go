package lua

import (
	"context"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/tickler/internal/dispatch"
)

// MiddlewareExport is the export name Intercept calls.
const MiddlewareExport = "middleware"

// Module is a Lua plugin entry file running in its own State.
//
// The chunk's first return value, when it is a table, is the exports
// object. Otherwise every global function the chunk defines is exported.
type Module struct {
	path    string
	state   *State
	bridge  *Bridge
	exports *lua.LTable
	names   []string
}

type moduleConfig struct {
	cache     *ProtoCache
	globals   map[string]any
	stateOpts []StateOption
}

// ModuleOption configures Open.
type ModuleOption func(*moduleConfig)

// WithCache compiles the entry file through c.
func WithCache(c *ProtoCache) ModuleOption {
	return func(cfg *moduleConfig) {
		cfg.cache = c
	}
}

// WithGlobal sets a global before the entry file runs.
func WithGlobal(name string, value any) ModuleOption {
	return func(cfg *moduleConfig) {
		if cfg.globals == nil {
			cfg.globals = make(map[string]any)
		}
		cfg.globals[name] = value
	}
}

// WithStateOptions passes options to the module's State.
func WithStateOptions(opts ...StateOption) ModuleOption {
	return func(cfg *moduleConfig) {
		cfg.stateOpts = append(cfg.stateOpts, opts...)
	}
}

// Open compiles and runs the entry file at path. Files next to it can be
// loaded with require.
func Open(ctx context.Context, path string, opts ...ModuleOption) (*Module, error) {
	cfg := &moduleConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	var (
		proto *lua.FunctionProto
		err   error
	)
	if cfg.cache != nil {
		proto, err = cfg.cache.Compile(path)
	} else {
		proto, err = CompileFile(path)
	}
	if err != nil {
		return nil, err
	}

	state := NewState(cfg.stateOpts...)
	m := &Module{
		path:   path,
		state:  state,
		bridge: NewBridge(state.L),
	}

	err = state.Do(ctx, func(L *lua.LState) error {
		setPackagePath(L, filepath.Dir(path))
		for name, value := range cfg.globals {
			L.SetGlobal(name, m.bridge.ToLuaValue(value))
		}

		before := make(map[string]bool)
		L.G.Global.ForEach(func(k, _ lua.LValue) {
			before[k.String()] = true
		})

		ret, err := PCall(L, L.NewFunctionFromProto(proto))
		if err != nil {
			return err
		}

		if len(ret) > 0 {
			if t, ok := ret[0].(*lua.LTable); ok {
				m.exports = t
			}
		}
		if m.exports == nil {
			m.exports = L.NewTable()
			L.G.Global.ForEach(func(k, v lua.LValue) {
				if ks, ok := k.(lua.LString); ok && !before[string(ks)] && v.Type() == lua.LTFunction {
					m.exports.RawSetString(string(ks), v)
				}
			})
		}

		m.exports.ForEach(func(k, v lua.LValue) {
			if ks, ok := k.(lua.LString); ok && v.Type() == lua.LTFunction {
				m.names = append(m.names, string(ks))
			}
		})
		sort.Strings(m.names)
		return nil
	})
	if err != nil {
		_ = state.Close()
		return nil, errors.Wrapf(err, "run %s", path)
	}
	return m, nil
}

func setPackagePath(L *lua.LState, dir string) {
	pkg, ok := L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}
	local := filepath.Join(dir, "?.lua") + ";" + filepath.Join(dir, "?", "init.lua")
	if current := lua.LVAsString(L.GetField(pkg, "path")); current != "" {
		local += ";" + current
	}
	L.SetField(pkg, "path", lua.LString(local))
}

// Path returns the entry file path.
func (m *Module) Path() string {
	return m.path
}

// Exports returns the sorted names of exported functions.
func (m *Module) Exports() []string {
	out := make([]string, len(m.names))
	copy(out, m.names)
	return out
}

// Has reports whether name is an exported function.
func (m *Module) Has(name string) bool {
	i := sort.SearchStrings(m.names, name)
	return i < len(m.names) && m.names[i] == name
}

// Call invokes an exported function with Go arguments and returns its
// results converted to Go values.
func (m *Module) Call(ctx context.Context, name string, args ...any) ([]any, error) {
	if !m.Has(name) {
		return nil, errors.Wrapf(ErrNoExport, "%q", name)
	}

	var out []any
	err := m.state.Do(ctx, func(L *lua.LState) error {
		largs := make([]lua.LValue, len(args))
		for i, a := range args {
			largs[i] = m.bridge.ToLuaValue(a)
		}
		fn, ok := m.bridge.GetTableFunc(m.exports, name)
		if !ok {
			return errors.Wrapf(ErrNoExport, "%q", name)
		}
		ret, err := PCall(L, fn, largs...)
		if err != nil {
			return err
		}
		out = make([]any, len(ret))
		for i, v := range ret {
			out[i] = m.bridge.ToGoValue(v)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "call %s", name)
	}
	return out, nil
}

// Intercept runs the exported middleware as middleware(store)(next)(action).
//
// The store table exposes getState only. When the Lua code returns exactly
// what next returned, the original Go value is passed through unconverted.
func (m *Module) Intercept(ctx context.Context, store dispatch.Store, next dispatch.Func, action dispatch.Action) (any, error) {
	if !m.Has(MiddlewareExport) {
		return nil, errors.Wrapf(ErrNoExport, "%q", MiddlewareExport)
	}

	var result any
	err := m.state.Do(ctx, func(L *lua.LState) error {
		middleware, ok := m.bridge.GetTableFunc(m.exports, MiddlewareExport)
		if !ok {
			return errors.Wrapf(ErrNoExport, "%q", MiddlewareExport)
		}
		ret, err := PCall(L, middleware, m.storeTable(L, store))
		if err != nil {
			return errors.Wrap(err, "middleware(store)")
		}

		var (
			lastGo  any
			lastLua lua.LValue
		)
		nextFn := L.NewFunction(func(L *lua.LState) int {
			act, ok := m.bridge.TableToAction(L.Get(1))
			if !ok {
				L.ArgError(1, "action table with a string type expected")
				return 0
			}
			// The chain below may dispatch back into this module.
			res := next(m.state.Held(ctx), act)
			lastGo, lastLua = res, m.bridge.ToLuaValue(res)
			L.Push(lastLua)
			return 1
		})

		ret, err = PCall(L, first(ret), nextFn)
		if err != nil {
			return errors.Wrap(err, "middleware(store)(next)")
		}
		ret, err = PCall(L, first(ret), m.bridge.ActionToTable(action))
		if err != nil {
			return errors.Wrapf(err, "middleware handler for %q", action.Type)
		}

		out := first(ret)
		if lastLua != nil && out == lastLua {
			result = lastGo
		} else {
			result = m.bridge.ToGoValue(out)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Module) storeTable(L *lua.LState, store dispatch.Store) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "getState", L.NewFunction(m.bridge.WrapGoFunc(func([]any) (any, error) {
		if store == nil {
			return nil, nil
		}
		return store.GetState(), nil
	})))
	return t
}

// Close releases the module's Lua state.
func (m *Module) Close() error {
	return m.state.Close()
}

func first(values []lua.LValue) lua.LValue {
	if len(values) == 0 {
		return lua.LNil
	}
	return values[0]
}

// IsLuaFile reports whether path has a .lua extension.
func IsLuaFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".lua")
}
