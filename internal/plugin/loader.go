package plugin

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/dshills/tickler/internal/dispatch"
	"github.com/dshills/tickler/internal/fsutil"
	"github.com/dshills/tickler/internal/logging"
	"github.com/dshills/tickler/internal/metrics"
	plua "github.com/dshills/tickler/internal/plugin/lua"
)

// PluginGlobal is the Lua global holding the plugin's manifest fields.
const PluginGlobal = "plugin"

// LuaLoaderConfig configures a LuaLoader.
type LuaLoaderConfig struct {
	// CacheSize bounds the compiled chunk cache. Zero uses the default.
	CacheSize int

	// CallTimeout bounds every call into a module. Zero uses the default.
	CallTimeout time.Duration

	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
}

// LuaLoader loads plugins whose entry file is a Lua chunk.
type LuaLoader struct {
	cache       *plua.ProtoCache
	callTimeout time.Duration
	log         *zap.SugaredLogger
}

// NewLuaLoader creates a LuaLoader with its own compiled chunk cache.
func NewLuaLoader(cfg LuaLoaderConfig) (*LuaLoader, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = plua.DefaultCacheSize
	}
	cache, err := plua.NewProtoCache(size)
	if err != nil {
		return nil, err
	}

	l := &LuaLoader{
		cache:       cache,
		callTimeout: cfg.CallTimeout,
		log:         logging.OrNop(cfg.Logger).Named("lua"),
	}
	if err := cfg.Metrics.RegisterCacheStats(cache.Stats); err != nil {
		l.log.Warnw("cache metrics not registered", "error", err)
	}
	return l, nil
}

// LoadModule runs the manifest's entry file in a fresh Lua state.
func (l *LuaLoader) LoadModule(ctx context.Context, dir string, m *Manifest) (Module, error) {
	entry := m.EntryPath(dir)
	if !plua.IsLuaFile(entry) {
		return nil, errors.Newf("entry %s is not a Lua file", entry)
	}
	if !fsutil.IsNonEmptyFile(entry) {
		return nil, errors.Newf("entry %s is missing or empty", entry)
	}

	var stateOpts []plua.StateOption
	if l.callTimeout > 0 {
		stateOpts = append(stateOpts, plua.WithCallTimeout(l.callTimeout))
	}

	mod, err := plua.Open(ctx, entry,
		plua.WithCache(l.cache),
		plua.WithGlobal(PluginGlobal, pluginGlobal(dir, m)),
		plua.WithStateOptions(stateOpts...),
	)
	if err != nil {
		return nil, err
	}

	exports := ExtensionSetFromNames(mod.Exports())
	l.log.Debugw("module opened", "entry", entry, "exports", exports.String())
	return &luaModule{mod: mod, exports: exports}, nil
}

// Evict drops compiled chunks under root.
func (l *LuaLoader) Evict(root string) int {
	return l.cache.Evict(root)
}

// CacheStats returns the chunk cache hit and miss counts.
func (l *LuaLoader) CacheStats() (hits, misses uint64) {
	return l.cache.Stats()
}

func pluginGlobal(dir string, m *Manifest) map[string]any {
	g := map[string]any{
		"name":    m.Name,
		"version": m.Version,
		"dir":     dir,
	}
	if m.DataDir != "" {
		g["dataDir"] = m.DataDir
	}
	if m.Config != nil {
		g["config"] = m.Config
	}
	return g
}

type luaModule struct {
	mod     *plua.Module
	exports ExtensionSet
}

func (m *luaModule) Exports() ExtensionSet {
	return m.exports
}

func (m *luaModule) Intercept(ctx context.Context, store dispatch.Store, next dispatch.Func, action dispatch.Action) (any, error) {
	return m.mod.Intercept(ctx, store, next, action)
}

func (m *luaModule) Invoke(ctx context.Context, point ExtensionPoint, args ...any) (any, error) {
	ret, err := m.mod.Call(ctx, string(point), args...)
	if err != nil || len(ret) == 0 {
		return nil, err
	}
	return ret[0], nil
}

func (m *luaModule) Close() error {
	return m.mod.Close()
}
