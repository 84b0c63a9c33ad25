package lua

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// DefaultCacheSize is the number of compiled chunks kept by a ProtoCache.
const DefaultCacheSize = 256

// ProtoCache keeps compiled Lua chunks keyed by absolute file path, so a
// plugin entry file is parsed once however many times it is loaded.
type ProtoCache struct {
	cache *lru.Cache[string, *lua.FunctionProto]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewProtoCache creates a cache holding up to size chunks.
func NewProtoCache(size int) (*ProtoCache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, *lua.FunctionProto](size)
	if err != nil {
		return nil, errors.Wrap(err, "create proto cache")
	}
	return &ProtoCache{cache: c}, nil
}

// Compile returns the compiled chunk for path, parsing it on a miss.
func (c *ProtoCache) Compile(path string) (*lua.FunctionProto, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", path)
	}
	if proto, ok := c.cache.Get(abs); ok {
		c.hits.Add(1)
		return proto, nil
	}
	c.misses.Add(1)

	proto, err := CompileFile(abs)
	if err != nil {
		return nil, err
	}
	c.cache.Add(abs, proto)
	return proto, nil
}

// Evict drops every cached chunk under dir and returns how many were removed.
func (c *ProtoCache) Evict(dir string) int {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return 0
	}
	prefix := abs + string(filepath.Separator)

	n := 0
	for _, key := range c.cache.Keys() {
		if key == abs || strings.HasPrefix(key, prefix) {
			if c.cache.Remove(key) {
				n++
			}
		}
	}
	return n
}

// Purge empties the cache.
func (c *ProtoCache) Purge() {
	c.cache.Purge()
}

// Len returns the number of cached chunks.
func (c *ProtoCache) Len() int {
	return c.cache.Len()
}

// Stats returns the hit and miss counts since creation.
func (c *ProtoCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// CompileFile parses and compiles a Lua source file.
func CompileFile(path string) (*lua.FunctionProto, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	chunk, err := parse.Parse(bufio.NewReader(f), path)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	proto, err := lua.Compile(chunk, path)
	if err != nil {
		return nil, errors.Wrapf(err, "compile %s", path)
	}
	return proto, nil
}
