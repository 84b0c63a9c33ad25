package lua

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestProtoCacheCompile(t *testing.T) {
	cache, err := NewProtoCache(4)
	if err != nil {
		t.Fatalf("NewProtoCache() error = %v", err)
	}

	dir := t.TempDir()
	path := writeLua(t, dir, "init.lua", `return {}`)

	p1, err := cache.Compile(path)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	p2, err := cache.Compile(path)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if p1 != p2 {
		t.Error("second Compile() did not return the cached proto")
	}
	if hits, misses := cache.Stats(); hits != 1 || misses != 1 {
		t.Errorf("Stats() = %d hits, %d misses, want 1, 1", hits, misses)
	}

	if _, err := cache.Compile(filepath.Join(dir, "missing.lua")); err == nil {
		t.Error("Compile(missing) should fail")
	}
}

func TestProtoCacheEvict(t *testing.T) {
	cache, err := NewProtoCache(0)
	if err != nil {
		t.Fatalf("NewProtoCache() error = %v", err)
	}

	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "ab")
	for _, dir := range []string{a, b} {
		if err := mkdir(dir); err != nil {
			t.Fatalf("mkdir() error = %v", err)
		}
		if _, err := cache.Compile(writeLua(t, dir, "init.lua", `return {}`)); err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
	}

	if n := cache.Evict(a); n != 1 {
		t.Errorf("Evict(a) = %d, want 1", n)
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d after evicting a, want 1", cache.Len())
	}
	if n := cache.Evict(root); n != 1 {
		t.Errorf("Evict(root) = %d, want 1", n)
	}

	// Modules opened through the cache share compiled chunks.
	path := writeLua(t, a, "init.lua", `return { onApp = function() end }`)
	for i := 0; i < 2; i++ {
		m, err := Open(context.Background(), path, WithCache(cache))
		if err != nil {
			t.Fatalf("Open() error = %v", err)
		}
		m.Close()
	}
	if cache.Len() != 1 {
		t.Errorf("Len() = %d, want 1", cache.Len())
	}
}

func mkdir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
