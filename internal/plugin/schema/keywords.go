package schema

import (
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/dshills/tickler/internal/fsutil"
)

// KeywordFunc evaluates a custom schema keyword. A returned error becomes a
// validation failure at the keyword's path; it never aborts the pass.
type KeywordFunc func(kc *KeywordContext) error

// KeywordContext describes one keyword evaluation.
type KeywordContext struct {
	// Keyword is the keyword name as it appears in the schema.
	Keyword string

	// Param is the keyword's value in the schema.
	Param any

	// Path is the dot-separated location of Value in the document.
	Path string

	// Value is the data being validated.
	Value any

	// BaseDir anchors relative filesystem paths.
	BaseDir string

	set func(any)
}

// Set replaces the validated value in its parent container. It has no
// effect on the document root.
func (kc *KeywordContext) Set(v any) {
	if kc.set == nil {
		return
	}
	kc.set(v)
	kc.Value = v
}

// Keyword names registered by default.
const (
	KeywordResolve = "resolve"
	KeywordExists  = "exists"
)

// DefaultKeywords returns the built-in custom keywords.
func DefaultKeywords() map[string]KeywordFunc {
	return map[string]KeywordFunc{
		KeywordResolve: resolveKeyword,
		KeywordExists:  existsKeyword,
	}
}

// DefaultKeywordOrder returns the built-in keywords in the order they run.
// Modifying keywords come first so checks see the final value.
func DefaultKeywordOrder() []string {
	return []string{KeywordResolve, KeywordExists}
}

// resolveKeyword replaces a named system path identifier with its location.
func resolveKeyword(kc *KeywordContext) error {
	if !truthy(kc.Param) {
		return nil
	}
	name, ok := kc.Value.(string)
	if !ok {
		return nil
	}
	resolved, err := fsutil.NamedPath(name)
	if err != nil {
		return err
	}
	kc.Set(resolved)
	return nil
}

// existsKeyword requires the value to name an existing file or directory.
func existsKeyword(kc *KeywordContext) error {
	kind, enabled, err := existsKind(kc.Param)
	if err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	p, ok := kc.Value.(string)
	if !ok {
		return nil
	}
	if !filepath.IsAbs(p) && kc.BaseDir != "" {
		p = filepath.Join(kc.BaseDir, p)
	}
	if err := fsutil.Exists(p, kind); err != nil {
		if fsutil.IsNotExist(err) {
			return errors.Newf("%s does not exist", p)
		}
		return err
	}
	return nil
}

func existsKind(param any) (fsutil.Kind, bool, error) {
	switch p := param.(type) {
	case bool:
		return fsutil.KindAny, p, nil
	case string:
		k, err := parseKind(p)
		return k, true, err
	case map[string]any:
		t, _ := p["type"].(string)
		k, err := parseKind(t)
		return k, true, err
	case nil:
		return fsutil.KindAny, false, nil
	}
	return fsutil.KindAny, false, errors.Newf("unsupported parameter %v", param)
}

func parseKind(s string) (fsutil.Kind, error) {
	switch s {
	case "", "any":
		return fsutil.KindAny, nil
	case "file", "isFile":
		return fsutil.KindFile, nil
	case "directory", "isDirectory":
		return fsutil.KindDirectory, nil
	}
	return fsutil.KindAny, errors.Newf("unknown entry kind %q", s)
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	}
	if isNumber(v) {
		return toFloat64(v) != 0
	}
	return true
}
