package loader

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// EnvLoader reads settings from prefixed environment variables.
// TICKLER_PLUGINS_INSTALL_DIR maps to plugins.installDir: the first word is
// the section and the rest form a camelCase key.
type EnvLoader struct {
	prefix string
	lists  map[string]bool
	lookup func() []string
}

// NewEnvLoader creates a loader for variables starting with prefix, which
// should include the trailing underscore. Paths named in lists are split
// on the OS path list separator.
func NewEnvLoader(prefix string, lists ...string) *EnvLoader {
	l := &EnvLoader{
		prefix: prefix,
		lists:  make(map[string]bool, len(lists)),
		lookup: os.Environ,
	}
	for _, p := range lists {
		l.lists[p] = true
	}
	return l
}

// Load implements Loader. Empty values are kept as empty strings.
func (l *EnvLoader) Load() (map[string]any, error) {
	config := make(map[string]any)
	for _, env := range l.lookup() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) || name == l.prefix {
			continue
		}
		path := l.envToPath(name)
		if l.lists[path] {
			setByPath(config, path, splitList(value))
			continue
		}
		setByPath(config, path, parseValue(value))
	}
	if len(config) == 0 {
		return nil, nil
	}
	return config, nil
}

func (l *EnvLoader) envToPath(env string) string {
	parts := strings.Split(strings.TrimPrefix(env, l.prefix), "_")

	section := strings.ToLower(parts[0])
	if len(parts) == 1 {
		return section
	}

	key := strings.ToLower(parts[1])
	for _, part := range parts[2:] {
		if part != "" {
			key += strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}
	return section + "." + key
}

func splitList(s string) []any {
	var out []any
	for _, item := range filepath.SplitList(s) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseValue types a raw value. Durations stay strings so they decode
// through the config's text unmarshaling.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return s
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
