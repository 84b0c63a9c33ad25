// Package config holds tickler's runtime settings. Settings come from
// built-in defaults, an optional TOML file and TICKLER_ environment
// variables, in increasing precedence.
package config

import (
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cockroachdb/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/dshills/tickler/internal/config/loader"
	"github.com/dshills/tickler/internal/fsutil"
	"github.com/dshills/tickler/internal/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TICKLER_"

// FileName is the config file name under the user data directory.
const FileName = "config.toml"

// Config is the full set of tickler settings.
type Config struct {
	Host    HostConfig    `toml:"host" json:"host" yaml:"host"`
	Plugins PluginsConfig `toml:"plugins" json:"plugins" yaml:"plugins"`
	Log     LogConfig     `toml:"log" json:"log" yaml:"log"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// HostConfig describes the host application.
type HostConfig struct {
	// Version is matched against plugin engine constraints. Empty skips the check.
	Version string `toml:"version" json:"version" yaml:"version"`
}

// PluginsConfig controls discovery and loading.
type PluginsConfig struct {
	Paths         []string `toml:"paths" json:"paths" yaml:"paths"`
	InstallDir    string   `toml:"installDir" json:"installDir" yaml:"installDir"`
	ReadyTimeout  Duration `toml:"readyTimeout" json:"readyTimeout" yaml:"readyTimeout"`
	CallTimeout   Duration `toml:"callTimeout" json:"callTimeout" yaml:"callTimeout"`
	CacheSize     int      `toml:"cacheSize" json:"cacheSize" yaml:"cacheSize"`
	WatchDebounce Duration `toml:"watchDebounce" json:"watchDebounce" yaml:"watchDebounce"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `toml:"level" json:"level" yaml:"level"`
	JSON  bool   `toml:"json" json:"json" yaml:"json"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr string `toml:"addr" json:"addr" yaml:"addr"`
}

// Duration is a time.Duration written as text ("30s", "1m").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Plugins: PluginsConfig{
			Paths:         fsutil.DefaultPluginDirs(),
			ReadyTimeout:  Duration(30 * time.Second),
			CacheSize:     256,
			WatchDebounce: Duration(500 * time.Millisecond),
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns the config file under the user data directory, or
// "" when that directory cannot be determined.
func DefaultPath() string {
	dir, err := fsutil.NamedPath(fsutil.PathUserData)
	if err != nil {
		return ""
	}
	return filepath.Join(dir, FileName)
}

// Load reads path (a missing file is fine), applies environment overrides
// on top of the defaults and validates the result.
func Load(path string) (*Config, error) {
	return load(loader.NewTOMLLoader(path), loader.NewEnvLoader(EnvPrefix, "plugins.paths"))
}

func load(sources ...loader.Loader) (*Config, error) {
	merged := make(map[string]any)
	for _, src := range sources {
		values, err := src.Load()
		if err != nil {
			return nil, err
		}
		merged = loader.DeepMerge(merged, values)
	}

	cfg := Default()
	if len(merged) > 0 {
		data, err := toml.Marshal(merged)
		if err != nil {
			return nil, errors.Wrap(err, "encoding merged config")
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "decoding config")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, errors.Wrap(err, "log.level"))
	}
	if c.Host.Version != "" {
		if _, err := semver.StrictNewVersion(c.Host.Version); err != nil {
			errs = append(errs, errors.Wrapf(err, "host.version %q", c.Host.Version))
		}
	}
	if c.Plugins.CacheSize < 0 {
		errs = append(errs, errors.Newf("plugins.cacheSize must not be negative, got %d", c.Plugins.CacheSize))
	}
	for name, d := range map[string]Duration{
		"plugins.readyTimeout":  c.Plugins.ReadyTimeout,
		"plugins.callTimeout":   c.Plugins.CallTimeout,
		"plugins.watchDebounce": c.Plugins.WatchDebounce,
	} {
		if d < 0 {
			errs = append(errs, errors.Newf("%s must not be negative, got %s", name, d))
		}
	}
	return errors.Join(errs...)
}
