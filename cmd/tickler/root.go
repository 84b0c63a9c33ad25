package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/tickler/internal/config"
	"github.com/dshills/tickler/internal/logging"
	"github.com/dshills/tickler/internal/metrics"
	"github.com/dshills/tickler/internal/plugin"
)

// cli holds the state shared by every subcommand.
type cli struct {
	cfgFile    string
	logLevel   string
	jsonLogs   bool
	pluginDirs []string
	output     string

	cfg     *config.Config
	log     *zap.SugaredLogger
	prom    *prometheus.Registry
	metrics *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	cmd := &cobra.Command{
		Use:   "tickler",
		Short: "tickler discovers, validates and runs middleware plugins",
		Long: "tickler scans plugin directories, validates each plugin's manifest, " +
			"loads its Lua entry point and threads dispatched actions through every " +
			"ready plugin's middleware.",
		Version:           fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		PersistentPreRunE: c.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default <userData>/config.toml)")
	flags.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.BoolVar(&c.jsonLogs, "json-logs", false, "write logs as JSON")
	flags.StringArrayVar(&c.pluginDirs, "plugins-dir", nil, "plugin search root (repeatable, replaces configured paths)")
	flags.StringVarP(&c.output, "output", "o", outputTable, "output format (table, json, yaml)")

	cmd.AddCommand(newListCmd(c))
	cmd.AddCommand(newValidateCmd(c))
	cmd.AddCommand(newDispatchCmd(c))
	cmd.AddCommand(newHookCmd(c))
	cmd.AddCommand(newWatchCmd(c))

	return cmd
}

// setup loads configuration, applies flag overrides and builds the logger.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if err := checkOutput(c.output); err != nil {
		return err
	}

	path := c.cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = c.logLevel
	}
	if flags.Changed("json-logs") {
		cfg.Log.JSON = c.jsonLogs
	}
	if len(c.pluginDirs) > 0 {
		cfg.Plugins.Paths = c.pluginDirs
		if cfg.Plugins.InstallDir == "" {
			cfg.Plugins.InstallDir = c.pluginDirs[len(c.pluginDirs)-1]
		}
	}
	if cfg.Host.Version == "" {
		cfg.Host.Version = version
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		JSON:   cfg.Log.JSON,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.log = log
	c.prom = prometheus.NewRegistry()
	c.metrics = metrics.NewMetrics(c.prom)
	return nil
}

func (c *cli) registryConfig() plugin.RegistryConfig {
	return plugin.RegistryConfig{
		Paths:       c.cfg.Plugins.Paths,
		InstallDir:  c.cfg.Plugins.InstallDir,
		HostVersion: c.cfg.Host.Version,
		CacheSize:   c.cfg.Plugins.CacheSize,
		CallTimeout: c.cfg.Plugins.CallTimeout.Std(),
	}
}

func (c *cli) newRegistry() (*plugin.Registry, error) {
	return plugin.NewRegistry(c.registryConfig(),
		plugin.WithLogger(c.log),
		plugin.WithMetrics(c.metrics),
	)
}

// scan loads every plugin and waits until each has settled.
func (c *cli) scan(ctx context.Context) (*plugin.Registry, error) {
	r, err := c.newRegistry()
	if err != nil {
		return nil, err
	}
	barrier, err := r.Scan(ctx)
	if err != nil {
		r.UnloadAll(context.WithoutCancel(ctx))
		return nil, err
	}

	if d := c.cfg.Plugins.ReadyTimeout.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	if _, err := barrier.Wait(ctx); err != nil {
		c.log.Warnw("plugins not ready", "error", err)
	}
	return r, nil
}
