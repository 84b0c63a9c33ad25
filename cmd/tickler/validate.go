package main

import (
	"context"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dshills/tickler/internal/plugin"
)

func newValidateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <dir>",
		Short: "Load a single plugin directory and report whether it is usable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return errors.Wrapf(err, "resolving %s", args[0])
			}

			loader, err := plugin.NewLuaLoader(plugin.LuaLoaderConfig{
				CacheSize:   c.cfg.Plugins.CacheSize,
				CallTimeout: c.cfg.Plugins.CallTimeout.Std(),
				Logger:      c.log,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			p := plugin.Load(ctx, dir, plugin.LoadOptions{
				Loader:      loader,
				HostVersion: c.cfg.Host.Version,
				Logger:      c.log,
			})
			defer p.Unload(context.WithoutCancel(ctx))

			res, err := p.Wait(ctx)
			if err != nil {
				return err
			}
			if err := writePlugins(cmd.OutOrStdout(), c.output, []plugin.Info{p.Info()}); err != nil {
				return err
			}
			if !res.OK() {
				return errors.Wrapf(res.Err, "plugin %s is not valid", res.Name)
			}
			return nil
		},
	}
}
