package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dshills/tickler/internal/plugin"
)

func newListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Scan the plugin roots and list every plugin with its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := c.scan(cmd.Context())
			if err != nil {
				return err
			}
			defer r.UnloadAll(context.WithoutCancel(cmd.Context()))

			var infos []plugin.Info
			for _, p := range r.List() {
				infos = append(infos, p.Info())
			}
			return writePlugins(cmd.OutOrStdout(), c.output, infos)
		},
	}
}
