package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dshills/tickler/internal/plugin"
)

// hookOutput is what the hook command prints.
type hookOutput struct {
	Point  string `json:"point" yaml:"point"`
	Called int    `json:"called,omitempty" yaml:"called,omitempty"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty"`
}

func newHookCmd(c *cli) *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   "hook <extension-point>",
		Short: "Run a lifecycle or decorate hook across every ready plugin",
		Long: "Lifecycle points (onApp, onWindow, ...) are called on every ready plugin " +
			"exporting them. Decorate points thread --value through each plugin in order " +
			"and print the result.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			point, ok := plugin.ParseExtensionPoint(args[0])
			if !ok || point == plugin.ExtensionMiddleware || point == plugin.ExtensionOnUnload {
				return errors.Newf("unknown hook %q", args[0])
			}
			data, err := parseJSON("value", value)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			r, err := c.scan(ctx)
			if err != nil {
				return err
			}
			defer r.UnloadAll(context.WithoutCancel(ctx))

			out := hookOutput{Point: string(point)}
			if point.IsDecorator() {
				out.Value = r.Decorate(ctx, point, data)
			} else {
				out.Called = r.Emit(ctx, point)
			}

			if c.output == outputTable {
				w := cmd.OutOrStdout()
				if point.IsDecorator() {
					fmt.Fprintf(w, "%s: %v\n", point, out.Value)
				} else {
					fmt.Fprintf(w, "%s: called %d plugin(s)\n", point, out.Called)
				}
				return nil
			}
			return writeValue(cmd.OutOrStdout(), c.output, out)
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "initial value for decorate hooks, as JSON")
	return cmd
}
