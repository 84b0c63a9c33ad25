package main

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/dshills/tickler/internal/dispatch"
	"github.com/dshills/tickler/internal/middleware"
)

// dispatchOutput is what the dispatch command prints.
type dispatchOutput struct {
	Action dispatch.Action `json:"action" yaml:"action"`
	Result any             `json:"result" yaml:"result"`
	State  dispatchState   `json:"state" yaml:"state"`
}

// dispatchState is the state kept by the command's reducer.
type dispatchState struct {
	Count int    `json:"count" yaml:"count"`
	Last  string `json:"last,omitempty" yaml:"last,omitempty"`
}

func countActions(state any, action dispatch.Action) any {
	s, _ := state.(dispatchState)
	s.Count++
	s.Last = action.Type
	return s
}

// parseJSON decodes an optional JSON argument into plain Go values.
func parseJSON(flag, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, errors.Newf("--%s is not valid JSON", flag)
	}
	return gjson.Parse(raw).Value(), nil
}

func newDispatchCmd(c *cli) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "dispatch <type>",
		Short: "Send one action through every ready plugin's middleware",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseJSON("payload", payload)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			r, err := c.newRegistry()
			if err != nil {
				return err
			}
			defer r.UnloadAll(context.WithoutCancel(ctx))
			if _, err := r.Scan(ctx); err != nil {
				return err
			}

			store := dispatch.NewStore(countActions, dispatchState{}, middleware.Compose(r,
				middleware.WithReadyTimeout(c.cfg.Plugins.ReadyTimeout.Std()),
				middleware.WithLogger(c.log),
				middleware.WithMetrics(c.metrics),
			))

			action := dispatch.Action{Type: args[0], Payload: data}
			out := dispatchOutput{Action: action, Result: store.Dispatch(ctx, action)}
			out.State, _ = store.GetState().(dispatchState)

			if c.output == outputTable {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "action:  %s\n", action.Type)
				fmt.Fprintf(w, "result:  %v\n", out.Result)
				fmt.Fprintf(w, "reduced: %d\n", out.State.Count)
				return nil
			}
			return writeValue(cmd.OutOrStdout(), c.output, out)
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", "action payload as JSON")
	return cmd
}
