package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/tickler/internal/metrics"
	"github.com/dshills/tickler/internal/plugin"
)

const shutdownTimeout = 5 * time.Second

func newWatchCmd(c *cli) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load plugins and rescan whenever a search root changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				c.cfg.Metrics.Addr = metricsAddr
			}

			r, err := c.scan(cmd.Context())
			if err != nil {
				return err
			}
			defer r.UnloadAll(context.WithoutCancel(cmd.Context()))

			unsubscribe := r.Subscribe(func(e plugin.Event) {
				if e.Type == plugin.EventFailed {
					c.log.Warnw("plugin failed", "plugin", e.Plugin, "error", e.Err)
				}
			})
			defer unsubscribe()
			r.Emit(cmd.Context(), plugin.ExtensionOnApp)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				return r.Watch(ctx, c.cfg.Plugins.WatchDebounce.Std())
			})
			if addr := c.cfg.Metrics.Addr; addr != "" {
				g.Go(func() error {
					return c.serveMetrics(ctx, addr)
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	return cmd
}

// serveMetrics serves /metrics until ctx is done.
func (c *cli) serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	metrics.RegisterMetricsEndpoint(mux, c.prom)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.log.Infow("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
