// Package middleware composes plugin interceptors into one host middleware.
package middleware

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/tickler/internal/dispatch"
	"github.com/dshills/tickler/internal/logging"
	"github.com/dshills/tickler/internal/metrics"
	"github.com/dshills/tickler/internal/plugin"
)

// DefaultReadyTimeout bounds the first dispatch's wait for plugin loading.
const DefaultReadyTimeout = 30 * time.Second

// Source provides the plugins to compose. *plugin.Registry implements it.
type Source interface {
	// Ready blocks until the current load cycle has settled.
	Ready(ctx context.Context) error

	// List returns the current plugins in registration order.
	List() []*plugin.Plugin
}

// Option configures Compose.
type Option func(*composer)

// WithReadyTimeout bounds the wait for plugin loading. Zero waits for as
// long as the dispatching context allows.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *composer) {
		c.readyTimeout = d
	}
}

// WithLogger sets the composer logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *composer) {
		c.log = l
	}
}

// WithMetrics records dispatch timing in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *composer) {
		c.metrics = m
	}
}

type composer struct {
	src          Source
	readyTimeout time.Duration
	log          *zap.SugaredLogger
	metrics      *metrics.Metrics

	readyOnce sync.Once
}

// Compose returns a host middleware that runs every Ready plugin's
// interceptor, in registration order, around the host's next.
//
// The first dispatch waits for src to become ready; later dispatches do
// not wait again. Each dispatch reads the plugin list afresh, so plugins
// loaded, failed or unloaded after composition are picked up or dropped
// without composing again.
func Compose(src Source, opts ...Option) dispatch.Middleware {
	c := &composer{
		src:          src,
		readyTimeout: DefaultReadyTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logging.OrNop(c.log).Named("composer")

	return func(store dispatch.Store) dispatch.Interceptor {
		return func(next dispatch.Func) dispatch.Func {
			return func(ctx context.Context, action dispatch.Action) any {
				c.awaitReady(ctx)

				start := time.Now()
				defer func() {
					c.metrics.ObserveDispatch(time.Since(start))
				}()
				return dispatch.Chain(next, c.interceptors(store)...)(ctx, action)
			}
		}
	}
}

func (c *composer) awaitReady(ctx context.Context) {
	c.readyOnce.Do(func() {
		if c.readyTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.readyTimeout)
			defer cancel()
		}
		if err := c.src.Ready(ctx); err != nil {
			c.log.Warnw("dispatching before plugins settled", "error", err)
		}
	})
}

func (c *composer) interceptors(store dispatch.Store) []dispatch.Interceptor {
	plugins := c.src.List()
	out := make([]dispatch.Interceptor, 0, len(plugins))
	for _, p := range plugins {
		if p.Has(plugin.ExtensionMiddleware) {
			out = append(out, p.Middleware(store))
		}
	}
	return out
}
