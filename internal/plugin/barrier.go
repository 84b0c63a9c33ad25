package plugin

import (
	"context"
)

// Barrier waits for every plugin of one load cycle to settle. It resolves
// exactly once, when the last plugin is Ready or Failed.
type Barrier struct {
	plugins []*Plugin
	done    chan struct{}
	results []Result
}

func newBarrier(plugins []*Plugin) *Barrier {
	b := &Barrier{
		plugins: plugins,
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Barrier) run() {
	results := make([]Result, len(b.plugins))
	for i, p := range b.plugins {
		<-p.Done()
		results[i] = p.Result()
	}
	b.results = results
	close(b.done)
}

// Done returns a channel closed once every plugin has settled.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Wait blocks until every plugin has settled or ctx is done. Results are in
// registration order.
func (b *Barrier) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-b.done:
		return b.Results(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Results returns the settled results, or nil before the barrier resolves.
func (b *Barrier) Results() []Result {
	select {
	case <-b.done:
		out := make([]Result, len(b.results))
		copy(out, b.results)
		return out
	default:
		return nil
	}
}

// Len returns the number of plugins the barrier waits on.
func (b *Barrier) Len() int {
	return len(b.plugins)
}
