package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tag(name string, log *[]string) Interceptor {
	return func(next Func) Func {
		return func(ctx context.Context, a Action) any {
			*log = append(*log, name)
			return next(ctx, a)
		}
	}
}

func TestChain_Order(t *testing.T) {
	var log []string
	terminal := func(_ context.Context, a Action) any {
		log = append(log, "terminal")
		return a.Type
	}

	fn := Chain(terminal, tag("A", &log), nil, tag("B", &log), tag("C", &log))
	got := fn(context.Background(), Action{Type: "ping"})

	assert.Equal(t, "ping", got)
	assert.Equal(t, []string{"A", "B", "C", "terminal"}, log)
}

func TestChain_Empty(t *testing.T) {
	called := false
	fn := Chain(func(_ context.Context, a Action) any {
		called = true
		return a
	})
	out := fn(context.Background(), Action{Type: "x", Payload: 1})
	assert.True(t, called)
	assert.Equal(t, Action{Type: "x", Payload: 1}, out)
}

func TestChain_ShortCircuit(t *testing.T) {
	var log []string
	stop := func(next Func) Func {
		return func(_ context.Context, a Action) any {
			log = append(log, "stop")
			return "blocked"
		}
	}
	fn := Chain(func(context.Context, Action) any {
		log = append(log, "terminal")
		return nil
	}, stop, tag("after", &log))

	assert.Equal(t, "blocked", fn(context.Background(), Action{}))
	assert.Equal(t, []string{"stop"}, log)
}

func TestStore_Dispatch(t *testing.T) {
	counter := func(state any, a Action) any {
		n, _ := state.(int)
		if a.Type == "inc" {
			return n + 1
		}
		return n
	}

	var seen []any
	logger := func(store Store) Interceptor {
		return func(next Func) Func {
			return func(ctx context.Context, a Action) any {
				res := next(ctx, a)
				seen = append(seen, store.GetState())
				return res
			}
		}
	}

	s := NewStore(counter, 0, logger, nil)
	s.Dispatch(context.Background(), Action{Type: "inc"})
	s.Dispatch(context.Background(), Action{Type: "noop"})
	s.Dispatch(context.Background(), Action{Type: "inc"})

	assert.Equal(t, 2, s.GetState())
	assert.Equal(t, []any{1, 1, 2}, seen)
}

func TestStore_RedispatchFromMiddleware(t *testing.T) {
	var types []string
	expand := func(store Store) Interceptor {
		return func(next Func) Func {
			return func(ctx context.Context, a Action) any {
				types = append(types, a.Type)
				if a.Type == "batch" {
					store.Dispatch(ctx, Action{Type: "one"})
					return store.Dispatch(ctx, Action{Type: "two"})
				}
				return next(ctx, a)
			}
		}
	}

	s := NewStore(nil, nil, expand)
	out := s.Dispatch(context.Background(), Action{Type: "batch"})
	require.IsType(t, Action{}, out)
	assert.Equal(t, "two", out.(Action).Type)
	assert.Equal(t, []string{"batch", "one", "two"}, types)
}

func TestAction_WithMeta(t *testing.T) {
	a := Action{Type: "t", Meta: map[string]any{"x": 1}}
	b := a.WithMeta("y", 2)
	assert.Len(t, a.Meta, 1)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, b.Meta)
}
