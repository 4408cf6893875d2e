package breakpoint

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/condition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type staticBindings condition.Bindings

func (s staticBindings) Bindings() condition.Bindings {
	return condition.Bindings(s)
}

func counterValue(scope tally.TestScope, name string) int64 {
	for _, c := range scope.Snapshot().Counters() {
		if c.Name() == name {
			return c.Value()
		}
	}
	return 0
}

func TestRegistryAdd(t *testing.T) {
	loc := Location{Unit: "foo/foo.go", Line: 42}

	t.Run("should issue suffixed unique ids", func(t *testing.T) {
		r := NewRegistry()
		id, isNew := r.Add(loc, "")
		require.True(t, isNew)
		assert.Len(t, id, 34)
		assert.False(t, IsConditionalID(id))

		cid, isNew := r.Add(Location{Unit: "foo/foo.go", Line: 43}, "x > 5")
		require.True(t, isNew)
		assert.True(t, IsConditionalID(cid))
		assert.NotEqual(t, id, cid)
		assert.Equal(t, 2, r.Len())
	})

	t.Run("should return the existing id for an armed location", func(t *testing.T) {
		r := NewRegistry()
		id, isNew := r.Add(loc, "")
		require.True(t, isNew)

		again, isNew := r.Add(loc, "x > 1")
		assert.False(t, isNew)
		assert.Equal(t, id, again)

		bp, ok := r.Get(loc)
		require.True(t, ok)
		assert.Empty(t, bp.Condition)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("should prepare new breakpoints before they are visible", func(t *testing.T) {
		r := NewRegistry()
		var prepared []string
		id, isNew := r.AddFunc(loc, "", func(id string) {
			_, visible := r.breakpoints[loc]
			assert.False(t, visible)
			assert.Zero(t, r.Len())
			prepared = append(prepared, id)
		})
		require.True(t, isNew)
		assert.Equal(t, []string{id}, prepared)
		assert.True(t, r.HasBreakpoint(loc))

		_, isNew = r.AddFunc(loc, "", func(string) {
			t.Fatal("prepare called for an armed location")
		})
		assert.False(t, isNew)
	})

	t.Run("should not collide under concurrent adds", func(t *testing.T) {
		r := NewRegistry()
		var mu sync.Mutex
		seen := make(map[string]struct{})
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(line int) {
				defer wg.Done()
				id, _ := r.Add(Location{Unit: "u.go", Line: line}, "")
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}(i)
		}
		wg.Wait()
		assert.Len(t, seen, 64)
	})
}

func TestRegistryRemove(t *testing.T) {
	loc := Location{Unit: "foo/foo.go", Line: 42}

	t.Run("should only remove a matching id", func(t *testing.T) {
		r := NewRegistry()
		id, _ := r.Add(loc, "")

		assert.False(t, r.Remove(loc, "stale_u"))
		assert.True(t, r.HasBreakpoint(loc))

		bp, _ := r.Get(loc)
		assert.True(t, r.Remove(loc, id))
		assert.False(t, r.HasBreakpoint(loc))
		assert.False(t, bp.Armed())
	})

	t.Run("should be idempotent", func(t *testing.T) {
		r := NewRegistry()
		id, _ := r.Add(loc, "")
		assert.True(t, r.RemoveByID(id))
		assert.False(t, r.RemoveByID(id))
		assert.False(t, r.Remove(loc, id))
		assert.Equal(t, 0, r.Len())
	})

	t.Run("should clear everything", func(t *testing.T) {
		r := NewRegistry()
		r.Add(loc, "")
		r.Add(Location{Unit: "bar.go", Line: 1}, "")
		assert.Equal(t, 2, r.Clear())
		assert.Equal(t, 0, r.Len())
		assert.False(t, r.HasBreakpoint(loc))
	})
}

func TestRegistryCheckHit(t *testing.T) {
	loc := Location{Unit: "foo/foo.go", Line: 42}

	t.Run("should miss when nothing is armed", func(t *testing.T) {
		r := NewRegistry()
		id, ok := r.CheckHit(loc, nil)
		assert.False(t, ok)
		assert.Empty(t, id)
	})

	t.Run("should trigger exactly once under contention", func(t *testing.T) {
		r := NewRegistry()
		id, _ := r.Add(loc, "")

		const racers = 32
		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			wins  int
			winID string
			start = make(chan struct{})
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if got, ok := r.CheckHit(loc, nil); ok {
					mu.Lock()
					wins++
					winID = got
					mu.Unlock()
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, 1, wins)
		assert.Equal(t, id, winID)
		assert.False(t, r.HasBreakpoint(loc))
	})

	t.Run("should honour the condition", func(t *testing.T) {
		eval := condition.EvaluatorFunc(func(_ context.Context, expr string, vars condition.Bindings) (bool, error) {
			assert.Equal(t, "x > 5", expr)
			return vars["x"].(int) > 5, nil
		})
		r := NewRegistry(WithEvaluator(eval))
		id, _ := r.Add(loc, "x > 5")

		_, ok := r.CheckHit(loc, staticBindings{"x": 3})
		assert.False(t, ok)
		assert.True(t, r.HasBreakpoint(loc))

		got, ok := r.CheckHit(loc, staticBindings{"x": 10})
		assert.True(t, ok)
		assert.Equal(t, id, got)
		assert.False(t, r.HasBreakpoint(loc))
	})

	t.Run("should suppress the hit when evaluation fails", func(t *testing.T) {
		scope := tally.NewTestScope("", nil)
		eval := condition.EvaluatorFunc(func(context.Context, string, condition.Bindings) (bool, error) {
			return false, errors.New("boom")
		})
		core, logs := observer.New(zap.WarnLevel)
		r := NewRegistry(WithEvaluator(eval), WithStats(scope), WithLogger(zap.New(core)))
		r.Add(loc, "x > 5")

		_, ok := r.CheckHit(loc, staticBindings{})
		assert.False(t, ok)
		assert.True(t, r.HasBreakpoint(loc))
		assert.Equal(t, int64(1), counterValue(scope, "condition_errors"))

		entries := logs.FilterMessage("breakpoint condition failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, "x > 5", entries[0].ContextMap()["condition"])
		assert.Equal(t, "boom", entries[0].ContextMap()["error"])
	})

	t.Run("should survive a panicking evaluator", func(t *testing.T) {
		eval := condition.EvaluatorFunc(func(context.Context, string, condition.Bindings) (bool, error) {
			panic("bad evaluator")
		})
		r := NewRegistry(WithEvaluator(eval))
		r.Add(loc, "x > 5")

		assert.NotPanics(t, func() {
			_, ok := r.CheckHit(loc, staticBindings{})
			assert.False(t, ok)
		})
	})
}
