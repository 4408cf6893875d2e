package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type removal struct {
	id    string
	cause RemovalCause
}

type recorder struct {
	mu       sync.Mutex
	removals []removal
}

func (r *recorder) listener(id string, _ *Snapshot, cause RemovalCause) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removals = append(r.removals, removal{id: id, cause: cause})
}

func (r *recorder) all() []removal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]removal(nil), r.removals...)
}

func vars(names ...string) map[string]capture.Variable {
	out := make(map[string]capture.Variable)
	for _, n := range names {
		out[n] = capture.Variable{Name: n, Type: "int", Value: "1"}
	}
	return out
}

func TestStoreLifecycle(t *testing.T) {
	clock := newFakeClock()
	cfg := Config{TTL: 10 * time.Minute, JanitorPeriod: time.Minute}

	t.Run("should init with an expiry one TTL away", func(t *testing.T) {
		s := NewStore(cfg, WithClock(clock.Now))
		s.Init("bp1", "foo/foo.go", 42)

		snap, ok := s.Get("bp1")
		require.True(t, ok)
		assert.Equal(t, "foo/foo.go", snap.UnitPath)
		assert.Equal(t, 42, snap.Line)
		assert.Equal(t, clock.Now().Add(10*time.Minute), snap.ExpireAt)
		assert.False(t, snap.Complete)
	})

	t.Run("should merge puts of every kind", func(t *testing.T) {
		s := NewStore(cfg, WithClock(clock.Now))
		s.Init("bp1", "foo/foo.go", 42)

		before, _ := s.Get("bp1")

		assert.True(t, s.Put("bp1", capture.Local, vars("a")))
		assert.True(t, s.Put("bp1", capture.Local, vars("b")))
		assert.True(t, s.Put("bp1", capture.Field, vars("name")))
		assert.True(t, s.Put("bp1", capture.Static, vars("counter")))
		assert.True(t, s.FillStackTrace("bp1", []capture.StackFrame{{MethodName: "Bar"}}))

		snap, _ := s.Get("bp1")
		assert.Len(t, snap.LocalVariables, 2)
		assert.Contains(t, snap.Fields, "name")
		assert.Contains(t, snap.StaticFields, "counter")
		assert.Equal(t, "Bar", snap.StackTrace[0].MethodName)
		assert.True(t, snap.Complete)

		assert.Empty(t, before.LocalVariables, "handed out snapshots are immutable")
	})

	t.Run("should ignore writes for unknown ids", func(t *testing.T) {
		s := NewStore(cfg, WithClock(clock.Now))
		assert.False(t, s.Put("gone", capture.Local, vars("a")))
		assert.False(t, s.Put("gone", capture.Local, nil))
		assert.False(t, s.FillStackTrace("gone", nil))
		assert.False(t, s.RefreshExpireTime("gone"))
		assert.False(t, s.Remove("gone"))
		assert.Equal(t, 0, s.Len())
	})

	t.Run("should extend but never shorten the expiry", func(t *testing.T) {
		c := newFakeClock()
		s := NewStore(cfg, WithClock(c.Now))
		s.Init("bp1", "foo/foo.go", 42)
		first, _ := s.Get("bp1")

		c.Advance(3 * time.Minute)
		require.True(t, s.RefreshExpireTime("bp1"))
		extended, _ := s.Get("bp1")
		assert.Equal(t, first.ExpireAt.Add(3*time.Minute), extended.ExpireAt)

		c.Advance(-5 * time.Minute)
		require.True(t, s.RefreshExpireTime("bp1"))
		again, _ := s.Get("bp1")
		assert.Equal(t, extended.ExpireAt, again.ExpireAt)
	})

	t.Run("should notify on explicit removal but not on discard", func(t *testing.T) {
		rec := &recorder{}
		s := NewStore(cfg, WithClock(clock.Now), WithRemovalListener(rec.listener))
		s.Init("bp1", "a.go", 1)
		s.Init("bp2", "a.go", 2)

		assert.True(t, s.Remove("bp1"))
		assert.False(t, s.Remove("bp1"))
		assert.True(t, s.Discard("bp2"))

		assert.Equal(t, []removal{{id: "bp1", cause: Explicit}}, rec.all())
		assert.Equal(t, 0, s.Len())
	})
}

func TestStoreSweep(t *testing.T) {
	cfg := Config{TTL: 10 * time.Minute, JanitorPeriod: time.Minute}

	t.Run("should evict only expired entries", func(t *testing.T) {
		clock := newFakeClock()
		rec := &recorder{}
		scope := tally.NewTestScope("", nil)
		s := NewStore(cfg, WithClock(clock.Now), WithRemovalListener(rec.listener), WithStats(scope))

		s.Init("old", "a.go", 1)
		clock.Advance(5 * time.Minute)
		s.Init("young", "a.go", 2)

		clock.Advance(5*time.Minute - time.Second)
		assert.Equal(t, 0, s.Sweep())

		clock.Advance(time.Second)
		assert.Equal(t, 1, s.Sweep())
		_, ok := s.Get("old")
		assert.False(t, ok)
		_, ok = s.Get("young")
		assert.True(t, ok)
		assert.Equal(t, []removal{{id: "old", cause: Expired}}, rec.all())
	})

	t.Run("should call the listener outside the store lock", func(t *testing.T) {
		clock := newFakeClock()
		var s *Store
		done := make(chan struct{})
		s = NewStore(cfg, WithClock(clock.Now), WithRemovalListener(func(id string, _ *Snapshot, _ RemovalCause) {
			s.Remove(id)
			s.Init("replacement", "a.go", 9)
			close(done)
		}))
		s.Init("bp1", "a.go", 1)
		clock.Advance(cfg.TTL)

		s.Sweep()
		<-done
		_, ok := s.Get("replacement")
		assert.True(t, ok)
	})

	t.Run("should survive a panicking listener", func(t *testing.T) {
		clock := newFakeClock()
		s := NewStore(cfg, WithClock(clock.Now), WithRemovalListener(func(string, *Snapshot, RemovalCause) {
			panic("listener")
		}))
		s.Init("bp1", "a.go", 1)
		clock.Advance(cfg.TTL)
		assert.NotPanics(t, func() { s.Sweep() })
	})
}

func TestStoreJanitor(t *testing.T) {
	rec := &recorder{}
	s := NewStore(Config{TTL: 40 * time.Millisecond, JanitorPeriod: 10 * time.Millisecond},
		WithRemovalListener(rec.listener))
	require.NoError(t, s.Start())
	defer s.Close()

	s.Init("bp1", "foo/foo.go", 42)
	_, ok := s.Get("bp1")
	assert.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := s.Get("bp1")
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []removal{{id: "bp1", cause: Expired}}, rec.all())

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(), ErrStoreClosed)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
