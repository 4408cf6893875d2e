// Package probe is the runtime side of instrumentation. Rewritten units call
// Armed and Begin on every pass through a probed line.
package probe

import (
	"sync"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/capture"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/snapshot"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Capture kinds used by generated code.
const (
	Local  = capture.Local
	Field  = capture.Field
	Static = capture.Static
)

const selfPrefix = "github.com/ilscipio/aivory-monitor/agent-go/pkg/probe."

// HitListener is told about every completed snapshot.
type HitListener func(snap *snapshot.Snapshot)

// Runtime connects probes to the breakpoint registry and snapshot store.
type Runtime struct {
	registry *breakpoint.Registry
	store    *snapshot.Store
	limits   capture.Limits
	logger   *zap.Logger
	stats    tally.Scope

	mu        sync.RWMutex
	listeners []HitListener
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLimits bounds rendered values.
func WithLimits(l capture.Limits) Option {
	return func(rt *Runtime) {
		rt.limits = l
	}
}

// WithLogger sets the runtime logger.
func WithLogger(logger *zap.Logger) Option {
	return func(rt *Runtime) {
		rt.logger = logger
	}
}

// WithStats sets the metrics scope.
func WithStats(scope tally.Scope) Option {
	return func(rt *Runtime) {
		rt.stats = scope
	}
}

// NewRuntime creates a runtime. It does not receive probe calls until
// installed.
func NewRuntime(registry *breakpoint.Registry, store *snapshot.Store, opts ...Option) *Runtime {
	rt := &Runtime{
		registry: registry,
		store:    store,
		limits:   capture.DefaultLimits,
		logger:   zap.NewNop(),
		stats:    tally.NoopScope,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// OnHit registers a listener for completed snapshots.
func (rt *Runtime) OnHit(l HitListener) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.listeners = append(rt.listeners, l)
}

func (rt *Runtime) notify(snap *snapshot.Snapshot) {
	rt.mu.RLock()
	listeners := rt.listeners
	rt.mu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rt.logger.Error("hit listener panicked", zap.String("id", snap.ID), zap.Any("panic", r))
				}
			}()
			l(snap)
		}()
	}
}

var current atomic.Pointer[Runtime]

// Install makes rt the target of probe calls in this process.
func Install(rt *Runtime) {
	current.Store(rt)
}

// Uninstall detaches rt if it is the installed runtime.
func Uninstall(rt *Runtime) {
	current.CompareAndSwap(rt, nil)
}

// Current returns the installed runtime.
func Current() *Runtime {
	return current.Load()
}

// Armed reports whether a breakpoint waits at unit:line. Generated code calls
// it before doing any capture work.
func Armed(unit string, line int) bool {
	rt := current.Load()
	if rt == nil {
		return false
	}
	return rt.registry.HasBreakpoint(breakpoint.Location{Unit: unit, Line: line})
}

var hits = sync.Pool{
	New: func() interface{} { return new(Hit) },
}

// Begin starts a capture at unit:line. The returned Hit belongs to the
// calling execution and must be ended with End.
func Begin(unit string, line int) *Hit {
	h := hits.Get().(*Hit)
	h.rt = current.Load()
	h.loc = breakpoint.Location{Unit: unit, Line: line}
	return h
}
