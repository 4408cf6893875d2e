package breakpoint

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/condition"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const defaultConditionTimeout = 100 * time.Millisecond

// BindingSource supplies the values a condition is evaluated against.
type BindingSource interface {
	Bindings() condition.Bindings
}

// Registry is the process-wide map of armed breakpoints keyed by Location.
// Lookups on the hot path take only a read lock and never allocate.
type Registry struct {
	mu          sync.RWMutex
	breakpoints map[Location]*Breakpoint
	armed       atomic.Int64

	evaluator        condition.Evaluator
	conditionTimeout time.Duration
	logger           *zap.Logger
	stats            tally.Scope
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEvaluator sets the evaluator used for conditional breakpoints.
func WithEvaluator(e condition.Evaluator) RegistryOption {
	return func(r *Registry) {
		r.evaluator = e
	}
}

// WithConditionTimeout bounds a single condition evaluation.
func WithConditionTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.conditionTimeout = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithStats sets the metrics scope.
func WithStats(scope tally.Scope) RegistryOption {
	return func(r *Registry) {
		r.stats = scope
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		breakpoints:      make(map[Location]*Breakpoint),
		conditionTimeout: defaultConditionTimeout,
		logger:           zap.NewNop(),
		stats:            tally.NoopScope,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add arms a breakpoint at loc. If one is already armed there its id is
// returned with isNew=false and nothing changes.
func (r *Registry) Add(loc Location, cond string) (id string, isNew bool) {
	return r.AddFunc(loc, cond, nil)
}

// AddFunc is Add with a hook that receives the id of a new breakpoint while
// the registry lock is held, before any probe can observe it. It must not
// call back into the registry.
func (r *Registry) AddFunc(loc Location, cond string, prepare func(id string)) (id string, isNew bool) {
	cond = strings.TrimSpace(cond)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.breakpoints[loc]; ok {
		return existing.ID, false
	}

	bp := &Breakpoint{
		ID:        newID(cond != ""),
		Location:  loc,
		Condition: cond,
		CreatedAt: time.Now(),
	}
	if prepare != nil {
		prepare(bp.ID)
	}
	bp.armed.Store(true)
	r.breakpoints[loc] = bp
	r.armed.Inc()

	r.stats.Counter("breakpoint_added").Inc(1)
	r.stats.Gauge("breakpoints_armed").Update(float64(len(r.breakpoints)))
	r.logger.Debug("breakpoint armed", zap.String("id", bp.ID), zap.Stringer("location", loc))
	return bp.ID, true
}

// Remove disarms the breakpoint at loc if its id matches. Unknown ids are
// ignored so cleanup stays idempotent.
func (r *Registry) Remove(loc Location, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	bp, ok := r.breakpoints[loc]
	if !ok || bp.ID != id {
		return false
	}
	r.deleteLocked(loc, bp)
	r.logger.Debug("breakpoint removed", zap.String("id", id), zap.Stringer("location", loc))
	return true
}

// RemoveByID disarms the breakpoint with the given id wherever it is.
func (r *Registry) RemoveByID(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for loc, bp := range r.breakpoints {
		if bp.ID == id {
			r.deleteLocked(loc, bp)
			r.logger.Debug("breakpoint removed", zap.String("id", id), zap.Stringer("location", loc))
			return true
		}
	}
	return false
}

// Clear disarms every breakpoint.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.breakpoints)
	for loc, bp := range r.breakpoints {
		r.deleteLocked(loc, bp)
	}
	return n
}

func (r *Registry) deleteLocked(loc Location, bp *Breakpoint) {
	delete(r.breakpoints, loc)
	bp.armed.Store(false)
	r.armed.Dec()
	r.stats.Gauge("breakpoints_armed").Update(float64(len(r.breakpoints)))
}

// Get returns the breakpoint armed at loc.
func (r *Registry) Get(loc Location) (*Breakpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bp, ok := r.breakpoints[loc]
	return bp, ok
}

// Len returns the number of armed breakpoints.
func (r *Registry) Len() int {
	return int(r.armed.Load())
}

// HasBreakpoint reports whether loc is armed. It is called on every pass
// through an instrumented line.
func (r *Registry) HasBreakpoint(loc Location) bool {
	if r.armed.Load() == 0 {
		return false
	}
	r.mu.RLock()
	_, ok := r.breakpoints[loc]
	r.mu.RUnlock()
	return ok
}

// CheckHit triggers the breakpoint at loc if its condition holds. Trigger and
// removal happen under one write lock, so among concurrent callers only one
// receives ok=true; the winner gets the breakpoint id.
func (r *Registry) CheckHit(loc Location, src BindingSource) (string, bool) {
	if r.armed.Load() == 0 {
		return "", false
	}
	r.mu.RLock()
	bp, ok := r.breakpoints[loc]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}

	if bp.Conditional() && !r.conditionHolds(bp, src) {
		return "", false
	}

	r.mu.Lock()
	if r.breakpoints[loc] != bp {
		r.mu.Unlock()
		return "", false
	}
	r.deleteLocked(loc, bp)
	r.mu.Unlock()

	r.stats.Counter("breakpoint_hits").Inc(1)
	r.logger.Debug("breakpoint hit", zap.String("id", bp.ID), zap.Stringer("location", loc))
	return bp.ID, true
}

// conditionHolds evaluates the breakpoint condition. Evaluation errors and
// panics suppress the hit and leave the breakpoint armed.
func (r *Registry) conditionHolds(bp *Breakpoint, src BindingSource) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.conditionFailed(bp, fmt.Errorf("evaluator panic: %v", rec))
			ok = false
		}
	}()

	if r.evaluator == nil {
		r.conditionFailed(bp, fmt.Errorf("no evaluator configured"))
		return false
	}

	var vars condition.Bindings
	if src != nil {
		vars = src.Bindings()
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.conditionTimeout)
	defer cancel()

	ok, err := r.evaluator.Evaluate(ctx, bp.Condition, vars)
	if err != nil {
		r.conditionFailed(bp, err)
		return false
	}
	return ok
}

func (r *Registry) conditionFailed(bp *Breakpoint, err error) {
	r.stats.Counter("condition_errors").Inc(1)
	r.logger.Warn("breakpoint condition failed",
		zap.String("id", bp.ID),
		zap.String("condition", bp.Condition),
		zap.Error(err),
	)
}

func newID(conditional bool) string {
	suffix := SuffixUnconditional
	if conditional {
		suffix = SuffixConditional
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "") + suffix
}
