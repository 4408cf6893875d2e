package instrument

import (
	"context"
	"fmt"
	"sync"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/metadata"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// RewriteError reports that a location could not be instrumented.
type RewriteError struct {
	Location breakpoint.Location
	Err      error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("instrument %s: %v", e.Location, e.Err)
}

func (e *RewriteError) Unwrap() error {
	return e.Err
}

// Engine instruments each location at most once per process. Concurrent
// requests for the same location share one rewrite.
type Engine struct {
	loader Loader
	reload ReloadService
	logger *zap.Logger
	stats  tally.Scope

	mu       sync.Mutex
	metadata map[string]*metadata.ClassMetadata

	seen     sync.Map // breakpoint.Location -> *Probe
	group    singleflight.Group
	rewrites atomic.Int64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithStats sets the metrics scope.
func WithStats(scope tally.Scope) EngineOption {
	return func(e *Engine) {
		e.stats = scope
	}
}

// NewEngine creates an engine reading units through loader and publishing
// rewrites through reload.
func NewEngine(loader Loader, reload ReloadService, opts ...EngineOption) *Engine {
	e := &Engine{
		loader:   loader,
		reload:   reload,
		logger:   zap.NewNop(),
		stats:    tally.NoopScope,
		metadata: make(map[string]*metadata.ClassMetadata),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Metadata returns the cached metadata of unitPath, indexing it on first use.
func (e *Engine) Metadata(unitPath string) (*metadata.ClassMetadata, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if md, ok := e.metadata[unitPath]; ok {
		return md, nil
	}
	src, err := e.loader.Load(unitPath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", unitPath, err)
	}
	md, err := metadata.Index(unitPath, src)
	if err != nil {
		return nil, err
	}
	e.metadata[unitPath] = md
	return md, nil
}

// Plan returns the probe that Apply installs (or installed) at loc.
func (e *Engine) Plan(loc breakpoint.Location) (*Probe, error) {
	if p, ok := e.seen.Load(loc); ok {
		return p.(*Probe), nil
	}
	md, err := e.Metadata(loc.Unit)
	if err != nil {
		return nil, err
	}
	return PlanProbe(md, loc)
}

// Instrumented reports whether loc has already been rewritten.
func (e *Engine) Instrumented(loc breakpoint.Location) bool {
	_, ok := e.seen.Load(loc)
	return ok
}

// Rewrites returns how many locations have been rewritten.
func (e *Engine) Rewrites() int64 {
	return e.rewrites.Load()
}

// Apply makes sure loc reports to the probe runtime. A location that was
// already instrumented is left untouched. On failure the hook is withdrawn
// and a *RewriteError is returned.
func (e *Engine) Apply(ctx context.Context, loc breakpoint.Location) error {
	if e.Instrumented(loc) {
		return nil
	}

	_, err, _ := e.group.Do(loc.String(), func() (interface{}, error) {
		if e.Instrumented(loc) {
			return nil, nil
		}
		return nil, e.apply(ctx, loc)
	})
	return err
}

func (e *Engine) apply(ctx context.Context, loc breakpoint.Location) error {
	probe, err := e.Plan(loc)
	if err != nil {
		e.stats.Counter("instrument_failures").Inc(1)
		return &RewriteError{Location: loc, Err: err}
	}

	name := hookName(loc)
	e.reload.AddRewriteHook(loc.Unit, name, probe.Hook())
	if err := e.reload.Reapply(ctx, loc.Unit); err != nil {
		e.reload.RemoveRewriteHook(loc.Unit, name)
		e.stats.Counter("instrument_failures").Inc(1)
		e.logger.Warn("instrumentation rejected", zap.Stringer("location", loc), zap.Error(err))
		return &RewriteError{Location: loc, Err: err}
	}

	e.seen.Store(loc, probe)
	e.rewrites.Inc()
	e.stats.Counter("instrument_rewrites").Inc(1)
	e.logger.Info("location instrumented",
		zap.Stringer("location", loc),
		zap.String("method", probe.Method),
		zap.Strings("locals", probe.LocalNames()),
	)
	return nil
}

// Invalidate drops the cached metadata of unitPath after its source changed
// and publishes the unit again with the probes already placed in it.
func (e *Engine) Invalidate(ctx context.Context, unitPath string) error {
	e.mu.Lock()
	delete(e.metadata, unitPath)
	e.mu.Unlock()
	e.stats.Counter("unit_invalidations").Inc(1)

	placed := 0
	e.seen.Range(func(k, _ interface{}) bool {
		if k.(breakpoint.Location).Unit == unitPath {
			placed++
		}
		return true
	})
	if placed == 0 {
		return nil
	}
	if err := e.reload.Reapply(ctx, unitPath); err != nil {
		e.logger.Warn("changed unit could not be republished",
			zap.String("unit", unitPath),
			zap.Int("probes", placed),
			zap.Error(err),
		)
		return fmt.Errorf("republish %s: %w", unitPath, err)
	}
	e.logger.Info("changed unit republished", zap.String("unit", unitPath), zap.Int("probes", placed))
	return nil
}

func hookName(loc breakpoint.Location) string {
	return fmt.Sprintf("probe:%08d", loc.Line)
}
