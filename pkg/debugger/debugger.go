// Package debugger exposes the breakpoint workflow used by remote clients:
// register a breakpoint, poll its snapshot, release it.
package debugger

import (
	"context"
	"errors"
	"time"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/capture"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/condition"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/instrument"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/probe"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/snapshot"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Config holds the debugger settings.
type Config struct {
	Snapshot         snapshot.Config
	ConditionTimeout time.Duration
	Limits           capture.Limits
	SourceRoots      []string
	// WatchSources republishes instrumented units when they change on disk.
	WatchSources     bool
}

// DefaultConfig returns the defaults expected by existing deployments.
func DefaultConfig() Config {
	return Config{
		Snapshot: snapshot.DefaultConfig(),
		Limits:   capture.DefaultLimits,
	}
}

type options struct {
	logger    *zap.Logger
	stats     tally.Scope
	evaluator condition.Evaluator
	loader    instrument.Loader
	clock     func() time.Time
}

// Option configures a Debugger.
type Option func(*options)

// WithLogger sets the logger shared by every component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStats sets the metrics scope shared by every component.
func WithStats(scope tally.Scope) Option {
	return func(o *options) {
		o.stats = scope
	}
}

// WithEvaluator replaces the Lua condition evaluator.
func WithEvaluator(e condition.Evaluator) Option {
	return func(o *options) {
		o.evaluator = e
	}
}

// WithLoader sets where pristine unit sources come from.
func WithLoader(l instrument.Loader) Option {
	return func(o *options) {
		o.loader = l
	}
}

// WithClock replaces time.Now for snapshot expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.clock = now
	}
}

// Debugger owns the breakpoint registry, the snapshot store, the
// instrumentation engine and the probe runtime of one process.
type Debugger struct {
	registry *breakpoint.Registry
	store    *snapshot.Store
	engine   *instrument.Engine
	runtime  *probe.Runtime
	resolver Resolver
	watcher  *instrument.SourceWatcher
	logger   *zap.Logger

	stopWatch context.CancelFunc
	watchDone chan struct{}
}

// New wires a debugger. A nil resolver is replaced by a SourceResolver over
// cfg.SourceRoots backed by the engine's metadata cache.
func New(cfg Config, resolver Resolver, reload instrument.ReloadService, opts ...Option) *Debugger {
	o := options{
		logger: zap.NewNop(),
		stats:  tally.NoopScope,
		loader: instrument.FileLoader,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.evaluator == nil {
		o.evaluator = condition.NewLuaEvaluator()
	}

	d := &Debugger{logger: o.logger}

	d.registry = breakpoint.NewRegistry(
		breakpoint.WithEvaluator(o.evaluator),
		breakpoint.WithConditionTimeout(cfg.ConditionTimeout),
		breakpoint.WithLogger(o.logger.Named("registry")),
		breakpoint.WithStats(o.stats.SubScope("registry")),
	)

	storeOpts := []snapshot.Option{
		snapshot.WithRemovalListener(d.onSnapshotRemoved),
		snapshot.WithLogger(o.logger.Named("snapshot")),
		snapshot.WithStats(o.stats.SubScope("snapshot")),
	}
	if o.clock != nil {
		storeOpts = append(storeOpts, snapshot.WithClock(o.clock))
	}
	d.store = snapshot.NewStore(cfg.Snapshot, storeOpts...)

	d.engine = instrument.NewEngine(o.loader, reload,
		instrument.WithLogger(o.logger.Named("instrument")),
		instrument.WithStats(o.stats.SubScope("instrument")),
	)

	d.runtime = probe.NewRuntime(d.registry, d.store,
		probe.WithLimits(cfg.Limits),
		probe.WithLogger(o.logger.Named("probe")),
		probe.WithStats(o.stats.SubScope("probe")),
	)

	if resolver == nil {
		resolver = NewSourceResolver(d.engine, cfg.SourceRoots...)
	}
	d.resolver = resolver

	if cfg.WatchSources {
		w, err := instrument.NewSourceWatcher(d.engine, o.logger.Named("watcher"))
		if err != nil {
			o.logger.Warn("source watching unavailable", zap.Error(err))
		} else {
			d.watcher = w
		}
	}
	return d
}

// onSnapshotRemoved keeps the registry in step with the store: once a
// snapshot expires or is removed, its breakpoint is disarmed too.
func (d *Debugger) onSnapshotRemoved(id string, snap *snapshot.Snapshot, cause snapshot.RemovalCause) {
	loc := breakpoint.Location{Unit: snap.UnitPath, Line: snap.Line}
	if d.registry.Remove(loc, id) {
		d.logger.Info("breakpoint released with its snapshot",
			zap.String("id", id),
			zap.Stringer("location", loc),
			zap.Stringer("cause", cause),
		)
	}
}

// Start installs the probe runtime and starts the snapshot janitor.
func (d *Debugger) Start() error {
	if err := d.store.Start(); err != nil {
		return err
	}
	probe.Install(d.runtime)

	if d.watcher != nil && d.stopWatch == nil {
		ctx, cancel := context.WithCancel(context.Background())
		d.stopWatch = cancel
		d.watchDone = make(chan struct{})
		go func() {
			defer close(d.watchDone)
			d.watcher.Run(ctx)
		}()
	}
	return nil
}

// Close detaches the probe runtime and stops the janitor and source watcher.
func (d *Debugger) Close() error {
	probe.Uninstall(d.runtime)

	var err error
	if d.watcher != nil {
		err = d.watcher.Close()
	}
	if d.stopWatch != nil {
		d.stopWatch()
		<-d.watchDone
		d.stopWatch = nil
	}
	return multierr.Append(err, d.store.Close())
}

// RegisterBreakpoint arms a breakpoint at sourceFile:line and returns its id.
// Registering an armed location again returns the existing id and extends
// the lifetime of its snapshot instead of instrumenting again.
func (d *Debugger) RegisterBreakpoint(ctx context.Context, sourceFile string, line int, cond string) (string, error) {
	loc, err := d.resolver.Resolve(sourceFile, line)
	if err != nil {
		return "", err
	}

	id, isNew := d.registry.AddFunc(loc, cond, func(id string) {
		d.store.Init(id, loc.Unit, loc.Line)
	})
	if !isNew {
		d.store.RefreshExpireTime(id)
		d.logger.Debug("breakpoint already armed, expiry refreshed",
			zap.String("id", id),
			zap.Stringer("location", loc),
		)
		return id, nil
	}

	if err := d.engine.Apply(ctx, loc); err != nil {
		d.registry.Remove(loc, id)
		d.store.Discard(id)
		return "", err
	}
	if d.watcher != nil {
		if err := d.watcher.Watch(loc.Unit); err != nil {
			d.logger.Warn("unit not watched", zap.String("unit", loc.Unit), zap.Error(err))
		}
	}

	d.logger.Info("breakpoint registered",
		zap.String("id", id),
		zap.Stringer("location", loc),
		zap.String("condition", cond),
	)
	return id, nil
}

// DeregisterBreakpoint disarms the breakpoint with id at sourceFile:line. The
// snapshot stays readable until it expires or is removed.
func (d *Debugger) DeregisterBreakpoint(sourceFile string, line int, id string) error {
	loc, err := d.resolver.Resolve(sourceFile, line)
	if err != nil {
		return err
	}
	d.registry.Remove(loc, id)
	return nil
}

// GetBreakpointSnapshot returns the snapshot for id.
func (d *Debugger) GetBreakpointSnapshot(id string) (*snapshot.Snapshot, bool) {
	return d.store.Get(id)
}

// RemoveSnapshot drops the snapshot for id and disarms its breakpoint if it is
// still armed. Unknown ids are ignored.
func (d *Debugger) RemoveSnapshot(id string) {
	d.store.Remove(id)
}

// RemoveBreakpoint releases everything held for id. Unknown ids are ignored.
func (d *Debugger) RemoveBreakpoint(id string) {
	d.store.Remove(id)
	d.registry.RemoveByID(id)
}

// Destroy disarms every breakpoint. Instrumented code stays in place and
// falls through the armed check from now on.
func (d *Debugger) Destroy() {
	n := d.registry.Clear()
	d.logger.Info("all breakpoints cleared", zap.Int("count", n))
}

// Registry returns the breakpoint registry.
func (d *Debugger) Registry() *breakpoint.Registry { return d.registry }

// Store returns the snapshot store.
func (d *Debugger) Store() *snapshot.Store { return d.store }

// Engine returns the instrumentation engine.
func (d *Debugger) Engine() *instrument.Engine { return d.engine }

// Runtime returns the probe runtime.
func (d *Debugger) Runtime() *probe.Runtime { return d.runtime }

// IsResolutionError reports whether err came from mapping a source location.
func IsResolutionError(err error) bool {
	var rerr *ResolutionError
	return errors.As(err, &rerr)
}
