package snapshot

import (
	"errors"
	"sync"
	"time"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/capture"
	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Defaults kept for compatibility with existing deployments.
const (
	DefaultTTL           = 10 * time.Minute
	DefaultJanitorPeriod = time.Minute
)

// ErrStoreClosed is returned when starting a closed store.
var ErrStoreClosed = errors.New("snapshot store closed")

// Config holds the store timings.
type Config struct {
	TTL           time.Duration
	JanitorPeriod time.Duration
}

// DefaultConfig returns the default TTL and janitor period.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTL, JanitorPeriod: DefaultJanitorPeriod}
}

// Store is a TTL cache of snapshots keyed by breakpoint id.
//
// Reads are lock-free: entries are immutable values in a sync.Map. All
// mutations are serialised on a single store mutex, which is enough for the
// small number of breakpoints a debugging session arms.
type Store struct {
	cfg      Config
	entries  sync.Map // id -> *Snapshot
	mu       sync.Mutex
	now      func() time.Time
	listener RemovalListener
	logger   *zap.Logger
	stats    tally.Scope

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
	closed    bool
}

// Option configures a Store.
type Option func(*Store)

// WithRemovalListener registers the callback fired after evictions and
// explicit removals.
func WithRemovalListener(l RemovalListener) Option {
	return func(s *Store) {
		s.listener = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStats sets the metrics scope.
func WithStats(scope tally.Scope) Option {
	return func(s *Store) {
		s.stats = scope
	}
}

// NewStore creates a store. Zero durations in cfg fall back to the defaults.
func NewStore(cfg Config, opts ...Option) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.JanitorPeriod <= 0 {
		cfg.JanitorPeriod = DefaultJanitorPeriod
	}
	s := &Store{
		cfg:    cfg,
		now:    time.Now,
		logger: zap.NewNop(),
		stats:  tally.NoopScope,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured time to live.
func (s *Store) TTL() time.Duration {
	return s.cfg.TTL
}

// Init creates an empty snapshot for id that expires one TTL from now.
func (s *Store) Init(id, unitPath string, line int) *Snapshot {
	now := s.now()
	snap := &Snapshot{
		ID:        id,
		UnitPath:  unitPath,
		Line:      line,
		CreatedAt: now,
		ExpireAt:  now.Add(s.cfg.TTL),
	}

	s.mu.Lock()
	s.entries.Store(id, snap)
	s.mu.Unlock()

	s.stats.Counter("snapshot_init").Inc(1)
	return snap
}

// Get returns the snapshot for id.
func (s *Store) Get(id string) (*Snapshot, bool) {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Snapshot), true
}

// Put merges vars into the snapshot's map of the given kind. Unknown ids are
// ignored: late writes for an evicted snapshot are expected.
func (s *Store) Put(id string, kind capture.Kind, vars map[string]capture.Variable) bool {
	if len(vars) == 0 {
		return s.exists(id)
	}
	return s.update(id, func(snap *Snapshot) {
		snap.merge(kind, vars)
	})
}

// FillStackTrace stores the call stack and marks the snapshot complete.
func (s *Store) FillStackTrace(id string, frames []capture.StackFrame) bool {
	capturedAt := s.now()
	return s.update(id, func(snap *Snapshot) {
		snap.StackTrace = append([]capture.StackFrame(nil), frames...)
		snap.CapturedAt = capturedAt
		snap.Complete = true
	})
}

// RefreshExpireTime pushes the expiry of id to one TTL from now. It never
// moves the expiry backwards.
func (s *Store) RefreshExpireTime(id string) bool {
	expireAt := s.now().Add(s.cfg.TTL)
	return s.update(id, func(snap *Snapshot) {
		if expireAt.After(snap.ExpireAt) {
			snap.ExpireAt = expireAt
		}
	})
}

func (s *Store) exists(id string) bool {
	_, ok := s.entries.Load(id)
	return ok
}

func (s *Store) update(id string, fn func(*Snapshot)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries.Load(id)
	if !ok {
		return false
	}
	next := v.(*Snapshot).clone()
	fn(next)
	s.entries.Store(id, next)
	return true
}

// Remove deletes the snapshot for id and notifies the removal listener.
// Removing an unknown id is a no-op.
func (s *Store) Remove(id string) bool {
	snap, ok := s.delete(id)
	if !ok {
		return false
	}
	s.notify(id, snap, Explicit)
	return true
}

// Discard deletes the snapshot for id without notifying the listener. It is
// used to roll back a failed registration.
func (s *Store) Discard(id string) bool {
	_, ok := s.delete(id)
	return ok
}

func (s *Store) delete(id string) (*Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.entries.LoadAndDelete(id)
	if !ok {
		return nil, false
	}
	return v.(*Snapshot), true
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	n := 0
	s.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Sweep evicts every expired entry and returns how many were removed. The
// removal listener runs after the store lock has been released.
func (s *Store) Sweep() int {
	now := s.now()

	var expired []*Snapshot
	s.mu.Lock()
	s.entries.Range(func(k, v interface{}) bool {
		snap := v.(*Snapshot)
		if !snap.ExpireAt.After(now) {
			s.entries.Delete(k)
			expired = append(expired, snap)
		}
		return true
	})
	s.mu.Unlock()

	for _, snap := range expired {
		s.notify(snap.ID, snap, Expired)
	}
	if len(expired) > 0 {
		s.stats.Counter("snapshot_evicted").Inc(int64(len(expired)))
		s.logger.Debug("evicted expired snapshots", zap.Int("count", len(expired)))
	}
	s.stats.Gauge("snapshots_live").Update(float64(s.Len()))
	return len(expired)
}

func (s *Store) notify(id string, snap *Snapshot, cause RemovalCause) {
	if s.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("snapshot removal listener panicked",
				zap.String("id", id),
				zap.Any("panic", r),
			)
		}
	}()
	s.listener(id, snap, cause)
}

// Start launches the janitor. The first sweep happens one TTL after start,
// then every janitor period until Close.
func (s *Store) Start() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStoreClosed
	}

	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.runJanitor()
	})
	return nil
}

func (s *Store) runJanitor() {
	defer s.wg.Done()

	initial := time.NewTimer(s.cfg.TTL)
	defer initial.Stop()

	select {
	case <-s.done:
		return
	case <-initial.C:
	}
	s.Sweep()

	ticker := time.NewTicker(s.cfg.JanitorPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Close stops the janitor and waits for it to exit. Entries stay readable.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
	s.wg.Wait()
	return nil
}
