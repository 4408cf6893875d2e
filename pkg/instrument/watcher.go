package instrument

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Invalidator is told when the source of a unit changed.
type Invalidator interface {
	Invalidate(ctx context.Context, unitPath string) error
}

// SourceWatcher watches instrumented units on disk and invalidates them when
// they are written or replaced.
type SourceWatcher struct {
	target  Invalidator
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu    sync.Mutex
	units map[string]string // cleaned path -> unit path
	dirs  map[string]struct{}
}

// NewSourceWatcher creates a watcher reporting to target.
func NewSourceWatcher(target Invalidator, logger *zap.Logger) (*SourceWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SourceWatcher{
		target:  target,
		watcher: w,
		logger:  logger,
		units:   make(map[string]string),
		dirs:    make(map[string]struct{}),
	}, nil
}

// Watch starts watching unitPath. Editors often replace files instead of
// writing them, so the parent directory is watched.
func (w *SourceWatcher) Watch(unitPath string) error {
	clean := filepath.Clean(unitPath)
	dir := filepath.Dir(clean)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.units[clean]; ok {
		return nil
	}
	if _, ok := w.dirs[dir]; !ok {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.dirs[dir] = struct{}{}
	}
	w.units[clean] = unitPath
	return nil
}

// Run dispatches change events until ctx is done or Close is called.
func (w *SourceWatcher) Run(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("source watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (w *SourceWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}

	w.mu.Lock()
	unit, ok := w.units[filepath.Clean(event.Name)]
	w.mu.Unlock()
	if !ok {
		return
	}

	w.logger.Debug("unit changed on disk", zap.String("unit", unit), zap.Stringer("op", event.Op))
	if err := w.target.Invalidate(ctx, unit); err != nil {
		w.logger.Warn("unit invalidation failed", zap.String("unit", unit), zap.Error(err))
	}
}

// Close stops the watcher and makes Run return.
func (w *SourceWatcher) Close() error {
	return w.watcher.Close()
}
