package probe

import (
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/capture"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/condition"
	"go.uber.org/zap"
)

// Hit is the capture context of one pass through a probed line. It replaces
// per-thread state: values, the triggered breakpoint id and the runtime all
// travel with it, so concurrent executions never see each other's captures.
type Hit struct {
	rt  *Runtime
	loc breakpoint.Location
	buf capture.Buffer
	id  string
}

// Put records a value. Nil values are skipped.
func (h *Hit) Put(kind capture.Kind, name string, value interface{}) {
	defer h.guard("put")
	h.buf.Put(kind, name, value)
}

// Bindings exposes the recorded values to conditions.
func (h *Hit) Bindings() condition.Bindings {
	return h.buf.Bindings()
}

// CheckHit triggers the breakpoint if its condition holds. Exactly one
// execution wins a given breakpoint.
func (h *Hit) CheckHit() (ok bool) {
	defer h.guard("check")
	if h.rt == nil {
		return false
	}
	id, ok := h.rt.registry.CheckHit(h.loc, h)
	if ok {
		h.id = id
	}
	return ok
}

// CurrentBreakpointID returns the id of the breakpoint this execution
// triggered.
func (h *Hit) CurrentBreakpointID() (string, bool) {
	return h.id, h.id != ""
}

// Dump flushes the recorded values and the caller's stack into the snapshot
// of the triggered breakpoint.
func (h *Hit) Dump() {
	defer h.guard("dump")
	if h.rt == nil || h.id == "" {
		return
	}
	rt := h.rt

	for _, kind := range capture.Kinds {
		vars, err := h.buf.Render(kind, rt.limits)
		if err != nil {
			rt.stats.Counter("capture_errors").Inc(1)
			rt.logger.Warn("some values could not be captured",
				zap.String("id", h.id),
				zap.Stringer("kind", kind),
				zap.Error(err),
			)
		}
		rt.store.Put(h.id, kind, vars)
	}

	// Skip Dump and the generated closure so the probed function is on top.
	frames := capture.CaptureStack(2, selfPrefix)
	if !rt.store.FillStackTrace(h.id, frames) {
		rt.logger.Debug("snapshot gone before capture completed", zap.String("id", h.id))
		return
	}
	rt.stats.Counter("snapshots_captured").Inc(1)

	if snap, ok := rt.store.Get(h.id); ok {
		rt.notify(snap)
	}
}

// End releases the hit. It must be called exactly once, deferred right after
// Begin. A panic raised while the generated code evaluated values for Put is
// recovered here and the hit is dropped.
func (h *Hit) End() {
	if r := recover(); r != nil {
		h.recovered("capture", r)
	}
	h.buf.Reset()
	h.rt = nil
	h.id = ""
	h.loc = breakpoint.Location{}
	hits.Put(h)
}

func (h *Hit) guard(op string) {
	if r := recover(); r != nil {
		h.recovered(op, r)
	}
}

func (h *Hit) recovered(op string, r interface{}) {
	if h.rt != nil {
		h.rt.stats.Counter("probe_panics").Inc(1)
		h.rt.logger.Error("probe recovered from panic",
			zap.String("op", op),
			zap.Stringer("location", h.loc),
			zap.Any("panic", r),
		)
	}
}
