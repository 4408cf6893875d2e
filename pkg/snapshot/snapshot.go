// Package snapshot keeps captured breakpoint snapshots for a bounded time.
package snapshot

import (
	"time"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/capture"
)

// Snapshot is the captured state of one breakpoint hit. Values handed out by
// the Store are immutable; every mutation produces a new copy.
type Snapshot struct {
	ID             string                      `json:"id"`
	UnitPath       string                      `json:"unit_path"`
	Line           int                         `json:"line"`
	CreatedAt      time.Time                   `json:"created_at"`
	ExpireAt       time.Time                   `json:"expire_at"`
	CapturedAt     time.Time                   `json:"captured_at,omitempty"`
	Complete       bool                        `json:"complete"`
	LocalVariables map[string]capture.Variable `json:"local_variables"`
	Fields         map[string]capture.Variable `json:"fields"`
	StaticFields   map[string]capture.Variable `json:"static_fields"`
	StackTrace     []capture.StackFrame        `json:"stack_trace"`
}

// Variables returns the map of the given kind.
func (s *Snapshot) Variables(kind capture.Kind) map[string]capture.Variable {
	switch kind {
	case capture.Local:
		return s.LocalVariables
	case capture.Field:
		return s.Fields
	case capture.Static:
		return s.StaticFields
	}
	return nil
}

func (s *Snapshot) clone() *Snapshot {
	c := *s
	c.LocalVariables = cloneVars(s.LocalVariables)
	c.Fields = cloneVars(s.Fields)
	c.StaticFields = cloneVars(s.StaticFields)
	c.StackTrace = append([]capture.StackFrame(nil), s.StackTrace...)
	return &c
}

func (s *Snapshot) merge(kind capture.Kind, vars map[string]capture.Variable) {
	var dst *map[string]capture.Variable
	switch kind {
	case capture.Local:
		dst = &s.LocalVariables
	case capture.Field:
		dst = &s.Fields
	case capture.Static:
		dst = &s.StaticFields
	default:
		return
	}
	if *dst == nil {
		*dst = make(map[string]capture.Variable, len(vars))
	}
	for name, v := range vars {
		(*dst)[name] = v
	}
}

func cloneVars(in map[string]capture.Variable) map[string]capture.Variable {
	if in == nil {
		return nil
	}
	out := make(map[string]capture.Variable, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// RemovalCause tells a removal listener why an entry went away.
type RemovalCause int

const (
	// Expired entries were evicted by the janitor.
	Expired RemovalCause = iota
	// Explicit entries were removed by a client call.
	Explicit
)

func (c RemovalCause) String() string {
	if c == Expired {
		return "expired"
	}
	return "explicit"
}

// RemovalListener is called after an entry has left the store.
type RemovalListener func(id string, snap *Snapshot, cause RemovalCause)
