// Package breakpoint provides the registry of armed non-breaking breakpoints.
package breakpoint

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/atomic"
)

// Suffixes appended to breakpoint ids so consumers can tell conditional
// breakpoints apart without a registry lookup.
const (
	SuffixConditional   = "_c"
	SuffixUnconditional = "_u"
)

// Location identifies an instrumentable line inside a unit.
type Location struct {
	Unit string
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Unit, l.Line)
}

// Breakpoint is a one-shot trigger registered at a Location.
type Breakpoint struct {
	ID        string
	Location  Location
	Condition string
	CreatedAt time.Time

	armed atomic.Bool
}

// Armed reports whether the breakpoint is still waiting for a hit.
func (b *Breakpoint) Armed() bool {
	return b.armed.Load()
}

// Conditional reports whether the breakpoint carries a condition.
func (b *Breakpoint) Conditional() bool {
	return b.Condition != ""
}

// IsConditionalID reports whether id was issued for a conditional breakpoint.
func IsConditionalID(id string) bool {
	return strings.HasSuffix(id, SuffixConditional)
}
