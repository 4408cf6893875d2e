package capture

import (
	"fmt"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/condition"
	"go.uber.org/multierr"
)

// Kind tags which part of a snapshot a captured value belongs to.
type Kind int

const (
	Local Kind = iota
	Field
	Static

	numKinds = 3
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case Field:
		return "field"
	case Static:
		return "static"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Kinds lists every capture kind in flush order.
var Kinds = [...]Kind{Local, Field, Static}

// Buffer is the scratch space of one in-flight breakpoint hit. It is owned by
// a single execution and must not be shared between goroutines.
type Buffer struct {
	values [numKinds]map[string]interface{}
	order  [numKinds][]string
}

// Put records value under name. Absent values are skipped; the return value
// reports whether anything was stored.
func (b *Buffer) Put(kind Kind, name string, value interface{}) bool {
	if kind < 0 || kind >= numKinds || IsAbsent(value) {
		return false
	}
	m := b.values[kind]
	if m == nil {
		m = make(map[string]interface{})
		b.values[kind] = m
	}
	if _, exists := m[name]; !exists {
		b.order[kind] = append(b.order[kind], name)
	}
	m[name] = value
	return true
}

// Get returns the raw value recorded under name.
func (b *Buffer) Get(kind Kind, name string) (interface{}, bool) {
	if kind < 0 || kind >= numKinds {
		return nil, false
	}
	v, ok := b.values[kind][name]
	return v, ok
}

// Names returns the recorded names of kind in insertion order.
func (b *Buffer) Names(kind Kind) []string {
	if kind < 0 || kind >= numKinds {
		return nil
	}
	return append([]string(nil), b.order[kind]...)
}

// Empty reports whether nothing has been recorded.
func (b *Buffer) Empty() bool {
	for _, m := range b.values {
		if len(m) > 0 {
			return false
		}
	}
	return true
}

// Bindings flattens the buffer for condition evaluation. Locals shadow
// fields, which shadow statics.
func (b *Buffer) Bindings() condition.Bindings {
	out := make(condition.Bindings)
	for _, kind := range []Kind{Static, Field, Local} {
		for name, v := range b.values[kind] {
			out[name] = v
		}
	}
	return out
}

// Render converts the values of kind into snapshot variables. Values that
// cannot be rendered are skipped and reported in the returned error.
func (b *Buffer) Render(kind Kind, limits Limits) (map[string]Variable, error) {
	if kind < 0 || kind >= numKinds || len(b.order[kind]) == 0 {
		return nil, nil
	}

	var errs error
	out := make(map[string]Variable, len(b.order[kind]))
	for _, name := range b.order[kind] {
		v, err := CaptureValue(name, b.values[kind][name], limits)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out[name] = v
	}
	return out, errs
}

// Reset drops every recorded value while keeping allocated storage.
func (b *Buffer) Reset() {
	for i := range b.values {
		clear(b.values[i])
		b.order[i] = b.order[i][:0]
	}
}
