// Package capture renders runtime values and call stacks into snapshot form.
package capture

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// Limits bounds how much of a value graph is rendered.
type Limits struct {
	MaxDepth          int
	MaxStringLength   int
	MaxCollectionSize int
}

// DefaultLimits mirrors the agent's configuration defaults.
var DefaultLimits = Limits{
	MaxDepth:          10,
	MaxStringLength:   1000,
	MaxCollectionSize: 100,
}

func (l Limits) withDefaults() Limits {
	if l.MaxDepth <= 0 {
		l.MaxDepth = DefaultLimits.MaxDepth
	}
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = DefaultLimits.MaxStringLength
	}
	if l.MaxCollectionSize <= 0 {
		l.MaxCollectionSize = DefaultLimits.MaxCollectionSize
	}
	return l
}

// StackFrame represents a single frame in the stack trace.
type StackFrame struct {
	MethodName      string `json:"method_name"`
	FileName        string `json:"file_name,omitempty"`
	FilePath        string `json:"file_path,omitempty"`
	LineNumber      int    `json:"line_number,omitempty"`
	PackageName     string `json:"package_name,omitempty"`
	IsNative        bool   `json:"is_native"`
	SourceAvailable bool   `json:"source_available"`
}

// Variable represents a captured variable.
type Variable struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	Value         string              `json:"value"`
	IsNull        bool                `json:"is_null"`
	IsTruncated   bool                `json:"is_truncated"`
	Children      map[string]Variable `json:"children,omitempty"`
	ArrayElements []Variable          `json:"array_elements,omitempty"`
	ArrayLength   *int                `json:"array_length,omitempty"`
}

// IsAbsent reports whether value is nil or a typed nil reference.
func IsAbsent(value interface{}) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return v.IsNil()
	}
	return false
}

// CaptureValue renders value. A panic raised while walking the value (for
// example from a String method) is returned as an error.
func CaptureValue(name string, value interface{}, limits Limits) (v Variable, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capture %s: %v", name, r)
		}
	}()
	return captureValue(name, value, 0, limits.withDefaults()), nil
}

// CaptureStack returns the calling goroutine's stack starting at the caller
// of CaptureStack. skip drops further frames; frames whose function starts
// with one of the ignored prefixes are left out.
func CaptureStack(skip int, ignore ...string) []StackFrame {
	var frames []StackFrame
	pcs := make([]uintptr, 64)
	n := runtime.Callers(skip+2, pcs)
	pcs = pcs[:n]

	frameIter := runtime.CallersFrames(pcs)
	for {
		frame, more := frameIter.Next()

		if !strings.HasPrefix(frame.Function, "runtime.") && !hasAnyPrefix(frame.Function, ignore) {
			frames = append(frames, StackFrame{
				MethodName:      extractFunctionName(frame.Function),
				FilePath:        frame.File,
				FileName:        extractFileName(frame.File),
				LineNumber:      frame.Line,
				PackageName:     extractPackageName(frame.Function),
				IsNative:        frame.File == "" || strings.HasPrefix(frame.File, "runtime/"),
				SourceAvailable: frame.File != "" && !strings.Contains(frame.File, "/pkg/mod/"),
			})
		}

		if !more || len(frames) >= 50 {
			break
		}
	}

	return frames
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func captureValue(name string, value interface{}, depth int, limits Limits) Variable {
	if value == nil {
		return Variable{
			Name:   name,
			Type:   "nil",
			Value:  "nil",
			IsNull: true,
		}
	}

	if depth > limits.MaxDepth {
		return Variable{
			Name:        name,
			Type:        reflect.TypeOf(value).String(),
			Value:       "<max depth exceeded>",
			IsTruncated: true,
		}
	}

	v := reflect.ValueOf(value)
	t := v.Type()

	switch v.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return Variable{
			Name:  name,
			Type:  t.String(),
			Value: fmt.Sprintf("%v", value),
		}

	case reflect.String:
		s := v.String()
		truncated := len(s) > limits.MaxStringLength
		if truncated {
			s = s[:limits.MaxStringLength]
		}
		return Variable{
			Name:        name,
			Type:        t.String(),
			Value:       s,
			IsTruncated: truncated,
		}

	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return Variable{
				Name:   name,
				Type:   t.String(),
				Value:  "nil",
				IsNull: true,
			}
		}
		return captureValue(name, v.Elem().Interface(), depth, limits)

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		length := v.Len()
		elements := []Variable{}

		maxElements := limits.MaxCollectionSize
		if length < maxElements {
			maxElements = length
		}

		for i := 0; i < maxElements; i++ {
			elem := captureValue(fmt.Sprintf("[%d]", i), interfaceOf(v.Index(i)), depth+1, limits)
			elements = append(elements, elem)
		}

		return Variable{
			Name:          name,
			Type:          t.String(),
			Value:         fmt.Sprintf("[%d items]", length),
			ArrayElements: elements,
			ArrayLength:   &length,
			IsTruncated:   length > limits.MaxCollectionSize,
		}

	case reflect.Map:
		if v.IsNil() {
			return Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		children := make(map[string]Variable)
		iter := v.MapRange()
		for n := 0; n < limits.MaxCollectionSize && iter.Next(); n++ {
			keyStr := fmt.Sprintf("%v", interfaceOf(iter.Key()))
			children[keyStr] = captureValue(keyStr, interfaceOf(iter.Value()), depth+1, limits)
		}

		return Variable{
			Name:        name,
			Type:        t.String(),
			Value:       fmt.Sprintf("map[%d]", v.Len()),
			Children:    children,
			IsTruncated: v.Len() > limits.MaxCollectionSize,
		}

	case reflect.Struct:
		children := make(map[string]Variable)

		for i := 0; i < t.NumField() && i < limits.MaxCollectionSize; i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			children[field.Name] = captureValue(field.Name, v.Field(i).Interface(), depth+1, limits)
		}

		return Variable{
			Name:     name,
			Type:     t.String(),
			Value:    fmt.Sprintf("<%s>", t.Name()),
			Children: children,
		}

	default:
		return Variable{
			Name:  name,
			Type:  t.String(),
			Value: fmt.Sprintf("<%s>", t.Kind()),
		}
	}
}

// interfaceOf returns v as an interface, or nil when v was reached through
// an unexported field.
func interfaceOf(v reflect.Value) interface{} {
	if !v.IsValid() || !v.CanInterface() {
		return nil
	}
	return v.Interface()
}

func extractFunctionName(fullName string) string {
	last := fullName
	if i := strings.LastIndex(fullName, "/"); i >= 0 {
		last = fullName[i+1:]
	}
	if i := strings.Index(last, "."); i >= 0 {
		return last[i+1:]
	}
	return last
}

func extractPackageName(fullName string) string {
	lastSlash := strings.LastIndex(fullName, "/")
	if lastSlash >= 0 {
		fullName = fullName[lastSlash+1:]
	}
	firstDot := strings.Index(fullName, ".")
	if firstDot >= 0 {
		return fullName[:firstDot]
	}
	return fullName
}

func extractFileName(path string) string {
	lastSlash := strings.LastIndex(path, "/")
	if lastSlash >= 0 {
		return path[lastSlash+1:]
	}
	return path
}
