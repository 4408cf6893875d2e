package condition

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

const maxConversionDepth = 4

var operatorRewriter = strings.NewReplacer(
	"&&", " and ",
	"||", " or ",
	"!=", " ~= ",
	"!", " not ",
)

// LuaEvaluator evaluates conditions as Lua expressions. Captured values are
// exposed as globals of a fresh environment on every call, so evaluations
// never observe each other's bindings.
//
// gopher-lua states are not goroutine-safe; each evaluation borrows a state
// from a pool.
type LuaEvaluator struct {
	pool   sync.Pool
	protos sync.Map // normalised expression -> *lua.FunctionProto
}

// NewLuaEvaluator creates an evaluator with an empty state pool.
func NewLuaEvaluator() *LuaEvaluator {
	e := &LuaEvaluator{}
	e.pool.New = func() interface{} {
		return newSandboxedState()
	}
	return e
}

// newSandboxedState opens only the side-effect free libraries.
func newSandboxedState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	lua.OpenBase(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenTable(L)
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "print"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// Normalize rewrites C-style operators into their Lua spelling. Quoted
// string literals are copied unchanged.
func Normalize(expr string) string {
	var b strings.Builder
	start := 0
	for i := 0; i < len(expr); i++ {
		q := expr[i]
		if q != '"' && q != '\'' {
			continue
		}
		b.WriteString(operatorRewriter.Replace(expr[start:i]))
		end := closingQuote(expr, i)
		b.WriteString(expr[i:end])
		start, i = end, end-1
	}
	b.WriteString(operatorRewriter.Replace(expr[start:]))
	return strings.TrimSpace(b.String())
}

// closingQuote returns the index just past the literal opened at expr[open],
// or len(expr) if it is never closed.
func closingQuote(expr string, open int) int {
	for i := open + 1; i < len(expr); i++ {
		switch expr[i] {
		case '\\':
			i++
		case expr[open]:
			return i + 1
		}
	}
	return len(expr)
}

// Evaluate runs expr against vars and returns its truthiness.
func (e *LuaEvaluator) Evaluate(ctx context.Context, expr string, vars Bindings) (result bool, err error) {
	expr = Normalize(expr)
	if expr == "" {
		return false, ErrEmptyExpression
	}

	proto, err := e.compile(expr)
	if err != nil {
		return false, err
	}

	L := e.pool.Get().(*lua.LState)
	healthy := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
			healthy = false
		}
		if healthy {
			e.pool.Put(L)
		} else {
			L.Close()
		}
	}()

	env := L.NewTable()
	meta := L.NewTable()
	L.SetField(meta, "__index", L.Get(lua.GlobalsIndex))
	L.SetMetatable(env, meta)
	for name, value := range vars {
		env.RawSetString(name, toLValue(L, reflect.ValueOf(value), 0))
	}

	fn := L.NewFunctionFromProto(proto)
	fn.Env = env

	L.SetContext(ctx)
	L.Push(fn)
	callErr := L.PCall(0, 1, nil)
	L.RemoveContext()
	if callErr != nil {
		return false, fmt.Errorf("evaluate %q: %w", expr, callErr)
	}

	ret := L.Get(-1)
	L.Pop(1)
	healthy = true
	return lua.LVAsBool(ret), nil
}

func (e *LuaEvaluator) compile(expr string) (*lua.FunctionProto, error) {
	if p, ok := e.protos.Load(expr); ok {
		return p.(*lua.FunctionProto), nil
	}

	src := "return (" + expr + ")"
	chunk, err := parse.Parse(strings.NewReader(src), "<condition>")
	if err != nil {
		return nil, fmt.Errorf("parse condition %q: %w", expr, err)
	}
	proto, err := lua.Compile(chunk, "<condition>")
	if err != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, err)
	}
	e.protos.Store(expr, proto)
	return proto, nil
}

func toLValue(L *lua.LState, v reflect.Value, depth int) lua.LValue {
	if !v.IsValid() {
		return lua.LNil
	}

	switch v.Kind() {
	case reflect.Bool:
		return lua.LBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return lua.LNumber(v.Uint())
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(v.Float())
	case reflect.String:
		return lua.LString(v.String())
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return lua.LNil
		}
		return toLValue(L, v.Elem(), depth)
	}

	if depth >= maxConversionDepth {
		return lua.LString(fmt.Sprintf("<%s>", v.Type()))
	}

	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return lua.LNil
		}
		t := L.NewTable()
		for i := 0; i < v.Len() && i < 100; i++ {
			t.Append(toLValue(L, v.Index(i), depth+1))
		}
		return t
	case reflect.Map:
		if v.IsNil() {
			return lua.LNil
		}
		t := L.NewTable()
		iter := v.MapRange()
		for n := 0; iter.Next() && n < 100; n++ {
			t.RawSetString(fmt.Sprint(iter.Key().Interface()), toLValue(L, iter.Value(), depth+1))
		}
		return t
	case reflect.Struct:
		t := L.NewTable()
		typ := v.Type()
		for i := 0; i < typ.NumField(); i++ {
			if !typ.Field(i).IsExported() {
				continue
			}
			t.RawSetString(typ.Field(i).Name, toLValue(L, v.Field(i), depth+1))
		}
		return t
	}

	if v.CanInterface() {
		return lua.LString(fmt.Sprint(v.Interface()))
	}
	return lua.LString(fmt.Sprintf("<%s>", v.Type()))
}
