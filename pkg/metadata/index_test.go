package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fooSrc = `package foo

var counter int

type Foo struct {
	Name  string
	count int
}

func (f *Foo) Bar(x int) int {
	y := x * 2
	if y > 10 {
		z := y + 1
		return z
	}
	for i := 0; i < x; i++ {
		counter += i
	}
	return y
}

func helper(s string) string {
	return s
}

func shadow(v int) {
	if v > 0 {
		v := "inner"
		_ = v
	}
}
`

func names(vars []LocalVariable) []string {
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		out = append(out, v.Name)
	}
	return out
}

func TestIndex(t *testing.T) {
	md, err := Index("foo/foo.go", []byte(fooSrc))
	require.NoError(t, err)

	t.Run("should collect struct fields and package vars", func(t *testing.T) {
		assert.Equal(t, "foo", md.Package)
		assert.Equal(t, []Field{
			{Access: Exported, Owner: "Foo", Name: "Name", TypeDescriptor: "string"},
			{Access: Unexported, Owner: "Foo", Name: "count", TypeDescriptor: "int"},
		}, md.FieldsOf("Foo"))
		assert.Equal(t, []Field{{Access: Unexported, Name: "counter", TypeDescriptor: "int"}}, md.StaticFields)
	})

	t.Run("should index methods with receivers", func(t *testing.T) {
		m, ok := md.Methods["Foo.Bar"]
		require.True(t, ok)
		assert.Equal(t, "f", m.Receiver)
		assert.Equal(t, "Foo", m.ReceiverType)
		assert.Equal(t, 10, m.StartLine)
		assert.Equal(t, 20, m.EndLine)
		assert.Equal(t, []int{11, 12, 13, 14, 16, 17, 19}, m.StatementLines)

		h, ok := md.Methods["helper"]
		require.True(t, ok)
		assert.Empty(t, h.Receiver)
	})

	t.Run("should compute live locals per line", func(t *testing.T) {
		m := md.Methods["Foo.Bar"]
		assert.Equal(t, []string{"x"}, names(m.LiveLocals(11)))
		assert.Equal(t, []string{"x", "y"}, names(m.LiveLocals(13)))
		assert.Equal(t, []string{"x", "y", "z"}, names(m.LiveLocals(14)))
		assert.Equal(t, []string{"x", "y", "i"}, names(m.LiveLocals(17)))
		assert.Equal(t, []string{"x", "y"}, names(m.LiveLocals(19)))
	})

	t.Run("should prefer the innermost binding", func(t *testing.T) {
		m := md.Methods["shadow"]
		live := m.LiveLocals(29)
		require.Len(t, live, 1)
		assert.Equal(t, "v", live[0].Name)
		assert.Equal(t, 29, live[0].StartLine)
		assert.Empty(t, live[0].TypeDescriptor)

		live = m.LiveLocals(27)
		require.Len(t, live, 1)
		assert.Equal(t, "int", live[0].TypeDescriptor)
	})

	t.Run("should snap to the next statement line", func(t *testing.T) {
		line, ok := md.NearestStatementLine(15)
		require.True(t, ok)
		assert.Equal(t, 16, line)

		line, ok = md.NearestStatementLine(10)
		require.True(t, ok)
		assert.Equal(t, 11, line)

		_, ok = md.NearestStatementLine(21)
		assert.False(t, ok)
	})
}

func TestIndexParseError(t *testing.T) {
	_, err := Index("bad.go", []byte("package bad\nfunc {"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.go")
}
