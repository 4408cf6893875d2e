package condition

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type order struct {
	ID    string
	Total float64
	items []string
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"x > 5", "x > 5"},
		{"a != b", "a  ~=  b"},
		{"a && !b", "a  and   not b"},
		{"a || b", "a  or  b"},
		{`name == "hi!"`, `name == "hi!"`},
		{`a != "x!=y"`, `a  ~=  "x!=y"`},
		{`s == 'it\'s!' && ok`, `s == 'it\'s!'  and  ok`},
		{`s == "open!`, `s == "open!`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestLuaEvaluator(t *testing.T) {
	e := NewLuaEvaluator()
	ctx := context.Background()

	t.Run("should compare numbers", func(t *testing.T) {
		ok, err := e.Evaluate(ctx, "x > 5", Bindings{"x": 3})
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = e.Evaluate(ctx, "x > 5", Bindings{"x": int64(10)})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should support C-style operators", func(t *testing.T) {
		ok, err := e.Evaluate(ctx, `name != "bob" && !done`, Bindings{"name": "alice", "done": false})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should keep operators inside string literals", func(t *testing.T) {
		ok, err := e.Evaluate(ctx, `greeting == "hi!" && tag ~= "a||b"`, Bindings{"greeting": "hi!", "tag": "a"})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should expose exported struct fields", func(t *testing.T) {
		o := &order{ID: "o-1", Total: 99.5, items: []string{"a"}}
		ok, err := e.Evaluate(ctx, `o.Total >= 99 and o.ID == "o-1" and o.items == nil`, Bindings{"o": o})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should index slices and maps", func(t *testing.T) {
		vars := Bindings{
			"xs": []int{4, 5, 6},
			"m":  map[string]int{"k": 7},
		}
		ok, err := e.Evaluate(ctx, "xs[2] == 5 and #xs == 3 and m.k == 7", vars)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should not leak bindings between evaluations", func(t *testing.T) {
		_, err := e.Evaluate(ctx, "leak == 1", Bindings{"leak": 1})
		require.NoError(t, err)

		ok, err := e.Evaluate(ctx, "leak == nil", Bindings{})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("should report syntax errors", func(t *testing.T) {
		_, err := e.Evaluate(ctx, "x >", Bindings{"x": 1})
		require.Error(t, err)
	})

	t.Run("should report runtime errors", func(t *testing.T) {
		_, err := e.Evaluate(ctx, "missing > 5", Bindings{})
		require.Error(t, err)
	})

	t.Run("should reject empty expressions", func(t *testing.T) {
		_, err := e.Evaluate(ctx, "  ", Bindings{})
		require.ErrorIs(t, err, ErrEmptyExpression)
	})

	t.Run("should stop on context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := e.Evaluate(ctx, "(function() while true do end end)()", Bindings{})
		require.Error(t, err)
	})

	t.Run("should be safe for concurrent use", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(x int) {
				defer wg.Done()
				ok, err := e.Evaluate(ctx, "x % 2 == 0", Bindings{"x": x})
				assert.NoError(t, err)
				assert.Equal(t, x%2 == 0, ok)
			}(i)
		}
		wg.Wait()
	})
}
