package instrument

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type runResult struct {
	Hits     int               `json:"hits"`
	Complete bool              `json:"complete"`
	Locals   map[string]string `json:"locals"`
	Fields   map[string]string `json:"fields"`
	Returned []int             `json:"returned"`
}

// taggedLines maps the "// at:<name>" tags of a source file to their lines.
func taggedLines(t *testing.T, path string) map[string]int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	out := make(map[string]int)
	sc := bufio.NewScanner(f)
	for n := 1; sc.Scan(); n++ {
		if _, tag, ok := strings.Cut(sc.Text(), "// at:"); ok {
			out[strings.TrimSpace(tag)] = n
		}
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRewrittenProgramRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("builds a program")
	}
	gobin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go tool not available")
	}

	target, err := filepath.Abs(filepath.Join("testdata", "hitprog", "target.go"))
	require.NoError(t, err)
	lines := taggedLines(t, target)
	require.Len(t, lines, 4)

	dir := t.TempDir()
	e := NewEngine(FileLoader, NewReloader(FileLoader, NewOverlaySink(dir)), WithLogger(zaptest.NewLogger(t)))
	args := []string{"run", "-overlay", filepath.Join(dir, OverlayFile), "./testdata/hitprog", target}
	for name, line := range lines {
		require.NoError(t, e.Apply(context.Background(), breakpoint.Location{Unit: target, Line: line}), name)
		args = append(args, name+"="+strconv.Itoa(line))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, gobin, args...)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	require.NoError(t, cmd.Run(), stderr.String())

	var report map[string]runResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report), stdout.String())

	t.Run("should capture an unconditional breakpoint once", func(t *testing.T) {
		r := report["sum"]
		assert.Equal(t, 1, r.Hits)
		assert.True(t, r.Complete)
		assert.Equal(t, map[string]string{"n": "4", "total": "0"}, filterKeys(r.Locals, "n", "total"))
		assert.Equal(t, []int{15, 1}, r.Returned)
	})

	t.Run("should wait for the condition to hold", func(t *testing.T) {
		r := report["grow"]
		assert.Equal(t, 1, r.Hits)
		assert.True(t, r.Complete)
		assert.Equal(t, "7", r.Locals["n"])
		assert.Equal(t, []int{6, 14, 18}, r.Returned)
	})

	t.Run("should let exactly one goroutine win", func(t *testing.T) {
		r := report["square"]
		assert.Equal(t, 1, r.Hits)
		assert.True(t, r.Complete)
		assert.Contains(t, r.Locals, "id")
		require.Len(t, r.Returned, 16)
		for i, sq := range r.Returned {
			assert.Equal(t, i*i, sq)
		}
	})

	t.Run("should capture a method called on a nil receiver", func(t *testing.T) {
		r := report["len"]
		assert.Equal(t, 1, r.Hits)
		assert.True(t, r.Complete)
		assert.Empty(t, r.Fields)
		assert.Equal(t, []int{0, 2}, r.Returned)
	})
}

func filterKeys(m map[string]string, keys ...string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := m[k]; ok {
			out[k] = v
		}
	}
	return out
}
