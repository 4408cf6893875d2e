package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

const sample = `package sample

func Sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}

	return total
}
`

func TestInstrumentCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.go")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	out, err := run(t, "instrument", path, "6", "8")
	require.NoError(t, err)

	lines := strings.Split(out, "\n")
	require.Greater(t, len(lines), 10)
	assert.Equal(t, "// instrumented: "+path, lines[0])
	// The header shifts everything by one line.
	assert.Contains(t, lines[6], `__aivoryprobe.Armed(`)
	assert.Contains(t, lines[6], `"total", total`)
	assert.Contains(t, lines[6], "total += x")
	assert.Contains(t, lines[9], `__aivoryprobe.Armed(`)
	assert.Contains(t, lines[9], "return total")

	_, err = run(t, "instrument", path, "x")
	assert.ErrorContains(t, err, `bad line "x"`)
}

func TestDemoCommand(t *testing.T) {
	out, err := run(t, "demo", "--rounds", "3", "--condition", "discount > 1")
	require.NoError(t, err)

	assert.Contains(t, out, `"complete": true`)
	assert.Contains(t, out, `"discount"`)
	assert.Contains(t, out, `"taxRate"`)
	assert.Contains(t, out, `"Customer"`)
}
