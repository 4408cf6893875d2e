package instrument

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// OverlayFile is the name of the overlay manifest written by OverlaySink.
const OverlayFile = "overlay.json"

// overlay mirrors the file format accepted by `go build -overlay`.
type overlay struct {
	Replace map[string]string
}

// OverlaySink writes rewritten units under Dir and keeps an overlay manifest
// mapping each original path to its rewritten copy, so the next build of the
// host picks up the instrumented code.
type OverlaySink struct {
	Dir string

	mu      sync.Mutex
	replace map[string]string
}

// NewOverlaySink creates a sink writing into dir.
func NewOverlaySink(dir string) *OverlaySink {
	return &OverlaySink{Dir: dir, replace: make(map[string]string)}
}

// Publish writes src and updates the manifest.
func (s *OverlaySink) Publish(unitPath string, src []byte) error {
	abs, err := filepath.Abs(unitPath)
	if err != nil {
		return err
	}
	target := filepath.Join(s.Dir, strings.TrimPrefix(filepath.ToSlash(abs), "/"))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(target, src, 0o644); err != nil {
		return err
	}

	s.replace[abs] = target
	data, err := json.MarshalIndent(overlay{Replace: s.replace}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.Dir, OverlayFile), data, 0o644)
}

// WriterSink prints rewritten units to W.
type WriterSink struct {
	W io.Writer
}

// Publish writes a header line followed by src.
func (s WriterSink) Publish(unitPath string, src []byte) error {
	if _, err := fmt.Fprintf(s.W, "// instrumented: %s\n", unitPath); err != nil {
		return err
	}
	_, err := s.W.Write(src)
	return err
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(unitPath string, src []byte) error

// Publish calls f.
func (f SinkFunc) Publish(unitPath string, src []byte) error {
	return f(unitPath, src)
}
