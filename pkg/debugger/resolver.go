package debugger

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/metadata"
)

//go:generate mockgen -destination=debuggermock/resolver.go -package=debuggermock . Resolver

// Resolver maps a client supplied source file and line to the location that
// gets instrumented.
type Resolver interface {
	Resolve(sourceFile string, line int) (breakpoint.Location, error)
}

// ResolutionError reports that a source location could not be mapped to a
// unit.
type ResolutionError struct {
	SourceFile string
	Line       int
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s:%d: %v", e.SourceFile, e.Line, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// MetadataSource provides unit metadata, usually the instrument.Engine cache.
type MetadataSource interface {
	Metadata(unitPath string) (*metadata.ClassMetadata, error)
}

// SourceResolver finds units below a set of roots by path suffix and snaps
// the requested line to the nearest statement of the enclosing function.
type SourceResolver struct {
	roots    []string
	metadata MetadataSource

	mu    sync.Mutex
	units map[string]string
}

// NewSourceResolver creates a resolver searching roots. Without roots,
// source files are looked up relative to the working directory.
func NewSourceResolver(md MetadataSource, roots ...string) *SourceResolver {
	return &SourceResolver{
		roots:    roots,
		metadata: md,
		units:    make(map[string]string),
	}
}

// Resolve implements Resolver.
func (r *SourceResolver) Resolve(sourceFile string, line int) (breakpoint.Location, error) {
	fail := func(err error) (breakpoint.Location, error) {
		return breakpoint.Location{}, &ResolutionError{SourceFile: sourceFile, Line: line, Err: err}
	}
	if sourceFile == "" {
		return fail(fmt.Errorf("empty source file"))
	}
	if line <= 0 {
		return fail(fmt.Errorf("line must be positive"))
	}

	unit, err := r.locate(sourceFile)
	if err != nil {
		return fail(err)
	}
	md, err := r.metadata.Metadata(unit)
	if err != nil {
		return fail(err)
	}
	adjusted, ok := md.NearestStatementLine(line)
	if !ok {
		return fail(fmt.Errorf("no statement at or after line %d in the enclosing function", line))
	}
	return breakpoint.Location{Unit: unit, Line: adjusted}, nil
}

func (r *SourceResolver) locate(sourceFile string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if unit, ok := r.units[sourceFile]; ok {
		return unit, nil
	}

	var unit string
	if filepath.IsAbs(sourceFile) || len(r.roots) == 0 {
		_, err := os.Stat(sourceFile)
		switch {
		case err == nil:
			unit = filepath.Clean(sourceFile)
		case len(r.roots) == 0:
			return "", err
		}
	}
	// Clients often send project relative paths with a leading slash; those
	// are looked up under the roots like any other suffix.
	if unit == "" {
		matches, err := r.search(sourceFile)
		if err != nil {
			return "", err
		}
		switch len(matches) {
		case 0:
			return "", fmt.Errorf("not found under %s", strings.Join(r.roots, ", "))
		case 1:
			unit = matches[0]
		default:
			return "", fmt.Errorf("ambiguous: %s", strings.Join(matches, ", "))
		}
	}

	r.units[sourceFile] = unit
	return unit, nil
}

func (r *SourceResolver) search(sourceFile string) ([]string, error) {
	suffix := "/" + strings.TrimPrefix(filepath.ToSlash(filepath.Clean(sourceFile)), "/")

	var matches []string
	for _, root := range r.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				switch d.Name() {
				case ".git", "vendor", "testdata", "node_modules":
					if path != root {
						return filepath.SkipDir
					}
				}
				return nil
			}
			if strings.HasSuffix("/"+filepath.ToSlash(path), suffix) {
				matches = append(matches, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return matches, nil
}
