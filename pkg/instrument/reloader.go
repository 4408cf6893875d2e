// Package instrument rewrites Go units so selected lines report to the
// breakpoint runtime.
package instrument

import (
	"bytes"
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/tools/go/ast/astutil"
)

// Import path and local name under which rewritten units reach the probe
// runtime. The alias avoids clashing with identifiers of the target package.
const (
	ProbeImportPath  = "github.com/ilscipio/aivory-monitor/agent-go/pkg/probe"
	ProbeImportAlias = "__aivoryprobe"
)

// Edit inserts Text at byte Offset of the pristine unit source.
type Edit struct {
	Offset int
	Text   string
}

// Hook computes the edit one probe contributes to a unit.
type Hook func(fset *token.FileSet, file *ast.File) (Edit, error)

// Loader returns the pristine source of a unit.
type Loader interface {
	Load(unitPath string) ([]byte, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(unitPath string) ([]byte, error)

// Load calls f.
func (f LoaderFunc) Load(unitPath string) ([]byte, error) {
	return f(unitPath)
}

// FileLoader reads units from the local file system.
var FileLoader Loader = LoaderFunc(os.ReadFile)

// Sink receives rewritten units. Publishing is what makes the new code live.
type Sink interface {
	Publish(unitPath string, src []byte) error
}

//go:generate mockgen -destination=instrumentmock/reload.go -package=instrumentmock . ReloadService

// ReloadService performs live replacement of a unit's code.
type ReloadService interface {
	AddRewriteHook(unitPath, name string, hook Hook)
	RemoveRewriteHook(unitPath, name string)
	Reapply(ctx context.Context, unitPath string) error
}

// Reloader is the in-process ReloadService. Every Reapply starts from the
// pristine source, applies all hooks registered for the unit and publishes
// the result.
type Reloader struct {
	loader Loader
	sink   Sink

	mu    sync.Mutex
	hooks map[string]map[string]Hook
}

// NewReloader creates a reloader.
func NewReloader(loader Loader, sink Sink) *Reloader {
	return &Reloader{
		loader: loader,
		sink:   sink,
		hooks:  make(map[string]map[string]Hook),
	}
}

// AddRewriteHook registers hook for unitPath under name, replacing any hook
// of the same name.
func (r *Reloader) AddRewriteHook(unitPath, name string, hook Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hooks[unitPath] == nil {
		r.hooks[unitPath] = make(map[string]Hook)
	}
	r.hooks[unitPath][name] = hook
}

// RemoveRewriteHook unregisters a hook. Unknown names are ignored.
func (r *Reloader) RemoveRewriteHook(unitPath, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.hooks[unitPath], name)
	if len(r.hooks[unitPath]) == 0 {
		delete(r.hooks, unitPath)
	}
}

// Hooks returns the hook names registered for unitPath in application order.
func (r *Reloader) Hooks(unitPath string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.hooks[unitPath]))
	for name := range r.hooks[unitPath] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reapply rewrites unitPath with its current hooks and publishes it.
func (r *Reloader) Reapply(ctx context.Context, unitPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	src, err := r.loader.Load(unitPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", unitPath, err)
	}

	out, err := Rewrite(unitPath, src, r.sortedHooksLocked(unitPath))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.sink.Publish(unitPath, out); err != nil {
		return fmt.Errorf("publish %s: %w", unitPath, err)
	}
	return nil
}

func (r *Reloader) sortedHooksLocked(unitPath string) []Hook {
	names := make([]string, 0, len(r.hooks[unitPath]))
	for name := range r.hooks[unitPath] {
		names = append(names, name)
	}
	sort.Strings(names)

	hooks := make([]Hook, 0, len(names))
	for _, name := range names {
		hooks = append(hooks, r.hooks[unitPath][name])
	}
	return hooks
}

// Rewrite applies hooks to src. Every edit stays on the line it targets and
// the probe import joins the package clause, so line numbers reported by the
// rewritten unit match the original source. The result is parsed again before
// it is returned; a unit that no longer parses is rejected.
func Rewrite(unitPath string, src []byte, hooks []Hook) ([]byte, error) {
	if len(hooks) == 0 {
		return src, nil
	}

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, unitPath, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", unitPath, err)
	}

	edits := make([]Edit, 0, len(hooks)+1)
	if !hasProbeImport(file) {
		edits = append(edits, Edit{
			Offset: fset.Position(file.Name.End()).Offset,
			Text:   fmt.Sprintf("; import %s %s", ProbeImportAlias, strconv.Quote(ProbeImportPath)),
		})
	}
	for _, hook := range hooks {
		e, err := hook(fset, file)
		if err != nil {
			return nil, err
		}
		edits = append(edits, e)
	}
	out, err := applyEdits(src, edits)
	if err != nil {
		return nil, fmt.Errorf("rewrite %s: %w", unitPath, err)
	}

	rewritten, err := parser.ParseFile(token.NewFileSet(), unitPath, out, parser.AllErrors)
	if err != nil {
		return nil, fmt.Errorf("rewritten %s rejected: %w", unitPath, err)
	}
	if !astutil.UsesImport(rewritten, ProbeImportPath) {
		return nil, fmt.Errorf("rewritten %s rejected: probe import unused", unitPath)
	}
	return out, nil
}

func hasProbeImport(file *ast.File) bool {
	for _, spec := range file.Imports {
		if spec.Path.Value == strconv.Quote(ProbeImportPath) {
			return spec.Name != nil && spec.Name.Name == ProbeImportAlias
		}
	}
	return false
}

func applyEdits(src []byte, edits []Edit) ([]byte, error) {
	sort.SliceStable(edits, func(i, j int) bool { return edits[i].Offset < edits[j].Offset })

	var buf bytes.Buffer
	last := 0
	for _, e := range edits {
		if e.Offset < last || e.Offset > len(src) {
			return nil, fmt.Errorf("edit offset %d out of range", e.Offset)
		}
		buf.Write(src[last:e.Offset])
		buf.WriteString(e.Text)
		last = e.Offset
	}
	buf.Write(src[last:])
	return buf.Bytes(), nil
}
