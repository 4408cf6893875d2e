package instrument

import (
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
	"strings"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/breakpoint"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/metadata"
)

const hitVar = "__aivoryHit"

// Probe describes what the injected code captures at one location.
type Probe struct {
	Location breakpoint.Location
	Method   string
	Receiver string
	Locals   []metadata.LocalVariable
	Fields   []metadata.Field
	Statics  []metadata.Field

	// NilReceiver is set for pointer receivers; their fields are read only
	// when the receiver is not nil.
	NilReceiver bool
}

// LocalNames returns the names of the captured locals.
func (p *Probe) LocalNames() []string {
	out := make([]string, 0, len(p.Locals))
	for _, lv := range p.Locals {
		out = append(out, lv.Name)
	}
	return out
}

// PlanProbe derives the probe for loc from the unit metadata. Fields are
// captured only for methods with a named receiver; fields and statics whose
// names are shadowed by a live local are left out.
func PlanProbe(md *metadata.ClassMetadata, loc breakpoint.Location) (*Probe, error) {
	m, ok := md.MethodAt(loc.Line)
	if !ok {
		return nil, fmt.Errorf("%s: line is not inside a function", loc)
	}
	if !m.HasStatement(loc.Line) {
		return nil, fmt.Errorf("%s: no statement starts on this line", loc)
	}

	p := &Probe{
		Location: loc,
		Method:   m.ID,
		Locals:   m.LiveLocals(loc.Line),
	}
	shadowed := make(map[string]bool, len(p.Locals))
	for _, lv := range p.Locals {
		shadowed[lv.Name] = true
	}

	if m.Receiver != "" && !shadowed[m.Receiver] {
		p.Receiver = m.Receiver
		p.NilReceiver = m.PointerRecv
		p.Fields = md.FieldsOf(m.ReceiverType)
	}
	for _, f := range md.StaticFields {
		if shadowed[f.Name] || f.Name == m.Receiver {
			continue
		}
		p.Statics = append(p.Statics, f)
	}
	return p, nil
}

// Source renders the statement injected in front of the probed line. It is
// kept on a single line so every original line keeps its number.
func (p *Probe) Source() string {
	unit := strconv.Quote(p.Location.Unit)
	line := strconv.Itoa(p.Location.Line)

	var b strings.Builder
	fmt.Fprintf(&b, "if %s.Armed(%s, %s) { func() { ", ProbeImportAlias, unit, line)
	fmt.Fprintf(&b, "%s := %s.Begin(%s, %s); ", hitVar, ProbeImportAlias, unit, line)
	fmt.Fprintf(&b, "defer %s.End(); ", hitVar)
	for _, lv := range p.Locals {
		writePut(&b, "Local", lv.Name, lv.Name)
	}
	if len(p.Fields) > 0 {
		if p.NilReceiver {
			fmt.Fprintf(&b, "if %s != nil { ", p.Receiver)
		}
		for _, f := range p.Fields {
			writePut(&b, "Field", f.Name, p.Receiver+"."+f.Name)
		}
		if p.NilReceiver {
			b.WriteString("}; ")
		}
	}
	for _, f := range p.Statics {
		writePut(&b, "Static", f.Name, f.Name)
	}
	fmt.Fprintf(&b, "if %s.CheckHit() { %s.Dump() } }() }; ", hitVar, hitVar)
	return b.String()
}

func writePut(b *strings.Builder, kind, name, expr string) {
	fmt.Fprintf(b, "%s.Put(%s.%s, %s, %s); ", hitVar, ProbeImportAlias, kind, strconv.Quote(name), expr)
}

// Hook returns the rewrite hook that inserts the probe.
func (p *Probe) Hook() Hook {
	return func(fset *token.FileSet, file *ast.File) (Edit, error) {
		stmt := statementAt(fset, file, p.Location.Line)
		if stmt == nil {
			return Edit{}, fmt.Errorf("%s: no statement to instrument", p.Location)
		}
		return Edit{Offset: fset.Position(stmt.Pos()).Offset, Text: p.Source()}, nil
	}
}

// statementAt finds the outermost statement starting on line that sits in a
// statement list, where a new statement may be inserted before it.
func statementAt(fset *token.FileSet, file *ast.File, line int) ast.Stmt {
	var found ast.Stmt
	ast.Inspect(file, func(n ast.Node) bool {
		if found != nil || n == nil {
			return false
		}
		if n.Pos().IsValid() && n.End().IsValid() {
			if fset.Position(n.End()).Line < line || fset.Position(n.Pos()).Line > line {
				return false
			}
		}

		var list []ast.Stmt
		switch n := n.(type) {
		case *ast.BlockStmt:
			list = n.List
		case *ast.CaseClause:
			list = n.Body
		case *ast.CommClause:
			list = n.Body
		default:
			return true
		}
		for _, s := range list {
			if fset.Position(s.Pos()).Line == line {
				found = s
				return false
			}
		}
		return true
	})
	return found
}
