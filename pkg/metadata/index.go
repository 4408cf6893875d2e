// Package metadata extracts per-unit debug metadata from Go source files.
package metadata

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"sort"
)

// Access describes the visibility of a field.
type Access string

const (
	Exported   Access = "exported"
	Unexported Access = "unexported"
)

// Field is a struct field or package-level variable declared in a unit.
type Field struct {
	Access         Access
	Owner          string // declaring struct type, empty for package-level vars
	Name           string
	TypeDescriptor string
}

// LocalVariable is a name bound inside a function together with the lines
// on which it is visible.
type LocalVariable struct {
	Name           string
	TypeDescriptor string // empty when the type is inferred
	StartLine      int
	EndLine        int
	SlotIndex      int
}

// Method holds the metadata of one top-level function declaration.
type Method struct {
	ID             string
	Name           string
	Receiver       string // receiver identifier, empty if unnamed or a plain function
	ReceiverType   string
	PointerRecv    bool // receiver is a pointer and may be nil
	StartLine      int
	EndLine        int
	LocalVariables []LocalVariable
	StatementLines []int
}

// ClassMetadata is the read-only index of a single unit.
type ClassMetadata struct {
	UnitName     string
	Package      string
	Fields       []Field
	StaticFields []Field
	Methods      map[string]*Method
}

// Index parses src and builds the unit's metadata.
func Index(unitPath string, src []byte) (*ClassMetadata, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, unitPath, src, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", unitPath, err)
	}
	return FromFile(unitPath, fset, file), nil
}

// FromFile builds metadata from an already parsed file.
func FromFile(unitPath string, fset *token.FileSet, file *ast.File) *ClassMetadata {
	md := &ClassMetadata{
		UnitName: unitPath,
		Package:  file.Name.Name,
		Methods:  make(map[string]*Method),
	}

	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			md.addGenDecl(d)
		case *ast.FuncDecl:
			if d.Body == nil {
				continue
			}
			m := indexMethod(fset, d)
			id := m.ID
			for i := 2; md.Methods[id] != nil; i++ {
				id = fmt.Sprintf("%s#%d", m.ID, i)
			}
			m.ID = id
			md.Methods[id] = m
		}
	}
	return md
}

func (md *ClassMetadata) addGenDecl(d *ast.GenDecl) {
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			st, ok := s.Type.(*ast.StructType)
			if !ok {
				continue
			}
			for _, f := range st.Fields.List {
				typ := types.ExprString(f.Type)
				if len(f.Names) == 0 {
					name := baseTypeName(f.Type)
					md.Fields = append(md.Fields, newField(s.Name.Name, name, typ))
					continue
				}
				for _, n := range f.Names {
					if n.Name == "_" {
						continue
					}
					md.Fields = append(md.Fields, newField(s.Name.Name, n.Name, typ))
				}
			}
		case *ast.ValueSpec:
			if d.Tok != token.VAR {
				continue
			}
			typ := ""
			if s.Type != nil {
				typ = types.ExprString(s.Type)
			}
			for _, n := range s.Names {
				if n.Name == "_" {
					continue
				}
				md.StaticFields = append(md.StaticFields, newField("", n.Name, typ))
			}
		}
	}
}

func newField(owner, name, typ string) Field {
	access := Unexported
	if ast.IsExported(name) {
		access = Exported
	}
	return Field{Access: access, Owner: owner, Name: name, TypeDescriptor: typ}
}

// MethodAt returns the method whose declaration spans line.
func (md *ClassMetadata) MethodAt(line int) (*Method, bool) {
	for _, m := range md.Methods {
		if m.StartLine <= line && line <= m.EndLine {
			return m, true
		}
	}
	return nil, false
}

// FieldsOf returns the fields of the struct type declared as typeName.
func (md *ClassMetadata) FieldsOf(typeName string) []Field {
	var out []Field
	for _, f := range md.Fields {
		if f.Owner == typeName {
			out = append(out, f)
		}
	}
	return out
}

// NearestStatementLine snaps line forward to the first line inside the same
// method on which a statement starts.
func (md *ClassMetadata) NearestStatementLine(line int) (int, bool) {
	m, ok := md.MethodAt(line)
	if !ok {
		return 0, false
	}
	idx := sort.SearchInts(m.StatementLines, line)
	if idx == len(m.StatementLines) {
		return 0, false
	}
	return m.StatementLines[idx], true
}

// HasStatement reports whether a statement starts on line.
func (m *Method) HasStatement(line int) bool {
	idx := sort.SearchInts(m.StatementLines, line)
	return idx < len(m.StatementLines) && m.StatementLines[idx] == line
}

// LiveLocals returns the locals visible at line, ordered by slot. When a name
// is shadowed the innermost binding wins.
func (m *Method) LiveLocals(line int) []LocalVariable {
	byName := make(map[string]LocalVariable)
	for _, lv := range m.LocalVariables {
		if lv.StartLine > line || lv.EndLine < line {
			continue
		}
		if prev, ok := byName[lv.Name]; ok && prev.StartLine > lv.StartLine {
			continue
		}
		byName[lv.Name] = lv
	}

	out := make([]LocalVariable, 0, len(byName))
	for _, lv := range byName {
		out = append(out, lv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotIndex < out[j].SlotIndex })
	return out
}

func baseTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return baseTypeName(t.X)
	case *ast.SelectorExpr:
		return t.Sel.Name
	case *ast.IndexExpr:
		return baseTypeName(t.X)
	case *ast.IndexListExpr:
		return baseTypeName(t.X)
	case *ast.ParenExpr:
		return baseTypeName(t.X)
	}
	return ""
}
