package metadata

import (
	"go/ast"
	"go/token"
	"go/types"
	"sort"
)

// scopeWalker records local variable live ranges and statement lines of a
// single function declaration.
type scopeWalker struct {
	fset   *token.FileSet
	method *Method
	slot   int
	stmts  map[int]struct{}
}

func indexMethod(fset *token.FileSet, d *ast.FuncDecl) *Method {
	m := &Method{
		Name:      d.Name.Name,
		ID:        d.Name.Name,
		StartLine: fset.Position(d.Pos()).Line,
		EndLine:   fset.Position(d.End()).Line,
	}
	if d.Recv != nil && len(d.Recv.List) > 0 {
		recv := d.Recv.List[0]
		m.ReceiverType = baseTypeName(recv.Type)
		m.PointerRecv = isPointer(recv.Type)
		if len(recv.Names) > 0 && recv.Names[0].Name != "_" {
			m.Receiver = recv.Names[0].Name
		}
		m.ID = m.ReceiverType + "." + d.Name.Name
	}

	w := &scopeWalker{fset: fset, method: m, stmts: make(map[int]struct{})}
	w.funcBody(d.Type, d.Body)

	m.StatementLines = make([]int, 0, len(w.stmts))
	for line := range w.stmts {
		m.StatementLines = append(m.StatementLines, line)
	}
	sort.Ints(m.StatementLines)
	return m
}

func isPointer(expr ast.Expr) bool {
	for {
		switch e := expr.(type) {
		case *ast.ParenExpr:
			expr = e.X
		case *ast.StarExpr:
			return true
		default:
			return false
		}
	}
}

func (w *scopeWalker) line(p token.Pos) int {
	return w.fset.Position(p).Line
}

func (w *scopeWalker) declare(name string, typ ast.Expr, start, end int) {
	if name == "_" || name == "" {
		return
	}
	desc := ""
	if typ != nil {
		desc = types.ExprString(typ)
	}
	w.method.LocalVariables = append(w.method.LocalVariables, LocalVariable{
		Name:           name,
		TypeDescriptor: desc,
		StartLine:      start,
		EndLine:        end,
		SlotIndex:      w.slot,
	})
	w.slot++
}

func (w *scopeWalker) funcBody(ft *ast.FuncType, body *ast.BlockStmt) {
	start, end := w.line(body.Lbrace), w.line(body.Rbrace)
	for _, list := range []*ast.FieldList{ft.Params, ft.Results} {
		if list == nil {
			continue
		}
		for _, f := range list.List {
			for _, n := range f.Names {
				w.declare(n.Name, f.Type, start, end)
			}
		}
	}
	w.block(body.List, end)
}

func (w *scopeWalker) block(list []ast.Stmt, end int) {
	for _, s := range list {
		w.stmts[w.line(s.Pos())] = struct{}{}
		w.stmt(s, end)
	}
}

// stmt handles one statement whose enclosing scope closes on line end.
func (w *scopeWalker) stmt(s ast.Stmt, end int) {
	switch s := s.(type) {
	case *ast.AssignStmt:
		w.closures(s)
		if s.Tok != token.DEFINE {
			return
		}
		start := w.line(s.End()) + 1
		for _, lhs := range s.Lhs {
			if id, ok := lhs.(*ast.Ident); ok {
				w.declare(id.Name, nil, start, end)
			}
		}
	case *ast.DeclStmt:
		w.closures(s)
		gd, ok := s.Decl.(*ast.GenDecl)
		if !ok || gd.Tok != token.VAR {
			return
		}
		start := w.line(s.End()) + 1
		for _, spec := range gd.Specs {
			vs := spec.(*ast.ValueSpec)
			for _, n := range vs.Names {
				w.declare(n.Name, vs.Type, start, end)
			}
		}
	case *ast.BlockStmt:
		w.block(s.List, w.line(s.Rbrace))
	case *ast.LabeledStmt:
		w.stmt(s.Stmt, end)
	case *ast.IfStmt:
		inner := w.line(s.End())
		w.header(s.Init, s.Body, inner)
		w.closures(s.Cond)
		w.block(s.Body.List, w.line(s.Body.Rbrace))
		switch e := s.Else.(type) {
		case *ast.BlockStmt:
			w.block(e.List, w.line(e.Rbrace))
		case *ast.IfStmt:
			w.stmt(e, inner)
		}
	case *ast.ForStmt:
		w.header(s.Init, s.Body, w.line(s.End()))
		w.closures(s.Cond)
		w.block(s.Body.List, w.line(s.Body.Rbrace))
	case *ast.RangeStmt:
		w.closures(s.X)
		if s.Tok == token.DEFINE {
			start := w.line(s.Body.Lbrace) + 1
			for _, e := range []ast.Expr{s.Key, s.Value} {
				if id, ok := e.(*ast.Ident); ok {
					w.declare(id.Name, nil, start, w.line(s.End()))
				}
			}
		}
		w.block(s.Body.List, w.line(s.Body.Rbrace))
	case *ast.SwitchStmt:
		w.header(s.Init, s.Body, w.line(s.End()))
		w.closures(s.Tag)
		for _, c := range s.Body.List {
			cc := c.(*ast.CaseClause)
			w.block(cc.Body, w.line(cc.End()))
		}
	case *ast.TypeSwitchStmt:
		w.header(s.Init, s.Body, w.line(s.End()))
		name := ""
		if as, ok := s.Assign.(*ast.AssignStmt); ok && len(as.Lhs) == 1 {
			if id, ok := as.Lhs[0].(*ast.Ident); ok {
				name = id.Name
			}
		}
		for _, c := range s.Body.List {
			cc := c.(*ast.CaseClause)
			if name != "" {
				var typ ast.Expr
				if len(cc.List) == 1 {
					typ = cc.List[0]
				}
				w.declare(name, typ, w.line(cc.Colon)+1, w.line(cc.End()))
			}
			w.block(cc.Body, w.line(cc.End()))
		}
	case *ast.SelectStmt:
		for _, c := range s.Body.List {
			cc := c.(*ast.CommClause)
			if as, ok := cc.Comm.(*ast.AssignStmt); ok && as.Tok == token.DEFINE {
				for _, lhs := range as.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						w.declare(id.Name, nil, w.line(cc.Colon)+1, w.line(cc.End()))
					}
				}
			}
			w.block(cc.Body, w.line(cc.End()))
		}
	default:
		w.closures(s)
	}
}

// header declares the variables of an init statement; they are visible from
// the first line of body until end.
func (w *scopeWalker) header(init ast.Stmt, body *ast.BlockStmt, end int) {
	if init == nil {
		return
	}
	w.closures(init)
	as, ok := init.(*ast.AssignStmt)
	if !ok || as.Tok != token.DEFINE {
		return
	}
	start := w.line(body.Lbrace) + 1
	for _, lhs := range as.Lhs {
		if id, ok := lhs.(*ast.Ident); ok {
			w.declare(id.Name, nil, start, end)
		}
	}
}

// closures indexes function literals nested in n.
func (w *scopeWalker) closures(n ast.Node) {
	if n == nil {
		return
	}
	ast.Inspect(n, func(n ast.Node) bool {
		fl, ok := n.(*ast.FuncLit)
		if !ok {
			return true
		}
		w.funcBody(fl.Type, fl.Body)
		return false
	})
}
