// Package instrument rewrites JavaScript so that reads, writes and calls of
// sensitive browser properties go through the proxy's client runtime.
//
// The source is parsed with goja's parser and patched by splicing text at
// node offsets. Untouched code keeps its exact formatting.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/dop251/goja/token"
)

// Entry points defined by the client runtime. Calls to them mark already
// instrumented code.
const (
	ShimGet        = "__get$"
	ShimSet        = "__set$"
	ShimCall       = "__call$"
	ShimGetLoc     = "__get$Loc"
	ShimSetLoc     = "__set$Loc"
	ShimProcScript = "__proc$Script"
)

const (
	tempObject = "__hh$o"
	tempKey    = "__hh$k"
	tempValue  = "__hh$v"
)

// ErrParseFailure is returned, wrapped, when the source cannot be parsed.
// The original source is returned alongside it.
var ErrParseFailure = errors.New("javascript parse failure")

var shims = map[string]bool{
	ShimGet: true, ShimSet: true, ShimCall: true,
	ShimGetLoc: true, ShimSetLoc: true, ShimProcScript: true,
}

// IsShim reports whether name is one of the runtime entry points.
func IsShim(name string) bool { return shims[name] }

// Transformer instruments scripts using a sensitive property table.
type Transformer struct {
	// Table defaults to DefaultTable.
	Table *SensitivePropertyTable
}

// New returns a Transformer using the built-in table.
func New() *Transformer {
	return &Transformer{Table: DefaultTable()}
}

var defaultTransformer = New()

// Transform instruments a script with the default transformer.
func Transform(src string) (string, error) {
	return defaultTransformer.Transform(src)
}

// Transform instruments a complete script. On a parse failure it returns src
// unchanged together with an error wrapping ErrParseFailure.
func (t *Transformer) Transform(src string) (string, error) {
	return t.transform(src, "", "")
}

// TransformHandler instruments the body of an inline event handler, which
// may contain a top-level return.
func (t *Transformer) TransformHandler(src string) (string, error) {
	return t.transform(src, "(function () {\n", "\n})")
}

func (t *Transformer) table() *SensitivePropertyTable {
	if t.Table == nil {
		return DefaultTable()
	}
	return t.Table
}

func (t *Transformer) transform(src, prefix, suffix string) (string, error) {
	table := t.table()
	if strings.TrimSpace(src) == "" || !table.mayAccess(src) {
		return src, nil
	}

	wrapped := prefix + src + suffix
	prog, err := parser.ParseFile(nil, "", wrapped, parser.IgnoreRegExpErrors, parser.WithDisableSourceMaps)
	if err != nil {
		return src, fmt.Errorf("%w: %w", ErrParseFailure, err)
	}

	w := &walker{s: newSplicer(wrapped), table: table, stmtStart: -1}
	w.statements(prog.Body)
	if !w.s.changed() {
		return src, nil
	}
	out := w.s.String()
	return out[len(prefix) : len(out)-len(suffix)], nil
}

type walker struct {
	s     *splicer
	table *SensitivePropertyTable
	// stmtStart is the offset of the innermost expression statement.
	stmtStart int
	// suspensions counts await and yield expressions in the current
	// function body.
	suspensions int
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (w *walker) statements(list []ast.Statement) {
	for _, st := range list {
		w.statement(st)
	}
}

func (w *walker) block(b *ast.BlockStatement) {
	if b != nil {
		w.statements(b.List)
	}
}

func (w *walker) statement(st ast.Statement) {
	switch n := st.(type) {
	case nil:
	case *ast.BlockStatement:
		w.statements(n.List)
	case *ast.ExpressionStatement:
		outer := w.stmtStart
		w.stmtStart, _ = w.s.bounds(n.Expression)
		w.expr(n.Expression)
		w.stmtStart = outer
	case *ast.IfStatement:
		w.expr(n.Test)
		w.statement(n.Consequent)
		w.statement(n.Alternate)
	case *ast.ForStatement:
		switch init := n.Initializer.(type) {
		case *ast.ForLoopInitializerExpression:
			w.expr(init.Expression)
		case *ast.ForLoopInitializerVarDeclList:
			w.bindings(init.List)
		case *ast.ForLoopInitializerLexicalDecl:
			w.bindings(init.LexicalDeclaration.List)
		}
		w.expr(n.Test)
		w.expr(n.Update)
		w.statement(n.Body)
	case *ast.ForInStatement:
		w.forInto(n.Into)
		w.expr(n.Source)
		w.statement(n.Body)
	case *ast.ForOfStatement:
		w.forInto(n.Into)
		w.expr(n.Source)
		w.statement(n.Body)
	case *ast.WhileStatement:
		w.expr(n.Test)
		w.statement(n.Body)
	case *ast.DoWhileStatement:
		w.statement(n.Body)
		w.expr(n.Test)
	case *ast.ReturnStatement:
		w.expr(n.Argument)
	case *ast.ThrowStatement:
		w.expr(n.Argument)
	case *ast.TryStatement:
		w.block(n.Body)
		if n.Catch != nil {
			w.pattern(n.Catch.Parameter)
			w.block(n.Catch.Body)
		}
		w.block(n.Finally)
	case *ast.SwitchStatement:
		w.expr(n.Discriminant)
		for _, c := range n.Body {
			w.expr(c.Test)
			w.statements(c.Consequent)
		}
	case *ast.WithStatement:
		w.expr(n.Object)
		w.statement(n.Body)
	case *ast.LabelledStatement:
		w.statement(n.Statement)
	case *ast.VariableStatement:
		w.bindings(n.List)
	case *ast.LexicalDeclaration:
		w.bindings(n.List)
	case *ast.FunctionDeclaration:
		w.function(n.Function)
	case *ast.ClassDeclaration:
		w.class(n.Class)
	}
}

func (w *walker) forInto(into ast.ForInto) {
	switch n := into.(type) {
	case *ast.ForIntoExpression:
		w.target(n.Expression)
	case *ast.ForIntoVar:
		w.pattern(n.Binding.Target)
		w.expr(n.Binding.Initializer)
	case *ast.ForDeclaration:
		w.pattern(n.Target)
	}
}

func (w *walker) bindings(list []*ast.Binding) {
	for _, b := range list {
		w.pattern(b.Target)
		w.expr(b.Initializer)
	}
}

// pattern visits the default values and computed keys of a binding or
// destructuring target. The targets themselves are left alone.
func (w *walker) pattern(e ast.Expression) {
	switch n := e.(type) {
	case nil, *ast.Identifier:
	case *ast.ArrayPattern:
		for _, el := range n.Elements {
			w.pattern(el)
		}
		w.pattern(n.Rest)
	case *ast.ObjectPattern:
		for _, p := range n.Properties {
			switch prop := p.(type) {
			case *ast.PropertyShort:
				w.expr(prop.Initializer)
			case *ast.PropertyKeyed:
				if prop.Computed {
					w.expr(prop.Key)
				}
				w.pattern(prop.Value)
			}
		}
		w.pattern(n.Rest)
	case *ast.AssignExpression:
		w.pattern(n.Left)
		w.expr(n.Right)
	case *ast.DotExpression, *ast.BracketExpression:
		w.target(n)
	}
}

// target visits the object and key of an access that is written, deleted
// or updated in place, without wrapping the access itself.
func (w *walker) target(e ast.Expression) {
	switch n := e.(type) {
	case *ast.Identifier:
	case *ast.DotExpression:
		w.expr(n.Left)
	case *ast.BracketExpression:
		w.expr(n.Left)
		w.expr(n.Member)
	case *ast.ArrayPattern, *ast.ObjectPattern:
		w.pattern(n)
	default:
		w.expr(e)
	}
}

func (w *walker) function(f *ast.FunctionLiteral) {
	if f == nil {
		return
	}
	outer := w.suspensions
	w.params(f.ParameterList)
	w.block(f.Body)
	w.suspensions = outer
}

func (w *walker) params(p *ast.ParameterList) {
	if p == nil {
		return
	}
	w.bindings(p.List)
	w.pattern(p.Rest)
}

func (w *walker) class(c *ast.ClassLiteral) {
	if c == nil {
		return
	}
	w.expr(c.SuperClass)
	for _, el := range c.Body {
		switch n := el.(type) {
		case *ast.FieldDefinition:
			if n.Computed {
				w.expr(n.Key)
			}
			w.expr(n.Initializer)
		case *ast.MethodDefinition:
			if n.Computed {
				w.expr(n.Key)
			}
			w.function(n.Body)
		case *ast.ClassStaticBlock:
			w.block(n.Block)
		}
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (w *walker) exprs(list []ast.Expression) {
	for _, e := range list {
		w.expr(e)
	}
}

func (w *walker) expr(e ast.Expression) {
	switch n := e.(type) {
	case nil:
	case *ast.Identifier:
		if n.Name == "location" {
			w.s.replace(offset0(n), offset1(n), ShimGetLoc+"(location)")
		}
	case *ast.DotExpression:
		w.expr(n.Left)
		w.read(n)
	case *ast.BracketExpression:
		w.expr(n.Left)
		w.expr(n.Member)
		w.read(n)
	case *ast.PrivateDotExpression:
		w.expr(n.Left)
	case *ast.CallExpression:
		w.call(n)
	case *ast.NewExpression:
		w.expr(n.Callee)
		w.exprs(n.ArgumentList)
	case *ast.AssignExpression:
		w.assign(n)
	case *ast.UnaryExpression:
		switch n.Operator {
		case token.DELETE, token.INCREMENT, token.DECREMENT:
			w.target(n.Operand)
		case token.TYPEOF:
			// typeof of an undeclared name must not throw.
			if _, ok := n.Operand.(*ast.Identifier); !ok {
				w.expr(n.Operand)
			}
		default:
			w.expr(n.Operand)
		}
	case *ast.BinaryExpression:
		w.expr(n.Left)
		w.expr(n.Right)
	case *ast.ConditionalExpression:
		w.expr(n.Test)
		w.expr(n.Consequent)
		w.expr(n.Alternate)
	case *ast.SequenceExpression:
		w.exprs(n.Sequence)
	case *ast.ArrayLiteral:
		w.exprs(n.Value)
	case *ast.ObjectLiteral:
		w.object(n)
	case *ast.SpreadElement:
		w.expr(n.Expression)
	case *ast.TemplateLiteral:
		if n.Tag != nil {
			w.callee(n.Tag)
		}
		w.exprs(n.Expressions)
	case *ast.FunctionLiteral:
		w.function(n)
	case *ast.ArrowFunctionLiteral:
		outer := w.suspensions
		w.params(n.ParameterList)
		switch body := n.Body.(type) {
		case *ast.BlockStatement:
			w.block(body)
		case *ast.ExpressionBody:
			w.expr(body.Expression)
		}
		w.suspensions = outer
	case *ast.ClassLiteral:
		w.class(n)
	case *ast.AwaitExpression:
		w.suspensions++
		w.expr(n.Argument)
	case *ast.YieldExpression:
		w.suspensions++
		w.expr(n.Argument)
	case *ast.OptionalChain:
		w.chain(n.Expression)
	case *ast.Optional:
		w.expr(n.Expression)
	case *ast.ArrayPattern, *ast.ObjectPattern:
		w.pattern(n)
	}
}

func (w *walker) object(n *ast.ObjectLiteral) {
	for _, p := range n.Value {
		switch prop := p.(type) {
		case *ast.PropertyKeyed:
			if prop.Computed {
				w.expr(prop.Key)
			}
			w.expr(prop.Value)
		case *ast.PropertyShort:
			if prop.Name.Name == "location" && prop.Initializer == nil {
				w.s.replace(offset0(&prop.Name), offset1(&prop.Name), "location: "+ShimGetLoc+"(location)")
			}
		case *ast.SpreadElement:
			w.expr(prop.Expression)
		}
	}
}

// chain visits an optional chain. Accesses along the chain keep their
// short-circuit behavior and are not wrapped.
func (w *walker) chain(e ast.Expression) {
	switch n := e.(type) {
	case *ast.Optional:
		w.chain(n.Expression)
	case *ast.DotExpression:
		w.chain(n.Left)
	case *ast.BracketExpression:
		w.chain(n.Left)
		w.expr(n.Member)
	case *ast.CallExpression:
		w.chain(n.Callee)
		w.exprs(n.ArgumentList)
	default:
		w.expr(e)
	}
}

// callee visits a function position. The member itself is kept so the call
// still receives its this value.
func (w *walker) callee(e ast.Expression) {
	switch n := e.(type) {
	case *ast.DotExpression:
		w.expr(n.Left)
	case *ast.BracketExpression:
		w.expr(n.Left)
		w.expr(n.Member)
	default:
		w.expr(e)
	}
}

// ---------------------------------------------------------------------------
// Property accesses
// ---------------------------------------------------------------------------

// member is a property access in source form.
type member struct {
	start, end int
	object     string
	// key is a quoted property name or a key expression.
	key      string
	name     string
	computed bool
	// dynamic marks a computed key that is not a literal.
	dynamic bool
}

var simplePath = regexp.MustCompile(`^(?:this|[A-Za-z_$][\w$]*)(?:\.[A-Za-z_$][\w$]*)*$`)

func (m *member) simpleObject() bool { return simplePath.MatchString(m.object) }

func (m *member) simpleKey() bool {
	if !m.dynamic {
		return true
	}
	return simplePath.MatchString(m.key) && !strings.Contains(m.key, ".")
}

// raw is the plain access expression for obj and key.
func (m *member) raw(obj, key string) string {
	if m.computed {
		return obj + "[" + key + "]"
	}
	return obj + "." + m.name
}

// resolve returns the access e and the policy that applies to it. Computed
// keys that are not literals may name any property, so they get both
// wrappers but never the call rewrite.
func (w *walker) resolve(e ast.Expression) (*member, Policy, bool) {
	var m member
	var left ast.Expression
	switch n := e.(type) {
	case *ast.DotExpression:
		left = n.Left
		m.name = n.Identifier.Name.String()
		m.key = `"` + m.name + `"`
		m.end = offset1(n)
	case *ast.BracketExpression:
		left = n.Left
		m.computed = true
		m.key = w.s.trimmedText(int(n.LeftBracket), int(n.RightBracket)-1)
		m.end = offset1(n)
		switch key := n.Member.(type) {
		case *ast.StringLiteral:
			m.name = key.Value.String()
		case *ast.NumberLiteral:
			return nil, 0, false
		default:
			m.dynamic = true
		}
	default:
		return nil, 0, false
	}
	if _, ok := left.(*ast.SuperExpression); ok {
		return nil, 0, false
	}

	start, objEnd := w.s.grouped(left, true)
	m.start = start
	m.object = w.s.trimmedText(start, objEnd)

	if m.dynamic {
		return &m, WrapBoth, true
	}
	policy, ok := w.table.Lookup(m.name)
	if !ok {
		return nil, 0, false
	}
	return &m, policy, true
}

// read wraps a property read when the table asks for it.
func (w *walker) read(e ast.Expression) {
	m, policy, ok := w.resolve(e)
	if !ok || !policy.Has(WrapGetter) {
		return
	}
	w.s.replace(m.start, m.end, getter(m.object, m.key))
}

func getter(obj, key string) string {
	return ShimGet + "(" + obj + "," + key + ")"
}

func setter(obj, key, value string) string {
	return ShimSet + "(" + obj + "," + key + "," + value + ")"
}

func (w *walker) call(n *ast.CallExpression) {
	if id, ok := n.Callee.(*ast.Identifier); ok {
		if IsShim(id.Name.String()) {
			return
		}
		if id.Name == "eval" {
			w.exprs(n.ArgumentList)
			w.eval(n)
			return
		}
	}

	w.callee(n.Callee)
	w.exprs(n.ArgumentList)

	m, policy, ok := w.resolve(n.Callee)
	if !ok || m.dynamic || !policy.Has(RewriteCall) {
		return
	}
	args := w.s.trimmedText(int(n.LeftParenthesis), int(n.RightParenthesis)-1)
	start, end := w.s.bounds(n)
	w.s.replace(start, end, ShimCall+"("+m.object+","+m.key+",["+args+"])")
}

// eval routes the evaluated code through the script processor.
func (w *walker) eval(n *ast.CallExpression) {
	if len(n.ArgumentList) == 0 {
		return
	}
	if c, ok := n.ArgumentList[0].(*ast.CallExpression); ok {
		if id, ok := c.Callee.(*ast.Identifier); ok && id.Name == ShimProcScript {
			return
		}
	}
	start, end := int(n.LeftParenthesis), int(n.RightParenthesis)-1
	w.s.replace(start, end, ShimProcScript+"("+w.s.trimmedText(start, end)+")")
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

func (w *walker) assign(n *ast.AssignExpression) {
	switch left := n.Left.(type) {
	case *ast.Identifier:
		w.expr(n.Right)
		if left.Name == "location" {
			w.assignLocation(n)
		}
	case *ast.DotExpression, *ast.BracketExpression:
		w.target(left)
		before := w.suspensions
		w.expr(n.Right)
		if m, policy, ok := w.resolve(left); ok {
			w.assignMember(n, m, policy, w.suspensions > before)
		}
	case *ast.ArrayPattern, *ast.ObjectPattern:
		w.pattern(left)
		w.expr(n.Right)
	default:
		w.expr(n.Left)
		w.expr(n.Right)
	}
}

// expandCompound returns the right-hand side of the simple assignment that
// "target op= value" stands for.
func expandCompound(op token.Token, target, value string) string {
	return target + " " + op.String() + " (" + value + ")"
}

func isLogical(op token.Token) bool {
	return op == token.LOGICAL_AND || op == token.LOGICAL_OR || op == token.COALESCE
}

// assignMember rewrites a member assignment. suspends reports whether the
// value contains await or yield, which cannot move into an arrow function.
func (w *walker) assignMember(n *ast.AssignExpression, m *member, policy Policy, suspends bool) {
	op := n.Operator
	get, set := policy.Has(WrapGetter), policy.Has(WrapSetter)
	if !set && (op == token.ASSIGN || !get) {
		return
	}

	value := w.assignedValue(n)
	obj, key := m.object, m.key

	// Compound forms read and write the same object and key. Anything that
	// may have side effects is evaluated once through arrow parameters.
	var params, args []string
	if op != token.ASSIGN && !suspends {
		if !m.simpleObject() {
			params, args = append(params, tempObject), append(args, obj)
			obj = tempObject
		}
		if !m.simpleKey() {
			params, args = append(params, tempKey), append(args, key)
			key = tempKey
		}
	}

	read := m.raw(obj, key)
	if get {
		read = getter(obj, key)
	}
	write := func(v string) string {
		if set {
			return setter(obj, key, v)
		}
		return m.raw(obj, key) + " = " + v
	}

	var out string
	switch {
	case op == token.ASSIGN:
		out = write(value)
	case isLogical(op):
		short := write(value)
		if !set {
			short = "(" + short + ")"
		}
		out = "(" + read + " " + op.String() + " " + short + ")"
	default:
		out = write(expandCompound(op, read, value))
	}
	if len(params) > 0 {
		out = "((" + strings.Join(params, ", ") + ") => " + out + ")(" + strings.Join(args, ", ") + ")"
	}

	start, end := w.s.bounds(n)
	w.replaceExpr(start, end, out)
}

func (w *walker) assignLocation(n *ast.AssignExpression) {
	value := w.assignedValue(n)
	read := ShimGetLoc + "(location)"
	write := func(v string) string {
		return ShimSetLoc + "(location," + v + ",function(" + tempValue + "){return location = " + tempValue + ";})"
	}

	var out string
	switch op := n.Operator; {
	case op == token.ASSIGN:
		out = write(value)
	case isLogical(op):
		out = "(" + read + " " + op.String() + " " + write(value) + ")"
	default:
		out = write(expandCompound(op, read, value))
	}
	start, end := w.s.bounds(n)
	w.replaceExpr(start, end, out)
}

func (w *walker) assignedValue(n *ast.AssignExpression) string {
	start, end := w.s.grouped(n.Right, false)
	return w.s.trimmedText(start, end)
}

// replaceExpr replaces an expression. A replacement opening with a
// parenthesis at the start of a statement could continue the previous line
// when semicolons are omitted, so it is anchored with a void operand.
func (w *walker) replaceExpr(start, end int, text string) {
	if start == w.stmtStart && strings.HasPrefix(text, "(") && w.s.src[start] != '(' {
		text = "void 0, " + text
	}
	w.s.replace(start, end, text)
}

