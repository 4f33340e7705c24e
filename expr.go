package mvdb

import (
	"fmt"
	"strings"
	"time"
)

// Expression is evaluated against the rows of a statement. Implementations
// outside this package are evaluated as is; the built-in nodes below are
// bound to table columns before execution.
type Expression interface {
	Eval(env *Env) (Value, error)
	String() string
}

// Env is the evaluation context of one candidate row.
type Env struct {
	// Row is the target row, Secondary the matching row of the secondary source (if any).
	Row       *Row
	Secondary *Row
	Now       time.Time
}

func (env *Env) source(i int) *Row {
	if i == 0 {
		return env.Row
	}
	return env.Secondary
}

// Matches evaluates a predicate. NULL and FALSE both mean no match; a nil
// predicate matches everything.
func Matches(pred Expression, env *Env) (bool, error) {
	if pred == nil {
		return true, nil
	}
	v, err := pred.Eval(env)
	if err != nil {
		return false, err
	}
	return truth(v), nil
}

func truth(v Value) bool {
	switch v.Kind {
	case KindBool, KindInt:
		return v.I != 0
	case KindFloat:
		return v.F != 0
	default:
		return false
	}
}

type Const struct {
	Value Value
}

func (e *Const) Eval(*Env) (Value, error) { return e.Value, nil }
func (e *Const) String() string           { return e.Value.String() }

// ColumnRef names a column, optionally qualified by table name. It must be
// bound before evaluation.
type ColumnRef struct {
	Table string
	Name  string

	source int
	index  int
	bound  bool
}

func Col(name string) *ColumnRef { return &ColumnRef{Name: name} }

func (e *ColumnRef) Eval(env *Env) (Value, error) {
	if !e.bound {
		return Value{}, fmt.Errorf("%w: %s is not bound", ErrUnknownColumn, e)
	}
	row := env.source(e.source)
	if row == nil || e.index >= len(row.Values) {
		return Value{}, nil
	}
	return row.Values[e.index], nil
}

func (e *ColumnRef) String() string {
	if e.Table != "" {
		return e.Table + "." + e.Name
	}
	return e.Name
}

// Binary is an arithmetic operator: + - * /.
type Binary struct {
	Op          string
	Left, Right Expression
}

func (e *Binary) Eval(env *Env) (Value, error) {
	l, err := e.Left.Eval(env)
	if err != nil {
		return Value{}, err
	}
	r, err := e.Right.Eval(env)
	if err != nil {
		return Value{}, err
	}
	if l.IsNull() || r.IsNull() {
		return Value{}, nil
	}
	if !l.isNumeric() || !r.isNumeric() {
		return Value{}, fmt.Errorf("%w: %s %s %s on non-numeric values", ErrConstraint, l, e.Op, r)
	}
	if l.Kind == KindFloat || r.Kind == KindFloat {
		a, b := l.float(), r.float()
		switch e.Op {
		case "+":
			return Float(a + b), nil
		case "-":
			return Float(a - b), nil
		case "*":
			return Float(a * b), nil
		case "/":
			if b == 0 {
				return Value{}, fmt.Errorf("%w: division by zero", ErrConstraint)
			}
			return Float(a / b), nil
		}
	} else {
		a, b := l.I, r.I
		switch e.Op {
		case "+":
			return Int(a + b), nil
		case "-":
			return Int(a - b), nil
		case "*":
			return Int(a * b), nil
		case "/":
			if b == 0 {
				return Value{}, fmt.Errorf("%w: division by zero", ErrConstraint)
			}
			return Int(a / b), nil
		}
	}
	return Value{}, fmt.Errorf("unsupported operator %q", e.Op)
}

func (e *Binary) String() string {
	return "(" + e.Left.String() + " " + e.Op + " " + e.Right.String() + ")"
}

// Comparison is = <> != < <= > >=, yielding NULL if either side is NULL.
type Comparison struct {
	Op          string
	Left, Right Expression
}

func Eq(l, r Expression) *Comparison { return &Comparison{Op: "=", Left: l, Right: r} }

func (e *Comparison) Eval(env *Env) (Value, error) {
	l, err := e.Left.Eval(env)
	if err != nil {
		return Value{}, err
	}
	r, err := e.Right.Eval(env)
	if err != nil {
		return Value{}, err
	}
	c, ok := l.Compare(r)
	if !ok {
		return Value{}, nil
	}
	switch e.Op {
	case "=":
		return Bool(c == 0), nil
	case "<>", "!=":
		return Bool(c != 0), nil
	case "<":
		return Bool(c < 0), nil
	case "<=":
		return Bool(c <= 0), nil
	case ">":
		return Bool(c > 0), nil
	case ">=":
		return Bool(c >= 0), nil
	default:
		return Value{}, fmt.Errorf("unsupported comparison %q", e.Op)
	}
}

func (e *Comparison) String() string {
	return e.Left.String() + " " + e.Op + " " + e.Right.String()
}

// Logical is AND / OR with three-valued logic.
type Logical struct {
	Op          string
	Left, Right Expression
}

func And(l, r Expression) *Logical { return &Logical{Op: "AND", Left: l, Right: r} }
func Or(l, r Expression) *Logical  { return &Logical{Op: "OR", Left: l, Right: r} }

func (e *Logical) Eval(env *Env) (Value, error) {
	l, err := e.Left.Eval(env)
	if err != nil {
		return Value{}, err
	}
	isAnd := e.Op == "AND"
	if !l.IsNull() && truth(l) != isAnd {
		return Bool(!isAnd), nil
	}
	r, err := e.Right.Eval(env)
	if err != nil {
		return Value{}, err
	}
	if !r.IsNull() && truth(r) != isAnd {
		return Bool(!isAnd), nil
	}
	if l.IsNull() || r.IsNull() {
		return Value{}, nil
	}
	return Bool(isAnd), nil
}

func (e *Logical) String() string {
	return "(" + e.Left.String() + " " + e.Op + " " + e.Right.String() + ")"
}

type Not struct {
	Expr Expression
}

func (e *Not) Eval(env *Env) (Value, error) {
	v, err := e.Expr.Eval(env)
	if err != nil || v.IsNull() {
		return Value{}, err
	}
	return Bool(!truth(v)), nil
}

func (e *Not) String() string { return "NOT " + e.Expr.String() }

type IsNull struct {
	Expr   Expression
	Negate bool
}

func (e *IsNull) Eval(env *Env) (Value, error) {
	v, err := e.Expr.Eval(env)
	if err != nil {
		return Value{}, err
	}
	return Bool(v.IsNull() != e.Negate), nil
}

func (e *IsNull) String() string {
	if e.Negate {
		return e.Expr.String() + " IS NOT NULL"
	}
	return e.Expr.String() + " IS NULL"
}

// Func is a call of a built-in function: NOW/CURRENT_TIMESTAMP, UPPER, LOWER,
// CONCAT, COALESCE.
type Func struct {
	Name string
	Args []Expression
}

func (e *Func) Eval(env *Env) (Value, error) {
	args := make([]Value, len(e.Args))
	for i, a := range e.Args {
		v, err := a.Eval(env)
		if err != nil {
			return Value{}, err
		}
		args[i] = v
	}
	switch strings.ToUpper(e.Name) {
	case "NOW", "CURRENT_TIMESTAMP":
		return Time(env.Now), nil
	case "UPPER", "LOWER":
		if len(args) != 1 {
			return Value{}, fmt.Errorf("%s takes one argument", e.Name)
		}
		if args[0].IsNull() {
			return Value{}, nil
		}
		s, err := args[0].ConvertTo(KindString)
		if err != nil {
			return Value{}, err
		}
		if strings.EqualFold(e.Name, "UPPER") {
			return String(strings.ToUpper(s.S)), nil
		}
		return String(strings.ToLower(s.S)), nil
	case "CONCAT":
		var buf strings.Builder
		for _, a := range args {
			if a.IsNull() {
				return Value{}, nil
			}
			s, err := a.ConvertTo(KindString)
			if err != nil {
				return Value{}, err
			}
			buf.WriteString(s.S)
		}
		return String(buf.String()), nil
	case "COALESCE":
		for _, a := range args {
			if !a.IsNull() {
				return a, nil
			}
		}
		return Value{}, nil
	default:
		return Value{}, fmt.Errorf("unknown function %s", e.Name)
	}
}

func (e *Func) String() string {
	args := make([]string, len(e.Args))
	for i, a := range e.Args {
		args[i] = a.String()
	}
	return strings.ToUpper(e.Name) + "(" + strings.Join(args, ", ") + ")"
}

// scope resolves column names against the target table and, for merge-style
// updates, the secondary table.
type scope struct {
	tables []*Table
}

func (sc *scope) resolve(ref *ColumnRef) (*ColumnRef, error) {
	found := -1
	var index int
	for i, tbl := range sc.tables {
		if ref.Table != "" && !strings.EqualFold(ref.Table, tbl.Name()) {
			continue
		}
		ci, ok := tbl.ColumnIndex(ref.Name)
		if !ok {
			continue
		}
		if found >= 0 {
			return nil, fmt.Errorf("%w: column %s is ambiguous", ErrUnknownColumn, ref)
		}
		found, index = i, ci
	}
	if found < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnknownColumn, ref)
	}
	return &ColumnRef{Table: ref.Table, Name: ref.Name, source: found, index: index, bound: true}, nil
}

// bind returns a copy of e with every column reference resolved.
func (sc *scope) bind(e Expression) (Expression, error) {
	var err error
	switch e := e.(type) {
	case nil:
		return nil, nil
	case *ColumnRef:
		return sc.resolve(e)
	case *Binary:
		out := &Binary{Op: e.Op}
		if out.Left, err = sc.bind(e.Left); err != nil {
			return nil, err
		}
		if out.Right, err = sc.bind(e.Right); err != nil {
			return nil, err
		}
		return out, nil
	case *Comparison:
		out := &Comparison{Op: e.Op}
		if out.Left, err = sc.bind(e.Left); err != nil {
			return nil, err
		}
		if out.Right, err = sc.bind(e.Right); err != nil {
			return nil, err
		}
		return out, nil
	case *Logical:
		out := &Logical{Op: e.Op}
		if out.Left, err = sc.bind(e.Left); err != nil {
			return nil, err
		}
		if out.Right, err = sc.bind(e.Right); err != nil {
			return nil, err
		}
		return out, nil
	case *Not:
		out := &Not{}
		out.Expr, err = sc.bind(e.Expr)
		return out, err
	case *IsNull:
		out := &IsNull{Negate: e.Negate}
		out.Expr, err = sc.bind(e.Expr)
		return out, err
	case *Func:
		out := &Func{Name: e.Name, Args: make([]Expression, len(e.Args))}
		for i, a := range e.Args {
			if out.Args[i], err = sc.bind(a); err != nil {
				return nil, err
			}
		}
		return out, nil
	default:
		return e, nil
	}
}
