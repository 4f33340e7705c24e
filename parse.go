package mvdb

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/blastrain/vitess-sqlparser/sqlparser"
)

// Parse parses one statement: CREATE RESTORE POINT, RESTORE TO POINT,
// DROP RESTORE POINT or UPDATE.
func Parse(sql string) (Statement, error) {
	sql = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	words := strings.Fields(sql)
	if len(words) == 0 {
		return nil, fmt.Errorf("empty statement")
	}

	switch {
	case hasKeywords(words, "CREATE", "RESTORE", "POINT"):
		name, err := restorePointName(words[3:])
		return CreateRestorePoint{Name: name}, err
	case hasKeywords(words, "RESTORE", "TO", "POINT"):
		name, err := restorePointName(words[3:])
		return RestoreToPoint{Name: name}, err
	case hasKeywords(words, "DROP", "RESTORE", "POINT"):
		name, err := restorePointName(words[3:])
		return DropRestorePoint{Name: name}, err
	case strings.EqualFold(words[0], "UPDATE"):
		return ParseUpdate(sql)
	default:
		return nil, fmt.Errorf("unsupported statement: %s", words[0])
	}
}

func hasKeywords(words []string, keywords ...string) bool {
	if len(words) < len(keywords) {
		return false
	}
	for i, kw := range keywords {
		if !strings.EqualFold(words[i], kw) {
			return false
		}
	}
	return true
}

func restorePointName(rest []string) (string, error) {
	if len(rest) != 1 {
		return "", fmt.Errorf("expected a single restore point name")
	}
	name := rest[0]
	if n := len(name); n >= 2 && (name[0] == '"' && name[n-1] == '"' || name[0] == '`' && name[n-1] == '`') {
		name = name[1 : n-1]
	}
	if name == "" {
		return "", fmt.Errorf("empty restore point name")
	}
	return name, nil
}

// ParseUpdate parses `UPDATE t [, s] SET c = expr, ... [WHERE cond] [LIMIT n]`.
// A second table becomes the secondary source of a merge-style update.
func ParseUpdate(sql string) (*Update, error) {
	stmt, err := sqlparser.Parse(sql)
	if err != nil {
		return nil, err
	}
	us, ok := stmt.(*sqlparser.Update)
	if !ok {
		return nil, fmt.Errorf("not an UPDATE statement: %s", sqlparser.String(stmt))
	}

	u := &Update{}
	var tables []string
	for _, te := range us.TableExprs {
		ate, ok := te.(*sqlparser.AliasedTableExpr)
		if !ok {
			return nil, fmt.Errorf("unsupported table expression: %s", sqlparser.String(te))
		}
		tables = append(tables, sqlparser.String(ate.Expr))
	}
	switch len(tables) {
	case 1:
		u.Table = tables[0]
	case 2:
		u.Table, u.From = tables[0], tables[1]
	default:
		return nil, fmt.Errorf("UPDATE supports one target and at most one secondary table")
	}

	for _, ue := range us.Exprs {
		e, err := convertExpr(ue.Expr)
		if err != nil {
			return nil, err
		}
		if q := ue.Name.Qualifier.Name.String(); q != "" && !strings.EqualFold(q, u.Table) {
			return nil, fmt.Errorf("cannot assign %s: only columns of %s can be assigned", sqlparser.String(ue.Name), u.Table)
		}
		u.Set = append(u.Set, Assignment{Column: ue.Name.Name.String(), Expr: e})
	}

	if us.Where != nil {
		if u.Where, err = convertExpr(us.Where.Expr); err != nil {
			return nil, err
		}
	}

	if us.Limit != nil {
		if us.Limit.Offset != nil {
			return nil, fmt.Errorf("UPDATE does not support LIMIT with an offset")
		}
		lim, err := convertExpr(us.Limit.Rowcount)
		if err != nil {
			return nil, err
		}
		c, ok := lim.(*Const)
		if !ok || c.Value.Kind != KindInt || c.Value.I < 0 {
			return nil, fmt.Errorf("LIMIT must be a non-negative integer")
		}
		u.Limit = c.Value.I
	}
	return u, nil
}

// ParseExpr parses a standalone SQL expression, e.g. an ON UPDATE clause.
func ParseExpr(s string) (Expression, error) {
	stmt, err := sqlparser.Parse("SELECT " + s)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", s, err)
	}
	sel, ok := stmt.(*sqlparser.Select)
	if !ok || len(sel.SelectExprs) != 1 {
		return nil, fmt.Errorf("invalid expression %q", s)
	}
	ae, ok := sel.SelectExprs[0].(*sqlparser.AliasedExpr)
	if !ok {
		return nil, fmt.Errorf("invalid expression %q", s)
	}
	return convertExpr(ae.Expr)
}

func convertExpr(node sqlparser.Expr) (Expression, error) {
	switch n := node.(type) {
	case *sqlparser.ParenExpr:
		return convertExpr(n.Expr)
	case *sqlparser.AndExpr:
		return convertLogical("AND", n.Left, n.Right)
	case *sqlparser.OrExpr:
		return convertLogical("OR", n.Left, n.Right)
	case *sqlparser.NotExpr:
		e, err := convertExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		return &Not{Expr: e}, nil
	case *sqlparser.ComparisonExpr:
		switch n.Operator {
		case "=", "!=", "<>", "<", "<=", ">", ">=":
		default:
			return nil, fmt.Errorf("unsupported comparison %s", n.Operator)
		}
		l, err := convertExpr(n.Left)
		if err != nil {
			return nil, err
		}
		r, err := convertExpr(n.Right)
		if err != nil {
			return nil, err
		}
		return &Comparison{Op: n.Operator, Left: l, Right: r}, nil
	case *sqlparser.IsExpr:
		e, err := convertExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(n.Operator) {
		case "is null":
			return &IsNull{Expr: e}, nil
		case "is not null":
			return &IsNull{Expr: e, Negate: true}, nil
		default:
			return nil, fmt.Errorf("unsupported %s", n.Operator)
		}
	case *sqlparser.BinaryExpr:
		switch n.Operator {
		case "+", "-", "*", "/":
		default:
			return nil, fmt.Errorf("unsupported operator %s", n.Operator)
		}
		l, err := convertExpr(n.Left)
		if err != nil {
			return nil, err
		}
		r, err := convertExpr(n.Right)
		if err != nil {
			return nil, err
		}
		return &Binary{Op: n.Operator, Left: l, Right: r}, nil
	case *sqlparser.UnaryExpr:
		if n.Operator != "-" {
			return nil, fmt.Errorf("unsupported operator %s", n.Operator)
		}
		e, err := convertExpr(n.Expr)
		if err != nil {
			return nil, err
		}
		return &Binary{Op: "-", Left: &Const{Int(0)}, Right: e}, nil
	case *sqlparser.ColName:
		return &ColumnRef{Table: n.Qualifier.Name.String(), Name: n.Name.String()}, nil
	case *sqlparser.SQLVal:
		return convertLiteral(n)
	case *sqlparser.NullVal:
		return &Const{Null()}, nil
	case sqlparser.BoolVal:
		return &Const{Bool(bool(n))}, nil
	case *sqlparser.FuncExpr:
		f := &Func{Name: strings.ToUpper(n.Name.String())}
		for _, se := range n.Exprs {
			ae, ok := se.(*sqlparser.AliasedExpr)
			if !ok {
				return nil, fmt.Errorf("unsupported argument %s", sqlparser.String(se))
			}
			a, err := convertExpr(ae.Expr)
			if err != nil {
				return nil, err
			}
			f.Args = append(f.Args, a)
		}
		return f, nil
	}

	switch s := strings.ToLower(sqlparser.String(node)); s {
	case "current_timestamp", "current_timestamp()", "localtimestamp", "localtimestamp()":
		return &Func{Name: "CURRENT_TIMESTAMP"}, nil
	default:
		return nil, fmt.Errorf("unsupported expression: %s", s)
	}
}

func convertLogical(op string, left, right sqlparser.Expr) (Expression, error) {
	l, err := convertExpr(left)
	if err != nil {
		return nil, err
	}
	r, err := convertExpr(right)
	if err != nil {
		return nil, err
	}
	return &Logical{Op: op, Left: l, Right: r}, nil
}

func convertLiteral(v *sqlparser.SQLVal) (Expression, error) {
	s := string(v.Val)
	switch v.Type {
	case sqlparser.StrVal:
		return &Const{String(s)}, nil
	case sqlparser.IntVal:
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %s: %w", s, err)
		}
		return &Const{Int(i)}, nil
	case sqlparser.FloatVal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %s: %w", s, err)
		}
		return &Const{Float(f)}, nil
	default:
		return nil, fmt.Errorf("unsupported literal %s", sqlparser.String(v))
	}
}
