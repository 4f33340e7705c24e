package mvdb

import (
	"testing"
	"time"
)

func TestExpr_eval(t *testing.T) {
	tbl := must(newTable(itemsDef))
	row := NewRow(3, Int(3), String("abc"))
	nullRow := NewRow(4, Int(4), Null())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		expr     string
		row      *Row
		expected string
	}{
		{"k + 1", row, "4"},
		{"k * 2 - 1", row, "5"},
		{"k / 2", row, "1"},
		{"k / 2.0", row, "1.5"},
		{"-k", row, "-3"},
		{"k = 3", row, "TRUE"},
		{"k <> 3", row, "FALSE"},
		{"k >= '2'", row, "TRUE"},
		{"v = 'abc'", row, "TRUE"},
		{"v = NULL", row, "NULL"},
		{"v IS NULL", nullRow, "TRUE"},
		{"v IS NOT NULL", row, "TRUE"},
		{"v = 'x' OR k = 3", row, "TRUE"},
		{"v = 'x' AND k = 3", row, "FALSE"},
		{"v = 'x' AND k = 4", nullRow, "NULL"},
		{"v = 'x' OR k = 4", nullRow, "TRUE"},
		{"v = 'x' AND k = 3", nullRow, "FALSE"},
		{"NOT k = 3", row, "FALSE"},
		{"NOT v = 'x'", nullRow, "NULL"},
		{"UPPER(v)", row, "'ABC'"},
		{"LOWER('ABC')", row, "'abc'"},
		{"CONCAT(v, '-', k)", row, "'abc-3'"},
		{"CONCAT(v, '-')", nullRow, "NULL"},
		{"COALESCE(v, 'none')", nullRow, "'none'"},
		{"NOW()", row, "TIMESTAMP '2024-05-01 12:00:00'"},
		{"CURRENT_TIMESTAMP", row, "TIMESTAMP '2024-05-01 12:00:00'"},
		{"k + NULL", row, "NULL"},
		{"true", row, "TRUE"},
	}
	for _, tt := range tests {
		e, err := ParseExpr(tt.expr)
		if err != nil {
			t.Errorf("** ParseExpr(%q) failed: %v", tt.expr, err)
			continue
		}
		b, err := (&scope{tables: []*Table{tbl}}).bind(e)
		if err != nil {
			t.Errorf("** bind(%q) failed: %v", tt.expr, err)
			continue
		}
		v, err := b.Eval(&Env{Row: tt.row, Now: now})
		if err != nil {
			t.Errorf("** %q: eval failed: %v", tt.expr, err)
		} else if v.String() != tt.expected {
			t.Errorf("** %q = %v, wanted %s", tt.expr, v, tt.expected)
		}
	}
}

func TestExpr_evalErrors(t *testing.T) {
	tbl := must(newTable(itemsDef))
	row := NewRow(3, Int(3), String("abc"))
	for _, s := range []string{"k / 0", "v + 1", "UPPER(v, v)", "FROBNICATE(k)"} {
		e := must(ParseExpr(s))
		b := must((&scope{tables: []*Table{tbl}}).bind(e))
		if _, err := b.Eval(&Env{Row: row}); err == nil {
			t.Errorf("** %q: eval succeeded", s)
		}
	}

	// unbound references fail instead of reading the wrong column
	_, err := Col("v").Eval(&Env{Row: row})
	iserr(t, err, ErrUnknownColumn)
}

func TestMatches(t *testing.T) {
	env := &Env{Row: NewRow(1, Int(1))}
	for _, tt := range []struct {
		pred     Expression
		expected bool
	}{
		{nil, true},
		{&Const{Bool(true)}, true},
		{&Const{Bool(false)}, false},
		{&Const{Null()}, false},
		{&Const{Int(2)}, true},
		{&Const{String("yes")}, false},
	} {
		deepEqual(t, must(Matches(tt.pred, env)), tt.expected)
	}
}

func TestScope_bind(t *testing.T) {
	items := must(newTable(itemsDef))
	src := must(newTable(TableDef{
		Name:    "src",
		Columns: []Column{{Name: "k", Type: KindInt}, {Name: "w", Type: KindString}},
	}))
	sc := &scope{tables: []*Table{items, src}}

	_, err := sc.bind(Col("k"))
	iserr(t, err, ErrUnknownColumn)
	_, err = sc.bind(Col("nope"))
	iserr(t, err, ErrUnknownColumn)
	_, err = sc.bind(&ColumnRef{Table: "other", Name: "k"})
	iserr(t, err, ErrUnknownColumn)

	e := must(sc.bind(And(Eq(&ColumnRef{Table: "items", Name: "k"}, &ColumnRef{Table: "SRC", Name: "k"}), Eq(Col("W"), &Const{String("x")}))))
	env := &Env{Row: NewRow(1, Int(1), String("a")), Secondary: NewRow(1, Int(1), String("x"))}
	deepEqual(t, must(Matches(e, env)), true)
	env.Secondary = NewRow(2, Int(2), String("x"))
	deepEqual(t, must(Matches(e, env)), false)

	// binding copies, the original stays unbound
	ref := Col("v")
	must(sc.bind(ref))
	deepEqual(t, ref.bound, false)
}

func TestParse(t *testing.T) {
	tests := []struct {
		sql      string
		expected string
	}{
		{"CREATE RESTORE POINT p1", "CREATE RESTORE POINT p1"},
		{"create restore point `p-1`;", `CREATE RESTORE POINT "p-1"`},
		{`RESTORE TO POINT "p1"`, "RESTORE TO POINT p1"},
		{"drop restore point p1", "DROP RESTORE POINT p1"},
		{"UPDATE items SET v = 'a' WHERE k = 1", "UPDATE items SET v = 'a' WHERE k = 1"},
		{"UPDATE items SET v = NULL, k = k * 2 WHERE v IS NOT NULL LIMIT 5", "UPDATE items SET v = NULL, k = (k * 2) WHERE v IS NOT NULL LIMIT 5"},
	}
	for _, tt := range tests {
		stmt, err := Parse(tt.sql)
		if err != nil {
			t.Errorf("** Parse(%q) failed: %v", tt.sql, err)
		} else if a := stmt.String(); a != tt.expected {
			t.Errorf("** Parse(%q) = %q, wanted %q", tt.sql, a, tt.expected)
		}
	}

	for _, sql := range []string{
		"",
		"SELECT 1",
		"CREATE RESTORE POINT",
		"CREATE RESTORE POINT a b",
		"UPDATE items SET v = 1 LIMIT 1, 2",
		"UPDATE items SET src.v = 1",
		"UPDATE a, b, c SET v = 1",
		"UPDATE items SET v = 'a' WHERE v LIKE 'x%'",
	} {
		if _, err := Parse(sql); err == nil {
			t.Errorf("** Parse(%q) succeeded", sql)
		}
	}
}

func TestParseUpdate_from(t *testing.T) {
	upd := must(ParseUpdate("UPDATE items, src SET items.v = src.v WHERE items.k = src.k"))
	deepEqual(t, upd.Table, "items")
	deepEqual(t, upd.From, "src")
	deepEqual(t, upd.Set[0].Column, "v")
	deepEqual(t, upd.Set[0].Expr.String(), "src.v")
}
