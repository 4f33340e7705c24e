package mvdb

import (
	"context"
	"testing"
)

func TestDefaultPlanner(t *testing.T) {
	items := must(newTable(itemsDef))
	keyless := must(newTable(TableDef{Name: "log", Columns: []Column{{Name: "msg", Type: KindString}}}))

	tests := []struct {
		tbl      *Table
		where    string
		hints    Hints
		expected string
	}{
		{items, "k = 5", Hints{}, "items: key = 5"},
		{items, "5 = k", Hints{}, "items: key = 5"},
		{items, "k = '7'", Hints{}, "items: key = 7"},
		{items, "v = 'a' AND k = 2", Hints{}, "items: key = 2"},
		{items, "k = 2 OR k = 3", Hints{}, "items: scan"},
		{items, "k >= 5", Hints{}, "items: scan"},
		{items, "k = NULL", Hints{}, "items: scan"},
		{items, "k = 5", Hints{ForceScan: true}, "items: scan"},
		{items, "", Hints{}, "items: scan"},
		{keyless, "msg = 'a'", Hints{}, "log: scan"},
	}
	for _, tt := range tests {
		var where Expression
		if tt.where != "" {
			where = must((&scope{tables: []*Table{tt.tbl}}).bind(must(ParseExpr(tt.where))))
		}
		src := DefaultPlanner{}.Plan(tt.tbl, where, tt.hints)
		if a := src.String(); a != tt.expected {
			t.Errorf("** Plan(%s, %q) = %q, wanted %q", tt.tbl.Name(), tt.where, a, tt.expected)
		}
	}
}

type recordingPlanner struct {
	plans []string
}

func (p *recordingPlanner) Plan(tbl *Table, where Expression, hints Hints) RowSource {
	src := DefaultPlanner{}.Plan(tbl, where, hints)
	p.plans = append(p.plans, src.String())
	return src
}

func TestUpdate_usesPlanner(t *testing.T) {
	planner := &recordingPlanner{}
	db := setup(t, Options{Planner: planner})
	s := itemsSession(t, db, "a", "b")
	ctx := context.Background()

	must(s.ExecuteSQL(ctx, "UPDATE items SET v = 'x' WHERE k = 2"))
	s.SetConfig(ExecConfig{LockTimeout: DefaultLockTimeout, Hints: Hints{ForceScan: true}})
	must(s.ExecuteSQL(ctx, "UPDATE items SET v = 'y' WHERE k = 2"))
	deepEqual(t, planner.plans, []string{"items: key = 2", "items: scan"})
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'a')", "2:(2, 'y')"})
}

func TestKeyLookup_missingRow(t *testing.T) {
	db := setup(t, Options{})
	s := itemsSession(t, db, "a")
	res := must(s.ExecuteSQL(context.Background(), "UPDATE items SET v = 'x' WHERE k = 9"))
	deepEqual(t, res.Affected, int64(0))
}
