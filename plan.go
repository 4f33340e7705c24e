package mvdb

import (
	"context"
	"fmt"
	"time"
)

// ExecConfig is the per-session execution configuration. It is passed
// explicitly to everything that plans or locks rows.
type ExecConfig struct {
	// LockTimeout bounds the wait for a row lock held by another
	// transaction. Zero fails immediately.
	LockTimeout time.Duration

	// CancelCheckInterval is the number of rows visited between checks of
	// the statement context.
	CancelCheckInterval int

	Hints Hints
}

// Hints steer the planner.
type Hints struct {
	ForceScan bool
}

// RowReader reads rows as visible to one transaction: its own writes on top
// of the latest store state. Rows it returns must not be modified.
type RowReader interface {
	Get(tbl *Table, key int64) (*Row, error)
	Scan(tbl *Table, fn func(row *Row) bool) error
}

// RowSource produces the candidate rows of a statement in key order.
// fn returns false to stop.
type RowSource interface {
	Rows(ctx context.Context, rr RowReader, fn func(row *Row) (bool, error)) error
	String() string
}

// Planner picks the access path for a bound predicate.
type Planner interface {
	Plan(tbl *Table, where Expression, hints Hints) RowSource
}

// DefaultPlanner uses a key lookup for predicates that pin the primary key
// to a constant, and a full scan otherwise.
type DefaultPlanner struct{}

func (DefaultPlanner) Plan(tbl *Table, where Expression, hints Hints) RowSource {
	if !hints.ForceScan {
		if key, ok := pinnedKey(tbl, where); ok {
			return &KeyLookup{Table: tbl, Key: key}
		}
	}
	return &FullScan{Table: tbl}
}

// pinnedKey finds a top-level `pk = constant` conjunct.
func pinnedKey(tbl *Table, e Expression) (int64, bool) {
	if tbl.pk < 0 {
		return 0, false
	}
	switch e := e.(type) {
	case *Logical:
		if e.Op != "AND" {
			return 0, false
		}
		if k, ok := pinnedKey(tbl, e.Left); ok {
			return k, true
		}
		return pinnedKey(tbl, e.Right)
	case *Comparison:
		if e.Op != "=" {
			return 0, false
		}
		if k, ok := keyEquality(tbl, e.Left, e.Right); ok {
			return k, true
		}
		return keyEquality(tbl, e.Right, e.Left)
	}
	return 0, false
}

func keyEquality(tbl *Table, l, r Expression) (int64, bool) {
	ref, ok := l.(*ColumnRef)
	if !ok || !ref.bound || ref.source != 0 || ref.index != tbl.pk {
		return 0, false
	}
	c, ok := r.(*Const)
	if !ok {
		return 0, false
	}
	v, err := c.Value.ConvertTo(KindInt)
	if err != nil || v.IsNull() {
		return 0, false
	}
	return v.I, true
}

type KeyLookup struct {
	Table *Table
	Key   int64
}

func (s *KeyLookup) Rows(ctx context.Context, rr RowReader, fn func(row *Row) (bool, error)) error {
	row, err := rr.Get(s.Table, s.Key)
	if err != nil || row == nil {
		return err
	}
	_, err = fn(row)
	return err
}

func (s *KeyLookup) String() string {
	return fmt.Sprintf("%s: key = %d", s.Table.Name(), s.Key)
}

type FullScan struct {
	Table *Table
}

func (s *FullScan) Rows(ctx context.Context, rr RowReader, fn func(row *Row) (bool, error)) error {
	var failure error
	err := rr.Scan(s.Table, func(row *Row) bool {
		var more bool
		more, failure = fn(row)
		return more && failure == nil
	})
	if err == nil {
		err = failure
	}
	return err
}

func (s *FullScan) String() string {
	return s.Table.Name() + ": scan"
}
