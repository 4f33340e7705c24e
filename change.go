package mvdb

import (
	"fmt"
)

type (
	// Change describes one committed row write.
	Change struct {
		table  *Table
		op     Op
		key    int64
		row    *Row
		oldRow *Row
	}

	ChangeFlags uint64

	Op int
)

const (
	OpNone   Op = 0
	OpPut    Op = 1
	OpDelete Op = 2
)

const (
	ChangeFlagIncludeRow ChangeFlags = 1 << iota
	ChangeFlagIncludeOldRow
)

func (chg *Change) Table() *Table {
	return chg.table
}
func (chg *Change) Op() Op {
	return chg.op
}
func (chg *Change) Key() int64 {
	return chg.key
}
func (chg *Change) HasRow() bool {
	return chg.row != nil
}
func (chg *Change) Row() *Row {
	return chg.row
}
func (chg *Change) HasOldRow() bool {
	return chg.oldRow != nil
}
func (chg *Change) OldRow() *Row {
	return chg.oldRow
}

// trimmed returns a copy of chg carrying only the parts requested by f.
func (chg *Change) trimmed(f ChangeFlags) *Change {
	out := &Change{table: chg.table, op: chg.op, key: chg.key}
	if f.Contains(ChangeFlagIncludeRow) {
		out.row = chg.row
	}
	if f.Contains(ChangeFlagIncludeOldRow) {
		out.oldRow = chg.oldRow
	}
	return out
}

func (chg *Change) String() string {
	return fmt.Sprintf("%s %s/%d", chg.op, chg.table.Name(), chg.key)
}

func (v ChangeFlags) Contains(f ChangeFlags) bool {
	return (v & f) == f
}
func (v ChangeFlags) ContainsAny(f ChangeFlags) bool {
	return (v & f) != 0
}

func (v Op) String() string {
	switch v {
	case OpNone:
		return "none"
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("invalid op %d", int(v))
	}
}

// DeltaMode selects which row images an UPDATE reports to its DeltaCollector.
type DeltaMode int

const (
	DeltaNone DeltaMode = iota

	// DeltaOld reports pre-images as rows are visited, even if a trigger
	// later vetoes the write.
	DeltaOld

	// DeltaNew reports post-images as rows are visited, even if a trigger
	// later vetoes the write.
	DeltaNew

	// DeltaFinal reports post-images of rows that were actually written.
	DeltaFinal
)

func (m DeltaMode) String() string {
	switch m {
	case DeltaNone:
		return "none"
	case DeltaOld:
		return "OLD"
	case DeltaNew:
		return "NEW"
	case DeltaFinal:
		return "FINAL"
	default:
		return fmt.Sprintf("invalid delta mode %d", int(m))
	}
}

type DeltaCollector interface {
	AddRow(row *Row)
}

// DeltaRows collects delta rows into a slice.
type DeltaRows []*Row

func (d *DeltaRows) AddRow(row *Row) {
	*d = append(*d, row)
}
