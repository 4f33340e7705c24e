package mvdb

import (
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpRestorePoints

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the committed and pending state of the database for debugging.
func (db *DB) Dump(f DumpFlags) string {
	var buf strings.Builder
	if f.Contains(DumpRestorePoints) {
		db.dumpRestorePoints(&buf)
	}
	tables := db.Schema().Tables()
	for _, tbl := range tables {
		db.dumpTable(&buf, f, tbl)
	}
	return buf.String()
}

func (db *DB) dumpRestorePoints(w *strings.Builder) {
	fmt.Fprintln(w, dumpSep1)
	points, err := db.RestorePoints()
	if err != nil {
		fmt.Fprintf(w, "restore points: ** ERROR: %v\n", err)
		return
	}
	fmt.Fprintf(w, "restore points (%d), version %d, horizon %d\n", len(points), db.store.CurrentVersion(), db.store.OldestVersionToKeep())
	for _, rp := range points {
		fmt.Fprintf(w, "%s = v%d h%d %s\n", rp.Name, rp.Version, rp.OldestVersionToKeep, rp.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
}

func (db *DB) dumpTable(w *strings.Builder, f DumpFlags, tbl *Table) {
	prefix := tbl.Name()
	s, err := db.TableStats(tbl)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, s.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: keys = %d, in_use = %d, alloc = %d\n", prefix, s.Keys, s.InUse, s.Alloc)
	}
	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		rows, err := db.committedRows(tbl)
		if err != nil {
			fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
			return
		}
		for i, row := range rows {
			fmt.Fprintf(w, "%s.%d = (v%d) %s\n", prefix, i+1, row.Version, row)
		}
	}
}
