package mvdb

import (
	"context"
	"log/slog"
)

const sequencesMap = "sequences"

// txView reads rows as visible to tx: tx's write set on top of the store.
// tx may be nil.
type txView struct {
	db *DB
	tx *Tx
}

func (v txView) Get(tbl *Table, key int64) (*Row, error) {
	if v.tx != nil {
		if w, ok := v.tx.lookup(tbl, key); ok {
			return w.row, nil
		}
	}
	data, ver, ok, err := v.db.store.GetVersioned(tbl.mapName, appendRowKey(nil, key))
	if err != nil || !ok {
		return nil, err
	}
	row, err := decodeRow(key, data)
	if err != nil {
		return nil, rowErrf(tbl, key, true, "", err, "")
	}
	row.Version = ver
	return row, nil
}

func (v txView) Scan(tbl *Table, fn func(row *Row) bool) error {
	rows, err := v.db.committedRows(tbl)
	if err != nil {
		return err
	}
	var writes []*rowWrite
	if v.tx != nil {
		writes = v.tx.tableWrites(tbl)
	}
	i, j := 0, 0
	for i < len(rows) || j < len(writes) {
		if j < len(writes) && (i == len(rows) || writes[j].key <= rows[i].Key) {
			w := writes[j]
			j++
			if i < len(rows) && rows[i].Key == w.key {
				i++
			}
			if w.row == nil {
				continue
			}
			if !fn(w.row) {
				return nil
			}
			continue
		}
		if !fn(rows[i]) {
			return nil
		}
		i++
	}
	return nil
}

// committedRows returns every row of tbl visible in the store, in key order.
// The slice is shared through the scan cache and must not be modified.
func (db *DB) committedRows(tbl *Table) ([]*Row, error) {
	gen := db.store.ModificationCount()
	if rows, ok := db.cache.get(tbl.mapName, gen); ok {
		return rows, nil
	}
	var rows []*Row
	var failure error
	err := db.store.Scan(tbl.mapName, func(key, data []byte, version uint64) bool {
		k, err := decodeRowKey(key)
		if err != nil {
			failure = err
			return false
		}
		row, err := decodeRow(k, data)
		if err != nil {
			failure = rowErrf(tbl, k, true, "", err, "")
			return false
		}
		row.Version = version
		rows = append(rows, row)
		return true
	})
	if err == nil {
		err = failure
	}
	if err != nil {
		return nil, err
	}
	db.cache.put(tbl.mapName, gen, rows)
	return rows, nil
}

// nextKey allocates a row key for a table without a primary key column.
// Allocation is not transactional: a rolled back insert leaves a gap.
func (db *DB) nextKey(tbl *Table) (int64, error) {
	db.seqLock.Lock()
	defer db.seqLock.Unlock()
	key := catalogKey(tbl.Name())
	var next uint64 = 1
	data, ok, err := db.store.Get(sequencesMap, key)
	if err != nil {
		return 0, err
	}
	if ok {
		if next, err = decodeVersionKey(data); err != nil {
			return 0, err
		}
	}
	if err := db.store.Put(sequencesMap, key, appendVersionKey(nil, next+1)); err != nil {
		return 0, err
	}
	return int64(next), nil
}

// checkUnique verifies the unique columns of tbl for the rows about to be
// written by tx, against each other and against every other visible row.
func (db *DB) checkUnique(tx *Tx, tbl *Table, rows []*Row) error {
	var uniqueCols []int
	for i, col := range tbl.def.Columns {
		if col.Unique && i != tbl.pk {
			uniqueCols = append(uniqueCols, i)
		}
	}
	if len(uniqueCols) == 0 || len(rows) == 0 {
		return nil
	}

	replaced := make(map[int64]bool, len(rows))
	for _, r := range rows {
		replaced[r.Key] = true
	}
	type colValue struct {
		col int
		val string
	}
	owners := make(map[colValue]int64)
	claim := func(r *Row) error {
		for _, ci := range uniqueCols {
			v := r.Values[ci]
			if v.IsNull() {
				continue
			}
			cv := colValue{ci, v.Kind.String() + ":" + v.String()}
			if owner, taken := owners[cv]; taken && owner != r.Key {
				return rowErrf(tbl, r.Key, true, tbl.def.Columns[ci].Name, ErrConstraint, "duplicate value %v (also in row %d)", v, owner)
			}
			owners[cv] = r.Key
		}
		return nil
	}

	err := txView{db, tx}.Scan(tbl, func(r *Row) bool {
		if !replaced[r.Key] {
			claim(r)
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := claim(r); err != nil {
			return err
		}
	}
	return nil
}

// insertRow adds a new row within tx. The key is taken from the primary key
// column, or allocated when the table has none.
func (db *DB) insertRow(ctx context.Context, tx *Tx, cfg ExecConfig, tbl *Table, values []Value) (*Row, error) {
	row := &Row{Values: append([]Value(nil), values...)}
	if len(row.Values) != len(tbl.def.Columns) {
		return nil, rowErrf(tbl, 0, false, "", ErrConstraint, "%d values for %d columns", len(values), len(tbl.def.Columns))
	}
	if tbl.pk >= 0 {
		v, err := row.Values[tbl.pk].ConvertTo(KindInt)
		if err != nil {
			return nil, rowErrf(tbl, 0, false, tbl.def.Columns[tbl.pk].Name, err, "")
		}
		if v.IsNull() {
			return nil, rowErrf(tbl, 0, false, tbl.def.Columns[tbl.pk].Name, ErrConstraint, "NULL not allowed")
		}
		row.Key = v.I
	} else {
		key, err := db.nextKey(tbl)
		if err != nil {
			return nil, err
		}
		row.Key = key
	}
	if err := tbl.convertRow(row); err != nil {
		return nil, err
	}

	if err := db.txs.LockRow(ctx, tx, rowRef{tbl.mapName, row.Key}, cfg.LockTimeout); err != nil {
		return nil, err
	}
	existing, err := txView{db, tx}.Get(tbl, row.Key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, rowErrf(tbl, row.Key, true, "", ErrConstraint, "duplicate primary key")
	}
	if err := db.checkUnique(tx, tbl, []*Row{row}); err != nil {
		return nil, err
	}
	if err := db.txs.write(tx, &rowWrite{tbl: tbl, key: row.Key, row: row}); err != nil {
		return nil, err
	}
	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "mvdb: INSERT", slog.String("table", tbl.Name()), slog.Int64("key", row.Key), slog.String("tx", tx.String()))
	}
	return row, nil
}

// deleteRow removes a row within tx, reporting whether it existed.
func (db *DB) deleteRow(ctx context.Context, tx *Tx, cfg ExecConfig, tbl *Table, key int64) (bool, error) {
	if err := db.txs.LockRow(ctx, tx, rowRef{tbl.mapName, key}, cfg.LockTimeout); err != nil {
		return false, err
	}
	old, err := txView{db, tx}.Get(tbl, key)
	if err != nil || old == nil {
		return false, err
	}
	if err := db.txs.write(tx, &rowWrite{tbl: tbl, key: key, old: old}); err != nil {
		return false, err
	}
	if db.verbose {
		db.logger.LogAttrs(ctx, slog.LevelDebug, "mvdb: DELETE", slog.String("table", tbl.Name()), slog.Int64("key", key), slog.String("tx", tx.String()))
	}
	return true, nil
}
