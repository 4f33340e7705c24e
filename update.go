package mvdb

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Assignment sets one column to the value of an expression evaluated
// against the row before the update.
type Assignment struct {
	Column string
	Expr   Expression
}

// Update changes the rows of Table that match Where.
type Update struct {
	Table string

	// From names a secondary table for merge-style updates. Each target row
	// is updated at most once, using the first secondary row (in key order)
	// for which Where holds.
	From string

	// Set is applied in order; assigning a column twice is an error.
	Set   []Assignment
	Where Expression

	// Limit caps the number of matching rows visited; zero means no limit.
	Limit int64

	Delta          DeltaMode
	DeltaCollector DeltaCollector

	CollectUpdatedKeys bool

	// NoOpCountsZero makes rows whose values do not change count as not
	// affected.
	NoOpCountsZero bool
}

func (u *Update) String() string {
	var buf strings.Builder
	buf.WriteString("UPDATE ")
	buf.WriteString(u.Table)
	if u.From != "" {
		buf.WriteString(", ")
		buf.WriteString(u.From)
	}
	buf.WriteString(" SET ")
	for i, a := range u.Set {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(a.Column)
		buf.WriteString(" = ")
		buf.WriteString(a.Expr.String())
	}
	if u.Where != nil {
		buf.WriteString(" WHERE ")
		buf.WriteString(u.Where.String())
	}
	if u.Limit > 0 {
		buf.WriteString(" LIMIT ")
		buf.WriteString(strconv.FormatInt(u.Limit, 10))
	}
	return buf.String()
}

// boundUpdate is an Update resolved against a schema.
type boundUpdate struct {
	stmt      *Update
	tbl       *Table
	secondary *Table
	assign    []Expression
	onUpdate  bool
	where     Expression
	source    RowSource
}

func (u *Update) bind(scm *Schema, planner Planner, hints Hints) (*boundUpdate, error) {
	tbl, err := scm.table(u.Table)
	if err != nil {
		return nil, err
	}
	b := &boundUpdate{
		stmt:   u,
		tbl:    tbl,
		assign: make([]Expression, len(tbl.def.Columns)),
	}
	sc := &scope{tables: []*Table{tbl}}
	if u.From != "" {
		if b.secondary, err = scm.table(u.From); err != nil {
			return nil, err
		}
		sc.tables = append(sc.tables, b.secondary)
	}
	if len(u.Set) == 0 {
		return nil, fmt.Errorf("UPDATE %s: no assignments", tbl.Name())
	}

	for _, a := range u.Set {
		ci, ok := tbl.ColumnIndex(a.Column)
		if !ok {
			return nil, rowErrf(tbl, 0, false, a.Column, ErrUnknownColumn, "")
		}
		if b.assign[ci] != nil {
			return nil, rowErrf(tbl, 0, false, a.Column, ErrDuplicateAssignment, "")
		}
		if ci == tbl.pk {
			return nil, rowErrf(tbl, 0, false, a.Column, ErrConstraint, "primary key cannot be assigned")
		}
		if a.Expr == nil {
			return nil, rowErrf(tbl, 0, false, a.Column, ErrConstraint, "missing value")
		}
		if b.assign[ci], err = sc.bind(a.Expr); err != nil {
			return nil, err
		}
	}
	for i := range tbl.def.Columns {
		if b.assign[i] == nil && tbl.hasOnUpdate(i) {
			b.onUpdate = true
		}
	}
	if b.where, err = sc.bind(u.Where); err != nil {
		return nil, err
	}
	b.source = planner.Plan(tbl, b.where, hints)
	return b, nil
}

func (u *Update) exec(ctx context.Context, s *Session, cfg ExecConfig) (Result, error) {
	var res Result
	err := s.runInTx(ctx, func(tx *Tx) error {
		b, err := u.bind(s.db.Schema(), s.db.planner, cfg.Hints)
		if err != nil {
			return err
		}
		res, err = b.run(ctx, s.db, tx, cfg)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	s.db.UpdatedRowCount.Add(uint64(res.Affected))
	return res, nil
}

type updatePair struct {
	old, new *Row
}

func (b *boundUpdate) run(ctx context.Context, db *DB, tx *Tx, cfg ExecConfig) (Result, error) {
	var res Result
	view := txView{db, tx}
	tbl := b.tbl
	now := db.now()
	triggers := db.tableTriggers(tbl)

	var secondaryRows []*Row
	if b.secondary != nil {
		err := view.Scan(b.secondary, func(row *Row) bool {
			secondaryRows = append(secondaryRows, row)
			return true
		})
		if err != nil {
			return res, err
		}
	}

	var queue []updatePair
	var visited, matched int64
	err := b.source.Rows(ctx, view, func(row *Row) (bool, error) {
		visited++
		if cfg.CancelCheckInterval > 0 && visited%int64(cfg.CancelCheckInterval) == 0 {
			if err := ctx.Err(); err != nil {
				return false, err
			}
		}

		env, err := b.match(row, secondaryRows, now)
		if err != nil || env == nil {
			return true, err
		}

		// A lock timeout fails the statement. Only a row that its previous
		// holder removed is skipped, after the re-read below.
		if err := db.txs.LockRow(ctx, tx, rowRef{tbl.mapName, row.Key}, cfg.LockTimeout); err != nil {
			return false, err
		}
		locked, err := view.Get(tbl, row.Key)
		if err != nil {
			return false, err
		}
		if locked == nil {
			return true, nil
		}
		if !locked.SameValues(row) {
			if env, err = b.match(locked, secondaryRows, now); err != nil || env == nil {
				return true, err
			}
		}
		old := locked

		pair, count, err := b.prepareRow(ctx, env, old, triggers, now)
		if err != nil {
			return false, err
		}
		if pair != nil {
			queue = append(queue, *pair)
		}
		res.Affected += count
		matched++
		if db.verbose {
			db.logger.LogAttrs(ctx, slog.LevelDebug, "mvdb: UPDATE", slog.String("table", tbl.Name()), slog.Int64("key", old.Key), slog.Bool("queued", pair != nil), slog.String("tx", tx.String()))
		}
		return b.stmt.Limit <= 0 || matched < b.stmt.Limit, nil
	})
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	newRows := make([]*Row, len(queue))
	for i, p := range queue {
		newRows[i] = p.new
	}
	if err := db.checkUnique(tx, tbl, newRows); err != nil {
		return Result{}, err
	}
	for _, p := range queue {
		if err := db.txs.write(tx, &rowWrite{tbl: tbl, key: p.new.Key, row: p.new, old: p.old}); err != nil {
			return Result{}, err
		}
		if b.stmt.CollectUpdatedKeys {
			res.UpdatedKeys = append(res.UpdatedKeys, p.new.Key)
		}
	}
	for _, p := range queue {
		for _, trig := range triggers {
			if err := trig.AfterRow(ctx, p.old, p.new); err != nil {
				return Result{}, err
			}
		}
	}
	return res, nil
}

// match returns the evaluation environment under which row satisfies the
// predicate, or nil when it does not.
func (b *boundUpdate) match(row *Row, secondaryRows []*Row, now time.Time) (*Env, error) {
	if b.secondary == nil {
		env := &Env{Row: row, Now: now}
		ok, err := Matches(b.where, env)
		if err != nil || !ok {
			return nil, err
		}
		return env, nil
	}
	for _, sec := range secondaryRows {
		env := &Env{Row: row, Secondary: sec, Now: now}
		ok, err := Matches(b.where, env)
		if err != nil {
			return nil, err
		}
		if ok {
			return env, nil
		}
	}
	return nil, nil
}

// prepareRow builds the new image of old and runs it through constraints,
// on-update expressions, delta capture and before-row triggers. It returns
// the pair to write (nil if vetoed) and the row's contribution to the
// affected count.
func (b *boundUpdate) prepareRow(ctx context.Context, env *Env, old *Row, triggers []Trigger, now time.Time) (*updatePair, int64, error) {
	tbl := b.tbl
	newRow := old.Clone()
	newRow.Version = 0
	for i, e := range b.assign {
		if e == nil {
			continue
		}
		v, err := e.Eval(env)
		if err != nil {
			return nil, 0, rowErrf(tbl, old.Key, true, tbl.def.Columns[i].Name, err, "")
		}
		newRow.Values[i] = v
	}
	if err := tbl.convertRow(newRow); err != nil {
		return nil, 0, err
	}

	var count int64 = 1
	if b.onUpdate {
		if !old.SameValues(newRow) {
			onEnv := &Env{Row: old, Now: now}
			for i, e := range tbl.onUpdate {
				if e == nil || b.assign[i] != nil {
					continue
				}
				v, err := e.Eval(onEnv)
				if err != nil {
					return nil, 0, rowErrf(tbl, old.Key, true, tbl.def.Columns[i].Name, err, "on update")
				}
				newRow.Values[i] = v
			}
			if err := tbl.convertRow(newRow); err != nil {
				return nil, 0, err
			}
		} else if b.stmt.NoOpCountsZero {
			count = 0
		}
	} else if b.stmt.NoOpCountsZero && old.SameValues(newRow) {
		count = 0
	}

	dc := b.stmt.DeltaCollector
	if dc != nil {
		switch b.stmt.Delta {
		case DeltaOld:
			dc.AddRow(old.Clone())
		case DeltaNew:
			dc.AddRow(newRow.Clone())
		}
	}

	for _, trig := range triggers {
		ok, err := trig.BeforeRow(ctx, old, newRow)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			return nil, count, nil
		}
	}
	if dc != nil && b.stmt.Delta == DeltaFinal {
		dc.AddRow(newRow.Clone())
	}
	return &updatePair{old: old, new: newRow}, count, nil
}
