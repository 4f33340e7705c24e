package mvdb

import (
	"context"
	"errors"
	"fmt"
)

// Session is one client's connection to the database. Sessions run in
// autocommit mode unless Begin is called. A Session must not be used from
// several goroutines at once; different sessions run concurrently.
type Session struct {
	id       uint64
	db       *DB
	tx       *Tx
	explicit bool
	cfg      ExecConfig
	closed   bool

	// nesting counts statements entered from inside a running one, e.g. a
	// trigger reading through its own session.
	nesting int
}

func (db *DB) NewSession() *Session {
	return &Session{
		id:  db.nextSessionID.Add(1),
		db:  db,
		cfg: db.defaultCfg,
	}
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) DB() *DB {
	return s.db
}

func (s *Session) String() string {
	return fmt.Sprintf("session%d", s.id)
}

func (s *Session) Config() ExecConfig {
	return s.cfg
}

func (s *Session) SetConfig(cfg ExecConfig) {
	s.cfg = cfg
}

// Tx returns the open transaction, or nil.
func (s *Session) Tx() *Tx {
	return s.tx
}

func (s *Session) InTransaction() bool {
	return s.explicit
}

func (s *Session) check() error {
	if s.closed || s.db.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Begin starts an explicit transaction that lasts until Commit or Rollback.
func (s *Session) Begin() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.explicit {
		return fmt.Errorf("%v: transaction already open", s)
	}
	s.currentTx()
	s.explicit = true
	return nil
}

// Commit commits the open transaction, if any.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.tx == nil {
		s.explicit = false
		return nil
	}
	leave, err := s.enterStatement(ctx)
	if err != nil {
		return err
	}
	defer leave()
	return s.commitTx()
}

// Rollback discards the open transaction, if any.
func (s *Session) Rollback() error {
	s.explicit = false
	tx := s.tx
	if tx == nil {
		return nil
	}
	s.tx = nil
	return s.db.txs.Rollback(tx)
}

// Close rolls back the open transaction and gives up exclusive mode.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	err := s.Rollback()
	s.db.exclusive.UnsetExclusiveSession(s)
	s.closed = true
	return err
}

// Execute runs a statement. In autocommit mode a statement that writes rows
// commits on success; a failed statement leaves no trace in the session's
// transaction either way.
func (s *Session) Execute(ctx context.Context, stmt Statement) (Result, error) {
	if err := s.check(); err != nil {
		return Result{}, err
	}
	s.db.StatementCount.Add(1)
	return safelyCall(func() (Result, error) {
		return stmt.exec(ctx, s, s.cfg)
	})
}

// ExecuteSQL parses and runs one statement.
func (s *Session) ExecuteSQL(ctx context.Context, sql string) (Result, error) {
	stmt, err := Parse(sql)
	if err != nil {
		return Result{}, err
	}
	return s.Execute(ctx, stmt)
}

func (s *Session) Insert(ctx context.Context, table string, values ...Value) (*Row, error) {
	var row *Row
	err := s.runInTx(ctx, func(tx *Tx) error {
		tbl, err := s.db.Schema().table(table)
		if err != nil {
			return err
		}
		row, err = s.db.insertRow(ctx, tx, s.cfg, tbl, values)
		return err
	})
	return row, err
}

func (s *Session) Delete(ctx context.Context, table string, key int64) (bool, error) {
	var found bool
	err := s.runInTx(ctx, func(tx *Tx) error {
		tbl, err := s.db.Schema().table(table)
		if err != nil {
			return err
		}
		found, err = s.db.deleteRow(ctx, tx, s.cfg, tbl, key)
		return err
	})
	return found, err
}

// Get returns the row with the given key as visible to the session, or nil.
func (s *Session) Get(table string, key int64) (*Row, error) {
	var row *Row
	err := s.read(func(scm *Schema, view txView) error {
		tbl, err := scm.table(table)
		if err != nil {
			return err
		}
		row, err = view.Get(tbl, key)
		return err
	})
	return row.Clone(), err
}

// Scan calls fn for every row visible to the session in key order. The rows
// are collected first, so fn may run other statements.
func (s *Session) Scan(table string, fn func(row *Row) bool) error {
	var rows []*Row
	err := s.read(func(scm *Schema, view txView) error {
		tbl, err := scm.table(table)
		if err != nil {
			return err
		}
		return view.Scan(tbl, func(row *Row) bool {
			rows = append(rows, row.Clone())
			return true
		})
	})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if !fn(row) {
			break
		}
	}
	return nil
}

// read runs f like a statement: it waits out another session's exclusive
// mode and never overlaps a restore, so the schema and the rows it sees
// belong to the same version.
func (s *Session) read(f func(scm *Schema, view txView) error) error {
	if err := s.check(); err != nil {
		return err
	}
	leave, err := s.enterStatement(context.Background())
	if err != nil {
		return err
	}
	defer leave()
	return f(s.db.Schema(), s.view())
}

// All returns every visible row of a table.
func (s *Session) All(table string) ([]*Row, error) {
	var rows []*Row
	err := s.Scan(table, func(row *Row) bool {
		rows = append(rows, row)
		return true
	})
	return rows, err
}

func (s *Session) view() txView {
	var tx *Tx
	if s.tx != nil && s.tx.State() == TxActive {
		tx = s.tx
	}
	return txView{s.db, tx}
}

// currentTx returns the open transaction, starting one if needed. A
// transaction terminated behind the session's back (a leftover after a
// restore) is dropped.
func (s *Session) currentTx() *Tx {
	if s.tx != nil && s.tx.State() != TxActive {
		s.tx = nil
	}
	if s.tx == nil {
		s.tx = s.db.txs.Begin()
	}
	return s.tx
}

// enterStatement waits out another session's exclusive mode and registers
// a running statement. The returned function must be called when the
// statement is done.
func (s *Session) enterStatement(ctx context.Context) (leave func(), err error) {
	if s.nesting > 0 {
		s.nesting++
		return s.leaveNested, nil
	}
	for {
		if err := s.db.exclusive.Wait(ctx, s); err != nil {
			return nil, err
		}
		s.db.stmtGate.RLock()
		if h := s.db.exclusive.ExclusiveSession(); h == nil || h == s {
			s.nesting = 1
			return s.leaveOuter, nil
		}
		s.db.stmtGate.RUnlock()
	}
}

func (s *Session) leaveNested() {
	s.nesting--
}

func (s *Session) leaveOuter() {
	s.nesting = 0
	s.db.stmtGate.RUnlock()
}

// runInTx runs one row-level statement inside the session transaction.
func (s *Session) runInTx(ctx context.Context, f func(tx *Tx) error) error {
	if err := s.check(); err != nil {
		return err
	}
	leave, err := s.enterStatement(ctx)
	if err != nil {
		return err
	}
	defer leave()

	if s.explicit && s.tx != nil && s.tx.State() != TxActive {
		s.tx, s.explicit = nil, false
		return fmt.Errorf("%v: %w", s, ErrTxTerminated)
	}
	tx := s.currentTx()
	tx.beginStatement()
	_, err = safelyCall(func() (struct{}, error) {
		return struct{}{}, f(tx)
	})
	tx.endStatement(err == nil)

	if s.explicit {
		if errors.Is(err, ErrTxTerminated) {
			s.tx, s.explicit = nil, false
		}
		return err
	}
	if err != nil {
		s.Rollback()
		return err
	}
	return s.commitTx()
}

// flush commits the session's transaction so that a restore point taken
// next includes it. The caller holds the store lock.
func (s *Session) flush() error {
	if s.tx == nil {
		return nil
	}
	return s.commitTx()
}

func (s *Session) commitTx() error {
	tx := s.tx
	s.tx, s.explicit = nil, false
	if tx == nil {
		return nil
	}
	changes, err := s.db.txs.Commit(tx)
	if err != nil {
		s.db.txs.Rollback(tx)
		return err
	}
	s.db.TxCommitCount.Add(1)
	if tx.changeHandler != nil {
		for _, chg := range changes {
			tx.changeHandler(chg)
		}
	}
	s.db.publish(changes)
	return nil
}
