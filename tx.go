package mvdb

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/btree"
)

const trackTxns = true

type TxState int

const (
	TxActive TxState = iota
	TxCommitted
	TxRolledBack

	// TxLeftover marks a transaction terminated because a rollback of the
	// store made its commit unreachable.
	TxLeftover
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled back"
	case TxLeftover:
		return "leftover"
	default:
		return fmt.Sprintf("invalid state %d", int(s))
	}
}

// Tx is a transaction. Its writes stay in a private write set until commit;
// reads through the transaction see the write set on top of the store.
// All state transitions happen under TransactionStore.mu.
type Tx struct {
	id        uint64
	txs       *TransactionStore
	startTime time.Time
	stack     string

	state   TxState
	written bool
	writes  *btree.BTreeG[*rowWrite]
	locks   []rowRef
	done    chan struct{}
	sp      *savepoint

	changeHandler func(chg *Change)
}

type rowRef struct {
	mapName string
	key     int64
}

func (r rowRef) String() string {
	return fmt.Sprintf("%s/%d", r.mapName, r.key)
}

// rowWrite is the latest write of a row within a transaction. row is nil for
// deletes; old is the pre-image the transaction saw before its first write.
type rowWrite struct {
	tbl *Table
	key int64
	row *Row
	old *Row
}

func (w *rowWrite) ref() rowRef {
	return rowRef{w.tbl.mapName, w.key}
}

func rowWriteLess(a, b *rowWrite) bool {
	if a.tbl.mapName != b.tbl.mapName {
		return a.tbl.mapName < b.tbl.mapName
	}
	return a.key < b.key
}

// savepoint remembers the write set entries a statement replaced, so a failed
// statement can be undone without aborting the transaction.
type savepoint struct {
	saved map[rowRef]*rowWrite
}

func (tx *Tx) ID() uint64 {
	return tx.id
}

func (tx *Tx) State() TxState {
	tx.txs.mu.Lock()
	defer tx.txs.mu.Unlock()
	return tx.state
}

// OnChange sets a function called with every change once the transaction commits.
func (tx *Tx) OnChange(f func(chg *Change)) {
	tx.changeHandler = f
}

func (tx *Tx) String() string {
	return fmt.Sprintf("tx%d", tx.id)
}

// Done is closed when the transaction ends.
func (tx *Tx) Done() <-chan struct{} {
	return tx.done
}

func (tx *Tx) lookup(tbl *Table, key int64) (*rowWrite, bool) {
	return tx.writes.Get(&rowWrite{tbl: tbl, key: key})
}

// tableWrites returns the write set entries of one table in key order.
func (tx *Tx) tableWrites(tbl *Table) []*rowWrite {
	var out []*rowWrite
	tx.writes.AscendGreaterOrEqual(&rowWrite{tbl: tbl, key: minRowKey}, func(w *rowWrite) bool {
		if w.tbl.mapName != tbl.mapName {
			return false
		}
		out = append(out, w)
		return true
	})
	return out
}

func (tx *Tx) beginStatement() {
	tx.sp = &savepoint{saved: make(map[rowRef]*rowWrite)}
}

// endStatement undoes the statement's writes unless it succeeded.
func (tx *Tx) endStatement(ok bool) {
	sp := tx.sp
	tx.sp = nil
	if ok || sp == nil {
		return
	}
	for ref, prev := range sp.saved {
		if prev == nil {
			tx.writes.Delete(&rowWrite{tbl: &Table{mapName: ref.mapName}, key: ref.key})
		} else {
			tx.writes.ReplaceOrInsert(prev)
		}
	}
}

type panicked struct {
	reason interface{}
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func safelyCall[T any](fn func() (T, error)) (result T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = panicked{p, string(debug.Stack())}
		}
	}()
	return fn()
}
