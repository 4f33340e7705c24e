package mvdb

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
)

const (
	txnsMap   = "txns"
	minRowKey = math.MinInt64
)

// txRecord is the durable trace of a transaction that has started writing.
type txRecord struct {
	State   TxState   `msgpack:"s"`
	Started time.Time `msgpack:"t"`
}

// TransactionStore keeps track of open transactions and row locks on top of
// a Store. A transaction's record is written to the "txns" map when it first
// writes and flips to committed in the same batch as its data, so after any
// rollback of the store the records tell which transactions can no longer
// reach their commit.
type TransactionStore struct {
	store  *Store
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	open     map[uint64]*Tx
	leftover map[uint64]*Tx
	locks    map[rowRef]*Tx
}

func newTransactionStore(store *Store, logger *slog.Logger) *TransactionStore {
	return &TransactionStore{
		store:    store,
		logger:   logger,
		nextID:   1,
		open:     make(map[uint64]*Tx),
		leftover: make(map[uint64]*Tx),
		locks:    make(map[rowRef]*Tx),
	}
}

func txKey(id uint64) []byte {
	return appendVersionKey(nil, id)
}

func (ts *TransactionStore) Begin() *Tx {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	tx := &Tx{
		id:        ts.nextID,
		txs:       ts,
		startTime: time.Now(),
		writes:    btree.NewG[*rowWrite](16, rowWriteLess),
		done:      make(chan struct{}),
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
	}
	ts.nextID++
	ts.open[tx.id] = tx
	return tx
}

// write records a row write in tx, persisting the transaction record on the
// first write.
func (ts *TransactionStore) write(tx *Tx, w *rowWrite) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tx.state != TxActive {
		return fmt.Errorf("%v: %w", tx, ErrTxTerminated)
	}
	if !tx.written {
		rec := txRecord{State: TxActive, Started: tx.startTime}
		if err := ts.store.Put(txnsMap, txKey(tx.id), encodeMsgpack(nil, &rec)); err != nil {
			return err
		}
		tx.written = true
	}
	prev, existed := tx.writes.Get(w)
	if existed {
		w.old = prev.old
	}
	if tx.sp != nil {
		if _, saved := tx.sp.saved[w.ref()]; !saved {
			if existed {
				tx.sp.saved[w.ref()] = prev
			} else {
				tx.sp.saved[w.ref()] = nil
			}
		}
	}
	tx.writes.ReplaceOrInsert(w)
	return nil
}

// Commit applies the write set to the store as one batch and releases the
// transaction's row locks. The returned changes are in key order.
func (ts *TransactionStore) Commit(tx *Tx) ([]*Change, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tx.state != TxActive {
		return nil, fmt.Errorf("%v: %w", tx, ErrTxTerminated)
	}

	var changes []*Change
	if tx.written {
		writes := make([]StoreWrite, 0, tx.writes.Len()+1)
		buf := rowBytesPool.Get().([]byte)
		tx.writes.Ascend(func(w *rowWrite) bool {
			sw := StoreWrite{Map: w.tbl.mapName, Key: appendRowKey(nil, w.key)}
			chg := &Change{table: w.tbl, key: w.key, oldRow: w.old}
			if w.row == nil {
				sw.Delete = true
				chg.op = OpDelete
			} else {
				off := len(buf)
				buf = encodeRow(buf, w.row)
				sw.Data = buf[off:len(buf):len(buf)]
				chg.op = OpPut
				chg.row = w.row
			}
			writes = append(writes, sw)
			changes = append(changes, chg)
			return true
		})
		rec := txRecord{State: TxCommitted, Started: tx.startTime}
		writes = append(writes, StoreWrite{Map: txnsMap, Key: txKey(tx.id), Data: encodeMsgpack(nil, &rec)})
		err := ts.store.Apply(writes...)
		releaseRowBytes(buf)
		if err != nil {
			return nil, err
		}
	}
	ts.endLocked(tx, TxCommitted)
	return changes, nil
}

// Rollback discards the write set. Rolling back a terminated transaction is a no-op.
func (ts *TransactionStore) Rollback(tx *Tx) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if tx.state != TxActive {
		return nil
	}
	var err error
	if tx.written {
		err = ts.store.Delete(txnsMap, txKey(tx.id))
	}
	ts.endLocked(tx, TxRolledBack)
	return err
}

func (ts *TransactionStore) endLocked(tx *Tx, state TxState) {
	tx.state = state
	tx.writes.Clear(false)
	for _, ref := range tx.locks {
		if ts.locks[ref] == tx {
			delete(ts.locks, ref)
		}
	}
	tx.locks = nil
	delete(ts.open, tx.id)
	close(tx.done)
}

// LockRow acquires the row lock of ref for tx, waiting up to timeout for the
// current holder to finish. A zero timeout fails immediately when the row is
// locked by another transaction.
func (ts *TransactionStore) LockRow(ctx context.Context, tx *Tx, ref rowRef, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		ts.mu.Lock()
		if tx.state != TxActive {
			ts.mu.Unlock()
			return fmt.Errorf("%v: %w", tx, ErrTxTerminated)
		}
		holder := ts.locks[ref]
		if holder == nil {
			ts.locks[ref] = tx
			tx.locks = append(tx.locks, ref)
		}
		ts.mu.Unlock()
		if holder == nil || holder == tx {
			return nil
		}
		if expired == nil {
			return fmt.Errorf("%v: row %v locked by %v: %w", tx, ref, holder, ErrLockTimeout)
		}
		select {
		case <-holder.done:
		case <-expired:
			return fmt.Errorf("%v: row %v locked by %v: %w", tx, ref, holder, ErrLockTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reinit rebuilds the transaction bookkeeping from the store after its
// version moved backwards. Transactions whose record is still active, and
// open transactions that wrote but whose record is gone, become leftovers.
// Committed records are purged.
func (ts *TransactionStore) Reinit() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	type entry struct {
		id  uint64
		rec txRecord
	}
	var entries []entry
	var failure error
	err := ts.store.Scan(txnsMap, func(key, data []byte, _ uint64) bool {
		id, err := decodeVersionKey(key)
		if err != nil {
			failure = err
			return false
		}
		var rec txRecord
		if failure = decodeMsgpack(data, &rec); failure != nil {
			return false
		}
		entries = append(entries, entry{id, rec})
		return true
	})
	if err == nil {
		err = failure
	}
	if err != nil {
		return err
	}

	recorded := make(map[uint64]bool, len(entries))
	for _, e := range entries {
		recorded[e.id] = true
		if e.id >= ts.nextID {
			ts.nextID = e.id + 1
		}
		switch e.rec.State {
		case TxCommitted:
			if err := ts.store.Delete(txnsMap, txKey(e.id)); err != nil {
				return err
			}
		default:
			tx := ts.open[e.id]
			if tx == nil {
				tx = &Tx{id: e.id, txs: ts, startTime: e.rec.Started, writes: btree.NewG[*rowWrite](2, rowWriteLess), done: make(chan struct{})}
			}
			ts.leftover[e.id] = tx
		}
	}
	for id, tx := range ts.open {
		if tx.written && !recorded[id] {
			ts.leftover[id] = tx
		}
	}
	return nil
}

// EndLeftoverTransactions terminates every leftover transaction found by
// Reinit, discarding its write set and record. It returns the number of
// transactions terminated; a second call finds none.
func (ts *TransactionStore) EndLeftoverTransactions() (int, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ids := make([]uint64, 0, len(ts.leftover))
	for id := range ts.leftover {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		tx := ts.leftover[id]
		if err := ts.store.Delete(txnsMap, txKey(id)); err != nil {
			return 0, err
		}
		if tx.state == TxActive {
			ts.endLocked(tx, TxLeftover)
		}
		delete(ts.leftover, id)
		ts.logger.LogAttrs(context.Background(), slog.LevelWarn, "mvdb: terminated leftover transaction", slog.Uint64("tx", id))
	}
	return len(ids), nil
}

// OpenTransactions returns the open transactions ordered by id.
func (ts *TransactionStore) OpenTransactions() []*Tx {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	txs := make([]*Tx, 0, len(ts.open))
	for _, tx := range ts.open {
		txs = append(txs, tx)
	}
	slices.SortFunc(txs, func(a, b *Tx) int {
		return cmp.Compare(a.id, b.id)
	})
	return txs
}

// LockHolder returns the transaction holding the lock of a row, or nil.
func (ts *TransactionStore) LockHolder(tbl *Table, key int64) *Tx {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.locks[rowRef{tbl.mapName, key}]
}

func (ts *TransactionStore) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	txns := ts.OpenTransactions()
	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\n%v open for %d ms\n", tx, ms)
		} else {
			fmt.Fprintf(&buf, "\n---\n%v open for %d ms:\n%s", tx, ms, tx.stack)
		}
	}

	return buf.String()
}
