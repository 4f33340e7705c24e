package mvdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"

	"github.com/andreyvit/mvdb/journal"
)

// InMemory is the path that selects the in-memory storage backend.
const InMemory = ":memory:"

const (
	DefaultAutoCommitDelay     = time.Second
	DefaultLockTimeout         = 2 * time.Second
	DefaultCancelCheckInterval = 256
)

type DB struct {
	path        string
	store       *Store
	txs         *TransactionStore
	exclusive   ExclusiveCoordinator
	logger      *slog.Logger
	verbose     bool
	now         func() time.Time
	planner     Planner
	defaultCfg  ExecConfig
	onBootstrap func(db *DB) error
	history     *journal.Journal

	schema        atomic.Pointer[Schema]
	stmtGate      sync.RWMutex
	seqLock       sync.Mutex
	nextSessionID atomic.Uint64
	cache         scanCache
	closed        atomic.Bool

	hooksLock   sync.RWMutex
	triggers    map[string][]Trigger
	subscribers []subscriber

	StatementCount  atomic.Uint64
	UpdatedRowCount atomic.Uint64
	TxCommitCount   atomic.Uint64
}

type Options struct {
	Logger    *slog.Logger
	Verbose   bool
	IsTesting bool
	MmapSize  int

	// Now is the engine clock used for restore point timestamps and NOW().
	Now func() time.Time

	// AutoCommitDelay defaults to DefaultAutoCommitDelay; negative disables autocommit.
	AutoCommitDelay time.Duration

	LockTimeout         time.Duration
	CancelCheckInterval int

	// HistoryDir enables the journal of restore point events.
	HistoryDir string

	Planner     Planner
	OnBootstrap func(db *DB) error
}

type subscriber struct {
	flags ChangeFlags
	fn    func(chg *Change)
}

func Open(path string, opt Options) (*DB, error) {
	backend, err := openBackend(path, opt)
	if err != nil {
		return nil, err
	}
	return openWithBackend(path, backend, opt)
}

// openWithBackend opens a DB over backend, taking ownership of it.
func openWithBackend(path string, backend storage, opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.AutoCommitDelay == 0 {
		opt.AutoCommitDelay = DefaultAutoCommitDelay
	} else if opt.AutoCommitDelay < 0 {
		opt.AutoCommitDelay = 0
	}
	if opt.LockTimeout == 0 {
		opt.LockTimeout = DefaultLockTimeout
	}
	if opt.CancelCheckInterval <= 0 {
		opt.CancelCheckInterval = DefaultCancelCheckInterval
	}
	if opt.Planner == nil {
		opt.Planner = DefaultPlanner{}
	}

	store, err := openStore(backend, storeOptions{
		Path:            path,
		Logger:          opt.Logger,
		Verbose:         opt.Verbose,
		AutoCommitDelay: opt.AutoCommitDelay,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}

	db := &DB{
		path:        path,
		store:       store,
		txs:         newTransactionStore(store, opt.Logger),
		logger:      opt.Logger,
		verbose:     opt.Verbose,
		now:         opt.Now,
		planner:     opt.Planner,
		onBootstrap: opt.OnBootstrap,
		defaultCfg: ExecConfig{
			LockTimeout:         opt.LockTimeout,
			CancelCheckInterval: opt.CancelCheckInterval,
		},
		triggers: make(map[string][]Trigger),
	}

	if opt.HistoryDir != "" {
		if err := os.MkdirAll(opt.HistoryDir, 0o777); err != nil {
			store.Close()
			return nil, &StoreError{opt.HistoryDir, "open history", err}
		}
		db.history = journal.New(opt.HistoryDir, journal.Options{
			FileName:  "history-*.jrnl",
			DebugName: "history",
			Now:       opt.Now,
			NoSync:    opt.IsTesting,
			Logger:    opt.Logger,
			Verbose:   opt.Verbose,
		})
		db.history.StartWriting()
	}

	if err := db.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openBackend(path string, opt Options) (storage, error) {
	if path == InMemory {
		return newMemStorage(), nil
	}
	bopt := &bbolt.Options{}
	*bopt = *bbolt.DefaultOptions
	bopt.Timeout = 10 * time.Second
	if opt.IsTesting {
		bopt.NoSync = true
		bopt.NoFreelistSync = true
		bopt.InitialMmapSize = 1024 * 1024 * 5
	} else {
		bopt.InitialMmapSize = 1024 * 1024 * 1024
		bopt.FreelistType = bbolt.FreelistMapType
	}
	if opt.MmapSize != 0 {
		bopt.InitialMmapSize = opt.MmapSize
	}
	bdb, err := bbolt.Open(path, 0o666, bopt)
	if err != nil {
		return nil, &StoreError{path, "open", err}
	}
	return newBoltStorage(bdb), nil
}

// recover ends transactions that were open when the database was last
// closed and loads the catalog.
func (db *DB) recover() error {
	unlock := db.store.Lock()
	defer unlock()
	if err := db.txs.Reinit(); err != nil {
		return err
	}
	if n, err := db.txs.EndLeftoverTransactions(); err != nil {
		return err
	} else if n > 0 {
		db.logger.LogAttrs(context.Background(), slog.LevelWarn, "mvdb: recovered interrupted transactions", slog.String("path", db.path), slog.Int("count", n))
	}
	if err := db.bootstrapLocked(); err != nil {
		return err
	}
	_, err := db.store.Commit()
	return err
}

// bootstrapLocked reloads state derived from the store: the catalog and the
// retention horizon. Called with the store lock held.
func (db *DB) bootstrapLocked() error {
	scm, err := loadSchema(db.store)
	if err != nil {
		return err
	}
	db.schema.Store(scm)

	points, err := listRestorePoints(db.store)
	if err != nil {
		return err
	}
	// A rollback can bring back a point dropped after the target version. If
	// compaction has since reclaimed its version, the point cannot be restored
	// to and must not pin the horizon below the reclaimed floor.
	reclaimed := db.store.ReclaimedVersion()
	var horizon uint64
	for _, rp := range points {
		if rp.Version < reclaimed {
			if err := db.store.Delete(restorePointsMap, restorePointKey(rp.Name)); err != nil {
				return err
			}
			db.logger.LogAttrs(context.Background(), slog.LevelWarn, "mvdb: restore point removed, its version was reclaimed", slog.String("name", rp.Name), slog.Uint64("version", rp.Version), slog.Uint64("reclaimed", reclaimed))
			continue
		}
		if horizon == 0 {
			horizon = rp.Version
		}
	}
	db.store.SetOldestVersionToKeep(horizon)

	db.invalidateCaches()
	if db.onBootstrap != nil {
		if err := db.onBootstrap(db); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
	}
	return nil
}

func (db *DB) invalidateCaches() {
	db.cache.clear()
}

func (db *DB) Path() string {
	return db.path
}

func (db *DB) Schema() *Schema {
	return db.schema.Load()
}

func (db *DB) Store() *Store {
	return db.store
}

func (db *DB) Transactions() *TransactionStore {
	return db.txs
}

func (db *DB) Exclusive() *ExclusiveCoordinator {
	return &db.exclusive
}

func (db *DB) DescribeOpenTxns() string {
	return db.txs.DescribeOpenTxns()
}

// Close rolls back open transactions, commits pending store writes and
// closes all files. Closing twice is a no-op.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, tx := range db.txs.OpenTransactions() {
		db.txs.Rollback(tx)
	}
	var errs []error
	if err := db.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if db.history != nil {
		if err := db.history.FinishWriting(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CreateTable adds a table to the catalog. Catalog changes are committed
// immediately and are not part of any session transaction.
func (db *DB) CreateTable(def TableDef) (*Table, error) {
	tbl, err := newTable(def)
	if err != nil {
		return nil, err
	}
	unlock := db.store.Lock()
	defer unlock()
	if db.Schema().TableNamed(def.Name) != nil {
		return nil, fmt.Errorf("table %s: %w", def.Name, ErrAlreadyExists)
	}
	if err := db.store.Put(catalogMap, catalogKey(def.Name), encodeMsgpack(nil, &def)); err != nil {
		return nil, err
	}
	if err := db.reloadSchemaLocked(); err != nil {
		return nil, err
	}
	return db.Schema().TableNamed(tbl.Name()), nil
}

// DropTable removes a table and all of its rows.
func (db *DB) DropTable(name string) error {
	unlock := db.store.Lock()
	defer unlock()
	tbl, err := db.Schema().table(name)
	if err != nil {
		return err
	}
	keys := arrayOfBytesPool.Get().([][]byte)
	defer func() { releaseArrayOfBytes(keys) }()
	err = db.store.Scan(tbl.mapName, func(key, _ []byte, _ uint64) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return err
	}
	writes := make([]StoreWrite, 0, len(keys)+2)
	for _, k := range keys {
		writes = append(writes, StoreWrite{Map: tbl.mapName, Key: k, Delete: true})
	}
	writes = append(writes,
		StoreWrite{Map: catalogMap, Key: catalogKey(name), Delete: true},
		StoreWrite{Map: sequencesMap, Key: catalogKey(name), Delete: true})
	if err := db.store.Apply(writes...); err != nil {
		return err
	}
	return db.reloadSchemaLocked()
}

func (db *DB) reloadSchemaLocked() error {
	if _, err := db.store.Commit(); err != nil {
		return err
	}
	scm, err := loadSchema(db.store)
	if err != nil {
		return err
	}
	db.schema.Store(scm)
	db.invalidateCaches()
	return nil
}

// AddTrigger registers a row trigger on a table.
func (db *DB) AddTrigger(table string, trig Trigger) {
	db.hooksLock.Lock()
	defer db.hooksLock.Unlock()
	key := string(catalogKey(table))
	db.triggers[key] = append(db.triggers[key], trig)
}

func (db *DB) tableTriggers(tbl *Table) []Trigger {
	db.hooksLock.RLock()
	defer db.hooksLock.RUnlock()
	return db.triggers[string(catalogKey(tbl.Name()))]
}

// OnChange subscribes fn to every committed row change. flags select the
// row images included in each Change.
func (db *DB) OnChange(flags ChangeFlags, fn func(chg *Change)) {
	db.hooksLock.Lock()
	defer db.hooksLock.Unlock()
	db.subscribers = append(db.subscribers, subscriber{flags, fn})
}

func (db *DB) publish(changes []*Change) {
	db.hooksLock.RLock()
	subs := db.subscribers
	db.hooksLock.RUnlock()
	for _, sub := range subs {
		for _, chg := range changes {
			sub.fn(chg.trimmed(sub.flags))
		}
	}
}

// Compact reclaims versions no restore point can reach anymore.
func (db *DB) Compact() (int, error) {
	unlock := db.store.Lock()
	defer unlock()
	if _, err := db.store.Commit(); err != nil {
		return 0, err
	}
	return db.store.Compact()
}
