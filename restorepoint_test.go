package mvdb

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestRestorePoint_roundTrip(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	s := db.NewSession()
	ctx := context.Background()

	must(s.Insert(ctx, "items", Int(1), String("a")))
	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	points := must(db.RestorePoints())
	if len(points) != 1 || points[0].Name != "p1" {
		t.Fatalf("** RestorePoints() = %v, wanted [p1]", points)
	}
	v := points[0].Version
	deepEqual(t, db.Store().CurrentVersion(), v)

	must(s.Insert(ctx, "items", Int(2), String("b")))
	must(s.ExecuteSQL(ctx, "UPDATE items SET v = 'z' WHERE k = 1"))
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'z')", "2:(2, 'b')"})

	must(s.Execute(ctx, RestoreToPoint{Name: "p1"}))
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'a')"})
	if cur := db.Store().CurrentVersion(); cur < v {
		t.Errorf("** version after restore = %d, wanted >= %d", cur, v)
	}

	// restoring again changes nothing
	must(s.Execute(ctx, RestoreToPoint{Name: "p1"}))
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'a')"})

	// the point survives its own restore, and writes continue after it
	deepEqual(t, len(must(db.RestorePoints())), 1)
	must(s.Insert(ctx, "items", Int(3), String("c")))
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'a')", "3:(3, 'c')"})
}

func TestRestorePoint_duplicateName(t *testing.T) {
	db := setup(t, Options{})
	s := db.NewSession()
	ctx := context.Background()

	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	v := db.Store().CurrentVersion()

	_, err := s.Execute(ctx, CreateRestorePoint{Name: "p1"})
	iserr(t, err, ErrAlreadyExists)
	var rpe *RestorePointError
	if !errors.As(err, &rpe) || rpe.Op != "create" || rpe.Name != "p1" {
		t.Fatalf("** err = %#v, wanted a create RestorePointError for p1", err)
	}
	deepEqual(t, db.Store().CurrentVersion(), v)
	deepEqual(t, len(must(db.RestorePoints())), 1)
}

func TestRestorePoint_horizon(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	s := db.NewSession()
	ctx := context.Background()
	deepEqual(t, db.Store().OldestVersionToKeep(), uint64(0))

	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	v1 := db.Store().CurrentVersion()
	must(s.Insert(ctx, "items", Int(1), String("a")))
	must(s.Execute(ctx, CreateRestorePoint{Name: "p2"}))
	v2 := db.Store().CurrentVersion()
	if v2 <= v1 {
		t.Fatalf("** p2 version %d not after p1 version %d", v2, v1)
	}

	deepEqual(t, db.Store().OldestVersionToKeep(), v1)
	points := must(db.RestorePoints())
	deepEqual(t, points[1].OldestVersionToKeep, v1)

	must(s.Execute(ctx, DropRestorePoint{Name: "p1"}))
	deepEqual(t, db.Store().OldestVersionToKeep(), v2)
	must(s.Execute(ctx, DropRestorePoint{Name: "p2"}))
	deepEqual(t, db.Store().OldestVersionToKeep(), uint64(0))
}

func TestRestorePoint_dropThenRestore(t *testing.T) {
	db := setup(t, Options{})
	s := db.NewSession()
	ctx := context.Background()

	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	must(s.Execute(ctx, DropRestorePoint{Name: "p1"}))
	isempty(t, must(db.RestorePoints()))

	_, err := s.Execute(ctx, RestoreToPoint{Name: "p1"})
	iserr(t, err, ErrNotFound)
	_, err = s.Execute(ctx, DropRestorePoint{Name: "p1"})
	iserr(t, err, ErrNotFound)
	_, err = s.Execute(ctx, RestoreToPoint{Name: "never"})
	iserr(t, err, ErrNotFound)

	// a failed restore gives up exclusive mode
	if db.Exclusive().ExclusiveSession() != nil {
		t.Fatalf("** exclusive slot still held after a failed restore")
	}
}

func TestRestorePoint_restoresCatalog(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	s := db.NewSession()
	ctx := context.Background()

	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	createTable(t, db, countersDef)
	must(s.Insert(ctx, "counters", Int(1), Int(10)))
	ensure(db.DropTable("items"))

	must(s.Execute(ctx, RestoreToPoint{Name: "p1"}))
	isnil(t, db.Schema().TableNamed("counters"))
	if db.Schema().TableNamed("items") == nil {
		t.Fatalf("** items table missing after restore")
	}
	_, err := s.Insert(ctx, "counters", Int(1), Int(10))
	iserr(t, err, ErrUnknownTable)
}

func TestRestorePoint_terminatesOtherTransactions(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	s1, s2, s3 := db.NewSession(), db.NewSession(), db.NewSession()
	ctx := context.Background()

	must(s1.Execute(ctx, CreateRestorePoint{Name: "p1"}))

	ensure(s2.Begin())
	must(s2.Insert(ctx, "items", Int(1), String("a")))
	ensure(s3.Begin())

	must(s1.Execute(ctx, RestoreToPoint{Name: "p1"}))

	_, err := s2.Insert(ctx, "items", Int(2), String("b"))
	iserr(t, err, ErrTxTerminated)
	deepEqual(t, s2.InTransaction(), false)
	isempty(t, rows(t, s2, "items"))

	// a transaction that never wrote survives
	must(s3.Insert(ctx, "items", Int(3), String("c")))
	ensure(s3.Commit(ctx))
	deepEqual(t, rows(t, s1, "items"), []string{"3:(3, 'c')"})

	// the session goes back to autocommit
	must(s2.Insert(ctx, "items", Int(2), String("b")))
	deepEqual(t, rows(t, s1, "items"), []string{"2:(2, 'b')", "3:(3, 'c')"})
}

func TestRestorePoint_exclusiveModeUnavailable(t *testing.T) {
	db := setup(t, Options{})
	s1, s2 := db.NewSession(), db.NewSession()
	ctx := context.Background()

	must(s1.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	deepEqual(t, db.Exclusive().SetExclusiveSession(s2, true), true)

	_, err := s1.Execute(ctx, RestoreToPoint{Name: "p1"})
	iserr(t, err, ErrExclusiveModeUnavailable)
	deepEqual(t, db.Exclusive().ExclusiveSession(), s2)

	db.Exclusive().UnsetExclusiveSession(s2)
	must(s1.Execute(ctx, RestoreToPoint{Name: "p1"}))
}

func TestRestorePoint_createCommitsSessionTx(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	s1, s2 := db.NewSession(), db.NewSession()
	ctx := context.Background()

	ensure(s1.Begin())
	must(s1.Insert(ctx, "items", Int(1), String("a")))
	must(s1.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	deepEqual(t, s1.InTransaction(), false)
	deepEqual(t, rows(t, s2, "items"), []string{"1:(1, 'a')"})

	must(s2.Delete(ctx, "items", 1))
	must(s2.Execute(ctx, RestoreToPoint{Name: "p1"}))
	deepEqual(t, rows(t, s2, "items"), []string{"1:(1, 'a')"})
}

func TestRestorePoint_persistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "points.db")
	ctx := context.Background()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	opt := Options{IsTesting: true, AutoCommitDelay: -1, Now: func() time.Time { return created }}

	db := must(Open(path, opt))
	createTable(t, db, itemsDef)
	s := db.NewSession()
	must(s.Insert(ctx, "items", Int(1), String("a")))
	must(s.ExecuteSQL(ctx, "CREATE RESTORE POINT p1"))
	must(s.Insert(ctx, "items", Int(2), String("b")))
	ensure(db.Close())

	db = must(Open(path, opt))
	defer db.Close()
	points := must(db.RestorePoints())
	if len(points) != 1 {
		t.Fatalf("** got %d restore points, wanted 1", len(points))
	}
	deepEqual(t, points[0].Name, "p1")
	if !points[0].CreatedAt.Equal(created) {
		t.Errorf("** CreatedAt = %v, wanted %v", points[0].CreatedAt, created)
	}
	deepEqual(t, db.Store().OldestVersionToKeep(), points[0].Version)

	s = db.NewSession()
	must(s.ExecuteSQL(ctx, "RESTORE TO POINT p1"))
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'a')"})
	must(s.ExecuteSQL(ctx, "DROP RESTORE POINT p1"))
	isempty(t, must(db.RestorePoints()))
}

func TestRestorePoint_compactKeepsPoint(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	s := db.NewSession()
	ctx := context.Background()

	must(s.Insert(ctx, "items", Int(1), String("a")))
	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	for _, v := range []string{"b", "c", "d"} {
		must(s.ExecuteSQL(ctx, "UPDATE items SET v = '"+v+"' WHERE k = 1"))
	}
	must(db.Compact())
	must(s.Execute(ctx, RestoreToPoint{Name: "p1"}))
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'a')"})
}

func TestRestorePoint_history(t *testing.T) {
	db := setup(t, Options{HistoryDir: t.TempDir()})
	s := db.NewSession()
	ctx := context.Background()

	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	must(s.Execute(ctx, RestoreToPoint{Name: "p1"}))
	must(s.Execute(ctx, DropRestorePoint{Name: "p1"}))
	_, err := s.Execute(ctx, DropRestorePoint{Name: "p1"})
	iserr(t, err, ErrNotFound)

	events := must(db.History())
	var ops []HistoryOp
	for _, ev := range events {
		ops = append(ops, ev.Op)
		deepEqual(t, ev.Name, "p1")
	}
	deepEqual(t, ops, []HistoryOp{HistoryCreate, HistoryRestore, HistoryDrop})

	db2 := setup(t, Options{})
	isempty(t, must(db2.History()))
}

func TestRestorePoint_rollbackChangesRegistry(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	s := db.NewSession()
	ctx := context.Background()

	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	v1 := db.Store().CurrentVersion()
	must(s.Insert(ctx, "items", Int(1), String("a")))
	must(s.Execute(ctx, CreateRestorePoint{Name: "p2"}))
	v2 := db.Store().CurrentVersion()
	must(s.Execute(ctx, DropRestorePoint{Name: "p1"}))
	deepEqual(t, pointNames(t, db), []string{"p2"})
	deepEqual(t, db.Store().OldestVersionToKeep(), v2)

	// p1 was dropped after p2's version, so restoring p2 brings it back
	must(s.Execute(ctx, RestoreToPoint{Name: "p2"}))
	deepEqual(t, pointNames(t, db), []string{"p1", "p2"})
	deepEqual(t, db.Store().OldestVersionToKeep(), v1)
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'a')"})

	// points created after the target version go away
	must(s.Execute(ctx, CreateRestorePoint{Name: "p3"}))
	must(s.Execute(ctx, RestoreToPoint{Name: "p1"}))
	deepEqual(t, pointNames(t, db), []string{"p1"})
	deepEqual(t, db.Store().OldestVersionToKeep(), v1)
	isempty(t, rows(t, s, "items"))
}

func TestRestorePoint_reclaimedPointStaysDropped(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	s := db.NewSession()
	ctx := context.Background()

	must(s.Insert(ctx, "items", Int(1), String("a")))
	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	must(s.ExecuteSQL(ctx, "UPDATE items SET v = 'b' WHERE k = 1"))
	must(s.Execute(ctx, CreateRestorePoint{Name: "p2"}))
	v2 := db.Store().CurrentVersion()
	must(s.Execute(ctx, DropRestorePoint{Name: "p1"}))
	must(db.Compact())
	deepEqual(t, db.Store().ReclaimedVersion(), v2)

	// the rollback brings p1's record back, but its version no longer exists
	must(s.Execute(ctx, RestoreToPoint{Name: "p2"}))
	deepEqual(t, pointNames(t, db), []string{"p2"})
	deepEqual(t, db.Store().OldestVersionToKeep(), v2)
	_, err := s.Execute(ctx, RestoreToPoint{Name: "p1"})
	iserr(t, err, ErrNotFound)

	// a record below the floor is refused and the store stays usable
	stale := &RestorePoint{Name: "stale", Version: 1}
	ensure(db.Store().Put(restorePointsMap, restorePointKey(stale.Name), encodeMsgpack(nil, stale)))
	must(db.Store().Commit())
	_, err = s.Execute(ctx, RestoreToPoint{Name: "stale"})
	iserr(t, err, ErrVersionReclaimed)

	must(s.Insert(ctx, "items", Int(2), String("c")))
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'b')", "2:(2, 'c')"})
}

func TestRestorePoint_failedCommitLeavesNoTrace(t *testing.T) {
	backend := &flakyStorage{storage: newMemStorage()}
	db := must(openWithBackend(InMemory, backend, Options{IsTesting: true, AutoCommitDelay: -1}))
	defer db.Close()
	s := db.NewSession()
	ctx := context.Background()

	backend.failWrites.Store(true)
	_, err := s.Execute(ctx, CreateRestorePoint{Name: "p1"})
	iserr(t, err, errDiskFull)
	backend.failWrites.Store(false)
	must(db.Store().Commit())
	isempty(t, must(db.RestorePoints()))
	deepEqual(t, db.Store().OldestVersionToKeep(), uint64(0))

	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	backend.failWrites.Store(true)
	_, err = s.Execute(ctx, DropRestorePoint{Name: "p1"})
	iserr(t, err, errDiskFull)
	backend.failWrites.Store(false)
	must(db.Store().Commit())
	deepEqual(t, pointNames(t, db), []string{"p1"})
}

var errDiskFull = errors.New("disk full")

// flakyStorage fails every write transaction while failWrites is set.
type flakyStorage struct {
	storage
	failWrites atomic.Bool
}

func (s *flakyStorage) BeginTx(writable bool) (storageTx, error) {
	if writable && s.failWrites.Load() {
		return nil, errDiskFull
	}
	return s.storage.BeginTx(writable)
}

func pointNames(t testing.TB, db *DB) []string {
	t.Helper()
	var names []string
	for _, rp := range must(db.RestorePoints()) {
		names = append(names, rp.Name)
	}
	return names
}
