package mvdb

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDB_BackupFile(t *testing.T) {
	dir := t.TempDir()
	db := must(Open(filepath.Join(dir, "main.db"), Options{IsTesting: true, AutoCommitDelay: -1}))
	defer db.Close()
	createTable(t, db, itemsDef)
	s := db.NewSession()
	ctx := context.Background()
	must(s.Insert(ctx, "items", Int(1), String("a")))
	must(s.Execute(ctx, CreateRestorePoint{Name: "p1"}))
	must(s.Insert(ctx, "items", Int(2), String("b")))

	// an uncommitted transaction is not part of the backup
	other := db.NewSession()
	ensure(other.Begin())
	must(other.Insert(ctx, "items", Int(3), String("c")))

	path := filepath.Join(dir, "backup.db")
	ensure(db.BackupFile(ctx, path))
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("** temporary backup file left behind: %v", err)
	}

	restored := must(Open(path, Options{IsTesting: true, AutoCommitDelay: -1}))
	defer restored.Close()
	cs := restored.NewSession()
	deepEqual(t, rows(t, cs, "items"), []string{"1:(1, 'a')", "2:(2, 'b')"})
	deepEqual(t, len(must(restored.RestorePoints())), 1)
	must(cs.Execute(ctx, RestoreToPoint{Name: "p1"}))
	deepEqual(t, rows(t, cs, "items"), []string{"1:(1, 'a')"})

	// the source is unaffected
	deepEqual(t, rows(t, s, "items"), []string{"1:(1, 'a')", "2:(2, 'b')"})
}

func TestDB_Backup(t *testing.T) {
	db := setup(t, Options{})
	createTable(t, db, itemsDef)
	must(db.NewSession().Insert(context.Background(), "items", Int(1), String("a")))

	var buf bytes.Buffer
	n := must(db.Backup(context.Background(), &buf))
	deepEqual(t, n, int64(buf.Len()))
	if n == 0 {
		t.Fatalf("** empty backup")
	}
	deepEqual(t, db.Store().HasPendingChanges(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.Backup(ctx, &buf)
	iserr(t, err, context.Canceled)
}

func TestDB_BackupFileFailure(t *testing.T) {
	db := setup(t, Options{})
	err := db.BackupFile(context.Background(), filepath.Join(t.TempDir(), "missing", "backup.db"))
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("** BackupFile err = %v, wanted a StoreError", err)
	}
}
