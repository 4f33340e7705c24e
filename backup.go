package mvdb

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/andreyvit/mvdb/fsync"
)

// Backup commits pending writes and copies a consistent image of the store
// to w while holding the store lock. For a file database the image is a
// complete database file that Open accepts.
func (db *DB) Backup(ctx context.Context, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	unlock := db.store.Lock()
	defer unlock()
	if _, err := db.store.Commit(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return db.store.WriteTo(w)
}

// BackupFile writes a backup to path atomically: a partially written
// backup never appears under path.
func (db *DB) BackupFile(ctx context.Context, path string) (err error) {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o666)
	if err != nil {
		return &StoreError{path, "backup", err}
	}
	ok := false
	defer func() {
		if !ok {
			f.Close()
			os.Remove(tmp)
		}
	}()

	n, err := db.Backup(ctx, f)
	if err != nil {
		return err
	}
	if err := fsync.Fdatasync(f); err != nil {
		return &StoreError{tmp, "backup", err}
	}
	if err := f.Close(); err != nil {
		return &StoreError{tmp, "backup", err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &StoreError{path, "backup", err}
	}
	ok = true
	if err := fsync.Dir(filepath.Dir(path)); err != nil {
		return &StoreError{path, "backup", err}
	}
	db.logger.LogAttrs(ctx, slog.LevelInfo, "mvdb: backup written", slog.String("path", path), slog.Int64("size", n))
	return nil
}
