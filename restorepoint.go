package mvdb

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
)

const restorePointsMap = "restorepoints"

// RestorePoint is a named, durable reference to a store version.
type RestorePoint struct {
	Name      string    `msgpack:"n"`
	CreatedAt time.Time `msgpack:"c"`
	Version   uint64    `msgpack:"v"`

	// OldestVersionToKeep is the retention horizon in effect when the point
	// was created.
	OldestVersionToKeep uint64 `msgpack:"h"`
}

func restorePointKey(name string) []byte {
	return []byte(name)
}

func findRestorePoint(store *Store, name string) (*RestorePoint, error) {
	data, ok, err := store.Get(restorePointsMap, restorePointKey(name))
	if err != nil || !ok {
		return nil, err
	}
	rp := new(RestorePoint)
	if err := decodeMsgpack(data, rp); err != nil {
		return nil, err
	}
	return rp, nil
}

// listRestorePoints returns the registered points ordered by version.
func listRestorePoints(store *Store) ([]*RestorePoint, error) {
	var points []*RestorePoint
	var failure error
	err := store.Scan(restorePointsMap, func(_, data []byte, _ uint64) bool {
		rp := new(RestorePoint)
		if failure = decodeMsgpack(data, rp); failure != nil {
			return false
		}
		points = append(points, rp)
		return true
	})
	if err == nil {
		err = failure
	}
	if err != nil {
		return nil, err
	}
	slices.SortFunc(points, func(a, b *RestorePoint) int {
		return cmp.Or(cmp.Compare(a.Version, b.Version), strings.Compare(a.Name, b.Name))
	})
	return points, nil
}

// oldestVersion returns the minimum version across points, which
// listRestorePoints orders by version.
func oldestVersion(points []*RestorePoint) (uint64, bool) {
	if len(points) == 0 {
		return 0, false
	}
	return points[0].Version, true
}

// checkRestorable rejects a point whose version has been compacted away.
func checkRestorable(store *Store, rp *RestorePoint) error {
	if r := store.ReclaimedVersion(); rp.Version < r {
		return fmt.Errorf("%w: restore point version %d (reclaimed below %d)", ErrVersionReclaimed, rp.Version, r)
	}
	return nil
}

// RestorePoints lists the registered restore points ordered by version.
func (db *DB) RestorePoints() ([]*RestorePoint, error) {
	return listRestorePoints(db.store)
}

func (db *DB) createRestorePoint(ctx context.Context, s *Session, name string) error {
	unlock := db.store.Lock()
	defer unlock()
	resume := db.store.SuspendAutoCommit()
	defer resume()

	fail := func(err error) error {
		return &RestorePointError{"create", name, err}
	}

	points, err := listRestorePoints(db.store)
	if err != nil {
		return fail(err)
	}
	for _, rp := range points {
		if rp.Name == name {
			return fail(ErrAlreadyExists)
		}
	}

	if err := s.flush(); err != nil {
		return fail(err)
	}

	v := db.store.CurrentVersion() + 1
	horizon := v
	if existingMin, ok := oldestVersion(points); ok {
		horizon = min(existingMin, v)
	}
	rp := &RestorePoint{
		Name:                name,
		CreatedAt:           db.now().UTC(),
		Version:             v,
		OldestVersionToKeep: horizon,
	}

	key := restorePointKey(name)
	if err := db.store.Put(restorePointsMap, key, encodeMsgpack(nil, rp)); err != nil {
		return fail(err)
	}
	committed, err := db.store.Commit()
	if err != nil {
		db.store.Discard(restorePointsMap, key)
		return fail(err)
	}
	if committed != v {
		// durable under the wrong version, take it back out
		if err := db.store.Delete(restorePointsMap, key); err == nil {
			if _, err := db.store.Commit(); err != nil {
				db.store.Discard(restorePointsMap, key)
			}
		}
		return fail(inconsistencyf("restore point committed as version %d, expected %d", committed, v))
	}
	db.store.SetOldestVersionToKeep(rp.OldestVersionToKeep)
	db.invalidateCaches()

	db.logger.LogAttrs(ctx, slog.LevelInfo, "mvdb: restore point created", slog.String("name", name), slog.Uint64("version", v), slog.Uint64("horizon", rp.OldestVersionToKeep))
	db.recordHistory(ctx, HistoryCreate, name, v)
	return nil
}

func (db *DB) restoreToPoint(ctx context.Context, s *Session, name string) error {
	fail := func(err error) error {
		return &RestorePointError{"restore", name, err}
	}

	if !db.exclusive.SetExclusiveSession(s, true) {
		return fail(ErrExclusiveModeUnavailable)
	}
	defer db.exclusive.UnsetExclusiveSession(s)

	rp, err := findRestorePoint(db.store, name)
	if err != nil {
		return fail(err)
	}
	if rp == nil {
		return fail(ErrNotFound)
	}
	if err := checkRestorable(db.store, rp); err != nil {
		return fail(err)
	}

	if err := s.Rollback(); err != nil {
		return fail(err)
	}

	db.stmtGate.Lock()
	defer db.stmtGate.Unlock()
	unlock := db.store.Lock()
	defer unlock()
	resume := db.store.SuspendAutoCommit()
	defer resume()

	// a concurrent drop may have won the race for the store lock
	rp, err = findRestorePoint(db.store, name)
	if err != nil {
		return fail(err)
	}
	if rp == nil {
		return fail(ErrNotFound)
	}
	if err := checkRestorable(db.store, rp); err != nil {
		return fail(err)
	}

	if err := db.store.RollbackTo(rp.Version); err != nil {
		return fail(err)
	}
	if err := db.txs.Reinit(); err != nil {
		return fail(err)
	}
	n, err := db.txs.EndLeftoverTransactions()
	if err != nil {
		return fail(err)
	}
	if err := db.bootstrapLocked(); err != nil {
		return fail(err)
	}
	if _, err := db.store.Commit(); err != nil {
		return fail(err)
	}
	db.invalidateCaches()

	db.logger.LogAttrs(ctx, slog.LevelInfo, "mvdb: restored to point", slog.String("name", name), slog.Uint64("version", rp.Version), slog.Int("leftover_txns", n))
	db.recordHistory(ctx, HistoryRestore, name, rp.Version)
	return nil
}

func (db *DB) dropRestorePoint(ctx context.Context, name string) error {
	unlock := db.store.Lock()
	defer unlock()

	fail := func(err error) error {
		return &RestorePointError{"drop", name, err}
	}

	rp, err := findRestorePoint(db.store, name)
	if err != nil {
		return fail(err)
	}
	if rp == nil {
		return fail(ErrNotFound)
	}
	key := restorePointKey(name)
	if err := db.store.Delete(restorePointsMap, key); err != nil {
		return fail(err)
	}
	points, err := listRestorePoints(db.store)
	if err == nil {
		_, err = db.store.Commit()
	}
	if err != nil {
		db.store.Discard(restorePointsMap, key)
		return fail(err)
	}
	horizon, _ := oldestVersion(points)
	db.store.SetOldestVersionToKeep(horizon)
	db.invalidateCaches()

	db.logger.LogAttrs(ctx, slog.LevelInfo, "mvdb: restore point dropped", slog.String("name", name), slog.Uint64("version", rp.Version))
	db.recordHistory(ctx, HistoryDrop, name, rp.Version)
	return nil
}
