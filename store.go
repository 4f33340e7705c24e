package mvdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
)

const (
	metaBucket      = "meta"
	logBucket       = "log"
	mapBucketPrefix = "m/"
)

var (
	metaKeyVersion   = []byte("version")
	metaKeyReclaimed = []byte("reclaimed")
)

// Store is a versioned map-of-maps. Writes accumulate in a pending buffer and
// become durable, as one new version, on Commit. Every retained version can
// be read back with GetAt, and RollbackTo discards all versions newer than a
// given one.
//
// Buckets of the underlying storage:
//
//	meta        version, reclaimed
//	log         version (big-endian uint64) -> msgpack []logRecord touched by that version
//	m/<map>     key -> version chain (see encvalue.go)
type Store struct {
	backend storage
	path    string
	logger  *slog.Logger
	verbose bool

	lock sync.Mutex

	mu             sync.RWMutex
	currentVersion uint64
	horizon        uint64
	reclaimed      uint64
	pending        *btree.BTreeG[*pendingWrite]
	lastCommit     time.Time
	modCount       uint64
	failure        error
	closed         bool

	acMu    sync.Mutex
	acDelay time.Duration
	acStop  chan struct{}
	acDone  chan struct{}
}

// StoreWrite is a single put or delete in a named map.
type StoreWrite struct {
	Map    string
	Key    []byte
	Data   []byte
	Delete bool
}

type pendingWrite struct {
	mapName string
	key     string
	data    []byte
	deleted bool
}

func pendingLess(a, b *pendingWrite) bool {
	if a.mapName != b.mapName {
		return a.mapName < b.mapName
	}
	return a.key < b.key
}

type logRecord struct {
	Map string `msgpack:"m"`
	Key []byte `msgpack:"k"`
}

type storeOptions struct {
	Path            string
	Logger          *slog.Logger
	Verbose         bool
	AutoCommitDelay time.Duration
}

func openStore(backend storage, o storeOptions) (*Store, error) {
	s := &Store{
		backend:    backend,
		path:       o.Path,
		logger:     o.Logger,
		verbose:    o.Verbose,
		pending:    btree.NewG[*pendingWrite](32, pendingLess),
		lastCommit: time.Now(),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	err := s.update(func(tx storageTx) error {
		meta, err := tx.CreateBucket(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucket(logBucket); err != nil {
			return err
		}
		s.currentVersion, err = getMetaUint(meta, metaKeyVersion)
		if err != nil {
			return err
		}
		s.reclaimed, err = getMetaUint(meta, metaKeyReclaimed)
		return err
	})
	if err != nil {
		return nil, &StoreError{s.path, "open", err}
	}
	s.SetAutoCommitDelay(o.AutoCommitDelay)
	return s, nil
}

// Lock acquires the structural mutation gate and returns the function that
// releases it. The release function may be called more than once.
//
// Structural operations (restore point create/drop, rollback) hold the gate
// for their whole duration; background autocommit never runs while it is held.
func (s *Store) Lock() (unlock func()) {
	s.lock.Lock()
	var once sync.Once
	return func() {
		once.Do(s.lock.Unlock)
	}
}

func (s *Store) CurrentVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentVersion
}

// OldestVersionToKeep is the retention horizon; zero means no restriction
// beyond the current version.
func (s *Store) OldestVersionToKeep() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.horizon
}

func (s *Store) SetOldestVersionToKeep(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.horizon = v
}

func (s *Store) HasPendingChanges() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending.Len() > 0
}

// ModificationCount changes whenever data visible through the store may have
// changed, including rollbacks.
func (s *Store) ModificationCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.modCount
}

func (s *Store) checkLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.failure != nil {
		return fmt.Errorf("%w: %w", ErrStoreFailed, s.failure)
	}
	return nil
}

// fail marks the store unusable after an integrity error.
func (s *Store) fail(err error) error {
	if s.failure == nil {
		s.failure = err
		s.logger.LogAttrs(context.Background(), slog.LevelError, "mvdb: store failed", slog.String("path", s.path), slog.Any("err", err))
	}
	return err
}

func (s *Store) Put(mapName string, key, data []byte) error {
	return s.Apply(StoreWrite{Map: mapName, Key: key, Data: data})
}

func (s *Store) Delete(mapName string, key []byte) error {
	return s.Apply(StoreWrite{Map: mapName, Key: key, Delete: true})
}

// Apply adds all writes to the pending buffer at once, so that no commit can
// observe a part of them.
func (s *Store) Apply(writes ...StoreWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	for _, w := range writes {
		if s.verbose {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "mvdb: pending write", slog.String("map", w.Map), hexAttr("key", w.Key), slog.Bool("delete", w.Delete))
		}
		pw := &pendingWrite{mapName: w.Map, key: string(w.Key), deleted: w.Delete}
		if !w.Delete {
			pw.data = append([]byte{}, w.Data...)
		}
		s.pending.ReplaceOrInsert(pw)
	}
	s.modCount++
	return nil
}

// Discard drops the pending write for key, if any, so that the last committed
// value becomes visible again. Pending writes to other keys are kept.
func (s *Store) Discard(mapName string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending.Delete(&pendingWrite{mapName: mapName, key: string(key)}); ok {
		s.modCount++
	}
}

// Get returns the latest value of key, including uncommitted pending writes.
func (s *Store) Get(mapName string, key []byte) ([]byte, bool, error) {
	data, _, ok, err := s.GetVersioned(mapName, key)
	return data, ok, err
}

// GetVersioned is Get that also returns the version which wrote the value,
// or zero for a value that is still pending.
func (s *Store) GetVersioned(mapName string, key []byte) ([]byte, uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return nil, 0, false, err
	}
	if pw, ok := s.pending.Get(&pendingWrite{mapName: mapName, key: string(key)}); ok {
		if pw.deleted {
			return nil, 0, false, nil
		}
		return pw.data, 0, true, nil
	}
	c, err := s.readChain(mapName, key)
	if err != nil {
		return nil, 0, false, err
	}
	e := c.latest()
	if e == nil || e.Deleted {
		return nil, 0, false, nil
	}
	return e.Data, e.Version, true, nil
}

// GetAt returns the value key had as of committed version v.
func (s *Store) GetAt(mapName string, key []byte, v uint64) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return nil, false, err
	}
	if v > s.currentVersion {
		return nil, false, fmt.Errorf("%w: version %d (current is %d)", ErrNotFound, v, s.currentVersion)
	}
	if v < s.reclaimed {
		return nil, false, fmt.Errorf("%w: version %d (reclaimed below %d)", ErrVersionReclaimed, v, s.reclaimed)
	}
	c, err := s.readChain(mapName, key)
	if err != nil {
		return nil, false, err
	}
	e := c.at(v)
	if e == nil || e.Deleted {
		return nil, false, nil
	}
	return e.Data, true, nil
}

func (s *Store) readChain(mapName string, key []byte) (chain, error) {
	var c chain
	err := s.view(func(tx storageTx) error {
		b := tx.Bucket(mapBucketPrefix + mapName)
		if b == nil {
			return nil
		}
		raw := b.Get(key)
		if raw == nil {
			return nil
		}
		var err error
		c, err = decodeChain(raw)
		return err
	})
	return c, err
}

// Scan calls fn for every live key of the map in key order, with pending
// writes overlaid on the latest committed version. version is the one that
// wrote the value, zero for pending values. fn returns false to stop.
// fn must not call back into the store.
func (s *Store) Scan(mapName string, fn func(key, data []byte, version uint64) bool) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return err
	}

	var pend []*pendingWrite
	s.pending.AscendGreaterOrEqual(&pendingWrite{mapName: mapName}, func(pw *pendingWrite) bool {
		if pw.mapName != mapName {
			return false
		}
		pend = append(pend, pw)
		return true
	})

	return s.view(func(tx storageTx) error {
		var c storageCursor
		var k, v []byte
		if b := tx.Bucket(mapBucketPrefix + mapName); b != nil {
			c = b.Cursor()
			k, v = c.First()
		}
		i := 0
		for k != nil || i < len(pend) {
			if i < len(pend) && (k == nil || pend[i].key <= string(k)) {
				pw := pend[i]
				i++
				if k != nil && pw.key == string(k) {
					k, v = c.Next()
				}
				if pw.deleted {
					continue
				}
				if !fn([]byte(pw.key), pw.data, 0) {
					return nil
				}
				continue
			}
			ch, err := decodeChain(v)
			if err != nil {
				return err
			}
			if e := ch.latest(); e != nil && !e.Deleted {
				if !fn(append([]byte(nil), k...), e.Data, e.Version) {
					return nil
				}
			}
			k, v = c.Next()
		}
		return nil
	})
}

// Commit durably persists all pending writes as version CurrentVersion()+1.
// With nothing pending, it returns the current version and writes nothing.
func (s *Store) Commit() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked()
}

func (s *Store) commitLocked() (uint64, error) {
	if err := s.checkLocked(); err != nil {
		return s.currentVersion, err
	}
	if s.pending.Len() == 0 {
		return s.currentVersion, nil
	}
	v := s.currentVersion + 1
	n := s.pending.Len()
	err := s.update(func(tx storageTx) error {
		log := make([]logRecord, 0, n)
		var err error
		s.pending.Ascend(func(pw *pendingWrite) bool {
			var touched bool
			touched, err = persistWrite(tx, v, pw)
			if touched {
				log = append(log, logRecord{Map: pw.mapName, Key: []byte(pw.key)})
			}
			return err == nil
		})
		if err != nil {
			return err
		}
		if err := tx.Bucket(logBucket).Put(appendVersionKey(nil, v), encodeMsgpack(nil, log)); err != nil {
			return err
		}
		return putMetaUint(tx.Bucket(metaBucket), metaKeyVersion, v)
	})
	if err != nil {
		return s.currentVersion, &StoreError{s.path, "commit", err}
	}
	s.pending.Clear(false)
	s.currentVersion = v
	s.lastCommit = time.Now()
	s.modCount++
	if s.verbose {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "mvdb: commit", slog.Uint64("version", v), slog.Int("writes", n))
	}
	return v, nil
}

func persistWrite(tx storageTx, v uint64, pw *pendingWrite) (bool, error) {
	b, err := tx.CreateBucket(mapBucketPrefix + pw.mapName)
	if err != nil {
		return false, err
	}
	key := []byte(pw.key)
	var c chain
	if raw := b.Get(key); raw != nil {
		c, err = decodeChain(raw)
		if err != nil {
			return false, err
		}
	}
	if pw.deleted {
		if e := c.latest(); e == nil || e.Deleted {
			return false, nil
		}
	}
	c = c.push(versionEntry{Version: v, Deleted: pw.deleted, Data: pw.data})
	return true, b.Put(key, c.appendEncoded(nil))
}

// RollbackTo discards pending writes and every version newer than v.
// Rolling back to the current version only discards pending writes, so a
// repeated call is a no-op. A target below the reclaimed floor is an
// integrity error that fails the store.
func (s *Store) RollbackTo(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return err
	}
	if v > s.currentVersion {
		return inconsistencyf("rollback to unknown version %d, current is %d", v, s.currentVersion)
	}
	if v != 0 && v < s.reclaimed {
		return s.fail(inconsistencyf("rollback to version %d predates retention horizon %d", v, s.reclaimed))
	}
	if s.pending.Len() > 0 {
		s.pending.Clear(false)
		s.modCount++
	}
	if v == s.currentVersion {
		return nil
	}

	var err error
	if v == 0 {
		err = s.update(clearStorage)
	} else {
		err = s.update(func(tx storageTx) error {
			return rollbackStorage(tx, v)
		})
	}
	if err != nil {
		return &StoreError{s.path, "rollback", err}
	}
	if v == 0 {
		s.reclaimed = 0
	}
	s.currentVersion = v
	s.modCount++
	s.logger.LogAttrs(context.Background(), slog.LevelInfo, "mvdb: rolled back", slog.String("path", s.path), slog.Uint64("version", v))
	return nil
}

func rollbackStorage(tx storageTx, v uint64) error {
	lb := tx.Bucket(logBucket)
	type mapKey struct {
		m string
		k string
	}
	touched := make(map[mapKey]struct{})
	var versions [][]byte

	c := lb.Cursor()
	for k, raw := c.Seek(appendVersionKey(nil, v+1)); k != nil; k, raw = c.Next() {
		var recs []logRecord
		if err := decodeMsgpack(raw, &recs); err != nil {
			return err
		}
		for _, r := range recs {
			touched[mapKey{r.Map, string(r.Key)}] = struct{}{}
		}
		versions = append(versions, append([]byte(nil), k...))
	}

	for mk := range touched {
		b := tx.Bucket(mapBucketPrefix + mk.m)
		if b == nil {
			return inconsistencyf("version log references missing map %q", mk.m)
		}
		key := []byte(mk.k)
		raw := b.Get(key)
		if raw == nil {
			continue
		}
		ch, err := decodeChain(raw)
		if err != nil {
			return err
		}
		ch = ch.truncateAfter(v)
		if len(ch) == 0 {
			err = b.Delete(key)
		} else {
			err = b.Put(key, ch.appendEncoded(nil))
		}
		if err != nil {
			return err
		}
	}
	for _, k := range versions {
		if err := lb.Delete(k); err != nil {
			return err
		}
	}
	return putMetaUint(tx.Bucket(metaBucket), metaKeyVersion, v)
}

func clearStorage(tx storageTx) error {
	for _, name := range tx.BucketNames() {
		if strings.HasPrefix(name, mapBucketPrefix) || name == logBucket {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
	}
	if _, err := tx.CreateBucket(logBucket); err != nil {
		return err
	}
	meta := tx.Bucket(metaBucket)
	if err := putMetaUint(meta, metaKeyVersion, 0); err != nil {
		return err
	}
	return putMetaUint(meta, metaKeyReclaimed, 0)
}

// Compact physically reclaims versions that can no longer be read or rolled
// back to: everything below the retention horizon (or below the current
// version when no horizon is set). It returns the number of dropped entries.
func (s *Store) Compact() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(); err != nil {
		return 0, err
	}
	floor := s.currentVersion
	if s.horizon != 0 && s.horizon < floor {
		floor = s.horizon
	}
	if floor <= s.reclaimed {
		return 0, nil
	}

	var dropped int
	err := s.update(func(tx storageTx) error {
		dropped = 0
		for _, name := range tx.BucketNames() {
			if !strings.HasPrefix(name, mapBucketPrefix) {
				continue
			}
			n, err := reclaimBucket(tx.Bucket(name), floor)
			if err != nil {
				return err
			}
			dropped += n
		}

		lb := tx.Bucket(logBucket)
		var old [][]byte
		c := lb.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			v, err := decodeVersionKey(k)
			if err != nil {
				return err
			}
			if v > floor {
				break
			}
			old = append(old, append([]byte(nil), k...))
		}
		for _, k := range old {
			if err := lb.Delete(k); err != nil {
				return err
			}
		}
		return putMetaUint(tx.Bucket(metaBucket), metaKeyReclaimed, floor)
	})
	if err != nil {
		return 0, &StoreError{s.path, "compact", err}
	}
	s.reclaimed = floor
	return dropped, nil
}

func reclaimBucket(b storageBucket, floor uint64) (int, error) {
	type update struct {
		key []byte
		ch  chain
	}
	var updates []update
	var dropped int
	c := b.Cursor()
	for k, raw := c.First(); k != nil; k, raw = c.Next() {
		ch, err := decodeChain(raw)
		if err != nil {
			return 0, err
		}
		ch2, n := ch.reclaimBelow(floor)
		if n > 0 {
			updates = append(updates, update{append([]byte(nil), k...), ch2})
			dropped += n
		}
	}
	for _, u := range updates {
		var err error
		if len(u.ch) == 0 {
			err = b.Delete(u.key)
		} else {
			err = b.Put(u.key, u.ch.appendEncoded(nil))
		}
		if err != nil {
			return 0, err
		}
	}
	return dropped, nil
}

// MapStats describes the persisted part of one map.
type MapStats struct {
	Keys  int
	InUse int64
	Alloc int64
}

func (s *Store) MapStats(mapName string) (MapStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return MapStats{}, err
	}
	var ms MapStats
	err := s.view(func(tx storageTx) error {
		b := tx.Bucket(mapBucketPrefix + mapName)
		if b == nil {
			return nil
		}
		bs := b.Stats()
		ms = MapStats{Keys: bs.KeyN, InUse: bs.LeafInuse, Alloc: bs.TotalAlloc()}
		return nil
	})
	return ms, err
}

// WriteTo writes a consistent image of the committed state to w. Pending
// writes are not included; callers commit first.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkLocked(); err != nil {
		return 0, err
	}
	var n int64
	err := s.view(func(tx storageTx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	if err != nil {
		return n, &StoreError{s.path, "backup", err}
	}
	return n, nil
}

// ReclaimedVersion returns the floor below which versions have been reclaimed.
func (s *Store) ReclaimedVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reclaimed
}

func (s *Store) view(f func(tx storageTx) error) error {
	tx, err := s.backend.BeginTx(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	return f(tx)
}

func (s *Store) update(f func(tx storageTx) error) error {
	tx, err := s.backend.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := f(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Close stops autocommit, commits pending writes and closes the backend.
func (s *Store) Close() error {
	s.SetAutoCommitDelay(0)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var errs []error
	if s.failure == nil {
		if _, err := s.commitLocked(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closed = true
	if err := s.backend.Close(); err != nil {
		errs = append(errs, &StoreError{s.path, "close", err})
	}
	return errors.Join(errs...)
}

func getMetaUint(meta storageBucket, key []byte) (uint64, error) {
	raw := meta.Get(key)
	if raw == nil {
		return 0, nil
	}
	return decodeVersionKey(raw)
}

func putMetaUint(meta storageBucket, key []byte, v uint64) error {
	return meta.Put(key, appendVersionKey(nil, v))
}
