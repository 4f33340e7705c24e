package mvdb

type TableStats struct {
	Name string
	Rows int

	// Keys counts version chains, including chains of deleted rows that
	// are still reachable from a restore point.
	Keys  int
	InUse int64
	Alloc int64
}

type Stats struct {
	Version             uint64
	OldestVersionToKeep uint64
	ReclaimedVersion    uint64
	PendingChanges      bool
	RestorePoints       int
	OpenTransactions    int
	ExclusiveSession    uint64

	Statements  uint64
	UpdatedRows uint64
	TxCommits   uint64
	CacheHits   uint64
	CacheMisses uint64

	Tables []TableStats
}

func (db *DB) Stats() (*Stats, error) {
	st := &Stats{
		Version:             db.store.CurrentVersion(),
		OldestVersionToKeep: db.store.OldestVersionToKeep(),
		ReclaimedVersion:    db.store.ReclaimedVersion(),
		PendingChanges:      db.store.HasPendingChanges(),
		OpenTransactions:    len(db.txs.OpenTransactions()),
		Statements:          db.StatementCount.Load(),
		UpdatedRows:         db.UpdatedRowCount.Load(),
		TxCommits:           db.TxCommitCount.Load(),
		CacheHits:           db.cache.hits.Load(),
		CacheMisses:         db.cache.misses.Load(),
	}
	if s := db.exclusive.ExclusiveSession(); s != nil {
		st.ExclusiveSession = s.ID()
	}
	points, err := db.RestorePoints()
	if err != nil {
		return nil, err
	}
	st.RestorePoints = len(points)

	for _, tbl := range db.Schema().Tables() {
		ts, err := db.TableStats(tbl)
		if err != nil {
			return nil, err
		}
		st.Tables = append(st.Tables, ts)
	}
	return st, nil
}

func (db *DB) TableStats(tbl *Table) (TableStats, error) {
	ms, err := db.store.MapStats(tbl.mapName)
	if err != nil {
		return TableStats{}, err
	}
	rows, err := db.committedRows(tbl)
	if err != nil {
		return TableStats{}, err
	}
	return TableStats{
		Name:  tbl.Name(),
		Rows:  len(rows),
		Keys:  ms.Keys,
		InUse: ms.InUse,
		Alloc: ms.Alloc,
	}, nil
}
