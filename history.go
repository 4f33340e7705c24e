package mvdb

import (
	"context"
	"log/slog"
	"time"

	"github.com/andreyvit/mvdb/journal"
)

type HistoryOp string

const (
	HistoryCreate  HistoryOp = "create"
	HistoryRestore HistoryOp = "restore"
	HistoryDrop    HistoryOp = "drop"
)

// HistoryEvent is a restore point operation recorded in the history journal.
// The journal lives outside the store, so restoring never rewrites it.
type HistoryEvent struct {
	Op      HistoryOp `msgpack:"o"`
	Name    string    `msgpack:"n"`
	Version uint64    `msgpack:"v"`
	Time    time.Time `msgpack:"t"`
}

func (db *DB) recordHistory(ctx context.Context, op HistoryOp, name string, version uint64) {
	if db.history == nil {
		return
	}
	ev := HistoryEvent{Op: op, Name: name, Version: version, Time: db.now().UTC()}
	err := db.history.WriteRecord(0, encodeMsgpack(nil, &ev))
	if err == nil {
		err = db.history.Commit()
	}
	if err != nil {
		db.logger.LogAttrs(ctx, slog.LevelError, "mvdb: history write failed", slog.String("op", string(op)), slog.String("name", name), slog.Any("err", err))
	}
}

// History returns the recorded restore point events, oldest first. It
// returns nil when the database was opened without a HistoryDir.
func (db *DB) History() ([]HistoryEvent, error) {
	if db.history == nil {
		return nil, nil
	}
	var events []HistoryEvent
	err := db.history.ReadAll(func(rec journal.Record) error {
		var ev HistoryEvent
		if err := decodeMsgpack(rec.Data, &ev); err != nil {
			return err
		}
		events = append(events, ev)
		return nil
	})
	return events, err
}
