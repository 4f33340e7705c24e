package mvdb

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrAlreadyExists            = errors.New("already exists")
	ErrNotFound                 = errors.New("not found")
	ErrExclusiveModeUnavailable = errors.New("exclusive mode unavailable: another session holds it")
	ErrDuplicateAssignment      = errors.New("column assigned more than once")
	ErrInternalInconsistency    = errors.New("internal inconsistency")
	ErrLockTimeout              = errors.New("row lock timeout")
	ErrTxTerminated             = errors.New("transaction already terminated")
	ErrConstraint               = errors.New("constraint violation")
	ErrUnknownTable             = errors.New("unknown table")
	ErrUnknownColumn            = errors.New("unknown column")
	ErrClosed                   = errors.New("database closed")
	ErrVersionReclaimed         = errors.New("version has been reclaimed")
	ErrStoreFailed              = errors.New("store failed")
)

// RestorePointError is returned by the restore point statements.
type RestorePointError struct {
	Op   string
	Name string
	Err  error
}

func (e *RestorePointError) Unwrap() error {
	return e.Err
}

func (e *RestorePointError) Error() string {
	return fmt.Sprintf("%s restore point %q: %v", e.Op, e.Name, e.Err)
}

// StoreError carries the file context of a failed persistence operation.
type StoreError struct {
	Path string
	Op   string
	Err  error
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("mvdb: %s %s: %v", e.Op, e.Path, e.Err)
}

type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// RowError describes a failure tied to a particular table, row or column.
type RowError struct {
	Table  string
	Key    int64
	HasKey bool
	Column string
	Msg    string
	Err    error
}

func rowErrf(tbl *Table, key int64, hasKey bool, col string, err error, format string, args ...any) error {
	var name string
	if tbl != nil {
		name = tbl.Name()
	}
	return &RowError{name, key, hasKey, col, fmt.Sprintf(format, args...), err}
}

func (e *RowError) Unwrap() error {
	return e.Err
}

func (e *RowError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Table)
	if e.HasKey {
		buf.WriteByte('/')
		buf.WriteString(strconv.FormatInt(e.Key, 10))
	}
	if e.Column != "" {
		buf.WriteByte('.')
		buf.WriteString(e.Column)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
		if e.Err != nil {
			buf.WriteString(": ")
			buf.WriteString(e.Err.Error())
		}
	} else if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

func inconsistencyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInternalInconsistency, fmt.Sprintf(format, args...))
}
