package mvdb

import (
	"context"
	"strconv"
)

// Statement is a command executed by Session.Execute. The set of statements
// is closed: CreateRestorePoint, RestoreToPoint, DropRestorePoint and *Update.
type Statement interface {
	exec(ctx context.Context, s *Session, cfg ExecConfig) (Result, error)
	String() string
}

// Result reports the outcome of a statement.
type Result struct {
	Affected int64

	// UpdatedKeys lists the keys of rows physically written, in visiting
	// order, when the statement asked for them.
	UpdatedKeys []int64
}

type CreateRestorePoint struct {
	Name string
}

type RestoreToPoint struct {
	Name string
}

type DropRestorePoint struct {
	Name string
}

var (
	_ Statement = CreateRestorePoint{}
	_ Statement = RestoreToPoint{}
	_ Statement = DropRestorePoint{}
	_ Statement = (*Update)(nil)
)

func (st CreateRestorePoint) exec(ctx context.Context, s *Session, _ ExecConfig) (Result, error) {
	return Result{}, s.db.createRestorePoint(ctx, s, st.Name)
}

func (st CreateRestorePoint) String() string {
	return "CREATE RESTORE POINT " + quoteIdent(st.Name)
}

func (st RestoreToPoint) exec(ctx context.Context, s *Session, _ ExecConfig) (Result, error) {
	return Result{}, s.db.restoreToPoint(ctx, s, st.Name)
}

func (st RestoreToPoint) String() string {
	return "RESTORE TO POINT " + quoteIdent(st.Name)
}

func (st DropRestorePoint) exec(ctx context.Context, s *Session, _ ExecConfig) (Result, error) {
	return Result{}, s.db.dropRestorePoint(ctx, st.Name)
}

func (st DropRestorePoint) String() string {
	return "DROP RESTORE POINT " + quoteIdent(st.Name)
}

func quoteIdent(name string) string {
	for _, c := range name {
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return strconv.Quote(name)
		}
	}
	if name == "" || name[0] >= '0' && name[0] <= '9' {
		return strconv.Quote(name)
	}
	return name
}
