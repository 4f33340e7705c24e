package mvdb

import (
	"errors"
	"strings"
	"testing"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, 1, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) {
			t.Fatalf("errors.Is(err, inner) = false, wanted true")
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, 0, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
	})
}

func TestRowError_ErrorAndUnwrap(t *testing.T) {
	tbl := must(newTable(itemsDef))

	err := rowErrf(tbl, 42, true, "v", ErrConstraint, "bad value %d", 1)
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("errors.Is(err, ErrConstraint) = false, wanted true")
	}
	deepEqual(t, err.Error(), "items/42.v: bad value 1: constraint violation")

	err = rowErrf(tbl, 0, false, "v", ErrDuplicateAssignment, "")
	deepEqual(t, err.Error(), "items.v: column assigned more than once")

	err = rowErrf(nil, 7, true, "", nil, "gone")
	deepEqual(t, err.Error(), "/7: gone")
}

func TestRestorePointError(t *testing.T) {
	err := error(&RestorePointError{"create", "p1", ErrAlreadyExists})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("errors.Is(err, ErrAlreadyExists) = false, wanted true")
	}
	deepEqual(t, err.Error(), `create restore point "p1": already exists`)

	var rpe *RestorePointError
	if !errors.As(err, &rpe) || rpe.Op != "create" || rpe.Name != "p1" {
		t.Fatalf("errors.As = %+v, wanted create p1", rpe)
	}
}

func TestStoreError(t *testing.T) {
	inner := errors.New("disk full")
	err := error(&StoreError{"/tmp/x.db", "commit", inner})
	if !errors.Is(err, inner) {
		t.Fatalf("errors.Is(err, inner) = false, wanted true")
	}
	deepEqual(t, err.Error(), "mvdb: commit /tmp/x.db: disk full")
}

func TestInconsistency(t *testing.T) {
	err := inconsistencyf("chain of %s", "k")
	if !errors.Is(err, ErrInternalInconsistency) {
		t.Fatalf("errors.Is(err, ErrInternalInconsistency) = false, wanted true")
	}
	deepEqual(t, err.Error(), "internal inconsistency: chain of k")
}
