package mvdb

import "testing"

func TestChangeFlags_Contains(t *testing.T) {
	f := ChangeFlagIncludeRow
	if !f.Contains(ChangeFlagIncludeRow) || !f.ContainsAny(ChangeFlagIncludeRow|ChangeFlagIncludeOldRow) {
		t.Fatalf("Contains/ContainsAny returned unexpected values for %v", f)
	}
	if f.Contains(ChangeFlagIncludeOldRow) || f.ContainsAny(0) {
		t.Fatalf("Contains/ContainsAny returned unexpected values for %v", f)
	}

	if OpPut.String() != "put" || OpDelete.String() != "delete" || OpNone.String() != "none" {
		t.Fatalf("unexpected Op.String values")
	}
	if got := Op(999).String(); got == "put" || got == "delete" || got == "none" {
		t.Fatalf("unexpected Op(999).String() = %q", got)
	}
}

func TestChange_trimmed(t *testing.T) {
	tbl := must(newTable(itemsDef))
	chg := &Change{table: tbl, op: OpPut, key: 1, row: NewRow(1, Int(1), String("b")), oldRow: NewRow(1, Int(1), String("a"))}

	c := chg.trimmed(ChangeFlagIncludeOldRow)
	if c.HasRow() || !c.HasOldRow() || c.Table() != tbl || c.Key() != 1 || c.Op() != OpPut {
		t.Fatalf("trimmed(old row) = %+v", c)
	}
	c = chg.trimmed(ChangeFlagIncludeRow | ChangeFlagIncludeOldRow)
	if !c.HasRow() || !c.HasOldRow() {
		t.Fatalf("trimmed(all) = %+v", c)
	}
	deepEqual(t, c.String(), "put items/1")
}

func TestDeltaMode_String(t *testing.T) {
	deepEqual(t, DeltaOld.String(), "OLD")
	deepEqual(t, DeltaNew.String(), "NEW")
	deepEqual(t, DeltaFinal.String(), "FINAL")
	deepEqual(t, DeltaNone.String(), "none")
}
