package mvdb

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestValue_String(t *testing.T) {
	tests := []struct {
		v        Value
		expected string
	}{
		{Null(), "NULL"},
		{Bool(true), "TRUE"},
		{Bool(false), "FALSE"},
		{Int(-42), "-42"},
		{Float(1.5), "1.5"},
		{String("it's"), "'it''s'"},
		{Bytes([]byte{0xab, 0x01}), "X'ab01'"},
		{Time(time.Date(2024, 5, 1, 12, 30, 0, 500, time.UTC)), "TIMESTAMP '2024-05-01 12:30:00.0000005'"},
	}
	for _, tt := range tests {
		if a := tt.v.String(); a != tt.expected {
			t.Errorf("** %#v.String() = %q, wanted %q", tt.v, a, tt.expected)
		}
	}
}

func TestValue_Compare(t *testing.T) {
	tests := []struct {
		a, b Value
		cmp  int
		ok   bool
	}{
		{Int(1), Int(2), -1, true},
		{Int(2), Float(1.5), 1, true},
		{Float(2), Int(2), 0, true},
		{Bool(true), Int(1), 0, true},
		{String("a"), String("b"), -1, true},
		{String("10"), Int(9), 1, true},
		{Int(10), String("9"), 1, true},
		{Int(1), String("x"), 0, false},
		{Null(), Int(1), 0, false},
		{Null(), Null(), 0, false},
		{Time(time.Unix(10, 0)), String("1970-01-01T00:00:20Z"), -1, true},
		{Bytes([]byte("b")), Bytes([]byte("a")), 1, true},
	}
	for _, tt := range tests {
		cmp, ok := tt.a.Compare(tt.b)
		if cmp != tt.cmp || ok != tt.ok {
			t.Errorf("** %v.Compare(%v) = (%d, %v), wanted (%d, %v)", tt.a, tt.b, cmp, ok, tt.cmp, tt.ok)
		}
	}
}

func TestValue_Equal(t *testing.T) {
	deepEqual(t, Null().Equal(Null()), true)
	deepEqual(t, Int(1).Equal(Float(1)), false)
	deepEqual(t, Float(math.NaN()).Equal(Float(math.NaN())), true)
	deepEqual(t, Bytes([]byte("x")).Equal(Bytes([]byte("x"))), true)
	loc := time.FixedZone("X", 3600)
	ts := time.Date(2024, 1, 1, 13, 0, 0, 0, loc)
	deepEqual(t, Value{Kind: KindTime, T: ts}.Equal(Time(ts)), true)
}

func TestValue_ConvertTo(t *testing.T) {
	tests := []struct {
		v        Value
		k        Kind
		expected string
	}{
		{Int(1), KindBool, "TRUE"},
		{String("false"), KindBool, "FALSE"},
		{String(" 42 "), KindInt, "42"},
		{Float(3), KindInt, "3"},
		{Bool(true), KindInt, "1"},
		{Int(2), KindFloat, "2"},
		{String("2.5"), KindFloat, "2.5"},
		{Int(7), KindString, "'7'"},
		{Bool(false), KindString, "'FALSE'"},
		{Bytes([]byte("hi")), KindString, "'hi'"},
		{String("hi"), KindBytes, "X'6869'"},
		{String("2024-05-01"), KindTime, "TIMESTAMP '2024-05-01 00:00:00'"},
		{String("2024-05-01 10:11:12"), KindTime, "TIMESTAMP '2024-05-01 10:11:12'"},
		{Null(), KindInt, "NULL"},
	}
	for _, tt := range tests {
		a, err := tt.v.ConvertTo(tt.k)
		if err != nil {
			t.Errorf("** %v.ConvertTo(%v) failed: %v", tt.v, tt.k, err)
		} else if a.String() != tt.expected {
			t.Errorf("** %v.ConvertTo(%v) = %v, wanted %s", tt.v, tt.k, a, tt.expected)
		}
	}

	for _, tt := range []struct {
		v Value
		k Kind
	}{
		{Float(1.5), KindInt},
		{String("x"), KindInt},
		{String("maybe"), KindBool},
		{Int(1), KindTime},
		{Time(time.Unix(0, 0)), KindInt},
	} {
		_, err := tt.v.ConvertTo(tt.k)
		iserr(t, err, ErrConstraint)
	}
}

func TestParseKind(t *testing.T) {
	for s, k := range map[string]Kind{
		"int":       KindInt,
		"BIGINT":    KindInt,
		"varchar":   KindString,
		"Double":    KindFloat,
		"bool":      KindBool,
		"blob":      KindBytes,
		"timestamp": KindTime,
	} {
		deepEqual(t, must(ParseKind(s)), k)
	}
	_, err := ParseKind("decimal")
	if err == nil {
		t.Errorf("** ParseKind(decimal) succeeded")
	}
	deepEqual(t, KindTime.String(), "TIMESTAMP")
	deepEqual(t, Kind(99).String(), "invalid kind 99")
}

func TestRow_encoding(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	row := NewRow(5, Int(5), String("a"), Null(), Float(0.5), Bool(true), Bytes([]byte{1}), Time(ts))
	decoded := must(decodeRow(5, encodeRow(nil, row)))
	deepEqual(t, decoded.String(), row.String())
	deepEqual(t, decoded.SameValues(row), true)
	deepEqual(t, decoded.Values[6].T.Location(), time.UTC)

	_, err := decodeRow(5, []byte{0xc1})
	var de *DataError
	if !errors.As(err, &de) {
		t.Fatalf("** decodeRow err = %v, wanted a DataError", err)
	}
}

func TestRow_Clone(t *testing.T) {
	row := NewRow(1, Int(1), String("a"))
	row.Version = 7
	c := row.Clone()
	c.Values[1] = String("b")
	deepEqual(t, row.String(), "1:(1, 'a')")
	deepEqual(t, c.String(), "1:(1, 'b')")
	deepEqual(t, c.Version, uint64(7))
	deepEqual(t, row.SameValues(c), false)
	isnil(t, (*Row)(nil).Clone())
}
