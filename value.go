package mvdb

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindTime
)

var kindNames = [...]string{
	KindNull:   "NULL",
	KindBool:   "BOOLEAN",
	KindInt:    "BIGINT",
	KindFloat:  "DOUBLE",
	KindString: "VARCHAR",
	KindBytes:  "VARBINARY",
	KindTime:   "TIMESTAMP",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("invalid kind %d", int(k))
}

// ParseKind accepts the SQL type names used in table definitions.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(s) {
	case "BOOLEAN", "BOOL":
		return KindBool, nil
	case "INT", "INTEGER", "BIGINT", "SMALLINT":
		return KindInt, nil
	case "DOUBLE", "FLOAT", "REAL":
		return KindFloat, nil
	case "VARCHAR", "TEXT", "CHAR", "STRING":
		return KindString, nil
	case "VARBINARY", "BINARY", "BLOB", "BYTES":
		return KindBytes, nil
	case "TIMESTAMP", "DATETIME":
		return KindTime, nil
	default:
		return KindNull, fmt.Errorf("unknown type %q", s)
	}
}

// Value is a typed SQL value. The zero Value is NULL.
type Value struct {
	Kind Kind      `msgpack:"k"`
	I    int64     `msgpack:"i,omitempty"`
	F    float64   `msgpack:"f,omitempty"`
	S    string    `msgpack:"s,omitempty"`
	B    []byte    `msgpack:"b,omitempty"`
	T    time.Time `msgpack:"t,omitempty"`
}

func Null() Value            { return Value{} }
func Int(v int64) Value      { return Value{Kind: KindInt, I: v} }
func Float(v float64) Value  { return Value{Kind: KindFloat, F: v} }
func String(v string) Value  { return Value{Kind: KindString, S: v} }
func Bytes(v []byte) Value   { return Value{Kind: KindBytes, B: v} }
func Time(v time.Time) Value { return Value{Kind: KindTime, T: v.UTC()} }

func Bool(v bool) Value {
	if v {
		return Value{Kind: KindBool, I: 1}
	}
	return Value{Kind: KindBool}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) Bool() bool { return v.Kind == KindBool && v.I != 0 }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindBool:
		if v.I != 0 {
			return "TRUE"
		}
		return "FALSE"
	case KindInt:
		return strconv.FormatInt(v.I, 10)
	case KindFloat:
		return strconv.FormatFloat(v.F, 'g', -1, 64)
	case KindString:
		return "'" + strings.ReplaceAll(v.S, "'", "''") + "'"
	case KindBytes:
		return fmt.Sprintf("X'%x'", v.B)
	case KindTime:
		return "TIMESTAMP '" + v.T.Format("2006-01-02 15:04:05.999999999") + "'"
	default:
		return v.Kind.String()
	}
}

// Equal reports whether v and o hold the same value of the same kind.
// Two NULLs are equal here, which is what row comparison needs.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBool, KindInt:
		return v.I == o.I
	case KindFloat:
		return v.F == o.F || (math.IsNaN(v.F) && math.IsNaN(o.F))
	case KindString:
		return v.S == o.S
	case KindBytes:
		return bytes.Equal(v.B, o.B)
	case KindTime:
		return v.T.Equal(o.T)
	default:
		return false
	}
}

// Compare orders two non-NULL values, converting numerics as needed.
// ok is false when the values are not comparable (including NULL).
func (v Value) Compare(o Value) (cmp int, ok bool) {
	if v.Kind == KindNull || o.Kind == KindNull {
		return 0, false
	}
	if v.isNumeric() && o.isNumeric() {
		if v.Kind == KindFloat || o.Kind == KindFloat {
			a, b := v.float(), o.float()
			switch {
			case a < b:
				return -1, true
			case a > b:
				return 1, true
			default:
				return 0, true
			}
		}
		switch {
		case v.I < o.I:
			return -1, true
		case v.I > o.I:
			return 1, true
		default:
			return 0, true
		}
	}
	if v.Kind != o.Kind {
		// mixed comparisons are numeric when one side is a number
		if o.isNumeric() {
			c, ok := o.Compare(v)
			return -c, ok
		}
		c, err := o.ConvertTo(v.Kind)
		if err != nil {
			return 0, false
		}
		if c.isNumeric() {
			return v.Compare(c)
		}
		o = c
	}
	switch v.Kind {
	case KindString:
		return strings.Compare(v.S, o.S), true
	case KindBytes:
		return bytes.Compare(v.B, o.B), true
	case KindTime:
		return v.T.Compare(o.T), true
	default:
		return 0, false
	}
}

func (v Value) isNumeric() bool {
	return v.Kind == KindInt || v.Kind == KindFloat || v.Kind == KindBool
}

func (v Value) float() float64 {
	if v.Kind == KindFloat {
		return v.F
	}
	return float64(v.I)
}

// ConvertTo coerces v to kind k. NULL converts to NULL of any kind.
func (v Value) ConvertTo(k Kind) (Value, error) {
	if v.Kind == k || v.Kind == KindNull {
		return v, nil
	}
	bad := func() (Value, error) {
		return Value{}, fmt.Errorf("%w: cannot convert %s to %s", ErrConstraint, v, k)
	}
	switch k {
	case KindBool:
		switch v.Kind {
		case KindInt:
			return Bool(v.I != 0), nil
		case KindString:
			switch strings.ToUpper(v.S) {
			case "TRUE", "1":
				return Bool(true), nil
			case "FALSE", "0":
				return Bool(false), nil
			}
		}
	case KindInt:
		switch v.Kind {
		case KindBool:
			return Int(v.I), nil
		case KindFloat:
			if v.F != math.Trunc(v.F) || v.F > math.MaxInt64 || v.F < math.MinInt64 {
				return bad()
			}
			return Int(int64(v.F)), nil
		case KindString:
			i, err := strconv.ParseInt(strings.TrimSpace(v.S), 10, 64)
			if err == nil {
				return Int(i), nil
			}
		}
	case KindFloat:
		switch v.Kind {
		case KindBool, KindInt:
			return Float(float64(v.I)), nil
		case KindString:
			f, err := strconv.ParseFloat(strings.TrimSpace(v.S), 64)
			if err == nil {
				return Float(f), nil
			}
		}
	case KindString:
		switch v.Kind {
		case KindInt:
			return String(strconv.FormatInt(v.I, 10)), nil
		case KindFloat:
			return String(strconv.FormatFloat(v.F, 'g', -1, 64)), nil
		case KindBool:
			return String(strings.Trim(v.String(), "'")), nil
		case KindBytes:
			return String(string(v.B)), nil
		case KindTime:
			return String(v.T.Format(time.RFC3339Nano)), nil
		}
	case KindBytes:
		if v.Kind == KindString {
			return Bytes([]byte(v.S)), nil
		}
	case KindTime:
		if v.Kind == KindString {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02"} {
				if t, err := time.Parse(layout, v.S); err == nil {
					return Time(t), nil
				}
			}
		}
	}
	return bad()
}

// Row is one table row. Version is the store version the row was read at
// (zero for rows that exist only in a transaction's write set).
type Row struct {
	Key     int64
	Values  []Value
	Version uint64
}

func NewRow(key int64, values ...Value) *Row {
	return &Row{Key: key, Values: values}
}

func (r *Row) Clone() *Row {
	if r == nil {
		return nil
	}
	c := &Row{Key: r.Key, Version: r.Version, Values: make([]Value, len(r.Values))}
	copy(c.Values, r.Values)
	return c
}

// SameValues reports whether both rows hold equal values in every column.
func (r *Row) SameValues(o *Row) bool {
	if len(r.Values) != len(o.Values) {
		return false
	}
	for i := range r.Values {
		if !r.Values[i].Equal(o.Values[i]) {
			return false
		}
	}
	return true
}

func (r *Row) String() string {
	var buf strings.Builder
	buf.WriteString(strconv.FormatInt(r.Key, 10))
	buf.WriteString(":(")
	for i, v := range r.Values {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(v.String())
	}
	buf.WriteByte(')')
	return buf.String()
}

func encodeRow(buf []byte, r *Row) []byte {
	return encodeMsgpack(buf, r.Values)
}

func decodeRow(key int64, data []byte) (*Row, error) {
	r := &Row{Key: key}
	if err := decodeMsgpack(data, &r.Values); err != nil {
		return nil, err
	}
	// msgpack decodes timestamps in the local zone
	for i, v := range r.Values {
		if v.Kind == KindTime {
			r.Values[i].T = v.T.UTC()
		}
	}
	return r, nil
}
