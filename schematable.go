package mvdb

import (
	"fmt"
	"strings"
)

const tableMapPrefix = "t/"

type Column struct {
	Name    string `msgpack:"n"`
	Type    Kind   `msgpack:"t"`
	NotNull bool   `msgpack:"nn,omitempty"`
	Unique  bool   `msgpack:"u,omitempty"`

	// OnUpdate is an SQL expression (e.g. NOW()) evaluated for this column
	// whenever an UPDATE changes the row without assigning the column.
	OnUpdate string `msgpack:"ou,omitempty"`
}

type TableDef struct {
	Name    string   `msgpack:"n"`
	Columns []Column `msgpack:"c"`

	// PrimaryKey names an integer column whose value is the row key.
	// Without one, keys are assigned sequentially.
	PrimaryKey string `msgpack:"pk,omitempty"`
}

// Table is a table definition prepared for execution.
type Table struct {
	def      TableDef
	mapName  string
	colIndex map[string]int
	pk       int
	onUpdate []Expression
}

func newTable(def TableDef) (*Table, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("table name is empty")
	}
	if len(def.Columns) == 0 {
		return nil, fmt.Errorf("table %s has no columns", def.Name)
	}
	tbl := &Table{
		def:      def,
		mapName:  tableMapPrefix + strings.ToLower(def.Name),
		colIndex: make(map[string]int, len(def.Columns)),
		pk:       -1,
		onUpdate: make([]Expression, len(def.Columns)),
	}
	for i, col := range def.Columns {
		lc := strings.ToLower(col.Name)
		if _, dup := tbl.colIndex[lc]; dup {
			return nil, fmt.Errorf("table %s: duplicate column %s", def.Name, col.Name)
		}
		if col.Type == KindNull || col.Type > KindTime {
			return nil, fmt.Errorf("table %s: column %s has invalid type %v", def.Name, col.Name, col.Type)
		}
		tbl.colIndex[lc] = i
	}
	if def.PrimaryKey != "" {
		i, ok := tbl.ColumnIndex(def.PrimaryKey)
		if !ok {
			return nil, fmt.Errorf("table %s: primary key %s is not a column", def.Name, def.PrimaryKey)
		}
		if def.Columns[i].Type != KindInt {
			return nil, fmt.Errorf("table %s: primary key %s must be an integer column", def.Name, def.PrimaryKey)
		}
		tbl.pk = i
	}
	sc := &scope{tables: []*Table{tbl}}
	for i, col := range def.Columns {
		if col.OnUpdate == "" {
			continue
		}
		e, err := ParseExpr(col.OnUpdate)
		if err != nil {
			return nil, fmt.Errorf("table %s: column %s: on update: %w", def.Name, col.Name, err)
		}
		if tbl.onUpdate[i], err = sc.bind(e); err != nil {
			return nil, fmt.Errorf("table %s: column %s: on update: %w", def.Name, col.Name, err)
		}
	}
	return tbl, nil
}

func (tbl *Table) Name() string {
	return tbl.def.Name
}

func (tbl *Table) Def() TableDef {
	return tbl.def
}

func (tbl *Table) Columns() []Column {
	return tbl.def.Columns
}

func (tbl *Table) ColumnIndex(name string) (int, bool) {
	i, ok := tbl.colIndex[strings.ToLower(name)]
	return i, ok
}

// PrimaryKey returns the index of the primary key column, or -1.
func (tbl *Table) PrimaryKey() int {
	return tbl.pk
}

func (tbl *Table) hasOnUpdate(col int) bool {
	return tbl.onUpdate[col] != nil
}

// convertRow coerces every value to its column type and enforces NOT NULL and
// the primary key. It modifies row in place.
func (tbl *Table) convertRow(row *Row) error {
	if len(row.Values) != len(tbl.def.Columns) {
		return rowErrf(tbl, row.Key, true, "", ErrConstraint, "%d values for %d columns", len(row.Values), len(tbl.def.Columns))
	}
	for i, col := range tbl.def.Columns {
		v, err := row.Values[i].ConvertTo(col.Type)
		if err != nil {
			return rowErrf(tbl, row.Key, true, col.Name, err, "")
		}
		if v.IsNull() && (col.NotNull || i == tbl.pk) {
			return rowErrf(tbl, row.Key, true, col.Name, ErrConstraint, "NULL not allowed")
		}
		row.Values[i] = v
	}
	if tbl.pk >= 0 && row.Values[tbl.pk].I != row.Key {
		return rowErrf(tbl, row.Key, true, tbl.def.Columns[tbl.pk].Name, ErrConstraint, "primary key value %d does not match row key", row.Values[tbl.pk].I)
	}
	return nil
}

func (tbl *Table) String() string {
	var buf strings.Builder
	buf.WriteString(tbl.def.Name)
	buf.WriteByte('(')
	for i, col := range tbl.def.Columns {
		if i > 0 {
			buf.WriteString(", ")
		}
		buf.WriteString(col.Name)
		buf.WriteByte(' ')
		buf.WriteString(col.Type.String())
		if i == tbl.pk {
			buf.WriteString(" PRIMARY KEY")
		} else if col.NotNull {
			buf.WriteString(" NOT NULL")
		}
		if col.Unique {
			buf.WriteString(" UNIQUE")
		}
		if col.OnUpdate != "" {
			buf.WriteString(" ON UPDATE ")
			buf.WriteString(col.OnUpdate)
		}
	}
	buf.WriteByte(')')
	return buf.String()
}
