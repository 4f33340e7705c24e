package mvdb

import (
	"fmt"
	"slices"
	"strings"
)

const catalogMap = "catalog"

// Schema is an immutable snapshot of the table catalog. The catalog lives in
// the versioned "catalog" map, so a rollback rolls DDL back too; the DB swaps
// in a freshly loaded Schema after every catalog change.
type Schema struct {
	tables            []*Table
	tablesByLowerName map[string]*Table
}

func newSchema(tables []*Table) *Schema {
	scm := &Schema{
		tables:            tables,
		tablesByLowerName: make(map[string]*Table, len(tables)),
	}
	slices.SortFunc(scm.tables, func(a, b *Table) int {
		return strings.Compare(a.mapName, b.mapName)
	})
	for _, tbl := range tables {
		scm.tablesByLowerName[strings.ToLower(tbl.Name())] = tbl
	}
	return scm
}

func (scm *Schema) Tables() []*Table {
	return append([]*Table(nil), scm.tables...)
}

// TableNamed returns nil if there is no such table.
func (scm *Schema) TableNamed(name string) *Table {
	return scm.tablesByLowerName[strings.ToLower(name)]
}

func (scm *Schema) table(name string) (*Table, error) {
	tbl := scm.TableNamed(name)
	if tbl == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}
	return tbl, nil
}

func loadSchema(store *Store) (*Schema, error) {
	var tables []*Table
	var failure error
	err := store.Scan(catalogMap, func(key, data []byte, _ uint64) bool {
		var def TableDef
		if failure = decodeMsgpack(data, &def); failure != nil {
			return false
		}
		tbl, err := newTable(def)
		if err != nil {
			failure = fmt.Errorf("catalog entry %q: %w", key, err)
			return false
		}
		tables = append(tables, tbl)
		return true
	})
	if err == nil {
		err = failure
	}
	if err != nil {
		return nil, err
	}
	return newSchema(tables), nil
}

func catalogKey(name string) []byte {
	return []byte(strings.ToLower(name))
}
