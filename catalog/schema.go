package catalog

import (
	"strings"

	"github.com/tidwall/btree"

	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/sql"
)

// Column is one column of a table's fixed-width row layout.
type Column struct {
	Name string
	Type common.Type
}

// Table is the in-memory schema entity for a table: the catalog entry plus
// decoded column metadata. Its Root field is the cached root-page
// reference; it is valid only for the schema cookie the Schema was parsed
// under.
type Table struct {
	Entry
	Columns []Column
}

// RowSize returns the fixed serialized size of one row.
func (t *Table) RowSize() int {
	size := 0
	for _, col := range t.Columns {
		size += col.Type.Size()
	}
	return size
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, col := range t.Columns {
		if strings.EqualFold(col.Name, name) {
			return i
		}
	}
	return -1
}

// Index is the in-memory schema entity for a single-column index.
type Index struct {
	Entry
	Table  string
	Column string
}

// View is the materialized-view state: the defining query plus the two
// root-page references of its hidden storage (the data tree and the
// auxiliary index tree). Both are reattached by schema re-parse after a
// rebuild; nothing may cache them independently.
type View struct {
	Entry
	Query *sql.Select

	// Data is the hidden table holding the materialized rows; Aux is the
	// hidden index over its first column. DataRoot()/AuxRoot() expose the
	// two root references.
	Data *Table
	Aux  *Index
}

// DataRoot returns the root page of the view's materialized row storage.
func (v *View) DataRoot() common.PageNo {
	if v.Data == nil {
		return common.NilPage
	}
	return v.Data.Root
}

// AuxRoot returns the root page of the view's auxiliary index.
func (v *View) AuxRoot() common.PageNo {
	if v.Aux == nil {
		return common.NilPage
	}
	return v.Aux.Root
}

// MatDataName returns the hidden storage table name for a view.
func MatDataName(view string) string { return MatDataPrefix + strings.ToLower(view) }

// MatIndexName returns the hidden auxiliary index name for a view.
func MatIndexName(view string) string { return MatIndexPrefix + strings.ToLower(view) }

// Schema is one consistent parse of the catalog, tagged with the cookie it
// was parsed under. Connections discard it whenever the cookie moves.
type Schema struct {
	Cookie uint32

	tables  map[string]*Table
	indexes map[string]*Index
	views   map[string]*View

	// tableOrder keys lower-cased names so iteration is deterministic and
	// case-insensitive, the order the rebuild engine copies tables in.
	tableOrder btree.Map[string, *Table]
	indexOrder btree.Map[string, *Index]

	entries []Entry
}

// LoadSchema parses the catalog into a Schema. Root-page references are
// taken fresh from the catalog rows, which is the sole supported way to
// learn a root page.
func (c *Catalog) LoadSchema() (*Schema, error) {
	entries, err := c.All()
	if err != nil {
		return nil, err
	}
	s := &Schema{
		Cookie:  c.Cookie(),
		tables:  make(map[string]*Table),
		indexes: make(map[string]*Index),
		views:   make(map[string]*View),
		entries: entries,
	}

	for _, e := range entries {
		switch e.Kind {
		case KindTable:
			stmt, err := sql.Parse(e.SQL)
			if err != nil {
				return nil, common.NewError(common.CorruptError,
					"catalog entry %q has unparsable SQL: %v", e.Name, err)
			}
			if stmt.CreateTable == nil {
				return nil, common.NewError(common.CorruptError,
					"catalog table entry %q is not a CREATE TABLE", e.Name)
			}
			table := &Table{Entry: e}
			for _, col := range stmt.CreateTable.Columns {
				typ, ok := common.ParseType(col.Type)
				if !ok {
					return nil, common.NewError(common.CorruptError,
						"table %q column %q has unknown type %q", e.Name, col.Name, col.Type)
				}
				table.Columns = append(table.Columns, Column{Name: col.Name, Type: typ})
			}
			key := strings.ToLower(e.Name)
			s.tables[key] = table
			s.tableOrder.Set(key, table)

		case KindIndex:
			stmt, err := sql.Parse(e.SQL)
			if err != nil || stmt.CreateIndex == nil {
				return nil, common.NewError(common.CorruptError,
					"catalog index entry %q has unparsable SQL", e.Name)
			}
			idx := &Index{Entry: e, Table: stmt.CreateIndex.Table, Column: stmt.CreateIndex.Column}
			key := strings.ToLower(e.Name)
			s.indexes[key] = idx
			s.indexOrder.Set(key, idx)

		case KindView:
			stmt, err := sql.Parse(e.SQL)
			if err != nil || stmt.CreateView == nil {
				return nil, common.NewError(common.CorruptError,
					"catalog view entry %q has unparsable SQL", e.Name)
			}
			s.views[strings.ToLower(e.Name)] = &View{Entry: e, Query: stmt.CreateView.Query}

		case KindTrigger, KindVirtual:
			// Schema-only entries; nothing to decode.
		}
	}

	// Attach materialized-view state to its hidden storage.
	for _, view := range s.views {
		view.Data = s.tables[MatDataName(view.Name)]
		view.Aux = s.indexes[MatIndexName(view.Name)]
	}
	return s, nil
}

// Table resolves a table by name.
func (s *Schema) Table(name string) (*Table, bool) {
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

// Index resolves an index by name.
func (s *Schema) Index(name string) (*Index, bool) {
	i, ok := s.indexes[strings.ToLower(name)]
	return i, ok
}

// View resolves a materialized view by name.
func (s *Schema) View(name string) (*View, bool) {
	v, ok := s.views[strings.ToLower(name)]
	return v, ok
}

// Tables iterates all tables in case-insensitive name order.
func (s *Schema) Tables(fn func(*Table) bool) {
	s.tableOrder.Scan(func(_ string, t *Table) bool {
		return fn(t)
	})
}

// Indexes iterates all indexes in case-insensitive name order.
func (s *Schema) Indexes(fn func(*Index) bool) {
	s.indexOrder.Scan(func(_ string, i *Index) bool {
		return fn(i)
	})
}

// TableIndexes returns the indexes over a table in name order.
func (s *Schema) TableIndexes(table string) []*Index {
	var out []*Index
	s.indexOrder.Scan(func(_ string, i *Index) bool {
		if strings.EqualFold(i.Table, table) {
			out = append(out, i)
		}
		return true
	})
	return out
}

// Entries returns the raw catalog rows the schema was parsed from, in
// creation order.
func (s *Schema) Entries() []Entry { return s.entries }

// Views iterates all materialized views.
func (s *Schema) Views(fn func(*View) bool) {
	for _, v := range s.views {
		if !fn(v) {
			return
		}
	}
}
