// Package exec executes parsed statements against one database: DDL
// through the catalog, DML through the B+trees, with index and
// materialized-view maintenance riding along. Connections layer
// transaction scope, locking, and schema staleness checks on top.
package exec

import (
	"strings"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/btree"
	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/mvcc"
	"github.com/loamdb/loam/sql"
	"github.com/loamdb/loam/storage"
)

// Engine binds a pager, its catalog, and (optionally) a multi-version row
// store into an executable database. All schema access goes through
// Schema(), which re-parses the catalog whenever the schema cookie moved;
// no root page is ever cached across a cookie change.
type Engine struct {
	pager *storage.Pager
	cat   *catalog.Catalog
	store *mvcc.Store // nil unless concurrent mode is on

	mu     sync.Mutex
	schema *catalog.Schema
}

// NewEngine wires an engine over an open pager and catalog.
func NewEngine(pager *storage.Pager, cat *catalog.Catalog, store *mvcc.Store) *Engine {
	return &Engine{pager: pager, cat: cat, store: store}
}

func (e *Engine) Pager() *storage.Pager { return e.pager }

func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

func (e *Engine) VersionStore() *mvcc.Store { return e.store }

// Schema returns the current parsed schema, re-parsing the catalog if the
// cached copy is stale. This is the invalidation point every root-page
// consumer funnels through.
func (e *Engine) Schema() (*catalog.Schema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cookie := e.cat.Cookie()
	if e.schema != nil && e.schema.Cookie == cookie {
		return e.schema, nil
	}
	schema, err := e.cat.LoadSchema()
	if err != nil {
		return nil, err
	}
	e.schema = schema
	return schema, nil
}

// InvalidateSchema drops the cached schema so the next access re-parses
// the catalog.
func (e *Engine) InvalidateSchema() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.schema = nil
}

func (e *Engine) tableTree(t *catalog.Table) *btree.Tree {
	return btree.Open(e.pager, t.Root, RowKeyLen, t.RowSize())
}

func (e *Engine) indexTree(idx *catalog.Index, colType common.Type) *btree.Tree {
	return btree.Open(e.pager, idx.Root, IndexKeyLen(colType), 0)
}

func (e *Engine) lookupTable(name string) (*catalog.Table, error) {
	schema, err := e.Schema()
	if err != nil {
		return nil, err
	}
	t, ok := schema.Table(name)
	if !ok {
		return nil, common.NewError(common.NoSuchObjectError, "table %q does not exist", name)
	}
	return t, nil
}

// ---------------------------------------------------------------------------
// DDL

// CreateTable executes a user CREATE TABLE. Internal names are reserved.
func (e *Engine) CreateTable(stmt *sql.CreateTable, sqlText string) error {
	if catalog.IsInternalName(stmt.Name) {
		return common.NewError(common.DuplicateObjectError,
			"table name %q is reserved", stmt.Name)
	}
	return e.createTable(stmt, sqlText, 0)
}

// CreateTableFromSQL parses and applies a stored defining statement. The
// rebuild engine uses it to replay catalog SQL (including hidden storage
// tables) against the destination.
func (e *Engine) CreateTableFromSQL(sqlText string, flags byte) error {
	stmt, err := sql.Parse(sqlText)
	if err != nil {
		return err
	}
	if stmt.CreateTable == nil {
		return common.NewError(common.CorruptError, "not a CREATE TABLE: %q", sqlText)
	}
	return e.createTable(stmt.CreateTable, sqlText, flags)
}

func (e *Engine) createTable(stmt *sql.CreateTable, sqlText string, flags byte) error {
	schema, err := e.Schema()
	if err != nil {
		return err
	}
	if _, exists := schema.Table(stmt.Name); exists {
		return common.NewError(common.DuplicateObjectError, "table %q already exists", stmt.Name)
	}
	rowSize := 0
	for _, col := range stmt.Columns {
		typ, ok := common.ParseType(col.Type)
		if !ok {
			return common.NewError(common.NoSuchObjectError,
				"unknown column type %q", col.Type)
		}
		rowSize += typ.Size()
	}

	// Root pages come from the destination allocator in creation order;
	// they are not stable identifiers and live only in the catalog row.
	tree, err := btree.Create(e.pager, RowKeyLen, rowSize)
	if err != nil {
		return err
	}
	return e.cat.Add(&catalog.Entry{
		Kind:  catalog.KindTable,
		Flags: flags,
		Root:  tree.Root(),
		Name:  stmt.Name,
		SQL:   sqlText,
	})
}

// CreateIndex executes a user CREATE INDEX, building the index tree from
// the table's existing rows.
func (e *Engine) CreateIndex(stmt *sql.CreateIndex, sqlText string) error {
	if catalog.IsInternalName(stmt.Name) {
		return common.NewError(common.DuplicateObjectError,
			"index name %q is reserved", stmt.Name)
	}
	return e.createIndex(stmt, sqlText, 0)
}

// CreateIndexFromSQL replays a stored index defining statement. Population
// from freshly copied rows is what yields the defragmented, contiguous
// index trees after a rebuild.
func (e *Engine) CreateIndexFromSQL(sqlText string, flags byte) error {
	stmt, err := sql.Parse(sqlText)
	if err != nil {
		return err
	}
	if stmt.CreateIndex == nil {
		return common.NewError(common.CorruptError, "not a CREATE INDEX: %q", sqlText)
	}
	return e.createIndex(stmt.CreateIndex, sqlText, flags)
}

func (e *Engine) createIndex(stmt *sql.CreateIndex, sqlText string, flags byte) error {
	schema, err := e.Schema()
	if err != nil {
		return err
	}
	if _, exists := schema.Index(stmt.Name); exists {
		return common.NewError(common.DuplicateObjectError, "index %q already exists", stmt.Name)
	}
	table, ok := schema.Table(stmt.Table)
	if !ok {
		return common.NewError(common.NoSuchObjectError, "table %q does not exist", stmt.Table)
	}
	colIdx := table.ColumnIndex(stmt.Column)
	if colIdx < 0 {
		return common.NewError(common.NoSuchObjectError,
			"column %q does not exist in table %q", stmt.Column, stmt.Table)
	}
	colType := table.Columns[colIdx].Type

	tree, err := btree.Create(e.pager, IndexKeyLen(colType), 0)
	if err != nil {
		return err
	}
	if stmt.Unique {
		flags |= catalog.FlagUnique
	}

	// Populate from existing rows in rowid order.
	err = e.scanTree(table, func(rowID int64, row []byte) (bool, error) {
		vals := DecodeRow(table.Columns, row)
		if err := e.indexInsert(tree, colType, vals[colIdx], rowID, stmt.Unique); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	return e.cat.Add(&catalog.Entry{
		Kind:      catalog.KindIndex,
		Flags:     flags,
		Root:      tree.Root(),
		Name:      stmt.Name,
		TableName: stmt.Table,
		SQL:       sqlText,
	})
}

func (e *Engine) indexInsert(tree *btree.Tree, colType common.Type, v common.Value, rowID int64, unique bool) error {
	if unique && !v.IsNull() {
		if dup, err := e.indexHasValue(tree, colType, v); err != nil {
			return err
		} else if dup {
			return common.NewError(common.ConstraintError,
				"unique constraint violated: %s", v)
		}
	}
	return tree.Insert(IndexKey(v, rowID), nil)
}

func (e *Engine) indexHasValue(tree *btree.Tree, colType common.Type, v common.Value) (bool, error) {
	prefix := IndexKeyPrefix(v)
	probe := append(append([]byte{}, prefix...), RowKey(-1<<63)...)
	cur := tree.Cursor()
	ok, err := cur.Seek(probe)
	if err != nil || !ok {
		return false, err
	}
	key := cur.Key(nil)
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == string(prefix), nil
}

// CreateMaterializedView creates the view entry plus its hidden storage:
// a data table holding the materialized rows and an auxiliary index over
// the first projected column. The hidden trees are ordinary tables to the
// rest of the engine, which is what lets a rebuild copy them with no
// special-cased path.
func (e *Engine) CreateMaterializedView(stmt *sql.CreateView, sqlText string) error {
	schema, err := e.Schema()
	if err != nil {
		return err
	}
	if _, exists := schema.View(stmt.Name); exists {
		return common.NewError(common.DuplicateObjectError, "view %q already exists", stmt.Name)
	}
	base, ok := schema.Table(stmt.Query.Table)
	if !ok {
		return common.NewError(common.NoSuchObjectError,
			"table %q does not exist", stmt.Query.Table)
	}

	cols, err := projectColumns(base, stmt.Query)
	if err != nil {
		return err
	}

	dataName := catalog.MatDataName(stmt.Name)
	var defn strings.Builder
	defn.WriteString("CREATE TABLE " + dataName + " (")
	for i, col := range cols {
		if i > 0 {
			defn.WriteString(", ")
		}
		defn.WriteString(col.Name + " " + col.Type.String())
	}
	defn.WriteString(")")
	if err := e.CreateTableFromSQL(defn.String(), catalog.FlagHidden); err != nil {
		return err
	}

	auxName := catalog.MatIndexName(stmt.Name)
	auxSQL := "CREATE INDEX " + auxName + " ON " + dataName + " (" + cols[0].Name + ")"
	if err := e.CreateIndexFromSQL(auxSQL, catalog.FlagHidden); err != nil {
		return err
	}

	if err := e.cat.Add(&catalog.Entry{
		Kind: catalog.KindView,
		Name: stmt.Name,
		SQL:  sqlText,
	}); err != nil {
		return err
	}

	// Materialize the current base-table content.
	e.InvalidateSchema()
	return e.refreshViewFromBase(stmt.Name)
}

func projectColumns(base *catalog.Table, query *sql.Select) ([]catalog.Column, error) {
	if query.Star {
		return base.Columns, nil
	}
	cols := make([]catalog.Column, 0, len(query.Columns))
	for _, name := range query.Columns {
		i := base.ColumnIndex(name)
		if i < 0 {
			return nil, common.NewError(common.NoSuchObjectError,
				"column %q does not exist in table %q", name, base.Name)
		}
		cols = append(cols, base.Columns[i])
	}
	return cols, nil
}

func (e *Engine) refreshViewFromBase(viewName string) error {
	schema, err := e.Schema()
	if err != nil {
		return err
	}
	view, ok := schema.View(viewName)
	if !ok || view.Data == nil {
		return common.NewError(common.NoSuchObjectError, "view %q has no storage", viewName)
	}
	base, ok := schema.Table(view.Query.Table)
	if !ok {
		return common.NewError(common.NoSuchObjectError,
			"table %q does not exist", view.Query.Table)
	}
	return e.scanTree(base, func(rowID int64, row []byte) (bool, error) {
		vals := DecodeRow(base.Columns, row)
		if err := e.viewApplyInsert(schema, view, base, rowID, vals); err != nil {
			return false, err
		}
		return true, nil
	})
}

// CreateVirtualTable records a schema-only entry with the root sentinel.
func (e *Engine) CreateVirtualTable(stmt *sql.CreateVirtual, sqlText string) error {
	entry, found, err := e.cat.Lookup(catalog.KindVirtual, stmt.Name)
	if err != nil {
		return err
	}
	if found {
		return common.NewError(common.DuplicateObjectError,
			"virtual table %q already exists", entry.Name)
	}
	return e.cat.Add(&catalog.Entry{
		Kind: catalog.KindVirtual,
		Name: stmt.Name,
		SQL:  sqlText,
	})
}

// CreateTrigger records a schema-only trigger entry.
func (e *Engine) CreateTrigger(stmt *sql.CreateTrigger, sqlText string) error {
	entry, found, err := e.cat.Lookup(catalog.KindTrigger, stmt.Name)
	if err != nil {
		return err
	}
	if found {
		return common.NewError(common.DuplicateObjectError,
			"trigger %q already exists", entry.Name)
	}
	return e.cat.Add(&catalog.Entry{
		Kind:      catalog.KindTrigger,
		Name:      stmt.Name,
		TableName: stmt.Table,
		SQL:       sqlText,
	})
}

// AddEntryVerbatim copies a schema-only catalog row (view, trigger,
// virtual table) without touching storage. Rebuild step for entries that
// own no pages.
func (e *Engine) AddEntryVerbatim(entry catalog.Entry) error {
	return e.cat.Add(&catalog.Entry{
		Kind:      entry.Kind,
		Flags:     entry.Flags,
		Root:      entry.Root,
		Name:      entry.Name,
		TableName: entry.TableName,
		SQL:       entry.SQL,
	})
}

// DropTable removes a table, its indexes, and their pages.
func (e *Engine) DropTable(name string) error {
	if catalog.IsInternalName(name) {
		return common.NewError(common.NoSuchObjectError, "table name %q is reserved", name)
	}
	schema, err := e.Schema()
	if err != nil {
		return err
	}
	table, ok := schema.Table(name)
	if !ok {
		return common.NewError(common.NoSuchObjectError, "table %q does not exist", name)
	}
	for _, idx := range schema.TableIndexes(table.Name) {
		colType, err := indexColumnType(schema, idx)
		if err != nil {
			return err
		}
		if err := e.indexTree(idx, colType).Drop(); err != nil {
			return err
		}
		if err := e.cat.Remove(idx.RowID); err != nil {
			return err
		}
	}
	if err := e.tableTree(table).Drop(); err != nil {
		return err
	}
	return e.cat.Remove(table.RowID)
}

func indexColumnType(schema *catalog.Schema, idx *catalog.Index) (common.Type, error) {
	table, ok := schema.Table(idx.Table)
	if !ok {
		return common.DefaultType, common.NewError(common.CorruptError,
			"index %q references missing table %q", idx.Name, idx.Table)
	}
	i := table.ColumnIndex(idx.Column)
	if i < 0 {
		return common.DefaultType, common.NewError(common.CorruptError,
			"index %q references missing column %q", idx.Name, idx.Column)
	}
	return table.Columns[i].Type, nil
}

// ---------------------------------------------------------------------------
// DML

// Insert appends one row, allocating a rowid. In concurrent mode the write
// is buffered in the version store until the next checkpoint.
func (e *Engine) Insert(tableName string, vals []common.Value) (int64, error) {
	table, err := e.lookupTable(tableName)
	if err != nil {
		return 0, err
	}
	if len(vals) != len(table.Columns) {
		return 0, common.NewError(common.ConstraintError,
			"table %q has %d columns, got %d values", tableName, len(table.Columns), len(vals))
	}
	rowID, err := e.nextRowID(table)
	if err != nil {
		return 0, err
	}

	if e.store != nil {
		e.store.Record(mvcc.Version{Table: strings.ToLower(table.Name), RowID: rowID, Op: mvcc.OpInsert, Values: vals})
		return rowID, nil
	}
	return rowID, e.applyInsert(table.Name, rowID, vals)
}

// InsertRowAt inserts a row with an explicit rowid, maintaining indexes,
// materialized views, and the sequence table. Checkpoint replay and tests
// use it; the rebuild engine uses CopyInsert instead.
func (e *Engine) InsertRowAt(tableName string, rowID int64, vals []common.Value) error {
	return e.applyInsert(tableName, rowID, vals)
}

func (e *Engine) applyInsert(tableName string, rowID int64, vals []common.Value) error {
	schema, err := e.Schema()
	if err != nil {
		return err
	}
	table, ok := schema.Table(tableName)
	if !ok {
		return common.NewError(common.NoSuchObjectError, "table %q does not exist", tableName)
	}

	row := EncodeRow(table.Columns, vals, nil)
	if err := e.tableTree(table).Insert(RowKey(rowID), row); err != nil {
		return errors.Wrapf(err, "insert into %q", tableName)
	}

	for _, idx := range schema.TableIndexes(table.Name) {
		colIdx := table.ColumnIndex(idx.Column)
		colType := table.Columns[colIdx].Type
		tree := e.indexTree(idx, colType)
		if err := e.indexInsert(tree, colType, vals[colIdx], rowID, idx.Unique()); err != nil {
			return err
		}
	}

	if !table.Hidden() {
		if err := e.bumpSequence(table.Name, rowID); err != nil {
			return err
		}
		if err := e.maintainViewsOnInsert(schema, table, rowID, vals); err != nil {
			return err
		}
	}
	return nil
}

// CopyInsert writes a pre-encoded row directly into a table tree. No
// index, view, or sequence maintenance: the rebuild engine replays index
// definitions afterwards and copies hidden tables as plain data.
func (e *Engine) CopyInsert(table *catalog.Table, rowID int64, row []byte) error {
	return e.tableTree(table).Insert(RowKey(rowID), row)
}

// Delete removes rows matching the optional single-column predicate and
// returns how many went away.
func (e *Engine) Delete(tableName string, where *sql.Where) (int, error) {
	table, err := e.lookupTable(tableName)
	if err != nil {
		return 0, err
	}

	type target struct {
		rowID int64
		vals  []common.Value
	}
	var targets []target
	err = e.Scan(table.Name, func(rowID int64, vals []common.Value) bool {
		if where == nil || whereMatches(table, where, vals) {
			targets = append(targets, target{rowID, vals})
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	for _, tgt := range targets {
		if e.store != nil {
			e.store.Record(mvcc.Version{Table: strings.ToLower(table.Name), RowID: tgt.rowID, Op: mvcc.OpDelete})
			continue
		}
		if err := e.applyDelete(table.Name, tgt.rowID); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

func (e *Engine) applyDelete(tableName string, rowID int64) error {
	schema, err := e.Schema()
	if err != nil {
		return err
	}
	table, ok := schema.Table(tableName)
	if !ok {
		return common.NewError(common.NoSuchObjectError, "table %q does not exist", tableName)
	}

	tree := e.tableTree(table)
	row := make([]byte, table.RowSize())
	found, err := tree.Get(RowKey(rowID), row)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	vals := DecodeRow(table.Columns, row)

	if _, err := tree.Delete(RowKey(rowID)); err != nil {
		return err
	}
	for _, idx := range schema.TableIndexes(table.Name) {
		colIdx := table.ColumnIndex(idx.Column)
		colType := table.Columns[colIdx].Type
		if _, err := e.indexTree(idx, colType).Delete(IndexKey(vals[colIdx], rowID)); err != nil {
			return err
		}
	}

	if !table.Hidden() {
		if err := e.maintainViewsOnDelete(schema, table, rowID); err != nil {
			return err
		}
	}
	return nil
}

// Scan iterates a table's rows in rowid order, merging any pending
// versions from the multi-version store over the tree content.
func (e *Engine) Scan(tableName string, fn func(rowID int64, vals []common.Value) bool) error {
	table, err := e.lookupTable(tableName)
	if err != nil {
		return err
	}

	if e.store == nil {
		return e.scanTree(table, func(rowID int64, row []byte) (bool, error) {
			return fn(rowID, DecodeRow(table.Columns, row)), nil
		})
	}

	// Merge pending versions (rowid-ordered) with the tree scan.
	var pending []mvcc.Version
	e.store.ScanTable(strings.ToLower(table.Name), func(v mvcc.Version) bool {
		pending = append(pending, v)
		return true
	})
	pi := 0
	stop := false
	err = e.scanTree(table, func(rowID int64, row []byte) (bool, error) {
		for pi < len(pending) && pending[pi].RowID < rowID {
			v := pending[pi]
			pi++
			if v.Op == mvcc.OpInsert && !fn(v.RowID, v.Values) {
				stop = true
				return false, nil
			}
		}
		if pi < len(pending) && pending[pi].RowID == rowID {
			v := pending[pi]
			pi++
			if v.Op == mvcc.OpDelete {
				return true, nil
			}
			if !fn(v.RowID, v.Values) {
				stop = true
				return false, nil
			}
			return true, nil
		}
		if !fn(rowID, DecodeRow(table.Columns, row)) {
			stop = true
			return false, nil
		}
		return true, nil
	})
	if err != nil || stop {
		return err
	}
	for ; pi < len(pending); pi++ {
		v := pending[pi]
		if v.Op == mvcc.OpInsert && !fn(v.RowID, v.Values) {
			return nil
		}
	}
	return nil
}

// scanTree walks the physical tree only. The rebuild engine reads source
// tables through this (its precondition guarantees the version store is
// empty).
func (e *Engine) scanTree(table *catalog.Table, fn func(rowID int64, row []byte) (bool, error)) error {
	cur := e.tableTree(table).Cursor()
	key := make([]byte, RowKeyLen)
	row := make([]byte, table.RowSize())
	for ok, err := cur.First(); ok; ok, err = cur.Next() {
		if err != nil {
			return err
		}
		key = cur.Key(key)
		row = cur.Payload(row)
		cont, err := fn(DecodeRowKey(key), row)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return cur.Err()
}

// ScanRaw iterates a table's physical rows as raw bytes, for page-for-page
// faithful copying.
func (e *Engine) ScanRaw(table *catalog.Table, fn func(rowID int64, row []byte) (bool, error)) error {
	return e.scanTree(table, fn)
}

func whereMatches(table *catalog.Table, where *sql.Where, vals []common.Value) bool {
	colIdx := table.ColumnIndex(where.Column)
	if colIdx < 0 {
		return false
	}
	target, ok := literalValue(where.Value, table.Columns[colIdx].Type)
	if !ok {
		return false
	}
	if vals[colIdx].IsNull() || target.IsNull() {
		return false
	}
	return vals[colIdx].Compare(target) == 0
}

func literalValue(lit sql.Literal, t common.Type) (common.Value, bool) {
	switch {
	case lit.Null:
		return common.NewNullValue(t), true
	case lit.Int != nil:
		if t != common.IntType {
			return common.Value{}, false
		}
		return common.NewIntValue(*lit.Int), true
	case lit.Str != nil:
		if t != common.StringType {
			return common.Value{}, false
		}
		return common.NewStringValue(lit.Text()), true
	}
	return common.Value{}, false
}

// ---------------------------------------------------------------------------
// Rowid + sequence tracking

func (e *Engine) nextRowID(table *catalog.Table) (int64, error) {
	last, err := e.tableTree(table).Last()
	if err != nil {
		return 0, err
	}
	next := int64(1)
	if last != nil {
		next = DecodeRowKey(last) + 1
	}
	if e.store != nil {
		e.store.ScanTable(strings.ToLower(table.Name), func(v mvcc.Version) bool {
			if v.RowID >= next {
				next = v.RowID + 1
			}
			return true
		})
	}
	// Never reuse a rowid a dropped row once had on this table.
	if seq, ok, err := e.SequenceValue(table.Name); err != nil {
		return 0, err
	} else if ok && seq >= next {
		next = seq + 1
	}
	return next, nil
}

const sequenceTableSQL = "CREATE TABLE " + catalog.SequenceTableName + " (name string, seq int)"

func (e *Engine) ensureSequenceTable() (*catalog.Table, error) {
	schema, err := e.Schema()
	if err != nil {
		return nil, err
	}
	if t, ok := schema.Table(catalog.SequenceTableName); ok {
		return t, nil
	}
	if err := e.CreateTableFromSQL(sequenceTableSQL, catalog.FlagHidden); err != nil {
		return nil, err
	}
	schema, err = e.Schema()
	if err != nil {
		return nil, err
	}
	t, ok := schema.Table(catalog.SequenceTableName)
	common.Assert(ok, "sequence table missing after creation")
	return t, nil
}

func (e *Engine) bumpSequence(tableName string, rowID int64) error {
	seqTable, err := e.ensureSequenceTable()
	if err != nil {
		return err
	}
	name := strings.ToLower(tableName)

	var foundID int64
	var current int64
	found := false
	err = e.scanTree(seqTable, func(rid int64, row []byte) (bool, error) {
		vals := DecodeRow(seqTable.Columns, row)
		if vals[0].StringValue() == name {
			found = true
			foundID = rid
			current = vals[1].IntValue()
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	tree := e.tableTree(seqTable)
	vals := []common.Value{common.NewStringValue(name), common.NewIntValue(rowID)}
	if !found {
		last, err := tree.Last()
		if err != nil {
			return err
		}
		next := int64(1)
		if last != nil {
			next = DecodeRowKey(last) + 1
		}
		return tree.Insert(RowKey(next), EncodeRow(seqTable.Columns, vals, nil))
	}
	if rowID <= current {
		return nil
	}
	_, err = tree.Update(RowKey(foundID), EncodeRow(seqTable.Columns, vals, nil))
	return err
}

// SequenceValue reads the stored sequence counter for a table.
func (e *Engine) SequenceValue(tableName string) (int64, bool, error) {
	schema, err := e.Schema()
	if err != nil {
		return 0, false, err
	}
	seqTable, ok := schema.Table(catalog.SequenceTableName)
	if !ok {
		return 0, false, nil
	}
	name := strings.ToLower(tableName)
	var seq int64
	found := false
	err = e.scanTree(seqTable, func(_ int64, row []byte) (bool, error) {
		vals := DecodeRow(seqTable.Columns, row)
		if vals[0].StringValue() == name {
			seq = vals[1].IntValue()
			found = true
			return false, nil
		}
		return true, nil
	})
	return seq, found, err
}

// CheckpointVersionStore drains the multi-version store into the trees and
// commits. The rebuild precondition requires this to have happened.
func (e *Engine) CheckpointVersionStore() error {
	if e.store == nil {
		return nil
	}
	err := e.store.Checkpoint(func(v mvcc.Version) error {
		if v.Op == mvcc.OpDelete {
			return e.applyDelete(v.Table, v.RowID)
		}
		return e.applyInsert(v.Table, v.RowID, v.Values)
	})
	if err != nil {
		return err
	}
	return e.pager.Commit()
}

// ---------------------------------------------------------------------------
// Materialized view maintenance

func (e *Engine) maintainViewsOnInsert(schema *catalog.Schema, base *catalog.Table, rowID int64, vals []common.Value) error {
	var verr error
	schema.Views(func(view *catalog.View) bool {
		if !strings.EqualFold(view.Query.Table, base.Name) || view.Data == nil {
			return true
		}
		if verr = e.viewApplyInsert(schema, view, base, rowID, vals); verr != nil {
			return false
		}
		return true
	})
	return verr
}

func (e *Engine) viewApplyInsert(schema *catalog.Schema, view *catalog.View, base *catalog.Table, rowID int64, vals []common.Value) error {
	if view.Query.Where != nil && !whereMatches(base, view.Query.Where, vals) {
		return nil
	}
	projected, err := projectValues(base, view.Query, vals)
	if err != nil {
		return err
	}
	row := EncodeRow(view.Data.Columns, projected, nil)
	if err := e.tableTree(view.Data).Insert(RowKey(rowID), row); err != nil {
		return err
	}
	if view.Aux != nil {
		colType := view.Data.Columns[0].Type
		return e.indexTree(view.Aux, colType).Insert(IndexKey(projected[0], rowID), nil)
	}
	return nil
}

func (e *Engine) maintainViewsOnDelete(schema *catalog.Schema, base *catalog.Table, rowID int64) error {
	var verr error
	schema.Views(func(view *catalog.View) bool {
		if !strings.EqualFold(view.Query.Table, base.Name) || view.Data == nil {
			return true
		}
		tree := e.tableTree(view.Data)
		row := make([]byte, view.Data.RowSize())
		found, err := tree.Get(RowKey(rowID), row)
		if err != nil {
			verr = err
			return false
		}
		if !found {
			return true
		}
		projected := DecodeRow(view.Data.Columns, row)
		if _, err := tree.Delete(RowKey(rowID)); err != nil {
			verr = err
			return false
		}
		if view.Aux != nil {
			colType := view.Data.Columns[0].Type
			if _, err := e.indexTree(view.Aux, colType).Delete(IndexKey(projected[0], rowID)); err != nil {
				verr = err
				return false
			}
		}
		return true
	})
	return verr
}

func projectValues(base *catalog.Table, query *sql.Select, vals []common.Value) ([]common.Value, error) {
	if query.Star {
		return vals, nil
	}
	out := make([]common.Value, 0, len(query.Columns))
	for _, name := range query.Columns {
		i := base.ColumnIndex(name)
		if i < 0 {
			return nil, common.NewError(common.NoSuchObjectError,
				"column %q does not exist in table %q", name, base.Name)
		}
		out = append(out, vals[i])
	}
	return out, nil
}
