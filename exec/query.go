package exec

import (
	"sort"
	"strings"

	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/mvcc"
	"github.com/loamdb/loam/sql"
)

// Select runs a query. Equality predicates use an index over the column
// when one exists and no pending versions shadow the table; otherwise the
// table is scanned. Results come back in rowid order unless ORDER BY asks
// for a column sort.
func (e *Engine) Select(stmt *sql.Select) (*Result, error) {
	schema, err := e.Schema()
	if err != nil {
		return nil, err
	}
	table, ok := schema.Table(stmt.Table)
	if !ok {
		// A materialized view reads from its hidden storage table.
		if view, vok := schema.View(stmt.Table); vok && view.Data != nil {
			table, ok = view.Data, true
		}
	}
	if !ok {
		return nil, common.NewError(common.NoSuchObjectError, "table %q does not exist", stmt.Table)
	}

	outCols, err := projectColumns(table, stmt)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, col := range outCols {
		res.Columns = append(res.Columns, col.Name)
	}

	collect := func(rowID int64, vals []common.Value) error {
		projected, err := projectValues(table, stmt, vals)
		if err != nil {
			return err
		}
		res.Rows = append(res.Rows, projected)
		return nil
	}

	if idx := e.usableIndex(schema, table, stmt.Where); idx != nil {
		err = e.indexLookup(table, idx, stmt.Where, collect)
	} else {
		var cerr error
		err = e.Scan(table.Name, func(rowID int64, vals []common.Value) bool {
			if stmt.Where != nil && !whereMatches(table, stmt.Where, vals) {
				return true
			}
			cerr = collect(rowID, vals)
			return cerr == nil
		})
		if err == nil {
			err = cerr
		}
	}
	if err != nil {
		return nil, err
	}

	if stmt.OrderBy != "" {
		if err := sortRows(res, outCols, stmt.OrderBy); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// usableIndex picks an index for an equality predicate. Pending versions
// are not reflected in index trees, so any buffered write on the table
// forces a scan.
func (e *Engine) usableIndex(schema *catalog.Schema, table *catalog.Table, where *sql.Where) *catalog.Index {
	if where == nil {
		return nil
	}
	if e.store != nil {
		pending := false
		e.store.ScanTable(strings.ToLower(table.Name), func(mvcc.Version) bool {
			pending = true
			return false
		})
		if pending {
			return nil
		}
	}
	for _, idx := range schema.TableIndexes(table.Name) {
		if strings.EqualFold(idx.Column, where.Column) {
			return idx
		}
	}
	return nil
}

func (e *Engine) indexLookup(table *catalog.Table, idx *catalog.Index, where *sql.Where, collect func(int64, []common.Value) error) error {
	colIdx := table.ColumnIndex(where.Column)
	if colIdx < 0 {
		return common.NewError(common.NoSuchObjectError,
			"column %q does not exist in table %q", where.Column, table.Name)
	}
	colType := table.Columns[colIdx].Type
	target, ok := literalValue(where.Value, colType)
	if !ok {
		return common.NewError(common.ConstraintError,
			"predicate literal has wrong type for column %q", where.Column)
	}
	if target.IsNull() {
		// NULL never matches an equality predicate.
		return nil
	}

	prefix := IndexKeyPrefix(target)
	first := append(append([]byte{}, prefix...), RowKey(-1<<63)...)

	tree := e.indexTree(idx, colType)
	rowTree := e.tableTree(table)
	row := make([]byte, table.RowSize())
	key := make([]byte, IndexKeyLen(colType))

	cur := tree.Cursor()
	for ok, err := cur.Seek(first); ok; ok, err = cur.Next() {
		if err != nil {
			return err
		}
		key = cur.Key(key)
		if !strings.HasPrefix(string(key), string(prefix)) {
			break
		}
		rowID := DecodeRowKey(key[len(prefix):])
		found, err := rowTree.Get(RowKey(rowID), row)
		if err != nil {
			return err
		}
		if !found {
			return common.NewError(common.CorruptError,
				"index %q points at missing row %d", idx.Name, rowID)
		}
		if err := collect(rowID, DecodeRow(table.Columns, row)); err != nil {
			return err
		}
	}
	return cur.Err()
}

func sortRows(res *Result, cols []catalog.Column, orderBy string) error {
	sortIdx := -1
	for i, col := range cols {
		if strings.EqualFold(col.Name, orderBy) {
			sortIdx = i
			break
		}
	}
	if sortIdx < 0 {
		return common.NewError(common.NoSuchObjectError,
			"ORDER BY column %q is not in the result", orderBy)
	}
	sort.SliceStable(res.Rows, func(i, j int) bool {
		return res.Rows[i][sortIdx].Compare(res.Rows[j][sortIdx]) < 0
	})
	return nil
}
