package catalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/storage"
)

func testCatalog(t *testing.T) (*Catalog, *storage.Pager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pager, err := storage.Open(path, storage.Options{Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pager.Close() })
	cat, err := Open(pager)
	require.NoError(t, err)
	return cat, pager
}

func TestAddLookupRemove(t *testing.T) {
	cat, _ := testCatalog(t)

	entry := &Entry{
		Kind: KindTable,
		Root: 3,
		Name: "users",
		SQL:  "CREATE TABLE users (id int, name string)",
	}
	require.NoError(t, cat.Add(entry))
	assert.Equal(t, int64(1), entry.RowID)

	got, found, err := cat.Lookup(KindTable, "USERS")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "users", got.Name)
	assert.Equal(t, common.PageNo(3), got.Root)
	assert.Equal(t, entry.SQL, got.SQL)

	_, found, err = cat.Lookup(KindIndex, "users")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cat.Remove(entry.RowID))
	_, found, err = cat.Lookup(KindTable, "users")
	require.NoError(t, err)
	assert.False(t, found)

	err = cat.Remove(99)
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.NoSuchObjectError))
}

func TestCookieBumpsOnSchemaChange(t *testing.T) {
	cat, _ := testCatalog(t)
	before := cat.Cookie()

	e := &Entry{Kind: KindTable, Root: 3, Name: "t", SQL: "CREATE TABLE t (a int)"}
	require.NoError(t, cat.Add(e))
	assert.Equal(t, before+1, cat.Cookie())

	require.NoError(t, cat.Remove(e.RowID))
	assert.Equal(t, before+2, cat.Cookie())
}

func TestAllInCreationOrder(t *testing.T) {
	cat, _ := testCatalog(t)

	for _, name := range []string{"zebra", "apple", "mango"} {
		require.NoError(t, cat.Add(&Entry{
			Kind: KindTable, Root: 3, Name: name,
			SQL: "CREATE TABLE " + name + " (a int)",
		}))
	}

	entries, err := cat.All()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "zebra", entries[0].Name)
	assert.Equal(t, "apple", entries[1].Name)
	assert.Equal(t, "mango", entries[2].Name)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	pager, err := storage.Open(path, storage.Options{Create: true})
	require.NoError(t, err)
	cat, err := Open(pager)
	require.NoError(t, err)

	require.NoError(t, cat.Add(&Entry{
		Kind: KindTable, Root: 3, Name: "t",
		SQL: "CREATE TABLE t (a int)",
	}))
	require.NoError(t, pager.Commit())
	require.NoError(t, pager.Close())

	pager, err = storage.Open(path, storage.Options{})
	require.NoError(t, err)
	defer pager.Close()
	cat, err = Open(pager)
	require.NoError(t, err)

	_, found, err := cat.Lookup(KindTable, "t")
	require.NoError(t, err)
	assert.True(t, found)

	// Rowid allocation continues past the persisted entries.
	next := &Entry{Kind: KindTable, Root: 4, Name: "u", SQL: "CREATE TABLE u (a int)"}
	require.NoError(t, cat.Add(next))
	assert.Equal(t, int64(2), next.RowID)
}

func TestLoadSchemaParsesEntities(t *testing.T) {
	cat, _ := testCatalog(t)

	require.NoError(t, cat.Add(&Entry{
		Kind: KindTable, Root: 3, Name: "users",
		SQL: "CREATE TABLE users (id int, name string)",
	}))
	require.NoError(t, cat.Add(&Entry{
		Kind: KindIndex, Flags: FlagUnique, Root: 4, Name: "users_name", TableName: "users",
		SQL: "CREATE UNIQUE INDEX users_name ON users (name)",
	}))

	schema, err := cat.LoadSchema()
	require.NoError(t, err)
	assert.Equal(t, cat.Cookie(), schema.Cookie)

	table, ok := schema.Table("Users")
	require.True(t, ok)
	assert.Equal(t, common.PageNo(3), table.Root)
	require.Len(t, table.Columns, 2)
	assert.Equal(t, common.IntType, table.Columns[0].Type)
	assert.Equal(t, common.StringType, table.Columns[1].Type)
	assert.Equal(t, common.IntSize+common.StringLength, table.RowSize())
	assert.Equal(t, 1, table.ColumnIndex("NAME"))

	idx, ok := schema.Index("users_name")
	require.True(t, ok)
	assert.Equal(t, "users", idx.Table)
	assert.Equal(t, "name", idx.Column)
	assert.True(t, idx.Unique())

	indexes := schema.TableIndexes("users")
	require.Len(t, indexes, 1)
}

func TestTablesIterateInNameOrder(t *testing.T) {
	cat, _ := testCatalog(t)

	for _, name := range []string{"zebra", "Apple", "mango"} {
		require.NoError(t, cat.Add(&Entry{
			Kind: KindTable, Root: 3, Name: name,
			SQL: "CREATE TABLE " + name + " (a int)",
		}))
	}
	schema, err := cat.LoadSchema()
	require.NoError(t, err)

	var order []string
	schema.Tables(func(tab *Table) bool {
		order = append(order, tab.Name)
		return true
	})
	assert.Equal(t, []string{"Apple", "mango", "zebra"}, order)
}

func TestViewAttachesHiddenStorage(t *testing.T) {
	cat, _ := testCatalog(t)

	dataName := MatDataName("adults")
	auxName := MatIndexName("adults")
	require.NoError(t, cat.Add(&Entry{
		Kind: KindTable, Flags: FlagHidden, Root: 5, Name: dataName,
		SQL: "CREATE TABLE " + dataName + " (name string)",
	}))
	require.NoError(t, cat.Add(&Entry{
		Kind: KindIndex, Flags: FlagHidden, Root: 6, Name: auxName, TableName: dataName,
		SQL: "CREATE INDEX " + auxName + " ON " + dataName + " (name)",
	}))
	require.NoError(t, cat.Add(&Entry{
		Kind: KindView, Name: "adults",
		SQL: "CREATE MATERIALIZED VIEW adults AS SELECT name FROM users WHERE age = 21",
	}))

	schema, err := cat.LoadSchema()
	require.NoError(t, err)
	view, ok := schema.View("adults")
	require.True(t, ok)
	require.NotNil(t, view.Query)
	assert.Equal(t, common.PageNo(5), view.DataRoot())
	assert.Equal(t, common.PageNo(6), view.AuxRoot())
	assert.True(t, view.Data.Hidden())

	require.NoError(t, cat.Add(&Entry{Kind: KindVirtual, Name: "docs",
		SQL: "CREATE VIRTUAL TABLE docs USING fulltext"}))
	schema, err = cat.LoadSchema()
	require.NoError(t, err)
	// Virtual tables own no pages and never appear as scannable tables.
	_, ok = schema.Table("docs")
	assert.False(t, ok)
}

func TestInternalNames(t *testing.T) {
	assert.True(t, IsInternalName(SequenceTableName))
	assert.True(t, IsInternalName(MatDataName("v")))
	assert.True(t, IsInternalName("LOAM_anything"))
	assert.False(t, IsInternalName("users"))
}
