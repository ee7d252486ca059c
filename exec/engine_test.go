package exec_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/exec"
	"github.com/loamdb/loam/mvcc"
	"github.com/loamdb/loam/storage"
)

type testDB struct {
	engine *exec.Engine
	lock   *exec.DBLock
	pager  *storage.Pager
}

func newTestDB(t *testing.T, store *mvcc.Store) *testDB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pager, err := storage.Open(path, storage.Options{Create: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pager.Close() })
	cat, err := catalog.Open(pager)
	require.NoError(t, err)
	require.NoError(t, pager.Commit())
	return &testDB{
		engine: exec.NewEngine(pager, cat, store),
		lock:   exec.NewDBLock(),
		pager:  pager,
	}
}

func (db *testDB) connect() *exec.Connection {
	return exec.NewConnection(db.engine, db.lock)
}

func intVal(rows [][]common.Value, row, col int) int64 {
	return rows[row][col].IntValue()
}

func TestCreateInsertSelect(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE users (id int, name string)")
	require.NoError(t, err)

	res, err := conn.Exec("INSERT INTO users VALUES (10, 'ada'), (20, 'grace')")
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsAffected)
	assert.Equal(t, int64(2), res.LastRowID)

	res, err = conn.Exec("SELECT * FROM users")
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, res.Columns)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(10), intVal(res.Rows, 0, 0))
	assert.Equal(t, "grace", res.Rows[1][1].StringValue())

	res, err = conn.Exec("SELECT name FROM users WHERE id = 20")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "grace", res.Rows[0][0].StringValue())
}

func TestCreateTableErrors(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)

	_, err = conn.Exec("CREATE TABLE t (a int)")
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.DuplicateObjectError))

	_, err = conn.Exec("CREATE TABLE loam_internal (a int)")
	require.Error(t, err)

	_, err = conn.Exec("INSERT INTO missing VALUES (1)")
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.NoSuchObjectError))
}

func TestIndexLookupMatchesScan(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE nums (val int, tag string)")
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		_, err := conn.Exec(fmt.Sprintf("INSERT INTO nums VALUES (%d, 'x')", i%10))
		require.NoError(t, err)
	}

	scan, err := conn.Exec("SELECT * FROM nums WHERE val = 7")
	require.NoError(t, err)
	require.Len(t, scan.Rows, 20)

	_, err = conn.Exec("CREATE INDEX nums_val ON nums (val)")
	require.NoError(t, err)

	indexed, err := conn.Exec("SELECT * FROM nums WHERE val = 7")
	require.NoError(t, err)
	assert.Equal(t, scan.Rows, indexed.Rows)
}

func TestUniqueIndexRejectsDuplicates(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE users (name string)")
	require.NoError(t, err)
	_, err = conn.Exec("CREATE UNIQUE INDEX users_name ON users (name)")
	require.NoError(t, err)

	_, err = conn.Exec("INSERT INTO users VALUES ('ada')")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO users VALUES ('ada')")
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.ConstraintError))

	// NULLs are exempt from uniqueness.
	_, err = conn.Exec("INSERT INTO users VALUES (NULL)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO users VALUES (NULL)")
	require.NoError(t, err)
}

func TestUniqueIndexOverExistingDuplicatesFails(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO t VALUES (1), (1)")
	require.NoError(t, err)

	_, err = conn.Exec("CREATE UNIQUE INDEX t_a ON t (a)")
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.ConstraintError))
}

func TestDeleteAndRowIDNotReused(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, err)

	res, err := conn.Exec("DELETE FROM t WHERE a = 3")
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowsAffected)

	// The highest rowid (3) was deleted; the sequence table must keep the
	// next insert from reusing it.
	res, err = conn.Exec("INSERT INTO t VALUES (4)")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.LastRowID)

	res, err = conn.Exec("DELETE FROM t")
	require.NoError(t, err)
	assert.Equal(t, 3, res.RowsAffected)

	res, err = conn.Exec("SELECT * FROM t")
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestOrderBy(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE t (name string)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO t VALUES ('mango'), ('apple'), ('zebra')")
	require.NoError(t, err)

	res, err := conn.Exec("SELECT name FROM t ORDER BY name")
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.Equal(t, "apple", res.Rows[0][0].StringValue())
	assert.Equal(t, "zebra", res.Rows[2][0].StringValue())
}

func TestMaterializedViewMaintenance(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE users (name string, age int)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO users VALUES ('ada', 21), ('grace', 30)")
	require.NoError(t, err)

	_, err = conn.Exec("CREATE MATERIALIZED VIEW adults AS SELECT name FROM users WHERE age = 21")
	require.NoError(t, err)

	// Existing rows were materialized at creation.
	res, err := conn.Exec("SELECT * FROM adults")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "ada", res.Rows[0][0].StringValue())

	// Base-table writes maintain the view incrementally.
	_, err = conn.Exec("INSERT INTO users VALUES ('alan', 21), ('kurt', 40)")
	require.NoError(t, err)
	res, err = conn.Exec("SELECT * FROM adults ORDER BY name")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "ada", res.Rows[0][0].StringValue())
	assert.Equal(t, "alan", res.Rows[1][0].StringValue())

	_, err = conn.Exec("DELETE FROM users WHERE name = 'ada'")
	require.NoError(t, err)
	res, err = conn.Exec("SELECT * FROM adults")
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "alan", res.Rows[0][0].StringValue())
}

func TestTransactionCommitAndRollback(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("BEGIN")
	require.NoError(t, err)
	assert.False(t, conn.Autocommit())
	_, err = conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)
	_, err = conn.Exec("COMMIT")
	require.NoError(t, err)
	assert.True(t, conn.Autocommit())

	_, err = conn.Exec("BEGIN")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO t VALUES (1)")
	require.NoError(t, err)
	_, err = conn.Exec("ROLLBACK")
	require.NoError(t, err)

	res, err := conn.Exec("SELECT * FROM t")
	require.NoError(t, err)
	assert.Empty(t, res.Rows, "rolled-back insert must not persist")

	_, err = conn.Exec("COMMIT")
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.ActiveTransactionError))
}

func TestBusyTimeout(t *testing.T) {
	db := newTestDB(t, nil)
	writer := db.connect()
	blocked := db.connect()
	blocked.SetBusyTimeout(20 * time.Millisecond)

	_, err := writer.Exec("BEGIN")
	require.NoError(t, err)

	_, err = blocked.Exec("CREATE TABLE t (a int)")
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.BusyError))

	_, err = writer.Exec("COMMIT")
	require.NoError(t, err)

	_, err = blocked.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)
}

func TestReadStatementsShareTheLock(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO t VALUES (1), (2)")
	require.NoError(t, err)

	// Another holder of a shared slot, e.g. a snapshot copy in flight.
	require.NoError(t, db.lock.AcquireShared(time.Second))
	defer db.lock.ReleaseShared()

	conn.SetBusyTimeout(20 * time.Millisecond)
	res, err := conn.Exec("SELECT * FROM t")
	require.NoError(t, err, "SELECT must not wait on the writer slot")
	assert.Len(t, res.Rows, 2)

	_, err = conn.Exec("INSERT INTO t VALUES (3)")
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.BusyError))
}

func TestStatementActiveCount(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)
	_, err = conn.Exec("INSERT INTO t VALUES (1), (2)")
	require.NoError(t, err)

	stmt, err := conn.Prepare("SELECT * FROM t")
	require.NoError(t, err)
	assert.Equal(t, 0, conn.ActiveStatements())

	row, err := stmt.Step()
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 1, conn.ActiveStatements())

	row, err = stmt.Step()
	require.NoError(t, err)
	require.NotNil(t, row)
	row, err = stmt.Step()
	require.NoError(t, err)
	assert.Nil(t, row, "exhausted")
	assert.Equal(t, 0, conn.ActiveStatements())

	// Finalize mid-iteration also deactivates.
	stmt2, err := conn.Prepare("SELECT * FROM t")
	require.NoError(t, err)
	_, err = stmt2.Step()
	require.NoError(t, err)
	assert.Equal(t, 1, conn.ActiveStatements())
	stmt2.Finalize()
	assert.Equal(t, 0, conn.ActiveStatements())
}

func TestConcurrentModeBuffersUntilCheckpoint(t *testing.T) {
	store := mvcc.NewStore()
	db := newTestDB(t, store)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)

	_, err = conn.Exec("INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, err)
	assert.Equal(t, 3, store.Pending())

	// Reads see buffered versions merged over the (empty) tree.
	res, err := conn.Exec("SELECT * FROM t")
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)

	_, err = conn.Exec("DELETE FROM t WHERE a = 2")
	require.NoError(t, err)
	res, err = conn.Exec("SELECT * FROM t")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)

	require.NoError(t, db.engine.CheckpointVersionStore())
	assert.True(t, store.Empty())

	res, err = conn.Exec("SELECT * FROM t")
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, int64(1), intVal(res.Rows, 0, 0))
	assert.Equal(t, int64(3), intVal(res.Rows, 1, 0))
}

func TestDropTable(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	_, err := conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)
	_, err = conn.Exec("CREATE INDEX t_a ON t (a)")
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		_, err := conn.Exec(fmt.Sprintf("INSERT INTO t VALUES (%d)", i))
		require.NoError(t, err)
	}

	_, err = conn.Exec("DROP TABLE t")
	require.NoError(t, err)

	_, err = conn.Exec("SELECT * FROM t")
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.NoSuchObjectError))

	// The table's and index's pages went back to the freelist.
	assert.Greater(t, db.pager.FreePageCount(), 0)

	_, err = conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)
}

func TestSchemaReloadsOnCookieChange(t *testing.T) {
	db := newTestDB(t, nil)
	conn := db.connect()

	schemaBefore, err := db.engine.Schema()
	require.NoError(t, err)

	_, err = conn.Exec("CREATE TABLE t (a int)")
	require.NoError(t, err)

	schemaAfter, err := db.engine.Schema()
	require.NoError(t, err)
	assert.NotEqual(t, schemaBefore.Cookie, schemaAfter.Cookie)
	_, ok := schemaAfter.Table("t")
	assert.True(t, ok)
}
