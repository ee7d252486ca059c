package vacuum_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/exec"
	"github.com/loamdb/loam/integrity"
	"github.com/loamdb/loam/storage"
	"github.com/loamdb/loam/vacuum"
)

// harness wires the engine stack by hand so tests can drive a Session
// phase by phase and abandon it mid-flight.
type harness struct {
	path   string
	pager  *storage.Pager
	engine *exec.Engine
	conn   *exec.Connection
	lock   *exec.DBLock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		path: filepath.Join(t.TempDir(), "test.db"),
		lock: exec.NewDBLock(),
	}
	h.open(t, storage.Options{Create: true})
	t.Cleanup(func() { _ = h.pager.Close() })
	return h
}

func (h *harness) open(t *testing.T, opts storage.Options) {
	t.Helper()
	pager, err := storage.Open(h.path, opts)
	require.NoError(t, err)
	cat, err := catalog.Open(pager)
	require.NoError(t, err)
	if pager.HasDirty() {
		require.NoError(t, pager.Commit())
	}
	h.pager = pager
	h.engine = exec.NewEngine(pager, cat, nil)
	h.conn = exec.NewConnection(h.engine, h.lock)
}

// reopen simulates a process restart: close the file and come back up.
func (h *harness) reopen(t *testing.T) {
	t.Helper()
	require.NoError(t, h.pager.Close())
	h.lock = exec.NewDBLock()
	h.open(t, storage.Options{})
}

func (h *harness) exec(t *testing.T, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		_, err := h.conn.Exec(s)
		require.NoError(t, err, "statement %q", s)
	}
}

func (h *harness) hash(t *testing.T) string {
	t.Helper()
	sum, err := integrity.HashContent(h.engine)
	require.NoError(t, err)
	return sum
}

func (h *harness) config() vacuum.Config {
	return vacuum.Config{Conn: h.conn, Lock: h.lock, Path: h.path}
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	h.exec(t,
		"CREATE TABLE users (id int, name string)",
		"CREATE INDEX users_id ON users (id)",
		"INSERT INTO users VALUES (1, 'ada'), (2, 'grace'), (3, 'alan')",
		"DELETE FROM users WHERE id = 2",
	)
	require.NoError(t, h.pager.Checkpoint())
}

func tempFiles(t *testing.T, path string) []string {
	t.Helper()
	matches, err := filepath.Glob(path + ".vacuum-*")
	require.NoError(t, err)
	return matches
}

func TestSessionRunsPhasesInOrder(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	s := vacuum.NewSession(h.config())
	defer s.Close()

	want := []vacuum.Phase{
		vacuum.PhaseCheck, vacuum.PhaseBuild, vacuum.PhaseCopyBack, vacuum.PhaseFinalize,
	}
	for _, phase := range want {
		require.Equal(t, phase, s.Phase())
		require.False(t, s.Done())
		require.NoError(t, s.Step())
	}
	assert.True(t, s.Done())
}

func TestAbortAfterBuildLeavesSourceUntouched(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	dbBytes, err := os.ReadFile(h.path)
	require.NoError(t, err)
	walBytes, err := os.ReadFile(storage.WALPath(h.path))
	require.NoError(t, err)

	s := vacuum.NewSession(h.config())
	require.NoError(t, s.Step()) // check
	require.NoError(t, s.Step()) // build
	require.Equal(t, vacuum.PhaseCopyBack, s.Phase())
	require.NotEmpty(t, tempFiles(t, h.path), "side file exists mid-session")

	// Abort before the commit point.
	s.Close()

	dbAfter, err := os.ReadFile(h.path)
	require.NoError(t, err)
	assert.Equal(t, dbBytes, dbAfter, "source file must be byte-for-byte untouched")
	walAfter, err := os.ReadFile(storage.WALPath(h.path))
	require.NoError(t, err)
	assert.Equal(t, walBytes, walAfter)
	assert.Empty(t, tempFiles(t, h.path), "aborted session must remove its side file")
}

func TestCrashAfterCommitYieldsRebuiltDatabase(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	before := h.hash(t)

	s := vacuum.NewSession(h.config())
	require.NoError(t, s.Step()) // check
	require.NoError(t, s.Step()) // build
	require.NoError(t, s.Step()) // copy-back: the durable commit point
	require.Equal(t, vacuum.PhaseFinalize, s.Phase())

	// Crash before finalize: the session is abandoned, its side file left
	// behind, and the commit sits in the log unfolded.
	h.reopen(t)

	assert.Equal(t, before, h.hash(t), "rebuilt content must survive the crash")
	assert.Equal(t, 0, h.pager.FreePageCount())

	require.NotEmpty(t, tempFiles(t, h.path))
	assert.Equal(t, 1, vacuum.SweepOrphans(h.path))
	assert.Empty(t, tempFiles(t, h.path))
}

func TestIntoVariantKeepsDeliverable(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	before := h.hash(t)

	dest := filepath.Join(t.TempDir(), "copy.db")
	cfg := h.config()
	cfg.IntoPath = dest
	require.NoError(t, vacuum.Run(cfg))

	assert.Empty(t, tempFiles(t, h.path))

	pager, err := storage.Open(dest, storage.Options{})
	require.NoError(t, err)
	defer pager.Close()
	cat, err := catalog.Open(pager)
	require.NoError(t, err)
	sum, err := integrity.HashContent(exec.NewEngine(pager, cat, nil))
	require.NoError(t, err)
	assert.Equal(t, before, sum)
	assert.Equal(t, 0, pager.FreePageCount())
}

func TestReadersProceedDuringIntoSession(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	cfg := h.config()
	cfg.IntoPath = filepath.Join(t.TempDir(), "copy.db")
	s := vacuum.NewSession(cfg)
	defer s.Close()

	// The check phase takes the snapshot's shared lock.
	require.NoError(t, s.Step())
	require.Equal(t, vacuum.PhaseBuild, s.Phase())

	reader := exec.NewConnection(h.engine, h.lock)
	reader.SetBusyTimeout(100 * time.Millisecond)
	res, err := reader.Exec("SELECT * FROM users")
	require.NoError(t, err, "readers share the lock with an INTO copy")
	assert.Len(t, res.Rows, 2)

	writer := exec.NewConnection(h.engine, h.lock)
	writer.SetBusyTimeout(20 * time.Millisecond)
	_, err = writer.Exec("INSERT INTO users VALUES (9, 'kay')")
	require.Error(t, err, "writers are excluded until the snapshot is done")
	assert.True(t, common.ErrorHasCode(err, common.BusyError))

	for !s.Done() {
		require.NoError(t, s.Step())
	}
	s.Close()

	_, err = writer.Exec("INSERT INTO users VALUES (9, 'kay')")
	require.NoError(t, err)
}

func TestTempPathIsUniquePerSession(t *testing.T) {
	a := vacuum.TempPath("/data/app.db")
	b := vacuum.TempPath("/data/app.db")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "/data/app.db.vacuum-")
}

func TestSweepOrphansMatchesOnlyMarkedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.db")
	require.NoError(t, os.WriteFile(path, []byte("db"), 0644))
	orphan := path + ".vacuum-1234"
	require.NoError(t, os.WriteFile(orphan, []byte("x"), 0644))
	bystander := filepath.Join(dir, "app.db.backup")
	require.NoError(t, os.WriteFile(bystander, []byte("keep"), 0644))

	assert.Equal(t, 1, vacuum.SweepOrphans(path))

	_, err := os.Stat(orphan)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(bystander)
	assert.NoError(t, err)
}
