// Package loam is an embedded, page-based relational database with a
// rebuild-and-swap maintenance engine. A DB owns the pager, catalog, and
// lock for one database file; Conn sessions execute statements against it.
// VACUUM statements are intercepted here because the rebuild needs the
// whole-database handle, not just a connection.
package loam

import (
	"sync"

	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/exec"
	"github.com/loamdb/loam/mvcc"
	"github.com/loamdb/loam/sql"
	"github.com/loamdb/loam/storage"
	"github.com/loamdb/loam/vacuum"
)

// Options configures Open.
type Options struct {
	// Create initializes a fresh database; the file must not already hold
	// one.
	Create bool
	// PageSize applies only when creating; 0 means the default.
	PageSize int
	// AutoCompact applies only when creating.
	AutoCompact storage.AutoCompactMode
	// Concurrent enables the in-memory multi-version row store. Writes
	// buffer there until Checkpoint.
	Concurrent bool
	// Temp marks a session-local temporary database, which refuses VACUUM.
	Temp bool
}

// DB is one open database file and the state shared by its connections.
type DB struct {
	path string
	temp bool

	pager  *storage.Pager
	cat    *catalog.Catalog
	store  *mvcc.Store
	engine *exec.Engine
	lock   *exec.DBLock

	mu     sync.Mutex
	closed bool
}

// Open opens or creates the database at path. Orphan temp files from an
// interrupted rebuild are swept first.
func Open(path string, opts Options) (*DB, error) {
	vacuum.SweepOrphans(path)

	pager, err := storage.Open(path, storage.Options{
		Create:      opts.Create,
		PageSize:    opts.PageSize,
		AutoCompact: opts.AutoCompact,
	})
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(pager)
	if err != nil {
		_ = pager.Close()
		return nil, err
	}
	// A freshly created database has its formatted catalog root only in
	// cache; commit it so a later rollback cannot unformat it.
	if pager.HasDirty() {
		if err := pager.Commit(); err != nil {
			_ = pager.Close()
			return nil, err
		}
	}
	var store *mvcc.Store
	if opts.Concurrent {
		store = mvcc.NewStore()
	}
	return &DB{
		path:   path,
		temp:   opts.Temp,
		pager:  pager,
		cat:    cat,
		store:  store,
		engine: exec.NewEngine(pager, cat, store),
		lock:   exec.NewDBLock(),
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Engine exposes the statement engine, mainly for tests and tooling.
func (db *DB) Engine() *exec.Engine { return db.engine }

// Connect opens a new session.
func (db *DB) Connect() *Conn {
	return &Conn{Connection: exec.NewConnection(db.engine, db.lock), db: db}
}

// Checkpoint drains the multi-version store (if any) into the trees,
// commits, and folds the write-ahead log into the main file.
func (db *DB) Checkpoint() error {
	if err := db.engine.CheckpointVersionStore(); err != nil {
		return err
	}
	return db.pager.Checkpoint()
}

// Close closes the database file and its log.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	return db.pager.Close()
}

// Vacuum rebuilds the database in place: a compacted replica is built in a
// side file and swapped back page by page through the logged commit.
func (db *DB) Vacuum(c *Conn) error {
	return vacuum.Run(vacuum.Config{
		Conn:   c.Connection,
		Lock:   db.lock,
		Path:   db.path,
		IsTemp: db.temp,
	})
}

// VacuumInto writes a compacted copy of the database to dest without
// modifying the source.
func (db *DB) VacuumInto(c *Conn, dest string) error {
	if dest == "" {
		return common.NewError(common.DestinationExistsError, "empty VACUUM INTO path")
	}
	return vacuum.Run(vacuum.Config{
		Conn:     c.Connection,
		Lock:     db.lock,
		Path:     db.path,
		IsTemp:   db.temp,
		IntoPath: dest,
	})
}

// Conn is a session bound to its database handle, so statements that need
// the whole database (VACUUM) can be routed there.
type Conn struct {
	*exec.Connection
	db *DB
}

// DB returns the owning database.
func (c *Conn) DB() *DB { return c.db }

// Exec parses and executes one statement, routing VACUUM through the
// database handle.
func (c *Conn) Exec(text string) (*exec.Result, error) {
	stmt, err := sql.Parse(text)
	if err != nil {
		return nil, err
	}
	if stmt.Vacuum != nil {
		if path := stmt.Vacuum.IntoPath(); path != "" {
			return &exec.Result{}, c.db.VacuumInto(c, path)
		}
		return &exec.Result{}, c.db.Vacuum(c)
	}
	return c.Connection.ExecParsed(stmt, text)
}
