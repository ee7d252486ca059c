package exec

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/logging"
	"github.com/loamdb/loam/sql"
)

// DefaultBusyTimeout bounds how long a statement waits on the database
// lock before failing with BusyError.
const DefaultBusyTimeout = 5 * time.Second

// Result carries the outcome of one executed statement.
type Result struct {
	Columns      []string
	Rows         [][]common.Value
	LastRowID    int64
	RowsAffected int
}

// Connection is one session against a database: transaction scope, the
// busy timeout, and the count of statements currently being stepped. The
// rebuild precondition checker reads Autocommit and ActiveStatements from
// here.
type Connection struct {
	engine      *Engine
	lock        *DBLock
	busyTimeout time.Duration

	mu    sync.Mutex
	inTxn bool

	activeStmts atomic.Int32
}

// NewConnection opens a session over an engine. Connections on the same
// database must share the same DBLock.
func NewConnection(engine *Engine, lock *DBLock) *Connection {
	return &Connection{engine: engine, lock: lock, busyTimeout: DefaultBusyTimeout}
}

func (c *Connection) Engine() *Engine { return c.engine }

// SetBusyTimeout adjusts how long lock acquisition may wait.
func (c *Connection) SetBusyTimeout(d time.Duration) { c.busyTimeout = d }

// BusyTimeout returns the current lock-wait bound.
func (c *Connection) BusyTimeout() time.Duration { return c.busyTimeout }

// Autocommit reports whether the connection is outside any explicit
// transaction.
func (c *Connection) Autocommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.inTxn
}

// ActiveStatements returns how many prepared statements are mid-step.
func (c *Connection) ActiveStatements() int {
	return int(c.activeStmts.Load())
}

// Exec parses and executes one statement.
func (c *Connection) Exec(text string) (*Result, error) {
	stmt, err := sql.Parse(text)
	if err != nil {
		return nil, err
	}
	return c.ExecParsed(stmt, text)
}

// ExecParsed executes an already-parsed statement. Rebuild statements are
// not handled here; they need the database handle and are intercepted a
// level up.
func (c *Connection) ExecParsed(stmt *sql.Statement, text string) (*Result, error) {
	switch {
	case stmt.Begin:
		return nil, c.Begin()
	case stmt.Commit:
		return nil, c.Commit()
	case stmt.Rollback:
		return nil, c.Rollback()
	case stmt.Vacuum != nil:
		return nil, common.NewError(common.ActiveTransactionError,
			"maintenance statements run through the database handle")
	}

	readOnly := stmt.Select != nil

	release, err := c.enter(readOnly)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := c.apply(stmt, text)
	if err != nil {
		if !readOnly && c.Autocommit() {
			if rerr := c.engine.pager.Rollback(); rerr != nil {
				logging.Warn("rollback", "error", rerr)
			}
			c.engine.InvalidateSchema()
		}
		return nil, err
	}
	if !readOnly && c.Autocommit() {
		if err := c.engine.pager.Commit(); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// enter acquires the database lock for a single autocommit statement, or
// verifies the transaction already holds it. Read-only statements take a
// shared slot so they coexist with each other and with a snapshot copy in
// progress; everything else takes the writer slot.
func (c *Connection) enter(readOnly bool) (func(), error) {
	c.mu.Lock()
	inTxn := c.inTxn
	c.mu.Unlock()
	if inTxn {
		return func() {}, nil
	}
	if readOnly {
		if err := c.lock.AcquireShared(c.busyTimeout); err != nil {
			return nil, err
		}
		return c.lock.ReleaseShared, nil
	}
	if err := c.lock.AcquireExclusive(c.busyTimeout); err != nil {
		return nil, err
	}
	return c.lock.ReleaseExclusive, nil
}

func (c *Connection) apply(stmt *sql.Statement, text string) (*Result, error) {
	switch {
	case stmt.CreateTable != nil:
		return &Result{}, c.engine.CreateTable(stmt.CreateTable, text)
	case stmt.CreateIndex != nil:
		return &Result{}, c.engine.CreateIndex(stmt.CreateIndex, text)
	case stmt.CreateView != nil:
		return &Result{}, c.engine.CreateMaterializedView(stmt.CreateView, text)
	case stmt.CreateVirtual != nil:
		return &Result{}, c.engine.CreateVirtualTable(stmt.CreateVirtual, text)
	case stmt.CreateTrigger != nil:
		return &Result{}, c.engine.CreateTrigger(stmt.CreateTrigger, text)
	case stmt.DropTable != nil:
		return &Result{}, c.engine.DropTable(stmt.DropTable.Name)
	case stmt.Insert != nil:
		return c.applyInsert(stmt.Insert)
	case stmt.Delete != nil:
		n, err := c.engine.Delete(stmt.Delete.Table, stmt.Delete.Where)
		if err != nil {
			return nil, err
		}
		return &Result{RowsAffected: n}, nil
	case stmt.Select != nil:
		return c.engine.Select(stmt.Select)
	}
	return nil, common.NewError(common.CorruptError, "unsupported statement: %q", text)
}

func (c *Connection) applyInsert(ins *sql.Insert) (*Result, error) {
	table, err := c.engine.lookupTable(ins.Table)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, row := range ins.Rows {
		if len(row.Values) != len(table.Columns) {
			return nil, common.NewError(common.ConstraintError,
				"table %q has %d columns, got %d values",
				table.Name, len(table.Columns), len(row.Values))
		}
		vals := make([]common.Value, len(row.Values))
		for i, lit := range row.Values {
			v, ok := literalValue(lit, table.Columns[i].Type)
			if !ok {
				return nil, common.NewError(common.ConstraintError,
					"value %d has wrong type for column %q", i, table.Columns[i].Name)
			}
			vals[i] = v
		}
		rowID, err := c.engine.Insert(table.Name, vals)
		if err != nil {
			return nil, err
		}
		res.LastRowID = rowID
		res.RowsAffected++
	}
	return res, nil
}

// Begin opens an explicit transaction, taking the writer lock for its
// whole duration.
func (c *Connection) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inTxn {
		return common.NewError(common.ActiveTransactionError, "transaction already open")
	}
	if err := c.lock.AcquireExclusive(c.busyTimeout); err != nil {
		return err
	}
	c.inTxn = true
	return nil
}

// Commit makes the open transaction durable and releases the lock.
func (c *Connection) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTxn {
		return common.NewError(common.ActiveTransactionError, "no open transaction")
	}
	err := c.engine.pager.Commit()
	c.inTxn = false
	c.lock.ReleaseExclusive()
	return err
}

// Rollback discards the open transaction's uncommitted pages.
func (c *Connection) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inTxn {
		return common.NewError(common.ActiveTransactionError, "no open transaction")
	}
	err := c.engine.pager.Rollback()
	c.engine.InvalidateSchema()
	c.inTxn = false
	c.lock.ReleaseExclusive()
	if err != nil {
		logging.Warn("rollback", "error", err)
	}
	return err
}

// InTxn reports whether an explicit transaction is open.
func (c *Connection) InTxn() bool {
	return !c.Autocommit()
}
