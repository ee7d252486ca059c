package exec

import (
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/sql"
)

// Statement is a prepared statement. It counts as active on its
// connection from the first Step until it is exhausted, reset, or
// finalized; maintenance operations refuse to run while any statement on
// the database is active.
type Statement struct {
	conn *Connection
	stmt *sql.Statement
	text string

	res       *Result
	pos       int
	active    bool
	finalized bool
}

// Prepare parses a statement for stepping.
func (c *Connection) Prepare(text string) (*Statement, error) {
	stmt, err := sql.Parse(text)
	if err != nil {
		return nil, err
	}
	return &Statement{conn: c, stmt: stmt, text: text}, nil
}

// Step executes the statement on first call and returns one result row
// per call. A false return with nil error means the statement finished
// and is no longer active.
func (s *Statement) Step() ([]common.Value, error) {
	if s.finalized {
		return nil, common.NewError(common.ActiveStatementError, "statement is finalized")
	}
	if !s.active {
		res, err := s.conn.ExecParsed(s.stmt, s.text)
		if err != nil {
			return nil, err
		}
		s.res = res
		s.pos = 0
		s.active = true
		s.conn.activeStmts.Add(1)
	}
	if s.res == nil || s.pos >= len(s.res.Rows) {
		s.deactivate()
		return nil, nil
	}
	row := s.res.Rows[s.pos]
	s.pos++
	return row, nil
}

// Columns returns the result column names once the statement has run.
func (s *Statement) Columns() []string {
	if s.res == nil {
		return nil
	}
	return s.res.Columns
}

// Reset rewinds the statement so it can be stepped again.
func (s *Statement) Reset() {
	s.deactivate()
	s.res = nil
	s.pos = 0
}

// Finalize releases the statement.
func (s *Statement) Finalize() {
	s.deactivate()
	s.finalized = true
}

func (s *Statement) deactivate() {
	if s.active {
		s.active = false
		s.conn.activeStmts.Add(-1)
	}
}
