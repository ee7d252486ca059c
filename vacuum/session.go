// Package vacuum implements the rebuild-and-swap maintenance engine: it
// copies the database's logical content into a freshly built side file,
// swaps the compacted pages back into the live file through the pager's
// write-ahead-logged commit, and then invalidates every cached root-page
// reference by bumping the schema cookie, clearing the page cache, and
// forcing a schema re-parse. VACUUM INTO keeps the side file as the
// deliverable and never writes to the source.
package vacuum

import (
	"os"

	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/exec"
	"github.com/loamdb/loam/logging"
	"github.com/loamdb/loam/storage"
)

// Phase is one step of the rebuild state machine.
type Phase int

const (
	PhaseCheck Phase = iota
	PhaseBuild
	PhaseCopyBack
	PhaseFinalize
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseCheck:
		return "check"
	case PhaseBuild:
		return "build"
	case PhaseCopyBack:
		return "copy-back"
	case PhaseFinalize:
		return "finalize"
	case PhaseDone:
		return "done"
	}
	return "unknown"
}

// Config describes one rebuild request.
type Config struct {
	// Conn is the requesting connection; the rebuild reads the source
	// through its engine.
	Conn *exec.Connection
	// Lock is the database lock shared by every connection on this file.
	Lock *exec.DBLock
	// Path is the source database path.
	Path string
	// IsTemp marks the session-local temporary database, which may not be
	// rebuilt.
	IsTemp bool
	// IntoPath, when set, selects the INTO variant: the rebuilt file is
	// kept at this path and the source is left untouched.
	IntoPath string
}

// destDB bundles the handles of the temporary destination database. It is
// opened in direct-write mode: the side file is discarded wholesale on
// failure, so it needs no log of its own.
type destDB struct {
	path   string
	pager  *storage.Pager
	cat    *catalog.Catalog
	engine *exec.Engine
}

func createDest(path string, pageSize int, autoCompact storage.AutoCompactMode) (*destDB, error) {
	pager, err := storage.Open(path, storage.Options{
		Create:      true,
		PageSize:    pageSize,
		DisableWAL:  true,
		AutoCompact: autoCompact,
	})
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(pager)
	if err != nil {
		_ = pager.Close()
		return nil, err
	}
	return &destDB{
		path:   path,
		pager:  pager,
		cat:    cat,
		engine: exec.NewEngine(pager, cat, nil),
	}, nil
}

func (d *destDB) close() error {
	return d.pager.Close()
}

// Session is one rebuild in flight. Step is re-entrant: each call runs one
// phase and records where to resume, so callers can interleave the rebuild
// with other work between phases.
type Session struct {
	cfg      Config
	tempPath string

	phase     Phase
	temp      *destDB
	locked    bool
	committed bool
}

// NewSession prepares a rebuild of the database at cfg.Path.
func NewSession(cfg Config) *Session {
	return &Session{
		cfg:      cfg,
		tempPath: TempPath(cfg.Path),
		phase:    PhaseCheck,
	}
}

// Phase returns the phase the next Step will run.
func (s *Session) Phase() Phase { return s.phase }

// Done reports whether the session has run to completion.
func (s *Session) Done() bool { return s.phase == PhaseDone }

// Step runs one phase. On error the session is finished; Close still must
// be called to release the lock and sweep the side file.
func (s *Session) Step() error {
	switch s.phase {
	case PhaseCheck:
		if err := s.checkPreconditions(); err != nil {
			return err
		}
		if err := s.acquireLock(); err != nil {
			return err
		}
		s.phase = PhaseBuild
		return nil

	case PhaseBuild:
		if err := s.build(); err != nil {
			return err
		}
		if s.cfg.IntoPath != "" {
			// INTO variant: the side file is the deliverable.
			if err := s.temp.close(); err != nil {
				return err
			}
			s.temp = nil
			if err := os.Rename(s.tempPath, s.cfg.IntoPath); err != nil {
				return err
			}
			s.committed = true
			s.phase = PhaseDone
			return nil
		}
		s.phase = PhaseCopyBack
		return nil

	case PhaseCopyBack:
		if err := s.copyBack(); err != nil {
			return err
		}
		// The durable commit point. Everything after this is best-effort
		// cleanup and must not surface as rebuild failure.
		s.committed = true
		s.phase = PhaseFinalize
		return nil

	case PhaseFinalize:
		s.finalize()
		s.phase = PhaseDone
		return nil
	}
	return nil
}

func (s *Session) acquireLock() error {
	timeout := s.cfg.Conn.BusyTimeout()
	if s.cfg.IntoPath != "" {
		// Readers may continue while an INTO copy runs; writers may not.
		if err := s.cfg.Lock.AcquireShared(timeout); err != nil {
			return err
		}
	} else {
		if err := s.cfg.Lock.AcquireExclusive(timeout); err != nil {
			return err
		}
	}
	s.locked = true
	return nil
}

// Close releases the session's resources on every exit path: the database
// lock, the destination handles, and (unless the side file became the
// INTO deliverable) the side file itself.
func (s *Session) Close() {
	if s.temp != nil {
		if err := s.temp.close(); err != nil {
			logging.Warn("vacuum: closing temp database", "path", s.tempPath, "error", err)
		}
		s.temp = nil
	}
	if !s.committed || s.cfg.IntoPath == "" {
		if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
			logging.Warn("vacuum: removing temp file", "path", s.tempPath, "error", err)
		}
	}
	if s.locked {
		if s.cfg.IntoPath != "" {
			s.cfg.Lock.ReleaseShared()
		} else {
			s.cfg.Lock.ReleaseExclusive()
		}
		s.locked = false
	}
}

// Run drives a session to completion.
func Run(cfg Config) error {
	s := NewSession(cfg)
	defer s.Close()
	for !s.Done() {
		if err := s.Step(); err != nil {
			logging.Info("vacuum failed", "phase", s.phase.String(), "error", err)
			return err
		}
	}
	logging.Info("vacuum complete", "path", cfg.Path, "into", cfg.IntoPath)
	return nil
}
