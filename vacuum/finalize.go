package vacuum

import (
	"os"

	"github.com/loamdb/loam/logging"
)

// finalize reconciles every in-memory subsystem with the rebuilt layout.
// It runs only after the durable commit, so each step is best-effort:
// failures are logged, never reported, and the next-open orphan sweep
// covers a missed temp-file deletion.
func (s *Session) finalize() {
	engine := s.cfg.Conn.Engine()

	// The schema cookie on disk already moved during copy-back; dropping
	// the cached schema makes this connection (and, via the cookie check,
	// every other one) re-parse the catalog and pick up the new root-page
	// references for tables, indexes, and view storage alike. No subsystem
	// gets special-cased patching because none may cache a root page
	// outside the catalog.
	engine.InvalidateSchema()

	// Every cached page number now names different logical content.
	engine.Pager().ClearCache()

	if err := engine.Pager().Checkpoint(); err != nil {
		logging.Warn("vacuum: checkpoint after rebuild", "error", err)
	}

	if s.temp != nil {
		if err := s.temp.close(); err != nil {
			logging.Warn("vacuum: closing temp database", "path", s.tempPath, "error", err)
		}
		s.temp = nil
	}
	if err := os.Remove(s.tempPath); err != nil && !os.IsNotExist(err) {
		logging.Warn("vacuum: removing temp file", "path", s.tempPath, "error", err)
	}
}
