package vacuum

import (
	"strings"

	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/exec"
	"github.com/loamdb/loam/logging"
	"github.com/loamdb/loam/storage"
)

// build produces a page-count-minimal replica of the source in the side
// file. Nothing here writes to the source; any failure discards the
// destination wholesale.
//
// Ordering: tables are created and filled in case-insensitive name order
// (hidden materialized-view storage included, with no special-cased copy
// path), the sequence table is copied last so its counters land on
// already-created tables, then indexes are replayed in name order --
// rebuilding each index tree from freshly packed rows is the mechanism
// that yields defragmented storage. Schema-only entries (views, triggers,
// virtual tables) are copied verbatim; their root sentinel owns no pages.
func (s *Session) build() error {
	srcEngine := s.cfg.Conn.Engine()
	srcMeta := srcEngine.Pager().Meta()
	schema, err := srcEngine.Schema()
	if err != nil {
		return err
	}

	dest, err := createDest(s.tempPath, int(srcMeta.PageSize), srcMeta.AutoCompact)
	if err != nil {
		return err
	}
	s.temp = dest

	var seqTable *catalog.Table
	var terr error
	schema.Tables(func(t *catalog.Table) bool {
		if strings.EqualFold(t.Name, catalog.SequenceTableName) {
			seqTable = t
			return true
		}
		terr = s.copyTable(srcEngine, t)
		return terr == nil
	})
	if terr != nil {
		return terr
	}
	if seqTable != nil {
		if err := s.copyTable(srcEngine, seqTable); err != nil {
			return err
		}
	}

	schema.Indexes(func(idx *catalog.Index) bool {
		terr = dest.engine.CreateIndexFromSQL(idx.SQL, idx.Flags&catalog.FlagHidden)
		if terr == nil {
			logging.Debug("vacuum: rebuilt index", "index", idx.Name)
		}
		return terr == nil
	})
	if terr != nil {
		return terr
	}

	for _, entry := range schema.Entries() {
		switch entry.Kind {
		case catalog.KindView, catalog.KindTrigger, catalog.KindVirtual:
			if err := dest.engine.AddEntryVerbatim(entry); err != nil {
				return err
			}
		}
	}

	dest.pager.UpdateMeta(func(h *storage.Header) {
		h.SchemaCookie = srcMeta.SchemaCookie + 1
		h.DefaultCacheSize = srcMeta.DefaultCacheSize
		h.TextEncoding = srcMeta.TextEncoding
		h.UserVersion = srcMeta.UserVersion
		h.ApplicationID = srcMeta.ApplicationID
	})
	return dest.pager.Commit()
}

// copyTable replays the table's defining statement against the destination
// and streams its rows over, rowids preserved.
func (s *Session) copyTable(srcEngine *exec.Engine, t *catalog.Table) error {
	if err := s.temp.engine.CreateTableFromSQL(t.SQL, t.Flags); err != nil {
		return err
	}
	destSchema, err := s.temp.engine.Schema()
	if err != nil {
		return err
	}
	destTable, ok := destSchema.Table(t.Name)
	if !ok {
		return common.NewError(common.CorruptError,
			"table %q missing from destination after creation", t.Name)
	}

	rows := 0
	err = srcEngine.ScanRaw(t, func(rowID int64, row []byte) (bool, error) {
		if err := s.temp.engine.CopyInsert(destTable, rowID, row); err != nil {
			return false, err
		}
		rows++
		return true, nil
	})
	if err != nil {
		return err
	}
	logging.Debug("vacuum: copied table", "table", t.Name, "rows", rows)
	return nil
}
