package vacuum

import (
	"os"

	"github.com/loamdb/loam/common"
)

// checkPreconditions gates entry into a rebuild. Each violation is a
// distinct error code and no I/O against the live file happens here.
func (s *Session) checkPreconditions() error {
	if !s.cfg.Conn.Autocommit() {
		return common.NewError(common.ActiveTransactionError,
			"cannot VACUUM from within a transaction")
	}
	// The connection driving the rebuild has no statement of its own mid
	// step; anything counted here is another cursor on the same session.
	if s.cfg.Conn.ActiveStatements() > 0 {
		return common.NewError(common.ActiveStatementError,
			"cannot VACUUM - SQL statements in progress")
	}
	if s.cfg.IsTemp {
		return common.NewError(common.TempTargetError,
			"cannot VACUUM the temporary database")
	}
	if store := s.cfg.Conn.Engine().VersionStore(); store != nil && !store.Empty() {
		return common.NewError(common.VersionStoreError,
			"cannot VACUUM with %d uncheckpointed row versions", store.Pending())
	}
	if s.cfg.IntoPath != "" {
		if err := checkIntoDestination(s.cfg.IntoPath); err != nil {
			return err
		}
	}
	return nil
}

// checkIntoDestination rejects a VACUUM INTO target that already exists as
// a non-empty file.
func checkIntoDestination(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() || info.Size() > 0 {
		return common.NewError(common.DestinationExistsError,
			"output file %q already exists", path)
	}
	return nil
}
