package vacuum

import (
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/storage"
)

// copyBack transfers the side file's pages into the live file through the
// pager, never by writing the file directly. Every connection keeps its
// own handle into the live path, so a rename swap would strand them; a
// page-level overwrite keeps all handles valid.
//
// Until Commit succeeds every dirtied page is recoverable to its
// pre-rebuild content by discarding the uncommitted log tail; the Commit
// call is the atomic point of no return.
func (s *Session) copyBack() error {
	live := s.cfg.Conn.Engine().Pager()
	tempMeta := s.temp.pager.Meta()
	tempCount := tempMeta.PageCount

	if live.HasDirty() {
		return common.NewError(common.ActiveTransactionError,
			"uncommitted pages at copy-back")
	}

	// Grow the live logical page count first so pages past its current end
	// can be fetched; shrinking back happens below.
	if live.PageCount() < tempCount {
		live.Truncate(tempCount)
	}

	// Page 1 is not copied byte-wise: the live header is rebuilt from the
	// side file's metadata below and serialized by Commit.
	for pageNo := common.PageNo(2); pageNo <= tempCount; pageNo++ {
		src, err := s.temp.pager.GetPage(pageNo)
		if err != nil {
			return err
		}
		dst, err := live.GetPage(pageNo)
		if err != nil {
			return err
		}
		dst.PageLatch.Lock()
		copy(dst.Bytes, src.Bytes)
		dst.PageLatch.Unlock()
		live.MarkDirty(dst)
	}

	// Reclaim: the rebuilt content is page-count minimal with an empty
	// freelist.
	live.Truncate(tempCount)
	live.UpdateMeta(func(h *storage.Header) {
		h.PageCount = tempCount
		h.FreelistHead = common.NilPage
		h.FreePageCount = 0
		h.SchemaCookie = tempMeta.SchemaCookie
		h.DefaultCacheSize = tempMeta.DefaultCacheSize
		h.TextEncoding = tempMeta.TextEncoding
		h.UserVersion = tempMeta.UserVersion
		h.ApplicationID = tempMeta.ApplicationID
		h.AutoCompact = tempMeta.AutoCompact
	})
	return live.Commit()
}
