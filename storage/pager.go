package storage

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/tidwall/btree"

	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/wal"
)

// Options configures how a Pager opens a database file.
type Options struct {
	// Create requires that the file does not yet exist (or is empty) and
	// initializes a fresh database.
	Create bool
	// PageSize applies only when creating; 0 means common.DefaultPageSize.
	PageSize int
	// DisableWAL makes commits write directly to the main file. Used for
	// the rebuild engine's temporary destination database, which is
	// discarded wholesale on failure and therefore needs no log.
	DisableWAL bool
	// AutoCompact applies only when creating.
	AutoCompact AutoCompactMode
}

// Pager is the page store for one database file: a page cache in front of
// the DiskFile, a dirty-page set, a freelist allocator, and commit /
// checkpoint plumbing through the write-ahead log.
//
// The cache is unbounded; the engine's workloads are maintenance-sized and
// the rebuild finalizer clears the cache wholesale, so an eviction clock
// would buy nothing here.
type Pager struct {
	file *DiskFile
	log  *wal.Log // nil in direct-write mode

	cache *xsync.MapOf[common.PageNo, *PageFrame]

	// mu guards the header, the freelist, and the dirty set.
	mu     sync.Mutex
	hdr    Header
	dirty  btree.Map[common.PageNo, *PageFrame]
	closed bool
}

// WALPath returns the log path paired with a database path.
func WALPath(dbPath string) string { return dbPath + "-wal" }

// Open opens or creates the database file at path and recovers any
// committed write-ahead-log content into it.
func Open(path string, opts Options) (*Pager, error) {
	flags := os.O_RDWR
	if opts.Create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	if stat.Size() == 0 {
		if !opts.Create {
			_ = f.Close()
			return nil, common.NewError(common.CorruptError, "empty database file %q", path)
		}
		return createDatabase(f, opts)
	}

	pageSize, err := SniffPageSize(path)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	file, err := OpenDiskFile(f, pageSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	p := &Pager{
		file:  file,
		cache: xsync.NewMapOf[common.PageNo, *PageFrame](),
	}
	if !opts.DisableWAL {
		p.log, err = wal.Open(WALPath(path), pageSize)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
		// Fold committed log content left over from a previous session (or
		// crash) before reading the header.
		if !p.log.Empty() {
			if err := p.recoverCheckpoint(); err != nil {
				_ = p.log.Close()
				_ = file.Close()
				return nil, err
			}
		}
	}

	buf := make([]byte, pageSize)
	if err := file.ReadPage(1, buf); err != nil {
		_ = p.closeFiles()
		return nil, err
	}
	hdr, err := loadHeader(buf)
	if err != nil {
		_ = p.closeFiles()
		return nil, err
	}
	p.hdr = hdr
	return p, nil
}

func createDatabase(f *os.File, opts Options) (*Pager, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = common.DefaultPageSize
	}
	file, err := OpenDiskFile(f, pageSize)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	hdr := newHeader(pageSize)
	hdr.AutoCompact = opts.AutoCompact

	buf := make([]byte, pageSize)
	hdr.writeTo(buf)
	if err := file.WritePage(1, buf); err != nil {
		_ = file.Close()
		return nil, err
	}
	// Materialize the (still empty) catalog root page.
	if err := file.EnsurePages(CatalogRootPage); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return nil, err
	}

	p := &Pager{
		file:  file,
		hdr:   hdr,
		cache: xsync.NewMapOf[common.PageNo, *PageFrame](),
	}
	if !opts.DisableWAL {
		p.log, err = wal.Open(WALPath(f.Name()), pageSize)
		if err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return p, nil
}

func (p *Pager) closeFiles() error {
	var firstErr error
	if p.log != nil {
		firstErr = p.log.Close()
	}
	if err := p.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// recoverCheckpoint folds committed log frames into the main file without
// consulting the (possibly stale) main-file header.
func (p *Pager) recoverCheckpoint() error {
	pageCount, ok := p.log.PageCount()
	common.Assert(ok, "recoverCheckpoint on empty log")
	err := p.log.Fold(func(pageNo common.PageNo, data []byte) error {
		if pageNo > pageCount {
			return nil
		}
		return p.file.WritePage(pageNo, data)
	})
	if err != nil {
		return err
	}
	if err := p.file.EnsurePages(pageCount); err != nil {
		return err
	}
	if err := p.file.Truncate(pageCount); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	return p.log.Reset()
}

// PageSize returns the database page size.
func (p *Pager) PageSize() int { return p.file.PageSize() }

// PageCount returns the logical page count of the database.
func (p *Pager) PageCount() common.PageNo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr.PageCount
}

// FreePageCount returns the number of pages on the freelist.
func (p *Pager) FreePageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.hdr.FreePageCount)
}

// Meta returns a copy of the header's metadata counters.
func (p *Pager) Meta() Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr
}

// UpdateMeta mutates the header's metadata counters. The change becomes
// durable at the next Commit, when the header page is rewritten.
func (p *Pager) UpdateMeta(fn func(h *Header)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(&p.hdr)
}

// GetPage returns the frame for pageNo, loading it through the write-ahead
// log or the main file as needed. pageNo must not exceed the logical page
// count.
func (p *Pager) GetPage(pageNo common.PageNo) (*PageFrame, error) {
	if pageNo.IsNil() {
		return nil, common.NewError(common.CorruptError, "nil page reference")
	}
	p.mu.Lock()
	if pageNo > p.hdr.PageCount {
		count := p.hdr.PageCount
		p.mu.Unlock()
		return nil, common.NewError(common.CorruptError,
			"page %d out of bounds (database has %d pages)", pageNo, count)
	}
	p.mu.Unlock()

	if frame, ok := p.cache.Load(pageNo); ok {
		return frame, nil
	}

	frame := newPageFrame(pageNo, p.file.PageSize())
	loaded := false
	if p.log != nil {
		ok, err := p.log.ReadPage(pageNo, frame.Bytes)
		if err != nil {
			return nil, err
		}
		loaded = ok
	}
	if !loaded {
		if err := p.file.ReadPage(pageNo, frame.Bytes); err != nil {
			return nil, err
		}
	}

	actual, raced := p.cache.LoadOrStore(pageNo, frame)
	if raced {
		return actual, nil
	}
	return frame, nil
}

// AllocatePage returns a zeroed, dirty frame for a fresh page, taken from
// the freelist when possible and otherwise by extending the logical page
// count. The physical file grows lazily at commit/checkpoint time.
func (p *Pager) AllocatePage() (*PageFrame, error) {
	p.mu.Lock()
	head := p.hdr.FreelistHead
	if head.IsNil() {
		p.hdr.PageCount++
		pageNo := p.hdr.PageCount
		p.mu.Unlock()

		frame := newPageFrame(pageNo, p.file.PageSize())
		actual, raced := p.cache.LoadOrStore(pageNo, frame)
		common.Assert(!raced, "freshly allocated page %d already cached", pageNo)
		_ = actual
		p.MarkDirty(frame)
		return frame, nil
	}
	p.mu.Unlock()

	// Reuse the freelist head; its first bytes link to the next free page.
	frame, err := p.GetPage(head)
	if err != nil {
		return nil, err
	}
	frame.PageLatch.Lock()
	next := common.PageNo(binary.LittleEndian.Uint32(frame.Bytes))
	frame.Zero()
	frame.PageLatch.Unlock()

	p.mu.Lock()
	p.hdr.FreelistHead = next
	p.hdr.FreePageCount--
	p.mu.Unlock()

	p.MarkDirty(frame)
	return frame, nil
}

// FreePage returns a page to the freelist.
func (p *Pager) FreePage(pageNo common.PageNo) error {
	frame, err := p.GetPage(pageNo)
	if err != nil {
		return err
	}
	p.mu.Lock()
	head := p.hdr.FreelistHead
	p.hdr.FreelistHead = pageNo
	p.hdr.FreePageCount++
	p.mu.Unlock()

	frame.PageLatch.Lock()
	frame.Zero()
	binary.LittleEndian.PutUint32(frame.Bytes, uint32(head))
	frame.PageLatch.Unlock()
	p.MarkDirty(frame)
	return nil
}

// MarkDirty records that the frame's bytes have been (or are about to be)
// modified so the next Commit writes it out.
func (p *Pager) MarkDirty(frame *PageFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !frame.dirty {
		frame.dirty = true
		p.dirty.Set(frame.pageNo, frame)
	}
}

// HasDirty reports whether uncommitted modifications exist.
func (p *Pager) HasDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty.Len() > 0
}

// Truncate shrinks the logical page count to pageCount, discarding the
// freelist and any cached pages beyond the new end. The physical shrink
// happens at commit (direct mode) or checkpoint (WAL mode).
func (p *Pager) Truncate(pageCount common.PageNo) {
	p.mu.Lock()
	p.hdr.PageCount = pageCount
	p.hdr.FreelistHead = common.NilPage
	p.hdr.FreePageCount = 0
	var drop []common.PageNo
	p.dirty.Scan(func(pageNo common.PageNo, _ *PageFrame) bool {
		if pageNo > pageCount {
			drop = append(drop, pageNo)
		}
		return true
	})
	for _, pageNo := range drop {
		if frame, ok := p.dirty.Get(pageNo); ok {
			frame.dirty = false
		}
		p.dirty.Delete(pageNo)
	}
	p.mu.Unlock()

	p.cache.Range(func(pageNo common.PageNo, _ *PageFrame) bool {
		if pageNo > pageCount {
			p.cache.Delete(pageNo)
		}
		return true
	})
}

// Commit makes all dirty pages durable as one atomic unit. In WAL mode the
// pages are appended to the log with a commit marker; the main file is not
// touched until Checkpoint. In direct mode the pages are written straight
// to the file and synced.
func (p *Pager) Commit() error {
	p.mu.Lock()
	// The header page participates in every commit so that page count,
	// freelist, and metadata counters travel with the data they describe.
	hdrFrame, ok := p.cache.Load(1)
	if !ok {
		hdrFrame = newPageFrame(1, p.file.PageSize())
		p.cache.Store(1, hdrFrame)
	}
	hdrFrame.PageLatch.Lock()
	hdrFrame.Zero()
	p.hdr.writeTo(hdrFrame.Bytes)
	hdrFrame.PageLatch.Unlock()
	if !hdrFrame.dirty {
		hdrFrame.dirty = true
		p.dirty.Set(1, hdrFrame)
	}

	frames := make([]*PageFrame, 0, p.dirty.Len())
	p.dirty.Scan(func(_ common.PageNo, frame *PageFrame) bool {
		frames = append(frames, frame)
		return true
	})
	pageCount := p.hdr.PageCount
	p.mu.Unlock()

	if p.log != nil {
		walFrames := make([]wal.Frame, len(frames))
		for i, frame := range frames {
			walFrames[i] = wal.Frame{PageNo: frame.pageNo, Data: frame.Bytes}
		}
		if err := p.log.Commit(walFrames, pageCount); err != nil {
			return err
		}
	} else {
		for _, frame := range frames {
			if err := p.file.WritePage(frame.pageNo, frame.Bytes); err != nil {
				return err
			}
		}
		if err := p.file.EnsurePages(pageCount); err != nil {
			return err
		}
		if err := p.file.Truncate(pageCount); err != nil {
			return err
		}
		if err := p.file.Sync(); err != nil {
			return err
		}
	}

	p.mu.Lock()
	for _, frame := range frames {
		frame.dirty = false
	}
	p.dirty.Clear()
	p.mu.Unlock()
	return nil
}

// Rollback discards all dirty pages and restores the header to its last
// committed state.
func (p *Pager) Rollback() error {
	p.mu.Lock()
	var dropped []common.PageNo
	p.dirty.Scan(func(pageNo common.PageNo, frame *PageFrame) bool {
		frame.dirty = false
		dropped = append(dropped, pageNo)
		return true
	})
	p.dirty.Clear()
	p.mu.Unlock()

	for _, pageNo := range dropped {
		p.cache.Delete(pageNo)
	}

	// Reload the committed header.
	buf := make([]byte, p.file.PageSize())
	loaded := false
	if p.log != nil {
		ok, err := p.log.ReadPage(1, buf)
		if err != nil {
			return err
		}
		loaded = ok
	}
	if !loaded {
		if err := p.file.ReadPage(1, buf); err != nil {
			return err
		}
	}
	hdr, err := loadHeader(buf)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.hdr = hdr
	p.mu.Unlock()
	p.cache.Delete(1)
	return nil
}

// Checkpoint folds committed write-ahead-log content into the main file,
// truncates the file to the logical page count, and resets the log.
func (p *Pager) Checkpoint() error {
	if p.log == nil || p.log.Empty() {
		return nil
	}
	p.mu.Lock()
	if p.dirty.Len() > 0 {
		p.mu.Unlock()
		return common.NewError(common.CorruptError, "checkpoint with uncommitted pages")
	}
	pageCount := p.hdr.PageCount
	p.mu.Unlock()

	err := p.log.Fold(func(pageNo common.PageNo, data []byte) error {
		if pageNo > pageCount {
			return nil
		}
		return p.file.WritePage(pageNo, data)
	})
	if err != nil {
		return err
	}
	if err := p.file.EnsurePages(pageCount); err != nil {
		return err
	}
	if err := p.file.Truncate(pageCount); err != nil {
		return err
	}
	if err := p.file.Sync(); err != nil {
		return err
	}
	return p.log.Reset()
}

// ClearCache drops every cached page. Callers must have committed or rolled
// back first; cached page numbers may refer to entirely different logical
// content after a rebuild.
func (p *Pager) ClearCache() {
	p.mu.Lock()
	common.Assert(p.dirty.Len() == 0, "clearing cache with dirty pages")
	p.mu.Unlock()
	p.cache.Clear()
}

// Sync flushes the main file to stable storage.
func (p *Pager) Sync() error { return p.file.Sync() }

// Close closes the log and main file.
func (p *Pager) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.closeFiles()
}
