package storage

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/common"
)

// DiskFile is the raw page-level view of one database file. Page numbers
// are 1-based; page N lives at byte offset (N-1)*pageSize. Concurrent
// reads and writes to distinct pages are safe; file extension and
// truncation are serialized.
type DiskFile struct {
	file     *os.File
	pageSize int

	// numPages caches the file size in pages to avoid stat() syscalls on
	// every bounds check. Updated atomically after extension/truncation.
	numPages atomic.Int32

	// allocMu serializes Truncate-based size changes.
	allocMu sync.Mutex
}

// OpenDiskFile wraps an already open OS file whose size must be a whole
// number of pages.
func OpenDiskFile(file *os.File, pageSize int) (*DiskFile, error) {
	common.Assert(pageSize >= common.MinPageSize && pageSize <= common.MaxPageSize,
		"page size out of range: %d", pageSize)
	stat, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if stat.Size()%int64(pageSize) != 0 {
		return nil, common.NewError(common.CorruptError,
			"file size %d is not a multiple of page size %d", stat.Size(), pageSize)
	}
	df := &DiskFile{file: file, pageSize: pageSize}
	df.numPages.Store(int32(stat.Size() / int64(pageSize)))
	return df, nil
}

// PageSize returns the fixed page size of the file.
func (f *DiskFile) PageSize() int { return f.pageSize }

// NumPages returns the number of pages physically present in the file.
func (f *DiskFile) NumPages() common.PageNo {
	return common.PageNo(f.numPages.Load())
}

func (f *DiskFile) offset(pageNo common.PageNo) int64 {
	common.Assert(!pageNo.IsNil(), "page numbers are 1-based")
	return int64(pageNo-1) * int64(f.pageSize)
}

// ReadPage reads the content of pageNo into frame. Pages beyond the current
// physical size read as zeroes so callers can treat logically allocated but
// unmaterialized pages uniformly.
func (f *DiskFile) ReadPage(pageNo common.PageNo, frame []byte) error {
	common.Assert(len(frame) == f.pageSize, "buffer size must match page size")
	if int32(pageNo) > f.numPages.Load() {
		for i := range frame {
			frame[i] = 0
		}
		return nil
	}
	if _, err := f.file.ReadAt(frame, f.offset(pageNo)); err != nil {
		return errors.Wrapf(err, "read page %d", pageNo)
	}
	return nil
}

// WritePage writes frame to pageNo, physically extending the file first if
// the page lies beyond the current end.
func (f *DiskFile) WritePage(pageNo common.PageNo, frame []byte) error {
	common.Assert(len(frame) == f.pageSize, "buffer size must match page size")
	if int32(pageNo) > f.numPages.Load() {
		if err := f.EnsurePages(pageNo); err != nil {
			return err
		}
	}
	if _, err := f.file.WriteAt(frame, f.offset(pageNo)); err != nil {
		return errors.Wrapf(err, "write page %d", pageNo)
	}
	return nil
}

// EnsurePages grows the file so that at least pageCount pages exist. New
// pages read as zeroes.
func (f *DiskFile) EnsurePages(pageCount common.PageNo) error {
	f.allocMu.Lock()
	defer f.allocMu.Unlock()
	if int32(pageCount) <= f.numPages.Load() {
		return nil
	}
	if err := f.file.Truncate(int64(pageCount) * int64(f.pageSize)); err != nil {
		return errors.Wrapf(err, "extend file to %d pages", pageCount)
	}
	f.numPages.Store(int32(pageCount))
	return nil
}

// Truncate shrinks the file to exactly pageCount pages.
func (f *DiskFile) Truncate(pageCount common.PageNo) error {
	f.allocMu.Lock()
	defer f.allocMu.Unlock()
	if int32(pageCount) >= f.numPages.Load() {
		return nil
	}
	if err := f.file.Truncate(int64(pageCount) * int64(f.pageSize)); err != nil {
		return errors.Wrapf(err, "truncate file to %d pages", pageCount)
	}
	f.numPages.Store(int32(pageCount))
	return nil
}

// Sync flushes writes to stable storage.
func (f *DiskFile) Sync() error {
	return f.file.Sync()
}

// Close closes the underlying OS file.
func (f *DiskFile) Close() error {
	return f.file.Close()
}

// SniffPageSize reads the page size out of an existing database file's
// header without constructing a pager.
func SniffPageSize(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	buf := make([]byte, headerSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, common.NewError(common.CorruptError, "file too small for header")
	}
	hdr, err := loadHeader(buf)
	if err != nil {
		return 0, err
	}
	return int(hdr.PageSize), nil
}
