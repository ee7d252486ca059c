// Package wal implements the page-frame write-ahead log. A transaction's
// dirty pages are appended as frames; the final frame of a transaction
// carries a commit flag and the logical page count of the database after
// the transaction. Readers resolve pages through the in-memory frame index
// before falling back to the main file, so nothing in the main file changes
// until a checkpoint folds committed frames back in.
package wal

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/loamdb/loam/common"
)

const (
	logMagic        = "loamwal\x00"
	logHeaderSize   = 16
	frameHeaderSize = 16

	flagCommit = 1
)

// Frame is one page image queued for a commit.
type Frame struct {
	PageNo common.PageNo
	Data   []byte
}

// Log is a single write-ahead log file paired with one database file.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	pageSize int
	size     int64

	// index maps page numbers to the offset of the latest committed frame
	// payload for that page.
	index map[common.PageNo]int64

	// pageCount is the logical database size recorded by the last commit
	// frame, or 0 if the log holds no committed transaction.
	pageCount common.PageNo
}

// Open opens (or creates) the log at path. Any frames after the last commit
// marker are an uncommitted tail from a crash and are discarded.
func Open(path string, pageSize int) (*Log, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "open wal")
	}
	log := &Log{
		f:        f,
		pageSize: pageSize,
		index:    make(map[common.PageNo]int64),
	}
	if err := log.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return log, nil
}

func (l *Log) recover() error {
	stat, err := l.f.Stat()
	if err != nil {
		return err
	}
	if stat.Size() < logHeaderSize {
		return l.reset()
	}

	hdr := make([]byte, logHeaderSize)
	if _, err := l.f.ReadAt(hdr, 0); err != nil {
		return errors.Wrap(err, "read wal header")
	}
	if string(hdr[:8]) != logMagic {
		return common.NewError(common.CorruptError, "bad wal magic")
	}
	if int(binary.LittleEndian.Uint32(hdr[8:])) != l.pageSize {
		return common.NewError(common.CorruptError, "wal page size mismatch")
	}

	frameSize := int64(frameHeaderSize + l.pageSize)
	tentative := make(map[common.PageNo]int64)
	fh := make([]byte, frameHeaderSize)
	offset := int64(logHeaderSize)
	committedEnd := int64(logHeaderSize)

	for offset+frameSize <= stat.Size() {
		if _, err := l.f.ReadAt(fh, offset); err != nil {
			if err == io.EOF {
				break
			}
			return errors.Wrap(err, "scan wal")
		}
		pageNo := common.PageNo(binary.LittleEndian.Uint32(fh[0:]))
		flags := binary.LittleEndian.Uint32(fh[4:])
		count := common.PageNo(binary.LittleEndian.Uint32(fh[8:]))

		tentative[pageNo] = offset + frameHeaderSize
		offset += frameSize

		if flags&flagCommit != 0 {
			// Frames up to and including this one are durable.
			for p, off := range tentative {
				l.index[p] = off
			}
			tentative = make(map[common.PageNo]int64)
			l.pageCount = count
			committedEnd = offset
		}
	}

	// Drop the uncommitted tail so it can never be replayed.
	if err := l.f.Truncate(committedEnd); err != nil {
		return errors.Wrap(err, "truncate wal tail")
	}
	l.size = committedEnd
	return nil
}

func (l *Log) reset() error {
	hdr := make([]byte, logHeaderSize)
	copy(hdr, logMagic)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(l.pageSize))
	if err := l.f.Truncate(0); err != nil {
		return err
	}
	if _, err := l.f.WriteAt(hdr, 0); err != nil {
		return errors.Wrap(err, "write wal header")
	}
	l.size = logHeaderSize
	l.index = make(map[common.PageNo]int64)
	l.pageCount = 0
	return l.f.Sync()
}

// Commit appends the given frames followed by a commit marker on the last
// frame and syncs. pageCount is the logical database size after the
// transaction. The frames become visible to ReadPage only once the commit
// marker is durable; a crash mid-append leaves a tail that recover()
// discards.
func (l *Log) Commit(frames []Frame, pageCount common.PageNo) error {
	common.Assert(len(frames) > 0, "commit with no frames")
	l.mu.Lock()
	defer l.mu.Unlock()

	offset := l.size
	fh := make([]byte, frameHeaderSize)
	written := make(map[common.PageNo]int64, len(frames))

	for i, fr := range frames {
		common.Assert(len(fr.Data) == l.pageSize, "frame size must match page size")
		var flags uint32
		var count uint32
		if i == len(frames)-1 {
			flags = flagCommit
			count = uint32(pageCount)
		}
		binary.LittleEndian.PutUint32(fh[0:], uint32(fr.PageNo))
		binary.LittleEndian.PutUint32(fh[4:], flags)
		binary.LittleEndian.PutUint32(fh[8:], count)
		if _, err := l.f.WriteAt(fh, offset); err != nil {
			return errors.Wrap(err, "append wal frame header")
		}
		if _, err := l.f.WriteAt(fr.Data, offset+frameHeaderSize); err != nil {
			return errors.Wrap(err, "append wal frame")
		}
		written[fr.PageNo] = offset + frameHeaderSize
		offset += int64(frameHeaderSize + l.pageSize)
	}

	if err := l.f.Sync(); err != nil {
		return errors.Wrap(err, "sync wal")
	}

	// Durable: publish the frames.
	l.size = offset
	for p, off := range written {
		l.index[p] = off
	}
	l.pageCount = pageCount
	return nil
}

// ReadPage reads the latest committed frame for pageNo into buf. It returns
// false if the log has no committed frame for that page.
func (l *Log) ReadPage(pageNo common.PageNo, buf []byte) (bool, error) {
	l.mu.Lock()
	off, ok := l.index[pageNo]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}
	if _, err := l.f.ReadAt(buf, off); err != nil {
		return false, errors.Wrap(err, "read wal frame")
	}
	return true, nil
}

// PageCount returns the logical database page count recorded by the last
// commit, and whether the log holds any committed transaction at all.
func (l *Log) PageCount() (common.PageNo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pageCount, l.pageCount != 0
}

// Fold invokes fn for every page with a committed frame, passing the latest
// frame content. Used by the pager's checkpoint to copy frames into the
// main file.
func (l *Log) Fold(fn func(pageNo common.PageNo, data []byte) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, l.pageSize)
	for pageNo, off := range l.index {
		if _, err := l.f.ReadAt(buf, off); err != nil {
			return errors.Wrap(err, "read wal frame")
		}
		if err := fn(pageNo, buf); err != nil {
			return err
		}
	}
	return nil
}

// Reset truncates the log back to an empty header after a checkpoint has
// folded all committed content into the main file.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reset()
}

// Empty reports whether the log holds no committed frames.
func (l *Log) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.index) == 0
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
