package storage

import (
	"sync"

	"github.com/loamdb/loam/common"
)

// PageFrame is a physical page of data resident in the pager's cache.
// It holds the raw bytes and the bookkeeping the pager needs to track
// modifications.
type PageFrame struct {
	// Bytes holds the raw physical data of the page.
	Bytes []byte
	// PageLatch protects the content of the page from concurrent access.
	PageLatch sync.RWMutex

	pageNo common.PageNo
	dirty  bool
}

func newPageFrame(pageNo common.PageNo, pageSize int) *PageFrame {
	return &PageFrame{
		Bytes:  make([]byte, pageSize),
		pageNo: pageNo,
	}
}

// PageNo returns the page number this frame holds.
func (frame *PageFrame) PageNo() common.PageNo { return frame.pageNo }

// Dirty reports whether the frame has uncommitted modifications.
func (frame *PageFrame) Dirty() bool { return frame.dirty }

// Zero clears the frame's content.
func (frame *PageFrame) Zero() {
	for i := range frame.Bytes {
		frame.Bytes[i] = 0
	}
}
