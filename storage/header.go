package storage

import (
	"encoding/binary"

	"github.com/loamdb/loam/common"
)

const (
	fileMagic  = "loam fmt"
	headerSize = 64

	// CatalogRootPage is the fixed root of the schema catalog tree. It is
	// allocated when the database is created and never moves; every other
	// root page is discovered by reading the catalog.
	CatalogRootPage common.PageNo = 2
)

// AutoCompactMode mirrors the source database's auto-compaction setting.
// The rebuild engine carries it (or a pending change to it) into the
// rebuilt file.
type AutoCompactMode uint32

const (
	AutoCompactNone AutoCompactMode = iota
	AutoCompactFull
)

// Header is the decoded form of page 1. Besides the structural fields
// (page size, page count, freelist) it carries the metadata counters the
// rebuild engine must copy: schema cookie, default cache size, text
// encoding, user version, and application ID.
type Header struct {
	PageSize      uint32
	PageCount     common.PageNo
	FreelistHead  common.PageNo
	FreePageCount uint32

	SchemaCookie     uint32
	DefaultCacheSize uint32
	TextEncoding     uint32
	UserVersion      uint32
	ApplicationID    uint32
	AutoCompact      AutoCompactMode
}

const encodingUTF8 = 1

func newHeader(pageSize int) Header {
	return Header{
		PageSize:         uint32(pageSize),
		PageCount:        CatalogRootPage, // header page + catalog root
		DefaultCacheSize: 2000,
		TextEncoding:     encodingUTF8,
	}
}

func (h *Header) writeTo(buf []byte) {
	common.Assert(len(buf) >= headerSize, "header buffer too small")
	copy(buf[0:8], fileMagic)
	binary.LittleEndian.PutUint32(buf[8:], h.PageSize)
	binary.LittleEndian.PutUint32(buf[12:], uint32(h.PageCount))
	binary.LittleEndian.PutUint32(buf[16:], uint32(h.FreelistHead))
	binary.LittleEndian.PutUint32(buf[20:], h.FreePageCount)
	binary.LittleEndian.PutUint32(buf[24:], h.SchemaCookie)
	binary.LittleEndian.PutUint32(buf[28:], h.DefaultCacheSize)
	binary.LittleEndian.PutUint32(buf[32:], h.TextEncoding)
	binary.LittleEndian.PutUint32(buf[36:], h.UserVersion)
	binary.LittleEndian.PutUint32(buf[40:], h.ApplicationID)
	binary.LittleEndian.PutUint32(buf[44:], uint32(h.AutoCompact))
	binary.LittleEndian.PutUint32(buf[48:], uint32(CatalogRootPage))
}

func loadHeader(buf []byte) (Header, error) {
	common.Assert(len(buf) >= headerSize, "header buffer too small")
	if string(buf[0:8]) != fileMagic {
		return Header{}, common.NewError(common.CorruptError, "bad database magic")
	}
	h := Header{
		PageSize:         binary.LittleEndian.Uint32(buf[8:]),
		PageCount:        common.PageNo(binary.LittleEndian.Uint32(buf[12:])),
		FreelistHead:     common.PageNo(binary.LittleEndian.Uint32(buf[16:])),
		FreePageCount:    binary.LittleEndian.Uint32(buf[20:]),
		SchemaCookie:     binary.LittleEndian.Uint32(buf[24:]),
		DefaultCacheSize: binary.LittleEndian.Uint32(buf[28:]),
		TextEncoding:     binary.LittleEndian.Uint32(buf[32:]),
		UserVersion:      binary.LittleEndian.Uint32(buf[36:]),
		ApplicationID:    binary.LittleEndian.Uint32(buf[40:]),
		AutoCompact:      AutoCompactMode(binary.LittleEndian.Uint32(buf[44:])),
	}
	if h.PageSize < common.MinPageSize || h.PageSize > common.MaxPageSize {
		return Header{}, common.NewError(common.CorruptError, "bad page size %d", h.PageSize)
	}
	return h, nil
}
