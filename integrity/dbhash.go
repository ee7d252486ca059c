// Package integrity computes a digest of a database's logical content,
// used to verify that maintenance operations change physical layout only.
package integrity

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/exec"
)

// HashContent digests schema entries and table rows. Physical artifacts
// (root pages, freelist, page count, catalog row order) are excluded, so
// two databases with identical logical content hash identically no matter
// how their pages are arranged.
func HashContent(e *exec.Engine) (string, error) {
	h := blake3.New()
	schema, err := e.Schema()
	if err != nil {
		return "", err
	}

	// Catalog rows sort by (kind, name): creation order does not survive a
	// rebuild, logical identity does.
	entries := append([]catalog.Entry{}, schema.Entries()...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	for _, entry := range entries {
		_, _ = h.Write([]byte{byte(entry.Kind), entry.Flags})
		writeString(h, strings.ToLower(entry.Name))
		writeString(h, strings.ToLower(entry.TableName))
		writeString(h, entry.SQL)
	}

	var scanErr error
	schema.Tables(func(t *catalog.Table) bool {
		writeString(h, strings.ToLower(t.Name))
		scanErr = e.ScanRaw(t, func(rowID int64, row []byte) (bool, error) {
			var k [8]byte
			binary.BigEndian.PutUint64(k[:], uint64(rowID))
			_, _ = h.Write(k[:])
			_, _ = h.Write(row)
			return true, nil
		})
		return scanErr == nil
	})
	if scanErr != nil {
		return "", scanErr
	}

	sum := h.Sum(nil)
	return hex.EncodeToString(sum), nil
}

func writeString(h *blake3.Hasher, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}
