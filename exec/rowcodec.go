package exec

import (
	"encoding/binary"

	"github.com/loamdb/loam/catalog"
	"github.com/loamdb/loam/common"
)

// RowKeyLen is the key length of every table tree: a big-endian,
// sign-flipped rowid so bytewise order matches numeric order.
const RowKeyLen = 8

// RowKey encodes a rowid as a table-tree key.
func RowKey(rowID int64) []byte {
	var k [RowKeyLen]byte
	binary.BigEndian.PutUint64(k[:], uint64(rowID)^0x8000000000000000)
	return k[:]
}

// DecodeRowKey inverts RowKey.
func DecodeRowKey(key []byte) int64 {
	common.Assert(len(key) == RowKeyLen, "bad row key length")
	return int64(binary.BigEndian.Uint64(key) ^ 0x8000000000000000)
}

// EncodeRow serializes values into the table's fixed-width layout.
func EncodeRow(cols []catalog.Column, vals []common.Value, dst []byte) []byte {
	common.Assert(len(cols) == len(vals), "column/value count mismatch")
	dst = dst[:0]
	for i, col := range cols {
		common.Assert(vals[i].Type() == col.Type, "type mismatch in column %q", col.Name)
		off := len(dst)
		dst = append(dst, make([]byte, col.Type.Size())...)
		vals[i].WriteTo(dst[off:])
	}
	return dst
}

// DecodeRow deserializes a fixed-width row.
func DecodeRow(cols []catalog.Column, buf []byte) []common.Value {
	vals := make([]common.Value, len(cols))
	off := 0
	for i, col := range cols {
		vals[i] = common.LoadValue(col.Type, buf[off:])
		off += col.Type.Size()
	}
	return vals
}

// IndexKeyLen returns the key length of an index tree over a column type:
// the column's order-preserving encoding plus the rowid suffix that makes
// non-unique keys distinct.
func IndexKeyLen(t common.Type) int {
	return common.KeyBytesLen(t) + RowKeyLen
}

// IndexKey encodes (value, rowid) as an index-tree key.
func IndexKey(v common.Value, rowID int64) []byte {
	key := v.KeyBytes(nil)
	return append(key, RowKey(rowID)...)
}

// IndexKeyPrefix encodes just the value part, for range scans over one
// column value.
func IndexKeyPrefix(v common.Value) []byte {
	return v.KeyBytes(nil)
}
