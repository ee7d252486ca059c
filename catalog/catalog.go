// Package catalog manages the schema catalog: one row per table, index,
// view, trigger, or virtual table, stored in a B+tree rooted at the fixed
// catalog page. The catalog is the single source of truth for root-page
// references; subsystems look roots up by name here and must not cache
// them across a schema-cookie change.
package catalog

import (
	"encoding/binary"
	"strings"
	"sync"

	"github.com/loamdb/loam/btree"
	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/storage"
)

// Kind classifies a schema entry.
type Kind byte

const (
	KindTable Kind = iota + 1
	KindIndex
	KindView
	KindTrigger
	KindVirtual
)

func (k Kind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindIndex:
		return "index"
	case KindView:
		return "view"
	case KindTrigger:
		return "trigger"
	case KindVirtual:
		return "virtual"
	}
	return "unknown"
}

// Entry flags.
const (
	FlagUnique byte = 1 << iota
	FlagHidden
)

const (
	nameLen = 64
	sqlLen  = 512

	// entrySize: kind(1) + flags(1) + pad(2) + root(4) + name + tblName + sql
	entrySize = 8 + nameLen + nameLen + sqlLen

	catalogKeyLen = 8
)

// Reserved names for internal storage.
const (
	// SequenceTableName is the hidden autoincrement-tracking table. The
	// rebuild engine copies its rows last so sequence counters land on
	// already-created tables.
	SequenceTableName = "loam_sequence"
	// MatDataPrefix / MatIndexPrefix name the hidden storage behind a
	// materialized view.
	MatDataPrefix  = "loam_mat_"
	MatIndexPrefix = "loam_matidx_"

	internalPrefix = "loam_"
)

// IsInternalName reports whether name is reserved for hidden storage.
func IsInternalName(name string) bool {
	return strings.HasPrefix(strings.ToLower(name), internalPrefix)
}

// Entry is one catalog row. Root is the root-page reference for kinds that
// own a B-tree; virtual tables, views, and triggers keep the nil sentinel.
type Entry struct {
	RowID     int64
	Kind      Kind
	Flags     byte
	Root      common.PageNo
	Name      string
	TableName string // owning table for indexes and triggers
	SQL       string // defining statement, replayed during rebuild
}

// Unique reports the unique-index flag.
func (e *Entry) Unique() bool { return e.Flags&FlagUnique != 0 }

// Hidden reports whether the entry is internal storage (materialized-view
// state, sequence table).
func (e *Entry) Hidden() bool { return e.Flags&FlagHidden != 0 }

func (e *Entry) encode(buf []byte) {
	common.Assert(len(buf) == entrySize, "catalog entry buffer size")
	for i := range buf {
		buf[i] = 0
	}
	buf[0] = byte(e.Kind)
	buf[1] = e.Flags
	binary.LittleEndian.PutUint32(buf[4:], uint32(e.Root))
	putName(buf[8:8+nameLen], e.Name)
	putName(buf[8+nameLen:8+2*nameLen], e.TableName)
	putSQL(buf[8+2*nameLen:], e.SQL)
}

func decodeEntry(rowID int64, buf []byte) Entry {
	common.Assert(len(buf) == entrySize, "catalog entry buffer size")
	return Entry{
		RowID:     rowID,
		Kind:      Kind(buf[0]),
		Flags:     buf[1],
		Root:      common.PageNo(binary.LittleEndian.Uint32(buf[4:])),
		Name:      getName(buf[8 : 8+nameLen]),
		TableName: getName(buf[8+nameLen : 8+2*nameLen]),
		SQL:       getName(buf[8+2*nameLen:]),
	}
}

func putName(dst []byte, s string) {
	common.Assert(len(s) < len(dst), "name too long: %q", s)
	copy(dst, s)
}

func putSQL(dst []byte, s string) {
	common.Assert(len(s) < len(dst), "defining statement too long")
	copy(dst, s)
}

func getName(src []byte) string {
	end := len(src)
	for i, b := range src {
		if b == 0 {
			end = i
			break
		}
	}
	return string(src[:end])
}

func rowKey(rowID int64) []byte {
	var k [catalogKeyLen]byte
	binary.BigEndian.PutUint64(k[:], uint64(rowID))
	return k[:]
}

// Catalog is the handle to one database's schema catalog.
type Catalog struct {
	pager *storage.Pager
	tree  *btree.Tree

	mu        sync.Mutex
	nextRowID int64
}

// Open attaches to the catalog tree of an open database, formatting the
// fixed root page if the database was just created.
func Open(pager *storage.Pager) (*Catalog, error) {
	frame, err := pager.GetPage(storage.CatalogRootPage)
	if err != nil {
		return nil, err
	}
	var tree *btree.Tree
	if frame.Bytes[0] == 0 {
		// Freshly created database: the root page is still zeroed.
		tree, err = btree.CreateAt(pager, storage.CatalogRootPage, catalogKeyLen, entrySize)
		if err != nil {
			return nil, err
		}
	} else {
		tree = btree.Open(pager, storage.CatalogRootPage, catalogKeyLen, entrySize)
	}

	c := &Catalog{pager: pager, tree: tree}
	last, err := tree.Last()
	if err != nil {
		return nil, err
	}
	if last != nil {
		c.nextRowID = int64(binary.BigEndian.Uint64(last)) + 1
	} else {
		c.nextRowID = 1
	}
	return c, nil
}

// Pager returns the pager the catalog operates on.
func (c *Catalog) Pager() *storage.Pager { return c.pager }

// All returns every entry in rowid (creation) order.
func (c *Catalog) All() ([]Entry, error) {
	var entries []Entry
	cur := c.tree.Cursor()
	key := make([]byte, catalogKeyLen)
	payload := make([]byte, entrySize)
	for ok, err := cur.First(); ok; ok, err = cur.Next() {
		if err != nil {
			return nil, err
		}
		key = cur.Key(key)
		payload = cur.Payload(payload)
		entries = append(entries, decodeEntry(int64(binary.BigEndian.Uint64(key)), payload))
	}
	if cur.Err() != nil {
		return nil, cur.Err()
	}
	return entries, nil
}

// Lookup finds an entry by kind and name (case-insensitive).
func (c *Catalog) Lookup(kind Kind, name string) (Entry, bool, error) {
	entries, err := c.All()
	if err != nil {
		return Entry{}, false, err
	}
	for _, e := range entries {
		if e.Kind == kind && strings.EqualFold(e.Name, name) {
			return e, true, nil
		}
	}
	return Entry{}, false, nil
}

// Add appends a new entry and bumps the schema cookie. The entry's RowID
// is assigned here.
func (c *Catalog) Add(e *Entry) error {
	c.mu.Lock()
	e.RowID = c.nextRowID
	c.nextRowID++
	c.mu.Unlock()

	buf := make([]byte, entrySize)
	e.encode(buf)
	if err := c.tree.Insert(rowKey(e.RowID), buf); err != nil {
		return err
	}
	c.bumpCookie()
	return nil
}

// Remove deletes the entry with the given rowid and bumps the schema
// cookie.
func (c *Catalog) Remove(rowID int64) error {
	found, err := c.tree.Delete(rowKey(rowID))
	if err != nil {
		return err
	}
	if !found {
		return common.NewError(common.NoSuchObjectError, "no catalog entry %d", rowID)
	}
	c.bumpCookie()
	return nil
}

func (c *Catalog) bumpCookie() {
	c.pager.UpdateMeta(func(h *storage.Header) {
		h.SchemaCookie++
	})
}

// Cookie returns the current schema cookie.
func (c *Catalog) Cookie() uint32 {
	return c.pager.Meta().SchemaCookie
}
