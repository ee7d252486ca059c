// Package mvcc holds the in-memory multi-version row store used when the
// database is opened in concurrent mode. Versions are keyed by logical row
// identity (table name, rowid) -- never by root page -- so a rebuild that
// relocates every tree does not invalidate the keying; the rebuild engine
// nonetheless requires the store to be checkpointed and empty before it
// runs, serializing the two subsystems instead of merging their protocols.
package mvcc

import (
	"fmt"
	"sync"

	"github.com/tidwall/btree"

	"github.com/loamdb/loam/common"
)

// Op distinguishes version kinds.
type Op byte

const (
	OpInsert Op = iota + 1
	OpDelete
)

// Version is one pending row mutation.
type Version struct {
	Table  string
	RowID  int64
	Op     Op
	Values []common.Value
}

func versionKey(table string, rowID int64) string {
	return fmt.Sprintf("%s\x00%016x", table, uint64(rowID))
}

// Store buffers row versions between checkpoints. The latest version per
// row wins; Checkpoint drains them to durable storage in key order.
type Store struct {
	mu       sync.Mutex
	versions btree.Map[string, Version]
}

// NewStore returns an empty version store.
func NewStore() *Store {
	return &Store{}
}

// Record adds (or supersedes) the pending version for a row.
func (s *Store) Record(v Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions.Set(versionKey(v.Table, v.RowID), v)
}

// Lookup returns the pending version for a row, if any.
func (s *Store) Lookup(table string, rowID int64) (Version, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions.Get(versionKey(table, rowID))
}

// ScanTable invokes fn for each pending version of a table in rowid order.
func (s *Store) ScanTable(table string, fn func(Version) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := table + "\x00"
	s.versions.Ascend(prefix, func(key string, v Version) bool {
		if v.Table != table {
			return false
		}
		return fn(v)
	})
}

// Pending returns the number of buffered versions.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.versions.Len()
}

// Empty reports whether the store holds no versions. The rebuild
// precondition checker consults this.
func (s *Store) Empty() bool {
	return s.Pending() == 0
}

// Checkpoint drains every version through apply and clears the store.
// If apply fails the store is left intact so the caller can retry.
func (s *Store) Checkpoint(apply func(Version) error) error {
	s.mu.Lock()
	versions := make([]Version, 0, s.versions.Len())
	s.versions.Scan(func(_ string, v Version) bool {
		versions = append(versions, v)
		return true
	})
	s.mu.Unlock()

	for _, v := range versions {
		if err := apply(v); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.versions.Clear()
	s.mu.Unlock()
	return nil
}
