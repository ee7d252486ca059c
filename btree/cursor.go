package btree

import (
	"bytes"

	"github.com/loamdb/loam/common"
)

// Cursor walks a tree in ascending key order. It keeps a descent stack
// rather than sibling links, so the on-disk format needs no leaf chain.
//
// Typical use:
//
//	cur := tree.Cursor()
//	for ok, err := cur.First(); ok; ok, err = cur.Next() {
//	    ... cur.Key(), cur.Payload() ...
//	}
type Cursor struct {
	tree  *Tree
	stack []cursorLevel
	valid bool
	err   error
}

type cursorLevel struct {
	pageNo common.PageNo
	idx    int
}

// Cursor returns a new cursor positioned before the first entry.
func (t *Tree) Cursor() *Cursor {
	return &Cursor{tree: t}
}

// First positions the cursor on the smallest key. Returns false on an
// empty tree.
func (c *Cursor) First() (bool, error) {
	c.stack = c.stack[:0]
	c.valid = false
	c.err = nil
	return c.descendLeftmost(c.tree.root)
}

func (c *Cursor) descendLeftmost(pageNo common.PageNo) (bool, error) {
	for {
		frame, err := c.tree.pager.GetPage(pageNo)
		if err != nil {
			c.err = err
			return false, err
		}
		buf := frame.Bytes
		if pageType(buf) == pageTypeLeaf {
			c.stack = append(c.stack, cursorLevel{pageNo, 0})
			if cellCount(buf) == 0 {
				return c.advance()
			}
			c.valid = true
			return true, nil
		}
		c.stack = append(c.stack, cursorLevel{pageNo, 0})
		pageNo = c.tree.childAt(buf, 0)
	}
}

// Seek positions the cursor on the first key >= target. Returns false if
// no such key exists.
func (c *Cursor) Seek(target []byte) (bool, error) {
	common.Assert(len(target) == c.tree.keyLen, "key length mismatch")
	c.stack = c.stack[:0]
	c.valid = false
	c.err = nil

	pageNo := c.tree.root
	for {
		frame, err := c.tree.pager.GetPage(pageNo)
		if err != nil {
			c.err = err
			return false, err
		}
		buf := frame.Bytes
		if pageType(buf) == pageTypeLeaf {
			i, _ := c.tree.searchLeaf(buf, target)
			c.stack = append(c.stack, cursorLevel{pageNo, i})
			if i >= cellCount(buf) {
				return c.advance()
			}
			c.valid = true
			return true, nil
		}
		idx := c.tree.searchInterior(buf, target)
		c.stack = append(c.stack, cursorLevel{pageNo, idx})
		pageNo = c.tree.childAt(buf, idx)
	}
}

// Next advances to the next key in order. Returns false past the end.
func (c *Cursor) Next() (bool, error) {
	if !c.valid {
		return false, c.err
	}
	top := &c.stack[len(c.stack)-1]
	top.idx++
	frame, err := c.tree.pager.GetPage(top.pageNo)
	if err != nil {
		c.err = err
		c.valid = false
		return false, err
	}
	if top.idx < cellCount(frame.Bytes) {
		return true, nil
	}
	return c.advance()
}

// advance pops exhausted levels and descends into the next subtree.
func (c *Cursor) advance() (bool, error) {
	c.valid = false
	for len(c.stack) > 1 {
		c.stack = c.stack[:len(c.stack)-1]
		top := &c.stack[len(c.stack)-1]
		frame, err := c.tree.pager.GetPage(top.pageNo)
		if err != nil {
			c.err = err
			return false, err
		}
		buf := frame.Bytes
		common.Assert(pageType(buf) == pageTypeInterior, "cursor stack corrupt")
		if top.idx < cellCount(buf) {
			top.idx++
			return c.descendLeftmost(c.tree.childAt(buf, top.idx))
		}
	}
	return false, nil
}

// Valid reports whether the cursor is positioned on an entry.
func (c *Cursor) Valid() bool { return c.valid }

// Err returns the first I/O error hit during iteration.
func (c *Cursor) Err() error { return c.err }

// Key copies the current key into dst and returns it.
func (c *Cursor) Key(dst []byte) []byte {
	common.Assert(c.valid, "cursor not positioned")
	top := c.stack[len(c.stack)-1]
	frame, err := c.tree.pager.GetPage(top.pageNo)
	if err != nil {
		c.err = err
		return nil
	}
	return append(dst[:0], c.tree.leafKey(frame.Bytes, top.idx)...)
}

// Payload copies the current payload into dst and returns it.
func (c *Cursor) Payload(dst []byte) []byte {
	common.Assert(c.valid, "cursor not positioned")
	top := c.stack[len(c.stack)-1]
	frame, err := c.tree.pager.GetPage(top.pageNo)
	if err != nil {
		c.err = err
		return nil
	}
	return append(dst[:0], c.tree.leafPayload(frame.Bytes, top.idx)...)
}

// KeyEquals reports whether the current key equals target.
func (c *Cursor) KeyEquals(target []byte) bool {
	common.Assert(c.valid, "cursor not positioned")
	top := c.stack[len(c.stack)-1]
	frame, err := c.tree.pager.GetPage(top.pageNo)
	if err != nil {
		c.err = err
		return false
	}
	return bytes.Equal(c.tree.leafKey(frame.Bytes, top.idx), target)
}

// Last returns the largest key in the tree, or nil if the tree is empty.
// Used for rowid allocation.
func (t *Tree) Last() ([]byte, error) {
	pageNo := t.root
	for {
		frame, err := t.pager.GetPage(pageNo)
		if err != nil {
			return nil, err
		}
		buf := frame.Bytes
		if pageType(buf) == pageTypeLeaf {
			n := cellCount(buf)
			if n == 0 {
				// Deletions can leave an empty rightmost leaf; fall back to
				// a full scan for the max.
				return t.lastByScan()
			}
			key := make([]byte, t.keyLen)
			copy(key, t.leafKey(buf, n-1))
			return key, nil
		}
		pageNo = rightChild(buf)
	}
}

func (t *Tree) lastByScan() ([]byte, error) {
	cur := t.Cursor()
	var last []byte
	key := make([]byte, t.keyLen)
	for ok, err := cur.First(); ok; ok, err = cur.Next() {
		if err != nil {
			return nil, err
		}
		last = append(last[:0], cur.Key(key)...)
	}
	if cur.Err() != nil {
		return nil, cur.Err()
	}
	if last == nil {
		return nil, nil
	}
	return last, nil
}
