// Package btree implements the on-disk B+tree used for table rows, index
// entries, and the schema catalog. Cells are fixed-size per tree: a key of
// keyLen bytes ordered bytewise, plus (in leaves) a payload of payloadLen
// bytes. Interior cells pair a separator key with a child page; the
// rightmost child hangs off the node header.
//
// Splits happen preemptively on the way down so the parent always has room
// for a promoted separator, which keeps the root's page number stable --
// root pages are cached as references by the catalog and must never move.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/storage"
)

const (
	pageTypeLeaf     = 1
	pageTypeInterior = 2

	offPageType   = 0
	offCellCount  = 2
	offKeyLen     = 4
	offPayloadLen = 6
	offRightChild = 8
	cellsOffset   = 12

	childPtrSize = 4
)

// ErrDuplicateKey is reported by Insert when the key already exists.
var ErrDuplicateKey = common.NewError(common.ConstraintError, "duplicate key")

// Tree is a handle to one B+tree. The handle is cheap; it holds no cached
// pages, only the root reference and the cell geometry.
type Tree struct {
	pager      *storage.Pager
	root       common.PageNo
	keyLen     int
	payloadLen int
}

// Create allocates a fresh empty tree (a single leaf page) and returns its
// handle. The root page number is assigned by the pager's allocator.
func Create(pager *storage.Pager, keyLen, payloadLen int) (*Tree, error) {
	frame, err := pager.AllocatePage()
	if err != nil {
		return nil, err
	}
	initPage(frame.Bytes, pageTypeLeaf, keyLen, payloadLen)
	pager.MarkDirty(frame)
	return Open(pager, frame.PageNo(), keyLen, payloadLen), nil
}

// CreateAt formats an already-allocated page as an empty tree root. Used
// for the fixed catalog root page.
func CreateAt(pager *storage.Pager, root common.PageNo, keyLen, payloadLen int) (*Tree, error) {
	frame, err := pager.GetPage(root)
	if err != nil {
		return nil, err
	}
	initPage(frame.Bytes, pageTypeLeaf, keyLen, payloadLen)
	pager.MarkDirty(frame)
	return Open(pager, root, keyLen, payloadLen), nil
}

// Open returns a handle to an existing tree rooted at root.
func Open(pager *storage.Pager, root common.PageNo, keyLen, payloadLen int) *Tree {
	common.Assert(keyLen > 0, "keyLen must be positive")
	return &Tree{pager: pager, root: root, keyLen: keyLen, payloadLen: payloadLen}
}

// Root returns the tree's root page number.
func (t *Tree) Root() common.PageNo { return t.root }

func initPage(buf []byte, pageType byte, keyLen, payloadLen int) {
	for i := range buf {
		buf[i] = 0
	}
	buf[offPageType] = pageType
	binary.LittleEndian.PutUint16(buf[offKeyLen:], uint16(keyLen))
	binary.LittleEndian.PutUint16(buf[offPayloadLen:], uint16(payloadLen))
}

func (t *Tree) leafCellSize() int     { return t.keyLen + t.payloadLen }
func (t *Tree) interiorCellSize() int { return t.keyLen + childPtrSize }

func (t *Tree) leafCapacity() int {
	return (t.pager.PageSize() - cellsOffset) / t.leafCellSize()
}

func (t *Tree) interiorCapacity() int {
	return (t.pager.PageSize() - cellsOffset) / t.interiorCellSize()
}

func pageType(buf []byte) byte { return buf[offPageType] }

func cellCount(buf []byte) int {
	return int(binary.LittleEndian.Uint16(buf[offCellCount:]))
}

func setCellCount(buf []byte, n int) {
	binary.LittleEndian.PutUint16(buf[offCellCount:], uint16(n))
}

func rightChild(buf []byte) common.PageNo {
	return common.PageNo(binary.LittleEndian.Uint32(buf[offRightChild:]))
}

func setRightChild(buf []byte, p common.PageNo) {
	binary.LittleEndian.PutUint32(buf[offRightChild:], uint32(p))
}

func (t *Tree) leafCell(buf []byte, i int) []byte {
	off := cellsOffset + i*t.leafCellSize()
	return buf[off : off+t.leafCellSize()]
}

func (t *Tree) leafKey(buf []byte, i int) []byte {
	return t.leafCell(buf, i)[:t.keyLen]
}

func (t *Tree) leafPayload(buf []byte, i int) []byte {
	return t.leafCell(buf, i)[t.keyLen:]
}

func (t *Tree) interiorCell(buf []byte, i int) []byte {
	off := cellsOffset + i*t.interiorCellSize()
	return buf[off : off+t.interiorCellSize()]
}

func (t *Tree) interiorKey(buf []byte, i int) []byte {
	return t.interiorCell(buf, i)[:t.keyLen]
}

func (t *Tree) interiorChild(buf []byte, i int) common.PageNo {
	return common.PageNo(binary.LittleEndian.Uint32(t.interiorCell(buf, i)[t.keyLen:]))
}

// searchLeaf returns the index of key in a leaf, or (insertPos, false).
func (t *Tree) searchLeaf(buf []byte, key []byte) (int, bool) {
	lo, hi := 0, cellCount(buf)
	for lo < hi {
		mid := (lo + hi) / 2
		switch bytes.Compare(t.leafKey(buf, mid), key) {
		case -1:
			lo = mid + 1
		case 1:
			hi = mid
		default:
			return mid, true
		}
	}
	return lo, false
}

// searchInterior returns the index of the child to descend into for key.
// Separator keys are the max key of their child's subtree, so the first
// separator >= key wins; past the last separator, the rightmost child.
func (t *Tree) searchInterior(buf []byte, key []byte) int {
	lo, hi := 0, cellCount(buf)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(t.interiorKey(buf, mid), key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (t *Tree) childAt(buf []byte, idx int) common.PageNo {
	if idx == cellCount(buf) {
		return rightChild(buf)
	}
	return t.interiorChild(buf, idx)
}

// Get looks up key and copies its payload into dst (which must be
// payloadLen bytes). Returns false if the key is absent.
func (t *Tree) Get(key, dst []byte) (bool, error) {
	common.Assert(len(key) == t.keyLen, "key length mismatch")
	pageNo := t.root
	for {
		frame, err := t.pager.GetPage(pageNo)
		if err != nil {
			return false, err
		}
		buf := frame.Bytes
		if pageType(buf) == pageTypeLeaf {
			i, found := t.searchLeaf(buf, key)
			if !found {
				return false, nil
			}
			copy(dst, t.leafPayload(buf, i))
			return true, nil
		}
		pageNo = t.childAt(buf, t.searchInterior(buf, key))
	}
}

// Insert adds a key/payload pair. Keys are unique; inserting an existing
// key returns ErrDuplicateKey.
func (t *Tree) Insert(key, payload []byte) error {
	common.Assert(len(key) == t.keyLen, "key length mismatch")
	common.Assert(len(payload) == t.payloadLen, "payload length mismatch")

	frame, err := t.pager.GetPage(t.root)
	if err != nil {
		return err
	}

	// Preemptive root split keeps the root page number stable: the full
	// root's cells move to a fresh child and the root is rewritten as an
	// interior node over it.
	if t.nodeFull(frame.Bytes) {
		if err := t.splitRoot(frame); err != nil {
			return err
		}
	}

	return t.insertNonFull(frame, key, payload)
}

func (t *Tree) nodeFull(buf []byte) bool {
	if pageType(buf) == pageTypeLeaf {
		return cellCount(buf) >= t.leafCapacity()
	}
	return cellCount(buf) >= t.interiorCapacity()
}

func (t *Tree) splitRoot(root *storage.PageFrame) error {
	child, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}
	copy(child.Bytes, root.Bytes)
	t.pager.MarkDirty(child)

	initPage(root.Bytes, pageTypeInterior, t.keyLen, t.payloadLen)
	setRightChild(root.Bytes, child.PageNo())
	t.pager.MarkDirty(root)

	return t.splitChild(root, 0, child)
}

// splitChild splits the full child at descent index idx of interior node
// parent, promoting the left half's max key as a separator. parent must
// not be full.
func (t *Tree) splitChild(parent *storage.PageFrame, idx int, child *storage.PageFrame) error {
	right, err := t.pager.AllocatePage()
	if err != nil {
		return err
	}

	buf := child.Bytes
	n := cellCount(buf)
	mid := n / 2

	if pageType(buf) == pageTypeLeaf {
		initPage(right.Bytes, pageTypeLeaf, t.keyLen, t.payloadLen)
		size := t.leafCellSize()
		copy(right.Bytes[cellsOffset:], buf[cellsOffset+mid*size:cellsOffset+n*size])
		setCellCount(right.Bytes, n-mid)
		setCellCount(buf, mid)
	} else {
		// The separator at mid moves up; its child becomes the left node's
		// rightmost child.
		initPage(right.Bytes, pageTypeInterior, t.keyLen, t.payloadLen)
		size := t.interiorCellSize()
		copy(right.Bytes[cellsOffset:], buf[cellsOffset+(mid+1)*size:cellsOffset+n*size])
		setCellCount(right.Bytes, n-mid-1)
		setRightChild(right.Bytes, rightChild(buf))
		setRightChild(buf, t.interiorChild(buf, mid))
		setCellCount(buf, mid)
	}
	t.pager.MarkDirty(child)
	t.pager.MarkDirty(right)

	// Separator = max key of the (shrunken) left child.
	var sep []byte
	if pageType(buf) == pageTypeLeaf {
		sep = t.leafKey(buf, cellCount(buf)-1)
	} else {
		sep = t.maxKeyOfSubtree(child.PageNo())
	}
	if sep == nil {
		return common.NewError(common.CorruptError, "split produced empty left node")
	}

	// Shift parent cells right to make room at idx. The child that was at
	// descent position idx keeps its slot but now points at the left node;
	// the right node takes the following slot (or the rightmost pointer).
	pbuf := parent.Bytes
	pn := cellCount(pbuf)
	size := t.interiorCellSize()
	copy(pbuf[cellsOffset+(idx+1)*size:cellsOffset+(pn+1)*size],
		pbuf[cellsOffset+idx*size:cellsOffset+pn*size])

	cell := t.interiorCell(pbuf, idx)
	// cellCount not yet bumped; interiorCell math only needs the offset.
	copy(cell[:t.keyLen], sep)
	binary.LittleEndian.PutUint32(cell[t.keyLen:], uint32(child.PageNo()))
	if idx == pn {
		setRightChild(pbuf, right.PageNo())
	} else {
		next := t.interiorCell(pbuf, idx+1)
		binary.LittleEndian.PutUint32(next[t.keyLen:], uint32(right.PageNo()))
	}
	setCellCount(pbuf, pn+1)
	t.pager.MarkDirty(parent)
	return nil
}

// maxKeyOfSubtree walks rightmost pointers down to a leaf and returns its
// last key. Interior splits need it because the moved-up separator is
// consumed rather than duplicated.
func (t *Tree) maxKeyOfSubtree(pageNo common.PageNo) []byte {
	for {
		frame, err := t.pager.GetPage(pageNo)
		if err != nil {
			return nil
		}
		buf := frame.Bytes
		if pageType(buf) == pageTypeLeaf {
			n := cellCount(buf)
			if n == 0 {
				return nil
			}
			key := make([]byte, t.keyLen)
			copy(key, t.leafKey(buf, n-1))
			return key
		}
		pageNo = rightChild(buf)
	}
}

func (t *Tree) insertNonFull(frame *storage.PageFrame, key, payload []byte) error {
	for {
		buf := frame.Bytes
		if pageType(buf) == pageTypeLeaf {
			i, found := t.searchLeaf(buf, key)
			if found {
				return ErrDuplicateKey
			}
			n := cellCount(buf)
			size := t.leafCellSize()
			copy(buf[cellsOffset+(i+1)*size:cellsOffset+(n+1)*size],
				buf[cellsOffset+i*size:cellsOffset+n*size])
			cell := t.leafCell(buf, i)
			copy(cell[:t.keyLen], key)
			copy(cell[t.keyLen:], payload)
			setCellCount(buf, n+1)
			t.pager.MarkDirty(frame)
			return nil
		}

		idx := t.searchInterior(buf, key)
		childNo := t.childAt(buf, idx)
		child, err := t.pager.GetPage(childNo)
		if err != nil {
			return err
		}
		if t.nodeFull(child.Bytes) {
			if err := t.splitChild(frame, idx, child); err != nil {
				return err
			}
			// Re-route: the split may have shifted the descent position.
			idx = t.searchInterior(buf, key)
			childNo = t.childAt(buf, idx)
			child, err = t.pager.GetPage(childNo)
			if err != nil {
				return err
			}
		}
		frame = child
	}
}

// Update overwrites the payload of an existing key. Returns false if the
// key is absent.
func (t *Tree) Update(key, payload []byte) (bool, error) {
	common.Assert(len(key) == t.keyLen, "key length mismatch")
	common.Assert(len(payload) == t.payloadLen, "payload length mismatch")
	pageNo := t.root
	for {
		frame, err := t.pager.GetPage(pageNo)
		if err != nil {
			return false, err
		}
		buf := frame.Bytes
		if pageType(buf) == pageTypeLeaf {
			i, found := t.searchLeaf(buf, key)
			if !found {
				return false, nil
			}
			copy(t.leafPayload(buf, i), payload)
			t.pager.MarkDirty(frame)
			return true, nil
		}
		pageNo = t.childAt(buf, t.searchInterior(buf, key))
	}
}

// Delete removes a key. Underfull leaves are left in place (the rebuild
// engine is what reclaims fragmented space); only a full tree drop frees
// pages. Returns false if the key is absent.
func (t *Tree) Delete(key []byte) (bool, error) {
	common.Assert(len(key) == t.keyLen, "key length mismatch")
	pageNo := t.root
	for {
		frame, err := t.pager.GetPage(pageNo)
		if err != nil {
			return false, err
		}
		buf := frame.Bytes
		if pageType(buf) == pageTypeLeaf {
			i, found := t.searchLeaf(buf, key)
			if !found {
				return false, nil
			}
			n := cellCount(buf)
			size := t.leafCellSize()
			copy(buf[cellsOffset+i*size:cellsOffset+(n-1)*size],
				buf[cellsOffset+(i+1)*size:cellsOffset+n*size])
			setCellCount(buf, n-1)
			t.pager.MarkDirty(frame)
			return true, nil
		}
		pageNo = t.childAt(buf, t.searchInterior(buf, key))
	}
}

// Drop frees every page of the tree (children first, root last) back to
// the pager's freelist.
func (t *Tree) Drop() error {
	return t.dropSubtree(t.root)
}

func (t *Tree) dropSubtree(pageNo common.PageNo) error {
	frame, err := t.pager.GetPage(pageNo)
	if err != nil {
		return err
	}
	buf := frame.Bytes
	if pageType(buf) == pageTypeInterior {
		for i := 0; i < cellCount(buf); i++ {
			if err := t.dropSubtree(t.interiorChild(buf, i)); err != nil {
				return err
			}
		}
		if !rightChild(buf).IsNil() {
			if err := t.dropSubtree(rightChild(buf)); err != nil {
				return err
			}
		}
	}
	return t.pager.FreePage(pageNo)
}
