package btree

import (
	"encoding/binary"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/common"
	"github.com/loamdb/loam/storage"
)

func testPager(t *testing.T) *storage.Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := storage.Open(path, storage.Options{Create: true, PageSize: 512})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func k(i int) []byte {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], uint64(i))
	return key[:]
}

func v(i int) []byte {
	var payload [16]byte
	binary.BigEndian.PutUint64(payload[:], uint64(i*7))
	return payload[:]
}

func shuffled(n int) []int {
	r := rand.New(rand.NewSource(42))
	order := r.Perm(n)
	return order
}

func TestInsertGet(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)

	for _, i := range shuffled(2000) {
		require.NoError(t, tree.Insert(k(i), v(i)))
	}

	payload := make([]byte, 16)
	for i := 0; i < 2000; i++ {
		ok, err := tree.Get(k(i), payload)
		require.NoError(t, err)
		require.True(t, ok, "key %d", i)
		assert.Equal(t, v(i), payload)
	}

	ok, err := tree.Get(k(2000), payload)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRootPageNeverMoves(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)
	root := tree.Root()

	// Enough keys to split the root several times.
	for i := 0; i < 5000; i++ {
		require.NoError(t, tree.Insert(k(i), v(i)))
	}
	assert.Equal(t, root, tree.Root())

	reopened := Open(p, root, 8, 16)
	payload := make([]byte, 16)
	ok, err := reopened.Get(k(4999), payload)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDuplicateKeyRejected(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)

	require.NoError(t, tree.Insert(k(1), v(1)))
	err = tree.Insert(k(1), v(2))
	require.Error(t, err)
	assert.True(t, common.ErrorHasCode(err, common.ConstraintError))
}

func TestCursorAscendingOrder(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)

	for _, i := range shuffled(1500) {
		require.NoError(t, tree.Insert(k(i), v(i)))
	}

	cur := tree.Cursor()
	key := make([]byte, 8)
	want := 0
	for ok, err := cur.First(); ok; ok, err = cur.Next() {
		require.NoError(t, err)
		key = cur.Key(key)
		assert.Equal(t, uint64(want), binary.BigEndian.Uint64(key))
		want++
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, 1500, want)
}

func TestSeek(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)

	// Even keys only.
	for i := 0; i < 1000; i += 2 {
		require.NoError(t, tree.Insert(k(i), v(i)))
	}

	cur := tree.Cursor()
	ok, err := cur.Seek(k(501))
	require.NoError(t, err)
	require.True(t, ok)
	key := cur.Key(nil)
	assert.Equal(t, uint64(502), binary.BigEndian.Uint64(key))

	ok, err = cur.Seek(k(998))
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cur.KeyEquals(k(998)))

	ok, err = cur.Seek(k(999))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)

	require.NoError(t, tree.Insert(k(1), v(1)))
	ok, err := tree.Update(k(1), v(99))
	require.NoError(t, err)
	require.True(t, ok)

	payload := make([]byte, 16)
	found, err := tree.Get(k(1), payload)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, v(99), payload)

	ok, err = tree.Update(k(2), v(1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteAndLast(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)

	for i := 0; i < 1000; i++ {
		require.NoError(t, tree.Insert(k(i), v(i)))
	}
	for i := 500; i < 1000; i++ {
		ok, err := tree.Delete(k(i))
		require.NoError(t, err)
		require.True(t, ok)
	}

	// Deleting the whole upper half can leave empty rightmost leaves; Last
	// must still find the true maximum.
	last, err := tree.Last()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(499), binary.BigEndian.Uint64(last))

	ok, err := tree.Delete(k(750))
	require.NoError(t, err)
	assert.False(t, ok)

	payload := make([]byte, 16)
	found, err := tree.Get(k(499), payload)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = tree.Get(k(500), payload)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestLastOnEmptyTree(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)

	last, err := tree.Last()
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestDropFreesPages(t *testing.T) {
	p := testPager(t)
	tree, err := Create(p, 8, 16)
	require.NoError(t, err)

	for i := 0; i < 2000; i++ {
		require.NoError(t, tree.Insert(k(i), v(i)))
	}
	require.NoError(t, p.Commit())

	grown := p.PageCount()
	require.Greater(t, int(grown), int(storage.CatalogRootPage))

	require.NoError(t, tree.Drop())
	// Every page of the tree is back on the freelist; nothing leaked.
	assert.Equal(t, int(grown-storage.CatalogRootPage), p.FreePageCount())
}
