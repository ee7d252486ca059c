package mvcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loamdb/loam/common"
)

func TestRecordSupersedes(t *testing.T) {
	s := NewStore()
	s.Record(Version{Table: "t", RowID: 1, Op: OpInsert,
		Values: []common.Value{common.NewIntValue(1)}})
	s.Record(Version{Table: "t", RowID: 1, Op: OpDelete})

	v, ok := s.Lookup("t", 1)
	require.True(t, ok)
	assert.Equal(t, OpDelete, v.Op)
	assert.Equal(t, 1, s.Pending())
}

func TestScanTableIsolatesAndOrders(t *testing.T) {
	s := NewStore()
	s.Record(Version{Table: "t", RowID: 5, Op: OpInsert})
	s.Record(Version{Table: "t", RowID: 2, Op: OpInsert})
	s.Record(Version{Table: "u", RowID: 1, Op: OpInsert})

	var rowIDs []int64
	s.ScanTable("t", func(v Version) bool {
		rowIDs = append(rowIDs, v.RowID)
		return true
	})
	assert.Equal(t, []int64{2, 5}, rowIDs)
}

func TestCheckpointDrainsOnSuccess(t *testing.T) {
	s := NewStore()
	s.Record(Version{Table: "t", RowID: 1, Op: OpInsert})
	s.Record(Version{Table: "t", RowID: 2, Op: OpDelete})
	require.False(t, s.Empty())

	var applied []int64
	require.NoError(t, s.Checkpoint(func(v Version) error {
		applied = append(applied, v.RowID)
		return nil
	}))
	assert.Equal(t, []int64{1, 2}, applied)
	assert.True(t, s.Empty())
}

func TestCheckpointKeepsVersionsOnFailure(t *testing.T) {
	s := NewStore()
	s.Record(Version{Table: "t", RowID: 1, Op: OpInsert})

	err := s.Checkpoint(func(Version) error {
		return common.NewError(common.CorruptError, "disk is on fire")
	})
	require.Error(t, err)
	assert.False(t, s.Empty(), "failed checkpoint must leave the store intact")
}
