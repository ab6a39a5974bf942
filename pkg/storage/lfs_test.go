package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// checkAccounting asserts the space invariant:
// stored + reserved + free == total, free >= 0.
func checkAccounting(t *testing.T, l *LogicalFileSystem) {
	t.Helper()
	assert.GreaterOrEqual(t, l.FreeSpace(), 0.0)
	assert.InDelta(t, l.TotalCapacity(),
		l.StoredBytes()+l.ReservedSpace()+l.FreeSpace(), 1e-9)
}

func TestReserveCommitRelease(t *testing.T) {
	l := NewLFS("/disk", 100, EvictNone)
	f := types.NewFile("f", 60)

	require.Nil(t, l.Reserve(60, 0))
	checkAccounting(t, l)
	assert.Equal(t, 40.0, l.FreeSpace())

	l.CommitFile("/data", f, 1)
	checkAccounting(t, l)
	assert.Equal(t, 0.0, l.ReservedSpace())
	assert.True(t, l.HasFile("/data", "f"))

	require.Nil(t, l.DeleteFile("/data", "f"))
	checkAccounting(t, l)
	assert.Equal(t, 100.0, l.FreeSpace())
}

func TestReserveFailsUnderNonePolicy(t *testing.T) {
	l := NewLFS("/disk", 100, EvictNone)
	require.Nil(t, l.StoreFile("/d", types.NewFile("a", 80), 0))
	cause := l.Reserve(50, 1)
	require.NotNil(t, cause)
	assert.Equal(t, failure.StorageNotEnoughSpace, cause.Kind)
	checkAccounting(t, l)
}

// TestLRUEvictionScenario is the literal LFS scenario: cap 100, store 60
// then 10 (pinned), reserve 50 -> the 60 B file is evicted, the pinned 10 B
// file retained, and 40 B remain free after the reservation.
func TestLRUEvictionScenario(t *testing.T) {
	l := NewLFS("/disk", 100, EvictLRU)
	big := types.NewFile("big", 60)
	small := types.NewFile("small", 10)

	require.Nil(t, l.StoreFile("/foo", big, 0))
	require.Nil(t, l.StoreFile("/foo", small, 1))
	l.Pin("/foo", "small")

	require.Nil(t, l.Reserve(50, 2))
	assert.False(t, l.HasFile("/foo", "big"))
	assert.True(t, l.HasFile("/foo", "small"))
	assert.Equal(t, 40.0, l.FreeSpace())
	checkAccounting(t, l)
}

// TestLRUEvictsInReadOrder checks that no evicted file was read more
// recently than any retained evictable file.
func TestLRUEvictsInReadOrder(t *testing.T) {
	l := NewLFS("/disk", 100, EvictLRU)
	old := types.NewFile("old", 30)
	mid := types.NewFile("mid", 30)
	fresh := types.NewFile("fresh", 30)
	require.Nil(t, l.StoreFile("/d", old, 0))
	require.Nil(t, l.StoreFile("/d", mid, 0))
	require.Nil(t, l.StoreFile("/d", fresh, 0))
	l.TouchRead("/d", "old", 1)
	l.TouchRead("/d", "mid", 5)
	l.TouchRead("/d", "fresh", 9)

	// Needs 50 with 10 free: evicts old then mid, keeps fresh.
	require.Nil(t, l.Reserve(50, 10))
	assert.False(t, l.HasFile("/d", "old"))
	assert.False(t, l.HasFile("/d", "mid"))
	assert.True(t, l.HasFile("/d", "fresh"))
	checkAccounting(t, l)
}

func TestPinnedFilesSurviveEviction(t *testing.T) {
	l := NewLFS("/disk", 100, EvictLRU)
	f := types.NewFile("pinned", 90)
	require.Nil(t, l.StoreFile("/d", f, 0))
	l.Pin("/d", "pinned")

	cause := l.Reserve(50, 1)
	require.NotNil(t, cause)
	assert.True(t, l.HasFile("/d", "pinned"))
	checkAccounting(t, l)
}

func TestDoubleReleaseIsNoOp(t *testing.T) {
	l := NewLFS("/disk", 100, EvictNone)
	require.Nil(t, l.Reserve(30, 0))
	l.ReleaseReservation(30)
	l.ReleaseReservation(30)
	assert.Equal(t, 100.0, l.FreeSpace())
	assert.Equal(t, 0.0, l.ReservedSpace())
	checkAccounting(t, l)
}

func TestDevNullSink(t *testing.T) {
	l := NewLFS(DevNull, 0, EvictNone)
	require.True(t, l.IsSink())
	f := types.NewFile("x", 1e18)
	require.Nil(t, l.Reserve(f.Size, 0))
	l.CommitFile("/", f, 0)
	assert.False(t, l.HasFile("/", "x"))
}

func TestDeleteMissingFile(t *testing.T) {
	l := NewLFS("/disk", 100, EvictNone)
	cause := l.DeleteFile("/nowhere", "ghost")
	require.NotNil(t, cause)
	assert.Equal(t, failure.FileNotFound, cause.Kind)
}
