package rangelock

import (
	"context"
	"testing"
	"time"

	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Lock_Success(t *testing.T) {
	t.Parallel()

	m := NewManager()
	err := m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 16 << 20, Exclusive: true})
	require.NoError(t, err)

	locks := m.ListLocks("nexus0")
	require.Len(t, locks, 1)
}

func TestManager_Lock_ConflictBetweenDifferentOwners(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))

	err := m.Lock("nexus0", Lock{Owner: "io:req1", Offset: 50, Length: 100, Exclusive: true})
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.Claimed))
}

func TestManager_Lock_SharedLocksDoNotConflict(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "io:req1", Offset: 0, Length: 100, Exclusive: false}))
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "io:req2", Offset: 50, Length: 100, Exclusive: false}))

	assert.Len(t, m.ListLocks("nexus0"), 2)
}

func TestManager_Lock_NoOverlapNoConflict(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "io:req1", Offset: 200, Length: 100, Exclusive: true}))

	assert.Len(t, m.ListLocks("nexus0"), 2)
}

func TestManager_Lock_SameOwnerReLockUpdatesInPlace(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: false}))
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))

	locks := m.ListLocks("nexus0")
	require.Len(t, locks, 1)
	assert.True(t, locks[0].Exclusive)
}

func TestManager_Lock_UnboundedRangeConflictsWithEverythingPastOffset(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "io:resize", Offset: 0, Length: 0, Exclusive: true}))

	err := m.Lock("nexus0", Lock{Owner: "rebuild:job1:9", Offset: 1 << 30, Length: 16 << 20, Exclusive: true})
	require.Error(t, err)
}

func TestManager_Unlock_Success(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "io:req1", Offset: 0, Length: 100, Exclusive: true}))
	require.NoError(t, m.Unlock("nexus0", "io:req1", 0, 100))
	assert.Empty(t, m.ListLocks("nexus0"))
}

func TestManager_Unlock_NotFound(t *testing.T) {
	t.Parallel()

	m := NewManager()
	err := m.Unlock("nexus0", "io:req1", 0, 100)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.NotFound))
}

func TestManager_CheckIO_WriteBlockedByDifferentOwner(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))

	conflict := m.CheckIO("nexus0", "io:req1", 50, 10, true)
	require.NotNil(t, conflict)
	assert.Equal(t, Owner("rebuild:job1:0"), conflict.Owner)
}

func TestManager_CheckIO_ReadBlockedOnlyByExclusive(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "io:req1", Offset: 0, Length: 100, Exclusive: false}))

	assert.Nil(t, m.CheckIO("nexus0", "io:req2", 10, 10, false))

	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 200, Length: 100, Exclusive: true}))
	assert.NotNil(t, m.CheckIO("nexus0", "io:req2", 210, 10, false))
}

func TestManager_CheckIO_SameOwnerNeverBlocked(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))

	assert.Nil(t, m.CheckIO("nexus0", "rebuild:job1:0", 0, 100, true))
}

func TestManager_RemoveAll(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "io:req1", Offset: 0, Length: 100, Exclusive: true}))
	m.RemoveAll("nexus0")
	assert.Empty(t, m.ListLocks("nexus0"))
}

func TestManager_RemoveOwner_AcrossNexuses(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))
	require.NoError(t, m.Lock("nexus1", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))
	require.NoError(t, m.Lock("nexus1", Lock{Owner: "io:req1", Offset: 200, Length: 100, Exclusive: true}))

	m.RemoveOwner("rebuild:job1:0")

	assert.Empty(t, m.ListLocks("nexus0"))
	assert.Len(t, m.ListLocks("nexus1"), 1)
}

func TestRangesOverlap(t *testing.T) {
	t.Parallel()

	assert.True(t, RangesOverlap(0, 100, 50, 50))
	assert.False(t, RangesOverlap(0, 100, 100, 50))
	assert.True(t, RangesOverlap(0, 0, 1<<40, 10))
}

func TestManager_LockWait_BlocksUntilRelease(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))

	acquired := make(chan struct{})
	go func() {
		ctx := context.Background()
		err := m.LockWait(ctx, "nexus0", Lock{Owner: "io:req1", Offset: 50, Length: 10, Exclusive: false})
		assert.NoError(t, err)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("LockWait returned before conflicting lock was released")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, m.Unlock("nexus0", "rebuild:job1:0", 0, 100))

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("LockWait did not unblock after release")
	}
}

func TestManager_LockWait_CtxCancel(t *testing.T) {
	t.Parallel()

	m := NewManager()
	require.NoError(t, m.Lock("nexus0", Lock{Owner: "rebuild:job1:0", Offset: 0, Length: 100, Exclusive: true}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := m.LockWait(ctx, "nexus0", Lock{Owner: "io:req1", Offset: 0, Length: 10, Exclusive: false})
	require.Error(t, err)
}
