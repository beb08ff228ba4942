package lvs

import (
	"testing"

	"github.com/marmos91/nexusd/pkg/blockdev"
	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/marmos91/nexusd/pkg/nvmf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) (*blockdev.Registry, *Pool) {
	t.Helper()
	reg := blockdev.NewRegistry()
	pool, err := Create(reg, "pool0", "", "bdev://disk0?blk_size=4096&blocks=25600", 1<<20, 1<<20)
	require.NoError(t, err)
	return reg, pool
}

func TestCreatePoolClaimsBaseDevice(t *testing.T) {
	reg, pool := newTestPool(t)
	assert.Equal(t, Created, pool.State())

	_, err := Create(reg, "pool1", "", "bdev://disk0?blk_size=4096&blocks=25600", 1<<20, 1<<20)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.Claimed))
}

func TestCreateReplicaThickRespectsNoSpace(t *testing.T) {
	_, pool := newTestPool(t)

	total, free := pool.Stats()
	require.Equal(t, total, free)

	_, err := pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: total*pool.ClusterSize() + 1, Thin: false})
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.NoSpace))
}

func TestCreateReplicaThinDoesNotReserve(t *testing.T) {
	_, pool := newTestPool(t)
	_, totalFreeBefore := pool.Stats()

	r, err := pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: 100 << 20, Thin: true})
	require.NoError(t, err)
	assert.True(t, r.Thin())

	_, totalFreeAfter := pool.Stats()
	assert.Equal(t, totalFreeBefore, totalFreeAfter)
}

func TestDuplicateReplicaNameFails(t *testing.T) {
	_, pool := newTestPool(t)

	_, err := pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: 1 << 20, Thin: true})
	require.NoError(t, err)

	_, err = pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: 1 << 20, Thin: true})
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.AlreadyExists))
}

func TestSharedReplicaCannotBeDestroyed(t *testing.T) {
	_, pool := newTestPool(t)
	r, err := pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: 1 << 20, Thin: true})
	require.NoError(t, err)

	reg := nvmf.NewRegistry("nqn.2024-01.io.nexusd", "127.0.0.1", 4420, 4430, "optimized")
	_, err = r.ShareNvmf(reg, nvmf.ShareProps{})
	require.NoError(t, err)

	err = r.Destroy()
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.WrongState))

	require.NoError(t, r.UnshareNvmf(reg))
	require.NoError(t, r.Destroy())
}

func TestExportIsIdempotentAfterDestroy(t *testing.T) {
	_, pool := newTestPool(t)
	require.NoError(t, pool.Destroy())
	require.NoError(t, pool.Export())
}

func TestSnapshotAndClone(t *testing.T) {
	_, pool := newTestPool(t)
	r, err := pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: 1 << 20, Thin: true})
	require.NoError(t, err)

	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = 0x5c
	}
	require.NoError(t, r.WriteAt(8192, pattern))

	snap, err := r.Snapshot("r0-snap", "")
	require.NoError(t, err)
	assert.True(t, snap.IsSnapshot())
	assert.True(t, snap.IsReadOnly())

	// The snapshot captured the source's bytes and rejects writes.
	got := make([]byte, len(pattern))
	require.NoError(t, snap.ReadAt(8192, got))
	assert.Equal(t, pattern, got)
	err = snap.WriteAt(0, pattern)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.WrongState))

	clone, err := Clone(snap, "r0-clone", "")
	require.NoError(t, err)
	assert.True(t, clone.IsClone())
	assert.Equal(t, snap.UUID(), clone.ParentSnapshotUUID())

	// The clone starts from the snapshot's contents and is writable.
	got = make([]byte, len(pattern))
	require.NoError(t, clone.ReadAt(8192, got))
	assert.Equal(t, pattern, got)
	require.NoError(t, clone.WriteAt(0, pattern))

	_, err = Clone(r, "bad-clone", "")
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.InvalidArgument))
}

func TestReplicaReadWriteRoundTripsThroughRegistry(t *testing.T) {
	reg, pool := newTestPool(t)
	r, err := pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: 1 << 20, Thin: false})
	require.NoError(t, err)

	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = 0x7a
	}
	require.NoError(t, r.WriteAt(0, pattern))

	got := make([]byte, len(pattern))
	require.NoError(t, r.ReadAt(0, got))
	assert.Equal(t, pattern, got)

	// A second Open against the replica's own URI (what a nexus attaching
	// this replica as a child would do) reads the exact same bytes,
	// proving the replica is not a disconnected backend.
	desc, err := reg.Open(r.URI())
	require.NoError(t, err)
	defer desc.Close()

	direct := make([]byte, len(pattern))
	require.NoError(t, desc.GetIOHandle().ReadAt(0, direct))
	assert.Equal(t, pattern, direct)
}

func TestResizeBelowAllocatedFails(t *testing.T) {
	_, pool := newTestPool(t)
	r, err := pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: 10 << 20, Thin: false})
	require.NoError(t, err)

	err = r.Resize(1 << 20)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.WrongState))
}

func TestCreateExportImportRoundTrip(t *testing.T) {
	reg := blockdev.NewRegistry()
	disk := "bdev://diskrt?blk_size=4096&blocks=25600"
	pool, err := Create(reg, "poolrt", "", disk, 1<<20, 1<<20)
	require.NoError(t, err)

	r, err := pool.CreateReplica(CreateReplicaParams{Name: "r0", Size: 2 << 20, Thin: false})
	require.NoError(t, err)
	poolUUID := pool.UUID()

	require.NoError(t, pool.Export())
	assert.Equal(t, Exported, pool.State())

	imported, err := Import("poolrt", poolUUID, disk)
	require.NoError(t, err)
	assert.Equal(t, poolUUID, imported.UUID())
	assert.Equal(t, Created, imported.State())

	replicas := imported.ListReplicas()
	require.Len(t, replicas, 1)
	assert.Equal(t, r.UUID(), replicas[0].UUID())
	assert.Equal(t, "r0", replicas[0].Name())

	// The reattached pool is fully usable again.
	_, err = imported.CreateReplica(CreateReplicaParams{Name: "r1", Size: 1 << 20, Thin: true})
	require.NoError(t, err)
}

func TestImportMismatchIsHardError(t *testing.T) {
	reg := blockdev.NewRegistry()
	disk := "bdev://diskmm?blk_size=4096&blocks=25600"
	pool, err := Create(reg, "poolmm", "", disk, 1<<20, 1<<20)
	require.NoError(t, err)
	require.NoError(t, pool.Export())

	_, err = Import("wrong-name", pool.UUID(), disk)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.InvalidArgument))

	_, err = Import("poolmm", "00000000-0000-0000-0000-000000000000", disk)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.InvalidArgument))

	_, err = Import("poolmm", "", "bdev://never-exported?blk_size=4096&blocks=16")
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.NotFound))

	// The mismatches left the exported pool intact; a correct import
	// still succeeds.
	imported, err := Import("poolmm", pool.UUID(), disk)
	require.NoError(t, err)
	assert.Equal(t, pool.UUID(), imported.UUID())
}

func TestImportAfterDestroyIsNotFound(t *testing.T) {
	reg := blockdev.NewRegistry()
	disk := "bdev://diskdd?blk_size=4096&blocks=25600"
	pool, err := Create(reg, "pooldd", "", disk, 1<<20, 1<<20)
	require.NoError(t, err)
	require.NoError(t, pool.Export())
	require.NoError(t, pool.Destroy())

	_, err = Import("pooldd", "", disk)
	require.Error(t, err)
	assert.True(t, nexuserr.Is(err, nexuserr.NotFound))
}
