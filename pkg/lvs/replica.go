package lvs

import (
	"fmt"
	"sync"

	"github.com/marmos91/nexusd/internal/logger"
	"github.com/marmos91/nexusd/pkg/blockdev"
	"github.com/marmos91/nexusd/pkg/nexuserr"
	"github.com/marmos91/nexusd/pkg/nvmf"
)

// ShareProtocol is the protocol a replica is exported under.
type ShareProtocol int

const (
	ShareOff ShareProtocol = iota
	ShareNvmf
)

func (s ShareProtocol) String() string {
	switch s {
	case ShareOff:
		return "Off"
	case ShareNvmf:
		return "Nvmf"
	default:
		return fmt.Sprintf("ShareProtocol(%d)", int(s))
	}
}

// Replica is a logical volume in a Pool.
type Replica struct {
	mu sync.RWMutex

	pool *Pool

	name      string
	uuid      string
	sizeBytes uint64
	thin      bool
	entityID  string
	readOnly  bool

	shareProtocol ShareProtocol
	shareURI      string
	allowedHosts  map[string]bool

	allocated         uint64 // committed size for a thick replica; 0 for a thin one (writes do not update it)
	committed         uint64 // clusters*clusterSize reserved
	snapshotAllocated uint64

	isSnapshot         bool
	isClone            bool
	parentSnapshotUUID string

	desc   *blockdev.Descriptor
	handle *blockdev.Handle
	uri    string
}

// Name returns the replica's name.
func (r *Replica) Name() string { return r.name }

// URI returns the bdev:// address a nexus attaches this replica as a
// child through.
func (r *Replica) URI() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.uri
}

// ReadAt reads from the replica's own backing store. Satisfies
// rebuild.Reader so a Replica can serve as a rebuild source directly.
func (r *Replica) ReadAt(offset uint64, buf []byte) error {
	return r.handle.ReadAt(offset, buf)
}

// WriteAt writes to the replica's own backing store. Satisfies
// rebuild.Writer so a Replica can serve as a rebuild destination directly.
func (r *Replica) WriteAt(offset uint64, buf []byte) error {
	if r.IsReadOnly() {
		return nexuserr.WrongStatef(r.name, "replica is read-only")
	}
	return r.handle.WriteAt(offset, buf)
}

// UUID returns the replica's UUID.
func (r *Replica) UUID() string { return r.uuid }

// SizeBytes returns the replica's size in bytes, a multiple of the pool's
// cluster size.
func (r *Replica) SizeBytes() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sizeBytes
}

// Thin reports whether the replica is thin-provisioned.
func (r *Replica) Thin() bool { return r.thin }

// IsReadOnly reports whether the replica rejects writes (always true for
// snapshots).
func (r *Replica) IsReadOnly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readOnly
}

// IsSnapshot reports whether this replica is a read-only snapshot.
func (r *Replica) IsSnapshot() bool { return r.isSnapshot }

// IsClone reports whether this replica was created from a snapshot.
func (r *Replica) IsClone() bool { return r.isClone }

// ParentSnapshotUUID returns the UUID of the snapshot this replica was
// cloned from, or "" if it is not a clone.
func (r *Replica) ParentSnapshotUUID() string { return r.parentSnapshotUUID }

// ShareProtocol returns the protocol the replica is currently shared under.
func (r *Replica) ShareProtocol() ShareProtocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shareProtocol
}

// ShareURI returns the URI the replica is shared at, or "" if unshared.
func (r *Replica) ShareURI() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shareURI
}

// Usage returns the replica's allocated/committed/snapshot-allocated
// cluster byte counts.
func (r *Replica) Usage() (allocated, committed, snapshotAllocated uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allocated, r.committed, r.snapshotAllocated
}

// SetEntityID sets the replica's opaque entity tag.
func (r *Replica) SetEntityID(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entityID = id
}

// EntityID returns the replica's opaque entity tag.
func (r *Replica) EntityID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entityID
}

// Resize changes the replica's size. Shrinking below the already-allocated
// byte count fails.
func (r *Replica) Resize(newSize uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pool.mu.RLock()
	clusterSize := r.pool.clusterSize
	r.pool.mu.RUnlock()

	rounded := roundUpToCluster(newSize, clusterSize)
	if rounded < r.allocated {
		return nexuserr.WrongStatef(r.name, "new size %d is below allocated %d", rounded, r.allocated)
	}

	if !r.thin {
		oldClusters := r.committed / clusterSize
		newClusters := rounded / clusterSize
		r.pool.mu.Lock()
		if newClusters > oldClusters {
			delta := newClusters - oldClusters
			if delta > r.pool.freeCluster {
				r.pool.mu.Unlock()
				return nexuserr.NoSpacef(r.pool.name, "need %d more clusters, %d free", delta, r.pool.freeCluster)
			}
			r.pool.freeCluster -= delta
		} else if newClusters < oldClusters {
			r.pool.freeCluster += oldClusters - newClusters
		}
		r.pool.mu.Unlock()
		r.committed = rounded
		r.allocated = rounded
	}

	r.sizeBytes = rounded
	logger.Info("replica resized", logger.Replica(r.name), logger.Length(rounded))
	return nil
}

// ShareNvmf exports the replica over NVMe-oF through reg, returning the
// resulting URI. Idempotent: re-sharing returns the existing URI.
func (r *Replica) ShareNvmf(reg *nvmf.Registry, props nvmf.ShareProps) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	uri, err := reg.Share(r, props)
	if err != nil {
		return "", err
	}

	r.shareProtocol = ShareNvmf
	r.shareURI = uri
	for _, h := range props.AllowedHosts {
		r.allowedHosts[h] = true
	}
	logger.Info("replica shared", logger.Replica(r.name))
	return uri, nil
}

// UnshareNvmf stops exporting the replica through reg. Idempotent.
func (r *Replica) UnshareNvmf(reg *nvmf.Registry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shareProtocol == ShareOff {
		return nil
	}
	if err := reg.Unshare(r.name); err != nil {
		return err
	}
	r.shareProtocol = ShareOff
	r.shareURI = ""
	logger.Info("replica unshared", logger.Replica(r.name))
	return nil
}

// Destroy removes the replica from its pool. A shared replica cannot be
// destroyed; it must be unshared first.
func (r *Replica) Destroy() error {
	r.mu.Lock()
	if r.shareProtocol != ShareOff {
		r.mu.Unlock()
		return nexuserr.WrongStatef(r.name, "replica is still shared, unshare before destroy")
	}
	desc := r.desc
	r.mu.Unlock()

	r.pool.removeReplica(r)
	if desc != nil {
		_ = desc.Close()
	}
	logger.Info("replica destroyed", logger.Replica(r.name))
	return nil
}

// copyContents copies src's full contents into dst's backing store,
// chunked at block granularity. Both replicas come from the same pool and
// share a block length; dst must not be read-only yet.
func copyContents(src, dst *Replica, size uint64) error {
	blockLen := uint64(dst.handle.Device().BlockLen)
	chunk := 256 * blockLen
	buf := make([]byte, chunk)

	for offset := uint64(0); offset < size; offset += chunk {
		n := chunk
		if offset+n > size {
			n = size - offset
		}
		if err := src.handle.ReadAt(offset, buf[:n]); err != nil {
			return err
		}
		if err := dst.handle.WriteAt(offset, buf[:n]); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot creates a read-only replica capturing this replica's current
// state. No on-disk copy-on-write extent sharing is implemented; the
// snapshot is a full materialized copy that Clone can branch from.
func (r *Replica) Snapshot(name, snapUUID string) (*Replica, error) {
	r.mu.RLock()
	size := r.sizeBytes
	r.mu.RUnlock()

	snap, err := r.pool.CreateReplica(CreateReplicaParams{
		Name: name,
		UUID: snapUUID,
		Size: size,
		Thin: true,
	})
	if err != nil {
		return nil, err
	}
	if err := copyContents(r, snap, size); err != nil {
		_ = snap.Destroy()
		return nil, err
	}
	snap.mu.Lock()
	snap.readOnly = true
	snap.isSnapshot = true
	snap.snapshotAllocated = size
	snap.mu.Unlock()

	logger.Info("snapshot created", logger.Replica(r.name), logger.UUID(snap.uuid))
	return snap, nil
}

// Clone creates a writable replica whose ParentSnapshotUUID points at this
// (read-only) snapshot, seeded with the snapshot's contents. snap must be
// a snapshot (IsSnapshot() == true).
func Clone(snap *Replica, name, cloneUUID string) (*Replica, error) {
	if !snap.IsSnapshot() {
		return nil, nexuserr.InvalidArgumentf("replica %s is not a snapshot", snap.name)
	}

	clone, err := snap.pool.CreateReplica(CreateReplicaParams{
		Name: name,
		UUID: cloneUUID,
		Size: snap.SizeBytes(),
		Thin: true,
	})
	if err != nil {
		return nil, err
	}
	if err := copyContents(snap, clone, snap.SizeBytes()); err != nil {
		_ = clone.Destroy()
		return nil, err
	}
	clone.mu.Lock()
	clone.isClone = true
	clone.parentSnapshotUUID = snap.uuid
	clone.mu.Unlock()

	logger.Info("clone created", logger.Replica(clone.name), logger.UUID(clone.uuid))
	return clone, nil
}
