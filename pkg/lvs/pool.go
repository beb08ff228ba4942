// Package lvs implements the replica pool: a logical volume store bound
// to exactly one base block device, from which thin or thick replicas are
// carved by name/UUID.
//
// A Pool owns its base device exclusively (claimed through pkg/blockdev);
// Replicas are logical volumes inside that pool addressed by cluster.
// There is no on-disk extent-sharing or copy-on-write here: Snapshot and
// Clone model the parent/child relationship without implementing
// deduplicated storage.
package lvs

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/nexusd/internal/logger"
	"github.com/marmos91/nexusd/pkg/blockdev"
	"github.com/marmos91/nexusd/pkg/nexuserr"
)

// State is a pool's lifecycle state.
type State int

const (
	Created State = iota
	Exported
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Exported:
		return "Exported"
	case Destroyed:
		return "Destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// replicaBlockLen is the logical block length a replica's own backing
// device is registered with. Cluster sizes are typically MiB-scaled, so
// this divides evenly in the common case; CreateReplica falls back to the
// pool's cluster size itself when that is smaller (both are validated
// powers of two, so the smaller always divides the larger).
const replicaBlockLen = 4096

// exported retains the metadata of pools detached by Export, keyed by
// base-device URI, so a later Import reattaches the same pool — UUID and
// replica set intact — rather than fabricating a fresh one. It stands in
// for the on-disk superblock a real volume store would re-read at import.
var (
	exportedMu sync.Mutex
	exported   = make(map[string]*Pool)
)

// Pool is a logical-volume store bound to a single base block device.
type Pool struct {
	mu sync.RWMutex

	name         string
	uuid         string
	clusterSize  uint64
	totalCluster uint64
	freeCluster  uint64
	state        State

	baseDevice *blockdev.Descriptor
	baseURI    string
	registry   *blockdev.Registry

	replicas map[string]*Replica // name -> replica
	byUUID   map[string]*Replica
}

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// UUID returns the pool's UUID.
func (p *Pool) UUID() string { return p.uuid }

// ClusterSize returns the pool's cluster size in bytes.
func (p *Pool) ClusterSize() uint64 { return p.clusterSize }

// State returns the pool's current lifecycle state.
func (p *Pool) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Stats returns the pool's total and free cluster counts.
func (p *Pool) Stats() (total, free uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalCluster, p.freeCluster
}

// isPowerOfTwo reports whether n is a nonzero power of two.
func isPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// roundUpToCluster rounds size up to the next multiple of clusterSize.
func roundUpToCluster(size, clusterSize uint64) uint64 {
	if size == 0 {
		return clusterSize
	}
	clusters := (size + clusterSize - 1) / clusterSize
	return clusters * clusterSize
}

// Create creates a new LVS over disk, the pool's single base device URI.
// cluster_size defaults to defaultClusterSize if zero. Create fails if the
// device is already claimed or cluster_size is not a power of two.
func Create(registry *blockdev.Registry, name, poolUUID, disk string, clusterSize, defaultClusterSize uint64) (*Pool, error) {
	if clusterSize == 0 {
		clusterSize = defaultClusterSize
	}
	if !isPowerOfTwo(clusterSize) {
		return nil, nexuserr.InvalidArgumentf("cluster size %d is not a power of two", clusterSize)
	}

	desc, err := registry.Open(disk)
	if err != nil {
		return nil, err
	}
	if err := desc.Claim("pool:" + name); err != nil {
		return nil, err
	}

	if poolUUID == "" {
		poolUUID = uuid.New().String()
	}

	totalBytes := desc.Device().SizeBytes()
	totalCluster := totalBytes / clusterSize

	p := &Pool{
		name:         name,
		uuid:         poolUUID,
		clusterSize:  clusterSize,
		totalCluster: totalCluster,
		freeCluster:  totalCluster,
		state:        Created,
		baseDevice:   desc,
		baseURI:      disk,
		registry:     registry,
		replicas:     make(map[string]*Replica),
		byUUID:       make(map[string]*Replica),
	}

	logger.Info("pool created", logger.Pool(name), logger.UUID(poolUUID))
	return p, nil
}

// Import reattaches an LVS previously detached by Export, restoring the
// same pool UUID and replica set. It fails with NotFound if no exported
// pool exists on disk, and a name or UUID mismatch against the retained
// pool metadata is a hard error. Pass expectedUUID == "" to accept
// whatever UUID the pool carries.
func Import(name, expectedUUID, disk string) (*Pool, error) {
	exportedMu.Lock()
	p, ok := exported[disk]
	exportedMu.Unlock()
	if !ok {
		return nil, nexuserr.NotFoundf(disk, "no exported pool on this device")
	}

	p.mu.Lock()
	if p.name != name {
		p.mu.Unlock()
		return nil, nexuserr.InvalidArgumentf("pool on %s is named %q, not %q", disk, p.name, name)
	}
	if expectedUUID != "" && p.uuid != expectedUUID {
		p.mu.Unlock()
		return nil, nexuserr.InvalidArgumentf("pool %s has UUID %s, not %s", p.name, p.uuid, expectedUUID)
	}
	if err := p.baseDevice.Claim("pool:" + p.name); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.state = Created
	p.mu.Unlock()

	exportedMu.Lock()
	delete(exported, disk)
	exportedMu.Unlock()

	logger.Info("pool imported", logger.Pool(name), logger.UUID(p.uuid))
	return p, nil
}

// Export flushes and detaches the pool without wiping its metadata: the
// pool's UUID and replica set are retained so Import can reattach them.
// Export is idempotent after Destroy: calling it again returns nil.
func (p *Pool) Export() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Destroyed {
		return nil
	}
	if p.state == Exported {
		return nil
	}
	for _, r := range p.replicas {
		if r.shareProtocol != ShareOff {
			return nexuserr.WrongStatef(p.name, "replica %s is still shared", r.name)
		}
	}
	p.baseDevice.Unclaim("pool:" + p.name)
	p.state = Exported

	exportedMu.Lock()
	exported[p.baseURI] = p
	exportedMu.Unlock()

	logger.Info("pool exported", logger.Pool(p.name))
	return nil
}

// Destroy wipes the pool's metadata and releases its base device.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == Destroyed {
		return nil
	}
	for _, r := range p.replicas {
		if r.shareProtocol != ShareOff {
			return nexuserr.WrongStatef(p.name, "replica %s is still shared", r.name)
		}
	}
	if p.state != Exported {
		p.baseDevice.Unclaim("pool:" + p.name)
	}
	_ = p.baseDevice.Close()
	p.replicas = nil
	p.byUUID = nil
	p.state = Destroyed

	exportedMu.Lock()
	delete(exported, p.baseURI)
	exportedMu.Unlock()

	logger.Info("pool destroyed", logger.Pool(p.name))
	return nil
}

// CreateReplicaParams are the arguments to CreateReplica.
type CreateReplicaParams struct {
	Name     string
	UUID     string
	Size     uint64
	Thin     bool
	EntityID string
}

// CreateReplica creates a replica in the pool. Size is rounded up to the
// cluster size; a thick (non-thin) replica that would exceed free capacity
// fails with NoSpace.
func (p *Pool) CreateReplica(params CreateReplicaParams) (*Replica, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != Created {
		return nil, nexuserr.WrongStatef(p.name, "pool is %s", p.state)
	}
	if _, exists := p.replicas[params.Name]; exists {
		return nil, nexuserr.AlreadyExistsf(params.Name, "replica already exists in pool %s", p.name)
	}
	if params.UUID != "" {
		if _, exists := p.byUUID[params.UUID]; exists {
			return nil, nexuserr.AlreadyExistsf(params.UUID, "replica UUID already exists in pool %s", p.name)
		}
	}

	size := roundUpToCluster(params.Size, p.clusterSize)
	clusters := size / p.clusterSize

	id := params.UUID
	if id == "" {
		id = uuid.New().String()
	}

	blockLen := uint32(replicaBlockLen)
	if p.clusterSize < uint64(blockLen) {
		blockLen = uint32(p.clusterSize)
	}

	uri, err := p.registry.RegisterReplica(params.Name, id, blockLen, size/uint64(blockLen))
	if err != nil {
		return nil, err
	}
	desc, err := p.registry.Open(uri)
	if err != nil {
		return nil, err
	}

	if !params.Thin {
		if clusters > p.freeCluster {
			_ = desc.Close()
			return nil, nexuserr.NoSpacef(p.name, "need %d clusters, %d free", clusters, p.freeCluster)
		}
		p.freeCluster -= clusters
	}

	r := &Replica{
		pool:          p,
		name:          params.Name,
		uuid:          id,
		sizeBytes:     size,
		thin:          params.Thin,
		entityID:      params.EntityID,
		committed:     clusters * p.clusterSize,
		shareProtocol: ShareOff,
		allowedHosts:  make(map[string]bool),
		desc:          desc,
		handle:        desc.GetIOHandle(),
		uri:           uri,
	}
	if params.Thin {
		r.allocated = 0
	} else {
		r.allocated = r.committed
	}

	p.replicas[r.name] = r
	p.byUUID[r.uuid] = r

	logger.Info("replica created", logger.Pool(p.name), logger.Replica(r.name), logger.UUID(r.uuid))
	return r, nil
}

// ListReplicas returns every replica currently in the pool.
func (p *Pool) ListReplicas() []*Replica {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		out = append(out, r)
	}
	return out
}

// GetReplica looks up a replica by name.
func (p *Pool) GetReplica(name string) (*Replica, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	r, ok := p.replicas[name]
	if !ok {
		return nil, nexuserr.NotFoundf(name, "no such replica in pool %s", p.name)
	}
	return r, nil
}

// removeReplica is called by Replica.Destroy to detach it from the pool's
// indexes and return its clusters to the free pool.
func (p *Pool) removeReplica(r *Replica) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.replicas, r.name)
	delete(p.byUUID, r.uuid)
	if !r.thin {
		p.freeCluster += r.committed / p.clusterSize
	}
}
