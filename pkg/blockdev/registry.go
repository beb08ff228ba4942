package blockdev

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/marmos91/nexusd/pkg/nexuserr"
)

// defaultSupportedIOTypes is what every local backend (memory or file)
// advertises; devices reached over nvmf:// register their own support set
// via RegisterRemote since the remote end may not support unmap/reset.
var defaultSupportedIOTypes = map[IOType]bool{
	IORead: true, IOWrite: true, IOWriteZeroes: true, IOUnmap: true, IOFlush: true, IOReset: true,
}

// Registry opens and tracks block devices by URI. It is the single point
// through which children, pools, and replicas attach to underlying
// storage.
type Registry struct {
	mu      sync.Mutex
	remotes map[string]*remoteEntry // nvmf URI -> pre-registered remote device/backend
	local   map[string]*localEntry  // bdev/aio URI -> canonical device+backend
}

type remoteEntry struct {
	device  *Device
	backend backend
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		remotes: make(map[string]*remoteEntry),
		local:   make(map[string]*localEntry),
	}
}

// RegisterRemote makes a device reachable by its nvmf:// URI available to
// Open. This is the seam pkg/nvmf's south-bound client uses after it has
// established a session with a peer's shared replica: the registry itself
// has no transport knowledge.
func (r *Registry) RegisterRemote(uri string, device *Device, b backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remotes[uri] = &remoteEntry{device: device, backend: b}
}

// openParams are the query-string parameters recognized on bdev:// and
// aio:// URIs.
type openParams struct {
	uuid     string
	blockLen uint32
	numBlks  uint64
}

func parseOpenParams(q url.Values) (openParams, error) {
	p := openParams{uuid: q.Get("uuid"), blockLen: 4096, numBlks: 0}

	if v := q.Get("blk_size"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return p, nexuserr.InvalidArgumentf("invalid blk_size %q: %v", v, err)
		}
		p.blockLen = uint32(n)
	}
	if v := q.Get("blocks"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return p, nexuserr.InvalidArgumentf("invalid blocks %q: %v", v, err)
		}
		p.numBlks = n
	}
	if p.blockLen == 0 || p.blockLen&(p.blockLen-1) != 0 {
		return p, nexuserr.InvalidArgumentf("blk_size must be a power of two, got %d", p.blockLen)
	}
	return p, nil
}

// localEntry is the canonical Device+backend pair for a bdev:// or aio://
// URI, shared by every Descriptor opened against it so the exclusive-write
// claim (Device.claimedBy) actually serializes writers across repeated
// Open calls instead of being checked against a throwaway copy.
type localEntry struct {
	device  *Device
	backend backend
	refs    int
}

// Open resolves uri to a Device and returns a Descriptor over it. Opening
// the same URI twice returns descriptors sharing the same underlying
// Device and backend; the exclusive-write claim (see Claim) is what
// actually serializes writers.
func (r *Registry) Open(uri string) (*Descriptor, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, nexuserr.InvalidArgumentf("invalid device URI %q: %v", uri, err)
	}

	switch u.Scheme {
	case "bdev":
		return r.openLocal(uri, u, func(size uint64) (backend, error) {
			return newMemoryBackend(size), nil
		}, "nexusd-bdev")
	case "aio":
		path := u.Path
		return r.openLocal(uri, u, func(size uint64) (backend, error) {
			return newFileBackend(path, size)
		}, "nexusd-aio")
	case "nvmf":
		r.mu.Lock()
		entry, ok := r.remotes[uri]
		r.mu.Unlock()
		if !ok {
			return nil, nexuserr.NotFoundf(uri, "no remote registered for nvmf device")
		}
		return &Descriptor{device: entry.device, backend: entry.backend, registry: r}, nil
	default:
		return nil, nexuserr.InvalidArgumentf("unsupported device URI scheme %q", u.Scheme)
	}
}

func (r *Registry) openLocal(uri string, u *url.URL, makeBackend func(size uint64) (backend, error), driver string) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.local[uri]; ok {
		entry.refs++
		return &Descriptor{device: entry.device, backend: entry.backend, registry: r, uri: uri}, nil
	}

	params, err := parseOpenParams(u.Query())
	if err != nil {
		return nil, err
	}

	name := u.Host
	if name == "" {
		name = u.Path
	}

	id := params.uuid
	if id == "" {
		id = uuid.New().String()
	}

	size := params.numBlks * uint64(params.blockLen)
	b, err := makeBackend(size)
	if err != nil {
		return nil, err
	}

	device := &Device{
		Name:             name,
		URI:              uri,
		UUID:             id,
		BlockLen:         params.blockLen,
		NumBlocks:        params.numBlks,
		Product:          "nexusd virtual device",
		Driver:           driver,
		Align:            params.blockLen,
		SupportedIOTypes: defaultSupportedIOTypes,
	}

	r.local[uri] = &localEntry{device: device, backend: b, refs: 1}
	return &Descriptor{device: device, backend: b, registry: r, uri: uri}, nil
}

// RegisterReplica creates the canonical bdev:// backing device for an LVS
// replica, so the nexus (C6) attaching it as a child through
// registry.Open resolves to the very same device/backend the replica (C4)
// was allocated on — rather than Open fabricating a disconnected device
// of its own (local children are addressed as "bdev:///<name>?uuid=<uuid>",
// naming an existing pool replica). Returns
// the canonical URI the caller should hand to registry.Open (and store on
// the replica). AlreadyExists if name is already registered.
func (r *Registry) RegisterReplica(name, replicaUUID string, blockLen uint32, numBlocks uint64) (string, error) {
	if blockLen == 0 || blockLen&(blockLen-1) != 0 {
		return "", nexuserr.InvalidArgumentf("blk_size must be a power of two, got %d", blockLen)
	}

	uri := fmt.Sprintf("bdev:///%s?uuid=%s", name, replicaUUID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.local[uri]; exists {
		return "", nexuserr.AlreadyExistsf(name, "device already registered")
	}

	device := &Device{
		Name:             name,
		URI:              uri,
		UUID:             replicaUUID,
		BlockLen:         blockLen,
		NumBlocks:        numBlocks,
		Product:          "nexusd replica",
		Driver:           "nexusd-replica",
		Align:            blockLen,
		SupportedIOTypes: defaultSupportedIOTypes,
	}
	r.local[uri] = &localEntry{device: device, backend: newMemoryBackend(device.SizeBytes()), refs: 0}
	return uri, nil
}

// releaseLocal decrements the reference count for uri and closes the
// backend once the last referencing Descriptor releases it. It is a no-op
// for URIs not tracked as local (nvmf remotes outlive any single
// Descriptor, since the south-bound session is owned elsewhere).
func (r *Registry) releaseLocal(uri string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.local[uri]
	if !ok {
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		return nil
	}
	delete(r.local, uri)
	return entry.backend.close()
}
