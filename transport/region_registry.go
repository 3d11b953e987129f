package transport

import (
	"sync"
	"sync/atomic"
	"unsafe"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

func uintptrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

// localRegion records a registered memory region owned by this process,
// used to answer "does this pointer/length fall inside a region I
// published" lookups when constructing outgoing metadata headers.
type localRegion struct {
	base   uintptr
	length uintptr
	region *fi.MemoryRegion
	key    uint64
}

// peerKey caches a remote key learned from an inbound metadata header,
// scoped to the sender that published it.
type peerKey struct {
	senderID   string
	remoteAddr uint64
	remoteKey  uint64
}

const peerCacheShards = 8

// RegionRegistry tracks memory regions this process has registered for
// remote RMA access, and caches remote keys learned from peers so a
// builder's fetch pool doesn't need to re-parse a metadata header to find
// where a fragment lives.
//
// The original implementation kept a thread-local cache of recently seen
// remote keys per calling pthread. Go has no equivalent to thread-local
// storage, so this is reinterpreted as a small number of independently
// locked shards selected by an atomic round-robin counter: every
// CachePeerKey call takes the next shard, so consecutive writes spread
// across shards and no goroutine ever owns a shard, which keeps lock
// contention low without pretending Go goroutines have stable identity
// the way OS threads do. LookupPeerKey therefore scans every shard.
type RegionRegistry struct {
	mu      sync.RWMutex
	local   []localRegion
	shardMu [peerCacheShards]sync.RWMutex
	shards  [peerCacheShards]map[string]peerKey
	next    atomic.Uint64
}

// NewRegionRegistry constructs an empty registry.
func NewRegionRegistry() *RegionRegistry {
	r := &RegionRegistry{}
	for i := range r.shards {
		r.shards[i] = make(map[string]peerKey)
	}
	return r
}

// PublishRegion records a locally registered region so LookupLocal can
// resolve a buffer slice back to its remote key when building an outgoing
// metadata header.
func (r *RegionRegistry) PublishRegion(buf []byte, region *fi.MemoryRegion) {
	if r == nil || region == nil || len(buf) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.local = append(r.local, localRegion{
		base:   uintptrOf(buf),
		length: uintptr(len(buf)),
		region: region,
		key:    region.Key(),
	})
}

// LookupLocal finds the registered region containing buf and returns its
// remote key plus the byte offset of buf within that region. ok is false
// if no published region contains the whole of buf.
func (r *RegionRegistry) LookupLocal(buf []byte) (key uint64, offset uint64, ok bool) {
	if r == nil || len(buf) == 0 {
		return 0, 0, false
	}
	base := uintptrOf(buf)
	end := base + uintptr(len(buf))

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, reg := range r.local {
		if base >= reg.base && end <= reg.base+reg.length {
			return reg.key, uint64(base - reg.base), true
		}
	}
	return 0, 0, false
}

// CachePeerKey remembers the remote key a sender advertised for a given tf
// fragment identifier, keyed by an opaque caller-chosen string (typically
// "<senderID>/<tfID>/<equipmentID>").
func (r *RegionRegistry) CachePeerKey(id string, senderID string, remoteAddr, remoteKey uint64) {
	if r == nil {
		return
	}
	shard := r.next.Add(1) % peerCacheShards
	r.shardMu[shard].Lock()
	r.shards[shard][id] = peerKey{senderID: senderID, remoteAddr: remoteAddr, remoteKey: remoteKey}
	r.shardMu[shard].Unlock()
}

// LookupPeerKey retrieves a previously cached remote key by id, scanning
// every shard since the caching call does not commit to a shard the lookup
// can predict.
func (r *RegionRegistry) LookupPeerKey(id string) (senderID string, remoteAddr, remoteKey uint64, ok bool) {
	if r == nil {
		return "", 0, 0, false
	}
	for i := range r.shards {
		r.shardMu[i].RLock()
		pk, found := r.shards[i][id]
		r.shardMu[i].RUnlock()
		if found {
			return pk.senderID, pk.remoteAddr, pk.remoteKey, true
		}
	}
	return "", 0, 0, false
}

// Forget drops every cached peer key belonging to senderID, called once a
// scheduler reports that sender as gone (tf.ErrPeerGone).
func (r *RegionRegistry) Forget(senderID string) {
	if r == nil {
		return
	}
	for i := range r.shards {
		r.shardMu[i].Lock()
		for id, pk := range r.shards[i] {
			if pk.senderID == senderID {
				delete(r.shards[i], id)
			}
		}
		r.shardMu[i].Unlock()
	}
}
