package kvstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// PendingValueRequest dedups KEY_GET retries issued while waiting for a
// peer to answer a prior request for keys its KEY_SET reply listed in
// TobeUpdatedKeys.
// Entries expire on their own so a peer that never answers does not leak
// the set forever.
type PendingValueRequest struct {
	Key        string
	OriginPeer string
}

// FloodSender abstracts sending a Publication to a named peer so FloodEngine
// stays transport-agnostic; KvStoreDb supplies the real implementation.
type FloodSender interface {
	SendPublication(ctx context.Context, peerName string, pub Publication) error
	SendKeyGet(ctx context.Context, peerName string, keys []string) error
}

// FloodEngine batches local and received key changes and floods them to
// the set of neighbors selected by the spanning tree, rate-limited. One
// FloodEngine belongs to exactly one KvStoreDb/area and is driven entirely
// from that db's event loop goroutine.
type FloodEngine struct {
	log      *slog.Logger
	nodeName string
	sender   FloodSender
	tree     *SpanningTree

	limiter *rate.Limiter

	// buffer coalesces keys pending flood, keyed by the flood-root id the
	// publication is rooted at (nil root id means "flood to everyone",
	// used when EnableFloodOptimization is false).
	buffer map[string]map[string]struct{}

	// expiredBuffer coalesces keys pending an expiry flood the same way
	// buffer does for value floods. Kept separate because an expired key
	// is already gone from the store by the time Flush runs, so it can't
	// be resolved through the kv lookup buffer uses.
	expiredBuffer map[string]map[string]struct{}

	pending *ttlcache.Cache[string, PendingValueRequest]

	floodOptimizationEnabled bool
}

// NewFloodEngine builds a FloodEngine. msgPerSec/burst configure the token
// bucket; pendingTtl bounds how long a KEY_GET dedup entry survives.
func NewFloodEngine(log *slog.Logger, nodeName string, sender FloodSender, tree *SpanningTree, msgPerSec float64, burst int, pendingTtl time.Duration, floodOptimizationEnabled bool) *FloodEngine {
	pending := ttlcache.New[string, PendingValueRequest](
		ttlcache.WithTTL[string, PendingValueRequest](pendingTtl),
	)
	go pending.Start()
	return &FloodEngine{
		log:                      log,
		nodeName:                 nodeName,
		sender:                   sender,
		tree:                     tree,
		limiter:                  rate.NewLimiter(rate.Limit(msgPerSec), burst),
		buffer:                   make(map[string]map[string]struct{}),
		expiredBuffer:            make(map[string]map[string]struct{}),
		pending:                  pending,
		floodOptimizationEnabled: floodOptimizationEnabled,
	}
}

// Close stops the pending-request cache's background janitor.
func (f *FloodEngine) Close() {
	f.pending.Stop()
}

// floodRootKey normalizes an optional flood root id into the buffer's map
// key, so "no root" (flood optimization disabled) always coalesces to one
// bucket.
func floodRootKey(rootId *string) string {
	if rootId == nil {
		return ""
	}
	return *rootId
}

// Enqueue buffers key for flooding under the given flood-root. Call is
// non-blocking; Flush does the actual send.
func (f *FloodEngine) Enqueue(rootId *string, key string) {
	rk := floodRootKey(rootId)
	set, ok := f.buffer[rk]
	if !ok {
		set = make(map[string]struct{})
		f.buffer[rk] = set
	}
	set[key] = struct{}{}
}

// EnqueueExpiry buffers key for an expiry flood under the given flood-root
// — an expired key floods as a bare delete Publication with no body. Call
// is non-blocking; Flush does the actual send.
func (f *FloodEngine) EnqueueExpiry(rootId *string, key string) {
	rk := floodRootKey(rootId)
	set, ok := f.expiredBuffer[rk]
	if !ok {
		set = make(map[string]struct{})
		f.expiredBuffer[rk] = set
	}
	set[key] = struct{}{}
}

// getFloodPeers selects which neighbors should receive a publication rooted
// at rootId. With flood optimization disabled, every peer not already in
// the publication's path is a recipient. With it enabled, only this node's
// spanning-tree children for that root, plus its successor, receive it.
func (f *FloodEngine) getFloodPeers(rootId *string, allPeers []string, excludeNodeIds []string) []string {
	exclude := make(map[string]struct{}, len(excludeNodeIds))
	for _, id := range excludeNodeIds {
		exclude[id] = struct{}{}
	}
	if !f.floodOptimizationEnabled || rootId == nil || f.tree == nil {
		out := make([]string, 0, len(allPeers))
		for _, p := range allPeers {
			if _, skip := exclude[p]; !skip {
				out = append(out, p)
			}
		}
		return out
	}
	children := f.tree.Children(*rootId)
	out := make([]string, 0, len(children)+1)
	for _, c := range children {
		if _, skip := exclude[c]; !skip {
			out = append(out, c)
		}
	}
	if successor, ok := f.tree.Successor(*rootId); ok {
		if _, skip := exclude[successor]; !skip {
			out = append(out, successor)
		}
	}
	return out
}

// Flush sends one Publication per (rootId, peer) pair covering every key
// buffered since the last flush, blocking on the rate limiter. kv resolves
// a buffered key to its current Value; a key no longer present (expired or
// deleted before flush) is dropped silently. Any keys queued via
// EnqueueExpiry are sent as their own expiry Publications, which carry no
// body since the key is already gone from the store.
func (f *FloodEngine) Flush(ctx context.Context, allPeers []string, kv func(key string) (Value, bool)) {
	if len(f.buffer) > 0 {
		buffer := f.buffer
		f.buffer = make(map[string]map[string]struct{})

		for rk, keys := range buffer {
			rootId := floodRootFromKey(rk)
			kvmap := make(KeyValueMap, len(keys))
			for k := range keys {
				if v, ok := kv(k); ok {
					kvmap[k] = v
				}
			}
			if len(kvmap) == 0 {
				continue
			}
			pub := Publication{
				KeyVals:     kvmap,
				NodeIds:     []string{f.nodeName},
				FloodRootId: rootId,
			}
			if !f.sendToFloodPeers(ctx, rootId, allPeers, pub) {
				return
			}
		}
	}

	if len(f.expiredBuffer) > 0 {
		expiredBuffer := f.expiredBuffer
		f.expiredBuffer = make(map[string]map[string]struct{})

		for rk, keys := range expiredBuffer {
			rootId := floodRootFromKey(rk)
			pub := Publication{
				ExpiredKeys: mapKeys(keys),
				NodeIds:     []string{f.nodeName},
				FloodRootId: rootId,
			}
			if !f.sendToFloodPeers(ctx, rootId, allPeers, pub) {
				return
			}
		}
	}
}

// floodRootFromKey is the inverse of floodRootKey.
func floodRootFromKey(rk string) *string {
	if rk == "" {
		return nil
	}
	r := rk
	return &r
}

func mapKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// sendToFloodPeers sends pub to every recipient selected for rootId,
// respecting the rate limiter. Returns false if ctx was cancelled mid-send.
func (f *FloodEngine) sendToFloodPeers(ctx context.Context, rootId *string, allPeers []string, pub Publication) bool {
	peers := f.getFloodPeers(rootId, allPeers, nil)
	for _, peer := range peers {
		if err := f.limiter.Wait(ctx); err != nil {
			return false
		}
		if err := f.sender.SendPublication(ctx, peer, pub); err != nil {
			f.log.Warn("flood send failed", "peer", peer, "err", err)
		}
	}
	return true
}

// RequestValue records a pending full-value request for key unless one is
// already outstanding from the same peer, then issues the KEY_GET. Used
// when a merge reports a key as UNKNOWN — a hash mismatch with no body on
// either side to break the tie.
func (f *FloodEngine) RequestValue(ctx context.Context, peerName string, key string) error {
	item := f.pending.Get(key)
	if item != nil && item.Value().OriginPeer == peerName {
		return nil
	}
	f.pending.Set(key, PendingValueRequest{Key: key, OriginPeer: peerName}, ttlcache.DefaultTTL)
	return f.sender.SendKeyGet(ctx, peerName, []string{key})
}

// ClearPending drops the dedup entry for key, called once its value has
// actually been received and merged.
func (f *FloodEngine) ClearPending(key string) {
	f.pending.Delete(key)
}
