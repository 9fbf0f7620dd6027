package kvstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kvrouted/kvrouted/runloop"
	"github.com/kvrouted/kvrouted/util"
)

// Sentinel failure kinds an API caller can match with errors.Is.
var (
	ErrUnknownArea  = errors.New("kvstore: unknown area")
	ErrNoTransport  = errors.New("kvstore: no transport for peer")
	ErrPeerNotFound = errors.New("kvstore: peer not found")
)

// DbConfig carries the per-area kvstore.* knobs. Kept as a plain struct
// here rather than importing package config, so kvstore has no dependency
// back on the daemon's config schema.
type DbConfig struct {
	KeyTtl                  time.Duration
	TtlDecrement            time.Duration
	SyncInterval            time.Duration
	FloodMsgPerSec          float64
	FloodMsgBurst           int
	EnableFloodOptimization bool
	IsFloodRoot             bool
	// EnableDualMsg turns on the DUAL spanning-tree protocol: this node
	// advertises its own root distance, reacts to peers' DualMessages, and
	// honors FLOOD_TOPO_SET. With it off, EnableFloodOptimization has no
	// spanning tree to restrict flooding to and getFloodPeers falls back to
	// its every-peer path.
	EnableDualMsg       bool
	RemoveAboutToExpire bool
	RpcTimeout          time.Duration
}

// DefaultDbConfig returns the baseline knobs a KvStoreDb starts from before
// a loaded config.KvStoreConfig overrides any of them.
func DefaultDbConfig() DbConfig {
	return DbConfig{
		KeyTtl:         time.Hour,
		TtlDecrement:   time.Millisecond,
		SyncInterval:   time.Minute,
		FloodMsgPerSec: 100,
		FloodMsgBurst:  50,
		RpcTimeout:     15 * time.Second,
	}
}

// aboutToExpireThreshold is the remaining-TTL floor at or below which a
// Value is omitted from an egress dump.
const aboutToExpireThreshold = 0

// selfRootSeqno is this process's DUAL advertisement epoch for its own
// root id. A restarting process has no durable seqno store, so a fixed
// value for the process lifetime is enough to distinguish "still the same
// incarnation" from a genuine restart elsewhere in the network.
const selfRootSeqno uint64 = 1

// Subscriber receives every merged Publication matching Filter. This is how
// PrefixManager's self-subscription and any other in-process listener
// observes area state without reaching into the KeyValueMap.
type Subscriber struct {
	Filter *Filter
	Notify func(Publication)
}

// KvStoreDb is one routing area's slice of the replicated store: the
// versioned value map, its TTL queue, this node's peers in that area, and
// the flood/spanning-tree machinery that disseminates changes to them.
// Every field below is mutated only on loop; callers reach it exclusively
// through Dispatch/DispatchWait.
type KvStoreDb struct {
	Area     string
	NodeName string
	log      *slog.Logger
	cfg      DbConfig

	kv       KeyValueMap
	ttlQueue *TtlQueue
	peers    map[string]*Peer

	tree  *SpanningTree
	flood *FloodEngine

	subscribers []Subscriber

	parallelSyncLimit int

	transportsMu sync.RWMutex
	transports   map[string]Transport

	loop *runloop.Loop[*KvStoreDb]
}

// NewKvStoreDb constructs one area's store and starts its background
// timers (TTL sweep, flush goroutine, sync scheduler). Call Stop to tear
// them down.
func NewKvStoreDb(ctx context.Context, cancel context.CancelCauseFunc, log *slog.Logger, area, nodeName string, cfg DbConfig) *KvStoreDb {
	loop := runloop.New[*KvStoreDb](ctx, cancel, log.With("area", area), 256)
	tree := NewSpanningTree(nodeName)
	db := &KvStoreDb{
		Area:              area,
		NodeName:          nodeName,
		log:               log.With("area", area),
		cfg:               cfg,
		kv:                make(KeyValueMap),
		ttlQueue:          NewTtlQueue(),
		peers:             make(map[string]*Peer),
		tree:              tree,
		transports:        make(map[string]Transport),
		parallelSyncLimit: InitialParallelSyncLimit,
		loop:              loop,
	}
	db.flood = NewFloodEngine(db.log, nodeName, &dbSender{db: db}, tree, cfg.FloodMsgPerSec, cfg.FloodMsgBurst, cfg.RpcTimeout, cfg.EnableFloodOptimization)

	go loop.Run(db, func(err error) { db.log.Error("db loop task failed", "err", err) })
	loop.RepeatTask((*KvStoreDb).ttlSweep, ttlSweepInterval)
	loop.RepeatTask((*KvStoreDb).scanSyncScheduler, cfg.SyncInterval/10+time.Millisecond)
	go db.runFlusher(ctx)
	return db
}

const ttlSweepInterval = 50 * time.Millisecond

// Stop cancels db's loop; outstanding DispatchWait callers observe the
// cancellation cause, and the flush/transport goroutines exit on ctx.Done().
func (db *KvStoreDb) Stop(cause error) {
	db.loop.Cancel(cause)
	db.flood.Close()
}

func (db *KvStoreDb) setTransport(name string, t Transport) {
	db.transportsMu.Lock()
	db.transports[name] = t
	db.transportsMu.Unlock()
}

func (db *KvStoreDb) deleteTransport(name string) {
	db.transportsMu.Lock()
	delete(db.transports, name)
	db.transportsMu.Unlock()
}

func (db *KvStoreDb) transportFor(name string) (Transport, bool) {
	db.transportsMu.RLock()
	defer db.transportsMu.RUnlock()
	t, ok := db.transports[name]
	return t, ok
}

// --- egress TTL adjustment ---

// egressValue returns v with its TTL reduced by the configured decrement,
// and whether it still clears the about-to-expire floor. A Value that does
// not clear the floor is omitted from dumps and floods.
func (db *KvStoreDb) egressValue(v Value) (Value, bool) {
	if v.Ttl == TtlInfinite {
		return v, true
	}
	dec := db.cfg.TtlDecrement.Milliseconds()
	remaining := v.Ttl - dec
	if remaining <= aboutToExpireThreshold {
		if db.cfg.RemoveAboutToExpire {
			return v, false
		}
	}
	v.Ttl = remaining
	return v, remaining > aboutToExpireThreshold
}

// --- merge + flood + TTL queue bookkeeping (the shared core of every
// mutating operation: setKeyVals, inbound merges during full sync, and
// TTL expiry) ---

func (db *KvStoreDb) mergeAndFlood(pub Publication, filter *Filter) MergeResult {
	res := Merge(db.kv, pub.KeyVals, filter)
	now := time.Now()
	for k, v := range res.Updated {
		db.ttlQueue.Push(k, v, now)
		db.flood.Enqueue(pub.FloodRootId, k)
		db.markPendingForSyncingPeers(k)
	}
	expired := db.applyExpiry(pub.ExpiredKeys, pub.FloodRootId, filter)
	if len(res.Updated) > 0 || len(expired) > 0 {
		db.notifySubscribers(Publication{KeyVals: res.Updated, ExpiredKeys: expired, Area: db.Area})
	}
	return res
}

// applyExpiry removes keys a peer reported as expired and re-enqueues them
// for further flooding. A key already absent locally
// contributes nothing further to the flood — once every peer has caught
// up, the expiry naturally stops circulating, the same way a content
// update stops once Merge reports no change.
func (db *KvStoreDb) applyExpiry(keys []string, rootId *string, filter *Filter) []string {
	if len(keys) == 0 {
		return nil
	}
	var removed []string
	for _, k := range keys {
		v, ok := db.kv[k]
		if !ok {
			continue
		}
		if filter != nil && !filter.Matches(k, v.OriginatorId) {
			continue
		}
		delete(db.kv, k)
		db.flood.EnqueueExpiry(rootId, k)
		removed = append(removed, k)
	}
	return removed
}

func (db *KvStoreDb) markPendingForSyncingPeers(key string) {
	for _, p := range db.peers {
		p.MarkPendingDuringInit(key)
	}
}

func (db *KvStoreDb) notifySubscribers(pub Publication) {
	for _, sub := range db.subscribers {
		filtered := make(KeyValueMap)
		for k, v := range pub.KeyVals {
			if sub.Filter.Matches(k, v.OriginatorId) {
				filtered[k] = v
			}
		}
		if len(filtered) == 0 && len(pub.ExpiredKeys) == 0 {
			continue
		}
		cp := pub
		cp.KeyVals = filtered
		sub.Notify(cp)
	}
}

// --- public area API ---

// GetKeyVals answers KEY_GET: a point lookup, TTL-adjusted as if leaving
// the node.
func (db *KvStoreDb) GetKeyVals(keys []string) (Publication, error) {
	v, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		out := make(KeyValueMap, len(keys))
		for _, k := range keys {
			val, ok := d.kv[k]
			if !ok {
				continue
			}
			if eg, keep := d.egressValue(val); keep {
				out[k] = eg
			}
		}
		return Publication{KeyVals: out, Area: d.Area, NodeIds: []string{d.NodeName}}, nil
	})
	if err != nil {
		return Publication{}, err
	}
	return v.(Publication), nil
}

// DumpAllWithFilters answers KEY_DUMP/HASH_DUMP.
func (db *KvStoreDb) DumpAllWithFilters(filter *Filter, hashOnly bool) (Publication, error) {
	v, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		return d.dumpLocked(filter, hashOnly), nil
	})
	if err != nil {
		return Publication{}, err
	}
	return v.(Publication), nil
}

// DumpHashWithFilters is DumpAllWithFilters with every body stripped.
func (db *KvStoreDb) DumpHashWithFilters(filter *Filter) (Publication, error) {
	return db.DumpAllWithFilters(filter, true)
}

func (db *KvStoreDb) dumpLocked(filter *Filter, hashOnly bool) Publication {
	out := make(KeyValueMap)
	for k, v := range db.kv {
		if !filter.Matches(k, v.OriginatorId) {
			continue
		}
		eg, keep := db.egressValue(v)
		if !keep {
			continue
		}
		if hashOnly {
			eg = eg.HashOnly()
		}
		out[k] = eg
	}
	return Publication{KeyVals: out, Area: db.Area, NodeIds: []string{db.NodeName}}
}

// SetKeyVals answers KEY_SET: merge pub into the store, fan the delta out
// to the flusher, and return the keys that actually changed.
func (db *KvStoreDb) SetKeyVals(pub Publication) (MergeResult, error) {
	v, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		return d.mergeAndFlood(pub, nil), nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	return v.(MergeResult), nil
}

// AddPeer registers a peer for this area, moves it to SYNCING and starts
// its full sync, and — if
// DUAL is enabled — seeds it with every root this node currently knows a
// path to, mirroring the PEER_ADD event.
func (db *KvStoreDb) AddPeer(nodeName string, spec PeerSpec, transport Transport) error {
	_, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		p, ok := d.peers[nodeName]
		if !ok {
			p = NewPeer(nodeName, spec)
			d.peers[nodeName] = p
		}
		p.Apply(EventPeerAdd, time.Now())
		d.setTransport(nodeName, transport)
		d.advertiseRootsTo(nodeName)
		go d.runFullSync(d.loop.Context(), nodeName)
		return nil, nil
	})
	return err
}

// DelPeer removes a peer and its transport. An outstanding full-sync
// goroutine for it keeps the transport it started with; its closing state
// events find no peer entry and are ignored.
func (db *KvStoreDb) DelPeer(nodeName string) error {
	_, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		delete(d.peers, nodeName)
		d.deleteTransport(nodeName)
		for _, rc := range d.tree.RemoveNeighbor(nodeName) {
			d.reflowTopoChange(rc.RootId, rc.Seqno, rc.TopoChange)
		}
		return nil, nil
	})
	return err
}

// GetCurrentState reports a peer's lifecycle state, if tracked.
func (db *KvStoreDb) GetCurrentState(nodeName string) (PeerState, bool, error) {
	v, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		p, ok := d.peers[nodeName]
		if !ok {
			return util.Pair[PeerState, bool]{V1: PeerState(0), V2: false}, nil
		}
		return util.Pair[PeerState, bool]{V1: p.State, V2: true}, nil
	})
	if err != nil {
		return 0, false, err
	}
	pair := v.(util.Pair[PeerState, bool])
	return pair.V1, pair.V2, nil
}

// Subscribe registers a listener for every merge matching filter —
// PrefixManager's self-subscription is the canonical caller.
func (db *KvStoreDb) Subscribe(filter *Filter, notify func(Publication)) {
	db.loop.Dispatch(func(d *KvStoreDb) error {
		d.subscribers = append(d.subscribers, Subscriber{Filter: filter, Notify: notify})
		return nil
	})
}

// PeerNames returns the names of this area's INITIALIZED peers.
func (db *KvStoreDb) PeerNames() ([]string, error) {
	v, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		return d.initializedPeerNames(), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (db *KvStoreDb) initializedPeerNames() []string {
	out := make([]string, 0, len(db.peers))
	for name, p := range db.peers {
		if p.State == Initialized {
			out = append(out, name)
		}
	}
	return out
}

func (db *KvStoreDb) allPeerNames() []string {
	out := make([]string, 0, len(db.peers))
	for name := range db.peers {
		out = append(out, name)
	}
	return out
}

// --- inbound RPC dispatch ---

// HandleRequest answers one inbound Request on behalf of whichever
// transport server received it. Safe to call from any goroutine; the
// actual state access is dispatched onto the loop.
func (db *KvStoreDb) HandleRequest(ctx context.Context, req Request) Reply {
	switch req.Type {
	case ReqKeyGet:
		pub, err := db.GetKeyVals(req.Keys)
		return replyFrom(pub, err)
	case ReqKeySet:
		if req.Publication == nil {
			return Reply{Error: "missing publication"}
		}
		res, err := db.SetKeyVals(*req.Publication)
		if err != nil {
			return Reply{Error: err.Error()}
		}
		return Reply{KeyVals: res.Updated, TobeUpdatedKeys: res.TobeUpdatedKeys}
	case ReqKeyDump:
		return db.handleKeyDumpRequest(req)
	case ReqHashDump:
		pub, err := db.DumpHashWithFilters(req.Filters.Compile())
		return replyFrom(pub, err)
	case ReqDual:
		if !db.cfg.EnableDualMsg {
			return Reply{}
		}
		if req.Dual == nil {
			return Reply{Error: "missing dual message"}
		}
		db.loop.Dispatch(func(d *KvStoreDb) error {
			d.handleDualMessage(*req.Dual)
			return nil
		})
		return Reply{}
	case ReqFloodTopoSet:
		if !db.cfg.EnableDualMsg {
			return Reply{}
		}
		db.loop.Dispatch(func(d *KvStoreDb) error {
			if req.SetChild {
				d.tree.MarkChild(req.RootId, req.SenderId)
			} else {
				d.tree.UnmarkChild(req.RootId, req.SenderId)
			}
			return nil
		})
		return Reply{}
	default:
		return Reply{Error: fmt.Sprintf("unknown request type %d", req.Type)}
	}
}

func replyFrom(pub Publication, err error) Reply {
	if err != nil {
		return Reply{Error: err.Error()}
	}
	return Reply{Publication: &pub}
}

// handleKeyDumpRequest is the full-sync responder side: it treats
// req.Publication as the initiator's hash-only snapshot and computes
// dumpDifference against local state.
func (db *KvStoreDb) handleKeyDumpRequest(req Request) Reply {
	var remote KeyValueMap
	if req.Publication != nil {
		remote = req.Publication.KeyVals
	}
	v, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		return d.dumpDifference(remote), nil
	})
	if err != nil {
		return Reply{Error: err.Error()}
	}
	pub := v.(Publication)
	return Reply{Publication: &pub, TobeUpdatedKeys: pub.TobeUpdatedKeys}
}

// dumpDifference is the full-sync responder computation: everything
// present locally with a strictly better Value than the remote's hash, an
// UNKNOWN comparison against it, or absent from the remote snapshot, goes
// back verbatim; keys where the remote claims a strictly better Value are
// listed in TobeUpdatedKeys so the initiator sends its bodies for them.
func (db *KvStoreDb) dumpDifference(remote KeyValueMap) Publication {
	out := make(KeyValueMap)
	var tobe []string
	for k, local := range db.kv {
		remoteV, present := remote[k]
		if !present {
			if eg, keep := db.egressValue(local); keep {
				out[k] = eg
			}
			continue
		}
		switch CompareValues(local, remoteV) {
		case ABetter, Unknown:
			if eg, keep := db.egressValue(local); keep {
				out[k] = eg
			}
		}
	}
	for k, remoteV := range remote {
		if local, ok := db.kv[k]; ok && CompareValues(remoteV, local) == ABetter {
			tobe = append(tobe, k)
		}
	}
	return Publication{KeyVals: out, TobeUpdatedKeys: tobe, Area: db.Area, NodeIds: []string{db.NodeName}}
}

// --- peer state machine + sync scheduler ---

func (db *KvStoreDb) handleApiError(peerName string) error {
	p, ok := db.peers[peerName]
	if !ok {
		return nil
	}
	p.Apply(EventApiError, time.Now())
	return nil
}

func (db *KvStoreDb) handleSyncRespRcvd(peerName string) error {
	p, ok := db.peers[peerName]
	if !ok {
		return nil
	}
	if p.Apply(EventSyncRespRcvd, time.Now()) {
		db.parallelSyncLimit = min(db.parallelSyncLimit*2, MaxParallelSyncLimit)
		db.finalizeFullSync(p)
	}
	return nil
}

// finalizeFullSync floods to peer any keys that mutated locally while it
// was SYNCING.
func (db *KvStoreDb) finalizeFullSync(p *Peer) {
	for _, key := range p.DrainPending() {
		db.flood.Enqueue(nil, key)
	}
}

// scanSyncScheduler promotes up to parallelSyncLimit IDLE peers whose
// backoff has elapsed to SYNCING and kicks off their full sync.
func (db *KvStoreDb) scanSyncScheduler() error {
	now := time.Now()
	promoted := 0
	for name, p := range db.peers {
		if promoted >= db.parallelSyncLimit {
			break
		}
		if !p.ReadyForSync(now) {
			continue
		}
		p.Apply(EventSyncTimerFire, now)
		promoted++
		go db.runFullSync(db.loop.Context(), name)
	}
	return nil
}

// runFullSync drives the initiator side of a full sync: send a hash-only
// KEY_DUMP, merge the responder's difference, and send back as a KEY_SET
// this node's values for the keys the responder listed in TobeUpdatedKeys.
// It runs off-loop because it blocks on network RPCs; every store access
// it needs is a DispatchWait round trip.
func (db *KvStoreDb) runFullSync(ctx context.Context, peerName string) {
	t, ok := db.transportFor(peerName)
	if !ok {
		db.loop.Dispatch(func(d *KvStoreDb) error { return d.handleApiError(peerName) })
		return
	}
	rctx, cancel := context.WithTimeout(ctx, db.cfg.RpcTimeout)
	defer cancel()

	hashesAny, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		return d.dumpLocked(nil, true), nil
	})
	if err != nil {
		return
	}
	hashes := hashesAny.(Publication)

	reply, err := t.Call(rctx, Request{Type: ReqKeyDump, Area: db.Area, Publication: &hashes})
	if err != nil {
		db.loop.Dispatch(func(d *KvStoreDb) error { return d.handleApiError(peerName) })
		return
	}
	if reply.Publication != nil {
		db.loop.Dispatch(func(d *KvStoreDb) error {
			d.mergeAndFlood(*reply.Publication, nil)
			return nil
		})
	}
	if len(reply.TobeUpdatedKeys) > 0 {
		push, err := db.GetKeyVals(reply.TobeUpdatedKeys)
		if err == nil && len(push.KeyVals) > 0 {
			if _, err := t.Call(rctx, Request{Type: ReqKeySet, Area: db.Area, Publication: &push}); err != nil {
				db.log.Warn("full sync push-back failed", "peer", peerName, "err", err)
			}
		}
	}
	db.loop.Dispatch(func(d *KvStoreDb) error { return d.handleSyncRespRcvd(peerName) })
}

// --- TTL expiry ---

func (db *KvStoreDb) ttlSweep() error {
	now := time.Now()
	for _, entry := range db.ttlQueue.PopExpired(now) {
		v, ok := db.kv[entry.Key]
		if !ok || !entry.Matches(v) {
			continue // stale entry, lazily discarded
		}
		delete(db.kv, entry.Key)
		db.flood.EnqueueExpiry(nil, entry.Key)
		expired := Publication{ExpiredKeys: []string{entry.Key}, Area: db.Area, NodeIds: []string{db.NodeName}}
		db.notifySubscribers(expired)
	}
	return nil
}

// --- DUAL spanning-tree messages ---

func (db *KvStoreDb) handleDualMessage(msg DualMessage) {
	change := db.tree.Receive(msg)
	if !change.Changed {
		return
	}
	db.reflowTopoChange(msg.RootId, msg.Seqno, change)
	// re-advertise every live key through the updated tree.
	for k := range db.kv {
		db.flood.Enqueue(&msg.RootId, k)
	}
}

// reflowTopoChange reacts to a successor/distance change for rootId: it
// tells the old parent it is no longer a child, tells the new parent it
// is, and re-advertises the new distance to every other neighbor except
// the new parent (poison reverse — the parent already knows a distance at
// least this good, since this node's distance is derived from it).
func (db *KvStoreDb) reflowTopoChange(rootId string, seqno uint64, change TopoChange) {
	if !change.Changed || !db.cfg.EnableDualMsg {
		return
	}
	if change.OldSuccessor != "" && change.OldSuccessor != change.NewSuccessor {
		db.sendFloodTopoSet(rootId, change.OldSuccessor, false)
	}
	if change.NewSuccessor != "" {
		db.sendFloodTopoSet(rootId, change.NewSuccessor, true)
	}
	db.advertiseDistance(rootId, seqno, change.NewDistance, change.NewSuccessor)
}

// advertiseDistance re-announces this node's updated distance to rootId to
// every peer but successor, which already implied at least as good a
// distance by being selected as successor in the first place.
func (db *KvStoreDb) advertiseDistance(rootId string, seqno uint64, distance uint32, successor string) {
	msg := DualMessage{Type: DualUpdate, SrcId: db.NodeName, RootId: rootId, Distance: distance, Seqno: seqno}
	for name := range db.peers {
		if name == successor {
			continue
		}
		db.sendDualMessage(name, msg)
	}
}

// advertiseRootsTo seeds a newly connected peer with every root this node
// currently has a path to (plus itself, if it's a flood root), so the tree
// extends across the new link without waiting for an unrelated topology
// change to propagate there.
func (db *KvStoreDb) advertiseRootsTo(peerName string) {
	if !db.cfg.EnableDualMsg {
		return
	}
	if db.cfg.IsFloodRoot {
		db.sendDualMessage(peerName, DualMessage{Type: DualUpdate, SrcId: db.NodeName, RootId: db.NodeName, Seqno: selfRootSeqno})
	}
	for _, r := range db.tree.KnownRoots() {
		db.sendDualMessage(peerName, DualMessage{Type: DualUpdate, SrcId: db.NodeName, RootId: r.RootId, Distance: r.Distance, Seqno: r.Seqno})
	}
}

// sendDualMessage and sendFloodTopoSet run off-loop: db.cfg is immutable
// after construction and transportFor/loop.Context are already safe to
// call from any goroutine, the same contract dbSender relies on.
func (db *KvStoreDb) sendDualMessage(peerName string, msg DualMessage) {
	go func() {
		t, ok := db.transportFor(peerName)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(db.loop.Context(), db.cfg.RpcTimeout)
		defer cancel()
		if _, err := t.Call(ctx, Request{Type: ReqDual, Area: db.Area, Dual: &msg}); err != nil {
			db.log.Warn("dual message send failed", "peer", peerName, "root", msg.RootId, "err", err)
		}
	}()
}

func (db *KvStoreDb) sendFloodTopoSet(rootId, peerName string, setChild bool) {
	go func() {
		t, ok := db.transportFor(peerName)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(db.loop.Context(), db.cfg.RpcTimeout)
		defer cancel()
		req := Request{Type: ReqFloodTopoSet, Area: db.Area, RootId: rootId, SenderId: db.NodeName, SetChild: setChild}
		if _, err := t.Call(ctx, req); err != nil {
			db.log.Warn("flood topo set send failed", "peer", peerName, "root", rootId, "err", err)
		}
	}()
}

// --- flush goroutine ---

// runFlusher periodically snapshots the buffered flood keys and sends them
// off-loop, so a rate-limited or slow peer never blocks the area's request
// processing loop.
func (db *KvStoreDb) runFlusher(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.flushOnce(ctx)
		}
	}
}

func (db *KvStoreDb) flushOnce(ctx context.Context) {
	v, err := db.loop.DispatchWait(func(d *KvStoreDb) (any, error) {
		return util.Pair[KeyValueMap, []string]{V1: d.kv.Clone(), V2: d.allPeerNames()}, nil
	})
	if err != nil {
		return
	}
	pair := v.(util.Pair[KeyValueMap, []string])
	snapshot := pair.V1
	peers := pair.V2
	lookup := func(k string) (Value, bool) {
		v, ok := snapshot[k]
		if !ok {
			return Value{}, false
		}
		eg, keep := db.egressValue(v)
		return eg, keep
	}
	db.flood.Flush(ctx, peers, lookup)
}

// dbSender adapts KvStoreDb's transport table to FloodEngine's FloodSender
// interface; its methods run on the flush goroutine, never on loop.
type dbSender struct {
	db *KvStoreDb
}

func (s *dbSender) SendPublication(ctx context.Context, peerName string, pub Publication) error {
	t, ok := s.db.transportFor(peerName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, peerName)
	}
	pub.Area = s.db.Area
	ctx, cancel := context.WithTimeout(ctx, s.db.cfg.RpcTimeout)
	defer cancel()
	reply, err := t.Call(ctx, Request{Type: ReqKeySet, Area: s.db.Area, Publication: &pub})
	if err != nil {
		s.db.loop.Dispatch(func(d *KvStoreDb) error { return d.handleApiError(peerName) })
		return err
	}
	for _, k := range reply.TobeUpdatedKeys {
		if err := s.db.flood.RequestValue(ctx, peerName, k); err != nil {
			s.db.log.Warn("value request after flood failed", "peer", peerName, "key", k, "err", err)
		}
	}
	return nil
}

func (s *dbSender) SendKeyGet(ctx context.Context, peerName string, keys []string) error {
	t, ok := s.db.transportFor(peerName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoTransport, peerName)
	}
	ctx, cancel := context.WithTimeout(ctx, s.db.cfg.RpcTimeout)
	defer cancel()
	reply, err := t.Call(ctx, Request{Type: ReqKeyGet, Area: s.db.Area, Keys: keys})
	if err != nil {
		s.db.loop.Dispatch(func(d *KvStoreDb) error { return d.handleApiError(peerName) })
		return err
	}
	if len(reply.KeyVals) > 0 {
		s.db.loop.Dispatch(func(d *KvStoreDb) error {
			d.mergeAndFlood(Publication{KeyVals: reply.KeyVals}, nil)
			for k := range reply.KeyVals {
				d.flood.ClearPending(k)
			}
			return nil
		})
	}
	return nil
}
