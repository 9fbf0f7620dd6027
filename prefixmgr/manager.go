package prefixmgr

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"

	"github.com/samber/lo"

	"github.com/kvrouted/kvrouted/kvstore"
	"github.com/kvrouted/kvrouted/runloop"
)

// Store is the subset of KvStore PrefixManager depends on: persisting a
// Publication into an area and reaching that area's KvStoreDb for
// self-subscription. Kept narrow and mockable, the same injected-capability
// pattern applied here to the KvStore dependency as well as to Policy.
type Store interface {
	SetKeyVals(area string, pub kvstore.Publication) (kvstore.MergeResult, error)
	Area(id string) (*kvstore.KvStoreDb, error)
}

// PrefixManager is the highest-level core consumer of kvstore: it owns this
// node's originated/redistributed prefixes, computes the best
// entry per prefix, applies per-area import policy, persists advertisements
// into kvstore under deterministic keys, and emits static routes to the
// forwarding plane. All mutable state is confined to its own loop.
type PrefixManager struct {
	cfg      Config
	store    Store
	policies *Registry
	log      *slog.Logger

	prefixMap  map[netip.Prefix]map[PrefixType]PrefixEntry
	advertised map[netip.Prefix]*AdvertisedPrefix
	originated *OriginatedTracker

	changedPrefixes       map[netip.Prefix]struct{}
	pendingForeignCleanup map[string]string // key -> area

	staticRoutes chan StaticRouteUpdate

	initialSyncDone bool

	loop     *runloop.Loop[*PrefixManager]
	throttle *runloop.AsyncThrottle[*PrefixManager]
}

// NewPrefixManager constructs a PrefixManager, registers its configured
// originated prefixes, starts the throttle and the one-shot initial-sync
// timer, and subscribes to each area's own-key stream for self-subscription.
func NewPrefixManager(ctx context.Context, cancel context.CancelCauseFunc, log *slog.Logger, cfg Config, store Store, policies *Registry, staticRoutes chan StaticRouteUpdate) *PrefixManager {
	if policies == nil {
		policies = NewRegistry()
	}
	loop := runloop.New[*PrefixManager](ctx, cancel, log.With("component", "prefixmgr"), 256)
	pm := &PrefixManager{
		cfg:                   cfg,
		store:                 store,
		policies:              policies,
		log:                   log.With("component", "prefixmgr"),
		prefixMap:             make(map[netip.Prefix]map[PrefixType]PrefixEntry),
		advertised:            make(map[netip.Prefix]*AdvertisedPrefix),
		originated:            NewOriginatedTracker(),
		changedPrefixes:       make(map[netip.Prefix]struct{}),
		pendingForeignCleanup: make(map[string]string),
		staticRoutes:          staticRoutes,
		loop:                  loop,
	}
	pm.throttle = runloop.NewAsyncThrottle[*PrefixManager](loop, cfg.ThrottleDelay, (*PrefixManager).syncKvStore)

	for _, oc := range cfg.OriginatedPrefixes {
		pfx, err := netip.ParsePrefix(oc.Prefix)
		if err != nil {
			pm.log.Warn("skipping malformed originated prefix", "prefix", oc.Prefix, "err", err)
			continue
		}
		pm.originated.AddOriginated(&OriginatedRoute{
			Prefix:                  pfx,
			MinimumSupportingRoutes: oc.MinimumSupportingRoutes,
			InstallToFib:            oc.InstallToFib,
			PathPreference:          oc.PathPreference,
			SourcePreference:        oc.SourcePreference,
			Tags:                    oc.Tags,
		})
	}

	go loop.Run(pm, func(err error) { pm.log.Error("prefixmgr loop task failed", "err", err) })
	loop.ScheduleTask((*PrefixManager).fireInitialSync, cfg.InitialSyncHold)
	pm.subscribeSelf()
	return pm
}

// Stop cancels pm's loop.
func (pm *PrefixManager) Stop(cause error) {
	pm.loop.Cancel(cause)
}

func (pm *PrefixManager) fireInitialSync() error {
	pm.initialSyncDone = true
	for p := range pm.prefixMap {
		pm.changedPrefixes[p] = struct{}{}
	}
	return pm.syncKvStore()
}

// --- input queues ---

// HandlePrefixEvent applies one prefix event from PrefixManager's input
// queue.
func (pm *PrefixManager) HandlePrefixEvent(ev PrefixEvent) error {
	_, err := pm.loop.DispatchWait(func(m *PrefixManager) (any, error) {
		m.applyPrefixEvent(ev)
		return nil, nil
	})
	return err
}

func (pm *PrefixManager) applyPrefixEvent(ev PrefixEvent) {
	switch ev.Type {
	case EventAdd:
		pm.insertBatch(ev.Entries)
	case EventWithdraw:
		for _, p := range ev.Prefixes {
			pm.withdrawAll(p)
		}
	case EventWithdrawByType:
		if ev.ByType == nil {
			return
		}
		for _, p := range ev.Prefixes {
			pm.withdrawType(p, *ev.ByType)
		}
	case EventSyncByType:
		if ev.ByType == nil {
			return
		}
		pm.syncByType(*ev.ByType, ev.Entries)
	}
}

// syncByType replaces every entry of the given type with entries, removing
// whichever previously-held prefixes of that type are no longer present.
func (pm *PrefixManager) syncByType(t PrefixType, entries []PrefixEntry) {
	keep := make(map[netip.Prefix]struct{}, len(entries))
	for _, e := range entries {
		keep[e.Prefix] = struct{}{}
	}
	for p, types := range pm.prefixMap {
		if _, ok := types[t]; !ok {
			continue
		}
		if _, stays := keep[p]; !stays {
			pm.withdrawType(p, t)
		}
	}
	typed := make([]PrefixEntry, len(entries))
	for i, e := range entries {
		e.Type = t
		typed[i] = e
	}
	pm.insertBatch(typed)
}

// HandleDecisionRouteUpdate applies one RIB update from the decision
// engine: first it updates originated-prefix supporting-route accounting,
// then — only when this node spans >=2 areas — it performs §4.8's
// redistribution of the route into a RIB PrefixEntry for the other areas.
func (pm *PrefixManager) HandleDecisionRouteUpdate(u DecisionRouteUpdate) error {
	_, err := pm.loop.DispatchWait(func(m *PrefixManager) (any, error) {
		m.applyDecisionRouteUpdate(u)
		return nil, nil
	})
	return err
}

func (pm *PrefixManager) applyDecisionRouteUpdate(u DecisionRouteUpdate) {
	for _, o := range pm.originated.ApplyRibUpdate(u) {
		pm.reconcileOriginated(o)
	}

	if len(pm.cfg.Areas) < 2 {
		return // redistribution requires >= 2 areas
	}

	if u.Withdraw {
		pm.withdrawType(u.Prefix, TypeRib)
		return
	}

	represented := make(map[string]struct{}, len(u.Nexthops))
	for _, nh := range u.Nexthops {
		represented[nh.Area] = struct{}{}
	}
	dstAreas := make(map[string]struct{})
	for _, a := range pm.cfg.Areas {
		if _, skip := represented[a.Id]; skip {
			continue
		}
		dstAreas[a.Id] = struct{}{}
	}

	entry := PrefixEntry{
		Prefix: u.Prefix,
		Type:   TypeRib,
		Metrics: Metrics{
			PathPreference:   u.Metrics.PathPreference,
			SourcePreference: u.Metrics.SourcePreference,
			Distance:         u.Metrics.Distance + 1, // (2) bump distance by one hop
		},
		AreaStack:    append([]string{}, u.BestArea), // (1) append route's best area
		PrependLabel: nil,                            // (4) clear prepend label across areas
		DstAreas:     dstAreas,                       // (5) exclude areas already represented
		InstallToFib: false,
	}
	pm.insertPrefixEntry(entry) // (6)
}

func (pm *PrefixManager) reconcileOriginated(o *OriginatedRoute) {
	switch {
	case o.ShouldAdvertise():
		o.IsAdvertised = true
		pm.insertPrefixEntry(o.toEntry())
	case o.ShouldWithdraw():
		o.IsAdvertised = false
		pm.withdrawType(o.Prefix, TypeConfig)
	}
}

// --- PrefixMap mutation: no empty inner maps survive a withdraw ---

// insertPrefixEntry inserts or overwrites the (prefix, type) row. Overwriting
// an existing row is routine — a second DecisionRouteUpdate, a re-EventAdd,
// a syncByType re-insert — so this does not check for a prior entry; batch
// callers that must not repeat a (prefix,type) within themselves go through
// insertBatch instead.
func (pm *PrefixManager) insertPrefixEntry(e PrefixEntry) {
	types, ok := pm.prefixMap[e.Prefix]
	if !ok {
		types = make(map[PrefixType]PrefixEntry)
		pm.prefixMap[e.Prefix] = types
	}
	types[e.Type] = e.clone()
	pm.markChanged(e.Prefix)
}

// insertBatch applies entries as a single EventAdd/EventSyncByType batch,
// flagging an invariant violation for any (prefix,type) repeated within the
// batch itself — that's a caller bug, unlike a routine cross-event overwrite.
func (pm *PrefixManager) insertBatch(entries []PrefixEntry) {
	type key struct {
		prefix netip.Prefix
		typ    PrefixType
	}
	seen := make(map[key]struct{}, len(entries))
	for _, e := range entries {
		k := key{e.Prefix, e.Type}
		if _, dup := seen[k]; dup {
			pm.invariantViolation("duplicate prefixMap insert for same (prefix,type) in one batch", "prefix", e.Prefix, "type", e.Type)
			continue
		}
		seen[k] = struct{}{}
		pm.insertPrefixEntry(e)
	}
}

func (pm *PrefixManager) withdrawType(p netip.Prefix, t PrefixType) {
	types, ok := pm.prefixMap[p]
	if !ok {
		return
	}
	if _, ok := types[t]; !ok {
		return
	}
	delete(types, t)
	if len(types) == 0 {
		delete(pm.prefixMap, p)
	}
	pm.markChanged(p)
}

func (pm *PrefixManager) withdrawAll(p netip.Prefix) {
	if _, ok := pm.prefixMap[p]; !ok {
		return
	}
	delete(pm.prefixMap, p)
	pm.markChanged(p)
}

func (pm *PrefixManager) markChanged(p netip.Prefix) {
	pm.changedPrefixes[p] = struct{}{}
	if pm.initialSyncDone {
		pm.throttle.Trigger()
	}
}

func (pm *PrefixManager) invariantViolation(msg string, args ...any) {
	if pm.cfg.PanicOnInvariantViolation {
		panic(fmt.Sprintf("prefixmgr invariant violation: %s %v", msg, args))
	}
	pm.log.Error("invariant violation", append([]any{"msg", msg}, args...)...)
}

// --- best-entry selection ---

func (pm *PrefixManager) selectBest(p netip.Prefix) []PrefixEntry {
	types := pm.prefixMap[p]
	if len(types) == 0 {
		return nil
	}
	var winners []PrefixEntry
	for _, e := range types {
		switch {
		case len(winners) == 0:
			winners = []PrefixEntry{e}
		case e.Metrics.Better(winners[0].Metrics):
			winners = []PrefixEntry{e}
		case winners[0].Metrics.Better(e.Metrics):
			// strictly worse, drop
		default:
			winners = append(winners, e)
		}
	}
	if len(winners) > 1 && pm.cfg.PreferOpenrOriginatedRoutes {
		winners = breakBgpConfigTie(winners)
	}
	// prefixMap keys each winner by a distinct PrefixType, so ordering by it
	// gives winners[0] a deterministic pick instead of one that rides on Go's
	// unspecified map iteration order.
	if len(winners) > 1 {
		sort.Slice(winners, func(i, j int) bool { return winners[i].Type < winners[j].Type })
	}
	return winners
}

// breakBgpConfigTie implements the preferOpenrOriginatedRoutes knob: when
// BGP and CONFIG tie, CONFIG wins.
func breakBgpConfigTie(winners []PrefixEntry) []PrefixEntry {
	hasBgp, hasConfig := false, false
	for _, w := range winners {
		switch w.Type {
		case TypeBgp:
			hasBgp = true
		case TypeConfig:
			hasConfig = true
		}
	}
	if !hasBgp || !hasConfig {
		return winners
	}
	out := make([]PrefixEntry, 0, len(winners))
	for _, w := range winners {
		if w.Type != TypeBgp {
			out = append(out, w)
		}
	}
	return out
}

// --- syncKvStore: the central reconciliation ---

func (pm *PrefixManager) syncKvStore() error {
	changed := pm.changedPrefixes
	pm.changedPrefixes = make(map[netip.Prefix]struct{})
	for p := range changed {
		pm.syncOnePrefix(p)
	}
	pm.flushForeignCleanup()
	return nil
}

func (pm *PrefixManager) syncOnePrefix(p netip.Prefix) {
	prev := pm.advertised[p]
	winners := pm.selectBest(p)

	if len(winners) == 0 {
		if prev == nil {
			return
		}
		for key, area := range prev.Keys {
			pm.deleteKey(area, key)
		}
		if prev.InstalledToFib {
			pm.emitStaticRoute(StaticRouteUpdate{Prefix: p, Install: false})
		}
		delete(pm.advertised, p)
		return
	}

	winner := winners[0]
	newKeys := make(map[string]string)

	for _, area := range pm.cfg.Areas {
		if winner.HasArea(area.Id) {
			continue // anti-loop: already traversed this area
		}
		if len(winner.DstAreas) > 0 {
			if _, ok := winner.DstAreas[area.Id]; !ok {
				continue
			}
		}
		finalEntry, hit := pm.applyPolicy(area, winner)
		if finalEntry == nil {
			pm.log.Debug("prefix rejected by import policy", "prefix", p, "area", area.Id, "hit", hit)
			continue
		}
		key := PrefixKey(pm.cfg.KeyFormat, pm.cfg.NodeName, area.Id, p)
		pm.persist(area.Id, key, *finalEntry)
		newKeys[key] = area.Id
	}

	if prev != nil {
		for key, area := range prev.Keys {
			if _, reissued := newKeys[key]; !reissued {
				pm.deleteKey(area, key)
			}
		}
	}

	wantFib := winner.InstallToFib
	wasFib := prev != nil && prev.InstalledToFib
	if wantFib {
		pm.emitStaticRoute(StaticRouteUpdate{Prefix: p, Install: true, Nexthops: nexthopSlice(winner.Nexthops)})
	} else if wasFib {
		pm.emitStaticRoute(StaticRouteUpdate{Prefix: p, Install: false})
	}

	pm.advertised[p] = &AdvertisedPrefix{Keys: newKeys, InstalledToFib: wantFib}
}

func nexthopSlice(set map[NextHop]struct{}) []NextHop {
	out := make([]NextHop, 0, len(set))
	for nh := range set {
		out = append(out, nh)
	}
	return out
}

// applyPolicy runs area's configured import policy against candidate, or
// the identity policy if none is configured. A configured policy name that
// has no registered implementation is a PolicyMissing condition: the
// prefix is rejected for that area rather than published unpolicied.
func (pm *PrefixManager) applyPolicy(area AreaConfig, candidate PrefixEntry) (*PrefixEntry, string) {
	if area.ImportPolicyName == "" {
		return IdentityPolicy{}.Apply("", candidate)
	}
	p, ok := pm.policies.Lookup(area.ImportPolicyName)
	if !ok {
		pm.log.Warn("policy missing", "policy", area.ImportPolicyName, "area", area.Id)
		return nil, "policy-missing"
	}
	return p.Apply(area.ImportPolicyName, candidate)
}

// persist writes entry into area's KvStore under key, refreshing with the
// configured area TTL as a refreshing key.
func (pm *PrefixManager) persist(area, key string, entry PrefixEntry) {
	body, err := PrefixDatabase{ThisNodeName: pm.cfg.NodeName, PrefixEntries: []PrefixEntry{entry}}.Encode()
	if err != nil {
		pm.log.Error("encode prefix database", "key", key, "err", err)
		return
	}
	v := kvstore.Value{OriginatorId: pm.cfg.NodeName, Value: body, Ttl: pm.cfg.AreaKeyTtl.Milliseconds()}
	pm.writeValue(area, key, v)
}

func (pm *PrefixManager) deleteKey(area, key string) {
	body, err := WithdrawBody(pm.cfg.NodeName).Encode()
	if err != nil {
		pm.log.Error("encode withdraw body", "key", key, "err", err)
		return
	}
	v := kvstore.Value{OriginatorId: pm.cfg.NodeName, Value: body, Ttl: pm.cfg.AreaKeyTtl.Milliseconds()}
	pm.writeValue(area, key, v)
}

func (pm *PrefixManager) writeValue(area, key string, v kvstore.Value) {
	cur, err := pm.currentVersion(area, key)
	if err != nil {
		pm.log.Warn("read current version before write failed", "key", key, "area", area, "err", err)
	}
	v.Version = cur + 1
	v = v.WithHash()
	pub := kvstore.Publication{KeyVals: kvstore.KeyValueMap{key: v}, Area: area, NodeIds: []string{pm.cfg.NodeName}}
	if _, err := pm.store.SetKeyVals(area, pub); err != nil {
		pm.log.Warn("setKeyVals failed", "key", key, "area", area, "err", err)
	}
}

// currentVersion reads the local version of key so writeValue always
// strictly increases it — CompareValues tie-breaks on version first, so a
// stale version would lose the merge to itself on the next dump.
func (pm *PrefixManager) currentVersion(area, key string) (uint64, error) {
	db, err := pm.store.Area(area)
	if err != nil {
		return 0, err
	}
	pub, err := db.GetKeyVals([]string{key})
	if err != nil {
		return 0, err
	}
	if v, ok := pub.KeyVals[key]; ok {
		return v.Version, nil
	}
	return 0, nil
}

// --- self-subscription, mirroring openr's PrefixManager-subscribes-to-
// KvStore wiring ---

func (pm *PrefixManager) subscribeSelf() {
	pattern := fmt.Sprintf("^prefix:%s:", pm.cfg.NodeName)
	filter := kvstore.NewFilter([]string{pattern}, nil, kvstore.FilterAnd)
	for _, area := range pm.cfg.Areas {
		db, err := pm.store.Area(area.Id)
		if err != nil {
			pm.log.Warn("self-subscription: area not found", "area", area.Id, "err", err)
			continue
		}
		areaId := area.Id
		db.Subscribe(filter, func(pub kvstore.Publication) {
			pm.loop.Dispatch(func(m *PrefixManager) error {
				m.handleSelfSubscriptionUpdate(areaId, pub)
				return nil
			})
		})
	}
}

func (pm *PrefixManager) handleSelfSubscriptionUpdate(area string, pub kvstore.Publication) {
	owned := pm.ownedKeys()
	for key := range pub.KeyVals {
		if _, ok := owned[key]; ok {
			continue
		}
		pm.pendingForeignCleanup[key] = area
	}
	if len(pm.pendingForeignCleanup) > 0 {
		pm.throttle.Trigger()
	}
}

func (pm *PrefixManager) ownedKeys() map[string]struct{} {
	allKeys := lo.FlatMap(lo.Values(pm.advertised), func(adv *AdvertisedPrefix, _ int) []string {
		return lo.Keys(adv.Keys)
	})
	return lo.SliceToMap(allKeys, func(k string) (string, struct{}) { return k, struct{}{} })
}

// flushForeignCleanup withdraws any key observed via self-subscription that
// this node didn't intend to advertise — cleanup after a restart or policy
// change left a stale key behind.
func (pm *PrefixManager) flushForeignCleanup() {
	if len(pm.pendingForeignCleanup) == 0 {
		return
	}
	pending := pm.pendingForeignCleanup
	pm.pendingForeignCleanup = make(map[string]string)
	for key, area := range pending {
		pm.deleteKey(area, key)
	}
}

// --- static route output ---

func (pm *PrefixManager) emitStaticRoute(u StaticRouteUpdate) {
	if pm.staticRoutes == nil {
		return
	}
	select {
	case pm.staticRoutes <- u:
	case <-pm.loop.Context().Done():
	default:
		pm.log.Warn("static route channel full, dropping update", "prefix", u.Prefix)
	}
}
