package prefixmgr

import (
	"net/netip"

	"github.com/gaissmai/bart"
)

// OriginatedTracker owns the configured aggregate prefixes and the RIB
// prefix database they aggregate over, maintaining the invariant of spec
// §3: "for each originated prefix O, O.supportingRoutes equals
// {r in ribPrefixDb | r subset-of O}". ribPrefixDb is a compressed binary
// trie (github.com/gaissmai/bart) so the containment query is a single
// Subnets walk instead of an O(n) scan over every RIB route on every
// change.
type OriginatedTracker struct {
	ribPrefixDb bart.Table[DecisionRouteUpdate]
	originated  map[netip.Prefix]*OriginatedRoute
}

// NewOriginatedTracker builds an empty tracker.
func NewOriginatedTracker() *OriginatedTracker {
	return &OriginatedTracker{originated: make(map[netip.Prefix]*OriginatedRoute)}
}

// AddOriginated registers a configured aggregate prefix and computes its
// initial supporting set against whatever RIB routes are already known.
func (t *OriginatedTracker) AddOriginated(o *OriginatedRoute) {
	o.SupportingRoutes = make(map[netip.Prefix]struct{})
	t.originated[o.Prefix] = o
	t.recompute(o)
}

// RemoveOriginated drops a configured aggregate prefix entirely.
func (t *OriginatedTracker) RemoveOriginated(prefix netip.Prefix) {
	delete(t.originated, prefix)
}

// Get returns the OriginatedRoute tracked for prefix, if any.
func (t *OriginatedTracker) Get(prefix netip.Prefix) (*OriginatedRoute, bool) {
	o, ok := t.originated[prefix]
	return o, ok
}

// All returns every tracked OriginatedRoute, for iteration by callers that
// need to scan (e.g. at startup reconciliation).
func (t *OriginatedTracker) All() []*OriginatedRoute {
	out := make([]*OriginatedRoute, 0, len(t.originated))
	for _, o := range t.originated {
		out = append(out, o)
	}
	return out
}

// ApplyRibUpdate inserts or withdraws a RIB route and returns every
// OriginatedRoute whose supporting set changed as a result, so the caller
// knows which prefixes need a syncKvStore pass.
func (t *OriginatedTracker) ApplyRibUpdate(u DecisionRouteUpdate) []*OriginatedRoute {
	if u.Withdraw {
		t.ribPrefixDb.Delete(u.Prefix)
	} else {
		t.ribPrefixDb.Insert(u.Prefix, u)
	}
	var changed []*OriginatedRoute
	for _, o := range t.originated {
		if !isSubsetOf(u.Prefix, o.Prefix) {
			continue
		}
		before := len(o.SupportingRoutes)
		_, hadBefore := o.SupportingRoutes[u.Prefix]
		t.recompute(o)
		_, hasAfter := o.SupportingRoutes[u.Prefix]
		if before != len(o.SupportingRoutes) || hadBefore != hasAfter {
			changed = append(changed, o)
		}
	}
	return changed
}

// recompute rebuilds o.SupportingRoutes from the current ribPrefixDb via a
// Subnets query — the CIDR-aggregation check named in SPEC_FULL's domain
// stack section.
func (t *OriginatedTracker) recompute(o *OriginatedRoute) {
	supporting := make(map[netip.Prefix]struct{})
	for pfx, _ := range t.ribPrefixDb.Subnets(o.Prefix) {
		if pfx == o.Prefix {
			continue
		}
		supporting[pfx] = struct{}{}
	}
	o.SupportingRoutes = supporting
}

// isSubsetOf reports whether r is fully contained within o (same address
// family, o no more specific than r, and o's address covers r's).
func isSubsetOf(r, o netip.Prefix) bool {
	if r.Addr().Is4() != o.Addr().Is4() {
		return false
	}
	if o.Bits() > r.Bits() {
		return false
	}
	return o.Contains(r.Addr())
}
