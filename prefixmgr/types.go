// Package prefixmgr implements the highest-level core consumer of kvstore:
// it owns the set of prefixes this node advertises, picks the best entry
// per prefix across origin types, runs per-area import policy, persists
// advertisements into kvstore under deterministic key names, withdraws when
// policy rejects or no type remains, tracks configured aggregate prefixes
// against their supporting RIB routes, and emits static routes for the
// forwarding plane.
package prefixmgr

import (
	"fmt"
	"net/netip"
)

// PrefixType mirrors the thrift PrefixType enum carried in PrefixEntry.
type PrefixType int

const (
	TypeLoopback PrefixType = iota
	TypeBgp
	TypeRib
	TypeConfig
)

func (t PrefixType) String() string {
	switch t {
	case TypeLoopback:
		return "LOOPBACK"
	case TypeBgp:
		return "BGP"
	case TypeRib:
		return "RIB"
	case TypeConfig:
		return "CONFIG"
	default:
		return "UNKNOWN"
	}
}

// Metrics is the lexicographic tie-break tuple used to pick the best entry
// for a prefix: path_preference desc, source_preference desc, distance asc.
type Metrics struct {
	PathPreference   int32
	SourcePreference int32
	Distance         int32
}

// Better reports whether m strictly outranks other under Metrics'
// ordering. Equal metrics (a tie) return false from both directions —
// callers collect ties into a winner set rather than picking one.
func (m Metrics) Better(other Metrics) bool {
	if m.PathPreference != other.PathPreference {
		return m.PathPreference > other.PathPreference
	}
	if m.SourcePreference != other.SourcePreference {
		return m.SourcePreference > other.SourcePreference
	}
	if m.Distance != other.Distance {
		return m.Distance < other.Distance
	}
	return false
}

// Equal reports whether m and other compare as a tie under Better.
func (m Metrics) Equal(other Metrics) bool {
	return m == other
}

// NextHop is one next-hop address this PrefixEntry can be reached through,
// tagged with the area it arrived from so redistribution can exclude areas
// already represented — dstAreas is all configured areas minus areas
// already represented in nexthops.
type NextHop struct {
	Addr netip.Addr
	Area string
}

// PrefixEntry is one (prefix, type) row of the PrefixMap.
type PrefixEntry struct {
	Prefix       netip.Prefix
	Type         PrefixType
	Metrics      Metrics
	AreaStack    []string
	Tags         []string
	PrependLabel *uint32
	DstAreas     map[string]struct{}
	Nexthops     map[NextHop]struct{}
	// InstallToFib reports whether the winning entry for this prefix should
	// be pushed to the forwarding plane. RIB reflections created by redistribution
	// leave this false — the prefix is already installed in its origin
	// area's FIB, this copy exists only to reach other areas.
	InstallToFib bool
}

// HasArea reports whether area already appears in this entry's area stack
// — the anti-loop check syncKvStore applies per dstArea.
func (e PrefixEntry) HasArea(area string) bool {
	for _, a := range e.AreaStack {
		if a == area {
			return true
		}
	}
	return false
}

// clone returns a deep-enough copy of e for safe mutation (AreaStack/Tags
// slices and the DstAreas/Nexthops sets are copied; the entry is the unit
// PrefixManager hands to policy and stores in PrefixMap).
func (e PrefixEntry) clone() PrefixEntry {
	out := e
	out.AreaStack = append([]string{}, e.AreaStack...)
	out.Tags = append([]string{}, e.Tags...)
	if e.DstAreas != nil {
		out.DstAreas = make(map[string]struct{}, len(e.DstAreas))
		for a := range e.DstAreas {
			out.DstAreas[a] = struct{}{}
		}
	}
	if e.Nexthops != nil {
		out.Nexthops = make(map[NextHop]struct{}, len(e.Nexthops))
		for nh := range e.Nexthops {
			out.Nexthops[nh] = struct{}{}
		}
	}
	return out
}

// OriginatedRoute is a locally configured aggregate prefix tracked against
// the supporting RIB routes under it.
type OriginatedRoute struct {
	Prefix                  netip.Prefix
	MinimumSupportingRoutes int
	InstallToFib            bool
	PathPreference          int32
	SourcePreference        int32
	Tags                    []string

	SupportingRoutes map[netip.Prefix]struct{}
	IsAdvertised     bool
}

// ShouldAdvertise reports whether enough supporting routes have appeared
// to start advertising this originated prefix.
func (o *OriginatedRoute) ShouldAdvertise() bool {
	return len(o.SupportingRoutes) >= o.MinimumSupportingRoutes && !o.IsAdvertised
}

// ShouldWithdraw reports whether too few supporting routes remain to keep
// advertising this originated prefix.
func (o *OriginatedRoute) ShouldWithdraw() bool {
	return len(o.SupportingRoutes) < o.MinimumSupportingRoutes && o.IsAdvertised
}

// toEntry renders this originated route as the CONFIG PrefixEntry pushed
// into PrefixMap once advertised.
func (o *OriginatedRoute) toEntry() PrefixEntry {
	return PrefixEntry{
		Prefix: o.Prefix,
		Type:   TypeConfig,
		Metrics: Metrics{
			PathPreference:   o.PathPreference,
			SourcePreference: o.SourcePreference,
		},
		Tags:         append([]string{}, o.Tags...),
		InstallToFib: o.InstallToFib,
	}
}

// AdvertisedPrefix remembers which kvstore keys this node currently asserts
// for a given prefix, so syncKvStore can compute withdrawals by diff
// against the previous round. Keys maps the key
// name to the area it was written into, since a withdrawal has to target
// the right area's KvStoreDb.
type AdvertisedPrefix struct {
	Keys           map[string]string
	InstalledToFib bool
}

// DecisionRouteUpdate is one RIB entry pushed in by the decision engine.
type DecisionRouteUpdate struct {
	Prefix   netip.Prefix
	Metrics  Metrics
	BestArea string
	Nexthops []NextHop
	Withdraw bool
}

// PrefixEventType enumerates PrefixManager's input queue event kinds.
type PrefixEventType int

const (
	EventAdd PrefixEventType = iota
	EventWithdraw
	EventWithdrawByType
	EventSyncByType
)

// PrefixEvent is one entry on PrefixManager's prefix-events input queue.
type PrefixEvent struct {
	Type     PrefixEventType
	Entries  []PrefixEntry // populated for EventAdd / EventSyncByType
	Prefixes []netip.Prefix
	ByType   *PrefixType // populated for WithdrawByType / SyncByType
	DstAreas []string
}

// StaticRouteUpdate is PrefixManager's output to the forwarding plane, a
// FIB-bound route install or withdraw.
type StaticRouteUpdate struct {
	Prefix   netip.Prefix
	Install  bool // false means delete
	Nexthops []NextHop
}

// ErrInvalidPrefix, ErrUnknownArea and ErrPolicyMissing are the typed API
// failure kinds.
var (
	ErrInvalidPrefix = fmt.Errorf("prefixmgr: invalid prefix")
	ErrUnknownArea   = fmt.Errorf("prefixmgr: unknown area")
	ErrPolicyMissing = fmt.Errorf("prefixmgr: policy missing")
)
