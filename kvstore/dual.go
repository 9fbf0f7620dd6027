package kvstore

import "sort"

// DualMsgType enumerates the message kinds exchanged while building a
// per-flood-root spanning tree with a Diffusing Update Algorithm variant.
type DualMsgType int

const (
	DualUpdate DualMsgType = iota
	DualQuery
	DualReply
)

// DualMessage carries one node's reported distance to rootId to a
// neighbor. Distance is hop count from the reporting node to the root;
// Seqno is the root's own advertisement sequence, used to detect a root
// restart the way an increasing seqno invalidates stale distances in a
// distance-vector protocol.
type DualMessage struct {
	Type     DualMsgType
	SrcId    string
	RootId   string
	Distance uint32
	Seqno    uint64
}

// rootState is one flood-root's view of distances reported by neighbors,
// from which this node derives its own successor (nexthop toward the
// root) and, by inversion, its children (the neighbors for which this
// node is itself the successor).
type rootState struct {
	seqno uint64
	// distance this node advertises for rootId, i.e. neighborDistance[successor]+1,
	// or 0 if this node is the root.
	distance uint32
	// feasibleDistance is the best distance ever reported for rootId,
	// frozen as the feasibility bound: a neighbor's report is only
	// accepted as a candidate successor if it strictly improves on it,
	// which is what keeps the tree loop-free (DUAL's feasibility condition).
	feasibleDistance uint32
	successor        string
	neighborDistance map[string]uint32
	children         map[string]struct{}
}

// SpanningTree tracks, per flood-root, this node's successor and children
// so the Flood Engine can restrict propagation to loop-free paths instead
// of flooding every neighbor on every publication.
type SpanningTree struct {
	selfId string
	roots  map[string]*rootState
}

// NewSpanningTree constructs an empty tree for a node named selfId.
func NewSpanningTree(selfId string) *SpanningTree {
	return &SpanningTree{
		selfId: selfId,
		roots:  make(map[string]*rootState),
	}
}

func (t *SpanningTree) stateFor(rootId string) *rootState {
	s, ok := t.roots[rootId]
	if !ok {
		s = &rootState{
			feasibleDistance: ^uint32(0),
			neighborDistance: make(map[string]uint32),
			children:         make(map[string]struct{}),
		}
		if rootId == t.selfId {
			s.distance = 0
			s.feasibleDistance = 0
		}
		t.roots[rootId] = s
	}
	return s
}

// SelfIsRoot reports whether this node is the flood root identified by
// rootId, in which case it has no successor and distance is fixed at 0.
func (t *SpanningTree) SelfIsRoot(rootId string) bool {
	return rootId == t.selfId
}

// TopoChange describes what changed about this node's own advertised
// state after processing an incoming DualMessage, so the caller knows
// whether it must re-advertise to its own neighbors (a FLOOD_TOPO_SET).
type TopoChange struct {
	Changed       bool
	OldSuccessor  string
	NewSuccessor  string
	NewDistance   uint32
	LostSuccessor bool
}

// Receive applies an incoming DualMessage from a neighbor, recomputes this
// node's successor/distance for the root, and reports whether its own
// advertised state changed.
func (t *SpanningTree) Receive(msg DualMessage) TopoChange {
	if t.SelfIsRoot(msg.RootId) {
		// a root never takes a successor for its own id; neighbor reports
		// are only relevant for determining children below.
		return t.recomputeChildren(msg)
	}

	s := t.stateFor(msg.RootId)
	if msg.Seqno > s.seqno {
		// root restarted: any previously recorded distances are stale.
		s.seqno = msg.Seqno
		s.feasibleDistance = ^uint32(0)
		s.neighborDistance = make(map[string]uint32)
	} else if msg.Seqno < s.seqno {
		return TopoChange{}
	}
	s.neighborDistance[msg.SrcId] = msg.Distance

	return t.recompute(s)
}

// recompute selects the best feasible successor among known neighbor
// distances and reports whether this node's own (successor, distance)
// pair changed.
func (t *SpanningTree) recompute(s *rootState) TopoChange {
	prevSuccessor, prevDistance := s.successor, s.distance

	best, bestId, found := ^uint32(0), "", false
	for id, d := range s.neighborDistance {
		if d >= s.feasibleDistance {
			// not feasible: accepting it risks a routing loop.
			continue
		}
		if !found || d < best || (d == best && id < bestId) {
			best, bestId, found = d, id, true
		}
	}

	if !found {
		s.successor = ""
		s.distance = ^uint32(0)
		changed := prevSuccessor != ""
		return TopoChange{Changed: changed, OldSuccessor: prevSuccessor, LostSuccessor: changed, NewDistance: s.distance}
	}

	s.successor = bestId
	s.distance = best + 1
	if s.distance < s.feasibleDistance {
		s.feasibleDistance = s.distance
	}
	changed := s.successor != prevSuccessor || s.distance != prevDistance
	return TopoChange{Changed: changed, OldSuccessor: prevSuccessor, NewSuccessor: s.successor, NewDistance: s.distance}
}

// recomputeChildren exists for symmetry with the non-root Receive path: a
// root never picks its own successor, so there is nothing to recompute here.
// Children are learned the other way around, from explicit FLOOD_TOPO_SET
// requests handled via MarkChild/UnmarkChild.
func (t *SpanningTree) recomputeChildren(DualMessage) TopoChange {
	return TopoChange{}
}

// MarkChild records that neighborId has selected this node as its
// successor toward rootId.
func (t *SpanningTree) MarkChild(rootId, neighborId string) {
	s := t.stateFor(rootId)
	s.children[neighborId] = struct{}{}
}

// UnmarkChild removes neighborId from rootId's children, called when that
// neighbor selects a different successor or goes down.
func (t *SpanningTree) UnmarkChild(rootId, neighborId string) {
	if s, ok := t.roots[rootId]; ok {
		delete(s.children, neighborId)
	}
}

// Children returns this node's spanning-tree children for rootId, sorted
// for deterministic iteration order in tests and logs.
func (t *SpanningTree) Children(rootId string) []string {
	s, ok := t.roots[rootId]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(s.children))
	for id := range s.children {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Successor returns this node's current successor (nexthop) toward
// rootId, and whether one is known.
func (t *SpanningTree) Successor(rootId string) (string, bool) {
	s, ok := t.roots[rootId]
	if !ok || s.successor == "" {
		return "", false
	}
	return s.successor, true
}

// Distance returns this node's currently advertised distance to rootId.
func (t *SpanningTree) Distance(rootId string) uint32 {
	return t.stateFor(rootId).distance
}

// RootTopoChange pairs a TopoChange with the rootId and epoch seqno it
// applies to, so a caller iterating over several affected roots at once
// knows which is which and can re-advertise under the right epoch.
type RootTopoChange struct {
	RootId string
	Seqno  uint64
	TopoChange
}

// RemoveNeighbor drops all bookkeeping for a neighbor that went down,
// across every root, and reports which roots need recomputation.
func (t *SpanningTree) RemoveNeighbor(neighborId string) []RootTopoChange {
	var changes []RootTopoChange
	for rootId, s := range t.roots {
		_, hadDistance := s.neighborDistance[neighborId]
		delete(s.neighborDistance, neighborId)
		delete(s.children, neighborId)
		if hadDistance && s.successor == neighborId {
			changes = append(changes, RootTopoChange{RootId: rootId, Seqno: s.seqno, TopoChange: t.recompute(s)})
		}
	}
	return changes
}

// RootAdvertisement is one flood-root this node currently has a working
// path to, suitable for seeding a newly connected neighbor without waiting
// for the next unrelated topology change to propagate there.
type RootAdvertisement struct {
	RootId   string
	Distance uint32
	Seqno    uint64
}

// KnownRoots returns every non-self root this node currently has a
// successor for.
func (t *SpanningTree) KnownRoots() []RootAdvertisement {
	out := make([]RootAdvertisement, 0, len(t.roots))
	for rootId, s := range t.roots {
		if rootId == t.selfId || s.successor == "" {
			continue
		}
		out = append(out, RootAdvertisement{RootId: rootId, Distance: s.distance, Seqno: s.seqno})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RootId < out[j].RootId })
	return out
}
