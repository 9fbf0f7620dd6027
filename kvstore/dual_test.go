package kvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSpanningTreeSelectsNearestFeasibleSuccessor(t *testing.T) {
	tree := NewSpanningTree("self")
	tree.Receive(DualMessage{SrcId: "a", RootId: "root", Distance: 3, Seqno: 1})
	tree.Receive(DualMessage{SrcId: "b", RootId: "root", Distance: 1, Seqno: 1})

	succ, ok := tree.Successor("root")
	assert.True(t, ok)
	assert.Equal(t, "b", succ)
	assert.Equal(t, uint32(2), tree.Distance("root"))
}

func TestSpanningTreeRejectsUnfeasibleReport(t *testing.T) {
	tree := NewSpanningTree("self")
	tree.Receive(DualMessage{SrcId: "a", RootId: "root", Distance: 1, Seqno: 1})
	succ, _ := tree.Successor("root")
	assert.Equal(t, "a", succ)

	// a *different* neighbor reporting something no better than the frozen
	// feasible distance is not accepted, and the successor stays put.
	change := tree.Receive(DualMessage{SrcId: "c", RootId: "root", Distance: 5, Seqno: 1})
	assert.False(t, change.Changed)
	succ, _ = tree.Successor("root")
	assert.Equal(t, "a", succ)
}

func TestSpanningTreeHigherSeqnoResetsFeasibility(t *testing.T) {
	tree := NewSpanningTree("self")
	tree.Receive(DualMessage{SrcId: "a", RootId: "root", Distance: 1, Seqno: 1})
	// root restarted and is now farther via a fresh seqno; should be accepted
	// even though 4 would otherwise be unfeasible against the old bound.
	change := tree.Receive(DualMessage{SrcId: "a", RootId: "root", Distance: 4, Seqno: 2})
	assert.True(t, change.Changed)
	assert.Equal(t, uint32(5), change.NewDistance)
}

func TestSpanningTreeStaleSeqnoIgnored(t *testing.T) {
	tree := NewSpanningTree("self")
	tree.Receive(DualMessage{SrcId: "a", RootId: "root", Distance: 1, Seqno: 5})
	change := tree.Receive(DualMessage{SrcId: "a", RootId: "root", Distance: 0, Seqno: 1})
	assert.False(t, change.Changed)
}

func TestSpanningTreeSelfRootHasNoSuccessor(t *testing.T) {
	tree := NewSpanningTree("self")
	assert.True(t, tree.SelfIsRoot("self"))
	_, ok := tree.Successor("self")
	assert.False(t, ok)
	assert.Equal(t, uint32(0), tree.Distance("self"))
}

func TestSpanningTreeChildrenTracking(t *testing.T) {
	tree := NewSpanningTree("self")
	tree.MarkChild("root", "x")
	tree.MarkChild("root", "y")
	assert.Equal(t, []string{"x", "y"}, tree.Children("root"))
	tree.UnmarkChild("root", "x")
	assert.Equal(t, []string{"y"}, tree.Children("root"))
}

func TestSpanningTreeRemoveNeighborTriggersRecompute(t *testing.T) {
	tree := NewSpanningTree("self")
	tree.Receive(DualMessage{SrcId: "a", RootId: "root", Distance: 1, Seqno: 1})
	tree.Receive(DualMessage{SrcId: "b", RootId: "root", Distance: 5, Seqno: 1})

	changes := tree.RemoveNeighbor("a")
	assert.Len(t, changes, 1)
	assert.True(t, changes[0].LostSuccessor)
	_, ok := tree.Successor("root")
	assert.False(t, ok)
}
