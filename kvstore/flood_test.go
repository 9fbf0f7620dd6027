package kvstore

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu      sync.Mutex
	pubs    []string
	bodies  []Publication
	keyGets []string
}

func (f *fakeSender) SendPublication(ctx context.Context, peerName string, pub Publication) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pubs = append(f.pubs, peerName)
	f.bodies = append(f.bodies, pub)
	return nil
}

func (f *fakeSender) SendKeyGet(ctx context.Context, peerName string, keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyGets = append(f.keyGets, peerName)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFloodEngineFlushSendsToAllPeersWithoutOptimization(t *testing.T) {
	sender := &fakeSender{}
	f := NewFloodEngine(testLogger(), "self", sender, nil, 1000, 1000, time.Minute, false)
	defer f.Close()

	f.Enqueue(nil, "k1")
	kv := func(key string) (Value, bool) {
		return mkValue(1, "self", []byte("x")), true
	}
	f.Flush(context.Background(), []string{"p1", "p2"}, kv)

	assert.ElementsMatch(t, []string{"p1", "p2"}, sender.pubs)
}

func TestFloodEngineFlushRespectsSpanningTreeChildren(t *testing.T) {
	sender := &fakeSender{}
	tree := NewSpanningTree("self")
	tree.MarkChild("root1", "p1")
	f := NewFloodEngine(testLogger(), "self", sender, tree, 1000, 1000, time.Minute, true)
	defer f.Close()

	root := "root1"
	f.Enqueue(&root, "k1")
	kv := func(key string) (Value, bool) {
		return mkValue(1, "self", []byte("x")), true
	}
	f.Flush(context.Background(), []string{"p1", "p2"}, kv)

	assert.Equal(t, []string{"p1"}, sender.pubs)
}

func TestFloodEngineFlushDropsMissingKeys(t *testing.T) {
	sender := &fakeSender{}
	f := NewFloodEngine(testLogger(), "self", sender, nil, 1000, 1000, time.Minute, false)
	defer f.Close()

	f.Enqueue(nil, "gone")
	kv := func(key string) (Value, bool) { return Value{}, false }
	f.Flush(context.Background(), []string{"p1"}, kv)

	assert.Empty(t, sender.pubs)
}

func TestFloodEngineFlushSendsExpiryWithoutBody(t *testing.T) {
	sender := &fakeSender{}
	f := NewFloodEngine(testLogger(), "self", sender, nil, 1000, 1000, time.Minute, false)
	defer f.Close()

	f.EnqueueExpiry(nil, "k1")
	f.Flush(context.Background(), []string{"p1"}, func(string) (Value, bool) { return Value{}, false })

	require.Len(t, sender.bodies, 1)
	assert.Equal(t, []string{"k1"}, sender.bodies[0].ExpiredKeys)
	assert.Empty(t, sender.bodies[0].KeyVals)
}

func TestFloodEngineFlushRespectsTreeChildrenForExpiry(t *testing.T) {
	sender := &fakeSender{}
	tree := NewSpanningTree("self")
	tree.MarkChild("root1", "p1")
	f := NewFloodEngine(testLogger(), "self", sender, tree, 1000, 1000, time.Minute, true)
	defer f.Close()

	root := "root1"
	f.EnqueueExpiry(&root, "k1")
	f.Flush(context.Background(), []string{"p1", "p2"}, func(string) (Value, bool) { return Value{}, false })

	assert.Equal(t, []string{"p1"}, sender.pubs)
}

func TestFloodEngineRequestValueDedups(t *testing.T) {
	sender := &fakeSender{}
	f := NewFloodEngine(testLogger(), "self", sender, nil, 1000, 1000, time.Minute, false)
	defer f.Close()

	ctx := context.Background()
	assert.NoError(t, f.RequestValue(ctx, "peerA", "k1"))
	assert.NoError(t, f.RequestValue(ctx, "peerA", "k1"))
	assert.Len(t, sender.keyGets, 1)

	f.ClearPending("k1")
	assert.NoError(t, f.RequestValue(ctx, "peerA", "k1"))
	assert.Len(t, sender.keyGets, 2)
}
