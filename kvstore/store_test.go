package kvstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStoreForAreas(t *testing.T, areas ...string) (*KvStore, chan PeerEvent) {
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(nil) })
	var dbs []*KvStoreDb
	for _, a := range areas {
		dbs = append(dbs, NewKvStoreDb(ctx, cancel, dbTestLogger(), a, "self", DefaultDbConfig()))
	}
	events := make(chan PeerEvent)
	store := NewKvStore(dbTestLogger(), dbs, events)
	t.Cleanup(func() { store.Stop(nil) })
	return store, events
}

func TestKvStoreAreaLookup(t *testing.T) {
	store, _ := newTestStoreForAreas(t, "area1", "area2")
	db, err := store.Area("area1")
	require.NoError(t, err)
	assert.Equal(t, "area1", db.Area)

	_, err = store.Area("area3")
	assert.ErrorIs(t, err, ErrUnknownArea)
}

func TestKvStoreAreaIds(t *testing.T) {
	store, _ := newTestStoreForAreas(t, "area1", "area2")
	assert.ElementsMatch(t, []string{"area1", "area2"}, store.AreaIds())
}

func TestKvStoreSetAndGetKeyVals(t *testing.T) {
	store, _ := newTestStoreForAreas(t, "area1")
	_, err := store.SetKeyVals("area1", Publication{KeyVals: KeyValueMap{"k1": mkValue(1, "self", []byte("x"))}})
	require.NoError(t, err)

	pub, err := store.GetKeyVals("area1", []string{"k1"})
	require.NoError(t, err)
	assert.Contains(t, pub.KeyVals, "k1")
}

func TestKvStoreDumpKvStoreKeysAcrossAreas(t *testing.T) {
	store, _ := newTestStoreForAreas(t, "area1", "area2")
	_, err := store.SetKeyVals("area1", Publication{KeyVals: KeyValueMap{"k1": mkValue(1, "self", []byte("x"))}})
	require.NoError(t, err)
	_, err = store.SetKeyVals("area2", Publication{KeyVals: KeyValueMap{"k2": mkValue(1, "self", []byte("y"))}})
	require.NoError(t, err)

	pubs, err := store.DumpKvStoreKeys(nil, nil)
	require.NoError(t, err)
	require.Len(t, pubs, 2)

	var allKeys []string
	for _, p := range pubs {
		for k := range p.KeyVals {
			allKeys = append(allKeys, k)
		}
	}
	assert.ElementsMatch(t, []string{"k1", "k2"}, allKeys)
}

func TestKvStorePeerEventsFanOutToArea(t *testing.T) {
	store, events := newTestStoreForAreas(t, "area1")
	events <- PeerEvent{Kind: PeerEventAdd, Area: "area1", NodeName: "peer1", Spec: PeerSpec{Addr: "127.0.0.1", Port: 1}, Transport: Transport{}}

	db, err := store.Area("area1")
	require.NoError(t, err)
	waitFor(t, func() bool {
		_, ok, err := db.GetCurrentState("peer1")
		return err == nil && ok
	})
}

func TestKvStorePeerEventForUnknownAreaIsIgnored(t *testing.T) {
	store, events := newTestStoreForAreas(t, "area1")
	events <- PeerEvent{Kind: PeerEventAdd, Area: "no-such-area", NodeName: "peer1"}
	close(events)
	store.Wait(context.Background())
	// no panic, no deadlock: the unknown-area event is logged and dropped.
}
