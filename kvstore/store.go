package kvstore

import (
	"context"
	"fmt"
	"log/slog"
)

// PeerEventKind distinguishes the two events KvStore reads off its
// peer-events queue.
type PeerEventKind int

const (
	PeerEventAdd PeerEventKind = iota
	PeerEventDel
)

// PeerEvent is one entry on the peer-events input queue; KvStore dispatches
// it to the named area's KvStoreDb.
type PeerEvent struct {
	Kind      PeerEventKind
	Area      string
	NodeName  string
	Spec      PeerSpec
	Transport Transport
}

// KvStore is the top-level multiplexer over areas: it holds one
// KvStoreDb per configured area, drains a peer-events queue and fans each
// event to the right area, and offers an aggregate dump API across areas.
// It owns no mutable state of its own beyond the area table, which is
// fixed at construction — so, unlike KvStoreDb, it needs no event loop of
// its own to stay single-threaded.
type KvStore struct {
	log   *slog.Logger
	areas map[string]*KvStoreDb

	events chan PeerEvent
	done   chan struct{}
}

// NewKvStore builds a KvStore over the given per-area KvStoreDb instances,
// keyed by Area, and starts draining peerEvents.
func NewKvStore(log *slog.Logger, dbs []*KvStoreDb, peerEvents chan PeerEvent) *KvStore {
	areas := make(map[string]*KvStoreDb, len(dbs))
	for _, db := range dbs {
		areas[db.Area] = db
	}
	s := &KvStore{
		log:    log,
		areas:  areas,
		events: peerEvents,
		done:   make(chan struct{}),
	}
	go s.consumeEvents()
	return s
}

func (s *KvStore) consumeEvents() {
	defer close(s.done)
	for ev := range s.events {
		db, ok := s.areas[ev.Area]
		if !ok {
			s.log.Warn("peer event for unknown area", "area", ev.Area, "node", ev.NodeName)
			continue
		}
		var err error
		switch ev.Kind {
		case PeerEventAdd:
			err = db.AddPeer(ev.NodeName, ev.Spec, ev.Transport)
		case PeerEventDel:
			err = db.DelPeer(ev.NodeName)
		}
		if err != nil {
			s.log.Warn("peer event dispatch failed", "area", ev.Area, "node", ev.NodeName, "err", err)
		}
	}
}

// Area returns the KvStoreDb for id, or ErrUnknownArea.
func (s *KvStore) Area(id string) (*KvStoreDb, error) {
	db, ok := s.areas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownArea, id)
	}
	return db, nil
}

// AreaIds returns every configured area id.
func (s *KvStore) AreaIds() []string {
	out := make([]string, 0, len(s.areas))
	for id := range s.areas {
		out = append(out, id)
	}
	return out
}

// DumpKvStoreKeys fans a filtered dump out across selectAreas (or every
// area if selectAreas is empty) and concatenates the results.
func (s *KvStore) DumpKvStoreKeys(filter *Filter, selectAreas []string) ([]Publication, error) {
	ids := selectAreas
	if len(ids) == 0 {
		ids = s.AreaIds()
	}
	out := make([]Publication, 0, len(ids))
	for _, id := range ids {
		db, err := s.Area(id)
		if err != nil {
			return nil, err
		}
		pub, err := db.DumpAllWithFilters(filter, false)
		if err != nil {
			return nil, fmt.Errorf("area %s: %w", id, err)
		}
		out = append(out, pub)
	}
	return out, nil
}

// SetKeyVals writes pub into area's store.
func (s *KvStore) SetKeyVals(area string, pub Publication) (MergeResult, error) {
	db, err := s.Area(area)
	if err != nil {
		return MergeResult{}, err
	}
	return db.SetKeyVals(pub)
}

// GetKeyVals reads keys from area's store.
func (s *KvStore) GetKeyVals(area string, keys []string) (Publication, error) {
	db, err := s.Area(area)
	if err != nil {
		return Publication{}, err
	}
	return db.GetKeyVals(keys)
}

// Stop cancels every area's loop. It does not stop draining the
// peer-events queue: consumeEvents exits only once the caller closes
// peerEvents and the channel is drained, before or after Stop.
func (s *KvStore) Stop(cause error) {
	for _, db := range s.areas {
		db.Stop(cause)
	}
}

// Wait blocks until the peer-events consumer goroutine has exited, i.e.
// until the caller closes the peerEvents channel passed to NewKvStore.
func (s *KvStore) Wait(ctx context.Context) {
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}
