package kvstore

import (
	"container/heap"
	"time"
)

// TtlEntry is one scheduled expiry. Entries are compared against the
// current Value on pop; a mismatch means the entry is stale and is
// discarded instead of expiring a key it no longer describes — lazy
// deletion avoids a heap decrease-key on every refresh.
type TtlEntry struct {
	ExpiryTime   time.Time
	Key          string
	Version      uint64
	TtlVersion   uint64
	OriginatorId string
	index        int
}

// Matches reports whether entry still describes the currently-stored Value.
func (e *TtlEntry) Matches(v Value) bool {
	return e.Version == v.Version && e.TtlVersion == v.TtlVersion && e.OriginatorId == v.OriginatorId
}

type ttlHeap []*TtlEntry

func (h ttlHeap) Len() int { return len(h) }
func (h ttlHeap) Less(i, j int) bool {
	return h[i].ExpiryTime.Before(h[j].ExpiryTime)
}
func (h ttlHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *ttlHeap) Push(x any) {
	e := x.(*TtlEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *ttlHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// TtlQueue is the min-heap-by-expiry over live keys.
// It holds exactly one entry per insert/update; stale entries accumulate
// and are skipped lazily on pop rather than removed eagerly.
type TtlQueue struct {
	h ttlHeap
}

func NewTtlQueue() *TtlQueue {
	q := &TtlQueue{}
	heap.Init(&q.h)
	return q
}

// Push schedules an expiry entry for the current (version, ttlVersion,
// originatorId) of key, expiring after ttl from now. A TTL of TtlInfinite
// is never scheduled.
func (q *TtlQueue) Push(key string, v Value, now time.Time) {
	if v.Ttl == TtlInfinite {
		return
	}
	heap.Push(&q.h, &TtlEntry{
		ExpiryTime:   now.Add(time.Duration(v.Ttl) * time.Millisecond),
		Key:          key,
		Version:      v.Version,
		TtlVersion:   v.TtlVersion,
		OriginatorId: v.OriginatorId,
	})
}

// Peek returns the earliest entry without removing it, or nil if empty.
func (q *TtlQueue) Peek() *TtlEntry {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// Pop removes and returns the earliest entry, or nil if empty.
func (q *TtlQueue) Pop() *TtlEntry {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*TtlEntry)
}

func (q *TtlQueue) Len() int { return q.h.Len() }

// PopExpired pops and returns every entry whose ExpiryTime is <= now.
func (q *TtlQueue) PopExpired(now time.Time) []*TtlEntry {
	var out []*TtlEntry
	for q.h.Len() > 0 && !q.h[0].ExpiryTime.After(now) {
		out = append(out, heap.Pop(&q.h).(*TtlEntry))
	}
	return out
}
