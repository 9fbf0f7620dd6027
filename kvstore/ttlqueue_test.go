package kvstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTtlQueueOrdersByExpiry(t *testing.T) {
	q := NewTtlQueue()
	now := time.Now()
	q.Push("k1", Value{Version: 1, Ttl: 300}, now)
	q.Push("k2", Value{Version: 1, Ttl: 100}, now)
	q.Push("k3", Value{Version: 1, Ttl: 200}, now)

	assert.Equal(t, "k2", q.Pop().Key)
	assert.Equal(t, "k3", q.Pop().Key)
	assert.Equal(t, "k1", q.Pop().Key)
	assert.Nil(t, q.Pop())
}

func TestTtlQueueSkipsInfiniteTtl(t *testing.T) {
	q := NewTtlQueue()
	q.Push("k1", Value{Version: 1, Ttl: TtlInfinite}, time.Now())
	assert.Equal(t, 0, q.Len())
}

func TestTtlQueueStaleEntryDoesNotMatchCurrentValue(t *testing.T) {
	q := NewTtlQueue()
	now := time.Now()
	v1 := Value{Version: 1, TtlVersion: 1, OriginatorId: "A", Ttl: 100}
	q.Push("k1", v1, now)

	current := Value{Version: 1, TtlVersion: 2, OriginatorId: "A"}
	e := q.Pop()
	assert.False(t, e.Matches(current), "refreshed ttlVersion should make the old entry stale")
}

func TestTtlQueuePopExpired(t *testing.T) {
	q := NewTtlQueue()
	now := time.Now()
	q.Push("k1", Value{Version: 1, Ttl: 10}, now)
	q.Push("k2", Value{Version: 1, Ttl: 10000}, now)

	expired := q.PopExpired(now.Add(50 * time.Millisecond))
	assert.Len(t, expired, 1)
	assert.Equal(t, "k1", expired[0].Key)
	assert.Equal(t, 1, q.Len())
}
