// Package kvstore implements the gossip-based replicated key-value store:
// per-key versioned replication with TTL expiry, flooding over peers,
// peer lifecycle management, rate-limited re-advertisement and three-way
// full synchronization.
package kvstore

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Value is one versioned record in the store. Value.Value is nil for a
// hash-only copy exchanged during diff-based sync.
type Value struct {
	Version      uint64
	OriginatorId string
	Value        []byte
	// Ttl is the remaining time-to-live. TtlInfinite means the key never expires.
	Ttl        int64 // milliseconds
	TtlVersion uint64
	Hash       uint64
}

// TtlInfinite marks a Value that never expires — egress dumps send it
// without the TTL decrement, and the TTL queue never schedules it.
const TtlInfinite int64 = -1

// HashValue computes the deterministic content digest used when a Value is
// carried hash-only. Must be recomputed by whoever mutates Value.Value.
func HashValue(version uint64, originatorId string, value []byte) uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], version)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(originatorId))
	_, _ = h.Write(value)
	return h.Sum64()
}

// WithHash returns a copy of v with Hash recomputed from its current fields.
// Callers that construct or mutate a Value's content must call this before
// inserting it into a store.
func (v Value) WithHash() Value {
	v.Hash = HashValue(v.Version, v.OriginatorId, v.Value)
	return v
}

// HashOnly returns a copy of v with the value body stripped, for hash-only
// dumps (KEY_DUMP/HASH_DUMP).
func (v Value) HashOnly() Value {
	v.Value = nil
	return v
}

// sameContent reports whether a and b carry the same (version, originator,
// content) triple, ignoring ttlVersion/ttl — i.e. whether a change from b to
// a is a TTL-only refresh rather than a content change.
func sameContent(a, b Value) bool {
	return a.Version == b.Version && a.OriginatorId == b.OriginatorId && a.Hash == b.Hash
}

// CompareResult is the outcome of comparing two Values for the same key.
type CompareResult int

const (
	ABetter CompareResult = iota
	BBetter
	Equal
	Unknown
)

// CompareValues orders two Values for the same key: version, then
// originatorId, then value bytes (or hash, if either side is hash-only),
// then ttlVersion. Value bytes are compared the way a std::string '>' would
// — purely lexicographic, length included only as the natural consequence
// of comparing a shorter string's missing trailing bytes as absent.
func CompareValues(a, b Value) CompareResult {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return ABetter
		}
		return BBetter
	}
	if a.OriginatorId != b.OriginatorId {
		if a.OriginatorId > b.OriginatorId {
			return ABetter
		}
		return BBetter
	}
	if a.Value != nil && b.Value != nil {
		switch bytes.Compare(a.Value, b.Value) {
		case 1:
			return ABetter
		case -1:
			return BBetter
		}
		// value bytes equal; fall through to ttlVersion
	} else if a.Hash != b.Hash {
		return Unknown
	}
	if a.TtlVersion != b.TtlVersion {
		if a.TtlVersion > b.TtlVersion {
			return ABetter
		}
		return BBetter
	}
	return Equal
}

// KeyValueMap is the opaque-key mapping that backs a KvStoreDb.
type KeyValueMap map[string]Value

// Clone returns a shallow copy of m suitable for handing to a Publication
// without sharing the backing map with the store.
func (m KeyValueMap) Clone() KeyValueMap {
	out := make(KeyValueMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Publication is the batch unit exchanged between peers and between
// KvStoreDb and its subscribers.
type Publication struct {
	KeyVals         KeyValueMap
	ExpiredKeys     []string
	TobeUpdatedKeys []string
	NodeIds         []string
	FloodRootId     *string
	Area            string
	Timestamp       *timestamppb.Timestamp
}

// ContainsNode reports whether id already appears in the publication's
// loop-prevention path — a Publication carrying N is never re-sent to N.
func (p *Publication) ContainsNode(id string) bool {
	for _, n := range p.NodeIds {
		if n == id {
			return true
		}
	}
	return false
}

// MergeResult is what Merge reports back to its caller.
type MergeResult struct {
	// Updated is the subset of (k, v) whose content actually changed — this
	// is what the Flood Engine re-advertises.
	Updated KeyValueMap
	// TobeUpdatedKeys are keys for which the comparison was UNKNOWN (hash
	// mismatch with no body on either side to break the tie); the caller
	// should request full values for these from whoever sent the update.
	TobeUpdatedKeys []string
}

// Merge applies update onto store using CompareValues' ordering and returns
// the subset that changed content plus any keys needing a follow-up value
// request. filter, if non-nil, is applied per (k, v) before considering the
// merge.
func Merge(store KeyValueMap, update KeyValueMap, filter *Filter) MergeResult {
	res := MergeResult{Updated: make(KeyValueMap)}
	for k, v := range update {
		if filter != nil && !filter.Matches(k, v.OriginatorId) {
			continue
		}
		cur, exists := store[k]
		if !exists {
			if v.Value != nil {
				store[k] = v
				res.Updated[k] = v
			}
			// hash-only and absent locally: cannot materialize, ignore.
			continue
		}
		switch CompareValues(v, cur) {
		case ABetter:
			if sameContent(v, cur) {
				// TTL refresh only: update in place, do not re-flood as content.
				cur.Ttl = v.Ttl
				cur.TtlVersion = v.TtlVersion
				store[k] = cur
			} else {
				store[k] = v
				res.Updated[k] = v
			}
		case Equal, BBetter:
			// no-op
		case Unknown:
			res.TobeUpdatedKeys = append(res.TobeUpdatedKeys, k)
		}
	}
	return res
}
