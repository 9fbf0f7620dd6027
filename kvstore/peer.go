package kvstore

import (
	"time"
)

// PeerState is a node in the per-peer lifecycle state machine.
type PeerState int

const (
	Idle PeerState = iota
	Syncing
	Initialized
)

func (s PeerState) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Syncing:
		return "SYNCING"
	case Initialized:
		return "INITIALIZED"
	default:
		return "UNKNOWN"
	}
}

// PeerStateEvent drives PeerState transitions.
type PeerStateEvent int

const (
	EventPeerAdd PeerStateEvent = iota
	EventSyncTimerFire
	EventSyncRespRcvd
	EventApiError
	EventPeerDel
)

const (
	InitialBackoff = 8 * time.Millisecond
	MaxBackoff     = 8 * time.Second

	InitialParallelSyncLimit = 2
	MaxParallelSyncLimit     = 32
)

// PeerSpec is the dialable address of a peer.
type PeerSpec struct {
	Addr string
	Port uint16
}

// Peer is one remote node this KvStoreDb gossips with. Peer never holds a
// back-pointer to its owning KvStoreDb — the db owns a table keyed by
// nodeName, and a Peer is looked up by name, never traversed to.
type Peer struct {
	NodeName string
	Spec     PeerSpec
	State    PeerState
	Backoff  time.Duration

	// PendingKeysDuringInitialization accumulates keys mutated locally while
	// this peer is SYNCING, so finalizeFullSync can flood them once the peer
	// reaches INITIALIZED.
	PendingKeysDuringInitialization map[string]struct{}

	// parallelSyncLimit lives on KvStoreDb, not here — it throttles the
	// scheduler's promotion rate across all IDLE peers, not one peer's state.

	lastStateChange time.Time
	nextSyncAttempt time.Time
}

// NewPeer constructs a Peer in the IDLE state, as if freshly added.
func NewPeer(nodeName string, spec PeerSpec) *Peer {
	return &Peer{
		NodeName:                        nodeName,
		Spec:                            spec,
		State:                           Idle,
		Backoff:                         InitialBackoff,
		PendingKeysDuringInitialization: make(map[string]struct{}),
		lastStateChange:                 time.Now(),
	}
}

// ReadyForSync reports whether the peer's backoff has elapsed and it is
// eligible for the sync scheduler to promote it to SYNCING.
func (p *Peer) ReadyForSync(now time.Time) bool {
	return p.State == Idle && !now.Before(p.nextSyncAttempt)
}

// Apply advances the peer's state machine and returns whether the
// transition actually changed state.
func (p *Peer) Apply(event PeerStateEvent, now time.Time) bool {
	prev := p.State

	if event == EventPeerAdd && prev != Idle {
		// re-add while already tracked resets backoff and pending state.
		nodeName, spec := p.NodeName, p.Spec
		*p = *NewPeer(nodeName, spec)
	}

	switch p.State {
	case Idle:
		switch event {
		case EventPeerAdd, EventSyncTimerFire:
			p.State = Syncing
		}
	case Syncing:
		switch event {
		case EventSyncRespRcvd:
			p.State = Initialized
			p.Backoff = InitialBackoff
		case EventApiError:
			p.State = Idle
			p.applyBackoff(now)
		}
	case Initialized:
		switch event {
		case EventApiError:
			p.State = Idle
			p.applyBackoff(now)
		}
	}
	if p.State != prev {
		p.lastStateChange = now
		return true
	}
	return false
}

func (p *Peer) applyBackoff(now time.Time) {
	p.nextSyncAttempt = now.Add(p.Backoff)
	p.Backoff *= 2
	if p.Backoff > MaxBackoff {
		p.Backoff = MaxBackoff
	}
}

// MarkPendingDuringInit records a key mutated locally while this peer is
// still SYNCING, for replay once it reaches INITIALIZED.
func (p *Peer) MarkPendingDuringInit(key string) {
	if p.State == Syncing {
		p.PendingKeysDuringInitialization[key] = struct{}{}
	}
}

// DrainPending returns and clears the pending-during-init key set.
func (p *Peer) DrainPending() []string {
	keys := make([]string, 0, len(p.PendingKeysDuringInitialization))
	for k := range p.PendingKeysDuringInitialization {
		keys = append(keys, k)
	}
	p.PendingKeysDuringInitialization = make(map[string]struct{})
	return keys
}
