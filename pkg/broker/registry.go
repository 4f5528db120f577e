package broker

import (
	"sync"
	"time"

	"github.com/urbanfleet/dispatch/pkg/types"
	"github.com/urbanfleet/dispatch/pkg/vclock"
)

// ExecutorRegistry is the broker's view of every executor it has heard from,
// mutated only by the broker's own goroutines under a single lock per §5.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[string]*types.ExecutorRecord
}

// NewExecutorRegistry builds an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]*types.ExecutorRecord)}
}

// Upsert registers or refreshes an executor record in place.
func (r *ExecutorRegistry) Upsert(rec *types.ExecutorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[rec.ID] = rec
}

// Get returns a copy-free pointer to the executor record, if known.
func (r *ExecutorRegistry) Get(id string) (*types.ExecutorRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.executors[id]
	return rec, ok
}

// Snapshot returns every known executor record, safe for the caller to
// range over without holding the registry's lock.
func (r *ExecutorRegistry) Snapshot() map[string]*types.ExecutorRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*types.ExecutorRecord, len(r.executors))
	for k, v := range r.executors {
		cp := *v
		out[k] = &cp
	}
	return out
}

// MarkFailed flips an executor's health to FAILED, returning its prior
// record so the recovery manager can read its running-job count.
func (r *ExecutorRegistry) MarkFailed(id string) (*types.ExecutorRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.executors[id]
	if !ok {
		return nil, false
	}
	prior := *rec
	rec.Health = types.HealthFailed
	return &prior, true
}

// MergeRecord reconciles a peer-reported ExecutorRecord against the local
// one per §4.3.5 step 2: unknown locally -> insert; known -> keep the
// causally-later record, or on concurrency the fresher heartbeat, final
// tie-break by executor id (trivial here since both share an id already).
func (r *ExecutorRegistry) MergeRecord(peer *types.ExecutorRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	local, ok := r.executors[peer.ID]
	if !ok {
		cp := *peer
		r.executors[peer.ID] = &cp
		return
	}
	switch vclock.CompareSnapshots(local.LastClock, peer.LastClock) {
	case vclock.Before:
		cp := *peer
		r.executors[peer.ID] = &cp
	case vclock.After:
		// local already newer, keep it
	default:
		if peer.LastHeartbeat.After(local.LastHeartbeat) {
			cp := *peer
			r.executors[peer.ID] = &cp
		}
	}
}

// PeerState is a peer broker's sync health, driven only by the discovery
// and sync loops per §4.3.6.
type PeerState int

const (
	PeerUnknown PeerState = iota
	PeerProbing
	PeerHealthy
	PeerUnhealthy
)

func (s PeerState) String() string {
	switch s {
	case PeerProbing:
		return "PROBING"
	case PeerHealthy:
		return "HEALTHY"
	case PeerUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// peerEntry is the broker's local bookkeeping for one peer: its public
// record plus sync-loop-only health state.
type peerEntry struct {
	Peer         types.PeerBroker
	State        PeerState
	LastSyncedAt time.Time
}

// PeerTable tracks every known peer broker and its health.
type PeerTable struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry
}

// NewPeerTable builds an empty peer table.
func NewPeerTable() *PeerTable {
	return &PeerTable{peers: make(map[string]*peerEntry)}
}

// Upsert inserts or refreshes a peer's public identity without touching its
// sync-derived health state, used by discovery and by sync's peer-table
// union step.
func (t *PeerTable) Upsert(p types.PeerBroker) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.peers[p.ID]; ok {
		existing.Peer = p
		return
	}
	t.peers[p.ID] = &peerEntry{Peer: p, State: PeerUnknown}
}

// SetState transitions a peer's health state.
func (t *PeerTable) SetState(id string, state PeerState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.peers[id]; ok {
		e.State = state
		if state == PeerHealthy {
			e.LastSyncedAt = time.Now()
		}
	}
}

// Healthy returns every peer currently in the HEALTHY state.
func (t *PeerTable) Healthy() []types.PeerBroker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.PeerBroker
	for _, e := range t.peers {
		if e.State == PeerHealthy {
			out = append(out, e.Peer)
		}
	}
	return out
}

// Snapshot returns every known peer, regardless of health state.
func (t *PeerTable) Snapshot() map[string]types.PeerBroker {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]types.PeerBroker, len(t.peers))
	for id, e := range t.peers {
		out[id] = e.Peer
	}
	return out
}
