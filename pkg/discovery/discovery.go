// Package discovery finds candidate peer broker endpoints for the broker's
// discovery loop. It never judges health — that's the caller's probe step
// (pkg/health) — it only answers "who might be out there".
package discovery

import "context"

// Peer is a candidate peer endpoint surfaced by a Discoverer.
type Peer struct {
	ID       string
	Endpoint string
}

// Discoverer enumerates candidate peers. Implementations must be safe to
// call repeatedly from the discovery loop's ticker.
type Discoverer interface {
	Discover(ctx context.Context) ([]Peer, error)
}

// StaticDiscoverer returns a fixed, config-seeded peer list. Used for tests
// and single-box demos where mDNS has nothing to find.
type StaticDiscoverer struct {
	Peers []Peer
}

// NewStatic builds a StaticDiscoverer from a set of peers.
func NewStatic(peers []Peer) *StaticDiscoverer {
	return &StaticDiscoverer{Peers: peers}
}

// Discover returns the configured peer list.
func (d *StaticDiscoverer) Discover(ctx context.Context) ([]Peer, error) {
	out := make([]Peer, len(d.Peers))
	copy(out, d.Peers)
	return out, nil
}
