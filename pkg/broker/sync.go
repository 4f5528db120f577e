package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/urbanfleet/dispatch/pkg/causal"
	"github.com/urbanfleet/dispatch/pkg/events"
	"github.com/urbanfleet/dispatch/pkg/health"
	"github.com/urbanfleet/dispatch/pkg/metrics"
	"github.com/urbanfleet/dispatch/pkg/types"
)

// emergencyContextFromPayload converts the wire-form EmergencyPayload back
// into a causal.EmergencyContext for reconciliation against local state.
func emergencyContextFromPayload(p types.EmergencyPayload) *causal.EmergencyContext {
	level, _ := causal.ParseEmergencyLevel(string(p.Level))
	return &causal.EmergencyContext{
		Kind:       p.Kind,
		Level:      level,
		Location:   p.Location,
		DetectedAt: p.DetectedAt,
		Clock:      p.Clock,
	}
}

// discoveryLoop implements §4.3.5's discovery loop: consult the discovery
// collaborator, probe each candidate once, insert/refresh it in the peer
// table, demote probe failures to unhealthy.
func (c *Coordinator) discoveryLoop(ctx context.Context) {
	period := c.Config.DiscoveryPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	c.runDiscovery(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runDiscovery(ctx)
		}
	}
}

func (c *Coordinator) runDiscovery(ctx context.Context) {
	if c.Discoverer == nil {
		return
	}
	candidates, err := c.Discoverer.Discover(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("discovery probe failed")
		return
	}
	for _, cand := range candidates {
		if cand.ID == c.ID {
			continue
		}
		c.Peers.Upsert(types.PeerBroker{ID: cand.ID, Endpoint: cand.Endpoint})
		c.Peers.SetState(cand.ID, PeerProbing)

		probe := health.NewProbe(fmt.Sprintf("http://%s/broker/coordination-status", cand.Endpoint))
		result := probe.Check(ctx)
		if result.Healthy {
			c.Peers.SetState(cand.ID, PeerHealthy)
			metrics.PeerHealth.WithLabelValues(cand.ID).Set(1)
		} else {
			c.Peers.SetState(cand.ID, PeerUnhealthy)
			metrics.PeerHealth.WithLabelValues(cand.ID).Set(0)
		}
	}
}

// syncLoop implements §4.3.5's sync loop: for each healthy peer, exchange
// BrokerMetadata and reconcile. A failed sync to one peer never blocks
// syncs to the others.
func (c *Coordinator) syncLoop(ctx context.Context) {
	period := c.Config.SyncPeriod
	if period <= 0 {
		period = 60 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, peer := range c.Peers.Healthy() {
				c.syncWithPeer(ctx, peer)
			}
		}
	}
}

// localMetadata builds the BrokerMetadata describing this broker, the wire
// payload the sync loop both sends and reconciles against.
func (c *Coordinator) localMetadata() types.BrokerMetadata {
	execs := c.Executors.Snapshot()
	peers := c.Peers.Snapshot()

	peerMap := make(map[string]*types.PeerBroker, len(peers))
	for id, p := range peers {
		cp := p
		peerMap[id] = &cp
	}

	var emPayload *types.EmergencyPayload
	if em, ok := c.Emergency.Active(); ok {
		emPayload = &types.EmergencyPayload{
			Kind:       em.Kind,
			Level:      types.EmergencyLevel(em.Level.String()),
			Location:   em.Location,
			DetectedAt: em.DetectedAt,
			Clock:      em.Clock,
		}
	}

	return types.BrokerMetadata{
		BrokerID:  c.ID,
		Clock:     c.Clock.Snapshot(),
		Executors: execs,
		Peers:     peerMap,
		Emergency: emPayload,
	}
}

// syncWithPeer implements §4.3.5 step 2's four-step reconciliation. It is
// idempotent and convergent per §8's testable properties 4 and 5.
func (c *Coordinator) syncWithPeer(ctx context.Context, peer types.PeerBroker) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncDuration)

	c.Clock.Tick()
	self := c.localMetadata()

	syncCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	remote, err := c.Peer.SyncMetadata(syncCtx, peer.Endpoint, self)
	if err != nil {
		c.logger.Warn().Err(err).Str("peer_id", peer.ID).Msg("sync failed")
		c.Peers.SetState(peer.ID, PeerUnhealthy)
		metrics.PeerHealth.WithLabelValues(peer.ID).Set(0)
		metrics.SyncCyclesTotal.WithLabelValues("failed").Inc()
		c.publish(events.EventPeerUnhealthy, "peer sync failed", map[string]string{"peer_id": peer.ID})
		return
	}

	c.reconcile(remote)
	c.Peers.SetState(peer.ID, PeerHealthy)
	metrics.PeerHealth.WithLabelValues(peer.ID).Set(1)
	metrics.SyncCyclesTotal.WithLabelValues("ok").Inc()
}

// ReceiveSync is the handler-side entry point for POST /broker/sync-metadata:
// reconcile the caller's metadata into local state and return this broker's
// own metadata for the caller to reconcile symmetrically.
func (c *Coordinator) ReceiveSync(peer types.BrokerMetadata) (types.BrokerMetadata, error) {
	c.reconcile(peer)
	return c.localMetadata(), nil
}

// reconcile applies peer metadata to local state per §4.3.5's four steps.
// It is the handler-side counterpart of syncWithPeer, and is exactly what a
// broker receiving POST /broker/sync-metadata runs before replying with its
// own metadata.
func (c *Coordinator) reconcile(peer types.BrokerMetadata) {
	// Step 1: merge clock.
	c.Clock.Merge(peer.Clock)

	// Step 2: per-executor causal-or-fresher merge.
	for _, rec := range peer.Executors {
		c.Executors.MergeRecord(rec)
	}

	// Step 3: fleet emergency reconcile via the shared tie-break rule.
	if peer.Emergency != nil {
		changed := c.Emergency.Install(emergencyContextFromPayload(*peer.Emergency))
		if changed {
			metrics.EmergencyReconciliationsTotal.Inc()
			if em, ok := c.Emergency.Active(); ok {
				metrics.EmergencyLevel.Set(float64(em.Level) + 1)
			}
		}
	}

	// Step 4: peer-table union.
	for id, p := range peer.Peers {
		if id == c.ID {
			continue
		}
		c.Peers.Upsert(*p)
	}
}
