// Package recovery tracks executor liveness via heartbeat gaps and
// redistributes orphaned jobs when an executor is declared failed,
// implementing spec §4.5's recovery manager.
package recovery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/urbanfleet/dispatch/pkg/broker"
	"github.com/urbanfleet/dispatch/pkg/events"
	"github.com/urbanfleet/dispatch/pkg/metrics"
	"github.com/urbanfleet/dispatch/pkg/types"
)

const gapHistoryLen = 8

// heartbeatHistory is a bounded rolling record of observed heartbeat gaps
// for one executor, generalized from a single consecutive-failure counter
// to a short window of gap samples.
type heartbeatHistory struct {
	lastSeen time.Time
	gaps     []time.Duration
}

func (h *heartbeatHistory) recordHeartbeat(now time.Time) {
	if !h.lastSeen.IsZero() {
		h.gaps = append(h.gaps, now.Sub(h.lastSeen))
		if len(h.gaps) > gapHistoryLen {
			h.gaps = h.gaps[1:]
		}
	}
	h.lastSeen = now
}

// Manager is the recovery engine bound to one Coordinator; it owns no
// registry of its own, reading and mutating the Coordinator's executor
// registry and job queue directly.
type Manager struct {
	coordinator *broker.Coordinator
	logger      zerolog.Logger

	heartbeatPeriod time.Duration
	failureGap      time.Duration
	graceWindow     time.Duration

	history map[string]*heartbeatHistory
}

// New builds a recovery Manager bound to coordinator, deriving its failure
// threshold from heartbeat_period_seconds * heartbeat_failure_multiplier.
func New(coordinator *broker.Coordinator, heartbeatPeriod time.Duration, failureMultiplier int, logger zerolog.Logger) *Manager {
	if failureMultiplier <= 0 {
		failureMultiplier = 5
	}
	return &Manager{
		coordinator:     coordinator,
		logger:          logger.With().Str("component", "recovery").Logger(),
		heartbeatPeriod: heartbeatPeriod,
		failureGap:      time.Duration(failureMultiplier) * heartbeatPeriod,
		graceWindow:     time.Duration(failureMultiplier) * heartbeatPeriod,
		history:         make(map[string]*heartbeatHistory),
	}
}

// Register starts tracking heartbeat history for a newly registered
// executor.
func (m *Manager) Register(executorID string) {
	if _, ok := m.history[executorID]; !ok {
		m.history[executorID] = &heartbeatHistory{}
	}
}

// Heartbeat records a liveness signal from executorID.
func (m *Manager) Heartbeat(executorID string) {
	h, ok := m.history[executorID]
	if !ok {
		h = &heartbeatHistory{}
		m.history[executorID] = h
	}
	h.recordHeartbeat(time.Now())
}

// MarkFailed implements §4.5's declare-FAILED sequence: tick the
// coordinator's clock, move the executor to FAILED, pull its in-flight job
// list, and redispatch each one via the coordinator's normal selection
// path, excluding executorID for a grace window.
func (m *Manager) MarkFailed(ctx context.Context, executorID string) []string {
	m.coordinator.Clock.Tick()

	if _, ok := m.coordinator.Executors.MarkFailed(executorID); !ok {
		return nil
	}
	metrics.ExecutorFailuresTotal.Inc()

	if m.coordinator.Events != nil {
		m.coordinator.Events.Publish(&events.Event{
			Type:     events.EventExecutorFailed,
			Message:  "executor declared failed",
			Metadata: map[string]string{"executor_id": executorID},
		})
	}

	m.coordinator.ExcludeForGraceWindow(executorID, m.graceWindow)

	orphans := m.coordinator.JobsAssignedTo(executorID)
	var redispatched []string
	for _, job := range orphans {
		if err := m.coordinator.Requeue(job); err != nil {
			m.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to requeue orphaned job")
			continue
		}
		redispatched = append(redispatched, job.JobID)
	}

	m.logger.Warn().Str("executor_id", executorID).Int("orphaned_jobs", len(orphans)).Msg("executor declared failed")
	return redispatched
}

// DeclareFleetEmergency ticks, records the context locally, and lets the
// next sync cycle propagate it (§4.5's fleet-emergency declaration).
func (m *Manager) DeclareFleetEmergency(kind string, level types.EmergencyLevel) {
	m.coordinator.DeclareEmergency(kind, level)
}

// ClearFleetEmergency is the symmetric clear.
func (m *Manager) ClearFleetEmergency() {
	m.coordinator.ClearEmergency()
}

// Sweep scans every tracked executor's heartbeat history and declares any
// executor whose gap since last heartbeat exceeds the failure threshold.
func (m *Manager) Sweep(ctx context.Context) {
	now := time.Now()
	for id, h := range m.history {
		if h.lastSeen.IsZero() {
			continue
		}
		if rec, ok := m.coordinator.Executors.Get(id); ok && rec.Health == types.HealthFailed {
			continue
		}
		if now.Sub(h.lastSeen) > m.failureGap {
			m.MarkFailed(ctx, id)
		}
	}
}

// Run starts the periodic sweep loop, cancellable via ctx.
func (m *Manager) Run(ctx context.Context) {
	period := m.heartbeatPeriod
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}
