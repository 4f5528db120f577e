// Package broker implements the coordination engine: job intake and
// ordering, executor selection, periodic peer metadata sync, and the
// fleet-wide emergency context a Coordinator shares with its executors.
package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/urbanfleet/dispatch/pkg/causal"
	"github.com/urbanfleet/dispatch/pkg/config"
	"github.com/urbanfleet/dispatch/pkg/discovery"
	"github.com/urbanfleet/dispatch/pkg/emergency"
	"github.com/urbanfleet/dispatch/pkg/events"
	"github.com/urbanfleet/dispatch/pkg/metrics"
	store "github.com/urbanfleet/dispatch/pkg/store"
	"github.com/urbanfleet/dispatch/pkg/types"
	"github.com/urbanfleet/dispatch/pkg/vclock"
)

// PeerClient is how a Coordinator talks to another broker; implemented over
// HTTP/JSON by pkg/transport, kept as an interface here to avoid a
// broker<->transport import cycle.
type PeerClient interface {
	SyncMetadata(ctx context.Context, endpoint string, self types.BrokerMetadata) (types.BrokerMetadata, error)
}

// ExecutorClient is how a Coordinator dispatches jobs to executors it has
// selected.
type ExecutorClient interface {
	SubmitJob(ctx context.Context, endpoint string, env causal.Envelope, jobID string, info types.JobInfo, isEmergency bool) error
}

// Coordinator is the broker's NodeContext-style aggregate: every piece of
// state a broker's goroutines touch, gathered so startup can wire it once.
type Coordinator struct {
	ID    string
	Clock *vclock.Clock

	Queue     *JobQueue
	Executors *ExecutorRegistry
	Peers     *PeerTable
	Emergency *emergency.State
	Events    *events.Bus

	// Store persists jobs and executor records so a restarted broker can
	// recover its queue. A nil Store (the default) disables persistence.
	Store store.Store

	Config config.Config

	Discoverer     discovery.Discoverer
	Peer           PeerClient
	ExecutorCaller ExecutorClient

	logger zerolog.Logger

	waitDeadline time.Duration

	inFlightMu sync.Mutex
	inFlight   map[string]*types.JobSubmission // job id -> submission, keyed while running at job.AssignedTo

	exclusionMu sync.Mutex
	excluded    map[string]time.Time // executor id -> grace-window expiry
}

// New builds a Coordinator. id should be stable across restarts where
// possible (it seeds the vector clock's owner key); an empty id is
// replaced with a fresh UUID.
func New(id string, cfg config.Config, disco discovery.Discoverer, peerClient PeerClient, execClient ExecutorClient, logger zerolog.Logger) *Coordinator {
	if id == "" {
		id = uuid.NewString()
	}
	return &Coordinator{
		ID:             id,
		Clock:          vclock.New(id),
		Queue:          NewJobQueue(cfg.QueueCapacity),
		Executors:      NewExecutorRegistry(),
		Peers:          NewPeerTable(),
		Emergency:      emergency.New(),
		Events:         events.NewBus(),
		Config:         cfg,
		Discoverer:     disco,
		Peer:           peerClient,
		ExecutorCaller: execClient,
		logger:         logger.With().Str("broker_id", id).Logger(),
		waitDeadline:   30 * time.Second,
		inFlight:       make(map[string]*types.JobSubmission),
		excluded:       make(map[string]time.Time),
	}
}

// ExcludeForGraceWindow keeps SelectExecutor from choosing executorID until
// window elapses — the "failed executor excluded for a grace window"
// constraint on §4.5's redistribution, not a permanent ban.
func (c *Coordinator) ExcludeForGraceWindow(executorID string, window time.Duration) {
	c.exclusionMu.Lock()
	defer c.exclusionMu.Unlock()
	c.excluded[executorID] = time.Now().Add(window)
}

// publish emits an event on the coordinator's bus, if one is installed. New
// always installs one, but tests and zero-value coordinators may not.
func (c *Coordinator) publish(typ events.EventType, message string, metadata map[string]string) {
	if c.Events == nil {
		return
	}
	c.Events.Publish(&events.Event{Type: typ, Message: message, Metadata: metadata})
}

func (c *Coordinator) persistJob(job *types.JobSubmission) {
	if c.Store == nil {
		return
	}
	if err := c.Store.SaveJob(job); err != nil {
		c.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("failed to persist job")
	}
}

func (c *Coordinator) forgetPersistedJob(jobID string) {
	if c.Store == nil {
		return
	}
	if err := c.Store.DeleteJob(jobID); err != nil {
		c.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to delete persisted job")
	}
}

func (c *Coordinator) persistExecutor(rec *types.ExecutorRecord) {
	if c.Store == nil {
		return
	}
	if err := c.Store.SaveExecutor(rec); err != nil {
		c.logger.Warn().Err(err).Str("executor_id", rec.ID).Msg("failed to persist executor record")
	}
}

func (c *Coordinator) isExcluded(executorID string) bool {
	c.exclusionMu.Lock()
	defer c.exclusionMu.Unlock()
	expiry, ok := c.excluded[executorID]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(c.excluded, executorID)
		return false
	}
	return true
}

// SubmitJob implements §4.3.1: classify, score, enqueue, acknowledge with a
// clock snapshot. The queue-saturated failure path never ticks the clock.
func (c *Coordinator) SubmitJob(jobID string, info types.JobInfo, userPriority int) (map[string]uint64, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}

	isEmergency, kind, level := classifyEmergency(info, c.effectiveKeywords())

	deadlineUrgency := deadlineUrgency(info.Deadline)
	weight := float64(len(info.Payload))

	score := PriorityScore(c.Config.PriorityWeights, isEmergency, level, kind, userPriority, deadlineUrgency, weight)

	if c.Queue.Len() >= c.Queue.capacity {
		metrics.JobsSubmittedTotal.WithLabelValues("rejected").Inc()
		c.publish(events.EventJobRejected, types.ErrQueueSaturated.Error(), map[string]string{"job_id": jobID})
		return nil, types.ErrQueueSaturated
	}

	c.Clock.Tick()
	snapshot := c.Clock.Snapshot()

	job := &types.JobSubmission{
		JobID:           jobID,
		Info:            info,
		SubmittedAt:     time.Now(),
		SubmissionClock: snapshot,
		IsEmergency:     isEmergency,
		EmergencyKind:   kind,
		EmergencyLevel:  level,
		PriorityScore:   score,
		UserPriority:    userPriority,
		DeadlineUrgency: deadlineUrgency,
		Weight:          weight,
	}

	if err := c.Queue.Push(job); err != nil {
		metrics.JobsSubmittedTotal.WithLabelValues("rejected").Inc()
		c.publish(events.EventJobRejected, err.Error(), map[string]string{"job_id": jobID})
		return nil, err
	}
	metrics.JobsSubmittedTotal.WithLabelValues("accepted").Inc()
	metrics.QueueDepth.WithLabelValues(string(level)).Set(float64(c.Queue.Len()))
	c.publish(events.EventJobSubmitted, "job accepted into queue", map[string]string{"job_id": jobID})
	c.persistJob(job)

	return snapshot, nil
}

func (c *Coordinator) effectiveKeywords() map[string]string {
	if len(c.Config.EmergencyKeywords) > 0 {
		return c.Config.EmergencyKeywords
	}
	return config.DefaultEmergencyKeywords()
}

func deadlineUrgency(deadline *time.Time) float64 {
	if deadline == nil {
		return 0
	}
	remaining := time.Until(*deadline)
	if remaining <= 0 {
		return 1
	}
	if remaining > time.Hour {
		return 0
	}
	return 1 - (float64(remaining) / float64(time.Hour))
}

// PriorityScore implements §4.3.4's deterministic scoring function.
func PriorityScore(weights config.PriorityWeights, isEmergency bool, level types.EmergencyLevel, kind string, userPriority int, deadlineUrgency, weight float64) float64 {
	base := float64(userPriority) + weights.DeadlineWeight*deadlineUrgency + weights.WeightFactor*weight
	if !isEmergency {
		return base
	}
	mult := weights.EmergencyMultiplier[string(level)]
	if mult == 0 {
		mult = 1
	}
	bonus := weights.KindBonus[kind]
	return base*mult + bonus
}

// SelectExecutor implements §4.3.3: among executors satisfying the job's
// capability requirement and currently HEALTHY, prefer (a) not in emergency
// mode unless the job itself is an emergency, (b) lowest running-job count,
// (c) lexicographically smallest id.
func (c *Coordinator) SelectExecutor(job *types.JobSubmission) (*types.ExecutorRecord, bool) {
	snapshot := c.Executors.Snapshot()
	var candidates []*types.ExecutorRecord
	for _, rec := range snapshot {
		if rec.Health != types.HealthHealthy {
			continue
		}
		if c.isExcluded(rec.ID) {
			continue
		}
		if !job.Info.Capabilities.Satisfies(rec.Capabilities) {
			continue
		}
		candidates = append(candidates, rec)
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !job.IsEmergency && a.EmergencyMode != b.EmergencyMode {
			return !a.EmergencyMode
		}
		if a.RunningJobs != b.RunningJobs {
			return a.RunningJobs < b.RunningJobs
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

// DispatchHeadOfQueue attempts to dispatch the head-of-queue job to a
// suitable executor. It returns (true, nil) when the job was sent, (false,
// nil) when no candidate exists yet and the job must remain queued, and a
// non-nil error only for the deadline-elapsed no-capable-executor case.
func (c *Coordinator) DispatchHeadOfQueue(ctx context.Context) (bool, error) {
	job, ok := c.Queue.Peek()
	if !ok {
		return false, nil
	}

	rec, ok := c.SelectExecutor(job)
	if !ok {
		if time.Since(job.SubmittedAt) > c.waitDeadline {
			c.Queue.Remove(job.JobID)
			return false, types.ErrNoCapableExecutor
		}
		return false, nil
	}

	c.Queue.Pop()
	c.Clock.Tick()
	env := causal.Wrap(c.Clock, c.ID, causal.KindNormal, nil, nil)

	if c.ExecutorCaller != nil {
		if err := c.ExecutorCaller.SubmitJob(ctx, rec.Endpoint, env, job.JobID, job.Info, job.IsEmergency); err != nil {
			c.logger.Warn().Err(err).Str("executor_id", rec.ID).Str("job_id", job.JobID).Msg("dispatch failed, requeueing")
			_ = c.Queue.Push(job)
			return false, nil
		}
	}

	job.AssignedTo = rec.ID
	c.inFlightMu.Lock()
	c.inFlight[job.JobID] = job
	c.inFlightMu.Unlock()

	metrics.JobsDispatchedTotal.Inc()
	c.publish(events.EventJobDispatched, "job dispatched to executor", map[string]string{"job_id": job.JobID, "executor_id": rec.ID})
	return true, nil
}

// JobsAssignedTo returns every in-flight job currently assigned to
// executorID, used by the recovery manager to find orphans when an
// executor is declared failed.
func (c *Coordinator) JobsAssignedTo(executorID string) []*types.JobSubmission {
	c.inFlightMu.Lock()
	defer c.inFlightMu.Unlock()
	var out []*types.JobSubmission
	for _, job := range c.inFlight {
		if job.AssignedTo == executorID {
			out = append(out, job)
		}
	}
	return out
}

// Requeue puts an orphaned job back at the head of the ordering (subject to
// its existing priority) for redispatch, dropping it from the in-flight
// table. The caller is responsible for excluding the failed executor from
// SelectExecutor's view for the grace window.
func (c *Coordinator) Requeue(job *types.JobSubmission) error {
	c.inFlightMu.Lock()
	delete(c.inFlight, job.JobID)
	c.inFlightMu.Unlock()

	job.AssignedTo = ""
	metrics.JobsRedispatchedTotal.Inc()
	return c.Queue.Push(job)
}

// ForgetJob drops jobID from the in-flight table once its result has been
// accepted, so a later executor failure doesn't try to redispatch it.
func (c *Coordinator) ForgetJob(jobID string) {
	c.inFlightMu.Lock()
	delete(c.inFlight, jobID)
	c.inFlightMu.Unlock()
	c.forgetPersistedJob(jobID)
}

// JobStatusKind is GET /jobs/{id}'s coarse status value.
type JobStatusKind string

const (
	JobStatusQueued     JobStatusKind = "queued"
	JobStatusDispatched JobStatusKind = "dispatched"
	JobStatusUnknown    JobStatusKind = "unknown"
)

// JobStatus reports this broker's coarse view of a job: still queued,
// dispatched to an executor (result ownership passes to the executor from
// here), or unknown to this broker.
func (c *Coordinator) JobStatus(jobID string) (JobStatusKind, *types.JobSubmission) {
	if job, ok := c.Queue.Lookup(jobID); ok {
		return JobStatusQueued, job
	}
	c.inFlightMu.Lock()
	job, ok := c.inFlight[jobID]
	c.inFlightMu.Unlock()
	if ok {
		return JobStatusDispatched, job
	}
	return JobStatusUnknown, nil
}

// dispatchLoop repeatedly attempts to drain the head of queue; it is the
// broker-side analogue of the executor's pump.
func (c *Coordinator) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				dispatched, err := c.DispatchHeadOfQueue(ctx)
				if err != nil {
					c.logger.Warn().Err(err).Msg("job dropped: no capable executor within deadline")
					continue
				}
				if !dispatched {
					break
				}
			}
		}
	}
}

// LoadFromStore repopulates the queue and executor registry from c.Store,
// for recovering a broker's in-memory state across a restart. A nil Store
// makes this a no-op.
func (c *Coordinator) LoadFromStore() error {
	if c.Store == nil {
		return nil
	}
	jobs, err := c.Store.ListJobs()
	if err != nil {
		return err
	}
	for _, job := range jobs {
		job.AssignedTo = ""
		if err := c.Queue.Push(job); err != nil {
			c.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("dropping persisted job on reload, queue full")
			c.forgetPersistedJob(job.JobID)
		}
	}

	recs, err := c.Store.ListExecutors()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		// Reloaded executors haven't sent a heartbeat yet this run; treat
		// them as SUSPECT until one arrives and promotes them to HEALTHY.
		rec.Health = types.HealthSuspect
		c.Executors.Upsert(rec)
	}
	return nil
}

// Run starts the discovery loop, sync loop, and dispatch loop, all
// cancellable via ctx.
func (c *Coordinator) Run(ctx context.Context) {
	go c.discoveryLoop(ctx)
	go c.syncLoop(ctx)
	go c.dispatchLoop(ctx)
}

// RegisterExecutor implements the executor-registration side of §6's
// PUT /executors/register/{id}: insert or refresh the record and return the
// broker's clock snapshot.
func (c *Coordinator) RegisterExecutor(id, endpoint string, caps types.Capabilities) map[string]uint64 {
	c.Clock.Tick()
	rec := &types.ExecutorRecord{
		ID:            id,
		Endpoint:      endpoint,
		Capabilities:  caps,
		LastHeartbeat: time.Now(),
		LastClock:     c.Clock.Snapshot(),
		Health:        types.HealthHealthy,
	}
	c.Executors.Upsert(rec)
	c.publish(events.EventExecutorJoined, "executor registered", map[string]string{"executor_id": id})
	c.persistExecutor(rec)
	return c.Clock.Snapshot()
}

// Heartbeat refreshes an executor's liveness and reported state.
func (c *Coordinator) Heartbeat(id string, caps types.Capabilities, executorClock map[string]uint64, emergencyMode bool, runningJobs int) error {
	c.Clock.Merge(executorClock)
	rec, ok := c.Executors.Get(id)
	if !ok {
		return types.ErrUnknownExecutor
	}
	rec.Capabilities = caps
	rec.LastHeartbeat = time.Now()
	rec.LastClock = c.Clock.Snapshot()
	rec.EmergencyMode = emergencyMode
	rec.RunningJobs = runningJobs
	if rec.Health != types.HealthFailed {
		rec.Health = types.HealthHealthy
	}
	c.persistExecutor(rec)
	return nil
}

// DeclareEmergency implements the fleet-emergency declaration half of §4.5:
// tick, install locally, and let the next sync cycle propagate it.
func (c *Coordinator) DeclareEmergency(kind string, level types.EmergencyLevel) {
	c.Clock.Tick()
	lvl, _ := causal.ParseEmergencyLevel(string(level))
	ctx := &causal.EmergencyContext{
		Kind:       kind,
		Level:      lvl,
		DetectedAt: time.Now(),
		Clock:      c.Clock.Snapshot(),
	}
	c.Emergency.Declare(ctx)
	metrics.EmergencyLevel.Set(float64(lvl) + 1)
	c.publish(events.EventEmergencyRaised, "fleet emergency declared", map[string]string{"kind": kind, "level": string(level)})
}

// ClearEmergency implements the symmetric clear.
func (c *Coordinator) ClearEmergency() {
	c.Clock.Tick()
	c.Emergency.Clear()
	metrics.EmergencyLevel.Set(0)
	c.publish(events.EventEmergencyClear, "fleet emergency cleared", nil)
}

// Status implements the diagnostic §6 GET /broker/coordination-status shape.
type Status struct {
	BrokerID  string                     `json:"broker_id"`
	Clock     map[string]uint64          `json:"clock"`
	Peers     map[string]string          `json:"peers"`
	Executors map[string]*types.ExecutorRecord `json:"executors"`
	Emergency *causal.EmergencyContext   `json:"emergency,omitempty"`
	QueueDepth int                       `json:"queue_depth"`
}

// CoordinationStatus builds the diagnostic status snapshot.
func (c *Coordinator) CoordinationStatus() Status {
	peers := c.Peers.Snapshot()
	peerHealth := make(map[string]string, len(peers))
	for id := range peers {
		peerHealth[id] = "known"
	}
	em, _ := c.Emergency.Active()
	return Status{
		BrokerID:   c.ID,
		Clock:      c.Clock.Snapshot(),
		Peers:      peerHealth,
		Executors:  c.Executors.Snapshot(),
		Emergency:  em,
		QueueDepth: c.Queue.Len(),
	}
}
