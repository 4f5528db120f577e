// Package executor runs dispatched jobs to completion, accepting results
// under a strict first-come-first-served rule and deciding which pending
// job to run next via a pluggable conflict-resolution strategy.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/urbanfleet/dispatch/pkg/causal"
	"github.com/urbanfleet/dispatch/pkg/config"
	"github.com/urbanfleet/dispatch/pkg/emergency"
	"github.com/urbanfleet/dispatch/pkg/events"
	"github.com/urbanfleet/dispatch/pkg/metrics"
	"github.com/urbanfleet/dispatch/pkg/sandbox"
	store "github.com/urbanfleet/dispatch/pkg/store"
	"github.com/urbanfleet/dispatch/pkg/types"
	"github.com/urbanfleet/dispatch/pkg/vclock"
)

// BrokerNotifier is how an Executor tells its owning broker a job reached a
// terminal state (§4.4.4); implemented over HTTP/JSON by pkg/transport.
type BrokerNotifier interface {
	NotifyJobCompleted(ctx context.Context, jobID string)
	NotifyJobFailed(ctx context.Context, jobID string, reason string)
}

// Executor is the executor's NodeContext-style aggregate.
type Executor struct {
	ID    string
	Clock *vclock.Clock

	mu        sync.Mutex
	running   map[string]*types.JobSubmission
	completed map[string]struct{}
	rejected  map[string]struct{}
	results   map[string]*types.ResultRecord

	emergencyQueue []*types.JobSubmission
	normalQueue    []*types.JobSubmission

	Sandbox  sandbox.Sandbox
	Notifier BrokerNotifier
	Emergency *emergency.State
	Events    *events.Bus

	// Store persists accepted results so that, after a restart, Result can
	// still return results for jobs finished before the restart. A nil Store
	// (the default) disables persistence.
	Store store.Store

	strategy         Selector
	maxConcurrent    int
	inFlightCancel   map[string]context.CancelFunc

	logger zerolog.Logger
}

// New builds an Executor with the CAUSAL strategy and the configured
// concurrency cap.
func New(id string, cfg config.Config, sb sandbox.Sandbox, notifier BrokerNotifier, logger zerolog.Logger) *Executor {
	return &Executor{
		ID:             id,
		Clock:          vclock.New(id),
		running:        make(map[string]*types.JobSubmission),
		completed:      make(map[string]struct{}),
		rejected:       make(map[string]struct{}),
		results:        make(map[string]*types.ResultRecord),
		Sandbox:        sb,
		Notifier:       notifier,
		Emergency:      emergency.New(),
		Events:         events.NewBus(),
		strategy:       CausalSelector{},
		maxConcurrent:  cfg.MaxConcurrentJobs,
		inFlightCancel: make(map[string]context.CancelFunc),
		logger:         logger.With().Str("executor_id", id).Logger(),
	}
}

// publish emits an event on the executor's bus, if one is installed.
func (e *Executor) publish(typ events.EventType, message string, metadata map[string]string) {
	if e.Events == nil {
		return
	}
	e.Events.Publish(&events.Event{Type: typ, Message: message, Metadata: metadata})
}

// SetStrategy installs the named conflict-resolution strategy; the default
// is CAUSAL.
func (e *Executor) SetStrategy(strategy config.ConflictStrategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategy = SelectorFor(strategy)
}

// ReceiveJob implements §4.4.1: tick, reject duplicates across all three
// job sets, queue by emergency class, and run the dispatch pump.
func (e *Executor) ReceiveJob(ctx context.Context, jobID string, info types.JobInfo, isEmergency bool, submissionClock map[string]uint64) error {
	e.mu.Lock()
	e.Clock.Tick()

	if _, ok := e.running[jobID]; ok {
		e.mu.Unlock()
		return types.ErrDuplicateSubmission
	}
	if _, ok := e.completed[jobID]; ok {
		e.mu.Unlock()
		return types.ErrDuplicateSubmission
	}
	if _, ok := e.rejected[jobID]; ok {
		e.mu.Unlock()
		return types.ErrDuplicateSubmission
	}

	submission := types.JobSubmission{
		JobID:           jobID,
		Info:            info,
		SubmittedAt:     time.Now(),
		SubmissionClock: submissionClock,
		IsEmergency:     isEmergency,
	}

	if isEmergency {
		e.emergencyQueue = append(e.emergencyQueue, &submission)
	} else {
		e.normalQueue = append(e.normalQueue, &submission)
	}
	e.mu.Unlock()

	e.pump(ctx)
	return nil
}

// SubmitResult implements §4.4.2, the single externally-mandated FCFS
// invariant: merge the sender's clock, tick, then — serialized under the
// executor's own lock — accept only the first result for a given job id.
func (e *Executor) SubmitResult(ctx context.Context, jobID string, result []byte, senderID string, senderClock map[string]uint64) (string, error) {
	e.Clock.Merge(senderClock)
	e.Clock.Tick()

	e.mu.Lock()
	if _, ok := e.results[jobID]; ok {
		e.mu.Unlock()
		metrics.ResultsRejectedTotal.WithLabelValues("already-accepted").Inc()
		return "already-accepted", types.ErrAlreadyAccepted
	}

	record := &types.ResultRecord{
		JobID:       jobID,
		Result:      result,
		ExecutorID:  senderID,
		CompletedAt: time.Now(),
		Clock:       e.Clock.Snapshot(),
	}
	e.results[jobID] = record
	delete(e.running, jobID)
	e.completed[jobID] = struct{}{}
	if cancel, ok := e.inFlightCancel[jobID]; ok {
		cancel()
		delete(e.inFlightCancel, jobID)
	}
	e.mu.Unlock()

	metrics.ResultsAcceptedTotal.Inc()
	e.publish(events.EventJobCompleted, "result accepted", map[string]string{"job_id": jobID, "executor_id": senderID})
	if e.Store != nil {
		if err := e.Store.SaveResult(record); err != nil {
			e.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to persist result")
		}
	}
	if e.Notifier != nil {
		e.Notifier.NotifyJobCompleted(ctx, jobID)
	}
	e.pump(ctx)
	return "accepted", nil
}

// pump implements §4.4.3: while capacity allows, take from the emergency
// queue first if it is non-empty and the fleet emergency is HIGH/CRITICAL
// (or local emergency mode is set), otherwise apply the active strategy.
func (e *Executor) pump(ctx context.Context) {
	for {
		e.mu.Lock()
		if len(e.running) >= e.maxConcurrent {
			e.mu.Unlock()
			return
		}

		em, emergencyMode := e.Emergency.Active()
		emergencyActive := emergencyMode && em.Suppresses()

		var next *types.JobSubmission
		switch {
		case len(e.emergencyQueue) > 0 && emergencyMode:
			next = e.emergencyQueue[0]
			e.emergencyQueue = e.emergencyQueue[1:]
		case emergencyActive:
			// Emergency preemption: no non-emergency job may start while the
			// fleet emergency is HIGH/CRITICAL (invariant 6).
			e.mu.Unlock()
			return
		case len(e.normalQueue) > 0 || len(e.emergencyQueue) > 0:
			pending := append(append([]*types.JobSubmission{}, e.emergencyQueue...), e.normalQueue...)
			next = e.strategy.Select(pending)
			if next == nil {
				// Strategy found nothing dispatchable yet (e.g. RESOURCE_OPTIMAL
				// with no fitting job) — leave the queue untouched.
				e.mu.Unlock()
				return
			}
			e.removeFromQueues(next.JobID)
		default:
			e.mu.Unlock()
			return
		}

		e.Clock.Tick()
		e.running[next.JobID] = next
		var runCtx context.Context
		var cancel context.CancelFunc
		if next.Info.Deadline != nil {
			runCtx, cancel = context.WithDeadline(ctx, *next.Info.Deadline)
		} else {
			runCtx, cancel = context.WithCancel(ctx)
		}
		e.inFlightCancel[next.JobID] = cancel
		e.mu.Unlock()

		go e.runInSandbox(runCtx, next)
	}
}

func (e *Executor) removeFromQueues(jobID string) {
	e.emergencyQueue = removeJob(e.emergencyQueue, jobID)
	e.normalQueue = removeJob(e.normalQueue, jobID)
}

func removeJob(queue []*types.JobSubmission, jobID string) []*types.JobSubmission {
	for i, j := range queue {
		if j.JobID == jobID {
			return append(queue[:i], queue[i+1:]...)
		}
	}
	return queue
}

// runInSandbox invokes the sandbox collaborator and routes the outcome
// through Complete or Fail per §4.4.4.
func (e *Executor) runInSandbox(ctx context.Context, job *types.JobSubmission) {
	result, err := e.Sandbox.Run(ctx, job.Info)
	if err != nil {
		e.Fail(ctx, job.JobID, err)
		return
	}
	e.Complete(ctx, job.JobID, result)
}

// Complete reports a job's successful sandbox completion by calling
// SubmitResult locally (no network hop for the executor's own result).
func (e *Executor) Complete(ctx context.Context, jobID string, result []byte) {
	e.Clock.Tick()
	_, _ = e.SubmitResult(ctx, jobID, result, e.ID, e.Clock.Snapshot())
}

// Fail implements the sandbox-error half of §4.4.4: tick, notify the owning
// broker, and leave no ResultRecord so the broker may redispatch.
func (e *Executor) Fail(ctx context.Context, jobID string, cause error) {
	e.Clock.Tick()

	e.mu.Lock()
	delete(e.running, jobID)
	delete(e.inFlightCancel, jobID)
	e.rejected[jobID] = struct{}{}
	e.mu.Unlock()

	e.publish(events.EventJobFailed, cause.Error(), map[string]string{"job_id": jobID})
	if e.Notifier != nil {
		e.Notifier.NotifyJobFailed(ctx, jobID, cause.Error())
	}
	e.pump(ctx)
}

// InstallEmergency applies a fleet emergency context arriving directly or
// via the owning broker's sync, and runs the pump so any now-permitted
// preemption takes effect immediately.
func (e *Executor) InstallEmergency(ctx context.Context, candidate *causal.EmergencyContext) {
	if e.Emergency.Install(candidate) {
		e.pump(ctx)
	}
}

// ClearEmergency drops the active emergency and resumes normal admission.
func (e *Executor) ClearEmergency(ctx context.Context) {
	e.Emergency.Clear()
	e.pump(ctx)
}

// Status implements the diagnostic §6 GET /status shape.
type Status struct {
	ExecutorID string            `json:"executor_id"`
	Clock      map[string]uint64 `json:"clock"`
	Running    []string          `json:"running"`
	Emergency  bool              `json:"emergency_mode"`
}

// StatusSnapshot returns the executor's current diagnostic status.
func (e *Executor) StatusSnapshot() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	running := make([]string, 0, len(e.running))
	for id := range e.running {
		running = append(running, id)
	}
	_, emergencyActive := e.Emergency.Active()
	return Status{
		ExecutorID: e.ID,
		Clock:      e.Clock.Snapshot(),
		Running:    running,
		Emergency:  emergencyActive,
	}
}

// Result returns the accepted ResultRecord for jobID, if any, falling back
// to the persistent store for results accepted before a restart.
func (e *Executor) Result(jobID string) (*types.ResultRecord, bool) {
	e.mu.Lock()
	rec, ok := e.results[jobID]
	e.mu.Unlock()
	if ok {
		return rec, true
	}
	if e.Store == nil {
		return nil, false
	}
	rec, err := e.Store.GetResult(jobID)
	if err != nil {
		return nil, false
	}
	return rec, true
}
