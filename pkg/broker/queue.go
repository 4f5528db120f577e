package broker

import (
	"container/heap"
	"strings"
	"sync"

	"github.com/urbanfleet/dispatch/pkg/types"
	"github.com/urbanfleet/dispatch/pkg/vclock"
)

// isUrgent reports whether a job's emergency level belongs to the
// head-of-queue tier per §4.3.2 step 1.
func isUrgent(level types.EmergencyLevel) bool {
	return level == types.EmergencyHigh || level == types.EmergencyCritical
}

// less implements the queue ordering's three-level precedence: urgency tier,
// then priority score descending, then causal order of submission clocks,
// then submission wall-time, then job id.
func less(a, b *types.JobSubmission) bool {
	au, bu := isUrgent(a.EmergencyLevel), isUrgent(b.EmergencyLevel)
	if au != bu {
		return au
	}
	if a.PriorityScore != b.PriorityScore {
		return a.PriorityScore > b.PriorityScore
	}
	switch vclock.CompareSnapshots(a.SubmissionClock, b.SubmissionClock) {
	case vclock.Before:
		return true
	case vclock.After:
		return false
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.JobID < b.JobID
}

// jobHeap is a container/heap backing store ordered by less.
type jobHeap []*types.JobSubmission

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) { *h = append(*h, x.(*types.JobSubmission)) }
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// JobQueue is the broker's single job queue, presenting a deterministic
// total order per §4.3.2 at any instant. All mutation and peeking goes
// through the same lock, matching the "single structure, single lock"
// discipline of §5.
type JobQueue struct {
	mu       sync.Mutex
	heap     jobHeap
	capacity int
	byID     map[string]struct{}
}

// NewJobQueue builds an empty queue bounded by capacity.
func NewJobQueue(capacity int) *JobQueue {
	q := &JobQueue{capacity: capacity, byID: make(map[string]struct{})}
	heap.Init(&q.heap)
	return q
}

// Len returns the current queue depth.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Push inserts job, returning types.ErrQueueSaturated if the queue is
// already at capacity. Duplicate job ids are rejected the same way a caller
// would see a duplicate-submission at the broker.
func (q *JobQueue) Push(job *types.JobSubmission) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.capacity {
		return types.ErrQueueSaturated
	}
	if _, ok := q.byID[job.JobID]; ok {
		return types.ErrDuplicateSubmission
	}
	q.byID[job.JobID] = struct{}{}
	heap.Push(&q.heap, job)
	return nil
}

// Peek returns the head-of-queue job without removing it.
func (q *JobQueue) Peek() (*types.JobSubmission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	return q.heap[0], true
}

// Pop removes and returns the head-of-queue job.
func (q *JobQueue) Pop() (*types.JobSubmission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	job := heap.Pop(&q.heap).(*types.JobSubmission)
	delete(q.byID, job.JobID)
	return job, true
}

// Lookup returns the queued job by id without removing it.
func (q *JobQueue) Lookup(jobID string) (*types.JobSubmission, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[jobID]; !ok {
		return nil, false
	}
	for _, j := range q.heap {
		if j.JobID == jobID {
			return j, true
		}
	}
	return nil, false
}

// Remove drops job by id if present, used when a head-of-queue job is
// failed with no-capable-executor rather than dispatched.
func (q *JobQueue) Remove(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.heap {
		if j.JobID == jobID {
			heap.Remove(&q.heap, i)
			delete(q.byID, jobID)
			return
		}
	}
}

// classifyEmergency scans job_info fields for the configured keyword table,
// returning whether the job is an emergency, its kind, and a level derived
// from the strongest keyword match.
func classifyEmergency(info types.JobInfo, keywords map[string]string) (bool, string, types.EmergencyLevel) {
	haystack := string(info.Payload)
	for _, tag := range info.Capabilities.Tags {
		haystack += " " + tag
	}
	for k, v := range info.Capabilities.Attributes {
		haystack += " " + k + " " + v
	}

	var bestKind string
	level := types.EmergencyLow
	found := false
	for keyword, kind := range keywords {
		if strings.Contains(strings.ToLower(haystack), strings.ToLower(keyword)) {
			found = true
			if bestKind == "" || kindRank(kind) > kindRank(bestKind) {
				bestKind = kind
				level = levelForKind(kind)
			}
		}
	}
	return found, bestKind, level
}

func levelForKind(kind string) types.EmergencyLevel {
	switch kind {
	case "critical":
		return types.EmergencyCritical
	case "medical", "fire":
		return types.EmergencyHigh
	default:
		return types.EmergencyMedium
	}
}

func kindRank(kind string) int {
	switch kind {
	case "critical":
		return 4
	case "medical":
		return 3
	case "fire":
		return 2
	default:
		return 1
	}
}

