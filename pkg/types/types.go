// Package types holds the data model shared across the coordination engine:
// job descriptors, queue entries, registry records, and the broker sync
// payload. Job payloads are opaque to the core — a byte blob plus a
// capability requirement record — per the design note on dropping dynamic
// typing from the original system.
package types

import "time"

// CapabilitiesRequired describes what an executor must support to run a job.
type CapabilitiesRequired struct {
	Tags       []string          `json:"tags,omitempty"`
	MinCPU     float64           `json:"min_cpu,omitempty"`
	MinMemory  int64             `json:"min_memory,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Satisfies reports whether a set of offered capability tags/attributes
// covers this requirement.
func (c *CapabilitiesRequired) Satisfies(offered Capabilities) bool {
	if c == nil {
		return true
	}
	tagSet := make(map[string]struct{}, len(offered.Tags))
	for _, t := range offered.Tags {
		tagSet[t] = struct{}{}
	}
	for _, want := range c.Tags {
		if _, ok := tagSet[want]; !ok {
			return false
		}
	}
	if offered.CPU < c.MinCPU || offered.Memory < c.MinMemory {
		return false
	}
	for k, v := range c.Attributes {
		if offered.Attributes[k] != v {
			return false
		}
	}
	return true
}

// Capabilities is what an executor reports about itself on registration and
// every heartbeat.
type Capabilities struct {
	Tags       []string          `json:"tags,omitempty"`
	CPU        float64           `json:"cpu"`
	Memory     int64             `json:"memory"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// JobInfo is the opaque-to-core descriptor of work: a byte payload plus what
// capabilities are required to run it and any job ids it depends on.
type JobInfo struct {
	Payload      []byte               `json:"payload"`
	Capabilities CapabilitiesRequired `json:"capabilities"`
	DependsOn    []string             `json:"depends_on,omitempty"`
	Deadline     *time.Time           `json:"deadline,omitempty"`
}

// EmergencyLevel mirrors causal.EmergencyLevel as a plain string for JSON
// transport and priority-table lookups without importing pkg/causal here.
type EmergencyLevel string

const (
	EmergencyLow      EmergencyLevel = "LOW"
	EmergencyMedium   EmergencyLevel = "MEDIUM"
	EmergencyHigh     EmergencyLevel = "HIGH"
	EmergencyCritical EmergencyLevel = "CRITICAL"
)

// JobSubmission is the broker's job-queue entry.
type JobSubmission struct {
	JobID           string            `json:"job_id"`
	Info            JobInfo           `json:"info"`
	SubmittedAt     time.Time         `json:"submitted_at"`
	SubmissionClock map[string]uint64 `json:"submission_clock"`
	IsEmergency     bool              `json:"is_emergency"`
	EmergencyKind   string            `json:"emergency_kind,omitempty"`
	EmergencyLevel  EmergencyLevel    `json:"emergency_level,omitempty"`
	PriorityScore   float64           `json:"priority_score"`
	UserPriority    int               `json:"user_priority"`
	DeadlineUrgency float64           `json:"deadline_urgency"`
	Weight          float64           `json:"weight"`
	AssignedTo      string            `json:"assigned_to,omitempty"`
}

// ExecutorHealth tracks the broker's view of an executor's liveness.
type ExecutorHealth string

const (
	HealthHealthy ExecutorHealth = "HEALTHY"
	HealthSuspect ExecutorHealth = "SUSPECT"
	HealthFailed  ExecutorHealth = "FAILED"
)

// ExecutorRecord is the broker-side registry entry for a known executor. It
// holds no back-pointer to the broker; executors are reached by endpoint.
type ExecutorRecord struct {
	ID             string            `json:"id"`
	Endpoint       string            `json:"endpoint"`
	Capabilities   Capabilities      `json:"capabilities"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	LastClock      map[string]uint64 `json:"last_clock"`
	EmergencyMode  bool              `json:"emergency_mode"`
	Health         ExecutorHealth    `json:"health"`
	RunningJobs    int               `json:"running_jobs"`
}

// PeerBroker is a known peer broker's id and endpoint.
type PeerBroker struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

// BrokerMetadata is the payload exchanged during broker-to-broker sync.
type BrokerMetadata struct {
	BrokerID       string                     `json:"broker_id"`
	Clock          map[string]uint64          `json:"clock"`
	Executors      map[string]*ExecutorRecord `json:"executors"`
	Peers          map[string]*PeerBroker     `json:"peers"`
	Emergency      *EmergencyPayload          `json:"emergency,omitempty"`
	JobCounts      map[string]int             `json:"job_counts"`
	SyncSeq        uint64                     `json:"sync_seq"`
}

// EmergencyPayload is the wire form of causal.EmergencyContext, kept in
// pkg/types to avoid a transport-layer dependency on pkg/causal's Go types.
type EmergencyPayload struct {
	Kind       string            `json:"kind"`
	Level      EmergencyLevel    `json:"level"`
	Location   string            `json:"location,omitempty"`
	DetectedAt time.Time         `json:"detected_at"`
	Clock      map[string]uint64 `json:"clock"`
}

// ResultRecord is the executor-side, immutable-once-stored result of a job.
type ResultRecord struct {
	JobID         string            `json:"job_id"`
	Result        []byte            `json:"result"`
	ExecutorID    string            `json:"executor_id"`
	CompletedAt   time.Time         `json:"completed_at"`
	Clock         map[string]uint64 `json:"clock"`
}
