package storage

import (
	"github.com/urbanfleet/dispatch/pkg/types"
)

// Store persists the state a broker or executor needs to survive a
// restart. Persistence is an optional extension: nothing in pkg/broker or
// pkg/executor requires a Store to function, and every caller that
// accepts one treats a nil Store as a no-op.
type Store interface {
	// Results
	SaveResult(result *types.ResultRecord) error
	GetResult(jobID string) (*types.ResultRecord, error)
	ListResults() ([]*types.ResultRecord, error)
	DeleteResult(jobID string) error

	// Jobs
	SaveJob(job *types.JobSubmission) error
	GetJob(jobID string) (*types.JobSubmission, error)
	ListJobs() ([]*types.JobSubmission, error)
	DeleteJob(jobID string) error

	// Executors
	SaveExecutor(rec *types.ExecutorRecord) error
	ListExecutors() ([]*types.ExecutorRecord, error)

	Close() error
}
