package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/urbanfleet/dispatch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketResults   = []byte("results")
	bucketJobs      = []byte("jobs")
	bucketExecutors = []byte("executors")
)

// BoltStore implements Store on top of an embedded BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "dispatch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketResults, bucketJobs, bucketExecutors} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveResult persists an accepted result, keyed by job id.
func (s *BoltStore) SaveResult(result *types.ResultRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return b.Put([]byte(result.JobID), data)
	})
}

// GetResult fetches a previously saved result.
func (s *BoltStore) GetResult(jobID string) (*types.ResultRecord, error) {
	var result types.ResultRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		data := b.Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("result not found: %s", jobID)
		}
		return json.Unmarshal(data, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ListResults returns every saved result.
func (s *BoltStore) ListResults() ([]*types.ResultRecord, error) {
	var results []*types.ResultRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketResults)
		return b.ForEach(func(k, v []byte) error {
			var result types.ResultRecord
			if err := json.Unmarshal(v, &result); err != nil {
				return err
			}
			results = append(results, &result)
			return nil
		})
	})
	return results, err
}

// DeleteResult removes a saved result, e.g. once its retention window lapses.
func (s *BoltStore) DeleteResult(jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResults).Delete([]byte(jobID))
	})
}

// SaveJob persists a queued or dispatched job submission.
func (s *BoltStore) SaveJob(job *types.JobSubmission) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.JobID), data)
	})
}

// GetJob fetches a previously saved job.
func (s *BoltStore) GetJob(jobID string) (*types.JobSubmission, error) {
	var job types.JobSubmission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return fmt.Errorf("job not found: %s", jobID)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns every saved job submission.
func (s *BoltStore) ListJobs() ([]*types.JobSubmission, error) {
	var jobs []*types.JobSubmission
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.JobSubmission
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	return jobs, err
}

// DeleteJob removes a saved job, e.g. once it reaches a terminal state.
func (s *BoltStore) DeleteJob(jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(jobID))
	})
}

// SaveExecutor persists the broker's latest view of an executor record.
func (s *BoltStore) SaveExecutor(rec *types.ExecutorRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

// ListExecutors returns every saved executor record.
func (s *BoltStore) ListExecutors() ([]*types.ExecutorRecord, error) {
	var recs []*types.ExecutorRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketExecutors)
		return b.ForEach(func(k, v []byte) error {
			var rec types.ExecutorRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}
