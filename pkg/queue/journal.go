package queue

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Journal persists jobs in pebble so redelivery survives a process restart.
// A job lives in the pending set from enqueue until it is acked (handler
// success) or buried (attempts exhausted); buried jobs move to the dead set
// for offline inspection.
type Journal struct {
	db *pebble.DB
}

// keys: p:<jobID> pending, d:<jobID> dead
func kPending(id string) []byte { return append([]byte("p:"), id...) }
func kDead(id string) []byte    { return append([]byte("d:"), id...) }

func OpenJournal(path string) (*Journal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open job journal at %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error { return j.db.Close() }

// SavePending writes or rewrites a job in the pending set. Called on
// enqueue and again on each retry so the attempt counter is durable.
func (j *Journal) SavePending(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := j.db.Set(kPending(job.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save pending job: %w", err)
	}
	return nil
}

// Ack removes a completed job from the pending set.
func (j *Journal) Ack(jobID string) error {
	if err := j.db.Delete(kPending(jobID), pebble.Sync); err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Bury moves a job whose attempts are exhausted into the dead set.
func (j *Journal) Bury(job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(kPending(job.ID), nil); err != nil {
		return err
	}
	if err := batch.Set(kDead(job.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("bury job: %w", err)
	}
	return nil
}

// PendingJobs returns every job still in the pending set.
func (j *Journal) PendingJobs() ([]*Job, error) {
	return j.scan([]byte("p:"))
}

// DeadJobs returns every abandoned job.
func (j *Journal) DeadJobs() ([]*Job, error) {
	return j.scan([]byte("d:"))
}

func (j *Journal) scan(prefix []byte) ([]*Job, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var jobs []*Job
	for iter.First(); iter.Valid(); iter.Next() {
		var job Job
		if err := json.Unmarshal(iter.Value(), &job); err != nil {
			continue // skip corrupt entries
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func keyUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
