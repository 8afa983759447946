package repository

import (
	"fmt"
	"sync"
	"time"

	"docpipe/internal/models"
)

// ProgressStore is the single, process-wide store of per-job progress
// snapshots. Exactly one instance is created at startup and shared by every
// request handler and every worker; a handler-local copy would never see
// updates written by workers serving other requests.
type ProgressStore struct {
	mu        sync.RWMutex
	snapshots map[string]models.ProgressSnapshot
}

// NewProgressStore creates an empty progress store
func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		snapshots: make(map[string]models.ProgressSnapshot),
	}
}

// Publish atomically replaces the snapshot for a job. Snapshots must keep
// current <= total and must not move current backwards.
func (s *ProgressStore) Publish(snap models.ProgressSnapshot) error {
	if snap.JobID == "" {
		return fmt.Errorf("progress snapshot missing job id")
	}
	if snap.Current < 0 || snap.Total < 0 || snap.Current > snap.Total {
		return fmt.Errorf("invalid progress %d/%d for job %s", snap.Current, snap.Total, snap.JobID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.snapshots[snap.JobID]; ok && snap.Current < prev.Current {
		return fmt.Errorf("progress regression %d -> %d for job %s", prev.Current, snap.Current, snap.JobID)
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	s.snapshots[snap.JobID] = snap
	return nil
}

// Get returns the latest snapshot for a job
func (s *ProgressStore) Get(jobID string) (models.ProgressSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[jobID]
	return snap, ok
}

// Delete removes a job's snapshot. Called by the cleanup sweep.
func (s *ProgressStore) Delete(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, jobID)
}

// Len returns the number of tracked jobs
func (s *ProgressStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}
