// Package store keeps the authoritative in-memory registry of extraction jobs.
package store

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jupark12/worksheet-extractor/models"
)

// Config tunes capacity and retention. Zero values fall back to defaults.
type Config struct {
	MaxJobs   int
	Retention time.Duration
	Now       func() time.Time
	NewID     func() string
}

const (
	DefaultMaxJobs   = 1000
	DefaultRetention = time.Hour

	maxIDAttempts = 3
)

// Mutation edits a private copy of a job. Returning an error discards the copy.
type Mutation func(job *models.ExtractionJob) error

// JobStore owns every ExtractionJob. Readers always get deep copies, writers
// replace the whole record under the write lock, so a reader never sees a
// half-applied update.
type JobStore struct {
	mu        sync.RWMutex
	jobsByID  map[string]*models.ExtractionJob
	maxJobs   int
	retention time.Duration
	now       func() time.Time
	newID     func() string
}

// NewJobStore creates an empty store
func NewJobStore(cfg Config) *JobStore {
	s := &JobStore{
		jobsByID:  make(map[string]*models.ExtractionJob),
		maxJobs:   cfg.MaxJobs,
		retention: cfg.Retention,
		now:       cfg.Now,
		newID:     cfg.NewID,
	}
	if s.maxJobs <= 0 {
		s.maxJobs = DefaultMaxJobs
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = func() string { return uuid.New().String() }
	}
	return s
}

// Now is the store's clock, shared with writers so timestamps agree.
func (s *JobStore) Now() time.Time {
	return s.now()
}

// Create inserts a new pending job
func (s *JobStore) Create(sourceName string, totalPages int) (models.ExtractionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if len(s.jobsByID) >= s.maxJobs {
		s.sweepLocked(now)
		if len(s.jobsByID) >= s.maxJobs {
			return models.ExtractionJob{}, fmt.Errorf("store holds %d jobs: %w", len(s.jobsByID), models.ErrCapacity)
		}
	}

	var jobID string
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		candidate := s.newID()
		if _, taken := s.jobsByID[candidate]; !taken {
			jobID = candidate
			break
		}
	}
	if jobID == "" {
		return models.ExtractionJob{}, fmt.Errorf("no free job id after %d attempts: %w", maxIDAttempts, models.ErrCapacity)
	}

	job := &models.ExtractionJob{
		ID:                 jobID,
		SourceName:         sourceName,
		Status:             models.StatusPending,
		TotalPages:         totalPages,
		ExtractedQuestions: []models.ExtractedQuestion{},
		StartedAt:          now,
		UpdatedAt:          now,
	}
	s.jobsByID[jobID] = job

	return job.Clone(), nil
}

// Get returns a snapshot of a job
func (s *JobStore) Get(jobID string) (models.ExtractionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobsByID[jobID]
	if !exists {
		return models.ExtractionJob{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return job.Clone(), nil
}

// Update applies mutate to a copy of the job and swaps it in if mutate and the
// record invariants both accept it. Terminal jobs refuse every mutation.
func (s *JobStore) Update(jobID string, mutate Mutation) (models.ExtractionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.jobsByID[jobID]
	if !exists {
		return models.ExtractionJob{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if current.Status.IsTerminal() {
		return current.Clone(), models.ErrJobTerminal
	}

	next := current.Clone()
	if err := mutate(&next); err != nil {
		return current.Clone(), err
	}
	if err := checkUpdate(current, &next); err != nil {
		return current.Clone(), err
	}
	if !next.UpdatedAt.After(current.UpdatedAt) {
		next.UpdatedAt = s.now()
	}

	s.jobsByID[jobID] = &next
	return next.Clone(), nil
}

// Remove evicts a job; unknown ids are ignored.
func (s *JobStore) Remove(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobsByID, jobID)
}

// List returns snapshots of all jobs, or of one status when status is set,
// most recent first.
func (s *JobStore) List(status models.JobStatus) []models.ExtractionJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]models.ExtractionJob, 0, len(s.jobsByID))
	for _, job := range s.jobsByID {
		if status != "" && job.Status != status {
			continue
		}
		jobs = append(jobs, job.Clone())
	}

	slices.SortFunc(jobs, func(a, b models.ExtractionJob) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return jobs
}

// Len returns the number of stored jobs
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobsByID)
}

// Sweep evicts terminal jobs whose retention expired at now and returns how
// many were removed.
func (s *JobStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(now)
}

func (s *JobStore) sweepLocked(now time.Time) int {
	evicted := 0
	for id, job := range s.jobsByID {
		if !job.Status.IsTerminal() || job.CompletedAt == nil {
			continue
		}
		if now.Sub(*job.CompletedAt) >= s.retention {
			delete(s.jobsByID, id)
			evicted++
		}
	}
	return evicted
}

// checkUpdate rejects mutations that would break the record's invariants.
func checkUpdate(prev, next *models.ExtractionJob) error {
	switch {
	case next.ID != prev.ID, next.SourceName != prev.SourceName,
		!next.StartedAt.Equal(prev.StartedAt), next.TotalPages != prev.TotalPages:
		return fmt.Errorf("job %s: immutable field changed", prev.ID)
	case next.Status != prev.Status && !prev.Status.CanTransitionTo(next.Status):
		return &models.TransitionError{From: prev.Status, To: next.Status}
	case next.ProcessedPages < prev.ProcessedPages || next.ProcessedPages > next.TotalPages:
		return fmt.Errorf("job %s: processed pages %d out of range [%d,%d]",
			prev.ID, next.ProcessedPages, prev.ProcessedPages, next.TotalPages)
	case next.Progress < prev.Progress:
		return fmt.Errorf("job %s: progress moved backwards", prev.ID)
	case len(next.ExtractedQuestions) < len(prev.ExtractedQuestions):
		return fmt.Errorf("job %s: extracted questions are append-only", prev.ID)
	case len(next.Errors) < len(prev.Errors):
		return fmt.Errorf("job %s: errors are append-only", prev.ID)
	case next.Status.IsTerminal() && next.CompletedAt == nil:
		return fmt.Errorf("job %s: terminal status without completion time", prev.ID)
	}
	for i := range prev.ExtractedQuestions {
		if next.ExtractedQuestions[i].ID != prev.ExtractedQuestions[i].ID {
			return fmt.Errorf("job %s: extracted question %d rewritten", prev.ID, i)
		}
	}
	return nil
}
