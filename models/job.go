package models

import (
	"time"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// ParseJobStatus validates a status string coming from outside the process.
func ParseJobStatus(s string) (JobStatus, bool) {
	switch JobStatus(s) {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return JobStatus(s), true
	}
	return "", false
}

// IsTerminal reports whether no further mutation may happen in this status.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether next is a legal successor of s.
// pending may fail directly when nothing has been processed yet.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// ExtractionJob represents one question-extraction job for a submitted document
type ExtractionJob struct {
	ID                 string              `json:"id"`
	SourceName         string              `json:"source_name"`
	Status             JobStatus           `json:"status"`
	Progress           float64             `json:"progress"`
	TotalPages         int                 `json:"total_pages"`
	ProcessedPages     int                 `json:"processed_pages"`
	ExtractedQuestions []ExtractedQuestion `json:"extracted_questions"`
	Errors             []ProcessingError   `json:"errors,omitempty"`
	StartedAt          time.Time           `json:"started_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	CompletedAt        *time.Time          `json:"completed_at,omitempty"`
	ProcessingNode     string              `json:"processing_node,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with j.
func (j ExtractionJob) Clone() ExtractionJob {
	out := j
	out.ExtractedQuestions = make([]ExtractedQuestion, len(j.ExtractedQuestions))
	for i, q := range j.ExtractedQuestions {
		out.ExtractedQuestions[i] = q.Clone()
	}
	if j.Errors != nil {
		out.Errors = append([]ProcessingError(nil), j.Errors...)
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// SetProcessedPages updates the page counter and the derived progress.
func (j *ExtractionJob) SetProcessedPages(n int) {
	j.ProcessedPages = n
	if j.TotalPages > 0 {
		j.Progress = float64(n) / float64(j.TotalPages) * 100
	}
}

// Finish moves the job into a terminal status and stamps completedAt.
// It returns ErrJobTerminal if the job already finished.
func (j *ExtractionJob) Finish(status JobStatus, at time.Time) error {
	if err := j.Transition(status, at); err != nil {
		return err
	}
	t := at
	j.CompletedAt = &t
	return nil
}

// Transition applies a state machine step.
func (j *ExtractionJob) Transition(next JobStatus, at time.Time) error {
	if j.Status.IsTerminal() {
		return ErrJobTerminal
	}
	if !j.Status.CanTransitionTo(next) {
		return &TransitionError{From: j.Status, To: next}
	}
	j.Status = next
	j.UpdatedAt = at
	return nil
}
