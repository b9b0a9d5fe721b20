package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jupark12/worksheet-extractor/models"
	"github.com/jupark12/worksheet-extractor/queue"
	"github.com/jupark12/worksheet-extractor/store"
)

const (
	DefaultStepInterval = 500 * time.Millisecond
	DefaultStartDelay   = 100 * time.Millisecond
)

var errStaleStep = errors.New("page already applied")

// Config controls the advancement cadence
type Config struct {
	StepInterval time.Duration
	StartDelay   time.Duration
}

// Worker takes pending jobs off the queue and advances them one page per tick.
// While a job is being advanced its worker is the only writer of its record,
// apart from terminal transitions made by cancellation or shutdown.
type Worker struct {
	ID         string
	Queue      *queue.JobQueue
	Store      *store.JobStore
	Extractor  Extractor
	Processing bool

	mu           sync.Mutex
	stepInterval time.Duration
	startDelay   time.Duration
	logger       *slog.Logger
	notify       func(models.ExtractionJob)
}

// NewWorker creates a new worker instance
func NewWorker(id string, q *queue.JobQueue, s *store.JobStore, ex Extractor, cfg Config, logger *slog.Logger) *Worker {
	if ex == nil {
		ex = EvenPageExtractor{}
	}
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = DefaultStepInterval
	}
	if cfg.StartDelay < 0 {
		cfg.StartDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		ID:           id,
		Queue:        q,
		Store:        s,
		Extractor:    ex,
		stepInterval: cfg.StepInterval,
		startDelay:   cfg.StartDelay,
		logger:       logger.With("worker_id", id),
		notify:       func(models.ExtractionJob) {},
	}
}

// SetNotifier registers a callback invoked with every snapshot this worker writes.
// Must be called before Run.
func (w *Worker) SetNotifier(fn func(models.ExtractionJob)) {
	if fn != nil {
		w.notify = fn
	}
}

// IsProcessing reports whether the worker is currently advancing a job
func (w *Worker) IsProcessing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Processing
}

func (w *Worker) setProcessing(v bool) {
	w.mu.Lock()
	w.Processing = v
	w.mu.Unlock()
}

// Run consumes jobs until ctx is done or the queue is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("worker starting")

	for {
		item, err := w.Queue.DequeueJob(ctx)
		if err != nil {
			w.logger.Info("worker stopping", "reason", err)
			return
		}

		w.setProcessing(true)
		w.processJob(ctx, item)
		w.setProcessing(false)
	}
}

// processJob drives a single job from pending to a terminal status, or until
// its context is cancelled.
func (w *Worker) processJob(ctx context.Context, item queue.Item) {
	jobCtx := item.Ctx
	if jobCtx == nil {
		jobCtx = context.Background()
	}
	jobCtx, cancel := context.WithCancel(jobCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	log := w.logger.With("job_id", item.JobID)

	if w.startDelay > 0 && !sleep(jobCtx, w.startDelay) {
		log.Debug("job cancelled before processing started")
		return
	}

	job, err := w.Store.Update(item.JobID, func(j *models.ExtractionJob) error {
		if err := j.Transition(models.StatusProcessing, w.Store.Now()); err != nil {
			return err
		}
		j.ProcessingNode = w.ID
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrJobTerminal) || errors.Is(err, models.ErrNotFound) {
			log.Debug("skipping job", "reason", err)
			return
		}
		log.Error("failed to start job", "error", err)
		return
	}
	w.notify(job)
	log.Info("processing job", "source_name", job.SourceName, "total_pages", job.TotalPages)

	ticker := time.NewTicker(w.stepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-jobCtx.Done():
			log.Info("job advancement halted", "processed_pages", job.ProcessedPages)
			return
		case <-ticker.C:
		}

		next, err := w.step(jobCtx, job)
		switch {
		case errors.Is(err, models.ErrJobTerminal), errors.Is(err, models.ErrNotFound):
			log.Info("job finished elsewhere, discarding step", "reason", err)
			return
		case errors.Is(err, context.Canceled):
			log.Info("job advancement halted", "processed_pages", job.ProcessedPages)
			return
		case err != nil:
			log.Error("failed to apply page", "page", job.ProcessedPages+1, "error", err)
			w.fail(job.ID, job.ProcessedPages+1, err)
			return
		}

		job = next
		w.notify(job)

		if job.Status.IsTerminal() {
			switch job.Status {
			case models.StatusCompleted:
				log.Info("job completed", "questions", len(job.ExtractedQuestions))
			default:
				log.Warn("job failed", "processed_pages", job.ProcessedPages, "errors", len(job.Errors))
			}
			return
		}
	}
}

// step extracts the next page and applies the result in one atomic update.
func (w *Worker) step(ctx context.Context, job models.ExtractionJob) (models.ExtractionJob, error) {
	page := job.ProcessedPages + 1
	result, extractErr := w.extract(ctx, PageRequest{
		JobID:          job.ID,
		SourceName:     job.SourceName,
		Page:           page,
		TotalPages:     job.TotalPages,
		QuestionsSoFar: len(job.ExtractedQuestions),
	})

	// Work finished after a cancellation is discarded.
	if ctx.Err() != nil {
		return job, context.Canceled
	}

	now := w.Store.Now()
	return w.Store.Update(job.ID, func(j *models.ExtractionJob) error {
		if j.ProcessedPages != page-1 {
			return errStaleStep
		}
		j.UpdatedAt = now

		if extractErr != nil {
			j.Errors = append(j.Errors, models.AsProcessingError(extractErr, page))
			return j.Finish(models.StatusFailed, now)
		}

		j.SetProcessedPages(page)
		seen := make(map[string]bool, len(j.ExtractedQuestions))
		for _, q := range j.ExtractedQuestions {
			seen[q.ID] = true
		}
		for _, q := range result.Questions {
			q = normalizeQuestion(q, page)
			if q.ID == "" || seen[q.ID] {
				q.ID = questionID(seen, page, len(j.ExtractedQuestions)+1)
			}
			seen[q.ID] = true
			j.ExtractedQuestions = append(j.ExtractedQuestions, q)
		}
		for _, warning := range result.Warnings {
			if warning.Page == 0 {
				warning.Page = page
			}
			if warning.Kind == "" {
				warning.Kind = models.KindUnknown
			}
			j.Errors = append(j.Errors, warning)
		}

		if j.ProcessedPages == j.TotalPages {
			return j.Finish(models.StatusCompleted, now)
		}
		return nil
	})
}

// fail terminates a job whose step could not be applied.
func (w *Worker) fail(jobID string, page int, cause error) {
	job, err := w.Store.Update(jobID, func(j *models.ExtractionJob) error {
		now := w.Store.Now()
		j.Errors = append(j.Errors, models.ProcessingError{Page: page, Message: cause.Error(), Kind: models.KindUnknown})
		return j.Finish(models.StatusFailed, now)
	})
	if err != nil {
		w.logger.Debug("could not fail job", "job_id", jobID, "error", err)
		return
	}
	w.notify(job)
}

// extract calls the extractor, turning a panic into a fatal error.
func (w *Worker) extract(ctx context.Context, req PageRequest) (result PageResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("extractor panicked", "job_id", req.JobID, "page", req.Page, "panic", r)
			err = &models.ProcessingError{Page: req.Page, Message: fmt.Sprintf("extractor panic: %v", r), Kind: models.KindUnknown}
		}
	}()
	return w.Extractor.ExtractPage(ctx, req)
}

func normalizeQuestion(q models.ExtractedQuestion, page int) models.ExtractedQuestion {
	q = q.Clone()
	q.SourcePageNumber = page
	switch {
	case math.IsNaN(q.Confidence):
		q.Confidence = 0
	case q.Confidence < 0:
		q.Confidence = 0
	case q.Confidence > 1:
		q.Confidence = 1
	}
	if q.DetectedType == "" {
		q.DetectedType = models.QuestionShortAnswer
	}
	return q
}

// questionID returns q-<page>-<n>, suffixed until it is unused in the job.
func questionID(seen map[string]bool, page, n int) string {
	id := fmt.Sprintf("q-%d-%d", page, n)
	for i := 2; seen[id]; i++ {
		id = fmt.Sprintf("q-%d-%d-%d", page, n, i)
	}
	return id
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
