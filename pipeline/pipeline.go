// Package pipeline exposes the extraction job contract: submit a document,
// poll its status, read the questions found so far, cancel.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jupark12/worksheet-extractor/document"
	"github.com/jupark12/worksheet-extractor/models"
	"github.com/jupark12/worksheet-extractor/queue"
	"github.com/jupark12/worksheet-extractor/store"
	"github.com/jupark12/worksheet-extractor/worker"
)

const (
	cancelMessage   = "cancelled"
	shutdownMessage = "pipeline shutting down"

	DefaultWorkers       = 4
	DefaultQueueSize     = 100
	DefaultMaxPages      = 2000
	DefaultSweepInterval = time.Minute
)

// Document is a submission. When TotalPages is zero the page count is read
// from Content.
type Document struct {
	Name        string
	TotalPages  int
	Content     []byte
	ContentType string
}

// Config holds the pipeline's tunables. Zero values fall back to defaults.
type Config struct {
	Workers       int
	QueueSize     int
	MaxPages      int
	SweepInterval time.Duration
	Worker        worker.Config
}

// Pipeline owns the job store, the pending queue and the workers advancing jobs.
type Pipeline struct {
	store    *store.JobStore
	queue    *queue.JobQueue
	workers  []*worker.Worker
	logger   *slog.Logger
	maxPages int
	sweep    time.Duration

	mu       sync.Mutex
	baseCtx  context.Context
	stopAll  context.CancelFunc
	cancels  map[string]context.CancelFunc
	notifier func(models.ExtractionJob)
	started  bool
	closed   bool
	wg       sync.WaitGroup

	unwatch      func() bool
	shutdownOnce sync.Once
	stopped      chan struct{}
}

// New wires a pipeline around st. A nil extractor uses the even-page policy.
func New(st *store.JobStore, ex worker.Extractor, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, stopAll := context.WithCancel(context.Background())
	p := &Pipeline{
		store:    st,
		queue:    queue.NewJobQueue(cfg.QueueSize),
		logger:   logger,
		maxPages: cfg.MaxPages,
		sweep:    cfg.SweepInterval,
		baseCtx:  baseCtx,
		stopAll:  stopAll,
		cancels:  make(map[string]context.CancelFunc),
		notifier: func(models.ExtractionJob) {},
		stopped:  make(chan struct{}),
	}

	p.workers = make([]*worker.Worker, cfg.Workers)
	for i := range p.workers {
		workerID := fmt.Sprintf("worker-%d", i+1)
		p.workers[i] = worker.NewWorker(workerID, p.queue, st, ex, cfg.Worker, logger)
		p.workers[i].SetNotifier(p.jobUpdated)
	}
	return p
}

// SetNotifier registers a callback for every applied job update. It must not block.
func (p *Pipeline) SetNotifier(fn func(models.ExtractionJob)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if fn == nil {
		fn = func(models.ExtractionJob) {}
	}
	p.notifier = fn
}

// Start launches the workers and the retention sweeper. When ctx is done the
// pipeline shuts down as if Shutdown had been called.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *worker.Worker) {
			defer p.wg.Done()
			w.Run(p.baseCtx)
		}(w)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSweeper(p.baseCtx)
	}()

	p.unwatch = context.AfterFunc(ctx, func() {
		_ = p.Shutdown(context.Background())
	})

	p.logger.Info("pipeline started", "workers", len(p.workers), "max_pages", p.maxPages)
}

// Submit validates doc, records a pending job and schedules it. It never waits
// for extraction.
func (p *Pipeline) Submit(ctx context.Context, doc Document) (models.ExtractionJob, error) {
	if err := ctx.Err(); err != nil {
		return models.ExtractionJob{}, err
	}

	name := strings.TrimSpace(doc.Name)
	if name == "" {
		return models.ExtractionJob{}, &models.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	pages := doc.TotalPages
	if pages == 0 && len(doc.Content) > 0 {
		meta, err := document.Inspect(bytes.NewReader(doc.Content), int64(len(doc.Content)), doc.ContentType)
		if err != nil {
			return models.ExtractionJob{}, &models.ValidationError{Field: "content", Reason: err.Error()}
		}
		pages = meta.NumPages
	}
	switch {
	case pages <= 0:
		return models.ExtractionJob{}, &models.ValidationError{Field: "total_pages", Reason: "must be positive"}
	case pages > p.maxPages:
		return models.ExtractionJob{}, &models.ValidationError{Field: "total_pages", Reason: fmt.Sprintf("must not exceed %d", p.maxPages)}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return models.ExtractionJob{}, fmt.Errorf("pipeline closed: %w", models.ErrCapacity)
	}
	job, err := p.store.Create(name, pages)
	if err != nil {
		p.mu.Unlock()
		return models.ExtractionJob{}, err
	}
	jobCtx, cancel := context.WithCancel(p.baseCtx)
	p.cancels[job.ID] = cancel
	p.mu.Unlock()

	if err := p.queue.EnqueueJob(queue.Item{JobID: job.ID, Ctx: jobCtx}); err != nil {
		p.release(job.ID)
		p.store.Remove(job.ID)
		if errors.Is(err, queue.ErrClosed) {
			err = fmt.Errorf("pipeline closed: %w", models.ErrCapacity)
		}
		return models.ExtractionJob{}, err
	}

	p.logger.Info("job submitted", "job_id", job.ID, "source_name", name, "total_pages", pages)
	return job, nil
}

// Status returns the current snapshot of a job. Safe to poll.
func (p *Pipeline) Status(jobID string) (models.ExtractionJob, error) {
	return p.store.Get(jobID)
}

// Questions returns the questions found so far, in discovery order.
func (p *Pipeline) Questions(jobID string) ([]models.ExtractedQuestion, error) {
	job, err := p.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	return job.ExtractedQuestions, nil
}

// List returns job snapshots, optionally of a single status, newest first.
func (p *Pipeline) List(status models.JobStatus) []models.ExtractionJob {
	return p.store.List(status)
}

// Cancel fails a pending or processing job and halts its advancement. It is a
// no-op for jobs that already finished.
func (p *Pipeline) Cancel(jobID string) (models.ExtractionJob, error) {
	job, err := p.terminate(jobID, cancelMessage)
	if err != nil {
		return job, err
	}
	p.logger.Info("cancel requested", "job_id", jobID, "status", job.Status, "processed_pages", job.ProcessedPages)
	return job, nil
}

// Remove evicts a job regardless of status and halts its advancement.
func (p *Pipeline) Remove(jobID string) {
	p.release(jobID)
	p.store.Remove(jobID)
	p.logger.Info("job removed", "job_id", jobID)
}

// Shutdown stops intake, halts all workers and fails every job that has not
// finished yet. It is safe to call more than once; every call waits for the
// same shutdown.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		unwatch := p.unwatch
		p.mu.Unlock()
		if unwatch != nil {
			unwatch()
		}

		p.queue.Close()
		p.stopAll()

		go func() {
			p.wg.Wait()
			failed := p.failUnfinished()
			p.logger.Info("pipeline stopped", "unfinished_jobs_failed", failed)
			close(p.stopped)
		}()
	})

	select {
	case <-p.stopped:
		return nil
	case <-ctx.Done():
		// Fail what is left without waiting for the workers.
		p.failUnfinished()
		return ctx.Err()
	}
}

func (p *Pipeline) failUnfinished() int {
	failed := 0
	for _, status := range []models.JobStatus{models.StatusPending, models.StatusProcessing} {
		for _, job := range p.store.List(status) {
			if _, err := p.terminate(job.ID, shutdownMessage); err == nil {
				failed++
			}
		}
	}
	return failed
}

// terminate moves a job to failed with a single unknown-kind error. The store
// decides the race with the worker: whichever terminal update lands first wins.
func (p *Pipeline) terminate(jobID, message string) (models.ExtractionJob, error) {
	now := p.store.Now()
	job, err := p.store.Update(jobID, func(j *models.ExtractionJob) error {
		j.Errors = append(j.Errors, models.ProcessingError{Message: message, Kind: models.KindUnknown})
		return j.Finish(models.StatusFailed, now)
	})
	switch {
	case errors.Is(err, models.ErrJobTerminal):
		return job, nil
	case err != nil:
		return job, err
	}
	p.jobUpdated(job)
	return job, nil
}

// jobUpdated receives every snapshot written by workers or by the pipeline.
func (p *Pipeline) jobUpdated(job models.ExtractionJob) {
	if job.Status.IsTerminal() {
		p.release(job.ID)
	}
	p.notify(job)
}

func (p *Pipeline) notify(job models.ExtractionJob) {
	p.mu.Lock()
	fn := p.notifier
	p.mu.Unlock()
	fn(job)
}

// release cancels and forgets the job's context.
func (p *Pipeline) release(jobID string) {
	p.mu.Lock()
	cancel, ok := p.cancels[jobID]
	delete(p.cancels, jobID)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pipeline) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(p.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := p.store.Sweep(p.store.Now()); n > 0 {
				p.logger.Info("evicted expired jobs", "count", n)
			}
		}
	}
}
