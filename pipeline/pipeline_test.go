package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jupark12/worksheet-extractor/models"
	"github.com/jupark12/worksheet-extractor/store"
	"github.com/jupark12/worksheet-extractor/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastWorker = worker.Config{StepInterval: 2 * time.Millisecond}

func newPipeline(t *testing.T, ex worker.Extractor, cfg Config, start bool) *Pipeline {
	t.Helper()
	if cfg.Worker == (worker.Config{}) {
		cfg.Worker = fastWorker
	}
	p := New(store.NewJobStore(store.Config{}), ex, cfg, nil)
	if start {
		ctx, cancel := context.WithCancel(context.Background())
		p.Start(ctx)
		t.Cleanup(func() {
			cancel()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = p.Shutdown(shutdownCtx)
		})
	}
	return p
}

func waitTerminal(t *testing.T, p *Pipeline, jobID string) models.ExtractionJob {
	t.Helper()
	var job models.ExtractionJob
	require.Eventually(t, func() bool {
		var err error
		job, err = p.Status(jobID)
		return err == nil && job.Status.IsTerminal()
	}, 5*time.Second, time.Millisecond)
	return job
}

// gateExtractor runs the even-page policy but blocks on one page until the
// job context ends.
type gateExtractor struct {
	blockAt int
	reached chan struct{}
	once    sync.Once
}

func newGate(page int) *gateExtractor {
	return &gateExtractor{blockAt: page, reached: make(chan struct{})}
}

func (g *gateExtractor) ExtractPage(ctx context.Context, req worker.PageRequest) (worker.PageResult, error) {
	if req.Page == g.blockAt {
		g.once.Do(func() { close(g.reached) })
		<-ctx.Done()
		return worker.PageResult{}, ctx.Err()
	}
	return worker.EvenPageExtractor{}.ExtractPage(ctx, req)
}

func TestSubmitAndComplete(t *testing.T) {
	p := newPipeline(t, nil, Config{Worker: worker.Config{
		StepInterval: 2 * time.Millisecond,
		StartDelay:   200 * time.Millisecond,
	}}, true)

	job, err := p.Submit(context.Background(), Document{Name: "exam.pdf", TotalPages: 10})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	status, err := p.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, status.Status)
	assert.Equal(t, 0, status.ProcessedPages)
	assert.Equal(t, 0.0, status.Progress)
	assert.Equal(t, 10, status.TotalPages)
	assert.Nil(t, status.CompletedAt)

	final := waitTerminal(t, p, job.ID)
	assert.Equal(t, models.StatusCompleted, final.Status)
	assert.Equal(t, 10, final.ProcessedPages)
	assert.Equal(t, 100.0, final.Progress)
	assert.Empty(t, final.Errors)
	require.NotNil(t, final.CompletedAt)
	assert.False(t, final.CompletedAt.Before(final.StartedAt))

	questions, err := p.Questions(job.ID)
	require.NoError(t, err)
	require.Len(t, questions, 5)
	for i, q := range questions {
		assert.Equal(t, (i+1)*2, q.SourcePageNumber)
		assert.Equal(t, fmt.Sprintf("Question %d: What is 2 + 2?", i+1), q.RawText)
		assert.Equal(t, models.QuestionMultipleChoice, q.DetectedType)
	}
}

func TestCancelMidway(t *testing.T) {
	gate := newGate(4)
	p := newPipeline(t, gate, Config{}, true)

	job, err := p.Submit(context.Background(), Document{Name: "exam.pdf", TotalPages: 10})
	require.NoError(t, err)

	select {
	case <-gate.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never reached page 4")
	}

	cancelled, err := p.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, cancelled.Status)
	assert.Equal(t, 3, cancelled.ProcessedPages)
	require.Len(t, cancelled.Errors, 1)
	assert.Equal(t, "cancelled", cancelled.Errors[0].Message)
	assert.Equal(t, models.KindUnknown, cancelled.Errors[0].Kind)
	require.NotNil(t, cancelled.CompletedAt)

	// Nothing advances after the cancel.
	time.Sleep(20 * time.Millisecond)
	after, err := p.Status(job.ID)
	require.NoError(t, err)
	assert.Equal(t, cancelled, after)
	assert.Len(t, after.ExtractedQuestions, 1)
}

func TestCancelIsIdempotent(t *testing.T) {
	p := newPipeline(t, nil, Config{}, false)

	job, err := p.Submit(context.Background(), Document{Name: "exam.pdf", TotalPages: 4})
	require.NoError(t, err)

	first, err := p.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, first.Status)

	second, err := p.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, second.Errors, 1)
}

func TestCancelCompletedJobIsNoop(t *testing.T) {
	p := newPipeline(t, nil, Config{}, true)

	job, err := p.Submit(context.Background(), Document{Name: "quiz.pdf", TotalPages: 2})
	require.NoError(t, err)
	done := waitTerminal(t, p, job.ID)
	require.Equal(t, models.StatusCompleted, done.Status)

	after, err := p.Cancel(job.ID)
	require.NoError(t, err)
	assert.Equal(t, done, after)
}

func TestUnknownJob(t *testing.T) {
	p := newPipeline(t, nil, Config{}, false)

	_, err := p.Status("nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = p.Questions("nope")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = p.Cancel("nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestJobsAreIsolated(t *testing.T) {
	gate := newGate(2)
	p := newPipeline(t, worker.ExtractorFunc(func(ctx context.Context, req worker.PageRequest) (worker.PageResult, error) {
		if req.SourceName == "slow.pdf" {
			return gate.ExtractPage(ctx, req)
		}
		return worker.EvenPageExtractor{}.ExtractPage(ctx, req)
	}), Config{Workers: 2}, true)

	slow, err := p.Submit(context.Background(), Document{Name: "slow.pdf", TotalPages: 6})
	require.NoError(t, err)
	fast, err := p.Submit(context.Background(), Document{Name: "fast.pdf", TotalPages: 6})
	require.NoError(t, err)

	<-gate.reached
	_, err = p.Cancel(slow.ID)
	require.NoError(t, err)

	done := waitTerminal(t, p, fast.ID)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Len(t, done.ExtractedQuestions, 3)

	failed := waitTerminal(t, p, slow.ID)
	assert.Equal(t, models.StatusFailed, failed.Status)
	assert.Equal(t, 1, failed.ProcessedPages)
}

func TestSubmitValidation(t *testing.T) {
	p := newPipeline(t, nil, Config{MaxPages: 50}, false)

	tests := []struct {
		name  string
		doc   Document
		field string
	}{
		{"empty name", Document{Name: "  ", TotalPages: 3}, "name"},
		{"zero pages", Document{Name: "exam.pdf"}, "total_pages"},
		{"negative pages", Document{Name: "exam.pdf", TotalPages: -2}, "total_pages"},
		{"too many pages", Document{Name: "exam.pdf", TotalPages: 51}, "total_pages"},
		{"not a pdf", Document{Name: "exam.pdf", Content: []byte("plain text")}, "content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Submit(context.Background(), tt.doc)
			require.ErrorIs(t, err, models.ErrValidation)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
	assert.Empty(t, p.List(""))
}

func TestSubmitReadsPageCount(t *testing.T) {
	p := newPipeline(t, nil, Config{}, false)

	job, err := p.Submit(context.Background(), Document{
		Name:        "worksheet.pdf",
		Content:     minimalPDF(7),
		ContentType: "application/pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, job.TotalPages)
}

func TestSubmitQueueFull(t *testing.T) {
	p := newPipeline(t, nil, Config{QueueSize: 1}, false)

	_, err := p.Submit(context.Background(), Document{Name: "a.pdf", TotalPages: 2})
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), Document{Name: "b.pdf", TotalPages: 2})
	assert.ErrorIs(t, err, models.ErrCapacity)
	assert.Len(t, p.List(""), 1, "refused job leaves no record")
}

func TestSubmitCancelledContext(t *testing.T) {
	p := newPipeline(t, nil, Config{}, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Submit(ctx, Document{Name: "a.pdf", TotalPages: 2})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShutdownFailsUnfinishedJobs(t *testing.T) {
	p := newPipeline(t, nil, Config{}, false)

	a, err := p.Submit(context.Background(), Document{Name: "a.pdf", TotalPages: 2})
	require.NoError(t, err)
	b, err := p.Submit(context.Background(), Document{Name: "b.pdf", TotalPages: 2})
	require.NoError(t, err)

	require.NoError(t, p.Shutdown(context.Background()))

	for _, id := range []string{a.ID, b.ID} {
		job, err := p.Status(id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, job.Status)
		require.Len(t, job.Errors, 1)
		assert.Equal(t, "pipeline shutting down", job.Errors[0].Message)
	}

	_, err = p.Submit(context.Background(), Document{Name: "c.pdf", TotalPages: 2})
	assert.ErrorIs(t, err, models.ErrCapacity)
	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestStartContextEndShutsDown(t *testing.T) {
	p := New(store.NewJobStore(store.Config{}), nil, Config{Worker: worker.Config{
		StepInterval: time.Hour,
		StartDelay:   time.Hour,
	}}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	inFlight, err := p.Submit(context.Background(), Document{Name: "a.pdf", TotalPages: 3})
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		_, err := p.Submit(context.Background(), Document{Name: "late.pdf", TotalPages: 3})
		return errors.Is(err, models.ErrCapacity)
	}, 5*time.Second, time.Millisecond)

	// Jobs accepted before intake stopped still reach a terminal status.
	for _, job := range append(p.List(""), inFlight) {
		final := waitTerminal(t, p, job.ID)
		assert.Equal(t, models.StatusFailed, final.Status)
	}
	assert.Empty(t, p.List(models.StatusPending))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestQuestionsEmptyWhilePending(t *testing.T) {
	p := newPipeline(t, nil, Config{}, false)

	job, err := p.Submit(context.Background(), Document{Name: "a.pdf", TotalPages: 2})
	require.NoError(t, err)

	questions, err := p.Questions(job.ID)
	require.NoError(t, err)
	assert.NotNil(t, questions)
	assert.Empty(t, questions)
}

func TestNotifierAndRemove(t *testing.T) {
	p := newPipeline(t, nil, Config{}, true)

	var mu sync.Mutex
	var statuses []models.JobStatus
	p.SetNotifier(func(job models.ExtractionJob) {
		mu.Lock()
		statuses = append(statuses, job.Status)
		mu.Unlock()
	})

	job, err := p.Submit(context.Background(), Document{Name: "a.pdf", TotalPages: 3})
	require.NoError(t, err)
	waitTerminal(t, p, job.ID)

	mu.Lock()
	got := append([]models.JobStatus(nil), statuses...)
	mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, models.StatusProcessing, got[0])
	assert.Equal(t, models.StatusCompleted, got[len(got)-1])

	p.Remove(job.ID)
	_, err = p.Status(job.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// minimalPDF builds a parseable PDF with the given number of blank pages.
func minimalPDF(pages int) []byte {
	var buf bytes.Buffer
	var offsets []int
	object := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")
	object("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	object(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		object("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}
