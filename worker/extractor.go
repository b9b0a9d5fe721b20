package worker

import (
	"context"
	"fmt"

	"github.com/jupark12/worksheet-extractor/models"
)

// PageRequest describes the page a worker is about to process.
type PageRequest struct {
	JobID          string
	SourceName     string
	Page           int
	TotalPages     int
	QuestionsSoFar int
}

// PageResult is what one page yielded. Warnings are recorded on the job but do
// not fail it.
type PageResult struct {
	Questions []models.ExtractedQuestion
	Warnings  []models.ProcessingError
}

// Extractor finds candidate questions on a single page. A returned error is
// fatal for the job; return a *models.ProcessingError to pick its kind.
type Extractor interface {
	ExtractPage(ctx context.Context, req PageRequest) (PageResult, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, req PageRequest) (PageResult, error)

func (f ExtractorFunc) ExtractPage(ctx context.Context, req PageRequest) (PageResult, error) {
	return f(ctx, req)
}

// EvenPageExtractor stands in for a real OCR/NLP engine: every even-numbered
// page yields exactly one multiple-choice question.
type EvenPageExtractor struct{}

func (EvenPageExtractor) ExtractPage(ctx context.Context, req PageRequest) (PageResult, error) {
	if req.Page%2 != 0 {
		return PageResult{}, nil
	}

	question := models.ExtractedQuestion{
		SourcePageNumber: req.Page,
		RawText:          fmt.Sprintf("Question %d: What is 2 + 2?", req.QuestionsSoFar+1),
		ProcessedText:    "What is 2 + 2?",
		DetectedType:     models.QuestionMultipleChoice,
		Confidence:       0.95,
		SuggestedAnswers: []string{"2", "3", "4", "5"},
		Metadata: &models.QuestionMetadata{
			Points:     1,
			Difficulty: models.DifficultyEasy,
			Topic:      "Addition",
		},
	}
	return PageResult{Questions: []models.ExtractedQuestion{question}}, nil
}
