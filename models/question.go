package models

// QuestionType is the detected kind of an extracted question
type QuestionType string

const (
	QuestionMultipleChoice QuestionType = "multiple_choice"
	QuestionTrueFalse      QuestionType = "true_false"
	QuestionShortAnswer    QuestionType = "short_answer"
	QuestionEssay          QuestionType = "essay"
	QuestionFillInBlank    QuestionType = "fill_in_blank"
	QuestionMatching       QuestionType = "matching"
	QuestionOrdering       QuestionType = "ordering"
)

type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// QuestionMetadata is best-effort; any field may be empty
type QuestionMetadata struct {
	Points     int        `json:"points,omitempty"`
	Difficulty Difficulty `json:"difficulty,omitempty"`
	Topic      string     `json:"topic,omitempty"`
	Subtopic   string     `json:"subtopic,omitempty"`
}

// ExtractedQuestion is one candidate question found on a page
type ExtractedQuestion struct {
	ID               string            `json:"id"`
	SourcePageNumber int               `json:"source_page_number"`
	RawText          string            `json:"raw_text"`
	ProcessedText    string            `json:"processed_text"`
	DetectedType     QuestionType      `json:"detected_type"`
	Confidence       float64           `json:"confidence"`
	SuggestedAnswers []string          `json:"suggested_answers,omitempty"`
	Metadata         *QuestionMetadata `json:"metadata,omitempty"`
}

func (q ExtractedQuestion) Clone() ExtractedQuestion {
	out := q
	if q.SuggestedAnswers != nil {
		out.SuggestedAnswers = append([]string(nil), q.SuggestedAnswers...)
	}
	if q.Metadata != nil {
		m := *q.Metadata
		out.Metadata = &m
	}
	return out
}
