package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown or evicted job ids.
	ErrNotFound = errors.New("job not found")
	// ErrValidation marks malformed submissions; see ValidationError.
	ErrValidation = errors.New("invalid document")
	// ErrCapacity is returned when the store or the pending queue is full.
	ErrCapacity = errors.New("capacity exhausted")
	// ErrJobTerminal is returned by mutations refused because the job already finished.
	ErrJobTerminal = errors.New("job already in terminal status")
)

// ValidationError describes why a submission was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError is an illegal state machine step, e.g. pending -> completed.
type TransitionError struct {
	From, To JobStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// ErrorKind classifies a processing error
type ErrorKind string

const (
	KindOCRFailure    ErrorKind = "ocr_failure"
	KindParsingError  ErrorKind = "parsing_error"
	KindInvalidFormat ErrorKind = "invalid_format"
	KindUnknown       ErrorKind = "unknown"
)

// ProcessingError is recorded into a job's error list. Page is 1-based, 0 when
// the error is not tied to a page.
type ProcessingError struct {
	Page    int       `json:"page,omitempty"`
	Message string    `json:"message"`
	Kind    ErrorKind `json:"kind"`
}

func (e *ProcessingError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("%s on page %d: %s", e.Kind, e.Page, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AsProcessingError converts any error into a record for the job's error list.
func AsProcessingError(err error, page int) ProcessingError {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		out := *pe
		if out.Page == 0 {
			out.Page = page
		}
		if out.Kind == "" {
			out.Kind = KindUnknown
		}
		return out
	}
	return ProcessingError{Page: page, Message: err.Error(), Kind: KindUnknown}
}
