package conversation

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure by how it must be handled.
type Kind string

const (
	KindInput             Kind = "input_error"
	KindProviderTransient Kind = "provider_transient"
	KindProviderRejected  Kind = "provider_rejected"
	KindIntegrity         Kind = "integrity_violation"
	KindAnalysisPartial   Kind = "analysis_partial"
	KindInternal          Kind = "internal"
)

var (
	ErrUnsupportedFormat        = errors.New("unsupported audio format")
	ErrEmptyAudio               = errors.New("empty audio")
	ErrTranscriptionUnavailable = errors.New("transcription unavailable")
	ErrTranscriptionRejected    = errors.New("transcription rejected")
	ErrAmbiguousIdentity        = errors.New("ambiguous identity")
	ErrAnalysisUnavailable      = errors.New("analysis unavailable")
	ErrAnalysisPartial          = errors.New("analysis partial")
	ErrIntegrityViolation       = errors.New("integrity violation")
	ErrNotFound                 = errors.New("conversation not found")
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the Kind of the outermost classified error in the chain,
// falling back to sentinel matching.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrEmptyAudio):
		return KindInput
	case errors.Is(err, ErrTranscriptionUnavailable), errors.Is(err, ErrAnalysisUnavailable):
		return KindProviderTransient
	case errors.Is(err, ErrTranscriptionRejected):
		return KindProviderRejected
	case errors.Is(err, ErrIntegrityViolation):
		return KindIntegrity
	case errors.Is(err, ErrAnalysisPartial):
		return KindAnalysisPartial
	case errors.Is(err, context.DeadlineExceeded):
		return KindProviderTransient
	}
	return KindInternal
}

// Retryable reports whether the stage that produced err may be attempted again.
func Retryable(err error) bool {
	return KindOf(err) == KindProviderTransient
}
