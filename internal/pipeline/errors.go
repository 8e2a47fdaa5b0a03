package pipeline

import "errors"

// ErrorCode is the closed failure taxonomy emitted as
// {success:false, error:{code, message}} by the orchestrator.
type ErrorCode string

const (
	ErrCodeEmptyQuery        ErrorCode = "empty_query"
	ErrCodeTooLongQuery      ErrorCode = "too_long_query"
	ErrCodeOffTopic          ErrorCode = "off_topic"
	ErrCodeHarmfulQuery      ErrorCode = "harmful_query"
	ErrCodeLanguageMismatch  ErrorCode = "language_mismatch"
	ErrCodeRetrievalEmpty    ErrorCode = "retrieval_empty"
	ErrCodeGenerationFailed  ErrorCode = "generation_failed"
	ErrCodeInternalError     ErrorCode = "internal_error"
)

// PipelineError is a structured, user-visible failure with a closed code.
type PipelineError struct {
	Code    ErrorCode
	Message string
}

func (e *PipelineError) Error() string {
	return string(e.Code) + ": " + e.Message
}

func newError(code ErrorCode, message string) *PipelineError {
	return &PipelineError{Code: code, Message: message}
}

// ErrEmbeddingUnavailable is wrapped into every unrecoverable failure from the
// Query Embedder (C2).
var ErrEmbeddingUnavailable = errors.New("pipeline: embedding backend unavailable")

// errAmbiguousArray is the sentinel computeSparse returns for the
// "ambiguous array" sparse-computation failure mode; the embedder recovers
// from it once per call by disabling sparse output.
var errAmbiguousArray = errors.New("pipeline: ambiguous array in sparse embedding computation")
