package comfy

import (
	"errors"
	"fmt"
)

// Sentinel errors for the submission, stream and retrieval paths.
var (
	ErrSubmissionFailed        = errors.New("prompt submission failed")
	ErrConnectionFailed        = errors.New("event stream connection failed")
	ErrStreamReadFailed        = errors.New("event stream read failed")
	ErrStreamClosed            = errors.New("event stream closed by caller")
	ErrEndOfStream             = errors.New("event stream ended")
	ErrStreamClosedPrematurely = errors.New("event stream closed before completion")
	ErrCorrelationFailed       = errors.New("completion correlation failed")
	ErrExecutionFailed         = errors.New("prompt execution failed")
	ErrHistoryUnavailable      = errors.New("history unavailable")
	ErrHistoryIncomplete       = errors.New("history has no record for prompt")
	ErrArtifactFetchFailed     = errors.New("artifact fetch failed")
	ErrMalformedEvent          = errors.New("malformed event")
	ErrTimeout                 = errors.New("comfy request timeout")
)

// SubmissionError is returned by SubmitJob. Body holds the raw response
// body exactly as received so callers can surface node validation errors.
type SubmissionError struct {
	StatusCode int // 0 when no response was received
	Body       string
	Cause      error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%v: %v", ErrSubmissionFailed, e.Cause)
	case e.StatusCode == 0:
		return fmt.Sprintf("%v: %s", ErrSubmissionFailed, e.Body)
	default:
		return fmt.Sprintf("%v: status %d: %s", ErrSubmissionFailed, e.StatusCode, e.Body)
	}
}

// Unwrap exposes both the sentinel and the transport cause to errors.Is.
func (e *SubmissionError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSubmissionFailed}
	}
	return []error{ErrSubmissionFailed, e.Cause}
}
