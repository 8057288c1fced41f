package agent

import (
	"context"
	"errors"
	"strings"
)

// Error codes for classified adapter failures.
const (
	ErrCodeAborted      = "aborted"
	ErrCodeTimeout      = "timeout"
	ErrCodeRateLimited  = "rate_limited"
	ErrCodeThreadStale  = "thread_stale"
	ErrCodeAgentCrashed = "agent_crashed"
	ErrCodeProtocol     = "protocol_error"
	ErrCodeUnknown      = "unknown"
)

// ClassifiedError is a failure from an agent turn, classified so callers can
// decide between retrying, resetting the thread, or surfacing the error.
type ClassifiedError struct {
	Code       string
	Retryable  bool
	NeedsReset bool
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify maps an adapter-level error onto the retry/reset taxonomy.
// Cancellation is deliberately not an error class: callers check for it
// first and report "aborted" without retry machinery.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ClassifiedError{Code: ErrCodeAborted, Retryable: false, NeedsReset: false, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "429"), strings.Contains(msg, "overloaded"):
		return &ClassifiedError{Code: ErrCodeRateLimited, Retryable: true, Err: err}
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return &ClassifiedError{Code: ErrCodeTimeout, Retryable: true, Err: err}
	case strings.Contains(msg, "thread not found"), strings.Contains(msg, "no conversation"),
		strings.Contains(msg, "session not found"), strings.Contains(msg, "resume"):
		return &ClassifiedError{Code: ErrCodeThreadStale, Retryable: true, NeedsReset: true, Err: err}
	case strings.Contains(msg, "exit status"), strings.Contains(msg, "signal:"),
		strings.Contains(msg, "broken pipe"):
		return &ClassifiedError{Code: ErrCodeAgentCrashed, Retryable: true, NeedsReset: true, Err: err}
	default:
		return &ClassifiedError{Code: ErrCodeUnknown, Retryable: false, Err: err}
	}
}
