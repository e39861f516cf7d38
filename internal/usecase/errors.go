package usecase

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	ErrorStoreWriteFailed ErrorCode = "STORE_WRITE_FAILED"
	ErrorGenerationFailed ErrorCode = "GENERATION_FAILED"
	ErrorRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

// Reasons attached to QUOTA_EXCEEDED so the caller can pick between the
// reward prompt and the upgrade prompt.
const (
	ReasonRewardAvailable = "daily_limit_reward_available"
	ReasonRewardUsed      = "daily_limit_reward_used"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of a usecase error, or ErrorInternal for anything
// else.
func CodeOf(err error) ErrorCode {
	var ucErr *Error
	if errors.As(err, &ucErr) {
		return ucErr.Code
	}
	return ErrorInternal
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// generationError classifies a failed completion call.
func generationError(err error) *Error {
	generationFailuresTotal.Inc()
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, "openai_rate_limited", err)
	}
	return newError(ErrorGenerationFailed, "generation_error", err)
}

var newUUID = func() string {
	return uuid.NewString()
}
