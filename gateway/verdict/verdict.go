package verdict

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies the kind of rejection produced by a pipeline stage.
type Code string

const (
	CodeInjectionDetected Code = "injection_detected"
	CodeValueTooLong      Code = "value_too_long"
	CodeNestingTooDeep    Code = "nesting_too_deep"
	CodeHeadersMissing    Code = "headers_missing"
	CodeTimestampInvalid  Code = "timestamp_invalid"
	CodeInvalidSignature  Code = "invalid_signature"
	CodeNonceInvalid      Code = "nonce_invalid"
	CodeUnauthenticated   Code = "unauthenticated"
	CodePermissionDenied  Code = "permission_denied"
	CodeForbidden         Code = "forbidden"
	CodeRateLimited       Code = "rate_limited"
)

// HTTPStatus maps a rejection code onto the status the surrounding server
// should return. Unknown codes map to 500 so a missed case is loud.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInjectionDetected, CodeValueTooLong, CodeNestingTooDeep:
		return http.StatusBadRequest
	case CodeHeadersMissing, CodeTimestampInvalid, CodeInvalidSignature, CodeNonceInvalid, CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied, CodeForbidden:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a typed rejection suitable for branching with errors.As. Every
// stage of the pipeline returns *Error on failure; none panic or retry.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// Errorf builds a typed rejection with a formatted detail message.
func Errorf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// Verdict is the decision returned to the caller for every request.
type Verdict struct {
	Allowed    bool
	Code       Code
	HTTPStatus int
	Detail     string
	RetryAfter time.Duration
}

// Allow returns the pass-through verdict.
func Allow() Verdict {
	return Verdict{Allowed: true, HTTPStatus: http.StatusOK}
}

// Reject builds a terminal rejection verdict for the given code.
func Reject(code Code, detail string) Verdict {
	return Verdict{Code: code, HTTPStatus: HTTPStatus(code), Detail: detail}
}

// RejectRetry is Reject with a client backoff hint, used by the rate limiter.
func RejectRetry(code Code, detail string, retryAfter time.Duration) Verdict {
	v := Reject(code, detail)
	v.RetryAfter = retryAfter
	return v
}

// FromError converts a stage error into a Verdict. Typed rejections keep
// their code; anything else is surfaced as an internal failure rather than
// silently downgraded to a pass.
func FromError(err error) Verdict {
	var typed *Error
	if errors.As(err, &typed) {
		return Reject(typed.Code, typed.Detail)
	}
	return Verdict{HTTPStatus: http.StatusInternalServerError, Detail: err.Error()}
}
