package job

import (
	"fmt"
	"strings"
)

// Kind is the closed set of failure classifications. Retry decisions are
// made on kinds, never by string-matching at call sites.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindConnectionError  Kind = "connection_error"
	KindRateLimited      Kind = "rate_limited"
	KindServerError      Kind = "server_error"
	KindTemporaryFailure Kind = "temporary_failure"
	KindValidationError  Kind = "validation_error"
	KindPermissionError  Kind = "permission_error"
	KindNotFoundError    Kind = "not_found"
	KindUnknown          Kind = "unknown"
)

// NeverRetry reports whether the kind must not be retried regardless of the
// retry policy's retryable set.
func (k Kind) NeverRetry() bool {
	switch k {
	case KindValidationError, KindPermissionError, KindNotFoundError:
		return true
	}
	return false
}

// Error is the terminal failure surfaced for a job. It carries a stable
// machine-readable kind; raw process output never travels in Message.
type Error struct {
	Kind        Kind   `json:"kind"`
	Message     string `json:"message"`
	JobID       string `json:"job_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Attempts    int    `json:"attempts,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a job error of the given kind.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Exit codes with conventional meanings for launched tools.
const (
	exitTimeout     = 124 // timeout(1) convention
	exitNotRunnable = 126
	exitNotFound    = 127
)

// Classify maps a raw failure (process exit code plus message text) to a
// Kind. This is the single place failure text is interpreted.
func Classify(exitCode int, msg string) Kind {
	switch exitCode {
	case exitTimeout:
		return KindTimeout
	case exitNotRunnable:
		return KindPermissionError
	case exitNotFound:
		return KindNotFoundError
	}

	m := strings.ToLower(msg)
	switch {
	case containsAny(m, "timeout", "timed out", "deadline exceeded"):
		return KindTimeout
	case containsAny(m, "connection refused", "connection reset", "broken pipe", "no such host", "network is unreachable", "connection error"):
		return KindConnectionError
	case containsAny(m, "rate limit", "too many requests", "429"):
		return KindRateLimited
	case containsAny(m, "internal server error", "server error", "502", "503 ", "bad gateway"):
		return KindServerError
	case containsAny(m, "temporarily unavailable", "temporary failure", "try again", "unavailable"):
		return KindTemporaryFailure
	case containsAny(m, "invalid argument", "invalid parameter", "validation", "bad request", "malformed"):
		return KindValidationError
	case containsAny(m, "permission denied", "unauthorized", "forbidden", "access denied"):
		return KindPermissionError
	case containsAny(m, "not found", "no such tool", "unknown tool", "unknown method"):
		return KindNotFoundError
	}
	return KindUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
