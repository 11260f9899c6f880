package job

import "testing"

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		exit int
		msg  string
		want Kind
	}{
		{name: "timeout text", msg: "operation timed out after 30s", want: KindTimeout},
		{name: "deadline", msg: "context deadline exceeded", want: KindTimeout},
		{name: "timeout exit code", exit: 124, msg: "killed", want: KindTimeout},
		{name: "connection", msg: "dial tcp: connection refused", want: KindConnectionError},
		{name: "rate limit", msg: "429 Too Many Requests", want: KindRateLimited},
		{name: "server error", msg: "upstream returned internal server error", want: KindServerError},
		{name: "temporary", msg: "resource temporarily unavailable", want: KindTemporaryFailure},
		{name: "validation", msg: "invalid argument: count must be positive", want: KindValidationError},
		{name: "permission", msg: "permission denied", want: KindPermissionError},
		{name: "not found", msg: "tool not found", want: KindNotFoundError},
		{name: "exit 127", exit: 127, msg: "", want: KindNotFoundError},
		{name: "exit 126", exit: 126, msg: "", want: KindPermissionError},
		{name: "unknown", exit: 1, msg: "something odd happened", want: KindUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.exit, tt.msg); got != tt.want {
				t.Fatalf("Classify(%d, %q) = %s, want %s", tt.exit, tt.msg, got, tt.want)
			}
		})
	}
}

func TestNeverRetryKinds(t *testing.T) {
	t.Parallel()
	for _, k := range []Kind{KindValidationError, KindPermissionError, KindNotFoundError} {
		if !k.NeverRetry() {
			t.Fatalf("%s should never be retried", k)
		}
	}
	for _, k := range []Kind{KindTimeout, KindConnectionError, KindRateLimited, KindServerError, KindTemporaryFailure, KindUnknown} {
		if k.NeverRetry() {
			t.Fatalf("%s should be eligible for retry", k)
		}
	}
}
