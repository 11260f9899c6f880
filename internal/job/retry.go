package job

import "time"

// RetryPolicy controls how the runner re-attempts failed executions.
type RetryPolicy struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`

	// Retryable is the set of kinds the policy retries. Kinds for which
	// Kind.NeverRetry() holds are excluded regardless of this set.
	Retryable []Kind `json:"retryable,omitempty"`
}

// DefaultRetryPolicy matches the platform defaults: 3 attempts, 1s initial
// delay doubling up to 60s, retrying the transient kinds plus Unknown
// (conservative: an unclassified failure is assumed transient).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Retryable: []Kind{
			KindTimeout,
			KindConnectionError,
			KindRateLimited,
			KindServerError,
			KindTemporaryFailure,
			KindUnknown,
		},
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 60 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

// Normalize fills zero fields with defaults.
func (p RetryPolicy) Normalize() RetryPolicy { return p.withDefaults() }

// ShouldRetry reports whether another attempt is allowed after a failure of
// kind k on the given attempt (1-based).
func (p RetryPolicy) ShouldRetry(k Kind, attempt int) bool {
	p = p.withDefaults()
	if attempt >= p.MaxAttempts {
		return false
	}
	if k.NeverRetry() {
		return false
	}
	for _, r := range p.Retryable {
		if r == k {
			return true
		}
	}
	return false
}

// Delay is the sleep before the nth retry (1-based):
// min(initial × multiplier^(n-1), max).
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.withDefaults()
	if retry < 1 {
		retry = 1
	}
	d := p.InitialDelay
	for i := 1; i < retry; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
