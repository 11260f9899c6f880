package job

import "time"

// TimeoutBounds clamp a resolved timeout for one tier.
type TimeoutBounds struct {
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// TimeoutPolicy derives a per-job attempt timeout from tier limits and tool
// defaults. Resolution order: caller value, else tool-declared value, else
// the system default, each clamped to the caller's tier bounds.
type TimeoutPolicy struct {
	Default time.Duration          `json:"default"`
	Bounds  map[Tier]TimeoutBounds `json:"bounds,omitempty"`
}

// DefaultTimeoutPolicy mirrors the platform tier limits.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		Default: 30 * time.Second,
		Bounds: map[Tier]TimeoutBounds{
			TierBasic:      {Min: time.Second, Max: 60 * time.Second},
			TierStandard:   {Min: time.Second, Max: 5 * time.Minute},
			TierPrivileged: {Min: time.Second, Max: 30 * time.Minute},
		},
	}
}

// Resolve picks and clamps the attempt timeout for a job.
// A negative caller value is a validation error.
func (p TimeoutPolicy) Resolve(caller, toolDeclared time.Duration, tier Tier) (time.Duration, *Error) {
	if caller < 0 {
		return 0, NewError(KindValidationError, "timeout must not be negative")
	}

	d := caller
	if d == 0 {
		d = toolDeclared
	}
	if d == 0 {
		d = p.Default
	}
	if d == 0 {
		d = 30 * time.Second
	}

	if b, ok := p.Bounds[tier]; ok {
		if b.Min > 0 && d < b.Min {
			d = b.Min
		}
		if b.Max > 0 && d > b.Max {
			d = b.Max
		}
	}
	return d, nil
}
