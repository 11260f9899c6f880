package job

import (
	"testing"
	"time"
)

func TestTimeoutResolve(t *testing.T) {
	t.Parallel()
	p := DefaultTimeoutPolicy()

	tests := []struct {
		name     string
		caller   time.Duration
		declared time.Duration
		tier     Tier
		want     time.Duration
	}{
		{name: "caller wins", caller: 10 * time.Second, declared: 20 * time.Second, tier: TierStandard, want: 10 * time.Second},
		{name: "declared fallback", declared: 20 * time.Second, tier: TierStandard, want: 20 * time.Second},
		{name: "default fallback", tier: TierStandard, want: 30 * time.Second},
		{name: "clamped to tier max", caller: 10 * time.Minute, tier: TierBasic, want: 60 * time.Second},
		{name: "clamped to tier min", caller: time.Millisecond, tier: TierBasic, want: time.Second},
		{name: "privileged allows long", caller: 10 * time.Minute, tier: TierPrivileged, want: 10 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, jerr := p.Resolve(tt.caller, tt.declared, tt.tier)
			if jerr != nil {
				t.Fatalf("Resolve error: %v", jerr)
			}
			if got != tt.want {
				t.Fatalf("Resolve = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimeoutResolveNegative(t *testing.T) {
	t.Parallel()
	p := DefaultTimeoutPolicy()
	_, jerr := p.Resolve(-time.Second, 0, TierBasic)
	if jerr == nil || jerr.Kind != KindValidationError {
		t.Fatalf("expected validation error, got %v", jerr)
	}
}
