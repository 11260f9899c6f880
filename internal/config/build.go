package config

import (
	"time"

	"toolq/internal/job"
	"toolq/internal/storage"
	"toolq/internal/tool"
)

// The Build* helpers turn the string-typed file sections into the typed
// configs the components take. They assume Validate() has passed; duration
// parse errors are still surfaced rather than swallowed.

func (c *Config) BuildStorage() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func (c *Config) BuildTimeoutPolicy() (job.TimeoutPolicy, error) {
	p := job.DefaultTimeoutPolicy()
	if c.Timeouts == nil {
		return p, nil
	}
	d, err := ParseDurationField("timeouts.default", c.Timeouts.Default)
	if err != nil {
		return job.TimeoutPolicy{}, err
	}
	if d > 0 {
		p.Default = d
	}
	for name, b := range c.Timeouts.Tiers {
		lo, err := ParseDurationField("timeouts.tiers."+name+".min", b.Min)
		if err != nil {
			return job.TimeoutPolicy{}, err
		}
		hi, err := ParseDurationField("timeouts.tiers."+name+".max", b.Max)
		if err != nil {
			return job.TimeoutPolicy{}, err
		}
		bounds := p.Bounds[job.Tier(name)]
		if lo > 0 {
			bounds.Min = lo
		}
		if hi > 0 {
			bounds.Max = hi
		}
		p.Bounds[job.Tier(name)] = bounds
	}
	return p, nil
}

func (c *Config) BuildRetryPolicy() (job.RetryPolicy, error) {
	p := job.DefaultRetryPolicy()
	if c.Retry == nil {
		return p, nil
	}
	if c.Retry.MaxAttempts > 0 {
		p.MaxAttempts = c.Retry.MaxAttempts
	}
	initial, err := ParseDurationField("retry.initial_delay", c.Retry.InitialDelay)
	if err != nil {
		return job.RetryPolicy{}, err
	}
	if initial > 0 {
		p.InitialDelay = initial
	}
	maxDelay, err := ParseDurationField("retry.max_delay", c.Retry.MaxDelay)
	if err != nil {
		return job.RetryPolicy{}, err
	}
	if maxDelay > 0 {
		p.MaxDelay = maxDelay
	}
	if c.Retry.Multiplier > 1 {
		p.Multiplier = c.Retry.Multiplier
	}
	return p, nil
}

func (c *Config) BuildTools() ([]tool.Definition, error) {
	defs := make([]tool.Definition, 0, len(c.Tools))
	for _, tc := range c.Tools {
		path := "tools[" + tc.ID + "]"
		declared, err := ParseDurationField(path+".declared_timeout", tc.DeclaredTimeout)
		if err != nil {
			return nil, err
		}
		ttl, err := ParseDurationField(path+".cache_ttl", tc.CacheTTL)
		if err != nil {
			return nil, err
		}
		d := tool.Definition{
			ID:              tc.ID,
			Command:         tc.Command,
			Args:            tc.Args,
			Env:             tc.Env,
			WorkDir:         tc.WorkDir,
			DeclaredTimeout: declared,
			CacheTTL:        ttl,
		}
		if tc.Limits != nil {
			d.Limits = &job.ArgLimits{
				MaxKeys:      tc.Limits.MaxKeys,
				MaxDepth:     tc.Limits.MaxDepth,
				MaxStringLen: tc.Limits.MaxStringLen,
				MaxElements:  tc.Limits.MaxElements,
			}
		}
		defs = append(defs, d)
	}
	return defs, nil
}

// WorkerDurations resolves the worker pool's poll interval and stop grace.
func (c *Config) WorkerDurations() (poll, grace time.Duration, err error) {
	poll, err = ParseDurationOrDefault("workers.poll_interval", c.Workers.PollInterval, 250*time.Millisecond)
	if err != nil {
		return 0, 0, err
	}
	grace, err = ParseDurationOrDefault("workers.stop_grace", c.Workers.StopGrace, 30*time.Second)
	if err != nil {
		return 0, 0, err
	}
	return poll, grace, nil
}

// SchedulerPollInterval resolves the schedule poll cadence.
func (c *Config) SchedulerPollInterval() (time.Duration, error) {
	return ParseDurationOrDefault("scheduler.poll_interval", c.Scheduler.PollInterval, 15*time.Second)
}
