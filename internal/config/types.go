package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage controls the optional persistence layer. Nil means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	Queue     QueueConfig     `json:"queue,omitempty"`
	Workers   WorkersConfig   `json:"workers,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Cache     CacheConfig     `json:"cache,omitempty"`

	// Timeouts and Retry tune the execution pipeline. Omitted sections fall
	// back to runtime defaults.
	Timeouts *TimeoutsConfig `json:"timeouts,omitempty"`
	Retry    *RetryConfig    `json:"retry,omitempty"`

	Notify  *NotifyConfig `json:"notify,omitempty"`
	Metrics MetricsConfig `json:"metrics,omitempty"`

	// Tools is the registry: every tool program jobs may invoke.
	Tools []ToolConfig `json:"tools"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./toolq.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type QueueConfig struct {
	// GlobalCap bounds the total queued-job count across all owners.
	// 0 keeps the runtime default.
	GlobalCap int `json:"global_cap,omitempty"`
}

// WorkersConfig sizes the pool that drains the queue.
//
// All durations are Go duration strings (e.g. "250ms", "30s").
type WorkersConfig struct {
	Count        int    `json:"count,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
	StopGrace    string `json:"stop_grace,omitempty"`
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"`
	BatchLimit   int    `json:"batch_limit,omitempty"`
}

type CacheConfig struct {
	Capacity int `json:"capacity,omitempty"`
}

// TimeoutsConfig sets the default attempt timeout and per-tier clamp bounds.
// Tier keys are "basic", "standard", "privileged".
type TimeoutsConfig struct {
	Default string                `json:"default,omitempty"`
	Tiers   map[string]TierBounds `json:"tiers,omitempty"`
}

type TierBounds struct {
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

type RetryConfig struct {
	MaxAttempts  int     `json:"max_attempts,omitempty"`
	InitialDelay string  `json:"initial_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
}

// NotifyConfig controls the async notification pipeline. If the section is
// omitted the pipeline defaults to enabled.
type NotifyConfig struct {
	Enabled    bool `json:"enabled"`
	Workers    int  `json:"workers,omitempty"`
	QueueSize  int  `json:"queue_size,omitempty"`
	RatePerSec int  `json:"rate_per_sec,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
}

// ToolConfig declares one launchable tool program.
//
// DeclaredTimeout and CacheTTL are Go duration strings.
type ToolConfig struct {
	ID      string   `json:"id"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"workdir,omitempty"`

	DeclaredTimeout string `json:"declared_timeout,omitempty"`
	CacheTTL        string `json:"cache_ttl,omitempty"`

	Limits *ToolLimits `json:"limits,omitempty"`
}

// ToolLimits overrides the argument validator's defaults for one tool.
type ToolLimits struct {
	MaxKeys      int `json:"max_keys,omitempty"`
	MaxDepth     int `json:"max_depth,omitempty"`
	MaxStringLen int `json:"max_string_len,omitempty"`
	MaxElements  int `json:"max_elements,omitempty"`
}

var validLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true,
	"warn": true, "error": true,
}

var validTiers = map[string]bool{"basic": true, "standard": true, "privileged": true}

// Validate checks everything that can be checked without wiring: duration
// strings parse, the logging level is known, tool entries are well formed.
// Watch() runs it (via the validator hook) before committing a reload.
func (c *Config) Validate() error {
	if !validLevels[strings.ToLower(strings.TrimSpace(c.Logging.Level))] {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		return fmt.Errorf("logging.file.path is required when file logging is enabled")
	}

	if c.Storage != nil {
		switch strings.TrimSpace(c.Storage.Driver) {
		case "", "sqlite", "memory":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	if c.Queue.GlobalCap < 0 {
		return fmt.Errorf("queue.global_cap must be >= 0")
	}
	if _, err := ParseDurationField("workers.poll_interval", c.Workers.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("workers.stop_grace", c.Workers.StopGrace); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err != nil {
		return err
	}

	if c.Timeouts != nil {
		if _, err := ParseDurationField("timeouts.default", c.Timeouts.Default); err != nil {
			return err
		}
		for tier, b := range c.Timeouts.Tiers {
			if !validTiers[tier] {
				return fmt.Errorf("timeouts.tiers: unknown tier %q", tier)
			}
			if _, err := ParseDurationField("timeouts.tiers."+tier+".min", b.Min); err != nil {
				return err
			}
			if _, err := ParseDurationField("timeouts.tiers."+tier+".max", b.Max); err != nil {
				return err
			}
		}
	}
	if c.Retry != nil {
		if _, err := ParseDurationField("retry.initial_delay", c.Retry.InitialDelay); err != nil {
			return err
		}
		if _, err := ParseDurationField("retry.max_delay", c.Retry.MaxDelay); err != nil {
			return err
		}
		if c.Retry.Multiplier < 0 {
			return fmt.Errorf("retry.multiplier must be >= 0")
		}
	}

	seen := map[string]bool{}
	for i, tc := range c.Tools {
		path := fmt.Sprintf("tools[%d]", i)
		if strings.TrimSpace(tc.ID) == "" {
			return fmt.Errorf("%s.id is required", path)
		}
		if strings.TrimSpace(tc.Command) == "" {
			return fmt.Errorf("%s (%s): command is required", path, tc.ID)
		}
		if seen[tc.ID] {
			return fmt.Errorf("%s: duplicate tool id %q", path, tc.ID)
		}
		seen[tc.ID] = true
		if _, err := ParseDurationField(path+".declared_timeout", tc.DeclaredTimeout); err != nil {
			return err
		}
		if _, err := ParseDurationField(path+".cache_ttl", tc.CacheTTL); err != nil {
			return err
		}
	}
	return nil
}
