package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"toolq/internal/job"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

const sampleYAML = `
logging:
  level: debug
  console: true
  file:
    enabled: false
    path: ""
storage:
  driver: sqlite
  path: ./toolq.db
  busy_timeout: 5s
queue:
  global_cap: 100
workers:
  count: 4
  poll_interval: 100ms
  stop_grace: 10s
scheduler:
  enabled: true
  poll_interval: 30s
  batch_limit: 10
cache:
  capacity: 64
timeouts:
  default: 20s
  tiers:
    basic:
      max: 45s
retry:
  max_attempts: 5
  initial_delay: 2s
  max_delay: 30s
  multiplier: 3
notify:
  enabled: true
  workers: 2
  queue_size: 128
  rate_per_sec: 5
metrics:
  enabled: true
  addr: 127.0.0.1:9090
tools:
  - id: search
    command: /usr/local/bin/search-tool
    args: ["--stdio"]
    declared_timeout: 15s
    cache_ttl: 5m
  - id: report
    command: /usr/local/bin/report-tool
    limits:
      max_depth: 4
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Logging.Level != "debug" || !cfg.Scheduler.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if len(cfg.Tools) != 2 || cfg.Tools[0].ID != "search" {
		t.Fatalf("tools = %+v", cfg.Tools)
	}
	if m.Get() != cfg {
		t.Fatal("Get must return the committed config")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", "logging:\n  level: info\nbogus_section: 1\ntools: []\n"))
	if _, err := m.Load(); err == nil || !strings.Contains(err.Error(), "bogus_section") {
		t.Fatalf("unknown field must be rejected, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad duration", func(c *Config) { c.Workers.PollInterval = "fast" }, "workers.poll_interval"},
		{"negative cap", func(c *Config) { c.Queue.GlobalCap = -1 }, "queue.global_cap"},
		{"unknown tier", func(c *Config) {
			c.Timeouts = &TimeoutsConfig{Tiers: map[string]TierBounds{"vip": {}}}
		}, "unknown tier"},
		{"tool without command", func(c *Config) {
			c.Tools = []ToolConfig{{ID: "x"}}
		}, "command is required"},
		{"duplicate tool", func(c *Config) {
			c.Tools = []ToolConfig{{ID: "x", Command: "/bin/x"}, {ID: "x", Command: "/bin/y"}}
		}, "duplicate tool id"},
		{"bad storage driver", func(c *Config) {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}, "storage.driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{}
			tc.mut(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}

	if err := (&Config{}).Validate(); err != nil {
		t.Fatalf("empty config must validate: %v", err)
	}
}

func TestBuildPolicies(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}

	tp, err := cfg.BuildTimeoutPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if tp.Default != 20*time.Second {
		t.Fatalf("default timeout = %v", tp.Default)
	}
	if b := tp.Bounds[job.TierBasic]; b.Max != 45*time.Second || b.Min != time.Second {
		t.Fatalf("basic bounds = %+v (min must keep its default)", b)
	}
	if b := tp.Bounds[job.TierStandard]; b.Max != 5*time.Minute {
		t.Fatalf("untouched tier changed: %+v", b)
	}

	rp, err := cfg.BuildRetryPolicy()
	if err != nil {
		t.Fatal(err)
	}
	if rp.MaxAttempts != 5 || rp.InitialDelay != 2*time.Second || rp.Multiplier != 3 {
		t.Fatalf("retry = %+v", rp)
	}

	defs, err := cfg.BuildTools()
	if err != nil {
		t.Fatal(err)
	}
	if defs[0].DeclaredTimeout != 15*time.Second || defs[0].CacheTTL != 5*time.Minute {
		t.Fatalf("tool defs = %+v", defs[0])
	}
	if defs[1].Limits == nil || defs[1].Limits.MaxDepth != 4 {
		t.Fatalf("tool limits = %+v", defs[1].Limits)
	}

	sc, err := cfg.BuildStorage()
	if err != nil {
		t.Fatal(err)
	}
	if sc.BusyTimeout != 5*time.Second {
		t.Fatalf("storage = %+v", sc)
	}

	poll, grace, err := cfg.WorkerDurations()
	if err != nil || poll != 100*time.Millisecond || grace != 10*time.Second {
		t.Fatalf("worker durations = %v %v %v", poll, grace, err)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	old := &Config{
		Logging: LoggingConfig{Level: "info"},
		Tools: []ToolConfig{
			{ID: "a", Command: "/bin/a"},
			{ID: "b", Command: "/bin/b"},
		},
	}
	next := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Queue:   QueueConfig{GlobalCap: 50},
		Tools: []ToolConfig{
			{ID: "a", Command: "/bin/a-v2"}, // edited
			{ID: "c", Command: "/bin/c"},    // b removed, c added
		},
	}

	changed, _, tools := SummarizeConfigChange(old, next)
	want := []string{"logging", "queue", "tools"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v", changed)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
	if len(tools) != 3 || tools[0] != "a" || tools[1] != "b" || tools[2] != "c" {
		t.Fatalf("changed tools = %v", tools)
	}

	// Identical configs report nothing.
	changed, _, tools = SummarizeConfigChange(old, old)
	if len(changed) != 0 || len(tools) != 0 {
		t.Fatalf("no-op diff reported changes: %v %v", changed, tools)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 1m "); err != nil || d != time.Minute {
		t.Fatalf("got %v %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: %v %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative must error")
	}
	if d, err := ParseDurationOrDefault("x", "", 7*time.Second); err != nil || d != 7*time.Second {
		t.Fatalf("default: %v %v", d, err)
	}
}
