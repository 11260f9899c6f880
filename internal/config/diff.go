package config

import (
	"reflect"
	"sort"
	"strings"

	logx "toolq/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) structured attrs for logging, and (3) the ids of tools whose
// definitions changed (added, removed or edited).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil storage means disabled.
	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oldS != newS || (oldCfg.Storage == nil) != (newCfg.Storage == nil) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs, logx.Int("queue.global_cap", newCfg.Queue.GlobalCap))
	}

	if oldCfg.Workers != newCfg.Workers {
		changed = append(changed, "workers")
		attrs = append(attrs,
			logx.Int("workers.count", newCfg.Workers.Count),
			logx.String("workers.poll_interval", strings.TrimSpace(newCfg.Workers.PollInterval)),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.Int("scheduler.batch_limit", newCfg.Scheduler.BatchLimit),
		)
	}

	if oldCfg.Cache != newCfg.Cache {
		changed = append(changed, "cache")
		attrs = append(attrs, logx.Int("cache.capacity", newCfg.Cache.Capacity))
	}

	if !reflect.DeepEqual(oldCfg.Timeouts, newCfg.Timeouts) {
		changed = append(changed, "timeouts")
	}
	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
	}

	// Nil notify means runtime defaults (enabled).
	oldN, newN := derefNotify(oldCfg.Notify), derefNotify(newCfg.Notify)
	if oldN != newN {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newN.Enabled),
			logx.Int("notify.workers", newN.Workers),
			logx.Int("notify.queue_size", newN.QueueSize),
			logx.Int("notify.rate_per_sec", newN.RatePerSec),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
		)
	}

	changedTools := diffTools(oldCfg.Tools, newCfg.Tools)
	if len(changedTools) > 0 {
		changed = append(changed, "tools")
		attrs = append(attrs,
			logx.Int("tools.changed_count", len(changedTools)),
			logx.Int("tools.total", len(newCfg.Tools)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, changedTools
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{Enabled: true, Workers: 2, QueueSize: 512, RatePerSec: 10}
	}
	return *n
}

func diffTools(oldT, newT []ToolConfig) []string {
	index := func(list []ToolConfig) map[string]uint64 {
		m := make(map[string]uint64, len(list))
		for _, tc := range list {
			m[tc.ID] = canonicalHashJSON(tc)
		}
		return m
	}
	oldM, newM := index(oldT), index(newT)

	set := map[string]struct{}{}
	for id := range oldM {
		set[id] = struct{}{}
	}
	for id := range newM {
		set[id] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		oh, oOK := oldM[id]
		nh, nOK := newM[id]
		if oOK != nOK || oh != nh {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
