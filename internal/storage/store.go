// Package storage persists jobs, execution history, batches and schedules.
// Two drivers: "sqlite" (durable, default for the daemon) and "memory"
// (tests). Persistence failures are reported to callers but never decide a
// job's outcome.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"toolq/internal/job"
	logx "toolq/pkg/logx"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file
//   - "memory": in-process, volatile
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	Status job.Status
	Owner  string
	ToolID string
	Limit  int
}

// ExecutionRecord is one attempt's audit row, appended after every attempt
// regardless of outcome.
type ExecutionRecord struct {
	ID         string
	JobID      string
	Attempt    int
	Status     job.Status
	ErrorKind  job.Kind
	ErrorMsg   string
	StartedAt  time.Time
	FinishedAt time.Time
}

// BatchRecord is the persisted shape of a batch submission.
type BatchRecord struct {
	ID          string
	Owner       string
	JobIDs      []string
	Status      string
	StopOnError bool
	Concurrency int
	CreatedAt   time.Time
	CompletedAt time.Time
}

// ScheduleRecord is the persisted shape of a recurring job definition.
type ScheduleRecord struct {
	ID        string
	Owner     string
	Tier      job.Tier
	ToolID    string
	ToolName  string
	Arguments map[string]any
	Options   job.Options
	CronExpr  string
	Active    bool
	LastRunAt time.Time
	NextRunAt time.Time
	CreatedAt time.Time
}

// Store is the persistence API used by the execution pipeline.
type Store interface {
	SaveJob(ctx context.Context, j *job.Job) error
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*job.Job, error)

	AppendExecution(ctx context.Context, rec ExecutionRecord) error
	ListExecutions(ctx context.Context, jobID string) ([]ExecutionRecord, error)

	SaveBatch(ctx context.Context, b BatchRecord) error
	GetBatch(ctx context.Context, id string) (BatchRecord, error)

	SaveSchedule(ctx context.Context, s ScheduleRecord) error
	GetSchedule(ctx context.Context, id string) (ScheduleRecord, error)
	ListSchedules(ctx context.Context, activeOnly bool) ([]ScheduleRecord, error)
	DeleteSchedule(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
