// Package schedule turns cron expressions into queued jobs. A supervised
// poll loop selects due schedules, submits a job per schedule and advances
// next_execution_at; completions reported back update last-run bookkeeping.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"toolq/internal/job"
	"toolq/internal/queue"
	rtsup "toolq/internal/runtime/supervisor"
	"toolq/internal/storage"
	logx "toolq/pkg/logx"
)

var ErrNotFound = errors.New("schedule not found")

// Cron expressions accept the standard 5 fields, an optional leading
// seconds field, and descriptors like @hourly / @every.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NextOccurrence evaluates a cron expression relative to from.
func NextOccurrence(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	next := sched.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron %q never fires", expr)
	}
	return next, nil
}

// DefaultPriority is applied to scheduler-injected jobs; schedules do not
// carry caller priorities.
const DefaultPriority = 5

// Enqueuer admits jobs into the execution queue.
type Enqueuer interface {
	Enqueue(j *job.Job) (queue.QueuedInfo, error)
}

type Config struct {
	PollInterval time.Duration
	BatchLimit   int // max schedules triggered per poll
}

// Service owns schedule bookkeeping and the poll loop.
type Service struct {
	cfg   Config
	store storage.Store
	q     Enqueuer
	log   logx.Logger

	mu        sync.Mutex
	triggered map[string]string // job id -> schedule id, until completion reported
}

func New(cfg Config, store storage.Store, q Enqueuer, log logx.Logger) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 25
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		q:         q,
		log:       log,
		triggered: map[string]string{},
	}
}

// Create validates and persists a new schedule with its first fire time.
func (s *Service) Create(ctx context.Context, rec storage.ScheduleRecord) (storage.ScheduleRecord, error) {
	if rec.ToolID == "" || rec.ToolName == "" {
		return storage.ScheduleRecord{}, job.NewError(job.KindValidationError, "schedule is missing its tool reference")
	}
	next, err := NextOccurrence(rec.CronExpr, time.Now())
	if err != nil {
		return storage.ScheduleRecord{}, job.NewError(job.KindValidationError, "invalid cron expression: %v", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.Active = true
	rec.NextRunAt = next
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if err := s.store.SaveSchedule(ctx, rec); err != nil {
		return storage.ScheduleRecord{}, err
	}
	return rec, nil
}

// Delete removes a schedule.
func (s *Service) Delete(ctx context.Context, id string) error {
	err := s.store.DeleteSchedule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// DueSchedules returns active schedules whose fire time has passed,
// oldest-due first, capped at limit.
func (s *Service) DueSchedules(ctx context.Context, limit int) ([]storage.ScheduleRecord, error) {
	all, err := s.store.ListSchedules(ctx, true)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var due []storage.ScheduleRecord
	for _, rec := range all {
		if !rec.NextRunAt.IsZero() && !rec.NextRunAt.After(now) {
			due = append(due, rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Trigger submits the schedule's job and advances next_execution_at so the
// next poll doesn't fire it again. A schedule whose expression no longer
// parses is deactivated rather than retried forever.
func (s *Service) Trigger(ctx context.Context, rec storage.ScheduleRecord) (string, error) {
	next, err := NextOccurrence(rec.CronExpr, time.Now())
	if err != nil {
		s.deactivate(ctx, rec, err)
		return "", err
	}

	opts := rec.Options
	opts.Priority = DefaultPriority
	j := job.New(rec.ToolID, rec.ToolName, rec.Arguments, opts, rec.Owner, rec.Tier)
	if _, err := s.q.Enqueue(j); err != nil {
		// Capacity pressure is transient; leave next_execution_at alone so
		// the next poll retries.
		return "", err
	}

	s.mu.Lock()
	s.triggered[j.ID] = rec.ID
	s.mu.Unlock()

	rec.NextRunAt = next
	if err := s.store.SaveSchedule(ctx, rec); err != nil {
		s.log.Warn("persist schedule failed", logx.String("schedule", rec.ID), logx.Err(err))
	}
	s.log.Info("schedule triggered",
		logx.String("schedule", rec.ID), logx.String("job", j.ID), logx.Any("next", next))
	return j.ID, nil
}

// AdvanceAfterExecution records a triggered job's completion against its
// schedule and recomputes the fire time from now.
func (s *Service) AdvanceAfterExecution(ctx context.Context, scheduleID string, lastStatus job.Status) error {
	rec, err := s.store.GetSchedule(ctx, scheduleID)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	rec.LastRunAt = time.Now()
	next, nerr := NextOccurrence(rec.CronExpr, time.Now())
	if nerr != nil {
		s.deactivate(ctx, rec, nerr)
		return nerr
	}
	if next.After(rec.NextRunAt) {
		rec.NextRunAt = next
	}
	if err := s.store.SaveSchedule(ctx, rec); err != nil {
		return err
	}
	s.log.Debug("schedule advanced",
		logx.String("schedule", scheduleID), logx.String("last_status", string(lastStatus)))
	return nil
}

// OnJobFinished resolves a finished job back to its schedule, if it was
// scheduler-injected, and advances it.
func (s *Service) OnJobFinished(ctx context.Context, jobID string, status job.Status) {
	s.mu.Lock()
	schedID, ok := s.triggered[jobID]
	if ok {
		delete(s.triggered, jobID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := s.AdvanceAfterExecution(ctx, schedID, status); err != nil {
		s.log.Warn("advance schedule failed", logx.String("schedule", schedID), logx.Err(err))
	}
}

// Run starts the supervised poll loop on sup and returns immediately.
func (s *Service) Run(sup *rtsup.Supervisor) {
	sup.GoRestart("schedule.poll", func(ctx context.Context) error {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				s.pollOnce(ctx)
			}
		}
	}, rtsup.WithPublishFirstError(true))
}

func (s *Service) pollOnce(ctx context.Context) {
	due, err := s.DueSchedules(ctx, s.cfg.BatchLimit)
	if err != nil {
		s.log.Warn("schedule poll failed", logx.Err(err))
		return
	}
	for _, rec := range due {
		if _, err := s.Trigger(ctx, rec); err != nil {
			s.log.Warn("schedule trigger failed", logx.String("schedule", rec.ID), logx.Err(err))
		}
	}
}

func (s *Service) deactivate(ctx context.Context, rec storage.ScheduleRecord, cause error) {
	rec.Active = false
	if err := s.store.SaveSchedule(ctx, rec); err != nil {
		s.log.Warn("deactivate schedule failed", logx.String("schedule", rec.ID), logx.Err(err))
		return
	}
	s.log.Error("schedule deactivated: cron expression no longer evaluates",
		logx.String("schedule", rec.ID), logx.String("expr", rec.CronExpr), logx.Err(cause))
}
