package app

import (
	"context"
	"errors"

	"toolq/internal/batch"
	"toolq/internal/job"
	"toolq/internal/metrics"
	"toolq/internal/queue"
	"toolq/internal/storage"
	"toolq/internal/tool"
	logx "toolq/pkg/logx"
)

// ErrNoPersistence marks operations that need the storage layer while it is
// disabled (schedules, historical lookups).
var ErrNoPersistence = errors.New("persistence is disabled")

// SubmitRequest is one job submission.
type SubmitRequest struct {
	ToolID    string
	ToolName  string
	Arguments map[string]any
	Options   job.Options
	Owner     string
	Tier      job.Tier
}

// SubmitResult reports the admitted job and its queue standing.
type SubmitResult struct {
	JobID  string
	Queued queue.QueuedInfo
}

// SubmitJob admits a job: the tool must exist and the queue must have room.
// Validation of arguments happens at execution time, inside the runner.
func (a *App) SubmitJob(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	if _, err := a.registry.Resolve(ctx, req.ToolID); err != nil {
		metrics.JobsRejectedTotal.WithLabelValues("unknown_tool").Inc()
		return SubmitResult{}, job.NewError(job.KindNotFoundError, "tool %q is not registered", req.ToolID)
	}

	j := job.New(req.ToolID, req.ToolName, req.Arguments, req.Options, req.Owner, req.Tier)
	info, err := a.queue.Enqueue(j)
	if err != nil {
		var cerr *queue.CapacityError
		if errors.As(err, &cerr) {
			metrics.JobsRejectedTotal.WithLabelValues("capacity_" + cerr.Scope).Inc()
		}
		return SubmitResult{}, err
	}
	metrics.JobsSubmittedTotal.WithLabelValues(string(j.Tier)).Inc()

	if a.store != nil {
		if err := a.store.SaveJob(ctx, j); err != nil {
			a.log.Warn("persist submitted job failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
	return SubmitResult{JobID: j.ID, Queued: info}, nil
}

// CancelJob cancels a queued or running job. Returns false when the job is
// unknown or already terminal.
func (a *App) CancelJob(ctx context.Context, jobID string) bool {
	if a.queue.Cancel(jobID) {
		return true
	}
	return a.run.Cancel(jobID)
}

// GetJob returns the persisted view of a job.
func (a *App) GetJob(ctx context.Context, jobID string) (*job.Job, error) {
	if a.store == nil {
		return nil, ErrNoPersistence
	}
	return a.store.GetJob(ctx, jobID)
}

// QueuePosition reports a queued job's standing.
func (a *App) QueuePosition(jobID string) (queue.QueuedInfo, bool) {
	pos, wait, total, ok := a.queue.Position(jobID)
	if !ok {
		return queue.QueuedInfo{}, false
	}
	return queue.QueuedInfo{Position: pos, EstimatedWait: wait, TotalQueued: total}, true
}

// Executions returns the attempt history of a job.
func (a *App) Executions(ctx context.Context, jobID string) ([]storage.ExecutionRecord, error) {
	if a.store == nil {
		return nil, ErrNoPersistence
	}
	return a.store.ListExecutions(ctx, jobID)
}

// RunBatch starts a batch and returns its initial snapshot.
func (a *App) RunBatch(ctx context.Context, spec batch.Spec) (batch.Info, error) {
	return a.batches.Run(ctx, spec)
}

// CancelBatch cancels a running batch on behalf of owner.
func (a *App) CancelBatch(batchID, owner string) (bool, error) {
	return a.batches.Cancel(batchID, owner)
}

// BatchStatus returns a batch snapshot.
func (a *App) BatchStatus(batchID string) (batch.Info, error) {
	return a.batches.Status(batchID)
}

// CreateSchedule registers a recurring job.
func (a *App) CreateSchedule(ctx context.Context, rec storage.ScheduleRecord) (storage.ScheduleRecord, error) {
	if a.sched == nil {
		return storage.ScheduleRecord{}, ErrNoPersistence
	}
	return a.sched.Create(ctx, rec)
}

// DeleteSchedule removes a schedule.
func (a *App) DeleteSchedule(ctx context.Context, id string) error {
	if a.sched == nil {
		return ErrNoPersistence
	}
	return a.sched.Delete(ctx, id)
}

// ListSchedules returns all schedules, optionally only active ones.
func (a *App) ListSchedules(ctx context.Context, activeOnly bool) ([]storage.ScheduleRecord, error) {
	if a.store == nil {
		return nil, ErrNoPersistence
	}
	return a.store.ListSchedules(ctx, activeOnly)
}

// Tools lists the registered tool definitions.
func (a *App) Tools(ctx context.Context) []tool.Definition {
	return a.registry.List(ctx)
}

// QueueSnapshot reports queue depth and throughput.
func (a *App) QueueSnapshot() queue.Snapshot {
	return a.queue.Snapshot()
}
