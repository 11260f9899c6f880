// Package batch coordinates concurrent execution of a group of sub-jobs
// under a shared concurrency limiter, with stop-on-error and owner-only
// cancellation.
package batch

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"toolq/internal/job"
	"toolq/internal/storage"
	logx "toolq/pkg/logx"
)

const (
	MaxJobs        = 50
	MaxConcurrency = 20
)

var (
	ErrNotFound = errors.New("batch not found")
	ErrNotOwner = errors.New("batch belongs to a different owner")
	ErrTerminal = errors.New("batch already terminal")
)

// Status is a batch's aggregate state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool { return s != StatusRunning }

// SubState is a sub-job's state as the batch sees it. It mirrors the job's
// own status except for Skipped, which only exists at the batch level.
type SubState string

const (
	SubPending   SubState = "pending"
	SubRunning   SubState = "running"
	SubSucceeded SubState = "succeeded"
	SubFailed    SubState = "failed"
	SubSkipped   SubState = "skipped"
	SubCancelled SubState = "cancelled"
)

// JobSpec is one sub-job in a batch submission.
type JobSpec struct {
	ToolID    string
	ToolName  string
	Arguments map[string]any
	Options   job.Options
}

// Spec is a batch submission.
type Spec struct {
	Owner       string
	Tier        job.Tier
	Concurrency int
	StopOnError bool
	Jobs        []JobSpec
}

func (s Spec) validate() error {
	if n := len(s.Jobs); n < 1 || n > MaxJobs {
		return job.NewError(job.KindValidationError, "batch must contain 1..%d jobs, got %d", MaxJobs, len(s.Jobs))
	}
	if s.Concurrency < 1 || s.Concurrency > MaxConcurrency {
		return job.NewError(job.KindValidationError, "batch concurrency must be 1..%d, got %d", MaxConcurrency, s.Concurrency)
	}
	for i, js := range s.Jobs {
		if js.ToolID == "" || js.ToolName == "" {
			return job.NewError(job.KindValidationError, "batch job %d is missing its tool reference", i)
		}
	}
	return nil
}

// Info is the externally visible view of a batch.
type Info struct {
	ID          string
	Owner       string
	Status      Status
	Total       int
	Succeeded   int
	Failed      int
	Skipped     int
	Cancelled   int
	JobIDs      []string
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Executor runs a single job to a terminal status. Satisfied by the runner.
type Executor interface {
	Execute(ctx context.Context, j *job.Job)
}

// Coordinator owns batch dispatch. Safe for concurrent use.
type Coordinator struct {
	exec  Executor
	store storage.Store // may be nil
	log   logx.Logger

	mu      sync.Mutex
	batches map[string]*state
}

type state struct {
	mu        sync.Mutex
	id        string
	owner     string
	status    Status
	stopOn    bool
	limit     int
	jobs      []*job.Job
	sub       []SubState
	createdAt time.Time
	doneAt    time.Time

	cancel    context.CancelFunc
	stopFlag  atomic.Bool // raised on first failure when stopOnError
	cancelled atomic.Bool
}

func NewCoordinator(exec Executor, st storage.Store, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		exec:    exec,
		store:   st,
		log:     log,
		batches: map[string]*state{},
	}
}

// Run validates the spec, creates the batch and returns immediately;
// sub-jobs execute in the background.
func (c *Coordinator) Run(ctx context.Context, spec Spec) (Info, error) {
	if err := spec.validate(); err != nil {
		return Info{}, err
	}

	bctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &state{
		id:        uuid.NewString(),
		owner:     spec.Owner,
		status:    StatusRunning,
		stopOn:    spec.StopOnError,
		limit:     spec.Concurrency,
		createdAt: time.Now(),
		cancel:    cancel,
	}
	for _, js := range spec.Jobs {
		j := job.New(js.ToolID, js.ToolName, js.Arguments, js.Options, spec.Owner, spec.Tier)
		st.jobs = append(st.jobs, j)
		st.sub = append(st.sub, SubPending)
	}

	c.mu.Lock()
	c.batches[st.id] = st
	c.mu.Unlock()
	c.persist(ctx, st)

	go c.dispatch(bctx, st, spec.Concurrency)
	return c.info(st), nil
}

// Status reports a batch by id.
func (c *Coordinator) Status(batchID string) (Info, error) {
	c.mu.Lock()
	st, ok := c.batches[batchID]
	c.mu.Unlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	return c.info(st), nil
}

// Cancel stops a running batch. Only the owning principal may cancel, and
// only before the batch is terminal. In-flight sub-jobs are signalled;
// not-yet-started ones are marked Cancelled.
func (c *Coordinator) Cancel(batchID, owner string) (bool, error) {
	c.mu.Lock()
	st, ok := c.batches[batchID]
	c.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}
	if st.owner != owner {
		return false, ErrNotOwner
	}

	st.mu.Lock()
	if st.status.Terminal() {
		st.mu.Unlock()
		return false, ErrTerminal
	}
	st.mu.Unlock()

	st.cancelled.Store(true)
	st.cancel()
	c.log.Info("batch cancelled", logx.String("batch", batchID), logx.String("owner", owner))
	return true, nil
}

// dispatch runs every sub-job under the semaphore and settles the batch.
// An unexpected coordinator failure marks the batch Failed rather than
// leaving it Running forever.
func (c *Coordinator) dispatch(ctx context.Context, st *state, concurrency int) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("batch dispatch panicked",
				logx.String("batch", st.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			c.settle(ctx, st, StatusFailed)
		}
	}()

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i := range st.jobs {
		if st.cancelled.Load() {
			c.markIdle(st, i, SubCancelled, "batch cancelled")
			continue
		}
		if st.stopFlag.Load() {
			c.markIdle(st, i, SubSkipped, "batch stopped on earlier failure")
			continue
		}

		sem <- struct{}{}
		// Re-check after waiting on the limiter: a failure or cancel may
		// have landed while this sub-job was queued behind it.
		if st.cancelled.Load() {
			<-sem
			c.markIdle(st, i, SubCancelled, "batch cancelled")
			continue
		}
		if st.stopFlag.Load() {
			<-sem
			c.markIdle(st, i, SubSkipped, "batch stopped on earlier failure")
			continue
		}

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()
			c.runSub(ctx, st, idx)
		}(i)
	}
	wg.Wait()

	final := StatusCompleted
	st.mu.Lock()
	if st.cancelled.Load() {
		final = StatusCancelled
	} else {
		for _, s := range st.sub {
			if s == SubFailed {
				final = StatusFailed
				break
			}
		}
	}
	st.mu.Unlock()
	c.settle(ctx, st, final)
}

func (c *Coordinator) runSub(ctx context.Context, st *state, idx int) {
	j := st.jobs[idx]
	st.mu.Lock()
	st.sub[idx] = SubRunning
	st.mu.Unlock()

	j.SetStatus(job.StatusProcessing)
	c.exec.Execute(ctx, j)

	var sub SubState
	switch j.Status {
	case job.StatusSuccess:
		sub = SubSucceeded
	case job.StatusCancelled:
		sub = SubCancelled
	default:
		sub = SubFailed
		if st.stopOn {
			st.stopFlag.Store(true)
		}
	}
	st.mu.Lock()
	st.sub[idx] = sub
	st.mu.Unlock()
}

// markIdle settles a sub-job that will never run.
func (c *Coordinator) markIdle(st *state, idx int, sub SubState, reason string) {
	j := st.jobs[idx]
	j.Finish(job.StatusCancelled, nil, job.NewError(job.KindUnknown, "%s", reason))
	st.mu.Lock()
	st.sub[idx] = sub
	st.mu.Unlock()
}

func (c *Coordinator) settle(ctx context.Context, st *state, final Status) {
	st.mu.Lock()
	if st.status.Terminal() {
		st.mu.Unlock()
		return
	}
	st.status = final
	st.doneAt = time.Now()
	st.mu.Unlock()

	c.persist(ctx, st)
	c.log.Info("batch finished", logx.String("batch", st.id), logx.String("status", string(final)))
}

func (c *Coordinator) persist(ctx context.Context, st *state) {
	if c.store == nil {
		return
	}
	info := c.info(st)
	rec := storage.BatchRecord{
		ID:          info.ID,
		Owner:       info.Owner,
		Status:      string(info.Status),
		StopOnError: st.stopOn,
		Concurrency: st.limit,
		JobIDs:      info.JobIDs,
		CreatedAt:   info.CreatedAt,
		CompletedAt: info.CompletedAt,
	}
	if err := c.store.SaveBatch(ctx, rec); err != nil {
		c.log.Warn("persist batch failed", logx.String("batch", st.id), logx.Err(err))
	}
}

func (c *Coordinator) info(st *state) Info {
	st.mu.Lock()
	defer st.mu.Unlock()

	info := Info{
		ID:          st.id,
		Owner:       st.owner,
		Status:      st.status,
		Total:       len(st.jobs),
		CreatedAt:   st.createdAt,
		CompletedAt: st.doneAt,
	}
	for i, s := range st.sub {
		info.JobIDs = append(info.JobIDs, st.jobs[i].ID)
		switch s {
		case SubSucceeded:
			info.Succeeded++
		case SubFailed:
			info.Failed++
		case SubSkipped:
			info.Skipped++
		case SubCancelled:
			info.Cancelled++
		}
	}
	return info
}
