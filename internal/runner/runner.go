// Package runner executes jobs end to end: resolve the tool, validate
// arguments, enforce the timeout, drive the stdio protocol, classify
// failures and retry per policy. Side effects (cache, history, notify)
// are best-effort and never decide a job's outcome.
package runner

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"toolq/internal/cache"
	"toolq/internal/eventbus"
	"toolq/internal/job"
	"toolq/internal/metrics"
	"toolq/internal/notify"
	"toolq/internal/storage"
	"toolq/internal/tool"
	logx "toolq/pkg/logx"
)

type Config struct {
	Timeout      job.TimeoutPolicy
	DefaultRetry job.RetryPolicy
	Limits       job.ArgLimits

	// KillGrace is how long a terminated process gets between SIGTERM and
	// SIGKILL. 0 applies the default.
	KillGrace time.Duration
}

const defaultKillGrace = 5 * time.Second

// Runner drives job execution. Safe for concurrent use; one goroutine per
// in-flight job.
type Runner struct {
	cfg      Config
	launcher Launcher
	registry tool.Registry
	cache    *cache.Cache    // nil disables caching
	store    storage.Store   // nil disables history
	notifier *notify.Service // nil disables notifications
	bus      eventbus.Bus
	log      logx.Logger

	mu      sync.Mutex
	running map[string]*attemptState // job id -> live attempt
}

type attemptState struct {
	job       *job.Job
	handle    Handle
	cancel    context.CancelFunc
	cancelled bool
}

func New(cfg Config, launcher Launcher, registry tool.Registry, c *cache.Cache, st storage.Store, n *notify.Service, bus eventbus.Bus, log logx.Logger) *Runner {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.Timeout.Default <= 0 {
		cfg.Timeout = job.DefaultTimeoutPolicy()
	}
	if cfg.DefaultRetry.MaxAttempts == 0 {
		cfg.DefaultRetry = job.DefaultRetryPolicy()
	}
	if launcher == nil {
		launcher = OSLauncher{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.DefaultRetry = cfg.DefaultRetry.Normalize()
	return &Runner{
		cfg:      cfg,
		launcher: launcher,
		registry: registry,
		cache:    c,
		store:    st,
		notifier: n,
		bus:      bus,
		log:      log,
		running:  map[string]*attemptState{},
	}
}

// Execute runs j to a terminal status. The caller has already marked the
// job Processing; Execute owns it from there.
func (r *Runner) Execute(ctx context.Context, j *job.Job) {
	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()

	def, err := r.registry.Resolve(ctx, j.ToolID)
	if err != nil {
		r.finish(ctx, j, job.StatusError, nil, job.NewError(job.KindNotFoundError, "tool %s: %v", j.ToolID, err))
		return
	}

	limits := r.cfg.Limits
	if def.Limits != nil {
		limits = *def.Limits
	}
	sanitized, verr := job.ValidateArguments(j.Arguments, limits)
	if verr != nil {
		verr.JobID = j.ID
		r.finish(ctx, j, job.StatusError, nil, verr)
		return
	}
	j.Arguments = sanitized

	timeout, terr := r.cfg.Timeout.Resolve(j.Options.Timeout, def.DeclaredTimeout, j.Tier)
	if terr != nil {
		terr.JobID = j.ID
		r.finish(ctx, j, job.StatusError, nil, terr)
		return
	}

	retry := r.cfg.DefaultRetry
	if j.Options.Retry != nil {
		retry = j.Options.Retry.Normalize()
	}

	var fp string
	if j.Options.CacheEnabled && r.cache != nil {
		fp = cache.Fingerprint(j.ToolID, j.ToolName, sanitized)
		if e := r.cache.Get(fp); e != nil {
			metrics.CacheHitsTotal.Inc()
			r.finish(ctx, j, job.StatusSuccess, &job.Result{Payload: e.Payload, FromCache: true}, nil)
			return
		}
		metrics.CacheMissesTotal.Inc()
	}

	// One live entry covers the whole execution, so Cancel also lands
	// between attempts, during a retry backoff.
	jctx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	st := &attemptState{job: j, cancel: cancelJob}
	r.mu.Lock()
	r.running[j.ID] = st
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, j.ID)
		r.mu.Unlock()
	}()

	start := time.Now()
	for attempt := 1; ; attempt++ {
		out := r.runAttempt(jctx, st, j, def, timeout)
		r.recordExecution(ctx, j, attempt, out)

		if out.cancelled {
			r.finish(ctx, j, job.StatusCancelled, nil, nil)
			return
		}
		if out.jerr == nil {
			res := &job.Result{
				Payload:     out.payload,
				ExecutionID: out.execID,
				Attempts:    attempt,
				Duration:    time.Since(start),
			}
			if fp != "" {
				r.cache.Put(fp, j.ToolID, out.payload, def.CacheTTL)
			}
			r.finish(ctx, j, job.StatusSuccess, res, nil)
			return
		}

		out.jerr.JobID = j.ID
		out.jerr.ExecutionID = out.execID
		out.jerr.Attempts = attempt
		j.RetryCount = attempt - 1

		if !retry.ShouldRetry(out.jerr.Kind, attempt) {
			status := job.StatusError
			if out.jerr.Kind == job.KindTimeout {
				status = job.StatusTimeout
			}
			r.finish(ctx, j, status, nil, out.jerr)
			return
		}

		metrics.RetriesTotal.WithLabelValues(string(out.jerr.Kind)).Inc()
		j.RetryCount = attempt
		delay := retry.Delay(attempt)
		r.log.Info("retrying job",
			logx.String("job", j.ID),
			logx.String("kind", string(out.jerr.Kind)),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
		)
		select {
		case <-jctx.Done():
			r.finish(ctx, j, job.StatusCancelled, nil, nil)
			return
		case <-time.After(delay):
		}
	}
}

// Cancel interrupts a job's in-flight attempt. It reports false when the
// job has no live attempt (already terminal, or still queued; queued jobs
// are cancelled at the queue).
func (r *Runner) Cancel(jobID string) bool {
	r.mu.Lock()
	st, ok := r.running[jobID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	st.cancelled = true
	r.mu.Unlock()

	st.job.SetStatus(job.StatusCancelling)
	st.cancel()
	r.log.Info("cancelling running job", logx.String("job", jobID))
	return true
}

type attemptOutcome struct {
	execID     string
	payload    map[string]any
	jerr       *job.Error
	cancelled  bool
	startedAt  time.Time
	finishedAt time.Time
}

func (r *Runner) runAttempt(ctx context.Context, st *attemptState, j *job.Job, def tool.Definition, timeout time.Duration) attemptOutcome {
	out := attemptOutcome{execID: uuid.NewString(), startedAt: time.Now()}
	defer func() { out.finishedAt = time.Now() }()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	h, err := r.launcher.Launch(actx, def)
	if err != nil {
		out.jerr = job.NewError(job.Classify(-1, err.Error()), "launch failed: %v", err)
		return out
	}

	r.mu.Lock()
	st.handle = h
	r.mu.Unlock()

	type reply struct {
		payload map[string]any
		err     error
	}
	ch := make(chan reply, 1)
	go func() {
		if err := h.Send(NewCallRequest(out.execID, j.ToolName, j.Arguments)); err != nil {
			ch <- reply{err: err}
			return
		}
		resp, err := h.Recv(out.execID)
		if err != nil {
			ch <- reply{err: err}
			return
		}
		payload, err := resultOf(resp)
		ch <- reply{payload: payload, err: err}
	}()

	select {
	case <-actx.Done():
		h.Stop(r.cfg.KillGrace)
		r.mu.Lock()
		cancelled := st.cancelled
		r.mu.Unlock()
		if cancelled || ctx.Err() != nil {
			out.cancelled = true
			return out
		}
		out.jerr = job.NewError(job.KindTimeout, "tool %s exceeded %s timeout", j.ToolID, timeout)
		return out
	case rep := <-ch:
		h.Stop(r.cfg.KillGrace)
		if rep.err == nil {
			out.payload = rep.payload
			return out
		}
		// The tool may answer with a structured error line; otherwise fall
		// back to exit code plus stderr for classification.
		if respErr, ok := rep.err.(*ResponseError); ok {
			out.jerr = job.NewError(job.Classify(0, respErr.Message), "tool error: %s", respErr.Message)
			return out
		}
		code := h.Wait()
		msg := rep.err.Error()
		if tail := h.Stderr(); tail != "" {
			msg = msg + ": " + tail
		}
		out.jerr = job.NewError(job.Classify(code, msg), "tool failed (exit %d): %s", code, firstLine(msg))
		return out
	}
}

// finish applies the terminal transition, then fires the best-effort side
// effects. The success path above already stored the cache entry.
func (r *Runner) finish(ctx context.Context, j *job.Job, status job.Status, res *job.Result, jerr *job.Error) {
	if !j.Finish(status, res, jerr) {
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(status)).Inc()
	if res != nil && !res.FromCache {
		metrics.JobDurationSeconds.WithLabelValues(j.ToolID).Observe(res.Duration.Seconds())
	}

	if r.store != nil {
		if err := r.store.SaveJob(ctx, j); err != nil {
			r.log.Warn("persist job failed", logx.String("job", j.ID), logx.Err(err))
		}
	}
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: "job.finished", Data: map[string]any{"job_id": j.ID, "status": string(status)}})
	}
	r.notifyTargets(j, status, jerr)

	switch status {
	case job.StatusSuccess:
		r.log.Info("job finished", logx.String("job", j.ID), logx.String("status", string(status)))
	default:
		r.log.Warn("job finished", logx.String("job", j.ID), logx.String("status", string(status)), logx.Err(jerr))
	}
}

func (r *Runner) notifyTargets(j *job.Job, status job.Status, jerr *job.Error) {
	if r.notifier == nil || len(j.Options.NotifyTargets) == 0 {
		return
	}
	msg := "job " + j.ID + " " + string(status)
	var kind job.Kind
	if jerr != nil {
		kind = jerr.Kind
		msg += ": " + jerr.Message
	}
	for _, target := range j.Options.NotifyTargets {
		n := notify.Notification{
			JobID:    j.ID,
			Target:   target,
			Status:   status,
			Kind:     kind,
			Message:  msg,
			Attempts: j.RetryCount + 1,
		}
		if err := r.notifier.Publish(n); err != nil {
			r.log.Warn("notification dropped", logx.String("job", j.ID), logx.String("target", target), logx.Err(err))
		}
	}
}

func (r *Runner) recordExecution(ctx context.Context, j *job.Job, attempt int, out attemptOutcome) {
	if r.store == nil {
		return
	}
	rec := storage.ExecutionRecord{
		ID:         out.execID,
		JobID:      j.ID,
		Attempt:    attempt,
		StartedAt:  out.startedAt,
		FinishedAt: out.finishedAt,
	}
	switch {
	case out.cancelled:
		rec.Status = job.StatusCancelled
	case out.jerr != nil:
		rec.Status = job.StatusError
		if out.jerr.Kind == job.KindTimeout {
			rec.Status = job.StatusTimeout
		}
		rec.ErrorKind = out.jerr.Kind
		rec.ErrorMsg = out.jerr.Message
	default:
		rec.Status = job.StatusSuccess
	}
	if err := r.store.AppendExecution(ctx, rec); err != nil {
		r.log.Warn("persist execution failed", logx.String("job", j.ID), logx.Err(err))
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
