// Package worker drains the execution queue: N supervised loops each drive
// one job at a time through the runner. Stop lets in-flight jobs finish up
// to a grace period, then force-cancels them.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"toolq/internal/job"
	"toolq/internal/metrics"
	"toolq/internal/queue"
	"toolq/internal/runner"
	rtsup "toolq/internal/runtime/supervisor"
	"toolq/internal/storage"
	logx "toolq/pkg/logx"
)

type Config struct {
	Count        int
	PollInterval time.Duration
	StopGrace    time.Duration
}

type Pool struct {
	cfg   Config
	q     *queue.Queue
	run   *runner.Runner
	store storage.Store // may be nil
	log   logx.Logger

	mu       sync.Mutex
	sup      *rtsup.Supervisor
	stop     chan struct{}
	inflight map[int]string // loop index -> job id
}

func New(cfg Config, q *queue.Queue, run *runner.Runner, store storage.Store, log logx.Logger) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg,
		q:        q,
		run:      run,
		store:    store,
		log:      log,
		inflight: map[int]string{},
	}
}

// Start launches the worker loops. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return
	}
	p.stop = make(chan struct{})
	p.sup = rtsup.New(ctx,
		rtsup.WithLogger(p.log.With(logx.String("comp", "worker"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < p.cfg.Count; i++ {
		idx := i
		// GoRestart gives each loop panic recovery with backoff, so a bad
		// job cannot take the pool down.
		p.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return p.loop(c, idx)
		}, rtsup.WithPublishFirstError(true))
	}
	p.log.Info("worker pool started", logx.Int("count", p.cfg.Count))
}

// Stop shuts the pool down: loops stop dequeueing immediately, in-flight
// jobs get up to the grace period (bounded by timeout), then are
// force-cancelled through the runner.
func (p *Pool) Stop(timeout time.Duration) {
	p.mu.Lock()
	sup := p.sup
	stop := p.stop
	p.sup = nil
	p.mu.Unlock()
	if sup == nil {
		return
	}
	close(stop)

	grace := p.cfg.StopGrace
	if timeout > 0 && timeout < grace {
		grace = timeout
	}
	wctx, cancel := context.WithTimeout(context.Background(), grace)
	err := sup.Wait(wctx)
	cancel()
	if err == nil {
		p.log.Info("worker pool drained")
		return
	}

	for _, id := range p.inflightIDs() {
		if p.run.Cancel(id) {
			p.log.Warn("force-cancelled in-flight job", logx.String("job", id))
		}
	}
	sup.Cancel()
	wctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	_ = sup.Wait(wctx2)
	cancel2()
	p.log.Info("worker pool stopped")
}

func (p *Pool) loop(ctx context.Context, idx int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh():
			return context.Canceled
		default:
		}

		j := p.q.Dequeue()
		metrics.QueueLength.Set(float64(p.q.Len()))
		if j == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.stopCh():
				return context.Canceled
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		j.SetStatus(job.StatusProcessing)
		if p.store != nil {
			if err := p.store.SaveJob(ctx, j); err != nil {
				p.log.Warn("persist job failed", logx.String("job", j.ID), logx.Err(err))
			}
		}

		p.setInflight(idx, j.ID)
		start := time.Now()
		// Shutdown must not cancel the job mid-attempt; force-cancel during
		// Stop goes through the runner instead.
		p.run.Execute(context.WithoutCancel(ctx), j)
		p.q.RecordExecTime(time.Since(start))
		p.clearInflight(idx)
	}
}

func (p *Pool) stopCh() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop
}

func (p *Pool) setInflight(idx int, jobID string) {
	p.mu.Lock()
	p.inflight[idx] = jobID
	p.mu.Unlock()
}

func (p *Pool) clearInflight(idx int) {
	p.mu.Lock()
	delete(p.inflight, idx)
	p.mu.Unlock()
}

func (p *Pool) inflightIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.inflight))
	for _, id := range p.inflight {
		ids = append(ids, id)
	}
	return ids
}
