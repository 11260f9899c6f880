// Package notify delivers job-completion notifications. Delivery is
// fire-and-forget: an async pipeline (queue + worker pool + rate limit)
// hands messages to a Sink, and failures are logged, never surfaced to the
// job that triggered them.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"toolq/internal/eventbus"
	"toolq/internal/job"
	rtsup "toolq/internal/runtime/supervisor"
	logx "toolq/pkg/logx"
)

var (
	ErrQueueFull = errors.New("notify queue full")
	ErrStopped   = errors.New("notify service stopped")
)

// Notification is one completion message addressed to a target.
type Notification struct {
	JobID    string
	BatchID  string
	Target   string
	Status   job.Status
	Kind     job.Kind
	Message  string
	Attempts int
	At       time.Time
}

// Sink is the delivery transport. Implementations must be safe for
// concurrent use.
type Sink interface {
	Deliver(ctx context.Context, n Notification) error
}

// LogSink writes notifications to the structured log. It is the default
// transport when no external sink is configured.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Deliver(_ context.Context, n Notification) error {
	s.Log.Info("notification",
		logx.String("job", n.JobID),
		logx.String("target", n.Target),
		logx.String("status", string(n.Status)),
		logx.String("message", n.Message),
	)
	return nil
}

// Config controls the async pipeline.
type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

// Service is the async notification pipeline. Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	sink Sink
	bus  eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Notification
	sup       *rtsup.Supervisor
	stopDone  chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []Notification
}

const historyCap = 300

func New(cfg Config, sink Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if sink == nil {
		sink = LogSink{Log: log}
	}
	return &Service{
		log:  log,
		sink: sink,
		bus:  bus,
		cfg:  cfg,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.queue != nil || s.stopDone != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notify"))),
		// Notification failures must not take down the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notify worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Publish enqueues a notification without blocking. A full queue drops the
// message with ErrQueueFull; callers treat any error as non-fatal.
func (s *Service) Publish(n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- n:
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "notify.queued", Data: n})
		}
		return nil
	default:
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "notify.dropped", Data: n})
		}
		return ErrQueueFull
	}
}

// History returns a copy of the most recent deliveries.
func (s *Service) History() []Notification {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]Notification(nil), s.history...)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-q:
			if !ok {
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := s.sink.Deliver(dctx, n)
			cancel()
			if err != nil {
				s.log.Warn("notification delivery failed",
					logx.String("job", n.JobID), logx.String("target", n.Target), logx.Err(err))
				if s.bus != nil {
					s.bus.Publish(eventbus.Event{Type: "notify.failed", Data: n})
				}
				continue
			}
			s.appendHistory(n)
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: "notify.sent", Data: n})
			}
		}
	}
}

func (s *Service) appendHistory(n Notification) {
	s.hmu.Lock()
	s.history = append(s.history, n)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}
