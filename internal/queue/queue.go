// Package queue is the admission-controlled, priority-ordered index of
// pending jobs. Ordering is (effective priority desc, enqueue order asc);
// admission is bounded globally and per owner (capped by tier).
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"toolq/internal/eventbus"
	"toolq/internal/job"
	logx "toolq/pkg/logx"
)

// CapacityError is the admission-time rejection. It is a distinct type so
// callers can tell capacity pressure from validation failures.
type CapacityError struct {
	Scope string // "global" or "owner"
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue capacity exceeded (%s limit %d)", e.Scope, e.Limit)
}

// QueuedInfo is returned on a successful enqueue.
type QueuedInfo struct {
	Position      int
	EstimatedWait time.Duration
	TotalQueued   int
}

type Config struct {
	// GlobalCap bounds the total outstanding-queued count. 0 applies a default.
	GlobalCap int
}

const defaultGlobalCap = 500

type entry struct {
	job   *job.Job
	score int
	seq   uint64
	index int // heap index
}

// Queue is safe for concurrent use. The ordered index has its own lock;
// nothing here blocks on job execution.
type Queue struct {
	mu       sync.Mutex
	log      logx.Logger
	bus      eventbus.Bus
	cfg      Config
	h        entryHeap
	byID     map[string]*entry
	perOwner map[string]int
	seq      uint64

	// EWMA of observed execution time, feeds wait estimation.
	avgExec time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Queue {
	if cfg.GlobalCap <= 0 {
		cfg.GlobalCap = defaultGlobalCap
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		log:      log,
		bus:      bus,
		cfg:      cfg,
		byID:     map[string]*entry{},
		perOwner: map[string]int{},
		avgExec:  5 * time.Second,
	}
}

// SetGlobalCap applies a new global bound. Jobs already queued above the new
// cap stay; only new admissions are affected. cap <= 0 restores the default.
func (q *Queue) SetGlobalCap(limit int) {
	if limit <= 0 {
		limit = defaultGlobalCap
	}
	q.mu.Lock()
	q.cfg.GlobalCap = limit
	q.mu.Unlock()
	q.log.Info("queue global cap updated", logx.Int("cap", limit))
}

// Enqueue admits a queued job or rejects it with a *CapacityError.
// Capacity rejections never create a queue entry.
func (q *Queue) Enqueue(j *job.Job) (QueuedInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.byID) >= q.cfg.GlobalCap {
		return QueuedInfo{}, &CapacityError{Scope: "global", Limit: q.cfg.GlobalCap}
	}
	if limit := j.Tier.QueueCap(); q.perOwner[j.Owner] >= limit {
		return QueuedInfo{}, &CapacityError{Scope: "owner", Limit: limit}
	}
	if _, dup := q.byID[j.ID]; dup {
		return QueuedInfo{}, fmt.Errorf("job %s already queued", j.ID)
	}

	q.seq++
	e := &entry{job: j, score: j.EffectivePriority(), seq: q.seq}
	heap.Push(&q.h, e)
	q.byID[j.ID] = e
	q.perOwner[j.Owner]++

	pos := q.positionLocked(e)
	info := QueuedInfo{
		Position:      pos,
		EstimatedWait: q.estimatedWaitLocked(pos),
		TotalQueued:   len(q.byID),
	}
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: "queue.enqueued", Data: map[string]any{"job_id": j.ID, "score": e.score, "position": pos}})
	}
	q.log.Debug("job enqueued", logx.String("job", j.ID), logx.Int("score", e.score), logx.Int("position", pos))
	return info, nil
}

// Dequeue removes and returns the highest-scored (oldest within a score
// band) job, or nil when the queue is empty.
func (q *Queue) Dequeue() *job.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.h.Len() == 0 {
		return nil
	}
	e := heap.Pop(&q.h).(*entry)
	q.dropLocked(e)
	return e.job
}

// Position reports the 1-based position, estimated wait and total queued
// for a still-queued job. The answer is exact under the queue lock but may
// be stale by the time the caller reads it; treat as best-effort.
func (q *Queue) Position(jobID string) (pos int, wait time.Duration, total int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, found := q.byID[jobID]
	if !found {
		return 0, 0, len(q.byID), false
	}
	pos = q.positionLocked(e)
	return pos, q.estimatedWaitLocked(pos), len(q.byID), true
}

// Cancel removes a still-queued job and marks it Cancelled immediately.
// Unknown or already-dequeued jobs are a no-op returning false; cancelling
// a job already handed to the runner is the runner's responsibility.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	e, found := q.byID[jobID]
	if !found {
		q.mu.Unlock()
		return false
	}
	heap.Remove(&q.h, e.index)
	q.dropLocked(e)
	q.mu.Unlock()

	e.job.Finish(job.StatusCancelled, nil, nil)
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: "queue.cancelled", Data: map[string]any{"job_id": jobID}})
	}
	q.log.Debug("queued job cancelled", logx.String("job", jobID))
	return true
}

// RecordExecTime feeds a completed execution's duration into the EWMA used
// for wait estimation.
func (q *Queue) RecordExecTime(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	// 0.2 smoothing: stable under bursts, still tracks drift.
	q.avgExec = time.Duration(float64(q.avgExec)*0.8 + float64(d)*0.2)
	q.mu.Unlock()
}

// Len reports the outstanding-queued count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

// Snapshot is a point-in-time diagnostic view.
type Snapshot struct {
	Queued      int
	GlobalCap   int
	AvgExecTime time.Duration
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Snapshot{Queued: len(q.byID), GlobalCap: q.cfg.GlobalCap, AvgExecTime: q.avgExec}
}

func (q *Queue) dropLocked(e *entry) {
	delete(q.byID, e.job.ID)
	if n := q.perOwner[e.job.Owner]; n <= 1 {
		delete(q.perOwner, e.job.Owner)
	} else {
		q.perOwner[e.job.Owner] = n - 1
	}
}

// positionLocked counts entries sorting ahead of e, plus one.
// Computed lazily per query rather than maintained incrementally.
func (q *Queue) positionLocked(e *entry) int {
	ahead := 0
	for _, other := range q.byID {
		if other == e {
			continue
		}
		if other.sortsBefore(e) {
			ahead++
		}
	}
	return ahead + 1
}

func (q *Queue) estimatedWaitLocked(pos int) time.Duration {
	if pos <= 1 {
		return 0
	}
	return time.Duration(pos-1) * q.avgExec
}

func (e *entry) sortsBefore(other *entry) bool {
	if e.score != other.score {
		return e.score > other.score
	}
	return e.seq < other.seq
}

// ---- heap ----

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].sortsBefore(h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
