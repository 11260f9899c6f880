// Package job defines the unit of work tracked end-to-end through queueing,
// execution and completion, plus the policies applied to it (retry, timeout,
// argument validation) and the error taxonomy used by the runner.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCancelling Status = "cancelling"
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status is final. A terminal job is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Tier is a caller classification. It scales priority bonus, queue capacity
// and timeout bounds.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierStandard   Tier = "standard"
	TierPrivileged Tier = "privileged"
)

// PriorityBonus is the fixed additive bonus applied to the caller-supplied
// priority when computing the queue score.
func (t Tier) PriorityBonus() int {
	switch t {
	case TierStandard:
		return 1
	case TierPrivileged:
		return 3
	default:
		return 0
	}
}

// QueueCap is the per-owner outstanding-queued limit.
func (t Tier) QueueCap() int {
	switch t {
	case TierStandard:
		return 25
	case TierPrivileged:
		return 100
	default:
		return 10
	}
}

const (
	MinPriority = 1
	MaxPriority = 10
)

// Options are the caller-supplied execution options.
type Options struct {
	Timeout       time.Duration `json:"timeout,omitempty"`
	Priority      int           `json:"priority,omitempty"` // 1..10
	Retry         *RetryPolicy  `json:"retry,omitempty"`    // nil means default policy
	CacheEnabled  bool          `json:"cache_enabled,omitempty"`
	NotifyTargets []string      `json:"notify_targets,omitempty"`
}

// Result is a completed job's payload.
type Result struct {
	Payload     map[string]any `json:"payload,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Attempts    int            `json:"attempts"`
	Duration    time.Duration  `json:"duration"`
	FromCache   bool           `json:"from_cache,omitempty"`
}

// Job is a single request to execute a tool.
type Job struct {
	ID        string         `json:"id"`
	ToolID    string         `json:"tool_id"`
	ToolName  string         `json:"tool_name"` // invoked sub-tool name
	Arguments map[string]any `json:"arguments,omitempty"`
	Options   Options        `json:"options"`

	Owner string `json:"owner"`
	Tier  Tier   `json:"tier"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`

	QueuedAt    time.Time `json:"queued_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`

	Result *Result `json:"result,omitempty"`
	Err    *Error  `json:"error,omitempty"`
}

// New builds a Queued job with a fresh id.
func New(toolID, toolName string, args map[string]any, opt Options, owner string, tier Tier) *Job {
	if opt.Priority < MinPriority {
		opt.Priority = MinPriority
	}
	if opt.Priority > MaxPriority {
		opt.Priority = MaxPriority
	}
	if tier == "" {
		tier = TierBasic
	}
	return &Job{
		ID:        uuid.NewString(),
		ToolID:    toolID,
		ToolName:  toolName,
		Arguments: args,
		Options:   opt,
		Owner:     owner,
		Tier:      tier,
		Status:    StatusQueued,
		QueuedAt:  time.Now(),
	}
}

// SetStatus applies a non-terminal transition. It refuses any mutation once
// the job is terminal and reports whether the transition was applied.
func (j *Job) SetStatus(s Status) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = s
	if s == StatusProcessing && j.StartedAt.IsZero() {
		j.StartedAt = time.Now()
	}
	return true
}

// Finish applies a terminal transition with the outcome. Exactly one of
// res/jerr should be set (res for Success, jerr otherwise). It is a no-op
// on an already-terminal job.
func (j *Job) Finish(s Status, res *Result, jerr *Error) bool {
	if !s.Terminal() || j.Status.Terminal() {
		return false
	}
	j.Status = s
	j.Result = res
	j.Err = jerr
	j.CompletedAt = time.Now()
	return true
}

// EffectivePriority is the queue score: base priority plus tier bonus.
func (j *Job) EffectivePriority() int {
	return j.Options.Priority + j.Tier.PriorityBonus()
}
