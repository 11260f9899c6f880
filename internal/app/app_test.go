package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"toolq/internal/job"
	"toolq/internal/queue"
	"toolq/internal/storage"
)

const testConfig = `
logging:
  level: error
  console: false
  file:
    enabled: false
    path: ""
storage:
  driver: memory
queue:
  global_cap: 3
tools:
  - id: tool-1
    command: /bin/true
`

func newTestApp(t *testing.T) *App {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(p, []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := New(p)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	ctx := context.Background()

	res, err := a.SubmitJob(ctx, SubmitRequest{
		ToolID: "tool-1", ToolName: "search",
		Arguments: map[string]any{"q": "x"},
		Owner:     "alice", Tier: job.TierStandard,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.JobID == "" || res.Queued.Position != 1 {
		t.Fatalf("result = %+v", res)
	}

	// Persisted immediately as queued.
	saved, err := a.GetJob(ctx, res.JobID)
	if err != nil || saved.Status != job.StatusQueued {
		t.Fatalf("persisted job: %+v err=%v", saved, err)
	}

	// Unknown tools are rejected before touching the queue.
	_, err = a.SubmitJob(ctx, SubmitRequest{ToolID: "nope", Owner: "alice"})
	var jerr *job.Error
	if !errors.As(err, &jerr) || jerr.Kind != job.KindNotFoundError {
		t.Fatalf("want not_found_error, got %v", err)
	}
}

func TestSubmitJobCapacity(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := a.SubmitJob(ctx, SubmitRequest{ToolID: "tool-1", Owner: "alice", Tier: job.TierPrivileged}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err := a.SubmitJob(ctx, SubmitRequest{ToolID: "tool-1", Owner: "alice", Tier: job.TierPrivileged})
	var cerr *queue.CapacityError
	if !errors.As(err, &cerr) || cerr.Scope != "global" {
		t.Fatalf("want global capacity error, got %v", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	ctx := context.Background()

	res, err := a.SubmitJob(ctx, SubmitRequest{ToolID: "tool-1", Owner: "alice"})
	if err != nil {
		t.Fatal(err)
	}

	if !a.CancelJob(ctx, res.JobID) {
		t.Fatal("cancel queued job must succeed")
	}
	if a.CancelJob(ctx, res.JobID) {
		t.Fatal("second cancel must be a no-op")
	}
	if _, ok := a.QueuePosition(res.JobID); ok {
		t.Fatal("cancelled job must leave the queue")
	}
}

func TestRecoverJobs(t *testing.T) {
	t.Parallel()
	a := newTestApp(t)
	ctx := context.Background()

	// A job that was queued when the previous process died.
	qj := job.New("tool-1", "search", nil, job.Options{}, "alice", job.TierStandard)
	if err := a.store.SaveJob(ctx, qj); err != nil {
		t.Fatal(err)
	}

	// A job that died mid-execution.
	pj := job.New("tool-1", "search", nil, job.Options{}, "bob", job.TierStandard)
	pj.SetStatus(job.StatusProcessing)
	if err := a.store.SaveJob(ctx, pj); err != nil {
		t.Fatal(err)
	}

	if err := a.recoverJobs(ctx); err != nil {
		t.Fatal(err)
	}

	if _, ok := a.QueuePosition(qj.ID); !ok {
		t.Fatal("queued job must be re-enqueued")
	}

	settled, err := a.store.GetJob(ctx, pj.ID)
	if err != nil {
		t.Fatal(err)
	}
	if settled.Status != job.StatusError {
		t.Fatalf("stuck job status = %s, want error", settled.Status)
	}
}

func TestScheduleOpsNeedPersistence(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "config.yaml")
	noStore := "logging:\n  level: error\ntools:\n  - id: tool-1\n    command: /bin/true\n"
	if err := os.WriteFile(p, []byte(noStore), 0o644); err != nil {
		t.Fatal(err)
	}
	a, err := New(p)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := a.CreateSchedule(context.Background(), storage.ScheduleRecord{}); !errors.Is(err, ErrNoPersistence) {
		t.Fatalf("want ErrNoPersistence, got %v", err)
	}
	if _, err := a.GetJob(context.Background(), "x"); !errors.Is(err, ErrNoPersistence) {
		t.Fatalf("want ErrNoPersistence, got %v", err)
	}
}
