package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"toolq/internal/job"
	"toolq/internal/queue"
	"toolq/internal/storage"
	logx "toolq/pkg/logx"
)

type fakeQueue struct {
	jobs    []*job.Job
	rejects bool
}

func (f *fakeQueue) Enqueue(j *job.Job) (queue.QueuedInfo, error) {
	if f.rejects {
		return queue.QueuedInfo{}, &queue.CapacityError{Scope: "global", Limit: 1}
	}
	f.jobs = append(f.jobs, j)
	return queue.QueuedInfo{Position: len(f.jobs)}, nil
}

func testService(t *testing.T, q Enqueuer) (*Service, storage.Store) {
	t.Helper()
	st := storage.NewMemory()
	if q == nil {
		q = &fakeQueue{}
	}
	return New(Config{}, st, q, logx.Nop()), st
}

func rec(id, expr string) storage.ScheduleRecord {
	return storage.ScheduleRecord{
		ID: id, Owner: "alice", Tier: job.TierStandard,
		ToolID: "tool-1", ToolName: "report",
		Arguments: map[string]any{"format": "csv"},
		CronExpr:  expr,
	}
}

func TestNextOccurrence(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 8, 30, 10, 30, 0, 0, time.UTC)

	next, err := NextOccurrence("0 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if next != time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC) {
		t.Fatalf("next = %v", next)
	}

	// Optional seconds field.
	next, err = NextOccurrence("30 0 * * * *", from)
	if err != nil {
		t.Fatal(err)
	}
	if next.Second() != 30 {
		t.Fatalf("seconds field ignored: %v", next)
	}

	// Descriptors.
	if _, err := NextOccurrence("@hourly", from); err != nil {
		t.Fatalf("@hourly: %v", err)
	}

	if _, err := NextOccurrence("not a cron", from); err == nil {
		t.Fatal("garbage expression must error")
	}
}

func TestCreateValidatesCron(t *testing.T) {
	t.Parallel()
	s, _ := testService(t, nil)

	created, err := s.Create(context.Background(), rec("", "*/5 * * * *"))
	if err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || !created.Active || created.NextRunAt.IsZero() {
		t.Fatalf("created = %+v", created)
	}

	_, err = s.Create(context.Background(), rec("", "bogus"))
	var jerr *job.Error
	if !errors.As(err, &jerr) || jerr.Kind != job.KindValidationError {
		t.Fatalf("want validation error, got %v", err)
	}
}

func TestDueSchedulesOrderAndLimit(t *testing.T) {
	t.Parallel()
	s, st := testService(t, nil)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"s-new", "s-old", "s-future", "s-inactive"} {
		r := rec(id, "* * * * *")
		r.Active = true
		r.CreatedAt = now
		switch id {
		case "s-new":
			r.NextRunAt = now.Add(-time.Minute)
		case "s-old":
			r.NextRunAt = now.Add(-time.Hour)
		case "s-future":
			r.NextRunAt = now.Add(time.Hour)
		case "s-inactive":
			r.Active = false
			r.NextRunAt = now.Add(-time.Hour)
		}
		if err := st.SaveSchedule(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.DueSchedules(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != "s-old" || due[1].ID != "s-new" {
		t.Fatalf("due = %+v", due)
	}

	one, _ := s.DueSchedules(ctx, 1)
	if len(one) != 1 || one[0].ID != "s-old" {
		t.Fatalf("limit ignored: %+v", one)
	}
}

func TestTriggerEnqueuesAndAdvances(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s, st := testService(t, q)
	ctx := context.Background()

	r := rec("s1", "* * * * *")
	r.NextRunAt = time.Now().Add(-time.Minute)
	if err := st.SaveSchedule(ctx, r); err != nil {
		t.Fatal(err)
	}

	jobID, err := s.Trigger(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(q.jobs) != 1 {
		t.Fatalf("enqueued %d jobs", len(q.jobs))
	}
	j := q.jobs[0]
	if j.ID != jobID || j.ToolID != "tool-1" || j.Owner != "alice" {
		t.Fatalf("job = %+v", j)
	}
	if j.Options.Priority != DefaultPriority {
		t.Fatalf("priority = %d, want fixed default %d", j.Options.Priority, DefaultPriority)
	}

	saved, _ := st.GetSchedule(ctx, "s1")
	if !saved.NextRunAt.After(time.Now()) {
		t.Fatalf("next run not advanced: %v", saved.NextRunAt)
	}
}

func TestTriggerQueueFullLeavesFireTime(t *testing.T) {
	t.Parallel()
	s, st := testService(t, &fakeQueue{rejects: true})
	ctx := context.Background()

	r := rec("s1", "* * * * *")
	fire := time.Now().Add(-time.Minute)
	r.NextRunAt = fire
	_ = st.SaveSchedule(ctx, r)

	if _, err := s.Trigger(ctx, r); err == nil {
		t.Fatal("rejected enqueue must surface an error")
	}
	saved, _ := st.GetSchedule(ctx, "s1")
	if !saved.NextRunAt.Equal(fire) {
		t.Fatalf("fire time must be untouched on rejection: %v", saved.NextRunAt)
	}
}

func TestBadCronDeactivates(t *testing.T) {
	t.Parallel()
	s, st := testService(t, nil)
	ctx := context.Background()

	r := rec("s1", "corrupted")
	r.Active = true
	r.NextRunAt = time.Now().Add(-time.Minute)
	_ = st.SaveSchedule(ctx, r)

	if _, err := s.Trigger(ctx, r); err == nil {
		t.Fatal("bad cron must error")
	}
	saved, _ := st.GetSchedule(ctx, "s1")
	if saved.Active {
		t.Fatal("schedule with a corrupted expression must be deactivated")
	}
}

func TestAdvanceAfterExecution(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s, st := testService(t, q)
	ctx := context.Background()

	r := rec("s1", "* * * * *")
	r.Active = true
	r.NextRunAt = time.Now().Add(-time.Minute)
	_ = st.SaveSchedule(ctx, r)

	jobID, err := s.Trigger(ctx, r)
	if err != nil {
		t.Fatal(err)
	}

	s.OnJobFinished(ctx, jobID, job.StatusSuccess)
	saved, _ := st.GetSchedule(ctx, "s1")
	if saved.LastRunAt.IsZero() {
		t.Fatal("last run not recorded")
	}

	// Unknown jobs are ignored.
	s.OnJobFinished(ctx, "not-a-scheduled-job", job.StatusError)

	if err := s.AdvanceAfterExecution(ctx, "missing", job.StatusSuccess); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
