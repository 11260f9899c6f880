package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"toolq/internal/cache"
	"toolq/internal/job"
	"toolq/internal/storage"
	"toolq/internal/tool"
	logx "toolq/pkg/logx"
)

// fakeHandle scripts one process invocation.
type fakeHandle struct {
	respond  func(req Request) (Response, error)
	delay    time.Duration
	exitCode int
	stderr   string

	mu      sync.Mutex
	stopped bool
	req     Request
}

func (h *fakeHandle) Send(req Request) error {
	h.mu.Lock()
	h.req = req
	h.mu.Unlock()
	return nil
}

func (h *fakeHandle) Recv(wantID string) (Response, error) {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	req := h.req
	h.mu.Unlock()
	resp, err := h.respond(req)
	return resp, err
}

func (h *fakeHandle) Stop(time.Duration) {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
}

func (h *fakeHandle) Wait() int      { return h.exitCode }
func (h *fakeHandle) Stderr() string { return h.stderr }

// fakeLauncher returns a fresh scripted handle per attempt.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	next     func(attempt int) *fakeHandle
}

func (l *fakeLauncher) Launch(_ context.Context, _ tool.Definition) (Handle, error) {
	l.mu.Lock()
	l.launches++
	n := l.launches
	l.mu.Unlock()
	return l.next(n), nil
}

func okHandle(payload map[string]any) *fakeHandle {
	return &fakeHandle{respond: func(req Request) (Response, error) {
		return Response{ID: req.ID, Result: payload}, nil
	}}
}

func testRegistry(t *testing.T) tool.Registry {
	t.Helper()
	r, err := tool.NewStatic([]tool.Definition{
		{ID: "tool-1", Command: "/bin/tool", CacheTTL: time.Minute},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func testJob(opts job.Options) *job.Job {
	j := job.New("tool-1", "search", map[string]any{"q": "go"}, opts, "alice", job.TierStandard)
	j.SetStatus(job.StatusProcessing)
	return j
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{next: func(int) *fakeHandle {
		return okHandle(map[string]any{"answer": "42"})
	}}
	st := storage.NewMemory()
	r := New(Config{}, launcher, testRegistry(t), nil, st, nil, nil, logx.Nop())

	j := testJob(job.Options{Priority: 5})
	r.Execute(context.Background(), j)

	if j.Status != job.StatusSuccess {
		t.Fatalf("status = %s, err = %v", j.Status, j.Err)
	}
	if j.Result == nil || j.Result.Payload["answer"] != "42" || j.Result.Attempts != 1 {
		t.Fatalf("result = %+v", j.Result)
	}

	recs, _ := st.ListExecutions(context.Background(), j.ID)
	if len(recs) != 1 || recs[0].Status != job.StatusSuccess {
		t.Fatalf("execution history = %+v", recs)
	}
	saved, err := st.GetJob(context.Background(), j.ID)
	if err != nil || saved.Status != job.StatusSuccess {
		t.Fatalf("persisted job: %+v err=%v", saved, err)
	}
}

func TestExecuteRequestShape(t *testing.T) {
	t.Parallel()
	var got Request
	launcher := &fakeLauncher{next: func(int) *fakeHandle {
		return &fakeHandle{respond: func(req Request) (Response, error) {
			got = req
			return Response{ID: req.ID, Result: map[string]any{}}, nil
		}}
	}}
	r := New(Config{}, launcher, testRegistry(t), nil, nil, nil, nil, logx.Nop())
	r.Execute(context.Background(), testJob(job.Options{Priority: 5}))

	if got.Method != "tools/call" {
		t.Fatalf("method = %q", got.Method)
	}
	if got.Params.Name != "search" || got.Params.Arguments["q"] != "go" {
		t.Fatalf("params = %+v", got.Params)
	}
	if got.ID == "" {
		t.Fatal("request id must be set")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	r := New(Config{}, &fakeLauncher{next: func(int) *fakeHandle { return okHandle(nil) }},
		testRegistry(t), nil, nil, nil, nil, logx.Nop())

	j := job.New("nope", "x", nil, job.Options{Priority: 5}, "alice", job.TierBasic)
	j.SetStatus(job.StatusProcessing)
	r.Execute(context.Background(), j)

	if j.Status != job.StatusError || j.Err == nil || j.Err.Kind != job.KindNotFoundError {
		t.Fatalf("status=%s err=%v", j.Status, j.Err)
	}
}

func TestExecuteValidationFailureNeverLaunches(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{next: func(int) *fakeHandle { return okHandle(nil) }}
	r := New(Config{}, launcher, testRegistry(t), nil, nil, nil, nil, logx.Nop())

	j := job.New("tool-1", "search", map[string]any{"q": "x; rm -rf /"}, job.Options{Priority: 5}, "alice", job.TierBasic)
	j.SetStatus(job.StatusProcessing)
	r.Execute(context.Background(), j)

	if j.Status != job.StatusError || j.Err == nil || j.Err.Kind != job.KindValidationError {
		t.Fatalf("status=%s err=%v", j.Status, j.Err)
	}
	if launcher.launches != 0 {
		t.Fatalf("validation failure must not launch the tool, launches=%d", launcher.launches)
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{next: func(attempt int) *fakeHandle {
		if attempt < 3 {
			return &fakeHandle{respond: func(req Request) (Response, error) {
				return Response{ID: req.ID, Error: &ResponseError{Message: "connection refused"}}, nil
			}}
		}
		return okHandle(map[string]any{"ok": true})
	}}
	st := storage.NewMemory()
	cfg := Config{DefaultRetry: job.RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
		Retryable:    []job.Kind{job.KindConnectionError},
	}}
	r := New(cfg, launcher, testRegistry(t), nil, st, nil, nil, logx.Nop())

	j := testJob(job.Options{Priority: 5})
	r.Execute(context.Background(), j)

	if j.Status != job.StatusSuccess {
		t.Fatalf("status=%s err=%v", j.Status, j.Err)
	}
	if j.Result.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", j.Result.Attempts)
	}
	recs, _ := st.ListExecutions(context.Background(), j.ID)
	if len(recs) != 3 {
		t.Fatalf("execution records = %d, want 3", len(recs))
	}
}

func TestExecuteValidationErrorFromToolNotRetried(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{next: func(int) *fakeHandle {
		return &fakeHandle{respond: func(req Request) (Response, error) {
			return Response{ID: req.ID, Error: &ResponseError{Message: "invalid parameter: limit"}}, nil
		}}
	}}
	r := New(Config{}, launcher, testRegistry(t), nil, nil, nil, nil, logx.Nop())

	j := testJob(job.Options{Priority: 5})
	r.Execute(context.Background(), j)

	if j.Status != job.StatusError || j.Err.Kind != job.KindValidationError {
		t.Fatalf("status=%s err=%v", j.Status, j.Err)
	}
	if launcher.launches != 1 {
		t.Fatalf("validation errors are never retried, launches=%d", launcher.launches)
	}
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{next: func(int) *fakeHandle {
		h := okHandle(map[string]any{})
		h.delay = 500 * time.Millisecond
		return h
	}}
	cfg := Config{
		Timeout:      job.TimeoutPolicy{Default: 20 * time.Millisecond, Bounds: map[job.Tier]job.TimeoutBounds{}},
		DefaultRetry: job.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
	r := New(cfg, launcher, testRegistry(t), nil, nil, nil, nil, logx.Nop())

	j := testJob(job.Options{Priority: 5})
	r.Execute(context.Background(), j)

	if j.Status != job.StatusTimeout {
		t.Fatalf("status = %s, want timeout", j.Status)
	}
	if j.Err == nil || j.Err.Kind != job.KindTimeout {
		t.Fatalf("err = %v", j.Err)
	}
}

func TestExecuteCacheHitSkipsLaunch(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{next: func(int) *fakeHandle {
		return okHandle(map[string]any{"n": int64(1)})
	}}
	c := cache.New(8)
	r := New(Config{}, launcher, testRegistry(t), c, nil, nil, nil, logx.Nop())

	first := testJob(job.Options{Priority: 5, CacheEnabled: true})
	r.Execute(context.Background(), first)
	if first.Status != job.StatusSuccess || first.Result.FromCache {
		t.Fatalf("first run: %+v", first.Result)
	}

	second := testJob(job.Options{Priority: 5, CacheEnabled: true})
	r.Execute(context.Background(), second)
	if second.Status != job.StatusSuccess || !second.Result.FromCache {
		t.Fatalf("second run should hit cache: %+v", second.Result)
	}
	if launcher.launches != 1 {
		t.Fatalf("cache hit must not launch, launches=%d", launcher.launches)
	}
}

func TestCancelRunningJob(t *testing.T) {
	t.Parallel()
	launcher := &fakeLauncher{next: func(int) *fakeHandle {
		h := okHandle(map[string]any{})
		h.delay = 2 * time.Second
		return h
	}}
	r := New(Config{}, launcher, testRegistry(t), nil, nil, nil, nil, logx.Nop())

	j := testJob(job.Options{Priority: 5})
	done := make(chan struct{})
	go func() {
		r.Execute(context.Background(), j)
		close(done)
	}()

	// Wait for the attempt to register.
	deadline := time.After(time.Second)
	for {
		if r.Cancel(j.ID) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("attempt never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancel")
	}
	if j.Status != job.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", j.Status)
	}
	if r.Cancel(j.ID) {
		t.Fatal("cancel of a terminal job must report false")
	}
}
