package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/filmgen/backend/internal/registry"
	"github.com/filmgen/backend/internal/storage"
)

func noSleep(context.Context, time.Duration) error { return nil }

type scriptedProvider struct {
	mu        sync.Mutex
	submit    registry.Submission
	submitErr error
	polls     []registry.PollResult
	pollErrs  []error
	polled    int
}

func (p *scriptedProvider) Name() string { return "scripted" }
func (p *scriptedProvider) Kind() string { return "image" }

func (p *scriptedProvider) Submit(context.Context, registry.Request) (registry.Submission, error) {
	return p.submit, p.submitErr
}

func (p *scriptedProvider) Poll(context.Context, string) (registry.PollResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.polled
	p.polled++
	if i < len(p.pollErrs) && p.pollErrs[i] != nil {
		return registry.PollResult{}, p.pollErrs[i]
	}
	if i < len(p.polls) {
		return p.polls[i], nil
	}
	return registry.PollResult{State: registry.StatePending}, nil
}

func (p *scriptedProvider) ExtractResult([]byte) (string, error) { return "", nil }
func (p *scriptedProvider) WithAPIKey(string) registry.Provider  { return p }

type fakeStore struct {
	enabled bool
	objects []storage.Object
	err     error
}

func (s *fakeStore) Enabled() bool { return s.enabled }

func (s *fakeStore) Store(_ context.Context, obj storage.Object) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.objects = append(s.objects, obj)
	return "https://media.example.com/" + obj.Category + "/1", nil
}

func testPoller(max int) Poller {
	p := NewPoller(time.Second, max)
	p.sleep = noSleep
	return p
}

func TestPollerWait(t *testing.T) {
	prov := &scriptedProvider{
		polls: []registry.PollResult{
			{State: registry.StatePending},
			{},
			{State: registry.StateComplete, Result: "https://p/x.png"},
		},
		pollErrs: []error{nil, errors.New("connection reset"), nil},
	}
	got, err := testPoller(5).Wait(context.Background(), prov, "t1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got != "https://p/x.png" || prov.polled != 3 {
		t.Errorf("got %q after %d polls", got, prov.polled)
	}
}

func TestPollerTimeoutAndFailure(t *testing.T) {
	_, err := testPoller(3).Wait(context.Background(), &scriptedProvider{}, "t1")
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}

	failing := &scriptedProvider{polls: []registry.PollResult{{State: registry.StateFailed, Error: "nsfw"}}}
	_, err = testPoller(3).Wait(context.Background(), failing, "t1")
	if !errors.Is(err, registry.ErrProviderFailed) || !strings.Contains(err.Error(), "nsfw") {
		t.Fatalf("expected provider failure, got %v", err)
	}
}

func TestPollerHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewPoller(time.Hour, 3)
	if _, err := p.Wait(ctx, &scriptedProvider{}, "t1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunnerStoresResult(t *testing.T) {
	store := &fakeStore{enabled: true}
	r := NewRunner(testPoller(3), store, nil)
	project := uuid.New()

	url, err := r.Run(context.Background(), Task{
		ProjectID: project,
		Kind:      "image",
		Provider:  &scriptedProvider{submit: registry.Submission{Result: "data:image/png;base64,AAAA"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if url != "https://media.example.com/image/1" {
		t.Errorf("url: %s", url)
	}
	if len(store.objects) != 1 || store.objects[0].DataURI == "" || store.objects[0].ProjectID != project {
		t.Errorf("stored: %+v", store.objects)
	}

	_, err = r.Run(context.Background(), Task{
		Kind: "video",
		Provider: &scriptedProvider{
			submit: registry.Submission{TaskID: "t"},
			polls:  []registry.PollResult{{State: registry.StateComplete, Result: "https://p/v.mp4"}},
		},
	})
	if err != nil {
		t.Fatalf("Run async: %v", err)
	}
	if store.objects[1].SourceURL != "https://p/v.mp4" {
		t.Errorf("async result should be downloaded, got %+v", store.objects[1])
	}
}

func TestRunnerWithoutStorage(t *testing.T) {
	r := NewRunner(testPoller(1), &fakeStore{}, nil)

	url, err := r.Run(context.Background(), Task{Kind: "image", Provider: &scriptedProvider{submit: registry.Submission{Result: "https://p/x.png"}}})
	if err != nil || url != "https://p/x.png" {
		t.Fatalf("provider url should pass through, got %q %v", url, err)
	}

	_, err = r.Run(context.Background(), Task{Kind: "image", Provider: &scriptedProvider{submit: registry.Submission{Result: "data:image/png;base64,AAAA"}}})
	if !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("inline result needs storage, got %v", err)
	}
}

func TestFanOutChunks(t *testing.T) {
	var slept int
	f := NewFanOut(3, time.Second)
	f.sleep = func(context.Context, time.Duration) error { slept++; return nil }

	var running, peak atomic.Int32
	errs, err := f.Run(context.Background(), 7, func(_ context.Context, i int) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		if i == 4 {
			return errors.New("item 4")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if peak.Load() > 3 {
		t.Errorf("at most 3 items should run at once, saw %d", peak.Load())
	}
	if slept != 2 {
		t.Errorf("7 items in chunks of 3 should pause twice, paused %d", slept)
	}
	for i, e := range errs {
		if (i == 4) != (e != nil) {
			t.Errorf("item %d: err %v", i, e)
		}
	}
}

type recordingJobs struct {
	mu         sync.Mutex
	prepareErr error
	completed  map[uuid.UUID]string
	failed     map[uuid.UUID]string
}

func newRecordingJobs() *recordingJobs {
	return &recordingJobs{completed: map[uuid.UUID]string{}, failed: map[uuid.UUID]string{}}
}

func (j *recordingJobs) Prepare(_ context.Context, jobID uuid.UUID) (Task, error) {
	if j.prepareErr != nil {
		return Task{}, j.prepareErr
	}
	return Task{JobID: jobID, Kind: "image"}, nil
}

func (j *recordingJobs) MarkJobCompleted(_ context.Context, jobID uuid.UUID, url string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed[jobID] = url
	return nil
}

func (j *recordingJobs) MarkJobFailed(ctx context.Context, jobID uuid.UUID, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.failed[jobID] = reason
	return nil
}

type runnerFunc func(ctx context.Context, t Task) (string, error)

func (f runnerFunc) Run(ctx context.Context, t Task) (string, error) { return f(ctx, t) }

func mediaJob(attempt, max int) *river.Job[GenerateMediaArgs] {
	return &river.Job[GenerateMediaArgs]{
		JobRow: &rivertype.JobRow{Attempt: attempt, MaxAttempts: max},
		Args:   GenerateMediaArgs{JobID: uuid.New()},
	}
}

func TestGenerateMediaWorker(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		js := newRecordingJobs()
		w := NewGenerateMediaWorker(js, runnerFunc(func(context.Context, Task) (string, error) { return "https://m/1.png", nil }), nil)
		job := mediaJob(1, 3)
		if err := w.Work(context.Background(), job); err != nil {
			t.Fatalf("Work: %v", err)
		}
		if js.completed[job.Args.JobID] != "https://m/1.png" {
			t.Errorf("completed: %v", js.completed)
		}
	})

	t.Run("transient error retries", func(t *testing.T) {
		js := newRecordingJobs()
		w := NewGenerateMediaWorker(js, runnerFunc(func(context.Context, Task) (string, error) { return "", errors.New("503") }), nil)
		if err := w.Work(context.Background(), mediaJob(1, 3)); err == nil {
			t.Fatal("expected an error so River retries")
		}
		if len(js.failed) != 0 {
			t.Errorf("job must not be failed before the last attempt")
		}
	})

	t.Run("last attempt fails the job", func(t *testing.T) {
		js := newRecordingJobs()
		w := NewGenerateMediaWorker(js, runnerFunc(func(context.Context, Task) (string, error) { return "", errors.New("503") }), nil)
		job := mediaJob(3, 3)
		if err := w.Work(context.Background(), job); err != nil {
			t.Fatalf("Work: %v", err)
		}
		if js.failed[job.Args.JobID] == "" {
			t.Error("job should be failed")
		}
	})

	t.Run("provider rejection fails immediately", func(t *testing.T) {
		js := newRecordingJobs()
		w := NewGenerateMediaWorker(js, runnerFunc(func(context.Context, Task) (string, error) {
			return "", registry.ErrProviderFailed
		}), nil)
		job := mediaJob(1, 3)
		if err := w.Work(context.Background(), job); err != nil {
			t.Fatalf("Work: %v", err)
		}
		if _, ok := js.failed[job.Args.JobID]; !ok {
			t.Error("job should be failed")
		}
	})

	t.Run("finished job is skipped", func(t *testing.T) {
		js := newRecordingJobs()
		js.prepareErr = ErrJobFinished
		called := false
		w := NewGenerateMediaWorker(js, runnerFunc(func(context.Context, Task) (string, error) { called = true; return "", nil }), nil)
		if err := w.Work(context.Background(), mediaJob(1, 3)); err != nil {
			t.Fatalf("Work: %v", err)
		}
		if called {
			t.Error("runner should not run")
		}
	})
}

func TestGenerateBatchWorker(t *testing.T) {
	js := newRecordingJobs()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	bad := ids[2]
	runner := runnerFunc(func(_ context.Context, task Task) (string, error) {
		if task.JobID == bad {
			return "", errors.New("timeout")
		}
		return "https://m/" + task.JobID.String(), nil
	})
	fan := NewFanOut(3, 0)
	w := NewGenerateBatchWorker(js, runner, fan, nil)

	err := w.Work(context.Background(), &river.Job[GenerateBatchArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 1},
		Args:   GenerateBatchArgs{JobIDs: ids},
	})
	if err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(js.completed) != 3 || js.failed[bad] == "" {
		t.Errorf("completed=%d failed=%v", len(js.completed), js.failed)
	}
}

func TestGenerateBatchWorkerCancelledMidBatch(t *testing.T) {
	js := newRecordingJobs()
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := runnerFunc(func(_ context.Context, task Task) (string, error) {
		cancel()
		return "https://m/" + task.JobID.String(), nil
	})
	w := NewGenerateBatchWorker(js, runner, NewFanOut(1, time.Millisecond), nil)

	err := w.Work(ctx, &river.Job[GenerateBatchArgs]{
		JobRow: &rivertype.JobRow{Attempt: 1, MaxAttempts: 1},
		Args:   GenerateBatchArgs{JobIDs: ids},
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Work: want context.Canceled, got %v", err)
	}
	if len(js.completed) != 1 || js.completed[ids[0]] == "" {
		t.Errorf("first job should complete, completed=%v", js.completed)
	}
	for _, id := range ids[1:] {
		if js.failed[id] == "" {
			t.Errorf("job %s left unsettled", id)
		}
	}
}

func TestFanOutStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := NewFanOut(2, 0)
	var calls atomic.Int32
	errs, err := f.Run(ctx, 5, func(context.Context, int) error {
		calls.Add(1)
		cancel()
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("only the first chunk should run, ran %d", calls.Load())
	}
	for i := 2; i < 5; i++ {
		if !errors.Is(errs[i], ErrNotStarted) {
			t.Errorf("item %d: %v", i, errs[i])
		}
	}
}
