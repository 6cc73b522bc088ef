package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type funcDef struct {
	key string
	fn  func(ctx context.Context, job Job) error
}

func (d funcDef) Key() string { return d.key }

func (d funcDef) Handle(ctx context.Context, job Job) error {
	return d.fn(ctx, job)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func runManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Process(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestManagerEnqueue_UnknownQueue(t *testing.T) {
	m := NewManager(NewMemoryBackend(10*time.Millisecond), discardLogger(), Config{},
		funcDef{key: "known", fn: func(context.Context, Job) error { return nil }})

	err := m.Enqueue(context.Background(), "other", "job-1", map[string]string{"a": "b"})
	if !errors.Is(err, ErrUnknownQueue) {
		t.Fatalf("err = %v, want %v", err, ErrUnknownQueue)
	}
}

func TestManagerEnqueue_DeduplicatesByID(t *testing.T) {
	backend := NewMemoryBackend(10 * time.Millisecond)
	m := NewManager(backend, discardLogger(), Config{},
		funcDef{key: "mail", fn: func(context.Context, Job) error { return nil }})

	for i := 0; i < 3; i++ {
		if err := m.Enqueue(context.Background(), "mail", "job-1", map[string]int{"n": i}); err != nil {
			t.Fatalf("Enqueue #%d error: %v", i+1, err)
		}
	}
	if got := backend.Pending("mail"); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
}

func TestManagerProcess_DeliversPayload(t *testing.T) {
	backend := NewMemoryBackend(10 * time.Millisecond)
	got := make(chan Job, 1)
	m := NewManager(backend, discardLogger(), Config{Concurrency: 2},
		funcDef{key: "mail", fn: func(ctx context.Context, job Job) error {
			got <- job
			return nil
		}})
	runManager(t, m)

	if err := m.Enqueue(context.Background(), "mail", "job-1", map[string]string{"to": "p@example.com"}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	select {
	case job := <-got:
		var payload map[string]string
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if payload["to"] != "p@example.com" || job.Attempts != 1 || job.Queue != "mail" {
			t.Fatalf("job = %+v payload = %v", job, payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("job not delivered")
	}
	waitFor(t, "ack", func() bool { return backend.Completed("mail") == 1 })
}

func TestManagerProcess_RetriesThenDeadLetters(t *testing.T) {
	backend := NewMemoryBackend(10 * time.Millisecond)
	var calls atomic.Int32
	m := NewManager(backend, discardLogger(), Config{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond},
		funcDef{key: "mail", fn: func(ctx context.Context, job Job) error {
			if job.ID == "ok" {
				return nil
			}
			calls.Add(1)
			return errors.New("smtp down")
		}})

	var mu sync.Mutex
	var hookAttempts []int
	m.OnFailure(func(ctx context.Context, job Job, err error) {
		mu.Lock()
		hookAttempts = append(hookAttempts, job.Attempts)
		mu.Unlock()
	})
	runManager(t, m)

	if err := m.Enqueue(context.Background(), "mail", "bad", struct{}{}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	waitFor(t, "dead letter", func() bool { return len(backend.Failed("mail")) == 1 })

	if calls.Load() != 3 {
		t.Fatalf("handler calls = %d, want 3", calls.Load())
	}
	mu.Lock()
	if len(hookAttempts) != 3 || hookAttempts[0] != 1 || hookAttempts[2] != 3 {
		t.Fatalf("hook attempts = %v, want [1 2 3]", hookAttempts)
	}
	mu.Unlock()

	// The worker keeps running after a dead letter.
	if err := m.Enqueue(context.Background(), "mail", "ok", struct{}{}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	waitFor(t, "second job", func() bool { return backend.Completed("mail") == 1 })
}

func TestManagerProcess_PanicAndPermanent(t *testing.T) {
	backend := NewMemoryBackend(10 * time.Millisecond)
	m := NewManager(backend, discardLogger(), Config{MaxAttempts: 5, Backoff: time.Millisecond},
		funcDef{key: "mail", fn: func(ctx context.Context, job Job) error {
			if job.ID == "panics" && job.Attempts == 1 {
				panic("boom")
			}
			if job.ID == "permanent" {
				return Permanent(errors.New("bad payload"))
			}
			return nil
		}})

	errs := make(chan error, 4)
	m.OnFailure(func(ctx context.Context, job Job, err error) { errs <- err })
	runManager(t, m)

	for _, id := range []string{"panics", "permanent"} {
		if err := m.Enqueue(context.Background(), "mail", id, struct{}{}); err != nil {
			t.Fatalf("Enqueue error: %v", err)
		}
	}

	waitFor(t, "settle", func() bool {
		return backend.Completed("mail") == 1 && len(backend.Failed("mail")) == 1
	})
	failed := backend.Failed("mail")
	if failed[0].ID != "permanent" || failed[0].Attempts != 1 {
		t.Fatalf("failed = %+v, want permanent after 1 attempt", failed[0])
	}

	close(errs)
	var sawPanic bool
	for err := range errs {
		if strings.Contains(err.Error(), "panic: boom") {
			sawPanic = true
		}
	}
	if !sawPanic {
		t.Fatalf("failure hook did not see the recovered panic")
	}
}

func TestManagerBackoff(t *testing.T) {
	m := NewManager(NewMemoryBackend(0), discardLogger(), Config{Backoff: time.Second, MaxBackoff: 10 * time.Second})

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tc := range cases {
		if got := m.backoff(tc.attempts); got != tc.want {
			t.Fatalf("backoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
}

func TestLogFailures(t *testing.T) {
	var buf bytes.Buffer
	hook := LogFailures(slog.New(slog.NewJSONHandler(&buf, nil)))
	hook(context.Background(), Job{ID: "j1", Queue: "cancellation-mail", Attempts: 2, MaxAttempts: 5}, errors.New("smtp down"))

	out := buf.String()
	for _, want := range []string{`"msg":"queue cancellation-mail: FAILED"`, `"job_id":"j1"`, `"error":"smtp down"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("log = %s, missing %s", out, want)
		}
	}
}

func TestProcess_RequiresDefinitions(t *testing.T) {
	m := NewManager(NewMemoryBackend(0), discardLogger(), Config{})
	if err := m.Process(context.Background()); err == nil {
		t.Fatalf("expected error without definitions")
	}
}
