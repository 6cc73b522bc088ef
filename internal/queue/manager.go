package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"slotbook/backend/internal/telemetry"
)

type Config struct {
	// Concurrency is the number of workers per registered queue.
	Concurrency int
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// FailureHook observes every failed delivery, retried or not.
type FailureHook func(ctx context.Context, job Job, err error)

type Manager struct {
	backend Backend
	log     *slog.Logger
	cfg     Config
	defs    map[string]Definition
	keys    []string
	now     func() time.Time

	mu    sync.RWMutex
	hooks []FailureHook
}

func NewManager(backend Backend, log *slog.Logger, cfg Config, defs ...Definition) *Manager {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		backend: backend,
		log:     log.With("component", "queue"),
		cfg:     cfg,
		defs:    make(map[string]Definition, len(defs)),
		now:     time.Now,
	}
	for _, d := range defs {
		if _, dup := m.defs[d.Key()]; dup {
			continue
		}
		m.defs[d.Key()] = d
		m.keys = append(m.keys, d.Key())
	}
	return m
}

func (m *Manager) OnFailure(hook FailureHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

func (m *Manager) Queues() []string {
	return append([]string(nil), m.keys...)
}

// Enqueue persists payload as JSON on the named queue. Enqueueing an id that
// the backend already holds is a no-op.
func (m *Manager) Enqueue(ctx context.Context, key, id string, payload any) error {
	if _, ok := m.defs[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, key)
	}
	if id == "" {
		return errors.New("queue: job id is required")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue %s: encode payload: %w", key, err)
	}

	traceparent, tracestate := telemetry.TraceContextStrings(ctx)
	job := Job{
		ID:          id,
		Queue:       key,
		Payload:     raw,
		MaxAttempts: m.cfg.MaxAttempts,
		EnqueuedAt:  m.now().UTC(),
		Traceparent: traceparent,
		Tracestate:  tracestate,
	}

	created, err := m.backend.Enqueue(ctx, job)
	if err != nil {
		return fmt.Errorf("queue %s: enqueue %s: %w", key, id, err)
	}
	if !created {
		m.log.Debug("duplicate job ignored", "queue", key, "job_id", id)
	}
	return nil
}

// Process runs the workers of every registered queue until ctx is done. A
// failing handler never stops its worker.
func (m *Manager) Process(ctx context.Context) error {
	if len(m.keys) == 0 {
		return errors.New("queue: no definitions registered")
	}

	var wg sync.WaitGroup
	for _, key := range m.keys {
		def := m.defs[key]
		for i := 0; i < m.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(worker int) {
				defer wg.Done()
				m.work(ctx, def, worker)
			}(i)
		}
	}
	wg.Wait()
	return nil
}

func (m *Manager) work(ctx context.Context, def Definition, worker int) {
	log := m.log.With("queue", def.Key(), "worker", worker)
	log.Info("worker started")
	defer log.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.backend.Dequeue(ctx, def.Key())
		if err != nil {
			if errors.Is(err, ErrNoJob) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		m.runJob(ctx, def, job)
	}
}

// runJob delivers one job and settles it with the backend. Settlement uses a
// context that survives shutdown so a finished job is not redelivered.
func (m *Manager) runJob(ctx context.Context, def Definition, job Job) {
	log := m.log.With("queue", job.Queue, "job_id", job.ID, "attempts", job.Attempts)
	settleCtx := context.WithoutCancel(ctx)

	jobCtx := telemetry.ContextWithTraceContext(ctx, job.Traceparent, job.Tracestate)
	jobCtx, span := otel.Tracer("slotbook/queue").Start(jobCtx, "queue.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", job.Queue),
			attribute.String("messaging.message.id", job.ID),
			attribute.Int("queue.attempts", job.Attempts),
		),
	)
	defer span.End()

	err := safeHandle(jobCtx, def, job)
	if err == nil {
		if ackErr := m.backend.Ack(settleCtx, job); ackErr != nil {
			log.Error("ack failed", "error", ackErr)
		}
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	m.fireHooks(jobCtx, job, err)

	if IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		if failErr := m.backend.Fail(settleCtx, job, err); failErr != nil {
			log.Error("dead-letter failed", "error", failErr)
		}
		return
	}

	runAt := m.now().Add(m.backoff(job.Attempts))
	if retryErr := m.backend.Retry(settleCtx, job, runAt, err); retryErr != nil {
		log.Error("retry failed", "error", retryErr)
	}
}

func (m *Manager) fireHooks(ctx context.Context, job Job, err error) {
	m.mu.RLock()
	hooks := append([]FailureHook(nil), m.hooks...)
	m.mu.RUnlock()
	for _, h := range hooks {
		h(ctx, job, err)
	}
}

// backoff is Backoff * 2^(attempts-1), capped at MaxBackoff.
func (m *Manager) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := m.cfg.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= m.cfg.MaxBackoff || d <= 0 {
			return m.cfg.MaxBackoff
		}
	}
	if d > m.cfg.MaxBackoff {
		return m.cfg.MaxBackoff
	}
	return d
}

func safeHandle(ctx context.Context, def Definition, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return def.Handle(ctx, job)
}

// LogFailures returns a hook that logs every failed delivery.
func LogFailures(log *slog.Logger) FailureHook {
	return func(ctx context.Context, job Job, err error) {
		log.ErrorContext(ctx, fmt.Sprintf("queue %s: FAILED", job.Queue),
			"job_id", job.ID,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"error", err,
		)
	}
}
