// Package pgq is a queue.Backend on the queue_jobs table. Workers claim rows
// with FOR UPDATE SKIP LOCKED and hold them through a locked_until lease; a
// row whose lease lapsed is claimable again.
package pgq

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/uptrace/bun"

	"slotbook/backend/internal/queue"
)

const (
	statusPending = "pending"
	statusActive  = "active"
	statusDone    = "done"
	statusFailed  = "failed"
)

type jobRow struct {
	bun.BaseModel `bun:"table:queue_jobs"`

	ID          string     `bun:"id,pk"`
	Queue       string     `bun:"queue,notnull"`
	Payload     string     `bun:"payload,type:jsonb,notnull"`
	Status      string     `bun:"status,notnull"`
	Attempts    int        `bun:"attempts,notnull"`
	MaxAttempts int        `bun:"max_attempts,notnull"`
	RunAt       time.Time  `bun:"run_at,notnull"`
	LockedUntil *time.Time `bun:"locked_until"`
	LastError   *string    `bun:"last_error"`
	Traceparent string     `bun:"traceparent,notnull"`
	Tracestate  string     `bun:"tracestate,notnull"`
	EnqueuedAt  time.Time  `bun:"enqueued_at,notnull"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull"`
}

func (r jobRow) job() queue.Job {
	return queue.Job{
		ID:          r.ID,
		Queue:       r.Queue,
		Payload:     json.RawMessage(r.Payload),
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		EnqueuedAt:  r.EnqueuedAt,
		Traceparent: r.Traceparent,
		Tracestate:  r.Tracestate,
	}
}

type Config struct {
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
}

type Backend struct {
	db   *bun.DB
	cfg  Config
	tick time.Duration
}

func New(db *bun.DB, cfg Config) *Backend {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	tick := 250 * time.Millisecond
	if cfg.PollInterval < tick {
		tick = cfg.PollInterval
	}
	return &Backend{db: db, cfg: cfg, tick: tick}
}

func (b *Backend) Enqueue(ctx context.Context, job queue.Job) (bool, error) {
	now := time.Now().UTC()
	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = now
	}
	row := jobRow{
		ID:          job.ID,
		Queue:       job.Queue,
		Payload:     string(job.Payload),
		Status:      statusPending,
		MaxAttempts: job.MaxAttempts,
		RunAt:       now,
		Traceparent: job.Traceparent,
		Tracestate:  job.Tracestate,
		EnqueuedAt:  enqueuedAt,
		UpdatedAt:   now,
	}
	res, err := b.db.NewInsert().
		Model(&row).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (b *Backend) Dequeue(ctx context.Context, queueName string) (queue.Job, error) {
	deadline := time.Now().Add(b.cfg.PollInterval)
	for {
		job, err := b.claim(ctx, queueName)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return queue.Job{}, err
		}
		if !time.Now().Before(deadline) {
			return queue.Job{}, queue.ErrNoJob
		}
		select {
		case <-ctx.Done():
			return queue.Job{}, ctx.Err()
		case <-time.After(b.tick):
		}
	}
}

func (b *Backend) claim(ctx context.Context, queueName string) (queue.Job, error) {
	now := time.Now().UTC()

	next := b.db.NewSelect().
		Model((*jobRow)(nil)).
		Column("id").
		Where("queue = ?", queueName).
		WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.
				WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.Where("status = ?", statusPending).Where("run_at <= ?", now)
				}).
				WhereGroup(" OR ", func(q *bun.SelectQuery) *bun.SelectQuery {
					return q.Where("status = ?", statusActive).Where("locked_until < ?", now)
				})
		}).
		OrderExpr("run_at ASC, enqueued_at ASC").
		Limit(1).
		For("UPDATE SKIP LOCKED")

	var row jobRow
	err := b.db.NewUpdate().
		Model(&row).
		Set("status = ?", statusActive).
		Set("attempts = attempts + 1").
		Set("locked_until = ?", now.Add(b.cfg.VisibilityTimeout)).
		Set("updated_at = ?", now).
		Where("id = (?)", next).
		Returning("*").
		Scan(ctx)
	if err != nil {
		return queue.Job{}, err
	}
	return row.job(), nil
}

func (b *Backend) Ack(ctx context.Context, job queue.Job) error {
	_, err := b.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("status = ?", statusDone).
		Set("locked_until = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", job.ID).
		Exec(ctx)
	return err
}

func (b *Backend) Retry(ctx context.Context, job queue.Job, runAt time.Time, cause error) error {
	_, err := b.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("status = ?", statusPending).
		Set("run_at = ?", runAt.UTC()).
		Set("locked_until = NULL").
		Set("last_error = ?", errorText(cause)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", job.ID).
		Exec(ctx)
	return err
}

func (b *Backend) Fail(ctx context.Context, job queue.Job, cause error) error {
	_, err := b.db.NewUpdate().
		Model((*jobRow)(nil)).
		Set("status = ?", statusFailed).
		Set("locked_until = NULL").
		Set("last_error = ?", errorText(cause)).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", job.ID).
		Exec(ctx)
	return err
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Failed lists dead-lettered jobs of the queue, oldest first.
func (b *Backend) Failed(ctx context.Context, queueName string) ([]queue.Job, error) {
	var rows []jobRow
	err := b.db.NewSelect().
		Model(&rows).
		Where("queue = ?", queueName).
		Where("status = ?", statusFailed).
		OrderExpr("enqueued_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]queue.Job, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.job())
	}
	return out, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ queue.Backend = (*Backend)(nil)
