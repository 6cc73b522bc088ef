// Package queue runs named, durable job queues with at-least-once delivery.
// Producers enqueue through a Manager; workers drain every registered queue
// and hand each job to the Definition that owns the queue name.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNoJob is returned by Backend.Dequeue when nothing became ready
	// within the poll interval.
	ErrNoJob        = errors.New("queue: no job ready")
	ErrUnknownQueue = errors.New("queue: unknown queue")
)

type Job struct {
	ID      string          `json:"id"`
	Queue   string          `json:"queue"`
	Payload json.RawMessage `json:"payload"`
	// Attempts counts deliveries including the current one.
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Traceparent string    `json:"traceparent,omitempty"`
	Tracestate  string    `json:"tracestate,omitempty"`
}

// Definition binds a handler to the queue name it owns. The name is the wire
// contract between the producer and the worker processes.
type Definition interface {
	Key() string
	Handle(ctx context.Context, job Job) error
}

type Backend interface {
	// Enqueue stores the job unless one with the same ID already exists, in
	// which case it reports false and leaves the stored job untouched.
	Enqueue(ctx context.Context, job Job) (bool, error)
	// Dequeue claims the next ready job of the queue, counting the delivery in
	// Job.Attempts. It returns ErrNoJob after waiting up to its poll interval.
	Dequeue(ctx context.Context, queue string) (Job, error)
	Ack(ctx context.Context, job Job) error
	// Retry makes the job ready again at runAt.
	Retry(ctx context.Context, job Job, runAt time.Time, cause error) error
	// Fail dead-letters the job.
	Fail(ctx context.Context, job Job, cause error) error
	Ping(ctx context.Context) error
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying; the job is
// dead-lettered on the first failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
