package queue

import (
	"context"
	"sync"
	"time"
)

type memState int

const (
	memPending memState = iota
	memActive
	memDone
	memFailed
)

type memEntry struct {
	job     Job
	state   memState
	runAt   time.Time
	seq     uint64
	lastErr string
}

// MemoryBackend keeps jobs in process memory. Nothing survives a restart, so
// it only serves tests and single-process development.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	order   map[string][]string
	seq     uint64
	wake    chan struct{}
	poll    time.Duration
}

func NewMemoryBackend(pollInterval time.Duration) *MemoryBackend {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &MemoryBackend{
		entries: make(map[string]*memEntry),
		order:   make(map[string][]string),
		wake:    make(chan struct{}),
		poll:    pollInterval,
	}
}

func (b *MemoryBackend) Enqueue(ctx context.Context, job Job) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[job.ID]; ok {
		return false, nil
	}
	b.seq++
	job.Attempts = 0
	b.entries[job.ID] = &memEntry{job: job, state: memPending, runAt: time.Now(), seq: b.seq}
	b.order[job.Queue] = append(b.order[job.Queue], job.ID)
	b.signalLocked()
	return true, nil
}

func (b *MemoryBackend) Dequeue(ctx context.Context, queue string) (Job, error) {
	deadline := time.NewTimer(b.poll)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		job, ok, nextDue := b.claimLocked(queue)
		wake := b.wake
		b.mu.Unlock()
		if ok {
			return job, nil
		}

		var due *time.Timer
		var dueC <-chan time.Time
		if !nextDue.IsZero() {
			due = time.NewTimer(time.Until(nextDue))
			dueC = due.C
		}

		var err error
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-deadline.C:
			err = ErrNoJob
		case <-wake:
		case <-dueC:
		}
		if due != nil {
			due.Stop()
		}
		if err != nil {
			return Job{}, err
		}
	}
}

// claimLocked picks the oldest ready job. When none is ready it reports the
// earliest future runAt of the queue, if any.
func (b *MemoryBackend) claimLocked(queue string) (Job, bool, time.Time) {
	now := time.Now()
	var best *memEntry
	var nextDue time.Time
	for _, id := range b.order[queue] {
		e := b.entries[id]
		if e.state != memPending {
			continue
		}
		if e.runAt.After(now) {
			if nextDue.IsZero() || e.runAt.Before(nextDue) {
				nextDue = e.runAt
			}
			continue
		}
		if best == nil || e.runAt.Before(best.runAt) || (e.runAt.Equal(best.runAt) && e.seq < best.seq) {
			best = e
		}
	}
	if best == nil {
		return Job{}, false, nextDue
	}
	best.state = memActive
	best.job.Attempts++
	return best.job, true, time.Time{}
}

func (b *MemoryBackend) Ack(ctx context.Context, job Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[job.ID]; ok {
		e.state = memDone
	}
	return nil
}

func (b *MemoryBackend) Retry(ctx context.Context, job Job, runAt time.Time, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[job.ID]
	if !ok {
		return nil
	}
	e.state = memPending
	e.runAt = runAt
	if cause != nil {
		e.lastErr = cause.Error()
	}
	b.signalLocked()
	return nil
}

func (b *MemoryBackend) Fail(ctx context.Context, job Job, cause error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.entries[job.ID]; ok {
		e.state = memFailed
		if cause != nil {
			e.lastErr = cause.Error()
		}
	}
	return nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return nil
}

// Pending counts jobs of the queue that are waiting or scheduled for retry.
func (b *MemoryBackend) Pending(queue string) int {
	return b.count(queue, memPending)
}

func (b *MemoryBackend) Completed(queue string) int {
	return b.count(queue, memDone)
}

// Failed returns the dead-lettered jobs of the queue in enqueue order.
func (b *MemoryBackend) Failed(queue string) []Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Job
	for _, id := range b.order[queue] {
		if e := b.entries[id]; e.state == memFailed {
			out = append(out, e.job)
		}
	}
	return out
}

func (b *MemoryBackend) count(queue string, state memState) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, id := range b.order[queue] {
		if b.entries[id].state == state {
			n++
		}
	}
	return n
}

func (b *MemoryBackend) signalLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}
