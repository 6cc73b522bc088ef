// Package kafkaq is a queue.Backend on Kafka. Every queue is a topic read by
// one consumer group; a job is committed once it settles. Retries are
// re-produced to the same topic with the attempt count and a run_at header,
// dead letters go to "<topic>.failed".
//
// Kafka has no keyed insert, so Enqueue does not deduplicate job ids and
// always reports the job as created.
package kafkaq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"slotbook/backend/internal/queue"
)

const (
	headerAttempts = "attempts"
	headerRunAt    = "run_at"
	headerError    = "error"
	headerJobID    = "job_id"
	failedSuffix   = ".failed"
)

type Config struct {
	Brokers      string
	GroupID      string
	TopicPrefix  string
	PollInterval time.Duration
}

type Backend struct {
	cfg     Config
	brokers []string
	writer  *kafka.Writer

	mu       sync.Mutex
	readers  map[string]*kafka.Reader
	inFlight map[string]kafka.Message
}

func New(cfg Config) (*Backend, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafkaq: brokers not configured")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "slotbook-worker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Backend{
		cfg:     cfg,
		brokers: brokers,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: true,
		},
		readers:  make(map[string]*kafka.Reader),
		inFlight: make(map[string]kafka.Message),
	}, nil
}

func (b *Backend) Topic(queueName string) string {
	return b.cfg.TopicPrefix + queueName
}

func (b *Backend) Enqueue(ctx context.Context, job queue.Job) (bool, error) {
	job.Attempts = 0
	msg, err := b.message(b.Topic(job.Queue), job, 0, time.Time{})
	if err != nil {
		return false, err
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) Dequeue(ctx context.Context, queueName string) (queue.Job, error) {
	r := b.reader(queueName)

	pollCtx, cancel := context.WithTimeout(ctx, b.cfg.PollInterval)
	msg, err := r.FetchMessage(pollCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return queue.Job{}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return queue.Job{}, queue.ErrNoJob
		}
		return queue.Job{}, err
	}

	job, runAt, err := decode(msg)
	if err != nil {
		// An undecodable record can never succeed; skip past it.
		if commitErr := r.CommitMessages(ctx, msg); commitErr != nil {
			return queue.Job{}, commitErr
		}
		return queue.Job{}, fmt.Errorf("kafkaq: %s offset %d: %w", msg.Topic, msg.Offset, err)
	}

	// A retried record waits for its run_at. This holds back the partition,
	// which keeps commits in order.
	if wait := time.Until(runAt); wait > 0 {
		select {
		case <-ctx.Done():
			return queue.Job{}, ctx.Err()
		case <-time.After(wait):
		}
	}

	b.mu.Lock()
	b.inFlight[inFlightKey(queueName, job.ID)] = msg
	b.mu.Unlock()
	return job, nil
}

func (b *Backend) Ack(ctx context.Context, job queue.Job) error {
	return b.commit(ctx, job)
}

func (b *Backend) Retry(ctx context.Context, job queue.Job, runAt time.Time, cause error) error {
	msg, err := b.message(b.Topic(job.Queue), job, job.Attempts, runAt)
	if err != nil {
		return err
	}
	msg.Headers = append(msg.Headers, kafka.Header{Key: headerError, Value: []byte(errorText(cause))})
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	return b.commit(ctx, job)
}

func (b *Backend) Fail(ctx context.Context, job queue.Job, cause error) error {
	msg, err := b.message(b.Topic(job.Queue)+failedSuffix, job, job.Attempts, time.Time{})
	if err != nil {
		return err
	}
	msg.Headers = append(msg.Headers, kafka.Header{Key: headerError, Value: []byte(errorText(cause))})
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return err
	}
	return b.commit(ctx, job)
}

func (b *Backend) Ping(ctx context.Context) error {
	dialer := kafka.Dialer{Timeout: 2 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", b.brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	for _, r := range b.readers {
		errs = append(errs, r.Close())
	}
	errs = append(errs, b.writer.Close())
	return errors.Join(errs...)
}

func (b *Backend) reader(queueName string) *kafka.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.readers[queueName]; ok {
		return r
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.brokers,
		GroupID:  b.cfg.GroupID,
		Topic:    b.Topic(queueName),
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  b.cfg.PollInterval,
	})
	b.readers[queueName] = r
	return r
}

func (b *Backend) commit(ctx context.Context, job queue.Job) error {
	key := inFlightKey(job.Queue, job.ID)
	b.mu.Lock()
	msg, ok := b.inFlight[key]
	delete(b.inFlight, key)
	r := b.readers[job.Queue]
	b.mu.Unlock()
	if !ok || r == nil {
		return fmt.Errorf("kafkaq: job %s is not in flight", job.ID)
	}
	return r.CommitMessages(ctx, msg)
}

// message encodes the job envelope. attempts and runAt travel as headers so
// the envelope stays as the producer wrote it.
func (b *Backend) message(topic string, job queue.Job, attempts int, runAt time.Time) (kafka.Message, error) {
	env := job
	env.Attempts = 0
	value, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, err
	}
	headers := []kafka.Header{
		{Key: headerJobID, Value: []byte(job.ID)},
		{Key: headerAttempts, Value: []byte(strconv.Itoa(attempts))},
	}
	if !runAt.IsZero() {
		headers = append(headers, kafka.Header{Key: headerRunAt, Value: []byte(runAt.UTC().Format(time.RFC3339Nano))})
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(job.ID),
		Value:   value,
		Headers: headers,
	}, nil
}

func decode(msg kafka.Message) (queue.Job, time.Time, error) {
	var job queue.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		return queue.Job{}, time.Time{}, fmt.Errorf("decode envelope: %w", err)
	}
	prior := 0
	if v := HeaderValue(msg.Headers, headerAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return queue.Job{}, time.Time{}, fmt.Errorf("attempts header: %w", err)
		}
		prior = n
	}
	job.Attempts = prior + 1

	var runAt time.Time
	if v := HeaderValue(msg.Headers, headerRunAt); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return queue.Job{}, time.Time{}, fmt.Errorf("run_at header: %w", err)
		}
		runAt = t
	}
	return job, runAt, nil
}

func inFlightKey(queueName, id string) string {
	return queueName + "\x00" + id
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ queue.Backend = (*Backend)(nil)
