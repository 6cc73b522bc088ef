package kafkaq

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotbook/backend/internal/queue"
)

func TestSplitBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, SplitBrokers(""))
}

func TestNew_RequiresBrokers(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestMessageDecodeRoundTrip(t *testing.T) {
	b, err := New(Config{Brokers: "localhost:9092", TopicPrefix: "slotbook."})
	require.NoError(t, err)
	assert.Equal(t, "slotbook.cancellation-mail", b.Topic("cancellation-mail"))

	runAt := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	job := queue.Job{ID: "j1", Queue: "cancellation-mail", Payload: json.RawMessage(`{"x":1}`), Attempts: 2, MaxAttempts: 5}

	msg, err := b.message(b.Topic(job.Queue), job, 2, runAt)
	require.NoError(t, err)
	assert.Equal(t, "j1", string(msg.Key))
	assert.Equal(t, "2", HeaderValue(msg.Headers, headerAttempts))

	got, gotRunAt, err := decode(msg)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts, "a delivery counts the attempts already made plus this one")
	assert.True(t, gotRunAt.Equal(runAt))
	assert.JSONEq(t, `{"x":1}`, string(got.Payload))
}

func TestDecode_Rejects(t *testing.T) {
	_, _, err := decode(kafka.Message{Value: []byte("{")})
	assert.Error(t, err)

	_, _, err = decode(kafka.Message{Value: []byte(`{"id":"j"}`), Headers: []kafka.Header{{Key: headerAttempts, Value: []byte("x")}}})
	assert.Error(t, err)
}

func TestKafkaIntegration_RetryAndDeadLetter(t *testing.T) {
	brokers := strings.TrimSpace(os.Getenv("SLOTBOOK_TEST_KAFKA_BROKERS"))
	if brokers == "" {
		t.Skip("SLOTBOOK_TEST_KAFKA_BROKERS not set")
	}
	prefix := "slotbook_test_" + strconv.FormatInt(time.Now().UnixNano(), 36) + "."
	b, err := New(Config{Brokers: brokers, GroupID: prefix + "group", TopicPrefix: prefix, PollInterval: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	require.NoError(t, b.Ping(ctx))

	_, err = b.Enqueue(ctx, queue.Job{ID: "j1", Queue: "mail", Payload: json.RawMessage(`{}`), MaxAttempts: 2})
	require.NoError(t, err)

	job := dequeueEventually(ctx, t, b, "mail")
	assert.Equal(t, 1, job.Attempts)
	require.NoError(t, b.Retry(ctx, job, time.Now(), errors.New("smtp down")))

	job = dequeueEventually(ctx, t, b, "mail")
	assert.Equal(t, 2, job.Attempts)
	require.NoError(t, b.Fail(ctx, job, errors.New("smtp down")))
}

func dequeueEventually(ctx context.Context, t *testing.T, b *Backend, queueName string) queue.Job {
	t.Helper()
	for {
		job, err := b.Dequeue(ctx, queueName)
		if err == nil {
			return job
		}
		if errors.Is(err, queue.ErrNoJob) {
			continue
		}
		t.Fatalf("Dequeue error: %v", err)
	}
}
