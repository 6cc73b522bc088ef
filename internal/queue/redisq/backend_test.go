package redisq

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slotbook/backend/internal/queue"
)

func TestKeysLayout(t *testing.T) {
	b := New(nil, Config{Prefix: "sb:"})
	k := b.keys("cancellation-mail")
	assert.Equal(t, "sb:cancellation-mail:wait", k.wait)
	assert.Equal(t, "sb:cancellation-mail:job:", k.jobPrefix)
	assert.Equal(t, "sb:cancellation-mail:failed", k.failed)
}

func TestDecodeClaim(t *testing.T) {
	raw, err := json.Marshal(queue.Job{ID: "j1", Queue: "q", Payload: json.RawMessage(`{"a":1}`), MaxAttempts: 5})
	require.NoError(t, err)

	job, err := decodeClaim([]any{string(raw), int64(3)})
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 3, job.Attempts)
	assert.JSONEq(t, `{"a":1}`, string(job.Payload))

	_, err = decodeClaim([]any{string(raw)})
	assert.Error(t, err)
	_, err = decodeClaim([]any{42, int64(1)})
	assert.Error(t, err)
}

func newIntegrationBackend(t *testing.T) *Backend {
	t.Helper()
	addr := strings.TrimSpace(os.Getenv("SLOTBOOK_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("SLOTBOOK_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	b := make([]byte, 6)
	_, err := rand.Read(b)
	require.NoError(t, err)
	prefix := "slotbook_test:" + hex.EncodeToString(b) + ":"
	t.Cleanup(func() {
		ctx := context.Background()
		iter := rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			_ = rdb.Del(ctx, iter.Val()).Err()
		}
	})

	backend := New(rdb, Config{Prefix: prefix, PollInterval: 50 * time.Millisecond, VisibilityTimeout: 200 * time.Millisecond})
	require.NoError(t, backend.Ping(context.Background()))
	return backend
}

func TestRedisIntegration_Lifecycle(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()
	job := queue.Job{ID: "j1", Queue: "mail", Payload: json.RawMessage(`{}`), MaxAttempts: 3}

	created, err := b.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = b.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, created, "duplicate id must not enqueue")

	got, err := b.Dequeue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	_, err = b.Dequeue(ctx, "mail")
	require.True(t, errors.Is(err, queue.ErrNoJob), "err = %v", err)

	require.NoError(t, b.Retry(ctx, got, time.Now().Add(20*time.Millisecond), errors.New("smtp down")))
	time.Sleep(30 * time.Millisecond)
	got, err = b.Dequeue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)

	require.NoError(t, b.Fail(ctx, got, errors.New("smtp down")))
	failed, err := b.Failed(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, failed)
}

func TestRedisIntegration_ExpiredLeaseIsRedelivered(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()

	_, err := b.Enqueue(ctx, queue.Job{ID: "stalled", Queue: "mail", Payload: json.RawMessage(`{}`), MaxAttempts: 3})
	require.NoError(t, err)

	first, err := b.Dequeue(ctx, "mail")
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)

	second, err := b.Dequeue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)
	require.NoError(t, b.Ack(ctx, second))
}
