package pgq

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"slotbook/backend/internal/queue"
	"slotbook/backend/internal/store/postgres"
	"slotbook/backend/migrations"
)

func TestJobRowToJob(t *testing.T) {
	enq := time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)
	row := jobRow{
		ID:          "j1",
		Queue:       "cancellation-mail",
		Payload:     `{"appointment_id":"x"}`,
		Attempts:    2,
		MaxAttempts: 5,
		EnqueuedAt:  enq,
		Traceparent: "00-abc-def-01",
	}
	job := row.job()
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "00-abc-def-01", job.Traceparent)
	assert.JSONEq(t, `{"appointment_id":"x"}`, string(job.Payload))
	assert.True(t, job.EnqueuedAt.Equal(enq))
}

func openTestDB(t *testing.T) *bun.DB {
	t.Helper()
	databaseURL := strings.TrimSpace(os.Getenv("SLOTBOOK_TEST_DATABASE_URL"))
	if databaseURL == "" {
		t.Skip("SLOTBOOK_TEST_DATABASE_URL not set")
	}

	b := make([]byte, 6)
	_, err := rand.Read(b)
	require.NoError(t, err)
	schema := "slotbook_pgq_" + hex.EncodeToString(b)

	ctx := context.Background()
	admin, err := postgres.Open(ctx, databaseURL, postgres.PoolConfig{MaxOpenConns: 1})
	require.NoError(t, err)
	_, err = admin.NewRaw("CREATE SCHEMA " + schema).Exec(ctx)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.NewRaw("DROP SCHEMA IF EXISTS " + schema + " CASCADE").Exec(context.Background())
		_ = postgres.Close(admin)
	})

	sep := "?"
	if strings.Contains(databaseURL, "?") {
		sep = "&"
	}
	db, err := postgres.Open(ctx, databaseURL+sep+"search_path="+schema, postgres.PoolConfig{MaxOpenConns: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = postgres.Close(db) })

	_, err = postgres.Migrate(ctx, db, migrations.FS)
	require.NoError(t, err)
	return db
}

func TestPostgresQueueIntegration_Lifecycle(t *testing.T) {
	db := openTestDB(t)
	b := New(db, Config{PollInterval: 50 * time.Millisecond, VisibilityTimeout: 200 * time.Millisecond})
	ctx := context.Background()
	job := queue.Job{ID: "j1", Queue: "mail", Payload: json.RawMessage(`{"to":"p1"}`), MaxAttempts: 3}

	created, err := b.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = b.Enqueue(ctx, job)
	require.NoError(t, err)
	assert.False(t, created)

	got, err := b.Dequeue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, `{"to":"p1"}`, string(got.Payload))

	_, err = b.Dequeue(ctx, "mail")
	assert.True(t, errors.Is(err, queue.ErrNoJob), "err = %v", err)

	require.NoError(t, b.Retry(ctx, got, time.Now().Add(-time.Second), errors.New("smtp down")))
	got, err = b.Dequeue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)

	// Let the lease lapse; the row becomes claimable again.
	time.Sleep(250 * time.Millisecond)
	got, err = b.Dequeue(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)

	require.NoError(t, b.Fail(ctx, got, errors.New("smtp down")))
	failed, err := b.Failed(ctx, "mail")
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "j1", failed[0].ID)
}
