package notifications

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/store/memory"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	mem := memory.New()
	mem.AddUser(domain.User{ID: "p1", Name: "Provider", Provider: true})
	mem.AddUser(domain.User{ID: "u1", Name: "Client"})
	return NewService(mem.Notifications(), mem.Users()), mem
}

func TestMarkRead_Idempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	n, err := svc.Append(ctx, "p1", "New appointment")
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if n.Read {
		t.Fatalf("new notification read = true")
	}

	first, err := svc.MarkRead(ctx, n.ID)
	if err != nil {
		t.Fatalf("MarkRead error: %v", err)
	}
	second, err := svc.MarkRead(ctx, n.ID)
	if err != nil {
		t.Fatalf("second MarkRead error: %v", err)
	}
	if !first.Read || !second.Read {
		t.Fatalf("read = %v/%v, want true/true", first.Read, second.Read)
	}
	if first.ID != second.ID || first.Content != second.Content {
		t.Fatalf("second MarkRead changed the notification: %+v vs %+v", first, second)
	}
}

func TestMarkRead_Unknown(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.MarkRead(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want %v", err, ErrNotFound)
	}
	var vErr *ValidationError
	if _, err := svc.MarkRead(context.Background(), uuid.Nil); !errors.As(err, &vErr) {
		t.Fatalf("nil id error type = %T, want *ValidationError", err)
	}
}

func TestListForProvider(t *testing.T) {
	svc, mem := newService(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		_, err := mem.Notifications().Create(ctx, domain.Notification{
			RecipientID: "p1",
			Content:     fmt.Sprintf("n%02d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Create error: %v", err)
		}
	}

	rows, err := svc.ListForProvider(ctx, "p1", 0)
	if err != nil {
		t.Fatalf("ListForProvider error: %v", err)
	}
	if len(rows) != DefaultLimit {
		t.Fatalf("rows = %d, want %d", len(rows), DefaultLimit)
	}
	if rows[0].Content != "n24" || rows[len(rows)-1].Content != "n05" {
		t.Fatalf("order = %q..%q, want n24..n05", rows[0].Content, rows[len(rows)-1].Content)
	}

	rows, err = svc.ListForProvider(ctx, "p1", 3)
	if err != nil {
		t.Fatalf("ListForProvider error: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(rows))
	}

	for _, id := range []string{"u1", "ghost"} {
		if _, err := svc.ListForProvider(ctx, id, 0); !errors.Is(err, ErrNotProvider) {
			t.Fatalf("%s: err = %v, want %v", id, err, ErrNotProvider)
		}
	}
}

func TestAppend_Validation(t *testing.T) {
	svc, _ := newService(t)
	var vErr *ValidationError
	if _, err := svc.Append(context.Background(), "p1", "   "); !errors.As(err, &vErr) {
		t.Fatalf("error type = %T, want *ValidationError", err)
	}
}
