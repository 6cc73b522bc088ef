package store

import (
	"context"

	"github.com/google/uuid"

	"slotbook/backend/internal/domain"
)

type NotificationRepository interface {
	Create(ctx context.Context, n domain.Notification) (domain.Notification, error)
	ListByRecipient(ctx context.Context, recipientID string, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) (domain.Notification, error)
}
