package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/store"
)

type NotificationRepo struct {
	db *bun.DB
}

func NewNotificationRepo(db *bun.DB) *NotificationRepo {
	return &NotificationRepo{db: db}
}

func (r *NotificationRepo) Create(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	m := domain.Notification{
		ID:          n.ID,
		RecipientID: n.RecipientID,
		Content:     n.Content,
		Read:        n.Read,
		CreatedAt:   n.CreatedAt,
	}
	if _, err := r.db.NewInsert().Model(&m).Exec(ctx); err != nil {
		return domain.Notification{}, err
	}
	return m, nil
}

func (r *NotificationRepo) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]domain.Notification, error) {
	var rows []domain.Notification
	err := r.db.NewSelect().
		Model(&rows).
		Where("recipient_id = ?", recipientID).
		OrderExpr("created_at DESC, id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *NotificationRepo) MarkRead(ctx context.Context, id uuid.UUID) (domain.Notification, error) {
	var n domain.Notification
	err := r.db.NewUpdate().
		Model(&n).
		Set("read = TRUE").
		Where("id = ?", id).
		Returning("*").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Notification{}, store.ErrNotFound
		}
		return domain.Notification{}, err
	}
	return n, nil
}
