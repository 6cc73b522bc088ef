// Package notifications is the provider-facing feed of booking notices.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/store"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

var (
	ErrNotFound    = errors.New("notification not found")
	ErrNotProvider = errors.New("only providers can load notifications")
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

type Service struct {
	repo  store.NotificationRepository
	users store.UserDirectory
}

func NewService(repo store.NotificationRepository, users store.UserDirectory) *Service {
	return &Service{repo: repo, users: users}
}

func (s *Service) Append(ctx context.Context, recipientID, content string) (domain.Notification, error) {
	if recipientID == "" {
		return domain.Notification{}, &ValidationError{msg: "recipient_id is required"}
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return domain.Notification{}, &ValidationError{msg: "content is required"}
	}
	return s.repo.Create(ctx, domain.Notification{RecipientID: recipientID, Content: content})
}

// ListForProvider returns the newest notifications first. A limit outside
// (0, MaxLimit] falls back to DefaultLimit.
func (s *Service) ListForProvider(ctx context.Context, providerID string, limit int) ([]domain.Notification, error) {
	if providerID == "" {
		return nil, &ValidationError{msg: "provider_id is required"}
	}
	u, err := s.users.FindByID(ctx, providerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotProvider
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	if !u.Provider {
		return nil, ErrNotProvider
	}

	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}
	return s.repo.ListByRecipient(ctx, providerID, limit)
}

func (s *Service) MarkRead(ctx context.Context, id uuid.UUID) (domain.Notification, error) {
	if id == uuid.Nil {
		return domain.Notification{}, &ValidationError{msg: "notification_id is required"}
	}
	n, err := s.repo.MarkRead(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Notification{}, ErrNotFound
		}
		return domain.Notification{}, err
	}
	return n, nil
}
