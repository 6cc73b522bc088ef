package store

import (
	"context"

	"slotbook/backend/internal/domain"
)

type UserDirectory interface {
	FindByID(ctx context.Context, id string) (domain.User, error)
}
