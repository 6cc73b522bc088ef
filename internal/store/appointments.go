package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"slotbook/backend/internal/domain"
)

// AppointmentRepository persists appointments. Create must enforce "at most one
// active appointment per provider and hour slot" atomically and report a
// violation as ErrConflict.
type AppointmentRepository interface {
	Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
	FindByID(ctx context.Context, id uuid.UUID) (domain.Appointment, error)
	FindActiveBySlot(ctx context.Context, providerID string, slot time.Time) (domain.Appointment, error)
	// MarkCanceled returns ErrConflict when the appointment is already canceled.
	MarkCanceled(ctx context.Context, id uuid.UUID, at time.Time) (domain.Appointment, error)
	ListActiveByProvider(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error)
	ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Appointment, error)
}
