package store

import (
	"context"
	"time"

	"slotbook/backend/internal/domain"
)

// SlotTx is the view of the appointment table available while a provider's
// slot is locked.
type SlotTx interface {
	FindActiveBySlot(ctx context.Context, providerID string, slot time.Time) (domain.Appointment, error)
	CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error)
}
