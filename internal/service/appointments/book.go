package appointments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/store"
)

const notificationDateLayout = "Jan 2, at 15:04h"

var errIdempotencyReuse = validationError("idempotency_key was already used for a different booking")

type BookInput struct {
	RequesterID string
	ProviderID  string
	Date        time.Time
	// IdempotencyKey makes retried requests return the original booking.
	IdempotencyKey string
}

func (s *Service) Book(ctx context.Context, in BookInput) (domain.Appointment, error) {
	if in.RequesterID == "" {
		return domain.Appointment{}, validationError("requester_id is required")
	}
	if in.ProviderID == "" {
		return domain.Appointment{}, validationError("provider_id is required")
	}
	if in.Date.IsZero() {
		return domain.Appointment{}, validationError("date is required")
	}

	if _, err := s.requireProvider(ctx, in.ProviderID, ErrProviderInvalid); err != nil {
		return domain.Appointment{}, err
	}

	slot := domain.SlotStart(in.Date, s.loc)
	if domain.IsPast(slot, s.clock.Now()) {
		return domain.Appointment{}, ErrPastDate
	}

	appt := domain.Appointment{
		UserID:     in.RequesterID,
		ProviderID: in.ProviderID,
		Date:       in.Date,
		Slot:       slot,
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if len(key) > 256 {
			return domain.Appointment{}, validationError("idempotency_key too long")
		}
		appt.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("slotbook:book_appointment:"+in.RequesterID+":"+key))
	}

	existing, err := s.repo.FindActiveBySlot(ctx, in.ProviderID, slot)
	switch {
	case err == nil:
		if appt.ID != uuid.Nil && existing.ID == appt.ID {
			if !existing.Date.Equal(in.Date) || existing.UserID != in.RequesterID {
				return domain.Appointment{}, errIdempotencyReuse
			}
			return existing, nil
		}
		return domain.Appointment{}, ErrSlotTaken
	case !errors.Is(err, store.ErrNotFound):
		return domain.Appointment{}, fmt.Errorf("check slot: %w", err)
	}

	created, err := s.repo.Create(ctx, appt)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return domain.Appointment{}, ErrSlotTaken
		case errors.Is(err, store.ErrIdempotencyConflict):
			return domain.Appointment{}, errIdempotencyReuse
		}
		return domain.Appointment{}, fmt.Errorf("create appointment: %w", err)
	}

	s.notifyProvider(ctx, created, slot)
	return created, nil
}

// notifyProvider never fails the booking; problems are logged.
func (s *Service) notifyProvider(ctx context.Context, appt domain.Appointment, slot time.Time) {
	if s.notifications == nil {
		return
	}
	log := s.log.With("appointment_id", appt.ID.String(), "provider_id", appt.ProviderID)

	requester, err := s.users.FindByID(ctx, appt.UserID)
	if err != nil {
		log.Warn("booking notification skipped", "user_id", appt.UserID, "error", err)
		return
	}

	content := fmt.Sprintf("New appointment from %s on %s", requester.Name, slot.In(s.loc).Format(notificationDateLayout))
	if _, err := s.notifications.Append(ctx, appt.ProviderID, content); err != nil {
		log.Error("booking notification failed", "error", err)
	}
}
