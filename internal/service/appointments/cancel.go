package appointments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/jobs"
	"slotbook/backend/internal/store"
)

func (s *Service) Cancel(ctx context.Context, requesterID string, appointmentID uuid.UUID) (domain.Appointment, error) {
	if requesterID == "" {
		return domain.Appointment{}, validationError("requester_id is required")
	}
	if appointmentID == uuid.Nil {
		return domain.Appointment{}, validationError("appointment_id is required")
	}

	appt, err := s.repo.FindByID(ctx, appointmentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Appointment{}, ErrNotFound
		}
		return domain.Appointment{}, fmt.Errorf("find appointment: %w", err)
	}
	if appt.UserID != requesterID {
		return domain.Appointment{}, ErrNotOwner
	}

	now := s.clock.Now()
	if !domain.IsCancelable(appt.Date, now) {
		return domain.Appointment{}, ErrTooLate
	}
	if !appt.Active() {
		return appt, nil
	}

	user, err := s.users.FindByID(ctx, appt.UserID)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("find user %s: %w", appt.UserID, err)
	}
	provider, err := s.users.FindByID(ctx, appt.ProviderID)
	if err != nil {
		return domain.Appointment{}, fmt.Errorf("find provider %s: %w", appt.ProviderID, err)
	}

	canceled, err := s.repo.MarkCanceled(ctx, appt.ID, now)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with another cancel of the same appointment; that one
			// owns the mail job.
			current, findErr := s.repo.FindByID(ctx, appt.ID)
			if findErr != nil {
				if errors.Is(findErr, store.ErrNotFound) {
					return domain.Appointment{}, ErrNotFound
				}
				return domain.Appointment{}, fmt.Errorf("reload appointment: %w", findErr)
			}
			return current, nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return domain.Appointment{}, ErrNotFound
		}
		return domain.Appointment{}, fmt.Errorf("cancel appointment: %w", err)
	}

	s.enqueueCancellationMail(ctx, canceled, user, provider)
	return canceled, nil
}

func (s *Service) enqueueCancellationMail(ctx context.Context, appt domain.Appointment, user, provider domain.User) {
	if s.jobs == nil {
		return
	}
	payload := jobs.CancellationMailPayload{
		AppointmentID: appt.ID,
		Date:          appt.Date,
		User:          jobs.Party{ID: user.ID, Name: user.Name, Email: user.Email},
		Provider:      jobs.Party{ID: provider.ID, Name: provider.Name, Email: provider.Email},
	}
	if appt.CanceledAt != nil {
		payload.CanceledAt = *appt.CanceledAt
	}
	if err := jobs.EnqueueCancellationMail(ctx, s.jobs, payload); err != nil {
		s.log.Error("cancellation mail enqueue failed", "appointment_id", appt.ID.String(), "error", err)
	}
}
