package appointments

import (
	"context"
	"fmt"
	"time"

	"slotbook/backend/internal/domain"
)

// Availability annotates every label of the daily schedule for the given day.
// A slot is available when it is still in the future and no active appointment
// of the provider falls into its hour.
func (s *Service) Availability(ctx context.Context, providerID string, day time.Time) ([]domain.AvailabilitySlot, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	if day.IsZero() {
		return nil, validationError("date is required")
	}

	booked, err := s.repo.ListActiveByProvider(ctx, providerID, domain.StartOfDay(day, s.loc), domain.EndOfDay(day, s.loc))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}

	taken := make(map[string]struct{}, len(booked))
	for _, a := range booked {
		taken[domain.SlotLabel(a.Date, s.loc)] = struct{}{}
	}

	now := s.clock.Now()
	out := make([]domain.AvailabilitySlot, 0, len(domain.DailySchedule))
	for _, label := range domain.DailySchedule {
		instant, err := domain.SlotInstant(day, label, s.loc)
		if err != nil {
			return nil, err
		}
		_, isTaken := taken[label]
		out = append(out, domain.AvailabilitySlot{
			Time:      label,
			Value:     instant,
			Available: instant.After(now) && !isTaken,
		})
	}
	return out, nil
}

// ProviderSchedule lists the requesting provider's active appointments for
// the day.
func (s *Service) ProviderSchedule(ctx context.Context, providerID string, day time.Time) ([]domain.Appointment, error) {
	if providerID == "" {
		return nil, validationError("provider_id is required")
	}
	if day.IsZero() {
		return nil, validationError("date is required")
	}
	if _, err := s.requireProvider(ctx, providerID, ErrNotProvider); err != nil {
		return nil, err
	}

	rows, err := s.repo.ListActiveByProvider(ctx, providerID, domain.StartOfDay(day, s.loc), domain.EndOfDay(day, s.loc))
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return rows, nil
}
