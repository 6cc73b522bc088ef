package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/store"
)

const (
	appointmentsPrimaryKey     = "appointments_pkey"
	appointmentsActiveSlotKey  = "appointments_active_slot_key"
	defaultUserAppointmentPage = 20
)

type AppointmentRepo struct {
	db *bun.DB
}

func NewAppointmentRepo(db *bun.DB) *AppointmentRepo {
	return &AppointmentRepo{db: db}
}

type slotTx struct {
	tx bun.Tx
}

func (r *AppointmentRepo) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	appt.Slot = appt.SlotKey()

	var out domain.Appointment
	err := r.InSlotTransaction(ctx, appt.ProviderID, appt.Slot, func(ctx context.Context, tx store.SlotTx) error {
		a, err := bookSlot(ctx, tx, appt)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Appointment{}, err
	}
	return out, nil
}

func (r *AppointmentRepo) FindByID(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	var appt domain.Appointment
	err := r.db.NewSelect().
		Model(&appt).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

func (r *AppointmentRepo) FindActiveBySlot(ctx context.Context, providerID string, slot time.Time) (domain.Appointment, error) {
	return findActiveBySlot(ctx, r.db, providerID, slot)
}

func (r *AppointmentRepo) MarkCanceled(ctx context.Context, id uuid.UUID, at time.Time) (domain.Appointment, error) {
	var appt domain.Appointment
	err := r.db.NewUpdate().
		Model(&appt).
		Set("canceled_at = ?", at.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", id).
		Where("canceled_at IS NULL").
		Returning("*").
		Scan(ctx)
	if err == nil {
		return appt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Appointment{}, err
	}

	if _, findErr := r.FindByID(ctx, id); findErr != nil {
		return domain.Appointment{}, findErr
	}
	return domain.Appointment{}, store.ErrConflict
}

func (r *AppointmentRepo) ListActiveByProvider(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("provider_id = ?", providerID).
		Where("canceled_at IS NULL").
		Where("date BETWEEN ? AND ?", windowStart.UTC(), windowEnd.UTC()).
		OrderExpr("date ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *AppointmentRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Appointment, error) {
	if limit <= 0 {
		limit = defaultUserAppointmentPage
	}
	if offset < 0 {
		offset = 0
	}

	var rows []domain.Appointment
	err := r.db.NewSelect().
		Model(&rows).
		Where("user_id = ?", userID).
		Where("canceled_at IS NULL").
		OrderExpr("date ASC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// InSlotTransaction runs fn while holding a transaction-scoped advisory lock on
// the provider's hour slot, so concurrent bookings of the same slot queue up
// behind each other instead of racing the existence check.
func (r *AppointmentRepo) InSlotTransaction(ctx context.Context, providerID string, slot time.Time, fn func(ctx context.Context, tx store.SlotTx) error) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockSlot(ctx, tx, providerID, slot); err != nil {
			return err
		}
		return fn(ctx, slotTx{tx: tx})
	})
}

func lockSlot(ctx context.Context, tx bun.Tx, providerID string, slot time.Time) error {
	_, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", slotLockKey(providerID, slot)).Exec(ctx)
	return err
}

func slotLockKey(providerID string, slot time.Time) string {
	return providerID + "|" + slot.UTC().Format(time.RFC3339)
}

func (r slotTx) FindActiveBySlot(ctx context.Context, providerID string, slot time.Time) (domain.Appointment, error) {
	return findActiveBySlot(ctx, r.tx, providerID, slot)
}

func (r slotTx) CreateAppointment(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	m := domain.Appointment{
		ID:         appt.ID,
		UserID:     appt.UserID,
		ProviderID: appt.ProviderID,
		Date:       appt.Date,
		Slot:       appt.SlotKey(),
		CanceledAt: appt.CanceledAt,
		CreatedAt:  appt.CreatedAt,
		UpdatedAt:  appt.UpdatedAt,
	}

	_, err := r.tx.NewInsert().Model(&m).Exec(ctx)
	if err != nil {
		if isUniqueViolation(err, appointmentsActiveSlotKey) {
			return domain.Appointment{}, store.ErrConflict
		}
		if isUniqueViolation(err, appointmentsPrimaryKey) {
			var existing domain.Appointment
			selectErr := r.tx.NewSelect().
				Model(&existing).
				Where("id = ?", m.ID).
				Limit(1).
				Scan(ctx)
			if selectErr != nil {
				return domain.Appointment{}, err
			}
			if !sameBooking(existing, appt) {
				return domain.Appointment{}, store.ErrIdempotencyConflict
			}
			return existing, nil
		}
		return domain.Appointment{}, err
	}

	return m, nil
}

func findActiveBySlot(ctx context.Context, db bun.IDB, providerID string, slot time.Time) (domain.Appointment, error) {
	var appt domain.Appointment
	err := db.NewSelect().
		Model(&appt).
		Where("provider_id = ?", providerID).
		Where("canceled_at IS NULL").
		Where("slot = ?", slot.UTC()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Appointment{}, store.ErrNotFound
		}
		return domain.Appointment{}, err
	}
	return appt, nil
}

// bookSlot assumes the caller holds the slot lock.
func bookSlot(ctx context.Context, tx store.SlotTx, appt domain.Appointment) (domain.Appointment, error) {
	existing, err := tx.FindActiveBySlot(ctx, appt.ProviderID, appt.SlotKey())
	switch {
	case err == nil:
		if appt.ID != uuid.Nil && existing.ID == appt.ID {
			if !sameBooking(existing, appt) {
				return domain.Appointment{}, store.ErrIdempotencyConflict
			}
			return existing, nil
		}
		return domain.Appointment{}, store.ErrConflict
	case !errors.Is(err, store.ErrNotFound):
		return domain.Appointment{}, err
	}

	return tx.CreateAppointment(ctx, appt)
}

func sameBooking(existing, requested domain.Appointment) bool {
	return existing.UserID == requested.UserID &&
		existing.ProviderID == requested.ProviderID &&
		existing.Date.Equal(requested.Date)
}
