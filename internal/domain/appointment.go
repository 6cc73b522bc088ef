package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Appointment keeps Date at the precision the client sent. Slot is the start
// of the canonical-zone hour Date falls into; at most one active appointment
// per provider holds a given Slot.
type Appointment struct {
	bun.BaseModel `bun:"table:appointments"`

	ID         uuid.UUID  `bun:"id,pk,type:uuid"`
	UserID     string     `bun:"user_id,notnull"`
	ProviderID string     `bun:"provider_id,notnull"`
	Date       time.Time  `bun:"date,notnull"`
	Slot       time.Time  `bun:"slot,notnull"`
	CanceledAt *time.Time `bun:"canceled_at"`
	CreatedAt  time.Time  `bun:"created_at,notnull"`
	UpdatedAt  time.Time  `bun:"updated_at,notnull"`
}

func (a *Appointment) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	now := time.Now().UTC()
	switch query.(type) {
	case *bun.InsertQuery:
		if a.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return err
			}
			a.ID = id
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		if a.UpdatedAt.IsZero() {
			a.UpdatedAt = now
		}
	case *bun.UpdateQuery:
		a.UpdatedAt = now
	}
	return nil
}

// Active reports whether the appointment still holds its slot.
func (a Appointment) Active() bool {
	return a.CanceledAt == nil
}

// SlotKey is the conflict key. Rows built without a Slot fall back to the UTC
// hour of Date.
func (a Appointment) SlotKey() time.Time {
	if !a.Slot.IsZero() {
		return a.Slot
	}
	return TruncateToHour(a.Date.UTC())
}

func (a Appointment) Past(now time.Time) bool {
	return IsPast(a.Date, now)
}

func (a Appointment) Cancelable(now time.Time) bool {
	return IsCancelable(a.Date, now)
}
