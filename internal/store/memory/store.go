// Package memory is an in-process implementation of the store interfaces. It
// backs the unit tests and the store.driver=memory development mode.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/store"
)

const defaultUserAppointmentPage = 20

// Store keeps users, appointments and notifications behind a single mutex, so
// the slot check and the insert in Create happen atomically.
type Store struct {
	mu            sync.Mutex
	users         map[string]domain.User
	appointments  map[uuid.UUID]domain.Appointment
	notifications []domain.Notification
}

func New() *Store {
	return &Store{
		users:        make(map[string]domain.User),
		appointments: make(map[uuid.UUID]domain.Appointment),
	}
}

func (s *Store) AddUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = u
}

// LoadUsersFile seeds users from a JSON array of
// {"id","name","email","provider"} objects.
func (s *Store) LoadUsersFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var seed []struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Email    string `json:"email"`
		Provider bool   `json:"provider"`
	}
	if err := json.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, u := range seed {
		if u.ID == "" {
			return 0, fmt.Errorf("parse %s: user without id", path)
		}
		s.AddUser(domain.User{ID: u.ID, Name: u.Name, Email: u.Email, Provider: u.Provider})
	}
	return len(seed), nil
}

func (s *Store) Users() *UserDirectory {
	return &UserDirectory{s: s}
}

func (s *Store) Appointments() *AppointmentRepo {
	return &AppointmentRepo{s: s}
}

func (s *Store) Notifications() *NotificationRepo {
	return &NotificationRepo{s: s}
}

type UserDirectory struct {
	s *Store
}

func (d *UserDirectory) FindByID(ctx context.Context, id string) (domain.User, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	u, ok := d.s.users[id]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return u, nil
}

type AppointmentRepo struct {
	s *Store
}

func (r *AppointmentRepo) Create(ctx context.Context, appt domain.Appointment) (domain.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return domain.Appointment{}, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	appt.Slot = appt.SlotKey()
	if existing, ok := r.s.findActiveBySlot(appt.ProviderID, appt.Slot); ok {
		if appt.ID != uuid.Nil && existing.ID == appt.ID {
			if !sameBooking(existing, appt) {
				return domain.Appointment{}, store.ErrIdempotencyConflict
			}
			return existing, nil
		}
		return domain.Appointment{}, store.ErrConflict
	}

	if appt.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Appointment{}, err
		}
		appt.ID = id
	} else if existing, ok := r.s.appointments[appt.ID]; ok {
		if !sameBooking(existing, appt) {
			return domain.Appointment{}, store.ErrIdempotencyConflict
		}
		return existing, nil
	}

	now := time.Now().UTC()
	if appt.CreatedAt.IsZero() {
		appt.CreatedAt = now
	}
	if appt.UpdatedAt.IsZero() {
		appt.UpdatedAt = now
	}
	r.s.appointments[appt.ID] = appt
	return appt, nil
}

func (r *AppointmentRepo) FindByID(ctx context.Context, id uuid.UUID) (domain.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (r *AppointmentRepo) FindActiveBySlot(ctx context.Context, providerID string, slot time.Time) (domain.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.findActiveBySlot(providerID, slot)
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	return a, nil
}

func (r *AppointmentRepo) MarkCanceled(ctx context.Context, id uuid.UUID, at time.Time) (domain.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.appointments[id]
	if !ok {
		return domain.Appointment{}, store.ErrNotFound
	}
	if !a.Active() {
		return domain.Appointment{}, store.ErrConflict
	}
	canceledAt := at.UTC()
	a.CanceledAt = &canceledAt
	a.UpdatedAt = time.Now().UTC()
	r.s.appointments[id] = a
	return a, nil
}

func (r *AppointmentRepo) ListActiveByProvider(ctx context.Context, providerID string, windowStart, windowEnd time.Time) ([]domain.Appointment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.Appointment
	for _, a := range r.s.appointments {
		if a.ProviderID != providerID || !a.Active() {
			continue
		}
		if a.Date.Before(windowStart) || a.Date.After(windowEnd) {
			continue
		}
		out = append(out, a)
	}
	sortByDate(out)
	return out, nil
}

func (r *AppointmentRepo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]domain.Appointment, error) {
	if limit <= 0 {
		limit = defaultUserAppointmentPage
	}
	if offset < 0 {
		offset = 0
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.Appointment
	for _, a := range r.s.appointments {
		if a.UserID == userID && a.Active() {
			out = append(out, a)
		}
	}
	sortByDate(out)
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type NotificationRepo struct {
	s *Store
}

func (r *NotificationRepo) Create(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if err := ctx.Err(); err != nil {
		return domain.Notification{}, err
	}
	if n.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return domain.Notification{}, err
		}
		n.ID = id
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.notifications = append(r.s.notifications, n)
	return n, nil
}

func (r *NotificationRepo) ListByRecipient(ctx context.Context, recipientID string, limit int) ([]domain.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []domain.Notification
	for i := len(r.s.notifications) - 1; i >= 0; i-- {
		if n := r.s.notifications[i]; n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *NotificationRepo) MarkRead(ctx context.Context, id uuid.UUID) (domain.Notification, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for i := range r.s.notifications {
		if r.s.notifications[i].ID == id {
			r.s.notifications[i].Read = true
			return r.s.notifications[i], nil
		}
	}
	return domain.Notification{}, store.ErrNotFound
}

// findActiveBySlot matches the stored slot key exactly, as the Postgres unique
// index does. Callers hold s.mu.
func (s *Store) findActiveBySlot(providerID string, slot time.Time) (domain.Appointment, bool) {
	for _, a := range s.appointments {
		if a.ProviderID == providerID && a.Active() && a.SlotKey().Equal(slot) {
			return a, true
		}
	}
	return domain.Appointment{}, false
}

func sortByDate(rows []domain.Appointment) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Date.Equal(rows[j].Date) {
			return rows[i].ID.String() < rows[j].ID.String()
		}
		return rows[i].Date.Before(rows[j].Date)
	})
}

func sameBooking(existing, requested domain.Appointment) bool {
	return existing.UserID == requested.UserID &&
		existing.ProviderID == requested.ProviderID &&
		existing.Date.Equal(requested.Date)
}

var (
	_ store.AppointmentRepository  = (*AppointmentRepo)(nil)
	_ store.UserDirectory          = (*UserDirectory)(nil)
	_ store.NotificationRepository = (*NotificationRepo)(nil)
)
