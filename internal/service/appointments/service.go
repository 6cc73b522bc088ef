package appointments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"slotbook/backend/internal/clock"
	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/jobs"
	"slotbook/backend/internal/store"
)

var (
	ErrProviderInvalid = errors.New("appointments can only be booked with providers")
	ErrPastDate        = errors.New("past dates are not permitted")
	ErrSlotTaken       = errors.New("appointment date is not available")
	ErrNotFound        = errors.New("appointment not found")
	ErrNotOwner        = errors.New("you can only cancel your own appointments")
	ErrTooLate         = errors.New("appointments can only be canceled up to 2 hours in advance")
	ErrNotProvider     = errors.New("user is not a provider")
)

type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationError(msg string) error {
	return &ValidationError{msg: msg}
}

// NotificationSink receives the provider-facing booking notice.
type NotificationSink interface {
	Append(ctx context.Context, recipientID, content string) (domain.Notification, error)
}

type Deps struct {
	Appointments  store.AppointmentRepository
	Users         store.UserDirectory
	Notifications NotificationSink
	Jobs          jobs.Enqueuer

	// Clock defaults to the system clock.
	Clock clock.Clock
	// Location is the canonical zone used for day boundaries and rendering.
	// Defaults to UTC.
	Location *time.Location
	Logger   *slog.Logger
}

type Service struct {
	repo          store.AppointmentRepository
	users         store.UserDirectory
	notifications NotificationSink
	jobs          jobs.Enqueuer
	clock         clock.Clock
	loc           *time.Location
	log           *slog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:          d.Appointments,
		users:         d.Users,
		notifications: d.Notifications,
		jobs:          d.Jobs,
		clock:         d.Clock,
		loc:           d.Location,
		log:           d.Logger,
	}
	if s.clock == nil {
		s.clock = clock.System()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "appointments")
	return s
}

func (s *Service) Location() *time.Location {
	return s.loc
}

// AppointmentView carries the derived flags, evaluated against a single clock
// reading.
type AppointmentView struct {
	domain.Appointment
	Past       bool
	Cancelable bool
}

func (s *Service) View(a domain.Appointment) AppointmentView {
	return viewAt(a, s.clock.Now())
}

func viewAt(a domain.Appointment, now time.Time) AppointmentView {
	return AppointmentView{
		Appointment: a,
		Past:        a.Past(now),
		Cancelable:  a.Cancelable(now),
	}
}

func (s *Service) ListForUser(ctx context.Context, userID string, page int) ([]AppointmentView, error) {
	if userID == "" {
		return nil, validationError("user_id is required")
	}
	if page < 1 {
		page = 1
	}

	rows, err := s.repo.ListByUser(ctx, userID, UserPageSize, (page-1)*UserPageSize)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	out := make([]AppointmentView, 0, len(rows))
	for _, a := range rows {
		out = append(out, viewAt(a, now))
	}
	return out, nil
}

const UserPageSize = 20

// requireProvider resolves id and checks the provider flag. A missing user and
// a non-provider are both reported as notProvider.
func (s *Service) requireProvider(ctx context.Context, id string, notProvider error) (domain.User, error) {
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.User{}, notProvider
		}
		return domain.User{}, err
	}
	if !u.Provider {
		return domain.User{}, notProvider
	}
	return u, nil
}
