package grpc

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/service/appointments"
	"slotbook/backend/internal/service/notifications"
)

type BookingServer struct {
	appts  appointmentsService
	notifs notificationsService
	log    *slog.Logger
}

type appointmentsService interface {
	Book(ctx context.Context, in appointments.BookInput) (domain.Appointment, error)
	Cancel(ctx context.Context, requesterID string, appointmentID uuid.UUID) (domain.Appointment, error)
	ListForUser(ctx context.Context, userID string, page int) ([]appointments.AppointmentView, error)
	Availability(ctx context.Context, providerID string, day time.Time) ([]domain.AvailabilitySlot, error)
	ProviderSchedule(ctx context.Context, providerID string, day time.Time) ([]domain.Appointment, error)
	View(a domain.Appointment) appointments.AppointmentView
}

type notificationsService interface {
	ListForProvider(ctx context.Context, providerID string, limit int) ([]domain.Notification, error)
	MarkRead(ctx context.Context, id uuid.UUID) (domain.Notification, error)
}

var _ BookingServiceServer = (*BookingServer)(nil)

func NewBookingServer(appts appointmentsService, notifs notificationsService, log *slog.Logger) *BookingServer {
	if log == nil {
		log = slog.Default()
	}
	return &BookingServer{
		appts:  appts,
		notifs: notifs,
		log:    log.With(slog.String("component", "grpc.booking")),
	}
}

func (s *BookingServer) BookAppointment(ctx context.Context, req *BookAppointmentRequest) (*BookAppointmentResponse, error) {
	log := s.log.With(slog.String("rpc", "BookAppointment"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.Date == nil {
		log.Warn("invalid request", slog.String("reason", "missing_date"), slog.String("user_id", req.UserID))
		return nil, status.Error(codes.InvalidArgument, "date is required")
	}

	appt, err := s.appts.Book(ctx, appointments.BookInput{
		RequesterID:    req.UserID,
		ProviderID:     req.ProviderID,
		Date:           req.Date.AsTime(),
		IdempotencyKey: idempotencyKey(ctx),
	})
	if err != nil {
		return nil, s.toStatus(log, "appointment book", err,
			slog.String("user_id", req.UserID),
			slog.String("provider_id", req.ProviderID),
			slog.Time("date", req.Date.AsTime()),
		)
	}

	log.Info(
		"appointment booked",
		slog.String("appointment_id", appt.ID.String()),
		slog.String("user_id", appt.UserID),
		slog.String("provider_id", appt.ProviderID),
		slog.Time("date", appt.Date),
	)
	return &BookAppointmentResponse{Appointment: toWireAppointment(s.appts.View(appt))}, nil
}

func (s *BookingServer) CancelAppointment(ctx context.Context, req *CancelAppointmentRequest) (*CancelAppointmentResponse, error) {
	log := s.log.With(slog.String("rpc", "CancelAppointment"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := uuid.Parse(req.AppointmentID)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"), slog.String("user_id", req.UserID))
		return nil, status.Error(codes.InvalidArgument, "appointment_id must be a UUID")
	}

	appt, err := s.appts.Cancel(ctx, req.UserID, id)
	if err != nil {
		return nil, s.toStatus(log, "appointment cancel", err,
			slog.String("appointment_id", id.String()),
			slog.String("user_id", req.UserID),
		)
	}

	log.Info("appointment canceled", slog.String("appointment_id", id.String()), slog.String("user_id", req.UserID))
	return &CancelAppointmentResponse{Appointment: toWireAppointment(s.appts.View(appt))}, nil
}

func (s *BookingServer) ListAppointments(ctx context.Context, req *ListAppointmentsRequest) (*ListAppointmentsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListAppointments"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	views, err := s.appts.ListForUser(ctx, req.UserID, int(req.Page))
	if err != nil {
		return nil, s.toStatus(log, "appointments list", err, slog.String("user_id", req.UserID))
	}

	out := make([]*Appointment, 0, len(views))
	for _, v := range views {
		out = append(out, toWireAppointment(v))
	}

	log.Debug("appointments listed", slog.String("user_id", req.UserID), slog.Int("page", int(req.Page)), slog.Int("count", len(out)))
	return &ListAppointmentsResponse{Appointments: out}, nil
}

func (s *BookingServer) GetAvailability(ctx context.Context, req *GetAvailabilityRequest) (*GetAvailabilityResponse, error) {
	log := s.log.With(slog.String("rpc", "GetAvailability"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.Date == nil {
		log.Warn("invalid request", slog.String("reason", "missing_date"), slog.String("provider_id", req.ProviderID))
		return nil, status.Error(codes.InvalidArgument, "date is required")
	}

	slots, err := s.appts.Availability(ctx, req.ProviderID, req.Date.AsTime())
	if err != nil {
		return nil, s.toStatus(log, "availability", err, slog.String("provider_id", req.ProviderID))
	}

	out := make([]*AvailabilitySlot, 0, len(slots))
	for _, sl := range slots {
		out = append(out, &AvailabilitySlot{
			Time:      sl.Time,
			Value:     timestamppb.New(sl.Value),
			Available: sl.Available,
		})
	}
	return &GetAvailabilityResponse{Slots: out}, nil
}

func (s *BookingServer) GetProviderSchedule(ctx context.Context, req *GetProviderScheduleRequest) (*GetProviderScheduleResponse, error) {
	log := s.log.With(slog.String("rpc", "GetProviderSchedule"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	if req.Date == nil {
		log.Warn("invalid request", slog.String("reason", "missing_date"), slog.String("provider_id", req.ProviderID))
		return nil, status.Error(codes.InvalidArgument, "date is required")
	}

	appts, err := s.appts.ProviderSchedule(ctx, req.ProviderID, req.Date.AsTime())
	if err != nil {
		return nil, s.toStatus(log, "provider schedule", err, slog.String("provider_id", req.ProviderID))
	}

	out := make([]*Appointment, 0, len(appts))
	for _, a := range appts {
		out = append(out, toWireAppointment(s.appts.View(a)))
	}
	return &GetProviderScheduleResponse{Appointments: out}, nil
}

func (s *BookingServer) ListNotifications(ctx context.Context, req *ListNotificationsRequest) (*ListNotificationsResponse, error) {
	log := s.log.With(slog.String("rpc", "ListNotifications"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}

	ns, err := s.notifs.ListForProvider(ctx, req.ProviderID, int(req.Limit))
	if err != nil {
		return nil, s.toStatus(log, "notifications list", err, slog.String("provider_id", req.ProviderID))
	}

	out := make([]*Notification, 0, len(ns))
	for _, n := range ns {
		out = append(out, toWireNotification(n))
	}
	return &ListNotificationsResponse{Notifications: out}, nil
}

func (s *BookingServer) MarkNotificationRead(ctx context.Context, req *MarkNotificationReadRequest) (*MarkNotificationReadResponse, error) {
	log := s.log.With(slog.String("rpc", "MarkNotificationRead"))

	if req == nil {
		log.Warn("invalid request", slog.String("reason", "nil_request"))
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	id, err := uuid.Parse(req.NotificationID)
	if err != nil {
		log.Warn("invalid request", slog.String("reason", "invalid_uuid"))
		return nil, status.Error(codes.InvalidArgument, "notification_id must be a UUID")
	}

	n, err := s.notifs.MarkRead(ctx, id)
	if err != nil {
		return nil, s.toStatus(log, "notification mark read", err, slog.String("notification_id", id.String()))
	}
	return &MarkNotificationReadResponse{Notification: toWireNotification(n)}, nil
}

// toStatus maps service errors onto gRPC codes. Business rejections keep
// their message; anything unrecognized is logged and hidden behind Internal.
func (s *BookingServer) toStatus(log *slog.Logger, op string, err error, attrs ...any) error {
	code := codeFor(err)
	args := append([]any{slog.Any("err", err)}, attrs...)

	switch code {
	case codes.Internal:
		log.Error(op+" failed", args...)
		return status.Error(codes.Internal, "internal error")
	case codes.InvalidArgument:
		log.Warn("invalid request", args...)
	default:
		log.Info(op+" rejected", append(args, slog.String("code", code.String()))...)
	}
	return status.Error(code, err.Error())
}

func codeFor(err error) codes.Code {
	var (
		apptValidation  *appointments.ValidationError
		notifValidation *notifications.ValidationError
	)
	switch {
	case errors.As(err, &apptValidation), errors.As(err, &notifValidation):
		return codes.InvalidArgument
	case errors.Is(err, appointments.ErrProviderInvalid),
		errors.Is(err, appointments.ErrNotOwner),
		errors.Is(err, appointments.ErrNotProvider),
		errors.Is(err, notifications.ErrNotProvider):
		return codes.PermissionDenied
	case errors.Is(err, appointments.ErrPastDate),
		errors.Is(err, appointments.ErrSlotTaken),
		errors.Is(err, appointments.ErrTooLate):
		return codes.FailedPrecondition
	case errors.Is(err, appointments.ErrNotFound), errors.Is(err, notifications.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return codes.Internal
	}
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get("idempotency-key")
	if len(values) == 0 {
		values = md.Get("x-idempotency-key")
	}
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

func toWireAppointment(v appointments.AppointmentView) *Appointment {
	out := &Appointment{
		ID:         v.ID.String(),
		UserID:     v.UserID,
		ProviderID: v.ProviderID,
		Date:       timestamppb.New(v.Date),
		Past:       v.Past,
		Cancelable: v.Cancelable,
		CreatedAt:  timestamppb.New(v.CreatedAt),
	}
	if v.CanceledAt != nil {
		out.CanceledAt = timestamppb.New(*v.CanceledAt)
	}
	return out
}

func toWireNotification(n domain.Notification) *Notification {
	return &Notification{
		ID:          n.ID.String(),
		RecipientID: n.RecipientID,
		Content:     n.Content,
		Read:        n.Read,
		CreatedAt:   timestamppb.New(n.CreatedAt),
	}
}
