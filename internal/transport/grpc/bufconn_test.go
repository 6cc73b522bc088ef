package grpc

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/timestamppb"

	"slotbook/backend/internal/clock"
	"slotbook/backend/internal/domain"
	"slotbook/backend/internal/jobs"
	"slotbook/backend/internal/mail"
	"slotbook/backend/internal/queue"
	"slotbook/backend/internal/service/appointments"
	"slotbook/backend/internal/service/notifications"
	"slotbook/backend/internal/store/memory"
)

type capturingSender struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (c *capturingSender) Send(ctx context.Context, msg mail.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *capturingSender) messages() []mail.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]mail.Message(nil), c.sent...)
}

type harness struct {
	client  *BookingServiceClient
	health  healthpb.HealthClient
	backend *queue.MemoryBackend
	sender  *capturingSender
}

func startHarness(t *testing.T, now time.Time) *harness {
	t.Helper()

	log := slog.New(slog.DiscardHandler)

	mem := memory.New()
	mem.AddUser(domain.User{ID: "u1", Name: "Ana Client", Email: "ana@example.com"})
	mem.AddUser(domain.User{ID: "u2", Name: "Ben Client", Email: "ben@example.com"})
	mem.AddUser(domain.User{ID: "p1", Name: "Dr. Provider", Email: "provider@example.com", Provider: true})

	sender := &capturingSender{}
	backend := queue.NewMemoryBackend(10 * time.Millisecond)
	manager := queue.NewManager(backend, log, queue.Config{Backoff: 10 * time.Millisecond},
		jobs.NewCancellationMail(sender, time.UTC),
	)

	notifs := notifications.NewService(mem.Notifications(), mem.Users())
	appts := appointments.NewService(appointments.Deps{
		Appointments:  mem.Appointments(),
		Users:         mem.Users(),
		Notifications: notifs,
		Jobs:          manager,
		Clock:         clock.Fixed(now),
		Logger:        log,
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RequestIDInterceptor(),
		DefaultRequestTimeoutInterceptor(5*time.Second),
		RateLimitInterceptor(nil),
	))
	RegisterBookingServiceServer(srv, NewBookingServer(appts, notifs, log))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = manager.Process(ctx) }()

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		_ = conn.Close()
		srv.Stop()
	})

	return &harness{
		client:  NewBookingServiceClient(conn),
		health:  healthpb.NewHealthClient(conn),
		backend: backend,
		sender:  sender,
	}
}

func TestBookingService_EndToEnd(t *testing.T) {
	now := time.Date(2024, 1, 10, 7, 0, 0, 0, time.UTC)
	h := startHarness(t, now)
	ctx := context.Background()

	var header metadata.MD
	booked, err := h.client.BookAppointment(ctx, &BookAppointmentRequest{
		UserID:     "u1",
		ProviderID: "p1",
		Date:       timestamppb.New(time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)),
	}, grpc.Header(&header))
	require.NoError(t, err)
	assert.NotEmpty(t, header.Get(RequestIDMetadataKey))
	assert.True(t, booked.Appointment.Cancelable)
	assert.False(t, booked.Appointment.Past)

	_, err = h.client.BookAppointment(ctx, &BookAppointmentRequest{
		UserID:     "u2",
		ProviderID: "p1",
		Date:       timestamppb.New(time.Date(2024, 1, 10, 10, 30, 0, 0, time.UTC)),
	})
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	avail, err := h.client.GetAvailability(ctx, &GetAvailabilityRequest{
		ProviderID: "p1",
		Date:       timestamppb.New(now),
	})
	require.NoError(t, err)
	require.Len(t, avail.Slots, 15)
	for _, s := range avail.Slots {
		switch s.Time {
		case "10:00":
			assert.False(t, s.Available, s.Time)
		default:
			assert.True(t, s.Available, s.Time)
		}
	}

	notes, err := h.client.ListNotifications(ctx, &ListNotificationsRequest{ProviderID: "p1"})
	require.NoError(t, err)
	require.Len(t, notes.Notifications, 1)
	assert.Equal(t, "New appointment from Ana Client on Jan 10, at 10:00h", notes.Notifications[0].Content)

	read, err := h.client.MarkNotificationRead(ctx, &MarkNotificationReadRequest{NotificationID: notes.Notifications[0].ID})
	require.NoError(t, err)
	assert.True(t, read.Notification.Read)

	schedule, err := h.client.GetProviderSchedule(ctx, &GetProviderScheduleRequest{ProviderID: "p1", Date: timestamppb.New(now)})
	require.NoError(t, err)
	require.Len(t, schedule.Appointments, 1)

	_, err = h.client.GetProviderSchedule(ctx, &GetProviderScheduleRequest{ProviderID: "u1", Date: timestamppb.New(now)})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	_, err = h.client.CancelAppointment(ctx, &CancelAppointmentRequest{UserID: "u2", AppointmentID: booked.Appointment.ID})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	canceled, err := h.client.CancelAppointment(ctx, &CancelAppointmentRequest{UserID: "u1", AppointmentID: booked.Appointment.ID})
	require.NoError(t, err)
	require.NotNil(t, canceled.Appointment.CanceledAt)

	require.Eventually(t, func() bool {
		return h.backend.Completed(jobs.CancellationMailKey) == 1
	}, 2*time.Second, 10*time.Millisecond)

	sent := h.sender.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "provider@example.com", sent[0].ToEmail)
	assert.Equal(t, "Ana Client", sent[0].Context["User"])

	list, err := h.client.ListAppointments(ctx, &ListAppointmentsRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, list.Appointments)

	rebooked, err := h.client.BookAppointment(ctx, &BookAppointmentRequest{
		UserID:     "u2",
		ProviderID: "p1",
		Date:       timestamppb.New(time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC)),
	})
	require.NoError(t, err)
	assert.Equal(t, "u2", rebooked.Appointment.UserID)
}

func TestBookingService_IdempotentReplayOverTheWire(t *testing.T) {
	h := startHarness(t, time.Date(2024, 1, 9, 12, 0, 0, 0, time.UTC))
	ctx := metadata.AppendToOutgoingContext(context.Background(), "idempotency-key", "req-1")

	req := &BookAppointmentRequest{
		UserID:     "u1",
		ProviderID: "p1",
		Date:       timestamppb.New(time.Date(2024, 1, 10, 14, 0, 0, 0, time.UTC)),
	}
	first, err := h.client.BookAppointment(ctx, req)
	require.NoError(t, err)
	second, err := h.client.BookAppointment(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Appointment.ID, second.Appointment.ID)
}

func TestBookingService_Health(t *testing.T) {
	h := startHarness(t, time.Now())

	resp, err := h.health.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
