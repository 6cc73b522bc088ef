package grpc

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

type Appointment struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	ProviderID string                 `json:"provider_id"`
	Date       *timestamppb.Timestamp `json:"date"`
	CanceledAt *timestamppb.Timestamp `json:"canceled_at,omitempty"`
	Past       bool                   `json:"past"`
	Cancelable bool                   `json:"cancelable"`
	CreatedAt  *timestamppb.Timestamp `json:"created_at"`
}

type AvailabilitySlot struct {
	Time      string                 `json:"time"`
	Value     *timestamppb.Timestamp `json:"value"`
	Available bool                   `json:"available"`
}

type Notification struct {
	ID          string                 `json:"id"`
	RecipientID string                 `json:"recipient_id"`
	Content     string                 `json:"content"`
	Read        bool                   `json:"read"`
	CreatedAt   *timestamppb.Timestamp `json:"created_at"`
}

type BookAppointmentRequest struct {
	UserID     string                 `json:"user_id"`
	ProviderID string                 `json:"provider_id"`
	Date       *timestamppb.Timestamp `json:"date"`
}

type BookAppointmentResponse struct {
	Appointment *Appointment `json:"appointment"`
}

type CancelAppointmentRequest struct {
	UserID        string `json:"user_id"`
	AppointmentID string `json:"appointment_id"`
}

type CancelAppointmentResponse struct {
	Appointment *Appointment `json:"appointment"`
}

type ListAppointmentsRequest struct {
	UserID string `json:"user_id"`
	// Page is 1-based; zero means the first page.
	Page int32 `json:"page"`
}

type ListAppointmentsResponse struct {
	Appointments []*Appointment `json:"appointments"`
}

type GetAvailabilityRequest struct {
	ProviderID string                 `json:"provider_id"`
	Date       *timestamppb.Timestamp `json:"date"`
}

type GetAvailabilityResponse struct {
	Slots []*AvailabilitySlot `json:"slots"`
}

type GetProviderScheduleRequest struct {
	ProviderID string                 `json:"provider_id"`
	Date       *timestamppb.Timestamp `json:"date"`
}

type GetProviderScheduleResponse struct {
	Appointments []*Appointment `json:"appointments"`
}

type ListNotificationsRequest struct {
	ProviderID string `json:"provider_id"`
	Limit      int32  `json:"limit"`
}

type ListNotificationsResponse struct {
	Notifications []*Notification `json:"notifications"`
}

type MarkNotificationReadRequest struct {
	NotificationID string `json:"notification_id"`
}

type MarkNotificationReadResponse struct {
	Notification *Notification `json:"notification"`
}
