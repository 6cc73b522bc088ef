// Package jobs holds the background job definitions drained by the worker.
// Each definition owns the name of the queue it consumes.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"slotbook/backend/internal/mail"
	"slotbook/backend/internal/queue"
)

const CancellationMailKey = "cancellation-mail"

const (
	cancellationSubject  = "Appointment canceled"
	cancellationTemplate = "cancellation"
	mailDateLayout       = "January 2, at 15:04h"
)

var jobIDNamespace = uuid.MustParse("6f1c3c4e-2a55-4d7b-9a0e-4b7f3f1d2c10")

// Party is the denormalized view of a user carried inside job payloads, so the
// worker never needs to look the user up again.
type Party struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type CancellationMailPayload struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Date          time.Time `json:"date"`
	CanceledAt    time.Time `json:"canceled_at"`
	User          Party     `json:"user"`
	Provider      Party     `json:"provider"`
}

// Enqueuer is satisfied by *queue.Manager.
type Enqueuer interface {
	Enqueue(ctx context.Context, key, id string, payload any) error
}

// CancellationMailJobID is stable per appointment; enqueueing the same
// cancellation twice yields one job.
func CancellationMailJobID(appointmentID uuid.UUID) string {
	return uuid.NewSHA1(jobIDNamespace, []byte(CancellationMailKey+":"+appointmentID.String())).String()
}

func EnqueueCancellationMail(ctx context.Context, q Enqueuer, p CancellationMailPayload) error {
	return q.Enqueue(ctx, CancellationMailKey, CancellationMailJobID(p.AppointmentID), p)
}

// CancellationMail tells the provider that a client canceled.
type CancellationMail struct {
	sender mail.Sender
	loc    *time.Location
}

func NewCancellationMail(sender mail.Sender, loc *time.Location) *CancellationMail {
	if loc == nil {
		loc = time.UTC
	}
	return &CancellationMail{sender: sender, loc: loc}
}

func (j *CancellationMail) Key() string {
	return CancellationMailKey
}

func (j *CancellationMail) Handle(ctx context.Context, job queue.Job) error {
	var p CancellationMailPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if p.Provider.Email == "" {
		return queue.Permanent(fmt.Errorf("appointment %s: provider email missing", p.AppointmentID))
	}

	return j.sender.Send(ctx, mail.Message{
		ToName:   p.Provider.Name,
		ToEmail:  p.Provider.Email,
		Subject:  cancellationSubject,
		Template: cancellationTemplate,
		Context: map[string]any{
			"Provider": p.Provider.Name,
			"User":     p.User.Name,
			"Date":     p.Date.In(j.loc).Format(mailDateLayout),
		},
	})
}
