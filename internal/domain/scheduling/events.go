package scheduling

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event. It doubles as the routing key on the bus.
type EventType string

const (
	EventAppointmentBooked    EventType = "appointment.booked"
	EventAppointmentConfirmed EventType = "appointment.confirmed"
	EventAppointmentCompleted EventType = "appointment.completed"
	EventAppointmentCancelled EventType = "appointment.cancelled"
	EventTemplateSaved        EventType = "template.saved"
	EventTemplateDeleted      EventType = "template.deleted"
)

// DomainEvent is published after a committed change. Exactly one of
// Appointment and Template is set.
type DomainEvent struct {
	ID          uuid.UUID         `json:"id"`
	Type        EventType         `json:"type"`
	OccurredAt  time.Time         `json:"occurred_at"`
	Appointment *Appointment      `json:"appointment,omitempty"`
	Template    *ScheduleTemplate `json:"template,omitempty"`
}

func appointmentEvent(t EventType, a *Appointment, now time.Time) DomainEvent {
	return DomainEvent{ID: uuid.New(), Type: t, OccurredAt: now, Appointment: a}
}

func templateEvent(t EventType, tmpl *ScheduleTemplate, now time.Time) DomainEvent {
	return DomainEvent{ID: uuid.New(), Type: t, OccurredAt: now, Template: tmpl}
}
