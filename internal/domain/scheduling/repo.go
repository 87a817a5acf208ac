package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ListByDepartment(ctx context.Context, departmentID uuid.UUID) ([]*Doctor, error)
}

type TemplateRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*ScheduleTemplate, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*ScheduleTemplate, error)
	ListByDoctorDay(ctx context.Context, doctorID uuid.UUID, day Weekday) ([]*ScheduleTemplate, error)
	// Save creates t, or updates it in place when t.ID is set. check receives
	// the templates currently stored for (t.DoctorID, t.DayOfWeek) and runs
	// under a lock that excludes concurrent writers of the same doctor/day;
	// nothing is written if it returns an error.
	Save(ctx context.Context, t *ScheduleTemplate, check func(existing []*ScheduleTemplate) error) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type AppointmentRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// CountActive returns the number of non-cancelled appointments per slot
	// start for one doctor and date.
	CountActive(ctx context.Context, doctorID uuid.UUID, date Date) (map[SlotKey]int, error)
	// InsertIfCapacity is the atomic conditional insert. In one unit it
	// replays an existing booking with the same idempotency key, resolves the
	// live template generating the slot (ErrTemplateRemoved), counts active
	// appointments on the slot key and fails with ErrSlotFull at capacity,
	// or inserts a pending appointment. The bool is true for a replay.
	InsertIfCapacity(ctx context.Context, req BookRequest) (*Appointment, bool, error)
	// UpdateStatus moves the appointment from one status to another and fails
	// with ErrInvalidStatusTransition if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, cancel *Cancellation) (*Appointment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error)
	ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error)
}

// TemplateCache caches templates per doctor and weekday. It only serves the
// advisory availability listing; booking always reads the store.
type TemplateCache interface {
	Get(ctx context.Context, doctorID uuid.UUID, day Weekday) ([]*ScheduleTemplate, bool)
	Set(ctx context.Context, doctorID uuid.UUID, day Weekday, templates []*ScheduleTemplate)
	Invalidate(ctx context.Context, doctorID uuid.UUID, day Weekday)
}

// EventPublisher receives domain events after the corresponding change has
// been committed.
type EventPublisher interface {
	Publish(ctx context.Context, ev DomainEvent) error
}
