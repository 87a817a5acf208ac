package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Doctor maps to the doctor table. Doctors are the aggregation root for templates.
type Doctor struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	Name         string     `db:"name" json:"name"`
	DepartmentID *uuid.UUID `db:"department_id" json:"department_id,omitempty"`
	Active       bool       `db:"active" json:"active"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// ScheduleTemplate maps to the schedule_template table: one recurring weekly
// working block of a doctor.
type ScheduleTemplate struct {
	ID              uuid.UUID `db:"id" json:"id"`
	DoctorID        uuid.UUID `db:"doctor_id" json:"doctor_id"`
	DayOfWeek       Weekday   `db:"day_of_week" json:"day_of_week"`
	StartTime       TimeOfDay `db:"start_minute" json:"start_time"`
	EndTime         TimeOfDay `db:"end_minute" json:"end_time"`
	CapacityPerSlot int       `db:"capacity_per_slot" json:"capacity_per_slot"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Validate checks the template's own invariants. Overlap with siblings is
// checked separately by ValidateNoOverlap.
func (t *ScheduleTemplate) Validate() error {
	if t.DoctorID == uuid.Nil {
		return fmt.Errorf("%w: doctor_id is required", ErrInvalidTemplate)
	}
	if !t.DayOfWeek.Valid() {
		return fmt.Errorf("%w: invalid day_of_week %q", ErrInvalidTemplate, t.DayOfWeek)
	}
	if !t.StartTime.Valid() || !t.EndTime.Valid() {
		return fmt.Errorf("%w: time out of range", ErrInvalidTime)
	}
	if t.StartTime >= t.EndTime {
		return fmt.Errorf("%w: start_time %s must be before end_time %s", ErrInvalidTemplate, t.StartTime, t.EndTime)
	}
	if t.CapacityPerSlot < 1 {
		return fmt.Errorf("%w: capacity_per_slot must be positive", ErrInvalidTemplate)
	}
	return nil
}

// SlotKey identifies the capacity bucket of a slot.
type SlotKey struct {
	DoctorID uuid.UUID
	Date     Date
	Start    TimeOfDay
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DoctorID, k.Date, k.Start)
}

// DerivedSlot is a computed bookable window. It is never persisted.
type DerivedSlot struct {
	DoctorID   uuid.UUID `json:"doctor_id"`
	TemplateID uuid.UUID `json:"template_id"`
	Date       Date      `json:"date"`
	StartTime  TimeOfDay `json:"start_time"`
	EndTime    TimeOfDay `json:"end_time"`
	Capacity   int       `json:"capacity"`
}

// Key returns the slot's capacity key.
func (s DerivedSlot) Key() SlotKey {
	return SlotKey{DoctorID: s.DoctorID, Date: s.Date, Start: s.StartTime}
}

// AvailableSlot is a derived slot with its remaining capacity.
type AvailableSlot struct {
	DerivedSlot
	Booked    int `json:"booked"`
	Remaining int `json:"remaining"`
}

// PatientInfo is the patient data captured at booking time.
type PatientInfo struct {
	PatientID uuid.UUID `json:"patient_id"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Note      string    `json:"note,omitempty"`
}

// Cancellation records who cancelled an appointment, why and when.
type Cancellation struct {
	By     Actor     `json:"by"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Appointment maps to the appointment table. Rows are never deleted.
type Appointment struct {
	ID             uuid.UUID         `db:"id" json:"id"`
	DoctorID       uuid.UUID         `db:"doctor_id" json:"doctor_id"`
	PatientID      uuid.UUID         `db:"patient_id" json:"patient_id"`
	TemplateID     *uuid.UUID        `db:"template_id" json:"template_id,omitempty"`
	Date           Date              `db:"appointment_date" json:"date"`
	SlotStart      TimeOfDay         `db:"slot_start_minute" json:"slot_start"`
	SlotEnd        TimeOfDay         `db:"slot_end_minute" json:"slot_end"`
	Status         AppointmentStatus `db:"status" json:"status"`
	PatientName    string            `db:"patient_name" json:"patient_name,omitempty"`
	PatientPhone   string            `db:"patient_phone" json:"patient_phone,omitempty"`
	Note           string            `db:"note" json:"note,omitempty"`
	IdempotencyKey *string           `db:"idempotency_key" json:"-"`
	Cancellation   *Cancellation     `json:"cancellation,omitempty"`
	CreatedAt      time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at" json:"updated_at"`
}

// Key returns the capacity key the appointment occupies.
func (a *Appointment) Key() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.Date, Start: a.SlotStart}
}

// Matches reports whether a names the same booking as req. Used to tell an
// idempotent replay from a reused key.
func (a *Appointment) Matches(req BookRequest) bool {
	return a.DoctorID == req.DoctorID &&
		a.PatientID == req.Patient.PatientID &&
		a.Date == req.Date &&
		a.SlotStart == req.SlotStart &&
		a.SlotEnd == req.SlotEnd
}

// BookRequest is a patient's request to book one slot.
type BookRequest struct {
	DoctorID       uuid.UUID   `json:"doctor_id"`
	Date           Date        `json:"date"`
	SlotStart      TimeOfDay   `json:"slot_start"`
	SlotEnd        TimeOfDay   `json:"slot_end"`
	Patient        PatientInfo `json:"patient"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`
}

const maxIdempotencyKeyLen = 128

// Validate rejects malformed requests before they reach the store.
func (r BookRequest) Validate() error {
	if r.DoctorID == uuid.Nil {
		return fmt.Errorf("%w: doctor_id is required", ErrInvalidBooking)
	}
	if r.Patient.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidBooking)
	}
	if _, err := NewDate(r.Date.Year, r.Date.Month, r.Date.Day); err != nil {
		return err
	}
	if !r.SlotStart.Valid() || !r.SlotEnd.Valid() {
		return fmt.Errorf("%w: slot bounds out of range", ErrInvalidTime)
	}
	if r.SlotStart >= r.SlotEnd {
		return fmt.Errorf("%w: slot_start must be before slot_end", ErrInvalidBooking)
	}
	if len(r.IdempotencyKey) > maxIdempotencyKeyLen {
		return fmt.Errorf("%w: idempotency key longer than %d", ErrInvalidBooking, maxIdempotencyKeyLen)
	}
	return nil
}

// Key returns the capacity key the request targets.
func (r BookRequest) Key() SlotKey {
	return SlotKey{DoctorID: r.DoctorID, Date: r.Date, Start: r.SlotStart}
}
