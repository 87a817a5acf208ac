package scheduling

import (
	"context"
	"errors"
	"fmt"
)

// Input errors. These are rejected before anything reaches the store.
var (
	ErrInvalidDate             = errors.New("invalid date")
	ErrInvalidTime             = errors.New("invalid time of day")
	ErrInvalidDuration         = errors.New("invalid slot duration")
	ErrInvalidTemplate         = errors.New("invalid schedule template")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrInvalidActor            = errors.New("invalid actor")
	ErrInvalidBooking          = errors.New("invalid booking request")
	ErrIdempotencyKeyReused    = errors.New("idempotency key already used for a different booking")
)

var (
	// ErrSlotFull means the slot's capacity was consumed, possibly by a concurrent booker.
	ErrSlotFull = errors.New("slot is full")
	// ErrTemplateRemoved means no live template generates the requested slot any more.
	ErrTemplateRemoved = errors.New("schedule template no longer offers this slot")
	// ErrStoreUnavailable wraps any failure to reach the backing store.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a doctor, template or appointment does not exist.
	ErrNotFound = errors.New("not found")
)

// ConflictError reports a candidate template that intersects an existing one.
type ConflictError struct {
	Candidate *ScheduleTemplate
	Existing  *ScheduleTemplate
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("template %s %s-%s overlaps existing template %s %s-%s",
		e.Candidate.DayOfWeek, e.Candidate.StartTime, e.Candidate.EndTime,
		e.Existing.ID, e.Existing.StartTime, e.Existing.EndTime)
}

// ErrorKind tells callers what to do about an error: fix the input, pick
// another slot, try again, or reload.
type ErrorKind string

const (
	KindInput     ErrorKind = "input"
	KindConflict  ErrorKind = "conflict"
	KindTransient ErrorKind = "transient"
	KindIntegrity ErrorKind = "integrity"
	KindNotFound  ErrorKind = "not_found"
	KindInternal  ErrorKind = "internal"
)

// KindOf classifies err, following wrapped errors.
func KindOf(err error) ErrorKind {
	var conflict *ConflictError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &conflict), errors.Is(err, ErrSlotFull):
		return KindConflict
	case errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransient
	case errors.Is(err, ErrTemplateRemoved):
		return KindIntegrity
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidDate),
		errors.Is(err, ErrInvalidTime),
		errors.Is(err, ErrInvalidDuration),
		errors.Is(err, ErrInvalidTemplate),
		errors.Is(err, ErrInvalidStatusTransition),
		errors.Is(err, ErrInvalidActor),
		errors.Is(err, ErrInvalidBooking),
		errors.Is(err, ErrIdempotencyKeyReused):
		return KindInput
	default:
		return KindInternal
	}
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	var conflict *ConflictError
	switch {
	case errors.As(err, &conflict):
		return "template_conflict"
	case errors.Is(err, ErrSlotFull):
		return "slot_full"
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return "store_unavailable"
	case errors.Is(err, ErrTemplateRemoved):
		return "template_removed"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidDate):
		return "invalid_date"
	case errors.Is(err, ErrInvalidTime):
		return "invalid_time"
	case errors.Is(err, ErrInvalidDuration):
		return "invalid_duration"
	case errors.Is(err, ErrInvalidTemplate):
		return "invalid_template"
	case errors.Is(err, ErrInvalidStatusTransition):
		return "invalid_status_transition"
	case errors.Is(err, ErrInvalidActor):
		return "invalid_actor"
	case errors.Is(err, ErrInvalidBooking):
		return "invalid_booking"
	case errors.Is(err, ErrIdempotencyKeyReused):
		return "idempotency_key_reused"
	default:
		return "internal"
	}
}

// Unavailable wraps a store failure so that it classifies as transient while
// keeping the original cause in the chain.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
