package scheduling

import "fmt"

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	StatusPending          AppointmentStatus = "pending"
	StatusConfirmed        AppointmentStatus = "confirmed"
	StatusCompleted        AppointmentStatus = "completed"
	StatusPatientCancelled AppointmentStatus = "patient_cancelled"
	StatusDoctorCancelled  AppointmentStatus = "doctor_cancelled"
)

// ActiveStatuses are the statuses that occupy slot capacity.
var ActiveStatuses = []AppointmentStatus{StatusPending, StatusConfirmed, StatusCompleted}

// Valid reports whether s is a known status.
func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusPatientCancelled, StatusDoctorCancelled:
		return true
	}
	return false
}

// Active reports whether s counts toward slot capacity.
func (s AppointmentStatus) Active() bool {
	return s != StatusPatientCancelled && s != StatusDoctorCancelled
}

// Terminal reports whether no further transition leaves s.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusPatientCancelled || s == StatusDoctorCancelled
}

// Actor is the party performing a status change.
type Actor string

const (
	ActorPatient Actor = "patient"
	ActorDoctor  Actor = "doctor"
)

// ParseActor validates an actor label.
func ParseActor(s string) (Actor, error) {
	switch a := Actor(s); a {
	case ActorPatient, ActorDoctor:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidActor, s)
}

// Action is a lifecycle step applied to an appointment.
type Action string

const (
	ActionConfirm       Action = "confirm"
	ActionPatientCancel Action = "cancel_by_patient"
	ActionDoctorCancel  Action = "cancel_by_doctor"
	ActionAttend        Action = "attend"
)

// CancelAction returns the cancellation action for actor.
func CancelAction(actor Actor) (Action, error) {
	switch actor {
	case ActorPatient:
		return ActionPatientCancel, nil
	case ActorDoctor:
		return ActionDoctorCancel, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidActor, actor)
}

var transitions = map[AppointmentStatus]map[Action]AppointmentStatus{
	StatusPending: {
		ActionConfirm:       StatusConfirmed,
		ActionPatientCancel: StatusPatientCancelled,
		ActionDoctorCancel:  StatusDoctorCancelled,
	},
	StatusConfirmed: {
		ActionPatientCancel: StatusPatientCancelled,
		ActionDoctorCancel:  StatusDoctorCancelled,
		ActionAttend:        StatusCompleted,
	},
}

// Next returns the status reached from s by act.
func (s AppointmentStatus) Next(act Action) (AppointmentStatus, error) {
	if s.Terminal() {
		return "", fmt.Errorf("%w: appointment is already %s", ErrInvalidStatusTransition, s)
	}
	if next, ok := transitions[s][act]; ok {
		return next, nil
	}
	return "", fmt.Errorf("%w: %s cannot %s", ErrInvalidStatusTransition, s, act)
}
