package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
)

// DefaultStoreTimeout bounds every store call made by the service.
const DefaultStoreTimeout = 5 * time.Second

const (
	maxTransitionAttempts = 3
	departmentFanOut      = 4
)

// MetricsRecorder receives booking outcomes and store call latencies.
type MetricsRecorder interface {
	RecordBooking(ctx context.Context, outcome string)
	RecordStoreCall(ctx context.Context, op string, elapsed time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordBooking(context.Context, string) {}
func (nopMetrics) RecordStoreCall(context.Context, string, time.Duration, error) {}

type Service struct {
	doctors      DoctorRepository
	templates    TemplateRepository
	appointments AppointmentRepository
	cache        TemplateCache
	events       EventPublisher
	metrics      MetricsRecorder
	logger       zerolog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "scheduling").Logger() }
}

// WithTemplateCache puts c in front of template lookups for availability.
func WithTemplateCache(c TemplateCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithEventPublisher publishes domain events after each committed change.
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMetrics records booking outcomes and store latencies.
func WithMetrics(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStoreTimeout bounds each store call; a call exceeding it fails with
// ErrStoreUnavailable.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(doc DoctorRepository, tmpl TemplateRepository, appt AppointmentRepository, opts ...Option) *Service {
	s := &Service{
		doctors:      doc,
		templates:    tmpl,
		appointments: appt,
		metrics:      nopMetrics{},
		logger:       zerolog.Nop(),
		storeTimeout: DefaultStoreTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withStore runs fn under the store timeout. A deadline hit while talking to
// the store is reported as ErrStoreUnavailable. A caller that abandons the
// request gets its own context error back.
func (s *Service) withStore(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	s.metrics.RecordStoreCall(ctx, op, time.Since(start), err)

	if err == nil || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Unavailable(op, err)
	}
	return err
}

// -- Doctors --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	if d.Name == "" {
		return fmt.Errorf("%w: doctor name is required", ErrInvalidTemplate)
	}
	return s.withStore(ctx, "doctors.create", func(ctx context.Context) error {
		return s.doctors.Create(ctx, d)
	})
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var d *Doctor
	err := s.withStore(ctx, "doctors.get", func(ctx context.Context) (err error) {
		d, err = s.doctors.GetByID(ctx, id)
		return err
	})
	return d, err
}

func (s *Service) activeDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := s.GetDoctor(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.Active {
		return nil, fmt.Errorf("doctor %s is inactive: %w", id, ErrNotFound)
	}
	return d, nil
}

// -- Availability --

// ListAvailability returns the open slots of one doctor on date, partitioned
// into durationMinutes windows.
func (s *Service) ListAvailability(ctx context.Context, doctorID uuid.UUID, date Date, durationMinutes int) ([]AvailableSlot, error) {
	if err := validateDuration(durationMinutes); err != nil {
		return nil, err
	}
	day, err := ResolveWeekday(date)
	if err != nil {
		return nil, err
	}
	if _, err := s.activeDoctor(ctx, doctorID); err != nil {
		return nil, err
	}

	templates, err := s.templatesFor(ctx, doctorID, day)
	if err != nil {
		return nil, err
	}
	slots, err := DeriveSlots(templates, date, durationMinutes)
	if err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return []AvailableSlot{}, nil
	}

	var counts map[SlotKey]int
	err = s.withStore(ctx, "appointments.count_active", func(ctx context.Context) (err error) {
		counts, err = s.appointments.CountActive(ctx, doctorID, date)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ComputeAvailability(slots, counts), nil
}

// DoctorSlot is an available slot labelled with its doctor.
type DoctorSlot struct {
	AvailableSlot
	DoctorName string `json:"doctor_name"`
}

// ListDepartmentAvailability merges the availability of every active doctor
// in a department, ordered by start time and then doctor name.
func (s *Service) ListDepartmentAvailability(ctx context.Context, departmentID uuid.UUID, date Date, durationMinutes int) ([]DoctorSlot, error) {
	if err := validateDuration(durationMinutes); err != nil {
		return nil, err
	}
	if _, err := ResolveWeekday(date); err != nil {
		return nil, err
	}

	var doctors []*Doctor
	err := s.withStore(ctx, "doctors.list_by_department", func(ctx context.Context) (err error) {
		doctors, err = s.doctors.ListByDepartment(ctx, departmentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	perDoctor := make([][]AvailableSlot, len(doctors))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit(ctx))
	for i, d := range doctors {
		if !d.Active {
			continue
		}
		g.Go(func() error {
			slots, err := s.ListAvailability(gctx, d.ID, date, durationMinutes)
			if err != nil {
				return fmt.Errorf("availability for doctor %s: %w", d.ID, err)
			}
			perDoctor[i] = slots
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := []DoctorSlot{}
	for i, slots := range perDoctor {
		for _, sl := range slots {
			out = append(out, DoctorSlot{AvailableSlot: sl, DoctorName: doctors[i].Name})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].DoctorName < out[j].DoctorName
	})
	return out, nil
}

// fanOutLimit bounds concurrent per-doctor lookups. A connection pinned to
// the request serves one query at a time, so lookups on it run in turn.
func fanOutLimit(ctx context.Context) int {
	if db.ConnFromContext(ctx) != nil {
		return 1
	}
	return departmentFanOut
}

func (s *Service) templatesFor(ctx context.Context, doctorID uuid.UUID, day Weekday) ([]*ScheduleTemplate, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, doctorID, day); ok {
			return cached, nil
		}
	}
	var templates []*ScheduleTemplate
	err := s.withStore(ctx, "templates.list_by_doctor_day", func(ctx context.Context) (err error) {
		templates, err = s.templates.ListByDoctorDay(ctx, doctorID, day)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, doctorID, day, templates)
	}
	return templates, nil
}

// -- Booking --

// Book commits one appointment against a slot. The capacity check and the
// insert run as one atomic unit in the store, so a stale availability
// listing can never over-book. Retrying with the same idempotency key
// returns the original appointment.
func (s *Service) Book(ctx context.Context, req BookRequest) (*Appointment, error) {
	appt, _, err := s.BookOrReplay(ctx, req)
	return appt, err
}

// BookOrReplay is Book that also reports whether the appointment came from
// an earlier request with the same idempotency key.
func (s *Service) BookOrReplay(ctx context.Context, req BookRequest) (*Appointment, bool, error) {
	if err := req.Validate(); err != nil {
		s.metrics.RecordBooking(ctx, Code(err))
		return nil, false, err
	}
	if _, err := s.activeDoctor(ctx, req.DoctorID); err != nil {
		s.metrics.RecordBooking(ctx, Code(err))
		return nil, false, err
	}

	var (
		appt     *Appointment
		replayed bool
	)
	err := s.withStore(ctx, "appointments.insert_if_capacity", func(ctx context.Context) (err error) {
		appt, replayed, err = s.appointments.InsertIfCapacity(ctx, req)
		return err
	})

	log := s.logger.With().
		Str("doctor_id", req.DoctorID.String()).
		Str("date", req.Date.String()).
		Str("slot_start", req.SlotStart.String()).
		Logger()
	if err != nil {
		s.metrics.RecordBooking(ctx, Code(err))
		evt := log.Info()
		if KindOf(err) == KindTransient || KindOf(err) == KindInternal {
			evt = log.Error()
		}
		evt.Err(err).Str("kind", string(KindOf(err))).Msg("booking rejected")
		return nil, false, err
	}
	if replayed {
		s.metrics.RecordBooking(ctx, "replayed")
		log.Debug().Str("appointment_id", appt.ID.String()).Msg("booking replayed")
		return appt, true, nil
	}

	s.metrics.RecordBooking(ctx, "booked")
	log.Info().Str("appointment_id", appt.ID.String()).Msg("booking committed")
	s.publish(ctx, appointmentEvent(EventAppointmentBooked, appt, s.now()))
	return appt, false, nil
}

// -- Appointment lifecycle --

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var a *Appointment
	err := s.withStore(ctx, "appointments.get", func(ctx context.Context) (err error) {
		a, err = s.appointments.GetByID(ctx, id)
		return err
	})
	return a, err
}

func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	var (
		items []*Appointment
		total int
	)
	err := s.withStore(ctx, "appointments.list_by_patient", func(ctx context.Context) (err error) {
		items, total, err = s.appointments.ListByPatient(ctx, patientID, limit, offset)
		return err
	})
	return items, total, err
}

func (s *Service) ListDoctorAppointments(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error) {
	if _, err := ResolveWeekday(date); err != nil {
		return nil, err
	}
	var items []*Appointment
	err := s.withStore(ctx, "appointments.list_by_doctor_date", func(ctx context.Context) (err error) {
		items, err = s.appointments.ListByDoctorDate(ctx, doctorID, date)
		return err
	})
	return items, err
}

// Cancel moves a pending or confirmed appointment to the cancelled status of
// actor. Capacity frees up implicitly because availability only counts
// active appointments.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	act, err := CancelAction(actor)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, id, act, actor, reason)
}

// Confirm is the doctor accepting a pending appointment.
func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, ActionConfirm, ActorDoctor, "")
}

// Complete marks a confirmed appointment as attended.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.transition(ctx, id, ActionAttend, ActorDoctor, "")
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, act Action, actor Actor, reason string) (*Appointment, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		current, err := s.GetAppointment(ctx, id)
		if err != nil {
			return nil, err
		}
		next, err := current.Status.Next(act)
		if err != nil {
			return nil, err
		}

		var cancel *Cancellation
		if !next.Active() {
			cancel = &Cancellation{By: actor, Reason: reason, At: s.now().UTC()}
		}

		var updated *Appointment
		err = s.withStore(ctx, "appointments.update_status", func(ctx context.Context) (err error) {
			updated, err = s.appointments.UpdateStatus(ctx, id, current.Status, next, cancel)
			return err
		})
		if errors.Is(err, ErrInvalidStatusTransition) {
			// The stored status moved since we read it; re-read and re-check.
			continue
		}
		if err != nil {
			return nil, err
		}

		s.logger.Info().
			Str("appointment_id", id.String()).
			Str("from", string(current.Status)).
			Str("to", string(next)).
			Str("actor", string(actor)).
			Msg("appointment status changed")
		s.publish(ctx, appointmentEvent(statusEvent(next), updated, s.now()))
		return updated, nil
	}
	return nil, fmt.Errorf("%w: appointment %s kept changing concurrently", ErrInvalidStatusTransition, id)
}

func statusEvent(st AppointmentStatus) EventType {
	switch st {
	case StatusConfirmed:
		return EventAppointmentConfirmed
	case StatusCompleted:
		return EventAppointmentCompleted
	default:
		return EventAppointmentCancelled
	}
}

// -- Templates --

func (s *Service) GetTemplate(ctx context.Context, id uuid.UUID) (*ScheduleTemplate, error) {
	var t *ScheduleTemplate
	err := s.withStore(ctx, "templates.get", func(ctx context.Context) (err error) {
		t, err = s.templates.GetByID(ctx, id)
		return err
	})
	return t, err
}

// ListTemplates returns a doctor's weekly template, Monday first.
func (s *Service) ListTemplates(ctx context.Context, doctorID uuid.UUID) ([]*ScheduleTemplate, error) {
	var items []*ScheduleTemplate
	err := s.withStore(ctx, "templates.list_by_doctor", func(ctx context.Context) (err error) {
		items, err = s.templates.ListByDoctor(ctx, doctorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		di, dj := weekdayIndex(items[i].DayOfWeek), weekdayIndex(items[j].DayOfWeek)
		if di != dj {
			return di < dj
		}
		return items[i].StartTime < items[j].StartTime
	})
	return items, nil
}

// SaveTemplate creates a template, or edits it in place when t.ID is set.
// The overlap check runs inside the store's per doctor/day lock so two
// concurrent admin edits cannot both pass it.
func (s *Service) SaveTemplate(ctx context.Context, t *ScheduleTemplate) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := s.GetDoctor(ctx, t.DoctorID); err != nil {
		return err
	}

	var previous *ScheduleTemplate
	if t.ID != uuid.Nil {
		p, err := s.GetTemplate(ctx, t.ID)
		if err != nil {
			return err
		}
		if p.DoctorID != t.DoctorID {
			return fmt.Errorf("%w: template %s belongs to another doctor", ErrInvalidTemplate, t.ID)
		}
		previous = p
	}

	err := s.withStore(ctx, "templates.save", func(ctx context.Context) error {
		return s.templates.Save(ctx, t, func(existing []*ScheduleTemplate) error {
			return ValidateNoOverlap(existing, t)
		})
	})
	if err != nil {
		s.logger.Info().Err(err).
			Str("doctor_id", t.DoctorID.String()).
			Str("day", string(t.DayOfWeek)).
			Msg("template rejected")
		return err
	}

	s.invalidate(ctx, t.DoctorID, t.DayOfWeek)
	if previous != nil && previous.DayOfWeek != t.DayOfWeek {
		s.invalidate(ctx, previous.DoctorID, previous.DayOfWeek)
	}
	s.logger.Info().
		Str("template_id", t.ID.String()).
		Str("doctor_id", t.DoctorID.String()).
		Str("day", string(t.DayOfWeek)).
		Str("start", t.StartTime.String()).
		Str("end", t.EndTime.String()).
		Msg("template saved")
	s.publish(ctx, templateEvent(EventTemplateSaved, t, s.now()))
	return nil
}

// DeleteTemplate removes a template. Slots it generated disappear from
// availability; appointments already booked against them are kept.
func (s *Service) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	t, err := s.GetTemplate(ctx, id)
	if err != nil {
		return err
	}
	err = s.withStore(ctx, "templates.delete", func(ctx context.Context) error {
		return s.templates.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, t.DoctorID, t.DayOfWeek)
	s.logger.Info().Str("template_id", id.String()).Msg("template deleted")
	s.publish(ctx, templateEvent(EventTemplateDeleted, t, s.now()))
	return nil
}

func (s *Service) invalidate(ctx context.Context, doctorID uuid.UUID, day Weekday) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, doctorID, day)
	}
}

// publish never fails the caller: the change is already committed.
func (s *Service) publish(ctx context.Context, ev DomainEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("publish event failed")
	}
}

func weekdayIndex(w Weekday) int {
	for i, d := range Weekdays {
		if d == w {
			return i
		}
	}
	return len(Weekdays)
}
