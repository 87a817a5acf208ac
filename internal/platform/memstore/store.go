// Package memstore is an in-memory scheduling store. It gives the same
// atomicity guarantees as the PostgreSQL repositories by running every
// operation under one mutex, and keeps a separate data set per clinic.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
)

type clinicData struct {
	doctors      map[uuid.UUID]*scheduling.Doctor
	templates    map[uuid.UUID]*scheduling.ScheduleTemplate
	appointments map[uuid.UUID]*scheduling.Appointment
	idempotency  map[string]uuid.UUID // idempotency key -> appointment ID
}

func newClinicData() *clinicData {
	return &clinicData{
		doctors:      make(map[uuid.UUID]*scheduling.Doctor),
		templates:    make(map[uuid.UUID]*scheduling.ScheduleTemplate),
		appointments: make(map[uuid.UUID]*scheduling.Appointment),
		idempotency:  make(map[string]uuid.UUID),
	}
}

// Store holds doctors, templates and appointments for every clinic.
type Store struct {
	mu      sync.Mutex
	clinics map[string]*clinicData
	now     func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{clinics: make(map[string]*clinicData), now: time.Now}
}

// Doctors returns the store's DoctorRepository.
func (s *Store) Doctors() scheduling.DoctorRepository { return &doctorRepo{s} }

// Templates returns the store's TemplateRepository.
func (s *Store) Templates() scheduling.TemplateRepository { return &templateRepo{s} }

// Appointments returns the store's AppointmentRepository.
func (s *Store) Appointments() scheduling.AppointmentRepository { return &appointmentRepo{s} }

// lock takes the store mutex and returns the data set of the clinic in ctx.
// The caller must call s.mu.Unlock.
func (s *Store) lock(ctx context.Context) (*clinicData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	clinic := db.ClinicFromContext(ctx)
	d, ok := s.clinics[clinic]
	if !ok {
		d = newClinicData()
		s.clinics[clinic] = d
	}
	return d, nil
}

// -- Doctors --

type doctorRepo struct{ s *Store }

func (r *doctorRepo) Create(ctx context.Context, d *scheduling.Doctor) error {
	data, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if _, exists := data.doctors[d.ID]; exists {
		return fmt.Errorf("doctor %s already exists", d.ID)
	}
	d.CreatedAt = r.s.now().UTC()
	d.UpdatedAt = d.CreatedAt
	cp := *d
	data.doctors[d.ID] = &cp
	return nil
}

func (r *doctorRepo) GetByID(ctx context.Context, id uuid.UUID) (*scheduling.Doctor, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	d, ok := data.doctors[id]
	if !ok {
		return nil, fmt.Errorf("doctor %s: %w", id, scheduling.ErrNotFound)
	}
	cp := *d
	return &cp, nil
}

func (r *doctorRepo) ListByDepartment(ctx context.Context, departmentID uuid.UUID) ([]*scheduling.Doctor, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	var result []*scheduling.Doctor
	for _, d := range data.doctors {
		if d.DepartmentID != nil && *d.DepartmentID == departmentID {
			cp := *d
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

// -- Templates --

type templateRepo struct{ s *Store }

func (r *templateRepo) GetByID(ctx context.Context, id uuid.UUID) (*scheduling.ScheduleTemplate, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	t, ok := data.templates[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, scheduling.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (r *templateRepo) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*scheduling.ScheduleTemplate, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	var result []*scheduling.ScheduleTemplate
	for _, t := range data.templates {
		if t.DoctorID == doctorID {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortByStart(result)
	return result, nil
}

func (r *templateRepo) ListByDoctorDay(ctx context.Context, doctorID uuid.UUID, day scheduling.Weekday) ([]*scheduling.ScheduleTemplate, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()
	return data.templatesFor(doctorID, day), nil
}

func (d *clinicData) templatesFor(doctorID uuid.UUID, day scheduling.Weekday) []*scheduling.ScheduleTemplate {
	var result []*scheduling.ScheduleTemplate
	for _, t := range d.templates {
		if t.DoctorID == doctorID && t.DayOfWeek == day {
			cp := *t
			result = append(result, &cp)
		}
	}
	sortByStart(result)
	return result
}

func (r *templateRepo) Save(ctx context.Context, t *scheduling.ScheduleTemplate, check func([]*scheduling.ScheduleTemplate) error) error {
	data, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	if t.ID != uuid.Nil {
		if _, ok := data.templates[t.ID]; !ok {
			return fmt.Errorf("template %s: %w", t.ID, scheduling.ErrNotFound)
		}
	}
	if err := check(data.templatesFor(t.DoctorID, t.DayOfWeek)); err != nil {
		return err
	}

	now := r.s.now().UTC()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
		t.CreatedAt = now
	} else {
		t.CreatedAt = data.templates[t.ID].CreatedAt
	}
	t.UpdatedAt = now
	cp := *t
	data.templates[t.ID] = &cp
	return nil
}

func (r *templateRepo) Delete(ctx context.Context, id uuid.UUID) error {
	data, err := r.s.lock(ctx)
	if err != nil {
		return err
	}
	defer r.s.mu.Unlock()

	if _, ok := data.templates[id]; !ok {
		return fmt.Errorf("template %s: %w", id, scheduling.ErrNotFound)
	}
	delete(data.templates, id)
	return nil
}

func sortByStart(ts []*scheduling.ScheduleTemplate) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].StartTime != ts[j].StartTime {
			return ts[i].StartTime < ts[j].StartTime
		}
		return ts[i].EndTime < ts[j].EndTime
	})
}

// -- Appointments --

type appointmentRepo struct{ s *Store }

func (r *appointmentRepo) GetByID(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	a, ok := data.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %s: %w", id, scheduling.ErrNotFound)
	}
	return copyAppointment(a), nil
}

func (r *appointmentRepo) CountActive(ctx context.Context, doctorID uuid.UUID, date scheduling.Date) (map[scheduling.SlotKey]int, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	counts := make(map[scheduling.SlotKey]int)
	for _, a := range data.appointments {
		if a.DoctorID == doctorID && a.Date == date && a.Status.Active() {
			counts[a.Key()]++
		}
	}
	return counts, nil
}

// InsertIfCapacity runs the replay check, template resolution, capacity
// count and insert under the store mutex, so no other booking, cancellation
// or template change can interleave.
func (r *appointmentRepo) InsertIfCapacity(ctx context.Context, req scheduling.BookRequest) (*scheduling.Appointment, bool, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, false, err
	}
	defer r.s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if id, ok := data.idempotency[req.IdempotencyKey]; ok {
			existing := data.appointments[id]
			if !existing.Matches(req) {
				return nil, false, fmt.Errorf("%w: %q", scheduling.ErrIdempotencyKeyReused, req.IdempotencyKey)
			}
			return copyAppointment(existing), true, nil
		}
	}

	day, err := scheduling.ResolveWeekday(req.Date)
	if err != nil {
		return nil, false, err
	}
	tmpl, err := scheduling.ResolveSlotTemplate(data.templatesFor(req.DoctorID, day), day, req.SlotStart, req.SlotEnd)
	if err != nil {
		return nil, false, err
	}

	key := req.Key()
	booked := 0
	for _, a := range data.appointments {
		if a.Status.Active() && a.Key() == key {
			booked++
		}
	}
	if booked >= tmpl.CapacityPerSlot {
		return nil, false, fmt.Errorf("%w: %s has %d of %d", scheduling.ErrSlotFull, key, booked, tmpl.CapacityPerSlot)
	}

	now := r.s.now().UTC()
	templateID := tmpl.ID
	a := &scheduling.Appointment{
		ID:           uuid.New(),
		DoctorID:     req.DoctorID,
		PatientID:    req.Patient.PatientID,
		TemplateID:   &templateID,
		Date:         req.Date,
		SlotStart:    req.SlotStart,
		SlotEnd:      req.SlotEnd,
		Status:       scheduling.StatusPending,
		PatientName:  req.Patient.Name,
		PatientPhone: req.Patient.Phone,
		Note:         req.Patient.Note,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.IdempotencyKey != "" {
		k := req.IdempotencyKey
		a.IdempotencyKey = &k
		data.idempotency[k] = a.ID
	}
	data.appointments[a.ID] = a
	return copyAppointment(a), false, nil
}

func (r *appointmentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to scheduling.AppointmentStatus, cancel *scheduling.Cancellation) (*scheduling.Appointment, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	a, ok := data.appointments[id]
	if !ok {
		return nil, fmt.Errorf("appointment %s: %w", id, scheduling.ErrNotFound)
	}
	if a.Status != from {
		return nil, fmt.Errorf("%w: appointment %s is %s, not %s", scheduling.ErrInvalidStatusTransition, id, a.Status, from)
	}
	a.Status = to
	if cancel != nil {
		c := *cancel
		a.Cancellation = &c
	}
	a.UpdatedAt = r.s.now().UTC()
	return copyAppointment(a), nil
}

func (r *appointmentRepo) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*scheduling.Appointment, int, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer r.s.mu.Unlock()

	var all []*scheduling.Appointment
	for _, a := range data.appointments {
		if a.PatientID == patientID {
			all = append(all, a)
		}
	}
	// Newest appointment date first, matching the SQL store.
	sort.Slice(all, func(i, j int) bool {
		ti, tj := all[i].SlotStart.On(all[i].Date, time.UTC), all[j].SlotStart.On(all[j].Date, time.UTC)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := len(all)
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	result := make([]*scheduling.Appointment, 0, end-offset)
	for _, a := range all[offset:end] {
		result = append(result, copyAppointment(a))
	}
	return result, total, nil
}

func (r *appointmentRepo) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date scheduling.Date) ([]*scheduling.Appointment, error) {
	data, err := r.s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer r.s.mu.Unlock()

	var result []*scheduling.Appointment
	for _, a := range data.appointments {
		if a.DoctorID == doctorID && a.Date == date {
			result = append(result, copyAppointment(a))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].SlotStart != result[j].SlotStart {
			return result[i].SlotStart < result[j].SlotStart
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func copyAppointment(a *scheduling.Appointment) *scheduling.Appointment {
	cp := *a
	if a.Cancellation != nil {
		c := *a.Cancellation
		cp.Cancellation = &c
	}
	return &cp
}
