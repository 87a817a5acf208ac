package scheduling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// translate maps driver errors onto the domain's error kinds. Domain errors
// pass through untouched.
func translate(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08", // connection exception
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "40001", // serialization_failure
			pgErr.Code == "40P01": // deadlock_detected
			return Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// Anything else never got an answer from the server.
	return Unavailable(op, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func lockKey(ctx context.Context, q queryable, key string, shared bool) error {
	fn := "pg_advisory_xact_lock"
	if shared {
		fn = "pg_advisory_xact_lock_shared"
	}
	_, err := q.Exec(ctx, `SELECT `+fn+`(hashtextextended($1, 0))`, key)
	return err
}

func templateLockKey(doctorID uuid.UUID, day Weekday) string {
	return fmt.Sprintf("template:%s:%s", doctorID, day)
}

func slotLockKey(k SlotKey) string {
	return "slot:" + k.String()
}

func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

// =========== Doctor Repository ===========

type doctorRepoPG struct{ pool *pgxpool.Pool }

func NewDoctorRepoPG(pool *pgxpool.Pool) DoctorRepository { return &doctorRepoPG{pool: pool} }

const doctorCols = `id, name, department_id, active, created_at, updated_at`

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor
	err := row.Scan(&d.ID, &d.Name, &d.DepartmentID, &d.Active, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *doctorRepoPG) Create(ctx context.Context, d *Doctor) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := connFor(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO doctor (id, name, department_id, active)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		d.ID, d.Name, d.DepartmentID, d.Active).Scan(&d.CreatedAt, &d.UpdatedAt)
	return translate("doctors.create", err)
}

func (r *doctorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	d, err := scanDoctor(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+doctorCols+` FROM doctor WHERE id = $1`, id))
	if err != nil {
		return nil, translate("doctors.get", err)
	}
	return d, nil
}

func (r *doctorRepoPG) ListByDepartment(ctx context.Context, departmentID uuid.UUID) ([]*Doctor, error) {
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT `+doctorCols+` FROM doctor
		WHERE department_id = $1
		ORDER BY name, id`, departmentID)
	if err != nil {
		return nil, translate("doctors.list_by_department", err)
	}
	defer rows.Close()
	var items []*Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, translate("doctors.list_by_department", err)
		}
		items = append(items, d)
	}
	return items, translate("doctors.list_by_department", rows.Err())
}

// =========== Template Repository ===========

type templateRepoPG struct{ pool *pgxpool.Pool }

func NewTemplateRepoPG(pool *pgxpool.Pool) TemplateRepository { return &templateRepoPG{pool: pool} }

const templateCols = `id, doctor_id, day_of_week, start_minute, end_minute, capacity_per_slot, created_at, updated_at`

func scanTemplate(row pgx.Row) (*ScheduleTemplate, error) {
	var (
		t          ScheduleTemplate
		day        string
		start, end int
	)
	err := row.Scan(&t.ID, &t.DoctorID, &day, &start, &end, &t.CapacityPerSlot, &t.CreatedAt, &t.UpdatedAt)
	t.DayOfWeek = Weekday(day)
	t.StartTime = TimeOfDay(start)
	t.EndTime = TimeOfDay(end)
	return &t, err
}

func queryTemplates(ctx context.Context, q queryable, where string, args ...interface{}) ([]*ScheduleTemplate, error) {
	rows, err := q.Query(ctx, `SELECT `+templateCols+` FROM schedule_template `+where+` ORDER BY start_minute, end_minute`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*ScheduleTemplate{}
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *templateRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ScheduleTemplate, error) {
	t, err := scanTemplate(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+templateCols+` FROM schedule_template WHERE id = $1`, id))
	if err != nil {
		return nil, translate("templates.get", err)
	}
	return t, nil
}

func (r *templateRepoPG) ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*ScheduleTemplate, error) {
	items, err := queryTemplates(ctx, connFor(ctx, r.pool), `WHERE doctor_id = $1`, doctorID)
	return items, translate("templates.list_by_doctor", err)
}

func (r *templateRepoPG) ListByDoctorDay(ctx context.Context, doctorID uuid.UUID, day Weekday) ([]*ScheduleTemplate, error) {
	items, err := queryTemplates(ctx, connFor(ctx, r.pool), `WHERE doctor_id = $1 AND day_of_week = $2`, doctorID, string(day))
	return items, translate("templates.list_by_doctor_day", err)
}

func (r *templateRepoPG) Save(ctx context.Context, t *ScheduleTemplate, check func(existing []*ScheduleTemplate) error) error {
	const op = "templates.save"
	tx, err := connFor(ctx, r.pool).Begin(ctx)
	if err != nil {
		return translate(op, err)
	}
	defer rollback(ctx, tx)

	// An edit that moves the template to another day also locks the day it
	// leaves, in a fixed order so two such edits cannot deadlock.
	days := []Weekday{t.DayOfWeek}
	if t.ID != uuid.Nil {
		var current string
		err := tx.QueryRow(ctx, `SELECT day_of_week FROM schedule_template WHERE id = $1 AND doctor_id = $2`,
			t.ID, t.DoctorID).Scan(&current)
		if err != nil {
			return translate(op, err)
		}
		if Weekday(current) != t.DayOfWeek {
			days = append(days, Weekday(current))
			sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		}
	}
	for _, day := range days {
		if err := lockKey(ctx, tx, templateLockKey(t.DoctorID, day), false); err != nil {
			return translate(op, err)
		}
	}
	existing, err := queryTemplates(ctx, tx, `WHERE doctor_id = $1 AND day_of_week = $2`, t.DoctorID, string(t.DayOfWeek))
	if err != nil {
		return translate(op, err)
	}
	if err := check(existing); err != nil {
		return err
	}

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
		err = tx.QueryRow(ctx, `
			INSERT INTO schedule_template (id, doctor_id, day_of_week, start_minute, end_minute, capacity_per_slot)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at`,
			t.ID, t.DoctorID, string(t.DayOfWeek), int(t.StartTime), int(t.EndTime), t.CapacityPerSlot,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
	} else {
		err = tx.QueryRow(ctx, `
			UPDATE schedule_template
			SET day_of_week = $3, start_minute = $4, end_minute = $5, capacity_per_slot = $6, updated_at = NOW()
			WHERE id = $1 AND doctor_id = $2
			RETURNING created_at, updated_at`,
			t.ID, t.DoctorID, string(t.DayOfWeek), int(t.StartTime), int(t.EndTime), t.CapacityPerSlot,
		).Scan(&t.CreatedAt, &t.UpdatedAt)
	}
	if err != nil {
		return translate(op, err)
	}
	return translate(op, tx.Commit(ctx))
}

func (r *templateRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "templates.delete"
	tx, err := connFor(ctx, r.pool).Begin(ctx)
	if err != nil {
		return translate(op, err)
	}
	defer rollback(ctx, tx)

	var (
		doctorID uuid.UUID
		day      string
	)
	err = tx.QueryRow(ctx, `SELECT doctor_id, day_of_week FROM schedule_template WHERE id = $1`, id).Scan(&doctorID, &day)
	if err != nil {
		return translate(op, err)
	}
	if err := lockKey(ctx, tx, templateLockKey(doctorID, Weekday(day)), false); err != nil {
		return translate(op, err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM schedule_template WHERE id = $1`, id)
	if err != nil {
		return translate(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return translate(op, tx.Commit(ctx))
}

// =========== Appointment Repository ===========

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

const apptCols = `id, doctor_id, patient_id, template_id, appointment_date,
	slot_start_minute, slot_end_minute, status, patient_name, patient_phone, note,
	idempotency_key, cancelled_by, cancel_reason, cancelled_at, created_at, updated_at`

func activeStatusLabels() []string {
	out := make([]string, len(ActiveStatuses))
	for i, s := range ActiveStatuses {
		out[i] = string(s)
	}
	return out
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a            Appointment
		date         time.Time
		start, end   int
		status       string
		cancelledBy  *string
		cancelReason *string
		cancelledAt  *time.Time
	)
	err := row.Scan(&a.ID, &a.DoctorID, &a.PatientID, &a.TemplateID, &date,
		&start, &end, &status, &a.PatientName, &a.PatientPhone, &a.Note,
		&a.IdempotencyKey, &cancelledBy, &cancelReason, &cancelledAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Date = DateOf(date)
	a.SlotStart = TimeOfDay(start)
	a.SlotEnd = TimeOfDay(end)
	a.Status = AppointmentStatus(status)
	if cancelledBy != nil {
		c := &Cancellation{By: Actor(*cancelledBy)}
		if cancelReason != nil {
			c.Reason = *cancelReason
		}
		if cancelledAt != nil {
			c.At = *cancelledAt
		}
		a.Cancellation = c
	}
	return &a, nil
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := scanAppointment(connFor(ctx, r.pool).QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE id = $1`, id))
	if err != nil {
		return nil, translate("appointments.get", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) CountActive(ctx context.Context, doctorID uuid.UUID, date Date) (map[SlotKey]int, error) {
	const op = "appointments.count_active"
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT slot_start_minute, count(*)
		FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2 AND status = ANY($3)
		GROUP BY slot_start_minute`,
		doctorID, date.Time(), activeStatusLabels())
	if err != nil {
		return nil, translate(op, err)
	}
	defer rows.Close()
	counts := make(map[SlotKey]int)
	for rows.Next() {
		var start, n int
		if err := rows.Scan(&start, &n); err != nil {
			return nil, translate(op, err)
		}
		counts[SlotKey{DoctorID: doctorID, Date: date, Start: TimeOfDay(start)}] = n
	}
	return counts, translate(op, rows.Err())
}

// InsertIfCapacity serialises bookers of one slot on a transaction-scoped
// advisory lock and holds the doctor/day template lock shared, so template
// edits and deletes cannot interleave with the capacity check.
func (r *appointmentRepoPG) InsertIfCapacity(ctx context.Context, req BookRequest) (*Appointment, bool, error) {
	const op = "appointments.insert_if_capacity"
	day, err := ResolveWeekday(req.Date)
	if err != nil {
		return nil, false, err
	}

	q := connFor(ctx, r.pool)
	tx, err := q.Begin(ctx)
	if err != nil {
		return nil, false, translate(op, err)
	}
	defer rollback(ctx, tx)

	if err := lockKey(ctx, tx, templateLockKey(req.DoctorID, day), true); err != nil {
		return nil, false, translate(op, err)
	}
	if err := lockKey(ctx, tx, slotLockKey(req.Key()), false); err != nil {
		return nil, false, translate(op, err)
	}

	if req.IdempotencyKey != "" {
		existing, err := r.byIdempotencyKey(ctx, tx, req.IdempotencyKey)
		switch {
		case err == nil:
			if !existing.Matches(req) {
				return nil, false, ErrIdempotencyKeyReused
			}
			return existing, true, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, false, translate(op, err)
		}
	}

	templates, err := queryTemplates(ctx, tx, `WHERE doctor_id = $1 AND day_of_week = $2`, req.DoctorID, string(day))
	if err != nil {
		return nil, false, translate(op, err)
	}
	tmpl, err := ResolveSlotTemplate(templates, day, req.SlotStart, req.SlotEnd)
	if err != nil {
		return nil, false, err
	}

	var booked int
	err = tx.QueryRow(ctx, `
		SELECT count(*) FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2 AND slot_start_minute = $3 AND status = ANY($4)`,
		req.DoctorID, req.Date.Time(), int(req.SlotStart), activeStatusLabels()).Scan(&booked)
	if err != nil {
		return nil, false, translate(op, err)
	}
	if booked >= tmpl.CapacityPerSlot {
		return nil, false, fmt.Errorf("%w: %s has %d of %d booked", ErrSlotFull, req.Key(), booked, tmpl.CapacityPerSlot)
	}

	a := &Appointment{
		ID:           uuid.New(),
		DoctorID:     req.DoctorID,
		PatientID:    req.Patient.PatientID,
		TemplateID:   &tmpl.ID,
		Date:         req.Date,
		SlotStart:    req.SlotStart,
		SlotEnd:      req.SlotEnd,
		Status:       StatusPending,
		PatientName:  req.Patient.Name,
		PatientPhone: req.Patient.Phone,
		Note:         req.Patient.Note,
	}
	if req.IdempotencyKey != "" {
		k := req.IdempotencyKey
		a.IdempotencyKey = &k
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO appointment (id, doctor_id, patient_id, template_id, appointment_date,
			slot_start_minute, slot_end_minute, status, patient_name, patient_phone, note, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		a.ID, a.DoctorID, a.PatientID, a.TemplateID, a.Date.Time(),
		int(a.SlotStart), int(a.SlotEnd), string(a.Status), a.PatientName, a.PatientPhone, a.Note, a.IdempotencyKey,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) && req.IdempotencyKey != "" {
			// The same key raced in on another slot lock; the winner is authoritative.
			rollback(ctx, tx)
			existing, ferr := r.byIdempotencyKey(ctx, q, req.IdempotencyKey)
			if ferr != nil {
				return nil, false, translate(op, ferr)
			}
			if !existing.Matches(req) {
				return nil, false, ErrIdempotencyKeyReused
			}
			return existing, true, nil
		}
		return nil, false, translate(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, translate(op, err)
	}
	return a, false, nil
}

func (r *appointmentRepoPG) byIdempotencyKey(ctx context.Context, q queryable, key string) (*Appointment, error) {
	return scanAppointment(q.QueryRow(ctx, `SELECT `+apptCols+` FROM appointment WHERE idempotency_key = $1`, key))
}

func (r *appointmentRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, cancel *Cancellation) (*Appointment, error) {
	const op = "appointments.update_status"
	var (
		by     *string
		reason *string
		at     *time.Time
	)
	if cancel != nil {
		b := string(cancel.By)
		by = &b
		if cancel.Reason != "" {
			reason = &cancel.Reason
		}
		at = &cancel.At
	}

	q := connFor(ctx, r.pool)
	a, err := scanAppointment(q.QueryRow(ctx, `
		UPDATE appointment
		SET status = $3, cancelled_by = $4, cancel_reason = $5, cancelled_at = $6, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING `+apptCols,
		id, string(from), string(to), by, reason, at))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, translate(op, err)
	}

	var current string
	if err := q.QueryRow(ctx, `SELECT status FROM appointment WHERE id = $1`, id).Scan(&current); err != nil {
		return nil, translate(op, err)
	}
	return nil, fmt.Errorf("%w: appointment %s is %s, expected %s", ErrInvalidStatusTransition, id, current, from)
}

func (r *appointmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	const op = "appointments.list_by_patient"
	q := connFor(ctx, r.pool)
	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM appointment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, translate(op, err)
	}
	rows, err := q.Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE patient_id = $1
		ORDER BY appointment_date DESC, slot_start_minute DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, translate(op, err)
	}
	defer rows.Close()
	items, err := collectAppointments(rows)
	return items, total, translate(op, err)
}

func (r *appointmentRepoPG) ListByDoctorDate(ctx context.Context, doctorID uuid.UUID, date Date) ([]*Appointment, error) {
	const op = "appointments.list_by_doctor_date"
	rows, err := connFor(ctx, r.pool).Query(ctx, `
		SELECT `+apptCols+` FROM appointment
		WHERE doctor_id = $1 AND appointment_date = $2
		ORDER BY slot_start_minute, created_at`, doctorID, date.Time())
	if err != nil {
		return nil, translate(op, err)
	}
	defer rows.Close()
	items, err := collectAppointments(rows)
	return items, translate(op, err)
}

func collectAppointments(rows pgx.Rows) ([]*Appointment, error) {
	items := []*Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}
