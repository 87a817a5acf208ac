package scheduling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/auth"
	"github.com/phuocem/HealthCareCenter-sub000/pkg/pagination"
)

// IdempotencyKeyHeader carries the client's retry key for bookings.
const IdempotencyKeyHeader = "Idempotency-Key"

type Handler struct {
	svc             *Service
	defaultDuration int
}

func NewHandler(svc *Service, defaultDurationMinutes int) *Handler {
	return &Handler{svc: svc, defaultDuration: defaultDurationMinutes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Browsing and booking – anyone signed in
	anyone := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor))
	anyone.GET("/doctors/:doctorId", h.GetDoctor)
	anyone.GET("/doctors/:doctorId/availability", h.ListAvailability)
	anyone.GET("/departments/:departmentId/availability", h.ListDepartmentAvailability)
	anyone.GET("/appointments", h.ListAppointments)
	anyone.GET("/appointments/:id", h.GetAppointment)
	anyone.POST("/appointments/:id/cancel", h.CancelAppointment)

	patients := api.Group("", auth.RequireRole(auth.RolePatient))
	patients.POST("/appointments", h.BookAppointment)

	doctors := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctors.POST("/appointments/:id/confirm", h.ConfirmAppointment)
	doctors.POST("/appointments/:id/complete", h.CompleteAppointment)
	doctors.GET("/doctors/:doctorId/templates", h.ListTemplates)
	doctors.GET("/templates/:id", h.GetTemplate)

	// Schedule administration – admin only
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/doctors", h.CreateDoctor)
	admin.POST("/doctors/:doctorId/templates", h.CreateTemplate)
	admin.PUT("/templates/:id", h.UpdateTemplate)
	admin.DELETE("/templates/:id", h.DeleteTemplate)
}

// ErrorResponse is the body of every failed scheduling request.
type ErrorResponse struct {
	Kind                ErrorKind         `json:"kind"`
	Code                string            `json:"code"`
	Message             string            `json:"message"`
	ConflictingTemplate *ScheduleTemplate `json:"conflicting_template,omitempty"`
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if errors.Is(err, ErrInvalidStatusTransition) {
		return http.StatusUnprocessableEntity
	}
	switch KindOf(err) {
	case KindInput:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindIntegrity:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	kind := KindOf(err)
	body := ErrorResponse{Kind: kind, Code: Code(err), Message: err.Error()}
	if kind == KindInternal {
		body.Message = "internal error"
	}
	if kind == KindTransient {
		body.Message = "scheduling store is temporarily unavailable, retry later"
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		body.ConflictingTemplate = conflict.Existing
	}
	return echo.NewHTTPError(StatusFor(err), body).SetInternal(err)
}

func parseID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, ErrorResponse{
			Kind: KindInput, Code: "invalid_id", Message: fmt.Sprintf("invalid %s", name),
		})
	}
	return id, nil
}

// callerPatient returns the patient record a patient-only caller is bound to.
// restricted is false for doctors and admins.
func callerPatient(ctx context.Context) (id uuid.UUID, restricted bool, err error) {
	if auth.HasRole(ctx, auth.RoleAdmin) || auth.HasRole(ctx, auth.RoleDoctor) {
		return uuid.Nil, false, nil
	}
	id, err = uuid.Parse(auth.PatientIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, true, echo.NewHTTPError(http.StatusForbidden, "caller is not linked to a patient record")
	}
	return id, true, nil
}

// callerDoctor returns the doctor record a doctor caller is bound to, if any.
func callerDoctor(ctx context.Context) (uuid.UUID, bool) {
	if auth.HasRole(ctx, auth.RoleAdmin) {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(auth.DoctorIDFromContext(ctx))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func forbidden(msg string) error {
	return echo.NewHTTPError(http.StatusForbidden, msg)
}

// -- Doctor Handlers --

type createDoctorRequest struct {
	Name         string `json:"name"`
	DepartmentID string `json:"department_id"`
	Active       *bool  `json:"active"`
}

func (h *Handler) CreateDoctor(c echo.Context) error {
	var body createDoctorRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d := &Doctor{Name: body.Name, Active: true}
	if body.Active != nil {
		d.Active = *body.Active
	}
	if body.DepartmentID != "" {
		dept, err := uuid.Parse(body.DepartmentID)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid department_id")
		}
		d.DepartmentID = &dept
	}
	if err := h.svc.CreateDoctor(c.Request().Context(), d); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetDoctor(c echo.Context) error {
	id, err := parseID(c, "doctorId")
	if err != nil {
		return err
	}
	d, err := h.svc.GetDoctor(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- Availability Handlers --

func (h *Handler) availabilityQuery(c echo.Context) (Date, int, error) {
	date, err := ParseDate(c.QueryParam("date"))
	if err != nil {
		return Date{}, 0, httpError(err)
	}
	duration := h.defaultDuration
	if raw := c.QueryParam("duration"); raw != "" {
		duration, err = strconv.Atoi(raw)
		if err != nil {
			return Date{}, 0, httpError(fmt.Errorf("%w: %q", ErrInvalidDuration, raw))
		}
	}
	return date, duration, nil
}

func (h *Handler) ListAvailability(c echo.Context) error {
	doctorID, err := parseID(c, "doctorId")
	if err != nil {
		return err
	}
	date, duration, err := h.availabilityQuery(c)
	if err != nil {
		return err
	}
	slots, err := h.svc.ListAvailability(c.Request().Context(), doctorID, date, duration)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id":        doctorID,
		"date":             date,
		"duration_minutes": duration,
		"slots":            slots,
	})
}

func (h *Handler) ListDepartmentAvailability(c echo.Context) error {
	deptID, err := parseID(c, "departmentId")
	if err != nil {
		return err
	}
	date, duration, err := h.availabilityQuery(c)
	if err != nil {
		return err
	}
	slots, err := h.svc.ListDepartmentAvailability(c.Request().Context(), deptID, date, duration)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"department_id":    deptID,
		"date":             date,
		"duration_minutes": duration,
		"slots":            slots,
	})
}

// -- Appointment Handlers --

type bookAppointmentRequest struct {
	DoctorID       string `json:"doctor_id"`
	Date           string `json:"date"`
	SlotStart      string `json:"slot_start"`
	SlotEnd        string `json:"slot_end"`
	PatientID      string `json:"patient_id"`
	PatientName    string `json:"patient_name"`
	PatientPhone   string `json:"patient_phone"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (r bookAppointmentRequest) toDomain() (BookRequest, error) {
	var req BookRequest
	var err error
	if req.DoctorID, err = uuid.Parse(r.DoctorID); err != nil {
		return req, fmt.Errorf("%w: invalid doctor_id", ErrInvalidBooking)
	}
	if req.Patient.PatientID, err = uuid.Parse(r.PatientID); err != nil {
		return req, fmt.Errorf("%w: invalid patient_id", ErrInvalidBooking)
	}
	if req.Date, err = ParseDate(r.Date); err != nil {
		return req, err
	}
	if req.SlotStart, err = ParseTimeOfDay(r.SlotStart); err != nil {
		return req, err
	}
	if req.SlotEnd, err = ParseTimeOfDay(r.SlotEnd); err != nil {
		return req, err
	}
	req.Patient.Name = r.PatientName
	req.Patient.Phone = r.PatientPhone
	req.Patient.Note = r.Note
	req.IdempotencyKey = r.IdempotencyKey
	return req, nil
}

func (h *Handler) BookAppointment(c echo.Context) error {
	ctx := c.Request().Context()
	var body bookAppointmentRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	own, restricted, err := callerPatient(ctx)
	if err != nil {
		return err
	}
	if restricted {
		if body.PatientID == "" {
			body.PatientID = own.String()
		} else if body.PatientID != own.String() {
			return forbidden("patients may only book for themselves")
		}
	}
	if key := c.Request().Header.Get(IdempotencyKeyHeader); key != "" {
		body.IdempotencyKey = key
	}

	req, err := body.toDomain()
	if err != nil {
		return httpError(err)
	}
	appt, replayed, err := h.svc.BookOrReplay(ctx, req)
	if err != nil {
		return httpError(err)
	}
	if replayed {
		return c.JSON(http.StatusOK, appt)
	}
	return c.JSON(http.StatusCreated, appt)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if err := h.checkAccess(c.Request().Context(), appt); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, appt)
}

// checkAccess hides appointments of other patients, and of other doctors when
// the caller is bound to a doctor record.
func (h *Handler) checkAccess(ctx context.Context, appt *Appointment) error {
	own, restricted, err := callerPatient(ctx)
	if err != nil {
		return err
	}
	if restricted && appt.PatientID != own {
		return httpError(fmt.Errorf("appointment %s: %w", appt.ID, ErrNotFound))
	}
	if doc, ok := callerDoctor(ctx); ok && auth.HasRole(ctx, auth.RoleDoctor) && appt.DoctorID != doc {
		return httpError(fmt.Errorf("appointment %s: %w", appt.ID, ErrNotFound))
	}
	return nil
}

func (h *Handler) ListAppointments(c echo.Context) error {
	ctx := c.Request().Context()
	if raw := c.QueryParam("doctor_id"); raw != "" {
		if !auth.HasRole(ctx, auth.RoleDoctor) && !auth.HasRole(ctx, auth.RoleAdmin) {
			return forbidden("required role: doctor")
		}
		doctorID, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid doctor_id")
		}
		if own, ok := callerDoctor(ctx); ok && own != doctorID {
			return forbidden("doctors may only list their own appointments")
		}
		date, err := ParseDate(c.QueryParam("date"))
		if err != nil {
			return httpError(err)
		}
		items, err := h.svc.ListDoctorAppointments(ctx, doctorID, date)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
	}

	own, restricted, err := callerPatient(ctx)
	if err != nil {
		return err
	}
	patientID := own
	if raw := c.QueryParam("patient_id"); raw != "" {
		pid, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		if restricted && pid != own {
			return forbidden("patients may only list their own appointments")
		}
		patientID = pid
	}
	if patientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id or doctor_id is required")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPatientAppointments(ctx, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type cancelRequest struct {
	Reason string `json:"reason"`
	// Actor is only read for admins, who may cancel on either side's behalf.
	Actor string `json:"actor"`
}

func (h *Handler) CancelAppointment(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body cancelRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	appt, err := h.svc.GetAppointment(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if err := h.checkAccess(ctx, appt); err != nil {
		return err
	}

	var actor Actor
	switch {
	case auth.HasRole(ctx, auth.RoleAdmin):
		if actor, err = ParseActor(body.Actor); err != nil {
			return httpError(err)
		}
	case auth.HasRole(ctx, auth.RoleDoctor):
		actor = ActorDoctor
	default:
		actor = ActorPatient
	}

	updated, err := h.svc.Cancel(ctx, id, actor, body.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) ConfirmAppointment(c echo.Context) error {
	return h.doctorTransition(c, h.svc.Confirm)
}

func (h *Handler) CompleteAppointment(c echo.Context) error {
	return h.doctorTransition(c, h.svc.Complete)
}

func (h *Handler) doctorTransition(c echo.Context, apply func(context.Context, uuid.UUID) (*Appointment, error)) error {
	ctx := c.Request().Context()
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	appt, err := h.svc.GetAppointment(ctx, id)
	if err != nil {
		return httpError(err)
	}
	if err := h.checkAccess(ctx, appt); err != nil {
		return err
	}
	updated, err := apply(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// -- Template Handlers --

type templateRequest struct {
	DayOfWeek       string `json:"day_of_week"`
	StartTime       string `json:"start_time"`
	EndTime         string `json:"end_time"`
	CapacityPerSlot int    `json:"capacity_per_slot"`
}

func (r templateRequest) apply(t *ScheduleTemplate) error {
	var err error
	if t.DayOfWeek, err = ParseWeekday(r.DayOfWeek); err != nil {
		return err
	}
	if t.StartTime, err = ParseTimeOfDay(r.StartTime); err != nil {
		return err
	}
	if t.EndTime, err = ParseTimeOfDay(r.EndTime); err != nil {
		return err
	}
	t.CapacityPerSlot = r.CapacityPerSlot
	return nil
}

func (h *Handler) ListTemplates(c echo.Context) error {
	doctorID, err := parseID(c, "doctorId")
	if err != nil {
		return err
	}
	items, err := h.svc.ListTemplates(c.Request().Context(), doctorID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) GetTemplate(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.GetTemplate(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CreateTemplate(c echo.Context) error {
	doctorID, err := parseID(c, "doctorId")
	if err != nil {
		return err
	}
	var body templateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t := &ScheduleTemplate{DoctorID: doctorID}
	if err := body.apply(t); err != nil {
		return httpError(err)
	}
	if err := h.svc.SaveTemplate(c.Request().Context(), t); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) UpdateTemplate(c echo.Context) error {
	ctx := c.Request().Context()
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	var body templateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	current, err := h.svc.GetTemplate(ctx, id)
	if err != nil {
		return httpError(err)
	}
	t := &ScheduleTemplate{ID: id, DoctorID: current.DoctorID, CreatedAt: current.CreatedAt}
	if err := body.apply(t); err != nil {
		return httpError(err)
	}
	if err := h.svc.SaveTemplate(ctx, t); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) DeleteTemplate(c echo.Context) error {
	id, err := parseID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteTemplate(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
