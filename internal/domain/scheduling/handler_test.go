package scheduling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/auth"
)

type caller struct {
	role      string
	patientID string
	doctorID  string
}

func (c caller) apply(req *http.Request) *http.Request {
	ctx := context.WithValue(req.Context(), auth.UserRolesKey, []string{c.role})
	ctx = context.WithValue(ctx, auth.PatientIDKey, c.patientID)
	ctx = context.WithValue(ctx, auth.DoctorIDKey, c.doctorID)
	return req.WithContext(ctx)
}

var admin = caller{role: auth.RoleAdmin}

func newTestHandler(t *testing.T) (*Handler, *fixture, *echo.Echo) {
	f := newFixture(t)
	return NewHandler(f.svc, 30), f, echo.New()
}

func newRequest(e *echo.Echo, who caller, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(who.apply(req), rec), rec
}

// statusOf returns the status the error handler would write for err, or the
// recorder's status when the handler succeeded.
func statusOf(err error, rec *httptest.ResponseRecorder) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if err != nil {
		return -1
	}
	return rec.Code
}

func errorBody(t *testing.T, err error) ErrorResponse {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected HTTPError, got %v", err)
	}
	body, ok := he.Message.(ErrorResponse)
	if !ok {
		t.Fatalf("expected ErrorResponse body, got %T", he.Message)
	}
	return body
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrInvalidDate, http.StatusBadRequest},
		{ErrInvalidStatusTransition, http.StatusUnprocessableEntity},
		{ErrSlotFull, http.StatusConflict},
		{&ConflictError{Candidate: &ScheduleTemplate{}, Existing: &ScheduleTemplate{}}, http.StatusConflict},
		{Unavailable("op", errors.New("down")), http.StatusServiceUnavailable},
		{ErrTemplateRemoved, http.StatusGone},
		{ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.err); got != tt.want {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHandler_ListAvailability(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "12:00", 5)

	c, rec := newRequest(e, caller{role: auth.RolePatient}, http.MethodGet, "/?date=2026-10-19&duration=90", "")
	c.SetParamNames("doctorId")
	c.SetParamValues(f.doctor.ID.String())

	if err := h.ListAvailability(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Slots []AvailableSlot `json:"slots"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Slots) != 2 || resp.Slots[1].StartTime != mustParseTime("09:30") {
		t.Errorf("unexpected slots %+v", resp.Slots)
	}
}

func TestHandler_ListAvailability_BadInput(t *testing.T) {
	h, f, e := newTestHandler(t)

	for _, q := range []string{"/?date=2026-02-30", "/?date=2026-10-19&duration=abc", "/?date=2026-10-19&duration=0", "/"} {
		c, rec := newRequest(e, caller{role: auth.RolePatient}, http.MethodGet, q, "")
		c.SetParamNames("doctorId")
		c.SetParamValues(f.doctor.ID.String())
		err := h.ListAvailability(c)
		if got := statusOf(err, rec); got != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, got)
		}
	}

	c, rec := newRequest(e, caller{role: auth.RolePatient}, http.MethodGet, "/?date=2026-10-19", "")
	c.SetParamNames("doctorId")
	c.SetParamValues("not-a-uuid")
	if got := statusOf(h.ListAvailability(c), rec); got != http.StatusBadRequest {
		t.Errorf("invalid id: expected 400, got %d", got)
	}
}

func bookBody(doctorID uuid.UUID, patientID, start, end string) string {
	b, _ := json.Marshal(map[string]string{
		"doctor_id":    doctorID.String(),
		"patient_id":   patientID,
		"date":         "2026-10-19",
		"slot_start":   start,
		"slot_end":     end,
		"patient_name": "Le Thi B",
	})
	return string(b)
}

func TestHandler_BookAppointment(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "09:00", 1)
	patient := uuid.New().String()
	who := caller{role: auth.RolePatient, patientID: patient}

	c, rec := newRequest(e, who, http.MethodPost, "/", bookBody(f.doctor.ID, "", "08:00", "08:30"))
	c.Request().Header.Set(IdempotencyKeyHeader, "k-1")
	if err := h.BookAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var appt Appointment
	json.Unmarshal(rec.Body.Bytes(), &appt)
	if appt.PatientID.String() != patient || appt.Status != StatusPending {
		t.Errorf("unexpected appointment %+v", appt)
	}

	// Same key again: the original appointment comes back with 200.
	c, rec = newRequest(e, who, http.MethodPost, "/", bookBody(f.doctor.ID, "", "08:00", "08:30"))
	c.Request().Header.Set(IdempotencyKeyHeader, "k-1")
	if err := h.BookAppointment(c); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("replay: expected 200, got %d", rec.Code)
	}

	// No key: the slot is full.
	c, rec = newRequest(e, who, http.MethodPost, "/", bookBody(f.doctor.ID, "", "08:00", "08:30"))
	err := h.BookAppointment(c)
	if got := statusOf(err, rec); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
	if body := errorBody(t, err); body.Kind != KindConflict || body.Code != "slot_full" {
		t.Errorf("unexpected error body %+v", body)
	}
}

func TestHandler_BookAppointment_ForOtherPatient(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "09:00", 1)
	who := caller{role: auth.RolePatient, patientID: uuid.New().String()}

	c, rec := newRequest(e, who, http.MethodPost, "/", bookBody(f.doctor.ID, uuid.New().String(), "08:00", "08:30"))
	if got := statusOf(h.BookAppointment(c), rec); got != http.StatusForbidden {
		t.Errorf("expected 403, got %d", got)
	}
}

func TestHandler_BookAppointment_TemplateRemoved(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "09:00", 1)

	c, rec := newRequest(e, admin, http.MethodPost, "/", bookBody(f.doctor.ID, uuid.New().String(), "10:00", "10:30"))
	err := h.BookAppointment(c)
	if got := statusOf(err, rec); got != http.StatusGone {
		t.Errorf("expected 410, got %d", got)
	}
	if body := errorBody(t, err); body.Kind != KindIntegrity {
		t.Errorf("expected integrity kind, got %s", body.Kind)
	}
}

func TestHandler_BookAppointment_StoreUnavailable(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "09:00", 1)
	f.appts.failWith = Unavailable("insert", errors.New("connection reset by peer"))

	c, rec := newRequest(e, admin, http.MethodPost, "/", bookBody(f.doctor.ID, uuid.New().String(), "08:00", "08:30"))
	err := h.BookAppointment(c)
	if got := statusOf(err, rec); got != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", got)
	}
	if body := errorBody(t, err); strings.Contains(body.Message, "connection reset") {
		t.Errorf("transient message leaked the cause: %q", body.Message)
	}
}

func TestHandler_CancelAppointment(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "09:00", 1)
	req := f.request("08:00", "08:30")
	appt, err := f.svc.Book(context.Background(), req)
	if err != nil {
		t.Fatalf("book: %v", err)
	}

	stranger := caller{role: auth.RolePatient, patientID: uuid.New().String()}
	c, rec := newRequest(e, stranger, http.MethodPost, "/", `{"reason":"x"}`)
	c.SetParamNames("id")
	c.SetParamValues(appt.ID.String())
	if got := statusOf(h.CancelAppointment(c), rec); got != http.StatusNotFound {
		t.Errorf("stranger: expected 404, got %d", got)
	}

	owner := caller{role: auth.RolePatient, patientID: req.Patient.PatientID.String()}
	c, rec = newRequest(e, owner, http.MethodPost, "/", `{"reason":"travel"}`)
	c.SetParamNames("id")
	c.SetParamValues(appt.ID.String())
	if err := h.CancelAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var updated Appointment
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Status != StatusPatientCancelled || updated.Cancellation == nil || updated.Cancellation.Reason != "travel" {
		t.Errorf("unexpected appointment %+v", updated)
	}

	c, rec = newRequest(e, owner, http.MethodPost, "/", `{}`)
	c.SetParamNames("id")
	c.SetParamValues(appt.ID.String())
	if got := statusOf(h.CancelAppointment(c), rec); got != http.StatusUnprocessableEntity {
		t.Errorf("second cancel: expected 422, got %d", got)
	}
}

func TestHandler_CancelAppointment_AdminNeedsActor(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "09:00", 1)
	appt, _ := f.svc.Book(context.Background(), f.request("08:00", "08:30"))

	c, rec := newRequest(e, admin, http.MethodPost, "/", `{"reason":"x"}`)
	c.SetParamNames("id")
	c.SetParamValues(appt.ID.String())
	if got := statusOf(h.CancelAppointment(c), rec); got != http.StatusBadRequest {
		t.Errorf("expected 400 without actor, got %d", got)
	}

	c, rec = newRequest(e, admin, http.MethodPost, "/", `{"reason":"doctor sick","actor":"doctor"}`)
	c.SetParamNames("id")
	c.SetParamValues(appt.ID.String())
	if err := h.CancelAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var updated Appointment
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Status != StatusDoctorCancelled {
		t.Errorf("expected doctor_cancelled, got %s", updated.Status)
	}
}

func TestHandler_ConfirmAppointment_OtherDoctor(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "09:00", 1)
	appt, _ := f.svc.Book(context.Background(), f.request("08:00", "08:30"))

	other := caller{role: auth.RoleDoctor, doctorID: uuid.New().String()}
	c, rec := newRequest(e, other, http.MethodPost, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(appt.ID.String())
	if got := statusOf(h.ConfirmAppointment(c), rec); got != http.StatusNotFound {
		t.Errorf("expected 404, got %d", got)
	}

	own := caller{role: auth.RoleDoctor, doctorID: f.doctor.ID.String()}
	c, rec = newRequest(e, own, http.MethodPost, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(appt.ID.String())
	if err := h.ConfirmAppointment(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_ListAppointments(t *testing.T) {
	h, f, e := newTestHandler(t)
	f.addTemplate(t, Monday, "08:00", "09:00", 2)
	req := f.request("08:00", "08:30")
	f.svc.Book(context.Background(), req)
	f.svc.Book(context.Background(), f.request("08:30", "09:00"))

	owner := caller{role: auth.RolePatient, patientID: req.Patient.PatientID.String()}
	c, rec := newRequest(e, owner, http.MethodGet, "/", "")
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var page struct {
		Data  []Appointment `json:"data"`
		Total int           `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 1 || len(page.Data) != 1 {
		t.Errorf("expected 1 own appointment, got %d", page.Total)
	}

	c, rec = newRequest(e, owner, http.MethodGet, "/?patient_id="+uuid.New().String(), "")
	if got := statusOf(h.ListAppointments(c), rec); got != http.StatusForbidden {
		t.Errorf("expected 403 for another patient's list, got %d", got)
	}

	doc := caller{role: auth.RoleDoctor, doctorID: f.doctor.ID.String()}
	c, rec = newRequest(e, doc, http.MethodGet, "/?doctor_id="+f.doctor.ID.String()+"&date=2026-10-19", "")
	if err := h.ListAppointments(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 2 {
		t.Errorf("expected 2 appointments for the doctor, got %d", page.Total)
	}
}

func TestHandler_CreateTemplate_Conflict(t *testing.T) {
	h, f, e := newTestHandler(t)
	existing := f.addTemplate(t, Monday, "08:00", "09:30", 1)

	c, rec := newRequest(e, admin, http.MethodPost, "/",
		`{"day_of_week":"mon","start_time":"09:00","end_time":"10:00","capacity_per_slot":2}`)
	c.SetParamNames("doctorId")
	c.SetParamValues(f.doctor.ID.String())
	err := h.CreateTemplate(c)
	if got := statusOf(err, rec); got != http.StatusConflict {
		t.Fatalf("expected 409, got %d", got)
	}
	body := errorBody(t, err)
	if body.ConflictingTemplate == nil || body.ConflictingTemplate.ID != existing.ID {
		t.Errorf("expected conflicting template %s, got %+v", existing.ID, body.ConflictingTemplate)
	}

	c, rec = newRequest(e, admin, http.MethodPost, "/",
		`{"day_of_week":"mon","start_time":"09:30","end_time":"10:00","capacity_per_slot":2}`)
	c.SetParamNames("doctorId")
	c.SetParamValues(f.doctor.ID.String())
	if err := h.CreateTemplate(c); err != nil {
		t.Fatalf("touching template: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateTemplate_BadInput(t *testing.T) {
	h, f, e := newTestHandler(t)

	for _, body := range []string{
		`{"day_of_week":"someday","start_time":"09:00","end_time":"10:00","capacity_per_slot":1}`,
		`{"day_of_week":"mon","start_time":"9am","end_time":"10:00","capacity_per_slot":1}`,
		`{"day_of_week":"mon","start_time":"10:00","end_time":"09:00","capacity_per_slot":1}`,
		`{"day_of_week":"mon","start_time":"09:00","end_time":"10:00","capacity_per_slot":0}`,
	} {
		c, rec := newRequest(e, admin, http.MethodPost, "/", body)
		c.SetParamNames("doctorId")
		c.SetParamValues(f.doctor.ID.String())
		if got := statusOf(h.CreateTemplate(c), rec); got != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, got)
		}
	}
}

func TestHandler_UpdateAndDeleteTemplate(t *testing.T) {
	h, f, e := newTestHandler(t)
	tp := f.addTemplate(t, Monday, "08:00", "09:00", 1)

	c, rec := newRequest(e, admin, http.MethodPut, "/",
		`{"day_of_week":"wed","start_time":"13:00","end_time":"15:00","capacity_per_slot":3}`)
	c.SetParamNames("id")
	c.SetParamValues(tp.ID.String())
	if err := h.UpdateTemplate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var updated ScheduleTemplate
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.ID != tp.ID || updated.DayOfWeek != Wednesday || updated.CapacityPerSlot != 3 {
		t.Errorf("unexpected template %+v", updated)
	}

	c, rec = newRequest(e, admin, http.MethodDelete, "/", "")
	c.SetParamNames("id")
	c.SetParamValues(tp.ID.String())
	if err := h.DeleteTemplate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	h, f, e := newTestHandler(t)
	api := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			who := caller{role: c.Request().Header.Get("X-Test-Role")}
			c.SetRequest(who.apply(c.Request()))
			return next(c)
		}
	})
	h.RegisterRoutes(api)

	tests := []struct {
		role   string
		method string
		path   string
		body   string
		want   int
	}{
		{auth.RolePatient, http.MethodPost, "/api/v1/doctors", `{"name":"x"}`, http.StatusForbidden},
		{auth.RoleAdmin, http.MethodPost, "/api/v1/doctors", `{"name":"Dr. New"}`, http.StatusCreated},
		{auth.RolePatient, http.MethodPost, "/api/v1/doctors/" + f.doctor.ID.String() + "/templates", `{}`, http.StatusForbidden},
		{auth.RoleDoctor, http.MethodPost, "/api/v1/appointments", `{}`, http.StatusForbidden},
		{auth.RolePatient, http.MethodGet, "/api/v1/doctors/" + f.doctor.ID.String(), "", http.StatusOK},
		{"", http.MethodGet, "/api/v1/doctors/" + f.doctor.ID.String(), "", http.StatusForbidden},
	}
	for _, tt := range tests {
		var req *http.Request
		if tt.body != "" {
			req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		} else {
			req = httptest.NewRequest(tt.method, tt.path, nil)
		}
		req.Header.Set("X-Test-Role", tt.role)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s as %q: expected %d, got %d", tt.method, tt.path, tt.role, tt.want, rec.Code)
		}
	}
}
