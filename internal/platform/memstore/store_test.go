package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
)

var monday = scheduling.Date{Year: 2026, Month: time.October, Day: 19}

type harness struct {
	store  *Store
	svc    *scheduling.Service
	doctor *scheduling.Doctor
}

func newHarness(t *testing.T, capacity int) *harness {
	t.Helper()
	s := New()
	h := &harness{
		store: s,
		svc:   scheduling.NewService(s.Doctors(), s.Templates(), s.Appointments()),
	}
	h.doctor = &scheduling.Doctor{Name: "Dr. Pham", Active: true}
	require.NoError(t, h.svc.CreateDoctor(context.Background(), h.doctor))

	tmpl := &scheduling.ScheduleTemplate{
		DoctorID:        h.doctor.ID,
		DayOfWeek:       scheduling.Monday,
		StartTime:       scheduling.MustTimeOfDay(8, 0),
		EndTime:         scheduling.MustTimeOfDay(12, 0),
		CapacityPerSlot: capacity,
	}
	require.NoError(t, h.svc.SaveTemplate(context.Background(), tmpl))
	return h
}

func (h *harness) request(key string) scheduling.BookRequest {
	return scheduling.BookRequest{
		DoctorID:       h.doctor.ID,
		Date:           monday,
		SlotStart:      scheduling.MustTimeOfDay(8, 0),
		SlotEnd:        scheduling.MustTimeOfDay(9, 30),
		Patient:        scheduling.PatientInfo{PatientID: uuid.New(), Name: "Hoang Thi C"},
		IdempotencyKey: key,
	}
}

func (h *harness) remaining(t *testing.T) int {
	t.Helper()
	slots, err := h.svc.ListAvailability(context.Background(), h.doctor.ID, monday, 90)
	require.NoError(t, err)
	for _, s := range slots {
		if s.StartTime == scheduling.MustTimeOfDay(8, 0) {
			return s.Remaining
		}
	}
	return 0
}

func TestAvailability_TrailingRemainderDropped(t *testing.T) {
	h := newHarness(t, 5)

	slots, err := h.svc.ListAvailability(context.Background(), h.doctor.ID, monday, 90)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "08:00", slots[0].StartTime.String())
	assert.Equal(t, "09:30", slots[0].EndTime.String())
	assert.Equal(t, "11:00", slots[1].EndTime.String())
}

func TestConcurrentBooking_NeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{1, 3} {
		h := newHarness(t, capacity)

		const callers = 40
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			booked   int
			rejected int
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := h.svc.Book(context.Background(), h.request(""))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					booked++
				} else if errors.Is(err, scheduling.ErrSlotFull) {
					rejected++
				} else {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, capacity, booked, "capacity %d", capacity)
		assert.Equal(t, callers-capacity, rejected)

		counts, err := h.store.Appointments().CountActive(context.Background(), h.doctor.ID, monday)
		require.NoError(t, err)
		assert.Equal(t, capacity, counts[h.request("").Key()])
		assert.Equal(t, 0, h.remaining(t))
	}
}

func TestConcurrentBooking_SameKeyReplays(t *testing.T) {
	h := newHarness(t, 5)
	req := h.request("client-retry-7")

	const callers = 10
	ids := make([]uuid.UUID, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			appt, err := h.svc.Book(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = appt.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 4, h.remaining(t))
}

func TestIdempotencyKeyReusedForOtherSlot(t *testing.T) {
	h := newHarness(t, 5)
	req := h.request("k")
	_, err := h.svc.Book(context.Background(), req)
	require.NoError(t, err)

	req.SlotStart, req.SlotEnd = scheduling.MustTimeOfDay(9, 30), scheduling.MustTimeOfDay(11, 0)
	_, err = h.svc.Book(context.Background(), req)
	assert.ErrorIs(t, err, scheduling.ErrIdempotencyKeyReused)
}

func TestCancel_FreesCapacityImmediately(t *testing.T) {
	h := newHarness(t, 1)

	appt, err := h.svc.Book(context.Background(), h.request(""))
	require.NoError(t, err)
	assert.Equal(t, 0, h.remaining(t))

	_, err = h.svc.Book(context.Background(), h.request(""))
	assert.ErrorIs(t, err, scheduling.ErrSlotFull)

	cancelled, err := h.svc.Cancel(context.Background(), appt.ID, scheduling.ActorPatient, "")
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusPatientCancelled, cancelled.Status)
	assert.Equal(t, 1, h.remaining(t))

	_, err = h.svc.Book(context.Background(), h.request(""))
	assert.NoError(t, err)
}

func TestConcurrentCancelAndConfirm(t *testing.T) {
	h := newHarness(t, 1)
	appt, err := h.svc.Book(context.Background(), h.request(""))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var cancelErr, confirmErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cancelErr = h.svc.Cancel(context.Background(), appt.ID, scheduling.ActorPatient, "")
	}()
	go func() {
		defer wg.Done()
		_, confirmErr = h.svc.Confirm(context.Background(), appt.ID)
	}()
	wg.Wait()

	// Cancel always wins in the end: it applies to pending and confirmed alike.
	require.NoError(t, cancelErr)
	final, err := h.svc.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusPatientCancelled, final.Status)
	if confirmErr != nil {
		assert.ErrorIs(t, confirmErr, scheduling.ErrInvalidStatusTransition)
	}
}

func TestBooking_AfterTemplateDeleted(t *testing.T) {
	h := newHarness(t, 2)
	templates, err := h.svc.ListTemplates(context.Background(), h.doctor.ID)
	require.NoError(t, err)
	require.Len(t, templates, 1)

	require.NoError(t, h.svc.DeleteTemplate(context.Background(), templates[0].ID))
	_, err = h.svc.Book(context.Background(), h.request(""))
	assert.ErrorIs(t, err, scheduling.ErrTemplateRemoved)
}

func TestTemplateSave_ConcurrentOverlapsRejected(t *testing.T) {
	h := newHarness(t, 1)

	const writers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		saved   int
		clashes int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.svc.SaveTemplate(context.Background(), &scheduling.ScheduleTemplate{
				DoctorID:        h.doctor.ID,
				DayOfWeek:       scheduling.Monday,
				StartTime:       scheduling.MustTimeOfDay(13, 0),
				EndTime:         scheduling.MustTimeOfDay(17, 0),
				CapacityPerSlot: 1,
			})
			var conflict *scheduling.ConflictError
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				saved++
			case errors.As(err, &conflict):
				clashes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, saved)
	assert.Equal(t, writers-1, clashes)
}

func TestClinicsAreIsolated(t *testing.T) {
	s := New()
	a := context.WithValue(context.Background(), db.ClinicIDKey, "north")
	b := context.WithValue(context.Background(), db.ClinicIDKey, "south")

	d := &scheduling.Doctor{Name: "Dr. North", Active: true}
	require.NoError(t, s.Doctors().Create(a, d))

	_, err := s.Doctors().GetByID(a, d.ID)
	require.NoError(t, err)
	_, err = s.Doctors().GetByID(b, d.ID)
	assert.ErrorIs(t, err, scheduling.ErrNotFound)
}

func TestListByPatient_Paginates(t *testing.T) {
	h := newHarness(t, 5)
	patient := uuid.New()
	starts := []scheduling.TimeOfDay{scheduling.MustTimeOfDay(8, 0), scheduling.MustTimeOfDay(9, 30)}
	for _, start := range starts {
		req := h.request("")
		req.Patient.PatientID = patient
		req.SlotStart, req.SlotEnd = start, start.Add(90)
		_, err := h.svc.Book(context.Background(), req)
		require.NoError(t, err)
	}

	page, total, err := h.store.Appointments().ListByPatient(context.Background(), patient, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, "09:30", page[0].SlotStart.String())

	page, _, err = h.store.Appointments().ListByPatient(context.Background(), patient, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestCancelledContextIsReturned(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Doctors().GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	h := newHarness(t, 1)
	appt, err := h.svc.Book(context.Background(), h.request(""))
	require.NoError(t, err)

	appt.Status = scheduling.StatusCompleted
	stored, err := h.svc.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, scheduling.StatusPending, stored.Status)
}
