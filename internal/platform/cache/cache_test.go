package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
)

var _ scheduling.TemplateCache = (*LRU)(nil)
var _ scheduling.TemplateCache = (*Redis)(nil)

func sampleTemplates(doctorID uuid.UUID) []*scheduling.ScheduleTemplate {
	return []*scheduling.ScheduleTemplate{{
		ID:              uuid.New(),
		DoctorID:        doctorID,
		DayOfWeek:       scheduling.Monday,
		StartTime:       scheduling.MustTimeOfDay(8, 0),
		EndTime:         scheduling.MustTimeOfDay(12, 0),
		CapacityPerSlot: 3,
	}}
}

func TestLRU_GetSetInvalidate(t *testing.T) {
	c := NewLRU(16, time.Minute)
	ctx := context.Background()
	doc := uuid.New()

	_, ok := c.Get(ctx, doc, scheduling.Monday)
	assert.False(t, ok)

	c.Set(ctx, doc, scheduling.Monday, sampleTemplates(doc))
	got, ok := c.Get(ctx, doc, scheduling.Monday)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, 3, got[0].CapacityPerSlot)

	_, ok = c.Get(ctx, doc, scheduling.Tuesday)
	assert.False(t, ok, "entries are per weekday")

	c.Invalidate(ctx, doc, scheduling.Monday)
	_, ok = c.Get(ctx, doc, scheduling.Monday)
	assert.False(t, ok)
}

func TestLRU_EmptyListIsAHit(t *testing.T) {
	c := NewLRU(16, time.Minute)
	doc := uuid.New()
	c.Set(context.Background(), doc, scheduling.Sunday, nil)

	got, ok := c.Get(context.Background(), doc, scheduling.Sunday)
	assert.True(t, ok)
	assert.Empty(t, got)
}

func TestLRU_ReturnsCopies(t *testing.T) {
	c := NewLRU(16, time.Minute)
	doc := uuid.New()
	c.Set(context.Background(), doc, scheduling.Monday, sampleTemplates(doc))

	got, _ := c.Get(context.Background(), doc, scheduling.Monday)
	got[0].CapacityPerSlot = 99

	again, _ := c.Get(context.Background(), doc, scheduling.Monday)
	assert.Equal(t, 3, again[0].CapacityPerSlot)
}

func TestLRU_Expires(t *testing.T) {
	c := NewLRU(16, 20*time.Millisecond)
	doc := uuid.New()
	c.Set(context.Background(), doc, scheduling.Monday, sampleTemplates(doc))

	assert.Eventually(t, func() bool {
		_, ok := c.Get(context.Background(), doc, scheduling.Monday)
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLRU_EvictsBeyondSize(t *testing.T) {
	c := NewLRU(2, time.Minute)
	for i := 0; i < 5; i++ {
		doc := uuid.New()
		c.Set(context.Background(), doc, scheduling.Monday, sampleTemplates(doc))
	}
	assert.Equal(t, 2, c.Len())
}

func TestLRU_KeyedByClinic(t *testing.T) {
	c := NewLRU(16, time.Minute)
	doc := uuid.New()
	north := context.WithValue(context.Background(), db.ClinicIDKey, "north")
	south := context.WithValue(context.Background(), db.ClinicIDKey, "south")

	c.Set(north, doc, scheduling.Monday, sampleTemplates(doc))
	_, ok := c.Get(south, doc, scheduling.Monday)
	assert.False(t, ok)
}

func TestRedis_RoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	c := NewRedis(client, time.Minute, zerolog.Nop())
	doc := uuid.New()
	want := sampleTemplates(doc)

	c.Set(ctx, doc, scheduling.Monday, want)
	got, ok := c.Get(ctx, doc, scheduling.Monday)
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, want[0].ID, got[0].ID)
	assert.Equal(t, want[0].StartTime, got[0].StartTime)
	assert.Equal(t, want[0].EndTime, got[0].EndTime)

	c.Invalidate(ctx, doc, scheduling.Monday)
	_, ok = c.Get(ctx, doc, scheduling.Monday)
	assert.False(t, ok)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	client, err := NewRedisClient(context.Background(), "redis://127.0.0.1:1/0")
	assert.Error(t, err)
	assert.Nil(t, client)
}
