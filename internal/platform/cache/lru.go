// Package cache holds TemplateCache implementations: an in-process LRU and a
// Redis-backed cache shared between instances. Entries are keyed by clinic,
// doctor and weekday.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/phuocem/HealthCareCenter-sub000/internal/domain/scheduling"
	"github.com/phuocem/HealthCareCenter-sub000/internal/platform/db"
)

// DefaultTTL bounds how long a cached template list may outlive a change made
// by another instance.
const DefaultTTL = time.Minute

func key(ctx context.Context, doctorID uuid.UUID, day scheduling.Weekday) string {
	return fmt.Sprintf("clinic:%s:templates:%s:%s", db.ClinicFromContext(ctx), doctorID, day)
}

// LRU is an in-process TemplateCache with a size bound and per-entry TTL.
type LRU struct {
	cache *expirable.LRU[string, []*scheduling.ScheduleTemplate]
}

// NewLRU creates an LRU cache holding at most size entries for ttl each.
func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LRU{cache: expirable.NewLRU[string, []*scheduling.ScheduleTemplate](size, nil, ttl)}
}

func (c *LRU) Get(ctx context.Context, doctorID uuid.UUID, day scheduling.Weekday) ([]*scheduling.ScheduleTemplate, bool) {
	ts, ok := c.cache.Get(key(ctx, doctorID, day))
	if !ok {
		return nil, false
	}
	return cloneTemplates(ts), true
}

func (c *LRU) Set(ctx context.Context, doctorID uuid.UUID, day scheduling.Weekday, templates []*scheduling.ScheduleTemplate) {
	c.cache.Add(key(ctx, doctorID, day), cloneTemplates(templates))
}

func (c *LRU) Invalidate(ctx context.Context, doctorID uuid.UUID, day scheduling.Weekday) {
	c.cache.Remove(key(ctx, doctorID, day))
}

// Len returns the number of live entries.
func (c *LRU) Len() int { return c.cache.Len() }

func cloneTemplates(ts []*scheduling.ScheduleTemplate) []*scheduling.ScheduleTemplate {
	out := make([]*scheduling.ScheduleTemplate, len(ts))
	for i, t := range ts {
		cp := *t
		out[i] = &cp
	}
	return out
}
