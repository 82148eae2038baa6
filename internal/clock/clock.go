package clock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Clock is the only source of "now" for the engine
type Clock interface {
	Now() time.Time
}

// Real reads the system clock in UTC
type Real struct{}

func (Real) Now() time.Time { return time.Now().UTC() }

// Manual is a settable clock for tests and replays
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

// Timer arranges for an expiry attempt at deadline. The deadline doubles as
// the token: a fire whose token no longer matches timeoutAt is ignored.
type Timer interface {
	ScheduleAt(ctx context.Context, workflowID string, deadline time.Time) error
}

// Zones resolves the local timezone of a tenant
type Zones struct {
	def     *time.Location
	tenants map[string]*time.Location
}

func NewZones(defaultZone string, tenants map[string]string) (*Zones, error) {
	def := time.UTC
	if defaultZone != "" {
		loc, err := time.LoadLocation(defaultZone)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %q: %w", defaultZone, err)
		}
		def = loc
	}
	z := &Zones{def: def, tenants: make(map[string]*time.Location, len(tenants))}
	for tenant, name := range tenants {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("failed to load timezone %q for tenant %s: %w", name, tenant, err)
		}
		z.tenants[strings.ToLower(tenant)] = loc
	}
	return z, nil
}

// For returns the tenant's zone, falling back to the default. Tenant ids
// match case-insensitively since config keys arrive lowercased.
func (z *Zones) For(tenantID string) *time.Location {
	if z == nil {
		return time.UTC
	}
	if loc, ok := z.tenants[strings.ToLower(tenantID)]; ok {
		return loc
	}
	return z.def
}
