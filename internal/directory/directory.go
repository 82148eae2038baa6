// Package directory resolves hotel staff who can act as approvers.
package directory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bypassd/internal/apperr"
	"bypassd/internal/policy"
)

// User is a staff member of a tenant
type User struct {
	ID           string    `json:"id" mapstructure:"id"`
	TenantID     string    `json:"tenantId" mapstructure:"tenant_id"`
	Role         string    `json:"role" mapstructure:"role"`
	Active       bool      `json:"active" mapstructure:"active"`
	LastActiveAt time.Time `json:"lastActiveAt" mapstructure:"last_active_at"`
	Email        string    `json:"email,omitempty" mapstructure:"email"`
	Phone        string    `json:"phone,omitempty" mapstructure:"phone"`
	Name         string    `json:"name,omitempty" mapstructure:"name"`
}

// Directory is the read side of the staff registry
type Directory interface {
	// Get returns a NotFound error for unknown users
	Get(ctx context.Context, tenantID, userID string) (*User, error)
	// ListActive returns the active users of a tenant
	ListActive(ctx context.Context, tenantID string) ([]User, error)
}

// Finder picks approvers by role rank
type Finder struct {
	dir       Directory
	hierarchy *policy.Hierarchy
	fallback  string
}

func NewFinder(dir Directory, h *policy.Hierarchy, adminFallbackRole string) *Finder {
	return &Finder{dir: dir, hierarchy: h, fallback: adminFallbackRole}
}

// Hierarchy returns the role order the finder ranks by
func (f *Finder) Hierarchy() *policy.Hierarchy { return f.hierarchy }

// FindApprover returns the best active user for role, or nil when nobody
// qualifies. Users in exclude are never chosen.
func (f *Finder) FindApprover(ctx context.Context, tenantID, role string, exclude ...string) (*User, error) {
	users, err := f.dir.ListActive(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvers: %w", err)
	}
	return Select(users, role, f.hierarchy, f.fallback, exclude), nil
}

// Select searches the exact role first, then each higher rank, then the
// fallback role; within a role the most recently active user wins.
func Select(users []User, role string, h *policy.Hierarchy, fallback string, exclude []string) *User {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	byRole := make(map[string][]User)
	for _, u := range users {
		if !u.Active || skip[u.ID] {
			continue
		}
		byRole[u.Role] = append(byRole[u.Role], u)
	}
	pick := func(r string) *User {
		candidates := byRole[r]
		if len(candidates) == 0 {
			return nil
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			if candidates[i].LastActiveAt.Equal(candidates[j].LastActiveAt) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].LastActiveAt.After(candidates[j].LastActiveAt)
		})
		u := candidates[0]
		return &u
	}
	for _, r := range h.From(role) {
		if u := pick(r); u != nil {
			return u
		}
	}
	if fallback != "" {
		return pick(fallback)
	}
	return nil
}

// CheckDelegatee verifies that userID may take over a step needing role
func (f *Finder) CheckDelegatee(ctx context.Context, tenantID, userID, role string) (*User, error) {
	u, err := f.dir.Get(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}
	if !u.Active || u.TenantID != tenantID {
		return nil, apperr.Newf(apperr.NotFound, "user %s not found", userID)
	}
	if !f.hierarchy.AtLeast(u.Role, role) {
		return nil, apperr.Newf(apperr.Unauthorised, "user %s lacks the %s role", userID, role)
	}
	return u, nil
}

// Static is an in-memory directory seeded from configuration
type Static struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewStatic(users ...User) *Static {
	s := &Static{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.Put(u)
	}
	return s
}

func key(tenantID, userID string) string {
	return tenantID + "/" + userID
}

// Put adds or replaces a user
func (s *Static) Put(u User) {
	s.mu.Lock()
	s.users[key(u.TenantID, u.ID)] = u
	s.mu.Unlock()
}

func (s *Static) Get(ctx context.Context, tenantID, userID string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[key(tenantID, userID)]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "user %s not found", userID)
	}
	return &u, nil
}

func (s *Static) ListActive(ctx context.Context, tenantID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := tenantID + "/"
	var out []User
	for k, u := range s.users {
		if strings.HasPrefix(k, prefix) && u.Active {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
