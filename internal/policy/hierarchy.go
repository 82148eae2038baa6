package policy

import (
	"fmt"
	"strings"
)

// Hierarchy is the ordered list of approver roles, lowest rank first
type Hierarchy struct {
	order []string
	ranks map[string]int
}

func NewHierarchy(roles []string) (*Hierarchy, error) {
	if len(roles) == 0 {
		return nil, fmt.Errorf("role hierarchy is empty")
	}
	h := &Hierarchy{order: make([]string, 0, len(roles)), ranks: make(map[string]int, len(roles))}
	for _, r := range roles {
		r = strings.TrimSpace(r)
		if r == "" {
			return nil, fmt.Errorf("role hierarchy contains an empty role")
		}
		if _, dup := h.ranks[r]; dup {
			return nil, fmt.Errorf("role %q appears twice in hierarchy", r)
		}
		h.order = append(h.order, r)
		h.ranks[r] = len(h.order)
	}
	return h, nil
}

// Rank is 1-based; unknown roles rank 0
func (h *Hierarchy) Rank(role string) int {
	return h.ranks[role]
}

func (h *Hierarchy) Known(role string) bool {
	_, ok := h.ranks[role]
	return ok
}

// AtLeast reports whether role ranks at or above min
func (h *Hierarchy) AtLeast(role, min string) bool {
	r := h.Rank(role)
	return r > 0 && r >= h.Rank(min)
}

// Above returns the role directly above role, if any
func (h *Hierarchy) Above(role string) (string, bool) {
	r := h.Rank(role)
	if r == 0 || r >= len(h.order) {
		return "", false
	}
	return h.order[r], true
}

// From returns role and every role above it, in rank order
func (h *Hierarchy) From(role string) []string {
	r := h.Rank(role)
	if r == 0 {
		return nil
	}
	return append([]string(nil), h.order[r-1:]...)
}

func (h *Hierarchy) Roles() []string {
	return append([]string(nil), h.order...)
}

// Highest is the top role of the hierarchy
func (h *Hierarchy) Highest() string {
	return h.order[len(h.order)-1]
}
