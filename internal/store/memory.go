package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"bypassd/internal/apperr"
	"bypassd/internal/model"
)

type claim struct {
	host string
	at   time.Time
}

// Memory is an in-process WorkflowStore. It backs development mode and the
// test suites, and keeps every committed snapshot for history checks.
type Memory struct {
	mu        sync.RWMutex
	byID      map[string]*model.Workflow
	byRequest map[string]string
	claims    map[string]claim
	history   map[string][]*model.Workflow
	keepAll   bool
}

func NewMemory() *Memory {
	return &Memory{
		byID:      make(map[string]*model.Workflow),
		byRequest: make(map[string]string),
		claims:    make(map[string]claim),
		history:   make(map[string][]*model.Workflow),
	}
}

// KeepHistory retains every committed snapshot, for property tests
func (m *Memory) KeepHistory() *Memory {
	m.keepAll = true
	return m
}

func (m *Memory) LoadByID(ctx context.Context, id string) (*model.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.TransientUnavailable, "store unavailable")
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.byID[id]
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, apperr.NotFound, "workflow not found")
	}
	return w.Clone(), nil
}

func (m *Memory) LoadByRequestID(ctx context.Context, requestID string) (*model.Workflow, error) {
	m.mu.RLock()
	id, ok := m.byRequest[requestID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, apperr.NotFound, "workflow not found")
	}
	return m.LoadByID(ctx, id)
}

func (m *Memory) CASUpsert(ctx context.Context, w *model.Workflow) error {
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(err, apperr.TransientUnavailable, "store unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.Version == 1 {
		if _, dup := m.byRequest[w.RequestID]; dup {
			return apperr.ErrAlreadyExists
		}
		if _, dup := m.byID[w.ID]; dup {
			return apperr.ErrAlreadyExists
		}
		m.byRequest[w.RequestID] = w.ID
	} else {
		cur, ok := m.byID[w.ID]
		if !ok {
			return apperr.Wrap(apperr.ErrNotFound, apperr.NotFound, "workflow not found")
		}
		if cur.Version != w.Version-1 {
			return apperr.ErrStaleVersion
		}
	}
	snap := w.Clone()
	m.byID[w.ID] = snap
	delete(m.claims, w.ID)
	if m.keepAll {
		m.history[w.ID] = append(m.history[w.ID], snap.Clone())
	}
	return nil
}

// History returns the committed snapshots of id in commit order
func (m *Memory) History(id string) []*model.Workflow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Workflow, len(m.history[id]))
	for i, w := range m.history[id] {
		out[i] = w.Clone()
	}
	return out
}

// Count is the number of stored workflows
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

func (m *Memory) due(now time.Time) []*model.Workflow {
	var out []*model.Workflow
	for _, w := range m.byID {
		if w.Status == model.StatusPending && w.Timing.TimeoutAt != nil && !w.Timing.TimeoutAt.After(now) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timing.TimeoutAt.Before(*out[j].Timing.TimeoutAt)
	})
	return out
}

func (m *Memory) ListByDeadline(ctx context.Context, now time.Time, limit int) ([]Due, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Due
	for _, w := range m.due(now) {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, Due{ID: w.ID, TimeoutAt: *w.Timing.TimeoutAt})
	}
	return out, nil
}

func (m *Memory) ClaimExpired(ctx context.Context, c Claim) ([]Due, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.TransientUnavailable, "store unavailable")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Due
	for _, w := range m.due(c.Now) {
		if c.Limit > 0 && len(out) >= c.Limit {
			break
		}
		if cl, ok := m.claims[w.ID]; ok && cl.at.After(c.Now.Add(-c.LeaseTTL)) {
			continue
		}
		m.claims[w.ID] = claim{host: c.Host, at: c.Now}
		out = append(out, Due{ID: w.ID, TimeoutAt: *w.Timing.TimeoutAt})
	}
	return out, nil
}

func (m *Memory) ListReminderCandidates(ctx context.Context, now time.Time, window time.Duration, max, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, w := range m.byID {
		if w.Status != model.StatusPending || w.Timing.TimeoutAt == nil {
			continue
		}
		if w.Timing.TimeoutAt.Sub(now) > window {
			continue
		}
		if s := w.ActiveStep(); s == nil || s.RemindersSent >= max {
			continue
		}
		out = append(out, w.ID)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) List(ctx context.Context, tenantID string, f Filter) (Page, error) {
	f = f.Normalize()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*model.Workflow
	for _, w := range m.byID {
		if w.TenantID != tenantID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.Urgency != "" && w.Urgency != f.Urgency {
			continue
		}
		if f.AssignedTo != "" && w.AssignedTo() != f.AssignedTo {
			continue
		}
		matched = append(matched, w)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UpdatedAt.Equal(matched[j].UpdatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})
	page := Page{Total: len(matched), Limit: f.Limit, Offset: f.Offset, Items: []model.WorkflowSummary{}}
	for i := f.Offset; i < len(matched) && len(page.Items) < f.Limit; i++ {
		page.Items = append(page.Items, matched[i].Summary())
	}
	return page, nil
}

func (m *Memory) ListCreatedSince(ctx context.Context, tenantID string, since time.Time) ([]*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Workflow
	for _, w := range m.byID {
		if w.TenantID == tenantID && !w.CreatedAt.Before(since) {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

func (m *Memory) ListUndelivered(ctx context.Context, maxAttempts, limit int) ([]*model.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Workflow
	for _, w := range m.byID {
		for _, rec := range w.Notifications {
			if rec.Retryable(maxAttempts) {
				out = append(out, w.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, w := range m.byID {
		if limit > 0 && n >= limit {
			break
		}
		if w.Status.Terminal() && w.CreatedAt.Before(cutoff) {
			delete(m.byID, id)
			delete(m.byRequest, w.RequestID)
			delete(m.claims, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) AuditLog(ctx context.Context, workflowID string) ([]model.AuditEntry, error) {
	w, err := m.LoadByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return w.Audit, nil
}
