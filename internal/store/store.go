// Package store defines the workflow persistence contract. Implementations
// treat the workflow as an opaque document guarded by a version number.
package store

import (
	"context"
	"time"

	"bypassd/internal/model"
)

// Filter narrows List queries
type Filter struct {
	Status     model.Status
	AssignedTo string
	Urgency    model.Urgency
	Limit      int
	Offset     int
}

// Page of workflow summaries
type Page struct {
	Items  []model.WorkflowSummary `json:"items"`
	Total  int                     `json:"total"`
	Limit  int                     `json:"limit"`
	Offset int                     `json:"offset"`
}

// Due is a pending workflow whose deadline has passed
type Due struct {
	ID        string
	TimeoutAt time.Time
}

// Claim identifies a scheduler replica taking a batch of due workflows
type Claim struct {
	Host     string
	Now      time.Time
	LeaseTTL time.Duration
	Limit    int
}

// WorkflowStore persists workflows with compare-and-swap on version.
type WorkflowStore interface {
	LoadByID(ctx context.Context, id string) (*model.Workflow, error)
	LoadByRequestID(ctx context.Context, requestID string) (*model.Workflow, error)

	// CASUpsert inserts when w.Version == 1 (ErrAlreadyExists on a
	// duplicate requestId) and otherwise updates only if the stored version
	// is w.Version-1 (ErrStaleVersion). Audit entries stamped w.Version are
	// written in the same transaction.
	CASUpsert(ctx context.Context, w *model.Workflow) error

	// ListByDeadline returns pending workflows with timeoutAt <= now
	ListByDeadline(ctx context.Context, now time.Time, limit int) ([]Due, error)
	// ClaimExpired is ListByDeadline with a lease so replicas do not
	// process the same workflow within one lease.
	ClaimExpired(ctx context.Context, c Claim) ([]Due, error)
	// ListReminderCandidates returns pending workflows whose timeoutAt falls
	// within window of now and whose active step has fewer than max reminders.
	ListReminderCandidates(ctx context.Context, now time.Time, window time.Duration, max, limit int) ([]string, error)

	// List pages through a tenant's workflows, newest update first. An empty
	// status matches every status.
	List(ctx context.Context, tenantID string, f Filter) (Page, error)
	ListCreatedSince(ctx context.Context, tenantID string, since time.Time) ([]*model.Workflow, error)
	ListUndelivered(ctx context.Context, maxAttempts, limit int) ([]*model.Workflow, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// AuditLog is the read side of the audit sink
	AuditLog(ctx context.Context, workflowID string) ([]model.AuditEntry, error)
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Normalize clamps pagination
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit > MaxLimit {
		f.Limit = MaxLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
