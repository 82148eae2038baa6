package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bypassd/internal/apperr"
	"bypassd/internal/directory"
	"bypassd/internal/model"
	"bypassd/internal/store"
)

var now = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

func setupPool(t *testing.T) *Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	require.NoError(t, Migrate(url, "up"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := NewPool(ctx, url, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "TRUNCATE workflows, workflow_audit, staff_users CASCADE")
	require.NoError(t, err)
	return pool
}

func pendingWorkflow(id, requestID string, timeoutAt time.Time) *model.Workflow {
	return &model.Workflow{
		ID:           id,
		RequestID:    requestID,
		TenantID:     "h1",
		Version:      1,
		Status:       model.StatusPending,
		CurrentLevel: 1,
		Urgency:      model.UrgencyNormal,
		Steps:        []model.Step{{Level: 1, RequiredRole: "manager", Status: model.StepPending, AssignedTo: "mgr"}},
		Timing:       model.Timing{TimeoutAt: &timeoutAt},
		Audit: []model.AuditEntry{
			{Sequence: 1, Action: "workflow_created", ActorID: "clerk", Timestamp: now},
			{Sequence: 1, Action: "approver_assigned", ActorID: "system", Timestamp: now, Details: map[string]interface{}{"assignee": "mgr"}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkflowStoreCAS(t *testing.T) {
	s := NewWorkflowStore(setupPool(t))
	ctx := context.Background()

	w := pendingWorkflow("wf-1", "req-1", now.Add(time.Hour))
	require.NoError(t, s.CASUpsert(ctx, w))

	err := s.CASUpsert(ctx, pendingWorkflow("wf-2", "req-1", now))
	assert.True(t, errors.Is(err, apperr.ErrAlreadyExists))

	next := w.Clone()
	next.Version = 2
	next.Status = model.StatusApproved
	next.Audit = append(next.Audit, model.AuditEntry{
		Sequence: 2, Action: "approved", ActorID: "mgr", Timestamp: now.Add(time.Minute),
		Actor: &model.ActorContext{IPAddress: "10.0.0.1"},
	})
	require.NoError(t, s.CASUpsert(ctx, next))

	stale := w.Clone()
	stale.Version = 2
	assert.Equal(t, apperr.StaleVersion, apperr.KindOf(s.CASUpsert(ctx, stale)))

	missing := pendingWorkflow("wf-x", "req-x", now)
	missing.Version = 4
	assert.Equal(t, apperr.NotFound, apperr.KindOf(s.CASUpsert(ctx, missing)))

	loaded, err := s.LoadByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.Equal(t, model.StatusApproved, loaded.Status)

	audit, err := s.AuditLog(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, audit, 3)
	assert.Equal(t, "workflow_created", audit[0].Action)
	assert.Equal(t, "approved", audit[2].Action)
	require.NotNil(t, audit[2].Actor)
	assert.Equal(t, "10.0.0.1", audit[2].Actor.IPAddress)

	_, err = s.LoadByID(ctx, "nope")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	_, err = s.AuditLog(ctx, "nope")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestWorkflowStoreClaimLease(t *testing.T) {
	s := NewWorkflowStore(setupPool(t))
	ctx := context.Background()
	require.NoError(t, s.CASUpsert(ctx, pendingWorkflow("wf-1", "req-1", now.Add(-time.Minute))))
	require.NoError(t, s.CASUpsert(ctx, pendingWorkflow("wf-2", "req-2", now.Add(time.Minute))))

	claim := store.Claim{Host: "a", Now: now, LeaseTTL: time.Minute, Limit: 10}
	due, err := s.ClaimExpired(ctx, claim)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "wf-1", due[0].ID)

	claim.Host = "b"
	due, err = s.ClaimExpired(ctx, claim)
	require.NoError(t, err)
	assert.Empty(t, due, "lease held by a")

	claim.Now = now.Add(2 * time.Minute)
	due, err = s.ClaimExpired(ctx, claim)
	require.NoError(t, err)
	assert.Len(t, due, 2)

	listed, err := s.ListByDeadline(ctx, now, 0)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestWorkflowStoreQueries(t *testing.T) {
	s := NewWorkflowStore(setupPool(t))
	ctx := context.Background()

	a := pendingWorkflow("wf-a", "req-a", now.Add(10*time.Minute))
	b := pendingWorkflow("wf-b", "req-b", now.Add(2*time.Hour))
	b.UpdatedAt = now.Add(time.Second)
	c := pendingWorkflow("wf-c", "req-c", now.Add(5*time.Minute))
	c.Steps[0].RemindersSent = 2
	c.Notifications = []model.NotificationRecord{{ID: "n1", Channel: model.ChannelEmail}}
	for _, w := range []*model.Workflow{a, b, c} {
		require.NoError(t, s.CASUpsert(ctx, w))
	}

	ids, err := s.ListReminderCandidates(ctx, now, 15*time.Minute, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"wf-a"}, ids)

	page, err := s.List(ctx, "h1", store.Filter{Status: model.StatusPending, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "wf-b", page.Items[0].ID)

	page, err = s.List(ctx, "h2", store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	undelivered, err := s.ListUndelivered(ctx, 3, 10)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, "wf-c", undelivered[0].ID)

	spent := pendingWorkflow("wf-d", "req-d", now.Add(time.Hour))
	spent.CreatedAt = now.Add(-time.Hour)
	spent.UpdatedAt = now.Add(-time.Minute)
	spent.Notifications = []model.NotificationRecord{{ID: "n2", Channel: model.ChannelSMS, Attempts: 3}}
	require.NoError(t, s.CASUpsert(ctx, spent))
	undelivered, err = s.ListUndelivered(ctx, 3, 1)
	require.NoError(t, err)
	require.Len(t, undelivered, 1)
	assert.Equal(t, "wf-c", undelivered[0].ID, "spent records do not take the batch")

	since, err := s.ListCreatedSince(ctx, "h1", now)
	require.NoError(t, err)
	assert.Len(t, since, 3)

	done := a.Clone()
	done.Version = 2
	done.Status = model.StatusCancelled
	require.NoError(t, s.CASUpsert(ctx, done))

	n, err := s.DeleteTerminalBefore(ctx, now.Add(time.Hour), 500)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.LoadByID(ctx, "wf-a")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestDirectory(t *testing.T) {
	d := NewDirectory(setupPool(t))
	ctx := context.Background()

	require.NoError(t, d.Upsert(ctx, directory.User{ID: "mgr", TenantID: "h1", Role: "manager", Active: true, LastActiveAt: now, Email: "mgr@example.com"}))
	require.NoError(t, d.Upsert(ctx, directory.User{ID: "old", TenantID: "h1", Role: "manager", Active: false, LastActiveAt: now}))

	u, err := d.Get(ctx, "h1", "mgr")
	require.NoError(t, err)
	assert.Equal(t, "mgr@example.com", u.Email)
	assert.Empty(t, u.Phone)

	_, err = d.Get(ctx, "h2", "mgr")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	users, err := d.ListActive(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "mgr", users[0].ID)
}
