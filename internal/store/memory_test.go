package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bypassd/internal/apperr"
	"bypassd/internal/model"
)

var now = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

func pendingWorkflow(id, requestID string, timeoutAt time.Time) *model.Workflow {
	return &model.Workflow{
		ID:           id,
		RequestID:    requestID,
		TenantID:     "h1",
		Version:      1,
		Status:       model.StatusPending,
		CurrentLevel: 1,
		Steps:        []model.Step{{Level: 1, RequiredRole: "manager", Status: model.StepPending, AssignedTo: "mgr"}},
		Timing:       model.Timing{TimeoutAt: &timeoutAt},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestMemoryCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemory().KeepHistory()

	w := pendingWorkflow("wf-1", "req-1", now.Add(time.Hour))
	require.NoError(t, m.CASUpsert(ctx, w))

	dup := pendingWorkflow("wf-2", "req-1", now.Add(time.Hour))
	err := m.CASUpsert(ctx, dup)
	assert.True(t, errors.Is(err, apperr.ErrAlreadyExists))

	next := w.Clone()
	next.Version = 2
	require.NoError(t, m.CASUpsert(ctx, next))

	stale := w.Clone()
	stale.Version = 2
	err = m.CASUpsert(ctx, stale)
	assert.Equal(t, apperr.StaleVersion, apperr.KindOf(err))

	loaded, err := m.LoadByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loaded.Version)
	assert.Len(t, m.History("wf-1"), 2)

	_, err = m.LoadByID(ctx, "nope")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestMemoryLoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CASUpsert(ctx, pendingWorkflow("wf-1", "req-1", now)))

	a, err := m.LoadByID(ctx, "wf-1")
	require.NoError(t, err)
	a.Steps[0].AssignedTo = "mutated"

	b, err := m.LoadByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "mgr", b.Steps[0].AssignedTo)
}

func TestMemoryClaimLease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CASUpsert(ctx, pendingWorkflow("wf-1", "req-1", now.Add(-time.Minute))))
	require.NoError(t, m.CASUpsert(ctx, pendingWorkflow("wf-2", "req-2", now.Add(time.Minute))))

	first, err := m.ClaimExpired(ctx, Claim{Host: "a", Now: now, LeaseTTL: 30 * time.Second, Limit: 10})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "wf-1", first[0].ID)

	second, err := m.ClaimExpired(ctx, Claim{Host: "b", Now: now.Add(10 * time.Second), LeaseTTL: 30 * time.Second, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, second, "lease still held by a")

	third, err := m.ClaimExpired(ctx, Claim{Host: "b", Now: now.Add(31 * time.Second), LeaseTTL: 30 * time.Second, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, third, 1)

	due, err := m.ListByDeadline(ctx, now, 0)
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestMemoryListFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, id := range []string{"a", "b", "c"} {
		w := pendingWorkflow(id, "req-"+id, now)
		w.UpdatedAt = now.Add(time.Duration(i) * time.Minute)
		if id == "c" {
			w.Status = model.StatusApproved
		}
		require.NoError(t, m.CASUpsert(ctx, w))
	}
	other := pendingWorkflow("z", "req-z", now)
	other.TenantID = "h2"
	require.NoError(t, m.CASUpsert(ctx, other))

	page, err := m.List(ctx, "h1", Filter{Status: model.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, "b", page.Items[0].ID)

	page, err = m.List(ctx, "h1", Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b", page.Items[0].ID)

	page, err = m.List(ctx, "h1", Filter{AssignedTo: "mgr", Limit: 500})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, page.Limit)
	assert.Equal(t, 2, page.Total)
}

func TestMemoryDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	done := pendingWorkflow("old", "req-old", now)
	done.Status = model.StatusRejected
	require.NoError(t, m.CASUpsert(ctx, done))
	require.NoError(t, m.CASUpsert(ctx, pendingWorkflow("live", "req-live", now)))

	n, err := m.DeleteTerminalBefore(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.Count())
}

func TestMemoryListUndeliveredSkipsSpentRecords(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	spent := pendingWorkflow("wf-spent", "req-spent", now.Add(time.Hour))
	spent.Notifications = []model.NotificationRecord{{ID: "n1", Channel: model.ChannelEmail, Attempts: 3}}
	dead := pendingWorkflow("wf-dead", "req-dead", now.Add(time.Hour))
	dead.UpdatedAt = now.Add(time.Second)
	dead.Notifications = []model.NotificationRecord{{ID: "n2", Channel: model.ChannelSMS, Attempts: 1, Exhausted: true}}
	fresh := pendingWorkflow("wf-fresh", "req-fresh", now.Add(time.Hour))
	fresh.UpdatedAt = now.Add(2 * time.Second)
	fresh.Notifications = []model.NotificationRecord{
		{ID: "n3", Channel: model.ChannelEmail, Delivered: true, Attempts: 1},
		{ID: "n4", Channel: model.ChannelEmail},
	}
	newer := pendingWorkflow("wf-newer", "req-newer", now.Add(time.Hour))
	newer.UpdatedAt = now.Add(3 * time.Second)
	newer.Notifications = []model.NotificationRecord{{ID: "n5", Channel: model.ChannelEmail, Attempts: 1}}
	for _, w := range []*model.Workflow{spent, dead, fresh, newer} {
		require.NoError(t, m.CASUpsert(ctx, w))
	}

	got, err := m.ListUndelivered(ctx, 3, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-fresh", got[0].ID, "spent and exhausted workflows must not fill the batch")

	got, err = m.ListUndelivered(ctx, 3, 10)
	require.NoError(t, err)
	var ids []string
	for _, w := range got {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"wf-fresh", "wf-newer"}, ids)

	got, err = m.ListUndelivered(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, got, 3, "no cap keeps the spent record but never the exhausted one")
}
