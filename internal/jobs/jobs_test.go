package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bypassd/internal/clock"
	"bypassd/internal/directory"
	"bypassd/internal/model"
	"bypassd/internal/policy"
	"bypassd/internal/scheduler"
	"bypassd/internal/service"
	"bypassd/internal/store"
)

var t0 = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

type fixture struct {
	coord    *service.Coordinator
	store    *store.Memory
	clock    *clock.Manual
	handlers *Handlers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	h, err := policy.NewHierarchy(policy.DefaultRoles())
	require.NoError(t, err)
	pol, err := policy.New(policy.DefaultConfig(), h)
	require.NoError(t, err)
	dir := directory.NewStatic(
		directory.User{ID: "mgr", TenantID: "h1", Role: "manager", Active: true, LastActiveAt: t0},
		directory.User{ID: "own", TenantID: "h1", Role: "owner", Active: true, LastActiveAt: t0},
	)
	f := &fixture{store: store.NewMemory(), clock: clock.NewManual(t0)}
	f.coord = service.NewCoordinator(f.store, pol, directory.NewFinder(dir, h, "owner"),
		&service.RecordingBus{}, f.clock, zap.NewNop(), service.DefaultOptions())
	sched := scheduler.New(f.coord, f.store, f.clock, scheduler.Config{Host: "test"}, zap.NewNop())
	rec := service.NewRecovery(f.store, nil, f.clock, service.RetryPolicy{Base: time.Second, Cap: time.Minute, MaxAttempts: 3}, zap.NewNop())
	f.handlers = NewHandlers(f.coord, sched, rec, 7*365*24*time.Hour, zap.NewNop())
	return f
}

func (f *fixture) submit(t *testing.T, id string) *model.Workflow {
	t.Helper()
	w, _, err := f.coord.Submit(context.Background(), model.BypassRequest{
		RequestID: id, TenantID: "h1", InitiatorID: "clerk", ReasonCategory: "other",
		FinancialImpact: 1500, RiskScore: 30,
	})
	require.NoError(t, err)
	return w
}

func TestNewExpireTask(t *testing.T) {
	task, err := NewExpireTask("wf-1", t0)
	require.NoError(t, err)
	assert.Equal(t, TypeWorkflowExpire, task.Type())

	var p ExpirePayload
	require.NoError(t, json.Unmarshal(task.Payload(), &p))
	assert.Equal(t, "wf-1", p.WorkflowID)
	assert.True(t, p.Deadline.Equal(t0))
}

func TestHandleExpire(t *testing.T) {
	f := newFixture(t)
	w := f.submit(t, "r-exp")
	ctx := context.Background()

	task, err := NewExpireTask(w.ID, *w.Timing.TimeoutAt)
	require.NoError(t, err)

	// early fire is a noop
	require.NoError(t, f.handlers.handleExpire(ctx, task))
	got, err := f.store.LoadByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Version, got.Version)

	f.clock.Set(*w.Timing.TimeoutAt)
	require.NoError(t, f.handlers.handleExpire(ctx, task))
	got, err = f.store.LoadByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Greater(t, got.Version, w.Version)

	// the same token again does nothing
	version := got.Version
	require.NoError(t, f.handlers.handleExpire(ctx, task))
	got, err = f.store.LoadByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, version, got.Version)
}

func TestHandleExpireUnknownWorkflow(t *testing.T) {
	f := newFixture(t)
	task, err := NewExpireTask("missing", t0)
	require.NoError(t, err)
	assert.NoError(t, f.handlers.handleExpire(context.Background(), task))
}

func TestHandleExpireBadPayload(t *testing.T) {
	f := newFixture(t)
	err := f.handlers.handleExpire(context.Background(), asynq.NewTask(TypeWorkflowExpire, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleTickAndSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.submit(t, "r-tick")

	f.clock.Set(w.Timing.TimeoutAt.Add(time.Second))
	require.NoError(t, f.handlers.handleTick(ctx, asynq.NewTask(TypeSchedulerTick, nil)))
	got, err := f.store.LoadByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Escalation.CurrentLevel)

	_, err = f.coord.Cancel(ctx, w.ID, service.Actor{UserID: "clerk", TenantID: "h1"}, "withdrawn")
	require.NoError(t, err)

	require.NoError(t, f.handlers.handleSweep(ctx, asynq.NewTask(TypeRetentionSweep, nil)))
	_, err = f.store.LoadByID(ctx, w.ID)
	require.NoError(t, err, "inside retention")

	f.clock.Set(t0.Add(8 * 365 * 24 * time.Hour))
	require.NoError(t, f.handlers.handleSweep(ctx, asynq.NewTask(TypeRetentionSweep, nil)))
	_, err = f.store.LoadByID(ctx, w.ID)
	assert.Error(t, err)
}

func TestTimerAgainstRedis(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: addr})
	defer client.Close()

	timer := NewTimer(client)
	deadline := time.Now().Add(time.Hour)
	id := "wf-timer-" + deadline.Format("150405.000000000")
	require.NoError(t, timer.ScheduleAt(context.Background(), id, deadline))
	// duplicate deadlines collapse onto the same task id
	require.NoError(t, timer.ScheduleAt(context.Background(), id, deadline))

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: addr})
	defer inspector.Close()
	require.NoError(t, inspector.DeleteTask("critical", fmt.Sprintf("expire:%s:%d", id, deadline.UnixNano())))
}
