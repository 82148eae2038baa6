package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bypassd/internal/apperr"
	"bypassd/internal/clock"
	"bypassd/internal/directory"
	"bypassd/internal/model"
	"bypassd/internal/notify"
	"bypassd/internal/policy"
	"bypassd/internal/store"
	"bypassd/internal/workflow"
)

var t0 = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

type captureOutbox struct {
	mu   sync.Mutex
	msgs []notify.Message
	full bool
}

func (o *captureOutbox) Offer(m notify.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.full {
		return false
	}
	o.msgs = append(o.msgs, m)
	return true
}

func (o *captureOutbox) To(recipient string) []notify.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []notify.Message
	for _, m := range o.msgs {
		if m.RecipientID == recipient {
			out = append(out, m)
		}
	}
	return out
}

func (o *captureOutbox) reset() {
	o.mu.Lock()
	o.msgs = nil
	o.mu.Unlock()
}

type recordingTimer struct {
	mu  sync.Mutex
	set map[string]time.Time
}

func (r *recordingTimer) ScheduleAt(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set == nil {
		r.set = map[string]time.Time{}
	}
	r.set[id] = at
	return nil
}

type harness struct {
	coord  *Coordinator
	store  *store.Memory
	clock  *clock.Manual
	bus    *RecordingBus
	outbox *captureOutbox
	timer  *recordingTimer
	dir    *directory.Static
}

func staff() []directory.User {
	return []directory.User{
		{ID: "clerk", TenantID: "h1", Role: "clerk", Active: true, LastActiveAt: t0},
		{ID: "mgr", TenantID: "h1", Role: "manager", Active: true, LastActiveAt: t0},
		{ID: "sup", TenantID: "h1", Role: "supervisor", Active: true, LastActiveAt: t0},
		{ID: "dir", TenantID: "h1", Role: "director", Active: true, LastActiveAt: t0},
		{ID: "own", TenantID: "h1", Role: "owner", Active: true, LastActiveAt: t0},
		{ID: "mgr2", TenantID: "h2", Role: "manager", Active: true, LastActiveAt: t0},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h, err := policy.NewHierarchy(policy.DefaultRoles())
	require.NoError(t, err)
	pol, err := policy.New(policy.DefaultConfig(), h)
	require.NoError(t, err)

	hs := &harness{
		store:  store.NewMemory().KeepHistory(),
		clock:  clock.NewManual(t0),
		bus:    &RecordingBus{},
		outbox: &captureOutbox{},
		timer:  &recordingTimer{},
		dir:    directory.NewStatic(staff()...),
	}
	opts := DefaultOptions()
	opts.RetryBase = time.Millisecond
	opts.RetryCap = 2 * time.Millisecond
	hs.coord = NewCoordinator(hs.store, pol, directory.NewFinder(hs.dir, h, "owner"), hs.bus, hs.clock, zap.NewNop(), opts)
	hs.coord.SetOutbox(hs.outbox)
	hs.coord.SetTimer(hs.timer)
	return hs
}

func request(id string, financial float64, risk int) model.BypassRequest {
	return model.BypassRequest{
		RequestID:       id,
		TenantID:        "h1",
		InitiatorID:     "clerk",
		ReasonCategory:  "other",
		Reason:          "guest dispute",
		FinancialImpact: financial,
		RiskScore:       risk,
	}
}

func actor(id, role string) Actor {
	return Actor{UserID: id, TenantID: "h1", Role: role, Context: &model.ActorContext{IPAddress: "10.0.0.1"}}
}

// verifyHistory checks every committed snapshot and every step between them
func verifyHistory(t *testing.T, st *store.Memory, id string) {
	t.Helper()
	history := st.History(id)
	require.NotEmpty(t, history)
	for i, w := range history {
		require.NoError(t, workflow.Check(w), "version %d", w.Version)
		if i > 0 {
			require.NoError(t, workflow.CheckTransition(history[i-1], w), "version %d", w.Version)
		}
	}
}

func terminalEvents(kinds []model.EventKind) int {
	n := 0
	for _, k := range kinds {
		switch k {
		case model.EventCompleted, model.EventExpired, model.EventCancelled:
			n++
		}
	}
	return n
}

func TestLowRiskAutoApproval(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	w, created, err := hs.coord.Submit(ctx, request("r-auto", 50, 15))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusApproved, w.Status)
	require.Len(t, w.Steps, 1)
	assert.True(t, w.Steps[0].AutoApproved)
	assert.Equal(t, []model.EventKind{model.EventCompleted}, hs.bus.Kinds(w.ID))
	assert.Empty(t, hs.outbox.msgs, "auto-approval notifies nobody")
	assert.Empty(t, hs.timer.set)
	verifyHistory(t, hs.store, w.ID)
}

func TestTwoLevelFinancialApproval(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	w, _, err := hs.coord.Submit(ctx, request("r-fin", 6000, 30))
	require.NoError(t, err)
	require.Len(t, w.Steps, 2)
	assert.Equal(t, "manager", w.Steps[0].RequiredRole)
	assert.Equal(t, 60*time.Minute, w.Steps[0].Timeout)
	assert.Equal(t, "director", w.Steps[1].RequiredRole)
	assert.Equal(t, 30*time.Minute, w.Steps[1].Timeout)
	assert.Equal(t, "mgr", w.Steps[0].AssignedTo)
	assert.Len(t, hs.outbox.To("mgr"), 1)
	assert.Equal(t, t0.Add(30*time.Minute), hs.timer.set[w.ID])

	hs.clock.Advance(10 * time.Minute)
	w, err = hs.coord.Respond(ctx, w.ID, actor("mgr", "manager"), RespondInput{Decision: model.DecisionApprove, Notes: "ok"})
	require.NoError(t, err)
	assert.Equal(t, 2, w.CurrentLevel)
	assert.Equal(t, "dir", w.Steps[1].AssignedTo)
	require.Len(t, hs.outbox.To("dir"), 1)
	assert.Equal(t, model.NotifyApprovalRequested, hs.outbox.To("dir")[0].Kind)

	hs.clock.Advance(10 * time.Minute)
	w, err = hs.coord.Respond(ctx, w.ID, actor("dir", "director"), RespondInput{Decision: model.DecisionApprove})
	require.NoError(t, err)
	assert.Equal(t, model.StatusApproved, w.Status)
	require.NotNil(t, w.Timing.AverageResponseTime)
	assert.Equal(t, 10*time.Minute, *w.Timing.AverageResponseTime)
	assert.Nil(t, w.Timing.TimeoutAt)

	assert.Equal(t, 1, terminalEvents(hs.bus.Kinds(w.ID)))
	verifyHistory(t, hs.store, w.ID)
}

func TestTimeoutEscalationThenExpiry(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	req := request("r-crit", 0, 30)
	req.SecurityFlags = []model.SecurityFlag{{Kind: "blacklist", Severity: model.SeverityCritical}}
	w, _, err := hs.coord.Submit(ctx, req)
	require.NoError(t, err)
	require.Len(t, w.Steps, 1)
	require.Equal(t, model.UrgencyCritical, w.Urgency)
	require.Equal(t, 15*time.Minute, w.GlobalTimeout)
	token := *w.Timing.TimeoutAt
	assert.Equal(t, t0.Add(15*time.Minute), token)

	hs.clock.Advance(14 * time.Minute)
	_, changed, err := hs.coord.Expire(ctx, w.ID, token)
	require.NoError(t, err)
	assert.False(t, changed, "deadline not reached")

	hs.clock.Set(t0.Add(15 * time.Minute))
	w, changed, err = hs.coord.Expire(ctx, w.ID, token)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, model.StatusPending, w.Status)
	assert.Equal(t, 1, w.Escalation.CurrentLevel)
	assert.Equal(t, "owner", w.Steps[0].RequiredRole)
	assert.Equal(t, "own", w.Steps[0].AssignedTo)
	assert.Equal(t, t0.Add(30*time.Minute), *w.Timing.TimeoutAt)

	_, changed, err = hs.coord.Expire(ctx, w.ID, token)
	require.NoError(t, err)
	assert.False(t, changed, "stale token is ignored")

	hs.clock.Set(t0.Add(30 * time.Minute))
	w, changed, err = hs.coord.Expire(ctx, w.ID, *w.Timing.TimeoutAt)
	require.NoError(t, err)
	require.True(t, changed)
	assert.Equal(t, model.StatusExpired, w.Status)
	assert.Equal(t, "manual_review", w.Outcome)

	kinds := hs.bus.Kinds(w.ID)
	assert.Contains(t, kinds, model.EventEscalated)
	assert.Equal(t, model.EventExpired, kinds[len(kinds)-1])
	assert.Equal(t, 1, terminalEvents(kinds))
	verifyHistory(t, hs.store, w.ID)
}

func TestDelegationKeepsDeadline(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	w, _, err := hs.coord.Submit(ctx, request("r-del", 1500, 30))
	require.NoError(t, err)
	require.Equal(t, t0.Add(60*time.Minute), *w.Timing.TimeoutAt)
	hs.outbox.reset()

	hs.clock.Advance(5 * time.Minute)
	w, err = hs.coord.Delegate(ctx, w.ID, actor("mgr", "manager"), "sup", "off shift")
	require.NoError(t, err)
	assert.Equal(t, "sup", w.Steps[0].AssignedTo)
	assert.Equal(t, t0.Add(60*time.Minute), *w.Timing.TimeoutAt)
	assert.Equal(t, workflow.ActionDelegated, w.Audit[len(w.Audit)-1].Action)

	require.NotEmpty(t, hs.outbox.msgs)
	for _, m := range hs.outbox.msgs {
		assert.Equal(t, "sup", m.RecipientID)
	}

	_, err = hs.coord.Respond(ctx, w.ID, actor("mgr", "manager"), RespondInput{Decision: model.DecisionApprove})
	assert.True(t, apperr.IsKind(err, apperr.Unauthorised), "former assignee lost the step")
	verifyHistory(t, hs.store, w.ID)
}

func TestDelegateChecksDelegatee(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	w, _, err := hs.coord.Submit(ctx, request("r-del2", 6000, 30))
	require.NoError(t, err)

	_, err = hs.coord.Delegate(ctx, w.ID, actor("mgr", "manager"), "ghost", "")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	_, err = hs.coord.Delegate(ctx, w.ID, actor("mgr", "manager"), "mgr2", "")
	assert.True(t, apperr.IsKind(err, apperr.NotFound), "other tenant")

	_, err = hs.coord.Delegate(ctx, w.ID, actor("mgr", "manager"), "clerk", "")
	assert.True(t, apperr.IsKind(err, apperr.Unauthorised))
}

func TestRejectionShortCircuits(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	w, _, err := hs.coord.Submit(ctx, request("r-rej", 6000, 30))
	require.NoError(t, err)

	hs.clock.Advance(3 * time.Minute)
	w, err = hs.coord.Respond(ctx, w.ID, actor("mgr", "manager"), RespondInput{Decision: model.DecisionReject, Notes: "no"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejected, w.Status)
	assert.Equal(t, 1, w.CurrentLevel)
	assert.NotNil(t, w.Timing.CompletedAt)
	assert.Equal(t, model.StepSkipped, w.Steps[1].Status)
	assert.Empty(t, hs.outbox.To("dir"))

	events := hs.bus.For(w.ID)
	last := events[len(events)-1]
	assert.Equal(t, model.EventCompleted, last.Kind)
	assert.Equal(t, "rejected", last.Payload["outcome"])

	_, err = hs.coord.Respond(ctx, w.ID, actor("dir", "director"), RespondInput{Decision: model.DecisionApprove})
	assert.True(t, apperr.IsKind(err, apperr.PreconditionFailed))
}

func TestIdempotentSubmissionUnderRace(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, _, err := hs.coord.Submit(ctx, request("r-race", 6000, 30))
			if assert.NoError(t, err) {
				ids[i] = w.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, hs.store.Count())

	entries, err := hs.coord.Audit(ctx, ids[0], actor("mgr", "manager"))
	require.NoError(t, err)
	created := 0
	for _, e := range entries {
		if e.Action == workflow.ActionCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestSubmitReturnsExisting(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()

	first, created, err := hs.coord.Submit(ctx, request("r-dup", 6000, 30))
	require.NoError(t, err)
	require.True(t, created)
	second, created, err := hs.coord.Submit(ctx, request("r-dup", 6000, 30))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other := request("r-dup", 6000, 30)
	other.TenantID = "h2"
	_, _, err = hs.coord.Submit(ctx, other)
	assert.True(t, apperr.IsKind(err, apperr.AlreadyExists))
}

func TestSubmitValidates(t *testing.T) {
	hs := newHarness(t)
	bad := request("", 10, 10)
	_, _, err := hs.coord.Submit(context.Background(), bad)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	bad = request("r-x", 10, 120)
	_, _, err = hs.coord.Submit(context.Background(), bad)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	bad = request("r-y", 10, 10)
	bad.UrgencyHint = "whenever"
	_, _, err = hs.coord.Submit(context.Background(), bad)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestTenantIsolation(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	w, _, err := hs.coord.Submit(ctx, request("r-iso", 6000, 30))
	require.NoError(t, err)

	outsider := Actor{UserID: "mgr2", TenantID: "h2", Role: "manager"}
	_, err = hs.coord.Get(ctx, w.ID, outsider)
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	_, err = hs.coord.Cancel(ctx, w.ID, outsider, "")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	page, err := hs.coord.List(ctx, outsider, store.Filter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestManualEscalationNeedsRank(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	w, _, err := hs.coord.Submit(ctx, request("r-esc", 6000, 30))
	require.NoError(t, err)

	_, err = hs.coord.Escalate(ctx, w.ID, actor("mgr", "manager"), "stuck")
	assert.True(t, apperr.IsKind(err, apperr.Unauthorised))

	w, err = hs.coord.Escalate(ctx, w.ID, actor("sup", "supervisor"), "stuck")
	require.NoError(t, err)
	assert.Equal(t, "supervisor", w.Steps[0].RequiredRole)
	assert.Equal(t, "sup", w.Steps[0].AssignedTo)

	_, err = hs.coord.Escalate(ctx, w.ID, actor("sup", "supervisor"), "again")
	assert.True(t, apperr.IsKind(err, apperr.PreconditionFailed), "max level reached")
}

func TestCancelPermissions(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	w, _, err := hs.coord.Submit(ctx, request("r-can", 6000, 30))
	require.NoError(t, err)

	_, err = hs.coord.Cancel(ctx, w.ID, Actor{UserID: "bell", TenantID: "h1", Role: "clerk"}, "")
	assert.True(t, apperr.IsKind(err, apperr.Unauthorised))

	w, err = hs.coord.Cancel(ctx, w.ID, actor("clerk", "clerk"), "guest paid")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, w.Status)

	_, err = hs.coord.Cancel(ctx, w.ID, actor("clerk", "clerk"), "again")
	assert.True(t, apperr.IsKind(err, apperr.PreconditionFailed))
	assert.Equal(t, 1, terminalEvents(hs.bus.Kinds(w.ID)))
}

func TestConcurrentCommandsKeepInvariants(t *testing.T) {
	for round := 0; round < 10; round++ {
		hs := newHarness(t)
		ctx := context.Background()
		w, _, err := hs.coord.Submit(ctx, request("r-p1", 6000, 30))
		require.NoError(t, err)
		token := *w.Timing.TimeoutAt
		hs.clock.Set(token)

		var wg sync.WaitGroup
		run := func(f func()) {
			wg.Add(1)
			go func() {
				defer wg.Done()
				f()
			}()
		}
		run(func() {
			_, _ = hs.coord.Respond(ctx, w.ID, actor("mgr", "manager"), RespondInput{Decision: model.DecisionApprove})
		})
		run(func() {
			_, _ = hs.coord.Delegate(ctx, w.ID, actor("mgr", "manager"), "sup", "busy")
		})
		run(func() {
			_, _ = hs.coord.Escalate(ctx, w.ID, actor("dir", "director"), "slow")
		})
		run(func() {
			_, _, _ = hs.coord.Expire(ctx, w.ID, token)
		})
		run(func() {
			_, _ = hs.coord.Respond(ctx, w.ID, actor("mgr", "manager"), RespondInput{Decision: model.DecisionReject})
		})
		run(func() {
			_, _ = hs.coord.Cancel(ctx, w.ID, actor("clerk", "clerk"), "withdrawn")
		})
		wg.Wait()

		verifyHistory(t, hs.store, w.ID)
		final, err := hs.coord.Get(ctx, w.ID, actor("mgr", "manager"))
		require.NoError(t, err)
		if final.Status.Terminal() {
			assert.Equal(t, 1, terminalEvents(hs.bus.Kinds(w.ID)), "round %d", round)
		} else {
			assert.Zero(t, terminalEvents(hs.bus.Kinds(w.ID)), "round %d", round)
		}
		for _, e := range hs.bus.For(w.ID) {
			assert.LessOrEqual(t, e.Version, final.Version)
		}
	}
}

func TestNotificationsFollowAudit(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	w, _, err := hs.coord.Submit(ctx, request("r-p8", 6000, 30))
	require.NoError(t, err)
	_, err = hs.coord.Respond(ctx, w.ID, actor("mgr", "manager"), RespondInput{Decision: model.DecisionApprove})
	require.NoError(t, err)
	w, err = hs.coord.Respond(ctx, w.ID, actor("dir", "director"), RespondInput{Decision: model.DecisionApprove})
	require.NoError(t, err)

	var last int64
	for _, n := range w.Notifications {
		assert.GreaterOrEqual(t, n.Sequence, last)
		last = n.Sequence
		found := false
		for _, a := range w.Audit {
			if a.Sequence == n.Sequence {
				found = true
			}
		}
		assert.True(t, found, "notification %s has no audit entry", n.ID)
	}

	var lastEvent int64
	for _, e := range hs.bus.For(w.ID) {
		assert.GreaterOrEqual(t, e.Version, lastEvent)
		lastEvent = e.Version
	}
}

func TestAckNotification(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	w, _, err := hs.coord.Submit(ctx, request("r-ack", 6000, 30))
	require.NoError(t, err)
	rec := w.Notifications[0]

	require.NoError(t, hs.coord.AckNotification(ctx, w.ID, rec.ID, model.Receipt{Delivered: true, ProviderMessageID: "p-1"}))
	require.NoError(t, hs.coord.AckNotification(ctx, w.ID, rec.ID, model.Receipt{Delivered: true, ProviderMessageID: "p-2"}), "repeat ack is a no-op")

	w, err = hs.coord.Get(ctx, w.ID, actor("mgr", "manager"))
	require.NoError(t, err)
	got := w.Notification(rec.ID)
	assert.True(t, got.Delivered)
	assert.Equal(t, "p-1", got.ProviderMessageID)
	assert.Equal(t, 1, got.Attempts)

	err = hs.coord.AckNotification(ctx, w.ID, "missing", model.Receipt{})
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestRemindIsOrdered(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	w, _, err := hs.coord.Submit(ctx, request("r-rem", 6000, 30))
	require.NoError(t, err)

	_, err = hs.coord.Remind(ctx, w.ID, 2)
	assert.True(t, apperr.IsKind(err, apperr.PreconditionFailed))

	w, err = hs.coord.Remind(ctx, w.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, w.Steps[0].RemindersSent)
	assert.Len(t, hs.outbox.To("mgr"), 2)
}

func TestStats(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	_, _, err := hs.coord.Submit(ctx, request("s-1", 50, 10))
	require.NoError(t, err)
	w, _, err := hs.coord.Submit(ctx, request("s-2", 6000, 30))
	require.NoError(t, err)
	hs.clock.Advance(20 * time.Minute)
	_, err = hs.coord.Respond(ctx, w.ID, actor("mgr", "manager"), RespondInput{Decision: model.DecisionReject})
	require.NoError(t, err)

	st, err := hs.coord.Stats(ctx, "h1", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.AutoApproved)
	assert.Equal(t, 1, st.ByStatus[model.StatusApproved])
	assert.Equal(t, 1, st.ByStatus[model.StatusRejected])
	assert.Equal(t, 20*time.Minute, st.AverageResponseTime)

	_, err = hs.coord.Stats(ctx, "h1", 0)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestSweepRetention(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	_, _, err := hs.coord.Submit(ctx, request("old", 50, 10))
	require.NoError(t, err)
	_, _, err = hs.coord.Submit(ctx, request("open", 6000, 30))
	require.NoError(t, err)

	hs.clock.Advance(8 * 365 * 24 * time.Hour)
	n, err := hs.coord.SweepRetention(ctx, 7*365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "pending workflows are kept")
	assert.Equal(t, 1, hs.store.Count())
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	hs := newHarness(t)
	hs.bus.Err = assert.AnError
	w, created, err := hs.coord.Submit(context.Background(), request("r-bus", 6000, 30))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.StatusPending, w.Status)
}

// gatedBus holds the first publish of one version until release is closed
type gatedBus struct {
	RecordingBus
	version int64
	reached chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *gatedBus) PublishEvent(ctx context.Context, e model.Event) error {
	if e.Version == b.version {
		b.once.Do(func() {
			close(b.reached)
			<-b.release
		})
	}
	return b.RecordingBus.PublishEvent(ctx, e)
}

func TestEventsFollowCommitOrder(t *testing.T) {
	hs := newHarness(t)
	bus := &gatedBus{version: 2, reached: make(chan struct{}), release: make(chan struct{})}
	hs.coord = NewCoordinator(hs.store, hs.coord.Policy(), hs.coord.finder, bus, hs.clock, zap.NewNop(), hs.coord.opts)
	hs.coord.SetOutbox(hs.outbox)
	ctx := context.Background()

	w, _, err := hs.coord.Submit(ctx, request("r-order", 6000, 30))
	require.NoError(t, err)

	first := make(chan error, 1)
	go func() {
		_, err := hs.coord.Respond(ctx, w.ID, actor("mgr", "manager"), RespondInput{Decision: model.DecisionApprove})
		first <- err
	}()
	<-bus.reached

	second := make(chan error, 1)
	go func() {
		_, err := hs.coord.Respond(ctx, w.ID, actor("dir", "director"), RespondInput{Decision: model.DecisionApprove})
		second <- err
	}()

	require.Eventually(t, func() bool {
		cur, err := hs.store.LoadByID(ctx, w.ID)
		return err == nil && cur.Version == 3
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	for _, e := range bus.For(w.ID) {
		assert.Less(t, e.Version, int64(2), "nothing after version 1 may go out while version 2 is held")
	}

	close(bus.release)
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	events := bus.For(w.ID)
	require.NotEmpty(t, events)
	assert.True(t, sort.SliceIsSorted(events, func(i, j int) bool { return events[i].Version < events[j].Version }))
	assert.Equal(t, model.EventCompleted, events[len(events)-1].Kind)
	assert.Zero(t, hs.coord.order.size())
}

func TestCommitRejectsBrokenInvariants(t *testing.T) {
	hs := newHarness(t)
	ctx := context.Background()
	w, _, err := hs.coord.Submit(ctx, request("r-broken", 6000, 30))
	require.NoError(t, err)

	_, _, err = hs.coord.mutate(ctx, "respond", w.ID, func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error) {
		w.Version++
		w.Audit = nil
		return nil, nil
	})
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))

	cur, err := hs.store.LoadByID(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cur.Version)
	assert.Zero(t, hs.coord.order.size())
}
