// Package service orchestrates the workflow aggregate: it loads a workflow,
// applies a pure transition to a private copy, compare-and-swaps it into the
// store and then fans out events, notifications and timers.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"bypassd/internal/apperr"
	"bypassd/internal/clock"
	"bypassd/internal/directory"
	"bypassd/internal/metrics"
	"bypassd/internal/model"
	"bypassd/internal/notify"
	"bypassd/internal/policy"
	"bypassd/internal/store"
	"bypassd/internal/workflow"
)

// EventBus publishes committed workflow events to live subscribers
type EventBus interface {
	PublishEvent(ctx context.Context, e model.Event) error
}

// Outbox accepts rendered notifications without blocking
type Outbox interface {
	Offer(msg notify.Message) bool
}

// Actor is the authenticated caller of an operation
type Actor struct {
	UserID   string
	TenantID string
	Role     string
	Context  *model.ActorContext
}

// Options tune the coordinator
type Options struct {
	Notify     workflow.NotifyConfig
	Escalation model.Escalation
	// EscalateRole is the lowest role allowed to escalate by hand
	EscalateRole string
	StaleRetries uint64
	RetryBase    time.Duration
	RetryCap     time.Duration
	RetryMax     uint64
	OpTimeout    time.Duration
}

// DefaultOptions returns the retry and timeout settings used in production
func DefaultOptions() Options {
	return Options{
		Notify: workflow.NotifyConfig{
			Channels:               []model.Channel{model.ChannelEmail},
			UrgentChannels:         []model.Channel{model.ChannelSMS},
			ImmediateNotification:  true,
			EscalationNotification: true,
			MaxAttempts:            5,
		},
		Escalation: model.Escalation{
			Enabled:     true,
			MaxLevel:    1,
			FinalAction: model.FinalManualReview,
		},
		EscalateRole: "supervisor",
		StaleRetries: 3,
		RetryBase:    25 * time.Millisecond,
		RetryCap:     500 * time.Millisecond,
		RetryMax:     3,
		OpTimeout:    5 * time.Second,
	}
}

// Coordinator is the only writer of workflows
type Coordinator struct {
	store   store.WorkflowStore
	policy  atomic.Pointer[policy.Policy]
	finder  *directory.Finder
	bus     EventBus
	outbox  Outbox
	timer   clock.Timer
	clock   clock.Clock
	zones   *clock.Zones
	log     *zap.Logger
	metrics *metrics.Metrics
	opts    Options
	newID   func() string
	order   *emitOrder
}

func NewCoordinator(st store.WorkflowStore, pol *policy.Policy, finder *directory.Finder, bus EventBus, clk clock.Clock, log *zap.Logger, opts Options) *Coordinator {
	c := &Coordinator{
		store:  st,
		finder: finder,
		bus:    bus,
		clock:  clk,
		log:    log,
		opts:   opts,
		newID:  func() string { return ulid.Make().String() },
		order:  newEmitOrder(),
	}
	c.policy.Store(pol)
	return c
}

// SetOutbox sets where new notification records are offered for delivery
func (c *Coordinator) SetOutbox(o Outbox) {
	c.outbox = o
}

// SetTimer sets the precise deadline timer; without one the scheduler poll
// alone drives expiry.
func (c *Coordinator) SetTimer(t clock.Timer) {
	c.timer = t
}

func (c *Coordinator) SetZones(z *clock.Zones) {
	c.zones = z
}

func (c *Coordinator) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// SetPolicy swaps in a new policy for workflows created from now on
func (c *Coordinator) SetPolicy(p *policy.Policy) {
	c.policy.Store(p)
}

func (c *Coordinator) Policy() *policy.Policy {
	return c.policy.Load()
}

func (c *Coordinator) env() workflow.Env {
	return workflow.Env{Now: c.clock.Now(), NewID: c.newID, Notify: c.opts.Notify}
}

func (c *Coordinator) staleBackoff() retry.Backoff {
	return retry.WithMaxRetries(c.opts.StaleRetries, retry.BackoffFunc(func() (time.Duration, bool) {
		return 0, false
	}))
}

func (c *Coordinator) transientBackoff() retry.Backoff {
	base := c.opts.RetryBase
	if base <= 0 {
		base = 25 * time.Millisecond
	}
	b := retry.NewExponential(base)
	if c.opts.RetryCap > 0 {
		b = retry.WithCappedDuration(c.opts.RetryCap, b)
	}
	return retry.WithMaxRetries(c.opts.RetryMax, b)
}

func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.OpTimeout)
}

// read retries transient store failures with capped exponential backoff.
// Writes are not retried this way: a failed commit may still have landed.
func (c *Coordinator) read(ctx context.Context, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, c.transientBackoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && apperr.IsKind(err, apperr.TransientUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	return normalize(err)
}

func normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		var ae *apperr.Error
		if !errors.As(err, &ae) {
			return apperr.Wrap(err, apperr.TransientUnavailable, "operation timed out")
		}
	}
	return err
}

func (c *Coordinator) load(ctx context.Context, id string) (*model.Workflow, error) {
	var w *model.Workflow
	err := c.read(ctx, func(ctx context.Context) error {
		var err error
		w, err = c.store.LoadByID(ctx, id)
		return err
	})
	return w, err
}

type applyFunc func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error)

// mutate runs load, apply, check, CAS, retrying stale versions. It reports
// false when the command was already satisfied and nothing was committed.
func (c *Coordinator) mutate(ctx context.Context, op, id string, apply applyFunc) (*model.Workflow, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		prev, next *model.Workflow
		events     []model.Event
		changed    bool
		slot       *ticket
	)
	err := retry.Do(ctx, c.staleBackoff(), func(ctx context.Context) error {
		cur, err := c.load(ctx, id)
		if err != nil {
			return err
		}
		w := cur.Clone()
		evs, err := apply(ctx, w, c.env())
		if errors.Is(err, workflow.ErrNoChange) {
			prev, next, events, changed = cur, cur, nil, false
			return nil
		}
		if err != nil {
			return err
		}
		if err := c.check(cur, w); err != nil {
			return err
		}
		t := c.order.reserve(w.ID, w.Version)
		if err := c.store.CASUpsert(ctx, w); err != nil {
			c.order.release(t)
			if errors.Is(err, apperr.ErrStaleVersion) {
				c.metrics.CASConflict()
				return retry.RetryableError(err)
			}
			return err
		}
		prev, next, events, changed, slot = cur, w, evs, true, t
		return nil
	})
	if err != nil {
		err = normalize(err)
		c.metrics.Transition(op, apperr.Code(err))
		return nil, false, err
	}
	if !changed {
		c.metrics.Transition(op, "noop")
		return next, false, nil
	}
	c.metrics.Transition(op, "ok")
	c.afterCommit(ctx, op, slot, prev, next, events)
	return next, true, nil
}

// check refuses to commit a snapshot that breaks the workflow invariants
func (c *Coordinator) check(prev, next *model.Workflow) error {
	err := workflow.Check(next)
	if err == nil && prev != nil {
		err = workflow.CheckTransition(prev, next)
	}
	if err != nil {
		c.log.Error("Refusing to commit invalid workflow",
			zap.String("workflow_id", next.ID),
			zap.Int64("version", next.Version),
			zap.Error(err))
		return apperr.Wrap(err, apperr.Internal, "workflow invariant violated")
	}
	return nil
}

// afterCommit emits everything a committed transition produced, after any
// earlier version of the same workflow has been emitted. Failures here never
// undo the transition; undelivered notifications are picked up by the
// recovery loop.
func (c *Coordinator) afterCommit(ctx context.Context, op string, slot *ticket, prev, next *model.Workflow, events []model.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	defer c.order.release(slot)

	if err := c.order.wait(ctx, slot); err != nil {
		c.log.Warn("Emitting out of order after waiting for an earlier version",
			zap.String("workflow_id", next.ID),
			zap.Int64("version", next.Version),
			zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("workflow_id", next.ID),
		zap.String("tenant_id", next.TenantID),
		zap.Int64("version", next.Version),
		zap.String("status", string(next.Status)),
	}
	if op == "ack" {
		c.log.Debug("Workflow updated", append(fields, zap.String("op", op))...)
	} else {
		c.log.Info("Workflow updated", append(fields, zap.String("op", op))...)
	}

	for _, e := range events {
		if err := c.bus.PublishEvent(ctx, e); err != nil {
			c.log.Warn("Failed to publish event",
				zap.String("workflow_id", next.ID),
				zap.String("kind", string(e.Kind)),
				zap.Error(err))
		}
	}

	seen := 0
	if prev != nil {
		seen = len(prev.Notifications)
	}
	if c.outbox != nil {
		for _, rec := range next.Notifications[seen:] {
			c.outbox.Offer(notify.FromRecord(next, rec))
		}
	}

	if c.timer != nil && next.Timing.TimeoutAt != nil {
		if prev == nil || prev.Timing.TimeoutAt == nil || !prev.Timing.TimeoutAt.Equal(*next.Timing.TimeoutAt) {
			if err := c.timer.ScheduleAt(ctx, next.ID, *next.Timing.TimeoutAt); err != nil {
				c.log.Warn("Failed to schedule deadline",
					zap.String("workflow_id", next.ID),
					zap.Time("timeout_at", *next.Timing.TimeoutAt),
					zap.Error(err))
			}
		}
	}

	wasPending := prev != nil && prev.Status == model.StatusPending
	isPending := next.Status == model.StatusPending
	switch {
	case isPending && !wasPending:
		c.metrics.PendingDelta(1)
	case wasPending && !isPending:
		c.metrics.PendingDelta(-1)
	}
}

// visible hides other tenants' workflows behind NotFound
func visible(w *model.Workflow, a Actor) error {
	if a.TenantID != "" && w.TenantID != a.TenantID {
		return apperr.Newf(apperr.NotFound, "workflow %s not found", w.ID)
	}
	return nil
}

func validateRequest(req model.BypassRequest) error {
	switch {
	case req.RequestID == "":
		return apperr.New(apperr.InvalidInput, "requestId is required")
	case req.TenantID == "":
		return apperr.New(apperr.InvalidInput, "tenantId is required")
	case req.InitiatorID == "":
		return apperr.New(apperr.InvalidInput, "initiatorId is required")
	case req.RiskScore < 0 || req.RiskScore > 100:
		return apperr.Newf(apperr.InvalidInput, "riskScore %d out of range 0-100", req.RiskScore)
	case req.FinancialImpact < 0:
		return apperr.New(apperr.InvalidInput, "financialImpact must not be negative")
	}
	if req.UrgencyHint != "" && !validUrgency(req.UrgencyHint) {
		return apperr.Newf(apperr.InvalidInput, "unknown urgency %q", req.UrgencyHint)
	}
	return nil
}

// Submit creates the workflow for req, or returns the existing one when
// requestId was seen before. created reports which happened.
func (c *Coordinator) Submit(ctx context.Context, req model.BypassRequest) (w *model.Workflow, created bool, err error) {
	if err := validateRequest(req); err != nil {
		c.metrics.Transition("create", apperr.Code(err))
		return nil, false, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if existing, err := c.existing(ctx, req); existing != nil || err != nil {
		return existing, false, err
	}

	pol := c.policy.Load()
	env := c.env()
	plan := pol.Plan(req, env.Now, c.zones.For(req.TenantID))

	var first workflow.Assignee
	if !plan.AutoApprove {
		u, err := c.finder.FindApprover(ctx, req.TenantID, plan.Levels[0].RequiredRole, req.InitiatorID)
		if err != nil {
			c.metrics.Transition("create", apperr.Code(err))
			return nil, false, normalize(err)
		}
		if u != nil {
			first = workflow.Assignee{UserID: u.ID, Role: u.Role}
		}
	}

	w, events := workflow.New(workflow.Create{
		ID:         c.newID(),
		Request:    req,
		Plan:       plan,
		Escalation: c.opts.Escalation,
		First:      first,
	}, env)

	if err := c.check(nil, w); err != nil {
		c.metrics.Transition("create", apperr.Code(err))
		return nil, false, err
	}
	slot := c.order.reserve(w.ID, w.Version)
	if err := c.store.CASUpsert(ctx, w); err != nil {
		c.order.release(slot)
		if errors.Is(err, apperr.ErrAlreadyExists) {
			existing, lerr := c.existing(ctx, req)
			if lerr != nil {
				return nil, false, lerr
			}
			if existing != nil {
				return existing, false, nil
			}
		}
		err = normalize(err)
		c.metrics.Transition("create", apperr.Code(err))
		return nil, false, err
	}
	c.metrics.Transition("create", "ok")
	c.afterCommit(ctx, "create", slot, nil, w, events)
	return w, true, nil
}

// existing returns the workflow already filed under req.RequestID, or nil
func (c *Coordinator) existing(ctx context.Context, req model.BypassRequest) (*model.Workflow, error) {
	var w *model.Workflow
	err := c.read(ctx, func(ctx context.Context) error {
		var err error
		w, err = c.store.LoadByRequestID(ctx, req.RequestID)
		return err
	})
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if w.TenantID != req.TenantID {
		return nil, apperr.Newf(apperr.AlreadyExists, "requestId %s is already in use", req.RequestID)
	}
	return w, nil
}

// RespondInput is an approver's decision
type RespondInput struct {
	Decision model.Decision
	Notes    string
	Channel  string
}

func (c *Coordinator) Respond(ctx context.Context, id string, a Actor, in RespondInput) (*model.Workflow, error) {
	w, _, err := c.mutate(ctx, "respond", id, func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error) {
		if err := visible(w, a); err != nil {
			return nil, err
		}
		r := workflow.Response{
			ApproverID: a.UserID,
			Decision:   in.Decision,
			Notes:      in.Notes,
			Channel:    in.Channel,
			Actor:      a.Context,
		}
		step := w.ActiveStep()
		if step == nil || w.Status != model.StatusPending {
			return workflow.Respond(w, r, env)
		}
		h := c.finder.Hierarchy()
		r.MayClaim = step.AssignedTo == "" && a.UserID != w.InitiatorID && a.Role != "" && h.AtLeast(a.Role, step.RequiredRole)
		mayAct := step.AssignedTo == a.UserID || r.MayClaim
		if mayAct && in.Decision == model.DecisionApprove && w.CurrentLevel < len(w.Steps) {
			nextRole := w.Steps[w.CurrentLevel].RequiredRole
			u, err := c.finder.FindApprover(ctx, w.TenantID, nextRole, approvers(w, a.UserID)...)
			if err != nil {
				return nil, err
			}
			if u != nil {
				r.Next = workflow.Assignee{UserID: u.ID, Role: u.Role}
			}
		}
		return workflow.Respond(w, r, env)
	})
	return w, err
}

// approvers lists the initiator and everyone who already decided on w, so
// nobody approves the same bypass twice.
func approvers(w *model.Workflow, current string) []string {
	out := []string{w.InitiatorID, current}
	for _, s := range w.Steps {
		if s.RespondedBy != "" {
			out = append(out, s.RespondedBy)
		}
	}
	return out
}

func (c *Coordinator) Delegate(ctx context.Context, id string, a Actor, toUserID, reason string) (*model.Workflow, error) {
	w, _, err := c.mutate(ctx, "delegate", id, func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error) {
		if err := visible(w, a); err != nil {
			return nil, err
		}
		step := w.ActiveStep()
		if w.Status == model.StatusPending && step != nil && step.AssignedTo == a.UserID &&
			toUserID != "" && toUserID != a.UserID && toUserID != w.InitiatorID {
			if _, err := c.finder.CheckDelegatee(ctx, w.TenantID, toUserID, step.RequiredRole); err != nil {
				return nil, err
			}
		}
		return workflow.Delegate(w, workflow.Delegation{
			FromID: a.UserID,
			ToID:   toUserID,
			Reason: reason,
			Actor:  a.Context,
		}, env)
	})
	return w, err
}

// Escalate moves the active step up the chain on a supervisor's request
func (c *Coordinator) Escalate(ctx context.Context, id string, a Actor, reason string) (*model.Workflow, error) {
	h := c.finder.Hierarchy()
	if c.opts.EscalateRole != "" && !h.AtLeast(a.Role, c.opts.EscalateRole) {
		err := apperr.Newf(apperr.Unauthorised, "escalation requires the %s role", c.opts.EscalateRole)
		c.metrics.Transition("escalate", apperr.Code(err))
		return nil, err
	}
	if reason == "" {
		reason = "manual"
	}
	w, _, err := c.mutate(ctx, "escalate", id, func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error) {
		if err := visible(w, a); err != nil {
			return nil, err
		}
		return c.escalate(ctx, w, reason, a.UserID, a.Context, env)
	})
	return w, err
}

func (c *Coordinator) escalate(ctx context.Context, w *model.Workflow, reason, actorID string, actor *model.ActorContext, env workflow.Env) ([]model.Event, error) {
	var t workflow.Target
	if w.Status == model.StatusPending && workflow.CanEscalate(w) {
		pol := c.policy.Load()
		t = workflow.NextTarget(w, pol.Hierarchy(), pol.Timeouts().Urgent)
		if t.UserID == "" {
			exclude := []string{w.InitiatorID}
			if s := w.ActiveStep(); s != nil && s.AssignedTo != "" {
				exclude = append(exclude, s.AssignedTo)
			}
			u, err := c.finder.FindApprover(ctx, w.TenantID, t.Role, exclude...)
			if err != nil {
				return nil, err
			}
			if u != nil {
				t.UserID = u.ID
			}
		}
	}
	return workflow.Escalate(w, t, reason, actorID, actor, env)
}

// Expire is driven by the scheduler and the deadline timer. token is the
// timeoutAt the caller saw; a changed or future deadline is a no-op.
func (c *Coordinator) Expire(ctx context.Context, id string, token time.Time) (*model.Workflow, bool, error) {
	w, changed, err := c.mutate(ctx, "expire", id, func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error) {
		if !workflow.IsDue(w, token, env.Now) {
			return nil, workflow.ErrNoChange
		}
		if workflow.CanEscalate(w) {
			return c.escalate(ctx, w, "timeout", workflow.SystemActor, nil, env)
		}
		return workflow.ApplyFinalAction(w, env)
	})
	if changed {
		c.metrics.Expired()
	}
	return w, changed, err
}

// Cancel withdraws a pending workflow. The initiator may always cancel;
// anyone else needs at least the active step's role.
func (c *Coordinator) Cancel(ctx context.Context, id string, a Actor, reason string) (*model.Workflow, error) {
	w, _, err := c.mutate(ctx, "cancel", id, func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error) {
		if err := visible(w, a); err != nil {
			return nil, err
		}
		if a.UserID != w.InitiatorID {
			step := w.ActiveStep()
			if step == nil || !c.finder.Hierarchy().AtLeast(a.Role, step.RequiredRole) {
				return nil, apperr.New(apperr.Unauthorised, "only the initiator or an approver may cancel")
			}
		}
		return workflow.Cancel(w, a.UserID, reason, a.Context, env)
	})
	return w, err
}

// Remind records reminder n on the active step
func (c *Coordinator) Remind(ctx context.Context, id string, n int) (*model.Workflow, error) {
	w, changed, err := c.mutate(ctx, "remind", id, func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error) {
		return workflow.Remind(w, n, env)
	})
	if changed {
		c.metrics.Reminder()
	}
	return w, err
}

// AckNotification records a delivery attempt; it implements notify.Acker
func (c *Coordinator) AckNotification(ctx context.Context, workflowID, notificationID string, r model.Receipt) error {
	_, _, err := c.mutate(ctx, "ack", workflowID, func(ctx context.Context, w *model.Workflow, env workflow.Env) ([]model.Event, error) {
		return workflow.Ack(w, notificationID, r, env)
	})
	return err
}

func (c *Coordinator) Get(ctx context.Context, id string, a Actor) (*model.Workflow, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	w, err := c.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := visible(w, a); err != nil {
		return nil, err
	}
	return w, nil
}

func (c *Coordinator) List(ctx context.Context, a Actor, f store.Filter) (store.Page, error) {
	if a.TenantID == "" {
		return store.Page{}, apperr.New(apperr.InvalidInput, "tenant is required")
	}
	if f.Status != "" && !validStatus(f.Status) {
		return store.Page{}, apperr.Newf(apperr.InvalidInput, "unknown status %q", f.Status)
	}
	if f.Urgency != "" && !validUrgency(f.Urgency) {
		return store.Page{}, apperr.Newf(apperr.InvalidInput, "unknown urgency %q", f.Urgency)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var page store.Page
	err := c.read(ctx, func(ctx context.Context) error {
		var err error
		page, err = c.store.List(ctx, a.TenantID, f.Normalize())
		return err
	})
	return page, err
}

func validUrgency(u model.Urgency) bool {
	switch u {
	case model.UrgencyNormal, model.UrgencyHigh, model.UrgencyCritical, model.UrgencyEmergency:
		return true
	}
	return false
}

func validStatus(s model.Status) bool {
	switch s {
	case model.StatusPending, model.StatusApproved, model.StatusRejected,
		model.StatusEscalated, model.StatusExpired, model.StatusCancelled:
		return true
	}
	return false
}

// Audit returns the audit log of a workflow the actor can see
func (c *Coordinator) Audit(ctx context.Context, id string, a Actor) ([]model.AuditEntry, error) {
	if _, err := c.Get(ctx, id, a); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var entries []model.AuditEntry
	err := c.read(ctx, func(ctx context.Context) error {
		var err error
		entries, err = c.store.AuditLog(ctx, id)
		return err
	})
	return entries, err
}

// Stats aggregates the tenant's workflows created within window of now
func (c *Coordinator) Stats(ctx context.Context, tenantID string, window time.Duration) (model.AggregateStats, error) {
	if window <= 0 {
		return model.AggregateStats{}, apperr.New(apperr.InvalidInput, "window must be positive")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var list []*model.Workflow
	err := c.read(ctx, func(ctx context.Context) error {
		var err error
		list, err = c.store.ListCreatedSince(ctx, tenantID, c.clock.Now().Add(-window))
		return err
	})
	if err != nil {
		return model.AggregateStats{}, fmt.Errorf("failed to list workflows: %w", err)
	}
	return Aggregate(list, window), nil
}

// Aggregate folds workflows into stats
func Aggregate(list []*model.Workflow, window time.Duration) model.AggregateStats {
	st := model.AggregateStats{
		ByStatus:  map[model.Status]int{},
		ByUrgency: map[model.Urgency]int{},
		Window:    window,
	}
	var (
		latency, total time.Duration
		nLat, nTotal   int
	)
	for _, w := range list {
		st.Total++
		st.ByStatus[w.Status]++
		st.ByUrgency[w.Urgency]++
		if w.Escalation.CurrentLevel > 0 {
			st.EscalatedCount++
		}
		if w.Status == model.StatusExpired {
			st.ExpiredCount++
		}
		for _, s := range w.Steps {
			if s.AutoApproved {
				st.AutoApproved++
				continue
			}
			if s.ResponseLatency != nil {
				latency += *s.ResponseLatency
				nLat++
			}
		}
		if w.Timing.TotalDuration != nil {
			total += *w.Timing.TotalDuration
			nTotal++
		}
	}
	if nLat > 0 {
		st.AverageResponseTime = latency / time.Duration(nLat)
	}
	if nTotal > 0 {
		st.AverageTotalDuration = total / time.Duration(nTotal)
	}
	return st
}

const retentionBatch = 500

// SweepRetention deletes terminal workflows older than the retention period
func (c *Coordinator) SweepRetention(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := c.clock.Now().Add(-retention)
	deleted := 0
	for {
		n, err := c.store.DeleteTerminalBefore(ctx, cutoff, retentionBatch)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete expired workflows: %w", err)
		}
		deleted += n
		if n < retentionBatch {
			break
		}
	}
	if deleted > 0 {
		c.log.Info("Retention sweep finished", zap.Int("deleted", deleted), zap.Time("cutoff", cutoff))
	}
	return deleted, nil
}
