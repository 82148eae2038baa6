package workflow

import (
	"errors"
	"time"

	"bypassd/internal/apperr"
	"bypassd/internal/model"
	"bypassd/internal/policy"
)

// ErrNoChange is returned when a command is already satisfied and nothing
// needs to be committed.
var ErrNoChange = errors.New("workflow: no change")

// Create describes a new workflow
type Create struct {
	ID         string
	Request    model.BypassRequest
	Plan       model.ApprovalPlan
	Escalation model.Escalation
	First      Assignee
}

// New builds version 1 of a workflow from its plan
func New(in Create, env Env) (*model.Workflow, []model.Event) {
	req := in.Request
	w := &model.Workflow{
		ID:              in.ID,
		RequestID:       req.RequestID,
		TenantID:        req.TenantID,
		InitiatorID:     req.InitiatorID,
		Urgency:         in.Plan.Urgency,
		GlobalTimeout:   in.Plan.GlobalTimeout,
		Request:         req,
		TriggeringRules: in.Plan.TriggeringRules,
		CreatedAt:       env.Now,
		Escalation:      in.Escalation,
	}
	w.Escalation.CurrentLevel = 0
	w.Timing.InitiatedAt = env.Now
	w.Timing.GlobalDeadline = env.Now.Add(in.Plan.GlobalTimeout)
	w.Analytics = DeriveAnalytics(in.Plan)

	c := begin(w, env)
	c.audit(ActionCreated, req.InitiatorID, nil, map[string]interface{}{
		"requestId":      req.RequestID,
		"urgency":        string(in.Plan.Urgency),
		"levels":         len(in.Plan.Levels),
		"autoApprove":    in.Plan.AutoApprove,
		"reasonCategory": req.ReasonCategory,
		"rules":          ruleNames(in.Plan.TriggeringRules),
	})

	if in.Plan.AutoApprove {
		w.Steps = []model.Step{{
			Level:           1,
			RequiredRole:    SystemActor,
			Status:          model.StepApproved,
			RequestedAt:     timeRef(env.Now),
			RespondedAt:     timeRef(env.Now),
			RespondedBy:     SystemActor,
			ResponseLatency: durRef(0),
			Notes:           "auto-approved by policy",
			AutoApproved:    true,
		}}
		w.CurrentLevel = 1
		c.audit(ActionAutoApproved, SystemActor, nil, map[string]interface{}{
			"riskScore":       req.RiskScore,
			"financialImpact": req.FinancialImpact,
		})
		c.finishQuiet(model.StatusApproved, "auto_approved")
		return w, c.done()
	}

	w.Status = model.StatusPending
	w.Steps = make([]model.Step, len(in.Plan.Levels))
	for i, l := range in.Plan.Levels {
		w.Steps[i] = model.Step{
			Level:        l.Level,
			RequiredRole: l.RequiredRole,
			Timeout:      l.Timeout,
			Status:       model.StepWaiting,
		}
	}
	c.activate(0, in.First, "assigned")
	return w, c.done()
}

func (c *change) activate(idx int, who Assignee, reason string) {
	w := c.w
	now := c.env.Now
	s := &w.Steps[idx]
	s.Status = model.StepPending
	s.RequestedAt = timeRef(now)
	s.DeadlineAt = timeRef(now.Add(s.Timeout))
	s.AssignedTo = who.UserID
	s.RemindersSent = 0
	s.LastReminderAt = nil
	s.History = append(s.History, model.Assignment{UserID: who.UserID, Reason: reason, At: now})
	w.CurrentLevel = s.Level

	if who.UserID == "" {
		c.audit(ActionApproverNotFound, "", nil, map[string]interface{}{
			"severity":     "warning",
			"level":        s.Level,
			"requiredRole": s.RequiredRole,
		})
	}
	c.audit(ActionApprovalRequested, "", nil, map[string]interface{}{
		"level":        s.Level,
		"requiredRole": s.RequiredRole,
		"assignedTo":   s.AssignedTo,
		"deadlineAt":   s.DeadlineAt.Format(time.RFC3339),
	})
	if c.env.Notify.ImmediateNotification {
		c.notify(model.NotifyApprovalRequested, who.UserID, "", nil)
	}
	c.emit(model.EventApprovalRequested, map[string]interface{}{
		"level":        s.Level,
		"requiredRole": s.RequiredRole,
		"assignedTo":   s.AssignedTo,
		"requestId":    w.RequestID,
	}, model.UserScope(who.UserID), model.RoleScope(w.TenantID, s.RequiredRole), model.TenantScope(w.TenantID))
}

// close marks the workflow terminal and fills the derived timing fields
func (c *change) close(status model.Status, outcome string) {
	w := c.w
	now := c.env.Now
	w.Status = status
	w.Outcome = outcome
	w.Timing.CompletedAt = timeRef(now)
	w.Timing.TotalDuration = durRef(now.Sub(w.Timing.InitiatedAt))
	w.Timing.AverageResponseTime = averageLatency(w.Steps)
	for i := range w.Steps {
		if w.Steps[i].Status == model.StepWaiting {
			w.Steps[i].Status = model.StepSkipped
		}
	}
}

// finishQuiet closes without human notifications (auto-approval)
func (c *change) finishQuiet(status model.Status, outcome string) {
	c.close(status, outcome)
	c.audit(ActionCompleted, SystemActor, nil, map[string]interface{}{"outcome": "approved"})
	c.emit(model.EventCompleted, map[string]interface{}{
		"outcome":      "approved",
		"autoApproved": true,
		"requestId":    c.w.RequestID,
	}, model.UserScope(c.w.InitiatorID), model.TenantScope(c.w.TenantID))
}

// finish closes the workflow and emits its single terminal event. extra
// scopes are added to the event's audience.
func (c *change) finish(status model.Status, outcome, actorID string, actor *model.ActorContext, reason string, extra ...model.Scope) {
	c.close(status, outcome)
	w := c.w
	details := map[string]interface{}{"outcome": outcome}
	if reason != "" {
		details["reason"] = reason
	}
	payload := map[string]interface{}{"requestId": w.RequestID, "outcome": outcome}
	scopes := append([]model.Scope{model.UserScope(w.InitiatorID), model.TenantScope(w.TenantID)}, extra...)

	switch status {
	case model.StatusApproved, model.StatusRejected:
		result := "approved"
		if status == model.StatusRejected {
			result = "rejected"
		}
		details["outcome"] = result
		payload["outcome"] = result
		c.audit(ActionCompleted, actorID, actor, details)
		c.notify(model.NotifyCompleted, w.InitiatorID, result, nil)
		c.emit(model.EventCompleted, payload, scopes...)
	case model.StatusExpired:
		c.audit(ActionExpired, actorID, actor, details)
		c.notify(model.NotifyExpired, w.InitiatorID, outcome, nil)
		c.emit(model.EventExpired, payload, scopes...)
	case model.StatusCancelled:
		c.audit(ActionCancelled, actorID, actor, details)
		c.notify(model.NotifyCancelled, w.InitiatorID, outcome, nil)
		c.emit(model.EventCancelled, payload, scopes...)
	}
}

// Response is an approver's decision on the active step
type Response struct {
	ApproverID string
	Decision   model.Decision
	Notes      string
	Channel    string
	Actor      *model.ActorContext
	// MayClaim lets an eligible approver answer an unassigned step
	MayClaim bool
	// Next is the approver for the following level, if there is one
	Next Assignee
}

// Respond records a decision and advances, approves or rejects
func Respond(w *model.Workflow, r Response, env Env) ([]model.Event, error) {
	if r.Decision != model.DecisionApprove && r.Decision != model.DecisionReject {
		return nil, apperr.Newf(apperr.InvalidInput, "unknown decision %q", r.Decision)
	}
	step, err := requirePending(w)
	if err != nil {
		return nil, err
	}
	if step.AssignedTo != r.ApproverID && !(step.AssignedTo == "" && r.MayClaim) {
		return nil, apperr.New(apperr.Unauthorised, "approver is not assigned to the current step")
	}

	c := begin(w, env)
	now := env.Now
	step.RespondedAt = timeRef(now)
	step.RespondedBy = r.ApproverID
	if step.AssignedTo == "" {
		step.AssignedTo = r.ApproverID
		step.History = append(step.History, model.Assignment{UserID: r.ApproverID, Reason: "claimed", At: now})
	}
	if step.RequestedAt != nil {
		step.ResponseLatency = durRef(now.Sub(*step.RequestedAt))
	}
	step.Notes = r.Notes
	step.ResponseChannel = r.Channel
	step.Actor = r.Actor
	if w.Timing.FirstResponseAt == nil {
		w.Timing.FirstResponseAt = timeRef(now)
	}

	details := map[string]interface{}{
		"level":        step.Level,
		"requiredRole": step.RequiredRole,
		"notes":        r.Notes,
	}
	if r.Decision == model.DecisionReject {
		step.Status = model.StepRejected
		c.audit(ActionRejected, r.ApproverID, r.Actor, details)
		c.finish(model.StatusRejected, "rejected", r.ApproverID, r.Actor, "")
		return c.done(), nil
	}

	step.Status = model.StepApproved
	c.audit(ActionApproved, r.ApproverID, r.Actor, details)
	if next := w.CurrentLevel; next < len(w.Steps) {
		c.activate(next, r.Next, "assigned")
		return c.done(), nil
	}
	c.finish(model.StatusApproved, "approved", r.ApproverID, r.Actor, "")
	return c.done(), nil
}

// Delegation hands the active step to another approver
type Delegation struct {
	FromID string
	ToID   string
	Reason string
	Actor  *model.ActorContext
}

// Delegate reassigns the active step; the deadline is unchanged
func Delegate(w *model.Workflow, d Delegation, env Env) ([]model.Event, error) {
	step, err := requirePending(w)
	if err != nil {
		return nil, err
	}
	if d.ToID == "" {
		return nil, apperr.New(apperr.InvalidInput, "delegatee is required")
	}
	if step.AssignedTo != d.FromID {
		return nil, apperr.New(apperr.Unauthorised, "only the current assignee can delegate")
	}
	if d.ToID == d.FromID {
		return nil, apperr.New(apperr.InvalidInput, "cannot delegate to self")
	}
	if d.ToID == w.InitiatorID {
		return nil, apperr.New(apperr.Unauthorised, "cannot delegate to the initiator")
	}

	c := begin(w, env)
	step.AssignedTo = d.ToID
	step.DelegateeID = d.ToID
	step.History = append(step.History, model.Assignment{UserID: d.ToID, Reason: "delegated", At: env.Now})
	c.audit(ActionDelegated, d.FromID, d.Actor, map[string]interface{}{
		"level":  step.Level,
		"from":   d.FromID,
		"to":     d.ToID,
		"reason": d.Reason,
	})
	c.notify(model.NotifyDelegated, d.ToID, "", nil)
	c.emit(model.EventDelegated, map[string]interface{}{
		"level":      step.Level,
		"from":       d.FromID,
		"assignedTo": d.ToID,
		"reason":     d.Reason,
	}, model.UserScope(d.ToID), model.UserScope(d.FromID), model.TenantScope(w.TenantID))
	return c.done(), nil
}

// Target is the resolved recipient of an escalation
type Target struct {
	Assignee
	Timeout  time.Duration
	Channels []model.Channel
}

// CanEscalate reports whether another escalation level is available
func CanEscalate(w *model.Workflow) bool {
	return w.Status == model.StatusPending && w.Escalation.Enabled &&
		w.Escalation.CurrentLevel < w.Escalation.MaxLevel
}

// NextTarget picks the chain entry for the next level, or the role above
// the active step when the chain runs out. The user id is left to the
// caller to resolve unless the chain names one.
func NextTarget(w *model.Workflow, h *policy.Hierarchy, urgentTimeout time.Duration) Target {
	fallback := urgentTimeout
	if w.GlobalTimeout > 0 && w.GlobalTimeout < fallback {
		fallback = w.GlobalTimeout
	}
	var t Target
	if idx := w.Escalation.CurrentLevel; idx < len(w.Escalation.Chain) {
		entry := w.Escalation.Chain[idx]
		t.UserID = entry.UserID
		t.Role = entry.Role
		t.Timeout = entry.Timeout
		t.Channels = entry.Channels
	}
	if t.Timeout <= 0 {
		t.Timeout = fallback
	}
	if t.Role == "" && t.UserID == "" {
		current := ""
		if s := w.ActiveStep(); s != nil {
			current = s.RequiredRole
		}
		if above, ok := h.Above(current); ok {
			t.Role = above
		} else {
			t.Role = h.Highest()
		}
	}
	return t
}

// Escalate reassigns the active step to t and restarts its deadline
func Escalate(w *model.Workflow, t Target, reason, actorID string, actor *model.ActorContext, env Env) ([]model.Event, error) {
	step, err := requirePending(w)
	if err != nil {
		return nil, err
	}
	if !CanEscalate(w) {
		return nil, apperr.New(apperr.PreconditionFailed, "escalation limit reached")
	}

	c := begin(w, env)
	now := env.Now
	prev := step.AssignedTo
	w.Escalation.CurrentLevel++

	w.Status = model.StatusEscalated
	c.audit(ActionEscalated, actorID, actor, map[string]interface{}{
		"level":            w.Escalation.CurrentLevel,
		"reason":           reason,
		"previousAssignee": prev,
		"assignedTo":       t.UserID,
		"requiredRole":     t.Role,
		"transition":       "Pending>Escalated>Pending",
	})
	w.Status = model.StatusPending

	if t.Role != "" {
		step.RequiredRole = t.Role
	}
	step.EscalationLevel = w.Escalation.CurrentLevel
	step.AssignedTo = t.UserID
	step.Timeout = t.Timeout
	step.RequestedAt = timeRef(now)
	step.DeadlineAt = timeRef(now.Add(t.Timeout))
	step.RemindersSent = 0
	step.LastReminderAt = nil
	step.History = append(step.History, model.Assignment{UserID: t.UserID, Reason: "escalated", At: now})
	if step.DeadlineAt.After(w.Timing.GlobalDeadline) {
		w.Timing.GlobalDeadline = *step.DeadlineAt
	}

	if t.UserID == "" {
		c.audit(ActionApproverNotFound, "", nil, map[string]interface{}{
			"severity":     "warning",
			"level":        step.Level,
			"requiredRole": step.RequiredRole,
		})
	}
	c.notify(model.NotifyEscalated, t.UserID, "", t.Channels)
	if env.Notify.EscalationNotification && w.InitiatorID != t.UserID {
		c.notify(model.NotifyEscalated, w.InitiatorID, "", t.Channels)
	}
	c.emit(model.EventEscalated, map[string]interface{}{
		"level":            w.Escalation.CurrentLevel,
		"reason":           reason,
		"previousAssignee": prev,
		"assignedTo":       t.UserID,
		"requiredRole":     step.RequiredRole,
	}, model.UserScope(t.UserID), model.UserScope(prev), model.RoleScope(w.TenantID, step.RequiredRole), model.TenantScope(w.TenantID))
	return c.done(), nil
}

// IsDue reports whether token still names the workflow's deadline and that
// deadline has passed.
func IsDue(w *model.Workflow, token, now time.Time) bool {
	if w.Status != model.StatusPending || w.Timing.TimeoutAt == nil {
		return false
	}
	at := *w.Timing.TimeoutAt
	return at.Equal(token) && !now.Before(at)
}

// ApplyFinalAction ends a timed-out workflow that cannot escalate further
func ApplyFinalAction(w *model.Workflow, env Env) ([]model.Event, error) {
	step, err := requirePending(w)
	if err != nil {
		return nil, err
	}
	c := begin(w, env)
	step.Status = model.StepExpired
	action := w.Escalation.FinalAction
	if action == "" {
		action = model.FinalManualReview
	}
	c.audit(ActionFinalAction, SystemActor, nil, map[string]interface{}{
		"finalAction":     string(action),
		"level":           step.Level,
		"escalationLevel": w.Escalation.CurrentLevel,
	})
	switch action {
	case model.FinalAutoApprove:
		c.finish(model.StatusApproved, "timeout_auto_approved", SystemActor, nil, "timeout")
	case model.FinalAutoReject:
		c.finish(model.StatusRejected, "timeout_auto_rejected", SystemActor, nil, "timeout")
	default:
		c.finish(model.StatusExpired, "manual_review", SystemActor, nil, "timeout")
	}
	return c.done(), nil
}

// Cancel withdraws a pending workflow
func Cancel(w *model.Workflow, actorID, reason string, actor *model.ActorContext, env Env) ([]model.Event, error) {
	step, err := requirePending(w)
	if err != nil {
		return nil, err
	}
	assignee := step.AssignedTo
	c := begin(w, env)
	step.Status = model.StepSkipped
	var extra []model.Scope
	if assignee != "" {
		extra = append(extra, model.UserScope(assignee))
	}
	c.finish(model.StatusCancelled, "cancelled", actorID, actor, reason, extra...)
	return c.done(), nil
}

// ReminderDue returns the reminder number to send now, if any
func ReminderDue(w *model.Workflow, now time.Time, interval time.Duration, max int) (int, bool) {
	if w.Status != model.StatusPending || w.Timing.TimeoutAt == nil || max <= 0 || interval <= 0 {
		return 0, false
	}
	step := w.ActiveStep()
	if step == nil || step.Status != model.StepPending || step.RemindersSent >= max {
		return 0, false
	}
	if w.Timing.TimeoutAt.Sub(now) > interval || !now.Before(*w.Timing.TimeoutAt) {
		return 0, false
	}
	if step.LastReminderAt != nil && now.Sub(*step.LastReminderAt) < interval/time.Duration(max) {
		return 0, false
	}
	return step.RemindersSent + 1, true
}

// Remind records reminder n; it fails unless n-1 reminders were sent
func Remind(w *model.Workflow, n int, env Env) ([]model.Event, error) {
	step, err := requirePending(w)
	if err != nil {
		return nil, err
	}
	if step.RemindersSent != n-1 {
		return nil, apperr.Newf(apperr.PreconditionFailed, "reminder %d is out of order, %d sent", n, step.RemindersSent)
	}
	c := begin(w, env)
	step.RemindersSent = n
	step.LastReminderAt = timeRef(env.Now)
	c.audit(ActionReminderSent, SystemActor, nil, map[string]interface{}{
		"level":      step.Level,
		"reminder":   n,
		"assignedTo": step.AssignedTo,
	})
	c.notify(model.NotifyApprovalReminder, step.AssignedTo, "", nil)
	c.emit(model.EventApprovalReminder, map[string]interface{}{
		"level":      step.Level,
		"reminder":   n,
		"assignedTo": step.AssignedTo,
		"timeoutAt":  w.Timing.TimeoutAt.Format(time.RFC3339),
	}, model.UserScope(step.AssignedTo), model.RoleScope(w.TenantID, step.RequiredRole))
	return c.done(), nil
}

// Ack records a delivery attempt for notification id
func Ack(w *model.Workflow, id string, r model.Receipt, env Env) ([]model.Event, error) {
	rec := w.Notification(id)
	if rec == nil {
		return nil, apperr.Newf(apperr.NotFound, "notification %s not found", id)
	}
	if rec.Delivered {
		return nil, ErrNoChange
	}
	c := begin(w, env)
	at := r.At
	if at.IsZero() {
		at = env.Now
	}
	rec.Attempts++
	rec.LastAttemptAt = timeRef(at)
	rec.Delivered = r.Delivered
	rec.ProviderMessageID = r.ProviderMessageID
	rec.Error = r.Error
	rec.Exhausted = !r.Delivered && env.Notify.MaxAttempts > 0 && rec.Attempts >= env.Notify.MaxAttempts
	action := ActionNotificationAcked
	if !r.Delivered {
		action = ActionNotificationFailed
	}
	c.audit(action, SystemActor, nil, map[string]interface{}{
		"notificationId":    rec.ID,
		"channel":           string(rec.Channel),
		"recipientId":       rec.RecipientID,
		"attempts":          rec.Attempts,
		"exhausted":         rec.Exhausted,
		"providerMessageId": rec.ProviderMessageID,
	})
	return c.done(), nil
}

// DeriveTimeouts sets timeoutAt to the earliest of the active step deadline
// and the global deadline; it is cleared once the workflow leaves Pending.
func DeriveTimeouts(w *model.Workflow) {
	if w.Status != model.StatusPending {
		w.Timing.TimeoutAt = nil
		return
	}
	step := w.ActiveStep()
	if step == nil || step.DeadlineAt == nil {
		w.Timing.TimeoutAt = timeRef(w.Timing.GlobalDeadline)
		return
	}
	at := *step.DeadlineAt
	if w.Timing.GlobalDeadline.Before(at) {
		at = w.Timing.GlobalDeadline
	}
	w.Timing.TimeoutAt = timeRef(at)
}

// DeriveAnalytics fixes the creation-time analytics of a plan
func DeriveAnalytics(plan model.ApprovalPlan) model.Analytics {
	return model.Analytics{
		Weekday:       plan.Context.Weekday,
		Shift:         plan.Context.Shift,
		BusinessHours: plan.Context.BusinessHours,
		Urgency:       plan.Urgency,
		Complexity:    policy.Complexity(plan),
	}
}

func averageLatency(steps []model.Step) *time.Duration {
	var sum time.Duration
	n := 0
	for _, s := range steps {
		if s.ResponseLatency != nil {
			sum += *s.ResponseLatency
			n++
		}
	}
	if n == 0 {
		return nil
	}
	return durRef(sum / time.Duration(n))
}

func ruleNames(rules []model.TriggeredRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Name
	}
	return out
}
