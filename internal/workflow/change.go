// Package workflow holds the pure transition functions of the approval
// aggregate. Nothing here performs I/O: callers resolve approvers first,
// apply a transition to a private clone, then compare-and-swap the result.
package workflow

import (
	"time"

	"bypassd/internal/apperr"
	"bypassd/internal/model"
)

// Audit actions
const (
	ActionCreated            = "workflow_created"
	ActionAutoApproved       = "auto_approved"
	ActionApprovalRequested  = "approval_requested"
	ActionApproverNotFound   = "approver_not_found"
	ActionApproved           = "approval_granted"
	ActionRejected           = "approval_rejected"
	ActionDelegated          = "approval_delegated"
	ActionEscalated          = "workflow_escalated"
	ActionReminderSent       = "approval_reminder_sent"
	ActionFinalAction        = "timeout_final_action"
	ActionCompleted          = "workflow_completed"
	ActionExpired            = "workflow_expired"
	ActionCancelled          = "workflow_cancelled"
	ActionNotificationAcked  = "notification_delivered"
	ActionNotificationFailed = "notification_failed"
)

// SystemActor is the actor id of scheduler-driven transitions
const SystemActor = "system"

// NotifyConfig decides recipients and channels of notification records
type NotifyConfig struct {
	Channels               []model.Channel
	UrgentChannels         []model.Channel
	ImmediateNotification  bool
	EscalationNotification bool
	// MaxAttempts caps delivery attempts per record; zero means no cap
	MaxAttempts int
}

// Env is everything a transition needs from the outside world
type Env struct {
	Now    time.Time
	NewID  func() string
	Notify NotifyConfig
}

// Assignee is a resolved approver; an empty UserID means nobody was found
type Assignee struct {
	UserID string
	Role   string
}

// change accumulates the side effects of one transition. Opening a change
// bumps the version so every audit entry and notification it writes is
// stamped with the version it commits as.
type change struct {
	w      *model.Workflow
	env    Env
	events []model.Event
}

func begin(w *model.Workflow, env Env) *change {
	w.Version++
	w.UpdatedAt = env.Now
	return &change{w: w, env: env}
}

func (c *change) audit(action, actorID string, actor *model.ActorContext, details map[string]interface{}) {
	if actorID == "" {
		actorID = SystemActor
	}
	c.w.Audit = append(c.w.Audit, model.AuditEntry{
		Sequence:  c.w.Version,
		Action:    action,
		ActorID:   actorID,
		Timestamp: c.env.Now,
		Details:   details,
		Actor:     actor,
	})
}

func (c *change) channels(override []model.Channel) []model.Channel {
	base := c.env.Notify.Channels
	if len(override) > 0 {
		base = override
	}
	out := append([]model.Channel(nil), base...)
	if c.w.Urgency.Rank() >= model.UrgencyCritical.Rank() {
		for _, uc := range c.env.Notify.UrgentChannels {
			if !containsChannel(out, uc) {
				out = append(out, uc)
			}
		}
	}
	return out
}

func (c *change) notify(kind model.NotificationKind, recipient, outcome string, override []model.Channel) {
	if recipient == "" {
		return
	}
	for _, ch := range c.channels(override) {
		c.w.Notifications = append(c.w.Notifications, model.NotificationRecord{
			ID:          c.env.NewID(),
			Sequence:    c.w.Version,
			Kind:        kind,
			Channel:     ch,
			RecipientID: recipient,
			Outcome:     outcome,
			SentAt:      c.env.Now,
		})
	}
}

func (c *change) emit(kind model.EventKind, payload map[string]interface{}, scopes ...model.Scope) {
	seen := make(map[string]bool, len(scopes))
	uniq := make([]model.Scope, 0, len(scopes))
	for _, s := range scopes {
		if s.ID == "" || seen[s.Channel()] {
			continue
		}
		seen[s.Channel()] = true
		uniq = append(uniq, s)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["status"] = string(c.w.Status)
	payload["currentLevel"] = c.w.CurrentLevel
	c.events = append(c.events, model.Event{
		Kind:       kind,
		WorkflowID: c.w.ID,
		TenantID:   c.w.TenantID,
		Version:    c.w.Version,
		Payload:    payload,
		Scopes:     uniq,
		At:         c.env.Now,
	})
}

// done derives timeouts and returns the events to publish after commit
func (c *change) done() []model.Event {
	DeriveTimeouts(c.w)
	return c.events
}

func requirePending(w *model.Workflow) (*model.Step, error) {
	if w.Status != model.StatusPending {
		return nil, apperr.Newf(apperr.PreconditionFailed, "workflow is %s, not Pending", w.Status)
	}
	step := w.ActiveStep()
	if step == nil || step.Status != model.StepPending {
		return nil, apperr.New(apperr.PreconditionFailed, "workflow has no pending step")
	}
	return step, nil
}

func containsChannel(list []model.Channel, ch model.Channel) bool {
	for _, c := range list {
		if c == ch {
			return true
		}
	}
	return false
}

func timeRef(t time.Time) *time.Time { return &t }

func durRef(d time.Duration) *time.Duration { return &d }
