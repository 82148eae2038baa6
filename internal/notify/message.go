// Package notify delivers notification records to people over their
// channels. Delivery is at-least-once; receivers dedupe on the message id.
package notify

import (
	"context"
	"fmt"
	"time"

	"bypassd/internal/model"
)

// Message is one notification ready for a sink
type Message struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	TenantID    string                 `json:"tenantId"`
	RequestID   string                 `json:"requestId"`
	Kind        model.NotificationKind `json:"kind"`
	Channel     model.Channel          `json:"channel"`
	RecipientID string                 `json:"recipientId"`
	Urgency     model.Urgency          `json:"urgency"`
	Outcome     string                 `json:"outcome,omitempty"`
	Subject     string                 `json:"subject"`
	Body        string                 `json:"body"`
	CreatedAt   time.Time              `json:"createdAt"`
}

// Sink sends a message over one or more channels
type Sink interface {
	Send(ctx context.Context, msg Message) (model.Receipt, error)
}

// Acker records the outcome of a delivery attempt on the owning workflow
type Acker interface {
	AckNotification(ctx context.Context, workflowID, notificationID string, r model.Receipt) error
}

// FromRecord renders the message for a record of w
func FromRecord(w *model.Workflow, rec model.NotificationRecord) Message {
	subject, body := render(w, rec)
	return Message{
		ID:          rec.ID,
		WorkflowID:  w.ID,
		TenantID:    w.TenantID,
		RequestID:   w.RequestID,
		Kind:        rec.Kind,
		Channel:     rec.Channel,
		RecipientID: rec.RecipientID,
		Urgency:     w.Urgency,
		Outcome:     rec.Outcome,
		Subject:     subject,
		Body:        body,
		CreatedAt:   rec.SentAt,
	}
}

func render(w *model.Workflow, rec model.NotificationRecord) (string, string) {
	category := w.Request.ReasonCategory
	if category == "" {
		category = "bypass"
	}
	level, role := w.CurrentLevel, ""
	if s := w.ActiveStep(); s != nil {
		role = s.RequiredRole
	}
	switch rec.Kind {
	case model.NotifyApprovalRequested:
		return fmt.Sprintf("[%s] Approval needed: %s", w.Urgency, category),
			fmt.Sprintf("Request %s needs %s approval at level %d. Reason: %s", w.RequestID, role, level, w.Request.Reason)
	case model.NotifyApprovalReminder:
		return fmt.Sprintf("[%s] Reminder: approval pending for %s", w.Urgency, category),
			fmt.Sprintf("Request %s is still waiting for your decision at level %d.", w.RequestID, level)
	case model.NotifyEscalated:
		return fmt.Sprintf("[%s] Escalated: %s", w.Urgency, category),
			fmt.Sprintf("Request %s was escalated to %s (escalation level %d).", w.RequestID, role, w.Escalation.CurrentLevel)
	case model.NotifyDelegated:
		return fmt.Sprintf("Approval delegated to you: %s", category),
			fmt.Sprintf("Request %s was delegated to you at level %d.", w.RequestID, level)
	case model.NotifyCompleted:
		return fmt.Sprintf("Bypass %s: %s", rec.Outcome, category),
			fmt.Sprintf("Request %s was %s.", w.RequestID, rec.Outcome)
	case model.NotifyExpired:
		return fmt.Sprintf("Bypass expired: %s", category),
			fmt.Sprintf("Request %s timed out and needs manual review.", w.RequestID)
	case model.NotifyCancelled:
		return fmt.Sprintf("Bypass cancelled: %s", category),
			fmt.Sprintf("Request %s was cancelled.", w.RequestID)
	default:
		return string(rec.Kind), fmt.Sprintf("Request %s: %s", w.RequestID, rec.Kind)
	}
}
