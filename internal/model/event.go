package model

import (
	"fmt"
	"time"
)

// EventKind names a domain event
type EventKind string

const (
	EventApprovalRequested EventKind = "approval.requested"
	EventApprovalReminder  EventKind = "approval.reminder"
	EventEscalated         EventKind = "workflow.escalated"
	EventDelegated         EventKind = "workflow.delegated"
	EventCompleted         EventKind = "workflow.completed"
	EventExpired           EventKind = "workflow.expired"
	EventCancelled         EventKind = "workflow.cancelled"
)

// ScopeKind is the audience type of an event channel
type ScopeKind string

const (
	ScopeUser   ScopeKind = "user"
	ScopeTenant ScopeKind = "tenant"
	ScopeRole   ScopeKind = "role"
)

// Scope addresses a set of subscribers
type Scope struct {
	Kind     ScopeKind `json:"kind"`
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId,omitempty"`
}

func UserScope(userID string) Scope { return Scope{Kind: ScopeUser, ID: userID} }

func TenantScope(tenantID string) Scope {
	return Scope{Kind: ScopeTenant, ID: tenantID, TenantID: tenantID}
}

func RoleScope(tenantID, role string) Scope {
	return Scope{Kind: ScopeRole, ID: role, TenantID: tenantID}
}

// Channel is the pubsub/websocket channel name for the scope
func (s Scope) Channel() string {
	switch s.Kind {
	case ScopeRole:
		return fmt.Sprintf("role:%s:%s", s.TenantID, s.ID)
	case ScopeTenant:
		return "tenant:" + s.ID
	default:
		return "user:" + s.ID
	}
}

// Event is published after a transition commits
type Event struct {
	Kind       EventKind              `json:"kind"`
	WorkflowID string                 `json:"workflowId"`
	TenantID   string                 `json:"tenantId"`
	Version    int64                  `json:"version"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Scopes     []Scope                `json:"scopes"`
	At         time.Time              `json:"at"`
}

// Envelope is the wire form pushed to subscribers of one channel
func (e Event) Envelope(channel string) map[string]interface{} {
	return map[string]interface{}{
		"type":       string(e.Kind),
		"channel":    channel,
		"workflowId": e.WorkflowID,
		"tenantId":   e.TenantID,
		"version":    e.Version,
		"payload":    e.Payload,
		"at":         e.At.Format(time.RFC3339Nano),
	}
}
