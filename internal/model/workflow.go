package model

import "time"

// Status of a workflow
type Status string

const (
	StatusPending   Status = "Pending"
	StatusApproved  Status = "Approved"
	StatusRejected  Status = "Rejected"
	StatusEscalated Status = "Escalated"
	StatusExpired   Status = "Expired"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	switch s {
	case StatusApproved, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// StepStatus of an approval step
type StepStatus string

const (
	StepWaiting   StepStatus = "Waiting"
	StepPending   StepStatus = "Pending"
	StepApproved  StepStatus = "Approved"
	StepRejected  StepStatus = "Rejected"
	StepEscalated StepStatus = "Escalated"
	StepExpired   StepStatus = "Expired"
	StepSkipped   StepStatus = "Skipped"
	StepDelegated StepStatus = "Delegated"
)

// Decision an approver makes on a step
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Channel a notification is sent over
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelChat    Channel = "chat"
	ChannelWebhook Channel = "webhook"
)

// FinalAction applied when a workflow times out with no escalation left
type FinalAction string

const (
	FinalAutoApprove  FinalAction = "auto_approve"
	FinalAutoReject   FinalAction = "auto_reject"
	FinalManualReview FinalAction = "manual_review"
)

// ActorContext captures who performed an action and from where
type ActorContext struct {
	IPAddress string `json:"ipAddress,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Role      string `json:"role,omitempty"`
}

// Assignment is one entry of a step's assignment history
type Assignment struct {
	UserID string    `json:"userId,omitempty"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Step is one level of a workflow
type Step struct {
	Level           int            `json:"level"`
	RequiredRole    string         `json:"requiredRole"`
	Timeout         time.Duration  `json:"timeout"`
	AssignedTo      string         `json:"assignedTo,omitempty"`
	Status          StepStatus     `json:"status"`
	RequestedAt     *time.Time     `json:"requestedAt,omitempty"`
	DeadlineAt      *time.Time     `json:"deadlineAt,omitempty"`
	RespondedAt     *time.Time     `json:"respondedAt,omitempty"`
	RespondedBy     string         `json:"respondedBy,omitempty"`
	ResponseLatency *time.Duration `json:"responseLatency,omitempty"`
	ResponseChannel string         `json:"responseChannel,omitempty"`
	Notes           string         `json:"notes,omitempty"`
	DelegateeID     string         `json:"delegateeId,omitempty"`
	Actor           *ActorContext  `json:"actor,omitempty"`
	RemindersSent   int            `json:"remindersSent"`
	LastReminderAt  *time.Time     `json:"lastReminderAt,omitempty"`
	EscalationLevel int            `json:"escalationLevel"`
	AutoApproved    bool           `json:"autoApproved,omitempty"`
	History         []Assignment   `json:"history,omitempty"`
}

// EscalationTarget describes who handles escalation level n (chain[n-1])
type EscalationTarget struct {
	Role     string        `json:"role,omitempty" mapstructure:"role"`
	UserID   string        `json:"userId,omitempty" mapstructure:"user_id"`
	Timeout  time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
	Channels []Channel     `json:"channels,omitempty" mapstructure:"channels"`
}

// Escalation tracks escalation progress of a workflow
type Escalation struct {
	Enabled      bool               `json:"enabled"`
	CurrentLevel int                `json:"currentLevel"`
	MaxLevel     int                `json:"maxLevel"`
	Chain        []EscalationTarget `json:"chain,omitempty"`
	FinalAction  FinalAction        `json:"finalAction"`
}

// Timing holds the clock facts of a workflow
type Timing struct {
	InitiatedAt         time.Time      `json:"initiatedAt"`
	FirstResponseAt     *time.Time     `json:"firstResponseAt,omitempty"`
	CompletedAt         *time.Time     `json:"completedAt,omitempty"`
	GlobalDeadline      time.Time      `json:"globalDeadline"`
	TimeoutAt           *time.Time     `json:"timeoutAt,omitempty"`
	TotalDuration       *time.Duration `json:"totalDuration,omitempty"`
	AverageResponseTime *time.Duration `json:"averageResponseTime,omitempty"`
}

// NotificationKind of a notification record
type NotificationKind string

const (
	NotifyApprovalRequested NotificationKind = "approval_requested"
	NotifyApprovalReminder  NotificationKind = "approval_reminder"
	NotifyEscalated         NotificationKind = "workflow_escalated"
	NotifyCompleted         NotificationKind = "workflow_completed"
	NotifyDelegated         NotificationKind = "approval_delegated"
	NotifyExpired           NotificationKind = "workflow_expired"
	NotifyCancelled         NotificationKind = "workflow_cancelled"
)

// NotificationRecord is appended inside the transition that caused it and
// acknowledged later by the dispatcher.
type NotificationRecord struct {
	ID                string           `json:"id"`
	Sequence          int64            `json:"sequence"`
	Kind              NotificationKind `json:"kind"`
	Channel           Channel          `json:"channel"`
	RecipientID       string           `json:"recipientId"`
	Outcome           string           `json:"outcome,omitempty"`
	SentAt            time.Time        `json:"sentAt"`
	Delivered         bool             `json:"delivered"`
	Opened            bool             `json:"opened,omitempty"`
	Responded         bool             `json:"responded,omitempty"`
	ProviderMessageID string           `json:"providerMessageId,omitempty"`
	Error             string           `json:"error,omitempty"`
	Attempts          int              `json:"attempts"`
	LastAttemptAt     *time.Time       `json:"lastAttemptAt,omitempty"`
	// Exhausted is set once the last allowed attempt has failed
	Exhausted bool `json:"exhausted,omitempty"`
}

// Receipt reports the result of one delivery attempt
type Receipt struct {
	Delivered         bool      `json:"delivered"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	Error             string    `json:"error,omitempty"`
	At                time.Time `json:"at"`
}

// AuditEntry is an append-only log line; Sequence equals the version that wrote it
type AuditEntry struct {
	Sequence  int64                  `json:"sequence"`
	Action    string                 `json:"action"`
	ActorID   string                 `json:"actorId"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Actor     *ActorContext          `json:"actor,omitempty"`
}

// Analytics are derived once at creation
type Analytics struct {
	Weekday       string  `json:"weekday"`
	Shift         Shift   `json:"shift"`
	BusinessHours bool    `json:"businessHours"`
	Urgency       Urgency `json:"urgency"`
	Complexity    string  `json:"complexity"`
}

// Workflow is the persisted aggregate
type Workflow struct {
	ID              string               `json:"id"`
	RequestID       string               `json:"requestId"`
	TenantID        string               `json:"tenantId"`
	InitiatorID     string               `json:"initiatorId"`
	Version         int64                `json:"version"`
	Status          Status               `json:"status"`
	Outcome         string               `json:"outcome,omitempty"`
	CurrentLevel    int                  `json:"currentLevel"`
	Urgency         Urgency              `json:"urgency"`
	GlobalTimeout   time.Duration        `json:"globalTimeout"`
	Request         BypassRequest        `json:"request"`
	TriggeringRules []TriggeredRule      `json:"triggeringRules,omitempty"`
	Steps           []Step               `json:"steps"`
	Escalation      Escalation           `json:"escalation"`
	Timing          Timing               `json:"timing"`
	Notifications   []NotificationRecord `json:"notifications,omitempty"`
	Audit           []AuditEntry         `json:"audit"`
	Analytics       Analytics            `json:"analytics"`
	CreatedAt       time.Time            `json:"createdAt"`
	UpdatedAt       time.Time            `json:"updatedAt"`
}

// ActiveStep returns the step at CurrentLevel, or nil
func (w *Workflow) ActiveStep() *Step {
	if w.CurrentLevel < 1 || w.CurrentLevel > len(w.Steps) {
		return nil
	}
	return &w.Steps[w.CurrentLevel-1]
}

// AssignedTo is the assignee of the active step when pending
func (w *Workflow) AssignedTo() string {
	if w.Status != StatusPending {
		return ""
	}
	if s := w.ActiveStep(); s != nil {
		return s.AssignedTo
	}
	return ""
}

// Retryable reports whether another delivery attempt may be made. A
// maxAttempts of zero or less means no limit.
func (n NotificationRecord) Retryable(maxAttempts int) bool {
	if n.Delivered || n.Exhausted {
		return false
	}
	return maxAttempts <= 0 || n.Attempts < maxAttempts
}

// Undelivered counts notification records still waiting for delivery;
// exhausted records are not counted
func (w *Workflow) Undelivered() int {
	n := 0
	for i := range w.Notifications {
		if w.Notifications[i].Retryable(0) {
			n++
		}
	}
	return n
}

// Notification finds a record by id
func (w *Workflow) Notification(id string) *NotificationRecord {
	for i := range w.Notifications {
		if w.Notifications[i].ID == id {
			return &w.Notifications[i]
		}
	}
	return nil
}

// Summary is the list view of a workflow
func (w *Workflow) Summary() WorkflowSummary {
	return WorkflowSummary{
		ID:             w.ID,
		RequestID:      w.RequestID,
		TenantID:       w.TenantID,
		InitiatorID:    w.InitiatorID,
		Status:         w.Status,
		Urgency:        w.Urgency,
		CurrentLevel:   w.CurrentLevel,
		Levels:         len(w.Steps),
		AssignedTo:     w.AssignedTo(),
		ReasonCategory: w.Request.ReasonCategory,
		TimeoutAt:      w.Timing.TimeoutAt,
		Version:        w.Version,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
}

// WorkflowSummary is returned by list queries
type WorkflowSummary struct {
	ID             string     `json:"id"`
	RequestID      string     `json:"requestId"`
	TenantID       string     `json:"tenantId"`
	InitiatorID    string     `json:"initiatorId"`
	Status         Status     `json:"status"`
	Urgency        Urgency    `json:"urgency"`
	CurrentLevel   int        `json:"currentLevel"`
	Levels         int        `json:"levels"`
	AssignedTo     string     `json:"assignedTo,omitempty"`
	ReasonCategory string     `json:"reasonCategory"`
	TimeoutAt      *time.Time `json:"timeoutAt,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// AggregateStats over a window of workflows
type AggregateStats struct {
	Total                int             `json:"total"`
	ByStatus             map[Status]int  `json:"byStatus"`
	ByUrgency            map[Urgency]int `json:"byUrgency"`
	AutoApproved         int             `json:"autoApproved"`
	AverageResponseTime  time.Duration   `json:"averageResponseTime"`
	AverageTotalDuration time.Duration   `json:"averageTotalDuration"`
	EscalatedCount       int             `json:"escalatedCount"`
	ExpiredCount         int             `json:"expiredCount"`
	Window               time.Duration   `json:"window"`
}
