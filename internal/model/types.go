package model

import "time"

// Urgency ranks how quickly a bypass needs a decision
type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyHigh      Urgency = "high"
	UrgencyCritical  Urgency = "critical"
	UrgencyEmergency Urgency = "emergency"
)

// Rank orders urgencies; unknown values rank as normal.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyHigh:
		return 1
	case UrgencyCritical:
		return 2
	case UrgencyEmergency:
		return 3
	default:
		return 0
	}
}

// MaxUrgency returns the more urgent of a and b
func MaxUrgency(a, b Urgency) Urgency {
	if b.Rank() > a.Rank() {
		return b
	}
	if a == "" {
		return UrgencyNormal
	}
	return a
}

// Severity of a security flag
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SecurityFlag is raised by upstream checks (fraud, blacklist, id mismatch)
type SecurityFlag struct {
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
}

// RequestContext carries the caller's view of the clock
type RequestContext struct {
	IsAfterHours bool `json:"isAfterHours"`
	IsWeekend    bool `json:"isWeekend"`
}

// BypassRequest is the immutable input to the approval engine
type BypassRequest struct {
	RequestID       string                 `json:"requestId"`
	TenantID        string                 `json:"tenantId"`
	InitiatorID     string                 `json:"initiatorId"`
	ReasonCategory  string                 `json:"reasonCategory"`
	Reason          string                 `json:"reason,omitempty"`
	UrgencyHint     Urgency                `json:"urgencyHint"`
	FinancialImpact float64                `json:"financialImpact"`
	RiskScore       int                    `json:"riskScore"`
	SecurityFlags   []SecurityFlag         `json:"securityFlags,omitempty"`
	Context         RequestContext         `json:"context"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Shift of day a workflow was initiated in
type Shift string

const (
	ShiftMorning   Shift = "morning"
	ShiftAfternoon Shift = "afternoon"
	ShiftEvening   Shift = "evening"
	ShiftNight     Shift = "night"
)

// PlanContext is the clock-derived context the rule engine evaluated against
type PlanContext struct {
	Weekday       string `json:"weekday"`
	Shift         Shift  `json:"shift"`
	BusinessHours bool   `json:"businessHours"`
	AfterHours    bool   `json:"afterHours"`
	Weekend       bool   `json:"weekend"`
	Night         bool   `json:"night"`
}

// PlanLevel is one required approval level of a plan
type PlanLevel struct {
	Level        int           `json:"level"`
	RequiredRole string        `json:"requiredRole"`
	Timeout      time.Duration `json:"timeout"`
}

// TriggeredRule records why a plan requires what it requires
type TriggeredRule struct {
	Name     string   `json:"name"`
	Family   string   `json:"family"`
	Priority int      `json:"priority"`
	Roles    []string `json:"roles,omitempty"`
}

// ApprovalPlan is the pure output of the rule engine
type ApprovalPlan struct {
	Required        bool            `json:"required"`
	Levels          []PlanLevel     `json:"levels"`
	Urgency         Urgency         `json:"urgency"`
	GlobalTimeout   time.Duration   `json:"globalTimeout"`
	AutoApprove     bool            `json:"autoApprove"`
	TriggeringRules []TriggeredRule `json:"triggeringRules"`
	Context         PlanContext     `json:"context"`
}
