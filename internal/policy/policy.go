// Package policy evaluates a bypass request against the tenant approval
// policy and produces an approval plan. Evaluation is pure: the same request,
// policy and instant always yield the same plan.
package policy

import (
	"fmt"
	"sort"
	"time"

	"bypassd/internal/model"
)

// Requirement fires when a value crosses Threshold
type Requirement struct {
	Threshold float64  `mapstructure:"threshold" validate:"gte=0"`
	Roles     []string `mapstructure:"roles"`
}

type RiskRules struct {
	High     Requirement `mapstructure:"high"`
	Critical Requirement `mapstructure:"critical"`
}

type FinancialRules struct {
	Medium   Requirement `mapstructure:"medium"`
	High     Requirement `mapstructure:"high"`
	Critical Requirement `mapstructure:"critical"`
}

type TimingRules struct {
	AfterHours []string `mapstructure:"after_hours"`
	Weekend    []string `mapstructure:"weekend"`
	Night      []string `mapstructure:"night"`
}

type WarningRule struct {
	CountThreshold int      `mapstructure:"count_threshold" validate:"gte=0"`
	Roles          []string `mapstructure:"roles"`
}

type SecurityRules struct {
	Critical         []string    `mapstructure:"critical"`
	MultipleWarnings WarningRule `mapstructure:"multiple_warnings"`
}

type Timeouts struct {
	Default   time.Duration `mapstructure:"default" validate:"gt=0"`
	Urgent    time.Duration `mapstructure:"urgent" validate:"gt=0"`
	Critical  time.Duration `mapstructure:"critical" validate:"gt=0"`
	Emergency time.Duration `mapstructure:"emergency" validate:"gt=0"`
}

type AutoApproval struct {
	MaxRisk                 int     `mapstructure:"max_risk" validate:"gte=0,lte=100"`
	MaxFinancial            float64 `mapstructure:"max_financial" validate:"gte=0"`
	ForbidWithCriticalFlags bool    `mapstructure:"forbid_with_critical_flags"`
}

type BusinessHours struct {
	Start int `mapstructure:"start" validate:"gte=0,lte=23"`
	End   int `mapstructure:"end" validate:"gte=1,lte=24,gtfield=Start"`
}

// Config is the tenant-configurable approval policy
type Config struct {
	RiskScore       RiskRules           `mapstructure:"risk_score"`
	FinancialImpact FinancialRules      `mapstructure:"financial_impact"`
	ReasonCategory  map[string][]string `mapstructure:"reason_category"`
	Timing          TimingRules         `mapstructure:"timing"`
	SecurityFlags   SecurityRules       `mapstructure:"security_flags"`
	Timeouts        Timeouts            `mapstructure:"timeouts"`
	AutoApproval    AutoApproval        `mapstructure:"auto_approval"`
	BusinessHours   BusinessHours       `mapstructure:"business_hours"`
	DefaultRole     string              `mapstructure:"default_role" validate:"required"`
}

// DefaultConfig is the stock hotel policy
func DefaultConfig() Config {
	return Config{
		RiskScore: RiskRules{
			High:     Requirement{Threshold: 70, Roles: []string{"supervisor"}},
			Critical: Requirement{Threshold: 90, Roles: []string{"director"}},
		},
		FinancialImpact: FinancialRules{
			Medium:   Requirement{Threshold: 1000, Roles: []string{"manager"}},
			High:     Requirement{Threshold: 5000, Roles: []string{"director"}},
			Critical: Requirement{Threshold: 20000, Roles: []string{"owner"}},
		},
		ReasonCategory: map[string][]string{
			"payment_override":     {"manager"},
			"rate_override":        {"supervisor"},
			"security_override":    {"director"},
			"inventory_adjustment": {"manager"},
			"other":                {},
		},
		Timing: TimingRules{
			AfterHours: []string{"supervisor"},
			Weekend:    []string{"manager"},
			Night:      []string{"supervisor"},
		},
		SecurityFlags: SecurityRules{
			Critical:         []string{"director"},
			MultipleWarnings: WarningRule{CountThreshold: 2, Roles: []string{"supervisor"}},
		},
		Timeouts: Timeouts{
			Default:   60 * time.Minute,
			Urgent:    30 * time.Minute,
			Critical:  15 * time.Minute,
			Emergency: 5 * time.Minute,
		},
		AutoApproval:  AutoApproval{MaxRisk: 20, MaxFinancial: 100, ForbidWithCriticalFlags: true},
		BusinessHours: BusinessHours{Start: 8, End: 18},
		DefaultRole:   "manager",
	}
}

// DefaultRoles is the stock role hierarchy, lowest first
func DefaultRoles() []string {
	return []string{"manager", "supervisor", "director", "owner"}
}

// Policy is an immutable, validated policy bound to a role hierarchy
type Policy struct {
	cfg       Config
	hierarchy *Hierarchy
}

// New checks that every role named by cfg exists in h
func New(cfg Config, h *Hierarchy) (*Policy, error) {
	if h == nil {
		return nil, fmt.Errorf("policy requires a role hierarchy")
	}
	for _, ref := range cfg.roleRefs() {
		for _, role := range ref.roles {
			if !h.Known(role) {
				return nil, fmt.Errorf("policy %s references unknown role %q", ref.where, role)
			}
		}
	}
	if cfg.BusinessHours.End <= cfg.BusinessHours.Start {
		return nil, fmt.Errorf("business hours end must be after start")
	}
	return &Policy{cfg: cfg, hierarchy: h}, nil
}

func (p *Policy) Config() Config { return p.cfg }

func (p *Policy) Hierarchy() *Hierarchy { return p.hierarchy }

func (p *Policy) Timeouts() Timeouts { return p.cfg.Timeouts }

// TimeoutFor maps an urgency to its global timeout
func (p *Policy) TimeoutFor(u model.Urgency) time.Duration {
	t := p.cfg.Timeouts
	switch u {
	case model.UrgencyHigh:
		return t.Urgent
	case model.UrgencyCritical:
		return t.Critical
	case model.UrgencyEmergency:
		return t.Emergency
	default:
		return t.Default
	}
}

type roleRef struct {
	where string
	roles []string
}

func (c Config) roleRefs() []roleRef {
	refs := []roleRef{
		{"riskScore.high", c.RiskScore.High.Roles},
		{"riskScore.critical", c.RiskScore.Critical.Roles},
		{"financialImpact.medium", c.FinancialImpact.Medium.Roles},
		{"financialImpact.high", c.FinancialImpact.High.Roles},
		{"financialImpact.critical", c.FinancialImpact.Critical.Roles},
		{"timing.afterHours", c.Timing.AfterHours},
		{"timing.weekend", c.Timing.Weekend},
		{"timing.night", c.Timing.Night},
		{"securityFlags.critical", c.SecurityFlags.Critical},
		{"securityFlags.multipleWarnings", c.SecurityFlags.MultipleWarnings.Roles},
		{"defaultRole", []string{c.DefaultRole}},
	}
	cats := make([]string, 0, len(c.ReasonCategory))
	for k := range c.ReasonCategory {
		cats = append(cats, k)
	}
	sort.Strings(cats)
	for _, k := range cats {
		refs = append(refs, roleRef{"reasonCategory." + k, c.ReasonCategory[k]})
	}
	return refs
}

// RolesReferenced lists every role the config names, for cross-field validation
func (c Config) RolesReferenced() []string {
	var out []string
	for _, ref := range c.roleRefs() {
		out = append(out, ref.roles...)
	}
	return out
}
