package policy

import (
	"sort"
	"time"

	"bypassd/internal/model"
)

// Rule priorities; lower fires with more urgency and a shorter step timeout
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
)

// DeriveContext computes the clock context of now in loc
func (p *Policy) DeriveContext(now time.Time, loc *time.Location) model.PlanContext {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	h := local.Hour()
	wd := local.Weekday()
	weekend := wd == time.Saturday || wd == time.Sunday
	bh := p.cfg.BusinessHours
	business := !weekend && h >= bh.Start && h < bh.End
	shift := ShiftAt(h)
	return model.PlanContext{
		Weekday:       wd.String(),
		Shift:         shift,
		BusinessHours: business,
		AfterHours:    !weekend && !business,
		Weekend:       weekend,
		Night:         shift == model.ShiftNight,
	}
}

// ShiftAt maps an hour of day to its shift
func ShiftAt(hour int) model.Shift {
	switch {
	case hour >= 6 && hour < 12:
		return model.ShiftMorning
	case hour >= 12 && hour < 18:
		return model.ShiftAfternoon
	case hour >= 18 && hour < 22:
		return model.ShiftEvening
	default:
		return model.ShiftNight
	}
}

// AutoApprovable reports whether the auto-approval predicates all hold
func (p *Policy) AutoApprovable(req model.BypassRequest) bool {
	a := p.cfg.AutoApproval
	if criticalFlags(req.SecurityFlags) > 0 {
		return false
	}
	return req.RiskScore <= a.MaxRisk && req.FinancialImpact <= a.MaxFinancial
}

type accumulator struct {
	p        *Policy
	timeouts map[string]time.Duration
	rules    []model.TriggeredRule
	top      int
}

func (a *accumulator) fire(name, family string, priority int, roles []string) {
	if len(roles) == 0 {
		return
	}
	a.rules = append(a.rules, model.TriggeredRule{
		Name:     name,
		Family:   family,
		Priority: priority,
		Roles:    append([]string(nil), roles...),
	})
	if a.top == 0 || priority < a.top {
		a.top = priority
	}
	t := a.p.stepTimeout(priority)
	for _, r := range roles {
		if cur, ok := a.timeouts[r]; !ok || t < cur {
			a.timeouts[r] = t
		}
	}
}

func (p *Policy) stepTimeout(priority int) time.Duration {
	switch priority {
	case PriorityCritical:
		return p.cfg.Timeouts.Critical
	case PriorityHigh:
		return p.cfg.Timeouts.Urgent
	default:
		return p.cfg.Timeouts.Default
	}
}

// Plan evaluates req at now in the tenant zone loc. It never fails: a
// malformed policy is rejected by New.
func (p *Policy) Plan(req model.BypassRequest, now time.Time, loc *time.Location) model.ApprovalPlan {
	ctx := p.DeriveContext(now, loc)
	ctx.AfterHours = ctx.AfterHours || req.Context.IsAfterHours
	ctx.Weekend = ctx.Weekend || req.Context.IsWeekend

	hint := model.MaxUrgency(model.UrgencyNormal, req.UrgencyHint)
	if p.AutoApprovable(req) {
		return model.ApprovalPlan{
			Required:      false,
			AutoApprove:   true,
			Urgency:       hint,
			GlobalTimeout: p.TimeoutFor(hint),
			Context:       ctx,
			TriggeringRules: []model.TriggeredRule{
				{Name: "auto_approval.low_risk", Family: "autoApproval"},
			},
		}
	}

	acc := &accumulator{p: p, timeouts: make(map[string]time.Duration)}
	c := p.cfg
	risk := float64(req.RiskScore)
	crit := criticalFlags(req.SecurityFlags)
	warn := warningFlags(req.SecurityFlags)

	// priority 1
	if risk >= c.RiskScore.Critical.Threshold {
		acc.fire("risk_score.critical", "riskScore", PriorityCritical, c.RiskScore.Critical.Roles)
	}
	if req.FinancialImpact >= c.FinancialImpact.Critical.Threshold {
		acc.fire("financial_impact.critical", "financialImpact", PriorityCritical, c.FinancialImpact.Critical.Roles)
	}
	if crit > 0 {
		acc.fire("security_flags.critical", "securityFlags", PriorityCritical, c.SecurityFlags.Critical)
	}

	// priority 2
	if risk >= c.RiskScore.High.Threshold {
		acc.fire("risk_score.high", "riskScore", PriorityHigh, c.RiskScore.High.Roles)
	}
	if req.FinancialImpact >= c.FinancialImpact.High.Threshold {
		acc.fire("financial_impact.high", "financialImpact", PriorityHigh, c.FinancialImpact.High.Roles)
	}
	if mw := c.SecurityFlags.MultipleWarnings; mw.CountThreshold > 0 && warn >= mw.CountThreshold {
		acc.fire("security_flags.multiple_warnings", "securityFlags", PriorityHigh, mw.Roles)
	}
	if roles, ok := c.ReasonCategory[req.ReasonCategory]; ok {
		acc.fire("reason_category."+req.ReasonCategory, "reasonCategory", PriorityHigh, roles)
	}

	// priority 3
	if req.FinancialImpact >= c.FinancialImpact.Medium.Threshold {
		acc.fire("financial_impact.medium", "financialImpact", PriorityNormal, c.FinancialImpact.Medium.Roles)
	}
	if ctx.AfterHours {
		acc.fire("timing.after_hours", "timing", PriorityNormal, c.Timing.AfterHours)
	}
	if ctx.Weekend {
		acc.fire("timing.weekend", "timing", PriorityNormal, c.Timing.Weekend)
	}
	if ctx.Night {
		acc.fire("timing.night", "timing", PriorityNormal, c.Timing.Night)
	}

	if len(acc.timeouts) == 0 {
		acc.fire("default_role", "default", PriorityNormal, []string{c.DefaultRole})
	}

	roles := make([]string, 0, len(acc.timeouts))
	for r := range acc.timeouts {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool {
		return p.hierarchy.Rank(roles[i]) < p.hierarchy.Rank(roles[j])
	})
	levels := make([]model.PlanLevel, len(roles))
	for i, r := range roles {
		levels[i] = model.PlanLevel{Level: i + 1, RequiredRole: r, Timeout: acc.timeouts[r]}
	}

	urgency := model.MaxUrgency(hint, ruleUrgency(acc.top))
	if req.UrgencyHint == model.UrgencyCritical && acc.top == PriorityCritical {
		urgency = model.UrgencyEmergency
	}

	return model.ApprovalPlan{
		Required:        true,
		Levels:          levels,
		Urgency:         urgency,
		GlobalTimeout:   p.TimeoutFor(urgency),
		TriggeringRules: acc.rules,
		Context:         ctx,
	}
}

func ruleUrgency(priority int) model.Urgency {
	switch priority {
	case PriorityCritical:
		return model.UrgencyCritical
	case PriorityHigh:
		return model.UrgencyHigh
	default:
		return model.UrgencyNormal
	}
}

func criticalFlags(flags []model.SecurityFlag) int {
	n := 0
	for _, f := range flags {
		if f.Severity == model.SeverityCritical {
			n++
		}
	}
	return n
}

func warningFlags(flags []model.SecurityFlag) int {
	n := 0
	for _, f := range flags {
		if f.Severity == model.SeverityWarning {
			n++
		}
	}
	return n
}

// Complexity buckets a plan for analytics
func Complexity(plan model.ApprovalPlan) string {
	switch {
	case plan.AutoApprove || len(plan.Levels) <= 1:
		return "simple"
	case len(plan.Levels) == 2:
		return "moderate"
	default:
		return "complex"
	}
}
