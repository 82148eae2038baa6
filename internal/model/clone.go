package model

import "time"

// Clone deep-copies the workflow so transitions can run on a private copy.
// Detail and metadata maps are copied one level deep; their values are never mutated.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	c := *w
	c.Request = w.Request.clone()
	c.TriggeringRules = append([]TriggeredRule(nil), w.TriggeringRules...)
	if w.Steps != nil {
		c.Steps = make([]Step, len(w.Steps))
		for i := range w.Steps {
			c.Steps[i] = w.Steps[i].clone()
		}
	}
	c.Escalation.Chain = append([]EscalationTarget(nil), w.Escalation.Chain...)
	c.Timing = w.Timing.clone()
	if w.Notifications != nil {
		c.Notifications = make([]NotificationRecord, len(w.Notifications))
		for i, n := range w.Notifications {
			n.LastAttemptAt = timePtr(n.LastAttemptAt)
			c.Notifications[i] = n
		}
	}
	if w.Audit != nil {
		c.Audit = make([]AuditEntry, len(w.Audit))
		for i, a := range w.Audit {
			a.Details = copyMap(a.Details)
			if a.Actor != nil {
				actor := *a.Actor
				a.Actor = &actor
			}
			c.Audit[i] = a
		}
	}
	return &c
}

func (r BypassRequest) clone() BypassRequest {
	r.SecurityFlags = append([]SecurityFlag(nil), r.SecurityFlags...)
	r.Metadata = copyMap(r.Metadata)
	return r
}

func (s Step) clone() Step {
	s.RequestedAt = timePtr(s.RequestedAt)
	s.DeadlineAt = timePtr(s.DeadlineAt)
	s.RespondedAt = timePtr(s.RespondedAt)
	s.LastReminderAt = timePtr(s.LastReminderAt)
	s.ResponseLatency = durPtr(s.ResponseLatency)
	if s.Actor != nil {
		a := *s.Actor
		s.Actor = &a
	}
	s.History = append([]Assignment(nil), s.History...)
	return s
}

func (t Timing) clone() Timing {
	t.FirstResponseAt = timePtr(t.FirstResponseAt)
	t.CompletedAt = timePtr(t.CompletedAt)
	t.TimeoutAt = timePtr(t.TimeoutAt)
	t.TotalDuration = durPtr(t.TotalDuration)
	t.AverageResponseTime = durPtr(t.AverageResponseTime)
	return t
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func durPtr(d *time.Duration) *time.Duration {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
