package workflow

import (
	"fmt"
	"time"

	"bypassd/internal/model"
)

// Check verifies the structural invariants of one committed snapshot
func Check(w *model.Workflow) error {
	pending := 0
	for i, s := range w.Steps {
		if s.Level != i+1 {
			return fmt.Errorf("step %d has level %d", i+1, s.Level)
		}
		if s.Status == model.StepPending {
			pending++
		}
	}
	if pending > 1 {
		return fmt.Errorf("%d steps are pending", pending)
	}

	switch w.Status {
	case model.StatusPending:
		if w.CurrentLevel < 1 || w.CurrentLevel > len(w.Steps) {
			return fmt.Errorf("current level %d out of range", w.CurrentLevel)
		}
		if w.Steps[w.CurrentLevel-1].Status != model.StepPending {
			return fmt.Errorf("active step is %s", w.Steps[w.CurrentLevel-1].Status)
		}
		for _, s := range w.Steps[w.CurrentLevel:] {
			if s.Status != model.StepWaiting {
				return fmt.Errorf("future step %d is %s", s.Level, s.Status)
			}
		}
		if w.Timing.TimeoutAt == nil {
			return fmt.Errorf("pending workflow has no timeoutAt")
		}
		want := w.Timing.GlobalDeadline
		if d := w.Steps[w.CurrentLevel-1].DeadlineAt; d != nil && d.Before(want) {
			want = *d
		}
		if !w.Timing.TimeoutAt.Equal(want) {
			return fmt.Errorf("timeoutAt %s is not the earliest deadline %s", w.Timing.TimeoutAt, want)
		}
	case model.StatusApproved, model.StatusRejected, model.StatusExpired:
		if w.Timing.CompletedAt == nil {
			return fmt.Errorf("%s workflow has no completedAt", w.Status)
		}
		if pending != 0 {
			return fmt.Errorf("%s workflow still has a pending step", w.Status)
		}
	case model.StatusCancelled:
		if pending != 0 {
			return fmt.Errorf("cancelled workflow still has a pending step")
		}
	default:
		return fmt.Errorf("unexpected status %q", w.Status)
	}

	seqs := make(map[int64][]time.Time)
	var last int64
	for _, a := range w.Audit {
		if a.Sequence < last || a.Sequence > w.Version {
			return fmt.Errorf("audit sequence %d out of order (version %d)", a.Sequence, w.Version)
		}
		last = a.Sequence
		seqs[a.Sequence] = append(seqs[a.Sequence], a.Timestamp)
	}
	if _, ok := seqs[w.Version]; !ok {
		return fmt.Errorf("no audit entry for version %d", w.Version)
	}
	for _, n := range w.Notifications {
		if !reachable(seqs[n.Sequence], n.SentAt) {
			return fmt.Errorf("notification %s has no matching audit entry", n.ID)
		}
	}
	return nil
}

func reachable(stamps []time.Time, at time.Time) bool {
	for _, ts := range stamps {
		d := ts.Sub(at)
		if d < 0 {
			d = -d
		}
		if d <= time.Second {
			return true
		}
	}
	return false
}

// CheckTransition verifies the history invariants between two consecutive
// committed snapshots of the same workflow.
func CheckTransition(prev, next *model.Workflow) error {
	if next.Version <= prev.Version {
		return fmt.Errorf("version went from %d to %d", prev.Version, next.Version)
	}
	if prev.Status.Terminal() && next.Status != prev.Status {
		return fmt.Errorf("terminal status %s changed to %s", prev.Status, next.Status)
	}
	if len(next.Steps) != len(prev.Steps) {
		return fmt.Errorf("step count changed from %d to %d", len(prev.Steps), len(next.Steps))
	}
	for i := range prev.Steps {
		ps, ns := prev.Steps[i].Status, next.Steps[i].Status
		if ps != model.StepPending && ps != model.StepWaiting && ps != ns {
			return fmt.Errorf("step %d left terminal status %s for %s", i+1, ps, ns)
		}
		if ps == model.StepPending && ns == model.StepWaiting {
			return fmt.Errorf("step %d re-entered Waiting", i+1)
		}
	}
	if len(next.Audit) < len(prev.Audit) {
		return fmt.Errorf("audit shrank")
	}
	for i := range prev.Audit {
		if next.Audit[i].Sequence != prev.Audit[i].Sequence || next.Audit[i].Action != prev.Audit[i].Action {
			return fmt.Errorf("audit entry %d was rewritten", i)
		}
	}
	if len(next.Notifications) < len(prev.Notifications) {
		return fmt.Errorf("notifications shrank")
	}
	for i := range prev.Notifications {
		if next.Notifications[i].ID != prev.Notifications[i].ID {
			return fmt.Errorf("notification %d was replaced", i)
		}
	}
	return nil
}
