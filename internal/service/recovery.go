package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"bypassd/internal/clock"
	"bypassd/internal/model"
	"bypassd/internal/notify"
	"bypassd/internal/store"
)

// RetryPolicy spaces redelivery attempts of one notification
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// Delay is the wait after attempt number attempts before the next one
func (p RetryPolicy) Delay(attempts int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	var b retry.Backoff = retry.NewExponential(base)
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	d, _ := b.Next()
	for i := 1; i < attempts; i++ {
		d, _ = b.Next()
	}
	return d
}

// Recovery re-offers notification records that were never delivered,
// whether the queue was full, the process died or the sink failed.
type Recovery struct {
	store  store.WorkflowStore
	outbox Outbox
	clock  clock.Clock
	policy RetryPolicy
	batch  int
	log    *zap.Logger
}

func NewRecovery(st store.WorkflowStore, outbox Outbox, clk clock.Clock, p RetryPolicy, log *zap.Logger) *Recovery {
	return &Recovery{store: st, outbox: outbox, clock: clk, policy: p, batch: 200, log: log}
}

// Pass scans once and returns how many messages were offered
func (r *Recovery) Pass(ctx context.Context) (int, error) {
	list, err := r.store.ListUndelivered(ctx, r.policy.MaxAttempts, r.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to list undelivered notifications: %w", err)
	}
	now := r.clock.Now()
	offered := 0
	for _, w := range list {
		for _, rec := range w.Notifications {
			if !rec.Retryable(r.policy.MaxAttempts) || !r.due(rec, now) {
				continue
			}
			if !r.outbox.Offer(notify.FromRecord(w, rec)) {
				return offered, nil
			}
			offered++
		}
	}
	if offered > 0 {
		r.log.Info("Re-offered undelivered notifications", zap.Int("count", offered))
	}
	return offered, nil
}

func (r *Recovery) due(rec model.NotificationRecord, now time.Time) bool {
	last := rec.SentAt
	if rec.LastAttemptAt != nil {
		last = *rec.LastAttemptAt
	}
	return !now.Before(last.Add(r.policy.Delay(rec.Attempts)))
}

// Run repeats Pass every interval until ctx is done
func (r *Recovery) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Pass(ctx); err != nil {
				r.log.Warn("Notification recovery pass failed", zap.Error(err))
			}
		}
	}
}
