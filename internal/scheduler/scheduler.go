// Package scheduler polls for workflows whose deadline has passed and for
// approvers who are due a reminder.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"bypassd/internal/clock"
	"bypassd/internal/service"
	"bypassd/internal/store"
	"bypassd/internal/workflow"
)

// Config of the poll loop and reminder policy
type Config struct {
	PollInterval     time.Duration
	BatchSize        int
	LeaseTTL         time.Duration
	Host             string
	ReminderInterval time.Duration
	MaxReminders     int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * c.PollInterval
	}
	if c.Host == "" {
		c.Host, _ = os.Hostname()
	}
	return c
}

type Scheduler struct {
	coord *service.Coordinator
	store store.WorkflowStore
	clock clock.Clock
	cfg   Config
	log   *zap.Logger
}

func New(coord *service.Coordinator, st store.WorkflowStore, clk clock.Clock, cfg Config, log *zap.Logger) *Scheduler {
	return &Scheduler{coord: coord, store: st, clock: clk, cfg: cfg.withDefaults(), log: log}
}

// Result counts what one tick did
type Result struct {
	Claimed  int
	Expired  int
	Reminded int
}

// Tick runs one poll: expire claimed workflows, then send due reminders
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	var res Result
	now := s.clock.Now()

	due, err := s.store.ClaimExpired(ctx, store.Claim{
		Host:     s.cfg.Host,
		Now:      now,
		LeaseTTL: s.cfg.LeaseTTL,
		Limit:    s.cfg.BatchSize,
	})
	if err != nil {
		return res, fmt.Errorf("failed to claim expired workflows: %w", err)
	}
	res.Claimed = len(due)
	for _, d := range due {
		_, changed, err := s.coord.Expire(ctx, d.ID, d.TimeoutAt)
		if err != nil {
			s.log.Warn("Failed to expire workflow", zap.String("workflow_id", d.ID), zap.Error(err))
			continue
		}
		if changed {
			res.Expired++
		}
	}

	if s.cfg.MaxReminders <= 0 || s.cfg.ReminderInterval <= 0 {
		return res, nil
	}
	ids, err := s.store.ListReminderCandidates(ctx, now, s.cfg.ReminderInterval, s.cfg.MaxReminders, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list reminder candidates: %w", err)
	}
	for _, id := range ids {
		w, err := s.coord.Get(ctx, id, service.Actor{})
		if err != nil {
			s.log.Warn("Failed to load reminder candidate", zap.String("workflow_id", id), zap.Error(err))
			continue
		}
		n, ok := workflow.ReminderDue(w, s.clock.Now(), s.cfg.ReminderInterval, s.cfg.MaxReminders)
		if !ok {
			continue
		}
		if _, err := s.coord.Remind(ctx, id, n); err != nil {
			s.log.Warn("Failed to send reminder", zap.String("workflow_id", id), zap.Int("reminder", n), zap.Error(err))
			continue
		}
		res.Reminded++
	}
	return res, nil
}

// Run ticks every poll interval until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("Scheduler started",
		zap.String("host", s.cfg.Host),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("lease_ttl", s.cfg.LeaseTTL))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if res, err := s.Tick(ctx); err != nil {
			s.log.Warn("Scheduler tick failed", zap.Error(err))
		} else if res.Expired > 0 || res.Reminded > 0 {
			s.log.Info("Scheduler tick",
				zap.Int("claimed", res.Claimed),
				zap.Int("expired", res.Expired),
				zap.Int("reminded", res.Reminded))
		}
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
