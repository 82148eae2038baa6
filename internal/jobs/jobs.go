// Package jobs runs deadline timers and periodic sweeps on asynq.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"bypassd/internal/apperr"
	"bypassd/internal/scheduler"
	"bypassd/internal/service"
)

const (
	TypeWorkflowExpire      = "workflow:expire"
	TypeSchedulerTick       = "scheduler:tick"
	TypeNotificationRecover = "notification:recover"
	TypeRetentionSweep      = "retention:sweep"
)

// ExpirePayload carries the deadline the task was scheduled for; it is the
// token the coordinator checks against the workflow's current timeoutAt.
type ExpirePayload struct {
	WorkflowID string    `json:"workflowId"`
	Deadline   time.Time `json:"deadline"`
}

func NewExpireTask(workflowID string, deadline time.Time) (*asynq.Task, error) {
	payload, err := json.Marshal(ExpirePayload{WorkflowID: workflowID, Deadline: deadline.UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return asynq.NewTask(TypeWorkflowExpire, payload,
		asynq.TaskID(fmt.Sprintf("expire:%s:%d", workflowID, deadline.UnixNano())),
		asynq.Queue("critical"),
		asynq.MaxRetry(5),
	), nil
}

// Timer schedules a workflow:expire task at each new deadline
type Timer struct {
	client *asynq.Client
}

func NewTimer(client *asynq.Client) *Timer {
	return &Timer{client: client}
}

func (t *Timer) ScheduleAt(ctx context.Context, workflowID string, deadline time.Time) error {
	task, err := NewExpireTask(workflowID, deadline)
	if err != nil {
		return err
	}
	_, err = t.client.EnqueueContext(ctx, task, asynq.ProcessAt(deadline))
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue expiry: %w", err)
	}
	return nil
}

// Handlers binds task types to the coordinator and its loops
type Handlers struct {
	coord     *service.Coordinator
	sched     *scheduler.Scheduler
	recovery  *service.Recovery
	retention time.Duration
	log       *zap.Logger
}

func NewHandlers(coord *service.Coordinator, sched *scheduler.Scheduler, recovery *service.Recovery, retention time.Duration, log *zap.Logger) *Handlers {
	return &Handlers{coord: coord, sched: sched, recovery: recovery, retention: retention, log: log}
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeWorkflowExpire, h.handleExpire)
	mux.HandleFunc(TypeSchedulerTick, h.handleTick)
	mux.HandleFunc(TypeNotificationRecover, h.handleRecover)
	mux.HandleFunc(TypeRetentionSweep, h.handleSweep)
}

func (h *Handlers) handleExpire(ctx context.Context, t *asynq.Task) error {
	var p ExpirePayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	_, changed, err := h.coord.Expire(ctx, p.WorkflowID, p.Deadline)
	switch {
	case apperr.IsKind(err, apperr.NotFound):
		// swept by retention
		return nil
	case err != nil:
		return fmt.Errorf("failed to expire workflow: %w", err)
	}
	if changed {
		h.log.Info("Deadline fired", zap.String("workflow_id", p.WorkflowID), zap.Time("deadline", p.Deadline))
	}
	return nil
}

func (h *Handlers) handleTick(ctx context.Context, t *asynq.Task) error {
	res, err := h.sched.Tick(ctx)
	if err != nil {
		return err
	}
	if res.Expired > 0 || res.Reminded > 0 {
		h.log.Info("Scheduler tick",
			zap.Int("claimed", res.Claimed),
			zap.Int("expired", res.Expired),
			zap.Int("reminded", res.Reminded))
	}
	return nil
}

func (h *Handlers) handleRecover(ctx context.Context, t *asynq.Task) error {
	n, err := h.recovery.Pass(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover notifications: %w", err)
	}
	if n > 0 {
		h.log.Info("Re-offered undelivered notifications", zap.Int("count", n))
	}
	return nil
}

func (h *Handlers) handleSweep(ctx context.Context, t *asynq.Task) error {
	n, err := h.coord.SweepRetention(ctx, h.retention)
	if err != nil {
		return fmt.Errorf("failed to sweep retention: %w", err)
	}
	h.log.Info("Retention sweep", zap.Int("deleted", n), zap.Duration("retention", h.retention))
	return nil
}

// Periodic lists the cron entries registered with the asynq scheduler
type Periodic struct {
	TickInterval    time.Duration
	RecoverInterval time.Duration
	SweepInterval   time.Duration
}

// JobServer runs the asynq worker and the periodic task scheduler
type JobServer struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	mux       *asynq.ServeMux
	periodic  Periodic
	log       *zap.Logger
}

func NewJobServer(redisAddr string, h *Handlers, periodic Periodic, log *zap.Logger) *JobServer {
	redisOpt := asynq.RedisClientOpt{Addr: redisAddr}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			Logger: log.Sugar(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Warn("Job failed", zap.String("type", task.Type()), zap.Error(err))
			}),
		},
	)
	mux := asynq.NewServeMux()
	h.Register(mux)

	return &JobServer{
		server:    server,
		scheduler: asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC, Logger: log.Sugar()}),
		mux:       mux,
		periodic:  periodic,
		log:       log,
	}
}

func (js *JobServer) registerPeriodic() error {
	entries := []struct {
		every time.Duration
		typ   string
		queue string
	}{
		{js.periodic.TickInterval, TypeSchedulerTick, "default"},
		{js.periodic.RecoverInterval, TypeNotificationRecover, "default"},
		{js.periodic.SweepInterval, TypeRetentionSweep, "low"},
	}
	for _, e := range entries {
		if e.every <= 0 {
			continue
		}
		spec := fmt.Sprintf("@every %s", e.every)
		// replicas register the same entries; Unique collapses their enqueues
		task := asynq.NewTask(e.typ, nil, asynq.Queue(e.queue), asynq.Unique(e.every), asynq.MaxRetry(0))
		if _, err := js.scheduler.Register(spec, task); err != nil {
			return fmt.Errorf("failed to register %s: %w", e.typ, err)
		}
	}
	return nil
}

// Run serves jobs until ctx is done
func (js *JobServer) Run(ctx context.Context) error {
	if err := js.registerPeriodic(); err != nil {
		return err
	}
	if err := js.server.Start(js.mux); err != nil {
		return fmt.Errorf("failed to start job server: %w", err)
	}
	if err := js.scheduler.Start(); err != nil {
		js.server.Shutdown()
		return fmt.Errorf("failed to start job scheduler: %w", err)
	}
	js.log.Info("Job server started")

	<-ctx.Done()
	js.scheduler.Shutdown()
	js.server.Shutdown()
	js.log.Info("Job server stopped")
	return nil
}
