package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"bypassd/internal/clock"
	"bypassd/internal/metrics"
	"bypassd/internal/model"
)

// DispatcherConfig sizes the queue and worker pool
type DispatcherConfig struct {
	QueueSize       int
	Workers         int
	PerChannelLimit int
	SendTimeout     time.Duration
}

// Dispatcher drains a bounded queue of messages into a Sink and acks each
// attempt back onto the owning workflow.
type Dispatcher struct {
	queue   chan Message
	sink    Sink
	cfg     DispatcherConfig
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Metrics

	mu   sync.Mutex
	sems map[model.Channel]*semaphore.Weighted
}

func NewDispatcher(sink Sink, cfg DispatcherConfig, clk clock.Clock, log *zap.Logger, m *metrics.Metrics) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PerChannelLimit <= 0 {
		cfg.PerChannelLimit = 2
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		queue:   make(chan Message, cfg.QueueSize),
		sink:    sink,
		cfg:     cfg,
		clock:   clk,
		log:     log,
		metrics: m,
		sems:    make(map[model.Channel]*semaphore.Weighted),
	}
}

// Offer enqueues msg without blocking; false means the queue was full and
// the record stays undelivered for the recovery loop.
func (d *Dispatcher) Offer(msg Message) bool {
	select {
	case d.queue <- msg:
		d.metrics.QueueDepth(len(d.queue))
		return true
	default:
		d.metrics.Dropped()
		d.log.Warn("Notification queue full",
			zap.String("workflow_id", msg.WorkflowID),
			zap.String("notification_id", msg.ID),
			zap.String("channel", string(msg.Channel)))
		return false
	}
}

// Depth is the number of queued messages
func (d *Dispatcher) Depth() int {
	return len(d.queue)
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context, acker Acker) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(gctx, acker)
			return nil
		})
	}
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context, acker Acker) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-d.queue:
			d.metrics.QueueDepth(len(d.queue))
			d.deliver(ctx, acker, msg)
		}
	}
}

func (d *Dispatcher) semaphore(ch model.Channel) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.sems[ch]
	if !ok {
		sem = semaphore.NewWeighted(int64(d.cfg.PerChannelLimit))
		d.sems[ch] = sem
	}
	return sem
}

func (d *Dispatcher) deliver(ctx context.Context, acker Acker, msg Message) {
	sem := d.semaphore(msg.Channel)
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	receipt, err := d.sink.Send(sendCtx, msg)
	cancel()
	sem.Release(1)

	receipt.At = d.clock.Now()
	result := "delivered"
	if err != nil {
		receipt.Delivered = false
		receipt.Error = err.Error()
		result = "failed"
		d.log.Warn("Notification send failed",
			zap.String("workflow_id", msg.WorkflowID),
			zap.String("notification_id", msg.ID),
			zap.String("channel", string(msg.Channel)),
			zap.Error(err))
	}
	d.metrics.Notification(string(msg.Channel), result)

	if err := acker.AckNotification(ctx, msg.WorkflowID, msg.ID, receipt); err != nil {
		d.log.Warn("Failed to ack notification",
			zap.String("workflow_id", msg.WorkflowID),
			zap.String("notification_id", msg.ID),
			zap.Error(err))
	}
}
