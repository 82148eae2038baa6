// Package pubsub fans committed workflow events out to scope channels.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bypassd/internal/model"
)

// WSHub receives every event for local websocket subscribers
type WSHub interface {
	Publish(channel string, message map[string]interface{})
}

// Bus publishes through redis pub/sub, records each event in the channel's
// stream for replay and forwards it to the local hub.
type Bus struct {
	rdb     *redis.Client
	log     *zap.Logger
	hub     WSHub
	streams *Streams
}

func New(rdb *redis.Client, log *zap.Logger) *Bus {
	return &Bus{
		rdb:     rdb,
		log:     log,
		streams: NewStreams(rdb, log),
	}
}

// SetWSHub sets the WebSocket hub for event broadcasting
func (b *Bus) SetWSHub(hub WSHub) {
	b.hub = hub
}

func (b *Bus) Streams() *Streams {
	return b.streams
}

// PublishEvent delivers e on each of its scope channels. A failing channel
// does not stop the others.
func (b *Bus) PublishEvent(ctx context.Context, e model.Event) error {
	var errs []error
	for _, scope := range e.Scopes {
		if err := b.publish(ctx, scope.Channel(), e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) publish(ctx context.Context, channel string, e model.Event) error {
	msg := e.Envelope(channel)

	seq, err := b.streams.Append(ctx, channel, msg)
	if err != nil {
		b.log.Warn("Failed to publish to stream", zap.String("channel", channel), zap.Error(err))
	} else {
		msg["seq"] = seq
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	if b.hub != nil {
		b.hub.Publish(channel, msg)
	}
	b.log.Debug("Published event",
		zap.String("channel", channel),
		zap.String("workflow_id", e.WorkflowID),
		zap.String("kind", string(e.Kind)),
		zap.Int64("seq", seq))
	return nil
}

// Local is the in-process bus used when redis is not configured. Sequence
// numbers are per channel and live only as long as the process.
type Local struct {
	mu  sync.Mutex
	seq map[string]int64
	hub WSHub
	log *zap.Logger
}

func NewLocal(hub WSHub, log *zap.Logger) *Local {
	return &Local{seq: make(map[string]int64), hub: hub, log: log}
}

func (l *Local) PublishEvent(ctx context.Context, e model.Event) error {
	for _, scope := range e.Scopes {
		channel := scope.Channel()
		msg := e.Envelope(channel)
		l.mu.Lock()
		l.seq[channel]++
		msg["seq"] = l.seq[channel]
		l.mu.Unlock()
		if l.hub != nil {
			l.hub.Publish(channel, msg)
		}
	}
	return nil
}
