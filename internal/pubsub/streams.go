package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamEvent is an event read back from a channel's stream
type StreamEvent struct {
	Channel   string
	Sequence  int64
	Event     map[string]interface{}
	Timestamp time.Time
}

// Streams keeps a bounded, sequence-numbered history per channel so that
// websocket clients can resume after a reconnect.
type Streams struct {
	rdb    *redis.Client
	log    *zap.Logger
	maxLen int64
}

func NewStreams(rdb *redis.Client, log *zap.Logger) *Streams {
	return &Streams{rdb: rdb, log: log, maxLen: 10000}
}

func streamKey(channel string) string { return "stream:" + channel }

// Append stores event under the channel's next sequence number. The stream
// entry id is "<seq>-1" so replay can start from any sequence.
func (s *Streams) Append(ctx context.Context, channel string, event map[string]interface{}) (int64, error) {
	seq, err := s.rdb.Incr(ctx, "seq:"+channel).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment sequence: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(channel),
		MaxLen: s.maxLen,
		Approx: true,
		ID:     fmt.Sprintf("%d-1", seq),
		Values: map[string]interface{}{
			"data": string(data),
			"at":   time.Now().UTC().Format(time.RFC3339Nano),
		},
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to add to stream: %w", err)
	}

	s.log.Debug("Appended event to stream", zap.String("channel", channel), zap.Int64("seq", seq))
	return seq, nil
}

// LastSequence returns the last sequence a connection acknowledged
func (s *Streams) LastSequence(ctx context.Context, channel, connectionID string) (int64, error) {
	v, err := s.rdb.Get(ctx, ackKey(channel, connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get last sequence: %w", err)
	}
	seq, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse sequence: %w", err)
	}
	return seq, nil
}

// Acknowledge records that connectionID has seen channel up to sequence
func (s *Streams) Acknowledge(ctx context.Context, channel, connectionID string, sequence int64) error {
	if err := s.rdb.Set(ctx, ackKey(channel, connectionID), sequence, 7*24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to acknowledge sequence: %w", err)
	}
	return nil
}

func ackKey(channel, connectionID string) string {
	return fmt.Sprintf("ack:%s:%s", channel, connectionID)
}

// Replay returns up to limit events after sinceSeq, oldest first
func (s *Streams) Replay(ctx context.Context, channel string, sinceSeq, limit int64) ([]StreamEvent, error) {
	msgs, err := s.rdb.XRangeN(ctx, streamKey(channel), fmt.Sprintf("%d-0", sinceSeq+1), "+", limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	events := make([]StreamEvent, 0, len(msgs))
	for _, msg := range msgs {
		seq, err := parseSequence(msg.ID)
		if err != nil {
			s.log.Warn("Skipping stream entry", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		data, _ := msg.Values["data"].(string)
		var event map[string]interface{}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			s.log.Warn("Failed to unmarshal event", zap.String("id", msg.ID), zap.Error(err))
			continue
		}
		at, _ := msg.Values["at"].(string)
		ts, _ := time.Parse(time.RFC3339Nano, at)
		events = append(events, StreamEvent{Channel: channel, Sequence: seq, Event: event, Timestamp: ts})
	}
	return events, nil
}

// parseSequence extracts the sequence from a "<seq>-1" stream id
func parseSequence(id string) (int64, error) {
	for i := 0; i < len(id); i++ {
		if id[i] == '-' {
			return strconv.ParseInt(id[:i], 10, 64)
		}
	}
	return 0, fmt.Errorf("invalid stream id %q", id)
}
