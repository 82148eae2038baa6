package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"bypassd/internal/model"
)

// LogSink stands in for a provider integration: it logs and acknowledges
type LogSink struct {
	channel model.Channel
	log     *zap.Logger
}

func NewLogSink(channel model.Channel, log *zap.Logger) *LogSink {
	return &LogSink{channel: channel, log: log}
}

func (s *LogSink) Send(ctx context.Context, msg Message) (model.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return model.Receipt{}, err
	}
	id := ulid.Make().String()
	s.log.Info("Notification sent",
		zap.String("channel", string(s.channel)),
		zap.String("notification_id", msg.ID),
		zap.String("workflow_id", msg.WorkflowID),
		zap.String("recipient_id", msg.RecipientID),
		zap.String("kind", string(msg.Kind)),
		zap.String("provider_message_id", id))
	return model.Receipt{Delivered: true, ProviderMessageID: id}, nil
}

// WebhookSink POSTs the message as JSON, signed with HMAC-SHA256 when a
// secret is configured.
type WebhookSink struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookSink(url, secret string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Send(ctx context.Context, msg Message) (model.Receipt, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return model.Receipt{}, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bypassd-Message-ID", msg.ID)
	if s.secret != "" {
		mac := hmac.New(sha256.New, []byte(s.secret))
		mac.Write(body)
		req.Header.Set("X-Bypassd-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return model.Receipt{}, fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.Receipt{}, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	providerID := resp.Header.Get("X-Message-ID")
	if providerID == "" {
		providerID = msg.ID
	}
	return model.Receipt{Delivered: true, ProviderMessageID: providerID}, nil
}

// Router sends each message to the sink registered for its channel
type Router struct {
	sinks map[model.Channel]Sink
}

func NewRouter() *Router {
	return &Router{sinks: make(map[model.Channel]Sink)}
}

// Handle registers sink for channel
func (r *Router) Handle(channel model.Channel, sink Sink) *Router {
	r.sinks[channel] = sink
	return r
}

func (r *Router) Send(ctx context.Context, msg Message) (model.Receipt, error) {
	sink, ok := r.sinks[msg.Channel]
	if !ok {
		return model.Receipt{}, fmt.Errorf("no sink for channel %q", msg.Channel)
	}
	return sink.Send(ctx, msg)
}

// Recorder keeps every message it is sent. Fail, when set, decides per
// message whether the send fails.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Fail     func(Message) error
}

func (r *Recorder) Send(ctx context.Context, msg Message) (model.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	if r.Fail != nil {
		if err := r.Fail(msg); err != nil {
			return model.Receipt{}, err
		}
	}
	return model.Receipt{Delivered: true, ProviderMessageID: "rec-" + msg.ID}, nil
}

// Messages returns a copy of everything sent so far
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// To returns the messages sent to recipient
func (r *Recorder) To(recipient string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.RecipientID == recipient {
			out = append(out, m)
		}
	}
	return out
}
