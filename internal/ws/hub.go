package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"bypassd/internal/auth"
	"bypassd/internal/policy"
	"bypassd/internal/pubsub"
)

// StreamsProvider replays channel history to resuming clients
type StreamsProvider interface {
	LastSequence(ctx context.Context, channel, connectionID string) (int64, error)
	Acknowledge(ctx context.Context, channel, connectionID string, sequence int64) error
	Replay(ctx context.Context, channel string, sinceSeq, limit int64) ([]pubsub.StreamEvent, error)
}

// Hub fans channel messages out to subscribed connections
type Hub struct {
	mu         sync.RWMutex
	conns      map[*Conn]bool
	subs       map[string]map[*Conn]bool // channel -> connections
	publish    chan Event
	log        *zap.Logger
	cmdHandler *CommandHandler
	streams    StreamsProvider
	hierarchy  func() *policy.Hierarchy
}

// Conn is one authenticated websocket client
type Conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	hub       *Hub
	principal auth.Principal
	subs      map[string]bool // guarded by hub.mu
	ctx       context.Context
}

// Event is a message queued for one channel
type Event struct {
	Channel string
	Message map[string]interface{}
}

// NewHub creates a hub; hierarchy supplies the current role ranking used to
// authorise role channel subscriptions.
func NewHub(log *zap.Logger, hierarchy func() *policy.Hierarchy) *Hub {
	return &Hub{
		conns:     make(map[*Conn]bool),
		subs:      make(map[string]map[*Conn]bool),
		publish:   make(chan Event, 256),
		log:       log,
		hierarchy: hierarchy,
	}
}

// SetCommandHandler routes cmd frames to handler
func (h *Hub) SetCommandHandler(handler *CommandHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmdHandler = handler
}

// SetStreamsProvider enables ack and resume
func (h *Hub) SetStreamsProvider(provider StreamsProvider) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = provider
}

// Run fans published events out to subscribers until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case event := <-h.publish:
			h.broadcast(event)
		}
	}
}

func (h *Hub) broadcast(event Event) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.subs[event.Channel]))
	for conn := range h.subs[event.Channel] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	if len(conns) == 0 {
		return
	}

	msg, err := json.Marshal(event.Message)
	if err != nil {
		h.log.Warn("Failed to marshal event", zap.String("channel", event.Channel), zap.Error(err))
		return
	}
	for _, conn := range conns {
		if !conn.trySend(msg) {
			h.log.Warn("Connection too slow, dropping", zap.String("user_id", conn.principal.UserID))
			h.unregister(conn)
		}
	}
}

// Register starts tracking conn
func (h *Hub) Register(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = true
}

// unregister removes a connection and closes it; safe to call twice
func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn]; ok {
		delete(h.conns, conn)
		for channel := range conn.subs {
			if subs := h.subs[channel]; subs != nil {
				delete(subs, conn)
				if len(subs) == 0 {
					delete(h.subs, channel)
				}
			}
		}
	}
	h.mu.Unlock()
	conn.close()
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		h.unregister(conn)
	}
}

// Subscribe adds a connection to a channel if its principal may see it
func (h *Hub) Subscribe(conn *Conn, channel string) bool {
	if !h.authorised(conn, channel) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[*Conn]bool)
	}
	h.subs[channel][conn] = true
	conn.subs[channel] = true
	return true
}

func (h *Hub) authorised(conn *Conn, channel string) bool {
	var hier *policy.Hierarchy
	if h.hierarchy != nil {
		hier = h.hierarchy()
	}
	return conn.principal.CanSubscribe(channel, hier)
}

// Unsubscribe drops conn from channel
func (h *Hub) Unsubscribe(conn *Conn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs := h.subs[channel]; subs != nil {
		delete(subs, conn)
		if len(subs) == 0 {
			delete(h.subs, channel)
		}
	}
	delete(conn.subs, channel)
}

// Subscribers counts connections on channel
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Publish queues message for channel without blocking
func (h *Hub) Publish(channel string, message map[string]interface{}) {
	select {
	case h.publish <- Event{Channel: channel, Message: message}:
	default:
		h.log.Warn("Hub publish channel full, dropping event", zap.String("channel", channel))
	}
}

// NewConn wraps an upgraded socket for principal p
func NewConn(ctx context.Context, ws *websocket.Conn, hub *Hub, p auth.Principal) *Conn {
	return &Conn{
		ws:        ws,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		hub:       hub,
		principal: p,
		subs:      make(map[string]bool),
		ctx:       ctx,
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// trySend queues msg without blocking; false means the buffer is full
func (c *Conn) trySend(msg []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// ReadPump decodes client frames until the socket closes
func (c *Conn) ReadPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(64 << 10)
	c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Warn("Failed to parse message", zap.Error(err))
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump drains the send buffer and keeps the socket alive with pings
func (c *Conn) WritePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(msg map[string]interface{}) {
	msgType, _ := msg["type"].(string)
	channel, _ := msg["channel"].(string)

	switch msgType {
	case "subscribe":
		if channel == "" {
			return
		}
		if !c.hub.Subscribe(c, channel) {
			c.sendError("", "unauthorised", "not allowed to subscribe to "+channel)
			return
		}
		c.sendAck("subscribed", channel)
	case "unsubscribe":
		if channel != "" {
			c.hub.Unsubscribe(c, channel)
			c.sendAck("unsubscribed", channel)
		}
	case "ack":
		seq, _ := msg["seq"].(float64)
		if channel != "" && seq > 0 {
			c.hub.Acknowledge(c, channel, int64(seq))
		}
	case "resume":
		since, ok := msg["since"].(float64)
		if channel == "" {
			return
		}
		if !c.hub.authorised(c, channel) {
			c.sendError("", "unauthorised", "not allowed to resume "+channel)
			return
		}
		c.hub.Resume(c, channel, int64(since), ok)
	case "cmd":
		c.hub.mu.RLock()
		handler := c.hub.cmdHandler
		c.hub.mu.RUnlock()
		if handler != nil {
			handler.HandleCommand(c.ctx, c, msg)
		} else {
			c.hub.log.Warn("Command handler not set")
		}
	case "ping":
		c.sendAck("pong", "")
	default:
		c.hub.log.Warn("Unknown message type", zap.String("type", msgType))
	}
}

func (c *Conn) sendAck(msgType, channel string) {
	ack := map[string]interface{}{
		"type": "ack",
		"ack":  msgType,
	}
	if channel != "" {
		ack["channel"] = channel
	}
	c.sendJSON(ack)
}

func (c *Conn) sendError(msgID, code, message string) {
	e := map[string]interface{}{
		"type":    "error",
		"code":    code,
		"message": message,
	}
	if msgID != "" {
		e["id"] = msgID
	}
	c.sendJSON(e)
}

func (c *Conn) sendJSON(v map[string]interface{}) bool {
	msg, err := json.Marshal(v)
	if err != nil {
		c.hub.log.Warn("Failed to marshal message", zap.Error(err))
		return false
	}
	if !c.trySend(msg) {
		c.hub.log.Warn("Connection buffer full, dropping message", zap.String("user_id", c.principal.UserID))
		return false
	}
	return true
}

// Acknowledge stores the last sequence a principal has seen on channel
func (h *Hub) Acknowledge(conn *Conn, channel string, sequence int64) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil {
		return
	}
	if err := streams.Acknowledge(conn.ctx, channel, conn.principal.UserID, sequence); err != nil {
		h.log.Warn("Failed to acknowledge sequence",
			zap.String("channel", channel),
			zap.Int64("sequence", sequence),
			zap.Error(err),
		)
	}
}

// Resume replays events after sinceSeq. Without an explicit since the last
// acknowledged sequence of this user is used.
func (h *Hub) Resume(conn *Conn, channel string, sinceSeq int64, explicit bool) {
	h.mu.RLock()
	streams := h.streams
	h.mu.RUnlock()
	if streams == nil {
		conn.sendError("", "unavailable", "replay is not available")
		return
	}

	if !explicit {
		last, err := streams.LastSequence(conn.ctx, channel, conn.principal.UserID)
		if err != nil {
			h.log.Warn("Failed to read last sequence", zap.String("channel", channel), zap.Error(err))
		}
		sinceSeq = last
	}

	events, err := streams.Replay(conn.ctx, channel, sinceSeq, 100)
	if err != nil {
		h.log.Error("Failed to replay events",
			zap.String("channel", channel),
			zap.Int64("since", sinceSeq),
			zap.Error(err),
		)
		conn.sendError("", "unavailable", "replay failed")
		return
	}

	for _, event := range events {
		ok := conn.sendJSON(map[string]interface{}{
			"type":    "event",
			"channel": event.Channel,
			"seq":     event.Sequence,
			"data":    event.Event,
		})
		if !ok {
			return
		}
	}

	h.log.Info("Resumed events",
		zap.String("channel", channel),
		zap.String("user_id", conn.principal.UserID),
		zap.Int64("since", sinceSeq),
		zap.Int("count", len(events)),
	)
}
