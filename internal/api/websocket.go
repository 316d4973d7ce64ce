package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/pixelbridge/internal/infrastructure/config"
	"github.com/nerrad567/pixelbridge/internal/infrastructure/logging"
	"github.com/nerrad567/pixelbridge/internal/session"
	"github.com/nerrad567/pixelbridge/internal/telemetry"
)

// Message types on the push stream. Clients send subscribe, unsubscribe
// and ping; the server answers with ack, pong or error and pushes event.
const (
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgAck         = "ack"
	MsgEvent       = "event"
	MsgError       = "error"
)

// ChannelPrefix is prepended to a frame kind to name its channel, so
// telemetry pushes go out on "controller.telemetry".
const ChannelPrefix = "controller."

const (
	// sendBuffer is how many messages may queue for a slow client before
	// further events to it are dropped.
	sendBuffer = 256

	defaultPingInterval = 30 // seconds
	defaultPongTimeout  = 10 // seconds
)

// Channel names the channel frames of kind are pushed on.
func Channel(kind session.ReplyKind) string {
	return ChannelPrefix + kind.String()
}

// ClientMessage is a request from a stream client.
type ClientMessage struct {
	Type     string   `json:"type"`
	ID       string   `json:"id,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// ServerMessage is anything the server writes to a stream client. ID echoes
// the request an ack, pong or error answers.
type ServerMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Time    string `json:"time"`
	Data    any    `json:"data,omitempty"`
}

// FrameEvent is the data of a pushed controller frame. Binary is only set
// for frames that carry no JSON fields, such as preview frames.
type FrameEvent struct {
	Device   string         `json:"device"`
	Kind     string         `json:"kind"`
	Fields   map[string]any `json:"fields,omitempty"`
	Binary   []byte         `json:"binary,omitempty"`
	Received string         `json:"received"`
}

// Hub pushes controller frames to WebSocket clients by channel.
//
// A subscriber's outbound queue is only closed while the hub lock is held
// for writing and the subscriber is removed in the same step, so anything
// delivering under the read lock never sends on a closed queue.
type Hub struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

var _ telemetry.Sink = (*Hub)(nil)

// subscriber is one connected stream client.
type subscriber struct {
	hub  *Hub
	conn *websocket.Conn
	out  chan []byte

	mu       sync.RWMutex
	channels map[string]bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are vetted by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewHub creates a hub. Zero ping settings fall back to a 30 second ping
// with a 10 second pong deadline.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	return &Hub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Run waits for ctx to end, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.out)
		if s.conn != nil {
			s.conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// HandleFrame pushes an unsolicited controller frame to the clients
// subscribed to its kind. Nothing is encoded when nobody is listening.
func (h *Hub) HandleFrame(device string, f session.Frame) {
	channel := Channel(f.Kind)
	if !h.listening(channel) {
		return
	}

	received := f.Received
	if received.IsZero() {
		received = time.Now()
	}
	event := FrameEvent{
		Device:   device,
		Kind:     f.Kind.String(),
		Fields:   f.Fields,
		Received: received.UTC().Format(time.RFC3339Nano),
	}
	if f.Fields == nil {
		event.Binary = f.Binary
	}
	h.Broadcast(channel, event)
}

// Broadcast pushes data as an event on channel.
func (h *Hub) Broadcast(channel string, data any) {
	msg, err := encode(ServerMessage{Type: MsgEvent, Channel: channel, Data: data})
	if err != nil {
		h.logger.Error("encoding websocket event failed", "channel", channel, "error", err)
		return
	}

	h.mu.RLock()
	delivered, dropped := 0, 0
	for s := range h.subs {
		if !s.wants(channel) {
			continue
		}
		if s.offer(msg) {
			delivered++
		} else {
			dropped++
		}
	}
	h.mu.RUnlock()

	if dropped > 0 {
		h.logger.Warn("websocket client queue full, event dropped", "channel", channel, "dropped", dropped)
	}
	if delivered > 0 {
		h.logger.Debug("websocket event pushed", "channel", channel, "clients", delivered)
	}
}

func (h *Hub) listening(channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.wants(channel) {
			return true
		}
	}
	return false
}

func (h *Hub) attach(s *subscriber) {
	h.mu.Lock()
	h.subs[s] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// detach removes s and closes its queue. Only the first call does anything,
// whether it comes from the read pump or from Run at shutdown.
func (h *Hub) detach(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s]
	if ok {
		delete(h.subs, s)
		close(s.out)
	}
	n := len(h.subs)
	h.mu.Unlock()
	if ok {
		h.logger.Debug("websocket client disconnected", "clients", n)
	}
}

// reply queues a direct answer to s if it is still attached.
func (h *Hub) reply(s *subscriber, msg ServerMessage) {
	data, err := encode(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.subs[s]; ok {
		s.offer(data)
	}
}

// handleWebSocket upgrades the request and starts the client's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sub := &subscriber{
		hub:      s.hub,
		conn:     conn,
		out:      make(chan []byte, sendBuffer),
		channels: make(map[string]bool),
	}
	s.hub.attach(sub)

	go sub.writeLoop()
	go sub.readLoop()
}

func (s *subscriber) wants(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[channel]
}

// offer queues data without blocking and reports whether it fit.
func (s *subscriber) offer(data []byte) bool {
	select {
	case s.out <- data:
		return true
	default:
		return false
	}
}

func (s *subscriber) deadlines() (ping, pong time.Duration) {
	cfg := s.hub.cfg
	return time.Duration(cfg.PingInterval) * time.Second, time.Duration(cfg.PongTimeout) * time.Second
}

// readLoop handles client requests until the connection fails. Any inbound
// message counts as liveness, as does a pong.
func (s *subscriber) readLoop() {
	defer func() {
		s.hub.detach(s)
		s.conn.Close()
	}()

	ping, pong := s.deadlines()
	extend := func() error {
		return s.conn.SetReadDeadline(time.Now().Add(ping + pong))
	}
	if s.hub.cfg.MaxMessageSize > 0 {
		s.conn.SetReadLimit(int64(s.hub.cfg.MaxMessageSize))
	}
	extend() //nolint:errcheck // a failed deadline surfaces on the next read
	s.conn.SetPongHandler(func(string) error { return extend() })

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		extend() //nolint:errcheck // a failed deadline surfaces on the next read
		s.handle(data)
	}
}

// writeLoop drains the queue and pings on the configured interval. It ends
// when the queue is closed or a write fails.
func (s *subscriber) writeLoop() {
	ping, pong := s.deadlines()
	ticker := time.NewTicker(ping)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		var (
			kind    = websocket.PingMessage
			payload []byte
		)
		select {
		case data, ok := <-s.out:
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil) //nolint:errcheck // closing anyway
				return
			}
			kind, payload = websocket.TextMessage, data
		case <-ticker.C:
		}

		s.conn.SetWriteDeadline(time.Now().Add(pong)) //nolint:errcheck // write below reports it
		if err := s.conn.WriteMessage(kind, payload); err != nil {
			return
		}
	}
}

func (s *subscriber) handle(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.fail("", "message is not valid JSON")
		return
	}

	switch msg.Type {
	case MsgSubscribe, MsgUnsubscribe:
		if len(msg.Channels) == 0 {
			s.fail(msg.ID, "no channels given")
			return
		}
		s.mu.Lock()
		for _, ch := range msg.Channels {
			if msg.Type == MsgSubscribe {
				s.channels[ch] = true
			} else {
				delete(s.channels, ch)
			}
		}
		s.mu.Unlock()
		s.hub.reply(s, ServerMessage{Type: MsgAck, ID: msg.ID, Data: map[string]any{msg.Type: msg.Channels}})
	case MsgPing:
		s.hub.reply(s, ServerMessage{Type: MsgPong, ID: msg.ID})
	default:
		s.fail(msg.ID, "unknown message type "+msg.Type)
	}
}

func (s *subscriber) fail(id, reason string) {
	s.hub.reply(s, ServerMessage{Type: MsgError, ID: id, Data: map[string]string{"message": reason}})
}

func encode(msg ServerMessage) ([]byte, error) {
	if msg.Time == "" {
		msg.Time = time.Now().UTC().Format(time.RFC3339)
	}
	return json.Marshal(msg)
}
