package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/pixelbridge/internal/lzstring"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for device communication.
const (
	// DefaultPort is the controller's websocket port.
	DefaultPort = 81

	// defaultConnectTimeout is the maximum time to wait for the websocket handshake.
	defaultConnectTimeout = 30 * time.Second

	// defaultCommandTimeout is how long a command waits for its reply.
	defaultCommandTimeout = 30 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// defaultHeartbeat is the websocket ping interval.
	defaultHeartbeat = 30 * time.Second

	// writeTimeout bounds a single frame write.
	writeTimeout = 5 * time.Second

	// readyPollInterval is how often StartAndAwaitReady asks for the config.
	readyPollInterval = time.Second

	// sinkQueueSize is the buffer size for the unsolicited frame queue.
	sinkQueueSize = 100
)

// State is the connection state of a Session.
type State int32

// Session states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state's name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Config holds session settings.
type Config struct {
	// Address is the controller's IP address or host name.
	Address string

	// Port is the websocket port. Default: 81.
	Port int

	// ConnectTimeout bounds the websocket handshake. Default: 30 seconds.
	ConnectTimeout time.Duration

	// CommandTimeout is the reply deadline for commands whose context has
	// none. Default: 30 seconds.
	CommandTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// Heartbeat is the ping interval. The connection is considered dead
	// after two intervals of silence. Default: 30 seconds.
	Heartbeat time.Duration

	// Dialer overrides the websocket dialer. Optional.
	Dialer *websocket.Dialer
}

// Stats holds operational statistics.
type Stats struct {
	FramesRx         uint64
	FramesTx         uint64
	FramesDropped    uint64 // Unsolicited frames dropped due to a full sink queue
	DecodeErrors     uint64
	ErrorsTotal      uint64
	ReconnectsTotal  uint64
	RequestsTimedOut uint64
	LastActivity     time.Time
	State            State
}

// Sink receives frames that no pending request accepted.
type Sink interface {
	HandleFrame(device string, f Frame)
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// sinkItem is a queued unsolicited frame.
type sinkItem struct {
	device string
	frame  Frame
}

// Session is one websocket connection to a controller with
// command/response correlation on top.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - At most one request per reply kind may be in flight.
//   - Frames are processed in arrival order by a single receive loop.
//   - Sink delivery runs on its own goroutine and never blocks the loop.
//
// Auto-Reconnection:
//   - When the connection drops, pending requests are released and the
//     session redials the current address with exponential backoff.
//   - Reconnection stops only when Stop is called.
type Session struct {
	cfg Config
	id  string

	// Connection state, guarded by connMu.
	connMu  sync.Mutex
	conn    *websocket.Conn
	running bool
	done    *closeOnce
	state   atomic.Int32

	// writeMu serialises frame writes; gorilla allows one writer.
	writeMu sync.Mutex

	pending   *pendingTable
	assembler *binaryAssembler

	name   string
	nameMu sync.RWMutex

	sink      Sink
	sinkMu    sync.RWMutex
	sinkQueue chan sinkItem

	wg sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesRx         atomic.Uint64
	framesTx         atomic.Uint64
	framesDropped    atomic.Uint64
	decodeErrors     atomic.Uint64
	errorsTotal      atomic.Uint64
	reconnectsTotal  atomic.Uint64
	requestsTimedOut atomic.Uint64
	lastActivity     atomic.Int64
}

// New creates a session for the controller at cfg.Address. It does not
// connect until Start is called.
func New(cfg Config) *Session {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	return &Session{
		cfg:       cfg,
		id:        uuid.NewString(),
		pending:   newPendingTable(),
		assembler: newBinaryAssembler(),
		done:      newCloseOnce(),
	}
}

// ID returns a random identifier used to tell sessions apart in logs.
func (s *Session) ID() string {
	return s.id
}

// Address returns the controller address currently targeted.
func (s *Session) Address() string {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.cfg.Address
}

// Name returns the controller name observed in its config, or "" before
// the first config frame.
func (s *Session) Name() string {
	s.nameMu.RLock()
	defer s.nameMu.RUnlock()
	return s.name
}

// URL returns the websocket URL for the current address.
func (s *Session) URL() string {
	return s.urlFor(s.Address())
}

func (s *Session) urlFor(address string) string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(address, strconv.Itoa(s.cfg.Port)),
		Path:   "/",
	}
	return u.String()
}

// Start opens the websocket and starts the receive loop.
//
// Calling Start on a running session is a no-op. A dial failure returns
// ErrTransport and leaves the session disconnected.
func (s *Session) Start(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.running {
		return nil
	}
	if s.cfg.Address == "" {
		return ErrNoAddress
	}

	s.setState(StateConnecting)
	conn, err := s.dial(ctx, s.cfg.Address)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.conn = conn
	s.running = true
	s.done = newCloseOnce()
	s.sinkQueue = make(chan sinkItem, sinkQueueSize)
	s.assembler.reset()
	s.setState(StateConnected)
	s.lastActivity.Store(time.Now().Unix())

	s.wg.Add(3)
	go s.receiveLoop(s.done)
	go s.heartbeatLoop(s.done)
	go s.sinkWorker(s.done, s.sinkQueue)

	s.logInfo("websocket connected", "url", s.urlFor(s.cfg.Address), "session", s.id)
	return nil
}

// StartAndAwaitReady starts the session and polls the controller's config
// once a second until its name is known.
func (s *Session) StartAndAwaitReady(ctx context.Context, timeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	if s.Name() != "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		started := time.Now()
		attemptCtx, attemptCancel := context.WithTimeout(ctx, readyPollInterval)
		//nolint:errcheck // the name is observed by the receive loop
		s.SendCommand(attemptCtx, map[string]any{"getConfig": true}, KindConfig)
		attemptCancel()

		if s.Name() != "" {
			return nil
		}
		if wait := readyPollInterval - time.Since(started); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: controller did not report its name", ErrTimeout)
		}
	}
}

// Stop closes the websocket and stops reconnecting. Every pending request
// is released with ErrCancelled. Safe to call multiple times; a later
// Start reopens the session.
func (s *Session) Stop() error {
	s.connMu.Lock()
	if !s.running {
		s.connMu.Unlock()
		return nil
	}
	s.running = false
	s.setState(StateDisconnected)
	s.done.Close()
	conn := s.conn
	s.conn = nil
	s.connMu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		//nolint:errcheck // best-effort close handshake
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}

	s.wg.Wait()

	if n := s.pending.failAll(ErrCancelled); n > 0 {
		s.logDebug("released pending requests", "count", n)
	}
	s.forgetName()
	s.setState(StateDisconnected)
	s.logInfo("session stopped", "address", s.Address())
	return nil
}

// SetAddress retargets the session. A running session drops its current
// connection and reconnects to the new address.
func (s *Session) SetAddress(address string) {
	s.connMu.Lock()
	if s.cfg.Address == address {
		s.connMu.Unlock()
		return
	}
	s.cfg.Address = address
	conn := s.conn
	s.connMu.Unlock()

	s.forgetName()

	if conn != nil {
		conn.Close()
	}
}

// forgetName drops the observed name so readiness is established afresh
// against whatever controller the session talks to next.
func (s *Session) forgetName() {
	s.nameMu.Lock()
	s.name = ""
	s.nameMu.Unlock()
}

// SendCommand writes a command and, unless kind is KindNone, waits for
// the matching reply.
//
// A []byte payload is sent as a binary frame; anything else is encoded
// as JSON. The deadline is the context's, or CommandTimeout if it has
// none.
func (s *Session) SendCommand(ctx context.Context, payload any, kind ReplyKind) (*Reply, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}

	var p *pendingRequest
	if kind != KindNone {
		var err error
		if p, err = s.pending.register(kind); err != nil {
			return nil, fmt.Errorf("%w: %s", err, kind)
		}
	}

	if err := s.write(payload); err != nil {
		if p != nil {
			s.pending.remove(p)
		}
		return nil, err
	}

	if p == nil {
		return &Reply{Kind: KindNone}, nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.CommandTimeout)
		defer cancel()
	}

	select {
	case res := <-p.done:
		return res.reply, res.err
	case <-ctx.Done():
		if !s.pending.remove(p) {
			// Resolved while we were giving up.
			res := <-p.done
			return res.reply, res.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.requestsTimedOut.Add(1)
			s.logDebug("command timed out", "kind", kind.String())
			return nil, fmt.Errorf("%w: %s", ErrTimeout, kind)
		}
		return nil, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// AwaitEmptyQueue pings the controller and waits for its acknowledgement,
// which arrives once earlier commands have been processed.
func (s *Session) AwaitEmptyQueue(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	_, err := s.SendCommand(ctx, map[string]any{"ping": true}, KindAck)
	return err == nil
}

// State returns the current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// IsConnected returns true while the websocket is open.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected
}

// Stats returns current operational statistics.
func (s *Session) Stats() Stats {
	return Stats{
		FramesRx:         s.framesRx.Load(),
		FramesTx:         s.framesTx.Load(),
		FramesDropped:    s.framesDropped.Load(),
		DecodeErrors:     s.decodeErrors.Load(),
		ErrorsTotal:      s.errorsTotal.Load(),
		ReconnectsTotal:  s.reconnectsTotal.Load(),
		RequestsTimedOut: s.requestsTimedOut.Load(),
		LastActivity:     time.Unix(s.lastActivity.Load(), 0),
		State:            s.State(),
	}
}

// SetTelemetrySink sets where unsolicited frames are delivered.
func (s *Session) SetTelemetrySink(sink Sink) {
	s.sinkMu.Lock()
	s.sink = sink
	s.sinkMu.Unlock()
}

// SetLogger sets the logger for this session.
func (s *Session) SetLogger(logger Logger) {
	s.loggerMu.Lock()
	s.logger = logger
	s.loggerMu.Unlock()
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) dial(ctx context.Context, address string) (*websocket.Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := s.cfg.Dialer.DialContext(dialCtx, s.urlFor(address), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.errorsTotal.Add(1)
		return nil, fmt.Errorf("%w: dial %s: %w", ErrTransport, address, err)
	}
	s.armReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.armReadDeadline(conn)
		return nil
	})
	return conn, nil
}

func (s *Session) armReadDeadline(conn *websocket.Conn) {
	//nolint:errcheck // best-effort deadline reset
	conn.SetReadDeadline(time.Now().Add(2 * s.cfg.Heartbeat))
}

func (s *Session) currentConn() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// write sends one frame.
func (s *Session) write(payload any) error {
	msgType := websocket.TextMessage
	var data []byte
	switch v := payload.(type) {
	case []byte:
		msgType, data = websocket.BinaryMessage, v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode command: %w", err)
		}
		data = encoded
	}

	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	//nolint:errcheck // best-effort deadline; write error caught below
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(msgType, data); err != nil {
		s.errorsTotal.Add(1)
		return fmt.Errorf("%w: write: %w", ErrTransport, err)
	}

	s.framesTx.Add(1)
	s.lastActivity.Store(time.Now().Unix())
	if msgType == websocket.TextMessage {
		s.logDebug("sent", "command", string(data))
	}
	return nil
}

// receiveLoop reads frames until Stop. On connection loss it releases
// pending requests and reconnects with exponential backoff.
func (s *Session) receiveLoop(done *closeOnce) {
	defer s.wg.Done()

	for {
		if isClosed(done) {
			return
		}

		conn := s.currentConn()
		if conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if isClosed(done) {
				return
			}
			s.handleDisconnect(conn, err)
			if !s.reconnect(done) {
				return
			}
			continue
		}

		s.armReadDeadline(conn)
		s.framesRx.Add(1)
		s.lastActivity.Store(time.Now().Unix())

		switch msgType {
		case websocket.TextMessage:
			s.handleText(data)
		case websocket.BinaryMessage:
			s.handleBinary(data)
		}
	}
}

// handleText correlates a JSON frame with a pending request.
func (s *Session) handleText(data []byte) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		s.decodeErrors.Add(1)
		s.logDebug("skipping undecodable frame", "error", err)
		return
	}

	if name, ok := fields["name"].(string); ok && name != "" {
		s.observeName(name)
	}

	if s.pending.offerJSON(fields) {
		return
	}

	s.enqueue(Frame{
		Kind:     classifyJSON(fields),
		Fields:   fields,
		Raw:      data,
		Received: time.Now(),
	})
}

// handleBinary reassembles binary transfers and correlates completed ones.
func (s *Session) handleBinary(data []byte) {
	if len(data) == 0 {
		s.decodeErrors.Add(1)
		return
	}

	// Preview frames are single frames without a flags byte.
	if data[0] == BinaryPreviewFrame {
		s.enqueue(Frame{
			Kind:       KindPreviewFrame,
			Binary:     data[1:],
			BinaryType: BinaryPreviewFrame,
			Received:   time.Now(),
		})
		return
	}

	typ, blob, complete := s.assembler.add(data)
	if !complete {
		return
	}

	kind, correlated := binaryReplies[typ]
	var text string
	if kind == KindSources {
		text = lzstring.DecompressFromUint8Array(blob)
	}

	if correlated && s.pending.offerBinary(kind, blob, text) {
		return
	}
	if !correlated {
		kind = KindBinary
	}
	s.enqueue(Frame{
		Kind:       kind,
		Binary:     blob,
		BinaryType: typ,
		Text:       text,
		Received:   time.Now(),
	})
}

func (s *Session) observeName(name string) {
	s.nameMu.Lock()
	changed := s.name != name
	s.name = name
	s.nameMu.Unlock()

	if changed {
		s.logInfo("controller identified", "name", name, "address", s.Address())
	}
}

// enqueue queues an unsolicited frame for the sink without blocking.
func (s *Session) enqueue(f Frame) {
	s.sinkMu.RLock()
	hasSink := s.sink != nil
	s.sinkMu.RUnlock()
	if !hasSink {
		return
	}

	device := s.Name()
	if device == "" {
		device = s.Address()
	}

	select {
	case s.sinkQueue <- sinkItem{device: device, frame: f}:
	default:
		s.framesDropped.Add(1)
		s.logDebug("sink queue full, dropping frame", "kind", f.Kind.String())
	}
}

// sinkWorker delivers unsolicited frames to the sink.
func (s *Session) sinkWorker(done *closeOnce, queue chan sinkItem) {
	defer s.wg.Done()

	for {
		select {
		case <-done.Done():
			return
		case item := <-queue:
			s.sinkMu.RLock()
			sink := s.sink
			s.sinkMu.RUnlock()

			if sink != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							s.logError("sink panic", fmt.Errorf("%v", r))
						}
					}()
					sink.HandleFrame(item.device, item.frame)
				}()
			}
		}
	}
}

// heartbeatLoop pings the controller so dead connections are noticed.
func (s *Session) heartbeatLoop(done *closeOnce) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done.Done():
			return
		case <-ticker.C:
			conn := s.currentConn()
			if conn == nil || !s.IsConnected() {
				continue
			}
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				s.logDebug("ping failed", "error", err)
			}
		}
	}
}

// handleDisconnect releases pending requests after the connection drops.
func (s *Session) handleDisconnect(conn *websocket.Conn, err error) {
	wasConnected := s.State() == StateConnected
	s.setState(StateReconnecting)
	conn.Close()
	s.assembler.reset()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		s.errorsTotal.Add(1)
	}
	if n := s.pending.failAll(fmt.Errorf("%w: %w", ErrCancelled, ErrTransport)); n > 0 {
		s.logDebug("released pending requests", "count", n)
	}
	if wasConnected {
		s.logWarn("websocket disconnected, will attempt reconnection", "error", err)
	}
}

// reconnect redials the current address until it succeeds or the
// session is stopped. Returns false on shutdown.
func (s *Session) reconnect(done *closeOnce) bool {
	backoff := s.cfg.ReconnectInterval
	attempt := 0

	for {
		if isClosed(done) {
			return false
		}

		attempt++
		address := s.Address()
		s.logInfo("attempting reconnection", "attempt", attempt, "address", address)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			select {
			case <-done.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		conn, err := s.dial(ctx, address)
		cancel()

		if err != nil {
			backoff = s.handleReconnectFailure(done, err, backoff)
			if backoff == 0 {
				return false
			}
			continue
		}

		s.connMu.Lock()
		if !s.running || isClosed(done) {
			s.connMu.Unlock()
			conn.Close()
			return false
		}
		s.conn = conn
		s.connMu.Unlock()

		s.setState(StateConnected)
		s.reconnectsTotal.Add(1)
		s.lastActivity.Store(time.Now().Unix())
		s.logInfo("reconnection successful", "total_reconnects", s.reconnectsTotal.Load())
		return true
	}
}

// handleReconnectFailure waits out the backoff and returns the next one,
// or 0 if shutdown was signalled.
func (s *Session) handleReconnectFailure(done *closeOnce, err error, backoff time.Duration) time.Duration {
	s.logError("reconnect failed", err)

	select {
	case <-done.Done():
		return 0
	case <-time.After(backoff):
	}

	newBackoff := time.Duration(float64(backoff) * 1.5)
	if newBackoff > maxReconnectInterval {
		newBackoff = maxReconnectInterval
	}
	return newBackoff
}

func isClosed(done *closeOnce) bool {
	select {
	case <-done.Done():
		return true
	default:
		return false
	}
}

func (s *Session) loggerFor() Logger {
	s.loggerMu.RLock()
	defer s.loggerMu.RUnlock()
	return s.logger
}

func (s *Session) logInfo(msg string, keysAndValues ...any) {
	if logger := s.loggerFor(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (s *Session) logWarn(msg string, keysAndValues ...any) {
	if logger := s.loggerFor(); logger != nil {
		logger.Warn(msg, keysAndValues...)
	}
}

func (s *Session) logDebug(msg string, keysAndValues ...any) {
	if logger := s.loggerFor(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (s *Session) logError(msg string, err error) {
	if logger := s.loggerFor(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
