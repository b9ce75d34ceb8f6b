package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// StatusTokenInvalid is the close code the backend uses for a rejected token.
const StatusTokenInvalid websocket.StatusCode = 4001

// ============================================================================
// Transport
// ============================================================================

// Conn is the part of *websocket.Conn the channel relies on.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a socket to rawURL.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

// WebSocketDialer dials with nhooyr.io/websocket. client may be nil.
func WebSocketDialer(client *http.Client) Dialer {
	return func(ctx context.Context, rawURL string) (Conn, error) {
		conn, _, err := websocket.Dial(ctx, rawURL, &websocket.DialOptions{HTTPClient: client})
		if err != nil {
			return nil, err
		}
		conn.SetReadLimit(1 << 20)
		return conn, nil
	}
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeChannel.
type RealtimeConfig struct {
	// URL is the socket endpoint without the token, e.g. Client.ChatURL().
	URL    string
	Tokens TokenSource

	DisableReconnect     bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HeartbeatInterval    time.Duration
	// PongTimeoutIntervals closes a connection that has answered pings before
	// but misses this many intervals in a row. Negative disables the check.
	PongTimeoutIntervals int
	DedupCapacity        int
	FlushInterval        time.Duration
	// ConfirmTimeout drops inflight messages never echoed by the server.
	ConfirmTimeout time.Duration
	DialTimeout    time.Duration
	WriteTimeout   time.Duration

	Dialer Dialer
	Clock  func() time.Time
	Logger *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PongTimeoutIntervals == 0 {
		c.PongTimeoutIntervals = 3
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 100
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = 10 * time.Millisecond
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer(nil)
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = noOpLogger
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ConnectionInfo is a snapshot of the channel's health.
type ConnectionInfo struct {
	Connected         bool
	State             RealtimeState
	Latency           time.Duration
	LastPong          time.Time
	QueuedMessages    int
	ReconnectAttempts int
}

// ============================================================================
// Handlers
// ============================================================================

// MessageHandler receives inbound frames.
type MessageHandler func(Frame)

// HandlerID identifies a registered MessageHandler.
type HandlerID uint64

type handlerSet struct {
	mu       sync.RWMutex
	nextID   HandlerID
	handlers map[HandlerID]MessageHandler
	order    []HandlerID
}

func (s *handlerSet) add(h MessageHandler) HandlerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	if s.handlers == nil {
		s.handlers = make(map[HandlerID]MessageHandler)
	}
	s.handlers[s.nextID] = h
	s.order = append(s.order, s.nextID)
	return s.nextID
}

func (s *handlerSet) remove(id HandlerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[id]; !ok {
		return
	}
	delete(s.handlers, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *handlerSet) snapshot() []MessageHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MessageHandler, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.handlers[id])
	}
	return out
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxAttempts int
	attempt     int
}

func (r *reconnector) shouldReconnect() bool {
	return r.attempt < r.maxAttempts
}

// nextDelay advances the attempt counter and returns base × attempt.
func (r *reconnector) nextDelay() time.Duration {
	r.attempt++
	return r.baseDelay * time.Duration(r.attempt)
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// RealtimeChannel
// ============================================================================

// RealtimeChannel is one WebSocket session with reconnect, heartbeat,
// inbound de-duplication and an outbound message pipeline.
type RealtimeChannel struct {
	config RealtimeConfig
	logger *zap.Logger
	clock  func() time.Time

	mu               sync.Mutex
	state            RealtimeState
	conn             Conn
	generation       uint64
	cancelFn         context.CancelFunc
	intentionalClose bool
	token            string
	recon            *reconnector
	reconnectTimer   *time.Timer
	lastPong         time.Time
	sawPong          bool
	latency          time.Duration
	stateListeners   []func(RealtimeState)

	handlers handlerSet
	outbox   *outbox
	recent   *dedupRing
}

// NewRealtimeChannel creates a disconnected channel. Call Connect to open it.
func NewRealtimeChannel(config RealtimeConfig) *RealtimeChannel {
	config.defaults()
	return &RealtimeChannel{
		config: config,
		logger: config.Logger.With(zap.String("endpoint", redactURL(config.URL))),
		clock:  config.Clock,
		state:  StateDisconnected,
		recon: &reconnector{
			baseDelay:   config.ReconnectBaseDelay,
			maxAttempts: config.MaxReconnectAttempts,
		},
		outbox: newOutbox(config.ConfirmTimeout),
		recent: newDedupRing(config.DedupCapacity),
	}
}

// AddMessageHandler registers h for every inbound frame. Handlers run in
// receipt order on a single goroutine per connection.
func (ch *RealtimeChannel) AddMessageHandler(h MessageHandler) HandlerID {
	return ch.handlers.add(h)
}

// RemoveMessageHandler unregisters a handler. Unknown ids are ignored.
func (ch *RealtimeChannel) RemoveMessageHandler(id HandlerID) {
	ch.handlers.remove(id)
}

// OnStateChange registers a listener for state transitions.
func (ch *RealtimeChannel) OnStateChange(fn func(RealtimeState)) {
	ch.mu.Lock()
	ch.stateListeners = append(ch.stateListeners, fn)
	ch.mu.Unlock()
}

// State returns the current connection state.
func (ch *RealtimeChannel) State() RealtimeState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connected reports whether the socket is open.
func (ch *RealtimeChannel) Connected() bool {
	return ch.State() == StateConnected
}

// Info returns a snapshot of connection health.
func (ch *RealtimeChannel) Info() ConnectionInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ConnectionInfo{
		Connected:         ch.state == StateConnected,
		State:             ch.state,
		Latency:           ch.latency,
		LastPong:          ch.lastPong,
		QueuedMessages:    ch.outbox.queued(),
		ReconnectAttempts: ch.recon.attempt,
	}
}

// setStateLocked records s and returns the listener notification to run
// once ch.mu is released.
func (ch *RealtimeChannel) setStateLocked(s RealtimeState) func() {
	if ch.state == s {
		return func() {}
	}
	ch.state = s
	listeners := append([]func(RealtimeState){}, ch.stateListeners...)
	return func() {
		for _, fn := range listeners {
			func() {
				defer func() {
					if r := recover(); r != nil {
						ch.logger.Error("state listener panicked", zap.Any("panic", r))
					}
				}()
				fn(s)
			}()
		}
	}
}

func (ch *RealtimeChannel) setState(s RealtimeState) {
	ch.mu.Lock()
	notify := ch.setStateLocked(s)
	ch.mu.Unlock()
	notify()
}

// Connect opens the socket. It is a no-op while connected or connecting.
// An empty token is resolved through the configured TokenSource. Connect
// also re-arms reconnection after the attempt budget was exhausted.
func (ch *RealtimeChannel) Connect(ctx context.Context, token string) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.intentionalClose = false
	if token != "" {
		ch.token = token
	}
	ch.stopReconnectTimerLocked()
	ch.recon.reset()
	notify := ch.setStateLocked(StateConnecting)
	ch.mu.Unlock()
	notify()

	return ch.open(ctx, token, false)
}

func (ch *RealtimeChannel) open(ctx context.Context, token string, forceRefresh bool) error {
	ch.setState(StateConnecting)

	token, err := ch.resolveToken(ctx, token, forceRefresh)
	if err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("resolve token: %w", err)
	}
	target, err := withToken(ch.config.URL, token)
	if err != nil {
		ch.setState(StateDisconnected)
		return err
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, ch.config.DialTimeout)
	conn, err := ch.config.Dialer(dialCtx, target)
	cancelDial()
	if err != nil {
		ch.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	ch.mu.Lock()
	if ch.intentionalClose {
		notify := ch.setStateLocked(StateDisconnected)
		ch.mu.Unlock()
		notify()
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	ch.generation++
	gen := ch.generation
	ch.conn = conn
	ch.recon.reset()
	ch.lastPong = ch.clock()
	ch.sawPong = false
	connCtx, cancel := context.WithCancel(context.Background())
	ch.cancelFn = cancel
	notify := ch.setStateLocked(StateConnected)
	ch.mu.Unlock()
	notify()

	ch.logger.Info("realtime connected", zap.Uint64("generation", gen))

	frames := make(chan Frame, 64)
	go ch.readLoop(connCtx, conn, gen, frames)
	go ch.dispatchLoop(frames)
	if ch.config.HeartbeatInterval > 0 {
		go ch.heartbeatLoop(connCtx, cancel, conn, gen)
	}
	go ch.flush(connCtx, conn, gen)
	return nil
}

func (ch *RealtimeChannel) resolveToken(ctx context.Context, token string, forceRefresh bool) (string, error) {
	if token != "" && !forceRefresh {
		return token, nil
	}
	if ch.config.Tokens == nil {
		ch.mu.Lock()
		saved := ch.token
		ch.mu.Unlock()
		if saved == "" {
			return "", ErrNotAuthenticated
		}
		return saved, nil
	}
	if forceRefresh {
		fresh, err := ch.config.Tokens.Refresh(ctx)
		if err == nil {
			return fresh, nil
		}
		ch.logger.Warn("token refresh before reconnect failed", zap.Error(err))
	}
	return ch.config.Tokens.Token(ctx)
}

// Disconnect closes the socket with a normal closure and cancels any pending
// reconnect. It is idempotent.
func (ch *RealtimeChannel) Disconnect() {
	ch.mu.Lock()
	ch.intentionalClose = true
	ch.stopReconnectTimerLocked()
	conn := ch.conn
	ch.conn = nil
	cancel := ch.cancelFn
	ch.cancelFn = nil
	notify := ch.setStateLocked(StateDisconnected)
	ch.mu.Unlock()
	notify()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			ch.logger.Debug("close after disconnect", zap.Error(err))
		}
		ch.logger.Info("realtime disconnected")
	}
	if cancel != nil {
		cancel()
	}
}

func (ch *RealtimeChannel) stopReconnectTimerLocked() {
	if ch.reconnectTimer != nil {
		ch.reconnectTimer.Stop()
		ch.reconnectTimer = nil
	}
}

// current returns the open connection and its generation.
func (ch *RealtimeChannel) current() (Conn, uint64, bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != StateConnected || ch.conn == nil {
		return nil, 0, false
	}
	return ch.conn, ch.generation, true
}

// ── Outbound ─────────────────────────────────────────────

// SendMessage queues a chat message and transmits it at once when the
// socket is open. It reports whether the message went out now; a false
// return leaves it queued for the next connection.
func (ch *RealtimeChannel) SendMessage(message, sender, receiver string) bool {
	now := ch.clock()
	p := &PendingMessage{
		Message:   message,
		Sender:    sender,
		Receiver:  receiver,
		Timestamp: now.UnixMilli(),
	}
	return ch.SendPending(p)
}

// SendPending is SendMessage for a caller-built message. A missing
// MessageID is derived from sender, receiver and timestamp.
func (ch *RealtimeChannel) SendPending(p *PendingMessage) bool {
	if p.Timestamp == 0 {
		p.Timestamp = ch.clock().UnixMilli()
	}
	if p.MessageID == "" {
		p.MessageID = correlationID(p.Sender, p.Receiver, p.Timestamp)
	}
	if ch.outbox.has(p.MessageID) {
		p.MessageID += "_" + uuid.NewString()[:8]
	}
	if n := ch.outbox.expire(ch.clock()); n > 0 {
		ch.logger.Debug("expired unconfirmed messages", zap.Int("count", n))
	}
	ch.outbox.enqueue(p)

	conn, gen, ok := ch.current()
	if !ok {
		ch.logger.Debug("not connected, message queued", zap.String("message_id", p.MessageID))
		return false
	}
	return ch.transmit(conn, gen, p)
}

func (ch *RealtimeChannel) transmit(conn Conn, gen uint64, p *PendingMessage) bool {
	if !ch.outbox.claim(p.MessageID, gen, ch.clock()) {
		return true
	}
	if err := ch.write(conn, p.frame()); err != nil {
		ch.outbox.release(p.MessageID, gen)
		ch.logger.Warn("send failed, message queued", zap.String("message_id", p.MessageID), zap.Error(err))
		return false
	}
	return true
}

// Send writes a raw frame. It does not queue.
func (ch *RealtimeChannel) Send(ctx context.Context, f Frame) error {
	conn, _, ok := ch.current()
	if !ok {
		return ErrNotConnected
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ch *RealtimeChannel) write(conn Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), ch.config.WriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// flush sends what the new connection owes: queued entries and entries left
// inflight by an older connection, in order and paced.
func (ch *RealtimeChannel) flush(ctx context.Context, conn Conn, gen uint64) {
	if n := ch.outbox.expire(ch.clock()); n > 0 {
		ch.logger.Debug("expired unconfirmed messages", zap.Int("count", n))
	}
	pending := ch.outbox.pending(gen)
	if len(pending) == 0 {
		return
	}
	limiter := rate.NewLimiter(rate.Every(ch.config.FlushInterval), 1)
	sent := 0
	for _, p := range pending {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		if _, current, ok := ch.current(); !ok || current != gen {
			return
		}
		if !ch.transmit(conn, gen, p) {
			break
		}
		sent++
	}
	ch.logger.Debug("outbox flushed", zap.Int("sent", sent), zap.Int("pending", len(pending)))
}

// ── Inbound ──────────────────────────────────────────────

func (ch *RealtimeChannel) readLoop(ctx context.Context, conn Conn, gen uint64, frames chan<- Frame) {
	defer close(frames)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.handleClose(conn, gen, err)
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			ch.logger.Debug("unreadable frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case FramePong:
			ch.recordPong(f)
			continue
		case FrameMessageSent:
			if p, ok := ch.outbox.confirm(f); ok {
				ch.logger.Debug("message confirmed", zap.String("message_id", p.MessageID))
			}
		default:
			if key := f.dedupKey(); key != "" && ch.recent.seen(key) {
				ch.logger.Debug("duplicate frame dropped", zap.String("key", key))
				continue
			}
			// The chat room echoes our own messages back untyped; that
			// echo is the only delivery confirmation the room sends.
			if f.Type == FrameChatMessage {
				if p, ok := ch.outbox.confirmBroadcast(f); ok {
					ch.logger.Debug("message confirmed by broadcast", zap.String("message_id", p.MessageID))
				}
			}
		}

		select {
		case frames <- f:
		case <-ctx.Done():
			ch.handleClose(conn, gen, ctx.Err())
			return
		}
	}
}

func (ch *RealtimeChannel) dispatchLoop(frames <-chan Frame) {
	for f := range frames {
		for _, h := range ch.handlers.snapshot() {
			ch.invoke(h, f)
		}
	}
}

func (ch *RealtimeChannel) invoke(h MessageHandler, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error("message handler panicked", zap.String("type", f.Type), zap.Any("panic", r))
		}
	}()
	h(f)
}

func (ch *RealtimeChannel) recordPong(f Frame) {
	now := ch.clock()
	ch.mu.Lock()
	ch.lastPong = now
	ch.sawPong = true
	if !f.Timestamp.IsZero() {
		ch.latency = now.Sub(f.Timestamp.Time)
	}
	latency := ch.latency
	ch.mu.Unlock()
	ch.logger.Debug("realtime latency", zap.Duration("latency", latency))
}

// handleClose runs when the read side of a connection fails.
func (ch *RealtimeChannel) handleClose(conn Conn, gen uint64, err error) {
	ch.mu.Lock()
	if ch.conn != conn || ch.generation != gen {
		ch.mu.Unlock()
		return
	}
	ch.conn = nil
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	intentional := ch.intentionalClose
	ch.mu.Unlock()

	code, reason := closeDetails(err)
	ch.logger.Info("realtime closed", zap.Int("code", int(code)), zap.String("reason", reason))

	if intentional {
		ch.setState(StateDisconnected)
		return
	}
	ch.scheduleReconnect(isAuthClose(code, reason))
}

func closeDetails(err error) (websocket.StatusCode, string) {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	return websocket.CloseStatus(err), err.Error()
}

// isAuthClose reports whether a close means the token was rejected.
func isAuthClose(code websocket.StatusCode, reason string) bool {
	return code == StatusTokenInvalid || strings.Contains(strings.ToLower(reason), "token")
}

// scheduleReconnect arms the next attempt, or gives up once the budget is
// spent. Only an explicit Connect re-arms it.
func (ch *RealtimeChannel) scheduleReconnect(forceRefresh bool) {
	ch.mu.Lock()
	if ch.intentionalClose || ch.config.DisableReconnect {
		notify := ch.setStateLocked(StateDisconnected)
		ch.mu.Unlock()
		notify()
		return
	}
	if !ch.recon.shouldReconnect() {
		notify := ch.setStateLocked(StateDisconnected)
		attempts := ch.recon.attempt
		ch.mu.Unlock()
		notify()
		ch.logger.Error("max reconnection attempts reached", zap.Int("attempts", attempts))
		return
	}
	delay := ch.recon.nextDelay()
	attempt := ch.recon.attempt
	ch.stopReconnectTimerLocked()
	ch.reconnectTimer = time.AfterFunc(delay, func() { ch.reconnect(forceRefresh) })
	notify := ch.setStateLocked(StateReconnecting)
	ch.mu.Unlock()
	notify()

	ch.logger.Info("reconnect scheduled",
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", ch.config.MaxReconnectAttempts),
		zap.Duration("delay", delay),
		zap.Bool("refresh_token", forceRefresh),
	)
}

func (ch *RealtimeChannel) reconnect(forceRefresh bool) {
	ch.mu.Lock()
	if ch.intentionalClose || ch.state != StateReconnecting {
		ch.mu.Unlock()
		return
	}
	ch.reconnectTimer = nil
	notify := ch.setStateLocked(StateConnecting)
	ch.mu.Unlock()
	notify()

	if err := ch.open(context.Background(), "", forceRefresh); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return
		}
		ch.logger.Warn("reconnect failed", zap.Error(err))
		ch.scheduleReconnect(forceRefresh)
	}
}

// ── Heartbeat ────────────────────────────────────────────

func (ch *RealtimeChannel) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, conn Conn, gen uint64) {
	ticker := time.NewTicker(ch.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, current, ok := ch.current(); !ok || current != gen {
				return
			}
			if ch.pongOverdue() {
				ch.logger.Warn("no pong received, closing connection",
					zap.Int("intervals", ch.config.PongTimeoutIntervals))
				go conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				cancel()
				return
			}
			ping := Frame{Type: FramePing, Timestamp: Timestamp{ch.clock()}}
			if err := ch.write(conn, ping); err != nil {
				ch.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

// pongOverdue reports a missed-pong timeout. The check only applies once the
// server has answered a ping on this connection.
func (ch *RealtimeChannel) pongOverdue() bool {
	if ch.config.PongTimeoutIntervals < 0 {
		return false
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.sawPong {
		return false
	}
	limit := ch.config.HeartbeatInterval * time.Duration(ch.config.PongTimeoutIntervals)
	return ch.clock().Sub(ch.lastPong) > limit
}

// ── URL helpers ──────────────────────────────────────────

func withToken(rawURL, token string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redactURL(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}
