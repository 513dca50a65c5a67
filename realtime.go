package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Event aliases
// ============================================================================

// LogicalEvent names an operation on the realtime channel independently of
// the wire event names the backend happens to use for it.
type LogicalEvent string

const (
	EventJoin    LogicalEvent = "join"
	EventLeave   LogicalEvent = "leave"
	EventSend    LogicalEvent = "send"
	EventReceive LogicalEvent = "receive"
)

// DefaultAliases maps each logical event to every wire name it is emitted
// or received under.
var DefaultAliases = map[LogicalEvent][]string{
	EventJoin:    {"joinChat", "join", "subscribe"},
	EventLeave:   {"leaveChat", "leave"},
	EventSend:    {"sendMessage", "chatMessage"},
	EventReceive: {"newMessage", "message", "chatMessage"},
}

// ============================================================================
// Wire frames
// ============================================================================

// Frame is the wire format for realtime events: {"event": ..., "data": ...}.
// Array frames of the form ["event", data] are accepted on read.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outgoingFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if len(data) > 0 && data[0] == '[' {
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil {
			return f, err
		}
		if len(parts) == 0 {
			return f, errors.New("empty frame")
		}
		if err := json.Unmarshal(parts[0], &f.Event); err != nil {
			return f, err
		}
		if len(parts) > 1 {
			f.Data = parts[1]
		}
		return f, nil
	}
	err := json.Unmarshal(data, &f)
	return f, err
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	// URL is the websocket endpoint, e.g. wss://api.kirayedar24.com/ws.
	URL string
	// Token authenticates the connection. When empty it is read from Tokens.
	Token  string
	Tokens KeyValueStore
	// Aliases overrides entries of DefaultAliases.
	Aliases map[LogicalEvent][]string

	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	ConnectTimeout       time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
	Metrics              *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "chatsync.realtime")
	}
	aliases := make(map[LogicalEvent][]string, len(DefaultAliases))
	for k, v := range DefaultAliases {
		aliases[k] = v
	}
	for k, v := range c.Aliases {
		aliases[k] = v
	}
	c.Aliases = aliases
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is the websocket side of the transport: room membership,
// message emit and receive, with auto-reconnect and heartbeat.
//
// Message handlers run on the read goroutine in arrival order and must not
// block.
type RealtimeClient struct {
	config *RealtimeConfig
	logger *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	recon            *reconnector
	cancelFn         context.CancelFunc
	rooms            map[string]struct{}

	handlersMu    sync.RWMutex
	nextHandler   int
	onMessage     map[int]func(RawMessage)
	onStateChange map[int]func(RealtimeState)
	receive       map[string]struct{}
}

// NewRealtimeClient creates a disconnected client. Call Connect to dial.
func NewRealtimeClient(config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	receive := make(map[string]struct{})
	for _, name := range cfg.Aliases[EventReceive] {
		receive[name] = struct{}{}
	}
	return &RealtimeClient{
		config:        &cfg,
		logger:        cfg.Logger,
		state:         StateDisconnected,
		recon:         newReconnector(&cfg),
		rooms:         make(map[string]struct{}),
		onMessage:     make(map[int]func(RawMessage)),
		onStateChange: make(map[int]func(RealtimeState)),
		receive:       receive,
	}
}

// OnMessage registers a handler for every receive alias. The returned
// function unregisters it.
func (ws *RealtimeClient) OnMessage(h func(RawMessage)) func() {
	ws.handlersMu.Lock()
	id := ws.nextHandler
	ws.nextHandler++
	ws.onMessage[id] = h
	ws.handlersMu.Unlock()
	return func() {
		ws.handlersMu.Lock()
		delete(ws.onMessage, id)
		ws.handlersMu.Unlock()
	}
}

// OnStateChange registers a handler for connection state changes.
func (ws *RealtimeClient) OnStateChange(h func(RealtimeState)) func() {
	ws.handlersMu.Lock()
	id := ws.nextHandler
	ws.nextHandler++
	ws.onStateChange[id] = h
	ws.handlersMu.Unlock()
	return func() {
		ws.handlersMu.Lock()
		delete(ws.onStateChange, id)
		ws.handlersMu.Unlock()
	}
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connected reports whether the channel is currently up.
func (ws *RealtimeClient) Connected() bool {
	return ws.State() == StateConnected
}

// Connect dials the websocket. Missing URL or credentials are not an error:
// the client logs and stays disconnected so callers run on polling alone.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.intentionalClose = false
	ws.mu.Unlock()

	token := ws.config.Token
	if token == "" {
		t, err := tokenFromStore(ctx, ws.config.Tokens)
		if err != nil {
			ws.logger.Warn("realtime disabled: cannot read token", "error", err)
			return nil
		}
		token = t
	}
	if ws.config.URL == "" || token == "" {
		ws.logger.Warn("realtime disabled: socket url or token missing")
		return nil
	}

	ws.setState(StateConnecting)

	dialURL, err := withQueryToken(ws.config.URL, token)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket url: %w", err)
	}
	dialCtx, cancelDial := context.WithTimeout(ctx, ws.config.ConnectTimeout)
	conn, _, err := websocket.Dial(dialCtx, dialURL, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	cancelDial()
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ws.mu.Lock()
	ws.conn = conn
	ws.cancelFn = cancel
	rooms := make([]string, 0, len(ws.rooms))
	for id := range ws.rooms {
		rooms = append(rooms, id)
	}
	ws.mu.Unlock()
	ws.recon.markConnected()
	ws.setState(StateConnected)
	ws.logger.Info("realtime connected")

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	for _, id := range rooms {
		ws.emitAll(connCtx, EventJoin, roomPayload(id))
	}
	return nil
}

// Disconnect closes the connection and stops reconnecting.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()

	ws.setState(StateDisconnected)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinRoom subscribes to a conversation's events. The room is remembered
// and re-joined after a reconnect. Emit failures are logged and swallowed.
func (ws *RealtimeClient) JoinRoom(ctx context.Context, conversationID string) {
	ws.mu.Lock()
	ws.rooms[conversationID] = struct{}{}
	ws.mu.Unlock()
	ws.emitAll(ctx, EventJoin, roomPayload(conversationID))
}

// LeaveRoom unsubscribes from a conversation's events.
func (ws *RealtimeClient) LeaveRoom(ctx context.Context, conversationID string) {
	ws.mu.Lock()
	delete(ws.rooms, conversationID)
	ws.mu.Unlock()
	ws.emitAll(ctx, EventLeave, roomPayload(conversationID))
}

// Send emits payload under every send alias. It reports whether the
// channel was connected at emit time, not whether the message arrived.
func (ws *RealtimeClient) Send(ctx context.Context, payload any) bool {
	if !ws.Connected() {
		return false
	}
	ws.emitAll(ctx, EventSend, payload)
	return true
}

// Emit writes a single frame.
func (ws *RealtimeClient) Emit(ctx context.Context, event string, data any) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	b, err := json.Marshal(outgoingFrame{Event: event, Data: data})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func (ws *RealtimeClient) emitAll(ctx context.Context, ev LogicalEvent, data any) {
	for _, name := range ws.config.Aliases[ev] {
		if err := ws.Emit(ctx, name, data); err != nil && !errors.Is(err, ErrNotConnected) {
			ws.logger.Debug("realtime emit failed", "event", name, "error", err)
		}
	}
}

func roomPayload(conversationID string) map[string]string {
	return map[string]string{"chatId": conversationID, "conversationId": conversationID}
}

func withQueryToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (ws *RealtimeClient) setState(s RealtimeState) {
	ws.mu.Lock()
	if ws.state == s {
		ws.mu.Unlock()
		return
	}
	ws.state = s
	ws.mu.Unlock()

	ws.config.Metrics.setConnected(s == StateConnected)
	ws.handlersMu.RLock()
	handlers := make([]func(RealtimeState), 0, len(ws.onStateChange))
	for _, h := range ws.onStateChange {
		handlers = append(handlers, h)
	}
	ws.handlersMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (ws *RealtimeClient) dispatch(f Frame) {
	if _, ok := ws.receive[f.Event]; !ok {
		return
	}
	var raw RawMessage
	if err := json.Unmarshal(f.Data, &raw); err != nil || raw == nil {
		return
	}
	ws.handlersMu.RLock()
	handlers := make([]func(RawMessage), 0, len(ws.onMessage))
	for _, h := range ws.onMessage {
		handlers = append(handlers, h)
	}
	ws.handlersMu.RUnlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.setState(StateDisconnected)
			ws.logger.Warn("realtime disconnected", "error", err)

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect(ctx)
			}
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			continue
		}
		ws.dispatch(f)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !ws.Connected() {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// force close so the read loop reconnects
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) scheduleReconnect(ctx context.Context) {
	delay := ws.recon.nextDelay()
	ws.setState(StateReconnecting)
	ws.logger.Info("realtime reconnecting", "attempt", ws.recon.attempt, "delay", delay)

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	}

	ws.mu.Lock()
	intentional := ws.intentionalClose
	ws.state = StateDisconnected
	ws.mu.Unlock()
	if intentional {
		return
	}

	if err := ws.Connect(ctx); err != nil {
		if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
			ws.scheduleReconnect(ctx)
		} else {
			ws.setState(StateDisconnected)
		}
	}
}
