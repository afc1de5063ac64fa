package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"go.uber.org/zap"
)

// ConnState is the connection lifecycle state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s ConnState) String() string {
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

const (
	defaultClientHeartbeat = 25 * time.Second
	defaultClientMisses    = 2
	handshakeWait          = 10 * time.Second
)

var (
	errMissingURL    = errors.New("client: server url is required")
	errMissingToken  = errors.New("client: auth token is required")
	errManagerClosed = errors.New("client: manager closed")
)

// Session is the slice of the connection manager that dependents (the
// subscription registry, the presence tracker) consume: sending frames and
// observing lifecycle signals.
type Session interface {
	Send(message realtime.ClientMessage) error
	OnEnvelope(handler func(realtime.Envelope))
	OnConnected(handler func())
	OnReconnected(handler func())
	OnDisconnected(handler func(error))
}

// ManagerConfig configures the connection manager.
type ManagerConfig struct {
	// URL is the websocket endpoint, e.g. ws://host/realtime/ws.
	URL   string
	Token string

	Logger *zap.Logger
	Clock  func() time.Time
	Dialer *websocket.Dialer

	// Backoff governs automatic reconnection: base delay, doubling per
	// attempt, capped, bounded by MaxAttempts.
	Backoff realtime.Backoff
	// ReconnectOnError enables the automatic reconnect path after an
	// unexpected drop.
	ReconnectOnError bool

	// HeartbeatInterval is how often the transport is pinged; missing
	// HeartbeatMisses consecutive intervals counts as a drop even without
	// a close frame.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
}

// Manager owns the client's bidirectional channel: handshake, liveness,
// drop detection, and exponential-backoff reconnection. Dependents register
// handlers; all handlers run on the manager's single event-loop goroutine,
// so they must not block.
type Manager struct {
	url    string
	token  string
	logger *zap.Logger
	clock  func() time.Time
	dialer *websocket.Dialer

	backoff           realtime.Backoff
	reconnectOnError  bool
	heartbeatInterval time.Duration
	readWait          time.Duration

	mu           sync.Mutex
	state        ConnState
	ws           *websocket.Conn
	connectionID string
	attempts     int
	closed       bool
	generation   int

	timers *realtime.TimerSet

	onEnvelope     []func(realtime.Envelope)
	onConnected    []func()
	onReconnected  []func()
	onDisconnected []func(error)
	onTerminal     []func(error)
}

// NewManager constructs a manager in the Disconnected state.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.Token == "" {
		return nil, errMissingToken
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultClientHeartbeat
	}
	misses := cfg.HeartbeatMisses
	if misses <= 0 {
		misses = defaultClientMisses
	}
	return &Manager{
		url:               cfg.URL,
		token:             cfg.Token,
		logger:            logger,
		clock:             clock,
		dialer:            dialer,
		backoff:           cfg.Backoff,
		reconnectOnError:  cfg.ReconnectOnError,
		heartbeatInterval: heartbeat,
		readWait:          heartbeat * time.Duration(misses+1),
		timers:            realtime.NewTimerSet(),
	}, nil
}

// OnEnvelope registers a consumer for inbound envelopes.
func (m *Manager) OnEnvelope(handler func(realtime.Envelope)) {
	m.mu.Lock()
	m.onEnvelope = append(m.onEnvelope, handler)
	m.mu.Unlock()
}

// OnConnected registers a handler for the first successful handshake.
func (m *Manager) OnConnected(handler func()) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, handler)
	m.mu.Unlock()
}

// OnReconnected registers a handler fired after every automatic reconnect,
// so dependents (the subscription registry) can restore their state.
func (m *Manager) OnReconnected(handler func()) {
	m.mu.Lock()
	m.onReconnected = append(m.onReconnected, handler)
	m.mu.Unlock()
}

// OnDisconnected registers a handler for local disconnect notifications.
func (m *Manager) OnDisconnected(handler func(error)) {
	m.mu.Lock()
	m.onDisconnected = append(m.onDisconnected, handler)
	m.mu.Unlock()
}

// OnTerminalError registers a handler fired when the reconnect budget is
// exhausted and the manager gives up.
func (m *Manager) OnTerminalError(handler func(error)) {
	m.mu.Lock()
	m.onTerminal = append(m.onTerminal, handler)
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectionID returns the server-assigned connection id, empty until the
// handshake completes.
func (m *Manager) ConnectionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectionID
}

// Connect dials the server and performs the authentication handshake. It
// returns an AuthenticationError for a rejected token (never retried
// automatically) or a TransportError for network failures.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return errManagerClosed
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	if err := m.establish(ctx); err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.attempts = 0
	handlers := append([]func(){}, m.onConnected...)
	m.mu.Unlock()
	for _, handler := range handlers {
		handler()
	}
	return nil
}

// establish dials, authenticates, and starts the read loop on success.
func (m *Manager) establish(ctx context.Context) error {
	ws, _, err := m.dialer.DialContext(ctx, m.url, nil)
	if err != nil {
		return &realtime.TransportError{Op: "dial", Err: err}
	}

	authFrame, err := realtime.ClientMessage{Type: realtime.MessageAuth, Token: m.token}.Encode()
	if err != nil {
		_ = ws.Close()
		return &realtime.TransportError{Op: "encode auth", Err: err}
	}
	if err := ws.SetWriteDeadline(time.Now().Add(handshakeWait)); err != nil {
		_ = ws.Close()
		return &realtime.TransportError{Op: "handshake", Err: err}
	}
	if err := ws.WriteMessage(websocket.TextMessage, authFrame); err != nil {
		_ = ws.Close()
		return &realtime.TransportError{Op: "send auth", Err: err}
	}

	if err := ws.SetReadDeadline(time.Now().Add(handshakeWait)); err != nil {
		_ = ws.Close()
		return &realtime.TransportError{Op: "handshake", Err: err}
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			return &realtime.AuthenticationError{Reason: "server rejected token"}
		}
		return &realtime.TransportError{Op: "handshake read", Err: err}
	}
	envelope, err := realtime.DecodeEnvelope(data)
	if err != nil || envelope.Kind != realtime.EventConnected {
		_ = ws.Close()
		return &realtime.AuthenticationError{Reason: "handshake did not complete"}
	}
	var connected realtime.ConnectedPayload
	_ = json.Unmarshal(envelope.Payload, &connected)

	m.mu.Lock()
	m.ws = ws
	m.state = StateConnected
	m.connectionID = connected.ConnectionID
	m.generation++
	generation := m.generation
	m.mu.Unlock()

	go m.readLoop(ws, generation)
	return nil
}

// readLoop is the client's event loop: every inbound envelope is dispatched
// on this single goroutine. The read deadline advances on traffic and on
// server pings (gorilla answers pings automatically), so a silent transport
// surfaces as a read timeout after the heartbeat budget.
func (m *Manager) readLoop(ws *websocket.Conn, generation int) {
	_ = ws.SetReadDeadline(time.Now().Add(m.readWait))
	ws.SetPingHandler(func(payload string) error {
		_ = ws.SetReadDeadline(time.Now().Add(m.readWait))
		deadline := time.Now().Add(time.Second)
		return ws.WriteControl(websocket.PongMessage, []byte(payload), deadline)
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			m.handleDrop(ws, generation, &realtime.TransportError{Op: "read", Err: err})
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(m.readWait))

		envelope, err := realtime.DecodeEnvelope(data)
		if err != nil {
			m.logger.Warn("discarding malformed envelope", zap.Error(err))
			continue
		}
		m.mu.Lock()
		handlers := append([]func(realtime.Envelope){}, m.onEnvelope...)
		m.mu.Unlock()
		for _, handler := range handlers {
			handler(envelope)
		}
	}
}

// handleDrop reacts to an unexpected transport failure: local notification,
// then the reconnect path when enabled.
func (m *Manager) handleDrop(ws *websocket.Conn, generation int, cause error) {
	_ = ws.Close()

	m.mu.Lock()
	if m.closed || m.generation != generation || m.ws != ws {
		m.mu.Unlock()
		return
	}
	m.ws = nil
	reconnect := m.reconnectOnError
	if reconnect {
		m.state = StateReconnecting
	} else {
		m.state = StateDisconnected
	}
	disconnected := append([]func(error){}, m.onDisconnected...)
	m.mu.Unlock()

	for _, handler := range disconnected {
		handler(cause)
	}
	if reconnect {
		m.scheduleReconnect()
	}
}

// scheduleReconnect arms the next backoff attempt, or surfaces a terminal
// error once the budget is spent.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	if m.backoff.Exhausted(m.attempts) {
		m.state = StateDisconnected
		attempts := m.attempts
		terminal := append([]func(error){}, m.onTerminal...)
		m.mu.Unlock()
		err := &realtime.TransportError{
			Op:  "reconnect",
			Err: errors.New("retry budget exhausted"),
		}
		m.logger.Warn("giving up on reconnection", zap.Int("attempts", attempts))
		for _, handler := range terminal {
			handler(err)
		}
		return
	}
	m.attempts++
	attempt := m.attempts
	delay := m.backoff.Delay(attempt)
	m.mu.Unlock()

	m.logger.Info("scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	m.timers.Schedule(delay, m.retryConnect)
}

func (m *Manager) retryConnect() {
	m.mu.Lock()
	if m.closed || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), handshakeWait)
	defer cancel()
	if err := m.establish(ctx); err != nil {
		var authErr *realtime.AuthenticationError
		if errors.As(err, &authErr) {
			// A rejected token will not heal on its own; stop retrying.
			m.mu.Lock()
			m.state = StateDisconnected
			terminal := append([]func(error){}, m.onTerminal...)
			m.mu.Unlock()
			for _, handler := range terminal {
				handler(err)
			}
			return
		}
		m.logger.Warn("reconnect attempt failed", zap.Error(err))
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	m.attempts = 0
	reconnected := append([]func(){}, m.onReconnected...)
	m.mu.Unlock()
	m.logger.Info("reconnected")
	for _, handler := range reconnected {
		handler()
	}
}

// Send delivers one frame to the server, failing with NotConnectedError when
// no live connection exists.
func (m *Manager) Send(message realtime.ClientMessage) error {
	m.mu.Lock()
	ws := m.ws
	connected := m.state == StateConnected
	m.mu.Unlock()
	if !connected || ws == nil {
		room := realtime.RoomKey{}
		if message.Room != nil {
			room = *message.Room
		}
		return &realtime.NotConnectedError{Room: room}
	}
	frame, err := message.Encode()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ws != ws {
		return &realtime.NotConnectedError{}
	}
	if err := ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return &realtime.TransportError{Op: "write", Err: err}
	}
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &realtime.TransportError{Op: "write", Err: err}
	}
	return nil
}

const writeTimeout = 5 * time.Second

// Disconnect closes the channel intentionally: no reconnect is scheduled and
// a local disconnected notification fires.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	ws := m.ws
	m.ws = nil
	m.state = StateDisconnected
	m.generation++
	disconnected := append([]func(error){}, m.onDisconnected...)
	m.mu.Unlock()

	if ws != nil {
		deadline := time.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}
	for _, handler := range disconnected {
		handler(nil)
	}
}

// Close tears the manager down for good: all pending retry timers are
// cancelled synchronously and the transport is closed.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ws := m.ws
	m.ws = nil
	m.state = StateDisconnected
	m.generation++
	m.mu.Unlock()

	m.timers.StopAll()
	if ws != nil {
		_ = ws.Close()
	}
}
