package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultHeartbeatMisses   = 2
	defaultAuthTimeout       = 10 * time.Second
	defaultStaleThreshold    = 90 * time.Second
	defaultSweepEvery        = 30 * time.Second
)

var (
	errMissingVerifier = errors.New("hub: token verifier is required")
	errMissingLimiter  = errors.New("hub: rate limiter is required")
)

// TokenVerifier is the authentication collaborator: it maps a bearer token to
// a user id or rejects it. The hub does not issue or refresh tokens.
type TokenVerifier interface {
	VerifyToken(token string) (string, error)
}

// Config configures the hub.
type Config struct {
	Verifier  TokenVerifier
	Limiter   *Limiter
	Mirror    *PresenceMirror
	Logger    *zap.Logger
	Clock     func() time.Time
	GatewayID string

	// HeartbeatInterval is the server ping cadence; a connection missing
	// HeartbeatMisses consecutive intervals is treated as dropped even if
	// the transport never signalled closure.
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	AuthTimeout       time.Duration
	SendQueueDepth    int
	StaleThreshold    time.Duration
	SweepEvery        time.Duration
}

// Hub owns every live connection on this gateway together with the room
// index and presence table. It is constructed once and passed by handle into
// each connection handler; there is no ambient global state.
type Hub struct {
	verifier TokenVerifier
	limiter  *Limiter
	mirror   *PresenceMirror
	logger   *zap.Logger
	clock    func() time.Time
	factory  *realtime.EnvelopeFactory

	gatewayID         string
	heartbeatInterval time.Duration
	pongWait          time.Duration
	authTimeout       time.Duration
	sendQueueDepth    int
	staleThreshold    time.Duration

	connMu sync.RWMutex
	conns  map[string]*conn
	byUser map[string]map[string]*conn

	rooms    *RoomIndex
	presence *PresenceTable

	delivered atomic.Uint64
	dropped   atomic.Uint64
	startedAt time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	sweepWg  sync.WaitGroup
}

// NewHub constructs the hub and starts its presence sweep loop.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Verifier == nil {
		return nil, errMissingVerifier
	}
	if cfg.Limiter == nil {
		return nil, errMissingLimiter
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	misses := cfg.HeartbeatMisses
	if misses <= 0 {
		misses = defaultHeartbeatMisses
	}
	authTimeout := cfg.AuthTimeout
	if authTimeout <= 0 {
		authTimeout = defaultAuthTimeout
	}
	staleThreshold := cfg.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = defaultStaleThreshold
	}
	sweepEvery := cfg.SweepEvery
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepEvery
	}
	mirror := cfg.Mirror
	if mirror == nil {
		mirror = NewPresenceMirror(PresenceMirrorConfig{GatewayID: cfg.GatewayID, Logger: logger})
	}

	h := &Hub{
		verifier:          cfg.Verifier,
		limiter:           cfg.Limiter,
		mirror:            mirror,
		logger:            logger,
		clock:             clock,
		factory:           realtime.NewEnvelopeFactory(realtime.EnvelopeFactoryConfig{Clock: clock}),
		gatewayID:         cfg.GatewayID,
		heartbeatInterval: heartbeatInterval,
		pongWait:          heartbeatInterval * time.Duration(misses+1),
		authTimeout:       authTimeout,
		sendQueueDepth:    cfg.SendQueueDepth,
		staleThreshold:    staleThreshold,
		conns:             make(map[string]*conn),
		byUser:            make(map[string]map[string]*conn),
		rooms:             NewRoomIndex(),
		presence:          NewPresenceTable(clock),
		startedAt:         clock(),
		stopCh:            make(chan struct{}),
	}

	h.sweepWg.Add(1)
	go h.sweepLoop(sweepEvery)
	return h, nil
}

// Close tears down every connection and stops the sweep loop.
func (h *Hub) Close() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.sweepWg.Wait()

	h.connMu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*conn)
	h.byUser = make(map[string]map[string]*conn)
	h.connMu.Unlock()

	for _, c := range conns {
		h.rooms.DropConnection(c.id)
		c.shutdown()
	}
}

// HandleConnection performs the authentication handshake on a freshly
// upgraded socket, registers the connection, and runs its pumps until the
// connection ends. It blocks for the lifetime of the connection.
func (h *Hub) HandleConnection(ws *websocket.Conn) {
	userID, err := h.handshake(ws)
	if err != nil {
		h.logger.Warn("handshake rejected", zap.String("remote", ws.RemoteAddr().String()), zap.Error(err))
		deadline := time.Now().Add(closeGraceperiod)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"), deadline)
		_ = ws.Close()
		return
	}

	c := newConn(uuid.NewString(), userID, ws, h.sendQueueDepth, h.clock().UTC())
	h.register(c)

	go c.writePump(h.heartbeatInterval, h.logger)
	c.readPump(h, h.pongWait)
}

// handshake reads the first frame, which must be an auth message arriving
// within the auth deadline, and verifies its token.
func (h *Hub) handshake(ws *websocket.Conn) (string, error) {
	if err := ws.SetReadDeadline(time.Now().Add(h.authTimeout)); err != nil {
		return "", &realtime.TransportError{Op: "handshake", Err: err}
	}
	_, data, err := ws.ReadMessage()
	if err != nil {
		return "", &realtime.TransportError{Op: "handshake read", Err: err}
	}
	message, err := realtime.DecodeClientMessage(data)
	if err != nil {
		return "", &realtime.AuthenticationError{Reason: "first frame is not a valid auth message"}
	}
	if message.Type != realtime.MessageAuth {
		return "", &realtime.AuthenticationError{Reason: "expected auth frame, got " + string(message.Type)}
	}
	userID, err := h.verifier.VerifyToken(message.Token)
	if err != nil || userID == "" {
		return "", &realtime.AuthenticationError{Reason: "token rejected"}
	}
	return userID, nil
}

func (h *Hub) register(c *conn) {
	h.connMu.Lock()
	h.conns[c.id] = c
	userConns, ok := h.byUser[c.userID]
	if !ok {
		userConns = make(map[string]*conn)
		h.byUser[c.userID] = userConns
	}
	userConns[c.id] = c
	h.connMu.Unlock()

	record, joined := h.presence.MarkOnline(c.userID)
	h.mirror.Online(context.Background(), c.userID)

	if envelope, err := h.factory.NewEnvelope(realtime.EventConnected,
		realtime.ConnectedPayload{ConnectionID: c.id, UserID: c.userID}, c.userID); err == nil {
		c.enqueueEnvelope(envelope)
	}
	if joined {
		h.broadcastPresence(realtime.EventPresenceJoined, record)
	}
	h.logger.Info("connection established",
		zap.String("connection_id", c.id),
		zap.String("user_id", c.userID),
		zap.String("remote", c.remote))
}

// unregister tears the connection down: room bindings go first so no new
// deliveries target it, then presence flips offline if this was the user's
// last connection.
func (h *Hub) unregister(c *conn, reason string) {
	h.connMu.Lock()
	if _, stillTracked := h.conns[c.id]; !stillTracked {
		h.connMu.Unlock()
		c.shutdown()
		return
	}
	delete(h.conns, c.id)
	lastOfUser := false
	if userConns, ok := h.byUser[c.userID]; ok {
		delete(userConns, c.id)
		if len(userConns) == 0 {
			delete(h.byUser, c.userID)
			lastOfUser = true
		}
	}
	h.connMu.Unlock()

	rooms := h.rooms.DropConnection(c.id)
	for _, room := range rooms {
		h.broadcastMember(realtime.EventRoomMemberLeft, room, c.userID)
	}

	if lastOfUser {
		record, changed := h.presence.MarkOffline(c.userID)
		h.mirror.Offline(context.Background(), c.userID)
		if changed {
			h.broadcastPresence(realtime.EventPresenceLeft, record)
		}
	}

	c.shutdown()
	h.logger.Info("connection closed",
		zap.String("connection_id", c.id),
		zap.String("user_id", c.userID),
		zap.String("reason", reason))
}

// dispatch routes one inbound frame. The boolean result asks the read pump
// to stop (logout).
func (h *Hub) dispatch(c *conn, message realtime.ClientMessage) bool {
	switch message.Type {
	case realtime.MessageSubscribe:
		h.handleSubscribe(c, *message.Room, message.Filters)
	case realtime.MessageUnsubscribe:
		h.handleUnsubscribe(c, *message.Room)
	case realtime.MessageHeartbeat:
		h.handleHeartbeat(c, *message.Heartbeat)
	case realtime.MessageLogout:
		h.handleLogout(c)
		return true
	case realtime.MessageAuth:
		// Already authenticated; repeated auth frames are ignored.
	}
	return false
}

func (h *Hub) handleSubscribe(c *conn, room realtime.RoomKey, filters map[string]string) {
	if !h.admit(c, LimitClassEvents) {
		return
	}
	if room.Type == realtime.RoomTypeUser && room.ID != c.userID {
		h.sendSubscriptionResult(c, realtime.EventSubscriptionError, room, "forbidden: foreign user room")
		return
	}
	h.rooms.Subscribe(c.id, room, filters)
	h.sendSubscriptionResult(c, realtime.EventSubscriptionConfirmed, room, "")
	h.broadcastMember(realtime.EventRoomMemberJoined, room, c.userID)

	// Presence-bearing rooms get a snapshot so the new subscriber does not
	// wait a full heartbeat interval to learn who is around.
	switch room.Type {
	case realtime.RoomTypeProject, realtime.RoomTypeTeam, realtime.RoomTypeGlobal:
		if envelope, err := h.factory.NewEnvelope(realtime.EventPresenceInitialState, h.presence.Snapshot(), ""); err == nil {
			c.enqueueEnvelope(envelope)
		}
	}
}

func (h *Hub) handleUnsubscribe(c *conn, room realtime.RoomKey) {
	h.rooms.Unsubscribe(c.id, room)
	h.broadcastMember(realtime.EventRoomMemberLeft, room, c.userID)
}

func (h *Hub) handleHeartbeat(c *conn, heartbeat realtime.HeartbeatPayload) {
	if !h.admit(c, LimitClassHeartbeat) {
		return
	}
	record, changed := h.presence.ApplyHeartbeat(c.userID, heartbeat)
	h.mirror.Online(context.Background(), c.userID)
	if changed {
		h.broadcastPresence(realtime.EventPresenceUpdated, record)
		return
	}
	// Unchanged heartbeats still fan out as liveness signals. Without the
	// relay, peers tracking staleness would evict a user whose state never
	// changes. The heartbeat traffic class bounds the relay rate.
	h.broadcastPresence(realtime.EventPresenceHeartbeat, record)
}

func (h *Hub) handleLogout(c *conn) {
	record, changed := h.presence.MarkOffline(c.userID)
	h.mirror.Offline(context.Background(), c.userID)
	if changed {
		h.broadcastPresence(realtime.EventPresenceLeft, record)
	}
}

// admit rate-checks one inbound frame. Denied frames are answered with a
// rate_limited envelope carrying the window reset time, never dropped
// silently.
func (h *Hub) admit(c *conn, class string) bool {
	decision, err := h.limiter.CheckLimit(context.Background(), class, c.id)
	if err != nil {
		h.logger.Warn("rate limit check failed", zap.String("class", class), zap.Error(err))
		return true
	}
	if decision.Allowed {
		return true
	}
	h.logger.Debug("inbound frame throttled",
		zap.String("connection_id", c.id),
		zap.String("user_id", c.userID),
		zap.Error(Deny(class, decision)))
	if envelope, err := h.factory.NewEnvelope(realtime.EventRateLimited,
		realtime.RateLimitedPayload{Class: class, ResetAtMs: decision.ResetAt.UnixMilli()}, ""); err == nil {
		c.enqueueEnvelope(envelope)
	}
	return false
}

func (h *Hub) sendSubscriptionResult(c *conn, kind realtime.EventKind, room realtime.RoomKey, reason string) {
	envelope, err := h.factory.NewEnvelope(kind, realtime.SubscriptionResult{Room: room, Reason: reason}, "")
	if err != nil {
		return
	}
	c.enqueueEnvelope(envelope)
}

// Deliver fans the envelope out to every matching subscription on the room.
// Delivery is fire-and-forget per connection: a full send queue drops that
// consumer instead of blocking the rest. It returns the number of enqueues.
func (h *Hub) Deliver(room realtime.RoomKey, envelope realtime.Envelope) int {
	subscribers := h.rooms.Subscribers(room)
	if len(subscribers) == 0 {
		return 0
	}
	count := 0
	for _, subscription := range subscribers {
		if !subscription.Matches(envelope.Payload) {
			continue
		}
		h.connMu.RLock()
		c, ok := h.conns[subscription.ConnectionID]
		h.connMu.RUnlock()
		if !ok {
			continue
		}
		if !c.enqueueEnvelope(envelope) {
			h.dropped.Add(1)
			h.logger.Warn("send queue full, dropping slow consumer",
				zap.String("connection_id", c.id), zap.String("user_id", c.userID))
			go h.unregister(c, "send queue overflow")
			continue
		}
		count++
	}
	h.delivered.Add(uint64(count))
	return count
}

// broadcastPresence sends the record to every room interested in the user:
// the user's own room plus any project/team/global room a connection of
// theirs is subscribed to.
func (h *Hub) broadcastPresence(kind realtime.EventKind, record realtime.PresenceRecord) {
	envelope, err := h.factory.NewEnvelope(kind, record, record.UserID)
	if err != nil {
		return
	}
	for _, room := range h.presenceRooms(record.UserID) {
		h.Deliver(room, envelope)
	}
}

func (h *Hub) presenceRooms(userID string) []realtime.RoomKey {
	seen := map[realtime.RoomKey]struct{}{
		realtime.UserRoom(userID): {},
		realtime.GlobalRoom():     {},
	}
	h.connMu.RLock()
	userConns := h.byUser[userID]
	ids := make([]string, 0, len(userConns))
	for id := range userConns {
		ids = append(ids, id)
	}
	h.connMu.RUnlock()
	for _, id := range ids {
		for _, room := range h.rooms.RoomsOf(id) {
			if room.Type == realtime.RoomTypeProject || room.Type == realtime.RoomTypeTeam {
				seen[room] = struct{}{}
			}
		}
	}
	rooms := make([]realtime.RoomKey, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	return rooms
}

func (h *Hub) broadcastMember(kind realtime.EventKind, room realtime.RoomKey, userID string) {
	envelope, err := h.factory.NewEnvelope(kind, realtime.RoomMemberPayload{Room: room, UserID: userID}, userID)
	if err != nil {
		return
	}
	h.Deliver(room, envelope)
}

func (h *Hub) sweepLoop(every time.Duration) {
	defer h.sweepWg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			for _, userID := range h.presence.SweepStale(h.staleThreshold) {
				h.logger.Info("evicted stale presence record", zap.String("user_id", userID))
				h.broadcastPresence(realtime.EventPresenceLeft, realtime.PresenceRecord{
					UserID:   userID,
					Status:   realtime.PresenceOffline,
					LastSeen: h.clock().UTC(),
				})
			}
			// Rebroadcast the surviving records so clients that missed an
			// update (or drifted during a reconnect) reconverge without
			// waiting for each user's next heartbeat.
			for _, record := range h.presence.Snapshot() {
				h.broadcastPresence(realtime.EventPresenceSync, record)
			}
		}
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.connMu.RLock()
	defer h.connMu.RUnlock()
	return len(h.conns)
}

// Presence returns the user's record from this gateway's presence table.
func (h *Hub) Presence(userID string) (realtime.PresenceRecord, bool) {
	return h.presence.Get(userID)
}

// LookupRemote asks the shared mirror which gateway, if any, currently holds
// the user. It answers for users connected to other gateways; with no mirror
// configured it reports not found.
func (h *Hub) LookupRemote(ctx context.Context, userID string) (string, bool, error) {
	return h.mirror.Lookup(ctx, userID)
}

// StatusSnapshot is the operational health view of one gateway.
type StatusSnapshot struct {
	GatewayID       string                    `json:"gateway_id"`
	Connections     int                       `json:"connections"`
	Rooms           int                       `json:"rooms"`
	Presence        realtime.PresenceCounts   `json:"presence"`
	RateLimits      map[string]ClassStats     `json:"rate_limits"`
	EventsDelivered uint64                    `json:"events_delivered"`
	DroppedClients  uint64                    `json:"dropped_clients"`
	UptimeSeconds   float64                   `json:"uptime_seconds"`
}

// Snapshot assembles the health view consumed by the status endpoint.
func (h *Hub) Snapshot() StatusSnapshot {
	return StatusSnapshot{
		GatewayID:       h.gatewayID,
		Connections:     h.ConnectionCount(),
		Rooms:           h.rooms.RoomCount(),
		Presence:        h.presence.Counts(),
		RateLimits:      h.limiter.Stats(),
		EventsDelivered: h.delivered.Load(),
		DroppedClients:  h.dropped.Load(),
		UptimeSeconds:   h.clock().Sub(h.startedAt).Seconds(),
	}
}
