package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
	"go.uber.org/zap"
)

const (
	defaultActivityThreshold = 5 * time.Minute
	defaultUpdateInterval    = 30 * time.Second
)

// TrackerConfig configures the local presence tracker.
type TrackerConfig struct {
	Session Session
	Logger  *zap.Logger
	Clock   func() time.Time

	// ActivityThreshold is how long without recorded activity the local
	// user is reported as away.
	ActivityThreshold time.Duration
	// UpdateInterval is the heartbeat cadence while connected.
	UpdateInterval time.Duration
	// StaleThreshold drops remote records that stopped updating; zero
	// keeps them forever.
	StaleThreshold time.Duration
}

// Tracker maintains the local user's presence and mirrors everyone else's.
//
// The local side is a two-state machine while connected: online flips to
// away after ActivityThreshold of idleness, and any recorded activity or a
// visible tab flips it back. Offline is never derived from idleness; it only
// happens through logout or disconnect.
type Tracker struct {
	session Session
	logger  *zap.Logger
	clock   func() time.Time

	activityThreshold time.Duration
	updateInterval    time.Duration
	staleThreshold    time.Duration

	mu           sync.Mutex
	lastActivity time.Time
	visible      bool
	offline      bool
	context      realtime.PresenceContext
	remote       map[string]realtime.PresenceRecord
	stopBeat     chan struct{}

	onChange []func(realtime.PresenceRecord)
}

// NewTracker constructs a tracker wired to the manager's lifecycle. The
// heartbeat loop starts on connect and stops on disconnect.
func NewTracker(cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	activityThreshold := cfg.ActivityThreshold
	if activityThreshold <= 0 {
		activityThreshold = defaultActivityThreshold
	}
	updateInterval := cfg.UpdateInterval
	if updateInterval <= 0 {
		updateInterval = defaultUpdateInterval
	}
	tracker := &Tracker{
		session:           cfg.Session,
		logger:            logger,
		clock:             clock,
		activityThreshold: activityThreshold,
		updateInterval:    updateInterval,
		staleThreshold:    cfg.StaleThreshold,
		lastActivity:      clock().UTC(),
		visible:           true,
		remote:            map[string]realtime.PresenceRecord{},
	}
	if cfg.Session != nil {
		cfg.Session.OnEnvelope(tracker.handleEnvelope)
		cfg.Session.OnConnected(tracker.startHeartbeats)
		cfg.Session.OnReconnected(tracker.startHeartbeats)
		cfg.Session.OnDisconnected(func(error) { tracker.goOffline() })
	}
	return tracker
}

// OnPresenceChange registers a handler for remote presence transitions.
func (t *Tracker) OnPresenceChange(handler func(realtime.PresenceRecord)) {
	t.mu.Lock()
	t.onChange = append(t.onChange, handler)
	t.mu.Unlock()
}

// RecordActivity marks the local user active now. An away user flips back to
// online on the next heartbeat.
func (t *Tracker) RecordActivity() {
	t.mu.Lock()
	t.lastActivity = t.clock().UTC()
	t.mu.Unlock()
}

// SetVisible reports tab visibility. A freshly visible tab counts as
// activity.
func (t *Tracker) SetVisible(visible bool) {
	t.mu.Lock()
	t.visible = visible
	if visible {
		t.lastActivity = t.clock().UTC()
	}
	t.mu.Unlock()
}

// SetContext updates the location hints shared with other clients.
func (t *Tracker) SetContext(context realtime.PresenceContext) {
	t.mu.Lock()
	t.context = context
	t.mu.Unlock()
}

// Status derives the local presence. Offline wins while logged out or
// disconnected; otherwise idle time decides: away past the activity
// threshold, online otherwise.
func (t *Tracker) Status() realtime.PresenceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked()
}

func (t *Tracker) statusLocked() realtime.PresenceStatus {
	if t.offline {
		return realtime.PresenceOffline
	}
	if t.clock().UTC().Sub(t.lastActivity) > t.activityThreshold {
		return realtime.PresenceAway
	}
	return realtime.PresenceOnline
}

// Get returns a remote user's latest record.
func (t *Tracker) Get(userID string) (realtime.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	record, ok := t.remote[userID]
	if ok && record.Stale(t.clock().UTC(), t.staleThreshold) {
		delete(t.remote, userID)
		return realtime.PresenceRecord{}, false
	}
	return record, ok
}

// ByStatus returns every non-stale remote record in the given status.
func (t *Tracker) ByStatus(status realtime.PresenceStatus) []realtime.PresenceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock().UTC()
	records := make([]realtime.PresenceRecord, 0, len(t.remote))
	for userID, record := range t.remote {
		if record.Stale(now, t.staleThreshold) {
			delete(t.remote, userID)
			continue
		}
		if record.Status == status {
			records = append(records, record)
		}
	}
	return records
}

// Counts summarises the remote presence collection.
func (t *Tracker) Counts() realtime.PresenceCounts {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock().UTC()
	var counts realtime.PresenceCounts
	for userID, record := range t.remote {
		if record.Stale(now, t.staleThreshold) {
			delete(t.remote, userID)
			continue
		}
		switch record.Status {
		case realtime.PresenceOnline:
			counts.Online++
		case realtime.PresenceAway:
			counts.Away++
		default:
			counts.Offline++
		}
	}
	return counts
}

// Logout reports the local user offline and stops heartbeats. This and a
// disconnect are the only paths to the offline status; a later connect or
// reconnect clears it.
func (t *Tracker) Logout() error {
	t.goOffline()
	return t.session.Send(realtime.ClientMessage{Type: realtime.MessageLogout})
}

func (t *Tracker) goOffline() {
	t.stopHeartbeats()
	t.mu.Lock()
	t.offline = true
	t.mu.Unlock()
}

// Heartbeat sends one presence frame immediately, outside the regular
// cadence.
func (t *Tracker) Heartbeat() error {
	return t.session.Send(realtime.ClientMessage{
		Type:      realtime.MessageHeartbeat,
		Heartbeat: t.heartbeatPayload(),
	})
}

func (t *Tracker) heartbeatPayload() *realtime.HeartbeatPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	status := t.statusLocked()
	return &realtime.HeartbeatPayload{
		Status:       status,
		LastActivity: t.lastActivity.UnixMilli(),
		Visible:      t.visible,
		IsActive:     status == realtime.PresenceOnline,
		Context:      t.context,
	}
}

func (t *Tracker) startHeartbeats() {
	t.mu.Lock()
	t.offline = false
	if t.stopBeat != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stopBeat = stop
	t.mu.Unlock()

	go t.heartbeatLoop(stop)
}

func (t *Tracker) stopHeartbeats() {
	t.mu.Lock()
	if t.stopBeat != nil {
		close(t.stopBeat)
		t.stopBeat = nil
	}
	t.mu.Unlock()
}

func (t *Tracker) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.updateInterval)
	defer ticker.Stop()

	// One immediate heartbeat so peers see us without waiting a full
	// interval.
	if err := t.Heartbeat(); err != nil {
		t.logger.Debug("heartbeat not delivered", zap.Error(err))
	}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := t.Heartbeat(); err != nil {
				t.logger.Debug("heartbeat not delivered", zap.Error(err))
			}
		}
	}
}

// handleEnvelope ingests remote presence traffic. Repeated heartbeats are
// idempotent: a record that did not change refreshes its last-seen timestamp
// but produces no transition callback.
func (t *Tracker) handleEnvelope(envelope realtime.Envelope) {
	switch envelope.Kind {
	case realtime.EventPresenceJoined, realtime.EventPresenceUpdated,
		realtime.EventPresenceSync, realtime.EventPresenceHeartbeat:
		var record realtime.PresenceRecord
		if err := json.Unmarshal(envelope.Payload, &record); err != nil || record.UserID == "" {
			return
		}
		t.apply(record)
	case realtime.EventPresenceLeft:
		var record realtime.PresenceRecord
		if err := json.Unmarshal(envelope.Payload, &record); err != nil || record.UserID == "" {
			return
		}
		record.Status = realtime.PresenceOffline
		t.apply(record)
	case realtime.EventPresenceInitialState:
		var records []realtime.PresenceRecord
		if err := json.Unmarshal(envelope.Payload, &records); err != nil {
			return
		}
		for _, record := range records {
			if record.UserID != "" {
				t.apply(record)
			}
		}
	}
}

func (t *Tracker) apply(record realtime.PresenceRecord) {
	t.mu.Lock()
	previous, existed := t.remote[record.UserID]
	if existed && record.LastSeen.Before(previous.LastSeen) {
		t.mu.Unlock()
		return
	}
	changed := !existed ||
		previous.Status != record.Status ||
		previous.Visible != record.Visible ||
		previous.Context != record.Context
	if record.Status == realtime.PresenceOffline {
		delete(t.remote, record.UserID)
	} else {
		t.remote[record.UserID] = record
	}
	handlers := append([]func(realtime.PresenceRecord){}, t.onChange...)
	t.mu.Unlock()

	if !changed {
		return
	}
	for _, handler := range handlers {
		handler(record)
	}
}
