package client

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTrackerIdleUserBecomesAway(t *testing.T) {
	clock := newManualClock()
	tracker := NewTracker(TrackerConfig{
		Session:           &fakeSession{},
		Clock:             clock.Now,
		ActivityThreshold: 5 * time.Minute,
	})

	if got := tracker.Status(); got != realtime.PresenceOnline {
		t.Fatalf("expected a fresh tracker to be online, got %v", got)
	}

	clock.Advance(5*time.Minute + time.Second)
	if got := tracker.Status(); got != realtime.PresenceAway {
		t.Fatalf("expected away after the activity threshold, got %v", got)
	}

	tracker.RecordActivity()
	if got := tracker.Status(); got != realtime.PresenceOnline {
		t.Fatalf("expected activity to flip back to online, got %v", got)
	}
}

func TestTrackerVisibilityCountsAsActivity(t *testing.T) {
	clock := newManualClock()
	tracker := NewTracker(TrackerConfig{
		Session:           &fakeSession{},
		Clock:             clock.Now,
		ActivityThreshold: time.Minute,
	})

	clock.Advance(2 * time.Minute)
	if got := tracker.Status(); got != realtime.PresenceAway {
		t.Fatalf("expected away after idling, got %v", got)
	}

	tracker.SetVisible(true)
	if got := tracker.Status(); got != realtime.PresenceOnline {
		t.Fatalf("expected a visible tab to count as activity, got %v", got)
	}
}

func TestTrackerHeartbeatCarriesDerivedState(t *testing.T) {
	clock := newManualClock()
	session := &fakeSession{}
	tracker := NewTracker(TrackerConfig{
		Session:           session,
		Clock:             clock.Now,
		ActivityThreshold: time.Minute,
	})
	tracker.SetContext(realtime.PresenceContext{Page: "board", ProjectID: "proj-1"})

	clock.Advance(2 * time.Minute)
	if err := tracker.Heartbeat(); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	frames := session.frames()
	if len(frames) != 1 || frames[0].Type != realtime.MessageHeartbeat {
		t.Fatalf("expected one heartbeat frame, got %v", frames)
	}
	payload := frames[0].Heartbeat
	if payload == nil {
		t.Fatal("expected a heartbeat payload")
	}
	if payload.Status != realtime.PresenceAway {
		t.Fatalf("expected the derived away status on the wire, got %v", payload.Status)
	}
	if payload.IsActive {
		t.Fatal("expected an away user to be reported inactive")
	}
	if payload.Context.ProjectID != "proj-1" {
		t.Fatalf("expected the presence context on the wire, got %+v", payload.Context)
	}
}

func TestTrackerNeverDerivesOffline(t *testing.T) {
	clock := newManualClock()
	tracker := NewTracker(TrackerConfig{
		Session:           &fakeSession{},
		Clock:             clock.Now,
		ActivityThreshold: time.Minute,
	})

	clock.Advance(24 * time.Hour)
	if got := tracker.Status(); got != realtime.PresenceAway {
		t.Fatalf("idleness alone must never reach offline, got %v", got)
	}
}

func TestTrackerLogoutSendsLogoutFrame(t *testing.T) {
	session := &fakeSession{}
	tracker := NewTracker(TrackerConfig{Session: session, Clock: newManualClock().Now})

	if err := tracker.Logout(); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	frames := session.frames()
	if len(frames) != 1 || frames[0].Type != realtime.MessageLogout {
		t.Fatalf("expected one logout frame, got %v", frames)
	}
	if got := tracker.Status(); got != realtime.PresenceOffline {
		t.Fatalf("expected offline after logout, got %v", got)
	}

	tracker.RecordActivity()
	if got := tracker.Status(); got != realtime.PresenceOffline {
		t.Fatalf("activity alone must not revive a logged-out user, got %v", got)
	}
}

func TestTrackerDisconnectReportsOffline(t *testing.T) {
	session := &fakeSession{}
	tracker := NewTracker(TrackerConfig{Session: session, Clock: newManualClock().Now})
	defer tracker.stopHeartbeats()

	session.fireConnected()
	if got := tracker.Status(); got != realtime.PresenceOnline {
		t.Fatalf("expected online while connected, got %v", got)
	}

	session.fireDisconnected(errors.New("connection reset"))
	if got := tracker.Status(); got != realtime.PresenceOffline {
		t.Fatalf("expected offline after a disconnect, got %v", got)
	}

	session.fireReconnected()
	if got := tracker.Status(); got != realtime.PresenceOnline {
		t.Fatalf("expected a reconnect to clear offline, got %v", got)
	}
}

func TestTrackerIngestsRemotePresence(t *testing.T) {
	clock := newManualClock()
	session := &fakeSession{}
	tracker := NewTracker(TrackerConfig{Session: session, Clock: clock.Now})

	var transitions []realtime.PresenceRecord
	tracker.OnPresenceChange(func(record realtime.PresenceRecord) {
		transitions = append(transitions, record)
	})

	joined := presenceEnvelope(t, realtime.EventPresenceJoined, realtime.PresenceRecord{
		UserID:   "user-b",
		Status:   realtime.PresenceOnline,
		LastSeen: clock.Now(),
	})
	session.emit(joined)

	record, ok := tracker.Get("user-b")
	if !ok || record.Status != realtime.PresenceOnline {
		t.Fatalf("expected user-b online, got %v %v", record, ok)
	}
	if len(transitions) != 1 {
		t.Fatalf("expected one transition callback, got %d", len(transitions))
	}

	// A repeated identical heartbeat is idempotent: no second callback.
	session.emit(joined)
	if len(transitions) != 1 {
		t.Fatalf("expected no callback for an unchanged record, got %d", len(transitions))
	}

	session.emit(presenceEnvelope(t, realtime.EventPresenceLeft, realtime.PresenceRecord{
		UserID:   "user-b",
		LastSeen: clock.Now().Add(time.Second),
	}))
	if _, ok := tracker.Get("user-b"); ok {
		t.Fatal("expected user-b to be dropped after leaving")
	}
	if len(transitions) != 2 {
		t.Fatalf("expected a transition for the departure, got %d", len(transitions))
	}
}

func TestTrackerIgnoresStaleHeartbeats(t *testing.T) {
	clock := newManualClock()
	session := &fakeSession{}
	tracker := NewTracker(TrackerConfig{Session: session, Clock: clock.Now})

	session.emit(presenceEnvelope(t, realtime.EventPresenceUpdated, realtime.PresenceRecord{
		UserID:   "user-b",
		Status:   realtime.PresenceAway,
		LastSeen: clock.Now(),
	}))
	// An older record must not overwrite the newer one.
	session.emit(presenceEnvelope(t, realtime.EventPresenceUpdated, realtime.PresenceRecord{
		UserID:   "user-b",
		Status:   realtime.PresenceOnline,
		LastSeen: clock.Now().Add(-time.Minute),
	}))

	record, ok := tracker.Get("user-b")
	if !ok || record.Status != realtime.PresenceAway {
		t.Fatalf("expected the newer away record to win, got %v %v", record, ok)
	}
}

func TestTrackerInitialStateSeedsCollection(t *testing.T) {
	clock := newManualClock()
	session := &fakeSession{}
	tracker := NewTracker(TrackerConfig{Session: session, Clock: clock.Now})

	factory := realtime.NewEnvelopeFactory(realtime.EnvelopeFactoryConfig{Clock: clock.Now})
	envelope, err := factory.NewEnvelope(realtime.EventPresenceInitialState, []realtime.PresenceRecord{
		{UserID: "user-a", Status: realtime.PresenceOnline, LastSeen: clock.Now()},
		{UserID: "user-b", Status: realtime.PresenceAway, LastSeen: clock.Now()},
	}, "")
	if err != nil {
		t.Fatalf("building initial state envelope: %v", err)
	}
	session.emit(envelope)

	counts := tracker.Counts()
	if counts.Online != 1 || counts.Away != 1 {
		t.Fatalf("expected one online and one away, got %+v", counts)
	}
	away := tracker.ByStatus(realtime.PresenceAway)
	if len(away) != 1 || away[0].UserID != "user-b" {
		t.Fatalf("expected user-b in the away set, got %v", away)
	}
}

func TestTrackerHeartbeatRelayKeepsRecordFresh(t *testing.T) {
	clock := newManualClock()
	session := &fakeSession{}
	tracker := NewTracker(TrackerConfig{
		Session:        session,
		Clock:          clock.Now,
		StaleThreshold: time.Minute,
	})

	var transitions int
	tracker.OnPresenceChange(func(realtime.PresenceRecord) { transitions++ })

	session.emit(presenceEnvelope(t, realtime.EventPresenceJoined, realtime.PresenceRecord{
		UserID:   "user-b",
		Status:   realtime.PresenceOnline,
		LastSeen: clock.Now(),
	}))

	// Relayed heartbeats with unchanged state refresh liveness without
	// firing transition callbacks.
	clock.Advance(45 * time.Second)
	session.emit(presenceEnvelope(t, realtime.EventPresenceHeartbeat, realtime.PresenceRecord{
		UserID:   "user-b",
		Status:   realtime.PresenceOnline,
		LastSeen: clock.Now(),
	}))

	clock.Advance(45 * time.Second)
	if _, ok := tracker.Get("user-b"); !ok {
		t.Fatal("expected the heartbeat to keep the record fresh past the original stale horizon")
	}
	if transitions != 1 {
		t.Fatalf("expected only the join transition, got %d", transitions)
	}

	clock.Advance(time.Minute)
	if _, ok := tracker.Get("user-b"); ok {
		t.Fatal("expected eviction once heartbeats actually stop")
	}
}

func TestTrackerEvictsStaleRemoteRecords(t *testing.T) {
	clock := newManualClock()
	session := &fakeSession{}
	tracker := NewTracker(TrackerConfig{
		Session:        session,
		Clock:          clock.Now,
		StaleThreshold: time.Minute,
	})

	session.emit(presenceEnvelope(t, realtime.EventPresenceJoined, realtime.PresenceRecord{
		UserID:   "user-b",
		Status:   realtime.PresenceOnline,
		LastSeen: clock.Now(),
	}))

	clock.Advance(2 * time.Minute)
	if _, ok := tracker.Get("user-b"); ok {
		t.Fatal("expected the stale record to be evicted")
	}
	if counts := tracker.Counts(); counts.Total() != 0 {
		t.Fatalf("expected an empty collection after eviction, got %+v", counts)
	}
}

func presenceEnvelope(t *testing.T, kind realtime.EventKind, record realtime.PresenceRecord) realtime.Envelope {
	t.Helper()
	factory := realtime.NewEnvelopeFactory(realtime.EnvelopeFactoryConfig{})
	envelope, err := factory.NewEnvelope(kind, record, record.UserID)
	if err != nil {
		t.Fatalf("building %s envelope: %v", kind, err)
	}
	return envelope
}
