package client

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
)

// fakeSession records outbound frames and lets tests drive the lifecycle
// signals a live connection manager would emit.
type fakeSession struct {
	mu      sync.Mutex
	sent    []realtime.ClientMessage
	sendErr error

	envelopeHandlers     []func(realtime.Envelope)
	connectedHandlers    []func()
	reconnectedHandlers  []func()
	disconnectedHandlers []func(error)
}

func (f *fakeSession) Send(message realtime.ClientMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, message)
	return nil
}

func (f *fakeSession) OnEnvelope(handler func(realtime.Envelope)) {
	f.envelopeHandlers = append(f.envelopeHandlers, handler)
}

func (f *fakeSession) OnConnected(handler func()) {
	f.connectedHandlers = append(f.connectedHandlers, handler)
}

func (f *fakeSession) OnReconnected(handler func()) {
	f.reconnectedHandlers = append(f.reconnectedHandlers, handler)
}

func (f *fakeSession) OnDisconnected(handler func(error)) {
	f.disconnectedHandlers = append(f.disconnectedHandlers, handler)
}

func (f *fakeSession) emit(envelope realtime.Envelope) {
	for _, handler := range f.envelopeHandlers {
		handler(envelope)
	}
}

func (f *fakeSession) fireConnected() {
	for _, handler := range f.connectedHandlers {
		handler()
	}
}

func (f *fakeSession) fireReconnected() {
	for _, handler := range f.reconnectedHandlers {
		handler()
	}
}

func (f *fakeSession) fireDisconnected(err error) {
	for _, handler := range f.disconnectedHandlers {
		handler(err)
	}
}

func (f *fakeSession) frames() []realtime.ClientMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.ClientMessage{}, f.sent...)
}

func (f *fakeSession) reset() {
	f.mu.Lock()
	f.sent = nil
	f.mu.Unlock()
}

func (f *fakeSession) setSendErr(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

func sentRooms(frames []realtime.ClientMessage, messageType realtime.MessageType) []string {
	rooms := make([]string, 0, len(frames))
	for _, frame := range frames {
		if frame.Type == messageType && frame.Room != nil {
			rooms = append(rooms, frame.Room.String())
		}
	}
	sort.Strings(rooms)
	return rooms
}

func TestRegistrySubscribeSendsFrameAndConfirms(t *testing.T) {
	session := &fakeSession{}
	registry := NewRegistry(RegistryConfig{Session: session})
	defer registry.Close()

	room := realtime.ProjectRoom("proj-1")
	if err := registry.Subscribe(room, map[string]string{"status": "open"}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	frames := session.frames()
	if len(frames) != 1 || frames[0].Type != realtime.MessageSubscribe {
		t.Fatalf("expected one subscribe frame, got %v", frames)
	}
	if frames[0].Filters["status"] != "open" {
		t.Fatalf("expected filters on the wire, got %v", frames[0].Filters)
	}
	if state, ok := registry.State(room); !ok || state != SubscriptionPending {
		t.Fatalf("expected pending before confirmation, got %v %v", state, ok)
	}

	session.emit(confirmationEnvelope(t, realtime.EventSubscriptionConfirmed, room, ""))
	if state, _ := registry.State(room); state != SubscriptionConfirmed {
		t.Fatalf("expected confirmed after the server answered, got %v", state)
	}
}

func TestRegistryRejectsInvalidRoom(t *testing.T) {
	registry := NewRegistry(RegistryConfig{Session: &fakeSession{}})
	defer registry.Close()

	if err := registry.Subscribe(realtime.RoomKey{}, nil); err == nil {
		t.Fatal("expected an error for an invalid room")
	}
}

func TestRegistryQueuesSubscribesWhileDisconnected(t *testing.T) {
	session := &fakeSession{}
	session.setSendErr(&realtime.NotConnectedError{})
	registry := NewRegistry(RegistryConfig{Session: session, AutoSubscribe: true})
	defer registry.Close()

	room := realtime.TaskRoom("task-9")
	if err := registry.Subscribe(room, nil); err != nil {
		t.Fatalf("expected a queued subscribe to succeed, got %v", err)
	}
	if state, ok := registry.State(room); !ok || state != SubscriptionPending {
		t.Fatalf("expected the room to stay pending, got %v %v", state, ok)
	}

	session.setSendErr(nil)
	session.fireConnected()

	rooms := sentRooms(session.frames(), realtime.MessageSubscribe)
	if len(rooms) != 1 || rooms[0] != room.String() {
		t.Fatalf("expected the queued room to flush on connect, got %v", rooms)
	}
}

func TestRegistryResubscribesEverythingOnReconnect(t *testing.T) {
	session := &fakeSession{}
	registry := NewRegistry(RegistryConfig{Session: session})
	defer registry.Close()

	subscribed := []realtime.RoomKey{
		realtime.ProjectRoom("proj-1"),
		realtime.TaskRoom("task-2"),
		realtime.GlobalRoom(),
	}
	for _, room := range subscribed {
		if err := registry.Subscribe(room, nil); err != nil {
			t.Fatalf("subscribe %s failed: %v", room, err)
		}
		session.emit(confirmationEnvelope(t, realtime.EventSubscriptionConfirmed, room, ""))
	}

	session.reset()
	session.fireReconnected()

	replayed := sentRooms(session.frames(), realtime.MessageSubscribe)
	wanted := make([]string, 0, len(subscribed))
	for _, room := range subscribed {
		wanted = append(wanted, room.String())
	}
	sort.Strings(wanted)
	if len(replayed) != len(wanted) {
		t.Fatalf("expected %d resubscribes, got %v", len(wanted), replayed)
	}
	for index := range wanted {
		if replayed[index] != wanted[index] {
			t.Fatalf("resubscribed set %v does not match subscribed set %v", replayed, wanted)
		}
	}
}

func TestRegistryRetriesThenFailsTerminally(t *testing.T) {
	session := &fakeSession{}
	registry := NewRegistry(RegistryConfig{
		Session: session,
		Backoff: realtime.Backoff{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 2},
	})
	defer registry.Close()

	failures := make(chan realtime.SubscriptionError, 1)
	registry.OnSubscriptionFailed(func(failure realtime.SubscriptionError) {
		failures <- failure
	})

	room := realtime.TeamRoom("team-1")
	if err := registry.Subscribe(room, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	rejected := 0
	for {
		session.emit(confirmationEnvelope(t, realtime.EventSubscriptionError, room, "not a member"))
		rejected++

		select {
		case failure := <-failures:
			if !failure.Terminal {
				t.Fatalf("expected a terminal failure, got %+v", failure)
			}
			if failure.Reason != "not a member" {
				t.Fatalf("expected the server reason to surface, got %q", failure.Reason)
			}
			if state, _ := registry.State(room); state != SubscriptionFailed {
				t.Fatalf("expected the room to be marked failed, got %v", state)
			}
			return
		case <-time.After(50 * time.Millisecond):
			// Retry timer should have resent by now; reject again.
		case <-deadline:
			t.Fatalf("no terminal failure after %d rejections", rejected)
		}
	}
}

func TestRegistryUnsubscribeDropsTracking(t *testing.T) {
	session := &fakeSession{}
	registry := NewRegistry(RegistryConfig{Session: session})
	defer registry.Close()

	room := realtime.ProjectRoom("proj-1")
	if err := registry.Subscribe(room, nil); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	registry.Unsubscribe(room)

	if _, ok := registry.State(room); ok {
		t.Fatal("expected the room to be forgotten after unsubscribe")
	}
	rooms := sentRooms(session.frames(), realtime.MessageUnsubscribe)
	if len(rooms) != 1 || rooms[0] != room.String() {
		t.Fatalf("expected one unsubscribe frame, got %v", rooms)
	}

	session.reset()
	session.fireReconnected()
	if replayed := sentRooms(session.frames(), realtime.MessageSubscribe); len(replayed) != 0 {
		t.Fatalf("expected no resubscribe for a dropped room, got %v", replayed)
	}
}

func confirmationEnvelope(t *testing.T, kind realtime.EventKind, room realtime.RoomKey, reason string) realtime.Envelope {
	t.Helper()
	factory := realtime.NewEnvelopeFactory(realtime.EnvelopeFactoryConfig{})
	envelope, err := factory.NewEnvelope(kind, realtime.SubscriptionResult{Room: room, Reason: reason}, "")
	if err != nil {
		t.Fatalf("building %s envelope: %v", kind, err)
	}
	return envelope
}
