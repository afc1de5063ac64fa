package client

import (
	"context"
	"errors"
	"testing"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
)

func TestNewManagerRequiresURLAndToken(t *testing.T) {
	if _, err := NewManager(ManagerConfig{Token: "token"}); err == nil {
		t.Fatal("expected an error without a url")
	}
	if _, err := NewManager(ManagerConfig{URL: "ws://localhost/realtime/ws"}); err == nil {
		t.Fatal("expected an error without a token")
	}
	if _, err := NewManager(ManagerConfig{URL: "ws://localhost/realtime/ws", Token: "token"}); err != nil {
		t.Fatalf("expected a valid config to be accepted, got %v", err)
	}
}

func TestManagerSendWhileDisconnected(t *testing.T) {
	manager, err := NewManager(ManagerConfig{URL: "ws://localhost/realtime/ws", Token: "token"})
	if err != nil {
		t.Fatalf("constructing manager: %v", err)
	}
	defer manager.Close()

	room := realtime.GlobalRoom()
	err = manager.Send(realtime.ClientMessage{Type: realtime.MessageSubscribe, Room: &room})
	var notConnected *realtime.NotConnectedError
	if !errors.As(err, &notConnected) {
		t.Fatalf("expected NotConnectedError, got %v", err)
	}
	if notConnected.Room != room {
		t.Fatalf("expected the room on the error, got %+v", notConnected)
	}
}

func TestManagerStartsDisconnected(t *testing.T) {
	manager, err := NewManager(ManagerConfig{URL: "ws://localhost/realtime/ws", Token: "token"})
	if err != nil {
		t.Fatalf("constructing manager: %v", err)
	}
	defer manager.Close()

	if got := manager.State(); got != StateDisconnected {
		t.Fatalf("expected a fresh manager to be disconnected, got %v", got)
	}
	if id := manager.ConnectionID(); id != "" {
		t.Fatalf("expected no connection id before the handshake, got %q", id)
	}
}

func TestManagerCloseIsIdempotent(t *testing.T) {
	manager, err := NewManager(ManagerConfig{URL: "ws://localhost/realtime/ws", Token: "token"})
	if err != nil {
		t.Fatalf("constructing manager: %v", err)
	}
	manager.Close()
	manager.Close()

	if connectErr := manager.Connect(context.Background()); !errors.Is(connectErr, errManagerClosed) {
		t.Fatalf("expected a closed manager to refuse connecting, got %v", connectErr)
	}
}
