package realtime

import (
	"fmt"
	"time"
)

// AuthenticationError reports a bad or missing token at handshake. It is
// fatal to that connection attempt and never retried automatically.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	if e.Reason == "" {
		return "realtime: authentication failed"
	}
	return "realtime: authentication failed: " + e.Reason
}

// TransportError reports a network-level failure; it triggers the reconnect
// policy rather than surfacing as fatal.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("realtime: transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// NotConnectedError reports a subscribe attempted without a live connection.
// Callers with auto-subscribe enabled defer the request instead of dropping it.
type NotConnectedError struct {
	Room RoomKey
}

func (e *NotConnectedError) Error() string {
	return fmt.Sprintf("realtime: not connected (room %s)", e.Room)
}

// SubscriptionError reports a server-rejected room subscription. Terminal is
// set once the retry budget is exhausted and automatic retry has stopped.
type SubscriptionError struct {
	Room     RoomKey
	Reason   string
	Attempts int
	Terminal bool
}

func (e *SubscriptionError) Error() string {
	if e.Terminal {
		return fmt.Sprintf("realtime: subscription to %s failed after %d attempts: %s", e.Room, e.Attempts, e.Reason)
	}
	return fmt.Sprintf("realtime: subscription to %s rejected: %s", e.Room, e.Reason)
}

// RateLimitError reports inbound throttling. It always carries the window
// reset time so callers can schedule a retry; it is never silently dropped.
type RateLimitError struct {
	Class   string
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("realtime: rate limit exceeded for %s, resets at %s", e.Class, e.ResetAt.Format(time.RFC3339))
}

// ReconciliationError reports a malformed incoming event payload. The caller
// logs it and keeps the prior state; it never propagates as a crash.
type ReconciliationError struct {
	Strategy string
	Reason   string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("realtime: reconcile %s: %s", e.Strategy, e.Reason)
}
