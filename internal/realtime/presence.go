package realtime

import (
	"fmt"
	"strings"
	"time"
)

// PresenceStatus is a user's live activity state as perceived by other clients.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ParsePresenceStatus validates a raw status string.
func ParsePresenceStatus(value string) (PresenceStatus, error) {
	switch PresenceStatus(strings.ToLower(strings.TrimSpace(value))) {
	case PresenceOnline:
		return PresenceOnline, nil
	case PresenceAway:
		return PresenceAway, nil
	case PresenceOffline:
		return PresenceOffline, nil
	default:
		return "", fmt.Errorf("realtime: unknown presence status %q", value)
	}
}

// PresenceContext carries optional structured location hints shared with
// other clients (which page, task, or project the user is looking at).
type PresenceContext struct {
	Page      string `json:"page,omitempty"`
	TaskID    string `json:"task_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// PresenceRecord is the per-user presence state. Heartbeats mutate it with
// last-write-wins semantics keyed on LastSeen; readers get copies.
type PresenceRecord struct {
	UserID       string          `json:"user_id"`
	Status       PresenceStatus  `json:"status"`
	LastActivity time.Time       `json:"last_activity"`
	LastSeen     time.Time       `json:"last_seen"`
	Visible      bool            `json:"visible"`
	IsActive     bool            `json:"is_active"`
	Context      PresenceContext `json:"context,omitempty"`
}

// Stale reports whether the record has gone without a heartbeat for longer
// than the threshold and may be dropped from aggregate views.
func (r PresenceRecord) Stale(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	return now.Sub(r.LastSeen) > threshold
}

// PresenceCounts summarises a presence collection for the status surface.
type PresenceCounts struct {
	Online  int `json:"online"`
	Away    int `json:"away"`
	Offline int `json:"offline"`
}

// Total returns the number of tracked users.
func (c PresenceCounts) Total() int {
	return c.Online + c.Away + c.Offline
}
