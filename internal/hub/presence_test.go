package hub

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
)

type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestPresenceTableMarkOnlineReportsJoin(t *testing.T) {
	clock := newSteppingClock()
	table := NewPresenceTable(clock.Now)

	record, joined := table.MarkOnline("user-a")
	if !joined {
		t.Fatal("expected the first connection to count as a join")
	}
	if record.Status != realtime.PresenceOnline || !record.IsActive {
		t.Fatalf("expected a fresh online record, got %+v", record)
	}

	// A second connection for the same user is not a new join.
	if _, joined := table.MarkOnline("user-a"); joined {
		t.Fatal("expected an already-online user not to rejoin")
	}
}

func TestPresenceTableOfflineOnlyViaExplicitTransition(t *testing.T) {
	clock := newSteppingClock()
	table := NewPresenceTable(clock.Now)

	table.MarkOnline("user-a")
	record, changed := table.MarkOffline("user-a")
	if !changed || record.Status != realtime.PresenceOffline {
		t.Fatalf("expected an explicit offline transition, got %+v changed=%v", record, changed)
	}

	// Going offline twice reports no change.
	if _, changed := table.MarkOffline("user-a"); changed {
		t.Fatal("expected a repeated offline to be a no-op")
	}

	// Coming back counts as a join again.
	if _, joined := table.MarkOnline("user-a"); !joined {
		t.Fatal("expected an offline user to rejoin")
	}
}

func TestPresenceTableHeartbeatUpdatesAndReportsChange(t *testing.T) {
	clock := newSteppingClock()
	table := NewPresenceTable(clock.Now)
	table.MarkOnline("user-a")

	heartbeat := realtime.HeartbeatPayload{
		Status:       realtime.PresenceOnline,
		LastActivity: clock.Now().UnixMilli(),
		Visible:      true,
		IsActive:     true,
	}
	if _, changed := table.ApplyHeartbeat("user-a", heartbeat); changed {
		t.Fatal("expected an identical heartbeat to report no change")
	}

	clock.Advance(10 * time.Second)
	heartbeat.Status = realtime.PresenceAway
	heartbeat.IsActive = false
	record, changed := table.ApplyHeartbeat("user-a", heartbeat)
	if !changed {
		t.Fatal("expected a status flip to report a change")
	}
	if record.Status != realtime.PresenceAway {
		t.Fatalf("expected the away status to stick, got %+v", record)
	}

	clock.Advance(10 * time.Second)
	if _, changed := table.ApplyHeartbeat("user-a", heartbeat); changed {
		t.Fatal("expected a repeated away heartbeat to be idempotent")
	}
}

func TestPresenceTableCountsByStatus(t *testing.T) {
	clock := newSteppingClock()
	table := NewPresenceTable(clock.Now)

	table.MarkOnline("user-a")
	table.MarkOnline("user-b")
	table.ApplyHeartbeat("user-b", realtime.HeartbeatPayload{
		Status:       realtime.PresenceAway,
		LastActivity: clock.Now().UnixMilli(),
	})
	table.MarkOnline("user-c")
	table.MarkOffline("user-c")

	counts := table.Counts()
	if counts.Online != 1 || counts.Away != 1 || counts.Offline != 1 {
		t.Fatalf("expected 1/1/1 online/away/offline, got %+v", counts)
	}
	if counts.Total() != 3 {
		t.Fatalf("expected 3 tracked users, got %d", counts.Total())
	}
}

func TestPresenceTableSweepEvictsStaleRecords(t *testing.T) {
	clock := newSteppingClock()
	table := NewPresenceTable(clock.Now)

	table.MarkOnline("user-stale")
	clock.Advance(2 * time.Minute)
	table.MarkOnline("user-fresh")

	evicted := table.SweepStale(time.Minute)
	sort.Strings(evicted)
	if len(evicted) != 1 || evicted[0] != "user-stale" {
		t.Fatalf("expected only the stale user to be evicted, got %v", evicted)
	}
	if _, ok := table.Get("user-stale"); ok {
		t.Fatal("expected the evicted record to be gone")
	}
	if _, ok := table.Get("user-fresh"); !ok {
		t.Fatal("expected the fresh record to survive the sweep")
	}
}

func TestPresenceTableSnapshotCoversAllUsers(t *testing.T) {
	clock := newSteppingClock()
	table := NewPresenceTable(clock.Now)

	users := []string{"user-a", "user-b", "user-c", "user-d"}
	for _, userID := range users {
		table.MarkOnline(userID)
	}

	snapshot := table.Snapshot()
	if len(snapshot) != len(users) {
		t.Fatalf("expected %d records in the snapshot, got %d", len(users), len(snapshot))
	}
	seen := make(map[string]struct{}, len(snapshot))
	for _, record := range snapshot {
		seen[record.UserID] = struct{}{}
	}
	for _, userID := range users {
		if _, ok := seen[userID]; !ok {
			t.Fatalf("expected %s in the snapshot", userID)
		}
	}
}
