package hub

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
)

const presenceShardCount = 16

type presenceShard struct {
	mu      sync.RWMutex
	records map[string]realtime.PresenceRecord
}

// PresenceTable is the server-side presence state, sharded by user id.
// Heartbeat ingest is idempotent and order-independent: a heartbeat older
// than the stored record (by last-seen timestamp) is discarded.
type PresenceTable struct {
	shards [presenceShardCount]*presenceShard
	clock  func() time.Time
}

// NewPresenceTable constructs an empty table.
func NewPresenceTable(clock func() time.Time) *PresenceTable {
	if clock == nil {
		clock = time.Now
	}
	table := &PresenceTable{clock: clock}
	for i := range table.shards {
		table.shards[i] = &presenceShard{records: make(map[string]realtime.PresenceRecord)}
	}
	return table
}

func (t *PresenceTable) shardFor(userID string) *presenceShard {
	hasher := fnv.New32a()
	hasher.Write([]byte(userID)) //nolint:errcheck
	return t.shards[hasher.Sum32()%presenceShardCount]
}

// MarkOnline records the user's first connection. It returns the stored
// record and whether the user was previously absent or offline.
func (t *PresenceTable) MarkOnline(userID string) (realtime.PresenceRecord, bool) {
	now := t.clock().UTC()
	shard := t.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	existing, ok := shard.records[userID]
	joined := !ok || existing.Status == realtime.PresenceOffline
	record := realtime.PresenceRecord{
		UserID:       userID,
		Status:       realtime.PresenceOnline,
		LastActivity: now,
		LastSeen:     now,
		Visible:      true,
		IsActive:     true,
	}
	if ok && !joined {
		record = existing
		record.LastSeen = now
	}
	shard.records[userID] = record
	return record, joined
}

// MarkOffline transitions the user to offline. Offline is reachable only via
// explicit logout or losing the last connection, never via the idle path.
func (t *PresenceTable) MarkOffline(userID string) (realtime.PresenceRecord, bool) {
	now := t.clock().UTC()
	shard := t.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	record, ok := shard.records[userID]
	if !ok {
		return realtime.PresenceRecord{}, false
	}
	changed := record.Status != realtime.PresenceOffline
	record.Status = realtime.PresenceOffline
	record.IsActive = false
	record.LastSeen = now
	shard.records[userID] = record
	return record, changed
}

// ApplyHeartbeat ingests one presence heartbeat with last-write-wins
// semantics. It returns the stored record and whether the visible state
// changed, so the caller can choose between a state-change broadcast and a
// plain liveness relay.
func (t *PresenceTable) ApplyHeartbeat(userID string, heartbeat realtime.HeartbeatPayload) (realtime.PresenceRecord, bool) {
	now := t.clock().UTC()
	shard := t.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	existing, ok := shard.records[userID]
	if ok && existing.LastSeen.After(now) {
		return existing, false
	}
	record := realtime.PresenceRecord{
		UserID:       userID,
		Status:       heartbeat.Status,
		LastActivity: time.UnixMilli(heartbeat.LastActivity).UTC(),
		LastSeen:     now,
		Visible:      heartbeat.Visible,
		IsActive:     heartbeat.IsActive,
		Context:      heartbeat.Context,
	}
	changed := !ok ||
		existing.Status != record.Status ||
		existing.Visible != record.Visible ||
		existing.Context != record.Context
	shard.records[userID] = record
	return record, changed
}

// Get returns a copy of the user's record.
func (t *PresenceTable) Get(userID string) (realtime.PresenceRecord, bool) {
	shard := t.shardFor(userID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	record, ok := shard.records[userID]
	return record, ok
}

// Snapshot returns a copy of every tracked record, for initial_state payloads.
func (t *PresenceTable) Snapshot() []realtime.PresenceRecord {
	var snapshot []realtime.PresenceRecord
	for _, shard := range t.shards {
		shard.mu.RLock()
		for _, record := range shard.records {
			snapshot = append(snapshot, record)
		}
		shard.mu.RUnlock()
	}
	return snapshot
}

// Counts summarises the table for the status surface.
func (t *PresenceTable) Counts() realtime.PresenceCounts {
	var counts realtime.PresenceCounts
	for _, shard := range t.shards {
		shard.mu.RLock()
		for _, record := range shard.records {
			switch record.Status {
			case realtime.PresenceAway:
				counts.Away++
			case realtime.PresenceOffline:
				counts.Offline++
			default:
				counts.Online++
			}
		}
		shard.mu.RUnlock()
	}
	return counts
}

// SweepStale evicts records whose heartbeat has gone missing for longer than
// the threshold and returns the evicted user ids.
func (t *PresenceTable) SweepStale(threshold time.Duration) []string {
	now := t.clock().UTC()
	var evicted []string
	for _, shard := range t.shards {
		shard.mu.Lock()
		for userID, record := range shard.records {
			if record.Stale(now, threshold) {
				delete(shard.records, userID)
				evicted = append(evicted, userID)
			}
		}
		shard.mu.Unlock()
	}
	return evicted
}
