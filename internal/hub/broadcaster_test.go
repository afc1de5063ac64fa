package hub

import (
	"errors"
	"testing"

	"github.com/jondeardeuff/lifeos-sub003/internal/realtime"
)

type stubVerifier struct {
	userID string
	err    error
}

func (v stubVerifier) VerifyToken(string) (string, error) {
	return v.userID, v.err
}

func testHub(t *testing.T) *Hub {
	t.Helper()
	limiter, err := NewLimiter(LimiterConfig{Store: NewMemoryCounterStore(nil)})
	if err != nil {
		t.Fatalf("constructing limiter: %v", err)
	}
	h, err := NewHub(Config{
		Verifier:  stubVerifier{userID: "user-a"},
		Limiter:   limiter,
		GatewayID: "gateway-test",
	})
	if err != nil {
		t.Fatalf("constructing hub: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func containsRoom(rooms []realtime.RoomKey, wanted realtime.RoomKey) bool {
	for _, room := range rooms {
		if room == wanted {
			return true
		}
	}
	return false
}

func TestTaskRoomsCoverOwnershipContext(t *testing.T) {
	task := realtime.TaskPayload{
		TaskID:     "task-1",
		OwnerID:    "user-owner",
		AssigneeID: "user-assignee",
		ProjectID:  "proj-1",
	}
	rooms, err := taskRooms(task)
	if err != nil {
		t.Fatalf("resolving rooms: %v", err)
	}
	for _, wanted := range []realtime.RoomKey{
		realtime.TaskRoom("task-1"),
		realtime.UserRoom("user-owner"),
		realtime.UserRoom("user-assignee"),
		realtime.ProjectRoom("proj-1"),
	} {
		if !containsRoom(rooms, wanted) {
			t.Fatalf("expected %s in the resolved rooms, got %v", wanted, rooms)
		}
	}
}

func TestTaskRoomsDeduplicateSelfAssignment(t *testing.T) {
	task := realtime.TaskPayload{TaskID: "task-1", OwnerID: "user-a", AssigneeID: "user-a"}
	rooms, err := taskRooms(task)
	if err != nil {
		t.Fatalf("resolving rooms: %v", err)
	}
	userRooms := 0
	for _, room := range rooms {
		if room.Type == realtime.RoomTypeUser {
			userRooms++
		}
	}
	if userRooms != 1 {
		t.Fatalf("expected a single user room for a self-assigned task, got %v", rooms)
	}
}

func TestTaskRoomsRejectMissingIdentity(t *testing.T) {
	if _, err := taskRooms(realtime.TaskPayload{OwnerID: "user-a"}); !errors.Is(err, errEmptyTaskID) {
		t.Fatalf("expected the empty-id error, got %v", err)
	}
}

func TestTagRoomsFallBackToGlobal(t *testing.T) {
	owned := tagRooms(realtime.TagPayload{TagID: "tag-1", OwnerID: "user-a"})
	if len(owned) != 1 || owned[0] != realtime.UserRoom("user-a") {
		t.Fatalf("expected the owner's room, got %v", owned)
	}
	shared := tagRooms(realtime.TagPayload{TagID: "tag-2"})
	if len(shared) != 1 || shared[0] != realtime.GlobalRoom() {
		t.Fatalf("expected the global room for an unowned tag, got %v", shared)
	}
}

func TestBroadcasterSplitsBulkBatches(t *testing.T) {
	h := testHub(t)
	broadcaster, err := NewBroadcaster(BroadcasterConfig{Hub: h, BulkMaxItems: 2})
	if err != nil {
		t.Fatalf("constructing broadcaster: %v", err)
	}

	items := make([]realtime.TaskPayload, 5)
	for index := range items {
		items[index] = realtime.TaskPayload{TaskID: "task-" + string(rune('a'+index)), OwnerID: "user-a"}
	}
	if err := broadcaster.BulkOperation("update", items, "user-a"); err != nil {
		t.Fatalf("bulk update failed: %v", err)
	}

	// 5 items with a cap of 2 yields 3 envelopes.
	if got := broadcaster.Published(); got != 3 {
		t.Fatalf("expected 3 chunked envelopes, got %d", got)
	}
}

func TestBroadcasterRejectsTaskWithoutIdentity(t *testing.T) {
	h := testHub(t)
	broadcaster, err := NewBroadcaster(BroadcasterConfig{Hub: h})
	if err != nil {
		t.Fatalf("constructing broadcaster: %v", err)
	}
	if err := broadcaster.TaskCreated(realtime.TaskPayload{}, "user-a"); err == nil {
		t.Fatal("expected a task without an id to be rejected")
	}
	if got := broadcaster.Published(); got != 0 {
		t.Fatalf("expected no envelopes for a rejected payload, got %d", got)
	}
}

func TestBroadcasterCountsPublishedEnvelopes(t *testing.T) {
	h := testHub(t)
	broadcaster, err := NewBroadcaster(BroadcasterConfig{Hub: h})
	if err != nil {
		t.Fatalf("constructing broadcaster: %v", err)
	}

	if err := broadcaster.TaskCreated(realtime.TaskPayload{TaskID: "task-1", OwnerID: "user-a"}, "user-a"); err != nil {
		t.Fatalf("task created failed: %v", err)
	}
	if err := broadcaster.TagCreated(realtime.TagPayload{TagID: "tag-1", OwnerID: "user-a"}, "user-a"); err != nil {
		t.Fatalf("tag created failed: %v", err)
	}
	if got := broadcaster.Published(); got != 2 {
		t.Fatalf("expected 2 published envelopes, got %d", got)
	}
}
