package realtime

import (
	"errors"
	"fmt"
	"strings"
)

// RoomType enumerates the broadcast group categories a subscription may target.
type RoomType string

const (
	RoomTypeUser    RoomType = "user"
	RoomTypeProject RoomType = "project"
	RoomTypeTask    RoomType = "task"
	RoomTypeTeam    RoomType = "team"
	RoomTypeGlobal  RoomType = "global"
)

var errInvalidRoomKey = errors.New("realtime: invalid room key")

// ParseRoomType validates a raw room type string.
func ParseRoomType(value string) (RoomType, error) {
	switch RoomType(strings.ToLower(strings.TrimSpace(value))) {
	case RoomTypeUser:
		return RoomTypeUser, nil
	case RoomTypeProject:
		return RoomTypeProject, nil
	case RoomTypeTask:
		return RoomTypeTask, nil
	case RoomTypeTeam:
		return RoomTypeTeam, nil
	case RoomTypeGlobal:
		return RoomTypeGlobal, nil
	default:
		return "", fmt.Errorf("%w: unknown room type %q", errInvalidRoomKey, value)
	}
}

// RoomKey identifies a broadcast group. Rooms are not persisted entities;
// a room exists only as the set of subscriptions referencing its key.
type RoomKey struct {
	Type RoomType `json:"type"`
	ID   string   `json:"id"`
}

// UserRoom returns the room that carries events scoped to a single user.
func UserRoom(userID string) RoomKey {
	return RoomKey{Type: RoomTypeUser, ID: userID}
}

// ProjectRoom returns the room for a project's collaborators.
func ProjectRoom(projectID string) RoomKey {
	return RoomKey{Type: RoomTypeProject, ID: projectID}
}

// TaskRoom returns the room for watchers of a single task.
func TaskRoom(taskID string) RoomKey {
	return RoomKey{Type: RoomTypeTask, ID: taskID}
}

// TeamRoom returns the room for a team's members.
func TeamRoom(teamID string) RoomKey {
	return RoomKey{Type: RoomTypeTeam, ID: teamID}
}

// GlobalRoom returns the single room every client may observe.
func GlobalRoom() RoomKey {
	return RoomKey{Type: RoomTypeGlobal, ID: "all"}
}

func (k RoomKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// Valid reports whether the key names a well-formed room.
func (k RoomKey) Valid() bool {
	if _, err := ParseRoomType(string(k.Type)); err != nil {
		return false
	}
	return strings.TrimSpace(k.ID) != ""
}

// ParseRoomKey parses the wire form "type:id" back into a RoomKey.
func ParseRoomKey(value string) (RoomKey, error) {
	parts := strings.SplitN(strings.TrimSpace(value), ":", 2)
	if len(parts) != 2 {
		return RoomKey{}, fmt.Errorf("%w: %q", errInvalidRoomKey, value)
	}
	roomType, err := ParseRoomType(parts[0])
	if err != nil {
		return RoomKey{}, err
	}
	if parts[1] == "" {
		return RoomKey{}, fmt.Errorf("%w: empty room id in %q", errInvalidRoomKey, value)
	}
	return RoomKey{Type: roomType, ID: parts[1]}, nil
}
