package protocol

import (
	"github.com/bytedance/sonic"

	"prism-sync/domain"
)

// Outbound message names.
const (
	TypeIdentified   = "identified"
	TypeRoomState    = "room-state"
	TypeRoomList     = "room-list"
	TypeItemCreated  = "item-created"
	TypeItemUpdated  = "item-updated"
	TypeItemConflict = "item-conflict"
	TypeItemDeleted  = "item-deleted"
	TypeSystemStatus = "system-status"
	TypeSystemError  = "system-error"
	TypePeerDeparted = "peer-departed"
	TypeRoomCreated  = "room-created"
)

// Envelope is the wire shape of every frame in both directions.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Identified struct {
	Role   domain.Role `json:"role"`
	Pseudo string      `json:"pseudo"`
	Token  string      `json:"token,omitempty"`
}

type RoomState struct {
	BoardID         string        `json:"boardId"`
	Tasks           []domain.Task `json:"tasks"`
	ServerTimestamp int64         `json:"serverTimestamp"`
}

type RoomList struct {
	Boards []domain.Board `json:"boards"`
}

type ItemCreated struct {
	BoardID   string      `json:"boardId"`
	Task      domain.Task `json:"task"`
	By        string      `json:"by"`
	Timestamp int64       `json:"timestamp"`
}

type ItemUpdated struct {
	BoardID   string      `json:"boardId"`
	TaskID    string      `json:"taskId"`
	Before    domain.Task `json:"before"`
	After     domain.Task `json:"after"`
	By        string      `json:"by"`
	Timestamp int64       `json:"timestamp"`
}

type ItemConflict struct {
	BoardID         string      `json:"boardId"`
	TaskID          string      `json:"taskId"`
	ExpectedVersion int         `json:"expectedVersion"`
	ActualVersion   int         `json:"actualVersion"`
	Current         domain.Task `json:"current"`
}

type ItemDeleted struct {
	BoardID   string `json:"boardId"`
	TaskID    string `json:"taskId"`
	By        string `json:"by"`
	Timestamp int64  `json:"timestamp"`
}

type Cursor struct {
	Pseudo    string  `json:"pseudo"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Timestamp int64   `json:"timestamp"`
}

type SystemStatus struct {
	State string `json:"state"`
}

// SystemError is the client-facing projection of a condition. It never
// carries internal diagnostics.
type SystemError struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	Category  string `json:"category"`
	Timestamp int64  `json:"timestamp"`
}

type PeerDeparted struct {
	Pseudo    string `json:"pseudo"`
	BoardID   string `json:"boardId"`
	Timestamp int64  `json:"timestamp"`
}

type RoomCreated struct {
	BoardID   string `json:"boardId"`
	CreatedBy string `json:"createdBy"`
	Timestamp int64  `json:"timestamp"`
}

// Encode wraps data in an envelope and serialises it.
func Encode(typ string, data any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(Envelope{Type: typ, Data: data})
}
