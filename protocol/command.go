package protocol

import "prism-sync/domain"

// Inbound command names.
const (
	TypeIdentify     = "identify"
	TypeJoinRoom     = "join-room"
	TypeListRooms    = "list-rooms"
	TypeCreateItem   = "create-item"
	TypeUpdateItem   = "update-item"
	TypeDeleteItem   = "delete-item"
	TypeCursorUpdate = "cursor-update"
)

// Command is one validated inbound frame. The set of implementations is
// closed: Identify, JoinRoom, ListRooms, CreateItem, UpdateItem, DeleteItem
// and CursorUpdate.
type Command interface {
	Name() string
	command()
}

// Mutating reports whether the command changes board state and is therefore
// subject to rate limiting.
func Mutating(c Command) bool {
	switch c.(type) {
	case CreateItem, UpdateItem, DeleteItem:
		return true
	}
	return false
}

type Identify struct {
	Pseudo string
	Token  string
	Role   domain.Role // empty when the client omitted it
}

type JoinRoom struct {
	BoardID string
}

type ListRooms struct{}

type CreateItem struct {
	BoardID     string
	Title       string
	Description string
}

type UpdateItem struct {
	BoardID     string
	TaskID      string
	BaseVersion int
	Patch       domain.Patch
}

type DeleteItem struct {
	BoardID string
	TaskID  string
}

type CursorUpdate struct {
	X float64
	Y float64
}

func (Identify) Name() string     { return TypeIdentify }
func (JoinRoom) Name() string     { return TypeJoinRoom }
func (ListRooms) Name() string    { return TypeListRooms }
func (CreateItem) Name() string   { return TypeCreateItem }
func (UpdateItem) Name() string   { return TypeUpdateItem }
func (DeleteItem) Name() string   { return TypeDeleteItem }
func (CursorUpdate) Name() string { return TypeCursorUpdate }

func (Identify) command()     {}
func (JoinRoom) command()     {}
func (ListRooms) command()    {}
func (CreateItem) command()   {}
func (UpdateItem) command()   {}
func (DeleteItem) command()   {}
func (CursorUpdate) command() {}
