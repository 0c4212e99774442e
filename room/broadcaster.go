// Package room tracks which connections are subscribed to which board and
// fans messages out to them.
package room

import (
	"sort"
	"sync"
)

// Subscriber is one connection's outbound side. Send must not block.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close()
}

type room struct {
	// sendMu fixes the delivery order of broadcasts in this room.
	sendMu  sync.Mutex
	members map[string]Subscriber
}

// Broadcaster owns room membership. A subscriber is in at most one room.
type Broadcaster struct {
	onFailure func(Subscriber, error)

	mu     sync.Mutex
	rooms  map[string]*room
	member map[string]string
}

// New returns a Broadcaster. onFailure is called, outside any lock, for each
// subscriber whose Send failed; the subscriber has already been closed and
// removed from its room.
func New(onFailure func(Subscriber, error)) *Broadcaster {
	return &Broadcaster{
		onFailure: onFailure,
		rooms:     make(map[string]*room),
		member:    make(map[string]string),
	}
}

// Join moves sub into boardID and returns the room it left, if any.
func (b *Broadcaster) Join(sub Subscriber, boardID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.member[sub.ID()]
	if prev == boardID {
		return ""
	}
	if prev != "" {
		b.removeLocked(sub.ID(), prev)
	}
	r, ok := b.rooms[boardID]
	if !ok {
		r = &room{members: make(map[string]Subscriber)}
		b.rooms[boardID] = r
	}
	r.members[sub.ID()] = sub
	b.member[sub.ID()] = boardID
	return prev
}

// Leave removes the subscriber from its room and returns that room.
func (b *Broadcaster) Leave(subID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	boardID, ok := b.member[subID]
	if !ok {
		return ""
	}
	b.removeLocked(subID, boardID)
	return boardID
}

func (b *Broadcaster) removeLocked(subID, boardID string) {
	delete(b.member, subID)
	r, ok := b.rooms[boardID]
	if !ok {
		return
	}
	delete(r.members, subID)
	if len(r.members) == 0 {
		delete(b.rooms, boardID)
	}
}

func (b *Broadcaster) snapshot(r *room, except string) []Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := make([]Subscriber, 0, len(r.members))
	for id, s := range r.members {
		if id != except {
			subs = append(subs, s)
		}
	}
	return subs
}

type failure struct {
	sub Subscriber
	err error
}

// deliver sends msg to a snapshot of r's members while holding r.sendMu.
func (b *Broadcaster) deliver(r *room, msg []byte, except string) (int, []failure) {
	r.sendMu.Lock()
	defer r.sendMu.Unlock()

	var failed []failure
	sent := 0
	for _, s := range b.snapshot(r, except) {
		if err := s.Send(msg); err != nil {
			failed = append(failed, failure{sub: s, err: err})
			continue
		}
		sent++
	}
	return sent, failed
}

func (b *Broadcaster) drop(failed []failure) {
	for _, f := range failed {
		b.Leave(f.sub.ID())
		f.sub.Close()
		if b.onFailure != nil {
			b.onFailure(f.sub, f.err)
		}
	}
}

// Broadcast delivers msg to every member of boardID and returns how many
// accepted it.
func (b *Broadcaster) Broadcast(boardID string, msg []byte) int {
	return b.BroadcastExcept(boardID, msg, "")
}

// BroadcastExcept is Broadcast skipping one subscriber.
func (b *Broadcaster) BroadcastExcept(boardID string, msg []byte, except string) int {
	b.mu.Lock()
	r, ok := b.rooms[boardID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	sent, failed := b.deliver(r, msg, except)
	b.drop(failed)
	return sent
}

// BroadcastAll delivers msg to every subscriber in any room except one.
func (b *Broadcaster) BroadcastAll(msg []byte, except string) int {
	b.mu.Lock()
	rooms := make([]*room, 0, len(b.rooms))
	for _, r := range b.rooms {
		rooms = append(rooms, r)
	}
	b.mu.Unlock()

	sent := 0
	var failed []failure
	for _, r := range rooms {
		n, f := b.deliver(r, msg, except)
		sent += n
		failed = append(failed, f...)
	}
	b.drop(failed)
	return sent
}

// Members returns the sorted subscriber ids of boardID.
func (b *Broadcaster) Members(boardID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.rooms[boardID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RoomOf returns the board the subscriber is in.
func (b *Broadcaster) RoomOf(subID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.member[subID]
	return id, ok
}

// Rooms returns the number of non-empty rooms.
func (b *Broadcaster) Rooms() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}
