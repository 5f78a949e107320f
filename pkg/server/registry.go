package server

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync/atomic"
)

// IDAllocator hands out strictly increasing ids starting at 1. Ids are never reused.
// Next is safe to call from any goroutine.
type IDAllocator struct {
	last atomic.Uint64
}

func (a *IDAllocator) Next() uint64 {
	return a.last.Add(1)
}

// Last returns the most recently allocated id, or 0 if none
func (a *IDAllocator) Last() uint64 {
	return a.last.Load()
}

// SessionRegistry maps session ids to sessions.
// Only the command processor goroutine reads or mutates the map; NextID may be
// called by the acceptor.
type SessionRegistry struct {
	ids      IDAllocator
	sessions map[uint64]*Session
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[uint64]*Session)}
}

// NextID reserves the id for a session about to be constructed
func (r *SessionRegistry) NextID() uint64 {
	return r.ids.Next()
}

func (r *SessionRegistry) Add(s *Session) {
	r.sessions[s.ID] = s
}

func (r *SessionRegistry) Get(id uint64) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *SessionRegistry) Remove(id uint64) (*Session, bool) {
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return s, ok
}

func (r *SessionRegistry) Len() int {
	return len(r.sessions)
}

// All returns every registered session in ascending id order
func (r *SessionRegistry) All() []*Session {
	ids := slices.Sorted(maps.Keys(r.sessions))
	out := make([]*Session, len(ids))
	for i, id := range ids {
		out[i] = r.sessions[id]
	}
	return out
}

// Active returns sessions that have joined the server, in ascending id order
func (r *SessionRegistry) Active() []*Session {
	var out []*Session
	for _, s := range r.All() {
		if s.joined {
			out = append(out, s)
		}
	}
	return out
}

// Room is a named group of sessions
type Room struct {
	ID      uint64
	Name    string
	Seeded  bool
	members map[uint64]struct{}
}

// AddMember reports whether the session was not already a member
func (r *Room) AddMember(sessionID uint64) bool {
	if _, ok := r.members[sessionID]; ok {
		return false
	}
	r.members[sessionID] = struct{}{}
	return true
}

// RemoveMember reports whether the session was a member
func (r *Room) RemoveMember(sessionID uint64) bool {
	if _, ok := r.members[sessionID]; !ok {
		return false
	}
	delete(r.members, sessionID)
	return true
}

// Members returns member ids in ascending order
func (r *Room) Members() []uint64 {
	return slices.Sorted(maps.Keys(r.members))
}

func (r *Room) Len() int {
	return len(r.members)
}

// RoomRegistry maps room ids to rooms. Processor goroutine only.
type RoomRegistry struct {
	ids   IDAllocator
	rooms map[uint64]*Room
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{rooms: make(map[uint64]*Room)}
}

// Create allocates a fresh id for a room with no members.
// Names need not be unique; the id is the identity.
func (r *RoomRegistry) Create(name string, seeded bool) *Room {
	room := &Room{
		ID:      r.ids.Next(),
		Name:    name,
		Seeded:  seeded,
		members: make(map[uint64]struct{}),
	}
	r.rooms[room.ID] = room
	return room
}

func (r *RoomRegistry) Get(id uint64) (*Room, bool) {
	room, ok := r.rooms[id]
	return room, ok
}

func (r *RoomRegistry) Remove(id uint64) {
	delete(r.rooms, id)
}

func (r *RoomRegistry) Len() int {
	return len(r.rooms)
}

// All returns rooms in ascending id order
func (r *RoomRegistry) All() []*Room {
	ids := slices.Sorted(maps.Keys(r.rooms))
	out := make([]*Room, len(ids))
	for i, id := range ids {
		out[i] = r.rooms[id]
	}
	return out
}

// RemoveMemberEverywhere drops a session from every room and returns the rooms it left
func (r *RoomRegistry) RemoveMemberEverywhere(sessionID uint64) []*Room {
	var left []*Room
	for _, room := range r.All() {
		if room.RemoveMember(sessionID) {
			left = append(left, room)
		}
	}
	return left
}

// formatUserList renders "<n> USERS" followed by one "# <id> <name>" line per session
func formatUserList(sessions []*Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d USERS", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(&b, "\n# %d %s", s.ID, s.Name())
	}
	return b.String()
}

// formatRoomList renders "<n> ROOMS" followed by one "# <id> <name> (<members>)" line per room
func formatRoomList(rooms []*Room) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d ROOMS", len(rooms))
	for _, room := range rooms {
		fmt.Fprintf(&b, "\n# %d %s (%d)", room.ID, room.Name, room.Len())
	}
	return b.String()
}

// formatRoomRoster renders a room header followed by its members
func formatRoomRoster(room *Room, sessions *SessionRegistry) string {
	var b strings.Builder
	members := room.Members()
	fmt.Fprintf(&b, "ROOM # %d %s: %d USERS", room.ID, room.Name, len(members))
	for _, id := range members {
		name := ""
		if s, ok := sessions.Get(id); ok {
			name = s.Name()
		}
		fmt.Fprintf(&b, "\n# %d %s", id, name)
	}
	return b.String()
}
