package server

import (
	"sort"
	"sync"
)

// RoomTable maps room keys to the set of connections currently in them.
// A room exists only while it has at least one member.
type RoomTable struct {
	mu    sync.RWMutex
	rooms map[string]map[ConnID]struct{}
	conns map[ConnID]map[string]struct{}
}

// NewRoomTable returns an empty membership table.
func NewRoomTable() *RoomTable {
	return &RoomTable{
		rooms: make(map[string]map[ConnID]struct{}),
		conns: make(map[ConnID]map[string]struct{}),
	}
}

// Join adds conn to room. Joining a room twice has no further effect and
// earlier memberships are kept.
func (t *RoomTable) Join(conn ConnID, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	members, ok := t.rooms[room]
	if !ok {
		members = make(map[ConnID]struct{})
		t.rooms[room] = members
	}
	members[conn] = struct{}{}

	joined, ok := t.conns[conn]
	if !ok {
		joined = make(map[string]struct{})
		t.conns[conn] = joined
	}
	joined[room] = struct{}{}
}

// Leave removes conn from a single room.
func (t *RoomTable) Leave(conn ConnID, room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(conn, room)
}

// LeaveAll removes conn from every room it belongs to and returns those rooms.
func (t *RoomTable) LeaveAll(conn ConnID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	joined := t.conns[conn]
	left := make([]string, 0, len(joined))
	for room := range joined {
		left = append(left, room)
	}
	for _, room := range left {
		t.removeLocked(conn, room)
	}
	delete(t.conns, conn)

	sort.Strings(left)
	return left
}

func (t *RoomTable) removeLocked(conn ConnID, room string) {
	if members, ok := t.rooms[room]; ok {
		delete(members, conn)
		if len(members) == 0 {
			delete(t.rooms, room)
		}
	}
	if joined, ok := t.conns[conn]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(t.conns, conn)
		}
	}
}

// MembersOf returns the members of room in a stable order. An unknown room
// yields an empty slice.
func (t *RoomTable) MembersOf(room string) []ConnID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := t.rooms[room]
	result := make([]ConnID, 0, len(members))
	for conn := range members {
		result = append(result, conn)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result
}

// RoomsOf returns the rooms conn currently belongs to.
func (t *RoomTable) RoomsOf(conn ConnID) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]string, 0, len(t.conns[conn]))
	for room := range t.conns[conn] {
		result = append(result, room)
	}
	sort.Strings(result)
	return result
}

// Rooms returns the member count of every non-empty room.
func (t *RoomTable) Rooms() map[string]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[string]int, len(t.rooms))
	for room, members := range t.rooms {
		counts[room] = len(members)
	}
	return counts
}
