package presence

import (
	"sort"

	"github.com/google/uuid"
)

// Tracker records the single room each connection occupies, with a reverse
// room -> connections index so rosters never need a full scan.
type Tracker struct {
	rooms    map[uuid.UUID]string               // connection -> room
	members  map[string]map[uuid.UUID]struct{} // room -> connections
	registry *Registry
}

// NewTracker returns a Tracker that resolves roster usernames through registry.
func NewTracker(registry *Registry) *Tracker {
	return &Tracker{
		rooms:    make(map[uuid.UUID]string),
		members:  make(map[string]map[uuid.UUID]struct{}),
		registry: registry,
	}
}

// Join moves conn into room, leaving its previous room first. It returns the
// room that was left ("" when none, or when conn was already in room) and
// the roster of room after the join.
func (t *Tracker) Join(conn uuid.UUID, room string) (previous string, roster []string) {
	if current, ok := t.rooms[conn]; ok && current != room {
		t.remove(conn, current)
		previous = current
	}

	t.rooms[conn] = room
	set, ok := t.members[room]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		t.members[room] = set
	}
	set[conn] = struct{}{}

	return previous, t.Roster(room)
}

// Leave removes conn from whatever room it occupies.
func (t *Tracker) Leave(conn uuid.UUID) (string, bool) {
	room, ok := t.rooms[conn]
	if !ok {
		return "", false
	}
	t.remove(conn, room)
	return room, true
}

func (t *Tracker) remove(conn uuid.UUID, room string) {
	delete(t.rooms, conn)
	if set, ok := t.members[room]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(t.members, room)
		}
	}
}

// RoomOf returns the room conn currently occupies.
func (t *Tracker) RoomOf(conn uuid.UUID) (string, bool) {
	room, ok := t.rooms[conn]
	return room, ok
}

// Members returns the connections currently in room.
func (t *Tracker) Members(room string) []uuid.UUID {
	set := t.members[room]
	conns := make([]uuid.UUID, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// Roster returns the sorted usernames in room. It is computed from the live
// mappings on every call; connections without a bound username are skipped.
func (t *Tracker) Roster(room string) []string {
	set := t.members[room]
	users := make([]string, 0, len(set))
	for conn := range set {
		if name, ok := t.registry.UsernameOf(conn); ok {
			users = append(users, name)
		}
	}
	sort.Strings(users)
	return users
}

// Rooms returns the sorted names of rooms with at least one connection.
func (t *Tracker) Rooms() []string {
	names := make([]string, 0, len(t.members))
	for room := range t.members {
		names = append(names, room)
	}
	sort.Strings(names)
	return names
}
