// Package presence tracks which usernames are online, which connection each
// username is bound to, and which room each connection occupies.
//
// Registry and Tracker are not safe for concurrent use. They are owned by a
// single event loop that serializes every read and mutation.
package presence

import (
	"sort"

	"github.com/google/uuid"
)

// Registry maps usernames to their live connection. A username is online
// exactly while it has a mapping, so the online set and the mapping cannot
// drift apart.
type Registry struct {
	conns map[string]uuid.UUID // username -> connection
	names map[uuid.UUID]string // connection -> username, current mappings only
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]uuid.UUID),
		names: make(map[uuid.UUID]string),
	}
}

// SetOnline binds username to conn, overwriting any earlier binding
// (last writer wins). It returns the connection that was displaced, or
// uuid.Nil, and whether the online set changed.
func (r *Registry) SetOnline(username string, conn uuid.UUID) (displaced uuid.UUID, changed bool) {
	prev, exists := r.conns[username]
	if exists && prev == conn {
		return uuid.Nil, false
	}

	if exists {
		delete(r.names, prev)
		displaced = prev
	}

	// A connection carries one identity; rebinding it drops the old name.
	if oldName, ok := r.names[conn]; ok && oldName != username {
		delete(r.conns, oldName)
		changed = true
	}

	r.conns[username] = conn
	r.names[conn] = username
	return displaced, changed || !exists
}

// SetOffline removes username if it is still bound to conn. A binding that
// has since moved to another connection is left alone, as is an unknown
// username. It reports whether the online set changed.
func (r *Registry) SetOffline(username string, conn uuid.UUID) bool {
	current, ok := r.conns[username]
	if !ok || current != conn {
		return false
	}
	delete(r.conns, username)
	delete(r.names, conn)
	return true
}

// Lookup returns the connection bound to username.
func (r *Registry) Lookup(username string) (uuid.UUID, bool) {
	conn, ok := r.conns[username]
	return conn, ok
}

// UsernameOf resolves a connection back to the username currently bound to it.
// Connections displaced by a newer login do not resolve.
func (r *Registry) UsernameOf(conn uuid.UUID) (string, bool) {
	name, ok := r.names[conn]
	return name, ok
}

// Online returns a sorted snapshot of the online set.
func (r *Registry) Online() []string {
	users := make([]string, 0, len(r.conns))
	for name := range r.conns {
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}

// Len returns the number of online usernames.
func (r *Registry) Len() int {
	return len(r.conns)
}
