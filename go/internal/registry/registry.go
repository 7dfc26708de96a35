// Package registry holds the in-memory connection-to-membership mapping.
// It is rebuilt from live connections only and is never persisted; a server
// restart loses live membership but not history.
package registry

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/xhide341/morph-app-sub000/go/internal/models"
)

// Membership is the (room, user) pair a connection currently represents.
// UserName is empty until the connection announces its identity.
type Membership struct {
	RoomID   string
	UserName string
}

type userEntry struct {
	joinedAt time.Time
	conns    int
}

// Registry maps connection IDs to memberships and keeps a reverse index
// per room for broadcast membership lookup.
type Registry struct {
	clock clockwork.Clock

	mu    sync.RWMutex
	conns map[string]Membership
	rooms map[string]map[string]struct{}
	users map[string]map[string]*userEntry
}

func New(clock clockwork.Clock) *Registry {
	return &Registry{
		clock: clock,
		conns: make(map[string]Membership),
		rooms: make(map[string]map[string]struct{}),
		users: make(map[string]map[string]*userEntry),
	}
}

// Register upserts the mapping for a connection. An empty userName records
// an anonymous connection; identity arrives later via UpdateUserName.
func (r *Registry) Register(connID, roomID, userName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.conns[connID]; ok {
		if prev.RoomID == roomID && prev.UserName == userName {
			return
		}
		r.removeLocked(connID, prev)
	}

	r.conns[connID] = Membership{RoomID: roomID, UserName: userName}
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]struct{})
	}
	r.rooms[roomID][connID] = struct{}{}
	if userName != "" {
		r.addUserLocked(roomID, userName)
	}
}

// UpdateUserName announces or changes the identity of an already
// registered connection. It reports whether the connection was known.
func (r *Registry) UpdateUserName(connID, userName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return false
	}
	if m.UserName == userName {
		return true
	}
	if m.UserName != "" {
		r.dropUserLocked(m.RoomID, m.UserName)
	}
	if userName != "" {
		r.addUserLocked(m.RoomID, userName)
	}
	m.UserName = userName
	r.conns[connID] = m
	return true
}

// Unregister removes a connection's mapping and returns the prior
// membership. A second call for the same connection is a no-op.
func (r *Registry) Unregister(connID string) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.conns[connID]
	if !ok {
		return Membership{}, false
	}
	r.removeLocked(connID, m)
	return m, true
}

// IsLastConnectionForUser reports whether no open connection remains for
// the user in the room. Called after Unregister, it decides whether the
// closed connection was the user's last one, so a leave from a second tab
// while the first stays open is suppressed.
func (r *Registry) IsLastConnectionForUser(roomID, userName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[roomID][userName]
	return !ok || entry.conns == 0
}

// HasUser reports whether the user currently has at least one open
// connection in the room.
func (r *Registry) HasUser(roomID, userName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[roomID][userName]
	return ok && entry.conns > 0
}

// Get returns the membership for a connection.
func (r *Registry) Get(connID string) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.conns[connID]
	return m, ok
}

// MembersOf returns the connection IDs currently registered to a room.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := make([]string, 0, len(r.rooms[roomID]))
	for connID := range r.rooms[roomID] {
		members = append(members, connID)
	}
	return members
}

// Users returns the logical memberships of a room. Multiple connections
// for the same user collapse to one record.
func (r *Registry) Users(roomID string) []models.RoomUser {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]models.RoomUser, 0, len(r.users[roomID]))
	for name, entry := range r.users[roomID] {
		users = append(users, models.RoomUser{UserName: name, JoinedAt: entry.joinedAt})
	}
	return users
}

// RoomCount returns the number of rooms with at least one connection.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms)
}

// ConnCount returns the total number of registered connections.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

func (r *Registry) addUserLocked(roomID, userName string) {
	if r.users[roomID] == nil {
		r.users[roomID] = make(map[string]*userEntry)
	}
	entry, ok := r.users[roomID][userName]
	if !ok {
		entry = &userEntry{joinedAt: r.clock.Now().UTC()}
		r.users[roomID][userName] = entry
	}
	entry.conns++
}

func (r *Registry) dropUserLocked(roomID, userName string) {
	entry, ok := r.users[roomID][userName]
	if !ok {
		return
	}
	entry.conns--
	if entry.conns <= 0 {
		delete(r.users[roomID], userName)
		if len(r.users[roomID]) == 0 {
			delete(r.users, roomID)
		}
	}
}

func (r *Registry) removeLocked(connID string, m Membership) {
	delete(r.conns, connID)
	if conns, ok := r.rooms[m.RoomID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.rooms, m.RoomID)
		}
	}
	if m.UserName != "" {
		r.dropUserLocked(m.RoomID, m.UserName)
	}
}
