// Package session tracks which live connection belongs to which room
// and under which display name. It is the fan-out membership source for
// the broadcast router and holds no room state of its own.
package session

import "sync"

// Session is ephemeral, scoped to one network connection.
type Session struct {
	ConnID   string
	RoomID   string
	UserName string
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session            // connID -> session
	rooms    map[string]map[string]struct{} // roomID -> connID set
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]struct{}),
	}
}

// Join registers connID in roomID. Rejoining the same room is a no-op;
// joining a different room implicitly leaves the previous one (a
// connection belongs to at most one room). The displaced session is
// returned as it was registered, so the caller can clean up presence
// under the name that actually lived there. No room existence check
// happens here.
func (r *Registry) Join(connID, roomID, userName string) (previous *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[connID]; ok {
		if s.RoomID == roomID {
			if userName != "" {
				s.UserName = userName
			}
			return nil
		}
		displaced := *s
		previous = &displaced
		r.removeFromRoom(connID, displaced.RoomID)
	}

	r.sessions[connID] = &Session{ConnID: connID, RoomID: roomID, UserName: userName}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	return previous
}

// Leave removes connID entirely. The session that was removed is
// returned so the caller can clear its cursor record.
func (r *Registry) Leave(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return nil, false
	}
	delete(r.sessions, connID)
	r.removeFromRoom(connID, s.RoomID)
	return s, true
}

func (r *Registry) removeFromRoom(connID, roomID string) {
	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

// MembersOf returns the fan-out target set: every connection in roomID
// except excluding. No ordering guarantee.
func (r *Registry) MembersOf(roomID, excluding string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		if id != excluding {
			out = append(out, id)
		}
	}
	return out
}

// Get returns a copy of the session for connID.
func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// RoomCount reports how many rooms have at least one live connection.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SessionCount reports live connections that have joined a room.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveRooms maps room id to its live member count.
func (r *Registry) ActiveRooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.rooms))
	for roomID, members := range r.rooms {
		out[roomID] = len(members)
	}
	return out
}
