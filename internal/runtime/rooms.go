package runtime

import (
	"sort"
	"sync"
)

// Rooms maps room names to member connection ids. Empty rooms disappear.
type Rooms struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]struct{}
	byConn map[string]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms:  make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds connID to room and reports whether it was not a member yet.
func (r *Rooms) Join(room, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room][connID]; ok {
		return false
	}
	addMember(r.rooms, room, connID)
	addMember(r.byConn, connID, room)
	return true
}

// Leave removes connID from room and reports whether it was a member.
func (r *Rooms) Leave(room, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[room][connID]; !ok {
		return false
	}
	removeMember(r.rooms, room, connID)
	removeMember(r.byConn, connID, room)
	return true
}

// LeaveAll removes connID from every room and returns the rooms it left.
func (r *Rooms) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	left := sortedKeys(r.byConn[connID])
	for _, room := range left {
		removeMember(r.rooms, room, connID)
	}
	delete(r.byConn, connID)
	return left
}

func (r *Rooms) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

func (r *Rooms) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byConn[connID])
}

func (r *Rooms) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.rooms))
	for name := range r.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Rooms) Size(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

func addMember(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[member] = struct{}{}
}

func removeMember(index map[string]map[string]struct{}, key, member string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
