package statemanager

import "github.com/google/uuid"

// roomRegistry caches room -> connections for fan-out. It has no lock of its
// own and is only touched by InMemoryManager while holding mu.
type roomRegistry struct {
	rooms map[string]map[uuid.UUID]struct{}
}

func newRoomRegistry() *roomRegistry {
	return &roomRegistry{rooms: make(map[string]map[uuid.UUID]struct{})}
}

func (r *roomRegistry) addMember(roomID string, connID uuid.UUID) {
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
}

func (r *roomRegistry) removeMember(roomID string, connID uuid.UUID) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *roomRegistry) members(roomID string) []uuid.UUID {
	members := r.rooms[roomID]
	ids := make([]uuid.UUID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}

func (r *roomRegistry) has(roomID string) bool {
	_, ok := r.rooms[roomID]
	return ok
}

func (r *roomRegistry) roomIDs() []string {
	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}
