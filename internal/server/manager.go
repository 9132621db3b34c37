package server

import (
	"sync"

	"github.com/prepmate/roomsync/internal/domain"
)

type RoomInfo struct {
	ID          domain.SessionID `json:"sessionId"`
	MemberCount int              `json:"memberCount"`
	Started     bool             `json:"started"`
}

type RoomManager struct {
	mu    sync.RWMutex
	rooms map[domain.SessionID]*Room
}

func NewRoomManager() *RoomManager {
	return &RoomManager{rooms: make(map[domain.SessionID]*Room)}
}

func (m *RoomManager) GetOrCreate(id domain.SessionID) *Room {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return room
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok = m.rooms[id]; ok {
		return room
	}
	room = newRoom(id)
	m.rooms[id] = room
	return room
}

func (m *RoomManager) Get(id domain.SessionID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	return room, ok
}

func (m *RoomManager) List() []RoomInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RoomInfo, 0, len(m.rooms))
	for id, r := range m.rooms {
		r.mu.Lock()
		out = append(out, RoomInfo{ID: id, MemberCount: len(r.members), Started: r.started})
		r.mu.Unlock()
	}
	return out
}

// Drop forgets an emptied or closed room.
func (m *RoomManager) Drop(id domain.SessionID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, id)
}
