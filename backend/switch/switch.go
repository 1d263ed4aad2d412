package _switch

import (
	"sync"

	"github.com/adwski/room-relay/backend/model"
	"github.com/rs/zerolog"
)

// Switch tracks which room every connection is joined to.
// A connection is a member of at most one room.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	rooms   map[string]map[string]model.Wire
	members map[string]string
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		rooms:   make(map[string]map[string]model.Wire),
		members: make(map[string]string),
	}
}

// Join places the connection into roomID, leaving its previous room if any.
// The room identifier is expected to be normalized already.
func (sw *Switch) Join(connID, roomID string, wire model.Wire) {
	sw.mx.Lock()
	prev, moved := sw.members[connID]
	if moved && prev != roomID {
		sw.removeLocked(prev, connID)
	}
	room, ok := sw.rooms[roomID]
	if !ok {
		room = make(map[string]model.Wire)
		sw.rooms[roomID] = room
	}
	room[connID] = wire
	sw.members[connID] = roomID
	sw.mx.Unlock()

	ev := sw.logger.Debug().
		Str("connID", connID).
		Str("roomID", roomID)
	if moved && prev != roomID {
		ev = ev.Str("prevRoomID", prev)
	}
	ev.Msg("connection joined room")
}

// Leave removes the connection from its room. It is a no-op for unjoined connections.
func (sw *Switch) Leave(connID string) {
	sw.mx.Lock()
	roomID, ok := sw.members[connID]
	if ok {
		sw.removeLocked(roomID, connID)
		delete(sw.members, connID)
	}
	sw.mx.Unlock()

	if ok {
		sw.logger.Debug().
			Str("connID", connID).
			Str("roomID", roomID).
			Msg("connection left room")
	}
}

func (sw *Switch) removeLocked(roomID, connID string) {
	room, ok := sw.rooms[roomID]
	if !ok {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(sw.rooms, roomID)
	}
}

// RoomOf returns the room the connection is currently joined to.
func (sw *Switch) RoomOf(connID string) (string, bool) {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	roomID, ok := sw.members[connID]
	return roomID, ok
}

// MembersExcept returns wires, keyed by connection ID, of every connection in roomID other than connID,
// as of the moment of the call.
func (sw *Switch) MembersExcept(roomID, connID string) map[string]model.Wire {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	room := sw.rooms[roomID]
	wires := make(map[string]model.Wire, len(room))
	for id, wire := range room {
		if id != connID {
			wires[id] = wire
		}
	}
	return wires
}
