package memory

import (
	"encoding/json"
	"sync"
)

// MemStore keeps the latest snapshot of every room for the process lifetime.
type MemStore struct {
	mx *sync.RWMutex
	db map[string]json.RawMessage
}

func NewMemStore() *MemStore {
	return &MemStore{
		mx: &sync.RWMutex{},
		db: make(map[string]json.RawMessage),
	}
}

// GetState returns the last snapshot stored for roomID.
// ok is false if nothing was ever stored for this room.
func (ms *MemStore) GetState(roomID string) (state json.RawMessage, ok bool) {
	ms.mx.RLock()
	defer ms.mx.RUnlock()

	state, ok = ms.db[roomID]
	return
}

// PutState replaces the room snapshot unconditionally.
func (ms *MemStore) PutState(roomID string, state json.RawMessage) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	ms.db[roomID] = state
}
