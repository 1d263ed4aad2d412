package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/adwski/room-relay/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrNotJoined      = errors.New("connection has not joined a room")
	ErrNoSession      = errors.New("session does not exist")
	ErrSessionExists  = errors.New("session already exists")
	ErrUnknownMessage = errors.New("unknown message type")
)

type (
	RoomStore interface {
		GetState(roomID string) (json.RawMessage, bool)
		PutState(roomID string, state json.RawMessage)
	}

	Switch interface {
		Join(connID string, roomID string, wire model.Wire)
		Leave(connID string)
		RoomOf(connID string) (string, bool)
		MembersExcept(roomID string, connID string) map[string]model.Wire
	}

	// Service relays room state between connections.
	// Registry writes and fan-out happen under one lock, so every member
	// of a room observes updates in the order they were accepted.
	Service struct {
		store    RoomStore
		sw       Switch
		logger   zerolog.Logger
		mx       *sync.Mutex
		sessions map[string]model.Wire
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:    cfg.RoomStore,
		sw:       cfg.Switch,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
		mx:       &sync.Mutex{},
		sessions: make(map[string]model.Wire),
	}
}

// CreateSession registers a transport session and starts processing its inbound
// messages in arrival order until ctx is done.
func (svc *Service) CreateSession(ctx context.Context, connID string, wire model.Wire) error {
	svc.mx.Lock()
	if _, ok := svc.sessions[connID]; ok {
		svc.mx.Unlock()
		return ErrSessionExists
	}
	svc.sessions[connID] = wire
	svc.mx.Unlock()

	svc.logger.Debug().Str("connID", connID).Msg("session created")

	go svc.dispatch(ctx, connID, wire.RX)
	return nil
}

// DeleteSession is the teardown path of a connection: it leaves the current room.
// Deleting an unknown session is a no-op.
func (svc *Service) DeleteSession(_ context.Context, connID string) error {
	svc.mx.Lock()
	defer svc.mx.Unlock()

	if _, ok := svc.sessions[connID]; !ok {
		return nil
	}
	delete(svc.sessions, connID)
	svc.sw.Leave(connID)

	svc.logger.Debug().Str("connID", connID).Msg("session deleted")
	return nil
}

func (svc *Service) dispatch(ctx context.Context, connID string, rx <-chan model.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-rx:
			if err := svc.Handle(connID, msg); err != nil {
				svc.logger.Debug().Err(err).
					Str("connID", connID).
					Str("type", msg.Type).
					Msg("inbound message discarded")
			}
		}
	}
}

// Handle applies a single inbound message of a connection.
func (svc *Service) Handle(connID string, msg model.Message) error {
	switch msg.Type {
	case model.MessageTypeJoinRoom:
		_, err := svc.Join(connID, msg.Room)
		return err
	case model.MessageTypeUpdateState:
		return svc.Update(connID, msg.State)
	default:
		return ErrUnknownMessage
	}
}

// Join moves the connection into roomID (empty means default room) and delivers
// the last known room state to this connection only. It returns the normalized room.
func (svc *Service) Join(connID, roomID string) (string, error) {
	roomID = model.NormalizeRoomID(roomID)

	svc.mx.Lock()
	defer svc.mx.Unlock()

	wire, ok := svc.sessions[connID]
	if !ok {
		return "", ErrNoSession
	}
	svc.sw.Join(connID, roomID, wire)

	if state, ok := svc.store.GetState(roomID); ok {
		svc.deliver(connID, wire, model.StateMessage(state))
	}
	return roomID, nil
}

// Update stores state as the latest snapshot of the sender's room and fans it out
// to every other member. Updates from connections that never joined return ErrNotJoined.
func (svc *Service) Update(connID string, state json.RawMessage) error {
	if state == nil {
		state = json.RawMessage("null")
	}

	svc.mx.Lock()
	defer svc.mx.Unlock()

	roomID, ok := svc.sw.RoomOf(connID)
	if !ok {
		return ErrNotJoined
	}
	svc.store.PutState(roomID, state)

	msg := model.StateMessage(state)
	peers := svc.sw.MembersExcept(roomID, connID)
	for peerID, wire := range peers {
		svc.deliver(peerID, wire, msg)
	}

	svc.logger.Debug().
		Str("connID", connID).
		Str("roomID", roomID).
		Int("peers", len(peers)).
		Msg("state update accepted")
	return nil
}

// RoomState returns the last snapshot of a room.
func (svc *Service) RoomState(roomID string) (json.RawMessage, bool) {
	return svc.store.GetState(model.NormalizeRoomID(roomID))
}

// deliver never blocks: a peer whose outbox is full gets evicted.
func (svc *Service) deliver(connID string, wire model.Wire, msg model.Message) {
	select {
	case wire.TX <- msg:
	default:
		svc.logger.Warn().
			Str("connID", connID).
			Msg("peer outbox is full, evicting")
		wire.Evict()
	}
}
