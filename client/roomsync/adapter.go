// Package roomsync mirrors a room's state between a participant and the relay.
//
// An Adapter holds at most one relay connection. It joins a room as soon as the
// connection is established, hands every received snapshot to a StateHandler
// and sends local snapshots as updates. There is no reconnection, queueing or
// acknowledgment: when the connection is gone, Send reports ErrNotConnected and
// the snapshot is dropped.
package roomsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/room-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 5 * time.Second
	closeWait      = time.Second
	readWait       = 60 * time.Second
	maxMessageSize = 64 * 1024
)

var (
	ErrNotConnected = errors.New("not connected to relay")
	ErrConnect      = errors.New("unable to connect to relay")
	ErrMarshal      = errors.New("unable to marshal snapshot")
)

type (
	// StateHandler applies a snapshot received from the relay.
	StateHandler func(state json.RawMessage)

	// Producer is the game side that knows the current snapshot.
	Producer interface {
		ProduceSnapshot() any
	}

	Config struct {
		Logger *zerolog.Logger
		// URL of the relay websocket endpoint, ResolveRelayURL is used when empty.
		URL    string
		Dialer *websocket.Dialer
	}

	Adapter struct {
		logger zerolog.Logger
		url    string
		dialer *websocket.Dialer

		mx   *sync.Mutex
		sess *session
	}

	session struct {
		conn      *websocket.Conn
		logger    zerolog.Logger
		wmx       *sync.Mutex
		live      atomic.Bool
		closeOnce sync.Once
		done      chan struct{}
	}
)

func New(cfg Config) *Adapter {
	a := &Adapter{
		logger: cfg.Logger.With().Str("component", "roomsync").Logger(),
		url:    cfg.URL,
		dialer: cfg.Dialer,
		mx:     &sync.Mutex{},
	}
	if a.url == "" {
		a.url = ResolveRelayURL("")
	}
	if a.dialer == nil {
		a.dialer = websocket.DefaultDialer
	}
	return a
}

// Connect dials the relay, joins roomID and starts delivering received snapshots
// to onState in arrival order. An existing connection is torn down first.
func (a *Adapter) Connect(ctx context.Context, roomID string, onState StateHandler) error {
	a.Disconnect()

	conn, _, err := a.dialer.DialContext(ctx, a.url, nil)
	if err != nil {
		return errors.Join(ErrConnect, err)
	}
	roomID = model.NormalizeRoomID(roomID)

	s := &session{
		conn: conn,
		logger: a.logger.With().
			Str("roomID", roomID).
			Str("relay", a.url).
			Logger(),
		wmx:  &sync.Mutex{},
		done: make(chan struct{}),
	}
	if err = s.write(model.Message{Type: model.MessageTypeJoinRoom, Room: roomID}); err != nil {
		s.close()
		return errors.Join(ErrConnect, err)
	}
	s.live.Store(true)

	a.mx.Lock()
	prev := a.sess
	a.sess = s
	a.mx.Unlock()
	if prev != nil {
		prev.close()
	}

	go s.readPump(onState)

	s.logger.Debug().Msg("joined room")
	return nil
}

// Send transmits the snapshot as a room update. The snapshot is encoded with
// encoding/json, json.RawMessage is sent as is.
func (a *Adapter) Send(state any) error {
	s := a.session()
	if s == nil || !s.live.Load() {
		return ErrNotConnected
	}

	b, err := json.Marshal(state)
	if err != nil {
		return errors.Join(ErrMarshal, err)
	}
	if err = s.write(model.Message{Type: model.MessageTypeUpdateState, State: b}); err != nil {
		s.logger.Warn().Err(err).Msg("update was not sent, closing connection")
		s.close()
		return errors.Join(ErrNotConnected, err)
	}
	return nil
}

// Publish sends whatever the producer reports as current state.
func (a *Adapter) Publish(p Producer) error {
	return a.Send(p.ProduceSnapshot())
}

// Connected reports whether Send would currently reach the relay.
func (a *Adapter) Connected() bool {
	s := a.session()
	return s != nil && s.live.Load()
}

// Done is closed when the current connection terminates. It returns nil if
// there is no connection.
func (a *Adapter) Done() <-chan struct{} {
	if s := a.session(); s != nil {
		return s.done
	}
	return nil
}

// Disconnect tears the connection down. It is safe to call at any time,
// including from a StateHandler.
func (a *Adapter) Disconnect() {
	a.mx.Lock()
	s := a.sess
	a.sess = nil
	a.mx.Unlock()

	if s != nil {
		s.close()
		s.logger.Debug().Msg("disconnected")
	}
}

func (a *Adapter) session() *session {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.sess
}

func (s *session) write(msg model.Message) error {
	b, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	s.wmx.Lock()
	defer s.wmx.Unlock()

	if err = s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *session) readPump(onState StateHandler) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	extend := func() error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	}
	s.conn.SetPingHandler(func(data string) error {
		s.logger.Trace().Msg("got ping")
		if err := extend(); err != nil {
			return err
		}
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	if err := extend(); err != nil {
		s.logger.Error().Err(err).Msg("failed to set read deadline")
		return
	}

	for {
		_, b, err := s.conn.ReadMessage()
		if err != nil {
			if s.live.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		_ = extend()

		var msg model.Message
		if err = json.Unmarshal(b, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("failed to unmarshall relay message")
			continue
		}
		if msg.Type != model.MessageTypeState {
			s.logger.Debug().Str("type", msg.Type).Msg("unexpected relay message")
			continue
		}
		if onState != nil {
			onState(msg.State)
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.live.Store(false)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		_ = s.conn.Close()
		close(s.done)
	})
}
