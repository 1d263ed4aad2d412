package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/room-relay/backend/model"
	"github.com/adwski/room-relay/backend/service"
	"github.com/adwski/room-relay/backend/storage/memory"
	sw "github.com/adwski/room-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitReceive = 2 * time.Second
	waitSilence = 200 * time.Millisecond
)

type testClient struct {
	conn *websocket.Conn
	msgs chan model.Message
}

func newRelay(t *testing.T) (string, *service.Service) {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: memory.NewMemStore(),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	srv := NewServer(Config{
		Logger:       &logger,
		RelayService: svc,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws", svc
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	c := &testClient{conn: conn, msgs: make(chan model.Message, 16)}
	go func() {
		defer close(c.msgs)
		for {
			var msg model.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			c.msgs <- msg
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *testClient) send(t *testing.T, msg model.Message) {
	t.Helper()
	require.NoError(t, c.conn.WriteJSON(&msg))
}

func (c *testClient) join(t *testing.T, roomID string) {
	t.Helper()
	c.send(t, model.Message{Type: model.MessageTypeJoinRoom, Room: roomID})
}

func (c *testClient) update(t *testing.T, state string) {
	t.Helper()
	c.send(t, model.Message{Type: model.MessageTypeUpdateState, State: json.RawMessage(state)})
}

func (c *testClient) expectState(t *testing.T, want string) {
	t.Helper()
	select {
	case msg, ok := <-c.msgs:
		require.True(t, ok, "connection closed")
		assert.Equal(t, model.MessageTypeState, msg.Type)
		assert.JSONEq(t, want, string(msg.State))
	case <-time.After(waitReceive):
		t.Fatalf("state %s was not received", want)
	}
}

func (c *testClient) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if ok {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(waitSilence):
	}
}

// waitState blocks until the relay has stored want for roomID.
func waitState(t *testing.T, svc *service.Service, roomID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := svc.RoomState(roomID)
		return ok && string(state) == want
	}, waitReceive, 10*time.Millisecond)
}

func TestServer_TableScenario(t *testing.T) {
	url, svc := newRelay(t)

	a := dial(t, url)
	a.join(t, "table-1")
	a.update(t, `{"drawn":[7]}`)
	waitState(t, svc, "table-1", `{"drawn":[7]}`)

	b := dial(t, url)
	b.join(t, "table-1")
	b.expectState(t, `{"drawn":[7]}`)

	a.update(t, `{"drawn":[7,23]}`)
	b.expectState(t, `{"drawn":[7,23]}`)
	a.expectNothing(t)
	b.expectNothing(t)

	state, ok := svc.RoomState("table-1")
	require.True(t, ok)
	assert.JSONEq(t, `{"drawn":[7,23]}`, string(state))
}

func TestServer_EmptyRoomIsDefault(t *testing.T) {
	url, svc := newRelay(t)

	sender := dial(t, url)
	sender.join(t, model.DefaultRoomID)
	sender.update(t, `{"n":0}`)
	waitState(t, svc, model.DefaultRoomID, `{"n":0}`)

	c := dial(t, url)
	c.join(t, "")
	c.expectState(t, `{"n":0}`)
	explicit := dial(t, url)
	explicit.join(t, model.DefaultRoomID)
	explicit.expectState(t, `{"n":0}`)

	sender.update(t, `{"n":1}`)
	c.expectState(t, `{"n":1}`)
	explicit.expectState(t, `{"n":1}`)
	sender.expectNothing(t)
}

func TestServer_ReconnectGetsLastStateOnce(t *testing.T) {
	url, svc := newRelay(t)

	host := dial(t, url)
	host.join(t, "table-2")

	d := dial(t, url)
	d.join(t, "table-2")
	host.update(t, `"s1"`)
	waitState(t, svc, "table-2", `"s1"`)
	d.expectState(t, `"s1"`)
	require.NoError(t, d.conn.Close())

	host.update(t, `"s2"`)
	waitState(t, svc, "table-2", `"s2"`)

	d2 := dial(t, url)
	d2.join(t, "table-2")
	d2.expectState(t, `"s2"`)
	d2.expectNothing(t)
}

func TestServer_UpdateWithoutJoin(t *testing.T) {
	url, svc := newRelay(t)

	member := dial(t, url)
	member.join(t, "r")

	stranger := dial(t, url)
	stranger.update(t, `{"x":1}`)
	stranger.send(t, model.Message{Type: "bogus"})
	require.NoError(t, stranger.conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	// the connection is still usable afterwards
	stranger.join(t, "r")
	stranger.update(t, `{"x":2}`)
	member.expectState(t, `{"x":2}`)
	stranger.expectNothing(t)

	_, ok := svc.RoomState(model.DefaultRoomID)
	assert.False(t, ok)
}

func TestServer_StateIsForwardedVerbatim(t *testing.T) {
	url, svc := newRelay(t)
	snapshot := `{"drawn":[7,23,61],"corners":{"top-left":true},"caller":"Ana","ratio":0.25,"nested":[[1,"a"],{"k":null}]}`

	rx := dial(t, url)
	rx.join(t, "r")
	tx := dial(t, url)
	tx.join(t, "r")
	tx.update(t, `{}`)
	waitState(t, svc, "r", `{}`)
	rx.expectState(t, `{}`)

	tx.update(t, snapshot)
	rx.expectState(t, snapshot)
}

func TestServer_StalledPeerDoesNotBlockRoom(t *testing.T) {
	const updates = 400
	url, svc := newRelay(t)

	stalled, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = stalled.Close() })
	require.NoError(t, stalled.WriteJSON(&model.Message{Type: model.MessageTypeJoinRoom, Room: "r"}))

	fast := dial(t, url)
	fast.join(t, "r")
	sender := dial(t, url)
	sender.join(t, "r")
	sender.update(t, `"ready"`)
	waitState(t, svc, "r", `"ready"`)
	fast.expectState(t, `"ready"`)

	pad := strings.Repeat("x", 60*1024)
	errc := make(chan error, 1)
	go func() {
		for i := range updates {
			msg := model.Message{
				Type:  model.MessageTypeUpdateState,
				State: json.RawMessage(fmt.Sprintf(`{"i":%d,"pad":"%s"}`, i, pad)),
			}
			if err := sender.conn.WriteJSON(&msg); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	for i := range updates {
		select {
		case msg, ok := <-fast.msgs:
			require.True(t, ok, "fast peer was disconnected")
			var got struct {
				I int `json:"i"`
			}
			require.NoError(t, json.Unmarshal(msg.State, &got))
			require.Equal(t, i, got.I)
		case <-time.After(10 * time.Second):
			t.Fatalf("update %d was not received", i)
		}
	}
	require.NoError(t, <-errc)
}

func TestWebSocketSender_NoFramesAfterCancel(t *testing.T) {
	logger := zerolog.Nop()
	upgrader := &websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tx := make(chan model.Message, 1)
		tx <- model.StateMessage(json.RawMessage(`"late"`))

		wg := &sync.WaitGroup{}
		wg.Add(1)
		webSocketSender(ctx, wg, conn, tx, &logger)
		wg.Wait()
		webSocketCloser(conn, &logger)
	}))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	// both select cases are ready, repeat to exercise either choice
	for range 20 {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		_, b, err := conn.ReadMessage()
		assert.Truef(t, websocket.IsCloseError(err, websocket.CloseNormalClosure),
			"expected close frame, got %q (err %v)", b, err)
		_ = conn.Close()
	}
}
