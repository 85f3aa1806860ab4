package cable

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

// startEchoServer serves a minimal peer: every join, leave and application
// frame gets an ok reply echoing the payload, and a join on "room:lobby"
// is followed by a broadcast of a "msg" event. Heartbeats are ignored.
func startEchoServer(t *testing.T) string {
	t.Helper()

	upgrader := websocket.FastHTTPUpgrader{}

	handler := func(ctx *fasthttp.RequestCtx) {
		err := upgrader.Upgrade(ctx, func(ws *websocket.Conn) {
			defer ws.Close()
			for {
				_, raw, err := ws.ReadMessage()
				if err != nil {
					return
				}

				f, err := DecodeFrame(raw)
				if err != nil {
					continue
				}
				if f.Topic == TopicHeartbeat {
					continue
				}

				reply := Frame{
					Topic: f.Topic,
					Event: EventReply,
					Ref:   f.Ref,
				}
				envelope, _ := json.Marshal(Reply{
					Status:   replyStatusOK,
					Response: f.Payload,
				})
				reply.Payload = envelope

				bts, _ := EncodeFrame(reply)
				if err := ws.WriteMessage(websocket.TextMessage, bts); err != nil {
					return
				}

				if f.Event == EventJoin && f.Topic == "room:lobby" {
					broadcast, _ := EncodeFrame(Frame{
						Topic:   "room:lobby",
						Event:   "msg",
						Payload: []byte(`"hi"`),
					})
					if err := ws.WriteMessage(websocket.TextMessage, broadcast); err != nil {
						return
					}
				}
			}
		})
		if err != nil {
			ctx.Error("upgrade failed", fasthttp.StatusBadRequest)
		}
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	srv := &fasthttp.Server{Handler: handler}
	go func() {
		_ = srv.Serve(ln)
	}()
	t.Cleanup(func() {
		_ = srv.Shutdown()
	})

	return "ws://" + ln.Addr().String() + "/cable"
}

func TestEndToEndJoinAndBroadcast(t *testing.T) {
	endpoint := startEchoServer(t)

	cfg := DefaultConfig(endpoint)
	cfg.Timeout = 2 * time.Second
	s, err := NewSocket(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Disconnect(websocket.CloseNormalClosure, "test teardown")
	})

	require.NoError(t, s.Connect(context.Background()))

	ch := s.Channel("room:lobby")

	got := make(chan json.RawMessage, 1)
	_, err = ch.On("msg", func(payload json.RawMessage, ref Ref) {
		got <- payload
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = ch.Join(0).Wait(ctx)
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.JSONEq(t, `"hi"`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast never arrived")
	}

	response, err := ch.Send("shout", map[string]string{"body": "echo me"}, 0).Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"echo me"}`, string(response))

	_, err = ch.Leave(0).Wait(ctx)
	require.NoError(t, err)
}

func TestEndToEndCleanDisconnect(t *testing.T) {
	endpoint := startEchoServer(t)

	cfg := DefaultConfig(endpoint)
	cfg.ReconnectIntervals = []time.Duration{10 * time.Millisecond}
	s, err := NewSocket(cfg)
	require.NoError(t, err)

	require.NoError(t, s.Connect(context.Background()))
	require.True(t, s.IsConnected())

	closed := make(chan struct{}, 1)
	s.OnEvent(SocketEventClose, func(error) {
		select {
		case closed <- struct{}{}:
		default:
		}
	})

	s.Disconnect(websocket.CloseNormalClosure, "bye")

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close hook never fired")
	}

	// Long past the only reconnect rung: an intentional close stays closed.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, s.IsConnected())
}
