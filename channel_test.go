package cable

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelJoinLifecycle(t *testing.T) {
	net := newFakeNet()
	s := newTestSocket(t, net, nil)
	conn := mustConnect(t, s, net)

	ch := s.Channel("room:lobby")
	assert.Equal(t, "room:lobby", ch.Topic())

	join := ch.Join(0)
	sent := awaitFrame(t, conn)
	assert.Equal(t, EventJoin, sent.Event)
	assert.Equal(t, "room:lobby", sent.Topic)

	conn.deliver(okReply("room:lobby", sent.Ref, `{}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := join.Wait(ctx)
	require.NoError(t, err)

	leave := ch.Leave(0)
	sent = awaitFrame(t, conn)
	assert.Equal(t, EventLeave, sent.Event)

	conn.deliver(okReply("room:lobby", sent.Ref, `{}`))
	_, err = leave.Wait(ctx)
	require.NoError(t, err)
}

func TestChannelOnRejectsReservedEvents(t *testing.T) {
	s := newTestSocket(t, newFakeNet(), nil)
	ch := s.Channel("room:lobby")

	reserved := []string{
		EventJoin, EventLeave, EventReply, EventHeartbeat,
		replyEventName(7), // a listener here would observe push 7's reply
	}
	for _, event := range reserved {
		_, err := ch.On(event, func(json.RawMessage, Ref) {})
		assert.True(t, errors.Is(err, ErrReservedEvent), event)
	}
}

func TestChannelOffUnknownEvent(t *testing.T) {
	s := newTestSocket(t, newFakeNet(), nil)
	ch := s.Channel("room:lobby")

	err := ch.Off("never-declared", 1)
	assert.True(t, errors.Is(err, ErrUnknownEvent))

	err = ch.OffAll("never-declared")
	assert.True(t, errors.Is(err, ErrUnknownEvent))
}

func TestChannelOffAllSilencesEvent(t *testing.T) {
	net := newFakeNet()
	s := newTestSocket(t, net, nil)
	conn := mustConnect(t, s, net)

	ch := s.Channel("room:lobby")

	fired := make(chan struct{}, 2)
	_, err := ch.On("msg", func(json.RawMessage, Ref) {
		fired <- struct{}{}
	})
	require.NoError(t, err)
	_, err = ch.On("msg", func(json.RawMessage, Ref) {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, ch.OffAll("msg"))

	conn.deliver(Frame{Topic: "room:lobby", Event: "msg"})

	select {
	case <-fired:
		t.Fatal("no listener should fire after OffAll")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelListenersReceivePayloadAndRef(t *testing.T) {
	net := newFakeNet()
	s := newTestSocket(t, net, nil)
	conn := mustConnect(t, s, net)

	ch := s.Channel("room:lobby")

	type delivery struct {
		payload string
		ref     Ref
	}
	got := make(chan delivery, 1)
	_, err := ch.On("msg", func(payload json.RawMessage, ref Ref) {
		got <- delivery{payload: string(payload), ref: ref}
	})
	require.NoError(t, err)

	conn.deliver(Frame{Topic: "room:lobby", Event: "msg", Payload: []byte(`"hi"`), Ref: 0})

	select {
	case d := <-got:
		assert.Equal(t, `"hi"`, d.payload)
		assert.Zero(t, d.ref)
	case <-time.After(time.Second):
		t.Fatal("listener never fired")
	}
}

func TestChannelPanickingListenerDoesNotStopOthers(t *testing.T) {
	net := newFakeNet()
	s := newTestSocket(t, net, nil)
	conn := mustConnect(t, s, net)

	ch := s.Channel("room:lobby")

	survived := make(chan struct{}, 1)
	_, err := ch.On("msg", func(json.RawMessage, Ref) {
		panic("listener bug")
	})
	require.NoError(t, err)
	_, err = ch.On("msg", func(json.RawMessage, Ref) {
		survived <- struct{}{}
	})
	require.NoError(t, err)

	conn.deliver(Frame{Topic: "room:lobby", Event: "msg"})

	select {
	case <-survived:
	case <-time.After(time.Second):
		t.Fatal("later listener must still run")
	}
}

func TestChannelReplyRoutesOnlyToMatchingRef(t *testing.T) {
	net := newFakeNet()
	s := newTestSocket(t, net, func(cfg *Config) {
		cfg.Timeout = 5 * time.Second
	})
	conn := mustConnect(t, s, net)

	ch := s.Channel("room:lobby")

	waiting := ch.Send("a", nil, 0)
	awaitFrame(t, conn) // drain its frame, reply never comes

	other := ch.Send("b", nil, 0)
	otherFrame := awaitFrame(t, conn)

	// Reply only for the second push.
	conn.deliver(okReply("room:lobby", otherFrame.Ref, `"b"`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := other.Wait(ctx)
	require.NoError(t, err)

	select {
	case <-waiting.Done():
		t.Fatal("a reply for another ref must not settle this push")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelIgnoresInboundJoinLeaveFrames(t *testing.T) {
	net := newFakeNet()
	s := newTestSocket(t, net, nil)
	conn := mustConnect(t, s, net)

	ch := s.Channel("room:lobby")
	fired := make(chan struct{}, 1)
	_, err := ch.On("msg", func(json.RawMessage, Ref) {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	conn.deliver(Frame{Topic: "room:lobby", Event: EventJoin})
	conn.deliver(Frame{Topic: "room:lobby", Event: EventLeave})
	conn.deliver(Frame{Topic: "room:lobby", Event: "msg"})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("application event after reserved frames never arrived")
	}
	assert.Empty(t, fired)
}
