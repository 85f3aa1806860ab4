package cable

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type (
	// ChannelEvent is what listeners receive: the frame payload plus the
	// ref the server attached, zero when the frame carried none.
	ChannelEvent struct {
		Payload json.RawMessage
		Ref     Ref
	}

	// ListenerFunc handles one event occurrence on a channel.
	ListenerFunc func(payload json.RawMessage, ref Ref)

	// Channel is a topic-scoped handle multiplexed over a shared socket.
	// It becomes useful between a settled Join and a Leave; the protocol
	// does not enforce join-before-send, that is the application's job.
	Channel struct {
		socket  *Socket
		topic   string
		timeout time.Duration
		logger  Logger

		bindings *EventEmitter[string, ChannelEvent]

		mu       sync.Mutex
		inflight map[*Push]struct{}
	}
)

func newChannel(socket *Socket, topic string, timeout time.Duration, logger Logger) *Channel {
	return &Channel{
		socket:   socket,
		topic:    topic,
		timeout:  timeout,
		logger:   logger.WithField("topic", topic),
		bindings: NewEventEmitter[string, ChannelEvent](),
		inflight: make(map[*Push]struct{}),
	}
}

// Topic returns the topic this channel is bound to.
func (c *Channel) Topic() string {
	return c.topic
}

// Join asks the server to admit this channel to its topic. Await the
// returned push before treating the channel as usable. A zero timeout uses
// the channel default.
func (c *Channel) Join(timeout time.Duration) *Push {
	return c.push(EventJoin, nil, timeout)
}

// Leave announces departure from the topic. No sends should follow.
func (c *Channel) Leave(timeout time.Duration) *Push {
	return c.push(EventLeave, nil, timeout)
}

// Send emits an application event on the topic and returns the push that
// settles with the server's reply. The payload is marshalled to JSON; a
// payload that cannot be marshalled settles the push synchronously.
func (c *Channel) Send(event string, payload any, timeout time.Duration) *Push {
	raw, err := marshalPayload(payload)
	if err != nil {
		p := newPush(c, event, nil, timeout)
		p.fail(err)
		return p
	}
	return c.push(event, raw, timeout)
}

func (c *Channel) push(event string, payload json.RawMessage, timeout time.Duration) *Push {
	p := newPush(c, event, payload, timeout)
	_ = p.Send() // a failed send has already settled the push
	return p
}

// On registers a listener for a named application event and returns its
// binding ref for a later Off. Reserved event names are handled by the
// protocol itself and cannot be listened on.
func (c *Channel) On(event string, fn ListenerFunc) (int, error) {
	if isReservedEvent(event) {
		return 0, errors.Wrapf(ErrReservedEvent, "cannot listen on %q", event)
	}

	ref := c.bindings.On(event, func(ev ChannelEvent) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Errorf("listener for %q panicked: %v", event, r)
			}
		}()
		fn(ev.Payload, ev.Ref)
	})
	return ref, nil
}

// Off removes the listener registered under ref for the given event. An
// event with no listeners at all reports ErrUnknownEvent.
func (c *Channel) Off(event string, ref int) error {
	if err := c.bindings.Off(event, ref); err != nil {
		return errors.Wrapf(err, "off %q", event)
	}
	return nil
}

// OffAll removes every listener for the given event.
func (c *Channel) OffAll(event string) error {
	if err := c.bindings.OffAll(event); err != nil {
		return errors.Wrapf(err, "off %q", event)
	}
	return nil
}

// trigger dispatches one inbound frame to this channel. Called only by the
// owning socket's router. Reserved events are matched exhaustively; anything
// else fans out to application listeners in registration order.
func (c *Channel) trigger(f Frame) {
	switch f.Event {
	case EventReply:
		// Re-dispatch under the synthetic per-ref binding so only the push
		// awaiting this ref sees it.
		c.bindings.Emit(replyEventName(f.Ref), ChannelEvent{Payload: f.Payload, Ref: f.Ref})
	case EventHeartbeat:
		// Liveness echoes need no routing.
	case EventJoin, EventLeave:
		c.logger.Debugf("ignoring inbound %q frame", f.Event)
	default:
		c.bindings.Emit(f.Event, ChannelEvent{Payload: f.Payload, Ref: f.Ref})
	}
}

// bindReply wires a push's reply handler under the synthetic event name for
// its ref.
func (c *Channel) bindReply(ref Ref, fn func(ChannelEvent)) int {
	return c.bindings.On(replyEventName(ref), fn)
}

// unbindReply removes a push's reply binding once it has settled.
func (c *Channel) unbindReply(ref Ref, bindingRef int) {
	_ = c.bindings.Off(replyEventName(ref), bindingRef)
}

func (c *Channel) trackPush(p *Push) {
	c.mu.Lock()
	c.inflight[p] = struct{}{}
	c.mu.Unlock()
}

func (c *Channel) untrackPush(p *Push) {
	c.mu.Lock()
	delete(c.inflight, p)
	c.mu.Unlock()
}

// failInflight settles every push still awaiting a reply. The socket calls
// this when the transport dies so no push hangs forever.
func (c *Channel) failInflight(err error) {
	c.mu.Lock()
	pending := make([]*Push, 0, len(c.inflight))
	for p := range c.inflight {
		pending = append(pending, p)
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.fail(err)
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "cannot marshal payload")
	}
	return raw, nil
}
