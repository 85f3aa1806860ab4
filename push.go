package cable

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// PushStatus names the three ways a push can settle.
type PushStatus string

const (
	PushOK      PushStatus = "ok"
	PushError   PushStatus = "error"
	PushTimeout PushStatus = "timeout"
)

// Push is one outbound request awaiting at most one correlated reply. It
// settles exactly once: with the reply payload on a status:"ok" reply, with
// an error on a status:"error" reply or connection failure, or with
// ErrTimeout when no reply arrives in time. Whichever happens first wins;
// everything that arrives afterwards is a no-op.
type Push struct {
	channel *Channel
	event   string
	payload json.RawMessage
	timeout time.Duration

	mu         sync.Mutex
	ref        Ref
	bindingRef int
	timer      *time.Timer
	settled    bool
	status     PushStatus
	reply      json.RawMessage
	err        error
	hooks      map[PushStatus][]func(json.RawMessage)
	doneC      chan struct{}
}

func newPush(channel *Channel, event string, payload json.RawMessage, timeout time.Duration) *Push {
	if timeout <= 0 {
		timeout = channel.timeout
	}
	return &Push{
		channel: channel,
		event:   event,
		payload: payload,
		timeout: timeout,
		hooks:   make(map[PushStatus][]func(json.RawMessage)),
		doneC:   make(chan struct{}),
	}
}

// Ref returns the correlation ref allocated at send time, or zero if the
// push never made it onto the wire.
func (p *Push) Ref() Ref {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ref
}

// Send allocates a fresh ref, registers for the correlated reply, emits the
// frame and arms the timeout. If the socket is not open the push settles
// immediately with ErrNotConnected and no timer is armed.
func (p *Push) Send() error {
	sock := p.channel.socket

	if !sock.IsConnected() {
		p.settle(PushError, nil, ErrNotConnected)
		return ErrNotConnected
	}

	ref := sock.NextRef()

	p.mu.Lock()
	p.ref = ref
	p.mu.Unlock()

	bindingRef := p.channel.bindReply(ref, p.handleReply)
	p.mu.Lock()
	p.bindingRef = bindingRef
	p.mu.Unlock()
	p.channel.trackPush(p)

	err := sock.pushFrame(Frame{
		Topic:   p.channel.topic,
		Event:   p.event,
		Payload: p.payload,
		Ref:     ref,
	})
	if err != nil {
		p.settle(PushError, nil, err)
		return err
	}

	p.mu.Lock()
	if !p.settled {
		p.timer = time.AfterFunc(p.timeout, p.expire)
	}
	p.mu.Unlock()

	return nil
}

// Receive registers a hook for one settlement status. Registering after the
// push has already settled with that status fires the hook immediately.
// Chainable.
func (p *Push) Receive(status PushStatus, fn func(payload json.RawMessage)) *Push {
	p.mu.Lock()
	if p.settled {
		settledWith := p.status
		reply := p.reply
		p.mu.Unlock()
		if settledWith == status {
			fn(reply)
		}
		return p
	}
	p.hooks[status] = append(p.hooks[status], fn)
	p.mu.Unlock()
	return p
}

// Wait blocks until the push settles or ctx is done. On an ok reply it
// returns the reply payload. A status:"error" reply surfaces as *ReplyError,
// a missing reply as ErrTimeout, a dead connection as ErrConnectionLost or
// ErrNotConnected.
func (p *Push) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.doneC:
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == PushOK {
		return p.reply, nil
	}
	return nil, p.err
}

// Done returns a channel closed once the push has settled.
func (p *Push) Done() <-chan struct{} {
	return p.doneC
}

// handleReply consumes the correlated reply frame payload.
func (p *Push) handleReply(ev ChannelEvent) {
	var reply Reply
	if err := json.Unmarshal(ev.Payload, &reply); err != nil {
		p.channel.logger.Warnf("malformed reply for ref %d: %s", p.Ref(), err)
		return
	}

	switch reply.Status {
	case replyStatusOK:
		p.settle(PushOK, reply.Response, nil)
	case replyStatusError:
		p.settle(PushError, reply.Response, &ReplyError{Response: reply.Response})
	default:
		p.channel.logger.Warnf("reply for ref %d has unknown status %q", p.Ref(), reply.Status)
	}
}

// expire fires when the timeout elapses before any reply.
func (p *Push) expire() {
	p.settle(PushTimeout, nil, ErrTimeout)
}

// fail settles the push with the given error without a reply payload. Used
// by the socket when the transport dies underneath an in-flight push.
func (p *Push) fail(err error) {
	p.settle(PushError, nil, err)
}

func (p *Push) settle(status PushStatus, reply json.RawMessage, err error) {
	p.mu.Lock()
	if p.settled {
		p.mu.Unlock()
		return
	}
	p.settled = true
	p.status = status
	p.reply = reply
	p.err = err

	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	hooks := p.hooks[status]
	p.hooks = nil

	ref := p.ref
	bindingRef := p.bindingRef
	p.mu.Unlock()

	// The reply binding must not outlive the push, otherwise the channel's
	// listener table grows with every send.
	if ref != 0 {
		p.channel.unbindReply(ref, bindingRef)
	}
	p.channel.untrackPush(p)

	for _, hook := range hooks {
		hook(reply)
	}

	close(p.doneC)
}
