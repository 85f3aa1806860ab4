package cable

import (
	"context"
)

type (
	// CloseChan is closed exactly once, when its connection is no longer
	// usable. Watch it to learn about connection loss.
	CloseChan chan struct{}

	// Conn is one physical transport. A socket owns at most one live Conn
	// at a time and replaces it wholesale on every reconnect; nothing else
	// may retain it.
	Conn interface {
		// Open establishes the transport. It returns once the transport is
		// ready to carry frames, or with the reason it could not be.
		Open(ctx context.Context) error

		// WriteFrame encodes and sends one frame as a single transport
		// message.
		WriteFrame(f Frame) error

		// Close tears the transport down with the given close code and
		// reason. Safe to call more than once.
		Close(code int, reason string)

		// CloseChan returns a channel closed when the transport dies,
		// whichever side initiated it.
		CloseChan() CloseChan

		// CloseErr returns why the transport closed. ErrTerminated means we
		// closed it on purpose.
		CloseErr() error
	}

	// ConnFactory builds a fresh Conn whose inbound frames are delivered on
	// recv. The socket calls it once per connection attempt.
	ConnFactory func(ctx context.Context, recv chan<- Frame) Conn
)
