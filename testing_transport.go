package cable

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// fakeConn is a scriptable in-memory transport. Tests deliver inbound frames
// with deliver, observe outbound frames via sentC, and simulate connection
// loss with drop.
type fakeConn struct {
	openErr  error
	openGate chan struct{} // when non-nil, Open parks until it is closed
	onOpen   func(*fakeConn)
	recv     chan<- Frame

	mu       sync.Mutex
	sent     []Frame
	sentC    chan Frame
	closeC   CloseChan
	closeErr error

	closeOnce sync.Once
	closeCode int
	closeText string
}

func newFakeConn(recv chan<- Frame, openErr error) *fakeConn {
	return &fakeConn{
		openErr: openErr,
		recv:    recv,
		sentC:   make(chan Frame, 64),
		closeC:  make(CloseChan),
	}
}

func (f *fakeConn) Open(_ context.Context) error {
	if f.openGate != nil {
		<-f.openGate
	}
	if f.openErr != nil {
		return f.openErr
	}
	if f.onOpen != nil {
		f.onOpen(f)
	}
	return nil
}

func (f *fakeConn) WriteFrame(fr Frame) error {
	select {
	case <-f.closeC:
		return ErrConnectionClosed
	default:
	}

	f.mu.Lock()
	f.sent = append(f.sent, fr)
	f.mu.Unlock()

	f.sentC <- fr
	return nil
}

func (f *fakeConn) Close(code int, reason string) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeCode = code
		f.closeText = reason
		if f.closeErr == nil {
			f.closeErr = ErrTerminated
		}
		f.mu.Unlock()
		close(f.closeC)
	})
}

func (f *fakeConn) CloseChan() CloseChan { return f.closeC }

func (f *fakeConn) CloseErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeErr
}

// deliver feeds one inbound frame, as if the server had sent it.
func (f *fakeConn) deliver(fr Frame) {
	f.recv <- fr
}

// drop simulates an abnormal connection loss with the given reason.
func (f *fakeConn) drop(err error) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closeErr = err
		f.mu.Unlock()
		close(f.closeC)
	})
}

func (f *fakeConn) sentFrames() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeNet hands out fakeConns through a ConnFactory and records every
// connection attempt, so tests can watch reconnects happen.
type fakeNet struct {
	mu       sync.Mutex
	dialErrs []error
	conns    []*fakeConn

	connected chan *fakeConn
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		connected: make(chan *fakeConn, 16),
	}
}

// failNextDial queues errs to fail the next len(errs) connection attempts.
func (n *fakeNet) failNextDial(errs ...error) {
	n.mu.Lock()
	n.dialErrs = append(n.dialErrs, errs...)
	n.mu.Unlock()
}

func (n *fakeNet) factory() ConnFactory {
	return func(_ context.Context, recv chan<- Frame) Conn {
		n.mu.Lock()
		var openErr error
		if len(n.dialErrs) > 0 {
			openErr = n.dialErrs[0]
			n.dialErrs = n.dialErrs[1:]
		}
		conn := newFakeConn(recv, openErr)
		conn.onOpen = func(c *fakeConn) {
			n.connected <- c
		}
		n.conns = append(n.conns, conn)
		n.mu.Unlock()

		return conn
	}
}

func (n *fakeNet) dialCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

// mockConn is a testify-backed Conn double for interaction-level assertions.
type mockConn struct {
	mock.Mock
}

func (m *mockConn) Open(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockConn) WriteFrame(f Frame) error {
	args := m.Called(f)
	return args.Error(0)
}

func (m *mockConn) Close(code int, reason string) {
	m.Called(code, reason)
}

func (m *mockConn) CloseChan() CloseChan {
	args := m.Called()
	return args.Get(0).(CloseChan)
}

func (m *mockConn) CloseErr() error {
	args := m.Called()
	return args.Error(0)
}
