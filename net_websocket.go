package cable

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fasthttp/websocket"
)

// WsConn carries frames over a WebSocket. It implements the Conn interface.
type WsConn struct {
	openConnectionParamsRepo OpenConnectionParamsRepo
	logger                   Logger
	dialer                   *websocket.Dialer
	conn                     *websocket.Conn
	closeChan                CloseChan
	closeOnce                sync.Once
	closeReason              error
	closeReasonOnce          sync.Once
	writeTimeout             time.Duration
	recv                     chan<- Frame // frames received over the wire
	send                     chan Frame   // frames to be sent over the wire
}

func NewWebsocketConn(
	dialer *websocket.Dialer,
	openParamsRepo OpenConnectionParamsRepo,
	logger Logger,
	recvChan chan<- Frame,
) *WsConn {
	return &WsConn{
		dialer:                   dialer,
		openConnectionParamsRepo: openParamsRepo,
		writeTimeout:             5 * time.Second,
		recv:                     recvChan,
		send:                     make(chan Frame, 16),
		closeChan:                make(CloseChan),
		logger:                   logger.WithField("net", "ws_conn"),
	}
}

func NewWebsocketConnFactory(
	logger Logger,
	dialer *websocket.Dialer,
	openConnectionParamsRepo OpenConnectionParamsRepo,
) ConnFactory {
	return func(ctx context.Context, recvChan chan<- Frame) Conn {
		return NewWebsocketConn(
			dialer,
			openConnectionParamsRepo,
			logger,
			recvChan,
		)
	}
}

// Open dials the endpoint and, on success, starts the read and write pumps.
func (w *WsConn) Open(ctx context.Context) error {
	p, err := w.openConnectionParamsRepo.Get(ctx)
	if err != nil {
		return err
	}

	conn, resp, err := w.dialer.DialContext(ctx, p.URL.String(), p.Header)
	if err = w.handleDialError(resp, err); err != nil {
		w.logger.Errorf("connection err to %s: %s", p.URL.String(), err)
		return err
	}

	w.logger.Debugf("success opening connection to %s", p.URL.String())

	w.conn = conn

	go w.read(ctx)
	go w.write(ctx)

	return nil
}

// WriteFrame queues one frame for sending. It fails once the connection has
// died so a caller never blocks on a dead transport.
func (w *WsConn) WriteFrame(f Frame) error {
	select {
	case <-w.closeChan:
		return ErrConnectionClosed
	case w.send <- f:
		return nil
	}
}

// Close tears the connection down, attempting to deliver a close frame with
// the given code and reason first. Safe to call more than once.
func (w *WsConn) Close(code int, reason string) {
	w.setCloseReason(ErrTerminated)
	w.closeOnce.Do(func() {
		if w.conn != nil {
			deadline := time.Now().Add(w.writeTimeout)
			_ = w.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, reason),
				deadline,
			)
			_ = w.conn.Close()
		}
		close(w.closeChan)
	})
}

// CloseChan returns a channel closed when the connection dies.
func (w *WsConn) CloseChan() CloseChan {
	return w.closeChan
}

// CloseErr returns why the connection closed. ErrTerminated means Close was
// called from our side.
func (w *WsConn) CloseErr() error {
	return w.closeReason
}

func (w *WsConn) read(ctx context.Context) {
	defer w.safeClose()

	for {
		select {
		case <-w.closeChan:
			return
		case <-ctx.Done():
			w.setCloseReason(ErrTerminated)
			return
		default:
			_, bts, err := w.conn.ReadMessage()
			if err != nil {
				w.setCloseReason(errors.Wrap(
					ErrConnectionClosed,
					"websocket read: "+err.Error(),
				))
				return
			}

			f, err := DecodeFrame(bts)
			if err != nil {
				w.logger.Warnf("dropping inbound message: %s", err)
				continue
			}

			w.logger.Debugf("<= %s", f)

			select {
			case w.recv <- f:
			case <-w.closeChan:
				return
			case <-ctx.Done():
				w.setCloseReason(ErrTerminated)
				return
			}
		}
	}
}

func (w *WsConn) write(ctx context.Context) {
	defer w.safeClose()

	for {
		select {
		case <-w.closeChan:
			return
		case <-ctx.Done():
			w.setCloseReason(ErrTerminated)
			return
		case f := <-w.send:
			bts, err := EncodeFrame(f)
			if err != nil {
				w.logger.Errorf("dropping outbound frame: %s", err)
				continue
			}

			w.logger.Debugf("=> %s", f)

			_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
			if err := w.conn.WriteMessage(websocket.TextMessage, bts); err != nil {
				if websocket.IsCloseError(err,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure,
				) {
					w.setCloseReason(ErrConnectionClosed)
				} else {
					w.setCloseReason(errors.Wrap(ErrConnectionClosed, err.Error()))
				}
				return
			}
		}
	}
}

func (w *WsConn) safeClose() {
	w.closeOnce.Do(func() {
		if w.conn != nil {
			_ = w.conn.Close()
		}
		close(w.closeChan)
	})
}

func (w *WsConn) setCloseReason(err error) {
	w.closeReasonOnce.Do(func() {
		w.closeReason = err
	})
}

func (w *WsConn) handleDialError(resp *http.Response, err error) error {
	if err == nil {
		return nil
	}

	var msg string
	if resp != nil && resp.Body != nil {
		if bts, rerr := io.ReadAll(resp.Body); rerr == nil && len(bts) > 0 {
			msg = ": " + string(bts)
		}
	}

	return errors.Wrap(ErrCannotConnect, err.Error()+msg)
}
