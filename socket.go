package cable

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
)

// SocketEvent identifies a connection lifecycle notification.
type SocketEvent int

const (
	// SocketEventOpen fires after every successful connect, first or not.
	SocketEventOpen SocketEvent = iota
	// SocketEventClose fires when the transport dies, carrying the close
	// reason.
	SocketEventClose
	// SocketEventError fires when a connection attempt fails.
	SocketEventError
	// SocketEventReconnect fires after a successful automatic reconnect,
	// in addition to SocketEventOpen.
	SocketEventReconnect
)

func (e SocketEvent) String() string {
	switch e {
	case SocketEventOpen:
		return "open"
	case SocketEventClose:
		return "close"
	case SocketEventError:
		return "error"
	case SocketEventReconnect:
		return "reconnect"
	}
	return "unknown"
}

type socketState int

const (
	stateIdle socketState = iota
	stateConnecting
	stateOpen
	stateClosing
	stateClosed
)

// Config carries everything a Socket needs at construction.
type Config struct {
	// Endpoint is the websocket URL, or a path resolved against Origin.
	Endpoint string
	// Origin supplies host and security level for a relative Endpoint
	// (http pairs with ws, https with wss).
	Origin string
	// Header is sent with every dial attempt.
	Header http.Header
	// Timeout is the default reply timeout for pushes.
	Timeout time.Duration
	// HeartbeatInterval is the spacing of liveness frames while connected.
	HeartbeatInterval time.Duration
	// ReconnectIntervals is the retry ladder after connection loss. The
	// last rung repeats forever.
	ReconnectIntervals []time.Duration
	// Dialer overrides the websocket dialer.
	Dialer *websocket.Dialer
	// Logger is the diagnostic sink. Discarded when nil.
	Logger Logger
	// ConnFactory overrides how transports are built. Mostly for tests.
	ConnFactory ConnFactory
}

// DefaultConfig returns a Config with production defaults for the given
// endpoint.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:          endpoint,
		Timeout:           10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		ReconnectIntervals: []time.Duration{
			10 * time.Millisecond,
			50 * time.Millisecond,
			100 * time.Millisecond,
			150 * time.Millisecond,
			200 * time.Millisecond,
			250 * time.Millisecond,
			500 * time.Millisecond,
			time.Second,
			2 * time.Second,
			5 * time.Second,
		},
	}
}

// Socket multiplexes topic-scoped channels over one websocket connection and
// keeps that connection alive: it heartbeats while open and walks the retry
// ladder when the transport dies out from under it. One Socket per logical
// endpoint; construct it explicitly and share it, there is no package-level
// instance.
type Socket struct {
	id          string
	cfg         Config
	logger      Logger
	connFactory ConnFactory
	reconnect   *retryTimer
	emitter     *EventEmitter[SocketEvent, error]

	refCounter uint64

	mu            sync.Mutex
	state         socketState
	conn          Conn
	ctx           context.Context
	closeWasClean bool
	channels      map[string][]*Channel

	hbMu          sync.Mutex
	heartbeatStop chan struct{}
}

// NewSocket builds a Socket from cfg. Zero Config fields take the
// DefaultConfig values.
func NewSocket(cfg Config) (*Socket, error) {
	def := DefaultConfig(cfg.Endpoint)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if len(cfg.ReconnectIntervals) == 0 {
		cfg.ReconnectIntervals = def.ReconnectIntervals
	}
	if cfg.Logger == nil {
		cfg.Logger = NewNoopLogger()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	id := uuid.NewString()
	logger := cfg.Logger.WithField("socket_id", id[:8])

	s := &Socket{
		id:       id,
		cfg:      cfg,
		logger:   logger,
		emitter:  NewEventEmitter[SocketEvent, error](),
		channels: make(map[string][]*Channel),
	}

	s.connFactory = cfg.ConnFactory
	if s.connFactory == nil {
		getter, err := NewEndpointGetter(cfg.Endpoint, cfg.Origin, cfg.Header)
		if err != nil {
			return nil, err
		}
		repo := NewOpenConnectionParamsRepo(logger, getter)
		s.connFactory = NewWebsocketConnFactory(logger, cfg.Dialer, repo)
	}

	s.reconnect = newRetryTimer(s.retryConnect, cfg.ReconnectIntervals)

	return s, nil
}

// ID returns the socket's instance identifier, useful for correlating logs.
func (s *Socket) ID() string {
	return s.id
}

// NextRef returns a fresh, strictly increasing correlation identifier. The
// counter starts at 1 and is never reset, not even across reconnects.
func (s *Socket) NextRef() Ref {
	return Ref(atomic.AddUint64(&s.refCounter, 1))
}

// IsConnected reports whether a live transport is currently installed.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateOpen
}

// OnEvent registers a hook for connection lifecycle notifications and
// returns its binding ref.
func (s *Socket) OnEvent(event SocketEvent, fn func(err error)) int {
	return s.emitter.On(event, fn)
}

// OffEvent removes a hook registered with OnEvent.
func (s *Socket) OffEvent(event SocketEvent, ref int) error {
	return s.emitter.Off(event, ref)
}

// Connect opens the transport. On failure it returns the dial error and
// arms the retry ladder, so a failed first attempt recovers the same way an
// abnormal close does. ctx bounds the whole connection lifecycle including
// later automatic reconnects.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == stateOpen || s.state == stateConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = stateConnecting
	s.closeWasClean = false
	s.ctx = ctx
	s.mu.Unlock()

	if err := s.dial(ctx, false); err != nil {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()

		s.reconnect.Start()
		return err
	}
	return nil
}

// Disconnect closes the transport on purpose and suppresses any pending or
// future reconnect. The socket stays usable; a later Connect starts over.
func (s *Socket) Disconnect(code int, reason string) {
	s.mu.Lock()
	s.closeWasClean = true
	conn := s.conn
	if conn != nil {
		s.state = stateClosing
	} else {
		s.state = stateClosed
	}
	s.mu.Unlock()

	s.reconnect.Reset()
	s.stopHeartbeat()

	if conn != nil {
		conn.Close(code, reason)
	}
}

// Channel creates a channel bound to topic and registers it for routing.
// Several channels may share one topic; each receives every frame routed to
// it.
func (s *Socket) Channel(topic string) *Channel {
	ch := newChannel(s, topic, s.cfg.Timeout, s.logger)

	s.mu.Lock()
	s.channels[topic] = append(s.channels[topic], ch)
	s.mu.Unlock()

	return ch
}

// Forget deregisters a channel: no future frames are routed to it and its
// listener table is cleared. Pushes already in flight on it settle by
// timeout.
func (s *Socket) Forget(ch *Channel) {
	s.mu.Lock()
	registered := s.channels[ch.topic]
	for i, candidate := range registered {
		if candidate == ch {
			s.channels[ch.topic] = append(registered[:i:i], registered[i+1:]...)
			break
		}
	}
	if len(s.channels[ch.topic]) == 0 {
		delete(s.channels, ch.topic)
	}
	s.mu.Unlock()

	ch.bindings.Close()
}

// pushFrame writes one frame to the live transport.
func (s *Socket) pushFrame(f Frame) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == stateOpen
	s.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(f)
}

// dial performs one connection attempt and, on success, installs the new
// transport and starts its pumps.
func (s *Socket) dial(ctx context.Context, isReconnect bool) error {
	recv := make(chan Frame, 64)
	conn := s.connFactory(ctx, recv)

	if err := conn.Open(ctx); err != nil {
		s.emitter.Emit(SocketEventError, err)
		return err
	}

	s.mu.Lock()
	if s.closeWasClean {
		// A Disconnect won the race against this dial. Disconnect is
		// terminal until the next Connect, so the fresh transport must not
		// be installed.
		s.mu.Unlock()
		conn.Close(websocket.CloseNormalClosure, "superseded by disconnect")
		return nil
	}
	s.conn = conn
	s.state = stateOpen
	s.mu.Unlock()

	s.reconnect.Reset()
	s.startHeartbeat()

	go s.route(recv, conn)
	go s.watchClose(conn)

	s.logger.Infof("connected to %s", s.cfg.Endpoint)
	s.emitter.Emit(SocketEventOpen, nil)
	if isReconnect {
		s.emitter.Emit(SocketEventReconnect, nil)
	}
	return nil
}

// retryConnect is the retry ladder's callback. Each failed attempt re-arms
// the ladder, so the socket keeps trying until a clean Disconnect or the
// connect context expires.
func (s *Socket) retryConnect() {
	s.mu.Lock()
	ctx := s.ctx
	abort := s.closeWasClean || s.state == stateOpen || s.state == stateConnecting
	if !abort {
		s.state = stateConnecting
	}
	s.mu.Unlock()

	if abort {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		s.logger.Infof("giving up reconnecting: %s", ctx.Err())
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()
		return
	}

	s.logger.Infof("reconnecting to %s", s.cfg.Endpoint)

	if err := s.dial(ctx, true); err != nil {
		s.mu.Lock()
		s.state = stateClosed
		s.mu.Unlock()

		s.reconnect.Start()
	}
}

// watchClose waits for conn to die, then runs the close protocol: stop the
// heartbeat, fail every in-flight push, notify hooks, and schedule a
// reconnect unless the close was asked for.
func (s *Socket) watchClose(conn Conn) {
	<-conn.CloseChan()

	s.mu.Lock()
	if s.conn != nil && s.conn != conn {
		// A newer transport is already installed; nothing to do for this one.
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = stateClosed
	clean := s.closeWasClean
	chans := s.allChannels()
	s.mu.Unlock()

	s.stopHeartbeat()

	for _, ch := range chans {
		ch.failInflight(ErrConnectionLost)
	}

	reason := conn.CloseErr()
	s.logger.Infof("connection closed (clean=%t): %v", clean, reason)
	s.emitter.Emit(SocketEventClose, reason)

	if !clean {
		s.reconnect.Start()
	}
}

// route delivers inbound frames to every channel registered for their topic,
// in the order the transport delivered them.
func (s *Socket) route(recv <-chan Frame, conn Conn) {
	for {
		select {
		case <-conn.CloseChan():
			return
		case f := <-recv:
			if f.Topic == TopicHeartbeat {
				s.logger.Debugf("heartbeat echo, ref=%d", f.Ref)
				continue
			}

			s.mu.Lock()
			registered := s.channels[f.Topic]
			chans := make([]*Channel, len(registered))
			copy(chans, registered)
			s.mu.Unlock()

			if len(chans) == 0 {
				s.logger.Debugf("no channel registered for topic %q", f.Topic)
				continue
			}
			for _, ch := range chans {
				ch.trigger(f)
			}
		}
	}
}

// startHeartbeat arms the liveness loop. Idempotent: a second call while a
// loop is running is a no-op, so a heartbeat can never double-fire.
func (s *Socket) startHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	if s.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop

	go s.heartbeatLoop(stop)
}

// stopHeartbeat disarms the liveness loop. Idempotent.
func (s *Socket) stopHeartbeat() {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	if s.heartbeatStop == nil {
		return
	}
	close(s.heartbeatStop)
	s.heartbeatStop = nil
}

// heartbeatLoop emits a fire-and-forget liveness frame with a fresh ref on
// the reserved service topic every heartbeat interval.
func (s *Socket) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f := Frame{
				Topic:   TopicHeartbeat,
				Event:   EventHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     s.NextRef(),
			}
			if err := s.pushFrame(f); err != nil {
				s.logger.Warnf("cannot emit heartbeat: %s", err)
			}
		}
	}
}

// allChannels snapshots the registry. Caller must hold s.mu.
func (s *Socket) allChannels() []*Channel {
	var out []*Channel
	for _, registered := range s.channels {
		out = append(out, registered...)
	}
	return out
}
