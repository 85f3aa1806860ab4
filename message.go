package cable

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Reserved event names understood by both peers. Application event names
// must not collide with these.
const (
	EventJoin      = "__join__"
	EventLeave     = "__leave__"
	EventReply     = "__reply__"
	EventHeartbeat = "__heartbeat__"
)

// TopicHeartbeat is the service topic heartbeat frames travel on. It is
// reserved and never routed to application channels.
const TopicHeartbeat = "__cable__"

// Ref is the correlation identifier carried by every frame that expects a
// reply. It is emitted as a JSON number, but peers may echo it back as a
// string, so decoding accepts both. Zero means "no ref".
type Ref uint64

func (r Ref) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(r), 10)), nil
}

func (r *Ref) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*r = 0
		return nil
	}
	s := string(data)
	if s[0] == '"' {
		var err error
		if s, err = strconv.Unquote(s); err != nil {
			return errors.Wrap(err, "malformed ref")
		}
		if s == "" {
			*r = 0
			return nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return errors.Wrap(err, "malformed ref")
	}
	*r = Ref(n)
	return nil
}

// Frame is the unit of exchange: one JSON object per websocket text message,
// both directions. Payload stays raw at this layer; channels decide what to
// decode it into.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     Ref             `json:"ref"`
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{topic=%s,event=%s,ref=%d,payload=%s}",
		f.Topic, f.Event, f.Ref, f.Payload)
}

// Reply is the payload envelope of every EventReply frame.
type Reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

const (
	replyStatusOK    = "ok"
	replyStatusError = "error"
)

func EncodeFrame(f Frame) ([]byte, error) {
	bts, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "cannot encode frame")
	}
	return bts, nil
}

func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Wrap(err, "cannot decode frame")
	}
	if f.Topic == "" {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "missing topic")
	}
	if f.Event == "" {
		return Frame{}, errors.Wrap(ErrMalformedFrame, "missing event")
	}
	return f, nil
}

// isReservedEvent reports whether the event name belongs to the protocol
// rather than to the application. The synthetic per-ref reply namespace is
// reserved too, otherwise a listener on "__reply__:<ref>" would observe that
// push's reply envelope.
func isReservedEvent(event string) bool {
	switch event {
	case EventJoin, EventLeave, EventReply, EventHeartbeat:
		return true
	}
	return strings.HasPrefix(event, EventReply+":")
}

// replyEventName derives the synthetic binding name a push listens on while
// it awaits the reply for its ref. Unique per ref, so concurrent pushes on
// one channel never observe each other's replies.
func replyEventName(ref Ref) string {
	return "__reply__:" + strconv.FormatUint(uint64(ref), 10)
}
