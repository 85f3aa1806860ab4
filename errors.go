package cable

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConnectionClosed = errors.New("connection has been closed")
	ErrCannotConnect    = errors.New("connection cannot be established")
	ErrTerminated       = errors.New("connection terminated by us")
	ErrNotConnected     = errors.New("socket is not connected")
	ErrConnectionLost   = errors.New("connection lost while awaiting reply")
	ErrTimeout          = errors.New("timed out awaiting reply")
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownEvent     = errors.New("no listeners registered for event")
	ErrReservedEvent    = errors.New("event name is reserved for the protocol")
)

// ReplyError carries the server response of a status:"error" reply. It fails
// the one push it correlates with and nothing else.
type ReplyError struct {
	Response []byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("server replied with error: %s", e.Response)
}
