package stream

import "errors"

// ErrNotConnected is returned when a send is attempted outside the connected
// idle state. Callers fall back to the request/response path.
var ErrNotConnected = errors.New("stream: not connected")

// ErrEmptyMessage rejects blank user text before any state transition.
var ErrEmptyMessage = errors.New("stream: empty message")

// State is the connection session state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StateAwaitingReply
	StateReconnecting
	StateGaveUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "idle"
	case StateAwaitingReply:
		return "awaiting_reply"
	case StateReconnecting:
		return "reconnecting"
	case StateGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}
