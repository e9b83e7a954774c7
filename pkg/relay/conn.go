package relay

import (
	"errors"
	"fmt"
)

// ConnState is the closed set of states a client connection moves through.
// Transitions only go forward: CONNECTING -> OPEN -> CLOSED, or straight
// from CONNECTING to CLOSED.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("ConnState(%d)", int32(s))
	}
}

var (
	ErrConnNotOpen    = errors.New("connection not open")
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Conn is the transport a Relay writes to. Implementations must make Send
// non-blocking and must invoke OnReady/OnClose callbacks at most once each,
// immediately if the state was already reached when registering.
type Conn interface {
	State() ConnState
	Send(msg []byte) error
	OnReady(func())
	OnClose(func())
	Close() error
}
