package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotRunning  = errors.New("transport: not running")
	ErrNotReady    = errors.New("transport: peer not ready")
	ErrNotCapable  = errors.New("transport: peer lacks mesh endpoints")
	ErrAckTimeout  = errors.New("transport: write not acknowledged")
	ErrLinkDropped = errors.New("transport: link dropped")
)

// StartError reports that the radio could not be brought up. Start may be
// called again once the cause is fixed.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return "transport: start: " + e.Err.Error() }
func (e *StartError) Unwrap() error { return e.Err }

// ConnError reports a failed handshake or capability discovery. The peer is
// left disconnected.
type ConnError struct {
	Address string
	Err     error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.Address, e.Err)
}
func (e *ConnError) Unwrap() error { return e.Err }

// SendError reports a write that failed on a live link. It is not retried.
type SendError struct {
	Address string
	Role    Role
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("transport: send %s %s: %v", e.Role, e.Address, e.Err)
}
func (e *SendError) Unwrap() error { return e.Err }
