package lib

import (
	"errors"
	"net"

	"github.com/Clouded-Sabre/inetcore/lib/pool"
	"github.com/Clouded-Sabre/inetcore/lib/route"
)

var (
	ErrConnectionReset   = errors.New("connection reset by peer")
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimedOut          = errors.New("connection timed out")
	ErrNetUnreachable    = route.ErrNetUnreachable
	ErrHostUnreachable   = errors.New("host is unreachable")
	ErrMessageTooLong    = errors.New("message too long")
	ErrWouldBlock        = errors.New("operation would block")
	ErrInterrupted       = errors.New("interrupted, operation may be restarted")
	ErrClosed            = net.ErrClosed
	ErrAddressInUse      = errors.New("address already in use")
	ErrNotConnected      = errors.New("transport endpoint is not connected")
	ErrNoBuffer          = pool.ErrNoBuffer
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNoUrgentData      = errors.New("no urgent data pending")
	ErrProtocolNotFound  = errors.New("protocol not available")
	ErrProtocol          = errors.New("protocol error")
)

// errDeadline is returned once a read or write deadline has passed.
var errDeadline error = &TimeoutError{msg: "i/o timeout"}
