package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("transport: stopped")

	// ErrNotConnected is returned when writing to an address with no live connection.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrConnectionClosed is returned when writing to a connection that is closing.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrShutdownTimeout is returned by Stop when goroutines outlive the shutdown timeout.
	ErrShutdownTimeout = errors.New("transport: shutdown timed out")
)

// BindErrorKind classifies Listen failures.
type BindErrorKind int

const (
	BindOther BindErrorKind = iota
	BindAddressInUse
	BindPermission
)

func (k BindErrorKind) String() string {
	switch k {
	case BindAddressInUse:
		return "address in use"
	case BindPermission:
		return "permission denied"
	default:
		return "bind failed"
	}
}

// BindError is returned by Listen.
type BindError struct {
	Kind BindErrorKind
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("transport: listen %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

func classifyBind(addr string, err error) *BindError {
	kind := BindOther
	switch {
	case errors.Is(err, syscall.EADDRINUSE):
		kind = BindAddressInUse
	case errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		kind = BindPermission
	}
	return &BindError{Kind: kind, Addr: addr, Err: err}
}

// ConnectErrorKind classifies Connect failures.
type ConnectErrorKind int

const (
	ConnectOther ConnectErrorKind = iota
	ConnectTimeout
	ConnectRefused
	ConnectNetworkUnreachable
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectTimeout:
		return "timeout"
	case ConnectRefused:
		return "refused"
	case ConnectNetworkUnreachable:
		return "network unreachable"
	default:
		return "other"
	}
}

// ConnectError is returned by Connect.
type ConnectError struct {
	Kind ConnectErrorKind
	Addr PeerAddress
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func classifyConnect(addr PeerAddress, err error) *ConnectError {
	kind := ConnectOther
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = ConnectTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = ConnectTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ConnectRefused
	case errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		kind = ConnectNetworkUnreachable
	}
	return &ConnectError{Kind: kind, Addr: addr, Err: err}
}
