// Package transport moves protocol messages between peers over TCP and
// provides an in-process implementation for tests.
package transport

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/QuangTrungK22/Discord-P2P/internal/protocol"
)

// Transport abstracts peer-to-peer message I/O.
// The node and the reconciler use this interface exclusively so that tests
// can inject an in-memory transport without real sockets.
type Transport interface {
	// Listen binds and starts accepting. Port 0 asks the OS for a port.
	// Calling Listen again returns the existing bound address.
	Listen(host string, port int) (string, int, error)

	// StopListening stops accepting; existing connections stay open.
	StopListening()

	// LocalAddress returns the bound listening address, if any.
	LocalAddress() (PeerAddress, bool)

	// IsLocal reports whether addr refers to this transport's own listener.
	IsLocal(addr PeerAddress) bool

	// Connect dials addr. Idempotent if already connected. Returns false
	// without an error when addr is the local listening address.
	Connect(ctx context.Context, addr PeerAddress) (bool, error)

	// Disconnect tears down the connection to addr. Reports whether one existed.
	Disconnect(addr PeerAddress) bool

	// Send writes msg to addr, connecting first if needed.
	Send(ctx context.Context, addr PeerAddress, msg protocol.Message) bool

	// Broadcast sends msg to every connection except exclude and returns the
	// per-address outcome.
	Broadcast(ctx context.Context, msg protocol.Message, exclude *PeerAddress) map[PeerAddress]error

	// ActiveAddresses returns a snapshot of the registered connections.
	ActiveAddresses() AddressSet

	// Stop closes the listener and every connection.
	Stop() error
}

// Dispatcher receives every decoded message, inline on the connection's read
// goroutine. Implementations must hand slow work off to their own goroutines.
type Dispatcher interface {
	Dispatch(from PeerAddress, msg protocol.Message)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(from PeerAddress, msg protocol.Message)

func (f DispatcherFunc) Dispatch(from PeerAddress, msg protocol.Message) { f(from, msg) }

// PeerAddress identifies a connection. Two addresses are equal iff both
// fields match exactly.
type PeerAddress struct {
	IP   string
	Port int
}

func (a PeerAddress) String() string {
	return net.JoinHostPort(a.IP, strconv.Itoa(a.Port))
}

// Valid reports whether a has a non-empty IP and a positive port.
func (a PeerAddress) Valid() bool {
	return a.IP != "" && a.Port > 0 && a.Port <= 65535
}

// ParseAddress parses "host:port".
func ParseAddress(s string) (PeerAddress, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("transport: parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("transport: parse port %q: %w", portStr, err)
	}
	return PeerAddress{IP: host, Port: port}, nil
}

func addressOf(a net.Addr) PeerAddress {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return PeerAddress{IP: tcp.IP.String(), Port: tcp.Port}
	}
	addr, err := ParseAddress(a.String())
	if err != nil {
		return PeerAddress{IP: a.String()}
	}
	return addr
}

// AddressSet is a set of peer addresses.
type AddressSet map[PeerAddress]struct{}

// NewAddressSet returns a set holding addrs.
func NewAddressSet(addrs ...PeerAddress) AddressSet {
	s := make(AddressSet, len(addrs))
	for _, a := range addrs {
		s[a] = struct{}{}
	}
	return s
}

func (s AddressSet) Add(a PeerAddress) { s[a] = struct{}{} }

func (s AddressSet) Has(a PeerAddress) bool {
	_, ok := s[a]
	return ok
}

// Minus returns the addresses in s that are not in other.
func (s AddressSet) Minus(other AddressSet) AddressSet {
	out := make(AddressSet)
	for a := range s {
		if !other.Has(a) {
			out[a] = struct{}{}
		}
	}
	return out
}

// Sorted returns the members ordered by IP then port.
func (s AddressSet) Sorted() []PeerAddress {
	out := make([]PeerAddress, 0, len(s))
	for a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Port < out[j].Port
	})
	return out
}
