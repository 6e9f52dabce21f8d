package transport

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Direction records which side opened a connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// State is a connection's lifecycle position. States only move forward:
// Connecting → Connected → Closing → Closed. A hard I/O failure jumps
// straight to Closed.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one live socket to a peer. It is owned by TCPTransport.
type Connection struct {
	addr      PeerAddress
	dir       Direction
	createdAt time.Time

	state atomic.Int32

	conn    net.Conn
	writeMu sync.Mutex

	done        chan struct{} // closed when the read loop has exited
	releaseOnce sync.Once
}

func newConnection(addr PeerAddress, dir Direction) *Connection {
	c := &Connection{
		addr:      addr,
		dir:       dir,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	if dir == Outbound {
		c.state.Store(int32(StateConnecting))
	} else {
		c.state.Store(int32(StateConnected))
	}
	return c
}

func (c *Connection) Addr() PeerAddress    { return c.addr }
func (c *Connection) Direction() Direction { return c.dir }
func (c *Connection) State() State         { return State(c.state.Load()) }

// advance moves the state forward to next. It reports false if the
// connection is already at or past next.
func (c *Connection) advance(next State) bool {
	for {
		cur := c.state.Load()
		if cur >= int32(next) {
			return false
		}
		if c.state.CompareAndSwap(cur, int32(next)) {
			return true
		}
	}
}

// attach binds the dialed socket and marks the connection live.
func (c *Connection) attach(conn net.Conn) {
	c.conn = conn
	c.advance(StateConnected)
}

// fail forces the connection to Closed after an I/O error.
func (c *Connection) fail() {
	c.state.Store(int32(StateClosed))
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck
	}
}

// close performs an orderly shutdown. Closing the socket unblocks the read
// loop, which then exits.
func (c *Connection) close() {
	if !c.advance(StateClosing) {
		return
	}
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck
	}
	c.advance(StateClosed)
}

// write sends one encoded frame. Writes are serialised so frames never
// interleave on the stream.
func (c *Connection) write(frame []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.State() != StateConnected {
		return ErrConnectionClosed
	}
	if timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout)) //nolint:errcheck
	}
	_, err := c.conn.Write(frame)
	if err != nil {
		c.fail()
	}
	return err
}
