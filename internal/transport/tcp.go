package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTrungK22/Discord-P2P/internal/protocol"
)

const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultWriteTimeout    = 10 * time.Second

	readChunkSize = 4096
)

// Config configures a TCPTransport.
type Config struct {
	// UserID and DisplayName are sent in the greeting after every
	// successful outbound connect. An empty UserID skips the greeting.
	UserID      string
	DisplayName string

	// AdvertiseIP is the address peers see for this node. Connect refuses
	// it (with the listening port) as a self-connection.
	AdvertiseIP string

	Dispatcher Dispatcher
	Logger     *zap.Logger

	ConnectTimeout  time.Duration
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration

	// Dial opens outbound connections. Defaults to net.Dialer.DialContext.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// TCPTransport implements Transport over TCP with newline-delimited JSON
// framing. The registry holds at most one Connection per address.
type TCPTransport struct {
	cfg Config
	log *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	stopErr  error

	lnMu       sync.Mutex
	listener   net.Listener
	local      PeerAddress
	acceptDone chan struct{}

	mu    sync.RWMutex
	conns map[PeerAddress]*Connection

	dialMu  sync.Mutex
	dialing map[PeerAddress]*dialCall

	// wg tracks the accept loop, read loops and in-flight dials.
	wg sync.WaitGroup
}

type dialCall struct {
	done chan struct{}
	ok   bool
	err  error
}

// ConnectionInfo is a read-only view of a registered connection.
type ConnectionInfo struct {
	Addr      PeerAddress
	Direction Direction
	State     State
	Since     time.Time
}

// NewTCP creates a TCPTransport. Call Listen to accept inbound peers.
func NewTCP(cfg Config) *TCPTransport {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Dial == nil {
		var d net.Dialer
		cfg.Dial = d.DialContext
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPTransport{
		cfg:     cfg,
		log:     cfg.Logger.Named("transport"),
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[PeerAddress]*Connection),
		dialing: make(map[PeerAddress]*dialCall),
	}
}

func (t *TCPTransport) Listen(host string, port int) (string, int, error) {
	t.lnMu.Lock()
	defer t.lnMu.Unlock()

	if t.ctx.Err() != nil {
		return "", 0, ErrStopped
	}
	if t.listener != nil {
		return t.local.IP, t.local.Port, nil
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	var lc net.ListenConfig
	ln, err := lc.Listen(t.ctx, "tcp", addr)
	if err != nil {
		return "", 0, classifyBind(addr, err)
	}

	bound := addressOf(ln.Addr())
	if host != "" {
		bound.IP = host
	}
	t.listener = ln
	t.local = bound
	t.acceptDone = make(chan struct{})

	t.wg.Add(1)
	go t.acceptLoop(ln, t.acceptDone)

	t.log.Info("listening", zap.Stringer("addr", bound))
	return bound.IP, bound.Port, nil
}

func (t *TCPTransport) StopListening() {
	t.lnMu.Lock()
	ln, done := t.listener, t.acceptDone
	t.listener = nil
	t.local = PeerAddress{}
	t.lnMu.Unlock()

	if ln == nil {
		return
	}
	ln.Close() //nolint:errcheck
	<-done
	t.log.Info("stopped listening")
}

func (t *TCPTransport) LocalAddress() (PeerAddress, bool) {
	t.lnMu.Lock()
	defer t.lnMu.Unlock()
	return t.local, t.listener != nil
}

func (t *TCPTransport) IsLocal(addr PeerAddress) bool {
	local, ok := t.LocalAddress()
	if !ok || addr.Port != local.Port {
		return false
	}
	if addr.IP == local.IP {
		return true
	}
	if t.cfg.AdvertiseIP != "" && addr.IP == t.cfg.AdvertiseIP {
		return true
	}
	// A wildcard listener is also reachable over loopback.
	if ip := net.ParseIP(local.IP); ip != nil && ip.IsUnspecified() {
		a := net.ParseIP(addr.IP)
		return a != nil && a.IsLoopback()
	}
	return false
}

func (t *TCPTransport) Connect(ctx context.Context, addr PeerAddress) (bool, error) {
	if !addr.Valid() {
		return false, &ConnectError{Kind: ConnectOther, Addr: addr, Err: errors.New("invalid address")}
	}
	if t.IsLocal(addr) {
		t.log.Debug("refusing to connect to self", zap.Stringer("peer", addr))
		return false, nil
	}
	if t.ctx.Err() != nil {
		return false, &ConnectError{Kind: ConnectOther, Addr: addr, Err: ErrStopped}
	}
	if t.lookup(addr) != nil {
		return true, nil
	}

	// Concurrent connects to the same address share one dial.
	t.dialMu.Lock()
	if call, ok := t.dialing[addr]; ok {
		t.dialMu.Unlock()
		select {
		case <-call.done:
			return call.ok, call.err
		case <-ctx.Done():
			return false, classifyConnect(addr, ctx.Err())
		}
	}
	call := &dialCall{done: make(chan struct{})}
	t.dialing[addr] = call
	t.dialMu.Unlock()

	call.ok, call.err = t.dial(ctx, addr)

	t.dialMu.Lock()
	delete(t.dialing, addr)
	t.dialMu.Unlock()
	close(call.done)
	return call.ok, call.err
}

func (t *TCPTransport) dial(ctx context.Context, addr PeerAddress) (bool, error) {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		return false, &ConnectError{Kind: ConnectOther, Addr: addr, Err: ErrStopped}
	}
	t.wg.Add(1)
	t.mu.Unlock()
	defer t.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	c := newConnection(addr, Outbound)
	conn, err := t.cfg.Dial(ctx, "tcp", addr.String())
	if err != nil {
		c.fail()
		ce := classifyConnect(addr, err)
		if t.ctx.Err() != nil {
			ce.Kind = ConnectOther
			ce.Err = errors.Join(ErrStopped, err)
		}
		t.log.Warn("connect failed", zap.Stringer("peer", addr), zap.Stringer("kind", ce.Kind), zap.Error(err))
		return false, ce
	}
	c.attach(conn)

	if err := t.register(c); err != nil {
		return false, &ConnectError{Kind: ConnectOther, Addr: addr, Err: err}
	}
	t.log.Info("connected", zap.Stringer("peer", addr))
	t.greet(c)
	return true, nil
}

// greet sends the greeting on a fresh outbound connection. A failed greeting
// does not undo the connection.
func (t *TCPTransport) greet(c *Connection) {
	if t.cfg.UserID == "" {
		t.log.Debug("no user id, skipping greeting", zap.Stringer("peer", c.addr))
		return
	}
	msg := protocol.MustBuild(protocol.Greeting{UserID: t.cfg.UserID, DisplayName: t.cfg.DisplayName})
	frame, err := protocol.Encode(msg)
	if err == nil {
		err = t.writeTo(c, frame)
	}
	if err != nil {
		t.log.Warn("greeting failed", zap.Stringer("peer", c.addr), zap.Error(err))
	}
}

// register installs c in the registry, tearing down any previous connection
// to the same address, and starts its read loop.
func (t *TCPTransport) register(c *Connection) error {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		c.fail()
		return ErrStopped
	}
	if old := t.conns[c.addr]; old != nil {
		old.close()
		t.log.Info("replaced existing connection", zap.Stringer("peer", c.addr), zap.Stringer("old_direction", old.dir))
	}
	t.conns[c.addr] = c
	t.wg.Add(1)
	t.mu.Unlock()

	go t.readLoop(c)
	return nil
}

func (t *TCPTransport) Disconnect(addr PeerAddress) bool {
	t.mu.Lock()
	c, ok := t.conns[addr]
	if ok {
		delete(t.conns, addr)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	c.close()
	t.log.Info("disconnected", zap.Stringer("peer", addr))
	return true
}

func (t *TCPTransport) Send(ctx context.Context, addr PeerAddress, msg protocol.Message) bool {
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.log.Error("encode failed", zap.Stringer("peer", addr), zap.Error(err))
		return false
	}

	c := t.lookup(addr)
	if c == nil {
		t.log.Debug("no connection, connecting before send", zap.Stringer("peer", addr))
		if ok, err := t.Connect(ctx, addr); !ok {
			t.log.Warn("send failed: cannot connect", zap.Stringer("peer", addr), zap.Error(err))
			return false
		}
		if c = t.lookup(addr); c == nil {
			t.log.Warn("send failed: connection lost after connect", zap.Stringer("peer", addr))
			return false
		}
	}

	if err := t.writeTo(c, frame); err != nil {
		t.log.Warn("send failed", zap.Stringer("peer", addr), zap.String("type", string(msg.Type)), zap.Error(err))
		return false
	}
	return true
}

func (t *TCPTransport) Broadcast(ctx context.Context, msg protocol.Message, exclude *PeerAddress) map[PeerAddress]error {
	t.mu.RLock()
	targets := make([]*Connection, 0, len(t.conns))
	for addr, c := range t.conns {
		if exclude != nil && addr == *exclude {
			continue
		}
		targets = append(targets, c)
	}
	t.mu.RUnlock()

	results := make(map[PeerAddress]error, len(targets))
	if len(targets) == 0 {
		return results
	}

	frame, err := protocol.Encode(msg)
	if err != nil {
		t.log.Error("broadcast encode failed", zap.String("type", string(msg.Type)), zap.Error(err))
		for _, c := range targets {
			results[c.addr] = err
		}
		return results
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ctx.Err()
			if err == nil {
				err = t.writeTo(c, frame)
			}
			if err != nil {
				t.log.Warn("broadcast to peer failed", zap.Stringer("peer", c.addr), zap.String("type", string(msg.Type)), zap.Error(err))
			}
			mu.Lock()
			results[c.addr] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

func (t *TCPTransport) ActiveAddresses() AddressSet {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(AddressSet, len(t.conns))
	for addr := range t.conns {
		out[addr] = struct{}{}
	}
	return out
}

// Connections returns a snapshot of every registered connection.
func (t *TCPTransport) Connections() []ConnectionInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ConnectionInfo, 0, len(t.conns))
	for _, c := range t.conns {
		out = append(out, ConnectionInfo{Addr: c.addr, Direction: c.dir, State: c.State(), Since: c.createdAt})
	}
	return out
}

// Stop stops listening, aborts in-flight dials, closes every connection and
// waits up to the shutdown timeout for all goroutines to exit.
func (t *TCPTransport) Stop() error {
	t.stopOnce.Do(func() {
		t.cancel()
		t.StopListening()

		t.mu.Lock()
		conns := t.conns
		t.conns = make(map[PeerAddress]*Connection)
		t.mu.Unlock()

		for _, c := range conns {
			c.close()
		}

		done := make(chan struct{})
		go func() {
			t.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			t.log.Info("stopped", zap.Int("closed", len(conns)))
		case <-time.After(t.cfg.ShutdownTimeout):
			t.stopErr = ErrShutdownTimeout
			t.log.Warn("shutdown timed out", zap.Duration("timeout", t.cfg.ShutdownTimeout))
		}
	})
	return t.stopErr
}

func (t *TCPTransport) lookup(addr PeerAddress) *Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c := t.conns[addr]; c != nil && c.State() == StateConnected {
		return c
	}
	return nil
}

func (t *TCPTransport) writeTo(c *Connection, frame []byte) error {
	err := c.write(frame, t.cfg.WriteTimeout)
	if err != nil && c.State() == StateClosed {
		t.unregister(c)
	}
	return err
}

func (t *TCPTransport) unregister(c *Connection) {
	t.mu.Lock()
	if t.conns[c.addr] == c {
		delete(t.conns, c.addr)
	}
	t.mu.Unlock()
}

// release runs exactly once per connection when its read loop ends.
func (t *TCPTransport) release(c *Connection) {
	c.releaseOnce.Do(func() {
		t.unregister(c)
		c.close()
	})
}

func (t *TCPTransport) acceptLoop(ln net.Listener, done chan struct{}) {
	defer t.wg.Done()
	defer close(done)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(backoff*2, time.Second)
			}
			t.log.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-t.ctx.Done():
				return
			}
		}
		backoff = 0

		c := newConnection(addressOf(conn.RemoteAddr()), Inbound)
		c.conn = conn
		if err := t.register(c); err != nil {
			t.log.Debug("dropping inbound connection", zap.Stringer("peer", c.addr), zap.Error(err))
			continue
		}
		t.log.Info("accepted", zap.Stringer("peer", c.addr))
	}
}

// readLoop reads until end-of-stream, reset or cancellation, handing every
// complete frame to the dispatcher in arrival order.
func (t *TCPTransport) readLoop(c *Connection) {
	defer t.wg.Done()
	defer close(c.done)
	defer t.release(c)

	log := t.log.With(zap.Stringer("peer", c.addr), zap.Stringer("direction", c.dir))
	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			frames, rest := protocol.Split(buf)
			for _, f := range frames {
				t.deliver(c, f, log)
			}
			buf = append(buf[:0], rest...)
			if len(buf) > protocol.MaxFrameSize {
				log.Warn("discarding oversized frame", zap.Int("buffered", len(buf)))
				buf = buf[:0]
			}
		}
		if err == nil {
			continue
		}

		switch {
		case c.State() >= StateClosing || errors.Is(err, net.ErrClosed):
			log.Debug("read loop cancelled")
		case errors.Is(err, io.EOF):
			log.Info("connection closed by peer")
			c.close()
		case errors.Is(err, syscall.ECONNRESET):
			log.Info("connection reset by peer")
			c.fail()
		default:
			log.Warn("read failed", zap.Error(err))
			c.fail()
		}
		return
	}
}

func (t *TCPTransport) deliver(c *Connection, frame []byte, log *zap.Logger) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		log.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	if t.cfg.Dispatcher == nil {
		log.Debug("no dispatcher, dropping message", zap.String("type", string(msg.Type)))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatcher panicked",
				zap.String("type", string(msg.Type)),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"))
		}
	}()
	t.cfg.Dispatcher.Dispatch(c.addr, msg)
}
