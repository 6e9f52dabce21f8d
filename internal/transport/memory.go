package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/QuangTrungK22/Discord-P2P/internal/protocol"
)

// Memory is an in-process Transport for tests. Instances find each other
// through a package-level registry keyed by listening address. Messages are
// encoded and decoded on the way through so receivers see exactly what a
// socket would deliver.
type Memory struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	local     PeerAddress
	listening bool
	self      PeerAddress // address peers see; set by Listen or the first dial
	peers     map[PeerAddress]*Memory
	failures  map[PeerAddress]error
	stopped   bool

	connects    []PeerAddress
	disconnects []PeerAddress
	sent        []Sent
}

// Sent records one message written by a Memory transport.
type Sent struct {
	To  PeerAddress
	Msg protocol.Message
}

var (
	memRegistryMu sync.Mutex
	memRegistry   = map[PeerAddress]*Memory{}
	memNextPort   = 40000
)

// NewMemory creates a Memory transport.
func NewMemory(cfg Config) *Memory {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Memory{
		cfg:      cfg,
		log:      cfg.Logger.Named("transport.memory"),
		peers:    make(map[PeerAddress]*Memory),
		failures: make(map[PeerAddress]error),
	}
}

func nextMemPort() int {
	memRegistryMu.Lock()
	defer memRegistryMu.Unlock()
	memNextPort++
	return memNextPort
}

func (m *Memory) Listen(host string, port int) (string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return "", 0, ErrStopped
	}
	if m.listening {
		return m.local.IP, m.local.Port, nil
	}
	if port == 0 {
		port = nextMemPort()
	}
	addr := PeerAddress{IP: host, Port: port}

	memRegistryMu.Lock()
	if _, taken := memRegistry[addr]; taken {
		memRegistryMu.Unlock()
		return "", 0, &BindError{Kind: BindAddressInUse, Addr: addr.String(), Err: errors.New("address in use")}
	}
	memRegistry[addr] = m
	memRegistryMu.Unlock()

	m.local, m.self, m.listening = addr, addr, true
	return host, port, nil
}

func (m *Memory) StopListening() {
	m.mu.Lock()
	addr, was := m.local, m.listening
	m.listening = false
	m.local = PeerAddress{}
	m.mu.Unlock()
	if !was {
		return
	}
	memRegistryMu.Lock()
	if memRegistry[addr] == m {
		delete(memRegistry, addr)
	}
	memRegistryMu.Unlock()
}

func (m *Memory) LocalAddress() (PeerAddress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local, m.listening
}

func (m *Memory) IsLocal(addr PeerAddress) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.listening || addr.Port != m.local.Port {
		return false
	}
	return addr.IP == m.local.IP || (m.cfg.AdvertiseIP != "" && addr.IP == m.cfg.AdvertiseIP)
}

// FailConnect makes every future Connect to addr fail with err. A nil err
// clears the injected failure.
func (m *Memory) FailConnect(addr PeerAddress, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, addr)
		return
	}
	m.failures[addr] = err
}

func (m *Memory) Connect(_ context.Context, addr PeerAddress) (bool, error) {
	if m.IsLocal(addr) {
		return false, nil
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false, &ConnectError{Kind: ConnectOther, Addr: addr, Err: ErrStopped}
	}
	m.connects = append(m.connects, addr)
	if _, ok := m.peers[addr]; ok {
		m.mu.Unlock()
		return true, nil
	}
	if err := m.failures[addr]; err != nil {
		m.mu.Unlock()
		return false, classifyConnect(addr, err)
	}
	if !m.self.Valid() {
		ip := m.cfg.AdvertiseIP
		if ip == "" {
			ip = "127.0.0.1"
		}
		m.self = PeerAddress{IP: ip, Port: nextMemPort()}
	}
	self := m.self
	m.mu.Unlock()

	memRegistryMu.Lock()
	other := memRegistry[addr]
	memRegistryMu.Unlock()
	if other == nil {
		return false, &ConnectError{Kind: ConnectRefused, Addr: addr, Err: errors.New("connection refused")}
	}

	m.mu.Lock()
	m.peers[addr] = other
	m.mu.Unlock()
	other.mu.Lock()
	other.peers[self] = m
	other.mu.Unlock()

	if m.cfg.UserID != "" {
		m.Send(context.Background(), addr, protocol.MustBuild(protocol.Greeting{
			UserID:      m.cfg.UserID,
			DisplayName: m.cfg.DisplayName,
		}))
	}
	return true, nil
}

func (m *Memory) Disconnect(addr PeerAddress) bool {
	m.mu.Lock()
	other, ok := m.peers[addr]
	delete(m.peers, addr)
	m.disconnects = append(m.disconnects, addr)
	self := m.self
	m.mu.Unlock()
	if !ok {
		return false
	}
	other.drop(self, m)
	return true
}

func (m *Memory) drop(addr PeerAddress, peer *Memory) {
	m.mu.Lock()
	if m.peers[addr] == peer {
		delete(m.peers, addr)
	}
	m.mu.Unlock()
}

func (m *Memory) Send(ctx context.Context, addr PeerAddress, msg protocol.Message) bool {
	frame, err := protocol.Encode(msg)
	if err != nil {
		m.log.Error("encode failed", zap.Error(err))
		return false
	}

	m.mu.Lock()
	other, ok := m.peers[addr]
	m.mu.Unlock()
	if !ok {
		if connected, _ := m.Connect(ctx, addr); !connected {
			return false
		}
		m.mu.Lock()
		other, ok = m.peers[addr]
		m.mu.Unlock()
		if !ok {
			return false
		}
	}

	m.mu.Lock()
	m.sent = append(m.sent, Sent{To: addr, Msg: msg})
	self := m.self
	m.mu.Unlock()

	other.deliver(self, frame)
	return true
}

func (m *Memory) deliver(from PeerAddress, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		m.log.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	if m.cfg.Dispatcher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("dispatcher panicked", zap.Any("panic", r))
		}
	}()
	m.cfg.Dispatcher.Dispatch(from, msg)
}

func (m *Memory) Broadcast(ctx context.Context, msg protocol.Message, exclude *PeerAddress) map[PeerAddress]error {
	results := make(map[PeerAddress]error)
	for addr := range m.ActiveAddresses() {
		if exclude != nil && addr == *exclude {
			continue
		}
		if m.Send(ctx, addr, msg) {
			results[addr] = nil
		} else {
			results[addr] = ErrNotConnected
		}
	}
	return results
}

func (m *Memory) ActiveAddresses() AddressSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(AddressSet, len(m.peers))
	for addr := range m.peers {
		out[addr] = struct{}{}
	}
	return out
}

func (m *Memory) Stop() error {
	m.StopListening()
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	peers := m.peers
	m.peers = make(map[PeerAddress]*Memory)
	self := m.self
	m.mu.Unlock()
	for _, p := range peers {
		p.drop(self, m)
	}
	return nil
}

// Connects returns every address passed to Connect, in call order.
func (m *Memory) Connects() []PeerAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PeerAddress(nil), m.connects...)
}

// Disconnects returns every address passed to Disconnect, in call order.
func (m *Memory) Disconnects() []PeerAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PeerAddress(nil), m.disconnects...)
}

// SentMessages returns every message written, in order.
func (m *Memory) SentMessages() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Reset clears the recorded calls.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connects, m.disconnects, m.sent = nil, nil, nil
}

var (
	_ Transport = (*Memory)(nil)
	_ Transport = (*TCPTransport)(nil)
)
