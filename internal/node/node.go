// Package node wires the chat core together.
//
// Design:
//   - The transport delivers every decoded message to Node.dispatch, which
//     routes chat lines to Messages(), greetings to the name cache and the
//     reconciler, and livestream traffic to the livestream service.
//   - One goroutine republishes this node to the tracker (heartbeat).
//   - One goroutine runs the reconciler; its passes are gated on the node
//     being online.
//   - One goroutine checks network status and triggers an immediate
//     reconcile on the offline to online transition.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTrungK22/Discord-P2P/internal/identity"
	"github.com/QuangTrungK22/Discord-P2P/internal/livestream"
	"github.com/QuangTrungK22/Discord-P2P/internal/reconcile"
	"github.com/QuangTrungK22/Discord-P2P/internal/seen"
	"github.com/QuangTrungK22/Discord-P2P/internal/tracker"
	"github.com/QuangTrungK22/Discord-P2P/internal/transport"
)

const (
	defaultPublishInterval      = 60 * time.Second
	defaultNetworkCheckInterval = 15 * time.Second
	dedupeWindow                = 5 * time.Minute
	messageQueueDepth           = 64
	stopHostingTimeout          = 2 * time.Second
)

var (
	ErrStarted        = errors.New("node: already started")
	ErrNoChannel      = errors.New("node: no channel selected")
	ErrEmptyMessage   = errors.New("node: empty message")
	ErrNoMembership   = errors.New("node: tracker does not manage channel membership")
	ErrNoBackup       = errors.New("node: tracker does not keep message backups")
	ErrUnknownStream  = errors.New("node: no such stream")
	ErrIdentityNeeded = errors.New("node: identity required")
)

// Config configures a Node.
type Config struct {
	Identity *identity.Identity
	Tracker  tracker.Tracker
	Logger   *zap.Logger

	// NewTransport builds the transport around the node's dispatcher.
	// Defaults to a TCP transport.
	NewTransport func(transport.Config) transport.Transport

	ListenHost  string
	ListenPort  int
	AdvertiseIP string // address published to the tracker; detected when empty

	RefreshInterval      time.Duration
	PublishInterval      time.Duration
	NetworkCheckInterval time.Duration
	ActiveWithinMinutes  int
	ConnectTimeout       time.Duration
	ShutdownTimeout      time.Duration

	OnFrame         func(streamerID string, frameID *int64, frame []byte)
	OnStreamStarted func(livestream.Stream)
	OnStreamEnded   func(streamerID string)
}

// Chat is a chat line delivered to the local user.
type Chat struct {
	From       transport.PeerAddress
	SenderID   string
	SenderName string
	ChannelID  string
	Content    string
	Timestamp  time.Time
}

// Node is one chat client.
type Node struct {
	cfg  Config
	log  *zap.Logger
	id   *identity.Identity
	tr   transport.Transport
	trk  tracker.Tracker
	rec  *reconcile.Reconciler
	live *livestream.Service
	seen *seen.Cache

	messages chan Chat

	mu      sync.RWMutex
	names   map[string]string // user id -> display name
	channel string
	unread  map[string]int
	online  bool
	port    int

	startMu  sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New creates a Node. Nothing touches the network until Start.
func New(cfg Config) (*Node, error) {
	if cfg.Identity == nil {
		return nil, ErrIdentityNeeded
	}
	if cfg.Tracker == nil {
		return nil, errors.New("node: tracker required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = defaultPublishInterval
	}
	if cfg.NetworkCheckInterval <= 0 {
		cfg.NetworkCheckInterval = defaultNetworkCheckInterval
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = func(c transport.Config) transport.Transport { return transport.NewTCP(c) }
	}
	if cfg.AdvertiseIP == "" {
		cfg.AdvertiseIP = advertiseFor(cfg.ListenHost, cfg.Logger.Named("node"))
	}

	n := &Node{
		cfg:      cfg,
		log:      cfg.Logger.Named("node").With(zap.String("user_id", cfg.Identity.UserID)),
		id:       cfg.Identity,
		trk:      cfg.Tracker,
		seen:     seen.New(dedupeWindow),
		messages: make(chan Chat, messageQueueDepth),
		names:    map[string]string{cfg.Identity.UserID: cfg.Identity.DisplayName},
		unread:   make(map[string]int),
	}
	n.tr = cfg.NewTransport(transport.Config{
		UserID:          n.id.UserID,
		DisplayName:     n.id.DisplayName,
		AdvertiseIP:     cfg.AdvertiseIP,
		Dispatcher:      transport.DispatcherFunc(n.dispatch),
		Logger:          cfg.Logger,
		ConnectTimeout:  cfg.ConnectTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
	n.live = livestream.New(livestream.Config{
		UserID:      n.id.UserID,
		DisplayName: n.id.DisplayName,
		Transport:   n.tr,
		Logger:      cfg.Logger,
		OnFrame:     cfg.OnFrame,
		OnStarted:   cfg.OnStreamStarted,
		OnEnded:     cfg.OnStreamEnded,
	})
	n.rec = reconcile.New(reconcile.Config{
		Tracker:             n.trk,
		Transport:           n.tr,
		Relay:               n.live,
		LocalUserID:         n.id.UserID,
		ActiveWithinMinutes: cfg.ActiveWithinMinutes,
		Interval:            cfg.RefreshInterval,
		Logger:              cfg.Logger,
		Gate:                n.Online,
	})
	return n, nil
}

// Start listens, publishes this node, runs a first reconcile and launches
// the background loops. The loops stop when ctx is cancelled or Stop is
// called.
func (n *Node) Start(ctx context.Context) error {
	n.startMu.Lock()
	defer n.startMu.Unlock()
	if n.started {
		return ErrStarted
	}

	host, port, err := n.tr.Listen(n.cfg.ListenHost, n.cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("node: listen: %w", err)
	}
	n.started = true
	n.mu.Lock()
	n.port = port
	n.mu.Unlock()
	n.log.Info("listening",
		zap.String("host", host), zap.Int("port", port),
		zap.String("advertise", n.cfg.AdvertiseIP))

	ctx, n.cancel = context.WithCancel(ctx)

	n.publish(ctx)
	n.checkNetwork()
	if n.Online() {
		n.rec.RunOnce(ctx)
	}

	n.wg.Add(3)
	go func() {
		defer n.wg.Done()
		n.rec.Run(ctx)
	}()
	go n.heartbeatLoop(ctx)
	go n.networkLoop(ctx)
	return nil
}

// Stop ends the loops, announces the end of a hosted stream and stops the
// transport. It is safe to call more than once.
func (n *Node) Stop() error {
	n.stopOnce.Do(func() {
		n.startMu.Lock()
		cancel := n.cancel
		n.startMu.Unlock()
		if cancel != nil {
			cancel()
		}
		n.wg.Wait()

		if n.live.Status().Hosting {
			ctx, done := context.WithTimeout(context.Background(), stopHostingTimeout)
			if err := n.live.StopHosting(ctx, true); err != nil {
				n.log.Warn("stop hosting", zap.Error(err))
			}
			done()
		}
		n.seen.Close()
		n.stopErr = n.tr.Stop()
		n.log.Info("node stopped")
	})
	return n.stopErr
}

// Messages delivers chat lines for the selected channel.
func (n *Node) Messages() <-chan Chat {
	return n.messages
}

// Transport returns the node's transport.
func (n *Node) Transport() transport.Transport { return n.tr }

// Livestream returns the node's livestream service.
func (n *Node) Livestream() *livestream.Service { return n.live }

// Reconciler returns the node's reconciler.
func (n *Node) Reconciler() *reconcile.Reconciler { return n.rec }

// Refresh runs a reconcile pass now, regardless of the network gate.
func (n *Node) Refresh(ctx context.Context) reconcile.Result {
	return n.rec.RunOnce(ctx)
}

// Online reports whether the node is listening or has at least one
// connection, as of the last network check.
func (n *Node) Online() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

func (n *Node) publish(ctx context.Context) {
	n.mu.RLock()
	port := n.port
	n.mu.RUnlock()

	uid := n.id.UserID
	ok, err := n.trk.PublishSelf(ctx, &uid, n.cfg.AdvertiseIP, port)
	switch {
	case err != nil:
		n.log.Warn("publish to tracker failed", zap.Error(err))
	case !ok:
		n.log.Warn("tracker rejected publish")
	default:
		n.log.Debug("published", zap.String("ip", n.cfg.AdvertiseIP), zap.Int("port", port))
	}
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.PublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.publish(ctx)
		}
	}
}

func (n *Node) networkLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.NetworkCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n.checkNetwork() {
				n.log.Info("back online, refreshing peers")
				n.publish(ctx)
				n.rec.Trigger()
			}
		}
	}
}

// checkNetwork updates the online flag and reports whether the node just
// came back online.
func (n *Node) checkNetwork() bool {
	_, listening := n.tr.LocalAddress()
	now := listening || len(n.tr.ActiveAddresses()) > 0

	n.mu.Lock()
	was := n.online
	n.online = now
	n.mu.Unlock()

	if was != now {
		n.log.Info("network status changed", zap.Bool("online", now))
	}
	return now && !was
}

// SelectChannel makes channelID current and clears its unread count.
func (n *Node) SelectChannel(channelID string) {
	n.mu.Lock()
	n.channel = channelID
	delete(n.unread, channelID)
	n.mu.Unlock()
}

// Channel returns the selected channel, if any.
func (n *Node) Channel() (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.channel, n.channel != ""
}

// Unread returns per-channel counts of lines received for channels other
// than the selected one.
func (n *Node) Unread() map[string]int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]int, len(n.unread))
	for k, v := range n.unread {
		out[k] = v
	}
	return out
}

// JoinChannel records membership with the tracker and selects the channel.
func (n *Node) JoinChannel(ctx context.Context, channelID string) error {
	m, ok := n.trk.(tracker.Membership)
	if !ok {
		return ErrNoMembership
	}
	if err := m.JoinChannel(ctx, channelID, n.id.UserID); err != nil {
		return fmt.Errorf("node: join %s: %w", channelID, err)
	}
	n.SelectChannel(channelID)
	return nil
}

// LeaveChannel removes membership and deselects the channel if current.
func (n *Node) LeaveChannel(ctx context.Context, channelID string) error {
	m, ok := n.trk.(tracker.Membership)
	if !ok {
		return ErrNoMembership
	}
	if err := m.LeaveChannel(ctx, channelID, n.id.UserID); err != nil {
		return fmt.Errorf("node: leave %s: %w", channelID, err)
	}
	n.mu.Lock()
	if n.channel == channelID {
		n.channel = ""
	}
	n.mu.Unlock()
	return nil
}

// StartStream starts hosting in the selected channel.
func (n *Node) StartStream(ctx context.Context) error {
	ch, ok := n.Channel()
	if !ok {
		return ErrNoChannel
	}
	return n.live.StartHosting(ctx, ch)
}

// ViewStream starts watching an announced stream.
func (n *Node) ViewStream(streamerID string) error {
	for _, s := range n.live.Streams() {
		if s.StreamerID == streamerID {
			return n.live.StartViewing(s.StreamerID, s.StreamerName)
		}
	}
	return ErrUnknownStream
}

// PeerInfo describes one live connection.
type PeerInfo struct {
	Addr        transport.PeerAddress
	UserID      string
	DisplayName string
}

// Peers lists live connections with whatever is known about their users.
func (n *Node) Peers() []PeerInfo {
	addrs := n.tr.ActiveAddresses().Sorted()
	out := make([]PeerInfo, 0, len(addrs))
	for _, a := range addrs {
		p := PeerInfo{Addr: a}
		if uid, ok := n.rec.Lookup(a); ok {
			p.UserID = uid
			p.DisplayName = n.DisplayName(uid)
		}
		out = append(out, p)
	}
	return out
}

// DisplayName returns the best known name for userID.
func (n *Node) DisplayName(userID string) string {
	if userID == "" {
		return "Unknown User"
	}
	n.mu.RLock()
	name, ok := n.names[userID]
	n.mu.RUnlock()
	if ok && name != "" {
		return name
	}
	return fallbackName(userID)
}

// Status summarizes the node for display.
type Status struct {
	UserID      string
	DisplayName string
	Listen      transport.PeerAddress
	Listening   bool
	AdvertiseIP string
	Online      bool
	Channel     string
	Peers       int
	LastRefresh time.Time
	RefreshErr  error
	Live        livestream.Status
}

func (n *Node) Status() Status {
	local, listening := n.tr.LocalAddress()
	last, at := n.rec.Last()
	ch, _ := n.Channel()
	return Status{
		UserID:      n.id.UserID,
		DisplayName: n.id.DisplayName,
		Listen:      local,
		Listening:   listening,
		AdvertiseIP: n.cfg.AdvertiseIP,
		Online:      n.Online(),
		Channel:     ch,
		Peers:       len(n.tr.ActiveAddresses()),
		LastRefresh: at,
		RefreshErr:  last.Err,
		Live:        n.live.Status(),
	}
}

func fallbackName(userID string) string {
	if len(userID) > 6 {
		userID = userID[:6]
	}
	return "User_" + userID
}

// advertiseFor picks the address to publish for a listen host: the host
// itself when it is a concrete address, otherwise the outbound interface.
func advertiseFor(host string, log *zap.Logger) string {
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		return host
	}
	ip, err := DetectLocalIP()
	if err != nil {
		log.Warn("no outbound interface, advertising loopback; remote peers cannot reach this node",
			zap.String("advertise_ip", ip), zap.Error(err))
	}
	return ip
}

// dialUDP is replaced in tests.
var dialUDP = net.Dial

// DetectLocalIP returns the IP of the interface used for outbound traffic.
// No packet is sent. On failure it returns 127.0.0.1 with the error.
func DetectLocalIP() (string, error) {
	c, err := dialUDP("udp", "8.8.8.8:1")
	if err != nil {
		return "127.0.0.1", err
	}
	defer c.Close()
	if ua, ok := c.LocalAddr().(*net.UDPAddr); ok {
		return ua.IP.String(), nil
	}
	return "127.0.0.1", fmt.Errorf("unexpected local address %v", c.LocalAddr())
}
