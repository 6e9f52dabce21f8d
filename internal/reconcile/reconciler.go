// Package reconcile keeps the transport's connection set in line with the
// tracker's list of active peers.
//
// Each run fetches the active peers, connects to the ones that are missing
// and disconnects the ones the tracker no longer lists. A connection that the
// local livestream depends on is kept even when the tracker drops the peer.
package reconcile

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTrungK22/Discord-P2P/internal/tracker"
	"github.com/QuangTrungK22/Discord-P2P/internal/transport"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultActiveWithin = 5
)

// RelayAwareness answers whether the local client currently depends on a
// connection staying open.
type RelayAwareness interface {
	// ViewingStreamer returns the user id of the streamer being watched.
	ViewingStreamer() (userID string, ok bool)
	// HostingChannel returns the channel the local client is streaming in.
	HostingChannel() (channelID string, ok bool)
}

// KeepReason says why a disconnect candidate was kept.
type KeepReason int

const (
	KeepViewing KeepReason = iota + 1
	KeepHostingMember
)

func (k KeepReason) String() string {
	switch k {
	case KeepViewing:
		return "viewing their stream"
	case KeepHostingMember:
		return "member of hosted channel"
	default:
		return "unknown"
	}
}

// Config wires a Reconciler.
type Config struct {
	Tracker   tracker.Tracker
	Transport transport.Transport
	// Relay may be nil, in which case no exceptions apply.
	Relay RelayAwareness

	LocalUserID         string
	ActiveWithinMinutes int
	Interval            time.Duration
	Logger              *zap.Logger

	// Gate, if set, is consulted by Run before each pass. Passes are
	// skipped while it returns false.
	Gate func() bool
}

// Snapshot is the set arithmetic computed by one run.
type Snapshot struct {
	Target     transport.AddressSet
	Current    transport.AddressSet
	ToConnect  transport.AddressSet
	Candidates transport.AddressSet
}

// ConnectOutcome is the result of one Connect issued by a run.
type ConnectOutcome struct {
	OK  bool
	Err error
}

// Result describes what one run did.
type Result struct {
	Snapshot
	Connects     map[transport.PeerAddress]ConnectOutcome
	Kept         map[transport.PeerAddress]KeepReason
	Disconnected []transport.PeerAddress
	// Err is set when the tracker fetch failed and the run was aborted.
	Err error
}

// Reconciler runs reconciliation on a ticker and on demand.
type Reconciler struct {
	cfg     Config
	log     *zap.Logger
	trigger chan struct{}

	runMu sync.Mutex // one run at a time

	mu        sync.RWMutex
	directory map[transport.PeerAddress]tracker.PeerRecord
	observed  map[transport.PeerAddress]string
	last      Result
	lastRun   time.Time
}

// New creates a Reconciler. Tracker and Transport are required.
func New(cfg Config) *Reconciler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ActiveWithinMinutes <= 0 {
		cfg.ActiveWithinMinutes = DefaultActiveWithin
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Reconciler{
		cfg:       cfg,
		log:       cfg.Logger.Named("reconcile"),
		trigger:   make(chan struct{}, 1),
		directory: make(map[transport.PeerAddress]tracker.PeerRecord),
		observed:  make(map[transport.PeerAddress]string),
	}
}

// Run reconciles every Interval and whenever Trigger is called, until ctx
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.log.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
		case <-r.trigger:
		}
		if r.cfg.Gate != nil && !r.cfg.Gate() {
			r.log.Debug("skipping pass, gate closed")
			continue
		}
		r.RunOnce(ctx)
	}
}

// Trigger asks Run for an immediate pass. Extra triggers while one is
// pending are coalesced.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Observe records the user id a peer announced on addr, so inbound
// connections can be matched to a user.
func (r *Reconciler) Observe(addr transport.PeerAddress, userID string) {
	if userID == "" {
		return
	}
	r.mu.Lock()
	r.observed[addr] = userID
	r.mu.Unlock()
}

// Forget drops what Observe learned about addr.
func (r *Reconciler) Forget(addr transport.PeerAddress) {
	r.mu.Lock()
	delete(r.observed, addr)
	r.mu.Unlock()
}

// Lookup resolves addr to the user id known for it, preferring the tracker's
// record over what the peer announced.
func (r *Reconciler) Lookup(addr transport.PeerAddress) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.directory[addr]; ok && rec.User() != "" {
		return rec.User(), true
	}
	u, ok := r.observed[addr]
	return u, ok
}

// Peers returns the records from the most recent successful fetch, self
// excluded.
func (r *Reconciler) Peers() []tracker.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tracker.PeerRecord, 0, len(r.last.Target))
	for _, addr := range r.last.Target.Sorted() {
		if rec, ok := r.directory[addr]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Last returns the most recent result and when it finished.
func (r *Reconciler) Last() (Result, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.lastRun
}

// RunOnce performs one reconciliation pass.
func (r *Reconciler) RunOnce(ctx context.Context) Result {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	res := r.run(ctx)

	r.mu.Lock()
	if res.Err == nil {
		r.last = res
	} else {
		r.last.Err = res.Err
	}
	r.lastRun = time.Now()
	r.mu.Unlock()
	return res
}

func (r *Reconciler) run(ctx context.Context) Result {
	records, err := r.cfg.Tracker.ListActivePeers(ctx, r.cfg.ActiveWithinMinutes)
	if err != nil {
		r.log.Warn("tracker fetch failed, leaving connections unchanged", zap.Error(err))
		return Result{Err: err}
	}

	target := transport.NewAddressSet()
	fetched := make(map[transport.PeerAddress]tracker.PeerRecord, len(records))
	for _, rec := range records {
		if r.cfg.LocalUserID != "" && rec.User() == r.cfg.LocalUserID {
			continue
		}
		if !rec.Reachable() {
			continue
		}
		addr := transport.PeerAddress{IP: rec.IP, Port: rec.Port}
		fetched[addr] = rec
		if r.cfg.Transport.IsLocal(addr) {
			continue
		}
		target.Add(addr)
	}

	current := r.cfg.Transport.ActiveAddresses()
	res := Result{
		Snapshot: Snapshot{
			Target:     target,
			Current:    current,
			ToConnect:  target.Minus(current),
			Candidates: current.Minus(target),
		},
		Connects: make(map[transport.PeerAddress]ConnectOutcome),
		Kept:     make(map[transport.PeerAddress]KeepReason),
	}
	r.refreshDirectory(fetched, target, current)

	var toDisconnect []transport.PeerAddress
	var members map[string]bool // resolved lazily, once per run
	for _, addr := range res.Candidates.Sorted() {
		userID, _ := r.Lookup(addr)
		reason := r.keep(ctx, userID, &members)
		if reason != 0 {
			res.Kept[addr] = reason
			r.log.Info("keeping connection", zap.Stringer("peer", addr), zap.String("user_id", userID), zap.Stringer("reason", reason))
			continue
		}
		toDisconnect = append(toDisconnect, addr)
	}

	if len(res.ToConnect) == 0 && len(toDisconnect) == 0 {
		r.log.Debug("no connection changes", zap.Int("peers", len(target)))
		return res
	}
	r.log.Info("reconciling",
		zap.Int("target", len(target)),
		zap.Int("current", len(current)),
		zap.Int("connect", len(res.ToConnect)),
		zap.Int("disconnect", len(toDisconnect)))

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, addr := range res.ToConnect.Sorted() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.cfg.Transport.Connect(ctx, addr)
			if err != nil {
				r.log.Warn("connect failed", zap.Stringer("peer", addr), zap.Error(err))
			}
			mu.Lock()
			res.Connects[addr] = ConnectOutcome{OK: ok, Err: err}
			mu.Unlock()
		}()
	}
	for _, addr := range toDisconnect {
		wg.Add(1)
		go func() {
			defer wg.Done()
			existed := r.cfg.Transport.Disconnect(addr)
			r.log.Info("disconnected stale peer", zap.Stringer("peer", addr), zap.Bool("existed", existed))
			r.Forget(addr)
		}()
	}
	wg.Wait()

	slices.SortFunc(toDisconnect, compareAddr)
	res.Disconnected = toDisconnect
	return res
}

// keep applies the relay exceptions in order. A candidate with no known user
// id is never kept.
func (r *Reconciler) keep(ctx context.Context, userID string, members *map[string]bool) KeepReason {
	if r.cfg.Relay == nil || userID == "" {
		return 0
	}
	if streamer, ok := r.cfg.Relay.ViewingStreamer(); ok && streamer == userID {
		return KeepViewing
	}
	channelID, ok := r.cfg.Relay.HostingChannel()
	if !ok {
		return 0
	}
	if *members == nil {
		*members = r.channelMembers(ctx, channelID)
	}
	if (*members)[userID] {
		return KeepHostingMember
	}
	return 0
}

// channelMembers never fails: a lookup error counts as "no members".
func (r *Reconciler) channelMembers(ctx context.Context, channelID string) map[string]bool {
	ids, err := r.cfg.Tracker.ChannelMembers(ctx, channelID)
	if err != nil {
		r.log.Warn("channel membership lookup failed", zap.String("channel_id", channelID), zap.Error(err))
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

// refreshDirectory merges the fetch into the address directory and drops
// entries that are neither wanted nor connected.
func (r *Reconciler) refreshDirectory(fetched map[transport.PeerAddress]tracker.PeerRecord, target, current transport.AddressSet) {
	// Greetings can arrive on connections opened after the snapshot.
	live := r.cfg.Transport.ActiveAddresses()
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, rec := range fetched {
		r.directory[addr] = rec
	}
	for addr := range r.directory {
		if !target.Has(addr) && !current.Has(addr) {
			delete(r.directory, addr)
		}
	}
	for addr := range r.observed {
		if !current.Has(addr) && !live.Has(addr) && !target.Has(addr) {
			delete(r.observed, addr)
		}
	}
}

func compareAddr(a, b transport.PeerAddress) int {
	if a.IP != b.IP {
		if a.IP < b.IP {
			return -1
		}
		return 1
	}
	return a.Port - b.Port
}
