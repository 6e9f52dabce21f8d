package tracker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Local is a Tracker backed directly by a Store in the same process.
type Local struct {
	store Store
	now   func() time.Time
	log   *zap.Logger
}

// NewLocal wraps store. A nil logger is replaced with a no-op logger.
func NewLocal(store Store, log *zap.Logger) *Local {
	if log == nil {
		log = zap.NewNop()
	}
	return &Local{store: store, now: time.Now, log: log.Named("tracker")}
}

// WithClock replaces the clock used for last_seen and the active filter.
func (l *Local) WithClock(now func() time.Time) *Local {
	l.now = now
	return l
}

func (l *Local) PublishSelf(ctx context.Context, userID *string, ip string, port int) (bool, error) {
	rec, err := l.store.UpsertPeer(ctx, PeerRecord{IP: ip, Port: port, UserID: userID, LastSeen: l.now().UTC()})
	if err != nil {
		return false, err
	}
	l.log.Debug("published", zap.String("addr", rec.Addr()), zap.String("user_id", rec.User()))
	return true, nil
}

func (l *Local) ListActivePeers(ctx context.Context, thresholdMinutes int) ([]PeerRecord, error) {
	since := l.now().Add(-time.Duration(thresholdMinutes) * time.Minute)
	return l.store.ListPeers(ctx, since)
}

func (l *Local) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	return l.store.ChannelMembers(ctx, channelID)
}

func (l *Local) JoinChannel(ctx context.Context, channelID, userID string) error {
	return l.store.AddMember(ctx, channelID, userID)
}

func (l *Local) LeaveChannel(ctx context.Context, channelID, userID string) error {
	return l.store.RemoveMember(ctx, channelID, userID)
}

// BackupMessage stores msg, stamped with the local clock when it has no
// creation time.
func (l *Local) BackupMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = l.now()
	}
	return l.store.AddMessage(ctx, msg)
}

func (l *Local) MessageBackups(ctx context.Context, channelID string, limit int) ([]MessageRecord, error) {
	return l.store.ListMessages(ctx, channelID, limit)
}

// Store returns the underlying store.
func (l *Local) Store() Store { return l.store }
