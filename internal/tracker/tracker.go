// Package tracker is the rendezvous directory peers publish themselves to
// and read the active peer list from. It also answers channel membership
// queries and keeps a backup of chat lines per channel.
//
// A Tracker is what a node talks to. A Store is the persistence behind it:
// Local adapts any Store into a Tracker in-process, and Server exposes a
// Store over HTTP for Client to reach.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// DefaultActiveWithin is how recently a peer must have published to be
// listed as active.
const DefaultActiveWithin = 5 * time.Minute

// History page sizes.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

var (
	// ErrInvalidRecord is returned when a published address is unusable.
	ErrInvalidRecord = errors.New("tracker: invalid peer record")

	// ErrInvalidMessage is returned when a backup lacks a channel, a
	// sender or content.
	ErrInvalidMessage = errors.New("tracker: invalid message backup")
)

// Tracker is the client-side view of the rendezvous directory.
type Tracker interface {
	// PublishSelf upserts this node's reachable address. A nil userID
	// publishes anonymously, keyed by address.
	PublishSelf(ctx context.Context, userID *string, ip string, port int) (bool, error)

	// ListActivePeers returns peers seen within the last thresholdMinutes.
	ListActivePeers(ctx context.Context, thresholdMinutes int) ([]PeerRecord, error)

	// ChannelMembers returns the user ids that belong to channelID. An
	// unknown channel has no members.
	ChannelMembers(ctx context.Context, channelID string) ([]string, error)
}

// Membership is implemented by trackers that can change channel
// membership.
type Membership interface {
	JoinChannel(ctx context.Context, channelID, userID string) error
	LeaveChannel(ctx context.Context, channelID, userID string) error
}

// Backup is implemented by trackers that keep a server-side copy of chat
// lines.
type Backup interface {
	// BackupMessage stores msg. The tracker assigns the id, and the
	// creation time when msg has none.
	BackupMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error)

	// MessageBackups returns up to limit lines of channelID, newest first.
	// limit <= 0 means DefaultHistoryLimit.
	MessageBackups(ctx context.Context, channelID string, limit int) ([]MessageRecord, error)
}

// Store persists peer records, channel membership and message backups.
type Store interface {
	UpsertPeer(ctx context.Context, rec PeerRecord) (PeerRecord, error)
	ListPeers(ctx context.Context, since time.Time) ([]PeerRecord, error)
	ChannelMembers(ctx context.Context, channelID string) ([]string, error)
	AddMember(ctx context.Context, channelID, userID string) error
	RemoveMember(ctx context.Context, channelID, userID string) error
	AddMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error)
	ListMessages(ctx context.Context, channelID string, limit int) ([]MessageRecord, error)
	Close() error
}

// MessageRecord is one backed-up chat line.
type MessageRecord struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (m MessageRecord) validate() error {
	if m.ChannelID == "" || m.UserID == "" || m.Content == "" {
		return fmt.Errorf("%w: channel %q user %q", ErrInvalidMessage, m.ChannelID, m.UserID)
	}
	return nil
}

// stamp fills in the id and creation time a store assigns.
func (m MessageRecord) stamp() MessageRecord {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m
}

func historyLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultHistoryLimit
	case n > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return n
}

// newestFirst orders backups by creation time, newest first, and trims to limit.
func newestFirst(msgs []MessageRecord, limit int) []MessageRecord {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
		}
		return msgs[i].ID > msgs[j].ID
	})
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs
}

// PeerRecord is the tracker's view of one peer.
type PeerRecord struct {
	IP       string    `json:"ip_address"`
	Port     int       `json:"port"`
	UserID   *string   `json:"user_id,omitempty"`
	PeerID   *string   `json:"peer_id,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// Addr returns the record's "ip:port".
func (r PeerRecord) Addr() string {
	return net.JoinHostPort(r.IP, strconv.Itoa(r.Port))
}

// Reachable reports whether the record carries a usable address.
func (r PeerRecord) Reachable() bool {
	return r.IP != "" && r.Port > 0
}

// User returns the user id, or "" for anonymous records.
func (r PeerRecord) User() string {
	if r.UserID == nil {
		return ""
	}
	return *r.UserID
}

// key is the upsert identity: the user id when present, otherwise the address.
func (r PeerRecord) key() string {
	if r.UserID != nil && *r.UserID != "" {
		return "user:" + *r.UserID
	}
	return "addr:" + r.Addr()
}

func (r PeerRecord) validate() error {
	if !r.Reachable() || r.Port > 65535 {
		return fmt.Errorf("%w: %q", ErrInvalidRecord, r.Addr())
	}
	return nil
}

func active(recs []PeerRecord, since time.Time) []PeerRecord {
	out := make([]PeerRecord, 0, len(recs))
	for _, r := range recs {
		if !r.LastSeen.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// StrPtr returns a pointer to s, or nil for "".
func StrPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
