package node

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/QuangTrungK22/Discord-P2P/internal/protocol"
	"github.com/QuangTrungK22/Discord-P2P/internal/seen"
	"github.com/QuangTrungK22/Discord-P2P/internal/tracker"
	"github.com/QuangTrungK22/Discord-P2P/internal/transport"
)

// dispatch is the transport's Dispatcher. It runs on the connection's read
// goroutine.
func (n *Node) dispatch(from transport.PeerAddress, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeLivestreamStart, protocol.TypeLivestreamEnd, protocol.TypeVideoFrame:
		n.live.Handle(from, msg)
		return
	}

	p, err := protocol.Parse(msg)
	if err != nil {
		n.log.Warn("bad payload", zap.Stringer("peer", from), zap.Error(err))
		return
	}
	switch v := p.(type) {
	case protocol.Greeting:
		n.handleGreeting(from, v)
	case protocol.ChatMessage:
		n.handleChat(from, v)
	default:
		n.log.Debug("unhandled message", zap.Stringer("peer", from), zap.String("type", string(msg.Type)))
	}
}

func (n *Node) handleGreeting(from transport.PeerAddress, g protocol.Greeting) {
	if g.UserID == "" {
		return
	}
	n.rec.Observe(from, g.UserID)
	if name := strings.TrimSpace(g.DisplayName); name != "" {
		n.mu.Lock()
		n.names[g.UserID] = name
		n.mu.Unlock()
	}
	n.log.Debug("greeting", zap.Stringer("peer", from), zap.String("peer_user", g.UserID))
}

func (n *Node) handleChat(from transport.PeerAddress, c protocol.ChatMessage) {
	if c.SenderID == "" || c.ChannelID == "" {
		n.log.Warn("chat without sender or channel", zap.Stringer("peer", from))
		return
	}
	if c.SenderID == n.id.UserID {
		return
	}
	// A peer can be connected to us both ways and deliver the same line twice.
	if !n.seen.Add(chatKey(c)) {
		return
	}

	n.mu.Lock()
	current := n.channel == c.ChannelID
	if !current {
		n.unread[c.ChannelID]++
	}
	n.mu.Unlock()
	if !current {
		return
	}

	ts, err := time.Parse(time.RFC3339Nano, c.TimestampISO)
	if err != nil {
		n.log.Debug("bad chat timestamp", zap.String("timestamp", c.TimestampISO))
		ts = time.Now().UTC()
	}
	chat := Chat{
		From:       from,
		SenderID:   c.SenderID,
		SenderName: n.DisplayName(c.SenderID),
		ChannelID:  c.ChannelID,
		Content:    c.Content,
		Timestamp:  ts,
	}
	select {
	case n.messages <- chat:
	default:
		n.log.Warn("message queue full, dropping chat", zap.String("channel", c.ChannelID))
	}
}

// SendChat broadcasts one chat line to every connected peer and returns the
// per-peer outcome. Failed peers are not an error.
func (n *Node) SendChat(ctx context.Context, channelID, content string) (Chat, map[transport.PeerAddress]error, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Chat{}, nil, ErrEmptyMessage
	}
	if channelID == "" {
		return Chat{}, nil, ErrNoChannel
	}

	now := time.Now().UTC()
	c := protocol.ChatMessage{
		SenderID:     n.id.UserID,
		ChannelID:    channelID,
		Content:      content,
		TimestampISO: now.Format(time.RFC3339Nano),
	}
	msg, err := protocol.Build(c)
	if err != nil {
		return Chat{}, nil, err
	}
	n.seen.Add(chatKey(c))

	outcome := n.tr.Broadcast(ctx, msg, nil)
	for addr, err := range outcome {
		if err != nil {
			n.log.Warn("chat not delivered", zap.Stringer("peer", addr), zap.Error(err))
		}
	}
	n.backup(ctx, channelID, content, now)
	return Chat{
		SenderID:   n.id.UserID,
		SenderName: n.id.DisplayName,
		ChannelID:  channelID,
		Content:    content,
		Timestamp:  now,
	}, outcome, nil
}

// backup copies a sent line to the tracker when it keeps backups. Failure
// does not fail the send.
func (n *Node) backup(ctx context.Context, channelID, content string, at time.Time) {
	b, ok := n.trk.(tracker.Backup)
	if !ok {
		return
	}
	_, err := b.BackupMessage(ctx, tracker.MessageRecord{
		ChannelID: channelID,
		UserID:    n.id.UserID,
		Content:   content,
		CreatedAt: at,
	})
	if err != nil {
		n.log.Warn("message backup failed", zap.String("channel", channelID), zap.Error(err))
	}
}

// History returns up to limit backed-up lines of channelID, oldest first.
func (n *Node) History(ctx context.Context, channelID string, limit int) ([]Chat, error) {
	if channelID == "" {
		return nil, ErrNoChannel
	}
	b, ok := n.trk.(tracker.Backup)
	if !ok {
		return nil, ErrNoBackup
	}
	recs, err := b.MessageBackups(ctx, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("node: history %s: %w", channelID, err)
	}
	out := make([]Chat, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		r := recs[i]
		name := n.DisplayName(r.UserID)
		if r.UserID == n.id.UserID {
			name = n.id.DisplayName
		}
		out = append(out, Chat{
			SenderID:   r.UserID,
			SenderName: name,
			ChannelID:  r.ChannelID,
			Content:    r.Content,
			Timestamp:  r.CreatedAt,
		})
	}
	return out, nil
}

func chatKey(c protocol.ChatMessage) seen.Key {
	return seen.KeyOf(c.SenderID, c.ChannelID, c.TimestampISO, c.Content)
}
