package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS peers (
	peer_key   TEXT PRIMARY KEY,
	peer_id    UUID NOT NULL DEFAULT gen_random_uuid(),
	user_id    TEXT UNIQUE,
	ip_address TEXT NOT NULL,
	port       INTEGER NOT NULL,
	last_seen  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS peers_last_seen_idx ON peers (last_seen);
CREATE TABLE IF NOT EXISTS channel_members (
	channel_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (channel_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
	id         UUID PRIMARY KEY,
	channel_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS messages_channel_created_idx ON messages (channel_id, created_at DESC);`

// PostgresStore is a Store backed by PostgreSQL.
type PostgresStore struct {
	pool *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and creates the
// tables if they do not exist.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("tracker: postgres open: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tracker: postgres ping: %w", err)
	}
	if _, err := pool.ExecContext(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("tracker: postgres migrate: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	return s.pool.Close()
}

func (s *PostgresStore) UpsertPeer(ctx context.Context, rec PeerRecord) (PeerRecord, error) {
	if err := rec.validate(); err != nil {
		return PeerRecord{}, err
	}
	var peerID string
	err := s.pool.QueryRowContext(ctx, `
		INSERT INTO peers (peer_key, user_id, ip_address, port, last_seen)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (peer_key) DO UPDATE
		SET ip_address = EXCLUDED.ip_address, port = EXCLUDED.port, last_seen = EXCLUDED.last_seen
		RETURNING peer_id`,
		rec.key(), rec.UserID, rec.IP, rec.Port, rec.LastSeen,
	).Scan(&peerID)
	if err != nil {
		return PeerRecord{}, fmt.Errorf("tracker: postgres upsert: %w", err)
	}
	rec.PeerID = &peerID
	return rec, nil
}

func (s *PostgresStore) ListPeers(ctx context.Context, since time.Time) ([]PeerRecord, error) {
	rows, err := s.pool.QueryContext(ctx, `
		SELECT peer_id, user_id, ip_address, port, last_seen
		FROM peers WHERE last_seen >= $1
		ORDER BY ip_address, port`, since)
	if err != nil {
		return nil, fmt.Errorf("tracker: postgres list: %w", err)
	}
	defer rows.Close()

	var out []PeerRecord
	for rows.Next() {
		var (
			r      PeerRecord
			peerID string
			userID sql.NullString
		)
		if err := rows.Scan(&peerID, &userID, &r.IP, &r.Port, &r.LastSeen); err != nil {
			return nil, fmt.Errorf("tracker: postgres scan: %w", err)
		}
		r.PeerID = &peerID
		if userID.Valid {
			r.UserID = &userID.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT user_id FROM channel_members WHERE channel_id = $1 ORDER BY user_id`, channelID)
	if err != nil {
		return nil, fmt.Errorf("tracker: postgres members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("tracker: postgres scan: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddMember(ctx context.Context, channelID, userID string) error {
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		channelID, userID)
	if err != nil {
		return fmt.Errorf("tracker: postgres add member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveMember(ctx context.Context, channelID, userID string) error {
	_, err := s.pool.ExecContext(ctx,
		`DELETE FROM channel_members WHERE channel_id = $1 AND user_id = $2`, channelID, userID)
	if err != nil {
		return fmt.Errorf("tracker: postgres remove member: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error) {
	if err := msg.validate(); err != nil {
		return MessageRecord{}, err
	}
	msg = msg.stamp()
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO messages (id, channel_id, user_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ChannelID, msg.UserID, msg.Content, msg.CreatedAt)
	if err != nil {
		return MessageRecord{}, fmt.Errorf("tracker: postgres add message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, channelID string, limit int) ([]MessageRecord, error) {
	rows, err := s.pool.QueryContext(ctx, `
		SELECT id, channel_id, user_id, content, created_at
		FROM messages WHERE channel_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, channelID, historyLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("tracker: postgres messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("tracker: postgres scan: %w", err)
		}
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}
