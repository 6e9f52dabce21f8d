package tracker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPeers   = []byte("peers")
	bucketMembers  = []byte("channel_members")
	bucketMessages = []byte("messages")
)

// BoltStore is a persistent Store backed by bbolt. Peers live in one bucket
// keyed by their upsert identity; each channel gets a nested bucket of user
// ids and another of backed-up messages keyed by creation time.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) tracker.db inside dir.
func OpenBolt(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("tracker: bolt dir: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dir, "tracker.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("tracker: bolt open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketPeers, bucketMembers, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("tracker: bolt init: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) UpsertPeer(_ context.Context, rec PeerRecord) (PeerRecord, error) {
	if err := rec.validate(); err != nil {
		return PeerRecord{}, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketPeers)
		key := []byte(rec.key())

		// Keep the peer id assigned on first publish.
		if existing := bkt.Get(key); existing != nil {
			var old PeerRecord
			if json.Unmarshal(existing, &old) == nil && old.PeerID != nil {
				rec.PeerID = old.PeerID
			}
		}
		if rec.PeerID == nil {
			id := uuid.NewString()
			rec.PeerID = &id
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bkt.Put(key, data)
	})
	if err != nil {
		return PeerRecord{}, fmt.Errorf("tracker: bolt upsert: %w", err)
	}
	return rec, nil
}

func (s *BoltStore) ListPeers(_ context.Context, since time.Time) ([]PeerRecord, error) {
	var out []PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var r PeerRecord
			if json.Unmarshal(v, &r) == nil && !r.LastSeen.Before(since) {
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: bolt list: %w", err)
	}
	sortRecords(out)
	return out, nil
}

func (s *BoltStore) ChannelMembers(_ context.Context, channelID string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		ch := tx.Bucket(bucketMembers).Bucket([]byte(channelID))
		if ch == nil {
			return nil
		}
		return ch.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: bolt members: %w", err)
	}
	return out, nil
}

func (s *BoltStore) AddMember(_ context.Context, channelID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ch, err := tx.Bucket(bucketMembers).CreateBucketIfNotExists([]byte(channelID))
		if err != nil {
			return fmt.Errorf("tracker: bolt channel %q: %w", channelID, err)
		}
		return ch.Put([]byte(userID), []byte(time.Now().UTC().Format(time.RFC3339)))
	})
}

func (s *BoltStore) RemoveMember(_ context.Context, channelID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ch := tx.Bucket(bucketMembers).Bucket([]byte(channelID))
		if ch == nil {
			return nil
		}
		return ch.Delete([]byte(userID))
	})
}

func (s *BoltStore) AddMessage(_ context.Context, msg MessageRecord) (MessageRecord, error) {
	if err := msg.validate(); err != nil {
		return MessageRecord{}, err
	}
	msg = msg.stamp()
	err := s.db.Update(func(tx *bolt.Tx) error {
		ch, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ChannelID))
		if err != nil {
			return err
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return ch.Put(messageKey(msg), data)
	})
	if err != nil {
		return MessageRecord{}, fmt.Errorf("tracker: bolt add message: %w", err)
	}
	return msg, nil
}

func (s *BoltStore) ListMessages(_ context.Context, channelID string, limit int) ([]MessageRecord, error) {
	limit = historyLimit(limit)
	var out []MessageRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		ch := tx.Bucket(bucketMessages).Bucket([]byte(channelID))
		if ch == nil {
			return nil
		}
		c := ch.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var m MessageRecord
			if json.Unmarshal(v, &m) == nil {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: bolt list messages: %w", err)
	}
	return out, nil
}

// messageKey sorts by creation time, then id.
func messageKey(m MessageRecord) []byte {
	k := make([]byte, 8, 8+len(m.ID))
	binary.BigEndian.PutUint64(k, uint64(m.CreatedAt.UnixNano()))
	return append(k, m.ID...)
}
