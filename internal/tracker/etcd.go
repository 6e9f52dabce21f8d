package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Key-space. Peer keys carry a lease so stale publishers eventually vanish
// even if nobody filters by last_seen.
const (
	etcdPrefix   = "/segchat/v1"
	peerLeaseTTL = int64(2 * DefaultActiveWithin / time.Second)
)

func etcdPeerKey(k string) string { return fmt.Sprintf("%s/peers/%s", etcdPrefix, k) }

func etcdChannelPrefix(channelID string) string {
	return fmt.Sprintf("%s/channels/%s/members/", etcdPrefix, channelID)
}

func etcdMessagePrefix(channelID string) string {
	return fmt.Sprintf("%s/channels/%s/messages/", etcdPrefix, channelID)
}

// etcdMessageKey sorts lexically by creation time.
func etcdMessageKey(m MessageRecord) string {
	return fmt.Sprintf("%s%020d-%s", etcdMessagePrefix(m.ChannelID), m.CreatedAt.UnixNano(), m.ID)
}

// EtcdStore is a Store backed by an etcd cluster, for trackers that run
// as several replicas.
type EtcdStore struct {
	client *clientv3.Client
}

// OpenEtcd dials the cluster at endpoints. The caller must call Close.
func OpenEtcd(endpoints []string) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("tracker: etcd dial: %w", err)
	}
	return &EtcdStore{client: client}, nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func (s *EtcdStore) UpsertPeer(ctx context.Context, rec PeerRecord) (PeerRecord, error) {
	if err := rec.validate(); err != nil {
		return PeerRecord{}, err
	}
	k := etcdPeerKey(rec.key())

	var old PeerRecord
	found, err := etcdGet(ctx, s.client, k, &old)
	if err != nil {
		return PeerRecord{}, err
	}
	if found && old.PeerID != nil {
		rec.PeerID = old.PeerID
	} else if rec.PeerID == nil {
		id := uuid.NewString()
		rec.PeerID = &id
	}

	lease, err := s.client.Grant(ctx, peerLeaseTTL)
	if err != nil {
		return PeerRecord{}, fmt.Errorf("tracker: etcd lease: %w", err)
	}
	if err := etcdPut(ctx, s.client, k, rec, clientv3.WithLease(lease.ID)); err != nil {
		return PeerRecord{}, err
	}
	return rec, nil
}

func (s *EtcdStore) ListPeers(ctx context.Context, since time.Time) ([]PeerRecord, error) {
	all, err := etcdList[PeerRecord](ctx, s.client, etcdPrefix+"/peers/")
	if err != nil {
		return nil, err
	}
	out := active(all, since)
	sortRecords(out)
	return out, nil
}

func (s *EtcdStore) ChannelMembers(ctx context.Context, channelID string) ([]string, error) {
	pfx := etcdChannelPrefix(channelID)
	resp, err := s.client.Get(ctx, pfx, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("tracker: etcd members %q: %w", channelID, err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, strings.TrimPrefix(string(kv.Key), pfx))
	}
	sort.Strings(out)
	return out, nil
}

func (s *EtcdStore) AddMember(ctx context.Context, channelID, userID string) error {
	if _, err := s.client.Put(ctx, etcdChannelPrefix(channelID)+userID, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("tracker: etcd add member: %w", err)
	}
	return nil
}

func (s *EtcdStore) RemoveMember(ctx context.Context, channelID, userID string) error {
	if _, err := s.client.Delete(ctx, etcdChannelPrefix(channelID)+userID); err != nil {
		return fmt.Errorf("tracker: etcd remove member: %w", err)
	}
	return nil
}

func (s *EtcdStore) AddMessage(ctx context.Context, msg MessageRecord) (MessageRecord, error) {
	if err := msg.validate(); err != nil {
		return MessageRecord{}, err
	}
	msg = msg.stamp()
	if err := etcdPut(ctx, s.client, etcdMessageKey(msg), msg); err != nil {
		return MessageRecord{}, err
	}
	return msg, nil
}

func (s *EtcdStore) ListMessages(ctx context.Context, channelID string, limit int) ([]MessageRecord, error) {
	pfx := etcdMessagePrefix(channelID)
	resp, err := s.client.Get(ctx, pfx,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
		clientv3.WithLimit(int64(historyLimit(limit))))
	if err != nil {
		return nil, fmt.Errorf("tracker: etcd messages %q: %w", channelID, err)
	}
	out := make([]MessageRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var m MessageRecord
		if err := json.Unmarshal(kv.Value, &m); err != nil {
			return nil, fmt.Errorf("tracker: unmarshal %q: %w", string(kv.Key), err)
		}
		out = append(out, m)
	}
	return out, nil
}

func etcdPut(ctx context.Context, client *clientv3.Client, k string, v any, opts ...clientv3.OpOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tracker: marshal: %w", err)
	}
	if _, err := client.Put(ctx, k, string(data), opts...); err != nil {
		return fmt.Errorf("tracker: etcd put %q: %w", k, err)
	}
	return nil
}

// etcdGet decodes the value at k into v. Returns (false, nil) if k is absent.
func etcdGet(ctx context.Context, client *clientv3.Client, k string, v any) (bool, error) {
	resp, err := client.Get(ctx, k)
	if err != nil {
		return false, fmt.Errorf("tracker: etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, v); err != nil {
		return false, fmt.Errorf("tracker: unmarshal %q: %w", k, err)
	}
	return true, nil
}

func etcdList[T any](ctx context.Context, client *clientv3.Client, pfx string) ([]T, error) {
	resp, err := client.Get(ctx, pfx, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("tracker: etcd list %q: %w", pfx, err)
	}
	out := make([]T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var item T
		if err := json.Unmarshal(kv.Value, &item); err != nil {
			return nil, fmt.Errorf("tracker: unmarshal %q: %w", string(kv.Key), err)
		}
		out = append(out, item)
	}
	return out, nil
}
