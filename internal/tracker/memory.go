package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Store. It is used by tests and by single-process
// setups that do not need persistence.
type Memory struct {
	mu      sync.Mutex
	peers   map[string]PeerRecord
	members map[string]map[string]struct{}
	msgs    map[string][]MessageRecord
	err     error
}

func NewMemory() *Memory {
	return &Memory{
		peers:   make(map[string]PeerRecord),
		members: make(map[string]map[string]struct{}),
		msgs:    make(map[string][]MessageRecord),
	}
}

// FailWith makes every subsequent call return err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) UpsertPeer(_ context.Context, rec PeerRecord) (PeerRecord, error) {
	if err := rec.validate(); err != nil {
		return PeerRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return PeerRecord{}, m.err
	}
	k := rec.key()
	if old, ok := m.peers[k]; ok && old.PeerID != nil {
		rec.PeerID = old.PeerID
	} else if rec.PeerID == nil {
		id := uuid.NewString()
		rec.PeerID = &id
	}
	m.peers[k] = rec
	return rec, nil
}

func (m *Memory) ListPeers(_ context.Context, since time.Time) ([]PeerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	all := make([]PeerRecord, 0, len(m.peers))
	for _, r := range m.peers {
		all = append(all, r)
	}
	sortRecords(all)
	return active(all, since), nil
}

func (m *Memory) ChannelMembers(_ context.Context, channelID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	set := m.members[channelID]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) AddMember(_ context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	set, ok := m.members[channelID]
	if !ok {
		set = make(map[string]struct{})
		m.members[channelID] = set
	}
	set[userID] = struct{}{}
	return nil
}

func (m *Memory) RemoveMember(_ context.Context, channelID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.members[channelID], userID)
	return nil
}

func (m *Memory) AddMessage(_ context.Context, msg MessageRecord) (MessageRecord, error) {
	if err := msg.validate(); err != nil {
		return MessageRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return MessageRecord{}, m.err
	}
	msg = msg.stamp()
	m.msgs[msg.ChannelID] = append(m.msgs[msg.ChannelID], msg)
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, channelID string, limit int) ([]MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := append([]MessageRecord(nil), m.msgs[channelID]...)
	return newestFirst(out, historyLimit(limit)), nil
}

func (m *Memory) Close() error { return nil }

func sortRecords(recs []PeerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].IP != recs[j].IP {
			return recs[i].IP < recs[j].IP
		}
		return recs[i].Port < recs[j].Port
	})
}
