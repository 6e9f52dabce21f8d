package tracker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Memory, *Server, *Client) {
	t.Helper()
	store := NewMemory()
	srv := NewServer(store, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return store, srv, NewClient(ts.URL, ts.Client())
}

func TestClientServerRoundTrip(t *testing.T) {
	_, _, c := newTestServer(t)
	ctx := context.Background()

	ok, err := c.PublishSelf(ctx, StrPtr("alice"), "10.0.0.1", 9000)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.PublishSelf(ctx, nil, "10.0.0.2", 9001)
	require.NoError(t, err)
	assert.True(t, ok)

	recs, err := c.ListActivePeers(ctx, 5)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "alice", recs[0].User())
	assert.NotNil(t, recs[0].PeerID)
	assert.Nil(t, recs[1].UserID)

	require.NoError(t, c.JoinChannel(ctx, "general", "alice"))
	require.NoError(t, c.JoinChannel(ctx, "general", "bob"))
	members, err := c.ChannelMembers(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, c.LeaveChannel(ctx, "general", "bob"))
	members, err = c.ChannelMembers(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)

	members, err = c.ChannelMembers(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestServerActiveFilter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemory()
	srv := NewServer(store, nil)
	srv.now = func() time.Time { return now }
	ts := httptest.NewServer(srv)
	defer ts.Close()
	c := NewClient(ts.URL, ts.Client())

	_, err := store.UpsertPeer(context.Background(), PeerRecord{IP: "10.0.0.1", Port: 1, LastSeen: now.Add(-10 * time.Minute)})
	require.NoError(t, err)
	_, err = store.UpsertPeer(context.Background(), PeerRecord{IP: "10.0.0.2", Port: 1, LastSeen: now.Add(-time.Minute)})
	require.NoError(t, err)

	recs, err := c.ListActivePeers(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "10.0.0.2", recs[0].IP)

	recs, err = c.ListActivePeers(context.Background(), 15)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestServerFillsObservedIP(t *testing.T) {
	store, _, c := newTestServer(t)
	_, err := c.PublishSelf(context.Background(), StrPtr("alice"), "", 9000)
	require.NoError(t, err)

	recs, err := store.ListPeers(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "127.0.0.1", recs[0].IP)
}

func TestServerErrors(t *testing.T) {
	store, _, c := newTestServer(t)
	ctx := context.Background()

	_, err := c.PublishSelf(ctx, nil, "10.0.0.1", 0)
	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusBadRequest, he.Status)

	store.FailWith(errors.New("disk on fire"))
	_, err = c.ListActivePeers(ctx, 5)
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.Status)
	assert.Contains(t, he.Body, "disk on fire")
}

func TestServerBadQuery(t *testing.T) {
	_, srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/peers?active_within=soon", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(url, nil).ListActivePeers(context.Background(), 5)
	assert.Error(t, err)
}

func TestLocalTracker(t *testing.T) {
	store := NewMemory()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocal(store, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	ok, err := l.PublishSelf(ctx, StrPtr("alice"), "10.0.0.1", 9000)
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(4 * time.Minute)
	recs, err := l.ListActivePeers(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	now = now.Add(2 * time.Minute)
	recs, err = l.ListActivePeers(ctx, 5)
	require.NoError(t, err)
	assert.Empty(t, recs)

	store.FailWith(errors.New("down"))
	ok, err = l.PublishSelf(ctx, nil, "10.0.0.1", 9000)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestClientServerMessageBackups(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	_, srv, c := newTestServer(t)
	srv.now = func() time.Time { return now }
	ctx := context.Background()

	m, err := c.BackupMessage(ctx, MessageRecord{ChannelID: "general", UserID: "alice", Content: "stamped by server"})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.True(t, now.Equal(m.CreatedAt))

	_, err = c.BackupMessage(ctx, MessageRecord{ChannelID: "general", UserID: "bob", Content: "later", CreatedAt: now.Add(time.Minute)})
	require.NoError(t, err)

	msgs, err := c.MessageBackups(ctx, "general", 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "later", msgs[0].Content)

	msgs, err = c.MessageBackups(ctx, "general", 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = c.MessageBackups(ctx, "quiet", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = c.BackupMessage(ctx, MessageRecord{ChannelID: "general", UserID: "alice"})
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusBadRequest, he.Status)
}
