package livestream

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuangTrungK22/Discord-P2P/internal/protocol"
	"github.com/QuangTrungK22/Discord-P2P/internal/transport"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, msg protocol.Message, _ *transport.PeerAddress) map[transport.PeerAddress]error {
	b.mu.Lock()
	b.msgs = append(b.msgs, msg)
	b.mu.Unlock()
	return nil
}

func (b *recordingBroadcaster) types() []protocol.Type {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Type, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.Type)
	}
	return out
}

var peer = transport.PeerAddress{IP: "10.0.0.2", Port: 5000}

func TestHostingLifecycle(t *testing.T) {
	b := &recordingBroadcaster{}
	var ended []string
	s := New(Config{UserID: "me", DisplayName: "Me", Transport: b, OnEnded: func(id string) { ended = append(ended, id) }})
	ctx := context.Background()

	_, err := s.PublishFrame(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrNotHosting)

	require.NoError(t, s.StartHosting(ctx, "c1"))
	assert.ErrorIs(t, s.StartHosting(ctx, "c1"), ErrAlreadyHosting)
	ch, ok := s.HostingChannel()
	assert.True(t, ok)
	assert.Equal(t, "c1", ch)

	id, err := s.PublishFrame(ctx, []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
	id, err = s.PublishFrame(ctx, []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
	_, err = s.PublishFrame(ctx, nil)
	assert.ErrorIs(t, err, ErrEmptyFrame)

	require.NoError(t, s.StopHosting(ctx, true))
	assert.ErrorIs(t, s.StopHosting(ctx, true), ErrNotHosting)
	_, ok = s.HostingChannel()
	assert.False(t, ok)

	assert.Equal(t, []protocol.Type{
		protocol.TypeLivestreamStart, protocol.TypeVideoFrame, protocol.TypeVideoFrame, protocol.TypeLivestreamEnd,
	}, b.types())
	assert.Equal(t, []string{"me"}, ended)

	frame, err := protocol.Parse(b.msgs[2])
	require.NoError(t, err)
	vf := frame.(protocol.VideoFrame)
	assert.Equal(t, "me", vf.StreamerID)
	require.NotNil(t, vf.FrameID)
	assert.Equal(t, int64(2), *vf.FrameID)
}

func TestStopHostingWithoutNotify(t *testing.T) {
	b := &recordingBroadcaster{}
	s := New(Config{UserID: "me", Transport: b})
	require.NoError(t, s.StartHosting(context.Background(), "c1"))
	require.NoError(t, s.StopHosting(context.Background(), false))
	assert.Equal(t, []protocol.Type{protocol.TypeLivestreamStart}, b.types())
}

func TestHostAndViewAreExclusive(t *testing.T) {
	s := New(Config{UserID: "me", Transport: &recordingBroadcaster{}})
	require.NoError(t, s.StartViewing("u2", "Two"))
	assert.ErrorIs(t, s.StartHosting(context.Background(), "c1"), ErrViewing)

	assert.True(t, s.StopViewing())
	assert.False(t, s.StopViewing())
	require.NoError(t, s.StartHosting(context.Background(), "c1"))
	assert.ErrorIs(t, s.StartViewing("u2", "Two"), ErrHosting)
	assert.ErrorIs(t, s.StartHosting(context.Background(), ""), ErrNoChannel)
}

func TestViewingReceivesOnlyChosenStream(t *testing.T) {
	type got struct {
		streamer string
		id       int64
		frame    string
	}
	var frames []got
	s := New(Config{UserID: "me", OnFrame: func(streamer string, id *int64, frame []byte) {
		frames = append(frames, got{streamer, *id, string(frame)})
	}})
	one, two := int64(1), int64(2)

	s.Handle(peer, protocol.MustBuild(protocol.NewVideoFrame("u2", []byte("early"), &one)))
	require.NoError(t, s.StartViewing("u2", ""))
	s.Handle(peer, protocol.MustBuild(protocol.NewVideoFrame("u2", []byte("a"), &one)))
	s.Handle(peer, protocol.MustBuild(protocol.NewVideoFrame("u3", []byte("other"), &one)))
	s.Handle(peer, protocol.MustBuild(protocol.NewVideoFrame("me", []byte("echo"), &one)))
	s.Handle(peer, protocol.MustBuild(protocol.NewVideoFrame("u2", []byte("b"), &two)))

	assert.Equal(t, []got{{"u2", 1, "a"}, {"u2", 2, "b"}}, frames)
	assert.Equal(t, int64(2), s.Status().FramesReceived)

	// Switching streams.
	require.NoError(t, s.StartViewing("u3", ""))
	v, ok := s.ViewingStreamer()
	assert.True(t, ok)
	assert.Equal(t, "u3", v)
}

func TestAnnouncementsAndEnd(t *testing.T) {
	var started []Stream
	var ended []string
	s := New(Config{
		UserID:    "me",
		OnStarted: func(st Stream) { started = append(started, st) },
		OnEnded:   func(id string) { ended = append(ended, id) },
	})

	s.Handle(peer, protocol.MustBuild(protocol.LivestreamStart{StreamerID: "me", StreamerName: "Me"}))
	s.Handle(peer, protocol.MustBuild(protocol.LivestreamStart{StreamerID: "u2", StreamerName: "Two"}))
	s.Handle(peer, protocol.MustBuild(protocol.LivestreamStart{StreamerID: "u3abcdefgh"}))
	require.Len(t, started, 2)
	assert.Equal(t, "User_u3abcd", started[1].StreamerName)
	assert.Len(t, s.Streams(), 2)

	require.NoError(t, s.StartViewing("u2", ""))
	st := s.Status()
	require.NotNil(t, st.Viewing)
	assert.Equal(t, "Two", st.Viewing.StreamerName)

	s.Handle(peer, protocol.MustBuild(protocol.LivestreamEnd{StreamerID: "u2"}))
	_, viewing := s.ViewingStreamer()
	assert.False(t, viewing)
	assert.Equal(t, []string{"u2"}, ended)

	s.Handle(peer, protocol.MustBuild(protocol.LivestreamEnd{StreamerID: "nobody"}))
	assert.Equal(t, []string{"u2"}, ended)
	assert.Equal(t, []Stream{{StreamerID: "u3abcdefgh", StreamerName: "User_u3abcd"}}, s.Streams())
}

func TestHandleIgnoresMalformedAndOtherTypes(t *testing.T) {
	s := New(Config{UserID: "me"})
	s.Handle(peer, protocol.NewMessage(protocol.TypeVideoFrame, map[string]any{"streamer_id": 42}))
	s.Handle(peer, protocol.NewMessage(protocol.TypeChatMessage, map[string]any{"content": "hi"}))
	assert.Empty(t, s.Streams())
}
