package console

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuangTrungK22/Discord-P2P/internal/identity"
	"github.com/QuangTrungK22/Discord-P2P/internal/node"
	"github.com/QuangTrungK22/Discord-P2P/internal/tracker"
	"github.com/QuangTrungK22/Discord-P2P/internal/transport"
)

func newNode(t *testing.T, trk tracker.Tracker, name string) *node.Node {
	t.Helper()
	id, err := identity.Generate(name)
	require.NoError(t, err)
	n, err := node.New(node.Config{
		Identity: id,
		Tracker:  trk,
		NewTransport: func(c transport.Config) transport.Transport {
			return transport.NewMemory(c)
		},
		ListenHost:           "127.0.0.1",
		AdvertiseIP:          "127.0.0.1",
		RefreshInterval:      time.Hour,
		PublishInterval:      time.Hour,
		NetworkCheckInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, n.Start(context.Background()))
	t.Cleanup(func() { n.Stop() }) //nolint:errcheck
	return n
}

func TestExecBasics(t *testing.T) {
	n := newNode(t, tracker.NewLocal(tracker.NewMemory(), nil), "Alice")
	c := New(n)
	ctx := context.Background()

	out, quit := c.Exec(ctx, "   ")
	assert.Empty(t, out)
	assert.False(t, quit)

	out, _ = c.Exec(ctx, "help")
	assert.Contains(t, out, "stream view")

	_, quit = c.Exec(ctx, "quit")
	assert.True(t, quit)

	out, _ = c.Exec(ctx, "hello there")
	assert.Contains(t, out, "no channel selected")
	out, _ = c.Exec(ctx, "history")
	assert.Contains(t, out, "no channel selected")

	out, _ = c.Exec(ctx, "channel general")
	assert.Contains(t, out, "#general")
	out, _ = c.Exec(ctx, "channel")
	assert.Contains(t, out, "current channel: #general")

	out, _ = c.Exec(ctx, "history")
	assert.Contains(t, out, "(no history)")

	out, _ = c.Exec(ctx, "hello there")
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "(no peers)")

	out, _ = c.Exec(ctx, "history 5")
	assert.Contains(t, out, "hello there")
	out, _ = c.Exec(ctx, "history zero")
	assert.Contains(t, out, "invalid line count")

	c.Exec(ctx, "channel random")
	out, _ = c.Exec(ctx, "channel general")
	assert.Contains(t, out, "switched to #general")
	assert.Contains(t, out, "hello there", "switching shows backed-up lines")

	out, _ = c.Exec(ctx, "status")
	assert.Contains(t, out, "Alice")
	assert.Contains(t, out, "online")

	out, _ = c.Exec(ctx, "stream bogus")
	assert.Contains(t, out, "unknown stream command")
}

func TestExecAgainstPeer(t *testing.T) {
	store := tracker.NewMemory()
	trk := tracker.NewLocal(store, nil)
	bob := newNode(t, trk, "Bob")
	alice := newNode(t, trk, "Alice")
	c := New(alice)
	ctx := context.Background()

	out, _ := c.Exec(ctx, "refresh")
	assert.Contains(t, out, "target 1")

	out, _ = c.Exec(ctx, "peers")
	bobAddr, _ := bob.Transport().LocalAddress()
	assert.Contains(t, out, bobAddr.String())

	out, _ = c.Exec(ctx, "join general")
	assert.Contains(t, out, "joined #general")
	members, err := store.ChannelMembers(ctx, "general")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	bob.SelectChannel("general")
	out, _ = c.Exec(ctx, "send hi bob")
	assert.NotContains(t, out, "failed")
	select {
	case got := <-bob.Messages():
		assert.Equal(t, "hi bob", got.Content)
	case <-time.After(time.Second):
		t.Fatal("bob got nothing")
	}

	out, _ = c.Exec(ctx, "stream start")
	assert.Contains(t, out, "streaming in #general")
	bc := New(bob)
	out, _ = bc.Exec(ctx, "stream list")
	assert.Contains(t, out, "Alice")
	out, _ = bc.Exec(ctx, "stream view "+alice.Status().UserID)
	assert.Contains(t, out, "watching Alice")
	out, _ = bc.Exec(ctx, "stream unview")
	assert.Contains(t, out, "stopped watching")

	out, _ = c.Exec(ctx, "stream stop")
	assert.Contains(t, out, "stream ended")
	out, _ = c.Exec(ctx, "stream stop")
	assert.Contains(t, out, "error")
}

func TestModelTypingRunsCommands(t *testing.T) {
	n := newNode(t, tracker.NewLocal(tracker.NewMemory(), nil), "Alice")
	var m tea.Model = NewModel(context.Background(), n)

	m, _ = m.Update(tea.WindowSizeMsg{Width: 80, Height: 20})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("channel")})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeySpace})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("generalx")})
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyBackspace})
	assert.Contains(t, m.View(), "> channel general")

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	view := m.View()
	assert.Contains(t, view, "switched to #general")
	assert.Contains(t, view, "#general")

	m, cmd := m.Update(chatMsg(node.Chat{SenderName: "Bob", ChannelID: "general", Content: "yo", Timestamp: time.Now()}))
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "yo")

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("quit")})
	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestPeerTable(t *testing.T) {
	assert.Contains(t, PeerTable(nil), "(none)")
	out := PeerTable([]tracker.PeerRecord{
		{IP: "10.0.0.2", Port: 5000, UserID: tracker.StrPtr("u-2"), LastSeen: time.Now()},
		{IP: "10.0.0.3", Port: 5001},
	})
	assert.Contains(t, out, "10.0.0.2:5000")
	assert.Contains(t, out, "u-2")
	assert.Contains(t, out, "10.0.0.3:5001")
}
