package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuangTrungK22/Discord-P2P/internal/protocol"
)

func TestMemoryConnectAndSend(t *testing.T) {
	bobIn := newCollector()
	alice := NewMemory(Config{UserID: "alice", DisplayName: "Alice"})
	bob := NewMemory(Config{Dispatcher: bobIn})
	defer alice.Stop() //nolint:errcheck
	defer bob.Stop()   //nolint:errcheck

	_, _, err := alice.Listen("10.9.0.1", 0)
	require.NoError(t, err)
	host, port, err := bob.Listen("10.9.0.2", 0)
	require.NoError(t, err)
	bobAddr := PeerAddress{IP: host, Port: port}

	ok, err := alice.Connect(context.Background(), bobAddr)
	require.NoError(t, err)
	require.True(t, ok)

	g := bobIn.next(t)
	assert.Equal(t, protocol.TypeGreeting, g.Msg.Type)
	aliceAddr, _ := alice.LocalAddress()
	assert.Equal(t, aliceAddr, g.From)
	assert.True(t, bob.ActiveAddresses().Has(aliceAddr))

	require.True(t, alice.Send(context.Background(), bobAddr, chat("hey")))
	assert.Equal(t, "hey", bobIn.next(t).Msg.Payload["content"])

	assert.True(t, alice.Disconnect(bobAddr))
	assert.Empty(t, bob.ActiveAddresses())
	assert.Equal(t, []PeerAddress{bobAddr}, alice.Disconnects())
}

func TestMemoryRefusedAndInjectedFailure(t *testing.T) {
	m := NewMemory(Config{})
	defer m.Stop() //nolint:errcheck

	target := PeerAddress{IP: "10.9.1.1", Port: 1}
	ok, err := m.Connect(context.Background(), target)
	assert.False(t, ok)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectRefused, ce.Kind)

	peer := NewMemory(Config{})
	defer peer.Stop() //nolint:errcheck
	_, _, err = peer.Listen("10.9.1.2", 7000)
	require.NoError(t, err)
	peerAddr := PeerAddress{IP: "10.9.1.2", Port: 7000}

	m.FailConnect(peerAddr, errors.New("boom"))
	ok, _ = m.Connect(context.Background(), peerAddr)
	assert.False(t, ok)

	m.FailConnect(peerAddr, nil)
	ok, err = m.Connect(context.Background(), peerAddr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []PeerAddress{target, peerAddr, peerAddr}, m.Connects())
}

func TestMemoryAddressInUse(t *testing.T) {
	a, b := NewMemory(Config{}), NewMemory(Config{})
	defer a.Stop() //nolint:errcheck
	defer b.Stop() //nolint:errcheck
	_, _, err := a.Listen("10.9.2.1", 5000)
	require.NoError(t, err)
	_, _, err = b.Listen("10.9.2.1", 5000)
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, BindAddressInUse, be.Kind)
}
