package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QuangTrungK22/Discord-P2P/internal/protocol"
)

type received struct {
	From PeerAddress
	Msg  protocol.Message
}

// collector is a Dispatcher that buffers everything it sees.
type collector struct {
	ch chan received
}

func newCollector() *collector { return &collector{ch: make(chan received, 64)} }

func (c *collector) Dispatch(from PeerAddress, msg protocol.Message) {
	c.ch <- received{From: from, Msg: msg}
}

func (c *collector) next(t *testing.T) received {
	t.Helper()
	select {
	case r := <-c.ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return received{}
	}
}

func newTestTCP(t *testing.T, d Dispatcher, userID string) (*TCPTransport, PeerAddress) {
	t.Helper()
	tr := NewTCP(Config{UserID: userID, DisplayName: userID, Dispatcher: d, ShutdownTimeout: 2 * time.Second})
	host, port, err := tr.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	require.Greater(t, port, 0)
	t.Cleanup(func() { tr.Stop() }) //nolint:errcheck
	return tr, PeerAddress{IP: host, Port: port}
}

func chat(content string) protocol.Message {
	return protocol.MustBuild(protocol.ChatMessage{
		SenderID: "u1", ChannelID: "c1", Content: content, TimestampISO: "2024-01-01T00:00:00",
	})
}

func TestListenPortZero(t *testing.T) {
	tr, addr := newTestTCP(t, nil, "")
	local, ok := tr.LocalAddress()
	require.True(t, ok)
	assert.Equal(t, addr, local)

	// Listening again returns the existing address.
	host, port, err := tr.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	assert.Equal(t, addr, PeerAddress{IP: host, Port: port})
}

func TestListenAddressInUse(t *testing.T) {
	_, addr := newTestTCP(t, nil, "")
	other := NewTCP(Config{})
	defer other.Stop() //nolint:errcheck

	_, _, err := other.Listen(addr.IP, addr.Port)
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, BindAddressInUse, be.Kind)
}

func TestConnectRegistersBothSides(t *testing.T) {
	bobIn := newCollector()
	alice, aliceAddr := newTestTCP(t, nil, "alice")
	bob, bobAddr := newTestTCP(t, bobIn, "bob")

	ok, err := alice.Connect(context.Background(), bobAddr)
	require.NoError(t, err)
	require.True(t, ok)

	// The dialing side greets first.
	r := bobIn.next(t)
	assert.Equal(t, protocol.TypeGreeting, r.Msg.Type)
	assert.Equal(t, "alice", r.Msg.Payload["user_id"])
	assert.Equal(t, aliceAddr.IP, r.From.IP)

	assert.True(t, alice.ActiveAddresses().Has(bobAddr))
	require.Eventually(t, func() bool { return bob.ActiveAddresses().Has(r.From) }, time.Second, 10*time.Millisecond)

	// Idempotent.
	ok, err = alice.Connect(context.Background(), bobAddr)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, alice.ActiveAddresses(), 1)
}

func TestConnectToSelf(t *testing.T) {
	tr, addr := newTestTCP(t, nil, "")
	ok, err := tr.Connect(context.Background(), addr)
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, tr.ActiveAddresses())
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewTCP(Config{})
	defer tr.Stop() //nolint:errcheck

	ok, err := tr.Connect(context.Background(), PeerAddress{IP: "127.0.0.1", Port: port})
	assert.False(t, ok)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectRefused, ce.Kind)
	assert.Empty(t, tr.ActiveAddresses())
}

// hangingDial blocks until ctx is done, like a dial to a black-holed host.
func hangingDial(started chan<- struct{}) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, _, _ string) (net.Conn, error) {
		if started != nil {
			started <- struct{}{}
		}
		<-ctx.Done()
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: ctx.Err()}
	}
}

func TestConnectTimeout(t *testing.T) {
	tr := NewTCP(Config{ConnectTimeout: 50 * time.Millisecond, Dial: hangingDial(nil)})
	defer tr.Stop() //nolint:errcheck

	begin := time.Now()
	ok, err := tr.Connect(context.Background(), PeerAddress{IP: "10.255.255.1", Port: 9})
	assert.False(t, ok)
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, ConnectTimeout, ce.Kind)
	assert.Less(t, time.Since(begin), time.Second)
	assert.Empty(t, tr.ActiveAddresses())
}

func TestStopCancelsPendingConnect(t *testing.T) {
	started := make(chan struct{}, 1)
	tr := NewTCP(Config{ConnectTimeout: time.Minute, ShutdownTimeout: 2 * time.Second, Dial: hangingDial(started)})

	errc := make(chan error, 1)
	go func() {
		_, err := tr.Connect(context.Background(), PeerAddress{IP: "10.255.255.1", Port: 9})
		errc <- err
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never started")
	}

	begin := time.Now()
	require.NoError(t, tr.Stop())
	assert.Less(t, time.Since(begin), time.Second)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("connect did not return after stop")
	}
}

func TestClassifyConnect(t *testing.T) {
	addr := PeerAddress{IP: "10.0.0.1", Port: 1}
	tests := []struct {
		err  error
		want ConnectErrorKind
	}{
		{context.DeadlineExceeded, ConnectTimeout},
		{&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, ConnectRefused},
		{&net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, ConnectNetworkUnreachable},
		{&net.OpError{Op: "dial", Err: syscall.EHOSTUNREACH}, ConnectNetworkUnreachable},
		{errors.New("boom"), ConnectOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyConnect(addr, tt.err).Kind, tt.err.Error())
	}
}

func TestDisconnect(t *testing.T) {
	alice, _ := newTestTCP(t, nil, "")
	_, bobAddr := newTestTCP(t, nil, "")

	ok, err := alice.Connect(context.Background(), bobAddr)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, alice.Disconnect(bobAddr))
	assert.False(t, alice.ActiveAddresses().Has(bobAddr))
	assert.False(t, alice.Disconnect(bobAddr))
}

func TestPeerCloseUnregisters(t *testing.T) {
	alice, _ := newTestTCP(t, nil, "")
	bob, bobAddr := newTestTCP(t, nil, "")

	ok, _ := alice.Connect(context.Background(), bobAddr)
	require.True(t, ok)
	require.Eventually(t, func() bool { return len(bob.ActiveAddresses()) == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Stop())
	require.Eventually(t, func() bool { return len(alice.ActiveAddresses()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSendConnectsOnDemand(t *testing.T) {
	bobIn := newCollector()
	alice, _ := newTestTCP(t, nil, "")
	_, bobAddr := newTestTCP(t, bobIn, "")

	require.True(t, alice.Send(context.Background(), bobAddr, chat("hi")))
	r := bobIn.next(t)
	assert.Equal(t, protocol.TypeChatMessage, r.Msg.Type)
	assert.Equal(t, "hi", r.Msg.Payload["content"])
}

func TestSendUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewTCP(Config{})
	defer tr.Stop() //nolint:errcheck
	assert.False(t, tr.Send(context.Background(), PeerAddress{IP: "127.0.0.1", Port: port}, chat("x")))
}

func TestBroadcastExclude(t *testing.T) {
	hub, _ := newTestTCP(t, nil, "")
	inB, inC := newCollector(), newCollector()
	_, bAddr := newTestTCP(t, inB, "")
	_, cAddr := newTestTCP(t, inC, "")

	for _, a := range []PeerAddress{bAddr, cAddr} {
		ok, err := hub.Connect(context.Background(), a)
		require.NoError(t, err)
		require.True(t, ok)
	}

	res := hub.Broadcast(context.Background(), chat("all"), nil)
	require.Len(t, res, 2)
	for addr, err := range res {
		assert.NoError(t, err, addr.String())
	}
	assert.Equal(t, "all", inB.next(t).Msg.Payload["content"])
	assert.Equal(t, "all", inC.next(t).Msg.Payload["content"])

	res = hub.Broadcast(context.Background(), chat("not b"), &bAddr)
	require.Len(t, res, 1)
	assert.Contains(t, res, cAddr)
	assert.Equal(t, "not b", inC.next(t).Msg.Payload["content"])
	select {
	case r := <-inB.ch:
		t.Fatalf("excluded peer received %v", r.Msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBroadcastNoConnections(t *testing.T) {
	tr := NewTCP(Config{})
	defer tr.Stop() //nolint:errcheck
	assert.Empty(t, tr.Broadcast(context.Background(), chat("x"), nil))
}

func dialRaw(t *testing.T, addr PeerAddress) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort(addr.IP, strconv.Itoa(addr.Port)))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestReadLoopSplitsAndOrders(t *testing.T) {
	in := newCollector()
	_, addr := newTestTCP(t, in, "")
	conn := dialRaw(t, addr)

	// Two messages in one write, the third split across writes.
	_, err := conn.Write([]byte(`{"type":"chat_message","payload":{"content":"1"}}` + "\n" +
		`{"type":"chat_message","payload":{"content":"2"}}` + "\n" + `{"type":"chat_mes`))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte(`sage","payload":{"content":"3"}}` + "\n"))
	require.NoError(t, err)

	for _, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, in.next(t).Msg.Payload["content"])
	}
}

func TestReadLoopSurvivesBadChunk(t *testing.T) {
	in := newCollector()
	_, addr := newTestTCP(t, in, "")
	conn := dialRaw(t, addr)

	_, err := conn.Write([]byte("not json\n\n[1,2]\n" + `{"type":"mystery","payload":{"x":1}}` + "\n"))
	require.NoError(t, err)

	r := in.next(t)
	assert.Equal(t, protocol.Type("mystery"), r.Msg.Type)
}

func TestDispatcherPanicRecovered(t *testing.T) {
	var mu sync.Mutex
	var got []string
	d := DispatcherFunc(func(_ PeerAddress, msg protocol.Message) {
		content, _ := msg.Payload["content"].(string)
		if content == "boom" {
			panic("boom")
		}
		mu.Lock()
		got = append(got, content)
		mu.Unlock()
	})
	tr, addr := newTestTCP(t, d, "")
	conn := dialRaw(t, addr)

	_, err := conn.Write([]byte(`{"type":"chat_message","payload":{"content":"boom"}}` + "\n" +
		`{"type":"chat_message","payload":{"content":"after"}}` + "\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "after"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, tr.ActiveAddresses(), 1)
}

func TestStopClosesEverything(t *testing.T) {
	alice := NewTCP(Config{ShutdownTimeout: 2 * time.Second})
	_, _, err := alice.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	_, bobAddr := newTestTCP(t, nil, "")

	ok, _ := alice.Connect(context.Background(), bobAddr)
	require.True(t, ok)

	require.NoError(t, alice.Stop())
	require.NoError(t, alice.Stop())
	assert.Empty(t, alice.ActiveAddresses())
	_, listening := alice.LocalAddress()
	assert.False(t, listening)

	ok, err = alice.Connect(context.Background(), bobAddr)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrStopped)

	_, _, err = alice.Listen("127.0.0.1", 0)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestIsLocalAdvertised(t *testing.T) {
	tr := NewTCP(Config{AdvertiseIP: "192.0.2.10"})
	defer tr.Stop() //nolint:errcheck
	_, port, err := tr.Listen("0.0.0.0", 0)
	require.NoError(t, err)

	assert.True(t, tr.IsLocal(PeerAddress{IP: "0.0.0.0", Port: port}))
	assert.True(t, tr.IsLocal(PeerAddress{IP: "192.0.2.10", Port: port}))
	assert.True(t, tr.IsLocal(PeerAddress{IP: "127.0.0.1", Port: port}))
	assert.False(t, tr.IsLocal(PeerAddress{IP: "192.0.2.10", Port: port + 1}))
	assert.False(t, tr.IsLocal(PeerAddress{IP: "192.0.2.11", Port: port}))
}

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("10.0.0.5:9000")
	require.NoError(t, err)
	assert.Equal(t, PeerAddress{IP: "10.0.0.5", Port: 9000}, a)
	assert.Equal(t, "10.0.0.5:9000", a.String())

	_, err = ParseAddress("nope")
	assert.Error(t, err)
}

func TestAddressSet(t *testing.T) {
	a := PeerAddress{IP: "10.0.0.2", Port: 1}
	b := PeerAddress{IP: "10.0.0.1", Port: 2}
	s := NewAddressSet(a, b)
	assert.Equal(t, []PeerAddress{b, a}, s.Sorted())
	assert.Equal(t, NewAddressSet(a), s.Minus(NewAddressSet(b)))
}
