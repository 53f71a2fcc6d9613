package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sirus-rnd/p2pchat/internal/bus"
	"github.com/sirus-rnd/p2pchat/internal/transport"
)

// loopbackSignaler routes SDP and candidates between two channels in
// process, standing in for the signaling service.
type loopbackSignaler struct {
	mu    sync.Mutex
	peers map[string]*Channel
}

func newLoopback() *loopbackSignaler {
	return &loopbackSignaler{peers: make(map[string]*Channel)}
}

func (s *loopbackSignaler) register(userID string, ch *Channel) {
	s.mu.Lock()
	s.peers[userID] = ch
	s.mu.Unlock()
}

func (s *loopbackSignaler) peer(userID string) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[userID]
}

func (s *loopbackSignaler) OfferSessionDescription(ctx context.Context, userID string, sdp transport.SessionDescription) error {
	return s.peer(userID).HandleRemoteOffer(ctx, sdp)
}

func (s *loopbackSignaler) AnswerSessionDescription(_ context.Context, userID string, sdp transport.SessionDescription) error {
	return s.peer(userID).HandleRemoteAnswer(sdp)
}

func (s *loopbackSignaler) SendICECandidate(_ context.Context, userID string, isRemote bool, candidate string) error {
	return s.peer(userID).AddCandidate(isRemote, candidate)
}

// pair builds two linked channels: alice's view of bob and bob's view
// of alice, sharing one memory network and loopback signaler.
func pair(t *testing.T) (alice, bob *Channel, events *bus.Bus) {
	t.Helper()
	net := transport.NewMemNetwork()
	sig := newLoopback()
	events = bus.New()
	log := zap.NewNop()

	alice = NewChannel("bob", net, sig, events, log)
	bob = NewChannel("alice", net, sig, events, log)
	sig.register("bob", bob)
	sig.register("alice", alice)
	return alice, bob, events
}

func waitState(t *testing.T, ch *Channel, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ch.SendState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("send state = %s, want %s", ch.SendState(), want)
}

func TestConnectOpensChannel(t *testing.T) {
	alice, bob, events := pair(t)
	connected, stop := events.Subscribe(EventConnected, 4)
	defer stop()

	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice, StateOpen)

	if bob.ReceiveState() != StateOpen {
		t.Errorf("bob receive state = %s, want OPEN", bob.ReceiveState())
	}

	select {
	case e := <-connected:
		if e.Payload.(string) != "bob" {
			t.Errorf("connected payload = %v, want bob", e.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}
}

func TestConnectIdempotentWhileOpen(t *testing.T) {
	alice, _, _ := pair(t)

	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice, StateOpen)

	// second connect is a no-op, not an error
	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if alice.SendState() != StateOpen {
		t.Errorf("state = %s after redundant connect", alice.SendState())
	}
}

func TestSendDeliversToRemote(t *testing.T) {
	alice, bob, _ := pair(t)

	received := make(chan []byte, 1)
	bob.OnData(func(userID string, data []byte) {
		if userID != "alice" {
			t.Errorf("data from %s, want alice", userID)
		}
		received <- data
	})

	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice, StateOpen)

	if err := alice.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-received:
		if string(data) != "ping" {
			t.Errorf("got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived")
	}
}

func TestSendWhileOffline(t *testing.T) {
	alice, _, _ := pair(t)

	if err := alice.Send([]byte("x")); err != ErrNotOpen {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}
}

func TestDisconnectSend(t *testing.T) {
	alice, _, events := pair(t)
	disconnected, stop := events.Subscribe(EventDisconnected, 4)
	defer stop()

	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice, StateOpen)

	alice.DisconnectSend(context.Background())
	if alice.SendState() != StateOffline {
		t.Errorf("state = %s, want OFFLINE", alice.SendState())
	}
	select {
	case <-disconnected:
	case <-time.After(time.Second):
		t.Fatal("no disconnected event")
	}

	// idempotent
	alice.DisconnectSend(context.Background())
	if alice.SendState() != StateOffline {
		t.Errorf("state = %s after second disconnect", alice.SendState())
	}
}

func TestReconnect(t *testing.T) {
	alice, bob, _ := pair(t)

	received := make(chan []byte, 1)
	bob.OnData(func(_ string, data []byte) { received <- data })

	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice, StateOpen)

	if err := alice.Reconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice, StateOpen)

	if err := alice.Send([]byte("after")); err != nil {
		t.Fatal(err)
	}
	select {
	case data := <-received:
		if string(data) != "after" {
			t.Errorf("got %q", data)
		}
	case <-time.After(time.Second):
		t.Fatal("message never arrived after reconnect")
	}
}

func TestCandidateBufferedBeforeConnection(t *testing.T) {
	alice, _, _ := pair(t)

	// candidate for the not-yet-created receive side is buffered, not an error
	if err := alice.AddCandidate(false, "candidate:early"); err != nil {
		t.Fatal(err)
	}
	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice, StateOpen)
}

func TestCandidateFlushDisarmsExpiry(t *testing.T) {
	alice, _, _ := pair(t)

	if err := alice.AddCandidate(true, "candidate:buffered"); err != nil {
		t.Fatal(err)
	}
	alice.mu.Lock()
	armed := alice.sendPendingTimer != nil
	alice.mu.Unlock()
	if !armed {
		t.Fatal("no expiry timer armed for buffered candidate")
	}

	// connect triggers the remote answer, which flushes the buffer
	if err := alice.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitState(t, alice, StateOpen)

	alice.mu.Lock()
	defer alice.mu.Unlock()
	if alice.sendPendingTimer != nil {
		t.Error("expiry timer still armed after flush")
	}
	if alice.sendPending != nil {
		t.Errorf("buffer not flushed: %v", alice.sendPending)
	}
}

// gatedTransport holds NewConnection until released and wraps every
// handed-out connection so tests can observe closes.
type gatedTransport struct {
	inner transport.Transport
	gate  chan struct{}

	mu    sync.Mutex
	conns []*trackedConn
}

type trackedConn struct {
	transport.Connection
	mu     sync.Mutex
	closed bool
}

func (c *trackedConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Connection.Close()
}

func (c *trackedConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (g *gatedTransport) NewConnection(ctx context.Context) (transport.Connection, error) {
	<-g.gate
	conn, err := g.inner.NewConnection(ctx)
	if err != nil {
		return nil, err
	}
	tc := &trackedConn{Connection: conn}
	g.mu.Lock()
	g.conns = append(g.conns, tc)
	g.mu.Unlock()
	return tc, nil
}

func TestDisconnectDuringConnectClosesConnection(t *testing.T) {
	net := transport.NewMemNetwork()
	gated := &gatedTransport{inner: net, gate: make(chan struct{})}
	sig := newLoopback()
	events := bus.New()
	log := zap.NewNop()

	alice := NewChannel("bob", gated, sig, events, log)
	bob := NewChannel("alice", net, sig, events, log)
	sig.register("bob", bob)
	sig.register("alice", alice)

	done := make(chan error, 1)
	go func() { done <- alice.Connect(context.Background()) }()
	waitState(t, alice, StateNegotiating)

	// disconnect wins the race against the blocked connection setup
	alice.DisconnectSend(context.Background())
	close(gated.gate)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if alice.SendState() != StateOffline {
		t.Errorf("state = %s, want OFFLINE", alice.SendState())
	}

	gated.mu.Lock()
	conns := append([]*trackedConn(nil), gated.conns...)
	gated.mu.Unlock()
	if len(conns) != 1 {
		t.Fatalf("connections created = %d, want 1", len(conns))
	}
	if !conns[0].isClosed() {
		t.Error("connection from cancelled connect left open")
	}
}

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateOffline, StateNegotiating, true},
		{StateNegotiating, StateOpen, true},
		{StateOpen, StateClosing, true},
		{StateClosing, StateOffline, true},
		{StateOffline, StateOpen, false},
		{StateListening, StateOpen, true},
		{StateOpen, StateListening, true},
		{StateListening, StateClosing, false},
	}
	for _, c := range cases {
		s := c.from
		err := transition(&s, c.to)
		if c.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", c.from, c.to, err)
		}
		if !c.ok && err == nil {
			t.Errorf("%s -> %s: expected error", c.from, c.to)
		}
	}
}
