package chat

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sirus-rnd/p2pchat/internal/bus"
	"github.com/sirus-rnd/p2pchat/internal/messenger"
	"github.com/sirus-rnd/p2pchat/internal/signaling"
	"github.com/sirus-rnd/p2pchat/internal/status"
	"github.com/sirus-rnd/p2pchat/internal/store"
	"github.com/sirus-rnd/p2pchat/internal/transport"
)

// fakeHub plays the signaling service for any number of in-process
// clients: it resolves tokens, answers room lookups, and relays SDP,
// room, and presence traffic between fakeSignaling instances.
type fakeHub struct {
	mu      sync.Mutex
	tokens  map[string]signaling.Profile
	rooms   map[string]*signaling.Room
	clients map[string]*fakeSignaling
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		tokens:  make(map[string]signaling.Profile),
		rooms:   make(map[string]*signaling.Room),
		clients: make(map[string]*fakeSignaling),
	}
}

func (h *fakeHub) addUser(token, id, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tokens[token] = signaling.Profile{ID: id, Name: name}
}

func (h *fakeHub) addRoom(room signaling.Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rooms[room.ID] = &room
}

func (h *fakeHub) newClient() *fakeSignaling {
	return &fakeSignaling{
		hub:        h,
		sdpCh:      make(chan *signaling.SDPCommand, 256),
		roomCh:     make(chan *signaling.RoomEvent, 64),
		presenceCh: make(chan *signaling.OnlineStatus, 64),
	}
}

func (h *fakeHub) lookup(userID string) *fakeSignaling {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[userID]
}

// broadcastRoomEvent pushes a membership change to every connected
// client.
func (h *fakeHub) broadcastRoomEvent(ev *signaling.RoomEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.mu.Lock()
		ch := c.roomCh
		c.mu.Unlock()
		ch <- ev
	}
}

func (h *fakeHub) broadcastPresence(userID string, online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		c.mu.Lock()
		ch := c.presenceCh
		c.mu.Unlock()
		ch <- &signaling.OnlineStatus{UserID: userID, Online: online}
	}
}

type fakeSignaling struct {
	hub *fakeHub

	mu         sync.Mutex
	token      string
	userID     string
	heartbeats int
	sdpCh      chan *signaling.SDPCommand
	roomCh     chan *signaling.RoomEvent
	presenceCh chan *signaling.OnlineStatus
}

func (c *fakeSignaling) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *fakeSignaling) GetProfile(_ context.Context) (*signaling.Profile, error) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	c.hub.mu.Lock()
	profile, ok := c.hub.tokens[token]
	if ok {
		c.hub.clients[profile.ID] = c
	}
	c.hub.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("invalid token %q", token)
	}

	c.mu.Lock()
	c.userID = profile.ID
	c.mu.Unlock()
	return &profile, nil
}

func (c *fakeSignaling) GetMyRooms(_ context.Context) ([]signaling.Room, error) {
	c.mu.Lock()
	userID := c.userID
	c.mu.Unlock()

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	var rooms []signaling.Room
	for _, room := range c.hub.rooms {
		for _, u := range room.Participants {
			if u.ID == userID {
				rooms = append(rooms, *room)
				break
			}
		}
	}
	return rooms, nil
}

func (c *fakeSignaling) GetUser(_ context.Context, id string) (*signaling.User, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	for _, room := range c.hub.rooms {
		for _, u := range room.Participants {
			if u.ID == id {
				user := u
				return &user, nil
			}
		}
	}
	return nil, fmt.Errorf("user %s not found", id)
}

func (c *fakeSignaling) relay(userID string, cmd *signaling.SDPCommand) error {
	target := c.hub.lookup(userID)
	if target == nil {
		return fmt.Errorf("peer %s not connected", userID)
	}
	target.mu.Lock()
	ch := target.sdpCh
	target.mu.Unlock()
	ch <- cmd
	return nil
}

func (c *fakeSignaling) OfferSessionDescription(_ context.Context, userID string, sdp transport.SessionDescription) error {
	c.mu.Lock()
	sender := c.userID
	c.mu.Unlock()
	return c.relay(userID, &signaling.SDPCommand{Type: signaling.SDPOffer, SenderID: sender, Description: sdp})
}

func (c *fakeSignaling) AnswerSessionDescription(_ context.Context, userID string, sdp transport.SessionDescription) error {
	c.mu.Lock()
	sender := c.userID
	c.mu.Unlock()
	return c.relay(userID, &signaling.SDPCommand{Type: signaling.SDPAnswer, SenderID: sender, Description: sdp})
}

func (c *fakeSignaling) SendICECandidate(_ context.Context, userID string, isRemote bool, candidate string) error {
	c.mu.Lock()
	sender := c.userID
	c.mu.Unlock()
	return c.relay(userID, &signaling.SDPCommand{
		Type: signaling.SDPCandidate, SenderID: sender, Candidate: candidate, IsRemote: isRemote,
	})
}

func (c *fakeSignaling) Heartbeat(_ context.Context) error {
	c.mu.Lock()
	c.heartbeats++
	c.mu.Unlock()
	return nil
}

// breakStreams ends every active subscription abnormally, as a dying
// signaling connection would.
func (c *fakeSignaling) breakStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.sdpCh)
	close(c.roomCh)
	close(c.presenceCh)
	c.sdpCh = make(chan *signaling.SDPCommand, 256)
	c.roomCh = make(chan *signaling.RoomEvent, 64)
	c.presenceCh = make(chan *signaling.OnlineStatus, 64)
}

type fakeStream[T any] struct {
	ctx context.Context
	ch  chan *T
}

func (s *fakeStream[T]) Recv() (*T, error) {
	select {
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	case v, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return v, nil
	}
}

func (s *fakeStream[T]) Close() error { return nil }

func (c *fakeSignaling) SubscribeSDPCommand(ctx context.Context) (signaling.SDPStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &fakeStream[signaling.SDPCommand]{ctx: ctx, ch: c.sdpCh}, nil
}

func (c *fakeSignaling) SubscribeRoomEvent(ctx context.Context) (signaling.RoomEventStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &fakeStream[signaling.RoomEvent]{ctx: ctx, ch: c.roomCh}, nil
}

func (c *fakeSignaling) SubscribeOnlineStatus(ctx context.Context) (signaling.OnlineStatusStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &fakeStream[signaling.OnlineStatus]{ctx: ctx, ch: c.presenceCh}, nil
}

func (c *fakeSignaling) Close() error { return nil }

// testClient builds a connected-ready client for one user on the shared
// hub and network.
func testClient(t *testing.T, hub *fakeHub, net *transport.MemNetwork, name string) *Client {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	events := bus.New()
	return New(Options{
		Session:   name,
		Signaling: hub.newClient(),
		Transport: func([]string) transport.Transport { return net },
		Store:     db,
		Bus:       events,
		Status:    status.NewMachine(events),
		Log:       zap.NewNop(),
		Heartbeat: 50 * time.Millisecond,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// twoPeerSetup logs alice and bob into a shared room and connects both.
func twoPeerSetup(t *testing.T) (alice, bob *Client) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	hub := newFakeHub()
	hub.addUser("token-alice", "alice", "Alice")
	hub.addUser("token-bob", "bob", "Bob")
	hub.addRoom(signaling.Room{
		ID:   "r1",
		Name: "general",
		Participants: []signaling.User{
			{ID: "alice", Name: "Alice", Online: true},
			{ID: "bob", Name: "Bob", Online: true},
		},
	})

	net := transport.NewMemNetwork()
	alice = testClient(t, hub, net, "alice")
	bob = testClient(t, hub, net, "bob")

	ctx := context.Background()
	for token, c := range map[string]*Client{"token-alice": alice, "token-bob": bob} {
		if _, err := c.Login(ctx, token); err != nil {
			t.Fatal(err)
		}
	}
	if err := bob.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := alice.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		alice.Close(context.Background())
		bob.Close(context.Background())
	})

	waitFor(t, "channels to open", func() bool {
		a := alice.Peer("bob")
		b := bob.Peer("alice")
		return a != nil && a.Open() && b != nil && b.Open()
	})
	return alice, bob
}

func TestSendMessageReachesPeer(t *testing.T) {
	alice, bob := twoPeerSetup(t)
	ctx := context.Background()

	incoming, stop := bob.Events().Subscribe(messenger.EventMessageNew, 4)
	defer stop()

	conv, err := alice.SendMessage(ctx, "r1", OutgoingMessage{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if conv.Status() != store.StatusSent && conv.Status() != store.StatusReceived {
		t.Errorf("initial status = %s", conv.Status())
	}

	select {
	case e := <-incoming:
		got := e.Payload.(*store.Conversation)
		if got.TextContent != "hi" || got.SenderID != "alice" {
			t.Errorf("received = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("bob never received the message")
	}

	// exactly one SENT record on alice's side
	convs, err := alice.GetConversations("r1", 0, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].TextContent != "hi" {
		t.Fatalf("alice history = %+v", convs)
	}

	// bob's ack flips alice's record to RECEIVED
	waitFor(t, "delivery ack", func() bool {
		c, err := alice.store.GetConversation(conv.ID)
		return err == nil && c != nil && c.Status() == store.StatusReceived
	})
}

func TestReadReceiptRoundTrip(t *testing.T) {
	alice, bob := twoPeerSetup(t)
	ctx := context.Background()

	incoming, stop := bob.Events().Subscribe(messenger.EventMessageNew, 4)
	defer stop()

	conv, err := alice.SendMessage(ctx, "r1", OutgoingMessage{Text: "read me"})
	if err != nil {
		t.Fatal(err)
	}

	var received *store.Conversation
	select {
	case e := <-incoming:
		received = e.Payload.(*store.Conversation)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never received the message")
	}

	if _, err := bob.ReadMessage(ctx, "r1", received.ID); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "read receipt", func() bool {
		c, err := alice.store.GetConversation(conv.ID)
		return err == nil && c != nil && c.Status() == store.StatusRead
	})
}

func TestReadMessageIgnoresOwnSentRecord(t *testing.T) {
	alice, bob := twoPeerSetup(t)
	ctx := context.Background()

	incoming, stop := bob.Events().Subscribe(messenger.EventMessageNew, 4)
	defer stop()

	conv, err := alice.SendMessage(ctx, "r1", OutgoingMessage{Text: "mine"})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("bob never received the message")
	}

	// reading a record we authored must not flip it to READ or
	// broadcast a receipt
	got, err := alice.ReadMessage(ctx, "r1", conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Read {
		t.Fatalf("sent record mutated: %+v", got)
	}
	if got.Status() == store.StatusRead {
		t.Errorf("status = %s after reading own record", got.Status())
	}
}

func TestTypingReachesPeer(t *testing.T) {
	alice, bob := twoPeerSetup(t)

	typing, stop := bob.Events().Subscribe(messenger.EventTyping, 4)
	defer stop()

	if err := alice.Typing(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-typing:
	case <-time.After(3 * time.Second):
		t.Fatal("typing never arrived")
	}
}

func TestFileMessageAndTransfer(t *testing.T) {
	alice, bob := twoPeerSetup(t)
	ctx := context.Background()

	incoming, stopNew := bob.Events().Subscribe(messenger.EventMessageNew, 4)
	defer stopNew()
	complete, stopDone := bob.Events().Subscribe(messenger.EventFileComplete, 4)
	defer stopDone()

	binary := make([]byte, 40000)
	for i := range binary {
		binary[i] = byte(i)
	}
	if _, err := alice.SendMessage(ctx, "r1", OutgoingMessage{
		Type: store.TypeImage,
		File: &OutgoingFile{Name: "pic.png", MIME: "image/png", Binary: binary},
	}); err != nil {
		t.Fatal(err)
	}

	var received *store.Conversation
	select {
	case e := <-incoming:
		received = e.Payload.(*store.Conversation)
	case <-time.After(3 * time.Second):
		t.Fatal("bob never received the file message")
	}

	if err := bob.RequestFile(ctx, "alice", received.FileID, 0); err != nil {
		t.Fatal(err)
	}
	select {
	case <-complete:
	case <-time.After(3 * time.Second):
		t.Fatal("transfer never completed")
	}

	f, err := bob.GetFile(received.FileID)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Binary) != 40000 {
		t.Fatalf("binary length = %d, want 40000", len(f.Binary))
	}
}

func TestOfflinePeerGetsQueuedFrames(t *testing.T) {
	alice, bob := twoPeerSetup(t)
	ctx := context.Background()

	// bob goes offline; alice's send side drops
	aliceSig := alice.sig.(*fakeSignaling)
	aliceSig.hub.broadcastPresence("bob", false)
	waitFor(t, "bob marked offline", func() bool {
		p := alice.Peer("bob")
		return p != nil && !p.Open()
	})

	if _, err := alice.SendMessage(ctx, "r1", OutgoingMessage{Text: "while you were out"}); err != nil {
		t.Fatal(err)
	}
	pending, err := alice.store.PendingFrames("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d frames, want 1", len(pending))
	}

	incoming, stop := bob.Events().Subscribe(messenger.EventMessageNew, 4)
	defer stop()

	// bob comes back; queue drains on peer.connected
	aliceSig.hub.broadcastPresence("bob", true)
	select {
	case e := <-incoming:
		got := e.Payload.(*store.Conversation)
		if got.TextContent != "while you were out" {
			t.Errorf("received = %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("queued frame never delivered")
	}

	waitFor(t, "outbox to empty", func() bool {
		pending, err := alice.store.PendingFrames("bob")
		return err == nil && len(pending) == 0
	})
}

func TestUserLeftRoomRemovesPeer(t *testing.T) {
	alice, _ := twoPeerSetup(t)
	ctx := context.Background()

	aliceSig := alice.sig.(*fakeSignaling)
	aliceSig.hub.broadcastRoomEvent(&signaling.RoomEvent{
		Type: signaling.UserLeftRoom, RoomID: "r1", UserID: "bob",
	})
	waitFor(t, "bob removed from directory", func() bool {
		return alice.Peer("bob") == nil
	})

	// sends to the room still work, just without bob
	conv, err := alice.SendMessage(ctx, "r1", OutgoingMessage{Text: "anyone here?"})
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Receivers) != 0 {
		t.Errorf("receivers = %v, want none", conv.Receivers)
	}
	pending, err := alice.store.PendingFrames("bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("frames queued for removed peer: %d", len(pending))
	}
}

func TestReconnectAfterStreamFault(t *testing.T) {
	alice, bob := twoPeerSetup(t)
	ctx := context.Background()

	aliceSig := alice.sig.(*fakeSignaling)
	aliceSig.breakStreams()

	waitFor(t, "client back to READY", func() bool {
		return alice.machine.Current() == status.Ready
	})
	waitFor(t, "channel reopened", func() bool {
		p := alice.Peer("bob")
		return p != nil && p.Open()
	})

	incoming, stop := bob.Events().Subscribe(messenger.EventMessageNew, 4)
	defer stop()
	if _, err := alice.SendMessage(ctx, "r1", OutgoingMessage{Text: "still here"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-incoming:
	case <-time.After(3 * time.Second):
		t.Fatal("message lost after reconnect")
	}
}

func TestHeartbeatKeepsRunning(t *testing.T) {
	alice, _ := twoPeerSetup(t)

	aliceSig := alice.sig.(*fakeSignaling)
	waitFor(t, "heartbeats", func() bool {
		aliceSig.mu.Lock()
		defer aliceSig.mu.Unlock()
		return aliceSig.heartbeats >= 2
	})
}

func TestDisconnectWipesSession(t *testing.T) {
	alice, _ := twoPeerSetup(t)
	ctx := context.Background()

	if _, err := alice.SendMessage(ctx, "r1", OutgoingMessage{Text: "soon gone"}); err != nil {
		t.Fatal(err)
	}
	if err := alice.Disconnect(ctx); err != nil {
		t.Fatal(err)
	}

	if alice.Authenticated() {
		t.Error("still authenticated after disconnect")
	}
	convs, err := alice.store.GetConversations("r1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 0 {
		t.Errorf("%d conversations survived the wipe", len(convs))
	}
	if alice.machine.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", alice.machine.Current())
	}
}

func TestConnectWithoutLogin(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	hub := newFakeHub()
	net := transport.NewMemNetwork()
	c := testClient(t, hub, net, "nobody")

	if err := c.Connect(context.Background()); err != ErrNotAuthenticated {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
}
