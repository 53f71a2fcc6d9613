// Package chat orchestrates the client session: it owns the peer
// directory, drives login/connect/reconnect/disconnect, routes signaling
// events to peer channels, and exposes the messaging API plus a unified
// event stream to callers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirus-rnd/p2pchat/internal/bus"
	"github.com/sirus-rnd/p2pchat/internal/messenger"
	"github.com/sirus-rnd/p2pchat/internal/peer"
	"github.com/sirus-rnd/p2pchat/internal/session"
	"github.com/sirus-rnd/p2pchat/internal/signaling"
	"github.com/sirus-rnd/p2pchat/internal/status"
	"github.com/sirus-rnd/p2pchat/internal/store"
	"github.com/sirus-rnd/p2pchat/internal/transport"
)

const (
	defaultHeartbeat = 3 * time.Second
	peerCloseWait    = 5 * time.Second
)

var (
	ErrNotAuthenticated = errors.New("not authenticated, login first")
	ErrRoomNotFound     = errors.New("room not found")
)

// TransportFactory builds the peer transport once the profile's ICE
// servers are known.
type TransportFactory func(iceServers []string) transport.Transport

type Options struct {
	Session   string
	Signaling signaling.Client
	Transport TransportFactory
	Store     *store.DB
	Bus       *bus.Bus
	Status    *status.Machine
	Log       *zap.Logger

	// ICEServers overrides the profile's list when non-empty.
	ICEServers []string
	Heartbeat  time.Duration
}

type peerEntry struct {
	channel *peer.Channel
	user    signaling.User
	rooms   map[string]struct{}
}

type Client struct {
	session      string
	sig          signaling.Client
	newTransport TransportFactory
	store        *store.DB
	events       *bus.Bus
	machine      *status.Machine
	log          *zap.Logger
	iceOverride  []string
	heartbeat    time.Duration

	msg *messenger.Messenger

	mu        sync.RWMutex
	profile   *signaling.Profile
	rooms     map[string]*signaling.Room
	peers     map[string]*peerEntry
	transport transport.Transport
	cancel    context.CancelFunc

	reconnecting sync.Mutex
}

func New(opts Options) *Client {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	c := &Client{
		session:      opts.Session,
		sig:          opts.Signaling,
		newTransport: opts.Transport,
		store:        opts.Store,
		events:       opts.Bus,
		machine:      opts.Status,
		log:          opts.Log.Named("chat"),
		iceOverride:  opts.ICEServers,
		heartbeat:    opts.Heartbeat,
		rooms:        make(map[string]*signaling.Room),
		peers:        make(map[string]*peerEntry),
	}
	c.msg = messenger.New(opts.Store, opts.Bus, c, opts.Log)
	return c
}

// Events returns the unified stream surface. Subscribers pick a kind
// namespace; new peers feed the same bus without resubscription.
func (c *Client) Events() *bus.Bus { return c.events }

// Authenticated reports whether a session token is stored.
func (c *Client) Authenticated() bool {
	return session.Authenticated(c.session)
}

// Login validates the token against the signaling service and stores it
// for later connects.
func (c *Client) Login(ctx context.Context, token string) (*signaling.Profile, error) {
	c.sig.SetToken(token)
	profile, err := c.sig.GetProfile(ctx)
	if err != nil {
		c.sig.SetToken("")
		return nil, fmt.Errorf("login: %w", err)
	}
	if err := session.SaveToken(c.session, token); err != nil {
		return nil, err
	}
	return profile, nil
}

// MyProfile returns the connected profile, or nil before Connect.
func (c *Client) MyProfile() *signaling.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// GetRooms lists the rooms fetched at connect time, kept current by
// room events.
func (c *Client) GetRooms() []signaling.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]signaling.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, *r)
	}
	return rooms
}

// Connect authenticates with the stored token, loads the profile and
// room list, builds a peer channel per distinct participant, subscribes
// to the signaling streams, and brings online peers up.
func (c *Client) Connect(ctx context.Context) error {
	token, err := session.LoadToken(c.session)
	if err != nil {
		return err
	}
	if token == "" {
		return ErrNotAuthenticated
	}
	c.sig.SetToken(token)
	_ = c.machine.Transition(status.Connecting)

	profile, err := c.sig.GetProfile(ctx)
	if err != nil {
		_ = c.machine.Transition(status.AuthRequired)
		return fmt.Errorf("fetch profile: %w", err)
	}
	rooms, err := c.sig.GetMyRooms(ctx)
	if err != nil {
		_ = c.machine.Transition(status.Error)
		return fmt.Errorf("fetch rooms: %w", err)
	}

	ice := profile.ICEServers
	if len(c.iceOverride) > 0 {
		ice = c.iceOverride
	}

	c.mu.Lock()
	c.profile = profile
	c.transport = c.newTransport(ice)
	c.rooms = make(map[string]*signaling.Room)
	for i := range rooms {
		room := rooms[i]
		c.rooms[room.ID] = &room
		for _, u := range room.Participants {
			c.ensurePeerLocked(u, room.ID)
		}
	}
	c.mu.Unlock()

	if err := c.start(); err != nil {
		_ = c.machine.Transition(status.Error)
		return err
	}
	_ = c.machine.Transition(status.Ready)
	c.log.Info("connected", zap.String("user", profile.ID), zap.Int("rooms", len(rooms)))
	return nil
}

// start subscribes the signaling streams and spins up the run loops.
func (c *Client) start() error {
	runCtx, cancel := context.WithCancel(context.Background())

	sdp, err := c.sig.SubscribeSDPCommand(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe sdp: %w", err)
	}
	roomEvents, err := c.sig.SubscribeRoomEvent(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe room events: %w", err)
	}
	presence, err := c.sig.SubscribeOnlineStatus(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe presence: %w", err)
	}

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.msg.Start(runCtx)
	go c.heartbeatLoop(runCtx)
	go c.consumeSDP(runCtx, sdp)
	go c.consumeRoomEvents(runCtx, roomEvents)
	go c.consumePresence(runCtx, presence)

	// bring already-online peers up concurrently
	for _, entry := range c.snapshotPeers() {
		if entry.user.Online {
			go c.connectPeer(runCtx, entry)
		}
	}
	return nil
}

func (c *Client) connectPeer(ctx context.Context, entry *peerEntry) {
	if err := entry.channel.Connect(ctx); err != nil {
		// not fatal: retried on the next presence-online event
		c.log.Warn("peer connect failed", zap.String("peer", entry.user.ID), zap.Error(err))
	}
}

// Reconnect tears down the signaling subscriptions and every send side,
// then re-establishes both. Used after a stream ends abnormally.
func (c *Client) Reconnect(ctx context.Context) error {
	if !c.reconnecting.TryLock() {
		return nil // one reconnect at a time
	}
	defer c.reconnecting.Unlock()

	_ = c.machine.Transition(status.Reconnecting)
	c.stopRun()

	for _, entry := range c.snapshotPeers() {
		entry.channel.DisconnectSend(ctx)
	}

	_ = c.machine.Transition(status.Connecting)
	if err := c.start(); err != nil {
		_ = c.machine.Transition(status.Error)
		return err
	}
	_ = c.machine.Transition(status.Ready)
	c.log.Info("reconnected")
	return nil
}

// Disconnect logs out: closes every peer channel, cancels the
// subscriptions, clears the stored token, and wipes local state.
func (c *Client) Disconnect(ctx context.Context) error {
	_ = c.machine.Transition(status.Disconnected)
	c.stopRun()
	c.closePeers(ctx)

	c.mu.Lock()
	c.profile = nil
	c.rooms = make(map[string]*signaling.Room)
	c.mu.Unlock()

	c.sig.SetToken("")
	if err := session.ClearToken(c.session); err != nil {
		return fmt.Errorf("clear token: %w", err)
	}
	if err := c.store.Reset(); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if err := c.store.ClearOutbox(); err != nil {
		return fmt.Errorf("clear outbox: %w", err)
	}
	_ = c.machine.Transition(status.AuthRequired)
	c.log.Info("disconnected")
	return nil
}

// Close shuts the client down without touching stored state; the next
// Connect resumes the same session.
func (c *Client) Close(ctx context.Context) {
	_ = c.machine.Transition(status.Disconnected)
	c.stopRun()
	c.closePeers(ctx)
}

func (c *Client) stopRun() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// closePeers fans the closes out and waits with a bound; one stuck peer
// must not block the rest.
func (c *Client) closePeers(ctx context.Context) {
	c.mu.Lock()
	entries := make([]*peerEntry, 0, len(c.peers))
	for _, e := range c.peers {
		entries = append(entries, e)
	}
	c.peers = make(map[string]*peerEntry)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *peerEntry) {
			defer wg.Done()
			e.channel.Close(ctx)
		}(e)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(peerCloseWait):
		c.log.Warn("peer close timed out", zap.Int("peers", len(entries)))
	}
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sig.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				c.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (c *Client) snapshotPeers() []*peerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]*peerEntry, 0, len(c.peers))
	for _, e := range c.peers {
		entries = append(entries, e)
	}
	return entries
}
