package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/sirus-rnd/p2pchat/internal/messenger"
	"github.com/sirus-rnd/p2pchat/internal/peer"
	"github.com/sirus-rnd/p2pchat/internal/signaling"
)

// Event kinds for directory changes, published alongside the messenger
// and peer kinds on the same bus.
const (
	EventRoom        = "room.event"
	EventUserOnline  = "user.online"
	EventUserOffline = "user.offline"
)

// Peer implements messenger.Directory over the live peer map.
func (c *Client) Peer(userID string) messenger.Sender {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.peers[userID]; ok {
		return entry.channel
	}
	return nil
}

// ensurePeerLocked registers a participant under a room, creating its
// channel on first sight. Caller holds c.mu. Self never gets a channel.
func (c *Client) ensurePeerLocked(u signaling.User, roomID string) *peerEntry {
	if c.profile != nil && u.ID == c.profile.ID {
		return nil
	}
	entry, ok := c.peers[u.ID]
	if !ok {
		ch := peer.NewChannel(u.ID, c.transport, c.sig, c.events, c.log)
		ch.OnData(c.msg.HandleIncoming)
		entry = &peerEntry{
			channel: ch,
			user:    u,
			rooms:   make(map[string]struct{}),
		}
		c.peers[u.ID] = entry
	} else {
		entry.user = u
	}
	entry.rooms[roomID] = struct{}{}
	return entry
}

func (c *Client) peerEntry(userID string) *peerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peers[userID]
}

// dropPeerRoom removes a peer's membership in one room; losing the last
// shared room tears the channel down.
func (c *Client) dropPeerRoom(ctx context.Context, userID, roomID string) {
	c.mu.Lock()
	entry, ok := c.peers[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(entry.rooms, roomID)
	gone := len(entry.rooms) == 0
	if gone {
		delete(c.peers, userID)
	}
	c.mu.Unlock()

	if gone {
		entry.channel.Close(ctx)
		c.log.Info("peer removed", zap.String("peer", userID))
	}
}

// consumeSDP routes negotiation commands to the right peer channel. A
// stream ending while the client still runs is a session fault that
// triggers a reconnect.
func (c *Client) consumeSDP(ctx context.Context, stream signaling.SDPStream) {
	defer func() { _ = stream.Close() }()
	for {
		cmd, err := stream.Recv()
		if err != nil {
			c.streamEnded(ctx, "sdp", err)
			return
		}
		c.routeSDP(ctx, cmd)
	}
}

func (c *Client) routeSDP(ctx context.Context, cmd *signaling.SDPCommand) {
	entry := c.peerEntry(cmd.SenderID)
	if entry == nil {
		c.log.Warn("sdp from unknown peer", zap.String("sender", cmd.SenderID))
		return
	}

	var err error
	switch cmd.Type {
	case signaling.SDPOffer:
		err = entry.channel.HandleRemoteOffer(ctx, cmd.Description)
	case signaling.SDPAnswer:
		err = entry.channel.HandleRemoteAnswer(cmd.Description)
	case signaling.SDPCandidate:
		err = entry.channel.AddCandidate(cmd.IsRemote, cmd.Candidate)
	default:
		c.log.Warn("unknown sdp command", zap.String("type", string(cmd.Type)))
		return
	}
	if err != nil {
		c.log.Error("sdp handling failed", zap.String("sender", cmd.SenderID),
			zap.String("type", string(cmd.Type)), zap.Error(err))
	}
}

func (c *Client) consumeRoomEvents(ctx context.Context, stream signaling.RoomEventStream) {
	defer func() { _ = stream.Close() }()
	for {
		ev, err := stream.Recv()
		if err != nil {
			c.streamEnded(ctx, "room", err)
			return
		}
		c.applyRoomEvent(ctx, ev)
		c.events.Emit(EventRoom, ev)
	}
}

func (c *Client) applyRoomEvent(ctx context.Context, ev *signaling.RoomEvent) {
	switch ev.Type {
	case signaling.RoomCreated, signaling.RoomUpdated:
		if ev.Room == nil {
			return
		}
		c.mu.Lock()
		c.rooms[ev.Room.ID] = ev.Room
		var fresh []*peerEntry
		for _, u := range ev.Room.Participants {
			if entry := c.ensurePeerLocked(u, ev.Room.ID); entry != nil && u.Online {
				fresh = append(fresh, entry)
			}
		}
		c.mu.Unlock()
		for _, entry := range fresh {
			go c.connectPeer(ctx, entry)
		}

	case signaling.RoomDestroyed:
		c.mu.Lock()
		room := c.rooms[ev.RoomID]
		delete(c.rooms, ev.RoomID)
		c.mu.Unlock()
		if room != nil {
			for _, u := range room.Participants {
				c.dropPeerRoom(ctx, u.ID, ev.RoomID)
			}
		}

	case signaling.UserJoinedRoom:
		if ev.User == nil {
			return
		}
		c.mu.Lock()
		if room, ok := c.rooms[ev.RoomID]; ok {
			room.Participants = append(room.Participants, *ev.User)
		}
		entry := c.ensurePeerLocked(*ev.User, ev.RoomID)
		c.mu.Unlock()
		if entry != nil && ev.User.Online {
			go c.connectPeer(ctx, entry)
		}

	case signaling.UserLeftRoom:
		c.mu.Lock()
		if room, ok := c.rooms[ev.RoomID]; ok {
			kept := room.Participants[:0]
			for _, u := range room.Participants {
				if u.ID != ev.UserID {
					kept = append(kept, u)
				}
			}
			room.Participants = kept
		}
		c.mu.Unlock()
		c.dropPeerRoom(ctx, ev.UserID, ev.RoomID)

	case signaling.UserProfileUpdated:
		if ev.User == nil {
			return
		}
		c.mu.Lock()
		if entry, ok := c.peers[ev.UserID]; ok {
			online := entry.user.Online
			entry.user = *ev.User
			entry.user.Online = online
		}
		for _, room := range c.rooms {
			for i, u := range room.Participants {
				if u.ID == ev.UserID {
					room.Participants[i] = *ev.User
				}
			}
		}
		c.mu.Unlock()

	case signaling.UserRemoved:
		c.mu.Lock()
		var sharedRooms []string
		if entry, ok := c.peers[ev.UserID]; ok {
			for roomID := range entry.rooms {
				sharedRooms = append(sharedRooms, roomID)
			}
		}
		for _, room := range c.rooms {
			kept := room.Participants[:0]
			for _, u := range room.Participants {
				if u.ID != ev.UserID {
					kept = append(kept, u)
				}
			}
			room.Participants = kept
		}
		c.mu.Unlock()
		for _, roomID := range sharedRooms {
			c.dropPeerRoom(ctx, ev.UserID, roomID)
		}
	}
}

func (c *Client) consumePresence(ctx context.Context, stream signaling.OnlineStatusStream) {
	defer func() { _ = stream.Close() }()
	for {
		st, err := stream.Recv()
		if err != nil {
			c.streamEnded(ctx, "presence", err)
			return
		}
		c.applyPresence(ctx, st)
	}
}

func (c *Client) applyPresence(ctx context.Context, st *signaling.OnlineStatus) {
	c.mu.Lock()
	entry, ok := c.peers[st.UserID]
	if ok {
		entry.user.Online = st.Online
	}
	for _, room := range c.rooms {
		for i, u := range room.Participants {
			if u.ID == st.UserID {
				room.Participants[i].Online = st.Online
			}
		}
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if st.Online {
		c.events.Emit(EventUserOnline, st.UserID)
		go c.connectPeer(ctx, entry)
	} else {
		c.events.Emit(EventUserOffline, st.UserID)
		entry.channel.DisconnectSend(ctx)
	}
}

// streamEnded surfaces an abnormal stream end as a session fault.
func (c *Client) streamEnded(ctx context.Context, name string, err error) {
	if ctx.Err() != nil {
		return // deliberate shutdown
	}
	c.log.Warn("signaling stream ended", zap.String("stream", name), zap.Error(err))
	go func() {
		if err := c.Reconnect(context.Background()); err != nil {
			c.log.Error("reconnect failed", zap.Error(err))
		}
	}()
}
