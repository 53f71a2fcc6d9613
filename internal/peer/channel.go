// Package peer manages one negotiated link per remote peer: an outbound
// send side opened by us and an inbound receive side opened by the
// remote. SDP and ICE metadata travel through the signaling relay; once
// a data channel is open, raw frames flow directly between the peers.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sirus-rnd/p2pchat/internal/bus"
	"github.com/sirus-rnd/p2pchat/internal/transport"
)

const (
	// EventConnected fires with the peer's user ID once the send side opens.
	EventConnected = "peer.connected"
	// EventDisconnected fires with the peer's user ID when either side drops.
	EventDisconnected = "peer.disconnected"

	channelLabel = "chat"

	// candidateWait bounds how long a trickled candidate may sit in the
	// buffer waiting for its connection object to exist.
	candidateWait = 5 * time.Second
)

// ErrNotOpen reports a send attempted before the outbound channel opened.
var ErrNotOpen = errors.New("peer channel not open")

// Signaler relays session metadata to the remote peer. Implemented by
// the signaling client; tests substitute an in-process loopback.
type Signaler interface {
	OfferSessionDescription(ctx context.Context, userID string, sdp transport.SessionDescription) error
	AnswerSessionDescription(ctx context.Context, userID string, sdp transport.SessionDescription) error
	SendICECandidate(ctx context.Context, userID string, isRemote bool, candidate string) error
}

// Channel owns both directions of one peer link.
type Channel struct {
	userID    string
	transport transport.Transport
	signaler  Signaler
	events    *bus.Bus
	log       *zap.Logger

	// onData receives raw frames from the peer's send side.
	onData func(userID string, data []byte)

	mu        sync.Mutex
	sendState State
	recvState State
	sendConn  transport.Connection
	recvConn  transport.Connection
	sendCh    transport.DataChannel

	// trickled candidates buffered until their connection exists, each
	// buffer with its own expiry timer
	sendPending      []string
	recvPending      []string
	sendPendingTimer *time.Timer
	recvPendingTimer *time.Timer
}

func NewChannel(userID string, tr transport.Transport, sig Signaler, events *bus.Bus, log *zap.Logger) *Channel {
	return &Channel{
		userID:    userID,
		transport: tr,
		signaler:  sig,
		events:    events,
		log:       log.With(zap.String("peer", userID)),
		sendState: StateOffline,
		recvState: StateListening,
	}
}

func (c *Channel) UserID() string { return c.userID }

// OnData registers the raw-frame consumer. Must be set before the
// receive side opens.
func (c *Channel) OnData(fn func(userID string, data []byte)) {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
}

func (c *Channel) SendState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendState
}

func (c *Channel) ReceiveState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvState
}

// Connect opens the outbound side: creates a connection, opens the data
// channel, and relays the offer. Valid only from OFFLINE.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sendState != StateOffline {
		c.mu.Unlock()
		return nil
	}
	if err := transition(&c.sendState, StateNegotiating); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	conn, err := c.transport.NewConnection(ctx)
	if err != nil {
		c.failSend("new connection", err)
		return err
	}

	// every callback is owned by this connection; a stale one from a
	// previous negotiation epoch must never touch the current send side
	conn.OnCandidate(func(candidate string) {
		if err := c.signaler.SendICECandidate(context.Background(), c.userID, false, candidate); err != nil {
			c.log.Warn("relay candidate failed", zap.Error(err))
		}
	})
	conn.OnStateChange(func(state transport.ConnectionState) {
		if state == transport.StateFailed || state == transport.StateDisconnected {
			c.dropSend(conn)
		}
	})

	ch, err := conn.CreateDataChannel(channelLabel)
	if err != nil {
		_ = conn.Close()
		c.failSend("create data channel", err)
		return err
	}
	ch.OnOpen(func() {
		c.mu.Lock()
		if c.sendConn != conn {
			c.mu.Unlock()
			return
		}
		err := transition(&c.sendState, StateOpen)
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("open after close", zap.Error(err))
			return
		}
		c.log.Info("send channel open")
		c.events.Emit(EventConnected, c.userID)
	})
	ch.OnClose(func() { c.dropSend(conn) })

	// a disconnect may have landed while the connection was being built;
	// it wins, and the fresh connection must not leak
	c.mu.Lock()
	if c.sendState != StateNegotiating {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.sendConn = conn
	c.sendCh = ch
	c.mu.Unlock()

	offer, err := conn.Offer(ctx)
	if err != nil {
		c.failConn(conn, "create offer", err)
		return err
	}
	if err := c.signaler.OfferSessionDescription(ctx, c.userID, offer); err != nil {
		c.failConn(conn, "relay offer", err)
		return err
	}
	return nil
}

// HandleRemoteAnswer applies the peer's answer to the outbound side and
// flushes candidates buffered while it was missing.
func (c *Channel) HandleRemoteAnswer(answer transport.SessionDescription) error {
	c.mu.Lock()
	conn := c.sendConn
	pending := c.sendPending
	c.sendPending = nil
	c.disarmExpiry(&c.sendPendingTimer)
	c.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("answer from %s without outbound connection", c.userID)
	}
	if err := conn.SetAnswer(answer); err != nil {
		c.failConn(conn, "apply answer", err)
		return err
	}
	for _, candidate := range pending {
		if err := conn.AddCandidate(candidate); err != nil {
			c.log.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
	return nil
}

// HandleRemoteOffer builds the inbound side, answers, and relays the
// answer back through signaling.
func (c *Channel) HandleRemoteOffer(ctx context.Context, offer transport.SessionDescription) error {
	// remote renegotiation replaces any previous inbound side
	c.mu.Lock()
	old := c.recvConn
	c.recvConn = nil
	c.recvState = StateListening
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	conn, err := c.transport.NewConnection(ctx)
	if err != nil {
		return fmt.Errorf("new inbound connection: %w", err)
	}

	conn.OnCandidate(func(candidate string) {
		if err := c.signaler.SendICECandidate(context.Background(), c.userID, true, candidate); err != nil {
			c.log.Warn("relay candidate failed", zap.Error(err))
		}
	})
	conn.OnDataChannel(func(ch transport.DataChannel) {
		ch.OnMessage(func(data []byte) {
			c.mu.Lock()
			fn := c.onData
			c.mu.Unlock()
			if fn != nil {
				fn(c.userID, data)
			}
		})
		ch.OnOpen(func() {
			c.mu.Lock()
			if c.recvConn != conn {
				c.mu.Unlock()
				return
			}
			err := transition(&c.recvState, StateOpen)
			c.mu.Unlock()
			if err != nil {
				c.log.Warn("inbound open rejected", zap.Error(err))
				return
			}
			c.log.Info("receive channel open")
		})
		ch.OnClose(func() {
			c.mu.Lock()
			if c.recvConn == conn {
				_ = transition(&c.recvState, StateListening)
			}
			c.mu.Unlock()
		})
	})

	answer, err := conn.Answer(ctx, offer)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("answer offer: %w", err)
	}

	c.mu.Lock()
	c.recvConn = conn
	pending := c.recvPending
	c.recvPending = nil
	c.disarmExpiry(&c.recvPendingTimer)
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := conn.AddCandidate(candidate); err != nil {
			c.log.Warn("buffered candidate rejected", zap.Error(err))
		}
	}
	if err := c.signaler.AnswerSessionDescription(ctx, c.userID, answer); err != nil {
		return fmt.Errorf("relay answer: %w", err)
	}
	return nil
}

// AddCandidate applies a trickled remote candidate. isRemote marks a
// candidate gathered by the peer's receive side, which belongs to our
// send connection; the rest target our receive connection. Candidates
// arriving before the connection exists are buffered for up to 5s.
func (c *Channel) AddCandidate(isRemote bool, candidate string) error {
	c.mu.Lock()
	var conn transport.Connection
	if isRemote {
		conn = c.sendConn
		if conn == nil {
			c.sendPending = append(c.sendPending, candidate)
			c.armExpiry(&c.sendPending, &c.sendPendingTimer)
		}
	} else {
		conn = c.recvConn
		if conn == nil {
			c.recvPending = append(c.recvPending, candidate)
			c.armExpiry(&c.recvPending, &c.recvPendingTimer)
		}
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.AddCandidate(candidate)
}

// armExpiry starts the drop timer for a candidate buffer that was never
// flushed. Called with the lock held; the timer re-acquires it and
// no-ops if it was disarmed or replaced in the meantime.
func (c *Channel) armExpiry(buf *[]string, timer **time.Timer) {
	if *timer != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(candidateWait, func() {
		c.mu.Lock()
		if *timer != t {
			c.mu.Unlock()
			return
		}
		dropped := len(*buf)
		*buf = nil
		*timer = nil
		c.mu.Unlock()
		if dropped > 0 {
			c.log.Warn("dropped stale candidates", zap.Int("count", dropped))
		}
	})
	*timer = t
}

// disarmExpiry cancels a buffer's drop timer after a flush. Called with
// the lock held.
func (c *Channel) disarmExpiry(timer **time.Timer) {
	if *timer != nil {
		(*timer).Stop()
		*timer = nil
	}
}

// Send writes raw bytes to the outbound channel. Callers queue frames
// themselves when this fails.
func (c *Channel) Send(data []byte) error {
	c.mu.Lock()
	state := c.sendState
	ch := c.sendCh
	c.mu.Unlock()

	if state != StateOpen || ch == nil {
		return ErrNotOpen
	}
	if err := ch.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", c.userID, err)
	}
	return nil
}

// Open reports whether the outbound channel accepts sends.
func (c *Channel) Open() bool {
	return c.SendState() == StateOpen
}

// Reconnect tears down and rebuilds the outbound side only; the peer
// rebuilds the inbound side symmetrically.
func (c *Channel) Reconnect(ctx context.Context) error {
	c.DisconnectSend(ctx)
	return c.Connect(ctx)
}

// DisconnectSend closes the outbound side. Idempotent.
func (c *Channel) DisconnectSend(_ context.Context) {
	c.mu.Lock()
	if c.sendState == StateOffline {
		c.mu.Unlock()
		return
	}
	_ = transition(&c.sendState, StateClosing)
	conn := c.sendConn
	c.sendConn = nil
	c.sendCh = nil
	c.sendPending = nil
	c.disarmExpiry(&c.sendPendingTimer)
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	c.mu.Lock()
	_ = transition(&c.sendState, StateOffline)
	c.mu.Unlock()
	c.events.Emit(EventDisconnected, c.userID)
}

// DisconnectReceive closes the inbound side. Idempotent.
func (c *Channel) DisconnectReceive(_ context.Context) {
	c.mu.Lock()
	conn := c.recvConn
	c.recvConn = nil
	c.recvPending = nil
	c.disarmExpiry(&c.recvPendingTimer)
	c.recvState = StateListening
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// Close shuts both directions down.
func (c *Channel) Close(ctx context.Context) {
	c.DisconnectSend(ctx)
	c.DisconnectReceive(ctx)
}

// failSend logs a negotiation fault before any connection was installed
// and resets the outbound side. The peer stays OFFLINE until the next
// presence-online event retries it.
func (c *Channel) failSend(stage string, err error) {
	c.log.Error("negotiation failed", zap.String("stage", stage), zap.Error(err))
	c.mu.Lock()
	if c.sendState == StateNegotiating {
		_ = transition(&c.sendState, StateOffline)
	}
	c.mu.Unlock()
}

// failConn logs a negotiation fault on an installed connection and
// closes it. No-ops on the channel state when the connection is no
// longer the current outbound side.
func (c *Channel) failConn(conn transport.Connection, stage string, err error) {
	c.log.Error("negotiation failed", zap.String("stage", stage), zap.Error(err))
	c.mu.Lock()
	if c.sendConn == conn {
		c.sendConn = nil
		c.sendCh = nil
		_ = transition(&c.sendState, StateOffline)
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// dropSend handles an abrupt transport-level loss of the outbound side.
// Only the current connection may drop it; callbacks left on a replaced
// connection fire here too and must not touch the fresh one.
func (c *Channel) dropSend(conn transport.Connection) {
	c.mu.Lock()
	if c.sendConn != conn || c.sendState == StateOffline {
		c.mu.Unlock()
		return
	}
	_ = transition(&c.sendState, StateOffline)
	c.sendConn = nil
	c.sendCh = nil
	c.mu.Unlock()
	c.log.Info("send channel dropped")
	c.events.Emit(EventDisconnected, c.userID)
}
