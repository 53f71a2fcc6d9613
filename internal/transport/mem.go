package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MemNetwork is an in-process Transport. Connections negotiate by
// exchanging their network-local IDs as SDP payloads, and data channels
// deliver messages in order over goroutine queues. Tests use it to run
// full peer sessions without sockets.
type MemNetwork struct {
	mu    sync.Mutex
	conns map[string]*memConn
	seq   int
}

func NewMemNetwork() *MemNetwork {
	return &MemNetwork{conns: make(map[string]*memConn)}
}

func (n *MemNetwork) NewConnection(_ context.Context) (Connection, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	c := &memConn{net: n, id: fmt.Sprintf("mem-%d", n.seq)}
	n.conns[c.id] = c
	return c, nil
}

func (n *MemNetwork) lookup(id string) *memConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[id]
}

type memConn struct {
	net *MemNetwork
	id  string

	mu            sync.Mutex
	channels      []*memChannel
	remote        *memConn
	linked        bool
	closed        bool
	candidates    []string
	onDataChannel func(DataChannel)
	onCandidate   func(string)
	onState       func(ConnectionState)
}

func (c *memConn) CreateDataChannel(label string) (DataChannel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("connection closed")
	}
	ch := newMemChannel(label)
	c.channels = append(c.channels, ch)
	remote := c.remote
	linked := c.linked
	c.mu.Unlock()

	if linked {
		wireChannel(ch, remote)
	}
	return ch, nil
}

func (c *memConn) OnDataChannel(fn func(DataChannel)) {
	c.mu.Lock()
	c.onDataChannel = fn
	c.mu.Unlock()
}

func (c *memConn) Offer(_ context.Context) (SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return SessionDescription{}, errors.New("connection closed")
	}
	// One synthetic candidate so relaying paths get exercised.
	if fn := c.onCandidate; fn != nil {
		go fn("candidate:" + c.id)
	}
	return SessionDescription{Type: "offer", SDP: c.id}, nil
}

func (c *memConn) Answer(_ context.Context, offer SessionDescription) (SessionDescription, error) {
	remote := c.net.lookup(offer.SDP)
	if remote == nil {
		return SessionDescription{}, fmt.Errorf("unknown remote %q", offer.SDP)
	}
	c.mu.Lock()
	c.remote = remote
	if fn := c.onCandidate; fn != nil {
		go fn("candidate:" + c.id)
	}
	c.mu.Unlock()
	return SessionDescription{Type: "answer", SDP: c.id}, nil
}

// SetAnswer completes the exchange: both sides link, pre-created
// channels surface on the remote, and both report connected.
func (c *memConn) SetAnswer(answer SessionDescription) error {
	remote := c.net.lookup(answer.SDP)
	if remote == nil {
		return fmt.Errorf("unknown remote %q", answer.SDP)
	}

	c.mu.Lock()
	c.remote = remote
	c.linked = true
	local := append([]*memChannel(nil), c.channels...)
	c.mu.Unlock()

	remote.mu.Lock()
	remote.linked = true
	remoteChannels := append([]*memChannel(nil), remote.channels...)
	remote.mu.Unlock()

	for _, ch := range local {
		wireChannel(ch, remote)
	}
	for _, ch := range remoteChannels {
		wireChannel(ch, c)
	}

	c.fireState(StateConnected)
	remote.fireState(StateConnected)
	return nil
}

func (c *memConn) AddCandidate(candidate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *memConn) OnCandidate(fn func(string)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *memConn) OnStateChange(fn func(ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *memConn) fireState(state ConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (c *memConn) handleIncoming(ch *memChannel) {
	c.mu.Lock()
	fn := c.onDataChannel
	c.mu.Unlock()
	if fn != nil {
		fn(ch)
	}
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := append([]*memChannel(nil), c.channels...)
	remote := c.remote
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	c.fireState(StateClosed)
	if remote != nil {
		remote.fireState(StateDisconnected)
	}
	return nil
}

// wireChannel mirrors ch onto the remote connection and opens both ends.
func wireChannel(ch *memChannel, remote *memConn) {
	ch.mu.Lock()
	if ch.peer != nil {
		ch.mu.Unlock()
		return
	}
	peer := newMemChannel(ch.label)
	ch.peer = peer
	ch.mu.Unlock()

	peer.mu.Lock()
	peer.peer = ch
	peer.mu.Unlock()

	remote.handleIncoming(peer)
	ch.markOpen()
	peer.markOpen()
}

type memChannel struct {
	label string

	mu      sync.Mutex
	peer    *memChannel
	opened  bool
	closed  bool
	onMsg   func([]byte)
	onOpen  func()
	onClose func()
	queue   chan []byte
	done    chan struct{}
}

func newMemChannel(label string) *memChannel {
	ch := &memChannel{
		label: label,
		queue: make(chan []byte, 256),
		done:  make(chan struct{}),
	}
	go ch.deliver()
	return ch
}

// deliver preserves send order: a single consumer drains the queue.
func (ch *memChannel) deliver() {
	for {
		select {
		case data := <-ch.queue:
			ch.mu.Lock()
			fn := ch.onMsg
			ch.mu.Unlock()
			if fn != nil {
				fn(data)
			}
		case <-ch.done:
			return
		}
	}
}

func (ch *memChannel) Label() string { return ch.label }

func (ch *memChannel) Send(data []byte) error {
	ch.mu.Lock()
	peer := ch.peer
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return errors.New("channel closed")
	}
	if peer == nil {
		return errors.New("channel not connected")
	}

	peer.mu.Lock()
	peerClosed := peer.closed
	peer.mu.Unlock()
	if peerClosed {
		return errors.New("remote channel closed")
	}

	buf := append([]byte(nil), data...)
	select {
	case peer.queue <- buf:
		return nil
	case <-peer.done:
		return errors.New("remote channel closed")
	}
}

func (ch *memChannel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	ch.onMsg = fn
	ch.mu.Unlock()
}

func (ch *memChannel) OnOpen(fn func()) {
	ch.mu.Lock()
	ch.onOpen = fn
	opened := ch.opened
	ch.mu.Unlock()
	if opened && fn != nil {
		fn()
	}
}

func (ch *memChannel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	ch.mu.Unlock()
}

func (ch *memChannel) markOpen() {
	ch.mu.Lock()
	if ch.opened {
		ch.mu.Unlock()
		return
	}
	ch.opened = true
	fn := ch.onOpen
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (ch *memChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	fn := ch.onClose
	peer := ch.peer
	ch.mu.Unlock()

	close(ch.done)
	if fn != nil {
		fn()
	}
	if peer != nil {
		peer.closeFromPeer()
	}
	return nil
}

func (ch *memChannel) closeFromPeer() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	fn := ch.onClose
	ch.mu.Unlock()

	close(ch.done)
	if fn != nil {
		fn()
	}
}
