// Package transport abstracts the peer-to-peer media layer behind small
// interfaces so the negotiation engine can run against a real WebRTC
// stack in production and an in-process network in tests.
package transport

import "context"

// ConnectionState mirrors the life of a peer connection.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionDescription carries one side of an SDP exchange.
type SessionDescription struct {
	Type string // "offer" or "answer"
	SDP  string
}

// Transport mints peer connections.
type Transport interface {
	NewConnection(ctx context.Context) (Connection, error)
}

// Connection is one negotiated link to a remote peer. Callbacks must be
// registered before negotiation starts; they may fire from transport
// goroutines.
type Connection interface {
	// CreateDataChannel opens an outgoing labeled channel. Call before
	// Offer so the channel is part of the negotiated session.
	CreateDataChannel(label string) (DataChannel, error)

	// OnDataChannel fires when the remote side opens a channel.
	OnDataChannel(fn func(DataChannel))

	// Offer produces the local offer and starts gathering candidates.
	Offer(ctx context.Context) (SessionDescription, error)

	// Answer applies a remote offer and produces the local answer.
	Answer(ctx context.Context, offer SessionDescription) (SessionDescription, error)

	// SetAnswer applies the remote answer on the offering side.
	SetAnswer(answer SessionDescription) error

	// AddCandidate applies a remote ICE candidate. Valid only after the
	// remote description is set.
	AddCandidate(candidate string) error

	// OnCandidate fires for each local ICE candidate to relay.
	OnCandidate(fn func(candidate string))

	// OnStateChange fires on connection state transitions.
	OnStateChange(fn func(state ConnectionState))

	Close() error
}

// DataChannel is an ordered, reliable byte-message channel.
type DataChannel interface {
	Label() string
	Send(data []byte) error
	OnMessage(fn func(data []byte))
	OnOpen(fn func())
	OnClose(fn func())
	Close() error
}
