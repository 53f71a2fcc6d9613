package signaling

import (
	"context"

	"github.com/sirus-rnd/p2pchat/internal/transport"
)

// SDPStream delivers relayed negotiation commands until the server ends
// it. A non-nil Recv error means the stream is dead; the caller decides
// whether to reconnect.
type SDPStream interface {
	Recv() (*SDPCommand, error)
	Close() error
}

// RoomEventStream delivers membership and profile changes.
type RoomEventStream interface {
	Recv() (*RoomEvent, error)
	Close() error
}

// OnlineStatusStream delivers presence changes.
type OnlineStatusStream interface {
	Recv() (*OnlineStatus, error)
	Close() error
}

// Client is the full signaling surface the chat engine consumes. The
// production implementation speaks gRPC; tests use an in-process hub.
type Client interface {
	// SetToken installs the session token sent with every call.
	SetToken(token string)

	GetProfile(ctx context.Context) (*Profile, error)
	GetMyRooms(ctx context.Context) ([]Room, error)
	GetUser(ctx context.Context, id string) (*User, error)

	OfferSessionDescription(ctx context.Context, userID string, sdp transport.SessionDescription) error
	AnswerSessionDescription(ctx context.Context, userID string, sdp transport.SessionDescription) error
	SendICECandidate(ctx context.Context, userID string, isRemote bool, candidate string) error

	SubscribeSDPCommand(ctx context.Context) (SDPStream, error)
	SubscribeRoomEvent(ctx context.Context) (RoomEventStream, error)
	SubscribeOnlineStatus(ctx context.Context) (OnlineStatusStream, error)

	// Heartbeat refreshes this client's own presence.
	Heartbeat(ctx context.Context) error

	Close() error
}
