package signaling

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/sirus-rnd/p2pchat/internal/transport"
)

const (
	methodGetProfile        = "/protos.SignalingService/GetProfile"
	methodGetMyRooms        = "/protos.SignalingService/GetMyRooms"
	methodGetUser           = "/protos.SignalingService/GetUser"
	methodOfferSDP          = "/protos.SignalingService/OfferSessionDescription"
	methodAnswerSDP         = "/protos.SignalingService/AnswerSessionDescription"
	methodSendCandidate     = "/protos.SignalingService/SendICECandidate"
	methodSubscribeSDP      = "/protos.SignalingService/SubscribeSDPCommand"
	methodSubscribeRoom     = "/protos.SignalingService/SubscribeRoomEvent"
	methodSubscribePresence = "/protos.SignalingService/SubscribeOnlineStatus"
	methodHeartbeat         = "/protos.SignalingService/Heartbeat"
)

type sdpPayload struct {
	UserID      string                       `json:"userId"`
	Description transport.SessionDescription `json:"description"`
}

type candidatePayload struct {
	UserID    string `json:"userId"`
	IsRemote  bool   `json:"isRemote"`
	Candidate string `json:"candidate"`
}

type userLookup struct {
	ID string `json:"id"`
}

type empty struct{}

type roomList struct {
	Rooms []Room `json:"rooms"`
}

// GRPC implements Client over a gRPC connection with JSON bodies.
type GRPC struct {
	conn *grpc.ClientConn

	mu    sync.RWMutex
	token string
}

// Dial connects to the signaling service. TLS is the deployment's
// concern; the relay itself carries no chat payloads.
func Dial(target string) (*GRPC, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial signaling %s: %w", target, err)
	}
	return &GRPC{conn: conn}, nil
}

func (c *GRPC) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// withAuth attaches the session token as call metadata.
func (c *GRPC) withAuth(ctx context.Context) context.Context {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func (c *GRPC) GetProfile(ctx context.Context) (*Profile, error) {
	var profile Profile
	if err := c.conn.Invoke(c.withAuth(ctx), methodGetProfile, &empty{}, &profile); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &profile, nil
}

func (c *GRPC) GetMyRooms(ctx context.Context) ([]Room, error) {
	var reply roomList
	if err := c.conn.Invoke(c.withAuth(ctx), methodGetMyRooms, &empty{}, &reply); err != nil {
		return nil, fmt.Errorf("get rooms: %w", err)
	}
	return reply.Rooms, nil
}

func (c *GRPC) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	if err := c.conn.Invoke(c.withAuth(ctx), methodGetUser, &userLookup{ID: id}, &user); err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &user, nil
}

func (c *GRPC) OfferSessionDescription(ctx context.Context, userID string, sdp transport.SessionDescription) error {
	req := &sdpPayload{UserID: userID, Description: sdp}
	if err := c.conn.Invoke(c.withAuth(ctx), methodOfferSDP, req, &empty{}); err != nil {
		return fmt.Errorf("offer to %s: %w", userID, err)
	}
	return nil
}

func (c *GRPC) AnswerSessionDescription(ctx context.Context, userID string, sdp transport.SessionDescription) error {
	req := &sdpPayload{UserID: userID, Description: sdp}
	if err := c.conn.Invoke(c.withAuth(ctx), methodAnswerSDP, req, &empty{}); err != nil {
		return fmt.Errorf("answer to %s: %w", userID, err)
	}
	return nil
}

func (c *GRPC) SendICECandidate(ctx context.Context, userID string, isRemote bool, candidate string) error {
	req := &candidatePayload{UserID: userID, IsRemote: isRemote, Candidate: candidate}
	if err := c.conn.Invoke(c.withAuth(ctx), methodSendCandidate, req, &empty{}); err != nil {
		return fmt.Errorf("send candidate to %s: %w", userID, err)
	}
	return nil
}

func (c *GRPC) Heartbeat(ctx context.Context) error {
	if err := c.conn.Invoke(c.withAuth(ctx), methodHeartbeat, &empty{}, &empty{}); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// subscribe opens one server stream with the JSON codec.
func (c *GRPC) subscribe(ctx context.Context, name, method string) (grpc.ClientStream, error) {
	desc := &grpc.StreamDesc{StreamName: name, ServerStreams: true}
	stream, err := c.conn.NewStream(c.withAuth(ctx), desc, method, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	if err := stream.SendMsg(&empty{}); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", name, err)
	}
	return stream, nil
}

func (c *GRPC) SubscribeSDPCommand(ctx context.Context) (SDPStream, error) {
	stream, err := c.subscribe(ctx, "SubscribeSDPCommand", methodSubscribeSDP)
	if err != nil {
		return nil, err
	}
	return &grpcStream[SDPCommand]{stream: stream}, nil
}

func (c *GRPC) SubscribeRoomEvent(ctx context.Context) (RoomEventStream, error) {
	stream, err := c.subscribe(ctx, "SubscribeRoomEvent", methodSubscribeRoom)
	if err != nil {
		return nil, err
	}
	return &grpcStream[RoomEvent]{stream: stream}, nil
}

func (c *GRPC) SubscribeOnlineStatus(ctx context.Context) (OnlineStatusStream, error) {
	stream, err := c.subscribe(ctx, "SubscribeOnlineStatus", methodSubscribePresence)
	if err != nil {
		return nil, err
	}
	return &grpcStream[OnlineStatus]{stream: stream}, nil
}

func (c *GRPC) Close() error {
	return c.conn.Close()
}

type grpcStream[T any] struct {
	stream grpc.ClientStream
}

func (s *grpcStream[T]) Recv() (*T, error) {
	var msg T
	if err := s.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *grpcStream[T]) Close() error {
	// Server streams end when the RPC context does; signal we are done
	// reading by closing the send direction.
	return s.stream.CloseSend()
}
