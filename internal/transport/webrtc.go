package transport

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// WebRTC implements Transport on pion's WebRTC stack.
type WebRTC struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewWebRTC builds a transport using the given STUN/TURN server URLs.
func NewWebRTC(iceServers []string) *WebRTC {
	config := webrtc.Configuration{}
	if len(iceServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	settings := webrtc.SettingEngine{}
	return &WebRTC{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settings)),
		config: config,
	}
}

func (t *WebRTC) NewConnection(_ context.Context) (Connection, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return &webrtcConn{pc: pc}, nil
}

type webrtcConn struct {
	pc *webrtc.PeerConnection
}

func (c *webrtcConn) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := c.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, fmt.Errorf("create data channel %s: %w", label, err)
	}
	return &webrtcChannel{dc: dc}, nil
}

func (c *webrtcConn) OnDataChannel(fn func(DataChannel)) {
	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		fn(&webrtcChannel{dc: dc})
	})
}

func (c *webrtcConn) Offer(_ context.Context) (SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (c *webrtcConn) Answer(_ context.Context, offer SessionDescription) (SessionDescription, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *webrtcConn) SetAnswer(answer SessionDescription) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (c *webrtcConn) AddCandidate(candidate string) error {
	if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (c *webrtcConn) OnCandidate(fn func(string)) {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		fn(candidate.ToJSON().Candidate)
	})
}

func (c *webrtcConn) OnStateChange(fn func(ConnectionState)) {
	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		fn(mapState(state))
	})
}

func (c *webrtcConn) Close() error {
	return c.pc.Close()
}

func mapState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return StateNew
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	default:
		return StateClosed
	}
}

type webrtcChannel struct {
	dc *webrtc.DataChannel
}

func (ch *webrtcChannel) Label() string { return ch.dc.Label() }

func (ch *webrtcChannel) Send(data []byte) error {
	return ch.dc.Send(data)
}

func (ch *webrtcChannel) OnMessage(fn func([]byte)) {
	ch.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data)
	})
}

func (ch *webrtcChannel) OnOpen(fn func())  { ch.dc.OnOpen(fn) }
func (ch *webrtcChannel) OnClose(fn func()) { ch.dc.OnClose(fn) }

func (ch *webrtcChannel) Close() error { return ch.dc.Close() }
