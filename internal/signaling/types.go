// Package signaling talks to the rendezvous service that relays
// profiles, room membership, session descriptions, ICE candidates, and
// presence between peers. Chat payloads never pass through it.
package signaling

import "github.com/sirus-rnd/p2pchat/internal/transport"

// User identifies a peer. Online tracks the presence stream, not any
// direct connection state.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Photo  string `json:"photo"`
	Online bool   `json:"online"`
}

// Room groups participants. The participant list decides which peers a
// client keeps channels for.
type Room struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Photo        string `json:"photo"`
	Description  string `json:"description"`
	Participants []User `json:"participants"`
}

// Profile is the authenticated user's own identity plus the ICE servers
// the signaling operator hands out.
type Profile struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Photo      string   `json:"photo"`
	ICEServers []string `json:"iceServers"`
}

// SDPCommandType discriminates relayed negotiation metadata.
type SDPCommandType string

const (
	SDPOffer     SDPCommandType = "offer"
	SDPAnswer    SDPCommandType = "answer"
	SDPCandidate SDPCommandType = "candidate"
)

// SDPCommand is one relayed negotiation step from another peer.
type SDPCommand struct {
	Type        SDPCommandType               `json:"type"`
	SenderID    string                       `json:"senderId"`
	Description transport.SessionDescription `json:"description"`
	Candidate   string                       `json:"candidate"`
	IsRemote    bool                         `json:"isRemote"`
}

// RoomEventType discriminates membership and profile changes.
type RoomEventType string

const (
	RoomCreated        RoomEventType = "room-created"
	RoomUpdated        RoomEventType = "room-updated"
	RoomDestroyed      RoomEventType = "room-destroyed"
	UserJoinedRoom     RoomEventType = "user-joined"
	UserLeftRoom       RoomEventType = "user-left"
	UserProfileUpdated RoomEventType = "user-profile-updated"
	UserRemoved        RoomEventType = "user-removed"
)

// RoomEvent is one membership or profile change. Room and User are set
// when the event carries them; RoomID/UserID always identify the
// subjects.
type RoomEvent struct {
	Type   RoomEventType `json:"type"`
	RoomID string        `json:"roomId"`
	UserID string        `json:"userId"`
	Room   *Room         `json:"room,omitempty"`
	User   *User         `json:"user,omitempty"`
}

// OnlineStatus is one presence change.
type OnlineStatus struct {
	UserID string `json:"userId"`
	Online bool   `json:"online"`
}
