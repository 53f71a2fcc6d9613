package chat

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sirus-rnd/p2pchat/internal/protocol"
	"github.com/sirus-rnd/p2pchat/internal/store"
)

// OutgoingFile is the binary content attached to a file or image
// message.
type OutgoingFile struct {
	Name   string
	MIME   string
	Binary []byte
}

// OutgoingMessage is the caller-facing send payload. Type defaults to
// text.
type OutgoingMessage struct {
	Type string
	Text string
	File *OutgoingFile
}

// GetConversations pages a room's history newest-first.
func (c *Client) GetConversations(roomID string, skip, limit int) ([]store.Conversation, error) {
	return c.store.GetConversations(roomID, limit, skip)
}

// SearchConversations full-text searches message history, optionally
// scoped to one room.
func (c *Client) SearchConversations(query, roomID string, limit int) ([]store.SearchResult, error) {
	return c.store.SearchConversations(query, roomID, limit)
}

// GetFile returns a stored file record, or nil when unknown.
func (c *Client) GetFile(id string) (*store.File, error) {
	return c.store.GetFile(id)
}

// participants returns a room's member IDs excluding self, or an error
// when the room is unknown.
func (c *Client) participants(roomID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	var ids []string
	for _, u := range room.Participants {
		if c.profile != nil && u.ID == c.profile.ID {
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}

// fanOut delivers one frame to every room participant except self.
// Unreachable peers get the frame queued, so per-peer failures never
// bubble up.
func (c *Client) fanOut(roomID string, frameType protocol.FrameType, payload any) error {
	receivers, err := c.participants(roomID)
	if err != nil {
		return err
	}
	for _, id := range receivers {
		if err := c.msg.Send(id, frameType, payload); err != nil {
			c.log.Error("fan-out failed", zap.String("peer", id),
				zap.String("type", string(frameType)), zap.Error(err))
		}
	}
	return nil
}

// SendMessage persists a SENT record and announces it to every room
// participant. File and image messages store the binary first; peers
// pull chunks on demand with RequestFile.
func (c *Client) SendMessage(ctx context.Context, roomID string, msg OutgoingMessage) (*store.Conversation, error) {
	c.mu.RLock()
	profile := c.profile
	c.mu.RUnlock()
	if profile == nil {
		return nil, ErrNotAuthenticated
	}
	if msg.Type == "" {
		msg.Type = store.TypeText
	}

	receivers, err := c.participants(roomID)
	if err != nil {
		return nil, err
	}

	var fileInfo *protocol.FileInfo
	if msg.File != nil {
		f, err := c.store.NewFile(store.NewFileParams{
			ID:      uuid.NewString(),
			Name:    msg.File.Name,
			Size:    int64(len(msg.File.Binary)),
			Type:    msg.File.MIME,
			OwnerID: profile.ID,
			Binary:  msg.File.Binary,
		})
		if err != nil {
			return nil, fmt.Errorf("store file: %w", err)
		}
		fileInfo = &protocol.FileInfo{ID: f.ID, Name: f.Name, Size: f.Size, Type: f.Type}
	}

	params := store.SendMessageParams{
		ID:          uuid.NewString(),
		RoomID:      roomID,
		SenderID:    profile.ID,
		MessageType: msg.Type,
		Text:        msg.Text,
		Receivers:   receivers,
	}
	if fileInfo != nil {
		params.FileID = fileInfo.ID
	}
	conv, err := c.store.SendMessage(params)
	if err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}

	frame := protocol.NewMessage{
		ID:          conv.ID,
		RoomID:      roomID,
		SendAt:      conv.SendAt,
		MessageType: msg.Type,
		Text:        msg.Text,
		File:        fileInfo,
	}
	if err := c.fanOut(roomID, protocol.FrameMessageNew, frame); err != nil {
		return nil, err
	}
	return conv, nil
}

// ReadMessage marks a received conversation read locally and tells the
// room a read receipt. Records we sent ourselves are left untouched and
// announce nothing.
func (c *Client) ReadMessage(ctx context.Context, roomID, conversationID string) (*store.Conversation, error) {
	conv, err := c.store.ReadMessage(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil || !conv.IsReceiver {
		return conv, nil
	}
	if err := c.fanOut(roomID, protocol.FrameMessageRead, protocol.Receipt{ID: conversationID}); err != nil {
		return nil, err
	}
	return conv, nil
}

// Typing announces transient typing activity to the room. Nothing is
// persisted.
func (c *Client) Typing(ctx context.Context, roomID string) error {
	c.mu.RLock()
	profile := c.profile
	c.mu.RUnlock()
	if profile == nil {
		return ErrNotAuthenticated
	}
	return c.fanOut(roomID, protocol.FrameTyping, protocol.Typing{RoomID: roomID, UserID: profile.ID})
}

// RequestFile asks a file's owner to stream its chunks, starting at
// startIndex for resumed transfers.
func (c *Client) RequestFile(ctx context.Context, ownerID, fileID string, startIndex int) error {
	return c.msg.Send(ownerID, protocol.FrameFileRequest, protocol.FileRequest{
		FileID:     fileID,
		StartIndex: startIndex,
	})
}

// Actions returns the newest audit-log entries.
func (c *Client) Actions(limit int) ([]store.ActionEntry, error) {
	return c.store.Actions(limit)
}
