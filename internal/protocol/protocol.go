// Package protocol defines the application wire protocol multiplexed over
// a peer's raw data channel. Every frame is an independently deserializable
// JSON object, self-describing by type.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ChunkSize is the fixed payload size of one file chunk in bytes.
const ChunkSize = 16384

// FrameType discriminates multiplexed frames.
type FrameType string

const (
	FrameMessageNew      FrameType = "message:new"
	FrameMessageReceived FrameType = "message:received"
	FrameMessageRead     FrameType = "message:read"
	FrameTyping          FrameType = "user:typing"
	FrameFileRequest     FrameType = "file:request"
	FrameFileStart       FrameType = "file:start"
	FrameFileChunk       FrameType = "file:chunk"
)

// Frame is one protocol message. Payload stays raw until the frame is
// dispatched by type.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// FileInfo describes a file referenced by a new-message frame.
type FileInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// NewMessage announces a conversation message to a peer.
type NewMessage struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"roomID"`
	SendAt      int64     `json:"sendAt"`
	MessageType string    `json:"messageType"`
	Text        string    `json:"text,omitempty"`
	File        *FileInfo `json:"file,omitempty"`
}

// Receipt acknowledges a conversation message ("received" and "read"
// frames share this payload); the acknowledging user is the channel peer.
type Receipt struct {
	ID string `json:"id"`
}

// Typing signals transient typing activity in a room. Not persisted.
type Typing struct {
	RoomID string `json:"roomID"`
	UserID string `json:"userID"`
}

// FileRequest asks a file's owner to stream its chunks, starting at
// StartIndex to support resumed transfers.
type FileRequest struct {
	FileID     string `json:"fileID"`
	StartIndex int    `json:"startIndex"`
}

// FileStart announces an incoming transfer with its declared chunk count.
type FileStart struct {
	FileID         string `json:"fileID"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	Type           string `json:"type"`
	ChunkSize      int    `json:"chunkSize"`
	NumberOfChunks int    `json:"numberOfChunks"`
}

// FileChunk carries one zero-based chunk of a file transfer.
type FileChunk struct {
	FileID string `json:"fileID"`
	Index  int    `json:"index"`
	Data   []byte `json:"data"`
}

// Encode marshals a frame of the given type around payload.
func Encode(t FrameType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return json.Marshal(&Frame{Type: t, Payload: raw})
}

// Decode unmarshals one frame from raw bytes.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type")
	}
	return &f, nil
}

// Into unmarshals the frame payload into v.
func (f *Frame) Into(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// ChunkCount returns the number of ChunkSize chunks needed for size bytes.
func ChunkCount(size int64) int {
	if size <= 0 {
		return 0
	}
	return int((size + ChunkSize - 1) / ChunkSize)
}
