// Package messenger speaks the application wire protocol over peer
// channels: it multiplexes message, receipt, typing, and file-transfer
// frames, queues frames for unreachable peers in the durable outbox,
// and reassembles incoming file chunks.
package messenger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sirus-rnd/p2pchat/internal/bus"
	"github.com/sirus-rnd/p2pchat/internal/peer"
	"github.com/sirus-rnd/p2pchat/internal/protocol"
	"github.com/sirus-rnd/p2pchat/internal/store"
)

// Event kinds published on the client bus.
const (
	EventMessageNew      = "message.new"
	EventMessageReceived = "message.received"
	EventMessageRead     = "message.read"
	EventTyping          = "user.typing"
	EventFileStart       = "file.start"
	EventFileProgress    = "file.progress"
	EventFileComplete    = "file.complete"
	EventFileTransferred = "file.transferred"
	EventMessageFailed   = "message.failed"
)

// FileProgress reports download state for one incoming transfer.
type FileProgress struct {
	FileID   string
	Fraction float64
}

// FileTransfer reports a finished outbound transfer.
type FileTransfer struct {
	FileID string
	UserID string
}

// Sender is the slice of a peer channel the messenger needs.
type Sender interface {
	UserID() string
	Open() bool
	Send(data []byte) error
}

// Directory resolves a peer ID to its channel, or nil when the peer is
// not in any shared room.
type Directory interface {
	Peer(userID string) Sender
}

type Messenger struct {
	store     *store.DB
	events    *bus.Bus
	directory Directory
	log       *zap.Logger
}

func New(db *store.DB, events *bus.Bus, directory Directory, log *zap.Logger) *Messenger {
	return &Messenger{
		store:     db,
		events:    events,
		directory: directory,
		log:       log.Named("messenger"),
	}
}

// Start drains a peer's pending frames whenever its channel opens.
func (m *Messenger) Start(ctx context.Context) {
	connected, stop := m.events.Subscribe(peer.EventConnected, 16)
	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-connected:
				peerID, ok := e.Payload.(string)
				if !ok {
					continue
				}
				if err := m.Drain(peerID); err != nil {
					m.log.Warn("drain failed", zap.String("peer", peerID), zap.Error(err))
				}
			}
		}
	}()
}

// Send delivers one frame to a peer, or queues it durably when the
// channel is down. Queueing is success from the caller's view.
func (m *Messenger) Send(peerID string, frameType protocol.FrameType, payload any) error {
	data, err := protocol.Encode(frameType, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", frameType, err)
	}

	ch := m.directory.Peer(peerID)
	if ch == nil || !ch.Open() {
		return m.queue(peerID, frameType, payload, data)
	}
	if err := ch.Send(data); err != nil {
		m.log.Debug("send failed, queueing", zap.String("peer", peerID),
			zap.String("type", string(frameType)), zap.Error(err))
		return m.queue(peerID, frameType, payload, data)
	}
	return nil
}

// queue stores a frame for later replay. When even the durable enqueue
// fails, a new-message frame's conversation record is marked FAILED so
// the caller's UI can show it without the session crashing.
func (m *Messenger) queue(peerID string, frameType protocol.FrameType, payload any, data []byte) error {
	err := m.store.QueueFrame(peerID, string(frameType), data)
	if err == nil {
		return nil
	}
	if frameType == protocol.FrameMessageNew {
		if msg, ok := payload.(protocol.NewMessage); ok {
			conv, markErr := m.store.FailedToSend(msg.ID, 1, err.Error())
			if markErr != nil {
				m.log.Error("mark failed-to-send", zap.String("id", msg.ID), zap.Error(markErr))
			} else if conv != nil {
				m.events.Emit(EventMessageFailed, conv)
			}
		}
	}
	return err
}

// Drain replays a peer's queued frames in enqueue order. Each frame is
// deleted only after a successful send; a failure stops the replay so
// order is preserved for the next attempt.
func (m *Messenger) Drain(peerID string) error {
	frames, err := m.store.PendingFrames(peerID)
	if err != nil {
		return fmt.Errorf("load pending frames: %w", err)
	}
	if len(frames) == 0 {
		return nil
	}

	ch := m.directory.Peer(peerID)
	if ch == nil || !ch.Open() {
		return nil
	}

	for _, f := range frames {
		if err := ch.Send(f.Payload); err != nil {
			return fmt.Errorf("replay frame %d: %w", f.ID, err)
		}
		if err := m.store.DeleteFrame(f.ID); err != nil {
			return fmt.Errorf("delete frame %d: %w", f.ID, err)
		}
	}
	m.log.Info("drained pending frames", zap.String("peer", peerID), zap.Int("count", len(frames)))
	return nil
}

// HandleIncoming dispatches one raw frame from a peer. Unknown frame
// types are logged and dropped; the connection is unaffected.
func (m *Messenger) HandleIncoming(peerID string, data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		m.log.Warn("undecodable frame", zap.String("peer", peerID), zap.Error(err))
		return
	}

	var handleErr error
	switch frame.Type {
	case protocol.FrameMessageNew:
		handleErr = m.handleNewMessage(peerID, frame)
	case protocol.FrameMessageReceived:
		handleErr = m.handleReceipt(peerID, frame, false)
	case protocol.FrameMessageRead:
		handleErr = m.handleReceipt(peerID, frame, true)
	case protocol.FrameTyping:
		handleErr = m.handleTyping(frame)
	case protocol.FrameFileRequest:
		handleErr = m.handleFileRequest(peerID, frame)
	case protocol.FrameFileStart:
		handleErr = m.handleFileStart(frame)
	case protocol.FrameFileChunk:
		handleErr = m.handleFileChunk(frame)
	default:
		m.log.Warn("unknown frame type", zap.String("peer", peerID), zap.String("type", string(frame.Type)))
		return
	}
	if handleErr != nil {
		m.log.Error("frame handling failed", zap.String("peer", peerID),
			zap.String("type", string(frame.Type)), zap.Error(handleErr))
	}
}

func (m *Messenger) handleNewMessage(peerID string, frame *protocol.Frame) error {
	var msg protocol.NewMessage
	if err := frame.Into(&msg); err != nil {
		return err
	}

	params := store.ReceiveMessageParams{
		ID:          msg.ID,
		RoomID:      msg.RoomID,
		SenderID:    peerID,
		SendAt:      msg.SendAt,
		MessageType: msg.MessageType,
		Text:        msg.Text,
	}
	if msg.File != nil {
		params.FileID = msg.File.ID
		if _, err := m.store.ReceiveFile(store.ReceiveFileParams{
			ID:             msg.File.ID,
			Name:           msg.File.Name,
			Size:           msg.File.Size,
			Type:           msg.File.Type,
			OwnerID:        peerID,
			NumberOfChunks: protocol.ChunkCount(msg.File.Size),
		}); err != nil {
			return fmt.Errorf("register incoming file: %w", err)
		}
	}

	conv, err := m.store.ReceiveMessage(params)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	m.events.Emit(EventMessageNew, conv)

	// at-least-once: ack through the same queue-backed send path
	return m.Send(peerID, protocol.FrameMessageReceived, protocol.Receipt{ID: msg.ID})
}

func (m *Messenger) handleReceipt(peerID string, frame *protocol.Frame, read bool) error {
	var receipt protocol.Receipt
	if err := frame.Into(&receipt); err != nil {
		return err
	}

	var conv *store.Conversation
	var err error
	kind := EventMessageReceived
	if read {
		conv, err = m.store.MessageRead(receipt.ID, peerID)
		kind = EventMessageRead
	} else {
		conv, err = m.store.MessageReceived(receipt.ID, peerID)
	}
	if err != nil {
		return err
	}
	if conv == nil {
		m.log.Debug("ack for unknown conversation", zap.String("id", receipt.ID))
		return nil
	}
	m.events.Emit(kind, conv)
	return nil
}

func (m *Messenger) handleTyping(frame *protocol.Frame) error {
	var typing protocol.Typing
	if err := frame.Into(&typing); err != nil {
		return err
	}
	m.events.Emit(EventTyping, typing)
	return nil
}

// handleFileRequest streams an owned file to the requesting peer:
// FileStart with the chunk plan, then every chunk in index order.
func (m *Messenger) handleFileRequest(peerID string, frame *protocol.Frame) error {
	var req protocol.FileRequest
	if err := frame.Into(&req); err != nil {
		return err
	}

	f, err := m.store.GetFile(req.FileID)
	if err != nil {
		return err
	}
	if f == nil || f.Binary == nil {
		return fmt.Errorf("file %s not available", req.FileID)
	}

	total := protocol.ChunkCount(int64(len(f.Binary)))
	if err := m.Send(peerID, protocol.FrameFileStart, protocol.FileStart{
		FileID:         f.ID,
		Name:           f.Name,
		Size:           int64(len(f.Binary)),
		Type:           f.Type,
		ChunkSize:      protocol.ChunkSize,
		NumberOfChunks: total,
	}); err != nil {
		return err
	}

	start := req.StartIndex
	if start < 0 {
		start = 0
	}
	for idx := start; idx < total; idx++ {
		lo := idx * protocol.ChunkSize
		hi := lo + protocol.ChunkSize
		if hi > len(f.Binary) {
			hi = len(f.Binary)
		}
		if err := m.Send(peerID, protocol.FrameFileChunk, protocol.FileChunk{
			FileID: f.ID,
			Index:  idx,
			Data:   f.Binary[lo:hi],
		}); err != nil {
			return fmt.Errorf("stream chunk %d: %w", idx, err)
		}
	}

	if err := m.store.FileTransferred(f.ID, peerID); err != nil {
		return err
	}
	m.events.Emit(EventFileTransferred, FileTransfer{FileID: f.ID, UserID: peerID})
	return nil
}

func (m *Messenger) handleFileStart(frame *protocol.Frame) error {
	var start protocol.FileStart
	if err := frame.Into(&start); err != nil {
		return err
	}
	m.events.Emit(EventFileStart, start)
	return nil
}

func (m *Messenger) handleFileChunk(frame *protocol.Frame) error {
	var chunk protocol.FileChunk
	if err := frame.Into(&chunk); err != nil {
		return err
	}

	fraction, inserted, err := m.store.ReceiveFileChunk(chunk.FileID, chunk.Index, chunk.Data)
	if err != nil {
		return err
	}
	m.events.Emit(EventFileProgress, FileProgress{FileID: chunk.FileID, Fraction: fraction})

	// completion fires on received-count == declared-count; the store
	// guards against a second trigger from replayed chunks
	if fraction >= 1 && inserted {
		f, assembled, err := m.store.AllFileChunkReceived(chunk.FileID)
		if err != nil {
			return fmt.Errorf("assemble file: %w", err)
		}
		if assembled {
			m.events.Emit(EventFileComplete, f)
		}
	}
	return nil
}
