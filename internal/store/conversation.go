package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SendMessageParams creates a locally authored conversation record.
type SendMessageParams struct {
	ID          string
	RoomID      string
	SenderID    string
	MessageType string
	Text        string
	FileID      string
	Receivers   []string
}

// ReceiveMessageParams creates a conversation record received from a peer.
// The ID is taken verbatim from the sender.
type ReceiveMessageParams struct {
	ID          string
	RoomID      string
	SenderID    string
	SendAt      int64
	MessageType string
	Text        string
	FileID      string
}

// SendMessage creates a SENT conversation record and its receiver list.
func (db *DB) SendMessage(p SendMessageParams) (*Conversation, error) {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO conversations (id, room_id, sender_id, is_receiver, send_at, message_type, text_content, file_id, created_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		p.ID, p.RoomID, p.SenderID, now, p.MessageType, p.Text, p.FileID, now); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	for _, userID := range p.Receivers {
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO conversation_receivers (conversation_id, user_id)
			VALUES (?, ?)`, p.ID, userID); err != nil {
			return nil, fmt.Errorf("insert receiver: %w", err)
		}
	}
	if err := appendAction(tx, ActionSend, p); err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetConversation(p.ID)
}

// ReceiveMessage creates a RECEIVED conversation record. Idempotent on the
// sender-assigned ID: re-delivered messages do not create duplicates.
func (db *DB) ReceiveMessage(p ReceiveMessageParams) (*Conversation, error) {
	now := time.Now().UnixMilli()
	sendAt := p.SendAt
	if sendAt == 0 {
		sendAt = now
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO conversations (id, room_id, sender_id, is_receiver, send_at, message_type, text_content, file_id, created_at)
		VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		p.ID, p.RoomID, p.SenderID, sendAt, p.MessageType, p.Text, p.FileID, now); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	if err := appendAction(tx, ActionReceive, p); err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetConversation(p.ID)
}

// MessageReceived records a delivery acknowledgement from a user.
// Duplicate acks are ignored (set semantics).
func (db *DB) MessageReceived(id, byUserID string) (*Conversation, error) {
	return db.addReceipt(id, byUserID, "received", ActionReceived)
}

// MessageRead records a read acknowledgement from a user. Duplicate acks
// are ignored.
func (db *DB) MessageRead(id, byUserID string) (*Conversation, error) {
	return db.addReceipt(id, byUserID, "read", ActionRead)
}

func (db *DB) addReceipt(id, userID, kind, actionType string) (*Conversation, error) {
	conv, err := db.GetConversation(id)
	if err != nil || conv == nil {
		return nil, err
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO conversation_receipts (conversation_id, user_id, kind, created_at)
		VALUES (?, ?, ?, ?)`, id, userID, kind, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert receipt: %w", err)
	}
	if err := appendAction(tx, actionType, map[string]string{"id": id, "user": userID}); err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetConversation(id)
}

// ReadMessage marks a record we received as read locally. Distinct from
// MessageRead, which records a remote peer's acknowledgement of a record
// we sent. Sent records are returned unchanged; only the receiver side
// carries the local read flag.
func (db *DB) ReadMessage(id string) (*Conversation, error) {
	conv, err := db.GetConversation(id)
	if err != nil || conv == nil {
		return nil, err
	}
	if !conv.IsReceiver {
		return conv, nil
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`UPDATE conversations SET read = 1 WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("update read: %w", err)
	}
	if err := appendAction(tx, ActionReadLocal, map[string]string{"id": id}); err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetConversation(id)
}

// FailedToSend records a terminal delivery failure on a sent record so
// the conversation surfaces as FAILED.
func (db *DB) FailedToSend(id string, code int, message string) (*Conversation, error) {
	conv, err := db.GetConversation(id)
	if err != nil || conv == nil {
		return nil, err
	}
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE conversations SET error_code = ?, error_message = ? WHERE id = ?`,
		code, message, id); err != nil {
		return nil, fmt.Errorf("update error: %w", err)
	}
	if err := appendAction(tx, ActionFailedToSend, map[string]any{"id": id, "code": code, "message": message}); err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetConversation(id)
}

// GetConversation returns a single record by ID, or nil when missing.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	var isReceiver, read int
	err := db.QueryRow(`
		SELECT id, room_id, sender_id, is_receiver, send_at, message_type, text_content, file_id, read, error_code, error_message
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.RoomID, &c.SenderID, &isReceiver, &c.SendAt, &c.MessageType,
			&c.TextContent, &c.FileID, &read, &c.ErrorCode, &c.ErrorMessage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.IsReceiver = isReceiver != 0
	c.Read = read != 0
	if err := db.loadConversationLists(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetConversations returns a page of a room's records ordered by send
// time descending.
func (db *DB) GetConversations(roomID string, limit, skip int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, room_id, sender_id, is_receiver, send_at, message_type, text_content, file_id, read, error_code, error_message
		FROM conversations
		WHERE room_id = ?
		ORDER BY send_at DESC
		LIMIT ? OFFSET ?`, roomID, limit, skip)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		var isReceiver, read int
		if err := rows.Scan(&c.ID, &c.RoomID, &c.SenderID, &isReceiver, &c.SendAt, &c.MessageType,
			&c.TextContent, &c.FileID, &read, &c.ErrorCode, &c.ErrorMessage); err != nil {
			return nil, err
		}
		c.IsReceiver = isReceiver != 0
		c.Read = read != 0
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range convs {
		if err := db.loadConversationLists(&convs[i]); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (db *DB) loadConversationLists(c *Conversation) error {
	rows, err := db.Query(`
		SELECT user_id FROM conversation_receivers WHERE conversation_id = ?`, c.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return err
		}
		c.Receivers = append(c.Receivers, userID)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	receipts, err := db.Query(`
		SELECT user_id, kind FROM conversation_receipts WHERE conversation_id = ? ORDER BY created_at`, c.ID)
	if err != nil {
		return err
	}
	defer func() { _ = receipts.Close() }()
	for receipts.Next() {
		var userID, kind string
		if err := receipts.Scan(&userID, &kind); err != nil {
			return err
		}
		switch kind {
		case "received":
			c.ReceivedBy = append(c.ReceivedBy, userID)
		case "read":
			c.ReadBy = append(c.ReadBy, userID)
		}
	}
	return receipts.Err()
}
