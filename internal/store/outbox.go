package store

import "time"

// QueueFrame stores a protocol frame that could not be delivered to a
// peer. Frames replay FIFO per peer once its channel opens.
func (db *DB) QueueFrame(peerID, frameType string, payload []byte) error {
	_, err := db.Exec(`
		INSERT INTO outbox (peer_id, frame_type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		peerID, frameType, payload, time.Now().UnixMilli())
	return err
}

// PendingFrames returns a peer's queued frames in enqueue order.
func (db *DB) PendingFrames(peerID string) ([]OutboxFrame, error) {
	rows, err := db.Query(`
		SELECT id, peer_id, frame_type, payload
		FROM outbox WHERE peer_id = ? ORDER BY id ASC`, peerID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var frames []OutboxFrame
	for rows.Next() {
		var f OutboxFrame
		if err := rows.Scan(&f.ID, &f.PeerID, &f.FrameType, &f.Payload); err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, rows.Err()
}

// DeleteFrame removes a queued frame after a successful resend.
func (db *DB) DeleteFrame(id int64) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	return err
}

// ClearOutbox drops every queued frame. Used on logout.
func (db *DB) ClearOutbox() error {
	_, err := db.Exec(`DELETE FROM outbox`)
	return err
}
