package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Action types recorded on the audit log.
const (
	ActionSend            = "send"
	ActionReceive         = "receive"
	ActionReceived        = "received"
	ActionRead            = "read"
	ActionReadLocal       = "read-local"
	ActionFailedToSend    = "failed-to-send"
	ActionFileNew         = "file-new"
	ActionFileReceive     = "file-receive"
	ActionFileAssembled   = "file-assembled"
	ActionFileTransferred = "file-transferred"
	ActionFileDeleted     = "file-deleted"
)

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// appendAction writes one audit row. Called inside the same transaction
// as the mutation it records.
func appendAction(e execer, actionType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	_, err = e.Exec(`INSERT INTO action_log (time, type, payload) VALUES (?, ?, ?)`,
		time.Now().UnixMilli(), actionType, string(raw))
	return err
}

// Actions returns the most recent audit entries, newest first.
func (db *DB) Actions(limit int) ([]ActionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, time, type, payload
		FROM action_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []ActionEntry
	for rows.Next() {
		var e ActionEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.Type, &e.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
