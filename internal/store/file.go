package store

import (
	"database/sql"
	"fmt"
	"time"
)

// NewFileParams registers an owner-authored file with its full binary.
type NewFileParams struct {
	ID      string
	Name    string
	Size    int64
	Type    string
	OwnerID string
	Binary  []byte
}

// ReceiveFileParams announces an incoming transfer with a declared chunk
// count; chunks accumulate until all have arrived.
type ReceiveFileParams struct {
	ID             string
	Name           string
	Size           int64
	Type           string
	OwnerID        string
	NumberOfChunks int
}

// NewFile stores an owner-side file record.
func (db *DB) NewFile(p NewFileParams) (*File, error) {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO files (id, name, size, type, created_at, is_owner, owner_id, binary)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)`,
		p.ID, p.Name, p.Size, p.Type, now, p.OwnerID, p.Binary); err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	if err := appendAction(tx, ActionFileNew, map[string]any{"id": p.ID, "name": p.Name, "size": p.Size}); err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetFile(p.ID)
}

// ReceiveFile stores a receiver-side file record awaiting chunks.
// Idempotent on ID: a re-announced transfer does not reset accumulated
// chunks.
func (db *DB) ReceiveFile(p ReceiveFileParams) (*File, error) {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO files (id, name, size, type, created_at, is_owner, owner_id, number_of_chunks)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		p.ID, p.Name, p.Size, p.Type, now, p.OwnerID, p.NumberOfChunks); err != nil {
		return nil, fmt.Errorf("insert file: %w", err)
	}
	if err := appendAction(tx, ActionFileReceive, map[string]any{"id": p.ID, "chunks": p.NumberOfChunks}); err != nil {
		return nil, fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return db.GetFile(p.ID)
}

// ReceiveFileChunk inserts one chunk idempotently and reports the current
// download fraction plus whether the chunk row was new. Duplicate and
// out-of-range indices are accepted without effect so completion can
// never trigger twice from replayed frames.
func (db *DB) ReceiveFileChunk(fileID string, index int, data []byte) (fraction float64, inserted bool, err error) {
	var numberOfChunks int
	var hasBinary int
	err = db.QueryRow(`
		SELECT number_of_chunks, binary IS NOT NULL FROM files WHERE id = ?`, fileID).
		Scan(&numberOfChunks, &hasBinary)
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("file %s not found", fileID)
	}
	if err != nil {
		return 0, false, err
	}
	if hasBinary != 0 {
		return 1, false, nil
	}
	if numberOfChunks <= 0 {
		return 0, false, fmt.Errorf("file %s declares no chunks", fileID)
	}

	if index >= 0 && index < numberOfChunks {
		res, err := db.Exec(`
			INSERT OR IGNORE INTO file_chunks (file_id, idx, data) VALUES (?, ?, ?)`,
			fileID, index, data)
		if err != nil {
			return 0, false, fmt.Errorf("insert chunk: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
	}

	var count int
	if err := db.QueryRow(`
		SELECT COUNT(*) FROM file_chunks WHERE file_id = ?`, fileID).Scan(&count); err != nil {
		return 0, false, err
	}
	return float64(count) / float64(numberOfChunks), inserted, nil
}

// AllFileChunkReceived concatenates accumulated chunks in index order into
// the file's binary and deletes the chunk rows. Returns whether assembly
// happened; an already-assembled or incomplete file is a no-op, so the
// transition fires exactly once.
func (db *DB) AllFileChunkReceived(fileID string) (*File, bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var numberOfChunks int
	var hasBinary int
	err = tx.QueryRow(`
		SELECT number_of_chunks, binary IS NOT NULL FROM files WHERE id = ?`, fileID).
		Scan(&numberOfChunks, &hasBinary)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if hasBinary != 0 || numberOfChunks <= 0 {
		f, err := db.GetFile(fileID)
		return f, false, err
	}

	rows, err := tx.Query(`
		SELECT data FROM file_chunks WHERE file_id = ? ORDER BY idx ASC`, fileID)
	if err != nil {
		return nil, false, err
	}
	var binary []byte
	count := 0
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			_ = rows.Close()
			return nil, false, err
		}
		binary = append(binary, data...)
		count++
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, false, err
	}
	_ = rows.Close()

	if count < numberOfChunks {
		f, err := db.GetFile(fileID)
		return f, false, err
	}

	if _, err := tx.Exec(`UPDATE files SET binary = ? WHERE id = ?`, binary, fileID); err != nil {
		return nil, false, fmt.Errorf("store binary: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM file_chunks WHERE file_id = ?`, fileID); err != nil {
		return nil, false, fmt.Errorf("clear chunks: %w", err)
	}
	if err := appendAction(tx, ActionFileAssembled, map[string]any{"id": fileID, "bytes": len(binary)}); err != nil {
		return nil, false, fmt.Errorf("append action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}

	f, err := db.GetFile(fileID)
	return f, true, err
}

// FileTransferred records a completed outbound transfer to a peer.
func (db *DB) FileTransferred(fileID, userID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT OR IGNORE INTO file_transfers (file_id, user_id, created_at)
		VALUES (?, ?, ?)`, fileID, userID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	if err := appendAction(tx, ActionFileTransferred, map[string]string{"id": fileID, "user": userID}); err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return tx.Commit()
}

// DeleteFile removes a file record with its chunks and transfer history.
func (db *DB) DeleteFile(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM file_chunks WHERE file_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM file_transfers WHERE file_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM files WHERE id = ?`, id); err != nil {
		return err
	}
	if err := appendAction(tx, ActionFileDeleted, map[string]string{"id": id}); err != nil {
		return err
	}
	return tx.Commit()
}

// GetFile returns a file record by ID, or nil when missing.
func (db *DB) GetFile(id string) (*File, error) {
	var f File
	var isOwner int
	err := db.QueryRow(`
		SELECT id, name, size, type, created_at, is_owner, owner_id, binary, number_of_chunks
		FROM files WHERE id = ?`, id).
		Scan(&f.ID, &f.Name, &f.Size, &f.Type, &f.CreatedAt, &isOwner, &f.OwnerID, &f.Binary, &f.NumberOfChunks)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.IsOwner = isOwner != 0

	rows, err := db.Query(`
		SELECT user_id FROM file_transfers WHERE file_id = ? ORDER BY created_at`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		f.TransferredTo = append(f.TransferredTo, userID)
	}
	return &f, rows.Err()
}

// ChunkCountStored returns how many chunk rows a file has accumulated.
func (db *DB) ChunkCountStored(fileID string) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM file_chunks WHERE file_id = ?`, fileID).Scan(&count)
	return count, err
}
