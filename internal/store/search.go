package store

// SearchConversations performs a full-text search over message text.
func (db *DB) SearchConversations(query, roomID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT c.id, c.room_id, c.sender_id, c.is_receiver, c.send_at, c.message_type,
		       c.text_content, c.file_id, c.read, c.error_code, c.error_message,
		       snippet(conversations_fts, 0, '<<', '>>', '...', 32)
		FROM conversations_fts f
		JOIN conversations c ON c.rowid = f.rowid
		WHERE conversations_fts MATCH ?`

	args := []any{query}
	if roomID != "" {
		q += " AND c.room_id = ?"
		args = append(args, roomID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var isReceiver, read int
		if err := rows.Scan(
			&r.Conversation.ID, &r.Conversation.RoomID, &r.Conversation.SenderID,
			&isReceiver, &r.Conversation.SendAt, &r.Conversation.MessageType,
			&r.Conversation.TextContent, &r.Conversation.FileID, &read,
			&r.Conversation.ErrorCode, &r.Conversation.ErrorMessage, &r.Snippet,
		); err != nil {
			return nil, err
		}
		r.Conversation.IsReceiver = isReceiver != 0
		r.Conversation.Read = read != 0
		results = append(results, r)
	}
	return results, rows.Err()
}
