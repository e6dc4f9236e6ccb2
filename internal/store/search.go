package store

import "errors"

// ErrSearchUnavailable is returned when the linked sqlite lacks the fts5
// module. Build with -tags sqlite_fts5 to enable full-text search.
var ErrSearchUnavailable = errors.New("full-text search unavailable: sqlite built without fts5")

// ensureSearchIndex creates the fts5 index and its sync triggers when the
// linked sqlite provides the module. Without fts5 the store works normally
// except that SearchMessages reports ErrSearchUnavailable.
func (db *DB) ensureSearchIndex() error {
	var enabled int
	if err := db.QueryRow(
		`SELECT sqlite_compileoption_used('ENABLE_FTS5')`).Scan(&enabled); err != nil {
		return err
	}
	if enabled == 0 {
		return nil
	}

	var existing int
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'messages_fts'`).
		Scan(&existing); err != nil {
		return err
	}
	if existing == 0 {
		stmts := []string{
			`CREATE VIRTUAL TABLE messages_fts USING fts5(
				plaintext,
				content='messages',
				content_rowid='id'
			)`,
			`CREATE TRIGGER messages_fts_insert AFTER INSERT ON messages BEGIN
				INSERT INTO messages_fts (rowid, plaintext) VALUES (new.id, new.plaintext);
			END`,
			`CREATE TRIGGER messages_fts_update AFTER UPDATE OF plaintext ON messages BEGIN
				INSERT INTO messages_fts (messages_fts, rowid, plaintext) VALUES ('delete', old.id, old.plaintext);
				INSERT INTO messages_fts (rowid, plaintext) VALUES (new.id, new.plaintext);
			END`,
			`CREATE TRIGGER messages_fts_delete AFTER DELETE ON messages BEGIN
				INSERT INTO messages_fts (messages_fts, rowid, plaintext) VALUES ('delete', old.id, old.plaintext);
			END`,
			// Backfill rows persisted before the index existed.
			`INSERT INTO messages_fts (messages_fts) VALUES ('rebuild')`,
		}
		for _, stmt := range stmts {
			if _, err := db.Exec(stmt); err != nil {
				return err
			}
		}
	}
	db.searchable = true
	return nil
}

// SearchAvailable reports whether full-text search is usable.
func (db *DB) SearchAvailable() bool {
	return db.searchable
}

// SearchMessages performs a full-text search on message plaintexts.
func (db *DB) SearchMessages(query string, conversationID string, limit int) ([]SearchResult, error) {
	if !db.searchable {
		return nil, ErrSearchUnavailable
	}
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.id, m.msg_id, m.conversation_id, m.sender_id, m.recipient_id,
		       m.plaintext, m.raw_payload, m.timestamp, m.status, m.is_echo,
		       m.reply_to_id, m.reply_preview, m.reply_sender,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
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
		if err := rows.Scan(
			&r.Message.ID, &r.Message.MsgID, &r.Message.ConversationID,
			&r.Message.SenderID, &r.Message.RecipientID, &r.Message.Plaintext,
			&r.Message.RawPayload, &r.Message.Timestamp, &r.Message.Status,
			&r.Message.IsEcho, &r.Message.ReplyToID, &r.Message.ReplyPreview,
			&r.Message.ReplySender, &r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
