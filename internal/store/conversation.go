package store

import "database/sql"

// TouchConversation inserts or advances a conversation record. The last
// preview and timestamp only move forward: a redelivered older message
// never rewinds them.
func (db *DB) TouchConversation(c *Conversation) error {
	_, err := db.Exec(`
		INSERT INTO conversations (conversation_id, display_name, avatar_ref, last_preview, last_timestamp, is_group, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			last_timestamp = MAX(conversations.last_timestamp, excluded.last_timestamp),
			last_preview = CASE WHEN excluded.last_timestamp >= conversations.last_timestamp THEN excluded.last_preview ELSE conversations.last_preview END,
			updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, c.AvatarRef, c.LastPreview, c.LastTimestamp, c.IsGroup, nowMilli())
	return err
}

// GetConversation returns a conversation by id, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT conversation_id, display_name, avatar_ref, last_preview, last_timestamp, unread_count, is_group, focused
		FROM conversations WHERE conversation_id = ?`, id).
		Scan(&c.ID, &c.DisplayName, &c.AvatarRef, &c.LastPreview, &c.LastTimestamp, &c.UnreadCount, &c.IsGroup, &c.Focused)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns conversations sorted by last message timestamp
// descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT conversation_id, display_name, avatar_ref, last_preview, last_timestamp, unread_count, is_group, focused
		FROM conversations
		ORDER BY last_timestamp DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convos []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.AvatarRef, &c.LastPreview, &c.LastTimestamp, &c.UnreadCount, &c.IsGroup, &c.Focused); err != nil {
			return nil, err
		}
		convos = append(convos, c)
	}
	return convos, rows.Err()
}

// IncrementUnread bumps the unread counter by one.
func (db *DB) IncrementUnread(id string) error {
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = unread_count + 1, updated_at = ?
		WHERE conversation_id = ?`, nowMilli(), id)
	return err
}

// ResetUnread sets the unread counter back to zero.
func (db *DB) ResetUnread(id string) error {
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = 0, updated_at = ?
		WHERE conversation_id = ?`, nowMilli(), id)
	return err
}

// SetConversationFocused marks whether the conversation is currently on
// screen; focused conversations do not accumulate unread counts.
func (db *DB) SetConversationFocused(id string, focused bool) error {
	_, err := db.Exec(`
		UPDATE conversations SET focused = ?, updated_at = ?
		WHERE conversation_id = ?`, focused, nowMilli(), id)
	return err
}

// SetParticipants replaces the participant list of a group conversation.
func (db *DB) SetParticipants(id string, peerIDs []string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversation_participants WHERE conversation_id = ?`, id); err != nil {
		return err
	}
	for _, pid := range peerIDs {
		if _, err := tx.Exec(`
			INSERT INTO conversation_participants (conversation_id, peer_id) VALUES (?, ?)`,
			id, pid); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListParticipants returns participant peer ids of a conversation.
func (db *DB) ListParticipants(id string) ([]string, error) {
	rows, err := db.Query(`
		SELECT peer_id FROM conversation_participants WHERE conversation_id = ? ORDER BY peer_id`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var pid string
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		ids = append(ids, pid)
	}
	return ids, rows.Err()
}
