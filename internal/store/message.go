package store

import (
	"database/sql"
	"errors"
	"math"
)

// ErrDuplicateMessage is returned by InsertMessage when a record with the
// same (msg_id, is_echo) already exists.
var ErrDuplicateMessage = errors.New("duplicate message id")

// InsertMessage persists a new message record. Uniqueness of
// (msg_id, is_echo) makes redelivered frames detectable.
func (db *DB) InsertMessage(m *Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (msg_id, conversation_id, sender_id, recipient_id,
			plaintext, raw_payload, timestamp, status, is_echo,
			reply_to_id, reply_preview, reply_sender, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.MsgID, m.ConversationID, m.SenderID, m.RecipientID,
		m.Plaintext, m.RawPayload, m.Timestamp, m.Status, m.IsEcho,
		m.ReplyToID, m.ReplyPreview, m.ReplySender, nowMilli())
	if isUniqueViolation(err) {
		return ErrDuplicateMessage
	}
	return err
}

// GetMessage returns a message by msg id and echo flag, or nil if absent.
// The non-echo record is the authoritative copy.
func (db *DB) GetMessage(msgID string, isEcho bool) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT id, msg_id, conversation_id, sender_id, recipient_id, plaintext,
		       raw_payload, timestamp, status, is_echo, reply_to_id, reply_preview, reply_sender
		FROM messages WHERE msg_id = ? AND is_echo = ?`, msgID, isEcho).
		Scan(&m.ID, &m.MsgID, &m.ConversationID, &m.SenderID, &m.RecipientID,
			&m.Plaintext, &m.RawPayload, &m.Timestamp, &m.Status, &m.IsEcho,
			&m.ReplyToID, &m.ReplyPreview, &m.ReplySender)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// UpdateMessageStatusGuarded transitions a message's status only when the
// stored status still equals from: msg id plus prior status is the gate
// that linearizes concurrent updates. Returns false when the guard did not
// match (the row moved on, or msg id is unknown).
func (db *DB) UpdateMessageStatusGuarded(msgID string, isEcho bool, from, to string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE msg_id = ? AND is_echo = ? AND status = ?`,
		to, msgID, isEcho, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateMessagePlaintext overwrites the decrypted plaintext of a message,
// keeping the raw payload untouched.
func (db *DB) UpdateMessagePlaintext(msgID string, isEcho bool, plaintext string) error {
	_, err := db.Exec(`
		UPDATE messages SET plaintext = ? WHERE msg_id = ? AND is_echo = ?`,
		plaintext, msgID, isEcho)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	// Timestamps are stamped by the corrected clock, which may run ahead
	// of local time. No bound means no bound.
	if beforeTs <= 0 {
		beforeTs = math.MaxInt64
	}
	rows, err := db.Query(`
		SELECT id, msg_id, conversation_id, sender_id, recipient_id, plaintext,
		       raw_payload, timestamp, status, is_echo, reply_to_id, reply_preview, reply_sender
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// MarkDeliveredRead transitions every delivered message in a conversation
// to read. Returns the msg ids that changed. Select and update run in one
// transaction so a message delivered in between is not flipped silently.
func (db *DB) MarkDeliveredRead(conversationID string) ([]string, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT msg_id FROM messages
		WHERE conversation_id = ? AND is_echo = 0 AND status = ?`,
		conversationID, StatusDelivered)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND is_echo = 0 AND status = ?`,
		StatusRead, conversationID, StatusDelivered); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// MaxTimestamp returns the greatest message timestamp in a conversation,
// or 0 when it has no messages.
func (db *DB) MaxTimestamp(conversationID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`
		SELECT MAX(timestamp) FROM messages WHERE conversation_id = ?`, conversationID).
		Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MsgID, &m.ConversationID, &m.SenderID,
			&m.RecipientID, &m.Plaintext, &m.RawPayload, &m.Timestamp, &m.Status,
			&m.IsEcho, &m.ReplyToID, &m.ReplyPreview, &m.ReplySender); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
