package store

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(clientMsgID, peerID, body string) error {
	now := nowMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, peer_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, peerID, body, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ?`,
		nowMilli(), clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent'.
func (db *DB) MarkOutboxSent(clientMsgID string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', updated_at = ? WHERE client_msg_id = ?`,
		nowMilli(), clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, nowMilli(), clientMsgID)
	return err
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, peer_id, body, status, error_message
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.PeerID, &e.Body, &e.Status, &e.ErrorMessage); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
