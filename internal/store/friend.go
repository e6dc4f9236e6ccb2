package store

import "database/sql"

// GetFriend returns a friend record by peer id, or nil if unknown.
func (db *DB) GetFriend(peerID string) (*Friend, error) {
	var f Friend
	var key []byte
	err := db.QueryRow(`
		SELECT peer_id, username, avatar_ref, status_message, state, blocked, public_key
		FROM friends WHERE peer_id = ?`, peerID).
		Scan(&f.PeerID, &f.Username, &f.AvatarRef, &f.StatusMessage, &f.State, &f.Blocked, &key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	f.PublicKey = key
	return &f, nil
}

// UpsertFriend inserts or updates a friend record keyed by peer id.
func (db *DB) UpsertFriend(f *Friend) error {
	now := nowMilli()
	_, err := db.Exec(`
		INSERT INTO friends (peer_id, username, avatar_ref, status_message, state, blocked, public_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE friends.username END,
			avatar_ref = CASE WHEN excluded.avatar_ref != '' THEN excluded.avatar_ref ELSE friends.avatar_ref END,
			status_message = excluded.status_message,
			state = excluded.state,
			blocked = excluded.blocked,
			public_key = COALESCE(excluded.public_key, friends.public_key),
			updated_at = excluded.updated_at`,
		f.PeerID, f.Username, f.AvatarRef, f.StatusMessage, f.State, f.Blocked, f.PublicKey, now, now)
	return err
}

// SetFriendState updates only the relationship state.
func (db *DB) SetFriendState(peerID, state string) error {
	_, err := db.Exec(`UPDATE friends SET state = ?, updated_at = ? WHERE peer_id = ?`,
		state, nowMilli(), peerID)
	return err
}

// SetFriendBlocked sets or clears the block flag without touching the
// relationship state.
func (db *DB) SetFriendBlocked(peerID string, blocked bool) error {
	_, err := db.Exec(`UPDATE friends SET blocked = ?, updated_at = ? WHERE peer_id = ?`,
		blocked, nowMilli(), peerID)
	return err
}

// SetFriendKey stores the peer's public key.
func (db *DB) SetFriendKey(peerID string, publicKey []byte) error {
	_, err := db.Exec(`UPDATE friends SET public_key = ?, updated_at = ? WHERE peer_id = ?`,
		publicKey, nowMilli(), peerID)
	return err
}

// DeleteFriend removes a friend record entirely.
func (db *DB) DeleteFriend(peerID string) error {
	_, err := db.Exec(`DELETE FROM friends WHERE peer_id = ?`, peerID)
	return err
}

// ListFriends returns all friend records ordered by username.
func (db *DB) ListFriends() ([]Friend, error) {
	rows, err := db.Query(`
		SELECT peer_id, username, avatar_ref, status_message, state, blocked, public_key
		FROM friends ORDER BY username, peer_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var friends []Friend
	for rows.Next() {
		var f Friend
		if err := rows.Scan(&f.PeerID, &f.Username, &f.AvatarRef, &f.StatusMessage, &f.State, &f.Blocked, &f.PublicKey); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}
