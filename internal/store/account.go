package store

import (
	"database/sql"
	"errors"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrAccountRowExists is returned by InsertAccount when the single account
// row is already present.
var ErrAccountRowExists = errors.New("account row already exists")

// GetAccount returns the local account, or nil if none is registered.
func (db *DB) GetAccount() (*Account, error) {
	var a Account
	err := db.QueryRow(`
		SELECT uuid, username, kdf_salt, kdf_algorithm, kdf_time, kdf_memory_kib,
		       kdf_threads, kdf_key_len, verifier, public_key, private_key,
		       created_at, key_rotated_at
		FROM account WHERE id = 1`).
		Scan(&a.UUID, &a.Username, &a.KDFSalt, &a.KDFAlgorithm, &a.KDFTime,
			&a.KDFMemoryKiB, &a.KDFThreads, &a.KDFKeyLen, &a.Verifier,
			&a.PublicKey, &a.PrivateKey, &a.CreatedAt, &a.KeyRotatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// InsertAccount persists the account record. The id = 1 primary key keeps
// the table to exactly one row; a second insert fails with
// ErrAccountRowExists.
func (db *DB) InsertAccount(a *Account) error {
	_, err := db.Exec(`
		INSERT INTO account (id, uuid, username, kdf_salt, kdf_algorithm, kdf_time,
			kdf_memory_kib, kdf_threads, kdf_key_len, verifier, public_key,
			private_key, created_at, key_rotated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		a.UUID, a.Username, a.KDFSalt, a.KDFAlgorithm, a.KDFTime,
		a.KDFMemoryKiB, a.KDFThreads, a.KDFKeyLen, a.Verifier,
		a.PublicKey, a.PrivateKey, a.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAccountRowExists
	}
	return err
}

// UpdateAccountKeyPair replaces the stored key pair after a rotation.
// Identifier and username are immutable; no update path exists for them.
func (db *DB) UpdateAccountKeyPair(pub, priv []byte, rotatedAt int64) error {
	_, err := db.Exec(`
		UPDATE account SET public_key = ?, private_key = ?, key_rotated_at = ?
		WHERE id = 1`, pub, priv, rotatedAt)
	return err
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}
