// Package account owns the local user's cryptographic identity: the
// password-derived secret (never persisted), the X25519 key pair, and
// their durable representation in the store.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lfmarques/susurro/internal/bus"
	"github.com/lfmarques/susurro/internal/cryptobox"
	"github.com/lfmarques/susurro/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrAccountExists is returned by Create when an account is already
	// registered in this store.
	ErrAccountExists = errors.New("account already exists")
	// ErrNoAccount is returned by Unlock when no account is registered.
	ErrNoAccount = errors.New("no account registered")
	// ErrInvalidCredentials is returned by Unlock on a password mismatch,
	// detected via the verifier tag.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrLocked is returned when an operation needs the unlocked session.
	ErrLocked = errors.New("account is locked")
)

// KeyRotated is the payload for account.key_rotated events. Subscribers
// holding shared secrets derived from the old pair must drop them.
type KeyRotated struct {
	PublicKey []byte
}

// Manager drives the account lifecycle. The derived session key lives only
// in this struct's volatile state.
type Manager struct {
	db     *store.DB
	kdf    cryptobox.KDF
	params cryptobox.Params
	bus    *bus.Bus
	logger *zap.Logger

	mu         sync.RWMutex
	sessionKey []byte
}

// NewManager creates an account manager. params configures the KDF for
// newly created accounts; existing accounts keep the parameters they were
// created with.
func NewManager(db *store.DB, kdf cryptobox.KDF, params cryptobox.Params, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		db:     db,
		kdf:    kdf,
		params: params,
		bus:    b,
		logger: logger,
	}
}

// Create registers the local account: derives a salt, runs the KDF (the
// derived key itself is never stored, only salt, parameters, and a
// verifier tag), generates an X25519 pair, and persists the record. The
// session is left unlocked.
func (m *Manager) Create(ctx context.Context, username, password string) (*store.Account, error) {
	existing, err := m.db.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	if existing != nil {
		return nil, ErrAccountExists
	}

	salt, err := cryptobox.NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := m.kdf.Derive(ctx, []byte(password), salt, m.params)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	pub, priv, err := cryptobox.GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	a := &store.Account{
		UUID:         uuid.New().String(),
		Username:     username,
		KDFSalt:      salt,
		KDFAlgorithm: string(m.params.Algorithm),
		KDFTime:      m.params.Time,
		KDFMemoryKiB: m.params.MemoryKiB,
		KDFThreads:   m.params.Threads,
		KDFKeyLen:    m.params.KeyLen,
		Verifier:     cryptobox.Verifier(key),
		PublicKey:    pub,
		PrivateKey:   priv,
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := m.db.InsertAccount(a); err != nil {
		if errors.Is(err, store.ErrAccountRowExists) {
			return nil, ErrAccountExists
		}
		return nil, fmt.Errorf("persist account: %w", err)
	}

	m.mu.Lock()
	m.sessionKey = key
	m.mu.Unlock()

	m.logger.Info("account created", zap.String("uuid", a.UUID), zap.String("username", a.Username))
	m.bus.Publish(bus.NewEvent("account.created", a.UUID))
	return a, nil
}

// Unlock re-derives the key from the stored salt and parameters and checks
// it against the verifier tag. On success the derived key is held only in
// volatile session state and returned to the caller.
func (m *Manager) Unlock(ctx context.Context, password string) ([]byte, error) {
	a, err := m.db.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	if a == nil {
		return nil, ErrNoAccount
	}

	params := cryptobox.Params{
		Algorithm: cryptobox.Algorithm(a.KDFAlgorithm),
		Time:      a.KDFTime,
		MemoryKiB: a.KDFMemoryKiB,
		Threads:   a.KDFThreads,
		KeyLen:    a.KDFKeyLen,
	}
	key, err := m.kdf.Derive(ctx, []byte(password), a.KDFSalt, params)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	if subtle.ConstantTimeCompare(cryptobox.Verifier(key), a.Verifier) != 1 {
		return nil, ErrInvalidCredentials
	}

	m.mu.Lock()
	m.sessionKey = key
	m.mu.Unlock()

	m.logger.Info("account unlocked", zap.String("uuid", a.UUID))
	m.bus.Publish(bus.NewEvent("account.unlocked", a.UUID))
	return key, nil
}

// RotateKeyPair generates a new X25519 pair, persists it, and returns the
// new public key for redistribution to friends. Shared secrets derived
// from the old pair are stale from this point; the key_rotated event tells
// the roster to renegotiate.
func (m *Manager) RotateKeyPair(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a, err := m.db.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	if a == nil {
		return nil, ErrNoAccount
	}

	pub, priv, err := cryptobox.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := m.db.UpdateAccountKeyPair(pub, priv, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("persist key pair: %w", err)
	}

	m.logger.Info("key pair rotated", zap.String("uuid", a.UUID))
	m.bus.Publish(bus.NewEvent("account.key_rotated", KeyRotated{PublicKey: pub}))
	return pub, nil
}

// SessionKey returns the in-memory derived key, or ErrLocked when the
// session has not been unlocked.
func (m *Manager) SessionKey() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sessionKey == nil {
		return nil, ErrLocked
	}
	return m.sessionKey, nil
}

// Lock discards the in-memory session key.
func (m *Manager) Lock() {
	m.mu.Lock()
	m.sessionKey = nil
	m.mu.Unlock()
}

// Locked reports whether the session key is absent from memory.
func (m *Manager) Locked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionKey == nil
}

// Account returns the persisted account record, or ErrNoAccount.
func (m *Manager) Account() (*store.Account, error) {
	a, err := m.db.GetAccount()
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrNoAccount
	}
	return a, nil
}
