// Package roster tracks peer identities, their public keys, and the
// relationship state between the local user and each peer.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/lfmarques/susurro/internal/bus"
	"github.com/lfmarques/susurro/internal/cryptobox"
	"github.com/lfmarques/susurro/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrNotPending is returned when accepting a request that is not in
	// pending_incoming state.
	ErrNotPending = errors.New("friend request is not pending")
	// ErrMissingPeerKey is returned when a shared secret is requested for
	// a peer with no public key on record.
	ErrMissingPeerKey = errors.New("no public key on record for peer")
	// ErrUnknownPeer is returned for operations on peers with no record.
	ErrUnknownPeer = errors.New("unknown peer")
)

// KeySource provides the local account record, used for the private half
// of shared-secret derivation.
type KeySource interface {
	Account() (*store.Account, error)
}

// Registry is the friend/relationship registry. Shared secrets are cached
// per peer and dropped wholesale when the local key pair rotates.
type Registry struct {
	db     *store.DB
	keys   KeySource
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc

	mu      sync.Mutex
	secrets map[string][]byte
}

// New creates a registry.
func New(db *store.DB, keys KeySource, b *bus.Bus, logger *zap.Logger) *Registry {
	return &Registry{
		db:      db,
		keys:    keys,
		bus:     b,
		logger:  logger,
		secrets: make(map[string][]byte),
	}
}

// Start subscribes to key rotation events so cached shared secrets derived
// from the old pair are dropped and renegotiated lazily.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	ch, unsub := r.bus.Subscribe("account.key_rotated", 16)

	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				r.InvalidateSecrets()
				r.logger.Info("shared secrets invalidated after key rotation")
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the rotation listener.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// RequestFriend records an outgoing friend request. Repeated calls on an
// existing pending_outgoing (or already accepted) record are no-ops.
func (r *Registry) RequestFriend(peerID, username string) error {
	f, err := r.db.GetFriend(peerID)
	if err != nil {
		return fmt.Errorf("read friend: %w", err)
	}
	if f != nil && (f.State == store.StatePendingOutgoing || f.State == store.StateFriend) {
		return nil
	}
	if err := r.db.UpsertFriend(&store.Friend{
		PeerID:   peerID,
		Username: username,
		State:    store.StatePendingOutgoing,
	}); err != nil {
		return fmt.Errorf("persist friend: %w", err)
	}
	r.bus.Publish(bus.NewEvent("friend.requested", peerID))
	return nil
}

// ReceiveFriendRequest records an incoming friend request together with
// the peer's public key. A redelivered request for an already accepted
// peer refreshes the stored key but leaves the friend state alone.
func (r *Registry) ReceiveFriendRequest(peerID, username string, peerPublicKey []byte) error {
	f, err := r.db.GetFriend(peerID)
	if err != nil {
		return fmt.Errorf("read friend: %w", err)
	}
	if f != nil && f.State == store.StateFriend {
		if len(peerPublicKey) > 0 {
			if err := r.db.SetFriendKey(peerID, peerPublicKey); err != nil {
				return fmt.Errorf("persist friend key: %w", err)
			}
			r.dropSecret(peerID)
		}
		return nil
	}
	if err := r.db.UpsertFriend(&store.Friend{
		PeerID:    peerID,
		Username:  username,
		State:     store.StatePendingIncoming,
		PublicKey: peerPublicKey,
	}); err != nil {
		return fmt.Errorf("persist friend: %w", err)
	}
	r.bus.Publish(bus.NewEvent("friend.received", peerID))
	return nil
}

// AcceptFriend transitions pending_incoming to friend. A friend record
// always carries a public key; accepting a record without one fails.
func (r *Registry) AcceptFriend(peerID string) error {
	f, err := r.db.GetFriend(peerID)
	if err != nil {
		return fmt.Errorf("read friend: %w", err)
	}
	if f == nil || f.State != store.StatePendingIncoming {
		return ErrNotPending
	}
	if len(f.PublicKey) == 0 {
		return ErrMissingPeerKey
	}
	if err := r.db.SetFriendState(peerID, store.StateFriend); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	r.bus.Publish(bus.NewEvent("friend.accepted", peerID))
	return nil
}

// AcceptedByPeer completes an outgoing request on the remote acceptance
// event, storing the peer's public key. It publishes friend.confirmed
// rather than friend.accepted: only a local accept must be announced to
// the peer.
func (r *Registry) AcceptedByPeer(peerID string, peerPublicKey []byte) error {
	f, err := r.db.GetFriend(peerID)
	if err != nil {
		return fmt.Errorf("read friend: %w", err)
	}
	if f == nil || f.State != store.StatePendingOutgoing {
		return ErrNotPending
	}
	if len(peerPublicKey) == 0 {
		return ErrMissingPeerKey
	}
	if err := r.db.SetFriendKey(peerID, peerPublicKey); err != nil {
		return fmt.Errorf("persist key: %w", err)
	}
	if err := r.db.SetFriendState(peerID, store.StateFriend); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	r.bus.Publish(bus.NewEvent("friend.confirmed", peerID))
	return nil
}

// Block sets the block flag without altering the relationship state.
func (r *Registry) Block(peerID string) error {
	if err := r.setBlocked(peerID, true); err != nil {
		return err
	}
	r.bus.Publish(bus.NewEvent("friend.blocked", peerID))
	return nil
}

// Unblock clears the block flag.
func (r *Registry) Unblock(peerID string) error {
	if err := r.setBlocked(peerID, false); err != nil {
		return err
	}
	r.bus.Publish(bus.NewEvent("friend.unblocked", peerID))
	return nil
}

func (r *Registry) setBlocked(peerID string, blocked bool) error {
	f, err := r.db.GetFriend(peerID)
	if err != nil {
		return fmt.Errorf("read friend: %w", err)
	}
	if f == nil {
		return ErrUnknownPeer
	}
	return r.db.SetFriendBlocked(peerID, blocked)
}

// IsBlocked reports whether a peer is blocked. Unknown peers are not
// blocked.
func (r *Registry) IsBlocked(peerID string) (bool, error) {
	f, err := r.db.GetFriend(peerID)
	if err != nil {
		return false, err
	}
	return f != nil && f.Blocked, nil
}

// Remove deletes the relationship record and any cached secret.
func (r *Registry) Remove(peerID string) error {
	if err := r.db.DeleteFriend(peerID); err != nil {
		return fmt.Errorf("delete friend: %w", err)
	}
	r.mu.Lock()
	delete(r.secrets, peerID)
	r.mu.Unlock()
	r.bus.Publish(bus.NewEvent("friend.removed", peerID))
	return nil
}

// Get returns the friend record for a peer, or ErrUnknownPeer.
func (r *Registry) Get(peerID string) (*store.Friend, error) {
	f, err := r.db.GetFriend(peerID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, ErrUnknownPeer
	}
	return f, nil
}

// List returns all friend records.
func (r *Registry) List() ([]store.Friend, error) {
	return r.db.ListFriends()
}

// DerivedSecretFor computes (or returns the cached) shared secret between
// the local private key and the peer's stored public key.
func (r *Registry) DerivedSecretFor(peerID string) ([]byte, error) {
	r.mu.Lock()
	if secret, ok := r.secrets[peerID]; ok {
		r.mu.Unlock()
		return secret, nil
	}
	r.mu.Unlock()

	f, err := r.db.GetFriend(peerID)
	if err != nil {
		return nil, fmt.Errorf("read friend: %w", err)
	}
	if f == nil || len(f.PublicKey) == 0 {
		return nil, ErrMissingPeerKey
	}

	a, err := r.keys.Account()
	if err != nil {
		return nil, fmt.Errorf("read local keys: %w", err)
	}
	secret, err := cryptobox.SharedSecret(a.PrivateKey, f.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("derive secret: %w", err)
	}

	r.mu.Lock()
	r.secrets[peerID] = secret
	r.mu.Unlock()
	return secret, nil
}

func (r *Registry) dropSecret(peerID string) {
	r.mu.Lock()
	delete(r.secrets, peerID)
	r.mu.Unlock()
}

// InvalidateSecrets drops every cached shared secret.
func (r *Registry) InvalidateSecrets() {
	r.mu.Lock()
	r.secrets = make(map[string][]byte)
	r.mu.Unlock()
}
