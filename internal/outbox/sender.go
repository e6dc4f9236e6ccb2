// Package outbox drains queued outgoing messages, encrypts them for their
// peer, and hands them to the transport. Entries that cannot be encrypted
// or delivered are marked failed; there is no automatic retry.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lfmarques/susurro/internal/bus"
	"github.com/lfmarques/susurro/internal/cryptobox"
	"github.com/lfmarques/susurro/internal/messaging"
	"github.com/lfmarques/susurro/internal/store"
	"github.com/lfmarques/susurro/internal/transport"
	"go.uber.org/zap"
)

// Secrets resolves per-peer encryption state. The friend registry
// implements it.
type Secrets interface {
	DerivedSecretFor(peerID string) ([]byte, error)
	IsBlocked(peerID string) (bool, error)
}

// Identity exposes the local account record.
type Identity interface {
	Account() (*store.Account, error)
}

// Sender drains the outbox and sends sealed envelopes via the transport.
type Sender struct {
	db       *store.DB
	secrets  Secrets
	identity Identity
	msgs     *messaging.Service
	out      transport.Sender
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(
	db *store.DB,
	secrets Secrets,
	identity Identity,
	msgs *messaging.Service,
	out transport.Sender,
	b *bus.Bus,
	logger *zap.Logger,
) *Sender {
	return &Sender{
		db:       db,
		secrets:  secrets,
		identity: identity,
		msgs:     msgs,
		out:      out,
		bus:      b,
		logger:   logger,
	}
}

// Start begins polling the outbox for pending entries.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err),
				zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}

		if err := s.sendEntry(ctx, entry); err != nil {
			s.logger.Error("failed to send message", zap.Error(err),
				zap.String("client_msg_id", entry.ClientMsgID))
			s.fail(entry, err)
			continue
		}

		if err := s.db.MarkOutboxSent(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err),
				zap.String("client_msg_id", entry.ClientMsgID))
		}

		s.logger.Info("message sent", zap.String("client_msg_id", entry.ClientMsgID),
			zap.String("peer_id", entry.PeerID))
		s.bus.Publish(bus.NewEvent("message.send_ack", map[string]string{
			"client_msg_id": entry.ClientMsgID,
			"peer_id":       entry.PeerID,
		}))
	}
}

// sendEntry seals one entry for its peer and hands it to the transport.
func (s *Sender) sendEntry(ctx context.Context, entry store.OutboxEntry) error {
	blocked, err := s.secrets.IsBlocked(entry.PeerID)
	if err != nil {
		return fmt.Errorf("check blocked: %w", err)
	}
	if blocked {
		return errors.New("peer is blocked")
	}

	secret, err := s.secrets.DerivedSecretFor(entry.PeerID)
	if err != nil {
		return fmt.Errorf("derive secret: %w", err)
	}
	sealed, err := cryptobox.Seal(secret, []byte(entry.Body))
	if err != nil {
		return fmt.Errorf("seal body: %w", err)
	}

	acct, err := s.identity.Account()
	if err != nil {
		return fmt.Errorf("resolve local identity: %w", err)
	}

	env := transport.Envelope{
		Kind:    transport.KindChat,
		From:    acct.UUID,
		To:      entry.PeerID,
		MsgID:   entry.ClientMsgID,
		Payload: sealed,
	}
	// The local echo record carries the send timestamp and reply context.
	if echo, err := s.db.GetMessage(entry.ClientMsgID, true); err == nil && echo != nil {
		env.Timestamp = echo.Timestamp
		env.ReplyToID = echo.ReplyToID
		env.ReplyPreview = echo.ReplyPreview
		env.ReplySender = echo.ReplySender
	}

	// Advance the echo before handing the frame over: with an in-process
	// delivery channel the peer's delivery ack arrives inside Send, and it
	// must find the message already in the sent state.
	if err := s.msgs.UpdateStatus(entry.ClientMsgID, store.StatusSent); err != nil {
		return fmt.Errorf("advance message status: %w", err)
	}
	if err := s.out.Send(ctx, env); err != nil {
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

func (s *Sender) fail(entry store.OutboxEntry, cause error) {
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, cause.Error()); err != nil {
		s.logger.Error("failed to mark outbox entry failed", zap.Error(err),
			zap.String("client_msg_id", entry.ClientMsgID))
	}
	if err := s.msgs.UpdateStatus(entry.ClientMsgID, store.StatusFailed); err != nil {
		s.logger.Error("failed to mark message failed", zap.Error(err),
			zap.String("client_msg_id", entry.ClientMsgID))
	}
	s.bus.Publish(bus.NewEvent("message.send_failed", map[string]string{
		"client_msg_id": entry.ClientMsgID,
		"peer_id":       entry.PeerID,
		"error":         cause.Error(),
	}))
}
