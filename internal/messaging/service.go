// Package messaging is the local encrypted message store service: it
// enforces msg id uniqueness, blocked-sender policy, the monotonic status
// table, and conversation bookkeeping on top of the sqlite store.
package messaging

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lfmarques/susurro/internal/bus"
	"github.com/lfmarques/susurro/internal/clock"
	"github.com/lfmarques/susurro/internal/cryptobox"
	"github.com/lfmarques/susurro/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrBlockedSender is returned when an inbound message comes from a
	// blocked peer. Nothing is persisted.
	ErrBlockedSender = errors.New("sender is blocked")
	// ErrUnknownMessage is returned for operations on msg ids with no
	// record.
	ErrUnknownMessage = errors.New("unknown message id")
	// ErrNoPayload is returned by ReDecrypt when the record retained no
	// ciphertext.
	ErrNoPayload = errors.New("message has no raw payload")
)

const previewLen = 100

// Blocklist is the slice of the friend registry the message store consults
// before persisting inbound messages.
type Blocklist interface {
	IsBlocked(peerID string) (bool, error)
}

// ReplyRef points an outgoing message at the message it answers.
type ReplyRef struct {
	MsgID   string
	Preview string
	Sender  string
}

// StatusChange is the payload for message.status_changed events. IsEcho
// tells subscribers whether the change applies to the local echo copy of
// an outgoing message or to an authoritative inbound record.
type StatusChange struct {
	MsgID          string
	ConversationID string
	From           string
	To             string
	IsEcho         bool
}

// Service owns all message and conversation writes.
type Service struct {
	db     *store.DB
	blocks Blocklist
	clock  *clock.Service
	bus    *bus.Bus
	logger *zap.Logger
}

// NewService creates a messaging service.
func NewService(db *store.DB, blocks Blocklist, clk *clock.Service, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		db:     db,
		blocks: blocks,
		clock:  clk,
		bus:    b,
		logger: logger,
	}
}

// Append validates and persists a message, then updates the owning
// conversation. Redelivered msg ids are idempotent no-ops. Blocked senders
// are rejected before any write. The unread counter counts only
// authoritative (non-echo) records in unfocused conversations: the echo
// copy of an outgoing message never contributes.
func (s *Service) Append(m *store.Message) error {
	if !m.IsEcho {
		blocked, err := s.blocks.IsBlocked(m.SenderID)
		if err != nil {
			return fmt.Errorf("check blocklist: %w", err)
		}
		if blocked {
			return ErrBlockedSender
		}
	}

	if m.Timestamp == 0 {
		m.Timestamp = s.clock.NowUnixMilli()
	}

	if err := s.db.InsertMessage(m); err != nil {
		if errors.Is(err, store.ErrDuplicateMessage) {
			// Redelivery: already stored, nothing to do.
			return nil
		}
		return fmt.Errorf("insert message: %w", err)
	}

	if err := s.db.TouchConversation(&store.Conversation{
		ID:            m.ConversationID,
		LastPreview:   truncate(m.Plaintext, previewLen),
		LastTimestamp: m.Timestamp,
	}); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if !m.IsEcho && m.Status != store.StatusRead {
		conv, err := s.db.GetConversation(m.ConversationID)
		if err != nil {
			return fmt.Errorf("read conversation: %w", err)
		}
		if conv != nil && !conv.Focused {
			if err := s.db.IncrementUnread(m.ConversationID); err != nil {
				return fmt.Errorf("increment unread: %w", err)
			}
		}
	}

	s.bus.Publish(bus.NewEvent("message.appended", map[string]string{
		"conversation_id": m.ConversationID,
		"msg_id":          m.MsgID,
	}))
	s.bus.Publish(bus.NewEvent("conversation.updated", m.ConversationID))
	return nil
}

// UpdateStatus applies a delivery status transition to the record behind
// msgID, enforcing the monotonic table. Concurrent updates to the same msg
// id linearize on the stored prior status: the last valid transition wins
// and illegal ones are rejected, not silently dropped.
func (s *Service) UpdateStatus(msgID, newStatus string) error {
	for range 3 {
		m, err := s.lookup(msgID)
		if err != nil {
			return err
		}
		if m.Status == newStatus {
			return nil
		}
		if !transitionAllowed(m.Status, newStatus) {
			err := &InvalidStatusTransitionError{MsgID: msgID, From: m.Status, To: newStatus}
			s.logger.Warn("rejected status transition",
				zap.String("msg_id", msgID),
				zap.String("from", m.Status),
				zap.String("to", newStatus))
			return err
		}
		applied, err := s.db.UpdateMessageStatusGuarded(msgID, m.IsEcho, m.Status, newStatus)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if applied {
			s.bus.Publish(bus.NewEvent("message.status_changed", StatusChange{
				MsgID: msgID, ConversationID: m.ConversationID,
				From: m.Status, To: newStatus, IsEcho: m.IsEcho,
			}))
			return nil
		}
		// The row moved on under us; re-read and re-validate.
	}
	return fmt.Errorf("status update for %s kept racing, giving up", msgID)
}

// ReDecrypt re-runs decryption of the retained raw payload under a freshly
// derived shared secret (used after a key rotation). On success the
// plaintext is overwritten; on authentication failure the previous
// plaintext is left untouched.
func (s *Service) ReDecrypt(msgID string, key []byte) error {
	m, err := s.lookup(msgID)
	if err != nil {
		return err
	}
	if len(m.RawPayload) == 0 {
		return ErrNoPayload
	}
	plaintext, err := cryptobox.Open(key, m.RawPayload)
	if err != nil {
		s.logger.Warn("re-decryption failed, keeping prior plaintext",
			zap.String("msg_id", msgID), zap.Error(err))
		return err
	}
	if err := s.db.UpdateMessagePlaintext(msgID, m.IsEcho, string(plaintext)); err != nil {
		return fmt.Errorf("update plaintext: %w", err)
	}
	return nil
}

// MarkConversationRead resets the unread counter and transitions every
// delivered message in the conversation to read.
func (s *Service) MarkConversationRead(conversationID string) error {
	changed, err := s.db.MarkDeliveredRead(conversationID)
	if err != nil {
		return fmt.Errorf("mark delivered read: %w", err)
	}
	if err := s.db.ResetUnread(conversationID); err != nil {
		return fmt.Errorf("reset unread: %w", err)
	}
	for _, id := range changed {
		s.bus.Publish(bus.NewEvent("message.status_changed", StatusChange{
			MsgID: id, ConversationID: conversationID,
			From: store.StatusDelivered, To: store.StatusRead,
		}))
	}
	s.bus.Publish(bus.NewEvent("conversation.read", conversationID))
	return nil
}

// SetFocused records whether a conversation is on screen. Focused
// conversations do not accumulate unread counts.
func (s *Service) SetFocused(conversationID string, focused bool) error {
	return s.db.SetConversationFocused(conversationID, focused)
}

// Send queues an outgoing message for encryption and delivery, and stores
// the local echo copy in status sending. Returns the assigned msg id.
func (s *Service) Send(fromID, toID, body string, reply *ReplyRef) (string, error) {
	msgID := uuid.New().String()
	if err := s.db.QueueOutbox(msgID, toID, body); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}

	echo := &store.Message{
		MsgID:          msgID,
		ConversationID: toID,
		SenderID:       fromID,
		RecipientID:    toID,
		Plaintext:      body,
		Timestamp:      s.clock.NowUnixMilli(),
		Status:         store.StatusSending,
		IsEcho:         true,
	}
	if reply != nil {
		echo.ReplyToID = reply.MsgID
		echo.ReplyPreview = reply.Preview
		echo.ReplySender = reply.Sender
	}
	if err := s.Append(echo); err != nil {
		return "", err
	}
	return msgID, nil
}

// Messages returns a page of a conversation's messages, newest first.
func (s *Service) Messages(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	return s.db.ListMessages(conversationID, beforeTs, limit)
}

// Conversations returns the conversation list projection.
func (s *Service) Conversations(limit, offset int) ([]store.Conversation, error) {
	return s.db.ListConversations(limit, offset)
}

// Search performs a full-text search over stored plaintexts.
func (s *Service) Search(query, conversationID string, limit int) ([]store.SearchResult, error) {
	return s.db.SearchMessages(query, conversationID, limit)
}

// lookup finds the record behind a msg id, preferring the authoritative
// (non-echo) copy and falling back to the echo copy for outgoing messages.
func (s *Service) lookup(msgID string) (*store.Message, error) {
	m, err := s.db.GetMessage(msgID, false)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if m == nil {
		m, err = s.db.GetMessage(msgID, true)
		if err != nil {
			return nil, fmt.Errorf("read message: %w", err)
		}
	}
	if m == nil {
		return nil, ErrUnknownMessage
	}
	return m, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Back up to a rune boundary so the preview stays valid UTF-8.
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
