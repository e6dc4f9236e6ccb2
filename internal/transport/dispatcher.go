package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/lfmarques/susurro/internal/call"
	"github.com/lfmarques/susurro/internal/clock"
	"github.com/lfmarques/susurro/internal/cryptobox"
	"github.com/lfmarques/susurro/internal/messaging"
	"github.com/lfmarques/susurro/internal/roster"
	"github.com/lfmarques/susurro/internal/store"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

// ErrMalformedFrame marks inbound frames that fail validation. The
// dispatcher logs and drops them; they never reach the stores.
var ErrMalformedFrame = errors.New("malformed frame")

// Identity exposes the local account record.
type Identity interface {
	Account() (*store.Account, error)
}

// Dispatcher validates inbound frames and routes them to the owning
// service. Frames are processed one at a time in arrival order; the
// stores tolerate duplicates and reordering.
type Dispatcher struct {
	msgs     *messaging.Service
	roster   *roster.Registry
	calls    *call.Machine
	clock    *clock.Service
	identity Identity
	sender   Sender
	logger   *zap.Logger
}

// NewDispatcher wires the inbound frame router.
func NewDispatcher(
	msgs *messaging.Service,
	r *roster.Registry,
	calls *call.Machine,
	clk *clock.Service,
	identity Identity,
	sender Sender,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		msgs:     msgs,
		roster:   r,
		calls:    calls,
		clock:    clk,
		identity: identity,
		sender:   sender,
		logger:   logger,
	}
}

// Dispatch routes a raw inbound frame. Malformed frames return
// ErrMalformedFrame and have no effect.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	if err := fastjson.ValidateBytes(raw); err != nil {
		d.logger.Warn("dropping invalid frame", zap.Error(err))
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	kind := fastjson.GetString(raw, "kind")
	from := fastjson.GetString(raw, "from")
	if kind == "" || from == "" {
		d.logger.Warn("dropping frame without kind or sender")
		return fmt.Errorf("%w: missing kind or from", ErrMalformedFrame)
	}

	switch kind {
	case KindChat:
		return d.handleChat(ctx, from, raw)
	case KindDeliveryAck:
		return d.handleAck(raw, store.StatusDelivered)
	case KindReadAck:
		return d.handleAck(raw, store.StatusRead)
	case KindFriendRequest:
		key, err := bytesField(raw, "public_key")
		if err != nil {
			return err
		}
		return d.roster.ReceiveFriendRequest(from, fastjson.GetString(raw, "username"), key)
	case KindFriendAccept:
		key, err := bytesField(raw, "public_key")
		if err != nil {
			return err
		}
		return d.roster.AcceptedByPeer(from, key)
	case KindCallSignal:
		return d.handleCallSignal(ctx, from, raw)
	case KindTimeSample:
		ts := int64(fastjson.GetInt(raw, "timestamp"))
		if ts <= 0 {
			return fmt.Errorf("%w: time sample without timestamp", ErrMalformedFrame)
		}
		d.clock.UpdateOffset(time.UnixMilli(ts))
		return nil
	default:
		d.logger.Warn("dropping frame of unknown kind", zap.String("kind", kind))
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, kind)
	}
}

// handleChat decrypts and appends an inbound message, then acks delivery.
// When no shared secret is available or the ciphertext does not open, the
// record is kept with its raw payload so a later key exchange can recover
// the plaintext.
func (d *Dispatcher) handleChat(ctx context.Context, from string, raw []byte) error {
	msgID := fastjson.GetString(raw, "msg_id")
	if msgID == "" {
		return fmt.Errorf("%w: chat frame without msg_id", ErrMalformedFrame)
	}
	ciphertext, err := bytesField(raw, "payload")
	if err != nil {
		return err
	}
	if len(ciphertext) == 0 {
		return fmt.Errorf("%w: chat frame without payload", ErrMalformedFrame)
	}

	acct, err := d.identity.Account()
	if err != nil {
		return fmt.Errorf("resolve local identity: %w", err)
	}

	var plaintext string
	secret, err := d.roster.DerivedSecretFor(from)
	if err == nil {
		opened, openErr := cryptobox.Open(secret, ciphertext)
		if openErr != nil {
			d.logger.Warn("inbound message did not decrypt, keeping ciphertext",
				zap.String("msg_id", msgID), zap.Error(openErr))
		} else {
			plaintext = string(opened)
		}
	} else {
		d.logger.Warn("no shared secret for sender, keeping ciphertext",
			zap.String("peer_id", from), zap.Error(err))
	}

	m := store.Message{
		MsgID:          msgID,
		ConversationID: from,
		SenderID:       from,
		RecipientID:    acct.UUID,
		Plaintext:      plaintext,
		RawPayload:     ciphertext,
		Timestamp:      int64(fastjson.GetInt(raw, "timestamp")),
		Status:         store.StatusDelivered,
		ReplyToID:      fastjson.GetString(raw, "reply_to_id"),
		ReplyPreview:   fastjson.GetString(raw, "reply_preview"),
		ReplySender:    fastjson.GetString(raw, "reply_sender"),
	}
	if err := d.msgs.Append(&m); err != nil {
		if errors.Is(err, messaging.ErrBlockedSender) {
			d.logger.Info("discarded message from blocked sender", zap.String("peer_id", from))
			return nil
		}
		return fmt.Errorf("append inbound message: %w", err)
	}

	ack := Envelope{Kind: KindDeliveryAck, From: acct.UUID, To: from, MsgID: msgID}
	if err := d.sender.Send(ctx, ack); err != nil {
		// The peer resends until acked, so a lost ack only delays them.
		d.logger.Warn("delivery ack failed", zap.String("msg_id", msgID), zap.Error(err))
	}
	return nil
}

func (d *Dispatcher) handleAck(raw []byte, status string) error {
	msgID := fastjson.GetString(raw, "msg_id")
	if msgID == "" {
		return fmt.Errorf("%w: ack without msg_id", ErrMalformedFrame)
	}
	if err := d.msgs.UpdateStatus(msgID, status); err != nil {
		if errors.Is(err, messaging.ErrUnknownMessage) {
			d.logger.Warn("ack for unknown message", zap.String("msg_id", msgID))
			return nil
		}
		var invalid *messaging.InvalidStatusTransitionError
		if errors.As(err, &invalid) {
			// Stale or duplicated ack arriving after a later status.
			return nil
		}
		return err
	}
	return nil
}

func (d *Dispatcher) handleCallSignal(ctx context.Context, from string, raw []byte) error {
	callID := fastjson.GetString(raw, "call_id")
	if callID == "" {
		return fmt.Errorf("%w: call signal without call_id", ErrMalformedFrame)
	}
	media := call.Media(fastjson.GetString(raw, "media"))

	var err error
	switch sig := fastjson.GetString(raw, "signal"); sig {
	case call.SignalInvite:
		err = d.calls.IncomingInvite(ctx, from, callID, media)
	case call.SignalAccept:
		err = d.calls.PeerAccepted(callID)
	case call.SignalReject:
		err = d.calls.PeerRejected(callID)
	case call.SignalBusy:
		err = d.calls.PeerBusy(callID)
	case call.SignalEnd:
		err = d.calls.PeerEnded(callID)
	default:
		return fmt.Errorf("%w: unknown call signal %q", ErrMalformedFrame, sig)
	}
	if err != nil {
		// Signaling races (stale call ids, busy peer) resolve themselves.
		d.logger.Debug("call signal not applied", zap.String("call_id", callID), zap.Error(err))
	}
	return nil
}

// bytesField reads a base64 string field as raw bytes. Absent fields
// yield nil without error.
func bytesField(raw []byte, key string) ([]byte, error) {
	s := fastjson.GetString(raw, key)
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q is not base64", ErrMalformedFrame, key)
	}
	return b, nil
}
