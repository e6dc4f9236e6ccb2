// Package transport defines the wire envelope exchanged with peers and the
// dispatcher that routes inbound frames into the core. The delivery channel
// itself (socket, relay, queue) is a collaborator behind the Sender
// interface; frames may arrive duplicated and out of order.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
)

// Envelope kinds.
const (
	KindChat          = "chat"
	KindDeliveryAck   = "delivery_ack"
	KindReadAck       = "read_ack"
	KindFriendRequest = "friend.request"
	KindFriendAccept  = "friend.accept"
	KindCallSignal    = "call.signal"
	KindTimeSample    = "time.sample"
)

// Envelope is the frame exchanged between peers. Payload carries the
// AES-GCM sealed message body for chat frames and stays empty otherwise.
type Envelope struct {
	Kind      string `json:"kind"`
	From      string `json:"from"`
	To        string `json:"to,omitempty"`
	MsgID     string `json:"msg_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Signal    string `json:"signal,omitempty"`
	Media     string `json:"media,omitempty"`
	Username  string `json:"username,omitempty"`
	PublicKey []byte `json:"public_key,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`

	ReplyToID    string `json:"reply_to_id,omitempty"`
	ReplyPreview string `json:"reply_preview,omitempty"`
	ReplySender  string `json:"reply_sender,omitempty"`
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

// Sender delivers envelopes to peers. Implementations are expected to be
// safe for concurrent use; delivery is at-least-once and unordered.
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}
