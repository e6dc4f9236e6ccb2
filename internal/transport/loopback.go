package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPeerUnreachable is returned when no route exists for an envelope's
// recipient.
var ErrPeerUnreachable = errors.New("peer unreachable")

// Handler consumes a raw inbound frame. Dispatcher.Dispatch satisfies it.
type Handler func(ctx context.Context, raw []byte) error

// Loopback routes envelopes between cores attached to the same process.
// It is the delivery channel for single-host setups and tests; a relay
// client slots in behind the same Sender interface for networked peers.
type Loopback struct {
	mu    sync.RWMutex
	peers map[string]Handler
}

// NewLoopback creates an empty loopback hub.
func NewLoopback() *Loopback {
	return &Loopback{peers: make(map[string]Handler)}
}

// Attach registers a handler for frames addressed to peerID, replacing any
// previous registration.
func (l *Loopback) Attach(peerID string, h Handler) {
	l.mu.Lock()
	l.peers[peerID] = h
	l.mu.Unlock()
}

// Detach removes the registration for peerID.
func (l *Loopback) Detach(peerID string) {
	l.mu.Lock()
	delete(l.peers, peerID)
	l.mu.Unlock()
}

// For returns a Sender whose envelopes carry from as their sender when the
// envelope itself leaves From empty.
func (l *Loopback) For(from string) Sender {
	return &boundSender{hub: l, from: from}
}

type boundSender struct {
	hub  *Loopback
	from string
}

func (s *boundSender) Send(ctx context.Context, env Envelope) error {
	if env.From == "" {
		env.From = s.from
	}
	return s.hub.Send(ctx, env)
}

// Send delivers an envelope to the attached recipient. Delivery is
// synchronous; the recipient's handler runs on the caller's goroutine.
func (l *Loopback) Send(ctx context.Context, env Envelope) error {
	l.mu.RLock()
	h, ok := l.peers[env.To]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, env.To)
	}
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	if err := h(ctx, raw); err != nil {
		return fmt.Errorf("deliver to %s: %w", env.To, err)
	}
	return nil
}
