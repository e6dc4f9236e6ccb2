package transport

import (
	"context"
	"fmt"

	"github.com/lfmarques/susurro/internal/call"
)

// SignalBridge adapts the transport to the call machine's outbound
// signaling needs.
type SignalBridge struct {
	identity Identity
	out      Sender
}

// NewSignalBridge wires call signaling onto the transport.
func NewSignalBridge(identity Identity, out Sender) *SignalBridge {
	return &SignalBridge{identity: identity, out: out}
}

// Signal sends a call signaling envelope to the peer.
func (b *SignalBridge) Signal(ctx context.Context, sig call.Signal) error {
	acct, err := b.identity.Account()
	if err != nil {
		return fmt.Errorf("resolve local identity: %w", err)
	}
	return b.out.Send(ctx, Envelope{
		Kind:   KindCallSignal,
		From:   acct.UUID,
		To:     sig.PeerID,
		CallID: sig.CallID,
		Signal: sig.Name,
		Media:  string(sig.Media),
	})
}
