package transport

import (
	"context"

	"github.com/lfmarques/susurro/internal/bus"
	"go.uber.org/zap"
)

// RosterBridge announces local roster decisions to the affected peer. It
// turns friend.requested and friend.accepted bus events into outbound
// envelopes carrying the local public key; friend.confirmed events come
// from remote acceptances and are deliberately not echoed back.
type RosterBridge struct {
	identity Identity
	out      Sender
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewRosterBridge wires roster announcements onto the transport.
func NewRosterBridge(identity Identity, out Sender, b *bus.Bus, logger *zap.Logger) *RosterBridge {
	return &RosterBridge{identity: identity, out: out, bus: b, logger: logger}
}

// Start begins forwarding roster events until the context is canceled or
// Stop is called.
func (rb *RosterBridge) Start(ctx context.Context) {
	ctx, rb.cancel = context.WithCancel(ctx)
	requested, unsubReq := rb.bus.Subscribe("friend.requested", 16)
	accepted, unsubAcc := rb.bus.Subscribe("friend.accepted", 16)

	go func() {
		defer unsubReq()
		defer unsubAcc()
		for {
			select {
			case ev := <-requested:
				rb.announce(ctx, ev, KindFriendRequest)
			case ev := <-accepted:
				rb.announce(ctx, ev, KindFriendAccept)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bridge.
func (rb *RosterBridge) Stop() {
	if rb.cancel != nil {
		rb.cancel()
	}
}

func (rb *RosterBridge) announce(ctx context.Context, ev bus.Event, kind string) {
	peerID, ok := ev.Payload.(string)
	if !ok || peerID == "" {
		return
	}
	acct, err := rb.identity.Account()
	if err != nil {
		rb.logger.Warn("roster announcement without local account", zap.Error(err))
		return
	}
	env := Envelope{
		Kind:      kind,
		From:      acct.UUID,
		To:        peerID,
		Username:  acct.Username,
		PublicKey: acct.PublicKey,
	}
	if err := rb.out.Send(ctx, env); err != nil {
		// The peer picks the request up on a later exchange; roster state
		// is already persisted locally.
		rb.logger.Warn("roster announcement failed",
			zap.String("peer_id", peerID), zap.String("kind", kind), zap.Error(err))
	}
}
