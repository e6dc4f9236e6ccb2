package transport

import (
	"context"

	"github.com/lfmarques/susurro/internal/bus"
	"github.com/lfmarques/susurro/internal/messaging"
	"github.com/lfmarques/susurro/internal/store"
	"go.uber.org/zap"
)

// AckBridge tells peers when their messages have been read locally. It
// watches status changes on authoritative inbound records; echo records
// change status because of the peer's own acks and are never acked back.
type AckBridge struct {
	identity Identity
	out      Sender
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewAckBridge wires read acknowledgements onto the transport.
func NewAckBridge(identity Identity, out Sender, b *bus.Bus, logger *zap.Logger) *AckBridge {
	return &AckBridge{identity: identity, out: out, bus: b, logger: logger}
}

// Start begins forwarding read acks until the context is canceled or Stop
// is called.
func (ab *AckBridge) Start(ctx context.Context) {
	ctx, ab.cancel = context.WithCancel(ctx)
	events, unsub := ab.bus.Subscribe("message.status_changed", 64)

	go func() {
		defer unsub()
		for {
			select {
			case ev := <-events:
				change, ok := ev.Payload.(messaging.StatusChange)
				if !ok || change.IsEcho || change.To != store.StatusRead {
					continue
				}
				ab.ack(ctx, change)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the bridge.
func (ab *AckBridge) Stop() {
	if ab.cancel != nil {
		ab.cancel()
	}
}

func (ab *AckBridge) ack(ctx context.Context, change messaging.StatusChange) {
	acct, err := ab.identity.Account()
	if err != nil {
		return
	}
	env := Envelope{
		Kind:  KindReadAck,
		From:  acct.UUID,
		To:    change.ConversationID,
		MsgID: change.MsgID,
	}
	if err := ab.out.Send(ctx, env); err != nil {
		ab.logger.Warn("read ack failed",
			zap.String("msg_id", change.MsgID), zap.Error(err))
	}
}
