// Package call sequences voice/video signaling events into call session
// states. Exactly one call session may be active at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lfmarques/susurro/internal/bus"
	"github.com/lfmarques/susurro/internal/clock"
	"go.uber.org/zap"
)

// State represents a call session state.
type State string

const (
	Idle      State = "IDLE"
	Calling   State = "CALLING" // outgoing, awaiting peer answer
	Ringing   State = "RINGING" // incoming, awaiting local answer
	Connected State = "CONNECTED"
)

// Media distinguishes voice from video sessions.
type Media string

const (
	Voice Media = "voice"
	Video Media = "video"
)

// Signal names for outbound signaling messages.
const (
	SignalInvite = "invite"
	SignalAccept = "accept"
	SignalReject = "reject"
	SignalBusy   = "busy"
	SignalEnd    = "end"
)

// ErrCallBusy is returned when a call is started or received while another
// session is active.
var ErrCallBusy = errors.New("another call session is active")

// validTransitions defines allowed state transitions. Any state may fall
// back to Idle (reject, timeout, hang up).
var validTransitions = map[State][]State{
	Idle:      {Calling, Ringing},
	Calling:   {Connected, Idle},
	Ringing:   {Connected, Idle},
	Connected: {Idle},
}

// Signal is an outbound signaling message handed to the transport.
type Signal struct {
	PeerID string
	CallID string
	Name   string
	Media  Media
}

// Signaler emits outbound signaling messages. The transport collaborator
// implements it; delivery is best-effort and unordered.
type Signaler interface {
	Signal(ctx context.Context, sig Signal) error
}

// StateChange is the payload for call.state events.
type StateChange struct {
	From   State
	To     State
	PeerID string
	CallID string
}

// Machine tracks and enforces call session state. Duration accounting is
// anchored on the clock service, not the raw local clock.
type Machine struct {
	signals     Signaler
	clock       *clock.Service
	bus         *bus.Bus
	logger      *zap.Logger
	dialTimeout time.Duration
	ringTimeout time.Duration

	mu          sync.Mutex
	current     State
	peerID      string
	callID      string
	media       Media
	connectedAt time.Time
	timer       *time.Timer
}

// NewMachine creates a call machine in Idle. dialTimeout bounds how long an
// outgoing call waits for an answer, ringTimeout how long an incoming call
// rings locally; on expiry the session reverts to Idle.
func NewMachine(signals Signaler, clk *clock.Service, b *bus.Bus, dialTimeout, ringTimeout time.Duration, logger *zap.Logger) *Machine {
	return &Machine{
		signals:     signals,
		clock:       clk,
		bus:         b,
		logger:      logger,
		dialTimeout: dialTimeout,
		ringTimeout: ringTimeout,
		current:     Idle,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Session returns the active peer and call id, empty when Idle.
func (m *Machine) Session() (peerID, callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peerID, m.callID
}

// StartCall begins an outgoing call and emits the invite signal.
func (m *Machine) StartCall(ctx context.Context, peerID string, media Media) (string, error) {
	m.mu.Lock()
	if m.current != Idle {
		m.mu.Unlock()
		return "", ErrCallBusy
	}
	callID := uuid.New().String()
	m.peerID = peerID
	m.callID = callID
	m.media = media
	m.transitionLocked(Calling)
	m.armTimerLocked()
	m.mu.Unlock()

	if err := m.signals.Signal(ctx, Signal{PeerID: peerID, CallID: callID, Name: SignalInvite, Media: media}); err != nil {
		m.logger.Error("invite signal failed", zap.Error(err), zap.String("call_id", callID))
		m.toIdle("")
		return "", fmt.Errorf("send invite: %w", err)
	}
	return callID, nil
}

// IncomingInvite surfaces an incoming call. While another session is
// active the caller gets a busy signal and ErrCallBusy is returned.
func (m *Machine) IncomingInvite(ctx context.Context, peerID, callID string, media Media) error {
	m.mu.Lock()
	if m.current != Idle {
		m.mu.Unlock()
		// Best effort: tell the caller we are busy.
		_ = m.signals.Signal(ctx, Signal{PeerID: peerID, CallID: callID, Name: SignalBusy, Media: media})
		return ErrCallBusy
	}
	m.peerID = peerID
	m.callID = callID
	m.media = media
	m.transitionLocked(Ringing)
	m.armTimerLocked()
	m.mu.Unlock()
	return nil
}

// PeerAccepted moves an outgoing call to Connected.
func (m *Machine) PeerAccepted(callID string) error {
	return m.connect(Calling, callID)
}

// PeerRejected ends an outgoing call.
func (m *Machine) PeerRejected(callID string) error {
	return m.release(Calling, callID)
}

// PeerBusy ends an outgoing call because the peer is on another call.
func (m *Machine) PeerBusy(callID string) error {
	return m.release(Calling, callID)
}

// Accept answers an incoming call and emits the accept signal.
func (m *Machine) Accept(ctx context.Context) error {
	m.mu.Lock()
	if m.current != Ringing {
		m.mu.Unlock()
		return fmt.Errorf("accept in state %s: %w", m.current, errNotInState)
	}
	peerID, callID, media := m.peerID, m.callID, m.media
	m.stopTimerLocked()
	m.connectedAt = m.clock.Now()
	m.transitionLocked(Connected)
	m.mu.Unlock()

	if err := m.signals.Signal(ctx, Signal{PeerID: peerID, CallID: callID, Name: SignalAccept, Media: media}); err != nil {
		m.logger.Error("accept signal failed", zap.Error(err), zap.String("call_id", callID))
		m.toIdle(callID)
		return fmt.Errorf("send accept: %w", err)
	}
	return nil
}

// Reject declines an incoming call and emits the reject signal.
func (m *Machine) Reject(ctx context.Context) error {
	m.mu.Lock()
	if m.current != Ringing {
		m.mu.Unlock()
		return fmt.Errorf("reject in state %s: %w", m.current, errNotInState)
	}
	peerID, callID, media := m.peerID, m.callID, m.media
	m.mu.Unlock()

	_ = m.signals.Signal(ctx, Signal{PeerID: peerID, CallID: callID, Name: SignalReject, Media: media})
	m.toIdle(callID)
	return nil
}

// End hangs up from any non-idle state, releasing the session. From
// Connected and Calling the end signal is emitted so the peer releases
// or stops ringing; a local Ringing teardown sends nothing, the caller
// side resolves through its own dial timeout or a later reject.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	if m.current == Idle {
		m.mu.Unlock()
		return nil
	}
	notifyPeer := m.current == Connected || m.current == Calling
	peerID, callID, media := m.peerID, m.callID, m.media
	m.mu.Unlock()

	if notifyPeer {
		_ = m.signals.Signal(ctx, Signal{PeerID: peerID, CallID: callID, Name: SignalEnd, Media: media})
	}
	m.toIdle(callID)
	return nil
}

// PeerEnded handles the remote hang-up. The peer may be tearing down
// an active call or an unanswered invite they are canceling.
func (m *Machine) PeerEnded(callID string) error {
	m.mu.Lock()
	if (m.current != Connected && m.current != Ringing) || (callID != "" && callID != m.callID) {
		m.mu.Unlock()
		return fmt.Errorf("peer end from %s with call %s: %w", m.current, callID, errNotInState)
	}
	m.mu.Unlock()
	m.toIdle(callID)
	return nil
}

// Duration returns how long the session has been Connected, zero otherwise.
func (m *Machine) Duration() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != Connected {
		return 0
	}
	return m.clock.Now().Sub(m.connectedAt)
}

var errNotInState = errors.New("operation not valid in current state")

// connect moves from the expected state to Connected for a matching call.
func (m *Machine) connect(from State, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != from || (callID != "" && callID != m.callID) {
		return fmt.Errorf("connect from %s with call %s: %w", m.current, callID, errNotInState)
	}
	m.stopTimerLocked()
	m.connectedAt = m.clock.Now()
	m.transitionLocked(Connected)
	return nil
}

// release drops to Idle from the expected state for a matching call.
func (m *Machine) release(from State, callID string) error {
	m.mu.Lock()
	if m.current != from || (callID != "" && callID != m.callID) {
		m.mu.Unlock()
		return fmt.Errorf("release from %s with call %s: %w", m.current, callID, errNotInState)
	}
	m.mu.Unlock()
	m.toIdle(callID)
	return nil
}

// toIdle resets the session unconditionally. callID is informational; pass
// "" when releasing whatever is active.
func (m *Machine) toIdle(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == Idle {
		return
	}
	if callID != "" && callID != m.callID {
		return
	}
	m.stopTimerLocked()
	m.peerID = ""
	m.callID = ""
	m.media = ""
	m.connectedAt = time.Time{}
	m.transitionLocked(Idle)
}

// transitionLocked records and publishes a state change. Callers hold mu
// and have validated the move against validTransitions.
func (m *Machine) transitionLocked(to State) {
	if !slices.Contains(validTransitions[m.current], to) {
		m.logger.Error("invalid call transition dropped",
			zap.String("from", string(m.current)), zap.String("to", string(to)))
		return
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent("call.state", StateChange{
			From: from, To: to, PeerID: m.peerID, CallID: m.callID,
		}))
	}
}

// armTimerLocked starts the auto-revert timer for an unresolved Calling or
// Ringing session. Expiry discards the session and any partially
// negotiated media state.
func (m *Machine) armTimerLocked() {
	timeout := m.dialTimeout
	if m.current == Ringing {
		timeout = m.ringTimeout
	}
	m.stopTimerLocked()
	if timeout <= 0 {
		return
	}
	callID := m.callID
	m.timer = time.AfterFunc(timeout, func() {
		m.mu.Lock()
		expired := (m.current == Calling || m.current == Ringing) && m.callID == callID
		m.mu.Unlock()
		if !expired {
			return
		}
		m.logger.Warn("call timed out", zap.String("call_id", callID))
		if m.bus != nil {
			m.bus.Publish(bus.NewEvent("call.timeout", callID))
		}
		m.toIdle(callID)
	})
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
