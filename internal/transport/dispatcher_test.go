package transport

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lfmarques/susurro/internal/bus"
	"github.com/lfmarques/susurro/internal/call"
	"github.com/lfmarques/susurro/internal/clock"
	"github.com/lfmarques/susurro/internal/cryptobox"
	"github.com/lfmarques/susurro/internal/messaging"
	"github.com/lfmarques/susurro/internal/roster"
	"github.com/lfmarques/susurro/internal/store"
	"go.uber.org/zap"
)

type fixedIdentity struct {
	acct store.Account
}

func (f *fixedIdentity) Account() (*store.Account, error) {
	a := f.acct
	return &a, nil
}

type sendRecorder struct {
	mu   sync.Mutex
	sent []Envelope
}

func (r *sendRecorder) Send(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *sendRecorder) envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.sent...)
}

type nopSignaler struct{}

func (nopSignaler) Signal(context.Context, call.Signal) error { return nil }

type fixture struct {
	dispatcher *Dispatcher
	db         *store.DB
	msgs       *messaging.Service
	roster     *roster.Registry
	calls      *call.Machine
	clock      *clock.Service
	out        *sendRecorder

	localID    string
	peerID     string
	peerSecret []byte // the secret as computed on the peer's side
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	localPub, localPriv, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	peerPub, peerPriv, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	peerSecret, err := cryptobox.SharedSecret(peerPriv, localPub)
	if err != nil {
		t.Fatal(err)
	}

	identity := &fixedIdentity{acct: store.Account{
		UUID:       "local",
		PublicKey:  localPub,
		PrivateKey: localPriv,
	}}

	b := bus.New()
	clk := clock.New(clock.DefaultDriftWarnThreshold, b, zap.NewNop())
	reg := roster.New(db, identity, b, zap.NewNop())
	msgs := messaging.NewService(db, reg, clk, b, zap.NewNop())
	machine := call.NewMachine(nopSignaler{}, clk, b, time.Minute, time.Minute, zap.NewNop())
	out := &sendRecorder{}

	if err := db.UpsertFriend(&store.Friend{
		PeerID:    "bob",
		Username:  "bob",
		State:     store.StateFriend,
		PublicKey: peerPub,
	}); err != nil {
		t.Fatal(err)
	}

	return &fixture{
		dispatcher: NewDispatcher(msgs, reg, machine, clk, identity, out, zap.NewNop()),
		db:         db,
		msgs:       msgs,
		roster:     reg,
		calls:      machine,
		clock:      clk,
		out:        out,
		localID:    "local",
		peerID:     "bob",
		peerSecret: peerSecret,
	}
}

func encode(t *testing.T, env Envelope) []byte {
	t.Helper()
	raw, err := env.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestDispatchChatDecryptsAndAcks(t *testing.T) {
	f := newFixture(t)

	sealed, err := cryptobox.Seal(f.peerSecret, []byte("hi alice"))
	if err != nil {
		t.Fatal(err)
	}
	frame := encode(t, Envelope{
		Kind:      KindChat,
		From:      f.peerID,
		To:        f.localID,
		MsgID:     "m1",
		Payload:   sealed,
		Timestamp: 5000,
	})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	m, err := f.db.GetMessage("m1", false)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("message not stored")
	}
	if m.Plaintext != "hi alice" {
		t.Fatalf("plaintext = %q, want %q", m.Plaintext, "hi alice")
	}
	if m.Status != store.StatusDelivered {
		t.Fatalf("status = %s, want %s", m.Status, store.StatusDelivered)
	}
	if !bytes.Equal(m.RawPayload, sealed) {
		t.Fatal("raw payload not retained")
	}

	acks := f.out.envelopes()
	if len(acks) != 1 {
		t.Fatalf("sent %d envelopes, want 1 ack", len(acks))
	}
	if acks[0].Kind != KindDeliveryAck || acks[0].MsgID != "m1" || acks[0].To != f.peerID {
		t.Fatalf("unexpected ack: %+v", acks[0])
	}
}

func TestDispatchChatWithoutSecretKeepsCiphertext(t *testing.T) {
	f := newFixture(t)

	sealed, err := cryptobox.Seal(f.peerSecret, []byte("from a stranger"))
	if err != nil {
		t.Fatal(err)
	}
	frame := encode(t, Envelope{
		Kind:      KindChat,
		From:      "stranger",
		To:        f.localID,
		MsgID:     "s1",
		Payload:   sealed,
		Timestamp: 5000,
	})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	m, err := f.db.GetMessage("s1", false)
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("message not stored")
	}
	if m.Plaintext != "" {
		t.Fatalf("plaintext = %q, want empty", m.Plaintext)
	}
	if len(m.RawPayload) == 0 {
		t.Fatal("ciphertext not retained for later recovery")
	}
}

func TestDispatchChatFromBlockedSender(t *testing.T) {
	f := newFixture(t)
	if err := f.roster.Block(f.peerID); err != nil {
		t.Fatal(err)
	}

	sealed, err := cryptobox.Seal(f.peerSecret, []byte("let me in"))
	if err != nil {
		t.Fatal(err)
	}
	frame := encode(t, Envelope{
		Kind:      KindChat,
		From:      f.peerID,
		MsgID:     "b1",
		Payload:   sealed,
		Timestamp: 5000,
	})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	m, err := f.db.GetMessage("b1", false)
	if err != nil {
		t.Fatal(err)
	}
	if m != nil {
		t.Fatal("blocked sender's message was stored")
	}
	if len(f.out.envelopes()) != 0 {
		t.Fatal("ack sent for a discarded message")
	}
}

func TestDispatchMalformedFrames(t *testing.T) {
	f := newFixture(t)

	frames := [][]byte{
		[]byte(`{"kind":`),
		[]byte(`{}`),
		[]byte(`{"kind":"chat","from":"bob"}`),
		[]byte(`{"kind":"warp","from":"bob"}`),
		[]byte(`{"kind":"delivery_ack","from":"bob"}`),
		[]byte(`{"kind":"call.signal","from":"bob","signal":"invite"}`),
		[]byte(`{"kind":"time.sample","from":"bob"}`),
	}
	for _, frame := range frames {
		if err := f.dispatcher.Dispatch(context.Background(), frame); !errors.Is(err, ErrMalformedFrame) {
			t.Errorf("Dispatch(%s) error = %v, want ErrMalformedFrame", frame, err)
		}
	}
	if len(f.out.envelopes()) != 0 {
		t.Fatal("malformed frames produced outbound traffic")
	}
}

func TestDispatchAcksAdvanceEchoStatus(t *testing.T) {
	f := newFixture(t)

	echo := &store.Message{
		MsgID:          "m1",
		ConversationID: f.peerID,
		SenderID:       f.localID,
		RecipientID:    f.peerID,
		Plaintext:      "sent earlier",
		Timestamp:      1000,
		Status:         store.StatusSent,
		IsEcho:         true,
	}
	if err := f.msgs.Append(echo); err != nil {
		t.Fatal(err)
	}

	ack := func(kind string) []byte {
		return encode(t, Envelope{Kind: kind, From: f.peerID, MsgID: "m1"})
	}

	if err := f.dispatcher.Dispatch(context.Background(), ack(KindDeliveryAck)); err != nil {
		t.Fatalf("delivery ack: %v", err)
	}
	m, err := f.db.GetMessage("m1", true)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusDelivered {
		t.Fatalf("status = %s, want %s", m.Status, store.StatusDelivered)
	}

	if err := f.dispatcher.Dispatch(context.Background(), ack(KindReadAck)); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	m, err = f.db.GetMessage("m1", true)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusRead {
		t.Fatalf("status = %s, want %s", m.Status, store.StatusRead)
	}

	// A duplicated delivery ack arriving after the read ack is stale and
	// must not move the status backwards.
	if err := f.dispatcher.Dispatch(context.Background(), ack(KindDeliveryAck)); err != nil {
		t.Fatalf("stale delivery ack: %v", err)
	}
	m, err = f.db.GetMessage("m1", true)
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != store.StatusRead {
		t.Fatalf("status regressed to %s", m.Status)
	}
}

func TestDispatchAckForUnknownMessage(t *testing.T) {
	f := newFixture(t)

	frame := encode(t, Envelope{Kind: KindDeliveryAck, From: f.peerID, MsgID: "ghost"})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
}

func TestDispatchFriendRequest(t *testing.T) {
	f := newFixture(t)

	pub, _, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	frame := encode(t, Envelope{
		Kind:      KindFriendRequest,
		From:      "carol",
		Username:  "carol",
		PublicKey: pub,
	})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	friend, err := f.roster.Get("carol")
	if err != nil {
		t.Fatal(err)
	}
	if friend.State != store.StatePendingIncoming {
		t.Fatalf("state = %s, want %s", friend.State, store.StatePendingIncoming)
	}
	if !bytes.Equal(friend.PublicKey, pub) {
		t.Fatal("peer public key not stored")
	}
}

func TestDispatchFriendAccept(t *testing.T) {
	f := newFixture(t)

	if err := f.roster.RequestFriend("carol", "carol"); err != nil {
		t.Fatal(err)
	}
	pub, _, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	frame := encode(t, Envelope{Kind: KindFriendAccept, From: "carol", PublicKey: pub})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	friend, err := f.roster.Get("carol")
	if err != nil {
		t.Fatal(err)
	}
	if friend.State != store.StateFriend {
		t.Fatalf("state = %s, want %s", friend.State, store.StateFriend)
	}
}

func TestDispatchCallInvite(t *testing.T) {
	f := newFixture(t)

	frame := encode(t, Envelope{
		Kind:   KindCallSignal,
		From:   f.peerID,
		CallID: "call-1",
		Signal: call.SignalInvite,
		Media:  string(call.Video),
	})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := f.calls.Current(); got != call.Ringing {
		t.Fatalf("call state = %s, want %s", got, call.Ringing)
	}
	peer, callID := f.calls.Session()
	if peer != f.peerID || callID != "call-1" {
		t.Fatalf("session = (%q, %q)", peer, callID)
	}
}

func TestDispatchStaleCallSignal(t *testing.T) {
	f := newFixture(t)

	// An accept for a call that no longer exists is ignored, not an error.
	frame := encode(t, Envelope{
		Kind:   KindCallSignal,
		From:   f.peerID,
		CallID: "gone",
		Signal: call.SignalAccept,
	})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if got := f.calls.Current(); got != call.Idle {
		t.Fatalf("call state = %s, want %s", got, call.Idle)
	}
}

func TestDispatchTimeSample(t *testing.T) {
	f := newFixture(t)

	trusted := time.Now().Add(8 * time.Second)
	frame := encode(t, Envelope{
		Kind:      KindTimeSample,
		From:      f.peerID,
		Timestamp: trusted.UnixMilli(),
	})
	if err := f.dispatcher.Dispatch(context.Background(), frame); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	offset := f.clock.Offset()
	if offset < 7*time.Second || offset > 9*time.Second {
		t.Fatalf("offset = %v, want about 8s", offset)
	}
}
