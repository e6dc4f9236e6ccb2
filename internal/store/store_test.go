package store

import (
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateAppliesOnFreshDB(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so run it again to check idempotency.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 3 {
		t.Errorf("version = %d, want 3 (init + reply refs + focus/rotation)", result.Version)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert account", "INSERT INTO account (id, uuid, username, kdf_salt, kdf_algorithm, kdf_time, kdf_memory_kib, kdf_threads, kdf_key_len, verifier, public_key, private_key, created_at) VALUES (1, 'u1', 'alice', x'00', 'argon2id', 1, 65536, 4, 32, x'00', x'00', x'00', 1000)", nil},
		{"insert friend", "INSERT INTO friends (peer_id, username, state, created_at, updated_at) VALUES ('p1', 'bob', 'pending_outgoing', 1000, 1000)", nil},
		{"insert conversation", "INSERT INTO conversations (conversation_id, display_name, last_preview, last_timestamp, is_group, focused, updated_at) VALUES ('p1', 'bob', 'hi', 1000, 0, 0, 1000)", nil},
		{"insert message", "INSERT INTO messages (msg_id, conversation_id, sender_id, recipient_id, plaintext, timestamp, status, is_echo, reply_to_id, created_at) VALUES ('m1', 'p1', 'p1', 'u1', 'hello', 1000, 'delivered', 0, '', 1000)", nil},
		{"queue outbox", "INSERT INTO outbox (client_msg_id, peer_id, body, status, created_at, updated_at) VALUES ('cid', 'p1', 'text', 'queued', 1000, 1000)", nil},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}

	// Verify FTS5 works when the build carries the sqlite_fts5 tag.
	if db.SearchAvailable() {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM messages_fts WHERE messages_fts MATCH 'hello'").Scan(&count)
		if err != nil {
			t.Fatalf("FTS5 query failed: %v", err)
		}
		if count != 1 {
			t.Errorf("FTS5 count = %d, want 1", count)
		}
	}
}

func TestAccountSingleRow(t *testing.T) {
	db := testDB(t)

	a := &Account{
		UUID: "u1", Username: "alice",
		KDFSalt: []byte("salt"), KDFAlgorithm: "argon2id",
		KDFTime: 1, KDFMemoryKiB: 65536, KDFThreads: 4, KDFKeyLen: 32,
		Verifier: []byte("v"), PublicKey: []byte("pub"), PrivateKey: []byte("priv"),
		CreatedAt: 1000,
	}
	if err := db.InsertAccount(a); err != nil {
		t.Fatalf("InsertAccount() error = %v", err)
	}

	if err := db.InsertAccount(a); err != ErrAccountRowExists {
		t.Errorf("second InsertAccount() error = %v, want ErrAccountRowExists", err)
	}

	got, err := db.GetAccount()
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Username != "alice" {
		t.Errorf("GetAccount() = %+v, want username alice", got)
	}
}

func TestAccountKeyRotation(t *testing.T) {
	db := testDB(t)

	if err := db.InsertAccount(&Account{
		UUID: "u1", Username: "alice", KDFSalt: []byte("s"),
		KDFAlgorithm: "argon2id", KDFTime: 1, KDFMemoryKiB: 65536,
		KDFThreads: 4, KDFKeyLen: 32, Verifier: []byte("v"),
		PublicKey: []byte("old-pub"), PrivateKey: []byte("old-priv"), CreatedAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}

	if err := db.UpdateAccountKeyPair([]byte("new-pub"), []byte("new-priv"), 2000); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetAccount()
	if err != nil {
		t.Fatal(err)
	}
	if string(got.PublicKey) != "new-pub" {
		t.Errorf("PublicKey = %q, want new-pub", got.PublicKey)
	}
	if got.KeyRotatedAt != 2000 {
		t.Errorf("KeyRotatedAt = %d, want 2000", got.KeyRotatedAt)
	}
	if got.UUID != "u1" || got.Username != "alice" {
		t.Error("rotation must not touch identifier or username")
	}
}

func TestFriendUpsertKeepsKey(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertFriend(&Friend{PeerID: "p1", Username: "bob", State: StatePendingIncoming, PublicKey: []byte("key")}); err != nil {
		t.Fatal(err)
	}
	// Upsert without a key must not clear the stored one.
	if err := db.UpsertFriend(&Friend{PeerID: "p1", State: StateFriend}); err != nil {
		t.Fatal(err)
	}

	f, err := db.GetFriend("p1")
	if err != nil {
		t.Fatal(err)
	}
	if f.State != StateFriend {
		t.Errorf("state = %q, want friend", f.State)
	}
	if string(f.PublicKey) != "key" {
		t.Errorf("public key = %q, want key", f.PublicKey)
	}
	if f.Username != "bob" {
		t.Errorf("username = %q, want bob", f.Username)
	}
}

func TestConversationTouchIsMonotonic(t *testing.T) {
	db := testDB(t)

	if err := db.TouchConversation(&Conversation{ID: "p1", LastPreview: "new", LastTimestamp: 2000}); err != nil {
		t.Fatal(err)
	}
	// An older message must not rewind preview or timestamp.
	if err := db.TouchConversation(&Conversation{ID: "p1", LastPreview: "old", LastTimestamp: 1000}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetConversation("p1")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastTimestamp != 2000 {
		t.Errorf("LastTimestamp = %d, want 2000", c.LastTimestamp)
	}
	if c.LastPreview != "new" {
		t.Errorf("LastPreview = %q, want new", c.LastPreview)
	}
}

func TestInsertMessageDuplicate(t *testing.T) {
	db := testDB(t)

	m := &Message{MsgID: "m1", ConversationID: "p1", SenderID: "p1", RecipientID: "u1", Plaintext: "hi", Timestamp: 1000, Status: StatusDelivered}
	if err := db.InsertMessage(m); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMessage(m); err != ErrDuplicateMessage {
		t.Errorf("duplicate InsertMessage() error = %v, want ErrDuplicateMessage", err)
	}

	// The echo copy of the same msg id is a distinct record.
	echo := *m
	echo.IsEcho = true
	if err := db.InsertMessage(&echo); err != nil {
		t.Errorf("echo InsertMessage() error = %v", err)
	}
}

func TestUpdateMessageStatusGuarded(t *testing.T) {
	db := testDB(t)

	if err := db.InsertMessage(&Message{MsgID: "m1", ConversationID: "p1", SenderID: "u1", RecipientID: "p1", Timestamp: 1000, Status: StatusSending, IsEcho: true}); err != nil {
		t.Fatal(err)
	}

	ok, err := db.UpdateMessageStatusGuarded("m1", true, StatusSending, StatusSent)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("guarded update with matching prior status should apply")
	}

	// Guard no longer matches.
	ok, err = db.UpdateMessageStatusGuarded("m1", true, StatusSending, StatusFailed)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("guarded update with stale prior status should not apply")
	}
}

func TestMarkDeliveredRead(t *testing.T) {
	db := testDB(t)

	for i, status := range []string{StatusDelivered, StatusDelivered, StatusRead} {
		if err := db.InsertMessage(&Message{
			MsgID: string(rune('a' + i)), ConversationID: "p1",
			SenderID: "p1", RecipientID: "u1", Timestamp: int64(1000 + i), Status: status,
		}); err != nil {
			t.Fatal(err)
		}
	}

	changed, err := db.MarkDeliveredRead("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(changed) != 2 {
		t.Errorf("changed = %v, want 2 msg ids", changed)
	}
	// The returned ids must be exactly the rows flipped, since each one
	// turns into a status event downstream.
	for _, id := range changed {
		if id != "a" && id != "b" {
			t.Errorf("changed contains %q, want only the delivered ids", id)
		}
	}

	msgs, err := db.ListMessages("p1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.Status != StatusRead {
			t.Errorf("message %s status = %q, want read", m.MsgID, m.Status)
		}
	}
}

func TestMaxTimestamp(t *testing.T) {
	db := testDB(t)

	if ts, err := db.MaxTimestamp("p1"); err != nil || ts != 0 {
		t.Errorf("MaxTimestamp(empty) = %d, %v, want 0, nil", ts, err)
	}

	for i, ts := range []int64{3000, 1000, 2000} {
		if err := db.InsertMessage(&Message{
			MsgID: string(rune('a' + i)), ConversationID: "p1",
			SenderID: "p1", RecipientID: "u1", Timestamp: ts, Status: StatusDelivered,
		}); err != nil {
			t.Fatal(err)
		}
	}

	ts, err := db.MaxTimestamp("p1")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 3000 {
		t.Errorf("MaxTimestamp = %d, want 3000", ts)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("c1", "p1", "hello"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("c2", "p1", "world"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d entries, want 2", len(pending))
	}

	if err := db.MarkOutboxSending("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("c1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("c2", "no route"); err != nil {
		t.Fatal(err)
	}

	pending, err = db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after drain = %d entries, want 0", len(pending))
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)
	if !db.SearchAvailable() {
		if _, err := db.SearchMessages("fox", "", 10); err != ErrSearchUnavailable {
			t.Fatalf("SearchMessages without fts5 error = %v, want ErrSearchUnavailable", err)
		}
		t.Skip("sqlite built without fts5; build with -tags sqlite_fts5")
	}

	if err := db.InsertMessage(&Message{MsgID: "m1", ConversationID: "p1", SenderID: "p1", RecipientID: "u1", Plaintext: "the quick brown fox", Timestamp: 1000, Status: StatusDelivered}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertMessage(&Message{MsgID: "m2", ConversationID: "p2", SenderID: "p2", RecipientID: "u1", Plaintext: "lazy dog", Timestamp: 2000, Status: StatusDelivered}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("fox", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.MsgID != "m1" {
		t.Errorf("search results = %+v, want m1 only", results)
	}

	// Scoped to the wrong conversation.
	results, err = db.SearchMessages("fox", "p2", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("scoped search = %d results, want 0", len(results))
	}
}

func TestParticipants(t *testing.T) {
	db := testDB(t)

	if err := db.TouchConversation(&Conversation{ID: "g1", IsGroup: true, LastTimestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.SetParticipants("g1", []string{"p2", "p1"}); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListParticipants("g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "p1" || got[1] != "p2" {
		t.Errorf("participants = %v, want [p1 p2]", got)
	}
}
