package store

// Relationship states for a Friend record.
const (
	StatePendingOutgoing = "pending_outgoing"
	StatePendingIncoming = "pending_incoming"
	StateFriend          = "friend"
)

// Delivery statuses for a Message record.
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// Account is the single local user identity. The derived session key is
// never part of this record: only the salt, KDF parameters, and a verifier
// tag are persisted.
type Account struct {
	UUID         string
	Username     string
	KDFSalt      []byte
	KDFAlgorithm string
	KDFTime      uint32
	KDFMemoryKiB uint32
	KDFThreads   uint8
	KDFKeyLen    uint32
	Verifier     []byte
	PublicKey    []byte
	PrivateKey   []byte
	CreatedAt    int64
	KeyRotatedAt int64
}

// Friend is a peer relationship record.
type Friend struct {
	PeerID        string
	Username      string
	AvatarRef     string
	StatusMessage string
	State         string
	Blocked       bool
	PublicKey     []byte // nil until exchanged
}

// Conversation is a thread with one peer or a group.
type Conversation struct {
	ID            string // peer UUID for 1:1, group id otherwise
	DisplayName   string
	AvatarRef     string
	LastPreview   string
	LastTimestamp int64
	UnreadCount   int
	IsGroup       bool
	Focused       bool
}

// Message is a single stored message. RawPayload retains the ciphertext so
// the plaintext can be re-derived after a key rotation.
type Message struct {
	ID             int64
	MsgID          string
	ConversationID string
	SenderID       string
	RecipientID    string
	Plaintext      string
	RawPayload     []byte
	Timestamp      int64
	Status         string
	IsEcho         bool
	ReplyToID      string
	ReplyPreview   string
	ReplySender    string
}

// OutboxEntry is a pending outgoing message awaiting encryption and send.
type OutboxEntry struct {
	ID           int64
	ClientMsgID  string
	PeerID       string
	Body         string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
