package store

// Message types persisted on a conversation record.
const (
	TypeText  = "text"
	TypeFile  = "file"
	TypeImage = "image"
)

// Status of a conversation record. Derived from stored fields, never
// persisted.
type Status string

const (
	StatusSent     Status = "SENT"
	StatusReceived Status = "RECEIVED"
	StatusRead     Status = "READ"
	StatusFailed   Status = "FAILED"
)

// Conversation is one sent or received chat message. A record is either
// authored locally (IsReceiver=false) or received from a peer
// (IsReceiver=true); ReceivedBy, ReadBy, Read and the error fields mutate
// in place as acknowledgements arrive, everything else is immutable.
type Conversation struct {
	ID           string
	RoomID       string
	SenderID     string
	IsReceiver   bool
	SendAt       int64
	MessageType  string
	TextContent  string
	FileID       string
	Receivers    []string
	ReceivedBy   []string
	ReadBy       []string
	Read         bool
	ErrorCode    int
	ErrorMessage string
}

// Status derives the record's delivery status. For sent records an error
// wins, then read acknowledgements outrank received ones; a received
// record is READ once read locally.
func (c *Conversation) Status() Status {
	if c.IsReceiver {
		if c.Read {
			return StatusRead
		}
		return StatusReceived
	}
	switch {
	case c.ErrorCode != 0 || c.ErrorMessage != "":
		return StatusFailed
	case len(c.ReadBy) > 0:
		return StatusRead
	case len(c.ReceivedBy) > 0:
		return StatusReceived
	default:
		return StatusSent
	}
}

// File is one file or image transfer. Owner-side records hold the full
// binary immediately; receiver-side records accumulate chunk rows until
// all declared chunks arrived, at which point they are concatenated into
// Binary and the chunk rows are deleted.
type File struct {
	ID             string
	Name           string
	Size           int64
	Type           string
	CreatedAt      int64
	IsOwner        bool
	OwnerID        string
	Binary         []byte
	NumberOfChunks int
	TransferredTo  []string
}

// OutboxFrame is a protocol frame queued for a peer whose channel was not
// open. Replayed FIFO per peer once the channel opens, then deleted.
type OutboxFrame struct {
	ID        int64
	PeerID    string
	FrameType string
	Payload   []byte
}

// ActionEntry is one append-only audit record of a state transition.
type ActionEntry struct {
	ID      int64
	Time    int64
	Type    string
	Payload string
}

// SearchResult holds a conversation matched by full-text search with a
// highlight snippet.
type SearchResult struct {
	Conversation Conversation
	Snippet      string
}
