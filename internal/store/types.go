package store

import "errors"

// ErrNotFound is returned by operations that require an existing row.
var ErrNotFound = errors.New("not found")

// MessageType mirrors the platform message box a message lives in.
type MessageType int

const (
	TypeInbox  MessageType = 1
	TypeSent   MessageType = 2
	TypeOutbox MessageType = 4
	TypeFailed MessageType = 5
	TypeQueued MessageType = 6
)

func (t MessageType) String() string {
	switch t {
	case TypeInbox:
		return "INBOX"
	case TypeSent:
		return "SENT"
	case TypeOutbox:
		return "OUTBOX"
	case TypeFailed:
		return "FAILED"
	case TypeQueued:
		return "QUEUED"
	default:
		return "UNKNOWN"
	}
}

// MessageStatus is the delivery status reported for outbound messages.
type MessageStatus int

const (
	StatusNone     MessageStatus = -1
	StatusComplete MessageStatus = 0
	StatusPending  MessageStatus = 32
	StatusFailed   MessageStatus = 64
)

func (s MessageStatus) String() string {
	switch s {
	case StatusNone:
		return "NONE"
	case StatusComplete:
		return "COMPLETE"
	case StatusPending:
		return "PENDING"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// UnknownSubscription marks a message whose send channel is not known.
const UnknownSubscription = -1

// Conversation is one thread as shown in the conversation list.
// Archived, Pinned and IsTemporary are owned by the cache; the external
// store never reports them.
type Conversation struct {
	ThreadID            int64
	PhoneNumber         string
	ParticipantKey      string
	Title               string
	Snippet             string
	Date                int64
	Read                bool
	Archived            bool
	Pinned              bool
	IsGroupConversation bool
	IsCompany           bool
	IsBlocked           bool
	PhotoURI            string
	IsTemporary         bool
}

// Participant is a contact-like record attached to a message.
type Participant struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Attachment is a typed blob referenced by an MMS message.
type Attachment struct {
	MimeType string `json:"mime_type"`
	URI      string `json:"uri"`
	Filename string `json:"filename,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is a single SMS or MMS. Dates are unix seconds.
type Message struct {
	ID             int64
	ThreadID       int64
	Body           string
	Type           MessageType
	Status         MessageStatus
	Date           int64
	Participants   []Participant
	SenderAddress  string
	SubscriptionID int
	IsMMS          bool
	IsScheduled    bool
	Read           bool
	Attachments    []Attachment
	StableID       string
}

// IsLocal reports whether the message id was generated by this app rather
// than assigned by the external store.
func (m *Message) IsLocal() bool {
	return m.ID < 0
}

// Addresses returns the participant addresses in order.
func (m *Message) Addresses() []string {
	out := make([]string, 0, len(m.Participants))
	for _, p := range m.Participants {
		out = append(out, p.Address)
	}
	return out
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
