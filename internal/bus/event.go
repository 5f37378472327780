package bus

import (
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/sms/internal/store"
)

// Event kinds. Subscribers filter on the prefix before the dot.
const (
	KindConversationsRefresh  = "conversations.refresh"
	KindConversationsSnapshot = "conversations.snapshot"
	KindMessagesRefresh       = "messages.refresh"
	KindThreadMigrated        = "thread.migrated"
	KindSMSReceived           = "sms.received"
	KindSendResult            = "sms.send_result"
	KindDeliveryReport        = "sms.delivery_report"
	KindRefreshRequested      = "sms.refresh_requested"
	KindOutboxSend            = "outbox.send"
	KindStatusChanged         = "daemon.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(kind string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// Snapshot is the payload of conversations.snapshot.
type Snapshot struct {
	Conversations []store.Conversation
	Loading       bool
}

// ThreadRef names the thread a refresh signal concerns. ThreadID 0 means
// every thread.
type ThreadRef struct {
	ThreadID int64
}

// ThreadMigrated is the payload of thread.migrated.
type ThreadMigrated struct {
	From int64
	To   int64
}
