package status

import (
	"fmt"
	"slices"

	"github.com/matheus3301/sms/internal/store"
)

// SendState is the lifecycle of one outbound message.
type SendState string

const (
	Composing       SendState = "COMPOSING"
	Sending         SendState = "SENDING"
	QueuedScheduled SendState = "QUEUED_SCHEDULED"
	Sent            SendState = "SENT"
	Failed          SendState = "FAILED"
)

var sendTransitions = map[SendState][]SendState{
	Composing:       {Sending, QueuedScheduled},
	QueuedScheduled: {QueuedScheduled, Sending, Sent, Failed},
	Sending:         {Sent, Failed},
	Failed:          {Sending},
	Sent:            {Sent},
}

// TransitionError reports a send state change that is not allowed.
type TransitionError struct {
	From SendState
	To   SendState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid send transition from %s to %s", e.From, e.To)
}

// ValidateSend returns a *TransitionError unless from -> to is allowed.
func ValidateSend(from, to SendState) error {
	if !slices.Contains(sendTransitions[from], to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

// SendStateOf derives the send state of a persisted message. Received
// messages have no send state and report Sent.
func SendStateOf(m *store.Message) SendState {
	if m.IsScheduled {
		return QueuedScheduled
	}
	switch m.Type {
	case store.TypeOutbox, store.TypeQueued:
		return Sending
	case store.TypeFailed:
		return Failed
	default:
		if m.Status == store.StatusFailed {
			return Failed
		}
		return Sent
	}
}
