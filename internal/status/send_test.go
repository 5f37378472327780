package status

import (
	"errors"
	"testing"

	"github.com/matheus3301/sms/internal/store"
)

func TestValidateSend(t *testing.T) {
	tests := []struct {
		from, to SendState
		ok       bool
	}{
		{Composing, Sending, true},
		{Composing, QueuedScheduled, true},
		{Composing, Sent, false},
		{QueuedScheduled, QueuedScheduled, true},
		{QueuedScheduled, Sending, true},
		{QueuedScheduled, Failed, true},
		{Sending, Sent, true},
		{Sending, Failed, true},
		{Sending, QueuedScheduled, false},
		{Failed, Sending, true},
		{Failed, Sent, false},
		{Sent, Sent, true},
		{Sent, Sending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := ValidateSend(tt.from, tt.to)
			if tt.ok && err != nil {
				t.Errorf("ValidateSend() error = %v", err)
			}
			if !tt.ok {
				var terr *TransitionError
				if !errors.As(err, &terr) {
					t.Fatalf("want *TransitionError, got %v", err)
				}
				if terr.From != tt.from || terr.To != tt.to {
					t.Errorf("TransitionError = %+v", terr)
				}
			}
		})
	}
}

func TestSendStateOf(t *testing.T) {
	tests := []struct {
		name string
		msg  store.Message
		want SendState
	}{
		{"scheduled", store.Message{Type: store.TypeQueued, IsScheduled: true}, QueuedScheduled},
		{"outbox", store.Message{Type: store.TypeOutbox, Status: store.StatusPending}, Sending},
		{"failed box", store.Message{Type: store.TypeFailed}, Failed},
		{"sent but delivery failed", store.Message{Type: store.TypeSent, Status: store.StatusFailed}, Failed},
		{"sent", store.Message{Type: store.TypeSent, Status: store.StatusComplete}, Sent},
		{"inbox", store.Message{Type: store.TypeInbox}, Sent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SendStateOf(&tt.msg); got != tt.want {
				t.Errorf("SendStateOf() = %s, want %s", got, tt.want)
			}
		})
	}
}
