package daemon

import (
	"time"

	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/store"
)

// seedDemo fills mem with a few threads so the daemon can be tried without a
// platform message database.
func seedDemo(mem *external.Memory) {
	now := time.Now().Unix()
	threads := []struct {
		id    int64
		title string
		addrs []string
		lines []string
	}{
		{1, "Alice", []string{"+15550100"}, []string{"are we still on for lunch?", "yes, 12:30 works", "see you there"}},
		{2, "Bob", []string{"+15550111"}, []string{"package arrived", "thanks!"}},
		{3, "Climbing", []string{"+15550122", "+15550133"}, []string{"gym at 7?", "in", "running late, start without me"}},
	}
	for _, th := range threads {
		last := now - th.id*3600
		mem.PutConversation(store.Conversation{
			ThreadID:            th.id,
			PhoneNumber:         th.addrs[0],
			ParticipantKey:      store.ParticipantKey(th.addrs),
			Title:               th.title,
			Snippet:             th.lines[len(th.lines)-1],
			Date:                last,
			Read:                th.id != 1,
			IsGroupConversation: len(th.addrs) > 1,
		})
		for i, line := range th.lines {
			typ := store.TypeInbox
			sender := th.addrs[i%len(th.addrs)]
			if i%2 == 1 {
				typ = store.TypeSent
				sender = ""
			}
			participants := make([]store.Participant, len(th.addrs))
			for j, a := range th.addrs {
				participants[j] = store.Participant{Address: a}
			}
			mem.PutMessage(store.Message{
				ID:             th.id*100 + int64(i),
				ThreadID:       th.id,
				Body:           line,
				Type:           typ,
				Status:         store.StatusNone,
				Date:           last - int64(len(th.lines)-1-i)*120,
				Participants:   participants,
				SenderAddress:  sender,
				SubscriptionID: 1,
				Read:           th.id != 1 || typ == store.TypeSent,
			})
		}
	}
}
