// Package threadview turns a sorted thread into the item sequence a client
// renders: messages annotated with date separators, error and in-flight
// markers, and the delivery state of the last message.
package threadview

import (
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/sms/internal/store"
)

// DateSeparatorGap is the silence, in seconds, after which a date separator
// is shown.
const DateSeparatorGap = 300

// ItemKind tags the variant held by an Item.
type ItemKind int

const (
	KindDateSeparator ItemKind = iota
	KindMessage
	KindError
	KindSending
	KindDelivered
)

func (k ItemKind) String() string {
	switch k {
	case KindDateSeparator:
		return "date_separator"
	case KindMessage:
		return "message"
	case KindError:
		return "error"
	case KindSending:
		return "sending"
	case KindDelivered:
		return "delivered"
	default:
		return "unknown"
	}
}

// Item is one row of a thread view. Which fields are set depends on Kind:
// Date for separators, Message for messages, MessageID and Body for errors,
// MessageID for sending markers and Delivered for the delivery marker.
type Item struct {
	Kind      ItemKind
	Message   *store.Message
	Date      int64
	MessageID int64
	Body      string
	Delivered bool
}

// Visitor handles every item variant.
type Visitor interface {
	DateSeparator(date int64)
	Message(m *store.Message)
	Error(messageID int64, body string)
	Sending(messageID int64)
	Delivered(delivered bool)
}

// Match calls the visitor method for the item's variant.
func (it Item) Match(v Visitor) {
	switch it.Kind {
	case KindDateSeparator:
		v.DateSeparator(it.Date)
	case KindMessage:
		v.Message(it.Message)
	case KindError:
		v.Error(it.MessageID, it.Body)
	case KindSending:
		v.Sending(it.MessageID)
	case KindDelivered:
		v.Delivered(it.Delivered)
	default:
		panic(fmt.Sprintf("threadview: unknown item kind %d", it.Kind))
	}
}

// Assemble builds the items of a thread sorted by (date, id). It does not
// touch read state; see UnreadIDs.
func Assemble(msgs []store.Message) []Item {
	items := make([]Item, 0, len(msgs)*2+1)
	for i := range msgs {
		m := msgs[i]
		if i == 0 || needsSeparator(&msgs[i-1], &m) {
			items = append(items, Item{Kind: KindDateSeparator, Date: m.Date})
		}
		items = append(items, Item{Kind: KindMessage, Message: &m, MessageID: m.ID})

		switch m.Type {
		case store.TypeFailed:
			items = append(items, Item{Kind: KindError, MessageID: m.ID, Body: m.Body})
		case store.TypeOutbox:
			items = append(items, Item{Kind: KindSending, MessageID: m.ID})
		}
	}

	if n := len(msgs); n > 0 && msgs[n-1].Type == store.TypeSent {
		last := msgs[n-1]
		items = append(items, Item{
			Kind:      KindDelivered,
			MessageID: last.ID,
			Delivered: last.Status == store.StatusComplete,
		})
	}
	return items
}

func needsSeparator(prev, cur *store.Message) bool {
	if cur.Date-prev.Date > DateSeparatorGap {
		return true
	}
	return prev.SubscriptionID != store.UnknownSubscription &&
		cur.SubscriptionID != store.UnknownSubscription &&
		prev.SubscriptionID != cur.SubscriptionID
}

// UnreadIDs returns the ids of unread messages, the input of the mark-read
// command that follows a view.
func UnreadIDs(msgs []store.Message) []int64 {
	var ids []int64
	for _, m := range msgs {
		if !m.Read {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Render writes items as plain text, one line per item.
func Render(items []Item) string {
	r := &textRenderer{}
	for _, it := range items {
		it.Match(r)
	}
	return r.b.String()
}

type textRenderer struct {
	b strings.Builder
}

func (r *textRenderer) DateSeparator(date int64) {
	fmt.Fprintf(&r.b, "--- %s ---\n", time.Unix(date, 0).Format("Mon 02 Jan 2006 15:04"))
}

func (r *textRenderer) Message(m *store.Message) {
	marker := ">"
	who := strings.Join(m.Addresses(), ", ")
	if m.Type == store.TypeInbox {
		marker = "<"
		who = m.SenderAddress
	}
	var flags []string
	if m.IsScheduled {
		flags = append(flags, "scheduled "+time.Unix(m.Date, 0).Format("15:04"))
	}
	if len(m.Attachments) > 0 {
		flags = append(flags, fmt.Sprintf("%d attachment(s)", len(m.Attachments)))
	}
	if !m.Read {
		flags = append(flags, "unread")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " [" + strings.Join(flags, ", ") + "]"
	}
	fmt.Fprintf(&r.b, "%s %d %s: %s%s\n", marker, m.ID, who, m.Body, suffix)
}

func (r *textRenderer) Error(messageID int64, body string) {
	fmt.Fprintf(&r.b, "  ! not sent, resend with: smsctl resend %d (%q)\n", messageID, body)
}

func (r *textRenderer) Sending(int64) {
	r.b.WriteString("  ... sending\n")
}

func (r *textRenderer) Delivered(delivered bool) {
	if delivered {
		r.b.WriteString("  delivered\n")
		return
	}
	r.b.WriteString("  sent\n")
}
