package store

import (
	"cmp"
	"slices"
)

// SortOptions are the user preferences that shape the conversation list.
type SortOptions struct {
	UnreadAtTop bool
	GroupsFirst bool
}

// SortConversations orders a conversation list in place: pinned first, then
// unread (when configured), newest, group chats (when configured), and thread
// id as the final tie-break so the order is total.
func SortConversations(convs []Conversation, opts SortOptions) {
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		if c := compareFlag(a.Pinned, b.Pinned); c != 0 {
			return c
		}
		if opts.UnreadAtTop {
			if c := compareFlag(!a.Read, !b.Read); c != 0 {
				return c
			}
		}
		if c := cmp.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		if opts.GroupsFirst {
			if c := compareFlag(a.IsGroupConversation, b.IsGroupConversation); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.ThreadID, b.ThreadID)
	})
}

// compareFlag sorts true before false.
func compareFlag(a, b bool) int {
	switch {
	case a == b:
		return 0
	case a:
		return -1
	default:
		return 1
	}
}
