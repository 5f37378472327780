package sync

import "github.com/matheus3301/sms/internal/store"

// ContentVersion names the set of conversation fields that the external
// store owns and a reconciliation pass compares. Bump it whenever a field is
// added to or removed from ContentEqual and mergeContent.
const ContentVersion = 1

// ContentEqual reports whether two conversations agree on every
// externally-owned field. Cache-owned flags (archived, pinned, temporary) are
// ignored.
func ContentEqual(a, b *store.Conversation) bool {
	return a.Title == b.Title &&
		a.PhoneNumber == b.PhoneNumber &&
		a.ParticipantKey == b.ParticipantKey &&
		a.Snippet == b.Snippet &&
		a.Date == b.Date &&
		a.Read == b.Read &&
		a.IsGroupConversation == b.IsGroupConversation &&
		a.IsCompany == b.IsCompany &&
		a.IsBlocked == b.IsBlocked &&
		a.PhotoURI == b.PhotoURI
}

// mergeContent overlays the external row onto the cached one. Empty external
// strings mean the detail could not be read and never clobber a cached value.
// When keepDate is set the cached date and snippet win if they are newer,
// which holds a thread with a pending scheduled message in place.
func mergeContent(cached, ext *store.Conversation, keepDate bool) store.Conversation {
	out := *cached
	out.Title = nonEmpty(ext.Title, cached.Title)
	out.PhoneNumber = nonEmpty(ext.PhoneNumber, cached.PhoneNumber)
	out.ParticipantKey = nonEmpty(ext.ParticipantKey, cached.ParticipantKey)
	out.PhotoURI = nonEmpty(ext.PhotoURI, cached.PhotoURI)
	out.Read = ext.Read
	out.IsGroupConversation = ext.IsGroupConversation
	out.IsCompany = ext.IsCompany
	out.IsBlocked = ext.IsBlocked

	if keepDate && cached.Date > ext.Date {
		return out
	}
	out.Date = ext.Date
	out.Snippet = nonEmpty(ext.Snippet, cached.Snippet)
	return out
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
