package store

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// StableID fingerprints a message by sender address, date and body. The
// external store renumbers rows across requeries, so this is what dedups two
// reads of the same underlying message. It is never used as a primary key.
func StableID(address string, date int64, body string) string {
	bodySum := sha256.Sum256([]byte(body))
	h := sha256.New()
	h.Write([]byte(NormalizeAddress(address)))
	h.Write([]byte{0x1f})
	h.Write([]byte(strconv.FormatInt(date, 10)))
	h.Write([]byte{0x1f})
	h.Write(bodySum[:])
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeStableID derives the fingerprint from the message's own fields.
// Inbound messages are keyed by sender; outbound ones by their recipients.
func (m *Message) ComputeStableID() string {
	addr := m.SenderAddress
	if addr == "" {
		addr = ParticipantKey(m.Addresses())
	}
	return StableID(addr, m.Date, m.Body)
}

// NormalizeAddress reduces a phone number to digits with an optional leading
// '+'. Addresses without any digit (short codes with letters, emails) are
// lowercased and trimmed instead.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	var b strings.Builder
	for i, r := range addr {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if strings.TrimPrefix(digits, "+") == "" {
		return strings.ToLower(addr)
	}
	return digits
}

// ParticipantKey is the exact-match key used to pair a temporary thread with
// the real thread for the same recipients.
func ParticipantKey(addresses []string) string {
	norm := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if n := NormalizeAddress(a); n != "" {
			norm = append(norm, n)
		}
	}
	slices.Sort(norm)
	norm = slices.Compact(norm)
	return strings.Join(norm, "|")
}

var localSeq atomic.Int64

// NewLocalID returns a fresh negative id for rows that only exist in the
// cache (scheduled messages, optimistic sends, temporary threads). External
// ids are positive, so the two spaces never collide.
func NewLocalID() int64 {
	base := time.Now().UnixMilli() * 1000
	return -(base + localSeq.Add(1)%1000)
}
