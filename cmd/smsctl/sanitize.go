package main

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// clean prepares message text for a single terminal line. Control
// characters become spaces and emoji modifiers that split a glyph across
// cells are dropped.
func clean(v any) string {
	s, _ := v.(string)
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case isModifier(r), unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isModifier(r rune) bool {
	switch {
	// Skin tones.
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	case r == 0x200D:
		return true
	// Variation selectors, both blocks.
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF:
		return true
	default:
		return false
	}
}
