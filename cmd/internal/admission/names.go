package admission

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"standup/cmd/internal/fault"
	"standup/cmd/internal/session"

	"golang.org/x/text/unicode/norm"
)

// markup characters are stripped so names render safely in any client.
const markup = "<>\"'&`"

// NormalizeName canonicalizes a display name: NFC, control and markup
// characters removed, whitespace runs collapsed, trimmed.
func NormalizeName(s string) string {
	s = norm.NFC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case r == utf8.RuneError:
			continue
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r), strings.ContainsRune(markup, r):
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

// ValidateName normalizes s and enforces 1..MaxNameLength runes.
func ValidateName(op, s string) (string, error) {
	name := NormalizeName(s)
	n := utf8.RuneCountInString(name)
	switch {
	case n == 0:
		return "", fault.New(op, fault.ErrValidation, "name is required")
	case n > session.MaxNameLength:
		return "", fault.Newf(op, fault.ErrValidation, "name must be at most %d characters", session.MaxNameLength)
	}
	return name, nil
}
