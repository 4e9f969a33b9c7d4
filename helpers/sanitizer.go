package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// PostgreSQL's text type does not allow NULL bytes even though they are
// valid UTF-8.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// UnfoldHeader collapses folded header continuation lines into single spaces.
func UnfoldHeader(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(strings.ReplaceAll(s, "\n ", " "), "\n\t", " ")
}
