package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
)

// SanitizeUTF8 drops invalid UTF-8 sequences and NUL bytes, which SQLite
// text columns and JSON output would otherwise carry through.
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
			if _, size := utf8.DecodeRuneInString(s[i:]); size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// SanitizeFlags drops empty flags, flags with whitespace and the NIL/NULL
// placeholders some clients emit. Order is preserved.
func SanitizeFlags(flags []imap.Flag) []imap.Flag {
	if len(flags) == 0 {
		return flags
	}

	sanitized := make([]imap.Flag, 0, len(flags))
	for _, flag := range flags {
		s := string(flag)
		upper := strings.ToUpper(s)
		if strings.TrimSpace(s) == "" || strings.ContainsAny(s, " \t\r\n") {
			continue
		}
		if strings.Contains(upper, "NIL") || strings.Contains(upper, "NULL") {
			continue
		}
		sanitized = append(sanitized, flag)
	}
	return sanitized
}
