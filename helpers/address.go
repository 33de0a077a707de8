package helpers

import (
	"fmt"
	"net/mail"
	"strings"
)

// SplitEmailAddress returns the lowercased local part and domain of email.
func SplitEmailAddress(email string) (string, string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("invalid email address: %q", email)
	}
	return email[:at], email[at+1:], nil
}

// NormalizeAddress parses a single RFC 5322 address, with or without a
// display name, and returns the bare address in lower case.
func NormalizeAddress(addr string) (string, error) {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("invalid email address %q: %w", addr, err)
	}
	if _, _, err := SplitEmailAddress(parsed.Address); err != nil {
		return "", err
	}
	return strings.ToLower(parsed.Address), nil
}
