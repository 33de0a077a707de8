package sexp

import "strings"

// EncodeBool returns " #t" or " #f". The leading space lets fragments be
// concatenated directly after a function name.
func EncodeBool(b bool) string {
	if b {
		return " #t"
	}
	return " #f"
}

// EncodeString returns s as a double-quoted literal preceded by a space,
// with backslash, double quote and single quote escaped.
func EncodeString(s string) string {
	var sb strings.Builder
	AppendString(&sb, s)
	return sb.String()
}

func AppendBool(sb *strings.Builder, b bool) {
	sb.WriteString(EncodeBool(b))
}

func AppendString(sb *strings.Builder, s string) {
	sb.Grow(len(s) + 3)
	sb.WriteString(` "`)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' || c == '"' || c == '\'' {
			sb.WriteByte('\\')
		}
		sb.WriteByte(c)
	}
	sb.WriteByte('"')
}
