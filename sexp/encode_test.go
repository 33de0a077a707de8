package sexp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeBool(t *testing.T) {
	assert.Equal(t, " #t", EncodeBool(true))
	assert.Equal(t, " #f", EncodeBool(false))
}

func TestEncodeString(t *testing.T) {
	assert.Equal(t, ` "plain"`, EncodeString("plain"))
	assert.Equal(t, ` "he said \"hi\""`, EncodeString(`he said "hi"`))
	assert.Equal(t, ` "it\'s"`, EncodeString("it's"))
	assert.Equal(t, ` "a\\b"`, EncodeString(`a\b`))
}

func TestEncodeStringRoundTrip(t *testing.T) {
	inputs := []string{
		`he said "hi"`,
		"it's",
		`back\slash`,
		"multi\nline",
		"",
		`\"'\\`,
	}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			l := NewLexer(EncodeString(in), nil)
			tok, err := l.Next()
			require.NoError(t, err)
			require.Equal(t, TokString, tok.Kind)
			assert.Equal(t, in, tok.Text)
		})
	}
}

func TestAssembleExpression(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("(=")
	AppendString(&sb, "a'b")
	AppendString(&sb, "a'b")
	sb.WriteString(")")

	s := New()
	v, err := s.EvaluateString(sb.String())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)

	sb.Reset()
	sb.WriteString("(not")
	AppendBool(&sb, false)
	sb.WriteString(")")
	v, err = s.EvaluateString(sb.String())
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true), v)
}
