package helpers

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestExtractPlaintextBody(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "single part",
			raw: `From: a@example.com
Subject: hi
Content-Type: text/plain; charset=utf-8

Hello there
`,
			want: "Hello there",
		},
		{
			name: "prefers plain over html",
			raw: `Content-Type: multipart/alternative; boundary=XX

--XX
Content-Type: text/html

<p>html version</p>
--XX
Content-Type: text/plain

plain version
--XX--
`,
			want: "plain version",
		},
		{
			name: "html only",
			raw: `Content-Type: text/html

<html><body><b>Big</b> sale</body></html>
`,
			want: "Big sale",
		},
		{
			name: "skips attachments",
			raw: `Content-Type: multipart/mixed; boundary=B

--B
Content-Type: text/plain
Content-Disposition: attachment; filename=a.txt

attached
--B
Content-Type: text/plain

inline body
--B--
`,
			want: "inline body",
		},
		{
			name: "quoted printable",
			raw: `Content-Type: text/plain
Content-Transfer-Encoding: quoted-printable

caf=C3=A9
`,
			want: "café",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entity, err := ReadMessage(crlf(tt.raw))
			require.NoError(t, err)
			body, err := ExtractPlaintextBody(entity)
			require.NoError(t, err)
			assert.Equal(t, tt.want, strings.TrimSpace(body))
		})
	}
}

func TestExtractPlaintextBodyNil(t *testing.T) {
	_, err := ExtractPlaintextBody(nil)
	assert.Error(t, err)
}
