package filter

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const plainMessage = "From: Alice <alice@example.com>\r\n" +
	"To: Bob <bob@example.org>\r\n" +
	"Cc: team@example.org\r\n" +
	"Subject:   Weekly Sale on Widgets\r\n" +
	"Date: Mon, 01 Jan 2024 10:00:00 +0000\r\n" +
	"Received: from mx.example.com by mx.example.org; Tue, 02 Jan 2024 08:00:00 +0000\r\n" +
	"List-Id: <deals.example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Use coupon WIDGET10 at checkout.\r\n"

const htmlMessage = "From: news@example.net\r\n" +
	"To: bob@example.org\r\n" +
	"Subject: =?UTF-8?Q?Caf=C3=A9_news?=\r\n" +
	"Date: Wed, 03 Jan 2024 12:00:00 +0000\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=b1\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Click to <b>unsubscribe</b></p>\r\n" +
	"--b1--\r\n"

func parse(t *testing.T, raw, uid string) *Message {
	t.Helper()
	m, err := ParseMessage([]byte(raw), "INBOX")
	require.NoError(t, err)
	if uid != "" {
		m.UID = uid
	}
	return m
}

func withHeader(raw, header string) string {
	return header + "\r\n" + raw
}

func bigMessage(kib int) string {
	return plainMessage + strings.Repeat("x", kib*1024)
}
