package filter

import (
	"fmt"
	netmail "net/mail"
	"slices"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/migadu/sift/consts"
	"github.com/migadu/sift/helpers"
)

// FlagJunk is the keyword used for the Junk system flag.
const FlagJunk imap.Flag = "$Junk"

var systemFlags = map[string]imap.Flag{
	"seen":      imap.FlagSeen,
	"answered":  imap.FlagAnswered,
	"flagged":   imap.FlagFlagged,
	"deleted":   imap.FlagDeleted,
	"draft":     imap.FlagDraft,
	"junk":      FlagJunk,
	"important": imap.FlagImportant,
}

// SystemFlag maps a flag name such as "Seen" or "\Seen" to its IMAP flag.
func SystemFlag(name string) (imap.Flag, bool) {
	name = strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(name), `\`), "$"))
	f, ok := systemFlags[name]
	return f, ok
}

// Message is what filter rules see of a mail message.
type Message struct {
	UID    string
	Folder string
	Header message.Header
	// Body is the plaintext rendering used by body searches.
	Body         string
	Size         int64
	SentDate     time.Time
	ReceivedDate time.Time
	Flags        []imap.Flag
	UserFlags    []string
	Tags         map[string]string
	Score        int64
	// Source identifies the account the message came from.
	Source string
	Raw    []byte
}

// ParseMessage builds a Message from raw RFC 5322 data. The uid defaults
// to the content hash.
func ParseMessage(raw []byte, folder string) (*Message, error) {
	entity, err := helpers.ReadMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrMalformedMessage, err)
	}

	mailHeader := mail.Header{Header: entity.Header}
	sentDate, _ := mailHeader.Date()
	received := receivedDate(entity.Header)
	switch {
	case received.IsZero() && sentDate.IsZero():
		received = time.Now()
		sentDate = received
	case received.IsZero():
		received = sentDate
	case sentDate.IsZero():
		sentDate = received
	}

	body, err := helpers.ExtractPlaintextBody(entity)
	if err != nil {
		body = ""
	}

	if folder == "" {
		folder = consts.DefaultFolder
	}
	return &Message{
		UID:          helpers.HashContent(raw),
		Folder:       folder,
		Header:       entity.Header,
		Body:         body,
		Size:         int64(len(raw)),
		SentDate:     sentDate.UTC(),
		ReceivedDate: received.UTC(),
		Tags:         make(map[string]string),
		Raw:          raw,
	}, nil
}

// receivedDate reads the timestamp after the last ';' of the topmost
// Received header.
func receivedDate(h message.Header) time.Time {
	v := h.Get("Received")
	i := strings.LastIndexByte(v, ';')
	if i < 0 {
		return time.Time{}
	}
	t, err := netmail.ParseDate(strings.TrimSpace(v[i+1:]))
	if err != nil {
		return time.Time{}
	}
	return t
}

// HeaderValues returns every decoded value of the named header.
func (m *Message) HeaderValues(name string) []string {
	var out []string
	fields := m.Header.FieldsByKey(name)
	for fields.Next() {
		text, err := fields.Text()
		if err != nil {
			text = fields.Value()
		}
		out = append(out, helpers.SanitizeUTF8(text))
	}
	return out
}

func (m *Message) HasFlag(f imap.Flag) bool {
	for _, have := range m.Flags {
		if strings.EqualFold(string(have), string(f)) {
			return true
		}
	}
	return false
}

func (m *Message) HasUserFlag(name string) bool {
	return slices.ContainsFunc(m.UserFlags, func(f string) bool { return strings.EqualFold(f, name) })
}

// Clone returns a deep copy, so actions can be applied to it without
// touching the original.
func (m *Message) Clone() *Message {
	c := *m
	c.Header = m.Header.Copy()
	c.Flags = slices.Clone(m.Flags)
	c.UserFlags = slices.Clone(m.UserFlags)
	c.Tags = make(map[string]string, len(m.Tags))
	for k, v := range m.Tags {
		c.Tags[k] = v
	}
	return &c
}
