package helpers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// ReadMessage parses raw RFC 5322 data. Unknown charsets and transfer
// encodings are tolerated so filters still see the headers.
func ReadMessage(raw []byte) (*message.Entity, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	return entity, nil
}

// ExtractPlaintextBody walks the MIME tree and returns the first text/plain
// part. When there is none, the first text/html part is converted to text.
func ExtractPlaintextBody(entity *message.Entity) (string, error) {
	if entity == nil {
		return "", fmt.Errorf("nil message entity")
	}
	var plain, html *string

	var walk func(e *message.Entity) error
	walk = func(e *message.Entity) error {
		mediaType, _, err := e.Header.ContentType()
		if err != nil {
			mediaType = "text/plain"
		}
		if mr := e.MultipartReader(); mr != nil {
			for {
				part, err := mr.NextPart()
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil && !message.IsUnknownCharset(err) {
					return fmt.Errorf("error reading multipart: %w", err)
				}
				if err := walk(part); err != nil {
					return err
				}
			}
		}
		if disp, _, _ := e.Header.ContentDisposition(); disp == "attachment" {
			return nil
		}
		switch mediaType {
		case "text/plain", "text/html":
		default:
			return nil
		}
		content, err := io.ReadAll(e.Body)
		if err != nil {
			return fmt.Errorf("error reading entity body: %w", err)
		}
		s := string(content)
		if mediaType == "text/plain" && plain == nil {
			plain = &s
		} else if mediaType == "text/html" && html == nil {
			html = &s
		}
		return nil
	}

	if err := walk(entity); err != nil {
		return "", err
	}
	switch {
	case plain != nil:
		return SanitizeUTF8(*plain), nil
	case html != nil:
		return SanitizeUTF8(strings.TrimSpace(html2text.HTML2Text(*html))), nil
	}
	return "", nil
}
