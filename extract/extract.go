package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	// Register charset decoders so encoded headers and bodies in
	// iso-8859-*, windows-1252 etc. decode instead of erroring.
	_ "github.com/emersion/go-message/charset"

	"github.com/dhcgn/imap-ai-reply/model"
)

// ErrNoPlainText marks a multipart message without any text/plain part.
// Such messages are skipped, not answered with an empty prompt.
var ErrNoPlainText = errors.New("no text/plain part in message")

// Parse decodes one raw RFC 5322 message into a model.Message.
//
// Subject and From are resolved with MIME-word decoding (UTF-8 when no
// charset is declared). The body is the first text/plain inline part for
// multipart messages, or the sole payload otherwise; scanning stops at the
// first match. Bytes that survive charset decoding but are not valid UTF-8
// are dropped.
func Parse(uid uint32, raw []byte) (model.Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return model.Message{}, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	msg := model.Message{
		UID:     uid,
		Subject: decodeSubject(mr.Header),
		From:    decodeFrom(mr.Header),
	}

	contentType, _, _ := mr.Header.ContentType()
	multipart := strings.HasPrefix(contentType, "multipart/")

	body, err := scanBody(mr, multipart)
	if err != nil {
		return model.Message{}, err
	}
	msg.Body = body

	return msg, nil
}

func decodeSubject(h mail.Header) string {
	subject, err := h.Subject()
	if err != nil {
		// Keep whatever decoded; a bad encoded word should not drop the message.
		subject, _ = h.Text("Subject")
	}
	return strings.ToValidUTF8(subject, "")
}

func decodeFrom(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		raw := h.Get("From")
		return strings.ToValidUTF8(raw, "")
	}

	a := addrs[0]
	if a.Name != "" {
		return strings.ToValidUTF8(a.Name, "") + " <" + a.Address + ">"
	}
	return a.Address
}

// scanBody walks the inline parts and returns the first eligible body.
// For multipart messages only a text/plain part qualifies; a single-part
// message contributes its sole payload whatever the declared type.
func scanBody(mr *mail.Reader, multipart bool) (string, error) {
	sawPart := false

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed trailing part must not lose an already
			// missing body; report the message as unreadable.
			return "", fmt.Errorf("read part: %w", err)
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		sawPart = true

		contentType, _, _ := inline.ContentType()
		if multipart && !strings.HasPrefix(contentType, "text/plain") {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return "", fmt.Errorf("decode body part: %w", err)
		}
		return strings.ToValidUTF8(string(data), ""), nil
	}

	if !sawPart {
		return "", fmt.Errorf("message has no readable part")
	}
	return "", ErrNoPlainText
}
