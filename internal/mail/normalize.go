package mail

import (
	"errors"
	"strings"
)

// ErrMalformed marks a raw message missing the identifiers needed to store
// it. Callers skip such messages; the batch continues.
var ErrMalformed = errors.New("raw message missing messageId or threadId")

// Normalize converts a raw provider payload into a canonical Message for
// ownerEmail's mailbox. It is a pure transform: no I/O, no side effects.
//
// Body selection walks the MIME tree and prefers text/html over text/plain
// over the provider-supplied snippet, recording which was used.
func Normalize(raw *RawMessage, ownerEmail string) (*Message, error) {
	if raw == nil || raw.ID == "" || raw.ThreadID == "" {
		return nil, ErrMalformed
	}

	sender := raw.Header("From")
	recipient := raw.Header("To")

	body, bodyType := selectBody(raw)

	m := &Message{
		MessageID:   raw.ID,
		ThreadID:    raw.ThreadID,
		Sender:      sender,
		Recipient:   recipient,
		Subject:     raw.Header("Subject"),
		Body:        body,
		BodyType:    bodyType,
		Snippet:     raw.Snippet,
		Timestamp:   raw.Timestamp,
		IsInbound:   NormalizeAddress(sender) != NormalizeAddress(ownerEmail),
		IsRead:      !raw.Unread,
		Attachments: raw.Attachments,
	}
	return m, nil
}

func selectBody(raw *RawMessage) (string, BodyType) {
	if html := findPart(raw.Body, "text/html"); html != "" {
		return html, BodyHTML
	}
	if text := findPart(raw.Body, "text/plain"); text != "" {
		return text, BodyText
	}
	return raw.Snippet, BodySnippet
}

// findPart walks the part tree depth-first and returns the first non-empty
// body with the wanted MIME type.
func findPart(part *RawPart, mimeType string) string {
	if part == nil {
		return ""
	}
	if strings.EqualFold(part.MimeType, mimeType) && part.Data != "" {
		return part.Data
	}
	for _, sub := range part.Parts {
		if data := findPart(sub, mimeType); data != "" {
			return data
		}
	}
	return ""
}
