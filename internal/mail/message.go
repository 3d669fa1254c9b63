package mail

import (
	"strings"
	"time"
)

// BodyType records which part of the raw payload supplied the message body.
type BodyType string

const (
	BodyHTML    BodyType = "html"
	BodyText    BodyType = "text"
	BodySnippet BodyType = "snippet"
)

// Attachment holds attachment metadata only; content stays with the provider.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// Message is the canonical form of one email, immutable once stored except
// for the read flag and classification annotations.
type Message struct {
	MessageID   string       `json:"messageId"`
	ThreadID    string       `json:"threadId"`
	Sender      string       `json:"sender"`
	Recipient   string       `json:"recipient"`
	Subject     string       `json:"subject"`
	Body        string       `json:"body"`
	BodyType    BodyType     `json:"bodyType"`
	Snippet     string       `json:"snippet"`
	Timestamp   time.Time    `json:"timestamp"`
	IsInbound   bool         `json:"isInbound"`
	IsRead      bool         `json:"isRead"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Header is one entry of a raw provider header list. Lookups are
// case-insensitive on Name.
type Header struct {
	Name  string
	Value string
}

// RawPart is a node of a MIME part tree with text content already decoded.
type RawPart struct {
	MimeType string
	Filename string
	Data     string
	Parts    []*RawPart
}

// RawMessage is the provider-specific payload handed to the normalizer.
// Adapters fill it from whatever shape their API returns.
type RawMessage struct {
	ID          string
	ThreadID    string
	Headers     []Header
	Snippet     string
	Body        *RawPart
	Timestamp   time.Time
	Unread      bool
	Attachments []Attachment
}

// Header returns the first header value matching name, case-insensitively.
func (r *RawMessage) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
