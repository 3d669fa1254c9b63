package mail

import (
	"errors"
	"testing"
	"time"
)

func rawFixture() *RawMessage {
	return &RawMessage{
		ID:       "m1",
		ThreadID: "t1",
		Headers: []Header{
			{Name: "From", Value: "Alice <alice@example.com>"},
			{Name: "To", Value: "me@example.com"},
			{Name: "Subject", Value: "hello"},
		},
		Snippet:   "hello there",
		Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Unread:    true,
	}
}

func TestNormalizeBodyPriority(t *testing.T) {
	tests := []struct {
		name     string
		body     *RawPart
		wantBody string
		wantType BodyType
	}{
		{
			name: "html preferred over text",
			body: &RawPart{
				MimeType: "multipart/alternative",
				Parts: []*RawPart{
					{MimeType: "text/plain", Data: "plain"},
					{MimeType: "text/html", Data: "<p>rich</p>"},
				},
			},
			wantBody: "<p>rich</p>",
			wantType: BodyHTML,
		},
		{
			name: "text when no html",
			body: &RawPart{
				MimeType: "multipart/mixed",
				Parts: []*RawPart{
					{MimeType: "application/pdf", Filename: "a.pdf"},
					{MimeType: "text/plain", Data: "plain"},
				},
			},
			wantBody: "plain",
			wantType: BodyText,
		},
		{
			name: "nested multipart",
			body: &RawPart{
				MimeType: "multipart/mixed",
				Parts: []*RawPart{
					{
						MimeType: "multipart/alternative",
						Parts: []*RawPart{
							{MimeType: "text/html", Data: "<b>deep</b>"},
						},
					},
				},
			},
			wantBody: "<b>deep</b>",
			wantType: BodyHTML,
		},
		{
			name:     "snippet fallback",
			body:     nil,
			wantBody: "hello there",
			wantType: BodySnippet,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := rawFixture()
			raw.Body = tc.body
			m, err := Normalize(raw, "me@example.com")
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if m.Body != tc.wantBody {
				t.Errorf("body = %q, want %q", m.Body, tc.wantBody)
			}
			if m.BodyType != tc.wantType {
				t.Errorf("bodyType = %q, want %q", m.BodyType, tc.wantType)
			}
		})
	}
}

func TestNormalizeHeadersCaseInsensitive(t *testing.T) {
	raw := rawFixture()
	raw.Headers = []Header{
		{Name: "FROM", Value: "bob@example.com"},
		{Name: "to", Value: "me@example.com"},
		{Name: "sUbJeCt", Value: "mixed"},
	}
	m, err := Normalize(raw, "me@example.com")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if m.Sender != "bob@example.com" || m.Recipient != "me@example.com" || m.Subject != "mixed" {
		t.Errorf("header extraction failed: %+v", m)
	}
}

func TestNormalizeInbound(t *testing.T) {
	tests := []struct {
		from  string
		owner string
		want  bool
	}{
		{"Alice <alice@example.com>", "me@example.com", true},
		{"Me <ME@Example.COM>", "me@example.com", false},
		{"me@example.com", "Me@Example.com", false},
	}
	for _, tc := range tests {
		raw := rawFixture()
		raw.Headers[0].Value = tc.from
		m, err := Normalize(raw, tc.owner)
		if err != nil {
			t.Fatalf("Normalize: %v", err)
		}
		if m.IsInbound != tc.want {
			t.Errorf("from %q owner %q: isInbound = %v, want %v", tc.from, tc.owner, m.IsInbound, tc.want)
		}
	}
}

func TestNormalizeMalformed(t *testing.T) {
	noID := rawFixture()
	noID.ID = ""
	if _, err := Normalize(noID, "me@example.com"); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing id: err = %v, want ErrMalformed", err)
	}

	noThread := rawFixture()
	noThread.ThreadID = ""
	if _, err := Normalize(noThread, "me@example.com"); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing threadId: err = %v, want ErrMalformed", err)
	}

	if _, err := Normalize(nil, "me@example.com"); !errors.Is(err, ErrMalformed) {
		t.Errorf("nil raw: err = %v, want ErrMalformed", err)
	}
}

func TestNormalizeReadFlag(t *testing.T) {
	raw := rawFixture()
	raw.Unread = false
	m, _ := Normalize(raw, "me@example.com")
	if !m.IsRead {
		t.Error("read message marked unread")
	}
	raw.Unread = true
	m, _ = Normalize(raw, "me@example.com")
	if m.IsRead {
		t.Error("unread message marked read")
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`Name <User@Example.COM>`, "user@example.com"},
		{`"Quoted Name" <a@b.com>`, "a@b.com"},
		{`plain@example.com`, "plain@example.com"},
		{`"A" <not-an-email> , "B" <c@D.com>`, "c@d.com"},
		{``, ""},
		{`Not An Address`, "not an address"},
	}
	for _, tc := range tests {
		if got := NormalizeAddress(tc.in); got != tc.want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
