package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/inboxops/mailsync/internal/auth"
	"github.com/inboxops/mailsync/internal/mail"
	"github.com/inboxops/mailsync/internal/sync"
)

// Adapter implements MailProvider for Gmail
type Adapter struct {
	svc       *gmail.Service
	userEmail string
}

// New creates a new Gmail adapter
func New(ctx context.Context, tok *auth.Token, userEmail string) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	return &Adapter{svc: svc, userEmail: userEmail}, nil
}

// Name reports the provider identifier.
func (a *Adapter) Name() sync.ProviderName { return sync.ProviderGmail }

// ListMessages returns the IDs of messages matching the sync window,
// newest first as Gmail returns them.
func (a *Adapter) ListMessages(ctx context.Context, w sync.Window, maxResults int64) ([]string, error) {
	q := buildQuery(w)

	var ids []string
	call := a.svc.Users.Messages.List("me").
		Q(q).
		IncludeSpamTrash(false).
		MaxResults(maxResults)

	err := call.Pages(ctx, func(page *gmail.ListMessagesResponse) error {
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		if int64(len(ids)) >= maxResults {
			// Stop paging; the next window picks up the rest.
			return errEnough
		}
		return nil
	})
	if err != nil && err != errEnough {
		return nil, classify("list messages", err)
	}

	if int64(len(ids)) > maxResults {
		ids = ids[:maxResults]
	}
	return ids, nil
}

var errEnough = fmt.Errorf("page limit reached")

// buildQuery renders the window as a Gmail search query. The broad scope
// restricts to conversational mail; the full scope searches everywhere.
func buildQuery(w sync.Window) string {
	after := w.Start.Unix()
	if w.Scope == sync.ScopeBroad {
		return fmt.Sprintf("after:%d (in:inbox OR in:sent OR from:me OR to:me)", after)
	}
	return fmt.Sprintf("after:%d in:anywhere", after)
}

// GetMessage fetches one message in full and converts it to the raw form.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	m, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(fmt.Sprintf("get message %s", id), err)
	}
	return convert(m), nil
}

func convert(m *gmail.Message) *mail.RawMessage {
	raw := &mail.RawMessage{
		ID:        m.Id,
		ThreadID:  m.ThreadId,
		Snippet:   m.Snippet,
		Timestamp: time.UnixMilli(m.InternalDate),
	}

	for _, label := range m.LabelIds {
		if label == "UNREAD" {
			raw.Unread = true
		}
	}

	if m.Payload == nil {
		return raw
	}

	for _, h := range m.Payload.Headers {
		raw.Headers = append(raw.Headers, mail.Header{Name: h.Name, Value: h.Value})
	}

	raw.Body = convertPart(m.Payload)
	collectAttachments(m.Payload, raw)

	return raw
}

// convertPart maps a Gmail MIME part tree onto the provider-neutral one,
// decoding text bodies from base64url.
func convertPart(p *gmail.MessagePart) *mail.RawPart {
	part := &mail.RawPart{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}

	if p.Body != nil && p.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(p.Body.Data)
		if err != nil {
			// Gmail uses unpadded base64url
			data, err = base64.RawURLEncoding.DecodeString(p.Body.Data)
		}
		if err != nil {
			log.Printf("gmail: decode body part %s: %v", p.MimeType, err)
		} else {
			part.Data = string(data)
		}
	}

	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}

	return part
}

func collectAttachments(p *gmail.MessagePart, raw *mail.RawMessage) {
	if p.Filename != "" && p.Body != nil && p.Body.AttachmentId != "" {
		raw.Attachments = append(raw.Attachments, mail.Attachment{
			Filename: p.Filename,
			MimeType: p.MimeType,
			Size:     p.Body.Size,
		})
	}
	for _, child := range p.Parts {
		collectAttachments(child, raw)
	}
}

// classify maps Gmail API failures onto the shared error taxonomy.
// Credential rejections become AuthError; everything else is assumed
// retryable.
func classify(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == 401 || gerr.Code == 403) {
		return &sync.AuthError{Provider: sync.ProviderGmail, Err: err}
	}
	return &sync.TransientError{Op: "gmail: " + op, Err: err}
}
