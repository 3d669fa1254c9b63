package outlook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/inboxops/mailsync/internal/auth"
	"github.com/inboxops/mailsync/internal/mail"
	"github.com/inboxops/mailsync/internal/sync"
)

// Adapter implements MailProvider for Outlook via Microsoft Graph
type Adapter struct {
	client    *msgraphsdk.GraphServiceClient
	userEmail string
}

// New creates a new Outlook adapter
func New(ctx context.Context, tok *auth.Token, userEmail string) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{
		client:    client,
		userEmail: userEmail,
	}, nil
}

// Name reports the provider identifier.
func (a *Adapter) Name() sync.ProviderName { return sync.ProviderOutlook }

// ListMessages returns IDs of messages received since the window start.
// Graph has no folder-scoped search comparable to Gmail's, so both scopes
// filter on receivedDateTime over the whole mailbox.
func (a *Adapter) ListMessages(ctx context.Context, w sync.Window, maxResults int64) ([]string, error) {
	filter := fmt.Sprintf("receivedDateTime ge %s", w.Start.UTC().Format(time.RFC3339))

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:    int32Ptr(int32(maxResults)),
			Filter: &filter,
			Select: []string{"id", "receivedDateTime"},
		},
	}

	result, err := a.client.Users().ByUserId(a.userEmail).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, classify("list messages", err)
	}

	var ids []string
	for _, msg := range result.GetValue() {
		if id := msg.GetId(); id != nil {
			ids = append(ids, *id)
		}
	}
	return ids, nil
}

// GetMessage fetches one message with its body and attachment metadata.
func (a *Adapter) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	requestConfig := &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "subject", "from", "toRecipients", "body", "bodyPreview", "isRead", "receivedDateTime", "internetMessageHeaders"},
			Expand: []string{"attachments($select=name,contentType,size)"},
		},
	}

	msg, err := a.client.Users().ByUserId(a.userEmail).Messages().ByMessageId(id).Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(fmt.Sprintf("get message %s", id), err)
	}

	return convert(msg), nil
}

// convert maps a Graph message onto the provider-neutral raw form.
// Structured fields are emitted as headers ahead of the raw internet
// headers so lookups see consistent values even when Graph omits the
// header list.
func convert(m models.Messageable) *mail.RawMessage {
	raw := &mail.RawMessage{}

	if id := m.GetId(); id != nil {
		raw.ID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		raw.ThreadID = *convID
	}
	if preview := m.GetBodyPreview(); preview != nil {
		raw.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		raw.Timestamp = *rcvd
	}
	if isRead := m.GetIsRead(); isRead != nil {
		raw.Unread = !*isRead
	}

	if subject := m.GetSubject(); subject != nil {
		raw.Headers = append(raw.Headers, mail.Header{Name: "Subject", Value: *subject})
	}
	if sender := recipientAddress(m.GetFrom()); sender != "" {
		raw.Headers = append(raw.Headers, mail.Header{Name: "From", Value: sender})
	}
	if to := joinRecipients(m.GetToRecipients()); to != "" {
		raw.Headers = append(raw.Headers, mail.Header{Name: "To", Value: to})
	}
	for _, h := range m.GetInternetMessageHeaders() {
		if h.GetName() != nil && h.GetValue() != nil {
			raw.Headers = append(raw.Headers, mail.Header{Name: *h.GetName(), Value: *h.GetValue()})
		}
	}

	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		mimeType := "text/plain"
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			mimeType = "text/html"
		}
		raw.Body = &mail.RawPart{
			MimeType: mimeType,
			Data:     *body.GetContent(),
		}
	}

	for _, att := range m.GetAttachments() {
		a := mail.Attachment{}
		if name := att.GetName(); name != nil {
			a.Filename = *name
		}
		if ct := att.GetContentType(); ct != nil {
			a.MimeType = *ct
		}
		if size := att.GetSize(); size != nil {
			a.Size = int64(*size)
		}
		raw.Attachments = append(raw.Attachments, a)
	}

	return raw
}

func recipientAddress(r models.Recipientable) string {
	if r == nil {
		return ""
	}
	if emailAddr := r.GetEmailAddress(); emailAddr != nil {
		if addr := emailAddr.GetAddress(); addr != nil {
			return *addr
		}
	}
	return ""
}

func joinRecipients(recipients []models.Recipientable) string {
	var addrs []string
	for _, r := range recipients {
		if addr := recipientAddress(r); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return strings.Join(addrs, ", ")
}

// classify maps Graph failures onto the shared error taxonomy.
func classify(op string, err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		code := oerr.ResponseStatusCode
		if code == 401 || code == 403 {
			return &sync.AuthError{Provider: sync.ProviderOutlook, Err: err}
		}
	}
	return &sync.TransientError{Op: "outlook: " + op, Err: err}
}

// staticTokenCredential implements the Azure credential interface over an
// access token the account service already holds.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
