package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/inboxops/mailsync/internal/auth"
	"github.com/inboxops/mailsync/internal/mail"
)

// ProviderName identifies an email provider.
type ProviderName string

const (
	ProviderGmail   ProviderName = "gmail"
	ProviderOutlook ProviderName = "outlook"
)

// FolderScope selects which folders a fetch window covers.
type FolderScope string

const (
	// ScopeAllFolders covers everything including archived mail.
	ScopeAllFolders FolderScope = "all"
	// ScopeBroad covers inbox, sent and mail to/from the account owner.
	ScopeBroad FolderScope = "broad"
)

// Window is the time range and folder scope for one provider fetch.
type Window struct {
	Start time.Time
	Scope FolderScope
}

// MailProvider is the capability interface every provider adapter
// implements. The provider APIs are treated as unreliable and overlapping:
// ListMessages may return IDs already seen by earlier cycles.
type MailProvider interface {
	Name() ProviderName

	// ListMessages returns the provider IDs of messages inside the window.
	ListMessages(ctx context.Context, w Window, maxResults int64) ([]string, error)

	// GetMessage fetches the full raw payload for one message ID.
	GetMessage(ctx context.Context, id string) (*mail.RawMessage, error)
}

// Factory builds a provider adapter bound to one user's credentials.
type Factory func(ctx context.Context, tok *auth.Token, userEmail string) (MailProvider, error)

// Registry maps provider names to adapter factories. Providers register at
// startup; lookup by name replaces any per-provider subclassing.
type Registry struct {
	mu        stdsync.RWMutex
	factories map[ProviderName]Factory
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ProviderName]Factory)}
}

// Register adds a provider factory under name, replacing any previous one.
func (r *Registry) Register(name ProviderName, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds an adapter for name bound to the given credentials.
func (r *Registry) New(ctx context.Context, name ProviderName, tok *auth.Token, userEmail string) (MailProvider, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported provider: %s", name)
	}
	return f(ctx, tok, userEmail)
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, string(name))
	}
	return names
}
