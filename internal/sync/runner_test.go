package sync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/inboxops/mailsync/internal/auth"
	"github.com/inboxops/mailsync/internal/classify"
	"github.com/inboxops/mailsync/internal/mail"
	"github.com/inboxops/mailsync/internal/threadstore"
)

type fakeProvider struct {
	ids     []string
	msgs    map[string]*mail.RawMessage
	listErr error
	getErr  map[string]error

	lastWindow Window
}

func (f *fakeProvider) Name() ProviderName { return ProviderGmail }

func (f *fakeProvider) ListMessages(ctx context.Context, w Window, maxResults int64) ([]string, error) {
	f.lastWindow = w
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.ids, nil
}

func (f *fakeProvider) GetMessage(ctx context.Context, id string) (*mail.RawMessage, error) {
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	m, ok := f.msgs[id]
	if !ok {
		return nil, &TransientError{Op: "fake get", Err: fmt.Errorf("no such message %s", id)}
	}
	return m, nil
}

func rawMessage(id, threadID, from, subject string) *mail.RawMessage {
	return &mail.RawMessage{
		ID:       id,
		ThreadID: threadID,
		Headers: []mail.Header{
			{Name: "From", Value: from},
			{Name: "To", Value: "bob@example.com"},
			{Name: "Subject", Value: subject},
		},
		Snippet:   "hello",
		Body:      &mail.RawPart{MimeType: "text/plain", Data: "hello there"},
		Timestamp: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Unread:    true,
	}
}

func newTestRunner(t *testing.T, fake *fakeProvider) (*Runner, *threadstore.Store) {
	t.Helper()

	store := newTestStore(t)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok","refresh_token":"ref","expires_at":%d}`, time.Now().Add(time.Hour).Unix())
	}))
	t.Cleanup(tokenSrv.Close)

	registry := NewRegistry()
	registry.Register(ProviderGmail, func(ctx context.Context, tok *auth.Token, userEmail string) (MailProvider, error) {
		return fake, nil
	})

	return NewRunner(store, auth.NewTokenClient(tokenSrv.URL), registry, classify.NewKeywordClassifier()), store
}

func TestSyncEmailsFullCycle(t *testing.T) {
	fake := &fakeProvider{
		ids: []string{"m1", "m2"},
		msgs: map[string]*mail.RawMessage{
			"m1": rawMessage("m1", "t1", "alice@example.com", "Urgent billing problem"),
			"m2": rawMessage("m2", "t1", "alice@example.com", "Re: Urgent billing problem"),
		},
	}
	runner, store := newTestRunner(t, fake)
	ctx := context.Background()

	res, err := runner.SyncEmails(ctx, "Bob@Example.com", ProviderGmail, Options{ForceFull: true, Days: 3})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 2 || res.Threads != 1 {
		t.Errorf("result = %+v, want 2 inserted in 1 thread", res)
	}

	if fake.lastWindow.Scope != ScopeAllFolders {
		t.Errorf("window scope = %v, want all folders", fake.lastWindow.Scope)
	}
	wantStart := time.Now().AddDate(0, 0, -3)
	if diff := fake.lastWindow.Start.Sub(wantStart); diff < -time.Minute || diff > time.Minute {
		t.Errorf("window start = %v, want about %v", fake.lastWindow.Start, wantStart)
	}

	cursor, err := store.GetCursor(ctx, "bob@example.com", "gmail")
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor == nil || !cursor.IsValid || cursor.Status != threadstore.StatusIdle {
		t.Fatalf("cursor after success = %+v", cursor)
	}

	// Inbound messages get classified and the thread gets a rollup.
	thread, err := store.GetThread(ctx, "bob@example.com", "gmail", "t1")
	if err != nil {
		t.Fatalf("thread: %v", err)
	}
	if len(thread.Rollup) == 0 {
		t.Error("thread has no classification rollup")
	}

	// Replaying the same cycle adds nothing.
	res, err = runner.SyncEmails(ctx, "bob@example.com", ProviderGmail, Options{ForceFull: true, Days: 3})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Inserted != 0 {
		t.Errorf("replay inserted = %d, want 0", res.Inserted)
	}
}

func TestSyncEmailsSkipsMalformed(t *testing.T) {
	broken := rawMessage("m2", "", "alice@example.com", "no thread id")
	fake := &fakeProvider{
		ids: []string{"m1", "m2"},
		msgs: map[string]*mail.RawMessage{
			"m1": rawMessage("m1", "t1", "alice@example.com", "fine"),
			"m2": broken,
		},
	}
	runner, store := newTestRunner(t, fake)
	ctx := context.Background()

	res, err := runner.SyncEmails(ctx, "bob@example.com", ProviderGmail, Options{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.Inserted != 1 {
		t.Errorf("inserted = %d, want 1", res.Inserted)
	}

	n, err := store.CountMessages(ctx, "bob@example.com", "gmail")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("stored = %d, want 1", n)
	}
}

func TestSyncEmailsAuthFailureInvalidatesCursor(t *testing.T) {
	fake := &fakeProvider{
		ids: []string{"m1"},
		msgs: map[string]*mail.RawMessage{
			"m1": rawMessage("m1", "t1", "alice@example.com", "fine"),
		},
	}
	runner, store := newTestRunner(t, fake)
	ctx := context.Background()

	// Establish a valid cursor first.
	if _, err := runner.SyncEmails(ctx, "bob@example.com", ProviderGmail, Options{Polling: true}); err != nil {
		t.Fatalf("seed sync: %v", err)
	}

	fake.listErr = &AuthError{Provider: ProviderGmail, UserEmail: "bob@example.com", Err: fmt.Errorf("token revoked")}

	_, err := runner.SyncEmails(ctx, "bob@example.com", ProviderGmail, Options{Polling: true})
	if !IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}

	cursor, cerr := store.GetCursor(ctx, "bob@example.com", "gmail")
	if cerr != nil {
		t.Fatalf("cursor: %v", cerr)
	}
	if cursor.IsValid {
		t.Error("cursor still valid after auth failure")
	}
	if cursor.Status != threadstore.StatusError {
		t.Errorf("status = %q, want error", cursor.Status)
	}
}

func TestSyncEmailsPartialResultOnFetchFailure(t *testing.T) {
	fake := &fakeProvider{
		ids: []string{"m1", "m2", "m3"},
		msgs: map[string]*mail.RawMessage{
			"m1": rawMessage("m1", "t1", "alice@example.com", "first"),
			"m2": rawMessage("m2", "t1", "alice@example.com", "second"),
		},
		getErr: map[string]error{
			"m3": &TransientError{Op: "fake get", Err: fmt.Errorf("rate limited")},
		},
	}
	runner, store := newTestRunner(t, fake)
	ctx := context.Background()

	res, err := runner.SyncEmails(ctx, "bob@example.com", ProviderGmail, Options{Polling: true})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient error", err)
	}

	// Messages fetched before the failure stay committed.
	if res.Inserted != 2 {
		t.Errorf("partial inserted = %d, want 2", res.Inserted)
	}
	n, cerr := store.CountMessages(ctx, "bob@example.com", "gmail")
	if cerr != nil {
		t.Fatalf("count: %v", cerr)
	}
	if n != 2 {
		t.Errorf("stored = %d, want 2", n)
	}

	// No cursor advance: the failed window is retried next cycle.
	cursor, cerr := store.GetCursor(ctx, "bob@example.com", "gmail")
	if cerr != nil {
		t.Fatalf("cursor: %v", cerr)
	}
	if cursor == nil {
		t.Fatal("expected status record")
	}
	if !cursor.LastSyncTime.IsZero() {
		t.Errorf("cursor advanced to %v on failure", cursor.LastSyncTime)
	}
	if cursor.Status != threadstore.StatusError {
		t.Errorf("status = %q, want error", cursor.Status)
	}
}

func TestSyncEmailsClassifiesTokenFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantAuth bool
	}{
		{"no account connected", http.StatusNotFound, true},
		{"credentials rejected", http.StatusUnauthorized, true},
		{"account service down", http.StatusInternalServerError, false},
		{"account service overloaded", http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)

			tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			t.Cleanup(tokenSrv.Close)

			registry := NewRegistry()
			registry.Register(ProviderGmail, func(ctx context.Context, tok *auth.Token, userEmail string) (MailProvider, error) {
				return &fakeProvider{}, nil
			})
			runner := NewRunner(store, auth.NewTokenClient(tokenSrv.URL), registry, nil)

			_, err := runner.SyncEmails(context.Background(), "bob@example.com", ProviderGmail, Options{})
			if err == nil {
				t.Fatal("expected error")
			}
			if IsAuth(err) != tt.wantAuth {
				t.Errorf("IsAuth = %v, want %v (err: %v)", IsAuth(err), tt.wantAuth, err)
			}
			if !tt.wantAuth && !IsTransient(err) {
				t.Errorf("service failure not transient: %v", err)
			}
		})
	}
}

func TestSyncEmailsRequiresEmail(t *testing.T) {
	runner, _ := newTestRunner(t, &fakeProvider{})
	if _, err := runner.SyncEmails(context.Background(), "", ProviderGmail, Options{}); err == nil {
		t.Fatal("expected error for empty email")
	}
}
