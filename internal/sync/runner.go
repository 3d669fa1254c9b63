package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/inboxops/mailsync/internal/auth"
	"github.com/inboxops/mailsync/internal/classify"
	"github.com/inboxops/mailsync/internal/mail"
	"github.com/inboxops/mailsync/internal/threadstore"
)

// Runner executes sync cycles: plan the window, fetch, normalize,
// reconcile, classify, advance the cursor. Cycles for the same user and
// provider may run concurrently; the reconciler makes that safe, so the
// runner takes no locks.
type Runner struct {
	Store      *threadstore.Store
	Tokens     *auth.TokenClient
	Registry   *Registry
	Classifier classify.Classifier
	MaxResults int64

	reconciler *Reconciler
}

// NewRunner wires a runner over its collaborators.
func NewRunner(store *threadstore.Store, tokens *auth.TokenClient, registry *Registry, classifier classify.Classifier) *Runner {
	return &Runner{
		Store:      store,
		Tokens:     tokens,
		Registry:   registry,
		Classifier: classifier,
		MaxResults: 250,
		reconciler: NewReconciler(store),
	}
}

// SyncEmails runs one sync cycle for (userEmail, provider). It returns a
// partial Result alongside the error when the cycle aborts mid-way:
// whatever was reconciled before the failure stays committed, and the next
// cycle's window re-covers the rest.
//
// Only AuthError and TransientError propagate; message-level problems are
// logged and absorbed.
func (r *Runner) SyncEmails(ctx context.Context, userEmail string, provider ProviderName, opts Options) (Result, error) {
	if userEmail == "" {
		return Result{}, fmt.Errorf("user email is required for sync")
	}
	userEmail = strings.ToLower(userEmail)

	tok, err := r.Tokens.GetToken(ctx, userEmail, string(provider))
	if err != nil {
		// Only a rejected or missing account is an auth failure; a token
		// service blip must not tell the user to reconnect.
		if errors.Is(err, auth.ErrNotConnected) {
			return Result{}, &AuthError{Provider: provider, UserEmail: userEmail, Err: err}
		}
		return Result{}, &TransientError{Op: "fetch token", Err: err}
	}

	adapter, err := r.Registry.New(ctx, provider, tok, userEmail)
	if err != nil {
		return Result{}, fmt.Errorf("create provider adapter: %w", err)
	}

	cursor, err := r.Store.GetCursor(ctx, userEmail, string(provider))
	if err != nil {
		log.Printf("sync: loading cursor for %s/%s: %v", provider, userEmail, err)
	}

	now := time.Now()
	window := Plan(opts.Mode(), cursor, opts.Days, now)

	if err := r.Store.SetSyncStatus(ctx, userEmail, string(provider), threadstore.StatusSyncing, ""); err != nil {
		log.Printf("sync: set status for %s/%s: %v", provider, userEmail, err)
	}

	maxResults := r.MaxResults
	if maxResults <= 0 {
		maxResults = 250
	}
	if opts.ForceFull {
		maxResults = 500
	}

	ids, err := adapter.ListMessages(ctx, window, maxResults)
	if err != nil {
		return Result{}, r.failCycle(ctx, userEmail, provider, err)
	}
	log.Printf("sync: %s/%s window from %s: %d message refs", provider, userEmail, window.Start.Format(time.RFC3339), len(ids))

	batch := make([]*mail.Message, 0, len(ids))
	var fetchErr error
	for _, id := range ids {
		raw, gerr := adapter.GetMessage(ctx, id)
		if gerr != nil {
			// Cycle-level failure: reconcile what we already have so the
			// partial result is accurate, then surface the error.
			fetchErr = gerr
			break
		}

		m, nerr := mail.Normalize(raw, userEmail)
		if nerr != nil {
			if errors.Is(nerr, mail.ErrMalformed) {
				log.Printf("sync: skipping malformed message %s from %s: %v", id, provider, nerr)
				continue
			}
			log.Printf("sync: normalize %s from %s: %v", id, provider, nerr)
			continue
		}
		batch = append(batch, m)
	}

	res, added := r.reconciler.Reconcile(ctx, userEmail, provider, batch, opts.ForceFull)

	r.classifyAdded(ctx, userEmail, provider, added)

	if fetchErr != nil {
		return res, r.failCycle(ctx, userEmail, provider, fetchErr)
	}

	if err := r.Store.SaveCursor(ctx, userEmail, string(provider), now); err != nil {
		// Safe to ignore beyond logging: a stale cursor only widens the
		// next window.
		log.Printf("sync: save cursor for %s/%s: %v", provider, userEmail, err)
	}

	return res, nil
}

// failCycle records the failure on the sync status and, for credential
// rejections, invalidates the cursor so the next poll bootstraps wide.
func (r *Runner) failCycle(ctx context.Context, userEmail string, provider ProviderName, err error) error {
	if serr := r.Store.SetSyncStatus(ctx, userEmail, string(provider), threadstore.StatusError, err.Error()); serr != nil {
		log.Printf("sync: set error status for %s/%s: %v", provider, userEmail, serr)
	}
	if IsAuth(err) {
		if ierr := r.Store.InvalidateCursor(ctx, userEmail, string(provider)); ierr != nil {
			log.Printf("sync: invalidate cursor for %s/%s: %v", provider, userEmail, ierr)
		}
	}
	return err
}

// classifyAdded annotates newly added inbound messages and refreshes the
// thread-level rollups they touch. Runs after the inserts are durable;
// failures here never undo or fail the cycle.
func (r *Runner) classifyAdded(ctx context.Context, userEmail string, provider ProviderName, added []*mail.Message) {
	if r.Classifier == nil || len(added) == 0 {
		return
	}

	touched := make(map[string]struct{})
	for _, m := range added {
		if !m.IsInbound {
			continue
		}
		cls, err := r.Classifier.Classify(m.Body, m.Subject)
		if err != nil {
			log.Printf("classify: message %s: %v", m.MessageID, err)
			continue
		}
		payload, err := json.Marshal(cls)
		if err != nil {
			log.Printf("classify: encode for message %s: %v", m.MessageID, err)
			continue
		}
		if err := r.Store.AttachClassification(ctx, userEmail, string(provider), m.MessageID, payload); err != nil {
			log.Printf("classify: attach to message %s: %v", m.MessageID, err)
			continue
		}
		touched[m.ThreadID] = struct{}{}
	}

	for threadID := range touched {
		raws, err := r.Store.MessageClassifications(ctx, userEmail, string(provider), threadID)
		if err != nil {
			log.Printf("classify: load annotations for thread %s: %v", threadID, err)
			continue
		}
		cls := make([]classify.Classification, 0, len(raws))
		for _, raw := range raws {
			var c classify.Classification
			if err := json.Unmarshal(raw, &c); err != nil {
				continue
			}
			cls = append(cls, c)
		}
		rollup, err := json.Marshal(classify.RollUp(cls))
		if err != nil {
			continue
		}
		if err := r.Store.SetThreadRollup(ctx, userEmail, string(provider), threadID, rollup); err != nil {
			log.Printf("classify: rollup for thread %s: %v", threadID, err)
		}
	}
}
