package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/inboxops/mailsync/internal/mail"
	"github.com/inboxops/mailsync/internal/threadstore"
)

// Outcome is the terminal state of one message's reconciliation. Every
// message reaches exactly one of these; none transitions back.
type Outcome int

const (
	// OutcomeInserted means the atomic conditional upsert applied.
	OutcomeInserted Outcome = iota
	// OutcomeSkippedDuplicate means another writer (or an earlier cycle)
	// already stored this message. Correct, not an error.
	OutcomeSkippedDuplicate
	// OutcomeMergedFallback means the upsert conflicted but the
	// read-modify-write fallback applied the message.
	OutcomeMergedFallback
	// OutcomeDropped means the fallback conflicted repeatedly; the message
	// is logged and dropped. The next cycle's window will retry it.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeSkippedDuplicate:
		return "skipped-duplicate"
	case OutcomeMergedFallback:
		return "merged-fallback"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Result summarizes one reconciliation batch.
type Result struct {
	Inserted int `json:"insertedCount"`
	Threads  int `json:"threadCount"`
}

// Reconciler merges batches of canonical messages into the thread store.
// It is safe for concurrent use; overlapping batches for the same user and
// provider converge on identical state regardless of interleaving.
type Reconciler struct {
	store *threadstore.Store
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store *threadstore.Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile merges msgs into the store for (userEmail, provider). The
// returned slice holds the messages actually added (inserted or merged),
// for post-insert processing such as classification.
//
// refreshExisting additionally refreshes the read flag and repairs empty
// subjects of messages already present; force-full syncs set it.
//
// Message-level failures never abort the batch: replaying the same batch
// is always safe because every insertion path rechecks messageId
// membership first.
func (r *Reconciler) Reconcile(ctx context.Context, userEmail string, provider ProviderName, msgs []*mail.Message, refreshExisting bool) (Result, []*mail.Message) {
	userEmail = strings.ToLower(userEmail)

	var (
		res     Result
		added   []*mail.Message
		threads = make(map[string]struct{})
	)

	for _, m := range msgs {
		outcome := r.reconcileOne(ctx, userEmail, provider, m, refreshExisting)
		switch outcome {
		case OutcomeInserted, OutcomeMergedFallback:
			res.Inserted++
			added = append(added, m)
			threads[m.ThreadID] = struct{}{}
		}
	}

	res.Threads = len(threads)
	return res, added
}

func (r *Reconciler) reconcileOne(ctx context.Context, userEmail string, provider ProviderName, m *mail.Message, refreshExisting bool) Outcome {
	evt := insertedEvent(userEmail, provider, m)

	err := r.store.InsertMessage(ctx, userEmail, string(provider), m, evt)
	if err == nil {
		return OutcomeInserted
	}

	// Conflict path: find out whether a concurrent writer won the race for
	// this exact message, or the conflict was transient (e.g. racing
	// creates of a brand-new thread).
	present, herr := r.store.HasMessage(ctx, userEmail, string(provider), m.MessageID)
	if herr != nil {
		log.Printf("reconcile: recheck failed for message %s: %v", m.MessageID, herr)
	}
	if present {
		if refreshExisting {
			r.refreshExisting(ctx, userEmail, provider, m)
		}
		return OutcomeSkippedDuplicate
	}

	// Read-modify-write fallback, one retry as a last resort.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		inserted, merr := r.store.MergeMessage(ctx, userEmail, string(provider), m, evt)
		if merr == nil {
			if inserted {
				return OutcomeMergedFallback
			}
			return OutcomeSkippedDuplicate
		}
		if errors.Is(merr, threadstore.ErrDuplicateMessage) {
			return OutcomeSkippedDuplicate
		}
		lastErr = merr
	}

	log.Printf("reconcile: dropping message %s for %s/%s after retries: %v (initial: %v)",
		m.MessageID, provider, userEmail, lastErr, err)
	return OutcomeDropped
}

// refreshExisting updates mutable state of an already-stored message during
// a force-full sync: the provider's read flag, and a thread subject that
// was empty at creation.
func (r *Reconciler) refreshExisting(ctx context.Context, userEmail string, provider ProviderName, m *mail.Message) {
	if err := r.store.UpdateMessageRead(ctx, userEmail, string(provider), m.MessageID, m.IsRead); err != nil {
		log.Printf("reconcile: refresh read flag for %s: %v", m.MessageID, err)
	}
	if err := r.store.CorrectSubject(ctx, userEmail, string(provider), m.ThreadID, m.Subject); err != nil {
		log.Printf("reconcile: correct subject for thread %s: %v", m.ThreadID, err)
	}
}

// insertedEvent builds the outbox entry published once the message commits.
// The msg-id makes JetStream deduplicate redeliveries.
func insertedEvent(userEmail string, provider ProviderName, m *mail.Message) *threadstore.OutboxEntry {
	payload, _ := json.Marshal(map[string]any{
		"event_id":   uuid.NewString(),
		"ts":         time.Now().Unix(),
		"provider":   string(provider),
		"user_email": userEmail,
		"message_id": m.MessageID,
		"thread_id":  m.ThreadID,
		"subject":    m.Subject,
		"sender":     m.Sender,
		"recipient":  m.Recipient,
		"snippet":    m.Snippet,
		"msg_date":   m.Timestamp.Unix(),
		"is_inbound": m.IsInbound,
	})

	return &threadstore.OutboxEntry{
		Subject:   fmt.Sprintf("mail.%s.message.inserted", provider),
		EventType: "message.inserted",
		Payload:   payload,
		MsgID:     fmt.Sprintf("message.inserted|%s|%s|%s", provider, userEmail, m.MessageID),
	}
}
