package sync

import (
	"context"
	"log"
	"time"

	"github.com/inboxops/mailsync/internal/natsjs"
	"github.com/inboxops/mailsync/internal/threadstore"
)

// DispatchOutbox continuously drains the durable outbox into NATS. Events
// were appended in the same transaction as the inserts they describe, so a
// crash between insert and publish only delays delivery. JetStream MsgId
// deduplication absorbs the re-publish after such a crash.
//
// Blocks until ctx is cancelled; run it on its own goroutine.
func DispatchOutbox(ctx context.Context, store *threadstore.Store, publisher *natsjs.Publisher) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := store.PendingOutbox(ctx, 100)
		if err != nil {
			log.Printf("outbox: dequeue: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("outbox: publish %d: %v", msg.ID, err)
				_ = store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}

			if err := store.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("outbox: mark published %d: %v", msg.ID, err)
			}
		}
	}
}
