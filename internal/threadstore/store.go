// Package threadstore persists reconciled email threads in SQLite. The
// UNIQUE constraints in the schema are the storage half of the
// deduplication contract: thread identity on (thread_id, provider,
// user_email), message identity on (provider, user_email, message_id).
package threadstore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/inboxops/mailsync/internal/mail"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// ErrDuplicateMessage reports that a message with the same identity is
// already stored. This is an expected outcome under overlapping fetches,
// not a failure.
var ErrDuplicateMessage = errors.New("message already stored")

// ErrThreadNotFound reports a lookup for a thread that does not exist.
var ErrThreadNotFound = errors.New("thread not found")

// Store wraps the SQLite database holding threads, cursors and the event
// outbox.
type Store struct {
	db *sql.DB
}

// Thread is the aggregate for one conversation scoped to one provider and
// one user.
type Thread struct {
	ThreadID        string          `json:"threadId"`
	Provider        string          `json:"provider"`
	UserEmail       string          `json:"userEmail"`
	Subject         string          `json:"subject"`
	LatestTimestamp time.Time       `json:"latestTimestamp"`
	IsArchived      bool            `json:"isArchived"`
	Participants    []string        `json:"participants"`
	Messages        []mail.Message  `json:"messages"`
	Rollup          json.RawMessage `json:"classification,omitempty"`
}

// OutboxEntry is appended in the same transaction as a message insert and
// later dispatched to the event bus.
type OutboxEntry struct {
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
}

// OutboxMessage is a pending outbox row.
type OutboxMessage struct {
	ID      int64
	Subject string
	Payload []byte
	MsgID   string
}

// Open opens or creates the store at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertMessage performs the atomic conditional upsert: create the thread
// row if absent, insert the message, extend the participant set and raise
// latest_timestamp, all in one transaction. The thread subject is set only
// when the thread row is created and never overwritten here.
//
// Returns ErrDuplicateMessage when the message identity already exists; any
// other error means the transaction did not apply.
func (s *Store) InsertMessage(ctx context.Context, userEmail, provider string, m *mail.Message, evt *OutboxEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	threadPK, err := ensureThread(ctx, tx, userEmail, provider, m.ThreadID, m.Subject)
	if err != nil {
		return err
	}

	if err := insertMessageRow(ctx, tx, threadPK, userEmail, provider, m); err != nil {
		return err
	}

	if err := addParticipants(ctx, tx, threadPK, m); err != nil {
		return err
	}

	// latest_timestamp is monotone: only ever raised to the max seen.
	_, err = tx.ExecContext(ctx, `
		UPDATE threads SET latest_timestamp = MAX(latest_timestamp, ?) WHERE id = ?
	`, m.Timestamp.UnixMilli(), threadPK)
	if err != nil {
		return fmt.Errorf("failed to update latest timestamp: %w", err)
	}

	if evt != nil {
		if err := appendOutbox(ctx, tx, evt); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MergeMessage is the read-modify-write fallback for the reconciler's
// conflict path. It recomputes the aggregate fields in memory instead of
// relying on conditional SQL, and tolerates the message having appeared
// concurrently (reported as inserted=false).
func (s *Store) MergeMessage(ctx context.Context, userEmail, provider string, m *mail.Message, evt *OutboxEntry) (inserted bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	threadPK, err := ensureThread(ctx, tx, userEmail, provider, m.ThreadID, m.Subject)
	if err != nil {
		return false, err
	}

	var latest int64
	if err := tx.QueryRowContext(ctx, `SELECT latest_timestamp FROM threads WHERE id = ?`, threadPK).Scan(&latest); err != nil {
		return false, fmt.Errorf("failed to load thread: %w", err)
	}

	err = insertMessageRow(ctx, tx, threadPK, userEmail, provider, m)
	switch {
	case errors.Is(err, ErrDuplicateMessage):
		// Another writer got there first; nothing to merge.
		return false, tx.Commit()
	case err != nil:
		return false, err
	}

	if err := addParticipants(ctx, tx, threadPK, m); err != nil {
		return false, err
	}

	if ts := m.Timestamp.UnixMilli(); ts > latest {
		latest = ts
	}
	if _, err := tx.ExecContext(ctx, `UPDATE threads SET latest_timestamp = ? WHERE id = ?`, latest, threadPK); err != nil {
		return false, fmt.Errorf("failed to update latest timestamp: %w", err)
	}

	if evt != nil {
		if err := appendOutbox(ctx, tx, evt); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func ensureThread(ctx context.Context, tx *sql.Tx, userEmail, provider, threadID, subject string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO threads (thread_id, provider, user_email, subject, latest_timestamp)
		VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(thread_id, provider, user_email) DO NOTHING
	`, threadID, provider, userEmail, subject)
	if err != nil {
		return 0, fmt.Errorf("failed to ensure thread: %w", err)
	}

	var pk int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM threads WHERE thread_id = ? AND provider = ? AND user_email = ?
	`, threadID, provider, userEmail).Scan(&pk)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve thread: %w", err)
	}
	return pk, nil
}

func insertMessageRow(ctx context.Context, tx *sql.Tx, threadPK int64, userEmail, provider string, m *mail.Message) error {
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return fmt.Errorf("failed to marshal attachments: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
		(thread_pk, message_id, provider, user_email, sender, recipient, subject,
		 body, body_type, snippet, ts, is_inbound, is_read, attachments_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, threadPK, m.MessageID, provider, userEmail, m.Sender, m.Recipient, m.Subject,
		m.Body, string(m.BodyType), m.Snippet, m.Timestamp.UnixMilli(), m.IsInbound, m.IsRead, string(attachments))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func addParticipants(ctx context.Context, tx *sql.Tx, threadPK int64, m *mail.Message) error {
	for _, addr := range []string{mail.NormalizeAddress(m.Sender), mail.NormalizeAddress(m.Recipient)} {
		if addr == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO participants (thread_pk, address) VALUES (?, ?)
		`, threadPK, addr); err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}
	return nil
}

func appendOutbox(ctx context.Context, tx *sql.Tx, evt *OutboxEntry) error {
	now := time.Now().Unix()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, now, evt.Subject, evt.EventType, evt.Payload, evt.MsgID, now)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: messages")
}

// HasMessage reports whether the message identity is already stored.
func (s *Store) HasMessage(ctx context.Context, userEmail, provider, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM messages WHERE provider = ? AND user_email = ? AND message_id = ?
	`, provider, userEmail, messageID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return true, nil
}

// UpdateMessageRead flips the read flag of a stored message. Used by the
// mark-as-read mutation and by force-full syncs refreshing provider state.
func (s *Store) UpdateMessageRead(ctx context.Context, userEmail, provider, messageID string, isRead bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = ? WHERE provider = ? AND user_email = ? AND message_id = ?
	`, isRead, provider, userEmail, messageID)
	if err != nil {
		return fmt.Errorf("failed to update read flag: %w", err)
	}
	return nil
}

// MarkThreadRead marks every message of a thread as read.
func (s *Store) MarkThreadRead(ctx context.Context, userEmail, provider, threadID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_read = 1
		WHERE thread_pk IN (
			SELECT id FROM threads WHERE thread_id = ? AND provider = ? AND user_email = ?
		)
	`, threadID, provider, userEmail)
	if err != nil {
		return fmt.Errorf("failed to mark thread read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish a missing thread from one with no unread messages.
		if _, gerr := s.GetThread(ctx, userEmail, provider, threadID); gerr != nil {
			return gerr
		}
	}
	return nil
}

// CorrectSubject fills in a thread subject that is still empty. Used by
// force-full syncs to repair threads first seen through a subject-less
// message; a subject set at creation is never overwritten.
func (s *Store) CorrectSubject(ctx context.Context, userEmail, provider, threadID, subject string) error {
	if subject == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads SET subject = ?
		WHERE thread_id = ? AND provider = ? AND user_email = ? AND subject = ''
	`, subject, threadID, provider, userEmail)
	if err != nil {
		return fmt.Errorf("failed to correct subject: %w", err)
	}
	return nil
}

// SetArchived flips the archive flag on a thread. Archival is an external
// mutation; reconciliation never touches it.
func (s *Store) SetArchived(ctx context.Context, userEmail, provider, threadID string, archived bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE threads SET is_archived = ? WHERE thread_id = ? AND provider = ? AND user_email = ?
	`, archived, threadID, provider, userEmail)
	if err != nil {
		return fmt.Errorf("failed to set archived: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// AttachClassification stores the classifier's annotation on a message.
// The payload is opaque to the store.
func (s *Store) AttachClassification(ctx context.Context, userEmail, provider, messageID string, cls []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET classification_json = ? WHERE provider = ? AND user_email = ? AND message_id = ?
	`, string(cls), provider, userEmail, messageID)
	if err != nil {
		return fmt.Errorf("failed to attach classification: %w", err)
	}
	return nil
}

// SetThreadRollup stores the thread-level classification aggregate.
func (s *Store) SetThreadRollup(ctx context.Context, userEmail, provider, threadID string, rollup []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads SET rollup_json = ? WHERE thread_id = ? AND provider = ? AND user_email = ?
	`, string(rollup), threadID, provider, userEmail)
	if err != nil {
		return fmt.Errorf("failed to set thread rollup: %w", err)
	}
	return nil
}

// MessageClassifications returns every non-empty classification annotation
// stored for messages of one thread.
func (s *Store) MessageClassifications(ctx context.Context, userEmail, provider, threadID string) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.classification_json
		FROM messages m
		JOIN threads t ON t.id = m.thread_pk
		WHERE t.thread_id = ? AND t.provider = ? AND t.user_email = ?
		  AND m.classification_json != ''
	`, threadID, provider, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query classifications: %w", err)
	}
	defer rows.Close()

	var out []json.RawMessage
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan classification: %w", err)
		}
		out = append(out, json.RawMessage(raw))
	}
	return out, rows.Err()
}

// GetThread loads one thread with its messages (ordered by timestamp) and
// participant set.
func (s *Store) GetThread(ctx context.Context, userEmail, provider, threadID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, provider, user_email, subject, latest_timestamp, is_archived, rollup_json
		FROM threads WHERE thread_id = ? AND provider = ? AND user_email = ?
	`, threadID, provider, userEmail)

	t, pk, err := scanThread(row)
	if err == sql.ErrNoRows {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	if err := s.fillThread(ctx, t, pk); err != nil {
		return nil, err
	}
	return t, nil
}

// ListThreads returns every thread for (provider, userEmail) ordered by
// latest_timestamp descending, messages and participants included.
func (s *Store) ListThreads(ctx context.Context, userEmail, provider string) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, provider, user_email, subject, latest_timestamp, is_archived, rollup_json
		FROM threads WHERE provider = ? AND user_email = ?
		ORDER BY latest_timestamp DESC
	`, provider, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	var pks []int64
	for rows.Next() {
		t, pk, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, t)
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, t := range threads {
		if err := s.fillThread(ctx, t, pks[i]); err != nil {
			return nil, err
		}
	}
	return threads, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThread(r rowScanner) (*Thread, int64, error) {
	var (
		t      Thread
		pk     int64
		latest int64
		rollup string
	)
	if err := r.Scan(&pk, &t.ThreadID, &t.Provider, &t.UserEmail, &t.Subject, &latest, &t.IsArchived, &rollup); err != nil {
		return nil, 0, err
	}
	t.LatestTimestamp = time.UnixMilli(latest).UTC()
	if rollup != "" {
		t.Rollup = json.RawMessage(rollup)
	}
	return &t, pk, nil
}

func (s *Store) fillThread(ctx context.Context, t *Thread, pk int64) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender, recipient, subject, body, body_type, snippet,
		       ts, is_inbound, is_read, attachments_json
		FROM messages WHERE thread_pk = ? ORDER BY ts
	`, pk)
	if err != nil {
		return fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m           mail.Message
			bodyType    string
			ts          int64
			attachments string
		)
		if err := rows.Scan(&m.MessageID, &m.Sender, &m.Recipient, &m.Subject, &m.Body,
			&bodyType, &m.Snippet, &ts, &m.IsInbound, &m.IsRead, &attachments); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		m.ThreadID = t.ThreadID
		m.BodyType = mail.BodyType(bodyType)
		m.Timestamp = time.UnixMilli(ts).UTC()
		if attachments != "" && attachments != "[]" && attachments != "null" {
			if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
				return fmt.Errorf("failed to decode attachments: %w", err)
			}
		}
		t.Messages = append(t.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := s.db.QueryContext(ctx, `
		SELECT address FROM participants WHERE thread_pk = ? ORDER BY address
	`, pk)
	if err != nil {
		return fmt.Errorf("failed to query participants: %w", err)
	}
	defer prows.Close()

	for prows.Next() {
		var addr string
		if err := prows.Scan(&addr); err != nil {
			return fmt.Errorf("failed to scan participant: %w", err)
		}
		t.Participants = append(t.Participants, addr)
	}
	return prows.Err()
}

// CountThreads returns the thread count for (provider, userEmail).
func (s *Store) CountThreads(ctx context.Context, userEmail, provider string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM threads WHERE provider = ? AND user_email = ?
	`, provider, userEmail).Scan(&n)
	return n, err
}

// CountMessages returns the message count for (provider, userEmail).
func (s *Store) CountMessages(ctx context.Context, userEmail, provider string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE provider = ? AND user_email = ?
	`, provider, userEmail).Scan(&n)
	return n, err
}
