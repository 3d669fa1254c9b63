package threadstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sync status values stored with the cursor. Best-effort UI state only;
// never used for correctness or as a lock.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusError   = "error"
)

// Cursor is the persisted bookmark of the last completed sync cycle for
// one (userEmail, provider) pair.
type Cursor struct {
	UserEmail    string    `json:"userEmail"`
	Provider     string    `json:"provider"`
	LastSyncTime time.Time `json:"lastSyncTime"`
	IsValid      bool      `json:"isValid"`
	Status       string    `json:"status"`
	LastError    string    `json:"lastError,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// GetCursor returns the cursor for (userEmail, provider), or nil when no
// sync has completed yet.
func (s *Store) GetCursor(ctx context.Context, userEmail, provider string) (*Cursor, error) {
	var (
		c       Cursor
		last    int64
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_email, provider, last_sync_time, is_valid, status, last_error, updated_at
		FROM sync_cursors WHERE user_email = ? AND provider = ?
	`, userEmail, provider).Scan(&c.UserEmail, &c.Provider, &last, &c.IsValid, &c.Status, &c.LastError, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}
	// A zero last_sync_time means no cycle has completed yet; keep it as
	// the zero time rather than the Unix epoch.
	if last > 0 {
		c.LastSyncTime = time.UnixMilli(last).UTC()
	}
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return &c, nil
}

// SaveCursor records a completed sync cycle. Written once per cycle, not
// per message; a failed write only widens the next planner window.
func (s *Store) SaveCursor(ctx context.Context, userEmail, provider string, syncTime time.Time) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_email, provider, last_sync_time, is_valid, status, last_error, updated_at)
		VALUES (?, ?, ?, 1, ?, '', ?)
		ON CONFLICT(user_email, provider) DO UPDATE SET
			last_sync_time = excluded.last_sync_time,
			is_valid = 1,
			status = excluded.status,
			last_error = '',
			updated_at = excluded.updated_at
	`, userEmail, provider, syncTime.UnixMilli(), StatusIdle, now)
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// SetSyncStatus records best-effort sync status. Creates the cursor row if
// none exists yet so status is visible before the first completed cycle.
func (s *Store) SetSyncStatus(ctx context.Context, userEmail, provider, status, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_email, provider, last_sync_time, is_valid, status, last_error, updated_at)
		VALUES (?, ?, 0, 1, ?, ?, ?)
		ON CONFLICT(user_email, provider) DO UPDATE SET
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, userEmail, provider, status, errMsg, now)
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

// InvalidateCursor marks the cursor invalid, typically after the provider
// rejected our credentials. The planner then treats the account as never
// synced.
func (s *Store) InvalidateCursor(ctx context.Context, userEmail, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_cursors SET is_valid = 0, updated_at = ? WHERE user_email = ? AND provider = ?
	`, time.Now().UnixMilli(), userEmail, provider)
	if err != nil {
		return fmt.Errorf("failed to invalidate cursor: %w", err)
	}
	return nil
}
