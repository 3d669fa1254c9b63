package sync

import (
	"time"

	"github.com/inboxops/mailsync/internal/threadstore"
)

// Mode selects the window policy for one sync cycle.
type Mode int

const (
	// ModeBackground is the default: a fixed one-hour window over a broad
	// folder scope, to catch drift between polls.
	ModeBackground Mode = iota
	// ModePolling is the frequent lightweight trigger with an adaptive
	// window based on the cursor.
	ModePolling
	// ModeFull is a forced deep sync used to recover from prior gaps.
	ModeFull
)

// DefaultFullDays is how far back a full sync reaches when the caller does
// not say.
const DefaultFullDays = 7

// Options are the caller-supplied knobs of one sync cycle.
type Options struct {
	Days      int  `json:"days"`
	ForceFull bool `json:"forceFull"`
	Polling   bool `json:"polling"`
}

// Mode maps options to a window policy. ForceFull wins over Polling.
func (o Options) Mode() Mode {
	switch {
	case o.ForceFull:
		return ModeFull
	case o.Polling:
		return ModePolling
	default:
		return ModeBackground
	}
}

// Plan computes the fetch window for one cycle. Pure computation, never
// fails. The window sizes trade provider API cost against the risk of
// missing messages: under-covering silently loses data, over-covering only
// costs extra calls, so every ambiguous case widens the window.
func Plan(mode Mode, cursor *threadstore.Cursor, requestedDays int, now time.Time) Window {
	switch mode {
	case ModeFull:
		days := requestedDays
		if days <= 0 {
			days = DefaultFullDays
		}
		return Window{Start: now.AddDate(0, 0, -days), Scope: ScopeAllFolders}

	case ModePolling:
		// A missing or invalidated cursor means a long-idle client; assume
		// up to a day may have been missed.
		if cursor == nil || !cursor.IsValid || cursor.LastSyncTime.IsZero() {
			return Window{Start: now.Add(-24 * time.Hour), Scope: ScopeAllFolders}
		}
		// Away for over an hour: resume from the cursor with a 10-minute
		// buffer absorbing clock skew against the provider.
		if now.Sub(cursor.LastSyncTime) > time.Hour {
			return Window{Start: cursor.LastSyncTime.Add(-10 * time.Minute), Scope: ScopeAllFolders}
		}
		// Steady state: polling cadence is at most 15 minutes.
		return Window{Start: now.Add(-15 * time.Minute), Scope: ScopeAllFolders}

	default:
		return Window{Start: now.Add(-time.Hour), Scope: ScopeBroad}
	}
}
