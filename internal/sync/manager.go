package sync

import (
	"context"
	"fmt"
	"log"
	stdsync "sync"
	"time"
)

// DefaultPollInterval is how often a polling worker wakes up between
// incremental cycles.
const DefaultPollInterval = 2 * time.Minute

// Manager owns the background polling workers, one per (user, provider)
// pair. Each worker runs an immediate incremental cycle on start and then
// keeps polling on a fixed interval until stopped.
type Manager struct {
	runner       *Runner
	pollInterval time.Duration

	pollers      map[string]context.CancelFunc
	pollersMutex stdsync.RWMutex
}

// NewManager creates a polling manager over the given runner.
func NewManager(runner *Runner, pollInterval time.Duration) *Manager {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Manager{
		runner:       runner,
		pollInterval: pollInterval,
		pollers:      make(map[string]context.CancelFunc),
	}
}

func pollerKey(userEmail string, provider ProviderName) string {
	return fmt.Sprintf("%s:%s", userEmail, provider)
}

// StartPolling launches a polling worker for the user and provider. It is
// an error to start a second worker for the same pair.
func (m *Manager) StartPolling(ctx context.Context, userEmail string, provider ProviderName) error {
	key := pollerKey(userEmail, provider)

	m.pollersMutex.Lock()
	defer m.pollersMutex.Unlock()

	if _, exists := m.pollers[key]; exists {
		return fmt.Errorf("polling already running for %s", key)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	m.pollers[key] = cancel

	go func() {
		log.Printf("poll start: %s", key)
		m.pollLoop(pollCtx, userEmail, provider)

		m.pollersMutex.Lock()
		delete(m.pollers, key)
		m.pollersMutex.Unlock()
		log.Printf("poll stop: %s", key)
	}()

	return nil
}

func (m *Manager) pollLoop(ctx context.Context, userEmail string, provider ProviderName) {
	opts := Options{Polling: true}

	m.runOnce(ctx, userEmail, provider, opts)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx, userEmail, provider, opts)
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, userEmail string, provider ProviderName, opts Options) {
	res, err := m.runner.SyncEmails(ctx, userEmail, provider, opts)
	if err != nil {
		log.Printf("poll %s/%s: %v", provider, userEmail, err)
		return
	}
	if res.Inserted > 0 {
		log.Printf("poll %s/%s: %d new messages across %d threads", provider, userEmail, res.Inserted, res.Threads)
	}
}

// StopPolling cancels the polling worker for the user and provider.
func (m *Manager) StopPolling(userEmail string, provider ProviderName) error {
	key := pollerKey(userEmail, provider)

	m.pollersMutex.Lock()
	defer m.pollersMutex.Unlock()

	cancel, exists := m.pollers[key]
	if !exists {
		return fmt.Errorf("no polling running for %s", key)
	}

	cancel()
	delete(m.pollers, key)
	return nil
}

// IsRunning reports whether a polling worker is active for the pair.
func (m *Manager) IsRunning(userEmail string, provider ProviderName) bool {
	m.pollersMutex.RLock()
	defer m.pollersMutex.RUnlock()

	_, exists := m.pollers[pollerKey(userEmail, provider)]
	return exists
}

// StopAll cancels every polling worker.
func (m *Manager) StopAll() {
	m.pollersMutex.Lock()
	defer m.pollersMutex.Unlock()

	for key, cancel := range m.pollers {
		log.Printf("stopping poller %s", key)
		cancel()
	}

	m.pollers = make(map[string]context.CancelFunc)
}

// ActivePollers returns the keys of currently running workers.
func (m *Manager) ActivePollers() []string {
	m.pollersMutex.RLock()
	defer m.pollersMutex.RUnlock()

	var keys []string
	for key := range m.pollers {
		keys = append(keys, key)
	}
	return keys
}
