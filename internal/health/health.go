// Package health tracks per-account readiness state without any
// background polling: an account's auth state
// only changes as a side effect of a sync attempt, so there is nothing
// to poll independently.
package health

import (
	"sync"
	"time"
)

// Status is one account's readiness snapshot, suitable for JSON
// serialization on an account-status endpoint.
type Status struct {
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Tracker records ready/not-ready and the last error per account,
// flipped by the sync engine after each authenticate/sync attempt.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{statuses: make(map[string]Status)}
}

// MarkReady records a successful operation for accountID.
func (t *Tracker) MarkReady(accountID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statuses[accountID] = Status{Ready: true, LastCheck: time.Now()}
}

// MarkDown records a failed operation for accountID, typically called
// after a provider.Error with Kind == AuthRequired.
func (t *Tracker) MarkDown(accountID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{Ready: false, LastCheck: time.Now()}
	if err != nil {
		s.LastError = err.Error()
	}
	t.statuses[accountID] = s
}

// Status returns accountID's current status. Unknown accounts report
// Ready: false with a zero LastCheck.
func (t *Tracker) Status(accountID string) Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statuses[accountID]
}

// All returns a snapshot of every tracked account's status.
func (t *Tracker) All() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]Status, len(t.statuses))
	for id, s := range t.statuses {
		out[id] = s
	}
	return out
}
