// Package events provides a publish/subscribe event bus for sync and
// classification activity. Events flow from the sync engine and its
// collaborators to subscribers (the façade's WebSocket handler). The bus
// is nil-safe: calling Publish on a nil *Bus is a no-op, so components do
// not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSync identifies events from the sync engine.
	SourceSync = "sync"
	// SourceClassifier identifies events from the AI classifier.
	SourceClassifier = "classifier"
	// SourcePendingOps identifies events from the pending-ops queue.
	SourcePendingOps = "pendingops"
)

// Kind constants describe the type of event within a source.
const (
	// KindSyncStarted signals the beginning of a per-account sync cycle.
	// Data: account_id.
	KindSyncStarted = "sync_started"
	// KindSyncCompleted signals the end of a per-account sync cycle.
	// Data: account_id, fetched, classified, actions_processed, errors.
	KindSyncCompleted = "sync_completed"
	// KindMessageClassified signals a message received a Classification.
	// Data: message_id, account_id, tags.
	KindMessageClassified = "message_classified"
	// KindPendingFailed signals a pending operation exhausted its retries.
	// Data: operation_id, account_id, message_id, op, error.
	KindPendingFailed = "pending_failed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a subscriber that falls behind loses its oldest
// buffered event rather than causing the publisher to block or losing
// the newly published one.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the oldest buffered event for that
// subscriber is discarded to make room — the newly published event is
// never dropped in favor of one already delivered. Safe to call on a
// nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
				// Another publisher raced us and refilled the buffer;
				// give up rather than block.
			}
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
