// Package events fans out run progress events to subscribers, backing the
// SSE endpoint on the webhook server.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is a single progress notification for a run.
type Event struct {
	RunID   string         `json:"run_id"`
	Type    string         `json:"type"`            // "stage", "call", "offer", "result", "error"
	Stage   string         `json:"stage,omitempty"` // run status at emit time
	Message string         `json:"message,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	At      time.Time      `json:"at"`
}

const subscriberBuffer = 32

// Broadcaster delivers events to per-run subscribers. Publish never blocks:
// a subscriber that falls behind loses events rather than stalling the
// negotiation engine.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a listener for one run. The returned cancel function
// must be called to release the subscription.
func (b *Broadcaster) Subscribe(runID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[chan Event]struct{})
	}
	b.subs[runID][ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.subs[runID]; ok {
			if _, ok := set[ch]; ok {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subs, runID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers e to all subscribers of its run.
func (b *Broadcaster) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs[e.RunID] {
		select {
		case ch <- e:
		default:
			zap.L().Debug("dropping event for slow subscriber",
				zap.String("run_id", e.RunID),
				zap.String("type", e.Type))
		}
	}
}

// SubscriberCount reports the number of active subscribers for a run.
func (b *Broadcaster) SubscriberCount(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[runID])
}
