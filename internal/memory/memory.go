// Package memory stores and retrieves interaction notes about counterparties.
// Retrieval is semantic; ranking is treated as opaque and tag filtering is
// exact-match.
package memory

import (
	"context"
	"time"
)

// Tags label a memory entry so later retrieval can scope to a run,
// counterparty, or interaction channel.
type Tags struct {
	RunID          string `json:"run_id,omitempty"`
	CounterpartyID string `json:"counterparty_id,omitempty"`
	Channel        string `json:"channel,omitempty"` // "call", "email", ...
}

// Filter scopes a retrieval. Empty fields match everything.
type Filter struct {
	RunID          string
	CounterpartyID string
	Channel        string
	TopK           int
}

// Snippet is a retrieved memory entry.
type Snippet struct {
	ID        string
	Text      string
	Tags      Tags
	Score     float32
	CreatedAt time.Time
}

// Store is the memory interface the engine depends on.
type Store interface {
	Write(ctx context.Context, text string, tags Tags) error
	Retrieve(ctx context.Context, query string, filter Filter) ([]Snippet, error)
	Close() error
}
