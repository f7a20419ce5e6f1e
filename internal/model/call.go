package model

import "time"

// CallStatus represents the lifecycle of one outbound call attempt.
type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusInProgress CallStatus = "in_progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusFailed     CallStatus = "failed"
)

// Terminal reports whether the call has reached a final status.
func (s CallStatus) Terminal() bool {
	return s == CallStatusCompleted || s == CallStatusFailed
}

// Rounds of the negotiation campaign.
const (
	RoundInitialQuote = 1
	RoundNegotiation  = 2
	RoundConfirmation = 3
)

// TranscriptTurn is one speaker turn in a call transcript.
type TranscriptTurn struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Call is one attempt to reach one counterparty in one round. The row is
// persisted before the provider is asked to act, so a completion signal that
// races the insert can retry its lookup instead of being dropped.
type Call struct {
	ID              string           `json:"id"`
	CounterpartyID  string           `json:"counterparty_id"`
	RunID           string           `json:"run_id"`
	Round           int              `json:"round"`
	ProviderHandle  string           `json:"provider_handle,omitempty"`
	Transcript      []TranscriptTurn `json:"transcript,omitempty"`
	Status          CallStatus       `json:"status"`
	DurationSeconds float64          `json:"duration_seconds,omitempty"`
	Retry           bool             `json:"retry,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// CallCompletion is the asynchronous signal pushed by the voice provider.
// Delivery is at-least-once: signals may arrive duplicated or out of order.
type CallCompletion struct {
	Handle           string            `json:"handle"`
	Outcome          string            `json:"outcome"` // "done" | "failed"
	Transcript       []TranscriptTurn  `json:"transcript,omitempty"`
	StructuredFields map[string]string `json:"structured_fields,omitempty"`
	DurationSeconds  float64           `json:"duration_seconds,omitempty"`
}

// Succeeded reports whether the provider considers the call done.
func (c CallCompletion) Succeeded() bool {
	return c.Outcome == "done"
}
