package model

import "time"

// RunStatus represents the current stage of a sourcing run. Transitions are
// forward-only; the only exception is RunStatusFailed, reachable from any stage.
type RunStatus string

const (
	RunStatusPending             RunStatus = "pending"
	RunStatusRunning             RunStatus = "running"
	RunStatusCallingRound1       RunStatus = "calling_round_1"
	RunStatusNegotiating         RunStatus = "negotiating"
	RunStatusCallingRound2       RunStatus = "calling_round_2"
	RunStatusSummarizing         RunStatus = "summarizing"
	RunStatusCallingRound3       RunStatus = "calling_round_3"
	RunStatusSendingConfirmation RunStatus = "sending_confirmation"
	RunStatusAwaitingInvoice     RunStatus = "awaiting_invoice"
	RunStatusInvoiceReceived     RunStatus = "invoice_received"
	RunStatusComplete            RunStatus = "complete"
	RunStatusFailed              RunStatus = "failed"
)

// Terminal reports whether the status ends the run's lifecycle.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusFailed
}

// RequestSpec is the parsed sourcing request. Intake/clarification happens
// upstream; the engine only consumes the structured form.
type RequestSpec struct {
	Item        string `json:"item"`
	Quantity    int    `json:"quantity"`
	Unit        string `json:"unit,omitempty"`
	Deadline    string `json:"deadline,omitempty"`
	Quality     string `json:"quality,omitempty"`
	Location    string `json:"location,omitempty"`
	MaxUnitUSD  float64 `json:"max_unit_usd,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// ErrorCategory classifies run-level failures.
type ErrorCategory string

const (
	ErrorCategoryTransient ErrorCategory = "transient"
	ErrorCategoryPermanent ErrorCategory = "permanent"
)

// RunError captures why a run transitioned to failed.
type RunError struct {
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
}

// Run is one end-to-end sourcing request. Status is owned by the orchestration
// engine and mutated only through status transitions.
type Run struct {
	ID          string      `json:"id"`
	RequestText string      `json:"request_text"`
	Spec        RequestSpec `json:"spec"`
	Status      RunStatus   `json:"status"`
	Result      *RunResult  `json:"result,omitempty"`
	Error       *RunError   `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RunResult holds the resolved outcome of a run.
type RunResult struct {
	WinnerCounterpartyID string  `json:"winner_counterparty_id,omitempty"`
	WinnerName           string  `json:"winner_name,omitempty"`
	FinalUnitPrice       float64 `json:"final_unit_price,omitempty"`
	Round1UnitPrice      float64 `json:"round1_unit_price,omitempty"`
	SavingsPct           float64 `json:"savings_pct,omitempty"`
	OffersConsidered     int     `json:"offers_considered"`
	Ranked               []RankedOffer `json:"ranked,omitempty"`
}

// RankedOffer is one entry in the final price-ascending ranking.
type RankedOffer struct {
	CounterpartyID string  `json:"counterparty_id"`
	Name           string  `json:"name"`
	UnitPrice      float64 `json:"unit_price"`
	Round          int     `json:"round"`
	SavingsPct     float64 `json:"savings_pct,omitempty"`
}
