package model

// NegotiationContext is the per-counterparty context object assembled before
// every outbound submission: run spec, the target's record, competing offers
// from other counterparties, and retrieved memory snippets.
type NegotiationContext struct {
	Run             Run              `json:"run"`
	Counterparty    Counterparty     `json:"counterparty"`
	Round           int              `json:"round"`
	CompetingOffers []Offer          `json:"competing_offers,omitempty"`
	OwnOffers       []Offer          `json:"own_offers,omitempty"`
	MemorySnippets  []string         `json:"memory_snippets,omitempty"`
	Benchmark       *BenchmarkTarget `json:"benchmark,omitempty"`
}

// BenchmarkTarget carries round-2+ competitive targeting: the lowest round-1
// offer and the price the call should push toward.
type BenchmarkTarget struct {
	CounterpartyID string  `json:"counterparty_id"`
	Name           string  `json:"name"`
	UnitPrice      float64 `json:"unit_price"`
	TargetPrice    float64 `json:"target_price"`
}

// NegotiationPlan is the tailored strategy a call is submitted with. The
// generator guarantees a structurally complete plan even when the reasoning
// service is unavailable.
type NegotiationPlan struct {
	Approach         string   `json:"approach"`
	LeveragePoints   []string `json:"leverage_points"`
	TargetPrice      float64  `json:"target_price"`
	FallbackPosition string   `json:"fallback_position"`
	TalkingPoints    []string `json:"talking_points,omitempty"`
	Risks            []string `json:"risks,omitempty"`
	Source           string   `json:"source"` // "reasoning" | "fallback"
}

// ConfirmationTerms is the structured payload handed to the notification
// collaborator after a winner is confirmed.
type ConfirmationTerms struct {
	RunID         string  `json:"run_id"`
	Vendor        string  `json:"vendor"`
	Item          string  `json:"item"`
	Quantity      int     `json:"quantity"`
	UnitPrice     float64 `json:"unit_price"`
	LeadTimeDays  int     `json:"lead_time_days,omitempty"`
	ShippingTerms string  `json:"shipping_terms,omitempty"`
	PaymentTerms  string  `json:"payment_terms,omitempty"`
}
