package model

import "time"

// Offer is one quoted price/terms snapshot from a counterparty. Offers are
// append-only: a later round never edits an earlier offer, resolution picks the
// most recent priced one per counterparty.
type Offer struct {
	ID             string    `json:"id"`
	CounterpartyID string    `json:"counterparty_id"`
	RunID          string    `json:"run_id"`
	CallID         string    `json:"call_id,omitempty"`
	UnitPrice      float64   `json:"unit_price"`
	MinQuantity    int       `json:"min_quantity,omitempty"`
	LeadTimeDays   int       `json:"lead_time_days,omitempty"`
	ShippingTerms  string    `json:"shipping_terms,omitempty"`
	PaymentTerms   string    `json:"payment_terms,omitempty"`
	Confidence     float64   `json:"confidence"`
	Round          int       `json:"round"`
	Source         string    `json:"source"` // e.g. "voice_round_1", "voice_round_2"
	Evidence       string    `json:"evidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Priced reports whether the offer carries a usable unit price.
func (o Offer) Priced() bool {
	return o.UnitPrice > 0
}

// LatestOfferPerCounterparty folds offers down to the freshest priced offer per
// counterparty, with a round-2 offer superseding round 1 regardless of insert
// order.
func LatestOfferPerCounterparty(offers []Offer) map[string]Offer {
	best := make(map[string]Offer)
	for _, o := range offers {
		if !o.Priced() {
			continue
		}
		cur, ok := best[o.CounterpartyID]
		if !ok || o.Round > cur.Round || (o.Round == cur.Round && o.CreatedAt.After(cur.CreatedAt)) {
			best[o.CounterpartyID] = o
		}
	}
	return best
}
