package engine

import (
	"math"
	"sort"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// ResolveWinner ranks a run's offers and picks the winner. Per counterparty
// the round-2 offer supersedes round 1; counterparties without a priced offer
// are excluded. Savings are computed against the counterparty's own round-1
// price, and only when its round-2 price is strictly lower.
func ResolveWinner(offers []model.Offer, cps []model.Counterparty) *model.RunResult {
	names := make(map[string]string, len(cps))
	for _, cp := range cps {
		names[cp.ID] = cp.Name
	}

	latest := model.LatestOfferPerCounterparty(offers)

	// Freshest priced round-1 offer per counterparty, for savings math.
	round1 := make(map[string]model.Offer)
	for _, o := range offers {
		if o.Round != model.RoundInitialQuote || !o.Priced() {
			continue
		}
		cur, ok := round1[o.CounterpartyID]
		if !ok || o.CreatedAt.After(cur.CreatedAt) {
			round1[o.CounterpartyID] = o
		}
	}

	ranked := make([]model.RankedOffer, 0, len(latest))
	for cpID, o := range latest {
		entry := model.RankedOffer{
			CounterpartyID: cpID,
			Name:           names[cpID],
			UnitPrice:      o.UnitPrice,
			Round:          o.Round,
		}
		if r1, ok := round1[cpID]; ok && o.Round >= model.RoundNegotiation && o.UnitPrice < r1.UnitPrice {
			entry.SavingsPct = savingsPct(r1.UnitPrice, o.UnitPrice)
		}
		ranked = append(ranked, entry)
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].UnitPrice != ranked[j].UnitPrice {
			return ranked[i].UnitPrice < ranked[j].UnitPrice
		}
		return ranked[i].Name < ranked[j].Name
	})

	result := &model.RunResult{
		OffersConsidered: len(ranked),
		Ranked:           ranked,
	}
	if len(ranked) == 0 {
		return result
	}

	winner := ranked[0]
	result.WinnerCounterpartyID = winner.CounterpartyID
	result.WinnerName = winner.Name
	result.FinalUnitPrice = winner.UnitPrice
	if r1, ok := round1[winner.CounterpartyID]; ok {
		result.Round1UnitPrice = r1.UnitPrice
	}
	result.SavingsPct = winner.SavingsPct
	return result
}

// savingsPct returns (round1 − final) / round1 as a percentage rounded to one
// decimal place.
func savingsPct(round1, final float64) float64 {
	if round1 <= 0 {
		return 0
	}
	return math.Round((round1-final)/round1*1000) / 10
}
