package engine

import (
	"context"
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/memory"
	"github.com/sells-group/sourcing-cli/internal/model"
)

// assembleContext builds the per-counterparty context object every outbound
// submission is planned from: the run spec, the target's record, competing
// offers from other counterparties, retrieved memory snippets, and (for
// round 2+) the benchmark target.
func (e *Engine) assembleContext(ctx context.Context, run *model.Run, cp model.Counterparty, round int) (model.NegotiationContext, error) {
	nctx := model.NegotiationContext{
		Run:          *run,
		Counterparty: cp,
		Round:        round,
	}

	offers, err := e.store.ListOffers(ctx, run.ID)
	if err != nil {
		return nctx, eris.Wrap(err, "engine: list offers for context")
	}
	for _, o := range offers {
		if o.CounterpartyID == cp.ID {
			nctx.OwnOffers = append(nctx.OwnOffers, o)
		} else {
			nctx.CompetingOffers = append(nctx.CompetingOffers, o)
		}
	}

	if round >= model.RoundNegotiation {
		if bm := e.round1Benchmark(offers); bm != nil {
			bm.Name = e.counterpartyName(ctx, bm.CounterpartyID)
			nctx.Benchmark = bm
		}
	}

	if e.memory != nil {
		query := fmt.Sprintf("%s %s", run.Spec.Item, cp.Name)
		snippets, err := e.memory.Retrieve(ctx, query, memory.Filter{
			CounterpartyID: cp.ID,
			TopK:           e.cfg.MemoryTopK,
		})
		if err != nil {
			// Memory is advisory; a retrieval failure never blocks a call.
			zap.L().Warn("memory retrieval failed",
				zap.String("run_id", run.ID),
				zap.String("counterparty_id", cp.ID),
				zap.Error(err))
		}
		for _, s := range snippets {
			nctx.MemorySnippets = append(nctx.MemorySnippets, s.Text)
		}
	}

	return nctx, nil
}

// round1Benchmark returns the lowest priced round-1 offer as the competitive
// benchmark, with the target price already scaled by the configured factor.
func (e *Engine) round1Benchmark(offers []model.Offer) *model.BenchmarkTarget {
	var best *model.Offer
	for i := range offers {
		o := offers[i]
		if o.Round != model.RoundInitialQuote || !o.Priced() {
			continue
		}
		if best == nil || o.UnitPrice < best.UnitPrice {
			best = &offers[i]
		}
	}
	if best == nil {
		return nil
	}
	return &model.BenchmarkTarget{
		CounterpartyID: best.CounterpartyID,
		UnitPrice:      best.UnitPrice,
		TargetPrice:    roundCents(best.UnitPrice * e.cfg.TargetFactor),
	}
}

func (e *Engine) counterpartyName(ctx context.Context, id string) string {
	cp, err := e.store.GetCounterparty(ctx, id)
	if err != nil || cp == nil {
		return ""
	}
	return cp.Name
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
