package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/pkg/anthropic"
)

const negotiationSystemPrompt = `You are a procurement negotiation planner. Given a sourcing request, a vendor, competing offers, and past interaction notes, produce a negotiation plan as JSON with exactly these fields:
{"approach": string, "leverage_points": [string], "target_price": number, "fallback_position": string, "talking_points": [string], "risks": [string]}
Prices are USD per unit. Respond with JSON only, no prose.`

// StrategyGenerator produces the per-call negotiation plan. The reasoning
// service is asked first; on any failure (missing credentials, timeout,
// breaker open, malformed response) it degrades to a deterministic plan and
// never propagates an error.
type StrategyGenerator struct {
	client       anthropic.Client
	model        string
	maxTokens    int64
	timeout      time.Duration
	breaker      *resilience.CircuitBreaker
	targetFactor float64
}

func namedBreaker(name string) resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.Name = name
	return cfg
}

// NewStrategyGenerator creates a generator. A nil client means every plan is
// the deterministic fallback.
func NewStrategyGenerator(client anthropic.Client, modelID string, timeout time.Duration, targetFactor float64) *StrategyGenerator {
	return &StrategyGenerator{
		client:       client,
		model:        modelID,
		maxTokens:    1024,
		timeout:      timeout,
		breaker:      resilience.NewCircuitBreaker(namedBreaker("strategy")),
		targetFactor: targetFactor,
	}
}

// Prime warms the prompt cache so the round's fan-out of strategy calls hits
// a warm cache. Errors are logged and ignored.
func (g *StrategyGenerator) Prime(ctx context.Context) {
	if g.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	resp, err := anthropic.PrimerRequest(ctx, g.client, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: 16,
		System:    anthropic.BuildCachedSystemBlocks(negotiationSystemPrompt),
		Messages:  []anthropic.Message{{Role: "user", Content: "ack"}},
	})
	if err != nil {
		zap.L().Debug("prompt cache primer failed", zap.Error(err))
		return
	}
	resp.Usage.LogCost(g.model, "primer")
}

// Generate returns a complete negotiation plan for the assembled context.
func (g *StrategyGenerator) Generate(ctx context.Context, nctx model.NegotiationContext) model.NegotiationPlan {
	if g.client == nil {
		return g.fallback(nctx)
	}

	plan, err := g.generateViaReasoning(ctx, nctx)
	if err != nil {
		zap.L().Warn("strategy generation fell back to deterministic plan",
			zap.String("run_id", nctx.Run.ID),
			zap.String("counterparty_id", nctx.Counterparty.ID),
			zap.Int("round", nctx.Round),
			zap.Error(err))
		return g.fallback(nctx)
	}
	return plan
}

func (g *StrategyGenerator) generateViaReasoning(ctx context.Context, nctx model.NegotiationContext) (model.NegotiationPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	payload, err := json.Marshal(nctx)
	if err != nil {
		return model.NegotiationPlan{}, eris.Wrap(err, "engine: marshal context")
	}

	resp, err := resilience.ExecuteVal(ctx, g.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return g.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     g.model,
			MaxTokens: g.maxTokens,
			System:    anthropic.BuildCachedSystemBlocks(negotiationSystemPrompt),
			Messages: []anthropic.Message{{
				Role:    "user",
				Content: fmt.Sprintf("Plan round %d for this context:\n%s", nctx.Round, payload),
			}},
		})
	})
	if err != nil {
		return model.NegotiationPlan{}, err
	}
	resp.Usage.LogCost(g.model, "strategy")

	var plan model.NegotiationPlan
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Text())), &plan); err != nil {
		return model.NegotiationPlan{}, eris.Wrap(err, "engine: parse plan")
	}
	if plan.TargetPrice <= 0 || plan.Approach == "" || len(plan.LeveragePoints) == 0 {
		return model.NegotiationPlan{}, eris.New("engine: reasoning returned incomplete plan")
	}
	plan.Source = "reasoning"
	return plan, nil
}

// fallback is the deterministic plan: target = benchmark × factor, template
// leverage referencing the benchmark, accept if terms improve. It is always
// structurally complete.
func (g *StrategyGenerator) fallback(nctx model.NegotiationContext) model.NegotiationPlan {
	spec := nctx.Run.Spec

	target := g.fallbackTarget(nctx)
	leverage := []string{
		fmt.Sprintf("Order volume of %d %s", spec.Quantity, orUnits(spec.Unit)),
	}
	if nctx.Benchmark != nil {
		leverage = append(leverage, fmt.Sprintf("A competing vendor quoted $%.2f per unit", nctx.Benchmark.UnitPrice))
	} else if len(nctx.CompetingOffers) > 0 {
		leverage = append(leverage, "Multiple vendors are quoting this order")
	}

	return model.NegotiationPlan{
		Approach:         fmt.Sprintf("Request %s for %d %s of %s", roundLabel(nctx.Round), spec.Quantity, orUnits(spec.Unit), spec.Item),
		LeveragePoints:   leverage,
		TargetPrice:      target,
		FallbackPosition: "accept if terms improve",
		TalkingPoints: []string{
			fmt.Sprintf("Confirm lead time against deadline %s", orUnspecified(spec.Deadline)),
			"Ask for volume discount tiers",
		},
		Source: "fallback",
	}
}

func (g *StrategyGenerator) fallbackTarget(nctx model.NegotiationContext) float64 {
	if nctx.Benchmark != nil {
		if nctx.Benchmark.TargetPrice > 0 {
			return nctx.Benchmark.TargetPrice
		}
		return roundCents(nctx.Benchmark.UnitPrice * g.targetFactor)
	}
	if low := lowestPrice(nctx.CompetingOffers); low > 0 {
		return roundCents(low * g.targetFactor)
	}
	if low := lowestPrice(nctx.OwnOffers); low > 0 {
		return roundCents(low * g.targetFactor)
	}
	return nctx.Run.Spec.MaxUnitUSD
}

func lowestPrice(offers []model.Offer) float64 {
	var low float64
	for _, o := range offers {
		if !o.Priced() {
			continue
		}
		if low == 0 || o.UnitPrice < low {
			low = o.UnitPrice
		}
	}
	return low
}

func roundLabel(round int) string {
	switch round {
	case model.RoundInitialQuote:
		return "an initial quote"
	case model.RoundNegotiation:
		return "improved pricing"
	default:
		return "verbal confirmation of terms"
	}
}

func orUnits(unit string) string {
	if unit == "" {
		return "units"
	}
	return unit
}

func orUnspecified(s string) string {
	if s == "" {
		return "(unspecified)"
	}
	return s
}

// stripCodeFences removes a surrounding markdown code fence if present.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
