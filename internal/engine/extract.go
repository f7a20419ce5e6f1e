package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/pkg/anthropic"
)

const extractionSystemPrompt = `You extract quoted terms from procurement call transcripts. Respond with JSON only:
{"unit_price": number, "min_quantity": number, "lead_time_days": number, "shipping_terms": string, "payment_terms": string, "confidence": number, "evidence": string}
unit_price is USD per unit, 0 if no price was quoted. confidence is 0-1. evidence is the transcript line the price came from.`

// Extractor turns a completed call's transcript and structured fields into an
// Offer. The reasoning service does the heavy lifting; a structured-field /
// regex fallback keeps extraction working when it is unavailable.
type Extractor struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
	breaker   *resilience.CircuitBreaker
}

// NewExtractor creates an extractor. A nil client means fallback-only.
func NewExtractor(client anthropic.Client, modelID string, timeout time.Duration) *Extractor {
	return &Extractor{
		client:    client,
		model:     modelID,
		maxTokens: 512,
		timeout:   timeout,
		breaker:   resilience.NewCircuitBreaker(namedBreaker("extract")),
	}
}

// Extract returns the offer quoted in the call, or nil when no usable price
// was found. It never returns an error; extraction failure for one call
// must not abort the run.
func (x *Extractor) Extract(ctx context.Context, call *model.Call, sig model.CallCompletion) *model.Offer {
	offer := x.extractViaReasoning(ctx, sig)
	if offer == nil {
		offer = extractFallback(sig)
	}
	if offer == nil || !offer.Priced() {
		return nil
	}

	offer.CounterpartyID = call.CounterpartyID
	offer.RunID = call.RunID
	offer.CallID = call.ID
	offer.Round = call.Round
	offer.Source = fmt.Sprintf("voice_round_%d", call.Round)
	return offer
}

type extractedTerms struct {
	UnitPrice    float64 `json:"unit_price"`
	MinQuantity  int     `json:"min_quantity"`
	LeadTimeDays int     `json:"lead_time_days"`
	Shipping     string  `json:"shipping_terms"`
	Payment      string  `json:"payment_terms"`
	Confidence   float64 `json:"confidence"`
	Evidence     string  `json:"evidence"`
}

func (x *Extractor) extractViaReasoning(ctx context.Context, sig model.CallCompletion) *model.Offer {
	if x.client == nil || len(sig.Transcript) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	var b strings.Builder
	for _, turn := range sig.Transcript {
		fmt.Fprintf(&b, "%s: %s\n", turn.Speaker, turn.Text)
	}
	if len(sig.StructuredFields) > 0 {
		fields, _ := json.Marshal(sig.StructuredFields)
		fmt.Fprintf(&b, "\nStructured fields: %s\n", fields)
	}

	resp, err := resilience.ExecuteVal(ctx, x.breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return x.client.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     x.model,
			MaxTokens: x.maxTokens,
			System:    []anthropic.SystemBlock{{Text: extractionSystemPrompt}},
			Messages:  []anthropic.Message{{Role: "user", Content: b.String()}},
		})
	})
	if err != nil {
		zap.L().Warn("transcript extraction fell back", zap.Error(err))
		return nil
	}
	resp.Usage.LogCost(x.model, "extraction")

	var terms extractedTerms
	if err := json.Unmarshal([]byte(stripCodeFences(resp.Text())), &terms); err != nil {
		zap.L().Warn("transcript extraction returned malformed JSON", zap.Error(err))
		return nil
	}
	if terms.UnitPrice <= 0 {
		return nil
	}
	return &model.Offer{
		UnitPrice:     terms.UnitPrice,
		MinQuantity:   terms.MinQuantity,
		LeadTimeDays:  terms.LeadTimeDays,
		ShippingTerms: terms.Shipping,
		PaymentTerms:  terms.Payment,
		Confidence:    terms.Confidence,
		Evidence:      terms.Evidence,
	}
}

var pricePattern = regexp.MustCompile(`\$\s*([0-9]+(?:\.[0-9]{1,2})?)|([0-9]+(?:\.[0-9]{1,2})?)\s*(?:dollars|per unit|a unit|each)`)

// extractFallback reads the provider's structured fields first, then scans
// the transcript for a quoted dollar amount.
func extractFallback(sig model.CallCompletion) *model.Offer {
	for _, key := range []string{"unit_price", "price", "quoted_price"} {
		if raw, ok := sig.StructuredFields[key]; ok {
			if price, err := strconv.ParseFloat(strings.TrimPrefix(strings.TrimSpace(raw), "$"), 64); err == nil && price > 0 {
				offer := &model.Offer{UnitPrice: price, Confidence: 0.6, Evidence: fmt.Sprintf("structured field %s=%s", key, raw)}
				if lt, ok := sig.StructuredFields["lead_time_days"]; ok {
					if days, err := strconv.Atoi(strings.TrimSpace(lt)); err == nil {
						offer.LeadTimeDays = days
					}
				}
				return offer
			}
		}
	}

	// Last counterparty turn with a price wins; later quotes supersede.
	for i := len(sig.Transcript) - 1; i >= 0; i-- {
		turn := sig.Transcript[i]
		if strings.EqualFold(turn.Speaker, "agent") {
			continue
		}
		m := pricePattern.FindStringSubmatch(turn.Text)
		if m == nil {
			continue
		}
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if price, err := strconv.ParseFloat(raw, 64); err == nil && price > 0 {
			return &model.Offer{UnitPrice: price, Confidence: 0.4, Evidence: turn.Text}
		}
	}
	return nil
}
