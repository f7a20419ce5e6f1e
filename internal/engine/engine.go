// Package engine drives the multi-round negotiation campaign: round fan-out,
// completion processing, stale-call recovery, and winner resolution. It is
// invoked concurrently from the CLI, the webhook server, and watchdog timers;
// the only cross-trigger coordination is the store's compare-and-swap status
// transition.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sourcing-cli/internal/activity"
	"github.com/sells-group/sourcing-cli/internal/events"
	"github.com/sells-group/sourcing-cli/internal/memory"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/internal/store"
	"github.com/sells-group/sourcing-cli/pkg/mailer"
	"github.com/sells-group/sourcing-cli/pkg/voice"
)

// maxCallAttempts bounds call attempts per counterparty per round: the
// original call plus one watchdog replacement.
const maxCallAttempts = 2

// Config tunes the campaign state machine.
type Config struct {
	TargetFactor     float64
	BatchSize        int
	WatchdogTimeout  time.Duration
	LookupRetryDelay time.Duration
	AgentProfile     string
	MemoryTopK       int
}

// Deps are the engine's collaborators. Mailer, Memory, Events, and Tracker
// may be nil; the engine degrades gracefully without them.
type Deps struct {
	Store     store.Store
	Voice     voice.Client
	Mailer    mailer.Client
	Memory    memory.Store
	Strategy  *StrategyGenerator
	Extractor *Extractor
	Events    *events.Broadcaster
	Tracker   *activity.Tracker
}

// Engine is the run orchestrator.
type Engine struct {
	store     store.Store
	voice     voice.Client
	mailer    mailer.Client
	memory    memory.Store
	strategy  *StrategyGenerator
	extractor *Extractor
	events    *events.Broadcaster
	tracker   *activity.Tracker
	watchdog  *Watchdog
	cfg       Config
}

// New creates an Engine with its own watchdog registry.
func New(deps Deps, cfg Config) *Engine {
	if cfg.TargetFactor <= 0 || cfg.TargetFactor >= 1 {
		cfg.TargetFactor = 0.87
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 3
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 45 * time.Second
	}
	if cfg.LookupRetryDelay <= 0 {
		cfg.LookupRetryDelay = 500 * time.Millisecond
	}
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = 5
	}

	e := &Engine{
		store:     deps.Store,
		voice:     deps.Voice,
		mailer:    deps.Mailer,
		memory:    deps.Memory,
		strategy:  deps.Strategy,
		extractor: deps.Extractor,
		events:    deps.Events,
		tracker:   deps.Tracker,
		cfg:       cfg,
	}
	e.watchdog = newWatchdog(cfg.WatchdogTimeout, e.handleWatchdogFire)
	return e
}

// Watchdog exposes the staleness registry, mainly for server shutdown.
func (e *Engine) Watchdog() *Watchdog {
	return e.watchdog
}

// Stop cancels all pending watchdog timers.
func (e *Engine) Stop() {
	e.watchdog.Stop()
}

// StartRun takes a pending run through the round-1 fan-out. It returns once
// every round-1 submission has been dispatched; completions arrive
// asynchronously through HandleCallCompletion.
func (e *Engine) StartRun(ctx context.Context, runID string) error {
	won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusPending, model.RunStatusRunning)
	if err != nil {
		return eris.Wrap(err, "engine: start run")
	}
	if !won {
		return eris.Errorf("engine: run %s is not pending", runID)
	}
	e.publishStage(runID, model.RunStatusRunning, "run started")

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.failRun(ctx, runID, categorize(err), "load run: "+err.Error())
		return err
	}
	cps, err := e.store.ListCounterparties(ctx, runID)
	if err != nil {
		e.failRun(ctx, runID, categorize(err), "load counterparties: "+err.Error())
		return err
	}

	var callable []model.Counterparty
	for _, cp := range cps {
		if cp.Callable() {
			callable = append(callable, cp)
		}
	}
	if len(callable) == 0 {
		e.failRun(ctx, runID, model.ErrorCategoryPermanent, "no counterparty has a callable phone number")
		return nil
	}

	won, err = e.store.CASRunStatus(ctx, runID, model.RunStatusRunning, model.RunStatusCallingRound1)
	if err != nil || !won {
		return eris.Wrap(err, "engine: enter round 1")
	}
	e.publishStage(runID, model.RunStatusCallingRound1, fmt.Sprintf("dialing %d counterparties", len(callable)))

	if e.strategy != nil {
		e.strategy.Prime(ctx)
	}
	e.fanOut(ctx, run, callable, model.RoundInitialQuote)

	// Covers the edge where every submission failed synchronously and no
	// completion signal will ever arrive.
	return e.CheckRound(ctx, runID, model.RoundInitialQuote)
}

// fanOut dispatches one call per target with bounded concurrency. Individual
// failures are recorded on the call rows, never returned.
func (e *Engine) fanOut(ctx context.Context, run *model.Run, targets []model.Counterparty, round int) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.BatchSize)
	for _, cp := range targets {
		g.Go(func() error {
			e.placeCall(gctx, run, cp, round, false)
			return nil
		})
	}
	_ = g.Wait()
}

// placeCall persists a Call row, assembles context, generates a plan, and
// submits the outbound call. The row is persisted before the provider is
// asked to act so a racing completion signal can find it.
func (e *Engine) placeCall(ctx context.Context, run *model.Run, cp model.Counterparty, round int, retry bool) {
	release := e.activate(run.ID, "calls")
	defer release()

	log := zap.L().With(
		zap.String("run_id", run.ID),
		zap.String("counterparty_id", cp.ID),
		zap.Int("round", round),
		zap.Bool("retry", retry),
	)

	call := &model.Call{CounterpartyID: cp.ID, RunID: run.ID, Round: round, Retry: retry}
	if err := e.store.CreateCall(ctx, call); err != nil {
		log.Error("create call row failed", zap.Error(err))
		return
	}

	nctx, err := e.assembleContext(ctx, run, cp, round)
	if err != nil {
		// Plan from whatever was assembled; a degraded context beats a
		// skipped counterparty.
		log.Warn("context assembly degraded", zap.Error(err))
	}

	var plan model.NegotiationPlan
	if e.strategy != nil {
		plan = e.strategy.Generate(ctx, nctx)
	}

	vars := map[string]string{
		"item":              run.Spec.Item,
		"quantity":          strconv.Itoa(run.Spec.Quantity),
		"round":             strconv.Itoa(round),
		"approach":          plan.Approach,
		"target_price":      fmt.Sprintf("%.2f", plan.TargetPrice),
		"fallback_position": plan.FallbackPosition,
		"leverage":          strings.Join(plan.LeveragePoints, "; "),
	}
	if run.Spec.Unit != "" {
		vars["unit"] = run.Spec.Unit
	}
	if nctx.Benchmark != nil {
		vars["benchmark_price"] = fmt.Sprintf("%.2f", nctx.Benchmark.UnitPrice)
	}

	e.remember(ctx, fmt.Sprintf("Round %d call to %s about %s, targeting $%.2f (%s plan)",
		round, cp.Name, run.Spec.Item, plan.TargetPrice, plan.Source),
		memory.Tags{RunID: run.ID, CounterpartyID: cp.ID, Channel: "call"})

	handle, err := e.voice.Submit(ctx, voice.SubmitRequest{
		AgentProfile: e.cfg.AgentProfile,
		Phone:        cp.Phone,
		Variables:    vars,
	})
	switch {
	case err != nil:
		log.Warn("call submission failed", zap.Error(err))
		e.finishFailed(ctx, call.ID)
		e.publishEvent(run.ID, "call", fmt.Sprintf("call to %s failed to submit", cp.Name), nil)
	case handle == "":
		// Immediate rejection; no completion signal will ever arrive.
		log.Warn("call rejected by provider")
		e.finishFailed(ctx, call.ID)
		e.publishEvent(run.ID, "call", fmt.Sprintf("call to %s rejected", cp.Name), nil)
	default:
		applied, err := e.store.MarkCallInProgress(ctx, call.ID, handle)
		if err != nil {
			log.Error("mark call in progress failed", zap.Error(err))
			return
		}
		if !applied {
			// The watchdog failed this call while the provider was holding
			// the submission; a replacement is already on its way. The handle
			// is never recorded, so a completion for it is dropped as unknown.
			log.Warn("call reclaimed during submission", zap.String("handle", handle))
			return
		}
		log.Info("call submitted", zap.String("handle", handle))
		e.publishEvent(run.ID, "call", fmt.Sprintf("calling %s", cp.Name), map[string]any{
			"counterparty_id": cp.ID,
			"round":           round,
			"retry":           retry,
		})
	}
}

// CheckRound is the round-advancement guard. When the round still has open
// calls it (re)arms the watchdog; when the round is done it attempts the
// forward CAS transition, so concurrent invocations advance the run exactly
// once.
func (e *Engine) CheckRound(ctx context.Context, runID string, round int) error {
	open, err := e.store.CountOpenCalls(ctx, runID, round)
	if err != nil {
		return eris.Wrap(err, "engine: count open calls")
	}
	if open > 0 {
		e.watchdog.Arm(runID, round)
		return nil
	}
	e.watchdog.Cancel(runID, round)

	switch round {
	case model.RoundInitialQuote:
		won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusCallingRound1, model.RunStatusNegotiating)
		if err != nil || !won {
			return eris.Wrap(err, "engine: advance past round 1")
		}
		e.publishStage(runID, model.RunStatusNegotiating, "round 1 complete")
		return e.startRound2(ctx, runID)

	case model.RoundNegotiation:
		won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusCallingRound2, model.RunStatusSummarizing)
		if err != nil || !won {
			return eris.Wrap(err, "engine: advance past round 2")
		}
		e.publishStage(runID, model.RunStatusSummarizing, "round 2 complete")
		return e.resolve(ctx, runID)

	case model.RoundConfirmation:
		won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusCallingRound3, model.RunStatusSendingConfirmation)
		if err != nil || !won {
			return eris.Wrap(err, "engine: advance past round 3")
		}
		e.publishStage(runID, model.RunStatusSendingConfirmation, "confirmation call done")
		return e.sendConfirmation(ctx, runID)
	}
	return nil
}

// startRound2 computes the benchmark and dials every other counterparty that
// produced a round-1 offer. Entered in the negotiating state by whichever
// processor won the round-1 CAS.
func (e *Engine) startRound2(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "engine: load run for round 2")
	}
	offers, err := e.store.ListOffers(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "engine: load offers for round 2")
	}
	cps, err := e.store.ListCounterparties(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "engine: load counterparties for round 2")
	}

	latest := model.LatestOfferPerCounterparty(offers)
	bm := e.round1Benchmark(offers)

	var targets []model.Counterparty
	if len(latest) >= 2 && bm != nil {
		for _, cp := range cps {
			if !cp.Callable() || cp.ID == bm.CounterpartyID {
				continue
			}
			if _, ok := latest[cp.ID]; !ok {
				// No round-1 offer: nothing to negotiate against.
				continue
			}
			targets = append(targets, cp)
		}
	}

	// Fewer than two quotes (or nobody to call) means there is no
	// negotiation leverage; skip straight to resolution.
	if len(targets) == 0 {
		won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusNegotiating, model.RunStatusSummarizing)
		if err != nil || !won {
			return eris.Wrap(err, "engine: skip round 2")
		}
		e.publishStage(runID, model.RunStatusSummarizing, "skipping negotiation round")
		return e.resolve(ctx, runID)
	}

	won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusNegotiating, model.RunStatusCallingRound2)
	if err != nil || !won {
		return eris.Wrap(err, "engine: enter round 2")
	}
	e.publishStage(runID, model.RunStatusCallingRound2, fmt.Sprintf(
		"negotiating %d counterparties against $%.2f benchmark", len(targets), bm.UnitPrice))

	e.fanOut(ctx, run, targets, model.RoundNegotiation)
	return e.CheckRound(ctx, runID, model.RoundNegotiation)
}

// resolve ranks offers, records the result, and either completes the run
// (no winner) or starts the round-3 confirmation call.
func (e *Engine) resolve(ctx context.Context, runID string) error {
	offers, err := e.store.ListOffers(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "engine: load offers for resolution")
	}
	cps, err := e.store.ListCounterparties(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "engine: load counterparties for resolution")
	}

	result := ResolveWinner(offers, cps)
	if err := e.store.UpdateRunResult(ctx, runID, result); err != nil {
		return eris.Wrap(err, "engine: store result")
	}

	if result.WinnerCounterpartyID == "" {
		e.publishEvent(runID, "result", "no counterparty produced a priced offer", nil)
		won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusSummarizing, model.RunStatusComplete)
		if err != nil || !won {
			return eris.Wrap(err, "engine: complete without winner")
		}
		e.publishStage(runID, model.RunStatusComplete, "run complete, no winner")
		return nil
	}

	e.publishEvent(runID, "result", fmt.Sprintf("winner %s at $%.2f", result.WinnerName, result.FinalUnitPrice), map[string]any{
		"winner_counterparty_id": result.WinnerCounterpartyID,
		"final_unit_price":       result.FinalUnitPrice,
		"savings_pct":            result.SavingsPct,
	})

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "engine: load run for confirmation")
	}
	winner, err := e.store.GetCounterparty(ctx, result.WinnerCounterpartyID)
	if err != nil {
		return eris.Wrap(err, "engine: load winner")
	}

	won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusSummarizing, model.RunStatusCallingRound3)
	if err != nil || !won {
		return eris.Wrap(err, "engine: enter round 3")
	}
	e.publishStage(runID, model.RunStatusCallingRound3, "confirming terms with "+result.WinnerName)

	if winner != nil && winner.Callable() {
		e.placeCall(ctx, run, *winner, model.RoundConfirmation, false)
	}
	// With no callable winner (or a rejected submission) the check finds zero
	// open calls and moves straight to the email hand-off.
	return e.CheckRound(ctx, runID, model.RoundConfirmation)
}

// sendConfirmation emails the confirmed terms to the winner. The email is a
// hand-off, not a gate: delivery failure still completes the run.
func (e *Engine) sendConfirmation(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "engine: load run for confirmation email")
	}
	if run.Result == nil || run.Result.WinnerCounterpartyID == "" {
		return e.completeFromConfirmation(ctx, runID, "no winner to confirm")
	}
	winner, err := e.store.GetCounterparty(ctx, run.Result.WinnerCounterpartyID)
	if err != nil {
		return eris.Wrap(err, "engine: load winner for confirmation email")
	}
	if e.mailer == nil || winner == nil || winner.Email == "" {
		return e.completeFromConfirmation(ctx, runID, "no email channel for winner")
	}

	terms := model.ConfirmationTerms{
		RunID:     runID,
		Vendor:    winner.Name,
		Item:      run.Spec.Item,
		Quantity:  run.Spec.Quantity,
		UnitPrice: run.Result.FinalUnitPrice,
	}
	if offers, err := e.store.ListOffers(ctx, runID); err == nil {
		if best, ok := model.LatestOfferPerCounterparty(offers)[winner.ID]; ok {
			terms.LeadTimeDays = best.LeadTimeDays
			terms.ShippingTerms = best.ShippingTerms
			terms.PaymentTerms = best.PaymentTerms
		}
	}

	msgID, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		OnRetry:        resilience.RetryLogger("mailer", "send confirmation"),
	}, func(ctx context.Context) (string, error) {
		return e.mailer.Send(ctx, winner.Email, terms)
	})
	if err != nil {
		zap.L().Error("confirmation email failed",
			zap.String("run_id", runID),
			zap.Error(err))
		e.publishEvent(runID, "error", "confirmation email failed: "+err.Error(), nil)
		return e.completeFromConfirmation(ctx, runID, "email delivery failed")
	}

	e.remember(ctx, fmt.Sprintf("Emailed order confirmation to %s: %d %s at $%.2f",
		winner.Name, terms.Quantity, terms.Item, terms.UnitPrice),
		memory.Tags{RunID: runID, CounterpartyID: winner.ID, Channel: "email"})
	e.publishEvent(runID, "email", "confirmation sent to "+winner.Email, map[string]any{"message_id": msgID})

	won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusSendingConfirmation, model.RunStatusAwaitingInvoice)
	if err != nil || !won {
		return eris.Wrap(err, "engine: await invoice")
	}
	e.publishStage(runID, model.RunStatusAwaitingInvoice, "awaiting invoice reply")
	return nil
}

func (e *Engine) completeFromConfirmation(ctx context.Context, runID, reason string) error {
	won, err := e.store.CASRunStatus(ctx, runID, model.RunStatusSendingConfirmation, model.RunStatusComplete)
	if err != nil || !won {
		return eris.Wrap(err, "engine: complete run")
	}
	e.publishStage(runID, model.RunStatusComplete, "run complete: "+reason)
	return nil
}

// handleWatchdogFire marks genuinely stale calls failed, fires at most one
// replacement per counterparty, then re-runs the round-completion check.
func (e *Engine) handleWatchdogFire(runID string, round int) {
	ctx := context.Background()
	release := e.activate(runID, "watchdog")
	defer release()

	calls, err := e.store.ListCalls(ctx, runID, round)
	if err != nil {
		zap.L().Error("watchdog list calls failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		zap.L().Error("watchdog load run failed", zap.String("run_id", runID), zap.Error(err))
		return
	}

	for _, c := range calls {
		if c.Status.Terminal() {
			continue
		}
		applied, err := e.store.FinishCall(ctx, c.ID, model.CallStatusFailed, nil, 0)
		if err != nil {
			zap.L().Error("watchdog fail call failed", zap.String("call_id", c.ID), zap.Error(err))
			continue
		}
		if !applied {
			// A completion signal won the race; nothing stale here.
			continue
		}
		e.publishEvent(runID, "call", "call timed out", map[string]any{
			"call_id":         c.ID,
			"counterparty_id": c.CounterpartyID,
			"round":           round,
		})

		attempts, err := e.store.CountCallAttempts(ctx, runID, c.CounterpartyID, round)
		if err != nil {
			zap.L().Error("watchdog count attempts failed", zap.String("call_id", c.ID), zap.Error(err))
			continue
		}
		if attempts >= maxCallAttempts {
			zap.L().Info("counterparty permanently failed for round",
				zap.String("run_id", runID),
				zap.String("counterparty_id", c.CounterpartyID),
				zap.Int("round", round))
			continue
		}

		cp, err := e.store.GetCounterparty(ctx, c.CounterpartyID)
		if err != nil || cp == nil {
			zap.L().Error("watchdog load counterparty failed", zap.String("counterparty_id", c.CounterpartyID), zap.Error(err))
			continue
		}
		e.placeCall(ctx, run, *cp, round, true)
	}

	if err := e.CheckRound(ctx, runID, round); err != nil {
		zap.L().Error("watchdog round check failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// categorize maps an operational error onto a run error category, so a
// retryable infrastructure failure is recorded as transient rather than
// burying the run permanently.
func categorize(err error) model.ErrorCategory {
	return model.ErrorCategory(resilience.ClassifyError(err))
}

// failRun moves the run to failed and always emits a terminal event so an
// observer never waits indefinitely.
func (e *Engine) failRun(ctx context.Context, runID string, category model.ErrorCategory, msg string) {
	for round := model.RoundInitialQuote; round <= model.RoundConfirmation; round++ {
		e.watchdog.Cancel(runID, round)
	}
	if err := e.store.FailRun(ctx, runID, model.RunError{Message: msg, Category: category}); err != nil {
		zap.L().Error("fail run transition failed", zap.String("run_id", runID), zap.Error(err))
	}
	e.publishEvent(runID, "error", msg, map[string]any{"category": string(category)})
	e.publishStage(runID, model.RunStatusFailed, "run failed")
}

func (e *Engine) finishFailed(ctx context.Context, callID string) {
	if _, err := e.store.FinishCall(ctx, callID, model.CallStatusFailed, nil, 0); err != nil {
		zap.L().Error("mark call failed errored", zap.String("call_id", callID), zap.Error(err))
	}
}

func (e *Engine) activate(runID, resource string) func() {
	if e.tracker == nil {
		return func() {}
	}
	return e.tracker.Activate(runID, resource)
}

func (e *Engine) remember(ctx context.Context, text string, tags memory.Tags) {
	if e.memory == nil {
		return
	}
	if err := e.memory.Write(ctx, text, tags); err != nil {
		zap.L().Warn("memory write failed", zap.String("run_id", tags.RunID), zap.Error(err))
	}
}

func (e *Engine) publishStage(runID string, stage model.RunStatus, msg string) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.Event{RunID: runID, Type: "stage", Stage: string(stage), Message: msg})
}

func (e *Engine) publishEvent(runID, typ, msg string, detail map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(events.Event{RunID: runID, Type: typ, Message: msg, Detail: detail})
}
