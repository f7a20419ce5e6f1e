package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/activity"
	"github.com/sells-group/sourcing-cli/internal/events"
	"github.com/sells-group/sourcing-cli/internal/memory"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *fakeStore, *fakeVoice, *fakeMailer) {
	t.Helper()
	fs := newFakeStore()
	fv := newFakeVoice()
	fm := &fakeMailer{}
	eng := New(Deps{
		Store:     fs,
		Voice:     fv,
		Mailer:    fm,
		Memory:    memory.NewFake(),
		Strategy:  NewStrategyGenerator(nil, "claude-haiku-4-5-20251001", time.Second, 0.87),
		Extractor: NewExtractor(nil, "claude-haiku-4-5-20251001", time.Second),
		Events:    events.NewBroadcaster(),
		Tracker:   activity.NewTracker(),
	}, cfg)
	t.Cleanup(eng.Stop)
	return eng, fs, fv, fm
}

func seedRun(t *testing.T, fs *fakeStore, cps ...model.Counterparty) *model.Run {
	t.Helper()
	run, err := fs.CreateRun(context.Background(), "need 500 anodized brackets", model.RequestSpec{
		Item:       "anodized brackets",
		Quantity:   500,
		Unit:       "units",
		MaxUnitUSD: 6.00,
	})
	require.NoError(t, err)
	for i := range cps {
		cps[i].RunID = run.ID
	}
	require.NoError(t, fs.CreateCounterparties(context.Background(), cps))
	return run
}

func counterpartyByName(t *testing.T, fs *fakeStore, runID, name string) model.Counterparty {
	t.Helper()
	cps, err := fs.ListCounterparties(context.Background(), runID)
	require.NoError(t, err)
	for _, cp := range cps {
		if cp.Name == name {
			return cp
		}
	}
	t.Fatalf("no counterparty named %q", name)
	return model.Counterparty{}
}

func openHandleFor(t *testing.T, fs *fakeStore, runID, counterpartyID string, round int) string {
	t.Helper()
	for _, c := range fs.callsForRound(runID, round) {
		if c.CounterpartyID == counterpartyID && c.ProviderHandle != "" && !c.Status.Terminal() {
			return c.ProviderHandle
		}
	}
	t.Fatalf("no open call for counterparty %s round %d", counterpartyID, round)
	return ""
}

func doneSignal(handle, price string) model.CallCompletion {
	return model.CallCompletion{
		Handle:  handle,
		Outcome: "done",
		Transcript: []model.TranscriptTurn{
			{Speaker: "agent", Text: "Calling about an order of anodized brackets."},
			{Speaker: "vendor", Text: fmt.Sprintf("We can do $%s per unit.", price)},
		},
		StructuredFields: map[string]string{"unit_price": price},
		DurationSeconds:  90,
	}
}

func TestStartRunDialsAllCallable(t *testing.T) {
	eng, fs, fv, _ := newTestEngine(t, Config{})
	run := seedRun(t, fs,
		model.Counterparty{Name: "Acme Metalworks", Phone: "+15550000001"},
		model.Counterparty{Name: "Best Parts Co", Phone: "+15550000002"},
		model.Counterparty{Name: "No Phone Inc", Email: "hello@nophone.example"},
	)

	require.NoError(t, eng.StartRun(context.Background(), run.ID))

	assert.Equal(t, model.RunStatusCallingRound1, fs.runStatus(run.ID))
	calls := fs.callsForRound(run.ID, model.RoundInitialQuote)
	require.Len(t, calls, 2)
	for _, c := range calls {
		assert.Equal(t, model.CallStatusInProgress, c.Status)
		assert.NotEmpty(t, c.ProviderHandle)
	}
	assert.True(t, eng.Watchdog().Armed(run.ID, model.RoundInitialQuote))

	for _, req := range fv.submitted() {
		assert.Equal(t, "anodized brackets", req.Variables["item"])
		assert.Equal(t, "1", req.Variables["round"])
		assert.NotEmpty(t, req.Variables["approach"])
		assert.NotEmpty(t, req.Variables["target_price"])
	}
}

func TestStartRunRejectsNonPendingRun(t *testing.T) {
	eng, fs, _, _ := newTestEngine(t, Config{})
	run := seedRun(t, fs, model.Counterparty{Name: "Acme", Phone: "+15550000001"})

	require.NoError(t, eng.StartRun(context.Background(), run.ID))
	err := eng.StartRun(context.Background(), run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
}

func TestStartRunFailsWithoutCallableCounterparty(t *testing.T) {
	eng, fs, _, _ := newTestEngine(t, Config{})
	run := seedRun(t, fs, model.Counterparty{Name: "Email Only", Email: "sales@emailonly.example"})

	require.NoError(t, eng.StartRun(context.Background(), run.ID))

	got, err := fs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorCategoryPermanent, got.Error.Category)
}

func TestStartRunAllSubmissionsRejected(t *testing.T) {
	eng, fs, fv, _ := newTestEngine(t, Config{})
	fv.rejected["+15550000001"] = true
	fv.rejected["+15550000002"] = true
	run := seedRun(t, fs,
		model.Counterparty{Name: "Acme", Phone: "+15550000001"},
		model.Counterparty{Name: "Best", Phone: "+15550000002"},
	)

	// No completion signal will ever arrive; the synchronous check after
	// fan-out must carry the run all the way to a no-winner completion.
	require.NoError(t, eng.StartRun(context.Background(), run.ID))

	got, err := fs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	require.NotNil(t, got.Result)
	assert.Empty(t, got.Result.WinnerCounterpartyID)
	assert.Zero(t, got.Result.OffersConsidered)
	for _, c := range fs.callsForRound(run.ID, model.RoundInitialQuote) {
		assert.Equal(t, model.CallStatusFailed, c.Status)
	}
}

// TestFullCampaign drives a three-vendor run end to end: round-1 quotes of
// $4.50 / $4.20 / $4.80, a negotiation round against the $4.20 benchmark in
// which one vendor improves to $4.10 and the other drops off, the winner's
// confirmation call, the confirmation email, and the invoice reply.
func TestFullCampaign(t *testing.T) {
	ctx := context.Background()
	eng, fs, fv, fm := newTestEngine(t, Config{})
	run := seedRun(t, fs,
		model.Counterparty{Name: "Acme Metalworks", Phone: "+15550000001", Email: "sales@acme.example"},
		model.Counterparty{Name: "Best Parts Co", Phone: "+15550000002", Email: "quotes@bestparts.example"},
		model.Counterparty{Name: "Corrigan Supply", Phone: "+15550000003", Email: "rfq@corrigan.example"},
	)
	acme := counterpartyByName(t, fs, run.ID, "Acme Metalworks")
	best := counterpartyByName(t, fs, run.ID, "Best Parts Co")
	corrigan := counterpartyByName(t, fs, run.ID, "Corrigan Supply")

	require.NoError(t, eng.StartRun(ctx, run.ID))
	require.Len(t, fs.callsForRound(run.ID, model.RoundInitialQuote), 3)

	// Round-1 quotes arrive out of order.
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, corrigan.ID, 1), "4.80")))
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, best.ID, 1), "4.20")))
	assert.Equal(t, model.RunStatusCallingRound1, fs.runStatus(run.ID))
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, acme.ID, 1), "4.50")))

	// The last completion advances into round 2: everyone except the $4.20
	// benchmark vendor gets a negotiation call armed with the benchmark.
	assert.Equal(t, model.RunStatusCallingRound2, fs.runStatus(run.ID))
	round2 := fs.callsForRound(run.ID, model.RoundNegotiation)
	require.Len(t, round2, 2)
	for _, c := range round2 {
		assert.NotEqual(t, best.ID, c.CounterpartyID)
	}
	for _, req := range fv.submitted() {
		if req.Variables["round"] != "2" {
			continue
		}
		assert.Equal(t, "4.20", req.Variables["benchmark_price"])
		assert.Equal(t, "3.65", req.Variables["target_price"])
	}

	// Acme improves to $4.10; Corrigan's negotiation call fails outright.
	require.NoError(t, eng.HandleCallCompletion(ctx, model.CallCompletion{
		Handle:  openHandleFor(t, fs, run.ID, corrigan.ID, 2),
		Outcome: "failed",
	}))
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, acme.ID, 2), "4.10")))

	got, err := fs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCallingRound3, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, acme.ID, got.Result.WinnerCounterpartyID)
	assert.Equal(t, "Acme Metalworks", got.Result.WinnerName)
	assert.InDelta(t, 4.10, got.Result.FinalUnitPrice, 1e-9)
	assert.InDelta(t, 4.50, got.Result.Round1UnitPrice, 1e-9)
	assert.InDelta(t, 8.9, got.Result.SavingsPct, 1e-9)
	assert.Equal(t, 3, got.Result.OffersConsidered)
	require.Len(t, got.Result.Ranked, 3)
	assert.Equal(t, acme.ID, got.Result.Ranked[0].CounterpartyID)
	assert.Equal(t, best.ID, got.Result.Ranked[1].CounterpartyID)
	assert.Equal(t, corrigan.ID, got.Result.Ranked[2].CounterpartyID)

	// Confirmation call to the winner; its completion is not a new offer.
	round3 := fs.callsForRound(run.ID, model.RoundConfirmation)
	require.Len(t, round3, 1)
	assert.Equal(t, acme.ID, round3[0].CounterpartyID)
	require.NoError(t, eng.HandleCallCompletion(ctx, model.CallCompletion{
		Handle:  openHandleFor(t, fs, run.ID, acme.ID, 3),
		Outcome: "done",
		Transcript: []model.TranscriptTurn{
			{Speaker: "vendor", Text: "Confirmed, $4.10 per unit for 500 units."},
		},
	}))
	offers, err := fs.ListOffers(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 4)

	// Email hand-off puts the run in awaiting_invoice.
	assert.Equal(t, model.RunStatusAwaitingInvoice, fs.runStatus(run.ID))
	require.Equal(t, []string{"sales@acme.example"}, fm.recipients)
	assert.InDelta(t, 4.10, fm.terms[0].UnitPrice, 1e-9)
	assert.Equal(t, 500, fm.terms[0].Quantity)

	// The invoice reply, matched case-insensitively, closes the run.
	require.NoError(t, eng.HandleReplyReceived(ctx, "Sales@ACME.example"))
	assert.Equal(t, model.RunStatusComplete, fs.runStatus(run.ID))
}

func TestRoundAdvancesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	eng, fs, _, _ := newTestEngine(t, Config{})
	run := seedRun(t, fs, model.Counterparty{Name: "Acme", Phone: "+15550000001", Email: "sales@acme.example"})
	acme := counterpartyByName(t, fs, run.ID, "Acme")

	require.NoError(t, fs.UpdateRunStatus(ctx, run.ID, model.RunStatusCallingRound1))
	call := &model.Call{CounterpartyID: acme.ID, RunID: run.ID, Round: 1, Status: model.CallStatusCompleted}
	require.NoError(t, fs.CreateCall(ctx, call))
	_, err := fs.CreateOffer(ctx, &model.Offer{
		CounterpartyID: acme.ID, RunID: run.ID, CallID: call.ID,
		UnitPrice: 5.00, Round: 1, Source: "voice_round_1",
	})
	require.NoError(t, err)

	// N concurrent round checks race the same transition; a single quote
	// skips negotiation, so exactly one must reach the confirmation call.
	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = eng.CheckRound(ctx, run.ID, model.RoundInitialQuote)
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, model.RunStatusCallingRound3, fs.runStatus(run.ID))
	assert.Len(t, fs.callsForRound(run.ID, model.RoundConfirmation), 1)
}

func TestDuplicateCompletionSignalDropped(t *testing.T) {
	ctx := context.Background()
	eng, fs, _, _ := newTestEngine(t, Config{})
	run := seedRun(t, fs, model.Counterparty{Name: "Acme", Phone: "+15550000001"})
	acme := counterpartyByName(t, fs, run.ID, "Acme")

	require.NoError(t, eng.StartRun(ctx, run.ID))
	handle := openHandleFor(t, fs, run.ID, acme.ID, 1)
	sig := doneSignal(handle, "5.25")

	require.NoError(t, eng.HandleCallCompletion(ctx, sig))
	statusAfterFirst := fs.runStatus(run.ID)

	// The replay must not create a second offer, rewrite the call, or move
	// the run.
	require.NoError(t, eng.HandleCallCompletion(ctx, sig))
	failedReplay := sig
	failedReplay.Outcome = "failed"
	require.NoError(t, eng.HandleCallCompletion(ctx, failedReplay))

	offers, err := fs.ListOffers(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
	calls := fs.callsForRound(run.ID, model.RoundInitialQuote)
	require.Len(t, calls, 1)
	assert.Equal(t, model.CallStatusCompleted, calls[0].Status)
	assert.Equal(t, statusAfterFirst, fs.runStatus(run.ID))
}

func TestWatchdogRetriesOnceThenFailsCounterparty(t *testing.T) {
	eng, fs, _, _ := newTestEngine(t, Config{WatchdogTimeout: 30 * time.Millisecond})
	run := seedRun(t, fs, model.Counterparty{Name: "Silent Vendor", Phone: "+15550000009"})

	require.NoError(t, eng.StartRun(context.Background(), run.ID))

	// No completion ever arrives: the watchdog fails the call, fires one
	// replacement, fails that too, and the run finishes without a winner.
	require.Eventually(t, func() bool {
		return fs.runStatus(run.ID) == model.RunStatusComplete
	}, 2*time.Second, 10*time.Millisecond)

	calls := fs.callsForRound(run.ID, model.RoundInitialQuote)
	require.Len(t, calls, 2)
	var retries int
	for _, c := range calls {
		assert.Equal(t, model.CallStatusFailed, c.Status)
		if c.Retry {
			retries++
		}
	}
	assert.Equal(t, 1, retries)

	got, err := fs.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Empty(t, got.Result.WinnerCounterpartyID)
}

// TestWatchdogFailureExcludesCounterpartyFromRound2 is the stale-call
// scenario: one vendor never answers, the watchdog burns both attempts, and
// the campaign proceeds with the vendors that quoted.
func TestWatchdogFailureExcludesCounterpartyFromRound2(t *testing.T) {
	ctx := context.Background()
	eng, fs, _, _ := newTestEngine(t, Config{WatchdogTimeout: 40 * time.Millisecond})
	run := seedRun(t, fs,
		model.Counterparty{Name: "Acme Metalworks", Phone: "+15550000001"},
		model.Counterparty{Name: "Best Parts Co", Phone: "+15550000002"},
		model.Counterparty{Name: "Silent Vendor", Phone: "+15550000009"},
	)
	acme := counterpartyByName(t, fs, run.ID, "Acme Metalworks")
	best := counterpartyByName(t, fs, run.ID, "Best Parts Co")
	silent := counterpartyByName(t, fs, run.ID, "Silent Vendor")

	require.NoError(t, eng.StartRun(ctx, run.ID))
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, acme.ID, 1), "4.50")))
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, best.ID, 1), "4.20")))

	// The silent vendor's call and its one replacement both time out before
	// the round can advance.
	require.Eventually(t, func() bool {
		return fs.runStatus(run.ID) == model.RunStatusCallingRound2
	}, 2*time.Second, 10*time.Millisecond)

	var silentAttempts int
	for _, c := range fs.callsForRound(run.ID, model.RoundInitialQuote) {
		if c.CounterpartyID == silent.ID {
			silentAttempts++
			assert.Equal(t, model.CallStatusFailed, c.Status)
		}
	}
	assert.Equal(t, 2, silentAttempts)

	// Only the non-benchmark vendor with a quote gets a negotiation call.
	round2 := fs.callsForRound(run.ID, model.RoundNegotiation)
	require.Len(t, round2, 1)
	assert.Equal(t, acme.ID, round2[0].CounterpartyID)

	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, acme.ID, 2), "4.10")))

	got, err := fs.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Result)
	assert.Equal(t, acme.ID, got.Result.WinnerCounterpartyID)
	// The vendor that never quoted is absent from the ranking.
	assert.Len(t, got.Result.Ranked, 2)
}

// TestLateSubmissionCannotReopenReclaimedCall pins down the race between a
// slow provider submission and the watchdog: the submission returns its
// handle only after the watchdog has already failed the pending call and
// placed a replacement. The stale handle must not flip the call back open.
func TestLateSubmissionCannotReopenReclaimedCall(t *testing.T) {
	ctx := context.Background()
	eng, fs, fv, _ := newTestEngine(t, Config{WatchdogTimeout: 40 * time.Millisecond})
	run := seedRun(t, fs,
		model.Counterparty{Name: "Acme Metalworks", Phone: "+15550000001"},
		model.Counterparty{Name: "Slow Gateway Co", Phone: "+15550000002"},
	)
	acme := counterpartyByName(t, fs, run.ID, "Acme Metalworks")
	slow := counterpartyByName(t, fs, run.ID, "Slow Gateway Co")

	hold := fv.holdNextSubmit("+15550000002")
	started := make(chan error, 1)
	go func() { started <- eng.StartRun(ctx, run.ID) }()
	<-hold.entered

	// Acme completes, which arms the watchdog for the still-pending call.
	var acmeHandle string
	require.Eventually(t, func() bool {
		for _, c := range fs.callsForRound(run.ID, model.RoundInitialQuote) {
			if c.CounterpartyID == acme.ID && c.ProviderHandle != "" {
				acmeHandle = c.ProviderHandle
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(acmeHandle, "4.50")))

	// The watchdog reclaims the held call and dials the replacement.
	require.Eventually(t, func() bool {
		n := 0
		for _, c := range fs.callsForRound(run.ID, model.RoundInitialQuote) {
			if c.CounterpartyID == slow.ID {
				n++
			}
		}
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Only now does the provider hand back the original submission's handle.
	close(hold.release)
	require.NoError(t, <-started)

	var original *model.Call
	for _, c := range fs.callsForRound(run.ID, model.RoundInitialQuote) {
		if c.CounterpartyID == slow.ID && !c.Retry {
			original = &c
		}
	}
	require.NotNil(t, original)
	assert.Equal(t, model.CallStatusFailed, original.Status, "reclaimed call must stay failed")
	assert.Empty(t, original.ProviderHandle, "stale handle must not be recorded")
}

func TestStartRunFailureCategoryFollowsError(t *testing.T) {
	ctx := context.Background()

	t.Run("permanent", func(t *testing.T) {
		eng, fs, _, _ := newTestEngine(t, Config{})
		run := seedRun(t, fs, model.Counterparty{Name: "Acme", Phone: "+15550000001"})
		fs.listCounterpartiesErr = fmt.Errorf("relation counterparties does not exist")

		require.Error(t, eng.StartRun(ctx, run.ID))
		got, err := fs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, model.ErrorCategoryPermanent, got.Error.Category)
	})

	t.Run("transient", func(t *testing.T) {
		eng, fs, _, _ := newTestEngine(t, Config{})
		run := seedRun(t, fs, model.Counterparty{Name: "Acme", Phone: "+15550000001"})
		fs.listCounterpartiesErr = resilience.NewTransientError(fmt.Errorf("connection reset by peer"), 0)

		require.Error(t, eng.StartRun(ctx, run.ID))
		got, err := fs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Error)
		assert.Equal(t, model.ErrorCategoryTransient, got.Error.Category)
	})
}

func TestCompletionSignalOutracesCallInsert(t *testing.T) {
	ctx := context.Background()
	eng, fs, _, _ := newTestEngine(t, Config{LookupRetryDelay: 50 * time.Millisecond})
	run := seedRun(t, fs, model.Counterparty{Name: "Acme", Phone: "+15550000001"})
	acme := counterpartyByName(t, fs, run.ID, "Acme")

	require.NoError(t, fs.UpdateRunStatus(ctx, run.ID, model.RunStatusCallingRound1))
	call := &model.Call{CounterpartyID: acme.ID, RunID: run.ID, Round: 1}
	require.NoError(t, fs.CreateCall(ctx, call))

	// The handle lands after the signal's first lookup; the retry finds it.
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = fs.MarkCallInProgress(ctx, call.ID, "vb-race")
	}()

	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal("vb-race", "5.00")))

	got, err := fs.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, got.Status)
	offers, err := fs.ListOffers(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestCompletionSignalUnknownHandleDropped(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, Config{LookupRetryDelay: 5 * time.Millisecond})

	require.NoError(t, eng.HandleCallCompletion(context.Background(), model.CallCompletion{
		Handle:  "vb-never-existed",
		Outcome: "done",
	}))

	err := eng.HandleCallCompletion(context.Background(), model.CallCompletion{Outcome: "done"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing handle")
}

func TestConfirmationEmailFailureStillCompletes(t *testing.T) {
	ctx := context.Background()
	eng, fs, _, fm := newTestEngine(t, Config{})
	fm.err = fmt.Errorf("smtp relay down")
	run := seedRun(t, fs, model.Counterparty{Name: "Acme", Phone: "+15550000001", Email: "sales@acme.example"})
	acme := counterpartyByName(t, fs, run.ID, "Acme")

	require.NoError(t, eng.StartRun(ctx, run.ID))
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, acme.ID, 1), "5.25")))
	require.NoError(t, eng.HandleCallCompletion(ctx, model.CallCompletion{
		Handle:  openHandleFor(t, fs, run.ID, acme.ID, 3),
		Outcome: "done",
	}))

	// The email is a hand-off, not a gate.
	assert.Equal(t, model.RunStatusComplete, fs.runStatus(run.ID))
	assert.Empty(t, fm.recipients)
}

func TestWinnerWithoutEmailCompletes(t *testing.T) {
	ctx := context.Background()
	eng, fs, _, fm := newTestEngine(t, Config{})
	run := seedRun(t, fs, model.Counterparty{Name: "Phone Only", Phone: "+15550000001"})
	cp := counterpartyByName(t, fs, run.ID, "Phone Only")

	require.NoError(t, eng.StartRun(ctx, run.ID))
	require.NoError(t, eng.HandleCallCompletion(ctx, doneSignal(openHandleFor(t, fs, run.ID, cp.ID, 1), "5.25")))
	require.NoError(t, eng.HandleCallCompletion(ctx, model.CallCompletion{
		Handle:  openHandleFor(t, fs, run.ID, cp.ID, 3),
		Outcome: "done",
	}))

	assert.Equal(t, model.RunStatusComplete, fs.runStatus(run.ID))
	assert.Empty(t, fm.recipients)
}

func TestReplyFromUnknownSenderIgnored(t *testing.T) {
	ctx := context.Background()
	eng, fs, _, _ := newTestEngine(t, Config{})
	run := seedRun(t, fs, model.Counterparty{Name: "Acme", Phone: "+15550000001", Email: "sales@acme.example"})
	acme := counterpartyByName(t, fs, run.ID, "Acme")

	require.NoError(t, fs.UpdateRunStatus(ctx, run.ID, model.RunStatusAwaitingInvoice))
	require.NoError(t, fs.UpdateRunResult(ctx, run.ID, &model.RunResult{
		WinnerCounterpartyID: acme.ID,
		WinnerName:           "Acme",
		FinalUnitPrice:       4.10,
	}))

	require.NoError(t, eng.HandleReplyReceived(ctx, "random@spammer.example"))
	assert.Equal(t, model.RunStatusAwaitingInvoice, fs.runStatus(run.ID))

	err := eng.HandleReplyReceived(ctx, "")
	require.Error(t, err)
}
