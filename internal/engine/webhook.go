package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/memory"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/resilience"
	"github.com/sells-group/sourcing-cli/internal/store"
)

// errCallNotFound marks a handle lookup miss so the retry wrapper can tell
// it apart from infrastructure errors.
var errCallNotFound = eris.New("engine: no call for handle")

// HandleCallCompletion processes one completion or failure signal from the
// voice provider. Delivery is at-least-once and unordered: the first signal
// for a call wins, replays are dropped, and a handle that never resolves is
// logged and discarded rather than crashing the handler.
func (e *Engine) HandleCallCompletion(ctx context.Context, sig model.CallCompletion) error {
	if sig.Handle == "" {
		return eris.New("engine: completion signal missing handle")
	}

	// The signal can outrace the row insert; retry the lookup once after a
	// short delay before giving up on the handle.
	call, err := resilience.DoVal(ctx, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: e.cfg.LookupRetryDelay,
		JitterFraction: 0,
		ShouldRetry:    func(err error) bool { return errors.Is(err, errCallNotFound) },
	}, func(ctx context.Context) (*model.Call, error) {
		c, err := e.store.GetCallByHandle(ctx, sig.Handle)
		if err != nil {
			return nil, err
		}
		if c == nil {
			return nil, errCallNotFound
		}
		return c, nil
	})
	if errors.Is(err, errCallNotFound) {
		zap.L().Warn("dropping completion signal for unknown handle",
			zap.String("handle", sig.Handle),
			zap.String("outcome", sig.Outcome))
		return nil
	}
	if err != nil {
		return eris.Wrap(err, "engine: look up call by handle")
	}

	release := e.activate(call.RunID, "webhook")
	defer release()

	status := model.CallStatusFailed
	if sig.Succeeded() {
		status = model.CallStatusCompleted
	}
	applied, err := e.store.FinishCall(ctx, call.ID, status, sig.Transcript, sig.DurationSeconds)
	if err != nil {
		return eris.Wrap(err, "engine: finish call")
	}
	if !applied {
		// Replayed or corrected signal for an already-terminal call; the
		// first delivery won.
		zap.L().Debug("dropping duplicate completion signal",
			zap.String("call_id", call.ID),
			zap.String("handle", sig.Handle))
		return nil
	}

	e.publishEvent(call.RunID, "call", fmt.Sprintf("call %s round %d: %s", call.CounterpartyID, call.Round, sig.Outcome), map[string]any{
		"call_id":         call.ID,
		"counterparty_id": call.CounterpartyID,
		"round":           call.Round,
		"outcome":         sig.Outcome,
	})

	// Rounds 1-2 produce offers; round 3 is a confirmation, not a quote.
	if call.Round != model.RoundConfirmation && sig.Succeeded() && e.extractor != nil {
		e.recordOffer(ctx, call, sig)
	}

	return e.CheckRound(ctx, call.RunID, call.Round)
}

func (e *Engine) recordOffer(ctx context.Context, call *model.Call, sig model.CallCompletion) {
	offer := e.extractor.Extract(ctx, call, sig)
	if offer == nil {
		zap.L().Info("no priced offer in transcript",
			zap.String("call_id", call.ID),
			zap.String("run_id", call.RunID))
		return
	}

	inserted, err := e.store.CreateOffer(ctx, offer)
	if err != nil {
		zap.L().Error("create offer failed", zap.String("call_id", call.ID), zap.Error(err))
		return
	}
	if !inserted {
		// An offer for this call already exists; replayed extraction.
		return
	}

	name := e.counterpartyName(ctx, call.CounterpartyID)
	e.remember(ctx, fmt.Sprintf("%s quoted $%.2f per unit in round %d", name, offer.UnitPrice, call.Round),
		memory.Tags{RunID: call.RunID, CounterpartyID: call.CounterpartyID, Channel: "call"})
	e.publishEvent(call.RunID, "offer", fmt.Sprintf("%s offered $%.2f", name, offer.UnitPrice), map[string]any{
		"counterparty_id": call.CounterpartyID,
		"unit_price":      offer.UnitPrice,
		"round":           offer.Round,
	})
}

// HandleReplyReceived processes an email-reply signal from the notification
// collaborator, correlated by sender address. A matching run in
// awaiting_invoice moves to invoice_received and then complete.
func (e *Engine) HandleReplyReceived(ctx context.Context, sender string) error {
	if sender == "" {
		return eris.New("engine: reply signal missing sender")
	}

	runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: model.RunStatusAwaitingInvoice})
	if err != nil {
		return eris.Wrap(err, "engine: list runs awaiting invoice")
	}

	for _, run := range runs {
		if run.Result == nil || run.Result.WinnerCounterpartyID == "" {
			continue
		}
		cp, err := e.store.GetCounterparty(ctx, run.Result.WinnerCounterpartyID)
		if err != nil {
			return eris.Wrap(err, "engine: load winner for reply")
		}
		if cp == nil || !strings.EqualFold(cp.Email, sender) {
			continue
		}

		won, err := e.store.CASRunStatus(ctx, run.ID, model.RunStatusAwaitingInvoice, model.RunStatusInvoiceReceived)
		if err != nil {
			return eris.Wrap(err, "engine: record invoice")
		}
		if !won {
			continue
		}
		e.publishStage(run.ID, model.RunStatusInvoiceReceived, "invoice received from "+cp.Name)
		e.remember(ctx, "Invoice received from "+cp.Name,
			memory.Tags{RunID: run.ID, CounterpartyID: cp.ID, Channel: "email"})

		won, err = e.store.CASRunStatus(ctx, run.ID, model.RunStatusInvoiceReceived, model.RunStatusComplete)
		if err != nil {
			return eris.Wrap(err, "engine: complete after invoice")
		}
		if won {
			e.publishStage(run.ID, model.RunStatusComplete, "run complete")
		}
	}
	return nil
}
