package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "sourcing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedRun(t *testing.T, s *SQLiteStore) *model.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), "need 500 anodized brackets", model.RequestSpec{
		Item:     "anodized brackets",
		Quantity: 500,
		Unit:     "units",
	})
	require.NoError(t, err)
	return run
}

func seedCounterparty(t *testing.T, s *SQLiteStore, runID string) model.Counterparty {
	t.Helper()
	cps := []model.Counterparty{{RunID: runID, Name: "Acme Metalworks", Phone: "+15550100"}}
	require.NoError(t, s.CreateCounterparties(context.Background(), cps))
	return cps[0]
}

func TestSQLiteStore_RunLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	run := seedRun(t, s)
	assert.Equal(t, model.RunStatusPending, run.Status)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "anodized brackets", got.Spec.Item)
	assert.Equal(t, 500, got.Spec.Quantity)

	require.NoError(t, s.UpdateRunStatus(ctx, run.ID, model.RunStatusRunning))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestSQLiteStore_CASRunStatus(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	won, err := s.CASRunStatus(ctx, run.ID, model.RunStatusPending, model.RunStatusRunning)
	require.NoError(t, err)
	assert.True(t, won)

	// Second CAS from the same expected state loses: the run already moved.
	won, err = s.CASRunStatus(ctx, run.ID, model.RunStatusPending, model.RunStatusRunning)
	require.NoError(t, err)
	assert.False(t, won)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
}

func TestSQLiteStore_FailRun_GuardsTerminal(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.FailRun(ctx, run.ID, model.RunError{
		Category: model.ErrorCategoryTransient,
		Message:  "provider unavailable",
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrorCategoryTransient, got.Error.Category)

	// Failing an already-failed run is rejected.
	err = s.FailRun(ctx, run.ID, model.RunError{Category: model.ErrorCategoryPermanent, Message: "x"})
	require.Error(t, err)
}

func TestSQLiteStore_OfferDedupByCall(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	cp := seedCounterparty(t, s, run.ID)

	call := &model.Call{CounterpartyID: cp.ID, RunID: run.ID, Round: model.RoundInitialQuote}
	require.NoError(t, s.CreateCall(ctx, call))

	offer := &model.Offer{
		CounterpartyID: cp.ID,
		RunID:          run.ID,
		CallID:         call.ID,
		UnitPrice:      12.50,
		Round:          model.RoundInitialQuote,
		Source:         "call",
	}
	inserted, err := s.CreateOffer(ctx, offer)
	require.NoError(t, err)
	assert.True(t, inserted)

	// A replayed completion signal produces the same call-scoped offer; the
	// unique index drops it.
	dup := *offer
	dup.ID = ""
	inserted, err = s.CreateOffer(ctx, &dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	offers, err := s.ListOffers(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 1)
}

func TestSQLiteStore_OffersWithoutCallNotDeduped(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	cp := seedCounterparty(t, s, run.ID)

	for i := 0; i < 2; i++ {
		inserted, err := s.CreateOffer(ctx, &model.Offer{
			CounterpartyID: cp.ID,
			RunID:          run.ID,
			UnitPrice:      10.0 + float64(i),
			Round:          model.RoundInitialQuote,
			Source:         "email",
		})
		require.NoError(t, err)
		assert.True(t, inserted)
	}

	offers, err := s.ListOffers(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, offers, 2)
}

func TestSQLiteStore_CallLifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	cp := seedCounterparty(t, s, run.ID)

	call := &model.Call{CounterpartyID: cp.ID, RunID: run.ID, Round: model.RoundInitialQuote}
	require.NoError(t, s.CreateCall(ctx, call))

	open, err := s.CountOpenCalls(ctx, run.ID, model.RoundInitialQuote)
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	applied, err := s.MarkCallInProgress(ctx, call.ID, "vb-abc")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetCallByHandle(ctx, "vb-abc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, call.ID, got.ID)
	assert.Equal(t, model.CallStatusInProgress, got.Status)

	transcript := []model.TranscriptTurn{
		{Speaker: "agent", Text: "Calling about a quote for anodized brackets."},
		{Speaker: "counterparty", Text: "We can do twelve fifty a unit."},
	}
	applied, err = s.FinishCall(ctx, call.ID, model.CallStatusCompleted, transcript, 84.2)
	require.NoError(t, err)
	assert.True(t, applied)

	// Duplicate completion signal is dropped.
	applied, err = s.FinishCall(ctx, call.ID, model.CallStatusFailed, nil, 0)
	require.NoError(t, err)
	assert.False(t, applied)

	got, err = s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, got.Status)
	assert.Len(t, got.Transcript, 2)
	assert.InDelta(t, 84.2, got.DurationSeconds, 0.001)

	open, err = s.CountOpenCalls(ctx, run.ID, model.RoundInitialQuote)
	require.NoError(t, err)
	assert.Equal(t, 0, open)

	// A late provider submission cannot reopen a terminal call.
	applied, err = s.MarkCallInProgress(ctx, call.ID, "vb-late")
	require.NoError(t, err)
	assert.False(t, applied)
	got, err = s.GetCall(ctx, call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusCompleted, got.Status)
	assert.Equal(t, "vb-abc", got.ProviderHandle)
}

func TestSQLiteStore_GetCallByHandle_Missing(t *testing.T) {
	s := newTestSQLiteStore(t)

	call, err := s.GetCallByHandle(context.Background(), "vb-unknown")
	require.NoError(t, err)
	assert.Nil(t, call)
}

func TestSQLiteStore_CountCallAttempts(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()
	run := seedRun(t, s)
	cp := seedCounterparty(t, s, run.ID)

	first := &model.Call{CounterpartyID: cp.ID, RunID: run.ID, Round: model.RoundNegotiation}
	require.NoError(t, s.CreateCall(ctx, first))
	retry := &model.Call{CounterpartyID: cp.ID, RunID: run.ID, Round: model.RoundNegotiation, Retry: true}
	require.NoError(t, s.CreateCall(ctx, retry))

	attempts, err := s.CountCallAttempts(ctx, run.ID, cp.ID, model.RoundNegotiation)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestSQLiteStore_ListRuns_Filter(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	a := seedRun(t, s)
	seedRun(t, s)
	require.NoError(t, s.UpdateRunStatus(ctx, a.ID, model.RunStatusComplete))

	runs, err := s.ListRuns(ctx, RunFilter{Status: model.RunStatusComplete})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, a.ID, runs[0].ID)

	runs, err = s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
