package store

import (
	"context"
	"time"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       model.RunStatus `json:"status,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the negotiation campaign.
// All mutation goes through narrow single-purpose writes; the only
// read-modify-write style operation is CASRunStatus, which is what keeps
// concurrent webhook delivery safe without explicit locking.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, requestText string, spec model.RequestSpec) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	// CASRunStatus advances the run only if its current status equals from.
	// It returns false when zero rows were affected, meaning another
	// concurrent processor already advanced the run.
	CASRunStatus(ctx context.Context, runID string, from, to model.RunStatus) (bool, error)
	UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error
	FailRun(ctx context.Context, runID string, runErr model.RunError) error

	// Counterparties
	CreateCounterparties(ctx context.Context, cps []model.Counterparty) error
	GetCounterparty(ctx context.Context, id string) (*model.Counterparty, error)
	ListCounterparties(ctx context.Context, runID string) ([]model.Counterparty, error)

	// Offers (append-only)
	// CreateOffer returns false without error when an offer already exists
	// for the same call, which makes replayed completion signals harmless.
	CreateOffer(ctx context.Context, o *model.Offer) (bool, error)
	ListOffers(ctx context.Context, runID string) ([]model.Offer, error)

	// Calls
	CreateCall(ctx context.Context, c *model.Call) error
	GetCall(ctx context.Context, id string) (*model.Call, error)
	// GetCallByHandle returns (nil, nil) when no call carries the handle.
	GetCallByHandle(ctx context.Context, handle string) (*model.Call, error)
	// MarkCallInProgress records the provider handle on a still-pending call.
	// It returns false when the call is no longer pending, which happens when
	// the watchdog failed it while the provider was holding the submission.
	MarkCallInProgress(ctx context.Context, callID, handle string) (bool, error)
	// FinishCall moves a call to a terminal status. It returns false when the
	// call was already terminal, so duplicate signals never overwrite the
	// first outcome.
	FinishCall(ctx context.Context, callID string, status model.CallStatus, transcript []model.TranscriptTurn, durationSeconds float64) (bool, error)
	CountOpenCalls(ctx context.Context, runID string, round int) (int, error)
	ListCalls(ctx context.Context, runID string, round int) ([]model.Call, error)
	CountCallAttempts(ctx context.Context, runID, counterpartyID string, round int) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
