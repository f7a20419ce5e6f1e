package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/store"
	"github.com/sells-group/sourcing-cli/pkg/voice"
)

// fakeStore is an in-memory store.Store with the same concurrency semantics
// as the SQL backends: CAS on run status, first-terminal-wins on calls, and
// per-call offer dedup.
type fakeStore struct {
	mu     sync.Mutex
	seq    int
	runs   map[string]*model.Run
	cps    []model.Counterparty
	offers []model.Offer
	calls  []*model.Call

	listCounterpartiesErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{runs: make(map[string]*model.Run)}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) CreateRun(_ context.Context, requestText string, spec model.RequestSpec) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run := &model.Run{
		ID:          f.nextID("run"),
		RequestText: requestText,
		Spec:        spec,
		Status:      model.RunStatusPending,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	f.runs[run.ID] = run
	return cloneRun(run), nil
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return nil, eris.Errorf("run not found: %s", runID)
	}
	return cloneRun(run), nil
}

func (f *fakeStore) ListRuns(_ context.Context, filter store.RunFilter) ([]model.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Run
	for _, run := range f.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		out = append(out, *cloneRun(run))
	}
	return out, nil
}

func (f *fakeStore) UpdateRunStatus(_ context.Context, runID string, status model.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return eris.Errorf("run not found: %s", runID)
	}
	run.Status = status
	return nil
}

func (f *fakeStore) CASRunStatus(_ context.Context, runID string, from, to model.RunStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return false, eris.Errorf("run not found: %s", runID)
	}
	if run.Status != from {
		return false, nil
	}
	run.Status = to
	return true, nil
}

func (f *fakeStore) UpdateRunResult(_ context.Context, runID string, result *model.RunResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return eris.Errorf("run not found: %s", runID)
	}
	run.Result = result
	return nil
}

func (f *fakeStore) FailRun(_ context.Context, runID string, runErr model.RunError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return eris.Errorf("run not found: %s", runID)
	}
	if run.Status.Terminal() {
		return eris.Errorf("run already terminal: %s", runID)
	}
	run.Status = model.RunStatusFailed
	run.Error = &runErr
	return nil
}

func (f *fakeStore) CreateCounterparties(_ context.Context, cps []model.Counterparty) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range cps {
		if cps[i].ID == "" {
			cps[i].ID = f.nextID("cp")
		}
		f.cps = append(f.cps, cps[i])
	}
	return nil
}

func (f *fakeStore) GetCounterparty(_ context.Context, id string) (*model.Counterparty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cp := range f.cps {
		if cp.ID == id {
			cp := cp
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListCounterparties(_ context.Context, runID string) ([]model.Counterparty, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listCounterpartiesErr != nil {
		return nil, f.listCounterpartiesErr
	}
	var out []model.Counterparty
	for _, cp := range f.cps {
		if cp.RunID == runID {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateOffer(_ context.Context, o *model.Offer) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o.CallID != "" {
		for _, existing := range f.offers {
			if existing.CallID == o.CallID {
				return false, nil
			}
		}
	}
	if o.ID == "" {
		o.ID = f.nextID("offer")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	f.offers = append(f.offers, *o)
	return true, nil
}

func (f *fakeStore) ListOffers(_ context.Context, runID string) ([]model.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Offer
	for _, o := range f.offers {
		if o.RunID == runID {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateCall(_ context.Context, c *model.Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = f.nextID("call")
	}
	if c.Status == "" {
		c.Status = model.CallStatusPending
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	clone := *c
	f.calls = append(f.calls, &clone)
	return nil
}

func (f *fakeStore) GetCall(_ context.Context, id string) (*model.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.ID == id {
			clone := *c
			return &clone, nil
		}
	}
	return nil, eris.Errorf("call not found: %s", id)
}

func (f *fakeStore) GetCallByHandle(_ context.Context, handle string) (*model.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.ProviderHandle == handle {
			clone := *c
			return &clone, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) MarkCallInProgress(_ context.Context, callID, handle string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.ID == callID {
			if c.Status != model.CallStatusPending {
				return false, nil
			}
			c.Status = model.CallStatusInProgress
			c.ProviderHandle = handle
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) FinishCall(_ context.Context, callID string, status model.CallStatus, transcript []model.TranscriptTurn, durationSeconds float64) (bool, error) {
	if !status.Terminal() {
		return false, eris.Errorf("not a terminal status: %s", status)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c.ID != callID {
			continue
		}
		if c.Status.Terminal() {
			return false, nil
		}
		c.Status = status
		c.Transcript = transcript
		c.DurationSeconds = durationSeconds
		return true, nil
	}
	return false, eris.Errorf("call not found: %s", callID)
}

func (f *fakeStore) CountOpenCalls(_ context.Context, runID string, round int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.calls {
		if c.RunID == runID && c.Round == round && !c.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListCalls(_ context.Context, runID string, round int) ([]model.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Call
	for _, c := range f.calls {
		if c.RunID == runID && c.Round == round {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeStore) CountCallAttempts(_ context.Context, runID, counterpartyID string, round int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int
	for _, c := range f.calls {
		if c.RunID == runID && c.CounterpartyID == counterpartyID && c.Round == round {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Migrate(context.Context) error { return nil }
func (f *fakeStore) Close() error                  { return nil }

func (f *fakeStore) callsForRound(runID string, round int) []model.Call {
	out, _ := f.ListCalls(context.Background(), runID, round)
	return out
}

func (f *fakeStore) runStatus(runID string) model.RunStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runID].Status
}

func cloneRun(r *model.Run) *model.Run {
	clone := *r
	return &clone
}

// fakeVoice issues sequential handles by default; per-phone behavior can be
// overridden to reject or error.
type fakeVoice struct {
	mu       sync.Mutex
	seq      int
	submits  []voice.SubmitRequest
	rejected map[string]bool        // phone → immediate rejection (empty handle)
	erroring map[string]error       // phone → submission error
	holds    map[string]*submitHold // phone → block the next submission
}

// submitHold parks one submission inside the provider: entered closes when
// Submit reaches the hold, and Submit returns only after release closes.
type submitHold struct {
	entered chan struct{}
	release chan struct{}
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{
		rejected: make(map[string]bool),
		erroring: make(map[string]error),
		holds:    make(map[string]*submitHold),
	}
}

// holdNextSubmit makes the next Submit for phone block until released.
// Later submissions for the same phone pass straight through.
func (v *fakeVoice) holdNextSubmit(phone string) *submitHold {
	h := &submitHold{entered: make(chan struct{}), release: make(chan struct{})}
	v.mu.Lock()
	v.holds[phone] = h
	v.mu.Unlock()
	return h
}

func (v *fakeVoice) Submit(_ context.Context, req voice.SubmitRequest) (string, error) {
	v.mu.Lock()
	v.submits = append(v.submits, req)
	if err := v.erroring[req.Phone]; err != nil {
		v.mu.Unlock()
		return "", err
	}
	if v.rejected[req.Phone] {
		v.mu.Unlock()
		return "", nil
	}
	hold := v.holds[req.Phone]
	delete(v.holds, req.Phone)
	v.seq++
	handle := fmt.Sprintf("vb-%d", v.seq)
	v.mu.Unlock()

	if hold != nil {
		close(hold.entered)
		<-hold.release
	}
	return handle, nil
}

func (v *fakeVoice) submitted() []voice.SubmitRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]voice.SubmitRequest(nil), v.submits...)
}

// fakeMailer records sends.
type fakeMailer struct {
	mu         sync.Mutex
	seq        int
	recipients []string
	terms      []model.ConfirmationTerms
	err        error
}

func (m *fakeMailer) Send(_ context.Context, recipient string, terms model.ConfirmationTerms) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.seq++
	m.recipients = append(m.recipients, recipient)
	m.terms = append(m.terms, terms)
	return fmt.Sprintf("msg-%d", m.seq), nil
}
