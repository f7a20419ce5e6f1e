package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_text TEXT NOT NULL,
	spec         JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	result       JSONB,
	error        JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS counterparties (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	url        TEXT,
	phone      TEXT,
	email      TEXT,
	source     TEXT,
	metadata   JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS offers (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	counterparty_id TEXT NOT NULL REFERENCES counterparties(id),
	run_id          TEXT NOT NULL REFERENCES runs(id),
	call_id         TEXT,
	unit_price      DOUBLE PRECISION NOT NULL,
	min_quantity    INTEGER NOT NULL DEFAULT 0,
	lead_time_days  INTEGER NOT NULL DEFAULT 0,
	shipping_terms  TEXT,
	payment_terms   TEXT,
	confidence      DOUBLE PRECISION NOT NULL DEFAULT 0,
	round           INTEGER NOT NULL,
	source          TEXT NOT NULL,
	evidence        TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS calls (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	counterparty_id  TEXT NOT NULL REFERENCES counterparties(id),
	run_id           TEXT NOT NULL REFERENCES runs(id),
	round            INTEGER NOT NULL,
	provider_handle  TEXT,
	transcript       JSONB,
	status           TEXT NOT NULL DEFAULT 'pending',
	duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	retry            BOOLEAN NOT NULL DEFAULT false,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_counterparties_run_id ON counterparties(run_id);
CREATE INDEX IF NOT EXISTS idx_offers_run_id ON offers(run_id);
CREATE INDEX IF NOT EXISTS idx_offers_counterparty_id ON offers(counterparty_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_call_id ON offers(call_id) WHERE call_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_calls_run_round ON calls(run_id, round);
CREATE INDEX IF NOT EXISTS idx_calls_provider_handle ON calls(provider_handle);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, requestText string, spec model.RequestSpec) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal spec")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, request_text, spec, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, requestText, specJSON, string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:          id,
		RequestText: requestText,
		Spec:        spec,
		Status:      model.RunStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	var r model.Run
	var specJSON []byte
	var resultJSON, errJSON *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, request_text, spec, status, result, error, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	).Scan(&r.ID, &r.RequestText, &specJSON, &r.Status, &resultJSON, &errJSON, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}

	if err := json.Unmarshal(specJSON, &r.Spec); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal spec")
	}
	if resultJSON != nil {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal result")
		}
	}
	if errJSON != nil {
		r.Error = &model.RunError{}
		if err := json.Unmarshal(*errJSON, r.Error); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal error")
		}
	}
	return &r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, request_text, spec, status, result, error, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		var specJSON []byte
		var resultJSON, errJSON *[]byte

		if err := rows.Scan(&r.ID, &r.RequestText, &specJSON, &r.Status, &resultJSON, &errJSON, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if err := json.Unmarshal(specJSON, &r.Spec); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal spec")
		}
		if resultJSON != nil {
			r.Result = &model.RunResult{}
			if err := json.Unmarshal(*resultJSON, r.Result); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal result")
			}
		}
		if errJSON != nil {
			r.Error = &model.RunError{}
			if err := json.Unmarshal(*errJSON, r.Error); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal error")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) CASRunStatus(ctx context.Context, runID string, from, to model.RunStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), time.Now().UTC(), runID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cas run status %s", runID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET result = $1, updated_at = $2 WHERE id = $3`,
		resultJSON, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run result %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) FailRun(ctx context.Context, runID string, runErr model.RunError) error {
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run error")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, updated_at = $3 WHERE id = $4 AND status NOT IN ($5, $6)`,
		string(model.RunStatusFailed), errJSON, time.Now().UTC(), runID,
		string(model.RunStatusComplete), string(model.RunStatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("run not found or already terminal: %s", runID)
	}
	return nil
}

// --- Counterparties ---

func (s *PostgresStore) CreateCounterparties(ctx context.Context, cps []model.Counterparty) error {
	if len(cps) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(cps))
	for i := range cps {
		if cps[i].ID == "" {
			cps[i].ID = uuid.New().String()
		}
		if cps[i].CreatedAt.IsZero() {
			cps[i].CreatedAt = now
		}
		metaJSON, err := json.Marshal(cps[i].Metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal counterparty metadata")
		}
		rows = append(rows, []any{
			cps[i].ID, cps[i].RunID, cps[i].Name, cps[i].URL, cps[i].Phone,
			cps[i].Email, cps[i].Source, metaJSON, cps[i].CreatedAt,
		})
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"counterparties"},
		[]string{"id", "run_id", "name", "url", "phone", "email", "source", "metadata", "created_at"},
		pgx.CopyFromRows(rows),
	)
	return eris.Wrap(err, "postgres: copy counterparties")
}

func (s *PostgresStore) GetCounterparty(ctx context.Context, id string) (*model.Counterparty, error) {
	var cp model.Counterparty
	var metaJSON *[]byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, run_id, name, url, phone, email, source, metadata, created_at FROM counterparties WHERE id = $1`,
		id,
	).Scan(&cp.ID, &cp.RunID, &cp.Name, &cp.URL, &cp.Phone, &cp.Email, &cp.Source, &metaJSON, &cp.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get counterparty %s", id)
	}
	if metaJSON != nil {
		if err := json.Unmarshal(*metaJSON, &cp.Metadata); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal counterparty metadata")
		}
	}
	return &cp, nil
}

func (s *PostgresStore) ListCounterparties(ctx context.Context, runID string) ([]model.Counterparty, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, run_id, name, url, phone, email, source, metadata, created_at
		 FROM counterparties WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list counterparties")
	}
	defer rows.Close()

	var cps []model.Counterparty
	for rows.Next() {
		var cp model.Counterparty
		var metaJSON *[]byte
		if err := rows.Scan(&cp.ID, &cp.RunID, &cp.Name, &cp.URL, &cp.Phone, &cp.Email, &cp.Source, &metaJSON, &cp.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan counterparty")
		}
		if metaJSON != nil {
			if err := json.Unmarshal(*metaJSON, &cp.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal counterparty metadata")
			}
		}
		cps = append(cps, cp)
	}
	return cps, eris.Wrap(rows.Err(), "postgres: list counterparties iterate")
}

// --- Offers ---

func (s *PostgresStore) CreateOffer(ctx context.Context, o *model.Offer) (bool, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	var callID *string
	if o.CallID != "" {
		callID = &o.CallID
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO offers
		 (id, counterparty_id, run_id, call_id, unit_price, min_quantity, lead_time_days,
		  shipping_terms, payment_terms, confidence, round, source, evidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (call_id) WHERE call_id IS NOT NULL DO NOTHING`,
		o.ID, o.CounterpartyID, o.RunID, callID, o.UnitPrice, o.MinQuantity, o.LeadTimeDays,
		o.ShippingTerms, o.PaymentTerms, o.Confidence, o.Round, o.Source, o.Evidence, o.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: insert offer")
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ListOffers(ctx context.Context, runID string) ([]model.Offer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, counterparty_id, run_id, call_id, unit_price, min_quantity, lead_time_days,
		        shipping_terms, payment_terms, confidence, round, source, evidence, created_at
		 FROM offers WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list offers")
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		var o model.Offer
		var callID, shipping, payment, evidence *string
		if err := rows.Scan(&o.ID, &o.CounterpartyID, &o.RunID, &callID, &o.UnitPrice, &o.MinQuantity,
			&o.LeadTimeDays, &shipping, &payment, &o.Confidence, &o.Round, &o.Source, &evidence, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan offer")
		}
		if callID != nil {
			o.CallID = *callID
		}
		if shipping != nil {
			o.ShippingTerms = *shipping
		}
		if payment != nil {
			o.PaymentTerms = *payment
		}
		if evidence != nil {
			o.Evidence = *evidence
		}
		offers = append(offers, o)
	}
	return offers, eris.Wrap(rows.Err(), "postgres: list offers iterate")
}

// --- Calls ---

func (s *PostgresStore) CreateCall(ctx context.Context, c *model.Call) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = model.CallStatusPending
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO calls (id, counterparty_id, run_id, round, status, retry, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.CounterpartyID, c.RunID, c.Round, string(c.Status), c.Retry, c.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert call")
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (*model.Call, error) {
	row := s.pool.QueryRow(ctx, callSelect+` WHERE id = $1`, id)
	c, err := scanCall(row)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get call %s", id)
	}
	return c, nil
}

func (s *PostgresStore) GetCallByHandle(ctx context.Context, handle string) (*model.Call, error) {
	row := s.pool.QueryRow(ctx, callSelect+` WHERE provider_handle = $1`, handle)
	c, err := scanCall(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get call by handle %s", handle)
	}
	return c, nil
}

func (s *PostgresStore) MarkCallInProgress(ctx context.Context, callID, handle string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = $1, provider_handle = $2 WHERE id = $3 AND status = $4`,
		string(model.CallStatusInProgress), handle, callID, string(model.CallStatusPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: mark call in progress %s", callID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FinishCall(ctx context.Context, callID string, status model.CallStatus, transcript []model.TranscriptTurn, durationSeconds float64) (bool, error) {
	if !status.Terminal() {
		return false, eris.Errorf("finish call %s: %s is not a terminal status", callID, status)
	}

	var transcriptJSON []byte
	if transcript != nil {
		var err error
		transcriptJSON, err = json.Marshal(transcript)
		if err != nil {
			return false, eris.Wrap(err, "postgres: marshal transcript")
		}
	}

	// Guarded by the non-terminal predicate: once a call is terminal, later
	// updates (duplicate or corrected signals) are dropped.
	tag, err := s.pool.Exec(ctx,
		`UPDATE calls SET status = $1, transcript = $2, duration_seconds = $3
		 WHERE id = $4 AND status IN ($5, $6)`,
		string(status), transcriptJSON, durationSeconds, callID,
		string(model.CallStatusPending), string(model.CallStatusInProgress),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finish call %s", callID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CountOpenCalls(ctx context.Context, runID string, round int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM calls WHERE run_id = $1 AND round = $2 AND status NOT IN ($3, $4)`,
		runID, round, string(model.CallStatusCompleted), string(model.CallStatusFailed),
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count open calls")
}

func (s *PostgresStore) ListCalls(ctx context.Context, runID string, round int) ([]model.Call, error) {
	rows, err := s.pool.Query(ctx, callSelect+` WHERE run_id = $1 AND round = $2 ORDER BY created_at`, runID, round)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list calls")
	}
	defer rows.Close()

	var calls []model.Call
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan call")
		}
		calls = append(calls, *c)
	}
	return calls, eris.Wrap(rows.Err(), "postgres: list calls iterate")
}

func (s *PostgresStore) CountCallAttempts(ctx context.Context, runID, counterpartyID string, round int) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM calls WHERE run_id = $1 AND counterparty_id = $2 AND round = $3`,
		runID, counterpartyID, round,
	).Scan(&count)
	return count, eris.Wrap(err, "postgres: count call attempts")
}

// --- scan helpers ---

const callSelect = `SELECT id, counterparty_id, run_id, round, provider_handle, transcript, status, duration_seconds, retry, created_at FROM calls`

func scanCall(row pgx.Row) (*model.Call, error) {
	var c model.Call
	var handle *string
	var transcriptJSON *[]byte

	err := row.Scan(&c.ID, &c.CounterpartyID, &c.RunID, &c.Round, &handle, &transcriptJSON,
		&c.Status, &c.DurationSeconds, &c.Retry, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if handle != nil {
		c.ProviderHandle = *handle
	}
	if transcriptJSON != nil {
		if err := json.Unmarshal(*transcriptJSON, &c.Transcript); err != nil {
			return nil, eris.Wrap(err, "unmarshal transcript")
		}
	}
	return &c, nil
}
