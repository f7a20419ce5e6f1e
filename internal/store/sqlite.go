package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It mirrors the
// Postgres semantics, including the compare-and-swap status update.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	request_text TEXT NOT NULL,
	spec         TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	result       TEXT,
	error        TEXT,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS counterparties (
	id         TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL REFERENCES runs(id),
	name       TEXT NOT NULL,
	url        TEXT,
	phone      TEXT,
	email      TEXT,
	source     TEXT,
	metadata   TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS offers (
	id              TEXT PRIMARY KEY,
	counterparty_id TEXT NOT NULL REFERENCES counterparties(id),
	run_id          TEXT NOT NULL REFERENCES runs(id),
	call_id         TEXT,
	unit_price      REAL NOT NULL,
	min_quantity    INTEGER NOT NULL DEFAULT 0,
	lead_time_days  INTEGER NOT NULL DEFAULT 0,
	shipping_terms  TEXT,
	payment_terms   TEXT,
	confidence      REAL NOT NULL DEFAULT 0,
	round           INTEGER NOT NULL,
	source          TEXT NOT NULL,
	evidence        TEXT,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS calls (
	id               TEXT PRIMARY KEY,
	counterparty_id  TEXT NOT NULL REFERENCES counterparties(id),
	run_id           TEXT NOT NULL REFERENCES runs(id),
	round            INTEGER NOT NULL,
	provider_handle  TEXT,
	transcript       TEXT,
	status           TEXT NOT NULL DEFAULT 'pending',
	duration_seconds REAL NOT NULL DEFAULT 0,
	retry            INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_counterparties_run_id ON counterparties(run_id);
CREATE INDEX IF NOT EXISTS idx_offers_run_id ON offers(run_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_offers_call_id ON offers(call_id) WHERE call_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_calls_run_round ON calls(run_id, round);
CREATE INDEX IF NOT EXISTS idx_calls_provider_handle ON calls(provider_handle);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Runs ---

func (s *SQLiteStore) CreateRun(ctx context.Context, requestText string, spec model.RequestSpec) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal spec")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, request_text, spec, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, requestText, string(specJSON), string(model.RunStatusPending), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
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

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, request_text, spec, status, result, error, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanSQLiteRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, request_text, spec, status, result, error, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CASRunStatus(ctx context.Context, runID string, from, to model.RunStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC(), runID, string(from),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cas run status %s", runID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) UpdateRunResult(ctx context.Context, runID string, result *model.RunResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET result = ?, updated_at = ? WHERE id = ?`,
		string(resultJSON), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run result %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) FailRun(ctx context.Context, runID string, runErr model.RunError) error {
	errJSON, err := json.Marshal(runErr)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run error")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?)`,
		string(model.RunStatusFailed), string(errJSON), time.Now().UTC(), runID,
		string(model.RunStatusComplete), string(model.RunStatusFailed),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

// --- Counterparties ---

func (s *SQLiteStore) CreateCounterparties(ctx context.Context, cps []model.Counterparty) error {
	if len(cps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for i := range cps {
		if cps[i].ID == "" {
			cps[i].ID = uuid.New().String()
		}
		if cps[i].CreatedAt.IsZero() {
			cps[i].CreatedAt = now
		}
		metaJSON, err := json.Marshal(cps[i].Metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal counterparty metadata")
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO counterparties (id, run_id, name, url, phone, email, source, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cps[i].ID, cps[i].RunID, cps[i].Name, cps[i].URL, cps[i].Phone,
			cps[i].Email, cps[i].Source, string(metaJSON), cps[i].CreatedAt,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert counterparty")
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit counterparties")
}

func (s *SQLiteStore) GetCounterparty(ctx context.Context, id string) (*model.Counterparty, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, name, url, phone, email, source, metadata, created_at FROM counterparties WHERE id = ?`,
		id,
	)
	cp, err := scanSQLiteCounterparty(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get counterparty %s", id)
	}
	return cp, nil
}

func (s *SQLiteStore) ListCounterparties(ctx context.Context, runID string) ([]model.Counterparty, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, url, phone, email, source, metadata, created_at
		 FROM counterparties WHERE run_id = ? ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list counterparties")
	}
	defer rows.Close()

	var cps []model.Counterparty
	for rows.Next() {
		cp, err := scanSQLiteCounterparty(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan counterparty")
		}
		cps = append(cps, *cp)
	}
	return cps, eris.Wrap(rows.Err(), "sqlite: list counterparties iterate")
}

// --- Offers ---

func (s *SQLiteStore) CreateOffer(ctx context.Context, o *model.Offer) (bool, error) {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	var callID any
	if o.CallID != "" {
		callID = o.CallID
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO offers
		 (id, counterparty_id, run_id, call_id, unit_price, min_quantity, lead_time_days,
		  shipping_terms, payment_terms, confidence, round, source, evidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.CounterpartyID, o.RunID, callID, o.UnitPrice, o.MinQuantity, o.LeadTimeDays,
		o.ShippingTerms, o.PaymentTerms, o.Confidence, o.Round, o.Source, o.Evidence, o.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: insert offer")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ListOffers(ctx context.Context, runID string) ([]model.Offer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, counterparty_id, run_id, call_id, unit_price, min_quantity, lead_time_days,
		        shipping_terms, payment_terms, confidence, round, source, evidence, created_at
		 FROM offers WHERE run_id = ? ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list offers")
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		var o model.Offer
		var callID, shipping, payment, evidence sql.NullString
		if err := rows.Scan(&o.ID, &o.CounterpartyID, &o.RunID, &callID, &o.UnitPrice, &o.MinQuantity,
			&o.LeadTimeDays, &shipping, &payment, &o.Confidence, &o.Round, &o.Source, &evidence, &o.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan offer")
		}
		o.CallID = callID.String
		o.ShippingTerms = shipping.String
		o.PaymentTerms = payment.String
		o.Evidence = evidence.String
		offers = append(offers, o)
	}
	return offers, eris.Wrap(rows.Err(), "sqlite: list offers iterate")
}

// --- Calls ---

func (s *SQLiteStore) CreateCall(ctx context.Context, c *model.Call) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = model.CallStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, counterparty_id, run_id, round, status, retry, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CounterpartyID, c.RunID, c.Round, string(c.Status), c.Retry, c.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert call")
}

const sqliteCallSelect = `SELECT id, counterparty_id, run_id, round, provider_handle, transcript, status, duration_seconds, retry, created_at FROM calls`

func (s *SQLiteStore) GetCall(ctx context.Context, id string) (*model.Call, error) {
	row := s.db.QueryRowContext(ctx, sqliteCallSelect+` WHERE id = ?`, id)
	c, err := scanSQLiteCall(row)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get call %s", id)
	}
	return c, nil
}

func (s *SQLiteStore) GetCallByHandle(ctx context.Context, handle string) (*model.Call, error) {
	row := s.db.QueryRowContext(ctx, sqliteCallSelect+` WHERE provider_handle = ?`, handle)
	c, err := scanSQLiteCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get call by handle %s", handle)
	}
	return c, nil
}

func (s *SQLiteStore) MarkCallInProgress(ctx context.Context, callID, handle string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, provider_handle = ? WHERE id = ? AND status = ?`,
		string(model.CallStatusInProgress), handle, callID, string(model.CallStatusPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark call in progress %s", callID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark call in progress %s", callID)
	}
	return n == 1, nil
}

func (s *SQLiteStore) FinishCall(ctx context.Context, callID string, status model.CallStatus, transcript []model.TranscriptTurn, durationSeconds float64) (bool, error) {
	if !status.Terminal() {
		return false, eris.Errorf("finish call %s: %s is not a terminal status", callID, status)
	}

	var transcriptJSON any
	if transcript != nil {
		b, err := json.Marshal(transcript)
		if err != nil {
			return false, eris.Wrap(err, "sqlite: marshal transcript")
		}
		transcriptJSON = string(b)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, transcript = ?, duration_seconds = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), transcriptJSON, durationSeconds, callID,
		string(model.CallStatusPending), string(model.CallStatusInProgress),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: finish call %s", callID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) CountOpenCalls(ctx context.Context, runID string, round int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE run_id = ? AND round = ? AND status NOT IN (?, ?)`,
		runID, round, string(model.CallStatusCompleted), string(model.CallStatusFailed),
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count open calls")
}

func (s *SQLiteStore) ListCalls(ctx context.Context, runID string, round int) ([]model.Call, error) {
	rows, err := s.db.QueryContext(ctx, sqliteCallSelect+` WHERE run_id = ? AND round = ? ORDER BY created_at`, runID, round)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list calls")
	}
	defer rows.Close()

	var calls []model.Call
	for rows.Next() {
		c, err := scanSQLiteCall(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan call")
		}
		calls = append(calls, *c)
	}
	return calls, eris.Wrap(rows.Err(), "sqlite: list calls iterate")
}

func (s *SQLiteStore) CountCallAttempts(ctx context.Context, runID, counterpartyID string, round int) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM calls WHERE run_id = ? AND counterparty_id = ? AND round = ?`,
		runID, counterpartyID, round,
	).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count call attempts")
}

// --- scan helpers ---

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.Run, error) {
	var r model.Run
	var specJSON string
	var resultJSON, errJSON sql.NullString

	err := row.Scan(&r.ID, &r.RequestText, &specJSON, &r.Status, &resultJSON, &errJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.New("run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}

	if err := json.Unmarshal([]byte(specJSON), &r.Spec); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal spec")
	}
	if resultJSON.Valid {
		r.Result = &model.RunResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), r.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal result")
		}
	}
	if errJSON.Valid {
		r.Error = &model.RunError{}
		if err := json.Unmarshal([]byte(errJSON.String), r.Error); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal error")
		}
	}
	return &r, nil
}

func scanSQLiteCounterparty(row scannable) (*model.Counterparty, error) {
	var cp model.Counterparty
	var url, phone, email, source, metaJSON sql.NullString

	err := row.Scan(&cp.ID, &cp.RunID, &cp.Name, &url, &phone, &email, &source, &metaJSON, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	cp.URL = url.String
	cp.Phone = phone.String
	cp.Email = email.String
	cp.Source = source.String
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		if err := json.Unmarshal([]byte(metaJSON.String), &cp.Metadata); err != nil {
			return nil, eris.Wrap(err, "unmarshal counterparty metadata")
		}
	}
	return &cp, nil
}

func scanSQLiteCall(row scannable) (*model.Call, error) {
	var c model.Call
	var handle, transcriptJSON sql.NullString

	err := row.Scan(&c.ID, &c.CounterpartyID, &c.RunID, &c.Round, &handle, &transcriptJSON,
		&c.Status, &c.DurationSeconds, &c.Retry, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.ProviderHandle = handle.String
	if transcriptJSON.Valid && transcriptJSON.String != "" {
		if err := json.Unmarshal([]byte(transcriptJSON.String), &c.Transcript); err != nil {
			return nil, eris.Wrap(err, "unmarshal transcript")
		}
	}
	return &c, nil
}
