package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/leads-cli/internal/model"
)

// SQLiteStore implements LeadStore using modernc.org/sqlite. Times are stored
// as unix milliseconds so they sort as integers.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
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
CREATE TABLE IF NOT EXISTS leads (
	id             TEXT PRIMARY KEY,
	region         TEXT NOT NULL DEFAULT '',
	zip            TEXT NOT NULL,
	price          REAL,
	stale          INTEGER NOT NULL DEFAULT 0,
	last_seen_at   INTEGER NOT NULL,
	last_merged_at INTEGER NOT NULL,
	data           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leads_zip ON leads(zip);
CREATE INDEX IF NOT EXISTS idx_leads_region_seen ON leads(region, last_seen_at);

CREATE TABLE IF NOT EXISTS lead_keys (
	key     TEXT PRIMARY KEY,
	lead_id TEXT NOT NULL REFERENCES leads(id)
);

CREATE INDEX IF NOT EXISTS idx_lead_keys_lead_id ON lead_keys(lead_id);

CREATE TABLE IF NOT EXISTS lead_scores (
	lead_id  TEXT NOT NULL REFERENCES leads(id),
	strategy TEXT NOT NULL,
	score    REAL NOT NULL,
	data     TEXT NOT NULL,
	PRIMARY KEY (lead_id, strategy)
);

CREATE INDEX IF NOT EXISTS idx_lead_scores_strategy_score ON lead_scores(strategy, score DESC);

CREATE TABLE IF NOT EXISTS lead_score_history (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	lead_id  TEXT NOT NULL REFERENCES leads(id),
	strategy TEXT NOT NULL,
	data     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_lead_score_history_lead ON lead_score_history(lead_id, strategy, id);

CREATE TABLE IF NOT EXISTS merge_conflicts (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_merge_conflicts_status ON merge_conflicts(status, created_at);

CREATE TABLE IF NOT EXISTS refresh_jobs (
	region      TEXT PRIMARY KEY,
	state       TEXT NOT NULL,
	run_id      TEXT,
	started_at  INTEGER,
	last_result TEXT
);

CREATE TABLE IF NOT EXISTS refresh_runs (
	run_id      TEXT PRIMARY KEY,
	region      TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	data        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_refresh_runs_region ON refresh_runs(region, started_at);

CREATE TABLE IF NOT EXISTS outbox_events (
	id         TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	lead_id    TEXT,
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outbox_events_status ON outbox_events(status, created_at, id);

CREATE TABLE IF NOT EXISTS webhooks (
	name    TEXT PRIMARY KEY,
	enabled INTEGER NOT NULL,
	data    TEXT NOT NULL
);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert implements LeadStore.
func (s *SQLiteStore) Upsert(ctx context.Context, lead *model.CanonicalLead) error {
	data, err := json.Marshal(lead)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal lead")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var prev *model.CanonicalLead
	var prevData string
	err = tx.QueryRowContext(ctx, `SELECT data FROM leads WHERE id = ?`, lead.ID).Scan(&prevData)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return eris.Wrap(err, "sqlite: read previous lead")
	default:
		prev = &model.CanonicalLead{}
		if err := json.Unmarshal([]byte(prevData), prev); err != nil {
			return eris.Wrap(err, "sqlite: unmarshal previous lead")
		}
	}
	for _, old := range supersededScores(prev, lead) {
		oldData, err := json.Marshal(old)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal score history")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lead_score_history (lead_id, strategy, data) VALUES (?, ?, ?)`,
			lead.ID, old.Strategy, string(oldData),
		); err != nil {
			return eris.Wrap(err, "sqlite: insert score history")
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO leads (id, region, zip, price, stale, last_seen_at, last_merged_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET region = excluded.region, zip = excluded.zip, price = excluded.price,
		 stale = excluded.stale, last_seen_at = excluded.last_seen_at,
		 last_merged_at = excluded.last_merged_at, data = excluded.data`,
		lead.ID, lead.Region, lead.Address.Zip, nullFloat(lead.Attributes.Price), lead.Stale,
		lead.LastSeenAt.UnixMilli(), lead.LastMergedAt.UnixMilli(), string(data),
	); err != nil {
		return eris.Wrap(err, "sqlite: upsert lead")
	}

	for _, name := range sortedScoreNames(lead.Scores) {
		sc := lead.Scores[name]
		scData, err := json.Marshal(sc)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal score")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO lead_scores (lead_id, strategy, score, data) VALUES (?, ?, ?, ?)
			 ON CONFLICT(lead_id, strategy) DO UPDATE SET score = excluded.score, data = excluded.data`,
			lead.ID, name, sc.Score, string(scData),
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert score %s", name)
		}
	}

	for _, k := range lead.Keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO lead_keys (key, lead_id) VALUES (?, ?)`, k, lead.ID,
		); err != nil {
			return eris.Wrap(err, "sqlite: insert lead key")
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// Get implements LeadStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.CanonicalLead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, stale, last_seen_at FROM leads WHERE id = ?`, id)
	lead, err := scanSQLiteLead(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get lead")
	}
	return lead, nil
}

// LookupKeys implements LeadStore.
func (s *SQLiteStore) LookupKeys(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	rows, err := s.db.QueryContext(ctx, `SELECT key, lead_id FROM lead_keys WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lookup keys")
	}
	defer rows.Close()
	for rows.Next() {
		var k, id string
		if err := rows.Scan(&k, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead key")
		}
		out[k] = id
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate lead keys")
}

// ListByZip implements LeadStore.
func (s *SQLiteStore) ListByZip(ctx context.Context, zip string) ([]*model.CanonicalLead, error) {
	return s.listLeads(ctx, `SELECT data, stale, last_seen_at FROM leads WHERE zip = ? ORDER BY id`, zip)
}

// ListByRegion implements LeadStore.
func (s *SQLiteStore) ListByRegion(ctx context.Context, region string) ([]*model.CanonicalLead, error) {
	return s.listLeads(ctx, `SELECT data, stale, last_seen_at FROM leads WHERE region = ? ORDER BY id`, region)
}

func (s *SQLiteStore) listLeads(ctx context.Context, query string, args ...any) ([]*model.CanonicalLead, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list leads")
	}
	defer rows.Close()
	var out []*model.CanonicalLead
	for rows.Next() {
		lead, err := scanSQLiteLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lead")
		}
		out = append(out, lead)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate leads")
}

// QueryTop implements LeadStore.
func (s *SQLiteStore) QueryTop(ctx context.Context, q TopQuery) ([]model.LeadSummary, error) {
	var maxPrice any
	if q.MaxPrice != nil {
		maxPrice = *q.MaxPrice
	}
	leads, err := s.listLeads(ctx,
		`SELECT l.data, l.stale, l.last_seen_at FROM lead_scores sc JOIN leads l ON l.id = sc.lead_id
		 WHERE sc.strategy = ? AND (? = '' OR l.region = ?) AND (? = '' OR l.zip = ?)
		 AND (? OR l.stale = 0) AND (? IS NULL OR l.price <= ?)
		 ORDER BY sc.score DESC, l.last_merged_at DESC, l.id ASC LIMIT ?`,
		q.Strategy, q.Region, q.Region, q.Zip, q.Zip, q.IncludeStale, maxPrice, maxPrice, ClampLimit(q.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query top leads")
	}
	out := make([]model.LeadSummary, 0, len(leads))
	for _, l := range leads {
		out = append(out, l.Summary(q.Strategy))
	}
	return out, nil
}

// Touch implements LeadStore.
func (s *SQLiteStore) Touch(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idArgs := make([]any, 0, len(ids))
	for _, id := range ids {
		idArgs = append(idArgs, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin touch")
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE leads SET stale = 0 WHERE stale = 1 AND id IN (`+placeholders+`)`, idArgs...)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: revive leads")
	}
	revived, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: revive leads")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE leads SET last_seen_at = ? WHERE id IN (`+placeholders+`)`,
		append([]any{at.UnixMilli()}, idArgs...)...); err != nil {
		return 0, eris.Wrap(err, "sqlite: touch leads")
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit touch")
	}
	return int(revived), nil
}

// MarkStale implements LeadStore.
func (s *SQLiteStore) MarkStale(ctx context.Context, region string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET stale = 1 WHERE region = ? AND stale = 0 AND last_seen_at < ?`,
		region, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: mark stale")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: mark stale rows")
}

// ScoreHistory implements LeadStore.
func (s *SQLiteStore) ScoreHistory(ctx context.Context, leadID, strategy string, limit int) ([]model.StrategyScore, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM lead_score_history WHERE lead_id = ? AND strategy = ? ORDER BY id DESC LIMIT ?`,
		leadID, strategy, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: score history")
	}
	defer rows.Close()
	out := []model.StrategyScore{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan score history")
		}
		var sc model.StrategyScore
		if err := json.Unmarshal([]byte(data), &sc); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal score history")
		}
		out = append(out, sc)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate score history")
}

// SaveConflict implements LeadStore.
func (s *SQLiteStore) SaveConflict(ctx context.Context, c *model.MergeConflict) error {
	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal conflict")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO merge_conflicts (id, status, created_at, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data`,
		c.ID, string(c.Status), c.CreatedAt.UnixMilli(), string(data),
	)
	return eris.Wrap(err, "sqlite: save conflict")
}

// GetConflict implements LeadStore.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*model.MergeConflict, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM merge_conflicts WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get conflict")
	}
	var c model.MergeConflict
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal conflict")
	}
	return &c, nil
}

// ListConflicts implements LeadStore.
func (s *SQLiteStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.MergeConflict, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM merge_conflicts WHERE (? = '' OR status = ?) ORDER BY created_at, id LIMIT ?`,
		string(filter.Status), string(filter.Status), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list conflicts")
	}
	defer rows.Close()
	var out []model.MergeConflict
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan conflict")
		}
		var c model.MergeConflict
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal conflict")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate conflicts")
}

// EnqueueEvent implements OutboxStore.
func (s *SQLiteStore) EnqueueEvent(ctx context.Context, ev *model.OutboxEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outbox event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO outbox_events (id, event_type, lead_id, status, attempts, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Type, ev.LeadID, string(ev.Status), ev.Attempts, ev.CreatedAt.UnixMilli(), string(data),
	)
	return eris.Wrap(err, "sqlite: enqueue outbox event")
}

// SaveEvent implements OutboxStore.
func (s *SQLiteStore) SaveEvent(ctx context.Context, ev *model.OutboxEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal outbox event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET status = ?, attempts = ?, data = ? WHERE id = ?`,
		string(ev.Status), ev.Attempts, string(data), ev.ID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: save outbox event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: save outbox event rows")
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListEvents implements OutboxStore.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter OutboxFilter) ([]model.OutboxEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM outbox_events
		 WHERE (? = '' OR status = ?) AND (? <= 0 OR attempts < ?)
		 ORDER BY created_at, id LIMIT ?`,
		string(filter.Status), string(filter.Status), filter.MaxAttempts, filter.MaxAttempts, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list outbox events")
	}
	defer rows.Close()
	var out []model.OutboxEvent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan outbox event")
		}
		var ev model.OutboxEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal outbox event")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate outbox events")
}

// SaveWebhook implements OutboxStore.
func (s *SQLiteStore) SaveWebhook(ctx context.Context, w *model.Webhook) error {
	data, err := json.Marshal(w)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal webhook")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO webhooks (name, enabled, data) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET enabled = excluded.enabled, data = excluded.data`,
		w.Name, w.Enabled, string(data),
	)
	return eris.Wrap(err, "sqlite: save webhook")
}

// GetWebhook implements OutboxStore.
func (s *SQLiteStore) GetWebhook(ctx context.Context, name string) (*model.Webhook, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM webhooks WHERE name = ?`, name).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get webhook")
	}
	var w model.Webhook
	if err := json.Unmarshal([]byte(data), &w); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal webhook")
	}
	return &w, nil
}

// ListWebhooks implements OutboxStore.
func (s *SQLiteStore) ListWebhooks(ctx context.Context, enabledOnly bool) ([]model.Webhook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM webhooks WHERE (? = 0 OR enabled = 1) ORDER BY name`, enabledOnly)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list webhooks")
	}
	defer rows.Close()
	out := []model.Webhook{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan webhook")
		}
		var w model.Webhook
		if err := json.Unmarshal([]byte(data), &w); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal webhook")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate webhooks")
}

// AcquireRegion implements LeadStore.
func (s *SQLiteStore) AcquireRegion(ctx context.Context, job model.JobState, abandonedBefore time.Time) error {
	var started int64
	if job.StartedAt != nil {
		started = job.StartedAt.UnixMilli()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_jobs (region, state, run_id, started_at) VALUES (?, 'running', ?, ?)
		 ON CONFLICT(region) DO UPDATE SET state = 'running', run_id = excluded.run_id, started_at = excluded.started_at
		 WHERE refresh_jobs.state <> 'running' OR refresh_jobs.started_at < ?`,
		job.Region, job.RunID, started, abandonedBefore.UnixMilli(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: acquire region")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: acquire region rows")
	}
	if n == 0 {
		return model.ErrRefreshInProgress
	}
	return nil
}

// ReleaseRegion implements LeadStore.
func (s *SQLiteStore) ReleaseRegion(ctx context.Context, result *model.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job result")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO refresh_jobs (region, state, last_result) VALUES (?, 'idle', ?)
		 ON CONFLICT(region) DO UPDATE SET state = 'idle', last_result = excluded.last_result`,
		result.Region, string(data),
	); err != nil {
		return eris.Wrap(err, "sqlite: release region")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO refresh_runs (run_id, region, status, started_at, finished_at, data)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		result.RunID, result.Region, string(result.Status),
		result.StartedAt.UnixMilli(), result.FinishedAt.UnixMilli(), string(data),
	); err != nil {
		return eris.Wrap(err, "sqlite: insert run")
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// UnlockRegion implements LeadStore.
func (s *SQLiteStore) UnlockRegion(ctx context.Context, region, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE refresh_jobs SET state = 'idle' WHERE region = ? AND run_id = ? AND state = 'running'`,
		region, runID,
	)
	return eris.Wrap(err, "sqlite: unlock region")
}

// JobState implements LeadStore.
func (s *SQLiteStore) JobState(ctx context.Context, region string) (*model.JobState, error) {
	js := &model.JobState{Region: region}
	var state string
	var runID, lastResult sql.NullString
	var started sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, run_id, started_at, last_result FROM refresh_jobs WHERE region = ?`, region,
	).Scan(&state, &runID, &started, &lastResult)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			js.State = model.RefreshIdle
			return js, nil
		}
		return nil, eris.Wrap(err, "sqlite: get job state")
	}
	js.State = model.RefreshState(state)
	js.RunID = runID.String
	if started.Valid {
		t := time.UnixMilli(started.Int64).UTC()
		js.StartedAt = &t
	}
	if lastResult.Valid && lastResult.String != "" {
		js.LastResult = &model.JobResult{}
		if err := json.Unmarshal([]byte(lastResult.String), js.LastResult); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal last result")
		}
	}
	return js, nil
}

// ListRuns implements LeadStore.
func (s *SQLiteStore) ListRuns(ctx context.Context, region string, limit int) ([]model.JobResult, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM refresh_runs WHERE region = ? ORDER BY started_at DESC, run_id DESC LIMIT ?`,
		region, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()
	out := []model.JobResult{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		var r model.JobResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteLead(row sqlScanner) (*model.CanonicalLead, error) {
	var data string
	var stale bool
	var seen int64
	if err := row.Scan(&data, &stale, &seen); err != nil {
		return nil, err
	}
	var lead model.CanonicalLead
	if err := json.Unmarshal([]byte(data), &lead); err != nil {
		return nil, eris.Wrap(err, "unmarshal lead")
	}
	lead.Stale = stale
	lead.LastSeenAt = time.UnixMilli(seen).UTC()
	return &lead, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
