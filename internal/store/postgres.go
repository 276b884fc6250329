package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/sells-group/leads-cli/internal/db"
	"github.com/sells-group/leads-cli/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements LeadStore using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hot merge-path queries prepared on each new connection.
var preparedStatements = map[string]string{
	"get_lead":    `SELECT data, stale, last_seen_at FROM leads WHERE id = $1`,
	"lookup_keys": `SELECT key, lead_id FROM lead_keys WHERE key = ANY($1)`,
	"list_by_zip": `SELECT data, stale, last_seen_at FROM leads WHERE zip = $1 ORDER BY id`,
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

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

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

// NewPostgresFromPool wraps an existing pool. The caller owns the pool.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return db.Migrate(ctx, s.pool, migrationsFS, "migrations")
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Close releases the pool if this store opened it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Upsert writes a lead with its scores and identity keys in one transaction.
// Keys already owned by another lead are left alone. Scores replaced by a new
// version or input are appended to the score history first.
func (s *PostgresStore) Upsert(ctx context.Context, lead *model.CanonicalLead) error {
	data, err := json.Marshal(lead)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal lead")
	}
	loc, err := locationEWKB(lead.Location)
	if err != nil {
		return eris.Wrap(err, "postgres: encode location")
	}

	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lead.ID); err != nil {
			return eris.Wrap(err, "postgres: lock lead")
		}

		var prev *model.CanonicalLead
		var prevData []byte
		err := tx.QueryRow(ctx, `SELECT data FROM leads WHERE id = $1`, lead.ID).Scan(&prevData)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return eris.Wrap(err, "postgres: read previous lead")
		default:
			prev = &model.CanonicalLead{}
			if err := json.Unmarshal(prevData, prev); err != nil {
				return eris.Wrap(err, "postgres: unmarshal previous lead")
			}
		}
		for _, old := range supersededScores(prev, lead) {
			oldData, err := json.Marshal(old)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal score history")
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO lead_score_history (lead_id, strategy, data) VALUES ($1, $2, $3)`,
				lead.ID, old.Strategy, oldData,
			); err != nil {
				return eris.Wrap(err, "postgres: insert score history")
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO leads (id, region, zip, price, location, stale, last_seen_at, last_merged_at, data)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (id) DO UPDATE SET region = EXCLUDED.region, zip = EXCLUDED.zip, price = EXCLUDED.price,
			 location = EXCLUDED.location, stale = EXCLUDED.stale, last_seen_at = EXCLUDED.last_seen_at,
			 last_merged_at = EXCLUDED.last_merged_at, data = EXCLUDED.data`,
			lead.ID, lead.Region, lead.Address.Zip, lead.Attributes.Price, loc, lead.Stale,
			lead.LastSeenAt, lead.LastMergedAt, data,
		); err != nil {
			return eris.Wrap(err, "postgres: upsert lead")
		}

		for _, name := range sortedScoreNames(lead.Scores) {
			sc := lead.Scores[name]
			scData, err := json.Marshal(sc)
			if err != nil {
				return eris.Wrap(err, "postgres: marshal score")
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO lead_scores (lead_id, strategy, score, data) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (lead_id, strategy) DO UPDATE SET score = EXCLUDED.score, data = EXCLUDED.data`,
				lead.ID, name, sc.Score, scData,
			); err != nil {
				return eris.Wrapf(err, "postgres: upsert score %s", name)
			}
		}

		if len(lead.Keys) > 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO lead_keys (key, lead_id) SELECT unnest($1::text[]), $2 ON CONFLICT (key) DO NOTHING`,
				lead.Keys, lead.ID,
			); err != nil {
				return eris.Wrap(err, "postgres: insert lead keys")
			}
		}
		return nil
	})
}

// Get implements LeadStore.
func (s *PostgresStore) Get(ctx context.Context, id string) (*model.CanonicalLead, error) {
	row := s.pool.QueryRow(ctx, `SELECT data, stale, last_seen_at FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get lead")
	}
	return lead, nil
}

// LookupKeys implements LeadStore.
func (s *PostgresStore) LookupKeys(ctx context.Context, keys []string) (map[string]string, error) {
	out := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT key, lead_id FROM lead_keys WHERE key = ANY($1)`, keys)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: lookup keys")
	}
	defer rows.Close()
	for rows.Next() {
		var k, id string
		if err := rows.Scan(&k, &id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead key")
		}
		out[k] = id
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate lead keys")
}

// ListByZip implements LeadStore.
func (s *PostgresStore) ListByZip(ctx context.Context, zip string) ([]*model.CanonicalLead, error) {
	return s.listLeads(ctx, `SELECT data, stale, last_seen_at FROM leads WHERE zip = $1 ORDER BY id`, zip)
}

// ListByRegion implements LeadStore.
func (s *PostgresStore) ListByRegion(ctx context.Context, region string) ([]*model.CanonicalLead, error) {
	return s.listLeads(ctx, `SELECT data, stale, last_seen_at FROM leads WHERE region = $1 ORDER BY id`, region)
}

func (s *PostgresStore) listLeads(ctx context.Context, query string, arg string) ([]*model.CanonicalLead, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list leads")
	}
	defer rows.Close()
	var out []*model.CanonicalLead
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan lead")
		}
		out = append(out, lead)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate leads")
}

// QueryTop implements LeadStore.
func (s *PostgresStore) QueryTop(ctx context.Context, q TopQuery) ([]model.LeadSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT l.data, l.stale, l.last_seen_at FROM lead_scores sc JOIN leads l ON l.id = sc.lead_id
		 WHERE sc.strategy = $1 AND ($2 = '' OR l.region = $2) AND ($3 = '' OR l.zip = $3)
		 AND ($4 OR NOT l.stale) AND ($5::double precision IS NULL OR l.price <= $5)
		 ORDER BY sc.score DESC, l.last_merged_at DESC, l.id ASC LIMIT $6`,
		q.Strategy, q.Region, q.Zip, q.IncludeStale, q.MaxPrice, ClampLimit(q.Limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query top leads")
	}
	defer rows.Close()
	var out []model.LeadSummary
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan top lead")
		}
		out = append(out, lead.Summary(q.Strategy))
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate top leads")
}

// Touch implements LeadStore.
func (s *PostgresStore) Touch(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var revived int
	err := s.pool.QueryRow(ctx, `
		WITH prev AS (
			SELECT id, stale FROM leads WHERE id = ANY($1) FOR UPDATE
		), touched AS (
			UPDATE leads l SET last_seen_at = $2, stale = false
			FROM prev WHERE l.id = prev.id
			RETURNING prev.stale AS was_stale
		)
		SELECT count(*) FILTER (WHERE was_stale) FROM touched`,
		ids, at.UTC(),
	).Scan(&revived)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: touch leads")
	}
	return revived, nil
}

// MarkStale implements LeadStore.
func (s *PostgresStore) MarkStale(ctx context.Context, region string, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE leads SET stale = true WHERE region = $1 AND NOT stale AND last_seen_at < $2`,
		region, cutoff.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: mark stale")
	}
	return int(tag.RowsAffected()), nil
}

// ScoreHistory implements LeadStore.
func (s *PostgresStore) ScoreHistory(ctx context.Context, leadID, strategy string, limit int) ([]model.StrategyScore, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM lead_score_history WHERE lead_id = $1 AND strategy = $2 ORDER BY id DESC LIMIT $3`,
		leadID, strategy, lim,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: score history")
	}
	defer rows.Close()
	out := []model.StrategyScore{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan score history")
		}
		var sc model.StrategyScore
		if err := json.Unmarshal(data, &sc); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal score history")
		}
		out = append(out, sc)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate score history")
}

// SaveConflict implements LeadStore.
func (s *PostgresStore) SaveConflict(ctx context.Context, c *model.MergeConflict) error {
	data, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal conflict")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO merge_conflicts (id, status, created_at, data) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		c.ID, string(c.Status), c.CreatedAt, data,
	)
	return eris.Wrap(err, "postgres: save conflict")
}

// GetConflict implements LeadStore.
func (s *PostgresStore) GetConflict(ctx context.Context, id string) (*model.MergeConflict, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM merge_conflicts WHERE id = $1`, id).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get conflict")
	}
	var c model.MergeConflict
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal conflict")
	}
	return &c, nil
}

// ListConflicts implements LeadStore.
func (s *PostgresStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]model.MergeConflict, error) {
	var lim *int
	if filter.Limit > 0 {
		lim = &filter.Limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM merge_conflicts WHERE ($1 = '' OR status = $1) ORDER BY created_at, id LIMIT $2`,
		string(filter.Status), lim,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list conflicts")
	}
	defer rows.Close()
	var out []model.MergeConflict
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan conflict")
		}
		var c model.MergeConflict
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal conflict")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate conflicts")
}

// EnqueueEvent implements OutboxStore.
func (s *PostgresStore) EnqueueEvent(ctx context.Context, ev *model.OutboxEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outbox event")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO outbox_events (id, event_type, lead_id, status, attempts, created_at, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Type, ev.LeadID, string(ev.Status), ev.Attempts, ev.CreatedAt.UTC(), data,
	)
	return eris.Wrap(err, "postgres: enqueue outbox event")
}

// SaveEvent implements OutboxStore.
func (s *PostgresStore) SaveEvent(ctx context.Context, ev *model.OutboxEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal outbox event")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE outbox_events SET status = $2, attempts = $3, data = $4 WHERE id = $1`,
		ev.ID, string(ev.Status), ev.Attempts, data,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: save outbox event")
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ListEvents implements OutboxStore.
func (s *PostgresStore) ListEvents(ctx context.Context, filter OutboxFilter) ([]model.OutboxEvent, error) {
	var lim *int
	if filter.Limit > 0 {
		lim = &filter.Limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM outbox_events
		 WHERE ($1 = '' OR status = $1) AND ($2 <= 0 OR attempts < $2)
		 ORDER BY created_at, id LIMIT $3`,
		string(filter.Status), filter.MaxAttempts, lim,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list outbox events")
	}
	defer rows.Close()
	var out []model.OutboxEvent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan outbox event")
		}
		var ev model.OutboxEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal outbox event")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate outbox events")
}

// SaveWebhook implements OutboxStore.
func (s *PostgresStore) SaveWebhook(ctx context.Context, w *model.Webhook) error {
	data, err := json.Marshal(w)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal webhook")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO webhooks (name, enabled, data) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET enabled = EXCLUDED.enabled, data = EXCLUDED.data`,
		w.Name, w.Enabled, data,
	)
	return eris.Wrap(err, "postgres: save webhook")
}

// GetWebhook implements OutboxStore.
func (s *PostgresStore) GetWebhook(ctx context.Context, name string) (*model.Webhook, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM webhooks WHERE name = $1`, name).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, eris.Wrap(err, "postgres: get webhook")
	}
	var w model.Webhook
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal webhook")
	}
	return &w, nil
}

// ListWebhooks implements OutboxStore.
func (s *PostgresStore) ListWebhooks(ctx context.Context, enabledOnly bool) ([]model.Webhook, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM webhooks WHERE (NOT $1 OR enabled) ORDER BY name`, enabledOnly)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list webhooks")
	}
	defer rows.Close()
	out := []model.Webhook{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan webhook")
		}
		var w model.Webhook
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal webhook")
		}
		out = append(out, w)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate webhooks")
}

// AcquireRegion marks a region running unless a live run already holds it.
// A running row older than abandonedBefore is taken over.
func (s *PostgresStore) AcquireRegion(ctx context.Context, job model.JobState, abandonedBefore time.Time) error {
	var started time.Time
	if job.StartedAt != nil {
		started = job.StartedAt.UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO refresh_jobs (region, state, run_id, started_at) VALUES ($1, 'running', $2, $3)
		 ON CONFLICT (region) DO UPDATE SET state = 'running', run_id = EXCLUDED.run_id, started_at = EXCLUDED.started_at
		 WHERE refresh_jobs.state <> 'running' OR refresh_jobs.started_at < $4`,
		job.Region, job.RunID, started, abandonedBefore.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "postgres: acquire region")
	}
	if tag.RowsAffected() == 0 {
		return model.ErrRefreshInProgress
	}
	return nil
}

// ReleaseRegion sets the region idle and appends the run to the run log.
func (s *PostgresStore) ReleaseRegion(ctx context.Context, result *model.JobResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job result")
	}
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO refresh_jobs (region, state, last_result) VALUES ($1, 'idle', $2)
			 ON CONFLICT (region) DO UPDATE SET state = 'idle', last_result = EXCLUDED.last_result`,
			result.Region, data,
		); err != nil {
			return eris.Wrap(err, "postgres: release region")
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO refresh_runs (run_id, region, status, started_at, finished_at, data)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (run_id) DO NOTHING`,
			result.RunID, result.Region, string(result.Status), result.StartedAt, result.FinishedAt, data,
		); err != nil {
			return eris.Wrap(err, "postgres: insert run")
		}
		return nil
	})
}

// UnlockRegion implements LeadStore. The last result is kept.
func (s *PostgresStore) UnlockRegion(ctx context.Context, region, runID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE refresh_jobs SET state = 'idle' WHERE region = $1 AND run_id = $2 AND state = 'running'`,
		region, runID,
	)
	return eris.Wrap(err, "postgres: unlock region")
}

// JobState implements LeadStore. A region never refreshed is idle.
func (s *PostgresStore) JobState(ctx context.Context, region string) (*model.JobState, error) {
	js := &model.JobState{Region: region}
	var state, runID string
	var lastResult []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state, COALESCE(run_id, ''), started_at, last_result FROM refresh_jobs WHERE region = $1`,
		region,
	).Scan(&state, &runID, &js.StartedAt, &lastResult)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			js.State = model.RefreshIdle
			return js, nil
		}
		return nil, eris.Wrap(err, "postgres: get job state")
	}
	js.State = model.RefreshState(state)
	js.RunID = runID
	if len(lastResult) > 0 {
		js.LastResult = &model.JobResult{}
		if err := json.Unmarshal(lastResult, js.LastResult); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal last result")
		}
	}
	return js, nil
}

// ListRuns implements LeadStore.
func (s *PostgresStore) ListRuns(ctx context.Context, region string, limit int) ([]model.JobResult, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM refresh_runs WHERE region = $1 ORDER BY started_at DESC LIMIT $2`,
		region, lim,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()
	out := []model.JobResult{}
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		var r model.JobResult
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal run")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// scanLead decodes a (data, stale, last_seen_at) row. The columns win over the
// document because Touch and MarkStale update only the columns.
func scanLead(row pgx.Row) (*model.CanonicalLead, error) {
	var data []byte
	var stale bool
	var seen time.Time
	if err := row.Scan(&data, &stale, &seen); err != nil {
		return nil, err
	}
	var lead model.CanonicalLead
	if err := json.Unmarshal(data, &lead); err != nil {
		return nil, eris.Wrap(err, "unmarshal lead")
	}
	lead.Stale = stale
	lead.LastSeenAt = seen.UTC()
	return &lead, nil
}

// locationEWKB encodes a location as an SRID 4326 EWKB point for PostGIS.
func locationEWKB(l *model.Location) ([]byte, error) {
	if l == nil {
		return nil, nil
	}
	p := geom.NewPointFlat(geom.XY, []float64{l.Lon, l.Lat}).SetSRID(4326)
	return ewkb.Marshal(p, ewkb.NDR)
}
