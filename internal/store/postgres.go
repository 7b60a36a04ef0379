package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/classify-cli/internal/db"
	"github.com/sells-group/classify-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
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
CREATE TABLE IF NOT EXISTS source_batches (
	id          TEXT PRIMARY KEY,
	source_name TEXT NOT NULL UNIQUE,
	path        TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	item_count  INTEGER NOT NULL DEFAULT 0,
	duplicates  INTEGER NOT NULL DEFAULT 0,
	loaded_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS work_items (
	batch_id  TEXT NOT NULL REFERENCES source_batches(id),
	source_id TEXT NOT NULL,
	item_type TEXT NOT NULL,
	ordinal   INTEGER NOT NULL,
	text      TEXT NOT NULL,
	loaded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (batch_id, source_id, item_type)
);

CREATE TABLE IF NOT EXISTS jobs (
	id                   TEXT PRIMARY KEY,
	batch_id             TEXT NOT NULL REFERENCES source_batches(id),
	status               TEXT NOT NULL,
	total_items          INTEGER NOT NULL,
	completed_items      INTEGER NOT NULL DEFAULT 0,
	last_progress_update TIMESTAMPTZ,
	estimated_completion TIMESTAMPTZ,
	config               JSONB NOT NULL,
	cancel_requested     BOOLEAN NOT NULL DEFAULT false,
	attempt              INTEGER NOT NULL DEFAULT 1,
	retry_pass           INTEGER NOT NULL DEFAULT 0,
	error                TEXT NOT NULL DEFAULT '',
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS results (
	job_id        TEXT NOT NULL REFERENCES jobs(id),
	source_id     TEXT NOT NULL,
	item_type     TEXT NOT NULL,
	pass          INTEGER NOT NULL DEFAULT 0,
	label         TEXT NOT NULL DEFAULT '',
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_error      BOOLEAN NOT NULL DEFAULT false,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	raw_response  TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	latency_ms    BIGINT NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, source_id, item_type, pass)
);

CREATE TABLE IF NOT EXISTS job_events (
	id         BIGSERIAL PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS job_locks (
	job_id       TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	pid          INTEGER NOT NULL,
	hostname     TEXT NOT NULL,
	acquired_at  TIMESTAMPTZ NOT NULL,
	heartbeat_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_items_ordinal ON work_items(batch_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_batch_id ON jobs(batch_id);
CREATE INDEX IF NOT EXISTS idx_results_error ON results(job_id, is_error);
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
`

var workItemCopyColumns = []string{"batch_id", "source_id", "item_type", "ordinal", "text", "loaded_at"}

var resultsInsert = db.InsertConfig{
	Table: "results",
	Columns: []string{
		"job_id", "source_id", "item_type", "pass", "label", "confidence", "is_error", "error_kind",
		"error_message", "raw_response", "model", "input_tokens", "output_tokens", "cost_usd",
		"latency_ms", "attempts", "created_at",
	},
	ConflictKeys: []string{"job_id", "source_id", "item_type", "pass"},
}

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

// Catalog

func (s *PostgresStore) CreateBatch(ctx context.Context, batch model.SourceBatch, items []model.WorkItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO source_batches (id, source_name, path, checksum, item_count, duplicates, loaded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		batch.ID, batch.SourceName, batch.Path, batch.Checksum, batch.ItemCount, batch.Duplicates, batch.LoadedAt.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: insert batch %s", batch.ID)
	}

	rows := make([][]any, len(items))
	for i, it := range items {
		rows[i] = []any{batch.ID, it.Key.SourceID, it.Key.ItemType, it.Ordinal, it.Text, it.LoadedAt.UTC()}
	}
	if _, err := db.CopyFrom(ctx, tx, "work_items", workItemCopyColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: copy work items for batch %s", batch.ID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit batch")
}

func (s *PostgresStore) GetBatch(ctx context.Context, batchID string) (*model.SourceBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM source_batches WHERE id = $1`, batchID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return b, eris.Wrap(err, "postgres: get batch")
}

func (s *PostgresStore) GetBatchBySource(ctx context.Context, sourceName string) (*model.SourceBatch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM source_batches WHERE source_name = $1`, sourceName))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return b, eris.Wrap(err, "postgres: get batch by source")
}

func (s *PostgresStore) CountItems(ctx context.Context, scope ItemScope) (int, error) {
	q := newPGQuery(`SELECT COUNT(*) FROM work_items w WHERE w.batch_id = `, scope.BatchID)
	q.typeScope(scope.ItemTypes)

	var n int
	err := s.pool.QueryRow(ctx, q.sql, q.args...).Scan(&n)
	return n, eris.Wrap(err, "postgres: count items")
}

func (s *PostgresStore) PendingItems(ctx context.Context, jobID string, scope ItemScope, limit int) ([]model.WorkItem, error) {
	q := newPGQuery(`SELECT `+itemColumns+` FROM work_items w WHERE w.batch_id = `, scope.BatchID)
	q.typeScope(scope.ItemTypes)
	q.add(` AND NOT EXISTS (
		SELECT 1 FROM results r
		WHERE r.job_id = `, jobID)
	q.sql += ` AND r.source_id = w.source_id AND r.item_type = w.item_type
	) ORDER BY w.ordinal`
	q.limit(limit)

	return s.queryItems(ctx, "pending items", q)
}

func (s *PostgresStore) queryItems(ctx context.Context, what string, q *pgQuery) ([]model.WorkItem, error) {
	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", what)
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", what)
		}
		items = append(items, *it)
	}
	return items, eris.Wrapf(rows.Err(), "postgres: %s iterate", what)
}

// Jobs

func (s *PostgresStore) CreateJob(ctx context.Context, job *model.Job) error {
	cfgJSON, err := json.Marshal(job.Config)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job config")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, batch_id, status, total_items, completed_items, config, attempt, retry_pass, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.BatchID, string(job.Status), job.TotalItems, job.CompletedItems, cfgJSON,
		job.Attempt, job.RetryPass, job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanPGJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return j, eris.Wrapf(err, "postgres: get job %s", jobID)
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.BatchID != "" {
		query += fmt.Sprintf(` AND batch_id = $%d`, argIdx)
		args = append(args, filter.BatchID)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.CreatedAfter.UTC())
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
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, jobID string, completed int, at time.Time, eta *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET
			completed_items = GREATEST(completed_items, LEAST($1, total_items)),
			last_progress_update = $2,
			estimated_completion = $3
		 WHERE id = $4`,
		completed, at.UTC(), eta, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

func (s *PostgresStore) FinalizeJob(ctx context.Context, jobID string, status model.JobStatus, errMsg string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, error = $2, finished_at = $3, estimated_completion = NULL
		 WHERE id = $4 AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), errMsg, at.UTC(), jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: finalize job %s", jobID)
	}
	return s.appliedOrMissing(ctx, tag, jobID)
}

func (s *PostgresStore) ReopenJob(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'running', attempt = attempt + 1, cancel_requested = false,
			error = '', finished_at = NULL
		 WHERE id = $1 AND status IN ('failed', 'cancelled')`,
		jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: reopen job %s", jobID)
	}
	return s.appliedOrMissing(ctx, tag, jobID)
}

func (s *PostgresStore) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET cancel_requested = true WHERE id = $1 AND status IN ('pending', 'running')`,
		jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel job %s", jobID)
	}
	return s.appliedOrMissing(ctx, tag, jobID)
}

func (s *PostgresStore) IncrementRetryPass(ctx context.Context, jobID string) (int, error) {
	var pass int
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET retry_pass = retry_pass + 1 WHERE id = $1 RETURNING retry_pass`,
		jobID,
	).Scan(&pass)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return pass, eris.Wrapf(err, "postgres: increment retry pass %s", jobID)
}

func (s *PostgresStore) appliedOrMissing(ctx context.Context, tag pgconn.CommandTag, jobID string) (bool, error) {
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists int
	err := s.pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id = $1`, jobID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return false, eris.Wrap(err, "postgres: check job exists")
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.JobEvent) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_events (job_id, kind, message, created_at) VALUES ($1, $2, $3, $4)`,
		ev.JobID, string(ev.Kind), ev.Message, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: append event %s", ev.Kind)
}

func (s *PostgresStore) ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, kind, message, created_at FROM job_events WHERE job_id = $1 ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		var ev model.JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Kind, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// Results

func (s *PostgresStore) AppendResults(ctx context.Context, records []model.ResultRecord) (model.AppendStats, error) {
	if len(records) == 0 {
		return model.AppendStats{}, nil
	}

	rows := make([][]any, len(records))
	for i, r := range records {
		rows[i] = resultArgs(r)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.AppendStats{}, eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	n, err := db.InsertIgnore(ctx, tx, resultsInsert, rows)
	if err != nil {
		return model.AppendStats{}, eris.Wrap(err, "postgres: append results")
	}
	if err := tx.Commit(ctx); err != nil {
		return model.AppendStats{}, eris.Wrap(err, "postgres: commit results")
	}
	return model.AppendStats{Inserted: int(n), Skipped: len(records) - int(n)}, nil
}

const pgEffectiveResults = `
	FROM results r
	JOIN (
		SELECT source_id, item_type, MAX(pass) AS pass
		FROM results WHERE job_id = $1
		GROUP BY source_id, item_type
	) m ON r.source_id = m.source_id AND r.item_type = m.item_type AND r.pass = m.pass
	WHERE r.job_id = $1`

func (s *PostgresStore) CountResults(ctx context.Context, jobID string) (model.ResultCounts, error) {
	var c model.ResultCounts
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN r.is_error THEN 1 ELSE 0 END), 0)`+pgEffectiveResults,
		jobID,
	).Scan(&c.Items, &c.Errors)
	return c, eris.Wrap(err, "postgres: count results")
}

func (s *PostgresStore) SumUsage(ctx context.Context, jobID string) (model.Usage, error) {
	var u model.Usage
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM results WHERE job_id = $1`,
		jobID,
	).Scan(&u.Calls, &u.InputTokens, &u.OutputTokens, &u.CostUSD)
	return u, eris.Wrap(err, "postgres: sum usage")
}

func (s *PostgresStore) ErrorItems(ctx context.Context, jobID string, scope ItemScope, beforePass, limit int) ([]model.WorkItem, error) {
	q := newPGQuery(`SELECT `+itemColumns+`
		FROM work_items w
		JOIN results r ON r.job_id = `, jobID)
	q.sql += ` AND r.source_id = w.source_id AND r.item_type = w.item_type`
	q.add(` WHERE w.batch_id = `, scope.BatchID)
	q.typeScope(scope.ItemTypes)
	q.add(` AND r.is_error AND r.pass < `, beforePass)
	q.sql += ` AND r.pass = (
			SELECT MAX(r2.pass) FROM results r2
			WHERE r2.job_id = r.job_id AND r2.source_id = r.source_id AND r2.item_type = r.item_type
		) ORDER BY w.ordinal`
	q.limit(limit)

	return s.queryItems(ctx, "error items", q)
}

func (s *PostgresStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRecord, error) {
	q := &pgQuery{sql: `SELECT ` + resultColumns + pgEffectiveResults, args: []any{filter.JobID}}
	if filter.ErrorsOnly {
		q.sql += ` AND r.is_error`
	}
	q.sql += ` ORDER BY r.source_id, r.item_type`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	q.limit(limit)
	if filter.Offset > 0 {
		q.add(` OFFSET `, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, q.sql, q.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.ResultRecord
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list results iterate")
}

// Locks

func (s *PostgresStore) InsertLock(ctx context.Context, lock model.ResumeLock) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_locks (job_id, owner_id, pid, hostname, acquired_at, heartbeat_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (job_id) DO NOTHING`,
		lock.JobID, lock.OwnerID, lock.PID, lock.Hostname, lock.AcquiredAt.UTC(), lock.HeartbeatAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: insert lock %s", lock.JobID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetLock(ctx context.Context, jobID string) (*model.ResumeLock, error) {
	var l model.ResumeLock
	err := s.pool.QueryRow(ctx,
		`SELECT job_id, owner_id, pid, hostname, acquired_at, heartbeat_at FROM job_locks WHERE job_id = $1`,
		jobID,
	).Scan(&l.JobID, &l.OwnerID, &l.PID, &l.Hostname, &l.AcquiredAt, &l.HeartbeatAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get lock %s", jobID)
	}
	return &l, nil
}

func (s *PostgresStore) DeleteLock(ctx context.Context, jobID, ownerID string) (bool, error) {
	query := `DELETE FROM job_locks WHERE job_id = $1`
	args := []any{jobID}
	if ownerID != "" {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: delete lock %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) TouchLock(ctx context.Context, jobID, ownerID string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_locks SET heartbeat_at = $1 WHERE job_id = $2 AND owner_id = $3`,
		at.UTC(), jobID, ownerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: touch lock %s", jobID)
	}
	return tag.RowsAffected() > 0, nil
}

// pgQuery accumulates SQL with numbered placeholders.
type pgQuery struct {
	sql  string
	args []any
}

func newPGQuery(prefix string, arg any) *pgQuery {
	q := &pgQuery{}
	q.add(prefix, arg)
	return q
}

// add appends fragment followed by the next placeholder bound to arg.
func (q *pgQuery) add(fragment string, arg any) {
	q.args = append(q.args, arg)
	q.sql += fmt.Sprintf("%s$%d", fragment, len(q.args))
}

func (q *pgQuery) typeScope(types []string) {
	if len(types) == 0 {
		return
	}
	q.add(` AND w.item_type = ANY(`, types)
	q.sql += `)`
}

func (q *pgQuery) limit(n int) {
	if n > 0 {
		q.add(` LIMIT `, n)
	}
}

func scanPGJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var cfgJSON []byte
	var status string

	err := row.Scan(&j.ID, &j.BatchID, &status, &j.TotalItems, &j.CompletedItems, &j.LastProgressUpdate,
		&j.EstimatedCompletion, &cfgJSON, &j.CancelRequested, &j.Attempt, &j.RetryPass, &j.Error,
		&j.CreatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if err := json.Unmarshal(cfgJSON, &j.Config); err != nil {
		return nil, eris.Wrap(err, "unmarshal job config")
	}
	return &j, nil
}
