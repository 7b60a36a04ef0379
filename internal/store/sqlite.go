package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/classify-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection: SQLite has a single writer and pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_batches (
	id          TEXT PRIMARY KEY,
	source_name TEXT NOT NULL UNIQUE,
	path        TEXT NOT NULL,
	checksum    TEXT NOT NULL,
	item_count  INTEGER NOT NULL DEFAULT 0,
	duplicates  INTEGER NOT NULL DEFAULT 0,
	loaded_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS work_items (
	batch_id  TEXT NOT NULL REFERENCES source_batches(id),
	source_id TEXT NOT NULL,
	item_type TEXT NOT NULL,
	ordinal   INTEGER NOT NULL,
	text      TEXT NOT NULL,
	loaded_at DATETIME NOT NULL,
	PRIMARY KEY (batch_id, source_id, item_type)
);

CREATE TABLE IF NOT EXISTS jobs (
	id                   TEXT PRIMARY KEY,
	batch_id             TEXT NOT NULL REFERENCES source_batches(id),
	status               TEXT NOT NULL,
	total_items          INTEGER NOT NULL,
	completed_items      INTEGER NOT NULL DEFAULT 0,
	last_progress_update DATETIME,
	estimated_completion DATETIME,
	config               TEXT NOT NULL,
	cancel_requested     INTEGER NOT NULL DEFAULT 0,
	attempt              INTEGER NOT NULL DEFAULT 1,
	retry_pass           INTEGER NOT NULL DEFAULT 0,
	error                TEXT NOT NULL DEFAULT '',
	created_at           DATETIME NOT NULL,
	finished_at          DATETIME
);

CREATE TABLE IF NOT EXISTS results (
	job_id        TEXT NOT NULL REFERENCES jobs(id),
	source_id     TEXT NOT NULL,
	item_type     TEXT NOT NULL,
	pass          INTEGER NOT NULL DEFAULT 0,
	label         TEXT NOT NULL DEFAULT '',
	confidence    REAL NOT NULL DEFAULT 0,
	is_error      INTEGER NOT NULL DEFAULT 0,
	error_kind    TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	raw_response  TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost_usd      REAL NOT NULL DEFAULT 0,
	latency_ms    INTEGER NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	PRIMARY KEY (job_id, source_id, item_type, pass)
);

CREATE TABLE IF NOT EXISTS job_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	kind       TEXT NOT NULL,
	message    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS job_locks (
	job_id       TEXT PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	pid          INTEGER NOT NULL,
	hostname     TEXT NOT NULL,
	acquired_at  DATETIME NOT NULL,
	heartbeat_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_work_items_ordinal ON work_items(batch_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_batch_id ON jobs(batch_id);
CREATE INDEX IF NOT EXISTS idx_results_error ON results(job_id, is_error);
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// Catalog

func (s *SQLiteStore) CreateBatch(ctx context.Context, batch model.SourceBatch, items []model.WorkItem) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO source_batches (id, source_name, path, checksum, item_count, duplicates, loaded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			batch.ID, batch.SourceName, batch.Path, batch.Checksum, batch.ItemCount, batch.Duplicates, batch.LoadedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert batch %s", batch.ID)
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO work_items (batch_id, source_id, item_type, ordinal, text, loaded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare work item insert")
		}
		defer stmt.Close()

		for _, it := range items {
			if _, err := stmt.ExecContext(ctx, batch.ID, it.Key.SourceID, it.Key.ItemType, it.Ordinal, it.Text, it.LoadedAt.UTC()); err != nil {
				return eris.Wrapf(err, "sqlite: insert work item %s", it.Key)
			}
		}
		return nil
	})
}

const batchColumns = `id, source_name, path, checksum, item_count, duplicates, loaded_at`

func (s *SQLiteStore) GetBatch(ctx context.Context, batchID string) (*model.SourceBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM source_batches WHERE id = ?`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "batch %s", batchID)
	}
	return b, eris.Wrap(err, "sqlite: get batch")
}

func (s *SQLiteStore) GetBatchBySource(ctx context.Context, sourceName string) (*model.SourceBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM source_batches WHERE source_name = ?`, sourceName)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, eris.Wrap(err, "sqlite: get batch by source")
}

func (s *SQLiteStore) CountItems(ctx context.Context, scope ItemScope) (int, error) {
	query := `SELECT COUNT(*) FROM work_items w WHERE w.batch_id = ?`
	args := []any{scope.BatchID}
	query, args = appendTypeScope(query, args, scope.ItemTypes)

	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count items")
}

const itemColumns = `w.source_id, w.item_type, w.batch_id, w.ordinal, w.text, w.loaded_at`

func (s *SQLiteStore) PendingItems(ctx context.Context, jobID string, scope ItemScope, limit int) ([]model.WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items w WHERE w.batch_id = ?`
	args := []any{scope.BatchID}
	query, args = appendTypeScope(query, args, scope.ItemTypes)
	query += ` AND NOT EXISTS (
		SELECT 1 FROM results r
		WHERE r.job_id = ? AND r.source_id = w.source_id AND r.item_type = w.item_type
	) ORDER BY w.ordinal`
	args = append(args, jobID)
	query, args = appendLimit(query, args, limit)

	return s.queryItems(ctx, "pending items", query, args)
}

func (s *SQLiteStore) queryItems(ctx context.Context, what, query string, args []any) ([]model.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", what)
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", what)
		}
		items = append(items, *it)
	}
	return items, eris.Wrapf(rows.Err(), "sqlite: %s iterate", what)
}

// Jobs

const jobColumns = `id, batch_id, status, total_items, completed_items, last_progress_update,
	estimated_completion, config, cancel_requested, attempt, retry_pass, error, created_at, finished_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	cfgJSON, err := json.Marshal(job.Config)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job config")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, batch_id, status, total_items, completed_items, config, attempt, retry_pass, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.BatchID, string(job.Status), job.TotalItems, job.CompletedItems, string(cfgJSON),
		job.Attempt, job.RetryPass, job.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return j, eris.Wrap(err, "sqlite: get job")
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.BatchID != "" {
		query += ` AND batch_id = ?`
		args = append(args, filter.BatchID)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.CreatedAfter.UTC())
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
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, jobID string, completed int, at time.Time, eta *time.Time) error {
	var etaArg any
	if eta != nil {
		etaArg = eta.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			completed_items = MAX(completed_items, MIN(?, total_items)),
			last_progress_update = ?,
			estimated_completion = ?
		 WHERE id = ?`,
		completed, at.UTC(), etaArg, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update progress %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) FinalizeJob(ctx context.Context, jobID string, status model.JobStatus, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, finished_at = ?, estimated_completion = NULL
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'cancelled')`,
		string(status), errMsg, at.UTC(), jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: finalize job %s", jobID)
	}
	return s.appliedOrMissing(ctx, res, jobID)
}

func (s *SQLiteStore) ReopenJob(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'running', attempt = attempt + 1, cancel_requested = 0,
			error = '', finished_at = NULL
		 WHERE id = ? AND status IN ('failed', 'cancelled')`,
		jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: reopen job %s", jobID)
	}
	return s.appliedOrMissing(ctx, res, jobID)
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1 WHERE id = ? AND status IN ('pending', 'running')`,
		jobID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel job %s", jobID)
	}
	return s.appliedOrMissing(ctx, res, jobID)
}

func (s *SQLiteStore) IncrementRetryPass(ctx context.Context, jobID string) (int, error) {
	var pass int
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET retry_pass = retry_pass + 1 WHERE id = ? RETURNING retry_pass`,
		jobID,
	).Scan(&pass)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return pass, eris.Wrapf(err, "sqlite: increment retry pass %s", jobID)
}

// appliedOrMissing turns a conditional update into (applied, err): zero rows
// affected is ErrNotFound when the job does not exist and false otherwise.
func (s *SQLiteStore) appliedOrMissing(ctx context.Context, res sql.Result, jobID string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return true, nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, eris.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return false, eris.Wrap(err, "sqlite: check job exists")
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.JobEvent) error {
	at := ev.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_events (job_id, kind, message, created_at) VALUES (?, ?, ?, ?)`,
		ev.JobID, string(ev.Kind), ev.Message, at.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append event %s", ev.Kind)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, kind, message, created_at FROM job_events WHERE job_id = ? ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.JobEvent
	for rows.Next() {
		var ev model.JobEvent
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Kind, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// Results

const resultColumns = `r.job_id, r.source_id, r.item_type, r.pass, r.label, r.confidence, r.is_error,
	r.error_kind, r.error_message, r.raw_response, r.model, r.input_tokens, r.output_tokens,
	r.cost_usd, r.latency_ms, r.attempts, r.created_at`

func (s *SQLiteStore) AppendResults(ctx context.Context, records []model.ResultRecord) (model.AppendStats, error) {
	var stats model.AppendStats
	if len(records) == 0 {
		return stats, nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO results (job_id, source_id, item_type, pass, label, confidence, is_error, error_kind,
				error_message, raw_response, model, input_tokens, output_tokens, cost_usd, latency_ms, attempts, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (job_id, source_id, item_type, pass) DO NOTHING`,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare result insert")
		}
		defer stmt.Close()

		for _, r := range records {
			res, err := stmt.ExecContext(ctx, resultArgs(r)...)
			if err != nil {
				return eris.Wrapf(err, "sqlite: insert result %s", r.Key)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return eris.Wrap(err, "sqlite: rows affected")
			}
			if n == 0 {
				stats.Skipped++
			} else {
				stats.Inserted++
			}
		}
		return nil
	})
	if err != nil {
		return model.AppendStats{}, err
	}
	return stats, nil
}

// effectiveResults selects, per item, the record with the highest pass.
const effectiveResults = `
	FROM results r
	JOIN (
		SELECT source_id, item_type, MAX(pass) AS pass
		FROM results WHERE job_id = ?
		GROUP BY source_id, item_type
	) m ON r.source_id = m.source_id AND r.item_type = m.item_type AND r.pass = m.pass
	WHERE r.job_id = ?`

func (s *SQLiteStore) CountResults(ctx context.Context, jobID string) (model.ResultCounts, error) {
	var c model.ResultCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(r.is_error), 0)`+effectiveResults,
		jobID, jobID,
	).Scan(&c.Items, &c.Errors)
	return c, eris.Wrap(err, "sqlite: count results")
}

func (s *SQLiteStore) SumUsage(ctx context.Context, jobID string) (model.Usage, error) {
	var u model.Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		FROM results WHERE job_id = ?`,
		jobID,
	).Scan(&u.Calls, &u.InputTokens, &u.OutputTokens, &u.CostUSD)
	return u, eris.Wrap(err, "sqlite: sum usage")
}

func (s *SQLiteStore) ErrorItems(ctx context.Context, jobID string, scope ItemScope, beforePass, limit int) ([]model.WorkItem, error) {
	query := `SELECT ` + itemColumns + `
		FROM work_items w
		JOIN results r ON r.job_id = ? AND r.source_id = w.source_id AND r.item_type = w.item_type
		WHERE w.batch_id = ?`
	args := []any{jobID, scope.BatchID}
	query, args = appendTypeScope(query, args, scope.ItemTypes)
	query += ` AND r.is_error = 1 AND r.pass < ?
		AND r.pass = (
			SELECT MAX(r2.pass) FROM results r2
			WHERE r2.job_id = r.job_id AND r2.source_id = r.source_id AND r2.item_type = r.item_type
		) ORDER BY w.ordinal`
	args = append(args, beforePass)
	query, args = appendLimit(query, args, limit)

	return s.queryItems(ctx, "error items", query, args)
}

func (s *SQLiteStore) ListResults(ctx context.Context, filter ResultFilter) ([]model.ResultRecord, error) {
	query := `SELECT ` + resultColumns + effectiveResults
	args := []any{filter.JobID, filter.JobID}
	if filter.ErrorsOnly {
		query += ` AND r.is_error = 1`
	}
	query += ` ORDER BY r.source_id, r.item_type`

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
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close()

	var out []model.ResultRecord
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list results iterate")
}

// Locks

func (s *SQLiteStore) InsertLock(ctx context.Context, lock model.ResumeLock) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO job_locks (job_id, owner_id, pid, hostname, acquired_at, heartbeat_at)
		 VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (job_id) DO NOTHING`,
		lock.JobID, lock.OwnerID, lock.PID, lock.Hostname, lock.AcquiredAt.UTC(), lock.HeartbeatAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: insert lock %s", lock.JobID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) GetLock(ctx context.Context, jobID string) (*model.ResumeLock, error) {
	var l model.ResumeLock
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, owner_id, pid, hostname, acquired_at, heartbeat_at FROM job_locks WHERE job_id = ?`,
		jobID,
	).Scan(&l.JobID, &l.OwnerID, &l.PID, &l.Hostname, &l.AcquiredAt, &l.HeartbeatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get lock %s", jobID)
	}
	return &l, nil
}

func (s *SQLiteStore) DeleteLock(ctx context.Context, jobID, ownerID string) (bool, error) {
	query := `DELETE FROM job_locks WHERE job_id = ?`
	args := []any{jobID}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: delete lock %s", jobID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) TouchLock(ctx context.Context, jobID, ownerID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_locks SET heartbeat_at = ? WHERE job_id = ? AND owner_id = ?`,
		at.UTC(), jobID, ownerID,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: touch lock %s", jobID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

// appendTypeScope restricts w.item_type to types when any are given.
func appendTypeScope(query string, args []any, types []string) (string, []any) {
	if len(types) == 0 {
		return query, args
	}
	query += ` AND w.item_type IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(types)), ", ") + `)`
	for _, t := range types {
		args = append(args, t)
	}
	return query, args
}

func appendLimit(query string, args []any, limit int) (string, []any) {
	if limit <= 0 {
		return query, args
	}
	return query + ` LIMIT ?`, append(args, limit)
}

func resultArgs(r model.ResultRecord) []any {
	at := r.CreatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return []any{
		r.JobID, r.Key.SourceID, r.Key.ItemType, r.Pass, r.Label, r.Confidence, r.IsError,
		string(r.ErrorKind), r.ErrorMessage, r.RawResponse, r.Model, r.InputTokens, r.OutputTokens,
		r.CostUSD, r.LatencyMs, r.Attempts, at.UTC(),
	}
}

type scannable interface {
	Scan(dest ...any) error
}

func scanBatch(row scannable) (*model.SourceBatch, error) {
	var b model.SourceBatch
	err := row.Scan(&b.ID, &b.SourceName, &b.Path, &b.Checksum, &b.ItemCount, &b.Duplicates, &b.LoadedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func scanItem(row scannable) (*model.WorkItem, error) {
	var it model.WorkItem
	err := row.Scan(&it.Key.SourceID, &it.Key.ItemType, &it.BatchID, &it.Ordinal, &it.Text, &it.LoadedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var cfgJSON string
	var lastProgress, eta, finished sql.NullTime

	err := row.Scan(&j.ID, &j.BatchID, &j.Status, &j.TotalItems, &j.CompletedItems, &lastProgress,
		&eta, &cfgJSON, &j.CancelRequested, &j.Attempt, &j.RetryPass, &j.Error, &j.CreatedAt, &finished)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &j.Config); err != nil {
		return nil, eris.Wrap(err, "unmarshal job config")
	}
	j.LastProgressUpdate = nullTimePtr(lastProgress)
	j.EstimatedCompletion = nullTimePtr(eta)
	j.FinishedAt = nullTimePtr(finished)
	return &j, nil
}

func scanResult(row scannable) (*model.ResultRecord, error) {
	var r model.ResultRecord
	err := row.Scan(&r.JobID, &r.Key.SourceID, &r.Key.ItemType, &r.Pass, &r.Label, &r.Confidence, &r.IsError,
		&r.ErrorKind, &r.ErrorMessage, &r.RawResponse, &r.Model, &r.InputTokens, &r.OutputTokens,
		&r.CostUSD, &r.LatencyMs, &r.Attempts, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
