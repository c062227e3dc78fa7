package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/scanforge/scanforge/internal/model"

	_ "modernc.org/sqlite"
)

const createJobsTable = `
CREATE TABLE IF NOT EXISTS jobs (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL,
    plan             TEXT NOT NULL,
    input_ref        TEXT NOT NULL,
    engine           TEXT NOT NULL,
    language         TEXT NOT NULL DEFAULT '',
    preprocess       TEXT NOT NULL DEFAULT '{}',
    status           TEXT NOT NULL,
    chain            TEXT NOT NULL DEFAULT '[]',
    attempts         INTEGER NOT NULL DEFAULT 0,
    error            TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    lease_owner      TEXT NOT NULL DEFAULT '',
    lease_expires_at DATETIME,
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL,
    started_at       DATETIME,
    finished_at      DATETIME
)`

const createAttemptLogsTable = `
CREATE TABLE IF NOT EXISTS attempt_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id      TEXT NOT NULL,
    seq         INTEGER NOT NULL,
    engine_id   TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    started_at  DATETIME NOT NULL,
    finished_at DATETIME,
    UNIQUE (job_id, seq)
)`

const createResultsTable = `
CREATE TABLE IF NOT EXISTS results (
    job_id         TEXT PRIMARY KEY,
    engine_id      TEXT NOT NULL,
    text           TEXT NOT NULL,
    confidence     REAL,
    low_confidence INTEGER NOT NULL DEFAULT 0,
    pages          INTEGER NOT NULL,
    bounding_boxes TEXT NOT NULL DEFAULT '[]',
    structured     TEXT NOT NULL DEFAULT '{}',
    cost           INTEGER NOT NULL,
    duration_ms    INTEGER NOT NULL,
    created_at     DATETIME NOT NULL
)`

const createQuotaRecordsTable = `
CREATE TABLE IF NOT EXISTS quota_records (
    user_id          TEXT PRIMARY KEY,
    plan             TEXT NOT NULL,
    daily_used       INTEGER NOT NULL DEFAULT 0,
    monthly_used     INTEGER NOT NULL DEFAULT 0,
    daily_limit      INTEGER NOT NULL,
    monthly_limit    INTEGER NOT NULL,
    daily_reset_at   DATETIME NOT NULL,
    monthly_reset_at DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL
)`

// claimableWhere selects jobs a worker may lease: never-started pending jobs
// and processing jobs whose previous holder's lease expired.
const claimableWhere = `(
    (status = 'pending' AND (lease_expires_at IS NULL OR lease_expires_at < ?))
    OR (status = 'processing' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?)
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serializes writers ahead of SQLite's own locking
	// and keeps :memory: databases coherent across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createJobsTable, createAttemptLogsTable, createResultsTable, createQuotaRecordsTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobColumns = `id, user_id, plan, input_ref, engine, language, preprocess,
	status, chain, attempts, error, cancel_requested, lease_owner, lease_expires_at,
	created_at, updated_at, started_at, finished_at`

// CreateJob inserts a new job record.
func (s *SQLiteStore) CreateJob(ctx context.Context, j *model.Job) error {
	preprocess, err := json.Marshal(j.Preprocess)
	if err != nil {
		return fmt.Errorf("marshal preprocess: %w", err)
	}
	chain, err := marshalChain(j.Chain)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.Plan, j.InputRef, j.Engine, j.Language, string(preprocess),
		j.Status, chain, j.Attempts, j.Error, j.CancelRequested, j.LeaseOwner, j.LeaseExpiresAt,
		j.CreatedAt, j.UpdatedAt, j.StartedAt, j.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	j := &model.Job{}
	var preprocess, chain string
	err := row.Scan(
		&j.ID, &j.UserID, &j.Plan, &j.InputRef, &j.Engine, &j.Language, &preprocess,
		&j.Status, &chain, &j.Attempts, &j.Error, &j.CancelRequested, &j.LeaseOwner, &j.LeaseExpiresAt,
		&j.CreatedAt, &j.UpdatedAt, &j.StartedAt, &j.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(preprocess), &j.Preprocess); err != nil {
		return nil, fmt.Errorf("unmarshal preprocess: %w", err)
	}
	if err := json.Unmarshal([]byte(chain), &j.Chain); err != nil {
		return nil, fmt.Errorf("unmarshal chain: %w", err)
	}
	return j, nil
}

func marshalChain(chain []string) (string, error) {
	if chain == nil {
		chain = []string{}
	}
	b, err := json.Marshal(chain)
	if err != nil {
		return "", fmt.Errorf("marshal chain: %w", err)
	}
	return string(b), nil
}

// ListJobs returns a paginated list of jobs ordered by created_at DESC, along
// with the total count of all jobs.
func (s *SQLiteStore) ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM jobs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}

	return jobs, total, nil
}

// UpdateJobStatus transitions a job to the given status, enforcing the
// monotonic transition table. Moving to processing sets started_at; terminal
// statuses set finished_at.
func (s *SQLiteStore) UpdateJobStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM jobs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusProcessing:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ? WHERE id = ?",
			status, now, now, id,
		)
	case model.StatusSucceeded, model.StatusFailed, model.StatusCancelled:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, finished_at = ?, updated_at = ? WHERE id = ?",
			status, now, now, id,
		)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?",
			status, now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	return tx.Commit()
}

// SetJobChain records the candidate engine chain computed for a job.
func (s *SQLiteStore) SetJobChain(ctx context.Context, id string, chain []string) error {
	encoded, err := marshalChain(chain)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET chain = ?, updated_at = ? WHERE id = ?",
		encoded, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set job chain: %w", err)
	}
	return requireRow(res)
}

// FinishJob transitions a job to a terminal status and records the error
// message, if any.
func (s *SQLiteStore) FinishJob(ctx context.Context, id, status, errMsg string) error {
	if err := s.UpdateJobStatus(ctx, id, status); err != nil {
		return err
	}
	if errMsg == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE jobs SET error = ? WHERE id = ?", errMsg, id)
	if err != nil {
		return fmt.Errorf("set job error: %w", err)
	}
	return nil
}

// RequestCancel marks a job for cancellation. The orchestrator observes the
// flag between attempts; jobs already terminal are left untouched.
func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		time.Now().UTC(), id, model.StatusPending, model.StatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		// Either missing or already terminal; disambiguate for the caller.
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// ClaimJob leases the oldest claimable job to owner for ttl. The conditional
// update guarantees exactly one worker wins a given job even under concurrent
// claims.
func (s *SQLiteStore) ClaimJob(ctx context.Context, owner string, ttl time.Duration) (*model.Job, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl)

	// Bounded retry: another worker may steal the selected job between the
	// SELECT and the conditional UPDATE.
	for attempt := 0; attempt < 3; attempt++ {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE `+claimableWhere+` ORDER BY created_at, id LIMIT 1`,
			now, now,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobs
		}
		if err != nil {
			return nil, fmt.Errorf("select claimable job: %w", err)
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND `+claimableWhere,
			owner, expires, now, id, now, now,
		)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("check rows affected: %w", err)
		}
		if rows == 1 {
			return s.GetJob(ctx, id)
		}
	}

	return nil, ErrNoJobs
}

// ExtendLease pushes out the lease expiry for a job held by owner.
func (s *SQLiteStore) ExtendLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND lease_owner = ?",
		now.Add(ttl), now, id, owner,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return requireRow(res)
}

// ReleaseLease clears the lease on a job held by owner.
func (s *SQLiteStore) ReleaseLease(ctx context.Context, id, owner string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE jobs SET lease_owner = '', lease_expires_at = NULL, updated_at = ? WHERE id = ? AND lease_owner = ?",
		time.Now().UTC(), id, owner,
	)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return requireRow(res)
}

// AppendAttempt inserts one attempt log entry and bumps the job's attempt
// counter in the same transaction. Entries are never updated afterwards.
func (s *SQLiteStore) AppendAttempt(ctx context.Context, a *model.AttemptLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO attempt_logs (job_id, seq, engine_id, outcome, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.JobID, a.Seq, a.EngineID, a.Outcome, a.Detail, a.StartedAt, a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert attempt log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = id
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE jobs SET attempts = attempts + 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), a.JobID,
	); err != nil {
		return fmt.Errorf("bump attempt count: %w", err)
	}

	return tx.Commit()
}

// GetAttempts returns a job's attempt log ordered by sequence.
func (s *SQLiteStore) GetAttempts(ctx context.Context, jobID string) ([]model.AttemptLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, seq, engine_id, outcome, detail, started_at, finished_at
		FROM attempt_logs WHERE job_id = ? ORDER BY seq`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.AttemptLog
	for rows.Next() {
		var a model.AttemptLog
		if err := rows.Scan(&a.ID, &a.JobID, &a.Seq, &a.EngineID, &a.Outcome, &a.Detail, &a.StartedAt, &a.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return attempts, nil
}

// CreateResult writes the canonical result for a job. The primary key on
// job_id enforces write-once.
func (s *SQLiteStore) CreateResult(ctx context.Context, r *model.Result) error {
	boxes, err := json.Marshal(r.BoundingBoxes)
	if err != nil {
		return fmt.Errorf("marshal bounding boxes: %w", err)
	}
	structured, err := json.Marshal(r.Structured)
	if err != nil {
		return fmt.Errorf("marshal structured data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (job_id, engine_id, text, confidence, low_confidence, pages,
			bounding_boxes, structured, cost, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.JobID, r.EngineID, r.Text, r.Confidence, r.LowConfidence, r.Pages,
		string(boxes), string(structured), r.Cost, r.DurationMS, r.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrResultExists
		}
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// GetResult retrieves the result for a job.
func (s *SQLiteStore) GetResult(ctx context.Context, jobID string) (*model.Result, error) {
	r := &model.Result{}
	var boxes, structured string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, engine_id, text, confidence, low_confidence, pages,
			bounding_boxes, structured, cost, duration_ms, created_at
		FROM results WHERE job_id = ?`,
		jobID,
	).Scan(
		&r.JobID, &r.EngineID, &r.Text, &r.Confidence, &r.LowConfidence, &r.Pages,
		&boxes, &structured, &r.Cost, &r.DurationMS, &r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	if err := json.Unmarshal([]byte(boxes), &r.BoundingBoxes); err != nil {
		return nil, fmt.Errorf("unmarshal bounding boxes: %w", err)
	}
	if err := json.Unmarshal([]byte(structured), &r.Structured); err != nil {
		return nil, fmt.Errorf("unmarshal structured data: %w", err)
	}
	return r, nil
}

// EnsureQuotaRecord creates the quota row for a user if missing, and keeps
// plan and limits current on plan changes without touching used counters.
func (s *SQLiteStore) EnsureQuotaRecord(ctx context.Context, userID, plan string, limits model.PlanLimits, dailyReset, monthlyReset time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_records (user_id, plan, daily_limit, monthly_limit, daily_reset_at, monthly_reset_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			plan = excluded.plan,
			daily_limit = excluded.daily_limit,
			monthly_limit = excluded.monthly_limit,
			updated_at = excluded.updated_at
		WHERE quota_records.plan != excluded.plan`,
		userID, plan, limits.Daily, limits.Monthly, dailyReset, monthlyReset, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("ensure quota record: %w", err)
	}
	return nil
}

// RolloverQuota resets counters whose reset timestamp has passed.
func (s *SQLiteStore) RolloverQuota(ctx context.Context, userID string, now, nextDaily, nextMonthly time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE quota_records SET daily_used = 0, daily_reset_at = ?, updated_at = ?
		WHERE user_id = ? AND daily_reset_at <= ?`,
		nextDaily, now, userID, now,
	); err != nil {
		return fmt.Errorf("rollover daily quota: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE quota_records SET monthly_used = 0, monthly_reset_at = ?, updated_at = ?
		WHERE user_id = ? AND monthly_reset_at <= ?`,
		nextMonthly, now, userID, now,
	); err != nil {
		return fmt.Errorf("rollover monthly quota: %w", err)
	}
	return nil
}

// TryReserveQuota atomically increments both counters if neither ceiling
// would be exceeded. The guard lives in the WHERE clause, so concurrent
// reservations can never push usage past a limit.
func (s *SQLiteStore) TryReserveQuota(ctx context.Context, userID string, cost int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE quota_records
		SET daily_used = daily_used + ?, monthly_used = monthly_used + ?, updated_at = ?
		WHERE user_id = ? AND daily_used + ? <= daily_limit AND monthly_used + ? <= monthly_limit`,
		cost, cost, time.Now().UTC(), userID, cost, cost,
	)
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rows == 1, nil
}

// ReleaseQuota rolls back a reservation's increments, clamping at zero.
func (s *SQLiteStore) ReleaseQuota(ctx context.Context, userID string, cost int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE quota_records
		SET daily_used = MAX(daily_used - ?, 0), monthly_used = MAX(monthly_used - ?, 0), updated_at = ?
		WHERE user_id = ?`,
		cost, cost, time.Now().UTC(), userID,
	)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// GetQuotaRecord retrieves a user's quota record.
func (s *SQLiteStore) GetQuotaRecord(ctx context.Context, userID string) (*model.QuotaRecord, error) {
	q := &model.QuotaRecord{}
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, plan, daily_used, monthly_used, daily_limit, monthly_limit,
			daily_reset_at, monthly_reset_at, updated_at
		FROM quota_records WHERE user_id = ?`,
		userID,
	).Scan(
		&q.UserID, &q.Plan, &q.DailyUsed, &q.MonthlyUsed, &q.DailyLimit, &q.MonthlyLimit,
		&q.DailyResetAt, &q.MonthlyResetAt, &q.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get quota record: %w", err)
	}
	return q, nil
}

// GetJobStats returns aggregate counts and the average successful duration.
func (s *SQLiteStore) GetJobStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		CountByStatus: make(map[string]int),
		CountByEngine: make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	engineRows, err := s.db.QueryContext(ctx, "SELECT engine_id, COUNT(*) FROM results GROUP BY engine_id")
	if err != nil {
		return nil, fmt.Errorf("count by engine: %w", err)
	}
	defer engineRows.Close()
	for engineRows.Next() {
		var engine string
		var count int
		if err := engineRows.Scan(&engine, &count); err != nil {
			return nil, fmt.Errorf("scan engine count: %w", err)
		}
		stats.CountByEngine[engine] = count
	}
	if err := engineRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate engine counts: %w", err)
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, "SELECT AVG(duration_ms) FROM results").Scan(&avg); err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMS = avg.Float64
	}

	return stats, nil
}

func requireRow(res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
