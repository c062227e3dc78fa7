package store

import (
	"context"
	"errors"
	"time"

	"github.com/scanforge/scanforge/internal/model"
)

// ErrInvalidTransition is returned when a job status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("not found")

// ErrNoJobs is returned by ClaimJob when no job is claimable.
var ErrNoJobs = errors.New("no claimable jobs")

// ErrResultExists is returned when a second result is written for a job.
var ErrResultExists = errors.New("result already exists")

// JobStats holds aggregate processing statistics.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByEngine map[string]int `json:"count_by_engine"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for jobs, attempt logs, results,
// and quota records.
type Store interface {
	// Jobs.
	CreateJob(ctx context.Context, j *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, int, error)
	UpdateJobStatus(ctx context.Context, id, status string) error
	SetJobChain(ctx context.Context, id string, chain []string) error
	FinishJob(ctx context.Context, id, status, errMsg string) error
	RequestCancel(ctx context.Context, id string) error

	// Queue leases. ClaimJob atomically leases the oldest claimable job
	// (pending, or processing with an expired lease) to the given owner.
	ClaimJob(ctx context.Context, owner string, ttl time.Duration) (*model.Job, error)
	ExtendLease(ctx context.Context, id, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, id, owner string) error

	// Attempt logs. Append-only; seq must be strictly increasing per job.
	AppendAttempt(ctx context.Context, a *model.AttemptLog) error
	GetAttempts(ctx context.Context, jobID string) ([]model.AttemptLog, error)

	// Results. At most one per job.
	CreateResult(ctx context.Context, r *model.Result) error
	GetResult(ctx context.Context, jobID string) (*model.Result, error)

	// Quota counters. TryReserveQuota is a single atomic compare-and-increment
	// against both ceilings; it reports false without mutation when either
	// would be exceeded.
	EnsureQuotaRecord(ctx context.Context, userID, plan string, limits model.PlanLimits, dailyReset, monthlyReset time.Time) error
	RolloverQuota(ctx context.Context, userID string, now, nextDaily, nextMonthly time.Time) error
	TryReserveQuota(ctx context.Context, userID string, cost int64) (bool, error)
	ReleaseQuota(ctx context.Context, userID string, cost int64) error
	GetQuotaRecord(ctx context.Context, userID string) (*model.QuotaRecord, error)

	GetJobStats(ctx context.Context) (*JobStats, error)
	Close() error
}
