// Package queue runs the worker pool that drains the durable job queue.
// Claiming is lease-based: a worker that dies mid-job loses its lease and the
// job becomes claimable again, so every accepted job is eventually processed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/store"
)

// Processor handles one claimed job to completion.
type Processor interface {
	Process(ctx context.Context, job *model.Job) error
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the worker pool size.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithPollInterval sets how often idle workers look for claimable jobs.
func WithPollInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

// WithLeaseTTL sets the claim lease duration. The heartbeat extends the lease
// at a third of this interval while a job is in flight.
func WithLeaseTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.leaseTTL = d
		}
	}
}

// Queue is the worker pool over the persistent job table.
type Queue struct {
	store  store.Store
	proc   Processor
	logger *slog.Logger

	workers      int
	pollInterval time.Duration
	leaseTTL     time.Duration

	instanceID string
	nudge      chan struct{}
	quit       chan struct{}
	procCtx    context.Context
	procCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates a queue. Start must be called before jobs are drained.
func New(s store.Store, p Processor, logger *slog.Logger, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		store:        s,
		proc:         p,
		logger:       logger,
		workers:      4,
		pollInterval: time.Second,
		leaseTTL:     30 * time.Second,
		instanceID:   model.NewID(),
		nudge:        make(chan struct{}, 1),
		quit:         make(chan struct{}),
		procCtx:      ctx,
		procCancel:   cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start launches the worker pool.
func (q *Queue) Start() {
	for i := 0; i < q.workers; i++ {
		owner := fmt.Sprintf("%s-w%d", q.instanceID, i)
		q.wg.Add(1)
		go q.run(owner)
	}
	q.logger.Info("queue started", "workers", q.workers, "lease_ttl", q.leaseTTL)
}

// Nudge wakes an idle worker. Called after a job is enqueued so submission
// latency is not bounded by the poll interval. Safe to call concurrently;
// extra nudges coalesce.
func (q *Queue) Nudge() {
	select {
	case q.nudge <- struct{}{}:
	default:
	}
}

// Shutdown stops claiming new jobs and waits for in-flight jobs to finish.
// If the context expires first, in-flight processing is cancelled; those jobs
// keep their lease until it expires and are then reclaimed.
func (q *Queue) Shutdown(ctx context.Context) error {
	close(q.quit)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.procCancel()
		return nil
	case <-ctx.Done():
		q.procCancel()
		<-done
		return ctx.Err()
	}
}

// run is one worker's claim loop.
func (q *Queue) run(owner string) {
	defer q.wg.Done()
	log := q.logger.With("worker", owner)

	for {
		select {
		case <-q.quit:
			return
		default:
		}

		job, err := q.store.ClaimJob(q.procCtx, owner, q.leaseTTL)
		if errors.Is(err, store.ErrNoJobs) {
			select {
			case <-q.quit:
				return
			case <-q.nudge:
			case <-time.After(q.pollInterval):
			}
			continue
		}
		if err != nil {
			if q.procCtx.Err() != nil {
				return
			}
			log.Error("claim job", "error", err)
			select {
			case <-q.quit:
				return
			case <-time.After(q.pollInterval):
			}
			continue
		}

		q.handle(log, owner, job)
	}
}

// handle processes one claimed job under a lease heartbeat.
func (q *Queue) handle(log *slog.Logger, owner string, job *model.Job) {
	hctx, stopHeartbeat := context.WithCancel(q.procCtx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		q.heartbeat(hctx, log, owner, job.ID)
	}()

	err := q.proc.Process(q.procCtx, job)

	stopHeartbeat()
	hb.Wait()

	if err != nil {
		// The job is left non-terminal; it will be reclaimed after the lease
		// expires. Releasing the lease now lets that happen immediately when
		// the store is still reachable.
		log.Warn("job left unfinished", "job_id", job.ID, "error", err)
	}
	if relErr := q.store.ReleaseLease(context.Background(), job.ID, owner); relErr != nil && !errors.Is(relErr, store.ErrNotFound) {
		log.Error("release lease", "job_id", job.ID, "error", relErr)
	}
}

// heartbeat extends the lease until stopped. Losing the lease mid-flight is
// logged but does not interrupt processing; the store's conditional updates
// keep a second claimant from double-finishing the job.
func (q *Queue) heartbeat(ctx context.Context, log *slog.Logger, owner, jobID string) {
	interval := q.leaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.store.ExtendLease(ctx, jobID, owner, q.leaseTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("extend lease", "job_id", jobID, "error", err)
			}
		}
	}
}
