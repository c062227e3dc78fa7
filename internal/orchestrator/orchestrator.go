package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scanforge/scanforge/internal/aggregate"
	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/policy"
	"github.com/scanforge/scanforge/internal/quota"
	"github.com/scanforge/scanforge/internal/recog"
	"github.com/scanforge/scanforge/internal/store"
)

// ExhaustedError is the terminal failure of a job whose whole chain was
// walked without a success. Failures holds one reason per candidate, in
// chain order.
type ExhaustedError struct {
	Failures []string
}

func (e *ExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return "all engines failed"
	}
	return "all engines failed: " + strings.Join(e.Failures, "; ")
}

// Config tunes attempt execution.
type Config struct {
	// RetryBudget is how many same-engine retries a timeout or transient
	// failure earns. Semantic failures never retry.
	RetryBudget int
	// RetryBackoff is the pause before a same-engine retry.
	RetryBackoff time.Duration
	// DefaultTimeout applies to engines that declare no per-call timeout.
	DefaultTimeout time.Duration
}

// DefaultConfig returns the production execution defaults.
func DefaultConfig() Config {
	return Config{
		RetryBudget:    1,
		RetryBackoff:   500 * time.Millisecond,
		DefaultTimeout: 60 * time.Second,
	}
}

// Orchestrator walks a job through its engine chain: reserve quota, run the
// attempt, settle the reservation, log the attempt, and move on. It owns every
// job status transition after claim.
type Orchestrator struct {
	store    store.Store
	registry *recog.Registry
	policy   *policy.Policy
	guard    *quota.Guard
	norm     *aggregate.Normalizer
	broker   *Broker
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// New creates an orchestrator.
func New(s store.Store, reg *recog.Registry, pol *policy.Policy, g *quota.Guard, norm *aggregate.Normalizer, logger *slog.Logger, cfg Config) *Orchestrator {
	return &Orchestrator{
		store:    s,
		registry: reg,
		policy:   pol,
		guard:    g,
		norm:     norm,
		broker:   NewBroker(),
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Broker returns the orchestrator's event broker for SSE subscription.
func (o *Orchestrator) Broker() *Broker {
	return o.broker
}

// Process runs one claimed job to a terminal status. The caller holds the
// job's lease for the duration. A non-nil error means the job was left
// unfinished (shutdown or storage failure) and will be reclaimed after its
// lease expires.
func (o *Orchestrator) Process(ctx context.Context, job *model.Job) error {
	log := o.logger.With("job_id", job.ID, "user_id", job.UserID)

	if job.CancelRequested {
		return o.finish(ctx, job, model.StatusCancelled, "cancelled before execution")
	}

	if job.Status == model.StatusPending {
		if err := o.store.UpdateJobStatus(ctx, job.ID, model.StatusProcessing); err != nil {
			return fmt.Errorf("transition to processing: %w", err)
		}
		o.publishStatus(job.ID, model.StatusProcessing, "")
	}

	// The chain is computed once and persisted so a reclaimed job resumes the
	// same plan it started with, even if engine health shifted since.
	chain := job.Chain
	if len(chain) == 0 {
		var err error
		chain, err = o.policy.BuildChain(job.Plan, job.Engine)
		if err != nil {
			log.Warn("no engine chain", "error", err)
			return o.finish(ctx, job, model.StatusFailed, err.Error())
		}
		if err := o.store.SetJobChain(ctx, job.ID, chain); err != nil {
			return fmt.Errorf("persist chain: %w", err)
		}
	}

	// Resume support: attempts already on record count against each engine's
	// budget, and the log sequence continues where it left off.
	prior, err := o.store.GetAttempts(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("load attempts: %w", err)
	}
	seq := len(prior)
	used := make(map[string]int)
	var failures []string
	executed := false
	allQuota := true
	// Pre-crash failure reasons carry into the terminal error, so a resumed
	// job still reports one reason per candidate in chain order.
	for _, a := range prior {
		switch a.Outcome {
		case model.OutcomeSkippedUnavailable:
			failures = append(failures, fmt.Sprintf("%s: unavailable", a.EngineID))
			allQuota = false
		case model.OutcomeSuccess:
			used[a.EngineID]++
		default:
			used[a.EngineID]++
			failures = append(failures, fmt.Sprintf("%s: %s", a.EngineID, a.Detail))
			executed = true
			allQuota = false
		}
	}

	for _, engineID := range chain {
		if done, err := o.checkCancelled(ctx, job); err != nil {
			return err
		} else if done {
			return nil
		}

		eng, err := o.registry.Get(engineID)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", engineID, err))
			allQuota = false
			continue
		}

		// Health is re-checked at execution time; the chain may be stale.
		if o.registry.Health(engineID) == recog.StatusUnavailable {
			seq++
			o.appendAttempt(ctx, log, &model.AttemptLog{
				JobID:    job.ID,
				Seq:      seq,
				EngineID: engineID,
				Outcome:  model.OutcomeSkippedUnavailable,
				Detail:   "engine unavailable at execution time",
			})
			failures = append(failures, fmt.Sprintf("%s: unavailable", engineID))
			allQuota = false
			continue
		}

		budget := o.cfg.RetryBudget + 1 - used[engineID]
		for budget > 0 {
			budget--

			res, reserveErr := o.guard.Reserve(ctx, job.UserID, job.Plan, eng.CostPerCall)
			if errors.Is(reserveErr, quota.ErrQuotaExceeded) {
				quotaDenialsTotal.Inc()
				failures = append(failures, fmt.Sprintf("%s: quota exceeded", engineID))
				log.Info("quota denied", "engine", engineID, "cost", eng.CostPerCall)
				budget = 0
				continue
			}
			if reserveErr != nil {
				return fmt.Errorf("reserve quota: %w", reserveErr)
			}

			executed = true
			started := o.now().UTC()
			raw, attErr := o.runAttempt(ctx, eng, job)
			finished := o.now().UTC()
			attemptDuration.WithLabelValues(engineID).Observe(finished.Sub(started).Seconds())

			if attErr == nil {
				return o.settleSuccess(ctx, log, job, eng, res, raw, seq+1, started, finished)
			}

			// Failed attempts are never charged.
			if err := o.guard.Release(ctx, res.Token); err != nil {
				log.Error("release reservation", "error", err)
			}

			kind, detail := classify(eng.ID, attErr)
			outcome := model.OutcomeError
			if kind == recog.KindTimeout {
				outcome = model.OutcomeTimeout
			}
			seq++
			o.appendAttempt(ctx, log, &model.AttemptLog{
				JobID:      job.ID,
				Seq:        seq,
				EngineID:   engineID,
				Outcome:    outcome,
				Detail:     detail,
				StartedAt:  started,
				FinishedAt: &finished,
			})
			o.registry.ReportOutcome(engineID, false)
			attemptsTotal.WithLabelValues(engineID, outcome).Inc()
			o.broker.Publish(Event{
				JobID: job.ID, Type: EventAttempt,
				Engine: engineID, Outcome: outcome, Detail: detail,
				Time: finished,
			})
			failures = append(failures, fmt.Sprintf("%s: %s", engineID, detail))
			allQuota = false
			log.Warn("attempt failed", "engine", engineID, "outcome", outcome, "detail", detail)

			if ctx.Err() != nil {
				// Shutdown mid-job: leave it for lease reclaim.
				return ctx.Err()
			}
			if kind == recog.KindSemantic {
				// The document itself is the problem for this engine; a retry
				// would fail the same way.
				break
			}
			if budget > 0 {
				select {
				case <-time.After(o.cfg.RetryBackoff):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}

	if !executed && allQuota && len(failures) > 0 {
		return o.finish(ctx, job, model.StatusFailed, "quota exceeded")
	}
	exhausted := &ExhaustedError{Failures: failures}
	return o.finish(ctx, job, model.StatusFailed, exhausted.Error())
}

// settleSuccess commits quota, records the attempt, and finishes the job. A
// cancel that raced the attempt still pays for the work done, but the result
// is discarded and the job lands in cancelled.
func (o *Orchestrator) settleSuccess(ctx context.Context, log *slog.Logger, job *model.Job, eng recog.Engine, res quota.Reservation, raw recog.RawResult, seq int, started, finished time.Time) error {
	if err := o.guard.Commit(ctx, res.Token); err != nil {
		log.Error("commit reservation", "error", err)
	}
	o.appendAttempt(ctx, log, &model.AttemptLog{
		JobID:      job.ID,
		Seq:        seq,
		EngineID:   eng.ID,
		Outcome:    model.OutcomeSuccess,
		StartedAt:  started,
		FinishedAt: &finished,
	})
	o.registry.ReportOutcome(eng.ID, true)
	attemptsTotal.WithLabelValues(eng.ID, model.OutcomeSuccess).Inc()
	o.broker.Publish(Event{
		JobID: job.ID, Type: EventAttempt,
		Engine: eng.ID, Outcome: model.OutcomeSuccess,
		Time: finished,
	})

	if done, err := o.checkCancelled(ctx, job); err != nil {
		return err
	} else if done {
		return nil
	}

	result := o.norm.Normalize(job.ID, eng.ID, raw)
	if result.Cost == 0 {
		result.Cost = eng.CostPerCall
	}
	if err := o.store.CreateResult(ctx, result); err != nil {
		if errors.Is(err, store.ErrResultExists) {
			log.Warn("result already written", "engine", eng.ID)
		} else {
			return fmt.Errorf("create result: %w", err)
		}
	}
	return o.finish(ctx, job, model.StatusSucceeded, "")
}

// runAttempt executes one engine call under the per-attempt deadline. Panics
// inside an adapter surface as transient engine errors so one bad document
// cannot take a worker down.
func (o *Orchestrator) runAttempt(ctx context.Context, eng recog.Engine, job *model.Job) (raw recog.RawResult, err error) {
	timeout := eng.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = &recog.EngineError{Engine: eng.ID, Kind: recog.KindTransient, Msg: fmt.Sprintf("panic: %v", r)}
		}
	}()

	rec, err := o.registry.Resolve(eng.ID)
	if err != nil {
		return recog.RawResult{}, err
	}

	raw, err = rec.Recognize(actx, recog.Request{
		InputRef:   job.InputRef,
		Language:   job.Language,
		Preprocess: job.Preprocess,
	})
	if err != nil && actx.Err() == context.DeadlineExceeded {
		return raw, &recog.EngineError{Engine: eng.ID, Kind: recog.KindTimeout, Msg: fmt.Sprintf("attempt exceeded %s", timeout)}
	}
	return raw, err
}

// checkCancelled re-reads the job's cancel flag and, when set, finishes the
// job as cancelled. Reports true when the job reached a terminal status.
func (o *Orchestrator) checkCancelled(ctx context.Context, job *model.Job) (bool, error) {
	fresh, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("refresh job: %w", err)
	}
	if !fresh.CancelRequested {
		return false, nil
	}
	if err := o.finish(ctx, job, model.StatusCancelled, "cancelled by user"); err != nil {
		return false, err
	}
	return true, nil
}

// finish moves the job to a terminal status and emits the closing event.
func (o *Orchestrator) finish(ctx context.Context, job *model.Job, status, errMsg string) error {
	if err := o.store.FinishJob(ctx, job.ID, status, errMsg); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	jobsFinishedTotal.WithLabelValues(status).Inc()
	o.publishStatus(job.ID, status, errMsg)
	o.broker.Close(job.ID)
	o.logger.Info("job finished", "job_id", job.ID, "status", status, "error", errMsg)
	return nil
}

func (o *Orchestrator) publishStatus(jobID, status, detail string) {
	o.broker.Publish(Event{
		JobID: jobID, Type: EventStatus,
		Status: status, Detail: detail,
		Time: o.now().UTC(),
	})
}

// appendAttempt persists one attempt log entry. Log write failures are
// reported but never abort the job; the attempt already happened.
func (o *Orchestrator) appendAttempt(ctx context.Context, log *slog.Logger, a *model.AttemptLog) {
	if a.StartedAt.IsZero() {
		a.StartedAt = o.now().UTC()
	}
	if a.FinishedAt == nil {
		t := a.StartedAt
		a.FinishedAt = &t
	}
	if err := o.store.AppendAttempt(ctx, a); err != nil {
		log.Error("append attempt log", "seq", a.Seq, "error", err)
	}
}

// classify extracts the retry-relevant kind and a human detail from an
// attempt error. Unrecognized errors count as transient.
func classify(engineID string, err error) (kind, detail string) {
	var ee *recog.EngineError
	if errors.As(err, &ee) {
		return ee.Kind, ee.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return recog.KindTimeout, fmt.Sprintf("engine %s: timeout: %v", engineID, err)
	}
	return recog.KindTransient, fmt.Sprintf("engine %s: transient: %v", engineID, err)
}
