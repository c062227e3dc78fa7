package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/scanforge/scanforge/internal/aggregate"
	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/orchestrator"
	"github.com/scanforge/scanforge/internal/policy"
	"github.com/scanforge/scanforge/internal/quota"
	"github.com/scanforge/scanforge/internal/recog"
	"github.com/scanforge/scanforge/internal/store"
)

type fakeEngine struct {
	fn func(ctx context.Context, req recog.Request) (recog.RawResult, error)
}

func (f *fakeEngine) Recognize(ctx context.Context, req recog.Request) (recog.RawResult, error) {
	return f.fn(ctx, req)
}

func (f *fakeEngine) Healthcheck(context.Context) error { return nil }

func okResult(text string) recog.RawResult {
	conf := 0.9
	return recog.RawResult{
		Pages:    []recog.Page{{Number: 1, Text: text, Confidence: &conf}},
		Duration: 10 * time.Millisecond,
	}
}

type harness struct {
	store store.Store
	reg   *recog.Registry
	guard *quota.Guard
	orch  *orchestrator.Orchestrator
}

// engineDef pairs an engine descriptor with its recognizer for registration.
type engineDef struct {
	eng recog.Engine
	rec recog.Recognizer
}

func newHarness(t *testing.T, cfg orchestrator.Config, engines []engineDef) *harness {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := recog.NewRegistry(recog.DefaultRegistryConfig())
	for _, d := range engines {
		reg.Register(d.eng, d.rec)
	}

	g := quota.NewGuard(s)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := orchestrator.New(s, reg, policy.New(reg, 0), g, aggregate.NewNormalizer(0), logger, cfg)
	return &harness{store: s, reg: reg, guard: g, orch: orch}
}

func newJob(userID, plan, engine string) *model.Job {
	return &model.Job{
		ID:       model.NewID(),
		UserID:   userID,
		Plan:     plan,
		InputRef: "s3://docs/scan.png",
		Engine:   engine,
		Language: "eng",
		Status:   model.StatusPending,
	}
}

var (
	tessEngine = recog.Engine{
		ID: "tesseract", Class: recog.ClassLocal, CostPerCall: 0,
		Priority: 1, Timeout: time.Minute, MinPlan: model.PlanFree,
	}
	cloudEngine = recog.Engine{
		ID: "cloud-alpha", Class: recog.ClassMetered, CostPerCall: 60,
		Priority: 5, Timeout: time.Minute, MinPlan: model.PlanBasic,
	}
)

func mustProcess(t *testing.T, h *harness, job *model.Job) *model.Job {
	t.Helper()
	ctx := context.Background()
	if err := h.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := h.orch.Process(ctx, job); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, err := h.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return got
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), []engineDef{
		{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
			return okResult("hello world"), nil
		}}},
	})

	got := mustProcess(t, h, newJob("u1", model.PlanFree, model.EngineAuto))
	if got.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}

	res, err := h.store.GetResult(context.Background(), got.ID)
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if res.EngineID != "tesseract" || res.Text != "hello world" {
		t.Errorf("result = %+v", res)
	}

	attempts, _ := h.store.GetAttempts(context.Background(), got.ID)
	if len(attempts) != 1 || attempts[0].Outcome != model.OutcomeSuccess {
		t.Errorf("attempts = %+v", attempts)
	}
}

// A transient cloud failure burns its retry, then the local engine finishes
// the job. The failed attempts must not be charged.
func TestProcessFallbackAfterTransientFailures(t *testing.T) {
	h := newHarness(t, orchestrator.Config{RetryBudget: 1, RetryBackoff: time.Millisecond, DefaultTimeout: time.Minute},
		[]engineDef{
			{cloudEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return recog.RawResult{}, &recog.EngineError{Engine: "cloud-alpha", Kind: recog.KindTransient, Msg: "upstream 503"}
			}}},
			{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return okResult("recovered"), nil
			}}},
		})

	got := mustProcess(t, h, newJob("u1", model.PlanBasic, model.EngineAuto))
	if got.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}

	attempts, _ := h.store.GetAttempts(context.Background(), got.ID)
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3 (two cloud failures, one local success)", len(attempts))
	}
	if attempts[0].EngineID != "cloud-alpha" || attempts[0].Outcome != model.OutcomeError {
		t.Errorf("attempt 1 = %+v", attempts[0])
	}
	if attempts[1].EngineID != "cloud-alpha" || attempts[1].Outcome != model.OutcomeError {
		t.Errorf("attempt 2 = %+v", attempts[1])
	}
	if attempts[2].EngineID != "tesseract" || attempts[2].Outcome != model.OutcomeSuccess {
		t.Errorf("attempt 3 = %+v", attempts[2])
	}
	for i, a := range attempts {
		if a.Seq != i+1 {
			t.Errorf("attempt %d seq = %d", i, a.Seq)
		}
	}

	q, err := h.store.GetQuotaRecord(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetQuotaRecord: %v", err)
	}
	if q.DailyUsed != 0 {
		t.Errorf("daily_used = %d, failed attempts must not be charged", q.DailyUsed)
	}
}

// Semantic failures skip the same-engine retry entirely.
func TestProcessSemanticFailureNoRetry(t *testing.T) {
	h := newHarness(t, orchestrator.Config{RetryBudget: 1, RetryBackoff: time.Millisecond, DefaultTimeout: time.Minute},
		[]engineDef{
			{cloudEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return recog.RawResult{}, &recog.EngineError{Engine: "cloud-alpha", Kind: recog.KindSemantic, Msg: "unsupported format"}
			}}},
			{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return okResult("ok"), nil
			}}},
		})

	got := mustProcess(t, h, newJob("u1", model.PlanBasic, model.EngineAuto))
	if got.Status != model.StatusSucceeded {
		t.Fatalf("status = %s", got.Status)
	}
	attempts, _ := h.store.GetAttempts(context.Background(), got.ID)
	if len(attempts) != 2 {
		t.Fatalf("attempts = %d, want 2 (no retry on semantic failure)", len(attempts))
	}
}

func TestProcessTimeoutOutcome(t *testing.T) {
	slow := cloudEngine
	slow.Timeout = 20 * time.Millisecond
	h := newHarness(t, orchestrator.Config{RetryBudget: 0, RetryBackoff: time.Millisecond, DefaultTimeout: time.Minute},
		[]engineDef{
			{slow, &fakeEngine{fn: func(ctx context.Context, _ recog.Request) (recog.RawResult, error) {
				select {
				case <-ctx.Done():
					return recog.RawResult{}, ctx.Err()
				case <-time.After(time.Second):
					return okResult("late"), nil
				}
			}}},
			{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return okResult("ok"), nil
			}}},
		})

	got := mustProcess(t, h, newJob("u1", model.PlanBasic, model.EngineAuto))
	if got.Status != model.StatusSucceeded {
		t.Fatalf("status = %s", got.Status)
	}
	attempts, _ := h.store.GetAttempts(context.Background(), got.ID)
	if attempts[0].Outcome != model.OutcomeTimeout {
		t.Errorf("attempt 1 outcome = %s, want timeout", attempts[0].Outcome)
	}
}

// A quota denial on the metered engine is not an attempt; the chain falls
// through to the free engine.
func TestProcessQuotaDenialFallsThrough(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), []engineDef{
		{cloudEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
			t.Error("metered engine must not run when quota denies it")
			return recog.RawResult{}, nil
		}}},
		{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
			return okResult("free path"), nil
		}}},
	})

	// Burn the basic-tier daily budget down below the cloud engine's cost.
	ctx := context.Background()
	res, err := h.guard.Reserve(ctx, "u1", model.PlanBasic, 950)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := h.guard.Commit(ctx, res.Token); err != nil {
		t.Fatal(err)
	}

	got := mustProcess(t, h, newJob("u1", model.PlanBasic, model.EngineAuto))
	if got.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
	attempts, _ := h.store.GetAttempts(ctx, got.ID)
	if len(attempts) != 1 || attempts[0].EngineID != "tesseract" {
		t.Errorf("attempts = %+v, want only the tesseract success", attempts)
	}

	q, _ := h.store.GetQuotaRecord(ctx, "u1")
	if q.DailyUsed != 950 {
		t.Errorf("daily_used = %d, want 950 unchanged", q.DailyUsed)
	}
}

// When every candidate is denied by quota and nothing runs, the terminal
// reason is quota exhaustion, not a generic engine failure.
func TestProcessAllQuotaDenied(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), []engineDef{
		{cloudEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
			t.Error("engine must not run")
			return recog.RawResult{}, nil
		}}},
	})

	ctx := context.Background()
	res, err := h.guard.Reserve(ctx, "u1", model.PlanBasic, 1000)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := h.guard.Commit(ctx, res.Token); err != nil {
		t.Fatal(err)
	}

	got := mustProcess(t, h, newJob("u1", model.PlanBasic, model.EngineAuto))
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.Error != "quota exceeded" {
		t.Errorf("error = %q, want quota exceeded", got.Error)
	}
	attempts, _ := h.store.GetAttempts(ctx, got.ID)
	if len(attempts) != 0 {
		t.Errorf("attempts = %+v, want none", attempts)
	}
}

// Every candidate fails: the job lands in failed, the error lists one reason
// per engine in chain order, no result exists, and nothing was charged.
func TestProcessAllEnginesFailExhausted(t *testing.T) {
	h := newHarness(t, orchestrator.Config{RetryBudget: 0, RetryBackoff: time.Millisecond, DefaultTimeout: time.Minute},
		[]engineDef{
			{cloudEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return recog.RawResult{}, &recog.EngineError{Engine: "cloud-alpha", Kind: recog.KindTransient, Msg: "upstream 503"}
			}}},
			{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return recog.RawResult{}, &recog.EngineError{Engine: "tesseract", Kind: recog.KindSemantic, Msg: "unsupported format"}
			}}},
		})

	got := mustProcess(t, h, newJob("u1", model.PlanBasic, model.EngineAuto))
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	cloudAt := strings.Index(got.Error, "cloud-alpha")
	tessAt := strings.Index(got.Error, "tesseract")
	if cloudAt < 0 || tessAt < 0 {
		t.Fatalf("error = %q, want a reason per engine", got.Error)
	}
	if cloudAt > tessAt {
		t.Errorf("error = %q, reasons must follow chain order", got.Error)
	}

	ctx := context.Background()
	if _, err := h.store.GetResult(ctx, got.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("result error = %v, want ErrNotFound", err)
	}
	attempts, _ := h.store.GetAttempts(ctx, got.ID)
	if len(attempts) != 2 {
		t.Errorf("attempts = %d, want 2", len(attempts))
	}
	q, err := h.store.GetQuotaRecord(ctx, "u1")
	if err != nil {
		t.Fatalf("GetQuotaRecord: %v", err)
	}
	if q.DailyUsed != 0 {
		t.Errorf("daily_used = %d, failed attempts must not be charged", q.DailyUsed)
	}
}

func TestProcessCancelBeforeExecution(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), []engineDef{
		{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
			t.Error("engine must not run after cancel")
			return recog.RawResult{}, nil
		}}},
	})

	job := newJob("u1", model.PlanFree, model.EngineAuto)
	job.CancelRequested = true
	got := mustProcess(t, h, job)
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

// A cancel that lands while the winning attempt is in flight still charges
// for the completed work, but the result is discarded.
func TestProcessCancelRacesSuccess(t *testing.T) {
	var h *harness
	jobID := make(chan string, 1)
	h = newHarness(t, orchestrator.DefaultConfig(), []engineDef{
		{cloudEngine, &fakeEngine{fn: func(ctx context.Context, _ recog.Request) (recog.RawResult, error) {
			if err := h.store.RequestCancel(ctx, <-jobID); err != nil {
				t.Errorf("RequestCancel: %v", err)
			}
			return okResult("too late"), nil
		}}},
	})

	job := newJob("u1", model.PlanBasic, "cloud-alpha")
	jobID <- job.ID
	got := mustProcess(t, h, job)

	if got.Status != model.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if _, err := h.store.GetResult(context.Background(), got.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("result error = %v, want ErrNotFound (result discarded)", err)
	}

	attempts, _ := h.store.GetAttempts(context.Background(), got.ID)
	if len(attempts) != 1 || attempts[0].Outcome != model.OutcomeSuccess {
		t.Errorf("attempts = %+v, want one success", attempts)
	}
	q, _ := h.store.GetQuotaRecord(context.Background(), "u1")
	if q.DailyUsed != 60 {
		t.Errorf("daily_used = %d, completed work must be charged", q.DailyUsed)
	}
}

// An adapter panic is contained and classified as a transient failure.
func TestProcessPanicContained(t *testing.T) {
	h := newHarness(t, orchestrator.Config{RetryBudget: 0, RetryBackoff: time.Millisecond, DefaultTimeout: time.Minute},
		[]engineDef{
			{cloudEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				panic("corrupt page table")
			}}},
			{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return okResult("ok"), nil
			}}},
		})

	got := mustProcess(t, h, newJob("u1", model.PlanBasic, model.EngineAuto))
	if got.Status != model.StatusSucceeded {
		t.Fatalf("status = %s, want succeeded via fallback", got.Status)
	}
	attempts, _ := h.store.GetAttempts(context.Background(), got.ID)
	if attempts[0].Outcome != model.OutcomeError {
		t.Errorf("attempt 1 outcome = %s", attempts[0].Outcome)
	}
}

// A reclaimed job resumes its persisted chain and the prior attempts count
// against each engine's retry budget.
func TestProcessResumeHonorsPriorAttempts(t *testing.T) {
	calls := 0
	h := newHarness(t, orchestrator.Config{RetryBudget: 1, RetryBackoff: time.Millisecond, DefaultTimeout: time.Minute},
		[]engineDef{
			{cloudEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				calls++
				return recog.RawResult{}, &recog.EngineError{Engine: "cloud-alpha", Kind: recog.KindTransient, Msg: "flaky"}
			}}},
			{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return okResult("resumed"), nil
			}}},
		})

	ctx := context.Background()
	job := newJob("u1", model.PlanBasic, model.EngineAuto)
	if err := h.store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := h.store.UpdateJobStatus(ctx, job.ID, model.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetJobChain(ctx, job.ID, []string{"cloud-alpha", "tesseract"}); err != nil {
		t.Fatal(err)
	}
	fin := time.Now().UTC()
	if err := h.store.AppendAttempt(ctx, &model.AttemptLog{
		JobID: job.ID, Seq: 1, EngineID: "cloud-alpha",
		Outcome: model.OutcomeError, Detail: "crashed mid-flight",
		StartedAt: fin.Add(-time.Second), FinishedAt: &fin,
	}); err != nil {
		t.Fatal(err)
	}

	resumed, err := h.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Process(ctx, resumed); err != nil {
		t.Fatalf("Process: %v", err)
	}

	// The prior attempt leaves exactly one more cloud try before fallback.
	if calls != 1 {
		t.Errorf("cloud calls = %d, want 1", calls)
	}
	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != model.StatusSucceeded {
		t.Fatalf("status = %s", got.Status)
	}
	attempts, _ := h.store.GetAttempts(ctx, got.ID)
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	for i, a := range attempts {
		if a.Seq != i+1 {
			t.Errorf("attempt %d seq = %d, sequence must continue across resume", i, a.Seq)
		}
	}
}

// A resumed job that goes on to exhaust its chain reports the pre-crash
// failure reasons alongside the new ones.
func TestProcessResumeExhaustedKeepsPriorReasons(t *testing.T) {
	h := newHarness(t, orchestrator.Config{RetryBudget: 1, RetryBackoff: time.Millisecond, DefaultTimeout: time.Minute},
		[]engineDef{
			{cloudEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
				return recog.RawResult{}, &recog.EngineError{Engine: "cloud-alpha", Kind: recog.KindTransient, Msg: "still flaky"}
			}}},
		})

	ctx := context.Background()
	job := newJob("u1", model.PlanBasic, "cloud-alpha")
	if err := h.store.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	if err := h.store.UpdateJobStatus(ctx, job.ID, model.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := h.store.SetJobChain(ctx, job.ID, []string{"cloud-alpha"}); err != nil {
		t.Fatal(err)
	}
	fin := time.Now().UTC()
	if err := h.store.AppendAttempt(ctx, &model.AttemptLog{
		JobID: job.ID, Seq: 1, EngineID: "cloud-alpha",
		Outcome: model.OutcomeError, Detail: "crashed mid-flight",
		StartedAt: fin.Add(-time.Second), FinishedAt: &fin,
	}); err != nil {
		t.Fatal(err)
	}

	resumed, err := h.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Process(ctx, resumed); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, _ := h.store.GetJob(ctx, job.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "crashed mid-flight") {
		t.Errorf("error = %q, missing the pre-crash reason", got.Error)
	}
	if !strings.Contains(got.Error, "still flaky") {
		t.Errorf("error = %q, missing the post-resume reason", got.Error)
	}
}

func TestBrokerPublishesTerminalStatus(t *testing.T) {
	h := newHarness(t, orchestrator.DefaultConfig(), []engineDef{
		{tessEngine, &fakeEngine{fn: func(context.Context, recog.Request) (recog.RawResult, error) {
			return okResult("hi"), nil
		}}},
	})

	job := newJob("u1", model.PlanFree, model.EngineAuto)
	ch, unsub := h.orch.Broker().Subscribe(job.ID)
	defer unsub()

	mustProcess(t, h, job)

	var sawSuccess bool
	for ev := range ch {
		if ev.Type == orchestrator.EventStatus && ev.Status == model.StatusSucceeded {
			sawSuccess = true
		}
	}
	if !sawSuccess {
		t.Error("no succeeded status event observed")
	}
}
