package model

import "time"

// Job status constants.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Plan tier constants, ordered from least to most privileged.
const (
	PlanFree       = "free"
	PlanBasic      = "basic"
	PlanPremium    = "premium"
	PlanEnterprise = "enterprise"
)

// EngineAuto is the sentinel engine id that lets the selection policy pick.
const EngineAuto = "auto"

// Attempt outcome constants.
const (
	OutcomeSuccess            = "success"
	OutcomeTimeout            = "timeout"
	OutcomeError              = "error"
	OutcomeSkippedUnavailable = "skipped_unavailable"
)

// planRank orders plan tiers for permission checks.
var planRank = map[string]int{
	PlanFree:       0,
	PlanBasic:      1,
	PlanPremium:    2,
	PlanEnterprise: 3,
}

// ValidPlan reports whether s names a known plan tier.
func ValidPlan(s string) bool {
	_, ok := planRank[s]
	return ok
}

// PlanAllows reports whether a user on the given plan may use an engine
// that requires at least minPlan.
func PlanAllows(plan, minPlan string) bool {
	return planRank[plan] >= planRank[minPlan]
}

// PlanLimits holds the daily and monthly quota ceilings for a plan tier,
// denominated in cost credits.
type PlanLimits struct {
	Daily   int64
	Monthly int64
}

// planLimits maps each tier to its quota ceilings.
var planLimits = map[string]PlanLimits{
	PlanFree:       {Daily: 100, Monthly: 2000},
	PlanBasic:      {Daily: 1000, Monthly: 20000},
	PlanPremium:    {Daily: 10000, Monthly: 200000},
	PlanEnterprise: {Daily: 100000, Monthly: 2000000},
}

// LimitsFor returns the quota ceilings for a plan tier. Unknown plans get
// the free-tier limits.
func LimitsFor(plan string) PlanLimits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses (succeeded, failed, cancelled) have no outgoing edges.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusProcessing: {
		StatusSucceeded: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// PreprocessOptions are image preprocessing toggles applied before recognition.
type PreprocessOptions struct {
	Grayscale bool `json:"grayscale,omitempty"`
	Denoise   bool `json:"denoise,omitempty"`
	Binarize  bool `json:"binarize,omitempty"`
}

// Job represents one document submitted for text extraction.
type Job struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Plan            string            `json:"plan"`
	InputRef        string            `json:"input_ref"`
	Engine          string            `json:"engine"`
	Language        string            `json:"language"`
	Preprocess      PreprocessOptions `json:"preprocess"`
	Status          string            `json:"status"`
	Chain           []string          `json:"chain,omitempty"`
	Attempts        int               `json:"attempts"`
	Error           string            `json:"error,omitempty"`
	CancelRequested bool              `json:"cancel_requested,omitempty"`
	LeaseOwner      string            `json:"-"`
	LeaseExpiresAt  *time.Time        `json:"-"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	FinishedAt      *time.Time        `json:"finished_at,omitempty"`
}

// AttemptLog records one physical execution of a job against one engine.
// Entries are append-only and strictly ordered by Seq per job.
type AttemptLog struct {
	ID         int64      `json:"id"`
	JobID      string     `json:"job_id"`
	Seq        int        `json:"seq"`
	EngineID   string     `json:"engine_id"`
	Outcome    string     `json:"outcome"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// BoundingBox locates one recognized text block on a page. Coordinates are
// pixels in the source image, origin top-left.
type BoundingBox struct {
	Page       int      `json:"page"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	X0         int      `json:"x0"`
	Y0         int      `json:"y0"`
	X1         int      `json:"x1"`
	Y1         int      `json:"y1"`
}

// Result is the canonical recognition output for a job. Written at most once,
// only on success.
type Result struct {
	JobID         string            `json:"job_id"`
	EngineID      string            `json:"engine_id"`
	Text          string            `json:"text"`
	Confidence    *float64          `json:"confidence,omitempty"`
	LowConfidence bool              `json:"low_confidence"`
	Pages         int               `json:"pages"`
	BoundingBoxes []BoundingBox     `json:"bounding_boxes,omitempty"`
	Structured    map[string]string `json:"structured,omitempty"`
	Cost          int64             `json:"cost"`
	DurationMS    int               `json:"duration_ms"`
	CreatedAt     time.Time         `json:"created_at"`
}

// QuotaRecord tracks a user's usage against their plan ceilings. Counters are
// denominated in cost credits and mutated only through the quota guard.
type QuotaRecord struct {
	UserID         string    `json:"user_id"`
	Plan           string    `json:"plan"`
	DailyUsed      int64     `json:"daily_used"`
	MonthlyUsed    int64     `json:"monthly_used"`
	DailyLimit     int64     `json:"daily_limit"`
	MonthlyLimit   int64     `json:"monthly_limit"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
