package recog

import (
	"context"
	"fmt"
	"time"

	"github.com/scanforge/scanforge/internal/model"
)

// Engine class constants.
const (
	ClassLocal   = "local"
	ClassMetered = "metered"
)

// Error kind constants for EngineError.
const (
	KindTimeout   = "timeout"
	KindSemantic  = "semantic"
	KindTransient = "transient"
)

// EngineError is a failure reported by a recognition engine. The Kind decides
// retry behavior: semantic errors go straight to the next engine in the chain,
// timeout and transient errors may be retried on the same engine.
type EngineError struct {
	Engine string
	Kind   string
	Msg    string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %s: %s", e.Engine, e.Kind, e.Msg)
}

// Engine describes a registered recognition backend: its identity, class,
// pricing, and selection inputs. Health is tracked separately by the registry.
type Engine struct {
	ID           string        `json:"id"`
	Class        string        `json:"class"`
	Capabilities []string      `json:"capabilities"`
	CostPerCall  int64         `json:"cost_per_call"`
	Priority     int           `json:"priority"`
	Timeout      time.Duration `json:"-"`
	MinPlan      string        `json:"min_plan"`
}

// Request carries everything an engine needs to recognize one document.
type Request struct {
	InputRef   string
	Language   string
	Preprocess model.PreprocessOptions
}

// Page is the raw recognition output for one page of a document.
type Page struct {
	Number     int
	Text       string
	Confidence *float64
	Boxes      []model.BoundingBox
}

// RawResult is an engine's unnormalized output for a whole document. The
// aggregator converts it into the canonical result schema.
type RawResult struct {
	Pages      []Page
	Structured map[string]string
	Cost       int64
	Duration   time.Duration
}

// boundingBox builds a model.BoundingBox with an owned confidence pointer.
func boundingBox(page int, text string, conf float64, x0, y0, x1, y1 int) model.BoundingBox {
	return model.BoundingBox{Page: page, Text: text, Confidence: &conf, X0: x0, Y0: y0, X1: x1, Y1: y1}
}

// Recognizer is the capability interface every engine adapter implements.
// The orchestrator never branches on engine identity, only on this interface.
type Recognizer interface {
	// Recognize extracts text from the referenced input. The context carries
	// the per-attempt deadline; implementations must honor cancellation.
	Recognize(ctx context.Context, req Request) (RawResult, error)

	// Healthcheck probes the engine without consuming quota. Used to
	// accelerate recovery detection for engines marked unavailable.
	Healthcheck(ctx context.Context) error
}
