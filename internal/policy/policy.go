// Package policy turns a recognition request into an ordered engine chain.
// It is a pure function of the registry snapshot, the user's plan, and the
// request; it never executes engines and never touches quota counters.
package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/recog"
)

// ErrPlanNotAllowed is returned when the user's plan does not permit the
// requested engine.
var ErrPlanNotAllowed = errors.New("plan does not allow engine")

// ErrNoCandidates is returned when no engine is eligible for the request.
var ErrNoCandidates = errors.New("no eligible engines")

// DefaultChainCap bounds the number of engines in an automatic fallback chain.
const DefaultChainCap = 3

// Policy builds fallback chains from the live engine registry.
type Policy struct {
	registry *recog.Registry
	chainCap int
}

// New creates a selection policy over the given registry. A chainCap of zero
// or less selects the default.
func New(registry *recog.Registry, chainCap int) *Policy {
	if chainCap <= 0 {
		chainCap = DefaultChainCap
	}
	return &Policy{registry: registry, chainCap: chainCap}
}

// ValidateRequest performs the synchronous submit-time checks for an explicit
// engine choice. An unknown engine is a validation failure; a known engine the
// plan does not permit is ErrPlanNotAllowed. Auto requests always validate.
func (p *Policy) ValidateRequest(plan, engineID string) error {
	if engineID == model.EngineAuto {
		return nil
	}
	e, err := p.registry.Get(engineID)
	if err != nil {
		return fmt.Errorf("engine %q: %w", engineID, err)
	}
	if !model.PlanAllows(plan, e.MinPlan) {
		return fmt.Errorf("engine %q requires plan %s or higher: %w", engineID, e.MinPlan, ErrPlanNotAllowed)
	}
	return nil
}

// BuildChain computes the ordered engine chain for a request.
//
// An explicit engine that is reachable (healthy or degraded) yields a
// single-engine chain with no fallback: the user asked for that engine and
// nothing else. If the explicit engine is unavailable the request falls back
// to automatic selection so the job can still run.
//
// Automatic selection ranks plan-permitted, reachable engines: metered engines
// first by cost then priority, with the zero-cost local engine appended as the
// final fallback. Healthy engines outrank degraded ones throughout. The chain
// is capped so a single job cannot walk an unbounded list of providers.
func (p *Policy) BuildChain(plan, engineID string) ([]string, error) {
	if engineID != model.EngineAuto {
		e, err := p.registry.Get(engineID)
		if err != nil {
			return nil, fmt.Errorf("engine %q: %w", engineID, err)
		}
		if !model.PlanAllows(plan, e.MinPlan) {
			return nil, fmt.Errorf("engine %q requires plan %s or higher: %w", engineID, e.MinPlan, ErrPlanNotAllowed)
		}
		if p.registry.Health(engineID) != recog.StatusUnavailable {
			return []string{engineID}, nil
		}
		// Explicit choice is down; fall through to automatic selection.
	}

	var metered, free []recog.EngineInfo
	for _, info := range p.registry.List("") {
		if info.Health == recog.StatusUnavailable {
			continue
		}
		if !model.PlanAllows(plan, info.MinPlan) {
			continue
		}
		if info.CostPerCall > 0 {
			metered = append(metered, info)
		} else {
			free = append(free, info)
		}
	}

	rankEngines(metered)
	rankEngines(free)

	chain := make([]string, 0, p.chainCap)
	for _, info := range metered {
		if len(chain) == p.chainCap {
			break
		}
		chain = append(chain, info.ID)
	}
	for _, info := range free {
		if len(chain) == p.chainCap {
			break
		}
		chain = append(chain, info.ID)
	}

	if len(chain) == 0 {
		return nil, ErrNoCandidates
	}
	return chain, nil
}

// rankEngines orders candidates in place: healthy before degraded, then
// cheapest first, then highest priority, then id for determinism.
func rankEngines(infos []recog.EngineInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		a, b := infos[i], infos[j]
		if a.Health != b.Health {
			return a.Health == recog.StatusHealthy
		}
		if a.CostPerCall != b.CostPerCall {
			return a.CostPerCall < b.CostPerCall
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
}
