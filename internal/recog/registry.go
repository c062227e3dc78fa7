package recog

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

// Health status constants.
const (
	StatusHealthy     = "healthy"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// ErrUnknownEngine is returned when an engine id is not registered.
var ErrUnknownEngine = errors.New("unknown engine")

// RegistryConfig tunes the health model.
type RegistryConfig struct {
	// FailureAlpha is the EMA smoothing factor applied to attempt outcomes.
	FailureAlpha float64
	// FailThreshold is the failure rate above which an engine becomes unavailable.
	FailThreshold float64
	// DegradeThreshold is the failure rate above which an engine is degraded.
	DegradeThreshold float64
	// MinObservations is the number of reported outcomes required before the
	// failure rate can change an engine's status.
	MinObservations int
	// Cooldown is how long an unavailable engine is excluded before the next
	// attempt is allowed through as a probe.
	Cooldown time.Duration
}

// DefaultRegistryConfig returns the production health model defaults.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		FailureAlpha:     0.3,
		FailThreshold:    0.5,
		DegradeThreshold: 0.25,
		MinObservations:  5,
		Cooldown:         30 * time.Second,
	}
}

// EngineInfo pairs an engine descriptor with its live health status.
type EngineInfo struct {
	Engine
	Health string `json:"health"`
}

// entry holds one registered engine and its health state. Health mutation is
// serialized per engine by the entry mutex; the registry map itself is
// read-mostly after startup.
type entry struct {
	engine Engine
	rec    Recognizer

	mu           sync.Mutex
	rate         float64
	observations int
	unavailable  bool
	lastFailure  time.Time
}

// Registry is the catalog of recognition engines. It tracks rolling health
// from reported attempt outcomes but never invokes an engine itself.
type Registry struct {
	cfg RegistryConfig
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty engine registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Register adds an engine and its adapter to the registry.
func (r *Registry) Register(e Engine, rec Recognizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[e.ID] = &entry{engine: e, rec: rec}
}

// Get returns the descriptor for the given engine id.
func (r *Registry) Get(id string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	en, ok := r.entries[id]
	if !ok {
		return Engine{}, ErrUnknownEngine
	}
	return en.engine, nil
}

// Resolve returns the adapter for the given engine id.
func (r *Registry) Resolve(id string) (Recognizer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	en, ok := r.entries[id]
	if !ok {
		return nil, ErrUnknownEngine
	}
	return en.rec, nil
}

// List returns all engines matching the capability filter (empty matches all),
// each with its current health, sorted by id for a stable response.
func (r *Registry) List(capability string) []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]EngineInfo, 0, len(r.entries))
	for _, en := range r.entries {
		if capability != "" && !slices.Contains(en.engine.Capabilities, capability) {
			continue
		}
		infos = append(infos, EngineInfo{
			Engine: en.engine,
			Health: r.healthLocked(en),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Health returns the current health status for the given engine id.
// Unknown engines report unavailable.
func (r *Registry) Health(id string) string {
	r.mu.RLock()
	en, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return StatusUnavailable
	}
	return r.healthLocked(en)
}

// healthLocked computes an entry's status. An unavailable engine whose
// cool-down has elapsed reports degraded: it becomes selectable again, and
// the next attempt acts as the recovery probe.
func (r *Registry) healthLocked(en *entry) string {
	en.mu.Lock()
	defer en.mu.Unlock()

	if en.unavailable {
		if r.now().Sub(en.lastFailure) >= r.cfg.Cooldown {
			return StatusDegraded
		}
		return StatusUnavailable
	}
	if en.observations >= r.cfg.MinObservations && en.rate > r.cfg.DegradeThreshold {
		return StatusDegraded
	}
	return StatusHealthy
}

// ReportOutcome feeds one attempt outcome into the engine's rolling failure
// rate. Crossing the failure threshold flips the engine to unavailable; a
// successful probe after the cool-down restores it to healthy.
func (r *Registry) ReportOutcome(id string, ok bool) {
	r.mu.RLock()
	en, found := r.entries[id]
	r.mu.RUnlock()
	if !found {
		return
	}

	en.mu.Lock()
	defer en.mu.Unlock()

	if en.unavailable && ok && r.now().Sub(en.lastFailure) >= r.cfg.Cooldown {
		// Probe succeeded: reset the window entirely.
		en.unavailable = false
		en.rate = 0
		en.observations = 0
		return
	}

	sample := 0.0
	if !ok {
		sample = 1.0
	}
	en.rate = r.cfg.FailureAlpha*sample + (1-r.cfg.FailureAlpha)*en.rate
	en.observations++

	if !ok {
		en.lastFailure = r.now()
		if en.observations >= r.cfg.MinObservations && en.rate > r.cfg.FailThreshold {
			en.unavailable = true
		}
	}
}

// ProbeUnavailable runs the optional healthcheck against every unavailable
// engine whose cool-down has elapsed, restoring the ones that answer. Called
// periodically from the daemon to accelerate recovery detection.
func (r *Registry) ProbeUnavailable(ctx context.Context) {
	r.mu.RLock()
	candidates := make([]*entry, 0, len(r.entries))
	for _, en := range r.entries {
		en.mu.Lock()
		due := en.unavailable && r.now().Sub(en.lastFailure) >= r.cfg.Cooldown
		en.mu.Unlock()
		if due {
			candidates = append(candidates, en)
		}
	}
	r.mu.RUnlock()

	for _, en := range candidates {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := en.rec.Healthcheck(probeCtx)
		cancel()
		r.ReportOutcome(en.engine.ID, err == nil)
	}
}
