package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/scanforge/scanforge/internal/aggregate"
	"github.com/scanforge/scanforge/internal/api"
	"github.com/scanforge/scanforge/internal/config"
	"github.com/scanforge/scanforge/internal/model"
	"github.com/scanforge/scanforge/internal/orchestrator"
	"github.com/scanforge/scanforge/internal/policy"
	"github.com/scanforge/scanforge/internal/queue"
	"github.com/scanforge/scanforge/internal/quota"
	"github.com/scanforge/scanforge/internal/recog"
	"github.com/scanforge/scanforge/internal/store"
)

const drainTimeout = 30 * time.Second

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("scanforge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	registry := recog.NewRegistry(recog.DefaultRegistryConfig())
	registerEngines(registry, cfg)

	pol := policy.New(registry, cfg.ChainCap)
	guard := quota.NewGuard(db)
	norm := aggregate.NewNormalizer(cfg.LowConfidenceThreshold)

	orch := orchestrator.New(db, registry, pol, guard, norm, logger, orchestrator.Config{
		RetryBudget:    cfg.RetryBudget,
		RetryBackoff:   cfg.RetryBackoff,
		DefaultTimeout: orchestrator.DefaultConfig().DefaultTimeout,
	})

	q := queue.New(db, orch, logger,
		queue.WithWorkers(cfg.Workers),
		queue.WithPollInterval(cfg.PollInterval),
		queue.WithLeaseTTL(cfg.LeaseTTL),
	)
	q.Start()

	// Periodic healthcheck probes shorten recovery time for engines that
	// went unavailable; without them recovery waits for live traffic.
	probeCtx, stopProbes := context.WithCancel(context.Background())
	go runProbes(probeCtx, registry, cfg.ProbeInterval)

	srv := api.NewServer(cfg.ListenAddr, db, registry, pol, guard, orch.Broker(), q, logger)

	err = srv.Run()

	// Server is down; drain in-flight jobs before exiting so their leases do
	// not have to lapse on the next boot.
	stopProbes()
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if derr := q.Shutdown(drainCtx); derr != nil {
		logger.Warn("queue drain incomplete", "error", derr)
	}

	if err != nil {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("scanforge: stopped")
}

// registerEngines wires the local tesseract engine and, when a provider
// endpoint is configured, the metered cloud engines.
func registerEngines(registry *recog.Registry, cfg config.Config) {
	registry.Register(recog.Engine{
		ID:           "tesseract",
		Class:        recog.ClassLocal,
		Capabilities: []string{"text", "boxes"},
		CostPerCall:  0,
		Priority:     1,
		Timeout:      2 * time.Minute,
		MinPlan:      model.PlanFree,
	}, recog.NewTesseractEngine("tesseract", cfg.TesseractLangs))

	if cfg.CloudEndpoint == "" {
		return
	}
	registry.Register(recog.Engine{
		ID:           "cloud-standard",
		Class:        recog.ClassMetered,
		Capabilities: []string{"text", "boxes", "structured"},
		CostPerCall:  4,
		Priority:     5,
		Timeout:      45 * time.Second,
		MinPlan:      model.PlanBasic,
	}, recog.NewCloudEngine("cloud-standard", cfg.CloudEndpoint, cfg.CloudAPIKey, 10))
	registry.Register(recog.Engine{
		ID:           "cloud-accurate",
		Class:        recog.ClassMetered,
		Capabilities: []string{"text", "boxes", "structured"},
		CostPerCall:  10,
		Priority:     9,
		Timeout:      90 * time.Second,
		MinPlan:      model.PlanBasic,
	}, recog.NewCloudEngine("cloud-accurate", cfg.CloudEndpoint, cfg.CloudAPIKey, 5))
}

func runProbes(ctx context.Context, registry *recog.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.ProbeUnavailable(ctx)
		}
	}
}
