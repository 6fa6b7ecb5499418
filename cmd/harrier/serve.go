package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/harrier/internal/alerting"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/config"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/rules"
	"github.com/opensource-finance/harrier/internal/snapshots"
	"github.com/opensource-finance/harrier/internal/telemetry"
	"github.com/opensource-finance/harrier/internal/worker"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		seedPath   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the async worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, seedPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $HARRIER_CONFIG)")
	cmd.Flags().StringVar(&seedPath, "seed-rules", "", "YAML rule file seeded into configured tenants that have no rules")
	return cmd
}

func serve(parent context.Context, cfg *domain.Config, seedPath string) error {
	logger, err := telemetry.NewLogger(cfg.Logging, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received shutdown signal", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing, err := telemetry.InitTracing(cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := risk.NewEngine(cfg.Risk.MaxWorkers)
	if err != nil {
		return fmt.Errorf("initialize risk engine: %w", err)
	}

	ruleSet := rules.NewRuleSet()
	if err := seedRules(ctx, repo, ruleSet, seedPath, cfg.Worker.TenantIDs); err != nil {
		return err
	}

	metrics := telemetry.NewMetrics()
	snapshotSvc := snapshots.NewService(repo, cacheImpl, cfg.Cache.SnapshotTTL)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	var workerTenants []string
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(worker.Deps{
			Bus:       busImpl,
			Snapshots: snapshotSvc,
			Engine:    engine,
			Rules:     ruleSet,
			RuleStore: repo,
			Providers: repo,
			Alerts:    alerting.NewProcessor(cacheImpl, cfg.Risk.MinAlertLevel, cfg.Risk.AlertDedupWindow),
			Metrics:   metrics,
		})
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			return fmt.Errorf("start async worker: %w", err)
		}
		workerTenants = cfg.Worker.TenantIDs
		slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:          repo,
		Cache:         cacheImpl,
		Bus:           busImpl,
		Engine:        engine,
		Rules:         ruleSet,
		Snapshots:     snapshotSvc,
		Metrics:       metrics,
		WorkerTenants: workerTenants,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		slog.Error("server failed", "error", serveErr)
	}
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("harrier shutdown complete")
	return serveErr
}

// seedRules writes the rule file into each listed tenant that has no rules
// yet and loads the tenant's rules. Without a file, rules come from the
// database via the API.
func seedRules(ctx context.Context, repo domain.Repository, rs *rules.RuleSet, path string, tenants []string) error {
	var seed []domain.RiskRule
	if path != "" {
		loaded, err := rules.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load seed rules: %w", err)
		}
		seed = loaded
		if len(tenants) == 0 {
			slog.Warn("seed rules given but no tenants configured", "path", path)
		}
	}

	for _, tenantID := range tenants {
		if len(seed) > 0 {
			n, err := rules.Seed(ctx, repo, tenantID, seed)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("risk rules seeded", "tenant_id", tenantID, "count", n)
			}
		}
		if _, err := rules.Reload(ctx, repo, rs, tenantID); err != nil {
			slog.Warn("failed to load rules", "tenant_id", tenantID, "error", err)
		}
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 HARRIER                   |")
	fmt.Println("  |        Provider Risk Assessment           |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /assess                - Assess a metrics snapshot")
	fmt.Println("    POST /assess/batch          - Assess many snapshots")
	fmt.Println("    POST /assess/async          - Queue assessment of stored providers")
	fmt.Println("    GET  /providers/health      - Assess, filter and sort stored providers")
	fmt.Println("    GET  /providers/{id}/risk   - Assess one stored provider")
	fmt.Println("    GET  /rules                 - List risk rules")
	fmt.Println("    POST /rules                 - Create a risk rule")
	fmt.Println("    PUT  /rules/{id}            - Update a risk rule")
	fmt.Println("    DELETE /rules/{id}          - Disable a risk rule")
	fmt.Println("    POST /rules/reload          - Hot-reload rules from database")
	fmt.Println("    GET  /health                - Health check")
	fmt.Println("    GET  /metrics               - Prometheus metrics")
	fmt.Println()
}
