// Package app wires the process together: it reads config, connects to
// infrastructure, and runs the mode cfg.Mode selects. It is the one place
// concrete Postgres-backed implementations of pkg/catalog's repository
// interfaces would be substituted in by a host application — this
// standalone binary has none (see runImporter/runMarcExport) because
// pkg/catalog deliberately ships no concrete schema (spec.md §1 Non-goal).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/opdshub/circulation-core/internal/config"
	"github.com/opdshub/circulation-core/internal/httpserver"
	"github.com/opdshub/circulation-core/internal/platform"
	"github.com/opdshub/circulation-core/internal/telemetry"
	"github.com/opdshub/circulation-core/pkg/lockstore"
	"github.com/opdshub/circulation-core/pkg/playtime"
)

// Run is the process entry point. It reads config, connects to
// infrastructure, and starts the mode cfg.Mode selects.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting circulation-core", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	db, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	metricsReg := prometheus.NewRegistry()
	metricsReg.MustRegister(telemetry.All()...)

	store := lockstore.New(rdb, cfg.RedisKeyPrefix)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, db, rdb, metricsReg)
	case "playtime":
		return runPlaytime(ctx, cfg, logger, db, metricsReg)
	case "marcexport":
		return runMarcExport(ctx, cfg, logger, store, db)
	case "importer":
		return runImporter(ctx, cfg, logger, store)
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

// runAPI serves the operator-facing healthz/readyz/metrics surface. The
// circulation manager's own HTTP route layer is explicitly out of scope
// for this module (spec.md §1) — a host application mounts its domain
// routes alongside this ops server.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	srv := httpserver.NewServer(logger, db, rdb, metricsReg)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down ops server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runPlaytime ticks the playtime aggregation pipeline (spec.md §4.8) on
// cfg.PlaytimeInterval. Unlike the catalog-backed modes below, this one
// owns its entire schema (playtime_entries/playtime_summaries) and needs
// no host-supplied repository, so it runs standalone.
func runPlaytime(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *pgxpool.Pool, metricsReg *prometheus.Registry) error {
	store := playtime.NewStore(db)
	aggregator := playtime.NewAggregator(store, logger, telemetry.PlaytimeEntriesAggregatedTotal)

	ticker := time.NewTicker(cfg.PlaytimeInterval)
	defer ticker.Stop()

	run := func() {
		if err := aggregator.Run(ctx, time.Now()); err != nil {
			logger.Error("playtime aggregation run failed", "error", err)
		}
	}
	run()
	for {
		select {
		case <-ctx.Done():
			logger.Info("playtime worker stopping")
			return nil
		case <-ticker.C:
			run()
		}
	}
}

// runMarcExport would tick the MARC export pipeline (spec.md §4.7) on
// cfg.MarcExportInterval. marcexport.Exporter needs a
// catalog.CirculationRepository and the per-library export target list
// (spec.md §3's Library entity), neither of which this module supplies a
// concrete source for (pkg/catalog is deliberately interface-only — see
// package doc). A host application embeds pkg/marcexport directly,
// supplying its own CirculationRepository and library list, rather than
// running this mode of the standalone binary.
func runMarcExport(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *lockstore.Store, db *pgxpool.Pool) error {
	return fmt.Errorf("marcexport mode requires a host-supplied catalog.CirculationRepository and library target list; embed pkg/marcexport directly instead of running this binary in marcexport mode")
}

// runImporter would run the OPDS import pipeline and the Apply
// Dispatcher consumer loop (spec.md §4.4/§4.9) for one collection.
// Both need per-collection protocol configuration (feed URL, SIP2/OIDC
// settings) and a catalog.BibliographicRepository/CirculationRepository
// pair that this module does not source on its own — see runMarcExport.
func runImporter(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *lockstore.Store) error {
	return fmt.Errorf("importer mode requires host-supplied collection configuration and catalog repositories; embed pkg/opds and pkg/applydispatch directly instead of running this binary in importer mode")
}
