package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/config"
	"github.com/participant-hub/identity/internal/db"
	"github.com/participant-hub/identity/internal/events"
	"github.com/participant-hub/identity/internal/repositories"
	"github.com/participant-hub/identity/internal/services"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.DBMaxConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Repos
	participantRepo := repositories.NewParticipantRepo(pool)
	mergeRepo := repositories.NewMergeRepo(pool)

	// Jobs
	publisher := events.NewRedisPublisher(rdb, log)
	scanner := services.NewIntegrityScanner(participantRepo, cfg.ResolveMaxDepth, log)
	digest := services.NewConflictDigest(mergeRepo, publisher, cfg.ConflictNotifyTelegramIDs, log)

	go serveMetrics(cfg.WorkerPort, log)

	log.Info("worker started",
		zap.Duration("integrity_scan_interval", cfg.IntegrityScanInterval),
		zap.Duration("conflict_digest_interval", cfg.ConflictDigestInterval),
	)

	scanTicker := time.NewTicker(cfg.IntegrityScanInterval)
	digestTicker := time.NewTicker(cfg.ConflictDigestInterval)
	defer scanTicker.Stop()
	defer digestTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	runIntegrityScan(ctx, scanner, log)

	for {
		select {
		case <-scanTicker.C:
			runIntegrityScan(ctx, scanner, log)
		case <-digestTicker.C:
			runConflictDigest(ctx, digest, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runIntegrityScan(ctx context.Context, scanner *services.IntegrityScanner, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()

	broken, err := scanner.ScanAll(ctx)
	if err != nil {
		log.Error("integrity scan failed", zap.Error(err))
		return
	}
	if len(broken) > 0 {
		log.Error("merge pointer integrity violated", zap.Int("broken_chains", len(broken)))
	}
}

func runConflictDigest(ctx context.Context, digest *services.ConflictDigest, log *zap.Logger) {
	if _, err := digest.Run(ctx); err != nil {
		log.Error("conflict digest failed", zap.Error(err))
	}
}

func serveMetrics(port string, log *zap.Logger) {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if err := app.Listen(fmt.Sprintf(":%s", port)); err != nil {
		log.Error("worker metrics server stopped", zap.Error(err))
	}
}
