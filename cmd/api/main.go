package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/participant-hub/identity/internal/audit"
	"github.com/participant-hub/identity/internal/canonical"
	"github.com/participant-hub/identity/internal/config"
	"github.com/participant-hub/identity/internal/db"
	"github.com/participant-hub/identity/internal/events"
	apphttp "github.com/participant-hub/identity/internal/http"
	"github.com/participant-hub/identity/internal/http/handlers"
	"github.com/participant-hub/identity/internal/matching"
	"github.com/participant-hub/identity/internal/merge"
	"github.com/participant-hub/identity/internal/metrics"
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

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, cfg.DBMaxConns, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	migrations, err := db.Migrations(cfg.MigrationsDir)
	if err != nil {
		log.Fatal("failed to open migrations", zap.Error(err))
	}
	if err := db.RunMigrations(ctx, pool, migrations, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	policy := matching.DefaultPolicy()
	if cfg.MatchPolicyFile != "" {
		if policy, err = matching.LoadPolicyFile(cfg.MatchPolicyFile); err != nil {
			log.Fatal("failed to load match policy", zap.String("path", cfg.MatchPolicyFile), zap.Error(err))
		}
	}

	m := metrics.New()

	// Repositories
	participantRepo := repositories.NewParticipantRepo(pool)
	mergeRepo := repositories.NewMergeRepo(pool)
	importRepo := repositories.NewImportRepo(pool, cfg.ResolveMaxDepth)
	auditRepo := repositories.NewAuditRepo(pool)
	memberRepo := repositories.NewMemberRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	resolver := canonical.NewResolver(participantRepo, cfg.ResolveMaxDepth)
	recorder := audit.NewRecorder(auditRepo, audit.NewLineage(resolver, participantRepo), m, log)
	locker := merge.NewRedisLocker(rdb, cfg.MergeLockTTL, cfg.MergeLockWait)
	coordinator := merge.NewCoordinator(mergeRepo, cfg.ResolveMaxDepth, locker, recorder, publisher, m, log)
	engine := matching.NewEngine(policy, cfg.MatchWorkers, log, m)
	identityService := services.NewIdentityService(participantRepo, importRepo, engine, resolver, coordinator, recorder, publisher, m, log)

	// Handlers
	authHandler := handlers.NewAuthHandler(memberRepo, handlers.AuthConfig{
		BotToken:       cfg.BotToken,
		JWTSecret:      cfg.JWTSecret,
		JWTExpiration:  cfg.JWTExpiration,
		InitDataMaxAge: cfg.InitDataMaxAge,
	}, log)
	identityHandler := handlers.NewIdentityHandler(identityService, cfg.ImportMaxFileBytes, log)
	wsHub := handlers.NewWSHub(cfg.JWTSecret, subscriber, log)

	// Start WS hub
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit: cfg.ImportMaxFileBytes + 1<<20,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, authHandler, identityHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
