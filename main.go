package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"game-coordination-system/handlers"
	"game-coordination-system/middleware"
	"game-coordination-system/services"
	"game-coordination-system/utils"
	"game-coordination-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatal("invalid configuration: ", err)
	}

	logger, err := utils.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to build logger: ", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL environment variable not set")
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	cache, err := utils.NewCache(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer cache.Close()

	archive, err := utils.NewArchive(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to initialize ticket archive", zap.Error(err))
	}

	lockOpts := utils.LockOptions{
		TTL:     cfg.LockTTL,
		Backoff: cfg.LockBackoff,
		Timeout: cfg.LockTimeout,
	}
	lobbyLocker := utils.NewLocker(cache, lockOpts, logger)
	lockOpts.ValueTTL = cfg.TicketTTL
	ticketLocker := utils.NewLocker(cache, lockOpts, logger)
	watcher := utils.NewWatcher(cache, cfg.TxnTimeout, logger)

	providers := services.NewProviderRegistry(services.NewGameLiftFactory(cfg.GameLiftRoleARN, logger))
	notifications := services.NewNotificationService(cache, logger)
	directory := services.NewDirectoryService(db)
	latency := services.NewLatencyService(cache, cfg, logger)
	parties := services.NewPartyService(cache, watcher, notifications, directory, cfg.MaxPlayersPerParty, logger)
	matchmaking, err := services.NewMatchmakingService(cache, ticketLocker, providers, parties, latency, notifications, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build matchmaking service", zap.Error(err))
	}
	lobbies := services.NewLobbyService(cache, lobbyLocker, parties, matchmaking, latency, directory, notifications, providers, cfg, logger)

	sweeper := workers.NewTicketSweeper(cache, ticketLocker, archive, cfg, logger)
	if err := sweeper.Start(ctx); err != nil {
		logger.Fatal("failed to start ticket sweeper", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		BodyLimit:             1 * 1024 * 1024,
		DisableStartupMessage: true,
	})

	// 🔐❗ GLOBAL: Only Gateway requests allowed
	app.Use(middleware.GatewayAuthMiddleware(cfg.GameServiceToken, logger))

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000"
	}
	origins := strings.Split(allowedOrigins, ",")
	for i, origin := range origins {
		origins[i] = strings.TrimSpace(origin)
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(origins, ","),
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS,PATCH,HEAD",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Requested-With, X-Request-ID, X-Player-ID, X-User-Roles",
		MaxAge:       86400,
	}))

	app.Use(middleware.PlayerContextMiddleware(logger))

	handlers.SetupMatchmakingRoutes(app, matchmaking, latency, logger)
	handlers.SetupPartyRoutes(app, parties, logger)
	handlers.SetupLobbyRoutes(app, lobbies, logger)
	handlers.SetupMessageRoutes(app, notifications, logger)

	go func() {
		if err := app.Listen(cfg.ListenAddr); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	logger.Info("✅ Server running",
		zap.String("addr", cfg.ListenAddr),
		zap.String("region", cfg.AWSRegion),
		zap.String("tenant", cfg.Tenant),
		zap.Bool("archive", archive != nil))

	<-ctx.Done()
	logger.Info("Shutting down server...")

	if err := sweeper.Stop(); err != nil {
		logger.Warn("sweeper shutdown failed", zap.Error(err))
	}
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warn("server shutdown failed", zap.Error(err))
	}
}
