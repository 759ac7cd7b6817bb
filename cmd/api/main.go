package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/auth"
	"github.com/hearly/hearly-api/internal/config"
	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/fabric"
	"github.com/hearly/hearly-api/internal/logger"
	"github.com/hearly/hearly-api/internal/media"
	"github.com/hearly/hearly-api/internal/payments"
	"github.com/hearly/hearly-api/internal/server"
)

// @title           Hearly API
// @version         1.0
// @description     Realtime backend for paid talker to listener calls

// @host      localhost:8080
// @BasePath  /api/v1

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		// Not an error in deployed environments.
		_ = err
	}

	cfg, err := config.Load()
	if err != nil {
		logger.InitLogger("development")
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	logger.InitLogger(cfg.Stage)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("unable to parse database connection string", zap.Error(err))
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = time.Minute * 30

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Fatal("unable to create connection pool", zap.Error(err))
	}
	defer pool.Close()
	store := db.NewStore(pool)

	// Event fabric
	var fab fabric.Fabric
	if cfg.RedisAddr != "" {
		redisFabric, err := fabric.NewRedisFabric(fabric.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Fatal("unable to connect to redis", zap.Error(err))
		}
		defer redisFabric.Close()
		fab = redisFabric
	} else {
		fab = fabric.NewMemoryFabric()
		logger.Info("using in-memory fabric")
	}

	// Payment gateway
	gateway := payments.NewStripeService(logger.Log)
	if err := gateway.Configure(
		cfg.PaymentAPIKey,
		cfg.PaymentWebhookSecret,
		cfg.CheckoutSuccessURL,
		cfg.CheckoutCancelURL,
	); err != nil {
		logger.Fatal("unable to configure payment gateway", zap.Error(err))
	}

	mediaIssuer := media.NewTokenIssuer(cfg.MediaAppID, cfg.MediaAppCertificate, cfg.MediaTokenTTL)
	tokens := auth.NewTokenService(cfg.TokenSecret, 0)

	eng := engine.New(store, fab, logger.Log, engine.Config{
		TickInterval:     cfg.TimerTickInterval,
		WarningThreshold: cfg.WarningThreshold,
	})

	srv := server.New(cfg, store, fab, gateway, mediaIssuer, eng, tokens)
	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server exiting")
}
