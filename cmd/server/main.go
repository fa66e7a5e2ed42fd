package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amerfu/aigateway/internal/analytics"
	"github.com/amerfu/aigateway/internal/config"
	"github.com/amerfu/aigateway/internal/crypto"
	"github.com/amerfu/aigateway/internal/database"
	"github.com/amerfu/aigateway/internal/handlers"
	"github.com/amerfu/aigateway/internal/logger"
	"github.com/amerfu/aigateway/internal/middleware"
	"github.com/amerfu/aigateway/internal/proxy"
	"github.com/amerfu/aigateway/internal/router"
	"github.com/amerfu/aigateway/internal/services/deployment"
	"github.com/amerfu/aigateway/internal/services/keystore"
	"github.com/amerfu/aigateway/internal/services/ratelimit"
	"github.com/amerfu/aigateway/internal/services/spend"
)

func main() {
	// Missing .env is fine in containerized deployments.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("Gateway exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	db, err := database.Connect(&database.Config{
		DSN:             cfg.Database.URL,
		MaxConnections:  cfg.Database.MaxConnections,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		Logger:          log,
	})
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer database.Close(db)
	log.Info("Connected to database")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClient.Close()
	log.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr()))

	clickhouseStore, err := analytics.NewClickHouse(ctx, &cfg.ClickHouse, log)
	if err != nil {
		return fmt.Errorf("clickhouse: %w", err)
	}
	defer clickhouseStore.Close()

	resolver := deployment.NewResolver(&deployment.ResolverConfig{
		DB:        db,
		Cache:     redisClient,
		Decryptor: crypto.NewDecryptor(cfg.Gateway.EncryptionKey),
		Logger:    log,
	})

	queue := spend.NewQueue(redisClient, log)
	worker := spend.NewWorker(&spend.WorkerConfig{
		Queue:     queue,
		Settler:   spend.NewSettler(db, cfg.Spend.CreditMultiplier, log),
		Analytics: clickhouseStore,
		Client:    redisClient,
		Logger:    log,
		Interval:  cfg.Spend.WorkerInterval,
		BatchSize: cfg.Spend.BatchSize,
	})
	worker.Start()

	engine := proxy.NewEngine(&proxy.EngineConfig{
		Timeout: cfg.Gateway.RequestTimeoutDuration(),
		Logger:  log,
	})

	admission := middleware.NewAdmission(&middleware.AdmissionConfig{
		Keys:       keystore.NewStore(db),
		Resolver:   resolver,
		Limiter:    ratelimit.NewLimiter(redisClient, log),
		Logger:     log,
		FreeModels: cfg.Gateway.FreeModels(),
		DefaultRPM: cfg.Gateway.DefaultRateLimitRPM,
	})

	handler := router.New(&router.Dependencies{
		Admission: admission,
		LLM: handlers.NewLLMHandler(&handlers.LLMHandlerConfig{
			Engine: engine,
			Queue:  queue,
			Logger: log,
		}),
		Messages: handlers.NewMessagesHandler(&handlers.MessagesHandlerConfig{
			Engine: engine,
			Queue:  queue,
			Logger: log,
		}),
		Models:      handlers.NewModelsHandler(db, log),
		Attestation: handlers.NewAttestationHandler(engine, log),
		CORS:        cfg.CORS,
		Logger:      log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Gateway listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-stop:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.GracefulShutdown)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown incomplete", zap.Error(err))
	}
	// Drain what the in-flight requests just enqueued before closing
	// the stores.
	worker.Stop(shutdownCtx)

	log.Info("Gateway stopped")
	return nil
}
