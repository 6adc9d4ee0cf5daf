/*
serve.go - Server wiring

STARTUP SEQUENCE:
  1. Load configuration (config.LoadConfig), apply flag overrides
  2. Build the zap logger at LOG_LEVEL
  3. Open the store (SQLite, or in-process for "memory")
  4. Select the rail (wallets | attested), notifier (RabbitMQ if
     RABBITMQ_URL, else log) and locker (Redis if REDIS_URL, else local)
  5. Register Prometheus metrics and build insurance.Service
  6. Start the auto-approval keeper if AUTO_APPROVE_SCHEDULE is set
  7. Serve HTTP until the context is cancelled

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the keeper, waiting for a running pass
  2. Stop accepting new connections, drain requests (30s timeout)
  3. Close broker, Redis and database connections
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/benefit-pool/api"
	"github.com/warp/benefit-pool/config"
	"github.com/warp/benefit-pool/insurance"
	"github.com/warp/benefit-pool/lock"
	"github.com/warp/benefit-pool/metrics"
	"github.com/warp/benefit-pool/notify"
	"github.com/warp/benefit-pool/rail"
	"github.com/warp/benefit-pool/store/memory"
	"github.com/warp/benefit-pool/store/sqlite"
)

// memoryStore selects the in-process store in DATABASE_PATH.
const memoryStore = "memory"

const lockTTL = 30 * time.Second

type serveOptions struct {
	configDir string
	port      string
	dbPath    string
}

func (o *serveOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configDir, "config-dir", ".", "directory holding an optional .env")
	cmd.Flags().StringVar(&o.port, "port", "", "HTTP port (overrides SERVER_PORT)")
	cmd.Flags().StringVar(&o.dbPath, "db", "", `SQLite path, or "memory" (overrides DATABASE_PATH)`)
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.LoadConfig(opts.configDir)
	if err != nil {
		return err
	}
	if opts.port != "" {
		cfg.ServerPort = opts.port
	}
	if opts.dbPath != "" {
		cfg.DatabasePath = opts.dbPath
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Warn("close failed", zap.Error(err))
			}
		}
	}()

	// Store
	var (
		store  insurance.TxStore
		health api.Pinger
	)
	if cfg.DatabasePath == memoryStore {
		store = memory.New()
		log.Warn("using in-process store, state is lost on exit")
	} else {
		db, err := sqlite.New(cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		closers = append(closers, db.Close)
		store, health = db, db
	}

	// Rail
	var (
		paymentRail insurance.PaymentRail
		wallets     *rail.Wallets
	)
	switch cfg.Rail {
	case config.RailAttested:
		paymentRail = rail.NewAttested(cfg.Unit(), log)
	default:
		wallets = rail.NewWallets(cfg.Unit(), log)
		paymentRail = wallets
	}

	// Notifier
	var notifier insurance.Notifier = notify.NewFallback(log)
	if cfg.RabbitMQURL != "" {
		producer, err := notify.NewRabbitMQ(cfg.RabbitMQURL, cfg.EventsExchange, log)
		if err != nil {
			log.Warn("rabbitmq unavailable, events will only be logged", zap.Error(err))
		} else {
			closers = append(closers, func() error { producer.Close(); return nil })
			notifier = producer
		}
	}

	// Locker
	var locker insurance.Locker = lock.NewLocal()
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(redisOpts)
		closers = append(closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		prefix := strings.TrimSuffix(cfg.RedisLockPrefix, ":") + ":"
		if locker, err = lock.NewRedis(client, prefix, lockTTL, log); err != nil {
			return err
		}
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	policy := insurance.DefaultPolicy()
	policy.Unit = cfg.Unit()
	svc, err := insurance.NewService(insurance.Params{
		Store:    store,
		Rail:     paymentRail,
		Policy:   policy,
		Notifier: notifier,
		Locker:   locker,
		Logger:   log,
		Metrics:  m,
	})
	if err != nil {
		return err
	}

	// Keeper
	if cfg.AutoApproveSchedule != "" {
		keeper, err := api.NewAutoApprovalScheduler(svc, cfg.AutoApproveSchedule, log)
		if err != nil {
			return err
		}
		keeper.Start()
		defer func() { <-keeper.Stop().Done() }()
	}

	handler := api.NewHandler(svc, log)
	handler.Wallets = wallets
	handler.Health = health

	if wallets != nil && len(cfg.Admins()) == 0 {
		log.Warn("ADMIN_IDS is empty, wallet admin routes refuse every caller")
	}
	if cfg.AuthDisabled {
		cfg.JWTSecret = ""
		log.Warn("authentication disabled, trusting " + api.ParticipantHeader)
	}
	router := api.NewRouter(handler, api.RouterOptions{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.Origins(),
		Admins:         cfg.Admins(),
		Logger:         log,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("rail", cfg.Rail),
			zap.String("unit", string(cfg.Unit())),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level = strings.TrimSpace(level); level == "" {
		level = "info"
	}
	if err := zapCfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return zapCfg.Build()
}
