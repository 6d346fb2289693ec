// Command seriesd serves the recurring event API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/cyp0633/eventseries/internal/config"
	"github.com/cyp0633/eventseries/internal/httpapi"
	"github.com/cyp0633/eventseries/internal/lock"
	"github.com/cyp0633/eventseries/internal/notify"
	"github.com/cyp0633/eventseries/recurrence"
	"github.com/cyp0633/eventseries/series"
	"github.com/cyp0633/eventseries/series/memory"
	"github.com/cyp0633/eventseries/series/postgres"
)

func main() {
	configPath := flag.String("config", "seriesd.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "seriesd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := newLogger(os.Stderr, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine := recurrence.NewEngineWithConfig(recurrence.EngineConfig{
		DefaultCount: cfg.Recurrence.DefaultCount,
		MaxCount:     cfg.Recurrence.MaxCount,
		CacheEnabled: cfg.Recurrence.Cache,
		CacheConfig: recurrence.CacheConfig{
			TTL:             cfg.Recurrence.CacheTTL,
			MaxEntries:      cfg.Recurrence.CacheMax,
			CleanupInterval: cfg.Recurrence.CacheTTL / 2,
		},
		Logger: logger,
	})
	defer engine.Close()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	var publisher series.Publisher
	if cfg.MQTT.Broker != "" {
		p, err := notify.Connect(notify.Options{
			BrokerURL:   cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		defer p.Close()
		publisher = p
	}

	svc := series.Config{
		Store:     store,
		Engine:    engine,
		Locker:    locker,
		Publisher: publisher,
		Logger:    logger,
	}

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.New(httpapi.Config{
		Occurrences:    series.NewOccurrenceService(svc),
		Modify:         series.NewModificationEngine(svc),
		Engine:         engine,
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{Addr: cfg.ServerAddress, Handler: router}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "address", cfg.ServerAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (series.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, using the in-memory store")
		return memory.New(), func() {}, nil
	}

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := postgres.RunMigrations(ctx, db, cfg.MigrationsPath); err != nil {
		db.Close()
		return nil, nil, err
	}
	return postgres.New(db, logger), closer(db, logger), nil
}

func closer(db *sqlx.DB, logger *slog.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.Warn("failed to close database", "error", err)
		}
	}
}

func openLocker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (series.Locker, func(), error) {
	if cfg.Redis.Address == "" {
		return lock.NewLocal(cfg.Redis.LockWait), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       0,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Address, err)
	}
	logger.Info("using redis locks", "address", cfg.Redis.Address)
	l := lock.NewRedis(client, lock.RedisOptions{
		TTL:    cfg.Redis.LockTTL,
		Wait:   cfg.Redis.LockWait,
		Logger: logger,
	})
	return l, func() { client.Close() }, nil
}
