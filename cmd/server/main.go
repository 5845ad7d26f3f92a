package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sentryview/sentryview/internal/api"
	"github.com/sentryview/sentryview/internal/app"
	"github.com/sentryview/sentryview/internal/app/maintenance"
	"github.com/sentryview/sentryview/internal/cache"
	"github.com/sentryview/sentryview/internal/classify"
	"github.com/sentryview/sentryview/internal/database"
	"github.com/sentryview/sentryview/internal/idle"
	"github.com/sentryview/sentryview/internal/media"
	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/internal/realtime"
	"github.com/sentryview/sentryview/internal/sampler"
	"github.com/sentryview/sentryview/internal/session"
	"github.com/sentryview/sentryview/internal/storage"
	"github.com/sentryview/sentryview/internal/vision"
	"github.com/sentryview/sentryview/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sentryview-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server.LogLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	db, err := initialiseDatabase(cfg)
	if err != nil {
		return err
	}
	defer closeDatabase(db, log)

	cacheStore := selectCacheStore(cfg, db, log)
	defer func() {
		if rc, ok := cacheStore.(*cache.RedisClient); ok && rc != nil {
			_ = rc.Close()
		}
	}()

	artifacts, err := storage.NewFilesystemStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("initialise artifact store: %w", err)
	}
	sessions := storage.NewSessionStore(db)
	backgrounds := storage.NewBackgroundStore(db)

	hub := realtime.NewHub()

	var classifier classify.Classifier
	if strings.TrimSpace(cfg.Classifier.Endpoint) != "" {
		classifier = classify.NewHTTPClassifier(cfg.Classifier.Endpoint, cfg.Classifier.APIKey,
			classify.WithModel(cfg.Classifier.Model),
			classify.WithRequestTimeout(cfg.Classifier.Timeout),
		)
	}
	// The fallback wrapper keeps the sampler emitting even when no endpoint
	// is configured or the configured one misbehaves.
	wrapped := classify.WithFallback(classifier)

	engine := session.NewEngine(
		media.NewSyntheticSource(),
		func() vision.Segmenter { return vision.NewEllipseSegmenter() },
		wrapped,
		artifacts,
		sessions,
		backgrounds,
		cacheStore,
		session.WithRetention(cfg.Capture.Retention),
		session.WithCheckpointInterval(cfg.Capture.CheckpointInterval),
		session.WithIdleOptions(idle.WithThreshold(cfg.Capture.IdleThreshold)),
		session.WithSamplerOptions(sampler.WithIntervals(cfg.Capture.SampleInterval, cfg.Capture.IdleSampleInterval)),
		session.WithListener(func(snapshot session.StateSnapshot) {
			hub.Broadcast(realtime.StreamCaptureState, "state", snapshot)
		}),
		session.WithLogListener(func(entry models.SessionLog) {
			hub.Broadcast(realtime.StreamSessionLogs, "log", entry)
		}),
		session.WithOnComplete(func(record *models.RecordedSession) {
			hub.Broadcast(realtime.StreamSessions, "stored", record)
		}),
	)

	if cfg.Maintenance.Enabled {
		cleaner := maintenance.NewCleaner(sessions, artifacts, cfg.Capture.Retention,
			maintenance.WithSchedule(cfg.Maintenance.Schedule))
		if err := cleaner.Start(); err != nil {
			return fmt.Errorf("start maintenance jobs: %w", err)
		}
		defer cleaner.Stop()
	}

	router := api.NewRouter(api.Dependencies{
		Engine:      engine,
		Sessions:    sessions,
		Backgrounds: backgrounds,
		Artifacts:   artifacts,
		Hub:         hub,
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	// An active session must not lose footage to a restart: stop it through
	// the full path before the listener goes away.
	if _, err := engine.Stop(context.Background()); err == nil {
		log.Info("active session finalised before shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	if err, ok := <-serverErr; ok && err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func selectCacheStore(cfg *app.Config, db *gorm.DB, log *zap.Logger) cache.Store {
	if cfg.Cache.Redis.Enabled {
		client, err := cache.NewRedisClient(cache.RedisConfig{
			Address:  cfg.Cache.Redis.Address,
			Username: cfg.Cache.Redis.Username,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			TLS:      cfg.Cache.Redis.TLS,
			Timeout:  cfg.Cache.Redis.Timeout,
		})
		if err != nil {
			log.Warn("redis unavailable; falling back to database-backed recovery cache", zap.Error(err))
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
			return client
		}
	}
	return cache.NewDatabaseStore(db)
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrateAndSeed(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	logger.WithModule("database").Info("database connected",
		zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))
	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = cfg.Database.Postgres.Password
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = cfg.Database.MySQL.Password
	}
	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to access database handle during shutdown", zap.Error(err))
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
