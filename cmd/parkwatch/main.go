// Package main is the ParkWatch entry point: it wires the camera
// orchestrator, the record store, notifications and the HTTP API
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

	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/ParkWatch/internal/api"
	"github.com/Spatial-NVR/ParkWatch/internal/config"
	"github.com/Spatial-NVR/ParkWatch/internal/database"
	"github.com/Spatial-NVR/ParkWatch/internal/detection"
	"github.com/Spatial-NVR/ParkWatch/internal/logging"
	"github.com/Spatial-NVR/ParkWatch/internal/notify"
	"github.com/Spatial-NVR/ParkWatch/internal/orchestrator"
	"github.com/Spatial-NVR/ParkWatch/internal/recording"
	"github.com/Spatial-NVR/ParkWatch/internal/statistics"
	"github.com/Spatial-NVR/ParkWatch/internal/violation"
)

const defaultConfigPath = "/config/parkwatch.yaml"

func main() {
	// Bootstrap logger until the config says otherwise
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("ParkWatch exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ParkWatch stopped")
}

func run(ctx context.Context) error {
	configPath := getEnv("CONFIG_PATH", defaultConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logBuffer := setupLogging(cfg)
	logger := slog.Default().With("component", "main")

	loc, err := cfg.Location()
	if err != nil {
		logger.Warn("Falling back to local timezone", "error", err)
	}
	now := func() time.Time { return time.Now().In(loc) }

	logger.Info("Starting ParkWatch",
		"version", api.Version,
		"config_path", configPath,
		"storage_path", cfg.System.StoragePath,
		"timezone", loc.String(),
	)

	// Record store
	dbConfig := database.DefaultConfig(cfg.System.StoragePath)
	if cfg.System.Database.Path != "" {
		dbConfig.Path = cfg.System.Database.Path
	}
	db, err := database.Open(dbConfig)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := database.NewMigrator(db)
	if err := migrator.Run(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrator.Verify(ctx, database.RecordTables...); err != nil {
		return err
	}

	segments := recording.NewSQLiteRepository(db.DB)
	detections := detection.NewSQLiteRepository(db.DB)
	violations := violation.NewSQLiteRepository(db.DB)
	dailyStats := statistics.NewSQLiteRepository(db.DB)

	// Notifications
	bus, err := notify.NewEventBus(notify.EventBusConfig{Port: cfg.EventBus.Port}, slog.Default())
	if err != nil {
		return err
	}
	defer bus.Stop()

	hub := notify.NewHub(cfg.Server.CORSOrigins)
	notifier := notify.NewFanout(bus, hub)

	// Camera pipeline
	tracker, err := detection.NewClient(detection.ClientConfig{
		Address: cfg.Tracker.Address,
		Timeout: time.Duration(cfg.Tracker.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create tracker client: %w", err)
	}

	evaluator := violation.NewEvaluator(violations, notifier)
	orch := orchestrator.New(orchestrator.Options{
		Tracker:       tracker,
		Evaluator:     evaluator,
		Segments:      segments,
		Detections:    detections,
		Notifier:      notifier,
		SweepInterval: time.Duration(cfg.Retention.IntervalHrs) * time.Hour,
		RetryInterval: time.Duration(cfg.Retention.RetryMinutes) * time.Minute,
		Now:           now,
	})

	aggregator := statistics.NewAggregator(detections, dailyStats, notifier, loc)

	cfg.OnChange(func(c *config.Config) {
		logger.Info("Configuration reloaded", "cameras", len(c.ListCameras()))
	})
	if err := cfg.Watch(); err != nil {
		logger.Warn("Config hot reload disabled", "error", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Cameras:     api.NewCameraHandler(cfg, orch),
		Violations:  api.NewViolationHandler(violations),
		Statistics:  api.NewStatisticsHandler(aggregator),
		History:     api.NewHistoryHandler(segments, loc),
		Logs:        api.NewLogHandler(logBuffer),
		WebSocket:   hub.HandleWebSocket,
		CORSOrigins: cfg.Server.CORSOrigins,
		Health: map[string]api.HealthFunc{
			"database":  db.Health,
			"event_bus": bus.HealthCheck,
		},
	})

	server := &http.Server{
		Addr:        cfg.Server.Listen,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		db.Maintain(gctx, time.Duration(cfg.System.Database.MaintainMinutes)*time.Minute)
		return nil
	})

	if cfg.Statistics.Enabled {
		scheduler := statistics.NewScheduler(aggregator)
		g.Go(func() error {
			return scheduler.Run(gctx)
		})
	}

	if minutes := cfg.Violations.DedupPruneMinutes; minutes > 0 {
		g.Go(func() error {
			pruneDedup(gctx, evaluator, time.Duration(minutes)*time.Minute)
			return nil
		})
	}

	autostart(cfg, orch, logger)

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Error("Orchestrator shutdown error", "error", err)
		}

		frames, failures := tracker.Stats()
		logger.Info("Tracker client totals", "frames", frames, "errors", failures)
		return nil
	})

	return g.Wait()
}

// setupLogging installs the JSON handler that also feeds /api/v1/logs.
// LOG_LEVEL overrides system.logging.level.
func setupLogging(cfg *config.Config) *logging.RingBuffer {
	levelName := cfg.System.Logging.Level
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		levelName = env
	}
	level, err := logging.ParseLevel(levelName)

	buffer := logging.NewRingBuffer(cfg.System.Logging.BufferSize)
	slog.SetDefault(slog.New(logging.NewStreamHandler(buffer, os.Stdout, level)))

	if err != nil {
		slog.Warn("Unknown log level, using info", "level", levelName)
	}
	return buffer
}

// autostart starts every configured camera marked autostart. A camera that
// fails validation is logged and skipped.
func autostart(cfg *config.Config, orch *orchestrator.Orchestrator, logger *slog.Logger) {
	for _, cam := range cfg.ListCameras() {
		if !cam.Autostart {
			continue
		}
		result, err := orch.Start(cam)
		if err != nil {
			logger.Error("Failed to autostart camera", "camera", cam.ID, "error", err)
			continue
		}
		if !result.Success {
			logger.Warn("Camera not autostarted", "camera", cam.ID, "reason", result.Message)
		}
	}
}

// pruneDedup drops violation dedup entries older than maxAge once a minute
func pruneDedup(ctx context.Context, evaluator *violation.Evaluator, maxAge time.Duration) {
	logger := slog.Default().With("component", "main")
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := evaluator.Prune(maxAge); n > 0 {
				logger.Debug("Pruned violation dedup entries", "removed", n, "tracked", evaluator.Tracked())
			}
		}
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
