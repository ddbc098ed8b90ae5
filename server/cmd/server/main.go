package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/asiaops/asia/server/internal/alerts"
	"github.com/asiaops/asia/server/internal/api"
	"github.com/asiaops/asia/server/internal/blob"
	"github.com/asiaops/asia/server/internal/breaker"
	"github.com/asiaops/asia/server/internal/config"
	"github.com/asiaops/asia/server/internal/diagnosis"
	"github.com/asiaops/asia/server/internal/events"
	"github.com/asiaops/asia/server/internal/metrics"
	"github.com/asiaops/asia/server/internal/pipeline"
	"github.com/asiaops/asia/server/internal/store"
	"github.com/asiaops/asia/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	watch := flag.Bool("watch", true, "reload log level and alert rules when the config file changes")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("asia-server starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(cfg.Server.Level())

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"storage", cfg.Storage.Backend,
		"blob", cfg.Blob.Backend,
		"diagnosis", cfg.Diagnosis.Backend,
		"model", cfg.Diagnosis.Model,
		"alert_rules", len(cfg.Alerts.Rules),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *configPath, *watch, &level); err != nil {
		slog.Error("asia-server stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("asia-server shut down")
}

func run(ctx context.Context, cfg *config.Config, configPath string, watch bool, level *slog.LevelVar) error {
	g, gctx := errgroup.WithContext(ctx)

	// Document store: runs, signals, anomaly results and chat logs.
	var st store.Store
	switch cfg.Storage.Backend {
	case "sqlite":
		sq, err := store.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return err
		}
		st = sq
	default:
		mem := store.NewMemory(cfg.Storage.Retention)
		g.Go(func() error {
			mem.Run(gctx)
			return nil
		})
		st = mem
	}
	defer st.Close()

	// Blob store for the raw uploads.
	var blobs blob.Store
	switch cfg.Blob.Backend {
	case "gcs":
		gcs, err := blob.NewGCS(ctx, cfg.Blob.Bucket)
		if err != nil {
			return err
		}
		blobs = gcs
	default:
		local, err := blob.NewLocal(cfg.Blob.Dir)
		if err != nil {
			return err
		}
		blobs = local
	}
	defer blobs.Close()

	gen, err := diagnosis.NewGenAI(ctx, diagnosis.GenAIConfig{
		Backend:  cfg.Diagnosis.Backend,
		APIKey:   cfg.Diagnosis.APIKey(),
		Project:  cfg.Diagnosis.Project,
		Location: cfg.Diagnosis.Location,
		Model:    cfg.Diagnosis.Model,
	})
	if err != nil {
		return err
	}
	diag := diagnosis.New(gen, diagnosis.Options{
		Timeout:         cfg.Diagnosis.Timeout,
		LagThresholdDeg: cfg.Diagnosis.LagThresholdDeg,
		Breaker: breaker.New("diagnosis", breaker.Config{
			MaxFailures:  cfg.Diagnosis.Breaker.MaxFailures,
			ResetTimeout: cfg.Diagnosis.Breaker.ResetTimeout,
		}),
	})

	var pub events.Publisher = events.Nop{}
	if len(cfg.Events.Brokers) > 0 {
		pub = events.NewKafka(cfg.Events.Brokers, cfg.Events.Topic)
		slog.Info("publishing run events", "brokers", cfg.Events.Brokers, "topic", cfg.Events.Topic)
	}
	defer pub.Close()

	alertEngine := alerts.New(cfg.Alerts)
	defer alertEngine.Wait()

	m := metrics.New()

	// The hub is created after the service; OnChange only fires on requests.
	var hub *ws.Hub
	svc := pipeline.New(pipeline.Deps{
		Blobs:     blobs,
		Store:     st,
		Diagnoser: diag,
		Events:    pub,
		Alerts:    alertEngine,
		Metrics:   m,
		OnChange:  func() { hub.Notify() },
	})
	hub = ws.New(svc, cfg.Stream.Interval)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if watch {
		g.Go(func() error {
			err := config.Watch(gctx, configPath, func(next *config.Config) {
				level.Set(next.Server.Level())
				alertEngine.SetRules(next.Alerts)
				slog.Info("config applied",
					"log_level", next.Server.LogLevel,
					"alert_rules", len(next.Alerts.Rules),
				)
			})
			if err != nil {
				slog.Error("config watcher stopped", "err", err)
			}
			return nil
		})
	}

	handler := api.New(svc, api.Options{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Alerts:         alertEngine,
		Metrics:        m.Handler(),
		Stream:         hub,
	})
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler: api.WithAccessLog(handler),
	}

	g.Go(func() error {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("asia-server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
