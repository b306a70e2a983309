package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sosnow/sosrelay/internal/alert"
	"github.com/sosnow/sosrelay/internal/api"
	"github.com/sosnow/sosrelay/internal/audit"
	"github.com/sosnow/sosrelay/internal/config"
	"github.com/sosnow/sosrelay/internal/coverage"
	"github.com/sosnow/sosrelay/internal/engine"
	"github.com/sosnow/sosrelay/internal/feed"
	"github.com/sosnow/sosrelay/internal/hub"
)

func main() {
	cfgPath := flag.String("config", "configs/sosrelay.yaml", "Path to YAML config")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	logLevel := flag.String("log-level", "", "Log level (overrides log_level)")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	// ── Load config ──────────────────────────────────────────────────────────
	loader, err := config.NewLoader(*cfgPath, logger)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Error("invalid log level", "level", cfg.LogLevel, "err", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	// ── Audit sinks ───────────────────────────────────────────────────────────
	sink, err := openAudit(cfg.Audit, logger)
	if err != nil {
		slog.Error("failed to open audit log", "err", err)
		os.Exit(1)
	}

	// ── Engine and session hub ────────────────────────────────────────────────
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessions := hub.New(cfg.Session, logger.With("component", "hub"))
	eng := engine.New(ctx, engine.Deps{
		Store:    alert.NewStore(),
		Coverage: coverage.NewRegistry(cfg.Coverage.Circle()),
		Sink:     sink,
		Fanout:   sessions,
		Logger:   logger.With("component", "engine"),
	}, cfg.Engine)
	slog.Info("coverage initialised", "coverage", eng.Coverage())

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	var (
		reloadMu sync.Mutex
		applied  = cfg.Coverage.Circle()
	)
	loader.OnChange(func(newCfg *config.Config) {
		if *logLevel == "" {
			if err := level.UnmarshalText([]byte(newCfg.LogLevel)); err != nil {
				slog.Warn("hot-reload: log level ignored", "err", err)
			}
		}
		circle := newCfg.Coverage.Circle()
		reloadMu.Lock()
		defer reloadMu.Unlock()
		if circle == applied {
			return
		}
		applied = circle
		eng.UpdateCoverage(coverage.Update{Center: &circle.Center, RadiusKm: &circle.RadiusKm})
		slog.Info("coverage hot-reloaded", "path", *cfgPath)
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Feed consumer ─────────────────────────────────────────────────────────
	feedLogger := logger.With("component", "feed")
	consumer := feed.NewConsumer(
		feed.NewMQTTConn(cfg.MQTT, feedLogger),
		cfg.MQTT.Topic,
		cfg.MQTT.QoS,
		func(payload []byte) { eng.Submit(payload) },
		feed.Backoff{Delay: cfg.MQTT.RetryDelay, MaxAttempts: cfg.MQTT.MaxAttempts},
		feedLogger,
	)
	feedCtx, stopFeed := context.WithCancel(ctx)
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := consumer.Run(feedCtx); err != nil {
			slog.Error("feed consumer stopped", "err", err)
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.New(eng, consumer, sessions.Handler(eng), logger.With("component", "api")),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	stopFeed()
	<-feedDone

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	sessions.Close()
	if err := eng.Flush(shutCtx); err != nil {
		slog.Warn("audit backlog not fully delivered", "err", err)
	}
	eng.Shutdown()
	if err := sink.Close(); err != nil {
		slog.Warn("closing audit log", "err", err)
	}
	cancel()
	slog.Info("goodbye")
}

// openAudit builds the CSV audit log plus, when brokers are configured, the
// Kafka audit stream.
func openAudit(conf config.AuditConf, logger *slog.Logger) (audit.Sink, error) {
	csvSink, err := audit.OpenCSV(conf.CSVPath)
	if err != nil {
		return nil, err
	}
	if len(conf.Kafka.Brokers) == 0 {
		return csvSink, nil
	}
	logger.Info("audit stream enabled", "brokers", conf.Kafka.Brokers, "topic", conf.Kafka.Topic)
	return audit.Multi{csvSink, audit.NewKafkaSink(audit.KafkaConf{
		Brokers: conf.Kafka.Brokers,
		Topic:   conf.Kafka.Topic,
	})}, nil
}
