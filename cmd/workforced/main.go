package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/duneforge/workforce/internal/api"
	"github.com/duneforge/workforce/internal/archive"
	"github.com/duneforge/workforce/internal/config"
	"github.com/duneforge/workforce/internal/control"
	"github.com/duneforge/workforce/internal/events"
	"github.com/duneforge/workforce/internal/lineage"
	"github.com/duneforge/workforce/internal/notify"
	"github.com/duneforge/workforce/internal/planner"
	"github.com/duneforge/workforce/internal/provider"
	"github.com/duneforge/workforce/internal/registry"
	"github.com/duneforge/workforce/internal/scheduler"
	"github.com/duneforge/workforce/internal/toolgate"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting workforce...")

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/workforce.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Provider router
	router := provider.NewRouter(logger)
	for _, pc := range cfg.Providers {
		provCfg := provider.Config{
			ID: pc.ID, Type: pc.Type, Name: pc.Name,
			Endpoint: pc.Endpoint, APIKey: pc.APIKey, Model: pc.Model,
		}
		switch pc.Type {
		case "openai":
			router.Register(provider.NewOpenAI(provCfg, logger))
		case "anthropic":
			router.Register(provider.NewAnthropic(provCfg, logger))
		default:
			logger.Warn("unknown provider type", zap.String("id", pc.ID), zap.String("type", pc.Type))
		}
	}
	if cfg.Routing.Default != "" {
		router.SetDefault(cfg.Routing.Default)
	}
	for pref, id := range cfg.Routing.Bindings {
		router.Bind(pref, id)
	}
	for id, chain := range cfg.Routing.Fallbacks {
		router.SetFallbacks(id, chain)
	}

	// Worker registry
	reg := registry.New(logger)
	workerSrc := registry.NewDirSource(cfg.Workers.Dir)
	if n, err := reg.Sync(workerSrc); err != nil {
		logger.Warn("worker directory unavailable", zap.String("dir", cfg.Workers.Dir), zap.Error(err))
	} else {
		logger.Info("Workers loaded", zap.Int("count", n))
	}

	// Tool gateway
	gate := toolgate.New(reg, cfg.Gateway.RateLimitCalls, cfg.Gateway.RateWindow(), logger)
	toolgate.RegisterBuiltins(gate, cfg.Gateway.WorkspaceDir)

	// Planner
	reasoner := provider.NewReasoner(router, cfg.Planner.Preference, cfg.Planner.Model)
	plan := planner.New(reasoner, logger)

	// Optional attachments: each degrades to a warning when its backing
	// service is unreachable.
	var attached []control.Attachment

	var pgStore *archive.Store
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := archive.New(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without archive", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pgStore = ps
			attached = append(attached, archive.NewRecorder(ps, logger))
		}
	}

	var pub *events.Publisher
	if cfg.Database.Redis.URL != "" {
		p, rErr := events.NewPublisher(cfg.Database.Redis.URL, logger)
		if rErr != nil {
			logger.Warn("Redis unavailable, running without event streams", zap.Error(rErr))
		} else {
			pub = p
			attached = append(attached, p)
		}
	}

	var graph *lineage.Store
	if cfg.Database.Neo4j.URI != "" {
		g, nErr := lineage.NewStore(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if nErr == nil {
			nErr = g.Ping(context.Background())
		}
		if nErr != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(nErr))
		} else {
			graph = g
			attached = append(attached, g)
		}
	}

	var sinks []notify.Sink
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		sinks = append(sinks, notify.NewSlackSink(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.ChannelID))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		ds, dErr := notify.NewDiscordSink(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.ChannelID)
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			sinks = append(sinks, ds)
		}
	}
	if len(sinks) > 0 {
		attached = append(attached, notify.NewDispatcher(sinks, logger))
	}

	// Mission controller
	schedCfg := scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		TaskTimeout:   cfg.Scheduler.TaskTimeoutDuration(),
	}
	ctrl := control.New(reg, plan, router, gate, schedCfg, attached, logger)

	// HTTP server
	handler := api.NewHandler(ctrl, reg, workerSrc, pgStore, logger)

	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("workforce listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down workforce...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	ctrl.Shutdown(shutdownCtx)
	if pub != nil {
		pub.Close()
	}
	if graph != nil {
		graph.Close(context.Background())
	}
	if pgStore != nil {
		pgStore.Close()
	}
}
