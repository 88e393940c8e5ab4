package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/airp2/storyforge/internal/auth"
	"github.com/airp2/storyforge/internal/domain"
	"github.com/airp2/storyforge/internal/modelclient"
	"github.com/airp2/storyforge/internal/novels"
	"github.com/airp2/storyforge/internal/pipeline"
	"github.com/airp2/storyforge/internal/scheduler"
	"github.com/airp2/storyforge/internal/statedb"
	"github.com/airp2/storyforge/internal/storage"
	"github.com/airp2/storyforge/pkg/metrics"
	"github.com/airp2/storyforge/pkg/mid"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := statedb.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()

	layout := storage.NewLayout(cfg.DataRoot, cfg.VectorRoot, cfg.LogsRoot)

	registry := metrics.New()

	authSvc := auth.NewService(db, cfg.UserSessionDays, cfg.GuestSessionDays)
	novelsSvc := novels.New(db, layout)

	modelCfg := modelclient.Config{
		BaseURL:         cfg.ModelBaseURL,
		APIKey:          cfg.ModelAPIKey,
		Model:           cfg.ChatModel,
		RateLimitPerMin: 60,
	}
	chatClient := modelclient.New(modelCfg, registry)
	embedClient := modelclient.NewEmbed(modelclient.EmbedConfig{
		Config:     modelclient.Config{BaseURL: cfg.ModelBaseURL, APIKey: cfg.ModelAPIKey, Model: cfg.EmbedModel, RateLimitPerMin: 60},
		Dimensions: cfg.EmbedDimensions,
		Registry:   registry,
	})

	retrievalCache := newRetrievalCache(cfg, layout, embedClient, chatClient)
	defer retrievalCache.Close()

	pipelineCfg := pipeline.DefaultConfig()
	runner := scheduler.NewPipelineRunner(pipelineCfg, chatClient, embedClient, retrievalCache.StoreFor)

	onJobUpdate := func(job domain.PipelineJob) {
		novelsSvc.ApplyJobStatus(ctx, job)
		if job.Status == domain.JobSucceeded || job.Status == domain.JobFailed {
			retrievalCache.Invalidate(job.NovelID)
		}
	}
	sched, err := scheduler.New(ctx, db, runner, onJobUpdate)
	if err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	app := &app{
		cfg:       cfg,
		logger:    logger,
		auth:      authSvc,
		novels:    novelsSvc,
		layout:    layout,
		scheduler: sched,
		retrieval: retrievalCache,
		registry:  registry,
	}

	mux := http.NewServeMux()
	app.routes(mux)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

// app bundles every component the HTTP handlers depend on.
type app struct {
	cfg       Config
	logger    *slog.Logger
	auth      *auth.Service
	novels    *novels.Service
	layout    storage.Layout
	scheduler *scheduler.Scheduler
	retrieval *retrievalCache
	registry  *metrics.Registry
}

func (a *app) userSessionTTL() time.Duration {
	return time.Duration(a.cfg.UserSessionDays) * 24 * time.Hour
}

func (a *app) guestSessionTTL() time.Duration {
	return time.Duration(a.cfg.GuestSessionDays) * 24 * time.Hour
}

func (a *app) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/register", a.handleRegister)
	mux.HandleFunc("POST /auth/login", a.handleLogin)
	mux.HandleFunc("POST /auth/logout", a.handleLogout)
	mux.HandleFunc("GET /auth/me", a.handleMe)
	mux.HandleFunc("POST /auth/guest", a.handleGuest)

	mux.HandleFunc("GET /novels", a.handleListNovels)
	mux.HandleFunc("POST /novels", a.handleCreateNovel)
	mux.HandleFunc("GET /novels/{id}", a.handleGetNovel)
	mux.HandleFunc("PATCH /novels/{id}", a.handleUpdateNovel)
	mux.HandleFunc("DELETE /novels/{id}", a.handleDeleteNovel)
	mux.HandleFunc("POST /novels/{id}/upload", a.handleUpload)
	mux.HandleFunc("POST /novels/{id}/pipeline/run", a.handleRunPipeline)

	mux.HandleFunc("GET /public/novels", a.handleListPublicNovels)
	mux.HandleFunc("GET /public/novels/{id}", a.handleGetPublicNovel)

	mux.HandleFunc("GET /jobs/{id}", a.handleGetJob)
	mux.HandleFunc("GET /jobs/{id}/logs", a.handleJobLogs)

	mux.HandleFunc("POST /rp/query-context", a.handleQueryContext)
	mux.HandleFunc("POST /rp/respond", a.handleRespond)
	mux.HandleFunc("GET /rp/session/{session_id}", a.handleGetSession)

	mux.Handle("GET /metrics", a.registry.Handler())
}
