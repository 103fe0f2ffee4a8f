package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"claporcrap/api/internal/app"
	"claporcrap/api/internal/archive"
	"claporcrap/api/internal/config"
	"claporcrap/api/internal/critique"
	"claporcrap/api/internal/lease"
	"claporcrap/api/internal/moltbook"
	"claporcrap/api/internal/personas"
	"claporcrap/api/internal/search"
	"claporcrap/api/internal/store"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(newLogger(cfg.LogLevel))

	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func newRootCmd(cfg config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "claporcrap-api",
		Short:         "ClapOrCrap judgment arena API",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg)
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API and background sweeps",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), cfg)
			},
		},
		newMigrateCmd(cfg),
		newSeedCmd(cfg),
		newSweepCmd(cfg),
	)
	return root
}

// runtime holds everything a command needs; close releases it in reverse order.
type runtime struct {
	db      *sql.DB
	service *app.Service
	closers []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	applied, err := store.ApplyMigrations(ctx, db, os.DirFS(cfg.MigrationsDir))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if applied > 0 {
		slog.Info("migrations applied", "count", applied)
	}
	return db, nil
}

func buildRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt := &runtime{db: db}
	rt.closers = append(rt.closers, func() { _ = db.Close() })

	deps := app.Deps{}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	}
	deps.Search = search.NewService(meiliClient, pgfts)
	rt.closers = append(rt.closers, deps.Search.Close)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		slog.Info("using redis leases for sweeps")
		redisLease, err := lease.NewRedisLease(cfg.RedisURL)
		if err != nil {
			rt.close()
			return nil, err
		}
		deps.Lease = redisLease
		rt.closers = append(rt.closers, func() { _ = redisLease.Close() })
	} else {
		slog.Info("no REDIS_URL, sweeps run without leases")
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiver, err := archive.NewMinio(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			slog.Warn("archive disabled", "error", err)
		} else {
			deps.Archive = archiver
		}
	}

	completer, err := critique.NewCompleter(cfg.LLMProvider, cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	if err != nil {
		slog.Warn("critique generation falls back to canned verdicts", "provider", cfg.LLMProvider, "error", err)
		completer = nil
	}
	deps.Generator = critique.NewGenerator(completer, cfg.LLMRequestsPerSecond)

	deps.Moltbook = moltbook.NewClient(cfg.MoltbookAPIURL, cfg.MoltbookAPIKey)
	if !deps.Moltbook.Configured() {
		slog.Warn("MOLTBOOK_API_KEY not set, feedback requests will fail to post")
	}

	set, err := personas.Load(cfg.PersonasFile)
	if err != nil {
		rt.close()
		return nil, err
	}
	deps.Personas = set

	rt.service = app.New(cfg, store.NewPostgresStore(db), deps)
	rt.closers = append(rt.closers, rt.service.Wait)
	if meiliClient != nil {
		go deps.Search.ReindexAllFromPG(context.Background())
	}
	return rt, nil
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := buildRuntime(ctx, cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		return err
	}
	defer rt.close()

	if err := rt.service.Bootstrap(ctx); err != nil {
		slog.Warn("bootstrap error (will retry on next restart)", "error", err)
	}

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	if cfg.WorkersEnabled {
		go func() {
			defer close(workersDone)
			rt.service.RunWorkers(workersCtx)
		}()
	} else {
		close(workersDone)
		slog.Info("background sweeps disabled, rely on /api/cron triggers")
	}

	httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("ClapOrCrap API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serverErr:
		slog.Error("server failed", "error", err)
		stopWorkers()
		<-workersDone
		return err
	}

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	<-workersDone
	return nil
}
