package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/rs/cors"

	"github.com/filmgen/backend/internal/approvals"
	"github.com/filmgen/backend/internal/auth"
	"github.com/filmgen/backend/internal/cache"
	"github.com/filmgen/backend/internal/config"
	"github.com/filmgen/backend/internal/dashboard"
	"github.com/filmgen/backend/internal/database"
	"github.com/filmgen/backend/internal/execution"
	"github.com/filmgen/backend/internal/handlers"
	"github.com/filmgen/backend/internal/jobs"
	"github.com/filmgen/backend/internal/ledger"
	"github.com/filmgen/backend/internal/logger"
	"github.com/filmgen/backend/internal/middleware"
	"github.com/filmgen/backend/internal/notify"
	"github.com/filmgen/backend/internal/permissions"
	"github.com/filmgen/backend/internal/projects"
	"github.com/filmgen/backend/internal/registry"
	"github.com/filmgen/backend/internal/repository"
	"github.com/filmgen/backend/internal/router"
	"github.com/filmgen/backend/internal/scheduler"
	"github.com/filmgen/backend/internal/services"
	"github.com/filmgen/backend/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(cfg.Database.URL, cfg.Database.MigrationsPath, database.Up); err != nil {
		log.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}
	pool, err := database.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Error("Cannot reach PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := database.MigrateRiver(ctx, pool); err != nil {
		log.Error("River migration failed", "error", err)
		os.Exit(1)
	}
	log.Info("Database ready")

	// Providers and storage
	providers, err := registry.FromConfig(cfg.Providers, cfg.Generation.DefaultProviders, &http.Client{})
	if err != nil {
		log.Error("Invalid provider configuration", "error", err)
		os.Exit(1)
	}
	media, err := storage.NewClient(cfg.Storage)
	if err != nil {
		log.Error("Storage client", "error", err)
		os.Exit(1)
	}
	if media.Enabled() {
		if err := media.EnsureBucket(ctx); err != nil {
			log.Error("Storage bucket unavailable", "bucket", cfg.Storage.Bucket, "error", err)
			os.Exit(1)
		}
	} else {
		log.Warn("Storage disabled; provider URLs are kept as returned")
	}

	backend, err := cache.New(cfg.Cache)
	if err != nil {
		log.Error("Cache backend", "error", err)
		os.Exit(1)
	}
	projectCache := cache.NewProjects(backend, time.Duration(cfg.Cache.TTLSeconds)*time.Second, log)

	validator, err := services.NewValidator()
	if err != nil {
		log.Error("Schema validator", "error", err)
		os.Exit(1)
	}

	// Repositories
	users := auth.NewRepository(pool)
	projectRepo := repository.NewProjectRepo(pool)
	requestRepo := repository.NewRequestRepo(pool)
	keyRepo := registry.NewKeyRepository(pool)

	var mailer notify.Mailer
	if cfg.Mail.SendGridAPIKey != "" {
		mailer = notify.NewSendGridMailer(cfg.Mail.SendGridAPIKey, cfg.Mail.From, cfg.Mail.FromName)
	}
	notifier := notify.NewService(repository.NewNotificationRepo(pool), users, mailer, log)

	resolver, err := permissions.NewResolver(projectRepo, log)
	if err != nil {
		log.Error("Permission model", "error", err)
		os.Exit(1)
	}
	ledgerSvc := ledger.NewService(repository.NewCreditRepo(pool), cfg.Pricing, log)

	// The River client needs the workers, the workers need the jobs service
	// and the jobs service enqueues through the client.
	var insertMu sync.Mutex
	var insertFn jobs.InsertTxFunc
	insert := func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			return errors.New("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	jobsSvc := jobs.NewService(jobs.Deps{
		Store:     jobs.NewRepository(pool),
		Projects:  projectRepo,
		Perms:     resolver,
		Providers: providers,
		Keys:      keyRepo,
		Attempts:  requestRepo,
		Validator: validator,
		Ledger:    ledgerSvc,
		Notifier:  notifier,
		Cache:     projectCache,
		Insert:    insert,
		Logger:    log,
	})

	runner := execution.NewRunner(execution.NewPoller(cfg.Generation.PollInterval, cfg.Generation.MaxPolls), media, log)
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewGenerateMediaWorker(jobsSvc, runner, log))
	river.AddWorker(workers, execution.NewGenerateBatchWorker(jobsSvc, runner,
		execution.NewFanOut(cfg.Generation.BatchSize, cfg.Generation.BatchDelay), log))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.Generation.MaxWorkers},
		},
		Workers:    workers,
		JobTimeout: cfg.Generation.PollInterval*time.Duration(cfg.Generation.MaxPolls) + 5*time.Minute,
		Logger:     log,
	})
	if err != nil {
		log.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	workflow := approvals.New(requestRepo, projectRepo, resolver, notifier, approvals.Options{
		MaxAttempts: cfg.Generation.MaxRegenerationAttempts,
		Cache:       projectCache,
		Logger:      log,
	})
	workflow.SetRegenerator(jobsSvc)

	authSvc := auth.NewService(users, ledgerSvc, auth.Options{
		Secret:      cfg.JWT.Secret,
		TTL:         time.Duration(cfg.JWT.TTLHours) * time.Hour,
		SignupBonus: cfg.SignupBonus,
		Logger:      log,
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.Burst)
	api := router.New(router.Handlers{
		Auth:      auth.NewHandler(authSvc, log),
		Dashboard: dashboard.NewHandler(users, ledgerSvc, notifier, cfg.Payments.WebhookSecret, log),
		Projects:  projects.NewHandler(projects.NewService(projectRepo, resolver, projectCache, validator, log), log),
		Jobs:      jobs.NewHandler(jobsSvc, log),
		Approvals: &handlers.ApprovalHandler{Workflow: workflow, Logger: log},
		Registry:  registry.NewHandler(providers, keyRepo, log),
	}, authSvc, limiter, log)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	}).Handler(api)

	sched, err := scheduler.New(jobsSvc, scheduler.Options{
		SweepSpec:  cfg.Scheduler.SweepStaleJobs,
		StaleAfter: cfg.Generation.StaleAfter,
		Limiter:    limiter,
		Logger:     log,
	})
	if err != nil {
		log.Error("Invalid scheduler configuration", "error", err)
		os.Exit(1)
	}

	// River is stopped explicitly below so in-flight jobs can finish.
	if err := riverClient.Start(context.WithoutCancel(ctx)); err != nil {
		log.Error("River client failed to start", "error", err)
		os.Exit(1)
	}
	sched.Start()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown", "error", err)
	}
	sched.Stop()
	if err := riverClient.Stop(shutdownCtx); err != nil {
		log.Error("River shutdown", "error", err)
	}
	if err := notifier.Wait(shutdownCtx); err != nil {
		log.Error("pending notification emails dropped", "error", err)
	}
}
