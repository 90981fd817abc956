// Package main is the entry point for the MentorMail notification API server.
//
// It loads configuration (with SSM secret resolution outside local mode),
// connects the Postgres-backed job store, wires the external mail and records
// clients, the SQS dispatch publisher, and the notification services, then
// builds the HTTP server with the core chassis (middleware, routing, health
// checks) and starts listening for requests.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
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

	"github.com/go-chi/chi/v5"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"mentormail/internal/api/handlers"
	"mentormail/internal/config"
	"mentormail/internal/core"
	"mentormail/internal/external"
	"mentormail/internal/metrics"
	"mentormail/internal/notify/maintenance"
	"mentormail/internal/notify/scheduler"
	"mentormail/internal/notify/status"
	"mentormail/internal/notify/worker"
	"mentormail/internal/queue"
	"mentormail/internal/render"
	"mentormail/internal/store"
	"mentormail/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	// Outside local mode secrets referenced via *_SSM_PARAM bindings are
	// resolved from Parameter Store before validation.
	var secrets config.SecretProvider
	if os.Getenv("APP_ENV") != "local" {
		secrets = config.NewSSMProvider(os.Getenv("AWS_REGION"))
	}

	cfg, err := config.LoadConfig(secrets)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("mentormail API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	// Job store.
	pool, err := store.NewPool(ctx, cfg.Database.URL.Unmask(),
		cfg.Database.MaxConns, cfg.Database.MinConns, cfg.Database.MaxConnLifetime)
	if err != nil {
		return fmt.Errorf("connecting job store: %w", err)
	}
	if err := store.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return fmt.Errorf("ensuring job store schema: %w", err)
	}
	jobStore := store.New(pool)

	// AWS clients. The endpoint override points the SDK at localstack
	// during local development.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWS.Region),
	)
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS SDK config: %w", err)
	}

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})
	publisher := queue.NewPublisher(sqsClient, cfg.Queue.QueueURL, logger)
	if !publisher.Configured() {
		logger.Warn("delivery queue is not configured; scheduled jobs will not be handed off")
	}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.Observability.EnableMetrics {
		cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = &cfg.AWS.EndpointURL
			}
		})
		recorder = metrics.NewCloudWatchRecorder(cwClient, cfg.Observability.MetricNamespace, logger)
	}

	// External clients. Missing credentials degrade to logging stubs so
	// local runs work without accounts.
	var mail external.MailProvider
	if cfg.Mail.APIKey.Unmask() != "" {
		mail = external.NewResendClient(nil, external.ResendClientConfig{
			APIKey: cfg.Mail.APIKey.Unmask(),
			Logger: logger,
		})
	} else {
		logger.Warn("mail provider is not configured; using logging stub")
		mail = external.NewStubMailProvider(logger)
	}

	var records external.RecordsService
	if cfg.Records.BaseURL != "" {
		records = external.NewRecordsClient(nil, external.RecordsClientConfig{
			BaseURL:  cfg.Records.BaseURL,
			APIToken: cfg.Records.APIToken.Unmask(),
			Logger:   logger,
		})
	} else {
		logger.Warn("records service is not configured; using empty stub")
		records = external.NewStubRecordsService(logger)
	}

	renderer, err := render.NewRenderer(render.RendererConfig{
		AppBaseURL:    cfg.Server.AppBaseURL,
		SubjectPrefix: cfg.Mail.SubjectPrefix,
	})
	if err != nil {
		pool.Close()
		return fmt.Errorf("parsing email templates: %w", err)
	}

	// Notification services.
	schedulerSvc := scheduler.New(jobStore, publisher, records, logger)
	statusSvc := status.New(jobStore, publisher, logger)
	maintenanceSvc := maintenance.New(jobStore, cfg.Notify.OrphanGrace, logger)
	deliveryWorker := worker.New(jobStore, mail, renderer, worker.Config{
		From: types.Contact{
			Name:  cfg.Mail.FromName,
			Email: cfg.Mail.FromAddress,
		},
		TestMode:      cfg.Notify.TestMode,
		TestRecipient: cfg.Notify.TestRecipient,
		MaxAttempts:   cfg.Notify.MaxAttempts,
	}, recorder, logger)

	// HTTP server.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = recorder
	srv.Signer = queue.NewSigner(
		cfg.Queue.SigningSecret.Unmask(),
		cfg.Queue.PrevSigningSecret.Unmask(),
	)
	srv.HealthProbes = append(srv.HealthProbes, &core.DatabaseProbe{DB: pool})
	srv.RegisterCloser("database pool", func() error {
		pool.Close()
		return nil
	})

	scheduleHandler := handlers.NewScheduleHandler(schedulerSvc, srv.Validator, logger)
	deliverHandler := handlers.NewDeliverHandler(deliveryWorker, logger)
	jobsHandler := handlers.NewJobsHandler(statusSvc, logger)
	maintenanceHandler := handlers.NewMaintenanceHandler(maintenanceSvc, srv.Validator, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars,
		func(r chi.Router) {
			r.Route("/schedule", scheduleHandler.RegisterRoutes)
		},
		func(r chi.Router) {
			r.Route("/jobs", jobsHandler.RegisterRoutes)
		},
		// Queue callbacks carry an HMAC signature over the raw body.
		func(r chi.Router) {
			r.Route("/deliver", func(r chi.Router) {
				r.Use(srv.SignatureMiddleware)
				deliverHandler.RegisterRoutes(r)
			})
		},
		func(r chi.Router) {
			r.Route("/maintenance", func(r chi.Router) {
				r.Use(srv.SignatureMiddleware)
				maintenanceHandler.RegisterRoutes(r)
			})
		},
	)

	srv.MountRoutes()

	return runHTTPServer(srv, cfg, logger)
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
