package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukerupert/trestle/internal"
	"github.com/dukerupert/trestle/internal/handler"
	"github.com/dukerupert/trestle/internal/handler/webhook"
	"github.com/dukerupert/trestle/internal/jobs"
	"github.com/dukerupert/trestle/internal/middleware"
	"github.com/dukerupert/trestle/internal/router"
	"github.com/dukerupert/trestle/internal/routes"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/dukerupert/trestle/internal/worker"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and background worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply pending migrations before starting")
	return cmd
}

func runServe(parent context.Context, migrate bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig(os.Stdout)
	if err != nil {
		return err
	}

	cfg.Sentry.Release = Version
	flushSentry, err := telemetry.InitSentry(cfg.Sentry, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer flushSentry()

	if migrate {
		if err := applyMigrations(ctx, cfg.DatabaseUrl); err != nil {
			return err
		}
		logger.Info().Msg("database migrations completed successfully")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := router.New(router.Config{
		Logger:   logger,
		Metrics:  middleware.NewMetrics("trestle", a.registry),
		Gatherer: a.registry,
		Security: securityConfig(cfg),
	})

	payLimiter := middleware.NewRateLimiter(middleware.PayLinkRateLimiterConfig(cfg.PayLink.RateLimit, cfg.PayLink.RateBurst))
	defer payLimiter.Stop()

	routes.RegisterPayRoutes(e, routes.PayDeps{
		Handler:   handler.NewPayHandler(a.links, a.intents),
		RateLimit: payLimiter.Middleware(),
	})
	routes.RegisterAPIRoutes(e, routes.APIDeps{
		Handler: handler.NewAPIHandler(a.links, a.payments),
		Auth:    middleware.RequireStaff([]byte(cfg.JWTSecret)),
	})
	routes.RegisterWebhookRoutes(e, routes.WebhookDeps{
		StripeHandler: webhook.NewStripeHandler(a.provider, a.intents, a.metrics, webhook.StripeWebhookConfig{
			WebhookSecret: cfg.Stripe.WebhookSecret,
		}),
	})
	routes.RegisterHealthRoutes(e, routes.HealthDeps{DB: a.store})

	p := pool.New().WithContext(ctx).WithCancelOnError()

	if cfg.Worker.Enabled {
		// No queue filter: payment and cleanup jobs share one worker.
		w := worker.NewWorker(a.store, worker.Config{
			PollInterval:   cfg.Worker.PollInterval,
			MaxConcurrency: cfg.Worker.Concurrency,
		}, logger)
		if a.publisher != nil {
			worker.RegisterPaymentHandlers(w, a.publisher, a.store, cfg.Worker.LinkRetention)
		} else {
			w.Handle(jobs.JobTypeCleanupExpiredLink, worker.CleanupExpiredLinks(a.store, cfg.Worker.LinkRetention))
			logger.Warn().Msg("no event publisher, accounting and waiver jobs stay queued")
		}
		p.Go(func(ctx context.Context) error {
			if err := w.Start(ctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
		p.Go(func(ctx context.Context) error { return scheduleCleanup(ctx, a) })
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	p.Go(func(ctx context.Context) error {
		logger.Info().Str("address", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := e.Shutdown(shutdownCtx)
		// Payments recorded by the last requests still have side effects in flight.
		if serr := a.effects.Shutdown(shutdownCtx); serr != nil {
			logger.Warn().Err(serr).Msg("side effects did not drain before shutdown timeout")
		}
		return err
	})

	return p.Wait()
}

// scheduleCleanup enqueues the expired link purge once at startup and then daily.
func scheduleCleanup(ctx context.Context, a *app) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if err := jobs.EnqueueCleanupExpiredLinks(ctx, a.store, time.Now()); err != nil && ctx.Err() == nil {
			a.logger.Warn().Err(err).Msg("failed to enqueue pay link cleanup")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func securityConfig(cfg *internal.Config) middleware.SecurityHeadersConfig {
	sc := middleware.DefaultSecurityHeadersConfig()
	if cfg.Env != "prod" {
		sc.HSTSMaxAge = 0
	}
	return sc
}
