package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dukerupert/trestle/internal"
	"github.com/dukerupert/trestle/internal/billing"
	"github.com/dukerupert/trestle/internal/crypto"
	"github.com/dukerupert/trestle/internal/domain"
	"github.com/dukerupert/trestle/internal/events"
	"github.com/dukerupert/trestle/internal/jobs"
	"github.com/dukerupert/trestle/internal/postgres"
	"github.com/dukerupert/trestle/internal/service"
	"github.com/dukerupert/trestle/internal/telemetry"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// app holds the wired services shared by serve and the admin commands.
type app struct {
	cfg      *internal.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	store    *postgres.Store
	registry *prometheus.Registry
	metrics  *telemetry.BusinessMetrics

	provider billing.Provider
	links    domain.PayLinkService
	payments domain.PaymentService
	intents  domain.PaymentIntentService
	effects  *service.SideEffects

	// publisher is nil when NATS is not configured.
	publisher *events.Publisher

	closers []func() error
}

// loadConfig reads configuration and builds the process logger. Admin
// commands log to stderr so their output can be piped.
func loadConfig(w io.Writer) (*internal.Config, zerolog.Logger, error) {
	cfg, err := internal.NewConfig()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("config initialization failed: %w", err)
	}
	logger := internal.NewLogger(w, cfg.Env, cfg.LogLevel)
	zerolog.DefaultContextLogger = &logger
	return cfg, logger, nil
}

func newApp(ctx context.Context, cfg *internal.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = telemetry.NewBusinessMetrics("trestle", a.registry)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseUrl, cfg.DatabaseMaxConns, logger)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.store = postgres.New(pool)
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	if err := a.initProvider(); err != nil {
		a.Close()
		return nil, err
	}

	var keyring *crypto.Keyring
	if cfg.PayLink.SigningKey != "" {
		keyring, err = crypto.NewKeyring(cfg.PayLink.SigningKey, crypto.WithPreviousKeys(cfg.PayLink.PreviousKeys...))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to load pay link signing key: %w", err)
		}
	}

	a.links, err = service.NewPayLinkService(a.store, a.store, keyring, service.PayLinkConfig{
		BaseURL:          cfg.BaseURL,
		DefaultTTL:       cfg.PayLink.DefaultTTL,
		RequireStateless: cfg.PayLink.RequireStateless,
	}, service.WithNonceStore(a.store), service.WithPayLinkMetrics(a.metrics))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize pay link service: %w", err)
	}
	logger.Info().Str("mode", string(a.links.Mode())).Msg("pay link service initialized")

	deps, err := a.sideEffectDeps()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.effects = service.NewSideEffects(deps, logger,
		service.WithSideEffectMetrics(a.metrics),
		service.WithSideEffectTimeout(cfg.SideEffectTimeout),
	)

	a.payments = service.NewPaymentService(a.store, a.links, a.effects, service.WithPaymentMetrics(a.metrics))
	a.intents = service.NewPaymentIntentService(
		a.links, a.store, a.store, a.payments, a.provider,
		time.Duration(cfg.Stripe.TimeoutSeconds)*time.Second, a.metrics,
	)
	return a, nil
}

// initProvider uses Stripe when a secret key is configured. Outside prod a
// missing key falls back to the in-memory provider.
func (a *app) initProvider() error {
	if a.cfg.Stripe.SecretKey == "" {
		if a.cfg.Env == "prod" {
			return errors.New("STRIPE_SECRET_KEY is required in prod")
		}
		a.logger.Warn().Msg("STRIPE_SECRET_KEY not set, using mock billing provider")
		a.provider = billing.NewMockProvider()
		return nil
	}

	stripeConfig := billing.StripeConfig{
		APIKey:         a.cfg.Stripe.SecretKey,
		WebhookSecret:  a.cfg.Stripe.WebhookSecret,
		MaxRetries:     a.cfg.Stripe.MaxRetries,
		TimeoutSeconds: a.cfg.Stripe.TimeoutSeconds,
	}
	provider, err := billing.NewStripeProvider(stripeConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize Stripe provider: %w", err)
	}
	a.provider = provider
	a.logger.Info().Bool("test_mode", stripeConfig.IsTestMode()).Msg("Stripe billing provider initialized")
	return nil
}

// sideEffectDeps picks the collaborators for post-payment work. Interface
// fields stay nil when a collaborator is disabled so its task is skipped.
func (a *app) sideEffectDeps() (service.SideEffectDeps, error) {
	queue := jobs.NewQueue(a.store)
	deps := service.SideEffectDeps{
		Invoices: a.store,
		Receipts: a.store,
		Waivers:  queue,
		Audit:    a.store,
	}

	switch a.cfg.Accounting.Queue {
	case "kafka":
		w := jobs.NewKafkaWriter(a.cfg.Accounting.KafkaBrokers, a.cfg.Accounting.KafkaTopic)
		kq := jobs.NewKafkaAccountingQueue(w)
		a.closers = append(a.closers, kq.Close)
		deps.Accounting = kq
		a.logger.Info().Strs("brokers", a.cfg.Accounting.KafkaBrokers).Str("topic", a.cfg.Accounting.KafkaTopic).Msg("accounting sync via kafka")
	default:
		deps.Accounting = queue
	}

	if a.cfg.NATS.URL != "" {
		nc, err := events.Connect(a.cfg.NATS.URL, a.logger)
		if err != nil {
			return deps, err
		}
		a.publisher = events.NewPublisher(nc, a.cfg.NATS.SubjectPrefix)
		a.closers = append(a.closers, a.publisher.Close)
		deps.Events = a.publisher
		a.logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")
	} else {
		a.logger.Warn().Msg("NATS_URL not set, payment events will not be published")
	}
	return deps, nil
}

// Close releases connections in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
