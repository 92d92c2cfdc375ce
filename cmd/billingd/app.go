package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	gcfirestore "cloud.google.com/go/firestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/pkg/billing"
	zerologadapter "github.com/mihaimyh/gobilling/pkg/billing/logger/zerolog"
	billingprom "github.com/mihaimyh/gobilling/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/gateway"
	"github.com/mihaimyh/gobilling/pkg/gateway/gopay"
	gatewayprom "github.com/mihaimyh/gobilling/pkg/gateway/metrics/prometheus"
	"github.com/mihaimyh/gobilling/pkg/gateway/stripe"
	"github.com/mihaimyh/gobilling/pkg/reporting"
	"github.com/mihaimyh/gobilling/storage/firestore"
	"github.com/mihaimyh/gobilling/storage/memory"
	"github.com/mihaimyh/gobilling/storage/postgres"
	"github.com/mihaimyh/gobilling/storage/redis"
	"github.com/mihaimyh/gobilling/storage/tiered"
)

const (
	breakerThreshold = 5
	breakerReset     = 30 * time.Second
)

// app holds everything a command needs. Commands build only what they use.
type app struct {
	cfg      *config.Config
	zlog     zerolog.Logger
	logger   billing.Logger
	registry *prometheus.Registry
	metrics  billing.Metrics

	storage  billing.Storage
	locker   billing.Locker
	operator billing.OperatorQueue
	postgres *postgres.Storage

	provider gateway.Provider
	gateway  billing.Gateway
	queue    *deferredQueue
	service  *billing.Service

	closers []func()
}

// newApp opens storage and builds the service. The gateway is optional.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		zlog:     newLogger(cfg, os.Stderr),
		registry: prometheus.NewRegistry(),
		queue:    &deferredQueue{},
	}
	a.logger = zerologadapter.NewLogger(a.zlog)
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = billingprom.NewMetrics(a.registry, cfg.MetricsNamespace)

	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openGateway(); err != nil {
		a.Close()
		return nil, err
	}

	plans := billing.DefaultPlanCatalog()
	plans.TrialDays = cfg.Billing.TrialDays

	if a.provider != nil {
		breaker := billing.NewDefaultCircuitBreaker(breakerThreshold, breakerReset, func(state billing.CircuitBreakerState) {
			a.logger.Warn("gateway circuit breaker changed state",
				billing.Field{Key: "gateway", Value: a.provider.Name()},
				billing.Field{Key: "state", Value: state},
			)
		})
		a.gateway = billing.NewCircuitBreakerGateway(a.provider, breaker, a.metrics)
	}

	svc, err := billing.New(&billing.Config{
		Storage:           a.storage,
		Gateway:           a.gateway,
		Plans:             plans,
		OperatorQueue:     a.operator,
		GracePeriod:       cfg.Billing.GracePeriod,
		MaxFailedPayments: cfg.Billing.MaxFailedPayments,
		ReturnURL:         cfg.Billing.ReturnURL,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create billing service: %w", err)
	}
	a.service = svc
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Storage {
	case config.StorageMemory:
		s := memory.New()
		a.storage, a.locker, a.operator = s, s, billing.NewMemoryOperatorQueue()

	case config.StoragePostgres:
		pg, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		a.storage, a.locker, a.operator = pg, pg, pg

	case config.StorageRedis:
		rs, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		a.storage, a.locker, a.operator = rs, rs, rs

	case config.StorageFirestore:
		client, err := gcfirestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		fs, err := firestore.New(client, firestore.Config{})
		if err != nil {
			return err
		}
		a.storage, a.locker, a.operator = fs, fs, fs

	case config.StorageTiered:
		pg, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		rs, err := a.openRedis(ctx)
		if err != nil {
			return err
		}
		ts, err := tiered.New(tiered.Config{
			Hot:  rs,
			Cold: pg,
			AsyncErrorHandler: func(err error) {
				a.logger.Error("tiered storage sync failed", billing.ErrField(err))
			},
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = ts.Close() })
		a.storage, a.locker, a.operator = ts, ts, pg

	default:
		return fmt.Errorf("unknown storage %q", cfg.Storage)
	}
	a.logger.Info("storage opened", billing.Field{Key: "storage", Value: cfg.Storage})
	return nil
}

func (a *app) openPostgres(ctx context.Context) (*postgres.Storage, error) {
	pgcfg := postgres.DefaultConfig()
	pgcfg.ConnectionString = a.cfg.Postgres.URL
	if a.cfg.Postgres.MaxConns > 0 {
		pgcfg.MaxConns = int32(a.cfg.Postgres.MaxConns)
	}
	pg, err := postgres.New(ctx, pgcfg)
	if err != nil {
		return nil, err
	}
	a.postgres = pg
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

func (a *app) openRedis(ctx context.Context) (*redis.Storage, error) {
	opts, err := goredis.ParseURL(a.cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	rs, err := redis.New(client, redis.Config{KeyPrefix: a.cfg.Redis.KeyPrefix})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = rs.Close() })
	if err := rs.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rs, nil
}

func (a *app) openGateway() error {
	cfg := a.cfg
	base := gateway.Config{
		Queue:   a.queue,
		Metrics: gatewayprom.NewMetrics(a.registry, cfg.MetricsNamespace),
		Logger:  a.logger,
	}

	var err error
	switch cfg.Gateway {
	case config.GatewayNone:
		a.logger.Warn("no payment gateway configured; payments and webhooks are disabled")
		return nil
	case config.GatewayGoPay:
		base.WebhookSecret = cfg.GoPay.WebhookSecret
		a.provider, err = gopay.NewProvider(gopay.Config{
			Config:          base,
			ClientID:        cfg.GoPay.ClientID,
			ClientSecret:    cfg.GoPay.ClientSecret,
			GoID:            cfg.GoPay.GoID,
			BaseURL:         cfg.GoPay.BaseURL,
			NotificationURL: cfg.GoPay.NotificationURL,
		})
	case config.GatewayStripe:
		a.provider, err = stripe.NewProvider(stripe.Config{
			Config:              base,
			StripeAPIKey:        cfg.Stripe.SecretKey,
			StripeWebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:          cfg.Stripe.SuccessURL,
			CancelURL:           cfg.Stripe.CancelURL,
		})
	default:
		return fmt.Errorf("unknown gateway %q", cfg.Gateway)
	}
	if err != nil {
		return fmt.Errorf("failed to create %s gateway: %w", cfg.Gateway, err)
	}
	return nil
}

// newDispatcher builds the webhook worker pool and points the gateway's
// queue at it.
func (a *app) newDispatcher() (*billing.Dispatcher, error) {
	enrichers := map[string]billing.Enricher{}
	if a.gateway != nil {
		enrichers[a.gateway.Name()] = billing.NewGatewayEnricher(a.gateway, 0, nil)
	}
	d, err := billing.NewDispatcher(&billing.DispatcherConfig{
		Processor: a.service.Processor(),
		Enrichers: enrichers,
		Workers:   a.cfg.Billing.WebhookWorkers,
		QueueSize: a.cfg.Billing.WebhookQueueSize,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.queue.set(d)
	return d, nil
}

func (a *app) newSweeper() (*billing.Sweeper, error) {
	var reconciler billing.PaymentReconciler
	if a.gateway != nil {
		reconciler = a.service
	}
	return billing.NewSweeper(&billing.SweeperConfig{
		Storage:     a.storage,
		Reconciler:  reconciler,
		Locker:      a.locker,
		Cache:       a.service.Cache(),
		GracePeriod: a.cfg.Billing.GracePeriod,
		Logger:      a.logger,
		Metrics:     a.metrics,
	})
}

func (a *app) newReports() (*reporting.Engine, error) {
	rcfg := reporting.DefaultConfig()
	rcfg.Currency = a.cfg.Billing.Currency
	rcfg.Location = a.cfg.TimeLocation()
	rcfg.Logger = a.logger
	return reporting.NewEngine(a.storage, rcfg)
}

// Close releases storage clients in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "console" || (cfg.LogFormat == "" && cfg.Env == "dev") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "billingd").Logger()
}

// deferredQueue lets gateways be built before the dispatcher, which needs the
// service the gateway belongs to.
type deferredQueue struct {
	d *billing.Dispatcher
}

func (q *deferredQueue) set(d *billing.Dispatcher) { q.d = d }

func (q *deferredQueue) Enqueue(ev *billing.WebhookEvent) error {
	if q.d == nil {
		return errors.New("webhook dispatcher is not running")
	}
	return q.d.Enqueue(ev)
}
