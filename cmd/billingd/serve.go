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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/gobilling/internal/config"
	"github.com/mihaimyh/gobilling/pkg/api"
	"github.com/mihaimyh/gobilling/pkg/billing"
)

func serveCmd() *cobra.Command {
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the billing API and gateway webhooks",
		Long: `Serve the billing API, receive gateway webhooks and run the expiry sweep.

Webhooks are acknowledged as soon as they are queued; a pool of workers
reconciles them against the ledger. The sweep runs on SWEEP_SCHEDULE unless
--no-sweep is given or the schedule is empty.

Examples:
  billingd serve
  STORAGE=postgres GATEWAY=gopay billingd serve --no-sweep`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if noSweep {
				cfg.SweepSchedule = ""
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the expiry sweep in this process")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	dispatcher, err := a.newDispatcher()
	if err != nil {
		return err
	}
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	go func() { _ = dispatcher.Run(workerCtx) }()
	defer func() {
		stopWorkers()
		<-dispatcher.Done()
		a.logger.Info("webhook queue drained")
	}()

	if cfg.SweepSchedule != "" {
		scheduler, err := a.startSweepSchedule(ctx)
		if err != nil {
			return err
		}
		defer func() { <-scheduler.Stop().Done() }()
	}

	router, err := a.router()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("billingd listening",
			billing.Field{Key: "addr", Value: srv.Addr},
			billing.Field{Key: "gateway", Value: cfg.Gateway},
			billing.Field{Key: "version", Value: Version},
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// router mounts the API, the gateway webhook and the metrics endpoint.
func (a *app) router() (http.Handler, error) {
	reports, err := a.newReports()
	if err != nil {
		return nil, err
	}
	handler, err := api.NewHandler(api.Config{
		Service:    a.service,
		Reports:    reports,
		AdminToken: a.cfg.AdminToken,
		Location:   a.cfg.TimeLocation(),
		Logger:     a.logger,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	if a.provider != nil {
		r.Handle("/webhooks/"+a.provider.Name(), a.provider.WebhookHandler())
	}
	r.Handle("/v1/*", handler)
	return r, nil
}

// startSweepSchedule runs the sweep on the configured cron schedule. Runs never
// overlap within a process; the storage lock covers other instances.
func (a *app) startSweepSchedule(ctx context.Context) (*cron.Cron, error) {
	sweeper, err := a.newSweeper()
	if err != nil {
		return nil, err
	}
	c := cron.New(
		cron.WithLocation(a.cfg.TimeLocation()),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	_, err = c.AddFunc(a.cfg.SweepSchedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()
		report, err := sweeper.Run(runCtx)
		if err != nil {
			a.logger.Error("scheduled sweep failed", billing.ErrField(err))
			return
		}
		if report.Skipped {
			a.logger.Debug("scheduled sweep skipped, another instance holds the lock")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", a.cfg.SweepSchedule, err)
	}
	c.Start()
	a.logger.Info("sweep scheduled", billing.Field{Key: "schedule", Value: a.cfg.SweepSchedule})
	return c, nil
}
