package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/gitmirror/internal/consumer"
	"github.com/agentworkforce/gitmirror/internal/metrics"
	"github.com/agentworkforce/gitmirror/internal/schedule"
	"github.com/agentworkforce/gitmirror/internal/scope"
	"github.com/agentworkforce/gitmirror/internal/webhook"
)

func NewRunCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:          "run",
		Short:        "Consume webhook events and run scheduled syncs until interrupted",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(ctx, root, cmd)
		},
	}
}

func runService(ctx context.Context, root *RootOptions, cmd *cobra.Command) error {
	cfg, logger, err := root.load(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a, err := openApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	dispatcher, err := webhook.NewDefaultDispatcher(webhook.NewHandlers(a.resolver(), a.processors, logger), logger)
	if err != nil {
		return err
	}
	source, err := consumer.BuildSourceFromURL(cfg.NATSURL, consumer.JetStreamOptions{
		Stream:             cfg.NATSStream,
		Durable:            cfg.NATSDurable,
		StreamSubjects:     cfg.NATSStreamSubjects,
		Lookback:           cfg.ConsumerLookback,
		MaxDeliver:         cfg.MaxDeliver,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay,
		Logger:             logger,
	}, a.scope.Current().Subjects())
	if err != nil {
		return err
	}
	defer source.Close()
	events := consumer.New(source, dispatcher, consumer.Options{
		Workers:        cfg.ConsumerWorkers,
		HandlerTimeout: cfg.HandlerTimeout,
		Logger:         logger,
		Metrics:        a.metrics,
	})

	var scheduler *schedule.Scheduler
	runner, err := a.newRunner(nil)
	switch {
	case errors.Is(err, errMissingToken):
		logger.Warn("polling sync disabled", "reason", err.Error())
	case err != nil:
		return err
	default:
		scheduler, err = schedule.New(a.syncTenant(runner), schedule.Options{
			Spec:         cfg.SyncSchedule,
			RunOnStartup: cfg.SyncOnStartup,
			Workers:      cfg.SyncParallelTenants,
			Logger:       logger,
		})
		if err != nil {
			return err
		}
		if err := scheduler.SetTenants(tenantSchedules(a.scope.Current())); err != nil {
			logger.Warn("invalid workspace schedule", "error", err)
		}
	}

	a.scope.SetOnChange(func(s *scope.Scope) {
		if err := events.UpdateFilter(ctx, s.Subjects()); err != nil {
			logger.Error("update consumer filter", "error", err)
		}
		if scheduler != nil {
			if err := scheduler.SetTenants(tenantSchedules(s)); err != nil {
				logger.Warn("invalid workspace schedule", "error", err)
			}
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return events.Run(gctx) })
	g.Go(func() error { return watchScope(gctx, a.scope, logger) })
	if scheduler != nil {
		g.Go(func() error { return scheduler.Run(gctx) })
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error { return metrics.Serve(gctx, cfg.MetricsAddr, a.registry, logger) })
	}
	logger.Info("gitmirror started",
		"stream", cfg.NATSStream,
		"subjects", len(a.scope.Current().Subjects()),
		"polling", scheduler != nil,
	)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("gitmirror stopped")
	return err
}

// watchScope runs the scope watcher. A watcher that cannot start or stops
// early leaves the last loaded scope in force and the service running.
func watchScope(ctx context.Context, m *scope.Manager, logger *slog.Logger) error {
	if err := m.Watch(ctx); err != nil && ctx.Err() == nil {
		logger.Error("scope watcher stopped, scope reloads disabled", "error", err)
	}
	return nil
}
