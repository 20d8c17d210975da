package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/gitmirror/internal/config"
	"github.com/agentworkforce/gitmirror/internal/graphsync"
	"github.com/agentworkforce/gitmirror/internal/metrics"
	"github.com/agentworkforce/gitmirror/internal/mirror"
	"github.com/agentworkforce/gitmirror/internal/processor"
	"github.com/agentworkforce/gitmirror/internal/schedule"
	"github.com/agentworkforce/gitmirror/internal/scope"
)

const pollingProvider = "github"

var errMissingToken = errors.New("GITMIRROR_GITHUB_TOKEN is not set")

// app owns the components shared by run and sync.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	backend    mirror.Backend
	scope      *scope.Manager
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	processors *processor.Processors
}

func openApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	backend, err := mirror.BuildBackendFromDSN(cfg.StoreDSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	manager, err := scope.NewManager(cfg.ScopeFile, scope.ManagerOptions{Logger: logger})
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("load scope %s: %w", cfg.ScopeFile, err)
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &app{
		cfg:        cfg,
		logger:     logger,
		backend:    backend,
		scope:      manager,
		registry:   registry,
		metrics:    metrics.New(registry),
		processors: processor.New(backend, processor.Options{Logger: logger}),
	}, nil
}

func (a *app) Close() error {
	return a.backend.Close()
}

func (a *app) resolver() *processor.Resolver {
	return processor.NewResolver(a.backend, a.scope, a.scope, a.logger)
}

func (a *app) newRunner(collections []graphsync.Collection) (*graphsync.Runner, error) {
	if a.cfg.GitHubToken == "" {
		return nil, errMissingToken
	}
	fetcher := graphsync.NewGitHubFetcher(graphsync.GitHubFetcherOptions{
		Token: a.cfg.GitHubToken,
		URL:   a.cfg.GitHubGraphQLURL,
	})
	ledger := graphsync.NewLedger(a.backend, graphsync.LedgerOptions{
		MaxPageSize:       a.cfg.SyncMaxPageSize,
		MinPageSize:       a.cfg.SyncMinPageSize,
		CriticalRemaining: a.cfg.SyncCriticalRemaining,
		HealthyRemaining:  a.cfg.SyncHealthyRemaining,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
	service := graphsync.NewService(a.backend, fetcher, ledger, a.processors, graphsync.ServiceOptions{
		MaxPages: a.cfg.SyncMaxPages,
		Filter:   a.scope,
		Logger:   a.logger,
		Metrics:  a.metrics,
	})
	reconciler := graphsync.NewReconciler(a.backend, a.logger, a.metrics)
	return graphsync.NewRunner(service, reconciler, a.backend, graphsync.RunnerOptions{
		ParallelTenants: a.cfg.SyncParallelTenants,
		Collections:     collections,
		Logger:          a.logger,
	}), nil
}

// syncTenant is the scheduler's RunFunc. The workspace is looked up on
// every run so scope reloads take effect.
func (a *app) syncTenant(runner *graphsync.Runner) schedule.RunFunc {
	return func(ctx context.Context, tenantID string) {
		targets, err := targetsFromScope(a.scope.Current(), tenantID, a.logger)
		if err != nil {
			a.logger.Warn("scheduled workspace is no longer in scope", "tenant", tenantID, "error", err)
			return
		}
		for _, target := range targets {
			logReport(a.logger, runner.SyncTenant(ctx, target))
		}
	}
}

// targetsFromScope lists the polling targets of every workspace, or of
// workspaceID alone when it is set. Only GitHub workspaces are polled;
// the others are kept current by their event stream.
func targetsFromScope(s *scope.Scope, workspaceID string, logger *slog.Logger) ([]graphsync.Target, error) {
	var targets []graphsync.Target
	found := false
	for _, ws := range s.Workspaces() {
		if workspaceID != "" && ws.ID != workspaceID {
			continue
		}
		found = true
		if ws.Provider != pollingProvider {
			logger.Info("skipping polling for workspace", "tenant", ws.ID, "provider", ws.Provider)
			continue
		}
		targets = append(targets, graphsync.Target{
			TenantID:      ws.ID,
			Organizations: slices.Clone(ws.Organizations),
			Repositories:  slices.Clone(ws.Repositories),
		})
	}
	if workspaceID != "" && !found {
		return nil, fmt.Errorf("unknown workspace %q", workspaceID)
	}
	return targets, nil
}

func tenantSchedules(s *scope.Scope) []schedule.TenantSchedule {
	var out []schedule.TenantSchedule
	for _, ws := range s.Workspaces() {
		if ws.Provider != pollingProvider {
			continue
		}
		out = append(out, schedule.TenantSchedule{TenantID: ws.ID, Spec: ws.Schedule})
	}
	return out
}

// parseCollections maps flag values to repository collections. Empty
// input selects all of them.
func parseCollections(raw []string) ([]graphsync.Collection, error) {
	var out []graphsync.Collection
	for _, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		c, ok := graphsync.ParseCollection(value)
		if !ok || !slices.Contains(graphsync.RepositoryCollections, c) {
			return nil, fmt.Errorf("unknown collection %q", value)
		}
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func logReport(logger *slog.Logger, report graphsync.TenantReport) {
	counts := map[graphsync.Status]int{}
	for _, result := range report.Results {
		counts[result.Status]++
	}
	attrs := []any{
		"tenant", report.TenantID,
		"runs", len(report.Results),
		"completed", counts[graphsync.StatusCompleted],
		"completed_with_errors", counts[graphsync.StatusCompletedWithErrors],
		"aborted", counts[graphsync.StatusAbortedError] + counts[graphsync.StatusAbortedRateLimit],
	}
	if report.Err != nil {
		logger.Error("tenant sync stopped", append(attrs, "error", report.Err)...)
		return
	}
	logger.Info("tenant sync finished", attrs...)
}
