package graphsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/gitmirror/internal/mirror"
)

const defaultParallelTenants = 4

// Target is one tenant's sync scope: explicit repositories plus the
// organizations whose repositories are listed at run time.
type Target struct {
	TenantID      string
	Organizations []string
	Repositories  []string
}

type RunnerOptions struct {
	ParallelTenants int
	// Collections restricts which repository collections run. Empty means
	// RepositoryCollections.
	Collections []Collection
	Logger      *slog.Logger
}

// TenantReport is the outcome of one tenant run. Err is set when the run
// stopped early, for example on revoked credentials.
type TenantReport struct {
	TenantID string
	Results  []SyncResult
	Err      error
}

// Runner drives the service over tenants. Collections within a tenant run
// one after another; tenants run in parallel up to ParallelTenants.
type Runner struct {
	service    *Service
	reconciler *Reconciler
	runs       mirror.RunStore
	opts       RunnerOptions
	logger     *slog.Logger
}

func NewRunner(service *Service, reconciler *Reconciler, runs mirror.RunStore, opts RunnerOptions) *Runner {
	if opts.ParallelTenants <= 0 {
		opts.ParallelTenants = defaultParallelTenants
	}
	if len(opts.Collections) == 0 {
		opts.Collections = RepositoryCollections
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{service: service, reconciler: reconciler, runs: runs, opts: opts, logger: logger}
}

// SyncAll runs every target and returns one report per target, in order.
func (r *Runner) SyncAll(ctx context.Context, targets []Target) []TenantReport {
	reports := make([]TenantReport, len(targets))
	var g errgroup.Group
	g.SetLimit(r.opts.ParallelTenants)
	for i, target := range targets {
		g.Go(func() error {
			reports[i] = r.SyncTenant(ctx, target)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// SyncTenant lists the tenant's organizations, then syncs each repository
// collection by collection. An authorization failure ends the tenant run:
// every later call would fail the same way.
func (r *Runner) SyncTenant(ctx context.Context, target Target) TenantReport {
	report := TenantReport{TenantID: target.TenantID}
	logger := r.logger.With("tenant", target.TenantID)
	repositories := slices.Clone(target.Repositories)

	run := func(q Query) (SyncResult, bool) {
		result := r.service.SyncCollection(ctx, target.TenantID, q)
		r.complete(ctx, &result)
		report.Results = append(report.Results, result)
		if errors.Is(result.Err, mirror.ErrUnauthorized) {
			report.Err = fmt.Errorf("tenant %s: %w", target.TenantID, result.Err)
			logger.Error("tenant sync aborted, credentials rejected", "error", result.Err)
			return result, false
		}
		if ctx.Err() != nil {
			report.Err = ctx.Err()
			return result, false
		}
		return result, true
	}

	for _, org := range target.Organizations {
		result, ok := run(Query{Collection: CollectionOrgRepositories, Repository: org})
		if !ok {
			return report
		}
		repositories = append(repositories, result.SyncedRepositories()...)
	}

	for _, repo := range dedupeNames(repositories) {
		for _, collection := range r.opts.Collections {
			if _, ok := run(Query{Collection: collection, Repository: repo}); !ok {
				return report
			}
		}
	}
	logger.Info("tenant sync finished", "runs", len(report.Results))
	return report
}

// complete reconciles a completed run and persists its status. Both use a
// context detached from cancellation so an interrupted run still leaves a
// record.
func (r *Runner) complete(ctx context.Context, result *SyncResult) {
	ctx = context.WithoutCancel(ctx)
	var reconcileErr error
	if result.Status == StatusCompleted && r.reconciler != nil {
		result.Removed, reconcileErr = r.reconciler.Reconcile(ctx, *result)
		if reconcileErr != nil {
			r.logger.Error("reconciliation failed",
				"run_id", result.RunID,
				"tenant", result.TenantID,
				"repository", result.Repository,
				"collection", result.Collection,
				"error", reconcileErr)
		}
	}
	if r.runs == nil {
		return
	}
	run := mirror.SyncRun{
		ID:             result.RunID,
		TenantID:       result.TenantID,
		Repository:     result.Repository,
		Collection:     string(result.Collection),
		Status:         string(result.Status),
		PagesCompleted: result.Pages,
		Synced:         len(result.Synced),
		Skipped:        result.Skipped,
		Removed:        result.Removed,
		StartedAt:      result.StartedAt,
		FinishedAt:     result.FinishedAt,
	}
	if err := errors.Join(result.Err, reconcileErr); err != nil {
		run.Error = err.Error()
	}
	if err := r.runs.RecordSyncRun(ctx, run); err != nil {
		r.logger.Warn("sync run status not persisted", "run_id", result.RunID, "error", err)
	}
}

func dedupeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		key := strings.ToLower(name)
		if name == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}
