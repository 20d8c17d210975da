package graphsync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/gitmirror/internal/metrics"
	"github.com/agentworkforce/gitmirror/internal/mirror"
)

// Reconciler deletes local entities that a complete enumeration did not
// report. It acts only on results with StatusCompleted: any other result's
// seen set may be missing entities that still exist remotely.
type Reconciler struct {
	store   mirror.Store
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewReconciler(store mirror.Store, logger *slog.Logger, m *metrics.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, logger: logger, metrics: m}
}

// Reconcile removes the difference between the stored entities of the
// result's repository and collection and result.Seen, and returns how many
// were removed.
func (r *Reconciler) Reconcile(ctx context.Context, result SyncResult) (int, error) {
	if result.Status != StatusCompleted {
		r.logger.Debug("reconciliation skipped for incomplete run",
			"run_id", result.RunID,
			"collection", result.Collection,
			"status", result.Status)
		return 0, nil
	}
	if !result.Collection.reconcilable() {
		return 0, nil
	}
	if result.RepositoryID == 0 {
		return 0, fmt.Errorf("%w: reconcile without repository id", mirror.ErrInvalidInput)
	}
	kind := result.Collection.Kind()
	local, err := r.store.ListNativeIDs(ctx, kind, mirror.ProviderGitHub, result.RepositoryID)
	if err != nil {
		return 0, err
	}
	seen := make(map[int64]struct{}, len(result.Seen))
	for _, id := range result.Seen {
		seen[id] = struct{}{}
	}
	var stale []int64
	for _, id := range local {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	removed, err := r.store.DeleteByIDs(ctx, kind, mirror.ProviderGitHub, result.RepositoryID, stale)
	if err != nil {
		return 0, err
	}
	r.metrics.ObserveRemoved(string(result.Collection), removed)
	r.logger.Info("stale entities removed",
		"run_id", result.RunID,
		"tenant", result.TenantID,
		"repository", result.Repository,
		"collection", result.Collection,
		"removed", removed)
	return removed, nil
}

// RemoveStaleCollaborators is Reconcile restricted to collaborator runs.
func (r *Reconciler) RemoveStaleCollaborators(ctx context.Context, result SyncResult) (int, error) {
	if result.Collection != CollectionCollaborators {
		return 0, fmt.Errorf("%w: %s is not a collaborator run", mirror.ErrInvalidInput, result.Collection)
	}
	return r.Reconcile(ctx, result)
}
