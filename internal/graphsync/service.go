package graphsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/gitmirror/internal/metrics"
	"github.com/agentworkforce/gitmirror/internal/mirror"
	"github.com/agentworkforce/gitmirror/internal/processor"
)

const defaultMaxPages = 200

type Status string

const (
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusAbortedRateLimit    Status = "ABORTED_RATE_LIMIT"
	StatusAbortedError        Status = "ABORTED_ERROR"
)

// Query names what to enumerate. Repository is "owner/name", or the
// organization login for CollectionOrgRepositories.
type Query struct {
	Collection Collection
	Repository string
}

// SyncResult describes one collection run. Synced holds the entities
// written, in page order. Seen holds their native ids and is a complete
// remote enumeration only when Status is StatusCompleted.
type SyncResult struct {
	RunID        string
	TenantID     string
	Repository   string
	RepositoryID int64
	Collection   Collection
	Status       Status
	Synced       []mirror.Entity
	Seen         []int64
	Pages        int
	Skipped      int
	Removed      int
	Err          error
	StartedAt    time.Time
	FinishedAt   time.Time
}

func (r *SyncResult) abort(err error) {
	r.Err = err
	if errors.Is(err, mirror.ErrRateLimited) {
		r.Status = StatusAbortedRateLimit
		return
	}
	r.Status = StatusAbortedError
}

func (r *SyncResult) finish() {
	if r.Skipped > 0 {
		r.Status = StatusCompletedWithErrors
		return
	}
	r.Status = StatusCompleted
}

type ServiceOptions struct {
	// MaxPages bounds one run. A collection still reporting a next page
	// after MaxPages pages is aborted.
	MaxPages int
	// Filter drops out-of-scope repositories from organization listings.
	Filter  processor.ScopeFilter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Service pages through one collection at a time. Page N+1 is requested
// only after page N is written, with page N's cursor.
type Service struct {
	fetcher    Fetcher
	ledger     *Ledger
	processors *processor.Processors
	repos      *mirror.Table[mirror.Repository, *mirror.Repository]
	opts       ServiceOptions
	logger     *slog.Logger
}

func NewService(store mirror.Store, fetcher Fetcher, ledger *Ledger, processors *processor.Processors, opts ServiceOptions) *Service {
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		fetcher:    fetcher,
		ledger:     ledger,
		processors: processors,
		repos:      mirror.NewTable[mirror.Repository](store),
		opts:       opts,
		logger:     logger,
	}
}

// SyncCollection enumerates one collection for a tenant. Failures are
// reported in the result, never returned: the sync runs in the background
// and its outcome is logged and persisted by the caller.
func (s *Service) SyncCollection(ctx context.Context, tenantID string, q Query) SyncResult {
	result := SyncResult{
		RunID:      uuid.NewString(),
		TenantID:   tenantID,
		Repository: strings.TrimSpace(q.Repository),
		Collection: q.Collection,
		StartedAt:  s.opts.Now().UTC(),
	}
	logger := s.logger.With("run_id", result.RunID, "tenant", tenantID, "repository", result.Repository, "collection", q.Collection)

	switch {
	case strings.TrimSpace(tenantID) == "":
		result.abort(fmt.Errorf("%w: tenant id is required", mirror.ErrInvalidInput))
	case q.Collection == CollectionRepository:
		s.syncRepository(ctx, &result)
	case q.Collection == CollectionOrgRepositories:
		s.paginate(ctx, logger, &result, PageRequest{Collection: q.Collection, Owner: result.Repository}, mirror.ProcessingContext{TenantID: tenantID})
	case q.Collection.reconcilable():
		owner, name, err := splitRepository(result.Repository)
		if err != nil {
			result.abort(err)
			break
		}
		pctx, err := s.repositoryContext(ctx, tenantID, result.Repository)
		if err != nil {
			result.abort(err)
			break
		}
		result.RepositoryID = pctx.RepositoryID()
		s.paginate(ctx, logger, &result, PageRequest{Collection: q.Collection, Owner: owner, Name: name}, pctx)
	default:
		result.abort(fmt.Errorf("%w: %q", ErrNotPaginated, q.Collection))
	}

	result.FinishedAt = s.opts.Now().UTC()
	s.opts.Metrics.ObserveSyncRun(string(q.Collection), string(result.Status))
	attrs := []any{"status", result.Status, "pages", result.Pages, "synced", len(result.Synced), "skipped", result.Skipped}
	if result.Err != nil {
		logger.Error("collection sync aborted", append(attrs, "error", result.Err)...)
	} else {
		logger.Info("collection sync finished", attrs...)
	}
	return result
}

func splitRepository(fullName string) (string, string, error) {
	owner, name, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrBadRepository, fullName)
	}
	return owner, name, nil
}

func (s *Service) repositoryContext(ctx context.Context, tenantID, fullName string) (mirror.ProcessingContext, error) {
	repo, err := s.repos.FindByFullName(ctx, fullName)
	if errors.Is(err, mirror.ErrNotFound) {
		return mirror.ProcessingContext{}, fmt.Errorf("%w: %s", ErrUnknownParent, fullName)
	}
	if err != nil {
		return mirror.ProcessingContext{}, err
	}
	return mirror.ProcessingContext{Repository: repo, TenantID: tenantID}, nil
}

func (s *Service) syncRepository(ctx context.Context, result *SyncResult) {
	owner, name, err := splitRepository(result.Repository)
	if err != nil {
		result.abort(err)
		return
	}
	reservation, err := s.ledger.Reserve(ctx, result.TenantID)
	if err != nil {
		result.abort(err)
		return
	}
	dto, rl, err := s.fetcher.FetchRepository(ctx, owner, name)
	if err != nil {
		reservation.Release()
		result.abort(err)
		return
	}
	if err := reservation.Commit(ctx, rl); err != nil {
		s.logger.Warn("rate limit not persisted", "tenant", result.TenantID, "error", err)
	}
	result.Pages = 1
	s.opts.Metrics.ObservePage(string(result.Collection))
	repo, err := s.processors.Repositories.Process(ctx, dto, result.TenantID)
	if err := record(result, repo, err); err != nil {
		result.abort(err)
		return
	}
	if repo != nil {
		result.RepositoryID = repo.NativeID
	}
	result.finish()
}

func (s *Service) paginate(ctx context.Context, logger *slog.Logger, result *SyncResult, req PageRequest, pctx mirror.ProcessingContext) {
	for {
		if result.Pages >= s.opts.MaxPages {
			result.abort(fmt.Errorf("%w: %d pages", ErrPageCeiling, result.Pages))
			return
		}
		page, err := s.fetch(ctx, result.TenantID, req)
		if err != nil {
			result.abort(fmt.Errorf("page %d: %w", result.Pages+1, err))
			return
		}
		if err := s.apply(ctx, result, pctx, page); err != nil {
			result.abort(fmt.Errorf("page %d: %w", result.Pages+1, err))
			return
		}
		result.Pages++
		s.opts.Metrics.ObservePage(string(req.Collection))
		logger.Debug("page synced", "page", result.Pages, "nodes", page.Len(), "total", page.TotalCount, "page_size", req.First)

		if !page.HasNextPage {
			result.finish()
			return
		}
		if page.EndCursor == "" {
			result.abort(fmt.Errorf("page %d: %w", result.Pages, ErrMissingCursor))
			return
		}
		req.After = page.EndCursor
	}
}

// fetch issues one page request against the tenant's budget.
func (s *Service) fetch(ctx context.Context, tenantID string, req PageRequest) (Page, error) {
	reservation, err := s.ledger.Reserve(ctx, tenantID)
	if err != nil {
		return Page{}, err
	}
	req.First = reservation.PageSize
	page, err := s.fetcher.FetchPage(ctx, req)
	if err != nil {
		reservation.Release()
		return Page{}, err
	}
	if err := reservation.Commit(ctx, page.RateLimit); err != nil {
		s.logger.Warn("rate limit not persisted", "tenant", tenantID, "error", err)
	}
	return page, nil
}

func (s *Service) apply(ctx context.Context, result *SyncResult, pctx mirror.ProcessingContext, page Page) error {
	p := s.processors
	for _, dto := range page.Collaborators {
		entity, err := p.Collaborators.Process(ctx, dto, pctx)
		if err := record(result, entity, err); err != nil {
			return err
		}
	}
	for _, dto := range page.Issues {
		entity, err := p.Issues.Process(ctx, dto, pctx)
		if err := record(result, entity, err); err != nil {
			return err
		}
	}
	for _, dto := range page.PullRequests {
		entity, err := p.PullRequests.Process(ctx, dto, pctx)
		if err := record(result, entity, err); err != nil {
			return err
		}
	}
	for _, dto := range page.Repositories {
		if s.opts.Filter != nil && !s.opts.Filter.Allows(dto.FullName) {
			continue
		}
		entity, err := p.Repositories.Process(ctx, dto, pctx.TenantID)
		if err := record(result, entity, err); err != nil {
			return err
		}
	}
	return nil
}

// record adds a processed entity to the result. Permanent failures and
// entities the processor declined to write count as skipped; anything else
// aborts the run.
func record[T any, P interface {
	*T
	mirror.Entity
}](result *SyncResult, entity P, err error) error {
	if err != nil {
		if mirror.IsPermanent(err) {
			result.Skipped++
			return nil
		}
		return err
	}
	if entity == nil {
		result.Skipped++
		return nil
	}
	result.Synced = append(result.Synced, entity)
	result.Seen = append(result.Seen, entity.EntityKey().NativeID)
	return nil
}

// SyncedRepositories lists the full names of repositories written by an
// organization listing or repository run.
func (r SyncResult) SyncedRepositories() []string {
	var names []string
	for _, entity := range r.Synced {
		if repo, ok := entity.(*mirror.Repository); ok {
			names = append(names, repo.FullName)
		}
	}
	slices.Sort(names)
	return names
}
