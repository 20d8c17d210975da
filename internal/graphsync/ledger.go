package graphsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/gitmirror/internal/metrics"
	"github.com/agentworkforce/gitmirror/internal/mirror"
)

const (
	defaultMaxPageSize       = 100
	defaultMinPageSize       = 10
	defaultCriticalRemaining = 50
	defaultHealthyRemaining  = 1000
)

type LedgerOptions struct {
	MaxPageSize int
	MinPageSize int
	// Below CriticalRemaining the next call waits for the reset.
	CriticalRemaining int
	// At or above HealthyRemaining pages are fetched at MaxPageSize.
	HealthyRemaining int
	Now              func() time.Time
	Sleep            func(ctx context.Context, d time.Duration) error
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Ledger tracks the request budget of every tenant. A tenant's budget is
// locked from the page-size decision until the response's rate limit is
// recorded, so concurrent callers for one tenant never spend the same
// budget twice.
type Ledger struct {
	store  mirror.LedgerStore
	opts   LedgerOptions
	logger *slog.Logger

	mu      sync.Mutex
	budgets map[string]*budget
}

type budget struct {
	mu       sync.Mutex
	loaded   bool
	snapshot mirror.RateLimitSnapshot
}

func NewLedger(store mirror.LedgerStore, opts LedgerOptions) *Ledger {
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = defaultMaxPageSize
	}
	if opts.MinPageSize <= 0 {
		opts.MinPageSize = defaultMinPageSize
	}
	if opts.MinPageSize > opts.MaxPageSize {
		opts.MinPageSize = opts.MaxPageSize
	}
	if opts.CriticalRemaining <= 0 {
		opts.CriticalRemaining = defaultCriticalRemaining
	}
	if opts.HealthyRemaining <= opts.CriticalRemaining {
		opts.HealthyRemaining = max(defaultHealthyRemaining, opts.CriticalRemaining+1)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, opts: opts, logger: logger, budgets: make(map[string]*budget)}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PageSize maps the remaining budget to a page size. It never decreases as
// remaining grows and stays within [MinPageSize, MaxPageSize].
func (l *Ledger) PageSize(remaining int) int {
	o := l.opts
	switch {
	case remaining >= o.HealthyRemaining:
		return o.MaxPageSize
	case remaining <= o.CriticalRemaining:
		return o.MinPageSize
	}
	span := o.HealthyRemaining - o.CriticalRemaining
	size := o.MinPageSize + (remaining-o.CriticalRemaining)*(o.MaxPageSize-o.MinPageSize)/span
	return min(max(size, o.MinPageSize), o.MaxPageSize)
}

func (l *Ledger) budgetFor(tenantID string) *budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[tenantID]
	if !ok {
		b = &budget{}
		l.budgets[tenantID] = b
	}
	return b
}

// Reservation is the right to issue one remote call for a tenant. It holds
// the tenant's budget until Commit or Release.
type Reservation struct {
	PageSize int

	ledger   *Ledger
	budget   *budget
	tenantID string
	done     bool
}

// Reserve waits, cancellably, until the tenant's budget allows another call
// and returns the page size to request.
func (l *Ledger) Reserve(ctx context.Context, tenantID string) (*Reservation, error) {
	if tenantID == "" {
		return nil, mirror.ErrInvalidInput
	}
	b := l.budgetFor(tenantID)
	b.mu.Lock()
	if err := l.loadLocked(ctx, tenantID, b); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if err := l.waitLocked(ctx, tenantID, b); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	size := l.opts.MaxPageSize
	if !b.snapshot.UpdatedAt.IsZero() {
		size = l.PageSize(b.snapshot.Remaining)
	}
	return &Reservation{PageSize: size, ledger: l, budget: b, tenantID: tenantID}, nil
}

// loadLocked reads the persisted snapshot once per process so a restart
// resumes from the last known budget instead of assuming a full one.
func (l *Ledger) loadLocked(ctx context.Context, tenantID string, b *budget) error {
	if b.loaded || l.store == nil {
		b.loaded = true
		return nil
	}
	snapshot, err := l.store.LoadRateLimit(ctx, tenantID)
	switch {
	case err == nil:
		b.snapshot = snapshot
	case errors.Is(err, mirror.ErrNotFound):
		b.snapshot = mirror.RateLimitSnapshot{TenantID: tenantID}
	default:
		return err
	}
	b.loaded = true
	return nil
}

func (l *Ledger) waitLocked(ctx context.Context, tenantID string, b *budget) error {
	s := b.snapshot
	if s.UpdatedAt.IsZero() || s.Remaining >= l.opts.CriticalRemaining {
		return nil
	}
	now := l.opts.Now()
	if !s.ResetAt.After(now) {
		return nil
	}
	wait := s.ResetAt.Sub(now)
	l.logger.Warn("rate limit budget critical, waiting for reset",
		"tenant", tenantID,
		"remaining", s.Remaining,
		"reset_at", s.ResetAt.Format(time.RFC3339),
		"wait", wait.String())
	l.opts.Metrics.ObserveRateLimitWait(tenantID)
	if err := l.opts.Sleep(ctx, wait); err != nil {
		return err
	}
	// The window rolled over; the next response reports the real figure.
	if s.Limit > 0 {
		b.snapshot.Remaining = s.Limit
	} else {
		b.snapshot.Remaining = l.opts.HealthyRemaining
	}
	return nil
}

// Commit records the rate limit reported with the response, persists it
// and releases the budget.
func (r *Reservation) Commit(ctx context.Context, rl RateLimit) error {
	if r.done {
		return nil
	}
	defer r.Release()
	if !rl.known() {
		return nil
	}
	l := r.ledger
	r.budget.snapshot = mirror.RateLimitSnapshot{
		TenantID:  r.tenantID,
		Remaining: rl.Remaining,
		Limit:     rl.Limit,
		Cost:      rl.Cost,
		ResetAt:   rl.ResetAt,
		UpdatedAt: l.opts.Now().UTC(),
	}
	l.opts.Metrics.SetRateLimit(r.tenantID, rl.Remaining)
	if l.store == nil {
		return nil
	}
	return l.store.SaveRateLimit(ctx, r.budget.snapshot)
}

// Release gives the budget back without recording a response, for calls
// that failed before the provider reported a rate limit.
func (r *Reservation) Release() {
	if r.done {
		return
	}
	r.done = true
	r.budget.mu.Unlock()
}

// Snapshot returns the tenant's current budget.
func (l *Ledger) Snapshot(ctx context.Context, tenantID string) (mirror.RateLimitSnapshot, error) {
	b := l.budgetFor(tenantID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := l.loadLocked(ctx, tenantID, b); err != nil {
		return mirror.RateLimitSnapshot{}, err
	}
	return b.snapshot, nil
}
