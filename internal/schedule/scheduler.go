// Package schedule triggers tenant syncs from cron expressions. Triggers
// only enqueue tenant ids; worker goroutines run the syncs, at most one per
// tenant at a time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSpec    = "0 */6 * * *"
	defaultWorkers = 4
	queueSize      = 256
)

var ErrInvalidSpec = errors.New("invalid schedule")

// RunFunc syncs one tenant. It must return once ctx is done.
type RunFunc func(ctx context.Context, tenantID string)

// TenantSchedule binds a tenant to a cron expression. An empty Spec uses
// the scheduler's default.
type TenantSchedule struct {
	TenantID string
	Spec     string
}

type Options struct {
	Spec         string
	RunOnStartup bool
	// Workers bounds how many tenants sync at once.
	Workers  int
	Location *time.Location
	Logger   *slog.Logger
}

type Scheduler struct {
	run    RunFunc
	opts   Options
	logger *slog.Logger
	cron   *cron.Cron
	jobs   chan string

	mu       sync.Mutex
	entries  []cron.EntryID
	tenants  []TenantSchedule
	inFlight map[string]bool
}

func New(run RunFunc, opts Options) (*Scheduler, error) {
	if strings.TrimSpace(opts.Spec) == "" {
		opts.Spec = DefaultSpec
	}
	if _, err := cron.ParseStandard(opts.Spec); err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSpec, opts.Spec, err)
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		run:      run,
		opts:     opts,
		logger:   logger,
		cron:     cron.New(cron.WithLocation(opts.Location)),
		jobs:     make(chan string, queueSize),
		inFlight: make(map[string]bool),
	}, nil
}

// SetTenants replaces the cron entries. Tenants on the default spec share
// one entry; each override gets its own. An invalid override falls back to
// the default and is reported in the returned error.
func (s *Scheduler) SetTenants(tenants []TenantSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]
	s.tenants = append(s.tenants[:0], tenants...)

	var errs []error
	var defaults []string
	for _, t := range tenants {
		spec := strings.TrimSpace(t.Spec)
		if spec == "" || spec == s.opts.Spec {
			defaults = append(defaults, t.TenantID)
			continue
		}
		tenantID := t.TenantID
		id, err := s.cron.AddFunc(spec, func() { s.Trigger(tenantID, "cron") })
		if err != nil {
			errs = append(errs, fmt.Errorf("%w %q for %s: %v", ErrInvalidSpec, spec, tenantID, err))
			defaults = append(defaults, tenantID)
			continue
		}
		s.entries = append(s.entries, id)
	}
	if len(defaults) > 0 {
		id, err := s.cron.AddFunc(s.opts.Spec, func() {
			for _, tenantID := range defaults {
				s.Trigger(tenantID, "cron")
			}
		})
		if err != nil {
			errs = append(errs, err)
		} else {
			s.entries = append(s.entries, id)
		}
	}
	s.logger.Info("sync schedule updated", "tenants", len(tenants), "entries", len(s.entries))
	return errors.Join(errs...)
}

// Trigger queues a sync for tenantID. It reports false when the tenant is
// already queued or running, or the queue is full.
func (s *Scheduler) Trigger(tenantID, reason string) bool {
	s.mu.Lock()
	if s.inFlight[tenantID] {
		s.mu.Unlock()
		s.logger.Info("sync already in flight, trigger dropped", "tenant", tenantID, "reason", reason)
		return false
	}
	s.inFlight[tenantID] = true
	s.mu.Unlock()

	select {
	case s.jobs <- tenantID:
		s.logger.Debug("sync queued", "tenant", tenantID, "reason", reason)
		return true
	default:
		s.finish(tenantID)
		s.logger.Warn("sync queue full, trigger dropped", "tenant", tenantID, "reason", reason)
		return false
	}
}

// TriggerAll queues every configured tenant.
func (s *Scheduler) TriggerAll(reason string) int {
	s.mu.Lock()
	tenants := append([]TenantSchedule(nil), s.tenants...)
	s.mu.Unlock()
	queued := 0
	for _, t := range tenants {
		if s.Trigger(t.TenantID, reason) {
			queued++
		}
	}
	return queued
}

func (s *Scheduler) finish(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, tenantID)
}

// Run starts the cron triggers and the workers and blocks until ctx is
// done and every running sync has returned.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range s.opts.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.work(ctx)
		}()
	}
	s.cron.Start()
	if s.opts.RunOnStartup {
		s.logger.Info("startup sync triggered", "queued", s.TriggerAll("startup"))
	}

	<-ctx.Done()
	<-s.cron.Stop().Done()
	wg.Wait()
	return nil
}

func (s *Scheduler) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tenantID := <-s.jobs:
			started := time.Now()
			s.logger.Info("tenant sync started", "tenant", tenantID)
			s.run(ctx, tenantID)
			s.finish(tenantID)
			s.logger.Info("tenant sync done", "tenant", tenantID, "duration", time.Since(started).String())
		}
	}
}
