package processor

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/agentworkforce/gitmirror/internal/mirror"
)

// ScopeFilter answers from a repository full name alone.
type ScopeFilter interface {
	Allows(fullName string) bool
}

// TenantDirectory maps organizations and repositories to workspaces.
type TenantDirectory interface {
	TenantForOrganization(login string) (string, bool)
	TenantForRepository(fullName string) (string, bool)
}

// WebhookEvent is what the resolver needs from an inbound event.
type WebhookEvent interface {
	SourceProvider() string
	RepositoryReference() *RepositoryRef
	OrganizationLogin() string
}

type Resolver struct {
	filter  ScopeFilter
	tenants TenantDirectory
	repos   *mirror.Table[mirror.Repository, *mirror.Repository]
	logger  *slog.Logger
}

func NewResolver(store mirror.Store, filter ScopeFilter, tenants TenantDirectory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		filter:  filter,
		tenants: tenants,
		repos:   mirror.NewTable[mirror.Repository](store),
		logger:  logger,
	}
}

// ForWebhookEvent resolves the processing context of an event. ok is false
// when there is nothing to process: no repository reference, a repository
// outside the monitored scope, or one not yet known locally to the event's
// provider. The scope check happens before any store access.
func (r *Resolver) ForWebhookEvent(ctx context.Context, event WebhookEvent) (mirror.ProcessingContext, bool, error) {
	ref := event.RepositoryReference()
	if ref == nil {
		return mirror.ProcessingContext{}, false, nil
	}
	fullName := RefFullName(ref)
	if fullName == "" {
		return mirror.ProcessingContext{}, false, nil
	}
	if r.filter != nil && !r.filter.Allows(fullName) {
		r.logger.Debug("repository out of scope", "repository", fullName)
		return mirror.ProcessingContext{}, false, nil
	}
	repo, err := r.repos.For(event.SourceProvider()).FindByFullName(ctx, fullName)
	if errors.Is(err, mirror.ErrNotFound) {
		r.logger.Debug("repository not known locally", "repository", fullName)
		return mirror.ProcessingContext{}, false, nil
	}
	if err != nil {
		return mirror.ProcessingContext{}, false, err
	}
	orgLogin := strings.TrimSpace(event.OrganizationLogin())
	if orgLogin == "" {
		orgLogin = repo.OrganizationLogin
	}
	return mirror.ProcessingContext{
		Repository: repo,
		TenantID:   r.ResolveTenant(orgLogin, fullName),
	}, true, nil
}

// ResolveTenant tries the organization login first and falls back to the
// repository name. An empty result is valid.
func (r *Resolver) ResolveTenant(orgLogin, fullName string) string {
	if r.tenants == nil {
		return ""
	}
	if orgLogin != "" {
		if tenant, ok := r.tenants.TenantForOrganization(orgLogin); ok {
			return tenant
		}
	}
	if tenant, ok := r.tenants.TenantForRepository(fullName); ok {
		return tenant
	}
	return ""
}

// Allows exposes the scope filter to creation flows that bypass lookup.
func (r *Resolver) Allows(fullName string) bool {
	return r.filter == nil || r.filter.Allows(fullName)
}

func RefFullName(ref *RepositoryRef) string {
	if ref == nil {
		return ""
	}
	if name := strings.TrimSpace(ref.FullName); name != "" {
		return name
	}
	if ref.Owner == "" || ref.Name == "" {
		return ""
	}
	return ref.Owner + "/" + ref.Name
}
