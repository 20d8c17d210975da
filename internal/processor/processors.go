// Package processor turns provider payloads into mirrored entities. The
// webhook consumer and the scheduled sync share these processors.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agentworkforce/gitmirror/internal/mirror"
)

type Options struct {
	Logger *slog.Logger
}

// Processors groups one processor per entity kind over a single store,
// bound to one provider. New binds GitHub; For returns the set of another
// provider.
type Processors struct {
	Repositories  *RepositoryProcessor
	Organizations *OrganizationProcessor
	Installations *InstallationProcessor
	Users         *UserProcessor
	Collaborators *CollaboratorProcessor
	Issues        *IssueProcessor
	PullRequests  *PullRequestProcessor
	Reviews       *ReviewProcessor
	Comments      *CommentProcessor
	Discussions   *DiscussionProcessor

	provider string
	bind     func(provider string) *Processors

	mu    *sync.Mutex
	bound map[string]*Processors
}

func New(store mirror.Store, opts Options) *Processors {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	root := newSet(store, logger, mirror.ProviderGitHub)
	root.bind = func(provider string) *Processors { return newSet(store, logger, provider) }
	root.mu = &sync.Mutex{}
	root.bound = map[string]*Processors{mirror.ProviderGitHub: root}
	return root
}

func newSet(store mirror.Store, logger *slog.Logger, provider string) *Processors {
	users := &UserProcessor{table: mirror.NewTable[mirror.User](store).For(provider), logger: logger}
	issues := mirror.NewTable[mirror.Issue](store).For(provider)
	pulls := mirror.NewTable[mirror.PullRequest](store).For(provider)
	discussions := mirror.NewTable[mirror.Discussion](store).For(provider)
	return &Processors{
		Repositories:  &RepositoryProcessor{table: mirror.NewTable[mirror.Repository](store).For(provider), logger: logger},
		Organizations: &OrganizationProcessor{table: mirror.NewTable[mirror.Organization](store).For(provider), logger: logger},
		Installations: &InstallationProcessor{table: mirror.NewTable[mirror.Installation](store).For(provider), logger: logger},
		Users:         users,
		Collaborators: &CollaboratorProcessor{table: mirror.NewTable[mirror.Collaborator](store).For(provider), users: users, logger: logger},
		Issues:        &IssueProcessor{table: issues, users: users, logger: logger},
		PullRequests:  &PullRequestProcessor{table: pulls, users: users, logger: logger},
		Reviews:       &ReviewProcessor{table: mirror.NewTable[mirror.Review](store).For(provider), pulls: pulls, users: users, logger: logger},
		Comments: &CommentProcessor{
			table:       mirror.NewTable[mirror.Comment](store).For(provider),
			issues:      issues,
			pulls:       pulls,
			discussions: discussions,
			users:       users,
			logger:      logger,
		},
		Discussions: &DiscussionProcessor{table: discussions, users: users, logger: logger},
		provider:    provider,
	}
}

// Provider is the provider this set writes under.
func (p *Processors) Provider() string {
	return p.provider
}

// For returns the processors bound to provider. Sets are built once and
// shared.
func (p *Processors) For(provider string) *Processors {
	provider = mirror.NormalizeProvider(provider)
	if provider == p.provider || p.bind == nil {
		return p
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.bound[provider]; ok {
		return set
	}
	set := p.bind(provider)
	set.bind, set.mu, set.bound = p.bind, p.mu, p.bound
	p.bound[provider] = set
	return set
}

// stage loads the stored entity for key, or a zero one, lets fill apply the
// payload's mutable fields, and upserts the result.
func stage[T any, P interface {
	*T
	mirror.Entity
}](ctx context.Context, table *mirror.Table[T, P], key mirror.Key, fill func(current P) P) (P, error) {
	current, err := table.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	if current == nil {
		current = P(new(T))
	}
	return table.Upsert(ctx, fill(current))
}

func missingID(logger *slog.Logger, kind mirror.Kind, attrs ...any) error {
	logger.Error("payload without native id, entity skipped", append([]any{"kind", kind}, attrs...)...)
	return &mirror.SkipError{Kind: kind, Reason: "missing native id", Err: mirror.ErrMissingNativeID}
}

// deleteByID removes the entity with native id id under the parent and
// namespace of key.
func deleteByID[T any, P interface {
	*T
	mirror.Entity
}](ctx context.Context, logger *slog.Logger, table *mirror.Table[T, P], key mirror.Key, id *int64) error {
	nid, ok := nativeID(id)
	if !ok {
		logger.Warn("delete without native id, nothing to delete", "kind", table.Kind())
		return nil
	}
	key.NativeID = nid
	return table.Delete(ctx, key)
}

type UserProcessor struct {
	table  *mirror.Table[mirror.User, *mirror.User]
	logger *slog.Logger
}

func (p *UserProcessor) Process(ctx context.Context, dto UserDTO) (*mirror.User, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindUser, "login", dto.Login)
	}
	return stage(ctx, p.table, mirror.Key{NativeID: id}, func(cur *mirror.User) *mirror.User {
		next := convertUser(dto, *cur)
		return &next
	})
}

// processAuthor records the author of another entity when it carries an id.
func (p *UserProcessor) processAuthor(ctx context.Context, dto *UserDTO) error {
	if dto == nil {
		return nil
	}
	if _, ok := nativeID(dto.ID); !ok {
		return nil
	}
	_, err := p.Process(ctx, *dto)
	return err
}

type RepositoryProcessor struct {
	table  *mirror.Table[mirror.Repository, *mirror.Repository]
	logger *slog.Logger
}

// Process upserts a repository. tenantID is applied only when non-empty.
func (p *RepositoryProcessor) Process(ctx context.Context, dto RepositoryDTO, tenantID string) (*mirror.Repository, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindRepository, "repository", dto.FullName)
	}
	return stage(ctx, p.table, mirror.Key{NativeID: id}, func(cur *mirror.Repository) *mirror.Repository {
		next := convertRepository(dto, *cur)
		if tenantID != "" {
			next.TenantID = tenantID
		}
		return &next
	})
}

func (p *RepositoryProcessor) ProcessDeleted(ctx context.Context, dto RepositoryDTO) error {
	return deleteByID(ctx, p.logger, p.table, mirror.Key{}, dto.ID)
}

type OrganizationProcessor struct {
	table  *mirror.Table[mirror.Organization, *mirror.Organization]
	logger *slog.Logger
}

func (p *OrganizationProcessor) Process(ctx context.Context, dto OrganizationDTO, tenantID string) (*mirror.Organization, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindOrganization, "login", dto.Login)
	}
	return stage(ctx, p.table, mirror.Key{NativeID: id}, func(cur *mirror.Organization) *mirror.Organization {
		next := convertOrganization(dto, *cur)
		if tenantID != "" {
			next.TenantID = tenantID
		}
		return &next
	})
}

func (p *OrganizationProcessor) ProcessDeleted(ctx context.Context, dto OrganizationDTO) error {
	return deleteByID(ctx, p.logger, p.table, mirror.Key{}, dto.ID)
}

type InstallationProcessor struct {
	table  *mirror.Table[mirror.Installation, *mirror.Installation]
	logger *slog.Logger
}

func (p *InstallationProcessor) Process(ctx context.Context, dto InstallationDTO, tenantID string) (*mirror.Installation, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindInstallation)
	}
	return stage(ctx, p.table, mirror.Key{NativeID: id}, func(cur *mirror.Installation) *mirror.Installation {
		next := convertInstallation(dto, *cur)
		if tenantID != "" {
			next.TenantID = tenantID
		}
		return &next
	})
}

func (p *InstallationProcessor) ProcessDeleted(ctx context.Context, dto InstallationDTO) error {
	return deleteByID(ctx, p.logger, p.table, mirror.Key{}, dto.ID)
}

type CollaboratorProcessor struct {
	table  *mirror.Table[mirror.Collaborator, *mirror.Collaborator]
	users  *UserProcessor
	logger *slog.Logger
}

func (p *CollaboratorProcessor) Process(ctx context.Context, dto CollaboratorDTO, pctx mirror.ProcessingContext) (*mirror.Collaborator, error) {
	if dto.User == nil {
		return nil, missingID(p.logger, mirror.KindCollaborator)
	}
	id, ok := nativeID(dto.User.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindCollaborator, "login", dto.User.Login)
	}
	repoID := pctx.RepositoryID()
	if repoID == 0 {
		p.logger.Warn("collaborator without local repository, skipped", "login", dto.User.Login)
		return nil, nil
	}
	if err := p.users.processAuthor(ctx, dto.User); err != nil {
		return nil, err
	}
	return stage(ctx, p.table, mirror.Key{ParentID: repoID, NativeID: id}, func(cur *mirror.Collaborator) *mirror.Collaborator {
		next := convertCollaborator(dto, *cur)
		next.RepositoryID = repoID
		return &next
	})
}

func (p *CollaboratorProcessor) ProcessDeleted(ctx context.Context, dto CollaboratorDTO, pctx mirror.ProcessingContext) error {
	var id *int64
	if dto.User != nil {
		id = dto.User.ID
	}
	return deleteByID(ctx, p.logger, p.table, mirror.Key{ParentID: pctx.RepositoryID()}, id)
}

type IssueProcessor struct {
	table  *mirror.Table[mirror.Issue, *mirror.Issue]
	users  *UserProcessor
	logger *slog.Logger
}

// Process upserts an issue. Issue payloads that describe a pull request
// are skipped; pull requests are stored by PullRequestProcessor.
func (p *IssueProcessor) Process(ctx context.Context, dto IssueDTO, pctx mirror.ProcessingContext) (*mirror.Issue, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindIssue, "number", dto.Number)
	}
	if dto.PullRequest != nil {
		p.logger.Debug("issue payload describes a pull request, skipped", "native_id", id, "number", dto.Number)
		return nil, nil
	}
	repoID := pctx.RepositoryID()
	if repoID == 0 {
		p.logger.Warn("issue without local repository, skipped", "native_id", id)
		return nil, nil
	}
	if err := p.users.processAuthor(ctx, dto.User); err != nil {
		return nil, err
	}
	return stage(ctx, p.table, mirror.Key{NativeID: id}, func(cur *mirror.Issue) *mirror.Issue {
		next := convertIssue(dto, *cur)
		if next.RepositoryID == 0 {
			next.RepositoryID = repoID
		}
		return &next
	})
}

func (p *IssueProcessor) ProcessDeleted(ctx context.Context, dto IssueDTO) error {
	return deleteByID(ctx, p.logger, p.table, mirror.Key{}, dto.ID)
}

type PullRequestProcessor struct {
	table  *mirror.Table[mirror.PullRequest, *mirror.PullRequest]
	users  *UserProcessor
	logger *slog.Logger
}

func (p *PullRequestProcessor) Process(ctx context.Context, dto PullRequestDTO, pctx mirror.ProcessingContext) (*mirror.PullRequest, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindPullRequest, "number", dto.Number)
	}
	repoID := pctx.RepositoryID()
	if repoID == 0 {
		p.logger.Warn("pull request without local repository, skipped", "native_id", id)
		return nil, nil
	}
	if err := p.users.processAuthor(ctx, dto.User); err != nil {
		return nil, err
	}
	return stage(ctx, p.table, mirror.Key{NativeID: id}, func(cur *mirror.PullRequest) *mirror.PullRequest {
		next := convertPullRequest(dto, *cur)
		if next.RepositoryID == 0 {
			next.RepositoryID = repoID
		}
		return &next
	})
}

func (p *PullRequestProcessor) ProcessDeleted(ctx context.Context, dto PullRequestDTO) error {
	return deleteByID(ctx, p.logger, p.table, mirror.Key{}, dto.ID)
}

type ReviewProcessor struct {
	table  *mirror.Table[mirror.Review, *mirror.Review]
	pulls  *mirror.Table[mirror.PullRequest, *mirror.PullRequest]
	users  *UserProcessor
	logger *slog.Logger
}

// Process attaches a review to an already stored pull request. A missing
// pull request skips the review with a warning.
func (p *ReviewProcessor) Process(ctx context.Context, dto ReviewDTO, pullRequestID int64, pctx mirror.ProcessingContext) (*mirror.Review, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindReview, "pull_request_id", pullRequestID)
	}
	pull, err := p.pulls.Lookup(ctx, mirror.Key{NativeID: pullRequestID})
	if err != nil {
		return nil, err
	}
	if pull == nil {
		p.logger.Warn("review parent pull request not found, skipped", "native_id", id, "pull_request_id", pullRequestID)
		return nil, nil
	}
	if err := p.users.processAuthor(ctx, dto.User); err != nil {
		return nil, err
	}
	return stage(ctx, p.table, mirror.Key{NativeID: id}, func(cur *mirror.Review) *mirror.Review {
		next := convertReview(dto, *cur)
		next.PullRequestID = pull.NativeID
		if next.RepositoryID == 0 {
			next.RepositoryID = pull.RepositoryID
		}
		if next.RepositoryID == 0 {
			next.RepositoryID = pctx.RepositoryID()
		}
		return &next
	})
}

func (p *ReviewProcessor) ProcessDeleted(ctx context.Context, dto ReviewDTO) error {
	return deleteByID(ctx, p.logger, p.table, mirror.Key{}, dto.ID)
}

// CommentParent names the entity a comment hangs off. Conversation
// comments on pull requests may name the parent by Number alone.
type CommentParent struct {
	Kind   mirror.CommentKind
	ID     int64
	Number int
}

type CommentProcessor struct {
	table       *mirror.Table[mirror.Comment, *mirror.Comment]
	issues      *mirror.Table[mirror.Issue, *mirror.Issue]
	pulls       *mirror.Table[mirror.PullRequest, *mirror.PullRequest]
	discussions *mirror.Table[mirror.Discussion, *mirror.Discussion]
	users       *UserProcessor
	logger      *slog.Logger
}

// Process stores a comment. The parent must already exist; otherwise the
// comment is skipped with a warning since the parent may arrive later.
func (p *CommentProcessor) Process(ctx context.Context, dto CommentDTO, parent CommentParent, pctx mirror.ProcessingContext) (*mirror.Comment, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindComment, "parent_kind", parent.Kind, "parent_id", parent.ID)
	}
	parentID, repoID, found, err := p.resolveParent(ctx, parent, pctx)
	if err != nil {
		return nil, err
	}
	if !found {
		p.logger.Warn("comment parent not found, skipped",
			"native_id", id, "parent_kind", parent.Kind, "parent_id", parent.ID, "parent_number", parent.Number)
		return nil, nil
	}
	if repoID == 0 {
		repoID = pctx.RepositoryID()
	}
	if err := p.users.processAuthor(ctx, dto.User); err != nil {
		return nil, err
	}
	key := mirror.Key{Namespace: parent.Kind.Namespace(), NativeID: id}
	return stage(ctx, p.table, key, func(cur *mirror.Comment) *mirror.Comment {
		next := convertComment(dto, *cur)
		next.Kind = parent.Kind
		next.ParentID = parentID
		if next.RepositoryID == 0 {
			next.RepositoryID = repoID
		}
		return &next
	})
}

// ProcessDeleted removes a comment from the id sequence of kind.
func (p *CommentProcessor) ProcessDeleted(ctx context.Context, dto CommentDTO, kind mirror.CommentKind) error {
	return deleteByID(ctx, p.logger, p.table, mirror.Key{Namespace: kind.Namespace()}, dto.ID)
}

// resolveParent returns the parent's native id and repository.
func (p *CommentProcessor) resolveParent(ctx context.Context, parent CommentParent, pctx mirror.ProcessingContext) (int64, int64, bool, error) {
	key := mirror.Key{NativeID: parent.ID}
	switch parent.Kind {
	case mirror.CommentOnIssue:
		issue, err := p.issues.Lookup(ctx, key)
		if err != nil || issue == nil {
			return 0, 0, false, err
		}
		return issue.NativeID, issue.RepositoryID, true, nil
	case mirror.CommentOnPullRequest:
		if parent.ID == 0 {
			return p.pullByNumber(ctx, parent.Number, pctx)
		}
		fallthrough
	case mirror.CommentOnReview:
		pull, err := p.pulls.Lookup(ctx, key)
		if err != nil || pull == nil {
			return 0, 0, false, err
		}
		return pull.NativeID, pull.RepositoryID, true, nil
	case mirror.CommentOnDiscussion:
		discussion, err := p.discussions.Lookup(ctx, key)
		if err != nil || discussion == nil {
			return 0, 0, false, err
		}
		return discussion.NativeID, discussion.RepositoryID, true, nil
	default:
		return 0, 0, false, nil
	}
}

func (p *CommentProcessor) pullByNumber(ctx context.Context, number int, pctx mirror.ProcessingContext) (int64, int64, bool, error) {
	name := mirror.PullRequestNumberKey(pctx.RepositoryID(), number)
	if name == "" {
		return 0, 0, false, nil
	}
	pull, err := p.pulls.FindByFullName(ctx, name)
	if errors.Is(err, mirror.ErrNotFound) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return pull.NativeID, pull.RepositoryID, true, nil
}

type DiscussionProcessor struct {
	table  *mirror.Table[mirror.Discussion, *mirror.Discussion]
	users  *UserProcessor
	logger *slog.Logger
}

func (p *DiscussionProcessor) Process(ctx context.Context, dto DiscussionDTO, pctx mirror.ProcessingContext) (*mirror.Discussion, error) {
	id, ok := nativeID(dto.ID)
	if !ok {
		return nil, missingID(p.logger, mirror.KindDiscussion, "number", dto.Number)
	}
	repoID := pctx.RepositoryID()
	if repoID == 0 {
		p.logger.Warn("discussion without local repository, skipped", "native_id", id)
		return nil, nil
	}
	if err := p.users.processAuthor(ctx, dto.User); err != nil {
		return nil, err
	}
	return stage(ctx, p.table, mirror.Key{NativeID: id}, func(cur *mirror.Discussion) *mirror.Discussion {
		next := convertDiscussion(dto, *cur)
		if next.RepositoryID == 0 {
			next.RepositoryID = repoID
		}
		return &next
	})
}

func (p *DiscussionProcessor) ProcessDeleted(ctx context.Context, dto DiscussionDTO) error {
	return deleteByID(ctx, p.logger, p.table, mirror.Key{}, dto.ID)
}
