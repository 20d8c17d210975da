package webhook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/agentworkforce/gitmirror/internal/mirror"
	"github.com/agentworkforce/gitmirror/internal/processor"
)

// Handlers holds the per-event handlers. Each resolves the processing
// context, routes embedded parents through their own processor first and
// then processes the event's entity.
type Handlers struct {
	resolver   *processor.Resolver
	processors *processor.Processors
	logger     *slog.Logger
}

func NewHandlers(resolver *processor.Resolver, processors *processor.Processors, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{resolver: resolver, processors: processors, logger: logger}
}

// Routes is the static route list the registry is built from.
func (h *Handlers) Routes() []Route {
	return []Route{
		{ProviderGitHub, EventIssues, HandlerFunc(h.Issues)},
		{ProviderGitHub, EventIssueComment, HandlerFunc(h.IssueComment)},
		{ProviderGitHub, EventPullRequest, HandlerFunc(h.PullRequest)},
		{ProviderGitHub, EventPullRequestReview, HandlerFunc(h.Review)},
		{ProviderGitHub, EventPullRequestReviewComment, HandlerFunc(h.ReviewComment)},
		{ProviderGitHub, EventDiscussion, HandlerFunc(h.Discussion)},
		{ProviderGitHub, EventDiscussionComment, HandlerFunc(h.DiscussionComment)},
		{ProviderGitHub, EventMember, HandlerFunc(h.Member)},
		{ProviderGitHub, EventInstallation, HandlerFunc(h.Installation)},
		{ProviderGitHub, EventInstallationRepositories, HandlerFunc(h.InstallationRepositories)},
		{ProviderGitHub, EventOrganization, HandlerFunc(h.Organization)},
		{ProviderGitHub, EventRepository, HandlerFunc(h.Repository)},
		{ProviderGitLab, EventGitLabIssue, HandlerFunc(h.Issues)},
		{ProviderGitLab, EventGitLabMergeRequest, HandlerFunc(h.PullRequest)},
		{ProviderGitLab, EventGitLabNote, HandlerFunc(h.Note)},
		{ProviderGitLab, EventGitLabProject, HandlerFunc(h.Repository)},
	}
}

// processorsFor returns the processors that write under the event's
// provider.
func (h *Handlers) processorsFor(event *Event) *processor.Processors {
	return h.processors.For(event.Provider)
}

func unexpectedPayload(event *Event) error {
	return fmt.Errorf("%w: %s/%s carries %T", mirror.ErrMalformedEnvelope, event.Provider, event.Type, event.Payload)
}

// resolve resolves the processing context and logs why an event is
// dropped when there is none.
func (h *Handlers) resolve(ctx context.Context, event *Event) (mirror.ProcessingContext, bool, error) {
	pctx, ok, err := h.resolver.ForWebhookEvent(ctx, event)
	if err != nil {
		return pctx, false, err
	}
	if !ok {
		h.logger.Debug("event without processing context, dropped",
			"provider", event.Provider,
			"event_type", event.Type,
			"action", event.Action,
			"repository", processor.RefFullName(event.Repository))
	}
	return pctx, ok, nil
}

func (h *Handlers) Issues(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(IssuePayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	pctx, ok, err := h.resolve(ctx, event)
	if err != nil || !ok {
		return err
	}
	if event.Action == "deleted" {
		return procs.Issues.ProcessDeleted(ctx, payload.Issue)
	}
	_, err = procs.Issues.Process(ctx, payload.Issue, pctx)
	return err
}

func (h *Handlers) IssueComment(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(IssueCommentPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	pctx, ok, err := h.resolve(ctx, event)
	if err != nil || !ok {
		return err
	}
	if event.Action == "deleted" {
		return procs.Comments.ProcessDeleted(ctx, payload.Comment, mirror.CommentOnIssue)
	}
	if payload.Issue.PullRequest != nil {
		parent := processor.CommentParent{Kind: mirror.CommentOnPullRequest, Number: payload.Issue.Number}
		_, err = procs.Comments.Process(ctx, payload.Comment, parent, pctx)
		return err
	}
	issue, err := procs.Issues.Process(ctx, payload.Issue, pctx)
	if err != nil || issue == nil {
		return err
	}
	parent := processor.CommentParent{Kind: mirror.CommentOnIssue, ID: issue.NativeID}
	_, err = procs.Comments.Process(ctx, payload.Comment, parent, pctx)
	return err
}

func (h *Handlers) PullRequest(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(PullRequestPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	pctx, ok, err := h.resolve(ctx, event)
	if err != nil || !ok {
		return err
	}
	_, err = procs.PullRequests.Process(ctx, payload.PullRequest, pctx)
	return err
}

func (h *Handlers) Review(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(ReviewPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	pctx, ok, err := h.resolve(ctx, event)
	if err != nil || !ok {
		return err
	}
	pull, err := procs.PullRequests.Process(ctx, payload.PullRequest, pctx)
	if err != nil || pull == nil {
		return err
	}
	_, err = procs.Reviews.Process(ctx, payload.Review, pull.NativeID, pctx)
	return err
}

func (h *Handlers) ReviewComment(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(ReviewCommentPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	pctx, ok, err := h.resolve(ctx, event)
	if err != nil || !ok {
		return err
	}
	if event.Action == "deleted" {
		return procs.Comments.ProcessDeleted(ctx, payload.Comment, mirror.CommentOnReview)
	}
	pull, err := procs.PullRequests.Process(ctx, payload.PullRequest, pctx)
	if err != nil || pull == nil {
		return err
	}
	parent := processor.CommentParent{Kind: mirror.CommentOnReview, ID: pull.NativeID}
	_, err = procs.Comments.Process(ctx, payload.Comment, parent, pctx)
	return err
}

func (h *Handlers) Discussion(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(DiscussionPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	pctx, ok, err := h.resolve(ctx, event)
	if err != nil || !ok {
		return err
	}
	if event.Action == "deleted" {
		return procs.Discussions.ProcessDeleted(ctx, payload.Discussion)
	}
	_, err = procs.Discussions.Process(ctx, payload.Discussion, pctx)
	return err
}

func (h *Handlers) DiscussionComment(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(DiscussionCommentPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	pctx, ok, err := h.resolve(ctx, event)
	if err != nil || !ok {
		return err
	}
	if event.Action == "deleted" {
		return procs.Comments.ProcessDeleted(ctx, payload.Comment, mirror.CommentOnDiscussion)
	}
	discussion, err := procs.Discussions.Process(ctx, payload.Discussion, pctx)
	if err != nil || discussion == nil {
		return err
	}
	parent := processor.CommentParent{Kind: mirror.CommentOnDiscussion, ID: discussion.NativeID}
	_, err = procs.Comments.Process(ctx, payload.Comment, parent, pctx)
	return err
}

// Note routes GitLab notes by what they are attached to.
func (h *Handlers) Note(ctx context.Context, event *Event) error {
	switch event.Payload.(type) {
	case IssueCommentPayload:
		return h.IssueComment(ctx, event)
	case ReviewCommentPayload:
		return h.ReviewComment(ctx, event)
	case nil:
		h.logger.Debug("note on untracked object, dropped", "provider", event.Provider)
		return nil
	default:
		return unexpectedPayload(event)
	}
}

func (h *Handlers) Member(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(MemberPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	pctx, ok, err := h.resolve(ctx, event)
	if err != nil || !ok {
		return err
	}
	if event.Action == "removed" {
		return procs.Collaborators.ProcessDeleted(ctx, payload.Collaborator, pctx)
	}
	_, err = procs.Collaborators.Process(ctx, payload.Collaborator, pctx)
	return err
}

// Installation records the installation and, on creation, the
// repositories it grants. This is one of the flows that makes
// repositories known locally.
func (h *Handlers) Installation(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(InstallationPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	if event.Action == "deleted" {
		return procs.Installations.ProcessDeleted(ctx, payload.Installation)
	}
	tenantID := h.resolver.ResolveTenant(accountLogin(payload.Installation), "")
	if _, err := procs.Installations.Process(ctx, payload.Installation, tenantID); err != nil {
		return err
	}
	if event.Action != "created" {
		return nil
	}
	return h.createRepositories(ctx, procs, payload.Installation, payload.Repositories)
}

func (h *Handlers) InstallationRepositories(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(InstallationRepositoriesPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	if err := h.createRepositories(ctx, procs, payload.Installation, payload.Added); err != nil {
		return err
	}
	for _, repo := range payload.Removed {
		if err := procs.Repositories.ProcessDeleted(ctx, repo); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) Organization(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(OrganizationPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	if event.Action == "deleted" {
		return procs.Organizations.ProcessDeleted(ctx, payload.Organization)
	}
	tenantID := h.resolver.ResolveTenant(payload.Organization.Login, "")
	_, err := procs.Organizations.Process(ctx, payload.Organization, tenantID)
	return err
}

// Repository creates, updates or removes the local repository. It checks
// the scope filter itself since the repository may not be known yet.
func (h *Handlers) Repository(ctx context.Context, event *Event) error {
	payload, ok := event.Payload.(RepositoryPayload)
	if !ok {
		return unexpectedPayload(event)
	}
	procs := h.processorsFor(event)
	if event.Action == "deleted" {
		return procs.Repositories.ProcessDeleted(ctx, payload.Repository)
	}
	fullName := processor.RefFullName(repositoryRef(payload.Repository))
	if !h.resolver.Allows(fullName) {
		h.logger.Debug("repository out of scope", "repository", fullName)
		return nil
	}
	orgLogin := event.Organization
	if orgLogin == "" && payload.Repository.Owner != nil && payload.Repository.Owner.Type == "Organization" {
		orgLogin = payload.Repository.Owner.Login
	}
	_, err := procs.Repositories.Process(ctx, payload.Repository, h.resolver.ResolveTenant(orgLogin, fullName))
	return err
}

func (h *Handlers) createRepositories(ctx context.Context, procs *processor.Processors, installation processor.InstallationDTO, repos []processor.RepositoryDTO) error {
	orgLogin := ""
	if installation.Account != nil && installation.Account.Type == "Organization" {
		orgLogin = installation.Account.Login
	}
	for _, repo := range repos {
		fullName := processor.RefFullName(repositoryRef(repo))
		if !h.resolver.Allows(fullName) {
			h.logger.Debug("installation repository out of scope", "repository", fullName)
			continue
		}
		if _, err := procs.Repositories.Process(ctx, repo, h.resolver.ResolveTenant(orgLogin, fullName)); err != nil {
			if mirror.IsPermanent(err) {
				continue
			}
			return err
		}
	}
	return nil
}

func accountLogin(installation processor.InstallationDTO) string {
	if installation.Account == nil {
		return ""
	}
	return installation.Account.Login
}
