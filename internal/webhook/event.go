// Package webhook decodes provider events from the message stream and
// routes them to the entity processors.
package webhook

import "github.com/agentworkforce/gitmirror/internal/processor"

const (
	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"
)

// GitHub event types.
const (
	EventIssues                   = "issues"
	EventIssueComment             = "issue_comment"
	EventPullRequest              = "pull_request"
	EventPullRequestReview        = "pull_request_review"
	EventPullRequestReviewComment = "pull_request_review_comment"
	EventDiscussion               = "discussion"
	EventDiscussionComment        = "discussion_comment"
	EventMember                   = "member"
	EventInstallation             = "installation"
	EventInstallationRepositories = "installation_repositories"
	EventOrganization             = "organization"
	EventRepository               = "repository"
)

// GitLab object kinds.
const (
	EventGitLabIssue        = "issue"
	EventGitLabMergeRequest = "merge_request"
	EventGitLabNote         = "note"
)

// Event is one decoded provider event. It only lives while it is being
// handled.
type Event struct {
	Provider     string
	Type         string
	Action       string
	DeliveryID   string
	Repository   *processor.RepositoryRef
	Organization string
	Sender       *processor.UserDTO
	Payload      Payload
}

func (e *Event) SourceProvider() string {
	return e.Provider
}

func (e *Event) RepositoryReference() *processor.RepositoryRef {
	return e.Repository
}

func (e *Event) OrganizationLogin() string {
	return e.Organization
}

// Payload is the entity-specific body of an event. The concrete type is
// chosen once by the decoder from the event type.
type Payload interface {
	payload()
}

type IssuePayload struct {
	Issue processor.IssueDTO
}

type IssueCommentPayload struct {
	Issue   processor.IssueDTO
	Comment processor.CommentDTO
}

type PullRequestPayload struct {
	PullRequest processor.PullRequestDTO
}

type ReviewPayload struct {
	PullRequest processor.PullRequestDTO
	Review      processor.ReviewDTO
}

type ReviewCommentPayload struct {
	PullRequest processor.PullRequestDTO
	Comment     processor.CommentDTO
}

type DiscussionPayload struct {
	Discussion processor.DiscussionDTO
}

type DiscussionCommentPayload struct {
	Discussion processor.DiscussionDTO
	Comment    processor.CommentDTO
}

type MemberPayload struct {
	Collaborator processor.CollaboratorDTO
}

type InstallationPayload struct {
	Installation processor.InstallationDTO
	Repositories []processor.RepositoryDTO
}

type InstallationRepositoriesPayload struct {
	Installation processor.InstallationDTO
	Added        []processor.RepositoryDTO
	Removed      []processor.RepositoryDTO
}

type OrganizationPayload struct {
	Organization processor.OrganizationDTO
}

type RepositoryPayload struct {
	Repository processor.RepositoryDTO
}

func (IssuePayload) payload() {}
func (IssueCommentPayload) payload() {}
func (PullRequestPayload) payload() {}
func (ReviewPayload) payload() {}
func (ReviewCommentPayload) payload() {}
func (DiscussionPayload) payload() {}
func (DiscussionCommentPayload) payload() {}
func (MemberPayload) payload() {}
func (InstallationPayload) payload() {}
func (InstallationRepositoriesPayload) payload() {}
func (OrganizationPayload) payload() {}
func (RepositoryPayload) payload() {}
