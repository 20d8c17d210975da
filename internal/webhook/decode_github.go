package webhook

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentworkforce/gitmirror/internal/mirror"
	"github.com/agentworkforce/gitmirror/internal/processor"
)

// Decoder turns one raw event body into an Event. The event type comes
// from the message subject; a body that does not fit it is malformed.
type Decoder interface {
	Provider() string
	Decode(eventType string, data []byte) (*Event, error)
}

var githubSchemaFields = []schemaField{
	{"action", "string"},
	{"repository", "object"},
	{"organization", "object"},
	{"sender", "object"},
	{"installation", "object"},
	{"issue", "object"},
	{"comment", "object"},
	{"pull_request", "object"},
	{"review", "object"},
	{"discussion", "object"},
	{"member", "object"},
	{"changes", "object"},
	{"repositories", "array"},
	{"repositories_added", "array"},
	{"repositories_removed", "array"},
}

var githubRequired = map[string][]string{
	EventIssues:                   {"action", "issue"},
	EventIssueComment:             {"action", "issue", "comment"},
	EventPullRequest:              {"action", "pull_request"},
	EventPullRequestReview:        {"action", "pull_request", "review"},
	EventPullRequestReviewComment: {"action", "pull_request", "comment"},
	EventDiscussion:               {"action", "discussion"},
	EventDiscussionComment:        {"action", "discussion", "comment"},
	EventMember:                   {"action", "member"},
	EventInstallation:             {"action", "installation"},
	EventInstallationRepositories: {"action", "installation"},
	EventOrganization:             {"action"},
	EventRepository:               {"action", "repository"},
}

type githubEnvelope struct {
	Action              string                     `json:"action"`
	Repository          *processor.RepositoryDTO   `json:"repository"`
	Organization        *processor.OrganizationDTO `json:"organization"`
	Sender              *processor.UserDTO         `json:"sender"`
	Installation        *processor.InstallationDTO `json:"installation"`
	Issue               *processor.IssueDTO        `json:"issue"`
	Comment             *processor.CommentDTO      `json:"comment"`
	PullRequest         *processor.PullRequestDTO  `json:"pull_request"`
	Review              *processor.ReviewDTO       `json:"review"`
	Discussion          *processor.DiscussionDTO   `json:"discussion"`
	Member              *processor.UserDTO         `json:"member"`
	Changes             *githubChanges             `json:"changes"`
	Repositories        []processor.RepositoryDTO  `json:"repositories"`
	RepositoriesAdded   []processor.RepositoryDTO  `json:"repositories_added"`
	RepositoriesRemoved []processor.RepositoryDTO  `json:"repositories_removed"`
}

type githubChanges struct {
	Permission *githubChange `json:"permission"`
	RoleName   *githubChange `json:"role_name"`
}

type githubChange struct {
	To string `json:"to"`
}

type GitHubDecoder struct {
	schemas *envelopeSchemas
}

func NewGitHubDecoder() (*GitHubDecoder, error) {
	schemas, err := compileEnvelopeSchemas(ProviderGitHub, githubSchemaFields, githubRequired)
	if err != nil {
		return nil, err
	}
	return &GitHubDecoder{schemas: schemas}, nil
}

func (d *GitHubDecoder) Provider() string {
	return ProviderGitHub
}

func (d *GitHubDecoder) Decode(eventType string, data []byte) (*Event, error) {
	if err := d.schemas.validate(eventType, data); err != nil {
		return nil, err
	}
	var env githubEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", mirror.ErrMalformedEnvelope, eventType, err)
	}

	event := &Event{
		Provider: ProviderGitHub,
		Type:     eventType,
		Action:   strings.ToLower(strings.TrimSpace(env.Action)),
		Sender:   env.Sender,
	}
	if env.Repository != nil {
		event.Repository = repositoryRef(*env.Repository)
	}
	if env.Organization != nil {
		event.Organization = env.Organization.Login
	}

	switch eventType {
	case EventIssues:
		event.Payload = IssuePayload{Issue: *env.Issue}
	case EventIssueComment:
		event.Payload = IssueCommentPayload{Issue: *env.Issue, Comment: *env.Comment}
	case EventPullRequest:
		event.Payload = PullRequestPayload{PullRequest: *env.PullRequest}
	case EventPullRequestReview:
		event.Payload = ReviewPayload{PullRequest: *env.PullRequest, Review: *env.Review}
	case EventPullRequestReviewComment:
		event.Payload = ReviewCommentPayload{PullRequest: *env.PullRequest, Comment: *env.Comment}
	case EventDiscussion:
		event.Payload = DiscussionPayload{Discussion: *env.Discussion}
	case EventDiscussionComment:
		event.Payload = DiscussionCommentPayload{Discussion: *env.Discussion, Comment: *env.Comment}
	case EventMember:
		event.Payload = MemberPayload{Collaborator: processor.CollaboratorDTO{
			User:       env.Member,
			Permission: env.Changes.permission(),
		}}
	case EventInstallation:
		event.Payload = InstallationPayload{
			Installation: *env.Installation,
			Repositories: withOwner(env.Repositories, env.Installation.Account),
		}
	case EventInstallationRepositories:
		event.Payload = InstallationRepositoriesPayload{
			Installation: *env.Installation,
			Added:        withOwner(env.RepositoriesAdded, env.Installation.Account),
			Removed:      withOwner(env.RepositoriesRemoved, env.Installation.Account),
		}
	case EventOrganization:
		if env.Organization == nil {
			return nil, fmt.Errorf("%w: %s: no organization", mirror.ErrMalformedEnvelope, eventType)
		}
		event.Payload = OrganizationPayload{Organization: *env.Organization}
	case EventRepository:
		event.Payload = RepositoryPayload{Repository: *env.Repository}
	default:
		return nil, fmt.Errorf("%w: github event %q has no payload variant", mirror.ErrMalformedEnvelope, eventType)
	}
	return event, nil
}

func (c *githubChanges) permission() string {
	if c == nil {
		return ""
	}
	if c.Permission != nil && c.Permission.To != "" {
		return c.Permission.To
	}
	if c.RoleName != nil {
		return c.RoleName.To
	}
	return ""
}

func repositoryRef(repo processor.RepositoryDTO) *processor.RepositoryRef {
	ref := &processor.RepositoryRef{
		Name:     repo.Name,
		FullName: repo.FullName,
		Private:  repo.Private,
	}
	if repo.Owner != nil {
		ref.Owner = repo.Owner.Login
	}
	if ref.Owner == "" {
		ref.Owner, _, _ = strings.Cut(repo.FullName, "/")
	}
	return ref
}

// withOwner fills the owner of the abbreviated repositories that
// installation events carry from the installation account.
func withOwner(repos []processor.RepositoryDTO, account *processor.UserDTO) []processor.RepositoryDTO {
	if account == nil {
		return repos
	}
	out := make([]processor.RepositoryDTO, 0, len(repos))
	for _, repo := range repos {
		if repo.Owner == nil {
			owner := *account
			repo.Owner = &owner
		}
		out = append(out, repo)
	}
	return out
}
