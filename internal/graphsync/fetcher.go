// Package graphsync enumerates repository collections through the provider
// GraphQL API, writes every node through the entity processors and removes
// local entities a complete enumeration no longer reports.
package graphsync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/agentworkforce/gitmirror/internal/mirror"
	"github.com/agentworkforce/gitmirror/internal/processor"
)

type Collection string

const (
	CollectionRepository    Collection = "repository"
	CollectionCollaborators Collection = "collaborators"
	CollectionIssues        Collection = "issues"
	CollectionPullRequests  Collection = "pull_requests"
	// CollectionOrgRepositories lists the repositories of an organization.
	// Owner names the organization; Name is unused.
	CollectionOrgRepositories Collection = "organization_repositories"
)

// RepositoryCollections are synced for every monitored repository, in order.
// The repository itself comes first so the children have a parent.
var RepositoryCollections = []Collection{
	CollectionRepository,
	CollectionCollaborators,
	CollectionIssues,
	CollectionPullRequests,
}

func ParseCollection(raw string) (Collection, bool) {
	c := Collection(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case CollectionRepository, CollectionCollaborators, CollectionIssues, CollectionPullRequests, CollectionOrgRepositories:
		return c, true
	}
	return "", false
}

// Kind is the entity kind a collection enumerates.
func (c Collection) Kind() mirror.Kind {
	switch c {
	case CollectionCollaborators:
		return mirror.KindCollaborator
	case CollectionIssues:
		return mirror.KindIssue
	case CollectionPullRequests:
		return mirror.KindPullRequest
	default:
		return mirror.KindRepository
	}
}

// reconcilable reports whether a complete enumeration of c is scoped to one
// repository and may drive deletions.
func (c Collection) reconcilable() bool {
	switch c {
	case CollectionCollaborators, CollectionIssues, CollectionPullRequests:
		return true
	}
	return false
}

// RateLimit is the budget the provider reports next to every response.
type RateLimit struct {
	Limit     int
	Remaining int
	Cost      int
	ResetAt   time.Time
}

func (r RateLimit) known() bool {
	return !r.ResetAt.IsZero() || r.Limit > 0
}

type PageRequest struct {
	Collection Collection
	Owner      string
	Name       string
	First      int
	// After is the previous page's end cursor, empty for the first page.
	After string
}

// Page is one page of a collection. Exactly one node slice is populated,
// the one matching the requested collection.
type Page struct {
	Collaborators []processor.CollaboratorDTO
	Issues        []processor.IssueDTO
	PullRequests  []processor.PullRequestDTO
	Repositories  []processor.RepositoryDTO

	HasNextPage bool
	EndCursor   string
	TotalCount  int
	RateLimit   RateLimit
}

func (p Page) Len() int {
	return len(p.Collaborators) + len(p.Issues) + len(p.PullRequests) + len(p.Repositories)
}

// Fetcher is the remote query surface the sync service consumes.
type Fetcher interface {
	FetchRepository(ctx context.Context, owner, name string) (processor.RepositoryDTO, RateLimit, error)
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

type GitHubFetcherOptions struct {
	Token string
	// URL overrides the GraphQL endpoint for GitHub Enterprise.
	URL     string
	Timeout time.Duration
	Base    http.RoundTripper
}

// GitHubFetcher issues typed GraphQL v4 queries. Every query selects the
// rateLimit field so the ledger is fed on each call.
type GitHubFetcher struct {
	client *githubv4.Client
}

func NewGitHubFetcher(opts GitHubFetcherOptions) *GitHubFetcher {
	base := opts.Base
	if base == nil {
		base = http.DefaultTransport
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var transport http.RoundTripper = &statusTransport{base: base}
	if strings.TrimSpace(opts.Token) != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   transport,
		}
	}
	httpClient := &http.Client{Transport: transport, Timeout: timeout}
	if url := strings.TrimSpace(opts.URL); url != "" {
		return &GitHubFetcher{client: githubv4.NewEnterpriseClient(url, httpClient)}
	}
	return &GitHubFetcher{client: githubv4.NewClient(httpClient)}
}

type rateLimitField struct {
	Limit     githubv4.Int
	Remaining githubv4.Int
	Cost      githubv4.Int
	ResetAt   githubv4.DateTime
}

func (f rateLimitField) value() RateLimit {
	return RateLimit{
		Limit:     int(f.Limit),
		Remaining: int(f.Remaining),
		Cost:      int(f.Cost),
		ResetAt:   f.ResetAt.UTC(),
	}
}

type pageInfo struct {
	HasNextPage githubv4.Boolean
	EndCursor   githubv4.String
}

type actorNode struct {
	Login     githubv4.String
	AvatarURL githubv4.String `graphql:"avatarUrl"`
	User      struct {
		DatabaseID int64 `graphql:"databaseId"`
	} `graphql:"... on User"`
	Bot struct {
		DatabaseID int64 `graphql:"databaseId"`
	} `graphql:"... on Bot"`
}

type repositoryNode struct {
	DatabaseID       int64 `graphql:"databaseId"`
	Name             githubv4.String
	NameWithOwner    githubv4.String
	IsPrivate        githubv4.Boolean
	IsArchived       githubv4.Boolean
	Description      githubv4.String
	URL              githubv4.String `graphql:"url"`
	DefaultBranchRef struct {
		Name githubv4.String
	}
	Owner struct {
		Login    githubv4.String
		Typename githubv4.String `graphql:"__typename"`
		User     struct {
			DatabaseID int64 `graphql:"databaseId"`
		} `graphql:"... on User"`
		Organization struct {
			DatabaseID int64 `graphql:"databaseId"`
		} `graphql:"... on Organization"`
	}
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
}

type labelNodes struct {
	Nodes []struct {
		Name githubv4.String
	}
}

type issueNode struct {
	DatabaseID int64 `graphql:"databaseId"`
	Number     githubv4.Int
	Title      githubv4.String
	Body       githubv4.String
	State      githubv4.String
	URL        githubv4.String `graphql:"url"`
	Author     *actorNode
	Labels     labelNodes `graphql:"labels(first: 20)"`
	Comments   struct {
		TotalCount githubv4.Int
	}
	CreatedAt githubv4.DateTime
	UpdatedAt githubv4.DateTime
	ClosedAt  *githubv4.DateTime
}

type pullRequestNode struct {
	DatabaseID   int64 `graphql:"databaseId"`
	Number       githubv4.Int
	Title        githubv4.String
	Body         githubv4.String
	State        githubv4.String
	URL          githubv4.String `graphql:"url"`
	IsDraft      githubv4.Boolean
	Merged       githubv4.Boolean
	HeadRefName  githubv4.String
	BaseRefName  githubv4.String
	Additions    githubv4.Int
	Deletions    githubv4.Int
	ChangedFiles githubv4.Int
	Author       *actorNode
	Labels       labelNodes `graphql:"labels(first: 20)"`
	CreatedAt    githubv4.DateTime
	UpdatedAt    githubv4.DateTime
	ClosedAt     *githubv4.DateTime
	MergedAt     *githubv4.DateTime
}

func (f *GitHubFetcher) FetchRepository(ctx context.Context, owner, name string) (processor.RepositoryDTO, RateLimit, error) {
	var query struct {
		Repository repositoryNode `graphql:"repository(owner: $owner, name: $name)"`
		RateLimit  rateLimitField
	}
	variables := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(name),
	}
	if err := f.client.Query(ctx, &query, variables); err != nil {
		return processor.RepositoryDTO{}, RateLimit{}, classifyError(err)
	}
	return query.Repository.dto(), query.RateLimit.value(), nil
}

func (f *GitHubFetcher) FetchPage(ctx context.Context, req PageRequest) (Page, error) {
	variables := map[string]any{
		"owner": githubv4.String(req.Owner),
		"first": githubv4.Int(req.First),
		"after": cursor(req.After),
	}
	switch req.Collection {
	case CollectionCollaborators:
		variables["name"] = githubv4.String(req.Name)
		return f.collaborators(ctx, variables)
	case CollectionIssues:
		variables["name"] = githubv4.String(req.Name)
		return f.issues(ctx, variables)
	case CollectionPullRequests:
		variables["name"] = githubv4.String(req.Name)
		return f.pullRequests(ctx, variables)
	case CollectionOrgRepositories:
		return f.organizationRepositories(ctx, variables)
	default:
		return Page{}, fmt.Errorf("%w: %s", ErrNotPaginated, req.Collection)
	}
}

func cursor(after string) *githubv4.String {
	if after == "" {
		return nil
	}
	return githubv4.NewString(githubv4.String(after))
}

func (f *GitHubFetcher) collaborators(ctx context.Context, variables map[string]any) (Page, error) {
	var query struct {
		Repository struct {
			Collaborators struct {
				TotalCount githubv4.Int
				PageInfo   pageInfo
				Edges      []struct {
					Permission githubv4.String
					Node       struct {
						DatabaseID int64 `graphql:"databaseId"`
						Login      githubv4.String
						Name       githubv4.String
						AvatarURL  githubv4.String `graphql:"avatarUrl"`
					}
				}
			} `graphql:"collaborators(first: $first, after: $after)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
		RateLimit rateLimitField
	}
	if err := f.client.Query(ctx, &query, variables); err != nil {
		return Page{}, classifyError(err)
	}
	conn := query.Repository.Collaborators
	page := Page{
		HasNextPage: bool(conn.PageInfo.HasNextPage),
		EndCursor:   string(conn.PageInfo.EndCursor),
		TotalCount:  int(conn.TotalCount),
		RateLimit:   query.RateLimit.value(),
	}
	for _, edge := range conn.Edges {
		page.Collaborators = append(page.Collaborators, processor.CollaboratorDTO{
			User: &processor.UserDTO{
				ID:        databaseID(edge.Node.DatabaseID),
				Login:     string(edge.Node.Login),
				Name:      string(edge.Node.Name),
				AvatarURL: string(edge.Node.AvatarURL),
				Type:      "User",
			},
			Permission: strings.ToLower(string(edge.Permission)),
		})
	}
	return page, nil
}

func (f *GitHubFetcher) issues(ctx context.Context, variables map[string]any) (Page, error) {
	var query struct {
		Repository struct {
			Issues struct {
				TotalCount githubv4.Int
				PageInfo   pageInfo
				Nodes      []issueNode
			} `graphql:"issues(first: $first, after: $after, orderBy: {field: CREATED_AT, direction: ASC})"`
		} `graphql:"repository(owner: $owner, name: $name)"`
		RateLimit rateLimitField
	}
	if err := f.client.Query(ctx, &query, variables); err != nil {
		return Page{}, classifyError(err)
	}
	conn := query.Repository.Issues
	page := Page{
		HasNextPage: bool(conn.PageInfo.HasNextPage),
		EndCursor:   string(conn.PageInfo.EndCursor),
		TotalCount:  int(conn.TotalCount),
		RateLimit:   query.RateLimit.value(),
	}
	for _, node := range conn.Nodes {
		page.Issues = append(page.Issues, node.dto())
	}
	return page, nil
}

func (f *GitHubFetcher) pullRequests(ctx context.Context, variables map[string]any) (Page, error) {
	var query struct {
		Repository struct {
			PullRequests struct {
				TotalCount githubv4.Int
				PageInfo   pageInfo
				Nodes      []pullRequestNode
			} `graphql:"pullRequests(first: $first, after: $after, orderBy: {field: CREATED_AT, direction: ASC})"`
		} `graphql:"repository(owner: $owner, name: $name)"`
		RateLimit rateLimitField
	}
	if err := f.client.Query(ctx, &query, variables); err != nil {
		return Page{}, classifyError(err)
	}
	conn := query.Repository.PullRequests
	page := Page{
		HasNextPage: bool(conn.PageInfo.HasNextPage),
		EndCursor:   string(conn.PageInfo.EndCursor),
		TotalCount:  int(conn.TotalCount),
		RateLimit:   query.RateLimit.value(),
	}
	for _, node := range conn.Nodes {
		page.PullRequests = append(page.PullRequests, node.dto())
	}
	return page, nil
}

func (f *GitHubFetcher) organizationRepositories(ctx context.Context, variables map[string]any) (Page, error) {
	var query struct {
		Organization struct {
			Repositories struct {
				TotalCount githubv4.Int
				PageInfo   pageInfo
				Nodes      []repositoryNode
			} `graphql:"repositories(first: $first, after: $after, orderBy: {field: NAME, direction: ASC})"`
		} `graphql:"organization(login: $owner)"`
		RateLimit rateLimitField
	}
	if err := f.client.Query(ctx, &query, variables); err != nil {
		return Page{}, classifyError(err)
	}
	conn := query.Organization.Repositories
	page := Page{
		HasNextPage: bool(conn.PageInfo.HasNextPage),
		EndCursor:   string(conn.PageInfo.EndCursor),
		TotalCount:  int(conn.TotalCount),
		RateLimit:   query.RateLimit.value(),
	}
	for _, node := range conn.Nodes {
		page.Repositories = append(page.Repositories, node.dto())
	}
	return page, nil
}

// databaseID maps the GraphQL databaseId to the REST id the webhook path
// keys entities by. A zero id means the field was null.
func databaseID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return processor.Int64(id)
}

func timePtr(t githubv4.DateTime) *time.Time {
	if t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func optionalTime(t *githubv4.DateTime) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func (a *actorNode) dto() *processor.UserDTO {
	if a == nil || a.Login == "" {
		return nil
	}
	user := &processor.UserDTO{Login: string(a.Login), AvatarURL: string(a.AvatarURL), Type: "User"}
	switch {
	case a.User.DatabaseID != 0:
		user.ID = databaseID(a.User.DatabaseID)
	case a.Bot.DatabaseID != 0:
		user.ID = databaseID(a.Bot.DatabaseID)
		user.Type = "Bot"
	}
	return user
}

func (l labelNodes) dto() []processor.LabelDTO {
	if len(l.Nodes) == 0 {
		return nil
	}
	out := make([]processor.LabelDTO, 0, len(l.Nodes))
	for _, node := range l.Nodes {
		out = append(out, processor.LabelDTO{Name: string(node.Name)})
	}
	return out
}

func (n repositoryNode) dto() processor.RepositoryDTO {
	owner := &processor.UserDTO{Login: string(n.Owner.Login), Type: string(n.Owner.Typename)}
	if n.Owner.User.DatabaseID != 0 {
		owner.ID = databaseID(n.Owner.User.DatabaseID)
	} else if n.Owner.Organization.DatabaseID != 0 {
		owner.ID = databaseID(n.Owner.Organization.DatabaseID)
	}
	return processor.RepositoryDTO{
		ID:            databaseID(n.DatabaseID),
		Name:          string(n.Name),
		FullName:      string(n.NameWithOwner),
		Owner:         owner,
		Private:       bool(n.IsPrivate),
		Description:   string(n.Description),
		DefaultBranch: string(n.DefaultBranchRef.Name),
		HTMLURL:       string(n.URL),
		Archived:      bool(n.IsArchived),
		CreatedAt:     timePtr(n.CreatedAt),
		UpdatedAt:     timePtr(n.UpdatedAt),
	}
}

func (n issueNode) dto() processor.IssueDTO {
	return processor.IssueDTO{
		ID:        databaseID(n.DatabaseID),
		Number:    int(n.Number),
		Title:     string(n.Title),
		Body:      string(n.Body),
		State:     strings.ToLower(string(n.State)),
		Labels:    n.Labels.dto(),
		User:      n.Author.dto(),
		Comments:  int(n.Comments.TotalCount),
		HTMLURL:   string(n.URL),
		CreatedAt: timePtr(n.CreatedAt),
		UpdatedAt: timePtr(n.UpdatedAt),
		ClosedAt:  optionalTime(n.ClosedAt),
	}
}

func (n pullRequestNode) dto() processor.PullRequestDTO {
	// GraphQL reports MERGED as a state of its own; REST folds it into closed.
	state := strings.ToLower(string(n.State))
	if state == "merged" {
		state = "closed"
	}
	return processor.PullRequestDTO{
		ID:           databaseID(n.DatabaseID),
		Number:       int(n.Number),
		Title:        string(n.Title),
		Body:         string(n.Body),
		State:        state,
		Labels:       n.Labels.dto(),
		User:         n.Author.dto(),
		Draft:        bool(n.IsDraft),
		Merged:       bool(n.Merged),
		Head:         processor.RefDTO{Ref: string(n.HeadRefName)},
		Base:         processor.RefDTO{Ref: string(n.BaseRefName)},
		Additions:    int(n.Additions),
		Deletions:    int(n.Deletions),
		ChangedFiles: int(n.ChangedFiles),
		HTMLURL:      string(n.URL),
		CreatedAt:    timePtr(n.CreatedAt),
		UpdatedAt:    timePtr(n.UpdatedAt),
		ClosedAt:     optionalTime(n.ClosedAt),
		MergedAt:     optionalTime(n.MergedAt),
	}
}
