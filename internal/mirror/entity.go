package mirror

import (
	"fmt"
	"strings"
	"time"
)

const (
	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"
)

// NormalizeProvider lowercases provider. Empty means GitHub.
func NormalizeProvider(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return ProviderGitHub
	}
	return provider
}

type Kind string

const (
	KindRepository   Kind = "repository"
	KindOrganization Kind = "organization"
	KindInstallation Kind = "installation"
	KindUser         Kind = "user"
	KindCollaborator Kind = "collaborator"
	KindIssue        Kind = "issue"
	KindPullRequest  Kind = "pull_request"
	KindReview       Kind = "review"
	KindComment      Kind = "comment"
	KindDiscussion   Kind = "discussion"
)

// Key identifies a stored entity within its kind. Native ids are only
// unique per provider. Namespace separates id sequences that share a kind,
// such as issue and review comments. ParentID is zero for kinds whose
// native ids are unique on their own.
type Key struct {
	Provider  string `json:"provider"`
	Namespace string `json:"namespace,omitempty"`
	ParentID  int64  `json:"parentId"`
	NativeID  int64  `json:"nativeId"`
}

// Normalized fills in the default provider.
func (k Key) Normalized() Key {
	k.Provider = NormalizeProvider(k.Provider)
	return k
}

// Index holds the secondary columns used for lookups and reconciliation.
type Index struct {
	RepositoryID int64
	TenantID     string
	FullName     string
}

// Meta is embedded by every entity. NativeID is assigned once on create.
type Meta struct {
	Provider   string    `json:"provider,omitempty"`
	NativeID   int64     `json:"nativeId"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastSyncAt time.Time `json:"lastSyncAt"`
}

func (m *Meta) meta() *Meta { return m }

func (m *Meta) key(parentID int64) Key {
	return Key{Provider: NormalizeProvider(m.Provider), ParentID: parentID, NativeID: m.NativeID}
}

// Entity is implemented by pointers to the entity structs in this package.
type Entity interface {
	EntityKind() Kind
	EntityKey() Key
	EntityIndex() Index
	meta() *Meta
}

type Repository struct {
	Meta
	Owner             string `json:"owner"`
	Name              string `json:"name"`
	FullName          string `json:"fullName"`
	Private           bool   `json:"private"`
	OrganizationLogin string `json:"organizationLogin,omitempty"`
	Description       string `json:"description,omitempty"`
	DefaultBranch     string `json:"defaultBranch,omitempty"`
	HTMLURL           string `json:"htmlUrl,omitempty"`
	Archived          bool   `json:"archived"`
	TenantID          string `json:"tenantId,omitempty"`
}

func (*Repository) EntityKind() Kind { return KindRepository }
func (r *Repository) EntityKey() Key { return r.key(0) }
func (r *Repository) EntityIndex() Index {
	return Index{RepositoryID: r.NativeID, TenantID: r.TenantID, FullName: r.FullName}
}

type Organization struct {
	Meta
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	TenantID  string `json:"tenantId,omitempty"`
}

func (*Organization) EntityKind() Kind { return KindOrganization }
func (o *Organization) EntityKey() Key { return o.key(0) }
func (o *Organization) EntityIndex() Index { return Index{TenantID: o.TenantID, FullName: o.Login} }

type Installation struct {
	Meta
	AccountLogin string `json:"accountLogin"`
	AccountType  string `json:"accountType,omitempty"`
	TargetType   string `json:"targetType,omitempty"`
	Suspended    bool   `json:"suspended"`
	TenantID     string `json:"tenantId,omitempty"`
}

func (*Installation) EntityKind() Kind { return KindInstallation }
func (i *Installation) EntityKey() Key { return i.key(0) }
func (i *Installation) EntityIndex() Index {
	return Index{TenantID: i.TenantID, FullName: i.AccountLogin}
}

type User struct {
	Meta
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Type      string `json:"type,omitempty"`
}

func (*User) EntityKind() Kind { return KindUser }
func (u *User) EntityKey() Key { return u.key(0) }
func (u *User) EntityIndex() Index { return Index{FullName: u.Login} }

// Collaborator is keyed by (repository, user). NativeID is the user id.
type Collaborator struct {
	Meta
	RepositoryID int64  `json:"repositoryId"`
	Login        string `json:"login"`
	Permission   string `json:"permission,omitempty"`
}

func (*Collaborator) EntityKind() Kind { return KindCollaborator }
func (c *Collaborator) EntityKey() Key {
	return c.key(c.RepositoryID)
}
func (c *Collaborator) EntityIndex() Index {
	return Index{RepositoryID: c.RepositoryID, FullName: c.Login}
}

type Issue struct {
	Meta
	RepositoryID  int64      `json:"repositoryId"`
	Number        int        `json:"number"`
	Title         string     `json:"title"`
	Body          string     `json:"body,omitempty"`
	State         string     `json:"state"`
	Labels        []string   `json:"labels,omitempty"`
	AuthorID      int64      `json:"authorId,omitempty"`
	AuthorLogin   string     `json:"authorLogin,omitempty"`
	CommentsCount int        `json:"commentsCount"`
	HTMLURL       string     `json:"htmlUrl,omitempty"`
	ClosedAt      *time.Time `json:"closedAt,omitempty"`
}

func (*Issue) EntityKind() Kind { return KindIssue }
func (i *Issue) EntityKey() Key { return i.key(0) }
func (i *Issue) EntityIndex() Index { return Index{RepositoryID: i.RepositoryID} }

type PullRequest struct {
	Meta
	RepositoryID int64      `json:"repositoryId"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body,omitempty"`
	State        string     `json:"state"`
	Labels       []string   `json:"labels,omitempty"`
	AuthorID     int64      `json:"authorId,omitempty"`
	AuthorLogin  string     `json:"authorLogin,omitempty"`
	Draft        bool       `json:"draft"`
	Merged       bool       `json:"merged"`
	HeadRef      string     `json:"headRef,omitempty"`
	BaseRef      string     `json:"baseRef,omitempty"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changedFiles"`
	HTMLURL      string     `json:"htmlUrl,omitempty"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	MergedAt     *time.Time `json:"mergedAt,omitempty"`
}

func (*PullRequest) EntityKind() Kind { return KindPullRequest }
func (p *PullRequest) EntityKey() Key { return p.key(0) }
func (p *PullRequest) EntityIndex() Index {
	return Index{RepositoryID: p.RepositoryID, FullName: PullRequestNumberKey(p.RepositoryID, p.Number)}
}

// PullRequestNumberKey is the lookup name of a pull request by its number
// within a repository. Issue payloads for pull requests only carry the
// number.
func PullRequestNumberKey(repositoryID int64, number int) string {
	if repositoryID == 0 || number <= 0 {
		return ""
	}
	return fmt.Sprintf("%d#%d", repositoryID, number)
}

type Review struct {
	Meta
	RepositoryID  int64      `json:"repositoryId"`
	PullRequestID int64      `json:"pullRequestId"`
	AuthorID      int64      `json:"authorId,omitempty"`
	AuthorLogin   string     `json:"authorLogin,omitempty"`
	State         string     `json:"state"`
	Body          string     `json:"body,omitempty"`
	SubmittedAt   *time.Time `json:"submittedAt,omitempty"`
}

func (*Review) EntityKind() Kind { return KindReview }
func (r *Review) EntityKey() Key { return r.key(0) }
func (r *Review) EntityIndex() Index { return Index{RepositoryID: r.RepositoryID} }

type CommentKind string

const (
	CommentOnIssue       CommentKind = "issue"
	CommentOnPullRequest CommentKind = "pull_request"
	CommentOnReview      CommentKind = "review"
	CommentOnDiscussion  CommentKind = "discussion"
)

// Namespace is the id sequence a comment kind draws from. Conversation
// comments on issues and pull requests share one sequence.
func (k CommentKind) Namespace() string {
	switch k {
	case CommentOnPullRequest, CommentOnIssue, "":
		return string(CommentOnIssue)
	default:
		return string(k)
	}
}

// Comment belongs to an issue, a pull request conversation, a pull request
// review thread, or a discussion. ParentID is the native id of that parent.
type Comment struct {
	Meta
	RepositoryID int64       `json:"repositoryId"`
	Kind         CommentKind `json:"kind"`
	ParentID     int64       `json:"parentId"`
	AuthorID     int64       `json:"authorId,omitempty"`
	AuthorLogin  string      `json:"authorLogin,omitempty"`
	Body         string      `json:"body"`
	InReplyToID  int64       `json:"inReplyToId,omitempty"`
	HTMLURL      string      `json:"htmlUrl,omitempty"`
}

func (*Comment) EntityKind() Kind { return KindComment }
func (c *Comment) EntityKey() Key {
	key := c.key(0)
	key.Namespace = c.Kind.Namespace()
	return key
}
func (c *Comment) EntityIndex() Index { return Index{RepositoryID: c.RepositoryID} }

type Discussion struct {
	Meta
	RepositoryID int64  `json:"repositoryId"`
	Number       int    `json:"number"`
	Title        string `json:"title"`
	Body         string `json:"body,omitempty"`
	State        string `json:"state"`
	Category     string `json:"category,omitempty"`
	AuthorID     int64  `json:"authorId,omitempty"`
	AuthorLogin  string `json:"authorLogin,omitempty"`
	Answered     bool   `json:"answered"`
}

func (*Discussion) EntityKind() Kind { return KindDiscussion }
func (d *Discussion) EntityKey() Key { return d.key(0) }
func (d *Discussion) EntityIndex() Index { return Index{RepositoryID: d.RepositoryID} }

// ProcessingContext is resolved once per webhook event. Repository is nil
// when the repository is not known locally, TenantID is empty when no
// workspace owns it.
type ProcessingContext struct {
	Repository *Repository
	TenantID   string
}

func (c ProcessingContext) RepositoryID() int64 {
	if c.Repository == nil {
		return 0
	}
	return c.Repository.NativeID
}
