package processor

import "time"

// DTOs mirror the provider's REST payload shapes. IDs are pointers so a
// missing id is distinguishable from zero.

type UserDTO struct {
	ID        *int64 `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	Type      string `json:"type,omitempty"`
}

type LabelDTO struct {
	Name string `json:"name"`
}

type RepositoryDTO struct {
	ID            *int64     `json:"id"`
	Name          string     `json:"name"`
	FullName      string     `json:"full_name"`
	Owner         *UserDTO   `json:"owner,omitempty"`
	Private       bool       `json:"private"`
	Description   string     `json:"description,omitempty"`
	DefaultBranch string     `json:"default_branch,omitempty"`
	HTMLURL       string     `json:"html_url,omitempty"`
	Archived      bool       `json:"archived"`
	CreatedAt     *time.Time `json:"created_at,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

type OrganizationDTO struct {
	ID        *int64 `json:"id"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type InstallationDTO struct {
	ID          *int64     `json:"id"`
	Account     *UserDTO   `json:"account,omitempty"`
	TargetType  string     `json:"target_type,omitempty"`
	SuspendedAt *time.Time `json:"suspended_at,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

type IssueDTO struct {
	ID          *int64          `json:"id"`
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body,omitempty"`
	State       string          `json:"state"`
	Labels      []LabelDTO      `json:"labels,omitempty"`
	User        *UserDTO        `json:"user,omitempty"`
	Comments    int             `json:"comments"`
	HTMLURL     string          `json:"html_url,omitempty"`
	PullRequest *PullRequestRef `json:"pull_request,omitempty"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	ClosedAt    *time.Time      `json:"closed_at,omitempty"`
}

// PullRequestRef marks an issue payload that describes a pull request.
type PullRequestRef struct {
	URL string `json:"url,omitempty"`
}

type RefDTO struct {
	Ref string `json:"ref"`
}

type PullRequestDTO struct {
	ID           *int64     `json:"id"`
	Number       int        `json:"number"`
	Title        string     `json:"title"`
	Body         string     `json:"body,omitempty"`
	State        string     `json:"state"`
	Labels       []LabelDTO `json:"labels,omitempty"`
	User         *UserDTO   `json:"user,omitempty"`
	Draft        bool       `json:"draft"`
	Merged       bool       `json:"merged"`
	Head         RefDTO     `json:"head"`
	Base         RefDTO     `json:"base"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	ChangedFiles int        `json:"changed_files"`
	HTMLURL      string     `json:"html_url,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	MergedAt     *time.Time `json:"merged_at,omitempty"`
}

type ReviewDTO struct {
	ID          *int64     `json:"id"`
	User        *UserDTO   `json:"user,omitempty"`
	Body        string     `json:"body,omitempty"`
	State       string     `json:"state"`
	HTMLURL     string     `json:"html_url,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

type CommentDTO struct {
	ID                  *int64     `json:"id"`
	User                *UserDTO   `json:"user,omitempty"`
	Body                string     `json:"body"`
	HTMLURL             string     `json:"html_url,omitempty"`
	InReplyToID         *int64     `json:"in_reply_to_id,omitempty"`
	PullRequestReviewID *int64     `json:"pull_request_review_id,omitempty"`
	CreatedAt           *time.Time `json:"created_at,omitempty"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`
}

type CategoryDTO struct {
	Name string `json:"name"`
}

type DiscussionDTO struct {
	ID             *int64       `json:"id"`
	Number         int          `json:"number"`
	Title          string       `json:"title"`
	Body           string       `json:"body,omitempty"`
	State          string       `json:"state"`
	Category       *CategoryDTO `json:"category,omitempty"`
	User           *UserDTO     `json:"user,omitempty"`
	AnswerChosenAt *time.Time   `json:"answer_chosen_at,omitempty"`
	CreatedAt      *time.Time   `json:"created_at,omitempty"`
	UpdatedAt      *time.Time   `json:"updated_at,omitempty"`
}

type CollaboratorDTO struct {
	User       *UserDTO `json:"user"`
	Permission string   `json:"permission,omitempty"`
}

// RepositoryRef is the repository reference carried by a webhook envelope.
type RepositoryRef struct {
	Owner    string
	Name     string
	FullName string
	Private  bool
}

func Int64(v int64) *int64 { return &v }
