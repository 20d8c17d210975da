package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentworkforce/gitmirror/internal/mirror"
	"github.com/agentworkforce/gitmirror/internal/processor"
)

// EventGitLabProject carries project system hooks; they create and remove
// local repositories.
const EventGitLabProject = "project"

var gitlabSchemaFields = []schemaField{
	{"object_kind", "string"},
	{"event_name", "string"},
	{"project", "object"},
	{"object_attributes", "object"},
	{"user", "object"},
	{"issue", "object"},
	{"merge_request", "object"},
	{"labels", "array"},
	{"project_id", "integer"},
	{"path_with_namespace", "string"},
}

var gitlabRequired = map[string][]string{
	EventGitLabIssue:        {"object_kind", "project", "object_attributes"},
	EventGitLabMergeRequest: {"object_kind", "project", "object_attributes"},
	EventGitLabNote:         {"object_kind", "project", "object_attributes"},
	EventGitLabProject:      {"event_name", "project_id", "path_with_namespace"},
}

// gitlabTime accepts both timestamp layouts GitLab hooks use.
type gitlabTime struct {
	time.Time
}

var gitlabTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05.000Z07:00",
}

func (t *gitlabTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range gitlabTimeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized gitlab timestamp %q", raw)
}

func (t *gitlabTime) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

type gitlabUser struct {
	ID        *int64 `json:"id"`
	Username  string `json:"username"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatar_url"`
}

type gitlabProject struct {
	ID                *int64 `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
	Description       string `json:"description"`
	WebURL            string `json:"web_url"`
	DefaultBranch     string `json:"default_branch"`
	VisibilityLevel   int    `json:"visibility_level"`
}

type gitlabLabel struct {
	Title string `json:"title"`
}

type gitlabAttributes struct {
	ID           *int64        `json:"id"`
	IID          int           `json:"iid"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Note         string        `json:"note"`
	NoteableType string        `json:"noteable_type"`
	State        string        `json:"state"`
	Action       string        `json:"action"`
	URL          string        `json:"url"`
	SourceBranch string        `json:"source_branch"`
	TargetBranch string        `json:"target_branch"`
	Draft        bool          `json:"draft"`
	WorkInProg   bool          `json:"work_in_progress"`
	Labels       []gitlabLabel `json:"labels"`
	AuthorID     *int64        `json:"author_id"`
	CreatedAt    *gitlabTime   `json:"created_at"`
	UpdatedAt    *gitlabTime   `json:"updated_at"`
	ClosedAt     *gitlabTime   `json:"closed_at"`
	MergedAt     *gitlabTime   `json:"merged_at"`
}

type gitlabEnvelope struct {
	ObjectKind       string            `json:"object_kind"`
	Project          *gitlabProject    `json:"project"`
	User             *gitlabUser       `json:"user"`
	ObjectAttributes *gitlabAttributes `json:"object_attributes"`
	Issue            *gitlabAttributes `json:"issue"`
	MergeRequest     *gitlabAttributes `json:"merge_request"`
	Labels           []gitlabLabel     `json:"labels"`

	// project system hook fields
	EventName         string      `json:"event_name"`
	ProjectID         *int64      `json:"project_id"`
	Name              string      `json:"name"`
	PathWithNamespace string      `json:"path_with_namespace"`
	ProjectVisibility string      `json:"project_visibility"`
	CreatedAt         *gitlabTime `json:"created_at"`
	UpdatedAt         *gitlabTime `json:"updated_at"`
}

// GitLabDecoder maps GitLab hooks onto the same payload variants GitHub
// events decode to, so handlers stay provider agnostic.
type GitLabDecoder struct {
	schemas *envelopeSchemas
}

func NewGitLabDecoder() (*GitLabDecoder, error) {
	schemas, err := compileEnvelopeSchemas(ProviderGitLab, gitlabSchemaFields, gitlabRequired)
	if err != nil {
		return nil, err
	}
	return &GitLabDecoder{schemas: schemas}, nil
}

func (d *GitLabDecoder) Provider() string {
	return ProviderGitLab
}

func (d *GitLabDecoder) Decode(eventType string, data []byte) (*Event, error) {
	if err := d.schemas.validate(eventType, data); err != nil {
		return nil, err
	}
	var env gitlabEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", mirror.ErrMalformedEnvelope, eventType, err)
	}
	if eventType == EventGitLabProject {
		return decodeGitLabProject(env)
	}
	if env.ObjectKind != eventType {
		return nil, fmt.Errorf("%w: object_kind %q does not match subject event %q", mirror.ErrMalformedEnvelope, env.ObjectKind, eventType)
	}

	attrs := env.ObjectAttributes
	event := &Event{
		Provider:   ProviderGitLab,
		Type:       eventType,
		Action:     gitlabAction(attrs.Action),
		Repository: gitlabRepositoryRef(env.Project),
		Sender:     env.User.dto(),
	}
	switch eventType {
	case EventGitLabIssue:
		event.Payload = IssuePayload{Issue: gitlabIssue(attrs, env.User, env.Labels)}
	case EventGitLabMergeRequest:
		event.Payload = PullRequestPayload{PullRequest: gitlabMergeRequest(attrs, env.User, env.Labels)}
	case EventGitLabNote:
		event.Action = "created"
		comment := gitlabNote(attrs, env.User)
		switch attrs.NoteableType {
		case "Issue":
			if env.Issue == nil {
				return nil, fmt.Errorf("%w: issue note without issue", mirror.ErrMalformedEnvelope)
			}
			event.Payload = IssueCommentPayload{Issue: gitlabIssue(env.Issue, nil, nil), Comment: comment}
		case "MergeRequest":
			if env.MergeRequest == nil {
				return nil, fmt.Errorf("%w: merge request note without merge request", mirror.ErrMalformedEnvelope)
			}
			event.Payload = ReviewCommentPayload{PullRequest: gitlabMergeRequest(env.MergeRequest, nil, nil), Comment: comment}
		}
		// Commit and snippet notes keep a nil payload; nothing mirrors them.
	default:
		return nil, fmt.Errorf("%w: gitlab event %q has no payload variant", mirror.ErrMalformedEnvelope, eventType)
	}
	return event, nil
}

func decodeGitLabProject(env gitlabEnvelope) (*Event, error) {
	owner, name := splitNamespace(env.PathWithNamespace)
	repo := processor.RepositoryDTO{
		ID:        env.ProjectID,
		Name:      name,
		FullName:  env.PathWithNamespace,
		Owner:     &processor.UserDTO{Login: owner},
		Private:   env.ProjectVisibility == "private",
		CreatedAt: env.CreatedAt.ptr(),
		UpdatedAt: env.UpdatedAt.ptr(),
	}
	var action string
	switch env.EventName {
	case "project_create":
		action = "created"
	case "project_destroy":
		action = "deleted"
	case "project_rename", "project_transfer":
		action = "renamed"
	default:
		action = "edited"
	}
	return &Event{
		Provider:   ProviderGitLab,
		Type:       EventGitLabProject,
		Action:     action,
		Repository: repositoryRef(repo),
		Payload:    RepositoryPayload{Repository: repo},
	}, nil
}

func gitlabAction(action string) string {
	switch strings.ToLower(action) {
	case "open":
		return "opened"
	case "close":
		return "closed"
	case "reopen":
		return "reopened"
	case "update":
		return "edited"
	case "merge":
		return "closed"
	default:
		return strings.ToLower(action)
	}
}

// gitlabState maps GitLab states onto open/closed; merged is carried by
// the merged flag instead.
func gitlabState(state string) string {
	switch strings.ToLower(state) {
	case "opened", "reopened", "locked":
		return "open"
	case "closed", "merged":
		return "closed"
	default:
		return strings.ToLower(state)
	}
}

func splitNamespace(path string) (string, string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func gitlabRepositoryRef(project *gitlabProject) *processor.RepositoryRef {
	if project == nil || project.PathWithNamespace == "" {
		return nil
	}
	owner, name := splitNamespace(project.PathWithNamespace)
	return &processor.RepositoryRef{
		Owner:    owner,
		Name:     name,
		FullName: project.PathWithNamespace,
		Private:  project.VisibilityLevel == 0,
	}
}

func (u *gitlabUser) dto() *processor.UserDTO {
	if u == nil {
		return nil
	}
	return &processor.UserDTO{
		ID:        u.ID,
		Login:     u.Username,
		Name:      u.Name,
		Email:     u.Email,
		AvatarURL: u.AvatarURL,
		Type:      "User",
	}
}

func gitlabLabels(attrs *gitlabAttributes, labels []gitlabLabel) []processor.LabelDTO {
	if len(labels) == 0 {
		labels = attrs.Labels
	}
	out := make([]processor.LabelDTO, 0, len(labels))
	for _, label := range labels {
		out = append(out, processor.LabelDTO{Name: label.Title})
	}
	return out
}

// gitlabAuthor prefers the hook user when it is the author; otherwise only
// the author id is known.
func gitlabAuthor(attrs *gitlabAttributes, user *gitlabUser) *processor.UserDTO {
	if attrs.AuthorID == nil {
		return nil
	}
	if user != nil && user.ID != nil && *user.ID == *attrs.AuthorID {
		return user.dto()
	}
	return &processor.UserDTO{ID: attrs.AuthorID}
}

func gitlabIssue(attrs *gitlabAttributes, user *gitlabUser, labels []gitlabLabel) processor.IssueDTO {
	return processor.IssueDTO{
		ID:        attrs.ID,
		Number:    attrs.IID,
		Title:     attrs.Title,
		Body:      attrs.Description,
		State:     gitlabState(attrs.State),
		Labels:    gitlabLabels(attrs, labels),
		User:      gitlabAuthor(attrs, user),
		HTMLURL:   attrs.URL,
		CreatedAt: attrs.CreatedAt.ptr(),
		UpdatedAt: attrs.UpdatedAt.ptr(),
		ClosedAt:  attrs.ClosedAt.ptr(),
	}
}

func gitlabMergeRequest(attrs *gitlabAttributes, user *gitlabUser, labels []gitlabLabel) processor.PullRequestDTO {
	return processor.PullRequestDTO{
		ID:        attrs.ID,
		Number:    attrs.IID,
		Title:     attrs.Title,
		Body:      attrs.Description,
		State:     gitlabState(attrs.State),
		Labels:    gitlabLabels(attrs, labels),
		User:      gitlabAuthor(attrs, user),
		Draft:     attrs.Draft || attrs.WorkInProg,
		Merged:    strings.EqualFold(attrs.State, "merged"),
		Head:      processor.RefDTO{Ref: attrs.SourceBranch},
		Base:      processor.RefDTO{Ref: attrs.TargetBranch},
		HTMLURL:   attrs.URL,
		CreatedAt: attrs.CreatedAt.ptr(),
		UpdatedAt: attrs.UpdatedAt.ptr(),
		ClosedAt:  attrs.ClosedAt.ptr(),
		MergedAt:  attrs.MergedAt.ptr(),
	}
}

func gitlabNote(attrs *gitlabAttributes, user *gitlabUser) processor.CommentDTO {
	return processor.CommentDTO{
		ID:        attrs.ID,
		User:      user.dto(),
		Body:      attrs.Note,
		HTMLURL:   attrs.URL,
		CreatedAt: attrs.CreatedAt.ptr(),
		UpdatedAt: attrs.UpdatedAt.ptr(),
	}
}
