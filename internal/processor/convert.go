package processor

import (
	"strings"
	"time"

	"github.com/agentworkforce/gitmirror/internal/mirror"
)

// commonFields are the fields every tracked provider object carries.
type commonFields struct {
	ID        *int64
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// convertCommon returns dst with the provider timestamps of src applied.
// The native id is only taken when dst has none; it is never reassigned.
func convertCommon(src commonFields, dst mirror.Meta) mirror.Meta {
	if dst.NativeID == 0 && src.ID != nil {
		dst.NativeID = *src.ID
	}
	if src.CreatedAt != nil && dst.CreatedAt.IsZero() {
		dst.CreatedAt = src.CreatedAt.UTC()
	}
	if src.UpdatedAt != nil {
		dst.UpdatedAt = src.UpdatedAt.UTC()
	}
	return dst
}

func nativeID(id *int64) (int64, bool) {
	if id == nil || *id == 0 {
		return 0, false
	}
	return *id, true
}

func author(u *UserDTO) (int64, string) {
	if u == nil {
		return 0, ""
	}
	var id int64
	if u.ID != nil {
		id = *u.ID
	}
	return id, u.Login
}

func labelNames(labels []LabelDTO) []string {
	if len(labels) == 0 {
		return nil
	}
	out := make([]string, 0, len(labels))
	for _, label := range labels {
		if name := strings.TrimSpace(label.Name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}

func normalizeState(state string) string {
	return strings.ToLower(strings.TrimSpace(state))
}

func convertRepository(src RepositoryDTO, dst mirror.Repository) mirror.Repository {
	dst.Meta = convertCommon(commonFields{ID: src.ID, CreatedAt: src.CreatedAt, UpdatedAt: src.UpdatedAt}, dst.Meta)
	owner, name, _ := strings.Cut(src.FullName, "/")
	if src.Owner != nil && src.Owner.Login != "" {
		owner = src.Owner.Login
	}
	if src.Name != "" {
		name = src.Name
	}
	dst.Owner = owner
	dst.Name = name
	dst.FullName = owner + "/" + name
	dst.Private = src.Private
	dst.Description = src.Description
	dst.DefaultBranch = src.DefaultBranch
	dst.HTMLURL = src.HTMLURL
	dst.Archived = src.Archived
	if src.Owner != nil && strings.EqualFold(src.Owner.Type, "Organization") {
		dst.OrganizationLogin = src.Owner.Login
	}
	return dst
}

func convertIssue(src IssueDTO, dst mirror.Issue) mirror.Issue {
	dst.Meta = convertCommon(commonFields{ID: src.ID, CreatedAt: src.CreatedAt, UpdatedAt: src.UpdatedAt}, dst.Meta)
	dst.Number = src.Number
	dst.Title = src.Title
	dst.Body = src.Body
	dst.State = normalizeState(src.State)
	dst.Labels = labelNames(src.Labels)
	dst.AuthorID, dst.AuthorLogin = author(src.User)
	dst.CommentsCount = src.Comments
	dst.HTMLURL = src.HTMLURL
	dst.ClosedAt = utcPtr(src.ClosedAt)
	return dst
}

func convertPullRequest(src PullRequestDTO, dst mirror.PullRequest) mirror.PullRequest {
	dst.Meta = convertCommon(commonFields{ID: src.ID, CreatedAt: src.CreatedAt, UpdatedAt: src.UpdatedAt}, dst.Meta)
	dst.Number = src.Number
	dst.Title = src.Title
	dst.Body = src.Body
	dst.State = normalizeState(src.State)
	dst.Labels = labelNames(src.Labels)
	dst.AuthorID, dst.AuthorLogin = author(src.User)
	dst.Draft = src.Draft
	dst.Merged = src.Merged || src.MergedAt != nil
	dst.HeadRef = src.Head.Ref
	dst.BaseRef = src.Base.Ref
	dst.Additions = src.Additions
	dst.Deletions = src.Deletions
	dst.ChangedFiles = src.ChangedFiles
	dst.HTMLURL = src.HTMLURL
	dst.ClosedAt = utcPtr(src.ClosedAt)
	dst.MergedAt = utcPtr(src.MergedAt)
	return dst
}

func convertReview(src ReviewDTO, dst mirror.Review) mirror.Review {
	dst.Meta = convertCommon(commonFields{ID: src.ID, UpdatedAt: src.SubmittedAt}, dst.Meta)
	if dst.CreatedAt.IsZero() && src.SubmittedAt != nil {
		dst.CreatedAt = src.SubmittedAt.UTC()
	}
	dst.AuthorID, dst.AuthorLogin = author(src.User)
	dst.State = normalizeState(src.State)
	dst.Body = src.Body
	dst.SubmittedAt = utcPtr(src.SubmittedAt)
	return dst
}

func convertComment(src CommentDTO, dst mirror.Comment) mirror.Comment {
	dst.Meta = convertCommon(commonFields{ID: src.ID, CreatedAt: src.CreatedAt, UpdatedAt: src.UpdatedAt}, dst.Meta)
	dst.AuthorID, dst.AuthorLogin = author(src.User)
	dst.Body = src.Body
	dst.HTMLURL = src.HTMLURL
	if src.InReplyToID != nil {
		dst.InReplyToID = *src.InReplyToID
	}
	return dst
}

func convertDiscussion(src DiscussionDTO, dst mirror.Discussion) mirror.Discussion {
	dst.Meta = convertCommon(commonFields{ID: src.ID, CreatedAt: src.CreatedAt, UpdatedAt: src.UpdatedAt}, dst.Meta)
	dst.Number = src.Number
	dst.Title = src.Title
	dst.Body = src.Body
	dst.State = normalizeState(src.State)
	if src.Category != nil {
		dst.Category = src.Category.Name
	}
	dst.AuthorID, dst.AuthorLogin = author(src.User)
	dst.Answered = src.AnswerChosenAt != nil
	return dst
}

func convertUser(src UserDTO, dst mirror.User) mirror.User {
	dst.Meta = convertCommon(commonFields{ID: src.ID}, dst.Meta)
	dst.Login = src.Login
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.Email != "" {
		dst.Email = src.Email
	}
	dst.AvatarURL = src.AvatarURL
	dst.Type = src.Type
	return dst
}

func convertOrganization(src OrganizationDTO, dst mirror.Organization) mirror.Organization {
	dst.Meta = convertCommon(commonFields{ID: src.ID}, dst.Meta)
	dst.Login = src.Login
	if src.Name != "" {
		dst.Name = src.Name
	}
	dst.AvatarURL = src.AvatarURL
	return dst
}

func convertInstallation(src InstallationDTO, dst mirror.Installation) mirror.Installation {
	dst.Meta = convertCommon(commonFields{ID: src.ID, CreatedAt: src.CreatedAt, UpdatedAt: src.UpdatedAt}, dst.Meta)
	if src.Account != nil {
		dst.AccountLogin = src.Account.Login
		dst.AccountType = src.Account.Type
	}
	dst.TargetType = src.TargetType
	dst.Suspended = src.SuspendedAt != nil
	return dst
}

func convertCollaborator(src CollaboratorDTO, dst mirror.Collaborator) mirror.Collaborator {
	if src.User != nil {
		dst.Meta = convertCommon(commonFields{ID: src.User.ID}, dst.Meta)
		dst.Login = src.User.Login
	}
	if src.Permission != "" {
		dst.Permission = strings.ToLower(src.Permission)
	}
	return dst
}
