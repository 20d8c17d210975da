package consumer

import (
	"fmt"
	"strings"
)

const (
	subjectSeparator = "."
	subjectEscape    = "~"
)

// SubjectToken escapes a name for use as one subject token. Dots would
// otherwise split owner or repository names across tokens. Case is kept:
// publishers use the provider's spelling and subjects match
// case-sensitively.
func SubjectToken(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), subjectSeparator, subjectEscape)
}

// UnescapeSubjectToken reverses SubjectToken.
func UnescapeSubjectToken(token string) string {
	return strings.ReplaceAll(token, subjectEscape, subjectSeparator)
}

// Subject names the stream subject for one event:
// {provider}.{owner}.{repo}.{eventType}.
func Subject(provider, owner, repo, eventType string) string {
	return strings.Join([]string{
		SubjectToken(provider),
		SubjectToken(owner),
		SubjectToken(repo),
		SubjectToken(eventType),
	}, subjectSeparator)
}

// RepositoryFilter matches every event of one repository.
func RepositoryFilter(provider, owner, repo string) string {
	return strings.Join([]string{
		SubjectToken(provider),
		SubjectToken(owner),
		SubjectToken(repo),
		">",
	}, subjectSeparator)
}

// OwnerFilter matches every event of every repository under owner.
func OwnerFilter(provider, owner string) string {
	return strings.Join([]string{
		SubjectToken(provider),
		SubjectToken(owner),
		">",
	}, subjectSeparator)
}

// SubjectParts is a parsed event subject.
type SubjectParts struct {
	Provider  string
	Owner     string
	Repo      string
	EventType string
}

func (p SubjectParts) FullName() string {
	return p.Owner + "/" + p.Repo
}

// ParseSubject splits an event subject into its unescaped parts.
func ParseSubject(subject string) (SubjectParts, error) {
	tokens := strings.Split(strings.TrimSpace(subject), subjectSeparator)
	if len(tokens) != 4 {
		return SubjectParts{}, fmt.Errorf("subject %q: want 4 tokens, got %d", subject, len(tokens))
	}
	for _, token := range tokens {
		if token == "" {
			return SubjectParts{}, fmt.Errorf("subject %q: empty token", subject)
		}
	}
	return SubjectParts{
		Provider:  tokens[0],
		Owner:     UnescapeSubjectToken(tokens[1]),
		Repo:      UnescapeSubjectToken(tokens[2]),
		EventType: tokens[3],
	}, nil
}
