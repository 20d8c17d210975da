package processor

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/gitmirror/internal/mirror"
)

// countingStore records every call that reaches the underlying store.
type countingStore struct {
	mirror.Store
	mu    sync.Mutex
	calls map[string]int
}

func newCountingStore() *countingStore {
	return &countingStore{Store: mirror.NewMemoryBackend(), calls: map[string]int{}}
}

func (s *countingStore) count(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
}

func (s *countingStore) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *countingStore) get(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *countingStore) FindByNativeID(ctx context.Context, kind mirror.Kind, key mirror.Key) (mirror.Record, error) {
	s.count("FindByNativeID")
	return s.Store.FindByNativeID(ctx, kind, key)
}

func (s *countingStore) FindByFullName(ctx context.Context, kind mirror.Kind, provider, fullName string) (mirror.Record, error) {
	s.count("FindByFullName")
	return s.Store.FindByFullName(ctx, kind, provider, fullName)
}

func (s *countingStore) Upsert(ctx context.Context, rec mirror.Record) (mirror.Record, error) {
	s.count("Upsert")
	return s.Store.Upsert(ctx, rec)
}

func (s *countingStore) DeleteByID(ctx context.Context, kind mirror.Kind, key mirror.Key) error {
	s.count("DeleteByID")
	return s.Store.DeleteByID(ctx, kind, key)
}

func (s *countingStore) DeleteByIDs(ctx context.Context, kind mirror.Kind, provider string, repositoryID int64, ids []int64) (int, error) {
	s.count("DeleteByIDs")
	return s.Store.DeleteByIDs(ctx, kind, provider, repositoryID, ids)
}

type allowList map[string]bool

func (a allowList) Allows(fullName string) bool { return a[fullName] }

type directory struct {
	orgs  map[string]string
	repos map[string]string
}

func (d directory) TenantForOrganization(login string) (string, bool) {
	t, ok := d.orgs[login]
	return t, ok
}

func (d directory) TenantForRepository(fullName string) (string, bool) {
	t, ok := d.repos[fullName]
	return t, ok
}

type fakeEvent struct {
	provider string
	ref      *RepositoryRef
	org      string
}

func (e fakeEvent) SourceProvider() string              { return e.provider }
func (e fakeEvent) RepositoryReference() *RepositoryRef { return e.ref }
func (e fakeEvent) OrganizationLogin() string { return e.org }

func seedRepository(t *testing.T, store mirror.Store, id int64, fullName, org string) *mirror.Repository {
	t.Helper()
	repo, err := mirror.NewTable[mirror.Repository](store).Upsert(context.Background(), &mirror.Repository{
		Meta:              mirror.Meta{NativeID: id},
		FullName:          fullName,
		OrganizationLogin: org,
	})
	require.NoError(t, err)
	return repo
}

func TestResolverShortCircuitsOutOfScopeRepositories(t *testing.T) {
	store := newCountingStore()
	resolver := NewResolver(store, allowList{"acme/api": true}, directory{}, nil)

	_, ok, err := resolver.ForWebhookEvent(context.Background(), fakeEvent{ref: &RepositoryRef{FullName: "acme/secret"}})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, store.total(), "filtered repositories must not reach the store")
}

func TestResolverWithoutRepositoryReference(t *testing.T) {
	store := newCountingStore()
	resolver := NewResolver(store, allowList{}, directory{}, nil)

	_, ok, err := resolver.ForWebhookEvent(context.Background(), fakeEvent{})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, store.total())
}

func TestResolverUnknownRepositoryReturnsEmpty(t *testing.T) {
	store := newCountingStore()
	resolver := NewResolver(store, allowList{"acme/api": true}, directory{}, nil)
	procs := New(store, Options{})

	pctx, ok, err := resolver.ForWebhookEvent(context.Background(), fakeEvent{ref: &RepositoryRef{Owner: "acme", Name: "api"}})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, pctx.Repository)
	assert.Equal(t, 1, store.get("FindByFullName"))

	issue, err := procs.Issues.Process(context.Background(), IssueDTO{ID: Int64(1), Title: "opened"}, pctx)
	require.NoError(t, err)
	assert.Nil(t, issue)
	assert.Zero(t, store.get("Upsert"), "no entity may be created for an unknown repository")
}

func TestResolverTenantPrefersOrganization(t *testing.T) {
	store := mirror.NewMemoryBackend()
	seedRepository(t, store, 10, "acme/api", "acme")
	dir := directory{
		orgs:  map[string]string{"acme": "org-tenant"},
		repos: map[string]string{"acme/api": "repo-tenant", "jdoe/dots": "personal"},
	}
	resolver := NewResolver(store, allowList{"acme/api": true, "jdoe/dots": true}, dir, nil)

	pctx, ok, err := resolver.ForWebhookEvent(context.Background(), fakeEvent{ref: &RepositoryRef{FullName: "acme/api"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), pctx.RepositoryID())
	assert.Equal(t, "org-tenant", pctx.TenantID)

	seedRepository(t, store, 11, "jdoe/dots", "")
	pctx, ok, err = resolver.ForWebhookEvent(context.Background(), fakeEvent{ref: &RepositoryRef{FullName: "jdoe/dots"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "personal", pctx.TenantID)
}

func TestResolverNullTenantIsNotAnError(t *testing.T) {
	store := mirror.NewMemoryBackend()
	seedRepository(t, store, 10, "acme/api", "acme")
	resolver := NewResolver(store, allowList{"acme/api": true}, directory{}, nil)

	pctx, ok, err := resolver.ForWebhookEvent(context.Background(), fakeEvent{ref: &RepositoryRef{FullName: "acme/api"}, org: "acme"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotNil(t, pctx.Repository)
	assert.Empty(t, pctx.TenantID)
}

func TestIssueUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	repo := seedRepository(t, store, 10, "acme/api", "acme")
	procs := New(store, Options{})
	pctx := mirror.ProcessingContext{Repository: repo}

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	webhook := IssueDTO{ID: Int64(500), Number: 3, Title: "Crash", State: "open", CreatedAt: &created, UpdatedAt: &created,
		User: &UserDTO{ID: Int64(9), Login: "octocat"}}
	_, err := procs.Issues.Process(ctx, webhook, pctx)
	require.NoError(t, err)

	later := created.Add(time.Hour)
	resync := webhook
	resync.State = "CLOSED"
	resync.UpdatedAt = &later
	resync.ClosedAt = &later
	resync.CreatedAt = &later
	issue, err := procs.Issues.Process(ctx, resync, pctx)
	require.NoError(t, err)

	ids, err := store.ListNativeIDs(ctx, mirror.KindIssue, mirror.ProviderGitHub, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{500}, ids)
	assert.Equal(t, int64(500), issue.NativeID)
	assert.Equal(t, "closed", issue.State)
	assert.Equal(t, later, issue.UpdatedAt)
	assert.Equal(t, created, issue.CreatedAt, "creation timestamp is identity and must not change")
	assert.Equal(t, int64(10), issue.RepositoryID)

	user, err := mirror.NewTable[mirror.User](store).Find(ctx, mirror.Key{NativeID: 9})
	require.NoError(t, err)
	assert.Equal(t, "octocat", user.Login)
}

func TestProcessWithoutNativeIDIsPermanentAndWritesNothing(t *testing.T) {
	store := newCountingStore()
	repo := &mirror.Repository{Meta: mirror.Meta{NativeID: 10}, FullName: "acme/api"}
	procs := New(store, Options{Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})

	issue, err := procs.Issues.Process(context.Background(), IssueDTO{Title: "no id"}, mirror.ProcessingContext{Repository: repo})
	require.Error(t, err)
	assert.Nil(t, issue)
	assert.ErrorIs(t, err, mirror.ErrMissingNativeID)
	assert.True(t, mirror.IsPermanent(err))
	assert.Zero(t, store.total())
}

func TestDeletedCommentWithoutIDIsNoop(t *testing.T) {
	store := newCountingStore()
	var logs bytes.Buffer
	procs := New(store, Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})

	err := procs.Comments.ProcessDeleted(context.Background(), CommentDTO{Body: "gone"}, mirror.CommentOnIssue)
	require.NoError(t, err)
	assert.Zero(t, store.get("DeleteByID"))
	assert.Contains(t, logs.String(), "level=WARN")
	assert.Contains(t, logs.String(), "delete without native id")
}

func TestDeletedCommentRemovesByID(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	repo := seedRepository(t, store, 10, "acme/api", "")
	procs := New(store, Options{})
	pctx := mirror.ProcessingContext{Repository: repo}

	_, err := procs.Issues.Process(ctx, IssueDTO{ID: Int64(1), Title: "parent"}, pctx)
	require.NoError(t, err)
	_, err = procs.Comments.Process(ctx, CommentDTO{ID: Int64(2), Body: "hi"}, CommentParent{Kind: mirror.CommentOnIssue, ID: 1}, pctx)
	require.NoError(t, err)

	require.NoError(t, procs.Comments.ProcessDeleted(ctx, CommentDTO{ID: Int64(2)}, mirror.CommentOnIssue))
	_, err = mirror.NewTable[mirror.Comment](store).Find(ctx, mirror.Key{Namespace: mirror.CommentOnIssue.Namespace(), NativeID: 2})
	assert.ErrorIs(t, err, mirror.ErrNotFound)
}

func TestCommentWithMissingParentIsSkipped(t *testing.T) {
	store := newCountingStore()
	var logs bytes.Buffer
	procs := New(store, Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})
	repo := &mirror.Repository{Meta: mirror.Meta{NativeID: 10}}

	comment, err := procs.Comments.Process(context.Background(), CommentDTO{ID: Int64(2), Body: "early"},
		CommentParent{Kind: mirror.CommentOnDiscussion, ID: 77}, mirror.ProcessingContext{Repository: repo})
	require.NoError(t, err)
	assert.Nil(t, comment)
	assert.Zero(t, store.get("Upsert"))
	assert.Contains(t, logs.String(), "comment parent not found")
}

func TestReviewCommentAttachesToPullRequest(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	repo := seedRepository(t, store, 10, "acme/api", "")
	procs := New(store, Options{})
	pctx := mirror.ProcessingContext{Repository: repo}

	_, err := procs.PullRequests.Process(ctx, PullRequestDTO{ID: Int64(30), Number: 4, State: "open", Head: RefDTO{Ref: "feature"}}, pctx)
	require.NoError(t, err)
	review, err := procs.Reviews.Process(ctx, ReviewDTO{ID: Int64(31), State: "APPROVED"}, 30, pctx)
	require.NoError(t, err)
	require.NotNil(t, review)
	assert.Equal(t, "approved", review.State)
	assert.Equal(t, int64(10), review.RepositoryID)

	comment, err := procs.Comments.Process(ctx, CommentDTO{ID: Int64(32), Body: "nit", PullRequestReviewID: Int64(31)},
		CommentParent{Kind: mirror.CommentOnReview, ID: 30}, pctx)
	require.NoError(t, err)
	require.NotNil(t, comment)
	assert.Equal(t, mirror.CommentOnReview, comment.Kind)
	assert.Equal(t, int64(30), comment.ParentID)
}

// Writes converge by arrival order, not by the payload's updatedAt.
func TestLastWriteWinsByArrivalOrder(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	repo := seedRepository(t, store, 10, "acme/api", "")
	procs := New(store, Options{})
	pctx := mirror.ProcessingContext{Repository: repo}

	newer := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	older := newer.Add(-24 * time.Hour)

	_, err := procs.PullRequests.Process(ctx, PullRequestDTO{ID: Int64(40), Title: "newer", UpdatedAt: &newer}, pctx)
	require.NoError(t, err)
	stored, err := procs.PullRequests.Process(ctx, PullRequestDTO{ID: Int64(40), Title: "older", UpdatedAt: &older}, pctx)
	require.NoError(t, err)

	assert.Equal(t, "older", stored.Title)
	assert.Equal(t, older, stored.UpdatedAt)
}

func TestCollaboratorDeleteIsScopedToRepository(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	api := seedRepository(t, store, 10, "acme/api", "")
	web := seedRepository(t, store, 11, "acme/web", "")
	procs := New(store, Options{})
	alice := CollaboratorDTO{User: &UserDTO{ID: Int64(5), Login: "alice"}, Permission: "WRITE"}

	for _, repo := range []*mirror.Repository{api, web} {
		c, err := procs.Collaborators.Process(ctx, alice, mirror.ProcessingContext{Repository: repo})
		require.NoError(t, err)
		assert.Equal(t, "write", c.Permission)
	}
	require.NoError(t, procs.Collaborators.ProcessDeleted(ctx, alice, mirror.ProcessingContext{Repository: api}))

	ids, err := store.ListNativeIDs(ctx, mirror.KindCollaborator, mirror.ProviderGitHub, 11)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, ids)
	ids, err = store.ListNativeIDs(ctx, mirror.KindCollaborator, mirror.ProviderGitHub, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestRepositoryProcessAppliesTenantOnlyWhenResolved(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	procs := New(store, Options{})
	dto := RepositoryDTO{ID: Int64(10), Name: "api", FullName: "acme/api", Owner: &UserDTO{Login: "acme", Type: "Organization"}}

	repo, err := procs.Repositories.Process(ctx, dto, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", repo.TenantID)
	assert.Equal(t, "acme", repo.OrganizationLogin)

	repo, err = procs.Repositories.Process(ctx, dto, "")
	require.NoError(t, err)
	assert.Equal(t, "acme", repo.TenantID, "an unresolved tenant must not clear the stored one")
}

func TestResolverLooksUpRepositoryUnderEventProvider(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	procs := New(store, Options{})
	_, err := procs.Repositories.Process(ctx, RepositoryDTO{ID: Int64(4242), FullName: "acme/api"}, "")
	require.NoError(t, err)
	_, err = procs.For(mirror.ProviderGitLab).Repositories.Process(ctx, RepositoryDTO{ID: Int64(4242), FullName: "group/tool"}, "")
	require.NoError(t, err)
	resolver := NewResolver(store, allowList{"acme/api": true, "group/tool": true}, directory{}, nil)

	pctx, ok, err := resolver.ForWebhookEvent(ctx, fakeEvent{provider: "gitlab", ref: &RepositoryRef{FullName: "group/tool"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4242), pctx.RepositoryID())
	assert.Equal(t, mirror.ProviderGitLab, pctx.Repository.Provider)

	pctx, ok, err = resolver.ForWebhookEvent(ctx, fakeEvent{provider: "github", ref: &RepositoryRef{FullName: "acme/api"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "acme/api", pctx.Repository.FullName)

	_, ok, err = resolver.ForWebhookEvent(ctx, fakeEvent{provider: "github", ref: &RepositoryRef{FullName: "group/tool"}})
	require.NoError(t, err)
	assert.False(t, ok, "a gitlab repository must not resolve for a github event")
}

func TestProcessorsForKeepProvidersApart(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	procs := New(store, Options{})
	gitlab := procs.For("GitLab")
	assert.Same(t, gitlab, procs.For(mirror.ProviderGitLab), "bound sets are cached")
	assert.Same(t, procs, gitlab.For(""), "an empty provider is github")
	assert.Equal(t, mirror.ProviderGitLab, gitlab.Provider())

	ghRepo := &mirror.Repository{Meta: mirror.Meta{NativeID: 10, Provider: mirror.ProviderGitHub}}
	glRepo := &mirror.Repository{Meta: mirror.Meta{NativeID: 10, Provider: mirror.ProviderGitLab}}
	_, err := procs.Issues.Process(ctx, IssueDTO{ID: Int64(500), Title: "github"}, mirror.ProcessingContext{Repository: ghRepo})
	require.NoError(t, err)
	_, err = gitlab.Issues.Process(ctx, IssueDTO{ID: Int64(500), Title: "gitlab"}, mirror.ProcessingContext{Repository: glRepo})
	require.NoError(t, err)

	issues := mirror.NewTable[mirror.Issue](store)
	gh, err := issues.Find(ctx, mirror.Key{NativeID: 500})
	require.NoError(t, err)
	assert.Equal(t, "github", gh.Title)
	gl, err := issues.For(mirror.ProviderGitLab).Find(ctx, mirror.Key{NativeID: 500})
	require.NoError(t, err)
	assert.Equal(t, "gitlab", gl.Title)

	require.NoError(t, gitlab.Issues.ProcessDeleted(ctx, IssueDTO{ID: Int64(500)}))
	_, err = issues.Find(ctx, mirror.Key{NativeID: 500})
	assert.NoError(t, err, "deleting the gitlab issue must leave the github one")
}

func TestIssuePayloadForPullRequestIsSkipped(t *testing.T) {
	store := newCountingStore()
	repo := &mirror.Repository{Meta: mirror.Meta{NativeID: 10}}
	procs := New(store, Options{})

	issue, err := procs.Issues.Process(context.Background(),
		IssueDTO{ID: Int64(900), Number: 4, Title: "Add feature", PullRequest: &PullRequestRef{}},
		mirror.ProcessingContext{Repository: repo})
	require.NoError(t, err)
	assert.Nil(t, issue)
	assert.Zero(t, store.get("Upsert"), "pull requests must not be stored as issues")
}

func TestPullRequestConversationCommentResolvesByNumber(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	repo := seedRepository(t, store, 10, "acme/api", "")
	procs := New(store, Options{})
	pctx := mirror.ProcessingContext{Repository: repo}

	_, err := procs.PullRequests.Process(ctx, PullRequestDTO{ID: Int64(30), Number: 4, State: "open"}, pctx)
	require.NoError(t, err)

	comment, err := procs.Comments.Process(ctx, CommentDTO{ID: Int64(33), Body: "lgtm"},
		CommentParent{Kind: mirror.CommentOnPullRequest, Number: 4}, pctx)
	require.NoError(t, err)
	require.NotNil(t, comment)
	assert.Equal(t, mirror.CommentOnPullRequest, comment.Kind)
	assert.Equal(t, int64(30), comment.ParentID)
	assert.Equal(t, int64(10), comment.RepositoryID)

	missing, err := procs.Comments.Process(ctx, CommentDTO{ID: Int64(34), Body: "early"},
		CommentParent{Kind: mirror.CommentOnPullRequest, Number: 5}, pctx)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCommentDeleteIsScopedToIDSequence(t *testing.T) {
	ctx := context.Background()
	store := mirror.NewMemoryBackend()
	repo := seedRepository(t, store, 10, "acme/api", "")
	procs := New(store, Options{})
	pctx := mirror.ProcessingContext{Repository: repo}

	_, err := procs.Issues.Process(ctx, IssueDTO{ID: Int64(1), Title: "parent"}, pctx)
	require.NoError(t, err)
	_, err = procs.PullRequests.Process(ctx, PullRequestDTO{ID: Int64(30), Number: 4}, pctx)
	require.NoError(t, err)
	_, err = procs.Comments.Process(ctx, CommentDTO{ID: Int64(7), Body: "conversation"}, CommentParent{Kind: mirror.CommentOnIssue, ID: 1}, pctx)
	require.NoError(t, err)
	_, err = procs.Comments.Process(ctx, CommentDTO{ID: Int64(7), Body: "inline"}, CommentParent{Kind: mirror.CommentOnReview, ID: 30}, pctx)
	require.NoError(t, err)

	ids, err := store.ListNativeIDs(ctx, mirror.KindComment, mirror.ProviderGitHub, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 7}, ids)

	require.NoError(t, procs.Comments.ProcessDeleted(ctx, CommentDTO{ID: Int64(7)}, mirror.CommentOnReview))
	comments := mirror.NewTable[mirror.Comment](store)
	kept, err := comments.Find(ctx, mirror.Key{Namespace: mirror.CommentOnIssue.Namespace(), NativeID: 7})
	require.NoError(t, err)
	assert.Equal(t, "conversation", kept.Body)
	_, err = comments.Find(ctx, mirror.Key{Namespace: mirror.CommentOnReview.Namespace(), NativeID: 7})
	assert.ErrorIs(t, err, mirror.ErrNotFound)
}
