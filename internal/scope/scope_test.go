package scope

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
workspaces:
  - id: acme
    organizations: [Acme]
    repositories: [jdoe/dotfiles]
  - id: globex
    organizations: [acme, globex]
    repositories: [acme/shared, globex/my.site]
    provider: gitlab
exclude:
  - acme/legacy-*
`

func TestScopeAllows(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	s, err := New(cfg)
	require.NoError(t, err)

	assert.True(t, s.Allows("acme/api"))
	assert.True(t, s.Allows("ACME/API"))
	assert.True(t, s.Allows("jdoe/dotfiles"))
	assert.False(t, s.Allows("jdoe/other"))
	assert.False(t, s.Allows("acme/legacy-billing"))
	assert.False(t, s.Allows("initech/tps"))
	assert.False(t, s.Allows("not-a-full-name"))
}

func TestScopeTenantPrecedenceFollowsFileOrder(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	s, err := New(cfg)
	require.NoError(t, err)

	tenant, ok := s.TenantForOrganization("acme")
	require.True(t, ok)
	assert.Equal(t, "acme", tenant)

	tenant, ok = s.TenantForRepository("acme/shared")
	require.True(t, ok)
	assert.Equal(t, "globex", tenant)

	_, ok = s.TenantForRepository("acme/api")
	assert.False(t, ok)
}

func TestScopeSubjects(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	s, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"github.Acme.>",
		"github.jdoe.dotfiles.>",
		"gitlab.acme.>",
		"gitlab.globex.>",
	}, s.Subjects())
}

func TestScopeSubjectsEscapeDots(t *testing.T) {
	s, err := New(Config{Workspaces: []Workspace{{ID: "w", Repositories: []string{"my.org/my.site"}}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"github.my~org.my~site.>"}, s.Subjects())
}

func TestScopeSubjectsKeepProviderCasing(t *testing.T) {
	s, err := New(Config{Workspaces: []Workspace{{ID: "w", Repositories: []string{"Acme/API"}}}})
	require.NoError(t, err)
	assert.Equal(t, []string{"github.Acme.API.>"}, s.Subjects())
	assert.True(t, s.Allows("acme/api"))
}

func TestScopeOrganizationsCoverRepositoriesPerProvider(t *testing.T) {
	s, err := New(Config{Workspaces: []Workspace{
		{ID: "gh", Repositories: []string{"acme/api"}},
		{ID: "lab", Provider: "gitlab", Organizations: []string{"acme"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []string{"github.acme.api.>", "gitlab.acme.>"}, s.Subjects())
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Workspaces: []Workspace{{ID: ""}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Workspaces: []Workspace{{ID: "a"}, {ID: "a"}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Workspaces: []Workspace{{ID: "a", Repositories: []string{"noslash"}}}})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Exclude: []string{"[bad"}})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestManagerReloadNotifiesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspaces:\n  - id: a\n    repositories: [acme/api]\n"), 0o644))

	var notified []*Scope
	m, err := NewManager(path, ManagerOptions{OnChange: func(s *Scope) { notified = append(notified, s) }})
	require.NoError(t, err)
	assert.True(t, m.Allows("acme/api"))
	assert.False(t, m.Allows("acme/web"))

	require.NoError(t, m.Reload())
	assert.Empty(t, notified, "an unchanged file must not notify")

	require.NoError(t, os.WriteFile(path, []byte("workspaces:\n  - id: a\n    repositories: [acme/api, acme/web]\n"), 0o644))
	require.NoError(t, m.Reload())
	require.Len(t, notified, 1)
	assert.True(t, m.Allows("acme/web"))
	assert.Equal(t, []string{"github.acme.api.>", "github.acme.web.>"}, notified[0].Subjects())
}

func TestManagerReloadNotifiesOnScheduleAndWorkspaceChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspaces:\n  - id: alpha\n    organizations: [acme]\n"), 0o644))

	var notified []*Scope
	m, err := NewManager(path, ManagerOptions{OnChange: func(s *Scope) { notified = append(notified, s) }})
	require.NoError(t, err)

	// Subjects stay github.acme.> throughout.
	require.NoError(t, os.WriteFile(path, []byte(`workspaces:
  - id: alpha
    organizations: [acme]
    schedule: "*/5 * * * *"
  - id: beta
    repositories: [acme/tools]
`), 0o644))
	require.NoError(t, m.Reload())
	require.Len(t, notified, 1)
	assert.Equal(t, []string{"github.acme.>"}, notified[0].Subjects())
	beta, ok := notified[0].Workspace("beta")
	require.True(t, ok)
	assert.Equal(t, "github", beta.Provider)
	alpha, _ := notified[0].Workspace("alpha")
	assert.Equal(t, "*/5 * * * *", alpha.Schedule)

	require.NoError(t, os.WriteFile(path, []byte(`workspaces:
  - id: alpha
    organizations: [acme]
    schedule: "*/5 * * * *"
  - id: beta
    repositories: [acme/tools]
exclude: [acme/tools]
`), 0o644))
	require.NoError(t, m.Reload())
	require.Len(t, notified, 2, "an exclude change must notify")

	require.NoError(t, m.Reload())
	assert.Len(t, notified, 2)
}

func TestManagerReloadKeepsPreviousScopeOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scope.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspaces:\n  - id: a\n    repositories: [acme/api]\n"), 0o644))
	m, err := NewManager(path, ManagerOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("workspaces: [\n"), 0o644))
	require.Error(t, m.Reload())
	assert.True(t, m.Allows("acme/api"))
}
