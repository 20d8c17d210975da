package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/gitmirror/internal/graphsync"
	"github.com/agentworkforce/gitmirror/internal/scope"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func testScope(t *testing.T) *scope.Scope {
	t.Helper()
	s, err := scope.New(scope.Config{Workspaces: []scope.Workspace{
		{ID: "acme-ws", Organizations: []string{"acme"}, Repositories: []string{"partner/sdk"}},
		{ID: "lab-ws", Provider: "gitlab", Repositories: []string{"lab/app"}},
		{ID: "solo-ws", Repositories: []string{"solo/tool"}, Schedule: "*/30 * * * *"},
	}})
	if err != nil {
		t.Fatalf("compile scope: %v", err)
	}
	return s
}

func TestParseCollections(t *testing.T) {
	got, err := parseCollections([]string{"issues", " pull_requests ", "issues", ""})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0] != graphsync.CollectionIssues || got[1] != graphsync.CollectionPullRequests {
		t.Fatalf("unexpected collections %v", got)
	}
	if got, err := parseCollections(nil); err != nil || len(got) != 0 {
		t.Fatalf("expected empty selection, got %v (%v)", got, err)
	}
	if _, err := parseCollections([]string{"organization_repositories"}); err == nil {
		t.Fatalf("expected organization listing to be rejected")
	}
	if _, err := parseCollections([]string{"wikis"}); err == nil {
		t.Fatalf("expected unknown collection to be rejected")
	}
}

func TestTargetsFromScopeSkipsNonPolledProviders(t *testing.T) {
	targets, err := targetsFromScope(testScope(t), "", discard)
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("expected 2 github targets, got %+v", targets)
	}
	if targets[0].TenantID != "acme-ws" || targets[0].Organizations[0] != "acme" || targets[0].Repositories[0] != "partner/sdk" {
		t.Fatalf("unexpected first target %+v", targets[0])
	}
	if targets[1].TenantID != "solo-ws" {
		t.Fatalf("unexpected second target %+v", targets[1])
	}
}

func TestTargetsFromScopeSingleWorkspace(t *testing.T) {
	s := testScope(t)
	targets, err := targetsFromScope(s, "solo-ws", discard)
	if err != nil || len(targets) != 1 || targets[0].TenantID != "solo-ws" {
		t.Fatalf("expected solo-ws only, got %+v (%v)", targets, err)
	}
	targets, err = targetsFromScope(s, "lab-ws", discard)
	if err != nil || len(targets) != 0 {
		t.Fatalf("expected gitlab workspace to yield no targets, got %+v (%v)", targets, err)
	}
	if _, err := targetsFromScope(s, "ghost-ws", discard); err == nil {
		t.Fatalf("expected unknown workspace to fail")
	}
}

func TestTenantSchedulesKeepOverrides(t *testing.T) {
	schedules := tenantSchedules(testScope(t))
	if len(schedules) != 2 {
		t.Fatalf("expected 2 schedules, got %+v", schedules)
	}
	if schedules[0].TenantID != "acme-ws" || schedules[0].Spec != "" {
		t.Fatalf("unexpected default schedule %+v", schedules[0])
	}
	if schedules[1].Spec != "*/30 * * * *" {
		t.Fatalf("expected solo-ws override, got %+v", schedules[1])
	}
}

func TestPrintReportsFailsOnAbortedRuns(t *testing.T) {
	var buf bytes.Buffer
	reports := []graphsync.TenantReport{{
		TenantID: "acme-ws",
		Results: []graphsync.SyncResult{
			{TenantID: "acme-ws", Repository: "acme/api", Collection: graphsync.CollectionIssues, Status: graphsync.StatusCompleted, Pages: 2, Removed: 1},
			{TenantID: "acme-ws", Repository: "acme/api", Collection: graphsync.CollectionPullRequests, Status: graphsync.StatusAbortedRateLimit},
		},
	}}
	err := printReports(&buf, reports)
	if err == nil || !strings.Contains(err.Error(), "1 sync runs") {
		t.Fatalf("expected one failed run, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "ABORTED_RATE_LIMIT") || !strings.Contains(out, "acme/api") {
		t.Fatalf("unexpected table:\n%s", out)
	}

	buf.Reset()
	reports[0].Results = reports[0].Results[:1]
	if err := printReports(&buf, reports); err != nil {
		t.Fatalf("expected completed runs to pass, got %v", err)
	}
	reports[0].Err = errors.New("bad credentials")
	if err := printReports(&buf, reports); err == nil {
		t.Fatalf("expected tenant error to fail")
	}
}

func TestSubjectsCommandPrintsScopeFilters(t *testing.T) {
	t.Setenv("GITMIRROR_STORE_DSN", "memory://")
	path := filepath.Join(t.TempDir(), "workspaces.yaml")
	content := `workspaces:
  - id: acme-ws
    organizations: [acme]
    repositories: [acme/api, partner/sdk]
  - id: lab-ws
    provider: gitlab
    repositories: [lab/app]
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write scope: %v", err)
	}
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"subjects", "--scope", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("subjects: %v", err)
	}
	want := "github.acme.>\ngithub.partner.sdk.>\ngitlab.lab.app.>\n"
	if out.String() != want {
		t.Fatalf("expected %q, got %q", want, out.String())
	}
}

func TestPublishRequiresNATSURL(t *testing.T) {
	t.Setenv("GITMIRROR_NATS_URL", "memory://")
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(`{}`))
	cmd.SetArgs([]string{"publish", "--owner", "acme", "--repo", "api", "--event", "issues"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "nats://") {
		t.Fatalf("expected nats url error, got %v", err)
	}

	cmd = NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"publish", "--event", "issues"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected missing owner to fail")
	}
}

func TestWatchScopeFailureKeepsServiceRunning(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scope")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "workspaces.yaml")
	if err := os.WriteFile(path, []byte("workspaces:\n  - id: acme-ws\n    organizations: [acme]\n"), 0o600); err != nil {
		t.Fatalf("write scope: %v", err)
	}
	m, err := scope.NewManager(path, scope.ManagerOptions{Logger: discard})
	if err != nil {
		t.Fatalf("load scope: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("remove scope dir: %v", err)
	}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := watchScope(ctx, m, logger); err != nil {
		t.Fatalf("expected watcher failure to be absorbed, got %v", err)
	}
	if ctx.Err() != nil {
		t.Fatalf("expected watchScope to return on the watcher error, not the deadline")
	}
	if !strings.Contains(logs.String(), "scope watcher stopped") {
		t.Fatalf("expected the failure to be logged, got %q", logs.String())
	}
	if !m.Allows("acme/api") {
		t.Fatalf("expected the loaded scope to stay in force")
	}
}
