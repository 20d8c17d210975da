package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationUpsertAndReconcile(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()
	collaborators := NewTable[Collaborator](backend)

	for _, id := range []int64{1, 2, 3} {
		if _, err := collaborators.Upsert(ctx, &Collaborator{Meta: Meta{NativeID: id}, RepositoryID: 10, Login: fmt.Sprintf("user%d", id)}); err != nil {
			t.Fatalf("upsert collaborator %d failed: %v", id, err)
		}
	}
	if _, err := collaborators.Upsert(ctx, &Collaborator{Meta: Meta{NativeID: 1}, RepositoryID: 10, Login: "user1", Permission: "admin"}); err != nil {
		t.Fatalf("re-upsert collaborator failed: %v", err)
	}

	ids, err := backend.ListNativeIDs(ctx, KindCollaborator, ProviderGitHub, 10)
	if err != nil {
		t.Fatalf("list native ids failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("expected 3 collaborators, got %v", ids)
	}
	stored, err := collaborators.Find(ctx, Key{ParentID: 10, NativeID: 1})
	if err != nil {
		t.Fatalf("find collaborator failed: %v", err)
	}
	if stored.Permission != "admin" {
		t.Fatalf("expected permission admin after re-upsert, got %q", stored.Permission)
	}

	removed, err := backend.DeleteByIDs(ctx, KindCollaborator, ProviderGitHub, 10, []int64{3})
	if err != nil {
		t.Fatalf("delete by ids failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := collaborators.Find(ctx, Key{ParentID: 10, NativeID: 3}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestPostgresIntegrationFindByFullNameIsCaseInsensitive(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()
	repos := NewTable[Repository](backend)
	if _, err := repos.Upsert(ctx, &Repository{Meta: Meta{NativeID: 77}, FullName: "Acme/API", TenantID: "acme"}); err != nil {
		t.Fatalf("upsert repository failed: %v", err)
	}
	repo, err := repos.FindByFullName(ctx, "acme/api")
	if err != nil {
		t.Fatalf("find by full name failed: %v", err)
	}
	if repo.NativeID != 77 {
		t.Fatalf("expected repository 77, got %+v", repo)
	}
	tenantRepos, err := repos.ForTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("for tenant failed: %v", err)
	}
	if len(tenantRepos) != 1 {
		t.Fatalf("expected one tenant repository, got %d", len(tenantRepos))
	}
}

func TestPostgresIntegrationLedgerAndRuns(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()
	resetAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	if _, err := backend.LoadRateLimit(ctx, "acme"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before save, got %v", err)
	}
	if err := backend.SaveRateLimit(ctx, RateLimitSnapshot{TenantID: "acme", Remaining: 120, Limit: 5000, Cost: 1, ResetAt: resetAt}); err != nil {
		t.Fatalf("save rate limit failed: %v", err)
	}
	snapshot, err := backend.LoadRateLimit(ctx, "acme")
	if err != nil {
		t.Fatalf("load rate limit failed: %v", err)
	}
	if snapshot.Remaining != 120 || !snapshot.ResetAt.Equal(resetAt) {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	run := SyncRun{ID: "r1", TenantID: "acme", Repository: "acme/api", Collection: "issues", Status: "ABORTED_ERROR",
		Error: "boom", StartedAt: resetAt, FinishedAt: resetAt}
	if err := backend.RecordSyncRun(ctx, run); err != nil {
		t.Fatalf("record run failed: %v", err)
	}
	run.ID, run.Status, run.Error = "r2", "COMPLETED", ""
	if err := backend.RecordSyncRun(ctx, run); err != nil {
		t.Fatalf("record second run failed: %v", err)
	}
	last, err := backend.LastSyncRun(ctx, "acme", "acme/api", "issues")
	if err != nil {
		t.Fatalf("last sync run failed: %v", err)
	}
	if last.ID != "r2" || last.Status != "COMPLETED" {
		t.Fatalf("expected latest run r2, got %+v", last)
	}
}

func TestPostgresIntegrationConcurrentUpsertsConverge(t *testing.T) {
	backend := postgresIntegrationBackend(t)
	ctx := context.Background()
	issues := NewTable[Issue](backend)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _ = issues.Upsert(ctx, &Issue{Meta: Meta{NativeID: 500}, RepositoryID: 1, Title: fmt.Sprintf("t%d", n)})
		}(i)
	}
	wg.Wait()

	ids, err := backend.ListNativeIDs(ctx, KindIssue, ProviderGitHub, 1)
	if err != nil {
		t.Fatalf("list native ids failed: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected a single row after concurrent upserts, got %v", ids)
	}
}

func postgresIntegrationBackend(t *testing.T) *PostgresBackend {
	t.Helper()
	dsn := postgresIntegrationDSN(t)
	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.entityTable = postgresIntegrationTableName("mirror_entities_it")
	backend.rateLimitTable = postgresIntegrationTableName("mirror_rate_limits_it")
	backend.syncRunTable = postgresIntegrationTableName("mirror_sync_runs_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.entityTable)
		postgresIntegrationDropTable(t, dsn, backend.rateLimitTable)
		postgresIntegrationDropTable(t, dsn, backend.syncRunTable)
	})
	return backend
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("GITMIRROR_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set GITMIRROR_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
