package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresEntityTableName    = "mirror_entities"
	postgresRateLimitTableName = "mirror_rate_limits"
	postgresSyncRunTableName   = "mirror_sync_runs"
	postgresOperationTimeout   = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend stores entities as JSONB snapshots keyed by
// (kind, provider, namespace, parent_id, native_id). Tables are created
// lazily on first use.
type PostgresBackend struct {
	dsn            string
	entityTable    string
	rateLimitTable string
	syncRunTable   string
	openDB         sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:            dsn,
		entityTable:    postgresEntityTableName,
		rateLimitTable: postgresRateLimitTableName,
		syncRunTable:   postgresSyncRunTableName,
		openDB:         sql.Open,
	}, nil
}

func (b *PostgresBackend) FindByNativeID(ctx context.Context, kind Kind, key Key) (Record, error) {
	if err := b.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT kind, provider, namespace, parent_id, native_id, repository_id, tenant_id, full_name, payload, first_seen_at, last_sync_at
		FROM %s
		WHERE kind = $1 AND provider = $2 AND namespace = $3 AND parent_id = $4 AND native_id = $5`, postgresQuoteIdentifier(b.entityTable))
	key = key.Normalized()
	return scanRecord(b.db.QueryRowContext(ctx, query, string(kind), key.Provider, key.Namespace, key.ParentID, key.NativeID))
}

func (b *PostgresBackend) FindByFullName(ctx context.Context, kind Kind, provider, fullName string) (Record, error) {
	fullName = normalizeFullName(fullName)
	if fullName == "" {
		return Record{}, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT kind, provider, namespace, parent_id, native_id, repository_id, tenant_id, full_name, payload, first_seen_at, last_sync_at
		FROM %s
		WHERE kind = $1 AND provider = $2 AND LOWER(full_name) = $3
		ORDER BY last_sync_at DESC
		LIMIT 1`, postgresQuoteIdentifier(b.entityTable))
	return scanRecord(b.db.QueryRowContext(ctx, query, string(kind), NormalizeProvider(provider), fullName))
}

func (b *PostgresBackend) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	if err := b.ensureReady(); err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (kind, provider, namespace, parent_id, native_id, repository_id, tenant_id, full_name, payload, first_seen_at, last_sync_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (kind, provider, namespace, parent_id, native_id)
		DO UPDATE SET
			repository_id = EXCLUDED.repository_id,
			tenant_id = EXCLUDED.tenant_id,
			full_name = EXCLUDED.full_name,
			payload = EXCLUDED.payload,
			last_sync_at = NOW()
		RETURNING first_seen_at, last_sync_at`, postgresQuoteIdentifier(b.entityTable))
	rec.Provider = NormalizeProvider(rec.Provider)
	err := b.db.QueryRowContext(ctx, query,
		string(rec.Kind), rec.Provider, rec.Namespace, rec.ParentID, rec.NativeID, rec.RepositoryID,
		rec.TenantID, rec.FullName, string(rec.Payload),
	).Scan(&rec.FirstSeenAt, &rec.LastSyncAt)
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (b *PostgresBackend) DeleteByID(ctx context.Context, kind Kind, key Key) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE kind = $1 AND provider = $2 AND namespace = $3 AND parent_id = $4 AND native_id = $5",
		postgresQuoteIdentifier(b.entityTable),
	)
	key = key.Normalized()
	_, err := b.db.ExecContext(ctx, query, string(kind), key.Provider, key.Namespace, key.ParentID, key.NativeID)
	return err
}

func (b *PostgresBackend) DeleteByIDs(ctx context.Context, kind Kind, provider string, repositoryID int64, nativeIDs []int64) (int, error) {
	if len(nativeIDs) == 0 {
		return 0, nil
	}
	if err := b.ensureReady(); err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"DELETE FROM %s WHERE kind = $1 AND provider = $2 AND repository_id = $3 AND native_id = ANY($4)",
		postgresQuoteIdentifier(b.entityTable),
	)
	result, err := b.db.ExecContext(ctx, query, string(kind), NormalizeProvider(provider), repositoryID, pq.Array(nativeIDs))
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (b *PostgresBackend) ListNativeIDs(ctx context.Context, kind Kind, provider string, repositoryID int64) ([]int64, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT native_id FROM %s WHERE kind = $1 AND provider = $2 AND repository_id = $3 ORDER BY native_id ASC",
		postgresQuoteIdentifier(b.entityTable),
	)
	rows, err := b.db.QueryContext(ctx, query, string(kind), NormalizeProvider(provider), repositoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (b *PostgresBackend) FindAllForTenant(ctx context.Context, kind Kind, tenantID string) ([]Record, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT kind, provider, namespace, parent_id, native_id, repository_id, tenant_id, full_name, payload, first_seen_at, last_sync_at
		FROM %s
		WHERE kind = $1 AND tenant_id = $2
		ORDER BY native_id ASC`, postgresQuoteIdentifier(b.entityTable))
	rows, err := b.db.QueryContext(ctx, query, string(kind), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (b *PostgresBackend) LoadRateLimit(ctx context.Context, tenantID string) (RateLimitSnapshot, error) {
	if err := b.ensureReady(); err != nil {
		return RateLimitSnapshot{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT tenant_id, remaining, rate_limit, cost, reset_at, updated_at FROM %s WHERE tenant_id = $1",
		postgresQuoteIdentifier(b.rateLimitTable),
	)
	var snapshot RateLimitSnapshot
	err := b.db.QueryRowContext(ctx, query, tenantID).Scan(
		&snapshot.TenantID, &snapshot.Remaining, &snapshot.Limit, &snapshot.Cost, &snapshot.ResetAt, &snapshot.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RateLimitSnapshot{}, ErrNotFound
	}
	if err != nil {
		return RateLimitSnapshot{}, err
	}
	return snapshot, nil
}

func (b *PostgresBackend) SaveRateLimit(ctx context.Context, snapshot RateLimitSnapshot) error {
	if strings.TrimSpace(snapshot.TenantID) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, remaining, rate_limit, cost, reset_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tenant_id)
		DO UPDATE SET remaining = EXCLUDED.remaining, rate_limit = EXCLUDED.rate_limit,
			cost = EXCLUDED.cost, reset_at = EXCLUDED.reset_at, updated_at = NOW()`, postgresQuoteIdentifier(b.rateLimitTable))
	_, err := b.db.ExecContext(ctx, query, snapshot.TenantID, snapshot.Remaining, snapshot.Limit, snapshot.Cost, snapshot.ResetAt)
	return err
}

func (b *PostgresBackend) RecordSyncRun(ctx context.Context, run SyncRun) error {
	if strings.TrimSpace(run.TenantID) == "" || strings.TrimSpace(run.Collection) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, repository, collection, run_id, status, pages_completed, synced, skipped, removed, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, repository, collection)
		DO UPDATE SET run_id = EXCLUDED.run_id, status = EXCLUDED.status,
			pages_completed = EXCLUDED.pages_completed, synced = EXCLUDED.synced,
			skipped = EXCLUDED.skipped, removed = EXCLUDED.removed, error = EXCLUDED.error,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`, postgresQuoteIdentifier(b.syncRunTable))
	_, err := b.db.ExecContext(ctx, query,
		run.TenantID, normalizeFullName(run.Repository), run.Collection, run.ID, run.Status,
		run.PagesCompleted, run.Synced, run.Skipped, run.Removed, run.Error, run.StartedAt, run.FinishedAt,
	)
	return err
}

func (b *PostgresBackend) LastSyncRun(ctx context.Context, tenantID, repository, collection string) (SyncRun, error) {
	if err := b.ensureReady(); err != nil {
		return SyncRun{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT run_id, tenant_id, repository, collection, status, pages_completed, synced, skipped, removed, error, started_at, finished_at
		FROM %s
		WHERE tenant_id = $1 AND repository = $2 AND collection = $3`, postgresQuoteIdentifier(b.syncRunTable))
	var run SyncRun
	err := b.db.QueryRowContext(ctx, query, tenantID, normalizeFullName(repository), collection).Scan(
		&run.ID, &run.TenantID, &run.Repository, &run.Collection, &run.Status, &run.PagesCompleted,
		&run.Synced, &run.Skipped, &run.Removed, &run.Error, &run.StartedAt, &run.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRun{}, ErrNotFound
	}
	if err != nil {
		return SyncRun{}, err
	}
	return run, nil
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					kind TEXT NOT NULL,
					provider TEXT NOT NULL DEFAULT 'github',
					namespace TEXT NOT NULL DEFAULT '',
					parent_id BIGINT NOT NULL DEFAULT 0,
					native_id BIGINT NOT NULL,
					repository_id BIGINT NOT NULL DEFAULT 0,
					tenant_id TEXT NOT NULL DEFAULT '',
					full_name TEXT NOT NULL DEFAULT '',
					payload JSONB NOT NULL,
					first_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					last_sync_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (kind, provider, namespace, parent_id, native_id)
				)`, postgresQuoteIdentifier(b.entityTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (kind, provider, repository_id)",
				postgresQuoteIdentifier(b.entityTable+"_kind_repository_idx"), postgresQuoteIdentifier(b.entityTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (kind, tenant_id)",
				postgresQuoteIdentifier(b.entityTable+"_kind_tenant_idx"), postgresQuoteIdentifier(b.entityTable)),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (kind, provider, LOWER(full_name))",
				postgresQuoteIdentifier(b.entityTable+"_kind_full_name_idx"), postgresQuoteIdentifier(b.entityTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					tenant_id TEXT PRIMARY KEY,
					remaining INTEGER NOT NULL,
					rate_limit INTEGER NOT NULL DEFAULT 0,
					cost INTEGER NOT NULL DEFAULT 0,
					reset_at TIMESTAMPTZ NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				)`, postgresQuoteIdentifier(b.rateLimitTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					tenant_id TEXT NOT NULL,
					repository TEXT NOT NULL,
					collection TEXT NOT NULL,
					run_id TEXT NOT NULL,
					status TEXT NOT NULL,
					pages_completed INTEGER NOT NULL DEFAULT 0,
					synced INTEGER NOT NULL DEFAULT 0,
					skipped INTEGER NOT NULL DEFAULT 0,
					removed INTEGER NOT NULL DEFAULT 0,
					error TEXT NOT NULL DEFAULT '',
					started_at TIMESTAMPTZ NOT NULL,
					finished_at TIMESTAMPTZ NOT NULL,
					PRIMARY KEY (tenant_id, repository, collection)
				)`, postgresQuoteIdentifier(b.syncRunTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var kind string
	var payload []byte
	err := row.Scan(&kind, &rec.Provider, &rec.Namespace, &rec.ParentID, &rec.NativeID, &rec.RepositoryID, &rec.TenantID,
		&rec.FullName, &payload, &rec.FirstSeenAt, &rec.LastSyncAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	rec.Kind = Kind(kind)
	rec.Payload = payload
	return rec, nil
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
