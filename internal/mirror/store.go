package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Record is the stored form of an entity. Payload holds the JSON encoded
// entity; the remaining columns are indexed copies of its identity.
type Record struct {
	Kind         Kind            `json:"kind"`
	Provider     string          `json:"provider"`
	Namespace    string          `json:"namespace,omitempty"`
	ParentID     int64           `json:"parentId"`
	NativeID     int64           `json:"nativeId"`
	RepositoryID int64           `json:"repositoryId,omitempty"`
	TenantID     string          `json:"tenantId,omitempty"`
	FullName     string          `json:"fullName,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	FirstSeenAt  time.Time       `json:"firstSeenAt"`
	LastSyncAt   time.Time       `json:"lastSyncAt"`
}

func (r Record) Key() Key {
	return Key{Provider: r.Provider, Namespace: r.Namespace, ParentID: r.ParentID, NativeID: r.NativeID}.Normalized()
}

// Store is the entity store. It is the only writer of entities and
// enforces uniqueness on (kind, provider, namespace, parent id, native id):
// Upsert replaces in place and never duplicates. Repository ids are
// provider ids, so repository scoped calls take the provider as well.
type Store interface {
	FindByNativeID(ctx context.Context, kind Kind, key Key) (Record, error)
	FindByFullName(ctx context.Context, kind Kind, provider, fullName string) (Record, error)
	Upsert(ctx context.Context, rec Record) (Record, error)
	DeleteByID(ctx context.Context, kind Kind, key Key) error
	DeleteByIDs(ctx context.Context, kind Kind, provider string, repositoryID int64, nativeIDs []int64) (int, error)
	ListNativeIDs(ctx context.Context, kind Kind, provider string, repositoryID int64) ([]int64, error)
	FindAllForTenant(ctx context.Context, kind Kind, tenantID string) ([]Record, error)
}

// RateLimitSnapshot is the persisted form of a tenant's request budget.
type RateLimitSnapshot struct {
	TenantID  string    `json:"tenantId"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	Cost      int       `json:"cost"`
	ResetAt   time.Time `json:"resetAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type LedgerStore interface {
	LoadRateLimit(ctx context.Context, tenantID string) (RateLimitSnapshot, error)
	SaveRateLimit(ctx context.Context, snapshot RateLimitSnapshot) error
}

// SyncRun is the persisted last-run status of one collection sync.
type SyncRun struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId"`
	Repository     string    `json:"repository"`
	Collection     string    `json:"collection"`
	Status         string    `json:"status"`
	PagesCompleted int       `json:"pagesCompleted"`
	Synced         int       `json:"synced"`
	Skipped        int       `json:"skipped"`
	Removed        int       `json:"removed"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
}

type RunStore interface {
	RecordSyncRun(ctx context.Context, run SyncRun) error
	LastSyncRun(ctx context.Context, tenantID, repository, collection string) (SyncRun, error)
}

// Backend bundles every persistence concern behind one DSN.
type Backend interface {
	Store
	LedgerStore
	RunStore
	Close() error
}

// RecordOf encodes an entity into its stored form.
func RecordOf(entity Entity) (Record, error) {
	if entity == nil {
		return Record{}, ErrInvalidInput
	}
	key := entity.EntityKey()
	if key.NativeID == 0 {
		return Record{}, fmt.Errorf("%s: %w", entity.EntityKind(), ErrMissingNativeID)
	}
	payload, err := json.Marshal(entity)
	if err != nil {
		return Record{}, err
	}
	idx := entity.EntityIndex()
	return Record{
		Kind:         entity.EntityKind(),
		Provider:     NormalizeProvider(key.Provider),
		Namespace:    key.Namespace,
		ParentID:     key.ParentID,
		NativeID:     key.NativeID,
		RepositoryID: idx.RepositoryID,
		TenantID:     idx.TenantID,
		FullName:     idx.FullName,
		Payload:      payload,
	}, nil
}

// DecodeRecord fills entity from rec, restoring the store-owned sync stamp.
func DecodeRecord(rec Record, entity Entity) error {
	if entity == nil {
		return ErrInvalidInput
	}
	if rec.Kind != entity.EntityKind() {
		return fmt.Errorf("%w: record kind %s, want %s", ErrInvalidInput, rec.Kind, entity.EntityKind())
	}
	if err := json.Unmarshal(rec.Payload, entity); err != nil {
		return err
	}
	entity.meta().Provider = NormalizeProvider(rec.Provider)
	entity.meta().LastSyncAt = rec.LastSyncAt
	return nil
}

func normalizeFullName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func validateRecord(rec Record) error {
	if strings.TrimSpace(string(rec.Kind)) == "" {
		return ErrInvalidInput
	}
	if rec.NativeID == 0 {
		return fmt.Errorf("%s: %w", rec.Kind, ErrMissingNativeID)
	}
	if len(rec.Payload) == 0 {
		return ErrInvalidInput
	}
	return nil
}
