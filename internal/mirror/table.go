package mirror

import (
	"context"
	"errors"
)

// Table is typed access to one entity kind of a Store, bound to one
// provider. Keys without a provider get the table's.
type Table[T any, P interface {
	*T
	Entity
}] struct {
	store    Store
	kind     Kind
	provider string
}

func NewTable[T any, P interface {
	*T
	Entity
}](store Store) *Table[T, P] {
	return &Table[T, P]{store: store, kind: P(new(T)).EntityKind(), provider: ProviderGitHub}
}

// For returns a copy of the table bound to provider.
func (t *Table[T, P]) For(provider string) *Table[T, P] {
	next := *t
	next.provider = NormalizeProvider(provider)
	return &next
}

func (t *Table[T, P]) Kind() Kind {
	return t.kind
}

func (t *Table[T, P]) Provider() string {
	return t.provider
}

func (t *Table[T, P]) scoped(key Key) Key {
	if key.Provider == "" {
		key.Provider = t.provider
	}
	return key.Normalized()
}

// Find returns the entity stored under key, or ErrNotFound.
func (t *Table[T, P]) Find(ctx context.Context, key Key) (P, error) {
	rec, err := t.store.FindByNativeID(ctx, t.kind, t.scoped(key))
	if err != nil {
		return nil, err
	}
	return t.decode(rec)
}

// Lookup is Find with ErrNotFound folded into a nil result.
func (t *Table[T, P]) Lookup(ctx context.Context, key Key) (P, error) {
	entity, err := t.Find(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entity, err
}

func (t *Table[T, P]) FindByFullName(ctx context.Context, fullName string) (P, error) {
	rec, err := t.store.FindByFullName(ctx, t.kind, t.provider, fullName)
	if err != nil {
		return nil, err
	}
	return t.decode(rec)
}

// Upsert writes entity and returns it as stored.
func (t *Table[T, P]) Upsert(ctx context.Context, entity P) (P, error) {
	if entity == nil {
		return nil, ErrInvalidInput
	}
	if entity.meta().Provider == "" {
		entity.meta().Provider = t.provider
	}
	rec, err := RecordOf(entity)
	if err != nil {
		return nil, err
	}
	stored, err := t.store.Upsert(ctx, rec)
	if err != nil {
		return nil, err
	}
	entity.meta().LastSyncAt = stored.LastSyncAt
	return entity, nil
}

func (t *Table[T, P]) Delete(ctx context.Context, key Key) error {
	return t.store.DeleteByID(ctx, t.kind, t.scoped(key))
}

// ForTenant lists the tenant's entities of the table's provider.
func (t *Table[T, P]) ForTenant(ctx context.Context, tenantID string) ([]P, error) {
	records, err := t.store.FindAllForTenant(ctx, t.kind, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]P, 0, len(records))
	for _, rec := range records {
		if NormalizeProvider(rec.Provider) != t.provider {
			continue
		}
		entity, err := t.decode(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

func (t *Table[T, P]) decode(rec Record) (P, error) {
	entity := P(new(T))
	if err := DecodeRecord(rec, entity); err != nil {
		return nil, err
	}
	return entity, nil
}
