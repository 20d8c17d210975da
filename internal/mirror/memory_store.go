package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

type recordKey struct {
	Kind      Kind
	Provider  string
	Namespace string
	ParentID  int64
	NativeID  int64
}

func keyOf(kind Kind, key Key) recordKey {
	key = key.Normalized()
	return recordKey{Kind: kind, Provider: key.Provider, Namespace: key.Namespace, ParentID: key.ParentID, NativeID: key.NativeID}
}

type persistedState struct {
	Records    []Record                     `json:"records"`
	RateLimits map[string]RateLimitSnapshot `json:"rateLimits"`
	Runs       map[string]SyncRun           `json:"runs"`
}

// MemoryBackend keeps everything in process. When Path is set every
// mutation is written through to a JSON snapshot and reloaded on open. A
// mutation whose snapshot fails to write is rolled back.
type MemoryBackend struct {
	mu         sync.RWMutex
	path       string
	now        func() time.Time
	records    map[recordKey]Record
	rateLimits map[string]RateLimitSnapshot
	runs       map[string]SyncRun
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		now:        func() time.Time { return time.Now().UTC() },
		records:    map[recordKey]Record{},
		rateLimits: map[string]RateLimitSnapshot{},
		runs:       map[string]SyncRun{},
	}
}

// NewFileBackend returns a MemoryBackend persisted to path.
func NewFileBackend(path string) (*MemoryBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := NewMemoryBackend()
	b.path = path
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *MemoryBackend) FindByNativeID(ctx context.Context, kind Kind, key Key) (Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[keyOf(kind, key)]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (b *MemoryBackend) FindByFullName(ctx context.Context, kind Kind, provider, fullName string) (Record, error) {
	want := normalizeFullName(fullName)
	if want == "" {
		return Record{}, ErrInvalidInput
	}
	provider = NormalizeProvider(provider)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for k, rec := range b.records {
		if k.Kind == kind && k.Provider == provider && normalizeFullName(rec.FullName) == want {
			return cloneRecord(rec), nil
		}
	}
	return Record{}, ErrNotFound
}

func (b *MemoryBackend) Upsert(ctx context.Context, rec Record) (Record, error) {
	if err := validateRecord(rec); err != nil {
		return Record{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	rec = cloneRecord(rec)
	rec.Provider = NormalizeProvider(rec.Provider)
	k := keyOf(rec.Kind, rec.Key())
	now := b.now()
	existing, existed := b.records[k]
	if existed {
		rec.FirstSeenAt = existing.FirstSeenAt
	} else {
		rec.FirstSeenAt = now
	}
	rec.LastSyncAt = now
	b.records[k] = rec
	if err := b.saveLocked(); err != nil {
		if existed {
			b.records[k] = existing
		} else {
			delete(b.records, k)
		}
		return Record{}, err
	}
	return cloneRecord(rec), nil
}

func (b *MemoryBackend) DeleteByID(ctx context.Context, kind Kind, key Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := keyOf(kind, key)
	existing, ok := b.records[k]
	if !ok {
		return nil
	}
	delete(b.records, k)
	if err := b.saveLocked(); err != nil {
		b.records[k] = existing
		return err
	}
	return nil
}

func (b *MemoryBackend) DeleteByIDs(ctx context.Context, kind Kind, provider string, repositoryID int64, nativeIDs []int64) (int, error) {
	if len(nativeIDs) == 0 {
		return 0, nil
	}
	targets := make(map[int64]struct{}, len(nativeIDs))
	for _, id := range nativeIDs {
		targets[id] = struct{}{}
	}
	provider = NormalizeProvider(provider)
	b.mu.Lock()
	defer b.mu.Unlock()
	removed := map[recordKey]Record{}
	for k, rec := range b.records {
		if k.Kind != kind || k.Provider != provider || rec.RepositoryID != repositoryID {
			continue
		}
		if _, ok := targets[k.NativeID]; !ok {
			continue
		}
		removed[k] = rec
	}
	if len(removed) == 0 {
		return 0, nil
	}
	for k := range removed {
		delete(b.records, k)
	}
	if err := b.saveLocked(); err != nil {
		for k, rec := range removed {
			b.records[k] = rec
		}
		return 0, err
	}
	return len(removed), nil
}

func (b *MemoryBackend) ListNativeIDs(ctx context.Context, kind Kind, provider string, repositoryID int64) ([]int64, error) {
	provider = NormalizeProvider(provider)
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]int64, 0)
	for k, rec := range b.records {
		if k.Kind == kind && k.Provider == provider && rec.RepositoryID == repositoryID {
			ids = append(ids, k.NativeID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (b *MemoryBackend) FindAllForTenant(ctx context.Context, kind Kind, tenantID string) ([]Record, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrInvalidInput
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Record, 0)
	for k, rec := range b.records {
		if k.Kind == kind && rec.TenantID == tenantID {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NativeID < out[j].NativeID })
	return out, nil
}

func (b *MemoryBackend) LoadRateLimit(ctx context.Context, tenantID string) (RateLimitSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snapshot, ok := b.rateLimits[tenantID]
	if !ok {
		return RateLimitSnapshot{}, ErrNotFound
	}
	return snapshot, nil
}

func (b *MemoryBackend) SaveRateLimit(ctx context.Context, snapshot RateLimitSnapshot) error {
	if strings.TrimSpace(snapshot.TenantID) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = b.now()
	}
	previous, existed := b.rateLimits[snapshot.TenantID]
	b.rateLimits[snapshot.TenantID] = snapshot
	if err := b.saveLocked(); err != nil {
		if existed {
			b.rateLimits[snapshot.TenantID] = previous
		} else {
			delete(b.rateLimits, snapshot.TenantID)
		}
		return err
	}
	return nil
}

func (b *MemoryBackend) RecordSyncRun(ctx context.Context, run SyncRun) error {
	if strings.TrimSpace(run.TenantID) == "" || strings.TrimSpace(run.Collection) == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	key := syncRunKey(run.TenantID, run.Repository, run.Collection)
	previous, existed := b.runs[key]
	b.runs[key] = run
	if err := b.saveLocked(); err != nil {
		if existed {
			b.runs[key] = previous
		} else {
			delete(b.runs, key)
		}
		return err
	}
	return nil
}

func (b *MemoryBackend) LastSyncRun(ctx context.Context, tenantID, repository, collection string) (SyncRun, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	run, ok := b.runs[syncRunKey(tenantID, repository, collection)]
	if !ok {
		return SyncRun{}, ErrNotFound
	}
	return run, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) load() error {
	if b.path == "" {
		return nil
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	for _, rec := range state.Records {
		rec.Provider = NormalizeProvider(rec.Provider)
		b.records[keyOf(rec.Kind, rec.Key())] = rec
	}
	for k, v := range state.RateLimits {
		b.rateLimits[k] = v
	}
	for k, v := range state.Runs {
		b.runs[k] = v
	}
	return nil
}

func (b *MemoryBackend) saveLocked() error {
	if b.path == "" {
		return nil
	}
	state := persistedState{
		Records:    make([]Record, 0, len(b.records)),
		RateLimits: b.rateLimits,
		Runs:       b.runs,
	}
	for _, rec := range b.records {
		state.Records = append(state.Records, rec)
	}
	sort.Slice(state.Records, func(i, j int) bool {
		a, c := state.Records[i], state.Records[j]
		if a.Kind != c.Kind {
			return a.Kind < c.Kind
		}
		if a.Provider != c.Provider {
			return a.Provider < c.Provider
		}
		if a.Namespace != c.Namespace {
			return a.Namespace < c.Namespace
		}
		if a.ParentID != c.ParentID {
			return a.ParentID < c.ParentID
		}
		return a.NativeID < c.NativeID
	})
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func cloneRecord(rec Record) Record {
	if rec.Payload != nil {
		payload := make(json.RawMessage, len(rec.Payload))
		copy(payload, rec.Payload)
		rec.Payload = payload
	}
	return rec
}

func syncRunKey(tenantID, repository, collection string) string {
	return tenantID + "|" + normalizeFullName(repository) + "|" + collection
}
