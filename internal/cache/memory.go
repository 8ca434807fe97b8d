package cache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
	"github.com/osprey-sec/enrichd/internal/provider"
	"github.com/osprey-sec/enrichd/internal/syncutil"
)

// MemoryStore implements Store in memory. Suitable for tests and single-node
// deployments without Postgres.
//
// Stored records are immutable snapshots: every mutation clones the current
// record, edits the clone, and swaps it into the map under mu. Stats and
// History can therefore read records under mu alone without racing writers.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record

	// keyLocks serializes read-copy-swap cycles per key so two in-flight
	// refreshes for the same entity cannot lose each other's sources.
	keyLocks syncutil.ShardedMutex

	nowFn func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		nowFn:   time.Now,
	}
}

func cacheKey(t entity.Type, value string) string {
	return string(t) + "\x00" + value
}

func (m *MemoryStore) load(key string) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	return rec, ok
}

func (m *MemoryStore) swap(key string, rec *Record) {
	m.mu.Lock()
	m.records[key] = rec
	m.mu.Unlock()
}

func (m *MemoryStore) Get(_ context.Context, t entity.Type, value string) (*Record, bool, error) {
	key := cacheKey(t, value)
	unlock := m.keyLocks.Lock(key)
	defer unlock()

	rec, ok := m.load(key)
	if !ok {
		return nil, false, nil
	}

	if rec.Expired(m.nowFn()) {
		if !rec.Metadata.IsStale {
			cp := cloneRecord(rec)
			cp.Metadata.IsStale = true
			m.swap(key, cp)
			rec = cp
		}
		return cloneRecord(rec), false, nil
	}
	return cloneRecord(rec), true, nil
}

func (m *MemoryStore) RecordHit(_ context.Context, rec *Record) error {
	key := cacheKey(rec.EntityType, rec.EntityValue)
	unlock := m.keyLocks.Lock(key)
	defer unlock()

	now := m.nowFn()

	if stored, ok := m.load(key); ok {
		cp := cloneRecord(stored)
		cp.Metadata.Hits++
		cp.Metadata.LastHit = now
		m.swap(key, cp)
	}

	rec.Metadata.Hits++
	rec.Metadata.LastHit = now
	return nil
}

func (m *MemoryStore) Upsert(_ context.Context, t entity.Type, value string, results map[string]*provider.Result, ttl time.Duration) (*Record, error) {
	key := cacheKey(t, value)
	unlock := m.keyLocks.Lock(key)
	defer unlock()

	now := m.nowFn()

	var cp *Record
	if stored, ok := m.load(key); ok {
		cp = cloneRecord(stored)
	} else {
		cp = &Record{
			EntityType:  t,
			EntityValue: value,
			Metadata:    Metadata{FirstFetched: now},
		}
	}

	cp.Enrichment = mergeResults(cp.Enrichment, results)
	cp.Metadata.FetchCount++
	cp.Metadata.LastFetched = now
	cp.Metadata.LastUpdated = now
	cp.Metadata.IsStale = false
	cp.ExpiresAt = now.Add(ttl)
	m.swap(key, cp)

	return cloneRecord(cp), nil
}

func (m *MemoryStore) SaveAssessment(_ context.Context, rec *Record) error {
	key := cacheKey(rec.EntityType, rec.EntityValue)
	unlock := m.keyLocks.Lock(key)
	defer unlock()

	if stored, ok := m.load(key); ok {
		cp := cloneRecord(stored)
		cp.AggregatedRisk = rec.AggregatedRisk
		cp.Metadata.LastUpdated = m.nowFn()
		m.swap(key, cp)
	}
	return nil
}

func (m *MemoryStore) History(_ context.Context, value string, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if rec.EntityValue == value {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Metadata.LastUpdated.After(out[j].Metadata.LastUpdated)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &Stats{Records: len(m.records)}
	for _, rec := range m.records {
		if rec.Metadata.IsStale {
			s.StaleRecords++
		}
		s.TotalHits += int64(rec.Metadata.Hits)
		s.TotalFetches += int64(rec.Metadata.FetchCount)
	}
	return s, nil
}

func (m *MemoryStore) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, rec := range m.records {
		if rec.ExpiresAt.Before(cutoff) {
			delete(m.records, key)
			removed++
		}
	}
	return removed, nil
}

// cloneRecord copies the record and its enrichment map so neither the store
// nor callers ever share mutable state. Result pointers are shared but treated
// as immutable once written.
func cloneRecord(rec *Record) *Record {
	cp := *rec
	cp.Enrichment = make(map[string]*provider.Result, len(rec.Enrichment))
	for name, res := range rec.Enrichment {
		cp.Enrichment[name] = res
	}
	return &cp
}
