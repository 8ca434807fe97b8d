package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osprey-sec/enrichd/internal/entity"
	"github.com/osprey-sec/enrichd/internal/provider"
	"github.com/osprey-sec/enrichd/internal/risk"
)

func testResult(t *testing.T, source string, fetchedAt time.Time, ttlSeconds int) *provider.Result {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"score": 42})
	require.NoError(t, err)
	return &provider.Result{
		Source:     source,
		Success:    true,
		Data:       raw,
		FetchedAt:  fetchedAt,
		TTLSeconds: ttlSeconds,
		Confidence: 0.9,
	}
}

func TestMemoryStore_RoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.nowFn = func() time.Time { return now }

	res := testResult(t, provider.SourceIPReputation, now, 3600)
	rec, err := store.Upsert(ctx, entity.TypeIP, "203.0.113.5",
		map[string]*provider.Result{provider.SourceIPReputation: res}, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Metadata.FetchCount)
	assert.Equal(t, now, rec.Metadata.FirstFetched)
	assert.Equal(t, now.Add(60*time.Second), rec.ExpiresAt)

	got, ok, err := store.Get(ctx, entity.TypeIP, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Metadata.IsStale)
	assert.Contains(t, got.Enrichment, provider.SourceIPReputation)

	// Past the hard expiry the lookup reports a miss, marks the record
	// stale, and still hands the record back for degraded reads.
	now = now.Add(61 * time.Second)
	got, ok, err = store.Get(ctx, entity.TypeIP, "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NotNil(t, got)
	assert.True(t, got.Metadata.IsStale)

	require.NoError(t, store.RecordHit(ctx, got))
	assert.Equal(t, 1, got.Metadata.Hits)
	assert.Equal(t, now, got.Metadata.LastHit)
}

func TestMemoryStore_MergePreservesUntouchedSources(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	first := testResult(t, provider.SourceIPReputation, now, 3600)
	_, err := store.Upsert(ctx, entity.TypeIP, "198.51.100.7",
		map[string]*provider.Result{provider.SourceIPReputation: first}, time.Hour)
	require.NoError(t, err)

	second := testResult(t, provider.SourceGeoRisk, now.Add(time.Minute), 86400)
	rec, err := store.Upsert(ctx, entity.TypeIP, "198.51.100.7",
		map[string]*provider.Result{provider.SourceGeoRisk: second}, time.Hour)
	require.NoError(t, err)

	require.Len(t, rec.Enrichment, 2)
	assert.Equal(t, first, rec.Enrichment[provider.SourceIPReputation],
		"untouched source must survive a partial write verbatim")
	assert.Equal(t, 2, rec.Metadata.FetchCount)
	assert.False(t, rec.Metadata.IsStale)
}

func TestMemoryStore_UpsertClearsStale(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.nowFn = func() time.Time { return now }

	res := testResult(t, provider.SourceAnonymizer, now, 60)
	_, err := store.Upsert(ctx, entity.TypeIP, "203.0.113.9",
		map[string]*provider.Result{provider.SourceAnonymizer: res}, time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, ok, err := store.Get(ctx, entity.TypeIP, "203.0.113.9")
	require.NoError(t, err)
	require.False(t, ok)

	rec, err := store.Upsert(ctx, entity.TypeIP, "203.0.113.9",
		map[string]*provider.Result{provider.SourceAnonymizer: res}, time.Hour)
	require.NoError(t, err)
	assert.False(t, rec.Metadata.IsStale)

	_, ok, err = store.Get(ctx, entity.TypeIP, "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_SaveAssessment(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	res := testResult(t, provider.SourceIPReputation, now, 3600)
	rec, err := store.Upsert(ctx, entity.TypeIP, "192.0.2.1",
		map[string]*provider.Result{provider.SourceIPReputation: res}, time.Hour)
	require.NoError(t, err)

	rec.AggregatedRisk = &risk.Assessment{
		OverallScore: 42,
		RiskLevel:    risk.LevelMedium,
		EvaluatedAt:  now,
	}
	require.NoError(t, store.SaveAssessment(ctx, rec))

	got, ok, err := store.Get(ctx, entity.TypeIP, "192.0.2.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.AggregatedRisk)
	assert.Equal(t, 42.0, got.AggregatedRisk.OverallScore)
	assert.Equal(t, risk.LevelMedium, got.AggregatedRisk.RiskLevel)
}

func TestMemoryStore_ConcurrentUpsertsDoNotLoseSources(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	sources := []string{
		provider.SourceIPReputation,
		provider.SourceAnonymizer,
		provider.SourceGeoRisk,
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, source := range sources {
			wg.Add(1)
			go func(source string) {
				defer wg.Done()
				res := testResult(t, source, now, 3600)
				_, err := store.Upsert(ctx, entity.TypeIP, "203.0.113.5",
					map[string]*provider.Result{source: res}, time.Hour)
				assert.NoError(t, err)
			}(source)
		}
	}
	wg.Wait()

	rec, ok, err := store.Get(ctx, entity.TypeIP, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, rec.Enrichment, len(sources))
	assert.Equal(t, 60, rec.Metadata.FetchCount)
}

func TestMemoryStore_ConcurrentReadersAndWriters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()

	// Stats and History iterate stored records while Upsert, Get, and
	// RecordHit replace them; all of it must be safe on a single hot key.
	const iterations = 200
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			res := testResult(t, provider.SourceIPReputation, now, 3600)
			_, err := store.Upsert(ctx, entity.TypeIP, "203.0.113.5",
				map[string]*provider.Result{provider.SourceIPReputation: res}, time.Hour)
			assert.NoError(t, err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			_, err := store.Stats(ctx)
			assert.NoError(t, err)
			_, err = store.History(ctx, "203.0.113.5", 10)
			assert.NoError(t, err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < iterations; i++ {
			rec, _, err := store.Get(ctx, entity.TypeIP, "203.0.113.5")
			assert.NoError(t, err)
			if rec != nil {
				assert.NoError(t, store.RecordHit(ctx, rec))
			}
		}
	}()

	wg.Wait()

	rec, ok, err := store.Get(ctx, entity.TypeIP, "203.0.113.5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, rec.Enrichment, provider.SourceIPReputation)
	assert.Equal(t, iterations, rec.Metadata.FetchCount)
}

func TestMemoryStore_StatsAndSweep(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.nowFn = func() time.Time { return now }

	res := testResult(t, provider.SourceIPReputation, now, 3600)
	_, err := store.Upsert(ctx, entity.TypeIP, "203.0.113.1",
		map[string]*provider.Result{provider.SourceIPReputation: res}, time.Second)
	require.NoError(t, err)
	_, err = store.Upsert(ctx, entity.TypeIP, "203.0.113.2",
		map[string]*provider.Result{provider.SourceIPReputation: res}, time.Hour)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	_, _, err = store.Get(ctx, entity.TypeIP, "203.0.113.1")
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Records)
	assert.Equal(t, 1, stats.StaleRecords)
	assert.Equal(t, int64(2), stats.TotalFetches)

	removed, err := store.Sweep(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
}

func TestMemoryStore_HistoryOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.nowFn = func() time.Time { return now }

	res := testResult(t, provider.SourceIPReputation, now, 3600)
	_, err := store.Upsert(ctx, entity.TypeIP, "example.com",
		map[string]*provider.Result{provider.SourceIPReputation: res}, time.Hour)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	domainRes := testResult(t, provider.SourceDisposableEmail, now, 3600)
	_, err = store.Upsert(ctx, entity.TypeDomain, "example.com",
		map[string]*provider.Result{provider.SourceDisposableEmail: domainRes}, time.Hour)
	require.NoError(t, err)

	recs, err := store.History(ctx, "example.com", 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, entity.TypeDomain, recs[0].EntityType)
	assert.Equal(t, entity.TypeIP, recs[1].EntityType)
}
