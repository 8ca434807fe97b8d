// Package cache persists enrichment results keyed by (entity type, entity
// value).
//
// A record accumulates per-source findings over time: every write merges only
// the sources it carries and leaves the rest untouched, because providers
// refresh on independent cadences. Two expiry notions coexist and must not be
// conflated: each source result carries its own ttlSeconds, which is the soft
// refresh trigger checked by the orchestrator, while the record-level
// ExpiresAt is the hard eviction bound enforced by Get and the sweeper.
package cache

import (
	"context"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
	"github.com/osprey-sec/enrichd/internal/provider"
	"github.com/osprey-sec/enrichd/internal/risk"
)

// Metadata tracks the bookkeeping side of a record.
type Metadata struct {
	FirstFetched time.Time `json:"firstFetched"`
	LastFetched  time.Time `json:"lastFetched"`
	LastUpdated  time.Time `json:"lastUpdated"`
	FetchCount   int       `json:"fetchCount"`
	Hits         int       `json:"hits"`
	LastHit      time.Time `json:"lastHit,omitzero"`
	IsStale      bool      `json:"isStale"`
}

// Record is the unit of persistence, unique per (EntityType, EntityValue).
type Record struct {
	EntityType     entity.Type                 `json:"entityType"`
	EntityValue    string                      `json:"entityValue"`
	Enrichment     map[string]*provider.Result `json:"enrichment"`
	AggregatedRisk *risk.Assessment            `json:"aggregatedRisk,omitempty"`
	Metadata       Metadata                    `json:"metadata"`
	ExpiresAt      time.Time                   `json:"expiresAt"`

	// Version guards the Postgres compare-and-swap loop. Unused in memory.
	Version int64 `json:"-"`
}

// Expired reports whether the record has passed its hard eviction bound.
func (r *Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// FreshSource reports whether the named source is present, successful, and
// within its own TTL.
func (r *Record) FreshSource(name string, now time.Time) bool {
	res, ok := r.Enrichment[name]
	if !ok || res == nil || !res.Success {
		return false
	}
	return !res.Stale(now)
}

// Stats summarizes the store for operational endpoints.
type Stats struct {
	Records      int   `json:"records"`
	StaleRecords int   `json:"staleRecords"`
	TotalHits    int64 `json:"totalHits"`
	TotalFetches int64 `json:"totalFetches"`
}

// Store is the persistence contract shared by the memory and Postgres
// implementations.
type Store interface {
	// Get looks up a record. A fresh record returns (rec, true, nil). An
	// expired record is marked stale, the flag is persisted, and the lookup
	// reports a miss while still returning the retained record so callers can
	// degrade gracefully. An unknown key returns (nil, false, nil).
	Get(ctx context.Context, t entity.Type, value string) (*Record, bool, error)

	// RecordHit increments the hit counter and stamps LastHit. It applies to
	// stale reads too, which is deliberate: a degraded read is still a read.
	RecordHit(ctx context.Context, rec *Record) error

	// Upsert merges the given source results into the record for the key,
	// creating it on first write. Untouched sources are preserved verbatim.
	// FetchCount increments, IsStale clears, and ExpiresAt moves to now+ttl.
	// The merge is atomic per key under concurrent writers.
	Upsert(ctx context.Context, t entity.Type, value string, results map[string]*provider.Result, ttl time.Duration) (*Record, error)

	// SaveAssessment persists rec.AggregatedRisk for rec's key.
	SaveAssessment(ctx context.Context, rec *Record) error

	// History returns prior records for an entity value across types, newest
	// first. Memory keeps only the live record per key; Postgres keeps swept
	// history until eviction.
	History(ctx context.Context, value string, limit int) ([]*Record, error)

	// Stats reports store-wide counters.
	Stats(ctx context.Context) (*Stats, error)

	// Sweep evicts records whose ExpiresAt passed before the cutoff and
	// returns the number removed.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

func mergeResults(dst map[string]*provider.Result, src map[string]*provider.Result) map[string]*provider.Result {
	if dst == nil {
		dst = make(map[string]*provider.Result, len(src))
	}
	for name, res := range src {
		if res == nil {
			continue
		}
		dst[name] = res
	}
	return dst
}
