package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
	"github.com/osprey-sec/enrichd/internal/provider"
	"github.com/osprey-sec/enrichd/internal/retry"
	"github.com/osprey-sec/enrichd/internal/risk"
)

// errWriteConflict signals that another writer moved the record's version
// between our read and our conditional update. Resolved by retrying the
// merge, never surfaced to callers.
var errWriteConflict = errors.New("cache: concurrent update conflict")

const (
	upsertMaxAttempts = 5
	upsertBaseDelay   = 20 * time.Millisecond
)

// PostgresStore implements Store backed by PostgreSQL. Per-source findings and
// the aggregated assessment live in JSONB columns; the field-level merge runs
// in Go inside a version-guarded compare-and-swap loop.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `
	entity_type, entity_value, enrichment, aggregated_risk,
	first_fetched, last_fetched, last_updated, fetch_count,
	hits, last_hit, is_stale, expires_at, version`

func (p *PostgresStore) Get(ctx context.Context, t entity.Type, value string) (*Record, bool, error) {
	rec, err := p.load(ctx, t, value)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}

	if rec.Expired(time.Now()) {
		if !rec.Metadata.IsStale {
			_, err = p.db.ExecContext(ctx, `
				UPDATE enrichment_cache SET is_stale = TRUE
				WHERE entity_type = $1 AND entity_value = $2`,
				string(t), value)
			if err != nil {
				return nil, false, fmt.Errorf("mark stale: %w", err)
			}
			rec.Metadata.IsStale = true
		}
		return rec, false, nil
	}
	return rec, true, nil
}

func (p *PostgresStore) RecordHit(ctx context.Context, rec *Record) error {
	row := p.db.QueryRowContext(ctx, `
		UPDATE enrichment_cache
		SET hits = hits + 1, last_hit = NOW()
		WHERE entity_type = $1 AND entity_value = $2
		RETURNING hits, last_hit`,
		string(rec.EntityType), rec.EntityValue)

	var lastHit time.Time
	if err := row.Scan(&rec.Metadata.Hits, &lastHit); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("record hit: %w", err)
	}
	rec.Metadata.LastHit = lastHit
	return nil
}

func (p *PostgresStore) Upsert(ctx context.Context, t entity.Type, value string, results map[string]*provider.Result, ttl time.Duration) (*Record, error) {
	var out *Record

	err := retry.Do(ctx, upsertMaxAttempts, upsertBaseDelay, func() error {
		rec, err := p.load(ctx, t, value)
		if err != nil {
			return retry.Permanent(err)
		}

		now := time.Now()
		if rec == nil {
			rec, err = p.insert(ctx, t, value, results, ttl, now)
			if err != nil {
				return err
			}
			out = rec
			return nil
		}

		rec.Enrichment = mergeResults(rec.Enrichment, results)
		rec.Metadata.FetchCount++
		rec.Metadata.LastFetched = now
		rec.Metadata.LastUpdated = now
		rec.Metadata.IsStale = false
		rec.ExpiresAt = now.Add(ttl)

		enrichJSON, err := json.Marshal(rec.Enrichment)
		if err != nil {
			return retry.Permanent(fmt.Errorf("marshal enrichment: %w", err))
		}

		res, err := p.db.ExecContext(ctx, `
			UPDATE enrichment_cache
			SET enrichment = $3, last_fetched = $4, last_updated = $4,
			    fetch_count = fetch_count + 1, is_stale = FALSE,
			    expires_at = $5, version = version + 1
			WHERE entity_type = $1 AND entity_value = $2 AND version = $6`,
			string(t), value, enrichJSON, now, rec.ExpiresAt, rec.Version)
		if err != nil {
			return retry.Permanent(fmt.Errorf("update record: %w", err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return retry.Permanent(err)
		}
		if n == 0 {
			return errWriteConflict
		}
		rec.Version++
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// insert creates the record on first write. A concurrent creator wins the
// unique constraint race; we back off and re-merge against its row.
func (p *PostgresStore) insert(ctx context.Context, t entity.Type, value string, results map[string]*provider.Result, ttl time.Duration, now time.Time) (*Record, error) {
	rec := &Record{
		EntityType:  t,
		EntityValue: value,
		Enrichment:  mergeResults(nil, results),
		Metadata: Metadata{
			FirstFetched: now,
			LastFetched:  now,
			LastUpdated:  now,
			FetchCount:   1,
		},
		ExpiresAt: now.Add(ttl),
		Version:   1,
	}

	enrichJSON, err := json.Marshal(rec.Enrichment)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal enrichment: %w", err))
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO enrichment_cache
			(entity_type, entity_value, enrichment,
			 first_fetched, last_fetched, last_updated, fetch_count,
			 hits, is_stale, expires_at, version)
		VALUES ($1, $2, $3, $4, $4, $4, 1, 0, FALSE, $5, 1)
		ON CONFLICT (entity_type, entity_value) DO NOTHING`,
		string(t), value, enrichJSON, now, rec.ExpiresAt)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("insert record: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if n == 0 {
		return nil, errWriteConflict
	}
	return rec, nil
}

func (p *PostgresStore) SaveAssessment(ctx context.Context, rec *Record) error {
	riskJSON, err := json.Marshal(rec.AggregatedRisk)
	if err != nil {
		return fmt.Errorf("marshal assessment: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE enrichment_cache
		SET aggregated_risk = $3, last_updated = NOW()
		WHERE entity_type = $1 AND entity_value = $2`,
		string(rec.EntityType), rec.EntityValue, riskJSON)
	if err != nil {
		return fmt.Errorf("save assessment: %w", err)
	}
	return nil
}

func (p *PostgresStore) History(ctx context.Context, value string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM enrichment_cache
		WHERE entity_value = $1
		ORDER BY last_updated DESC
		LIMIT $2`,
		value, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_stale),
		       COALESCE(SUM(hits), 0),
		       COALESCE(SUM(fetch_count), 0)
		FROM enrichment_cache`)

	s := &Stats{}
	if err := row.Scan(&s.Records, &s.StaleRecords, &s.TotalHits, &s.TotalFetches); err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM enrichment_cache WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *PostgresStore) load(ctx context.Context, t entity.Type, value string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM enrichment_cache
		WHERE entity_type = $1 AND entity_value = $2`,
		string(t), value)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var (
		entityType string
		enrichJSON []byte
		riskJSON   []byte
		lastHit    sql.NullTime
	)
	err := row.Scan(
		&entityType, &rec.EntityValue, &enrichJSON, &riskJSON,
		&rec.Metadata.FirstFetched, &rec.Metadata.LastFetched,
		&rec.Metadata.LastUpdated, &rec.Metadata.FetchCount,
		&rec.Metadata.Hits, &lastHit, &rec.Metadata.IsStale,
		&rec.ExpiresAt, &rec.Version,
	)
	if err != nil {
		return nil, err
	}
	rec.EntityType = entity.Type(entityType)
	if lastHit.Valid {
		rec.Metadata.LastHit = lastHit.Time
	}
	if len(enrichJSON) > 0 {
		if err := json.Unmarshal(enrichJSON, &rec.Enrichment); err != nil {
			return nil, fmt.Errorf("decode enrichment: %w", err)
		}
	}
	if len(riskJSON) > 0 {
		var a risk.Assessment
		if err := json.Unmarshal(riskJSON, &a); err != nil {
			return nil, fmt.Errorf("decode assessment: %w", err)
		}
		rec.AggregatedRisk = &a
	}
	return rec, nil
}
