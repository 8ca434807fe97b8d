// Package enrich coordinates the enrichment pipeline: cache lookup, concurrent
// provider fan-out through per-provider circuit breakers, field-level merge,
// and risk aggregation.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/osprey-sec/enrichd/internal/cache"
	"github.com/osprey-sec/enrichd/internal/circuitbreaker"
	"github.com/osprey-sec/enrichd/internal/entity"
	"github.com/osprey-sec/enrichd/internal/logging"
	"github.com/osprey-sec/enrichd/internal/metrics"
	"github.com/osprey-sec/enrichd/internal/provider"
	"github.com/osprey-sec/enrichd/internal/realtime"
	"github.com/osprey-sec/enrichd/internal/risk"
	"github.com/osprey-sec/enrichd/internal/traces"
)

// errProviderFailed feeds structured provider failures into the breaker's
// failure accounting without escaping past the fan-out.
var errProviderFailed = errors.New("enrich: provider call failed")

// Options tunes an Orchestrator.
type Options struct {
	// Breaker is the shared tuning applied to every provider's breaker.
	Breaker circuitbreaker.Config
	// RecordTTL is the hard eviction bound written on every cache upsert.
	RecordTTL time.Duration
	// Hub, when set, receives assessment and breaker transition events.
	Hub *realtime.Hub
}

// Response is the caller-facing result of one enrichment cycle.
type Response struct {
	EntityType   entity.Type                 `json:"entityType"`
	EntityValue  string                      `json:"entityValue"`
	OverallScore float64                     `json:"overallScore"`
	RiskLevel    risk.Level                  `json:"riskLevel"`
	Factors      []risk.Factor               `json:"factors"`
	PerSource    map[string]*provider.Result `json:"perSource"`
	FromCache    bool                        `json:"fromCache"`
	EvaluatedAt  time.Time                   `json:"evaluatedAt"`
}

// Orchestrator is the pipeline entry point. It owns one breaker per registered
// provider for the life of the process: an outage observed through any request
// short-circuits every other request through the same provider.
type Orchestrator struct {
	registry  *provider.Registry
	store     cache.Store
	breakers  map[string]*circuitbreaker.Breaker
	recordTTL time.Duration
	hub       *realtime.Hub
}

// New creates an orchestrator and a breaker for every provider currently in
// the registry.
func New(registry *provider.Registry, store cache.Store, opts Options) *Orchestrator {
	if opts.RecordTTL <= 0 {
		opts.RecordTTL = time.Hour
	}

	o := &Orchestrator{
		registry:  registry,
		store:     store,
		breakers:  make(map[string]*circuitbreaker.Breaker),
		recordTTL: opts.RecordTTL,
		hub:       opts.Hub,
	}

	for _, name := range registry.Names() {
		b := circuitbreaker.New(name, opts.Breaker)
		if o.hub != nil {
			b.OnTransition(func(name string, from, to circuitbreaker.State) {
				o.hub.BroadcastBreakerState(&realtime.BreakerEvent{
					Provider: name,
					From:     from.String(),
					To:       to.String(),
				})
			})
		}
		o.breakers[name] = b
	}
	return o
}

// Enrich runs one enrichment cycle for the entity.
//
// A *entity.ValidationError is the only error class that aborts the call:
// provider failures, open breakers, and cache write problems all degrade to a
// best-effort response. When every relevant source is fresh in the cache, no
// provider is invoked and the cached assessment is returned as-is.
func (o *Orchestrator) Enrich(ctx context.Context, t entity.Type, value string, forceRefresh bool) (*Response, error) {
	value = entity.Normalize(t, value)
	if err := entity.Validate(t, value); err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "enrich.cycle",
		traces.EntityType(string(t)), traces.EntityValue(value))
	defer span.End()

	now := time.Now()
	log := logging.L(ctx)

	var (
		rec   *cache.Record
		fresh bool
	)
	if !forceRefresh {
		var err error
		rec, fresh, err = o.store.Get(ctx, t, value)
		if err != nil {
			log.Warn("cache lookup failed, refreshing all sources", "error", err)
		}

		switch {
		case rec == nil:
			metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		case !fresh:
			metrics.CacheLookupsTotal.WithLabelValues("stale").Inc()
		default:
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
		}
	}

	// A record past its hard expiry never serves reads, even if individual
	// sources are within their own TTLs.
	providers := o.registry.ForType(t)
	needed := make([]provider.Provider, 0, len(providers))
	for _, p := range providers {
		if forceRefresh || rec == nil || !fresh || !rec.FreshSource(p.Name(), now) {
			needed = append(needed, p)
		}
	}

	// Fully served from cache: every relevant source is fresh.
	if len(needed) == 0 && rec != nil && rec.AggregatedRisk != nil {
		span.SetAttributes(traces.CacheResult("hit"))
		if err := o.store.RecordHit(ctx, rec); err != nil {
			log.Warn("record hit failed", "error", err)
		}
		return o.respond(t, value, rec.AggregatedRisk, rec.Enrichment, true), nil
	}

	results, err := o.fanOut(ctx, t, value, needed)
	if err != nil {
		return nil, err
	}

	// Nothing fetched and nothing cached happens for valid entity types no
	// provider covers; the record is only created once a fetch occurs.
	var (
		merged   map[string]*provider.Result
		mergeErr error
	)
	switch {
	case len(results) > 0:
		merged, mergeErr = o.merge(ctx, t, value, rec, results)
		if mergeErr != nil {
			// A broken store must not break the request: aggregate over what
			// we have in hand and return a best-effort score.
			log.Error("cache merge failed, returning uncached assessment", "error", mergeErr)
		}
	case rec != nil:
		merged = rec.Enrichment
	}

	assessment := risk.Aggregate(merged)
	if mergeErr == nil && len(results) > 0 {
		saveRec := &cache.Record{EntityType: t, EntityValue: value, AggregatedRisk: assessment}
		if saveErr := o.store.SaveAssessment(ctx, saveRec); saveErr != nil {
			log.Warn("assessment persist failed", "error", saveErr)
		}
	}

	metrics.EnrichRequestsTotal.WithLabelValues(string(t), string(assessment.RiskLevel)).Inc()
	span.SetAttributes(traces.RiskLevel(string(assessment.RiskLevel)))

	if o.hub != nil {
		o.hub.BroadcastAssessment(&realtime.AssessmentEvent{
			EntityType:   string(t),
			EntityValue:  value,
			OverallScore: assessment.OverallScore,
			RiskLevel:    assessment.RiskLevel,
		})
	}

	return o.respond(t, value, assessment, merged, false), nil
}

// fanOut issues one concurrent call per needed provider, each through that
// provider's breaker with an "unavailable" fallback. A single failing or
// short-circuited source never aborts the request; a ValidationError does.
func (o *Orchestrator) fanOut(ctx context.Context, t entity.Type, value string, needed []provider.Provider) (map[string]*provider.Result, error) {
	results := make(map[string]*provider.Result, len(needed))

	var (
		mu            sync.Mutex
		wg            sync.WaitGroup
		validationErr error
	)

	for _, p := range needed {
		wg.Add(1)
		go func(p provider.Provider) {
			defer wg.Done()

			name := p.Name()
			breaker := o.breakers[name]
			if breaker == nil {
				// Provider registered after construction; call unguarded.
				breaker = circuitbreaker.New(name, circuitbreaker.DefaultConfig())
			}

			start := time.Now()

			// Buffered so a call that outlives the breaker's timeout can still
			// deposit its result after Execute returns without blocking or
			// racing this goroutine.
			resCh := make(chan *provider.Result, 1)

			// The Execute error is already reflected in the result; breaker
			// state and failure accounting are the only consumers of it.
			_ = breaker.Execute(ctx, func(ctx context.Context) error {
				r, err := p.Enrich(ctx, t, value)
				if err != nil {
					// Caller bug (unsupported type, malformed value). Not a
					// provider fault, so it must not trip the breaker.
					mu.Lock()
					validationErr = err
					mu.Unlock()
					return fmt.Errorf("%w: %v", circuitbreaker.ErrNotCounted, err)
				}
				resCh <- r
				if !r.Success {
					return fmt.Errorf("%w: %s (%s)", errProviderFailed, name, r.ErrorKind)
				}
				return nil
			}, func() error {
				resCh <- provider.Unavailable(p)
				return nil
			})

			metrics.ProviderCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

			var res *provider.Result
			select {
			case res = <-resCh:
			default:
				// Breaker timeout fired before Enrich returned a result.
				res = &provider.Result{
					Source:     name,
					ErrorKind:  provider.ErrorKindTimeout,
					FetchedAt:  time.Now(),
					TTLSeconds: int(p.DefaultTTL() / time.Second),
					Confidence: p.BaseConfidence(),
				}
			}

			switch {
			case res.Success:
				metrics.ProviderCallsTotal.WithLabelValues(name, "success").Inc()
			default:
				metrics.ProviderCallsTotal.WithLabelValues(name, string(res.ErrorKind)).Inc()
			}

			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	// A timed-out call's goroutine may still be running; take the lock so a
	// late validation write cannot race this read.
	mu.Lock()
	verr := validationErr
	mu.Unlock()
	if verr != nil {
		return nil, verr
	}
	return results, nil
}

// merge upserts the fresh results into the cache and returns the full merged
// enrichment map. On store failure it falls back to merging in memory.
func (o *Orchestrator) merge(ctx context.Context, t entity.Type, value string, rec *cache.Record, results map[string]*provider.Result) (map[string]*provider.Result, error) {
	merged, err := o.store.Upsert(ctx, t, value, results, o.recordTTL)
	if err == nil {
		return merged.Enrichment, nil
	}

	fallback := make(map[string]*provider.Result)
	if rec != nil {
		for name, res := range rec.Enrichment {
			fallback[name] = res
		}
	}
	for name, res := range results {
		fallback[name] = res
	}
	return fallback, err
}

func (o *Orchestrator) respond(t entity.Type, value string, a *risk.Assessment, perSource map[string]*provider.Result, fromCache bool) *Response {
	return &Response{
		EntityType:   t,
		EntityValue:  value,
		OverallScore: a.OverallScore,
		RiskLevel:    a.RiskLevel,
		Factors:      a.Factors,
		PerSource:    perSource,
		FromCache:    fromCache,
		EvaluatedAt:  a.EvaluatedAt,
	}
}

// Breakers returns a snapshot of every provider breaker, sorted by name.
func (o *Orchestrator) Breakers() []circuitbreaker.Snapshot {
	out := make([]circuitbreaker.Snapshot, 0, len(o.breakers))
	for _, b := range o.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Breaker returns the breaker guarding the named provider.
func (o *Orchestrator) Breaker(name string) (*circuitbreaker.Breaker, bool) {
	b, ok := o.breakers[name]
	return b, ok
}

// CacheStats reports store-wide cache counters.
func (o *Orchestrator) CacheStats(ctx context.Context) (*cache.Stats, error) {
	return o.store.Stats(ctx)
}

// History returns prior cache records for an entity value.
func (o *Orchestrator) History(ctx context.Context, value string, limit int) ([]*cache.Record, error) {
	return o.store.History(ctx, value, limit)
}
