// Package provider defines the capability contract for external intelligence
// sources and the adapters that implement it.
//
// A provider wraps one upstream verification source (IP reputation feed,
// anonymizer detector, breach index, ...). Expected upstream failures
// (timeouts, 4xx/5xx, rate limits) never escape as errors: they come back as
// a structured Result with Success=false and an ErrorKind, so the
// orchestrator can apply one uniform fallback policy. The only error Enrich
// returns is ErrUnsupportedEntity, which signals a caller bug.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/osprey-sec/enrichd/internal/entity"
)

// Source names. These are the keys of the per-source enrichment map and must
// stay stable: they are persisted in cache records.
const (
	SourceIPReputation     = "ip_reputation"
	SourceAnonymizer       = "anonymizer"
	SourceGeoRisk          = "geo_risk"
	SourceASNTrust         = "asn_trust"
	SourceDisposableEmail  = "disposable_email"
	SourceCredentialBreach = "credential_breach"
)

// ErrUnsupportedEntity is returned when a provider is asked to enrich an
// entity type it does not support. Unlike upstream failures this aborts the
// whole request; the circuit breaker is not involved.
var ErrUnsupportedEntity = errors.New("provider: unsupported entity type")

// ErrorKind classifies an expected upstream failure.
type ErrorKind string

const (
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindUpstream    ErrorKind = "provider_error"
	// ErrorKindUnavailable marks results synthesized by the orchestrator's
	// fallback when a breaker short-circuits the call.
	ErrorKindUnavailable ErrorKind = "unavailable"

	// errorKindNotFound is internal to getJSON: some sources use 404 as a
	// definitive negative ("no record"), not a failure.
	errorKindNotFound ErrorKind = "not_found"
)

// Result is a single provider finding, the unit stored in the per-source
// enrichment map. Data holds the provider-specific payload (one of the *Data
// structs below) serialized as JSON so heterogeneous findings survive
// persistence untouched.
type Result struct {
	Source     string          `json:"source"`
	Success    bool            `json:"success"`
	Data       json.RawMessage `json:"data,omitempty"`
	ErrorKind  ErrorKind       `json:"errorKind,omitempty"`
	FetchedAt  time.Time       `json:"fetchedAt"`
	TTLSeconds int             `json:"ttlSeconds"`
	Confidence float64         `json:"confidence"`
}

// Stale reports whether this finding's own TTL has elapsed. This is the soft
// refresh trigger; the record-level expiresAt is the hard eviction bound.
func (r *Result) Stale(now time.Time) bool {
	return now.After(r.FetchedAt.Add(time.Duration(r.TTLSeconds) * time.Second))
}

// Provider is the capability contract one intelligence source implements.
type Provider interface {
	// Name is the stable source identifier used for cache keys, breaker
	// naming, and aggregation weights.
	Name() string
	// SupportedTypes lists the entity types this source can enrich.
	SupportedTypes() []entity.Type
	// DefaultTTL is how long a finding from this source stays fresh.
	DefaultTTL() time.Duration
	// BaseConfidence is the source's self-reported reliability in [0,1].
	BaseConfidence() float64
	// Enrich fetches a finding for the entity. Expected upstream failures
	// are reported inside the Result; the returned error is non-nil only
	// for ErrUnsupportedEntity.
	Enrich(ctx context.Context, t entity.Type, value string) (*Result, error)
}

// Per-source payload shapes.

// IPReputationData is the ip_reputation finding: an abuse score on a 0-100
// scale plus the behavior categories the source observed.
type IPReputationData struct {
	Score      float64  `json:"score"`
	Categories []string `json:"categories,omitempty"`
}

// AnonymizerData is the anonymizer finding.
type AnonymizerData struct {
	IsTor   bool   `json:"isTor"`
	IsProxy bool   `json:"isProxy"`
	IsVPN   bool   `json:"isVpn"`
	Service string `json:"service,omitempty"`
}

// GeoRiskData is the geo_risk finding.
type GeoRiskData struct {
	RiskScore float64  `json:"riskScore"`
	Country   string   `json:"country,omitempty"`
	Factors   []string `json:"factors,omitempty"`
}

// ASNTrustData is the asn_trust finding. TrustScore is 0-100 where higher
// means more trustworthy; the aggregator inverts it.
type ASNTrustData struct {
	TrustScore   float64 `json:"trustScore"`
	ASN          uint32  `json:"asn,omitempty"`
	Organization string  `json:"organization,omitempty"`
}

// DisposableEmailData is the disposable_email finding.
type DisposableEmailData struct {
	IsDisposable bool   `json:"isDisposable"`
	Domain       string `json:"domain,omitempty"`
}

// CredentialBreachData is the credential_breach finding.
type CredentialBreachData struct {
	IsBreached  bool     `json:"isBreached"`
	BreachCount int      `json:"breachCount"`
	Breaches    []string `json:"breaches,omitempty"`
}

// supports reports whether t appears in types.
func supports(types []entity.Type, t entity.Type) bool {
	for _, st := range types {
		if st == t {
			return true
		}
	}
	return false
}

// checkSupported returns the uniform unsupported-entity error.
func checkSupported(name string, types []entity.Type, t entity.Type) error {
	if !supports(types, t) {
		return fmt.Errorf("%w: %s does not enrich %s entities", ErrUnsupportedEntity, name, t)
	}
	return nil
}

// success builds a successful Result, marshaling the payload.
func success(name string, data any, ttl time.Duration, confidence float64) *Result {
	raw, err := json.Marshal(data)
	if err != nil {
		// Payload structs marshal without error; guard anyway.
		return failure(name, ErrorKindUpstream, ttl, confidence)
	}
	return &Result{
		Source:     name,
		Success:    true,
		Data:       raw,
		FetchedAt:  time.Now(),
		TTLSeconds: int(ttl / time.Second),
		Confidence: confidence,
	}
}

// failure builds a structured failure Result.
func failure(name string, kind ErrorKind, ttl time.Duration, confidence float64) *Result {
	return &Result{
		Source:     name,
		Success:    false,
		ErrorKind:  kind,
		FetchedAt:  time.Now(),
		TTLSeconds: int(ttl / time.Second),
		Confidence: confidence,
	}
}

// Unavailable is the fallback Result the orchestrator records when a
// provider's breaker declines to attempt the call.
func Unavailable(p Provider) *Result {
	return failure(p.Name(), ErrorKindUnavailable, p.DefaultTTL(), p.BaseConfidence())
}

// getJSON issues a GET with the given headers, decodes the JSON body into out,
// and classifies failures. A zero ErrorKind means success. A nil out discards
// the body.
func getJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, out any) ErrorKind {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrorKindUpstream
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return ErrorKindTimeout
		}
		return ErrorKindUpstream
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrorKindRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return errorKindNotFound
	case resp.StatusCode != http.StatusOK:
		return ErrorKindUpstream
	}

	if out == nil {
		return ""
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return ErrorKindUpstream
	}
	return ""
}
